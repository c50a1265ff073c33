/*
   logevent defines the log events and messages exchanged by the relay
   Copyright (C) 2024 Timothy Drysdale <timothy.d.drysdale@gmail.com>

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as
   published by the Free Software Foundation, either version 3 of the
   License, or (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package logevent provides the log event type, the message envelope
// used on every websocket connection, and namespace filters.
package logevent

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names carried in Message.Event
const (
	LogData          = "log_data"
	UpdateNamespaces = "update_namespaces"
	Status           = "status"
)

// Upstream states reported in status messages
const (
	UpstreamConnected    = "connected"
	UpstreamDisconnected = "disconnected"
	UpstreamUnavailable  = "unavailable"
)

// LogEvent represents one log line from one namespace
type LogEvent struct {
	Timestamp string `json:"timestamp"`
	Namespace string `json:"namespace"`
	Log       string `json:"log"`
}

// Message is the envelope for every text frame, in either direction
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StatusReport is the payload of a status message
type StatusReport struct {
	Upstream string `json:"upstream"`
	Reason   string `json:"reason,omitempty"`
}

// MalformedFilterError is returned when an update_namespaces payload
// is not an array of non-empty strings
type MalformedFilterError struct {
	Reason string
}

func (e *MalformedFilterError) Error() string {
	return "malformed filter: " + e.Reason
}

// ErrNoEvent is returned when decoding a message without an event name
var ErrNoEvent = errors.New("message has no event name")

// NewLogData wraps events in a log_data message
func NewLogData(events []LogEvent) (Message, error) {
	if events == nil {
		events = []LogEvent{}
	}
	return newMessage(LogData, events)
}

// NewUpdateNamespaces wraps namespaces in an update_namespaces message
func NewUpdateNamespaces(namespaces []string) (Message, error) {
	if namespaces == nil {
		namespaces = []string{}
	}
	return newMessage(UpdateNamespaces, namespaces)
}

// NewStatus returns a status message about the upstream connection
func NewStatus(upstream, reason string) (Message, error) {
	return newMessage(Status, StatusReport{Upstream: upstream, Reason: reason})
}

func newMessage(event string, payload interface{}) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshalling %s payload: %w", event, err)
	}
	return Message{Event: event, Data: data}, nil
}

// Encode returns the JSON form of the message, ready to write to a websocket
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a text frame into a Message
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	if m.Event == "" {
		return Message{}, ErrNoEvent
	}
	return m, nil
}

// Events returns the log events carried by a log_data message
func (m Message) Events() ([]LogEvent, error) {
	if m.Event != LogData {
		return nil, fmt.Errorf("expected %s message but got %s", LogData, m.Event)
	}
	var events []LogEvent
	if err := json.Unmarshal(m.Data, &events); err != nil {
		return nil, fmt.Errorf("decoding log events: %w", err)
	}
	return events, nil
}

// Namespaces returns the namespaces carried by an update_namespaces message.
// Anything other than an array of non-empty strings is a MalformedFilterError.
// Duplicates are removed, order of first appearance is kept.
func (m Message) Namespaces() ([]string, error) {
	if m.Event != UpdateNamespaces {
		return nil, &MalformedFilterError{Reason: "unexpected event " + m.Event}
	}
	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil, &MalformedFilterError{Reason: "missing namespaces"}
	}
	var raw []interface{}
	if err := json.Unmarshal(m.Data, &raw); err != nil {
		return nil, &MalformedFilterError{Reason: "namespaces must be an array"}
	}
	namespaces := make([]string, 0, len(raw))
	seen := make(map[string]bool)
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, &MalformedFilterError{Reason: fmt.Sprintf("namespace %d is not a string", i)}
		}
		if s == "" {
			return nil, &MalformedFilterError{Reason: fmt.Sprintf("namespace %d is empty", i)}
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		namespaces = append(namespaces, s)
	}
	return namespaces, nil
}

// Report returns the payload of a status message
func (m Message) Report() (StatusReport, error) {
	var r StatusReport
	if m.Event != Status {
		return r, fmt.Errorf("expected %s message but got %s", Status, m.Event)
	}
	err := json.Unmarshal(m.Data, &r)
	return r, err
}
