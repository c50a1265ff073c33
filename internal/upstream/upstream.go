/*
   upstream connects the relay to the log source
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

// Package upstream manages the relay's single connection to the backend
// that produces log events.
package upstream

import (
	"context"

	"github.com/practable/logrelay/internal/logevent"
)

// Handlers are the callbacks a connection invokes. Any of them may be nil.
// Handlers are invoked from the connection's own goroutine, one at a time,
// so OnEvent sees batches in exactly the order they arrived.
type Handlers struct {
	OnEvent      func([]logevent.LogEvent)
	OnConnect    func()
	OnDisconnect func(error)
}

// Connection is an open upstream connection
type Connection interface {
	// SendFilter asks upstream to restrict events to namespaces.
	// It does not block; upstream may ignore it.
	SendFilter(namespaces []string)

	// Close terminates the connection. It is safe to call more than once.
	Close()
}

// Factory opens upstream connections
type Factory interface {
	Open(ctx context.Context, address string, h Handlers) (Connection, error)
}

// ConnectionError reports that upstream is unreachable or has dropped
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return "upstream " + e.Address + " unavailable"
	}
	return "upstream " + e.Address + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
