/*
   registry keeps track of the browsers subscribed to the log relay
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

package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/jinzhu/copier"
	"github.com/practable/logrelay/internal/chanstats"
	"github.com/practable/logrelay/internal/logevent"
	log "github.com/sirupsen/logrus"
)

// ErrUnknownSubscriber is returned for operations on an id that is not registered
var ErrUnknownSubscriber = errors.New("unknown subscriber")

// ErrDuplicateSubscriber is returned when adding an id that is already registered
var ErrDuplicateSubscriber = errors.New("subscriber already registered")

// Info describes the connection behind a subscriber
type Info struct {
	RemoteAddr string
	UserAgent  string
	Stats      *chanstats.ChanStats
}

// Subscriber is a connected browser and the namespaces it wants
type Subscriber struct {
	ID         string
	RemoteAddr string
	UserAgent  string
	Filter     logevent.Filter
	Stats      *chanstats.ChanStats

	send chan logevent.Message
}

// Report describes a subscriber for the stats endpoint
type Report struct {
	ID         string            `json:"id"`
	RemoteAddr string            `json:"remoteAddr"`
	UserAgent  string            `json:"userAgent"`
	Namespaces []string          `json:"namespaces" copier:"-"`
	Stats      *chanstats.Report `json:"stats" copier:"-"`
}

// Registry holds the subscribers, keyed by connection id
type Registry struct {
	mu          sync.RWMutex
	defaults    []string
	subscribers map[string]*Subscriber
}

// New returns a registry whose new subscribers start with the
// default namespaces as their filter
func New(defaultNamespaces []string) *Registry {
	return &Registry{
		defaults:    defaultNamespaces,
		subscribers: make(map[string]*Subscriber),
	}
}

// Add registers a subscriber. Messages for it are queued on send, which
// the registry closes when the subscriber is removed.
func (r *Registry) Add(id string, send chan logevent.Message, info Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subscribers[id]; ok {
		return ErrDuplicateSubscriber
	}

	stats := info.Stats
	if stats == nil {
		stats = chanstats.New()
	}

	r.subscribers[id] = &Subscriber{
		ID:         id,
		RemoteAddr: info.RemoteAddr,
		UserAgent:  info.UserAgent,
		Filter:     logevent.NewFilter(r.defaults...),
		Stats:      stats,
		send:       send,
	}

	return nil
}

// Remove deletes the subscriber and closes its send channel.
// Removing an unknown id does nothing.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subscribers[id]
	if !ok {
		return
	}
	delete(r.subscribers, id)
	close(s.send)

	log.WithFields(log.Fields{
		"id":       id,
		"received": s.Stats.Rx.Count(),
		"dropped":  s.Stats.Rx.Dropped(),
		"updates":  s.Stats.Tx.Count(),
	}).Info("subscriber removed")
}

// SetFilter replaces the subscriber's filter
func (r *Registry) SetFilter(id string, namespaces []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.subscribers[id]
	if !ok {
		return ErrUnknownSubscriber
	}
	s.Filter = logevent.NewFilter(namespaces...)
	return nil
}

// Namespaces returns the subscriber's current filter, sorted and without duplicates
func (r *Registry) Namespaces(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.subscribers[id]
	if !ok {
		return nil, ErrUnknownSubscriber
	}
	return s.Filter.Namespaces(), nil
}

// Count returns the number of subscribers
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// Broadcast sends each subscriber the events that pass its filter,
// as a single log_data message. Sends never block; a subscriber whose
// queue is full misses the message. Returns the number of messages
// queued and dropped.
func (r *Registry) Broadcast(events []logevent.LogEvent) (delivered, dropped int) {

	if len(events) == 0 {
		return 0, 0
	}

	all, err := logevent.NewLogData(events)
	if err != nil {
		log.WithField("error", err).Error("cannot encode log events for broadcast")
		return 0, 0
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.subscribers {

		msg := all

		selected := s.Filter.Select(events)

		if len(selected) == 0 {
			continue
		}

		if len(selected) != len(events) {
			msg, err = logevent.NewLogData(selected)
			if err != nil {
				log.WithFields(log.Fields{"error": err, "id": s.ID}).Error("cannot encode filtered log events")
				continue
			}
		}

		if r.trySend(s, msg) {
			delivered++
		} else {
			dropped++
		}
	}

	return delivered, dropped
}

// Send queues msg for every subscriber, without filtering
func (r *Registry) Send(msg logevent.Message) (delivered, dropped int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.subscribers {
		if r.trySend(s, msg) {
			delivered++
		} else {
			dropped++
		}
	}
	return delivered, dropped
}

func (r *Registry) trySend(s *Subscriber, msg logevent.Message) bool {
	select {
	case s.send <- msg:
		return true
	default:
		s.Stats.Rx.Drop()
		log.WithFields(log.Fields{"id": s.ID, "event": msg.Event}).Debug("subscriber queue full, message dropped")
		return false
	}
}

// CloseAll removes every subscriber, closing their send channels
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.subscribers {
		delete(r.subscribers, id)
		close(s.send)
	}
}

// Reports describes every subscriber, ordered by id
func (r *Registry) Reports() []Report {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reports := []Report{}

	for _, s := range r.subscribers {
		var report Report
		if err := copier.Copy(&report, s); err != nil {
			log.WithFields(log.Fields{"error": err, "id": s.ID}).Warn("cannot copy subscriber into report")
			continue
		}
		report.Namespaces = s.Filter.Namespaces()
		report.Stats = chanstats.NewReport(s.Stats)
		reports = append(reports, report)
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].ID < reports[j].ID })

	return reports
}
