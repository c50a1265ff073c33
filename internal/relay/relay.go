/*
   relay fans out a single upstream log stream to browser subscribers
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

// Package relay connects to upstream while at least one subscriber is
// present, and broadcasts what upstream sends to every subscriber.
//
// All relay state is owned by the goroutine running Run. Other goroutines
// talk to it over channels, the same way clients talk to a hub.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"github.com/practable/logrelay/internal/logevent"
	"github.com/practable/logrelay/internal/metrics"
	"github.com/practable/logrelay/internal/registry"
	"github.com/practable/logrelay/internal/upstream"
	log "github.com/sirupsen/logrus"
)

// ErrStopped is returned by calls made after Run has returned
var ErrStopped = errors.New("relay stopped")

// State is the relay's lifecycle state
type State int

// Idle means no subscribers and no upstream; Active means at least one subscriber
const (
	Idle State = iota
	Active
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	default:
		return "unknown"
	}
}

// Config represents configuration options for a relay
type Config struct {
	// Upstream is the address of the log source
	Upstream string

	// ReopenMin and ReopenMax bound the wait before retrying
	// a failed upstream open
	ReopenMin time.Duration
	ReopenMax time.Duration
}

// Status is a snapshot of the relay's state
type Status struct {
	State             string `json:"state"`
	Subscribers       int    `json:"subscribers"`
	UpstreamOpen      bool   `json:"upstreamOpen"`
	UpstreamConnected bool   `json:"upstreamConnected"`
	Opens             int    `json:"opens"`
}

type connectRequest struct {
	id    string
	send  chan logevent.Message
	info  registry.Info
	reply chan error
}

type disconnectRequest struct {
	id    string
	reply chan struct{}
}

type filterRequest struct {
	id         string
	namespaces []string
	reply      chan error
}

// upstream callbacks are tagged with the generation of the connection
// that produced them, so that late arrivals from a closed connection
// can be discarded
type upstreamEvents struct {
	generation int
	events     []logevent.LogEvent
}

type upstreamStatus struct {
	generation int
	connected  bool
	err        error
}

// Relay represents a log relay
type Relay struct {
	config   Config
	factory  upstream.Factory
	registry *registry.Registry
	metrics  *metrics.Metrics

	connect    chan connectRequest
	disconnect chan disconnectRequest
	filter     chan filterRequest
	events     chan upstreamEvents
	status     chan upstreamStatus
	query      chan chan Status
	done       chan struct{}

	// owned by Run
	ctx        context.Context
	state      State
	upstream   upstream.Connection
	connected  bool
	generation int
	lastFilter []string
	reopen     *backoff.Backoff
	retry      <-chan time.Time
}

// New returns a relay; call Run to start it
func New(config Config, factory upstream.Factory, reg *registry.Registry, m *metrics.Metrics) *Relay {

	if config.ReopenMin <= 0 {
		config.ReopenMin = time.Second
	}
	if config.ReopenMax < config.ReopenMin {
		config.ReopenMax = 10 * config.ReopenMin
	}
	if m == nil {
		m = metrics.New(nil)
	}

	return &Relay{
		config:     config,
		factory:    factory,
		registry:   reg,
		metrics:    m,
		connect:    make(chan connectRequest),
		disconnect: make(chan disconnectRequest),
		filter:     make(chan filterRequest),
		events:     make(chan upstreamEvents),
		status:     make(chan upstreamStatus),
		query:      make(chan chan Status),
		done:       make(chan struct{}),
		state:      Idle,
		reopen: &backoff.Backoff{
			Min:    config.ReopenMin,
			Max:    config.ReopenMax,
			Factor: 2,
		},
	}
}

// Connect registers a subscriber. Messages for it are queued on send,
// which is closed when the subscriber is disconnected or the relay stops.
func (r *Relay) Connect(id string, send chan logevent.Message, info registry.Info) error {
	req := connectRequest{id: id, send: send, info: info, reply: make(chan error, 1)}
	select {
	case r.connect <- req:
	case <-r.done:
		return ErrStopped
	}
	return <-req.reply
}

// Disconnect removes a subscriber. Unknown ids are ignored.
func (r *Relay) Disconnect(id string) {
	req := disconnectRequest{id: id, reply: make(chan struct{})}
	select {
	case r.disconnect <- req:
	case <-r.done:
		return
	}
	<-req.reply
}

// UpdateNamespaces applies a subscriber's update_namespaces message.
// A malformed message returns a *logevent.MalformedFilterError and
// leaves the previous filter in place.
func (r *Relay) UpdateNamespaces(id string, msg logevent.Message) error {

	namespaces, err := msg.Namespaces()
	if err != nil {
		r.metrics.MalformedFilters.Inc()
		log.WithFields(log.Fields{"id": id, "error": err}).Warn("rejected filter update")
		return err
	}

	req := filterRequest{id: id, namespaces: namespaces, reply: make(chan error, 1)}
	select {
	case r.filter <- req:
	case <-r.done:
		return ErrStopped
	}
	return <-req.reply
}

// Status returns a snapshot of the relay state
func (r *Relay) Status() Status {
	reply := make(chan Status, 1)
	select {
	case r.query <- reply:
		return <-reply
	case <-r.done:
		return Status{State: Idle.String()}
	}
}

// Done is closed when Run has returned
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Run processes requests until ctx is cancelled, then closes upstream
// and disconnects every subscriber
func (r *Relay) Run(ctx context.Context) {

	r.ctx = ctx

	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return
		case req := <-r.connect:
			req.reply <- r.handleConnect(req)
		case req := <-r.disconnect:
			r.handleDisconnect(req.id)
			close(req.reply)
		case req := <-r.filter:
			req.reply <- r.handleFilter(req)
		case ev := <-r.events:
			r.handleEvents(ev)
		case st := <-r.status:
			r.handleStatus(st)
		case <-r.retry:
			r.retry = nil
			if r.state == Active && r.upstream == nil {
				r.open()
			}
		case reply := <-r.query:
			reply <- Status{
				State:             r.state.String(),
				Subscribers:       r.registry.Count(),
				UpstreamOpen:      r.upstream != nil,
				UpstreamConnected: r.connected,
				Opens:             r.generation,
			}
		}
	}
}

func (r *Relay) handleConnect(req connectRequest) error {

	if err := r.registry.Add(req.id, req.send, req.info); err != nil {
		log.WithFields(log.Fields{"id": req.id, "error": err}).Error("subscriber not added")
		return err
	}

	r.metrics.Subscribers.Set(float64(r.registry.Count()))
	log.WithFields(log.Fields{"id": req.id, "subscribers": r.registry.Count()}).Info("subscriber connected")

	switch r.state {
	case Idle:
		r.state = Active
		r.open()
	case Active:
		if r.upstream == nil {
			// a previous open failed; try again now rather than waiting
			r.open()
		}
	}

	return nil
}

func (r *Relay) handleDisconnect(id string) {

	before := r.registry.Count()
	r.registry.Remove(id)
	after := r.registry.Count()

	if before == after {
		log.WithField("id", id).Debug("disconnect for unknown subscriber ignored")
		return
	}

	r.metrics.Subscribers.Set(float64(after))
	log.WithFields(log.Fields{"id": id, "subscribers": after}).Info("subscriber disconnected")

	if after == 0 {
		r.close()
		r.state = Idle
	}
}

func (r *Relay) handleFilter(req filterRequest) error {

	if err := r.registry.SetFilter(req.id, req.namespaces); err != nil {
		r.metrics.UnknownSubscribers.Inc()
		log.WithFields(log.Fields{"id": req.id, "error": err}).Warn("filter update ignored")
		return err
	}

	applied, err := r.registry.Namespaces(req.id)
	if err != nil {
		return err
	}

	r.metrics.FilterUpdates.Inc()
	r.lastFilter = applied

	if r.upstream != nil {
		r.upstream.SendFilter(applied)
	}

	log.WithFields(log.Fields{"id": req.id, "namespaces": applied}).Debug("filter updated")

	return nil
}

func (r *Relay) handleEvents(ev upstreamEvents) {

	if ev.generation != r.generation || r.upstream == nil {
		log.WithField("count", len(ev.events)).Trace("discarding events from closed upstream")
		return
	}

	r.metrics.EventsReceived.Add(float64(len(ev.events)))

	delivered, dropped := r.registry.Broadcast(ev.events)

	r.metrics.MessagesDelivered.Add(float64(delivered))
	r.metrics.MessagesDropped.Add(float64(dropped))

	log.WithFields(log.Fields{"events": len(ev.events), "delivered": delivered, "dropped": dropped}).Trace("broadcast")
}

func (r *Relay) handleStatus(st upstreamStatus) {

	if st.generation != r.generation || r.upstream == nil {
		return
	}

	var msg logevent.Message
	var err error

	if st.connected {
		r.connected = true
		msg, err = logevent.NewStatus(logevent.UpstreamConnected, "")
	} else {
		r.connected = false
		r.metrics.UpstreamDrops.Inc()
		reason := ""
		if st.err != nil {
			reason = st.err.Error()
		}
		msg, err = logevent.NewStatus(logevent.UpstreamDisconnected, reason)
	}

	if err != nil {
		log.WithField("error", err).Error("cannot encode status")
		return
	}

	r.registry.Send(msg)
}

// open starts a new upstream connection, wiring its callbacks back to Run
func (r *Relay) open() {

	r.generation++
	gen := r.generation

	h := upstream.Handlers{
		OnEvent: func(events []logevent.LogEvent) {
			select {
			case r.events <- upstreamEvents{generation: gen, events: events}:
			case <-r.done:
			}
		},
		OnConnect: func() {
			select {
			case r.status <- upstreamStatus{generation: gen, connected: true}:
			case <-r.done:
			}
		},
		OnDisconnect: func(err error) {
			select {
			case r.status <- upstreamStatus{generation: gen, err: err}:
			case <-r.done:
			}
		},
	}

	conn, err := r.factory.Open(r.ctx, r.config.Upstream, h)

	if err != nil {
		wait := r.reopen.Duration()
		r.retry = time.After(wait)
		r.metrics.UpstreamDrops.Inc()
		log.WithFields(log.Fields{"upstream": r.config.Upstream, "error": err, "retry": wait}).Error("cannot open upstream")
		msg, merr := logevent.NewStatus(logevent.UpstreamUnavailable, err.Error())
		if merr == nil {
			r.registry.Send(msg)
		}
		return
	}

	r.reopen.Reset()
	r.retry = nil
	r.upstream = conn
	r.connected = false
	r.metrics.UpstreamOpens.Inc()
	r.metrics.UpstreamOpen.Set(1)

	if r.lastFilter != nil {
		conn.SendFilter(r.lastFilter)
	}

	log.WithFields(log.Fields{"upstream": r.config.Upstream, "generation": gen}).Info("upstream open")
}

func (r *Relay) close() {

	r.retry = nil
	r.lastFilter = nil
	r.reopen.Reset()

	if r.upstream == nil {
		return
	}

	r.upstream.Close()
	r.upstream = nil
	r.connected = false
	r.metrics.UpstreamOpen.Set(0)

	log.WithField("upstream", r.config.Upstream).Info("upstream closed, no subscribers")
}

func (r *Relay) shutdown() {
	r.close()
	r.registry.CloseAll()
	r.state = Idle
	r.metrics.Subscribers.Set(0)
	log.Info("relay stopped")
}
