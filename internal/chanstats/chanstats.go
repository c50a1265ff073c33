/*
   chanstats calculates statistics for bidirectional message channels
   Copyright (C) 2019 Timothy Drysdale <timothy.d.drysdale@gmail.com>

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

package chanstats

import (
	"sync"
	"time"

	"github.com/eclesh/welford"
)

// ChanStats represents recorded channel statistics.
// Rx and Tx are from the point of view of the browser, so
// Rx counts log_data sent to it and Tx counts filter updates from it.
type ChanStats struct {
	ConnectedAt time.Time
	Rx          *Messages
	Tx          *Messages
}

// Messages represents statistics for messages in one direction
type Messages struct {
	mu      sync.Mutex
	last    time.Time
	dropped uint64
	bytes   *welford.Stats
	dt      *welford.Stats
}

// Report represents the statistics for one channel
type Report struct {
	Connected string  `json:"connected"`
	Tx        Details `json:"tx"`
	Rx        Details `json:"rx"`
}

// Details represents detailed statistics
type Details struct {
	Last    string       `json:"last"` //how many seconds ago...
	Dropped uint64       `json:"dropped"`
	Bytes   WelfordStats `json:"bytes"`
	Dt      WelfordStats `json:"dt"`
}

// WelfordStats represents statistical values
type WelfordStats struct {
	Count    uint64  `json:"count"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	Stddev   float64 `json:"stddev"`
	Variance float64 `json:"variance"`
}

// New returns a pointer to new ChanStats struct with statistics initialised
func New() *ChanStats {
	return &ChanStats{
		ConnectedAt: time.Now(),
		Rx:          newMessages(),
		Tx:          newMessages(),
	}
}

func newMessages() *Messages {
	return &Messages{bytes: welford.New(), dt: welford.New()}
}

// Add records a message of size bytes. The interval to the previous
// message, or to connection for the first one, is in seconds.
func (m *Messages) Add(connectedAt time.Time, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if m.last.IsZero() {
		m.dt.Add(now.Sub(connectedAt).Seconds())
	} else {
		m.dt.Add(now.Sub(m.last).Seconds())
	}
	m.last = now
	m.bytes.Add(float64(size))
}

// Drop records a message that could not be queued
func (m *Messages) Drop() {
	m.mu.Lock()
	m.dropped++
	m.mu.Unlock()
}

// Count returns the number of messages recorded
func (m *Messages) Count() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytes.Count()
}

// Dropped returns the number of messages dropped
func (m *Messages) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// NewReport represents a new report on channel statistics
func NewReport(s *ChanStats) *Report {
	return &Report{
		Connected: s.ConnectedAt.String(),
		Rx:        *NewDetails(s.Rx),
		Tx:        *NewDetails(s.Tx),
	}
}

// NewDetails holds detailed information on channel statistics in one direction
func NewDetails(m *Messages) *Details {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := "never"
	if !m.last.IsZero() {
		last = time.Since(m.last).String()
	}
	return &Details{
		Last:    last,
		Dropped: m.dropped,
		Bytes:   *NewWelford(m.bytes),
		Dt:      *NewWelford(m.dt),
	}
}

// NewWelford initialises a new statistics structure
func NewWelford(w *welford.Stats) *WelfordStats {
	r := &WelfordStats{
		Count:    w.Count(),
		Min:      w.Min(),
		Max:      w.Max(),
		Mean:     w.Mean(),
		Stddev:   w.Stddev(),
		Variance: w.Variance(),
	}
	return r

}
