package logsource

import (
	"context"
	"time"

	"github.com/practable/logrelay/internal/logevent"
)

// Fetcher returns log entries newer than start
type Fetcher interface {
	Fetch(ctx context.Context, namespaces []string, start int64) ([]Entry, error)
}

// Poller tracks where the previous fetch finished so each poll only
// returns new lines. A Poller belongs to a single connection.
type Poller struct {
	fetcher    Fetcher
	lookback   time.Duration
	namespaces []string
	checkpoint int64
	first      bool
}

// NewPoller returns a poller whose first fetch reaches back lookback
func NewPoller(f Fetcher, lookback time.Duration, namespaces []string) *Poller {
	return &Poller{
		fetcher:    f,
		lookback:   lookback,
		namespaces: namespaces,
		first:      true,
	}
}

// SetNamespaces changes the namespaces used from the next poll. The
// checkpoint is kept.
func (p *Poller) SetNamespaces(namespaces []string) {
	p.namespaces = namespaces
}

// Namespaces returns the namespaces the next poll will query
func (p *Poller) Namespaces() []string {
	return p.namespaces
}

// Poll fetches the lines since the last poll. On error the checkpoint is
// unchanged so the next poll retries the same window.
func (p *Poller) Poll(ctx context.Context, now time.Time) ([]logevent.LogEvent, error) {

	start := p.checkpoint + 1
	if p.first {
		start = now.Add(-p.lookback).UnixNano()
	}

	got, err := p.fetcher.Fetch(ctx, p.namespaces, start)
	if err != nil {
		return nil, err
	}

	p.first = false

	events := make([]logevent.LogEvent, 0, len(got))
	for _, e := range got {
		if e.Nanos > p.checkpoint {
			p.checkpoint = e.Nanos
		}
		events = append(events, e.LogEvent)
	}

	if len(got) == 0 && p.checkpoint == 0 {
		// nothing yet; resume from where this window began
		p.checkpoint = start - 1
	}

	return events, nil
}
