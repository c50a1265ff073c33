// Package metrics holds the prometheus collectors for the relay
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "logrelay"

// Metrics are the relay's prometheus collectors
type Metrics struct {
	Subscribers        prometheus.Gauge
	UpstreamOpen       prometheus.Gauge
	UpstreamOpens      prometheus.Counter
	UpstreamDrops      prometheus.Counter
	EventsReceived     prometheus.Counter
	MessagesDelivered  prometheus.Counter
	MessagesDropped    prometheus.Counter
	FilterUpdates      prometheus.Counter
	MalformedFilters   prometheus.Counter
	UnknownSubscribers prometheus.Counter
}

// New creates the collectors and registers them with reg.
// Pass prometheus.NewRegistry() in tests to avoid clashing registrations.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Number of connected subscribers.",
		}),
		UpstreamOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_open",
			Help:      "1 while the upstream connection is open, else 0.",
		}),
		UpstreamOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_opens_total",
			Help:      "Number of times the upstream connection was opened.",
		}),
		UpstreamDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_drops_total",
			Help:      "Number of failed dials or dropped upstream connections.",
		}),
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Number of log events received from upstream.",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Number of messages queued for subscribers.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Number of messages dropped because a subscriber queue was full.",
		}),
		FilterUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_updates_total",
			Help:      "Number of accepted update_namespaces messages.",
		}),
		MalformedFilters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_filters_total",
			Help:      "Number of rejected update_namespaces messages.",
		}),
		UnknownSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_subscribers_total",
			Help:      "Number of operations that referred to an unregistered subscriber.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Subscribers,
			m.UpstreamOpen,
			m.UpstreamOpens,
			m.UpstreamDrops,
			m.EventsReceived,
			m.MessagesDelivered,
			m.MessagesDropped,
			m.FilterUpdates,
			m.MalformedFilters,
			m.UnknownSubscribers,
		)
	}

	return m
}
