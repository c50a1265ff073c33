/*
   server exposes the log relay to browsers over websockets
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

// Package server serves the browser-facing websocket endpoint of the
// relay, plus stats, healthcheck and metrics routes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/practable/logrelay/internal/metrics"
	"github.com/practable/logrelay/internal/reconws"
	"github.com/practable/logrelay/internal/registry"
	"github.com/practable/logrelay/internal/relay"
	"github.com/practable/logrelay/internal/upstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Config represents configuration options for the relay server
type Config struct {

	// Listen is the listening port
	Listen int

	// Upstream is the websocket url of the log source
	Upstream string

	// DefaultNamespaces is the filter each new subscriber starts with
	DefaultNamespaces []string

	// SendBuffer is the number of messages queued per subscriber
	// before further messages are dropped
	SendBuffer int

	// Retry governs redialling a dropped upstream connection
	Retry reconws.RetryConfig

	// ReopenMin and ReopenMax bound the wait before retrying a failed open
	ReopenMin time.Duration
	ReopenMax time.Duration
}

// NewDefaultConfig returns a pointer to a Config struct with default parameters
func NewDefaultConfig() *Config {
	return &Config{
		Listen:            8080,
		DefaultNamespaces: []string{"default"},
		SendBuffer:        64,
		Retry:             reconws.DefaultRetryConfig(),
		ReopenMin:         time.Second,
		ReopenMax:         10 * time.Second,
	}
}

// WithListen specifies which (int) port to listen on
func (c *Config) WithListen(listen int) *Config {
	c.Listen = listen
	return c
}

// WithUpstream specifies the log source
func (c *Config) WithUpstream(upstream string) *Config {
	c.Upstream = upstream
	return c
}

// Server holds the relay and the registry it shares with the http handlers
type Server struct {
	config   Config
	relay    *relay.Relay
	registry *registry.Registry
	gatherer prometheus.Gatherer
	started  time.Time
}

// New returns a server that opens upstream connections with factory
func New(config Config, factory upstream.Factory) *Server {

	if config.SendBuffer <= 0 {
		config.SendBuffer = 1
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(prometheus.NewGoCollector())
	m := metrics.New(promRegistry)

	reg := registry.New(config.DefaultNamespaces)

	r := relay.New(relay.Config{
		Upstream:  config.Upstream,
		ReopenMin: config.ReopenMin,
		ReopenMax: config.ReopenMax,
	}, factory, reg, m)

	return &Server{
		config:   config,
		relay:    r,
		registry: reg,
		gatherer: promRegistry,
		started:  time.Now(),
	}
}

// Relay returns the relay behind the server
func (s *Server) Relay() *relay.Relay {
	return s.relay
}

// Router returns the http handler. closed ends every websocket connection.
func (s *Server) Router(closed <-chan struct{}) http.Handler {

	router := mux.NewRouter()

	router.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) {
		s.serveWs(closed, w, r)
	})
	router.HandleFunc("/stats", s.handleStats).Methods("GET")
	router.HandleFunc("/healthcheck", s.handleHealthcheck).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	return router
}

// Serve runs the relay and its http server until closed is closed
func Serve(closed <-chan struct{}, parentwg *sync.WaitGroup, config Config) {

	defer parentwg.Done()

	factory := upstream.NewWsFactory().WithRetry(config.Retry)

	s := New(config, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.relay.Run(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Listen),
		Handler: s.Router(closed),
	}

	go func() {
		// returns ErrServerClosed on graceful close
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.WithField("error", err).Fatal("http.ListenAndServe")
		}
		log.Debug("Exiting http.Server")
	}()

	log.WithFields(log.Fields{"port": config.Listen, "upstream": config.Upstream}).Info("log relay listening")

	<-closed

	// stop the relay first so subscribers are closed before the listener
	cancel()
	<-s.relay.Done()

	log.Debug("Starting to close http.Server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	srv.SetKeepAlivesEnabled(false)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err).Error("Could not gracefully shutdown http.Server")
	}

	log.Info("log relay stopped")
}
