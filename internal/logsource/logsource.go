/*
   logsource serves loki pod logs to the log relay over websockets
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

// Package logsource polls loki for pod logs and streams them as log_data
// events to each websocket connection, typically a single relay.
package logsource

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/practable/logrelay/internal/logevent"
	log "github.com/sirupsen/logrus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Config is loaded from LOGSOURCE_<var> environment variables
type Config struct {
	Listen            int           `default:"8081"`
	LokiURL           string        `split_words:"true" default:"http://localhost:3100/loki/api/v1/query_range"`
	Interval          time.Duration `default:"5s"`
	Lookback          time.Duration `default:"1h"`
	Limit             int           `default:"300"`
	DefaultNamespaces []string      `split_words:"true" default:"default"`
	LogLevel          string        `split_words:"true" default:"warn"`
	LogFormat         string        `split_words:"true" default:"json"`
	LogFile           string        `split_words:"true" default:"stdout"`
}

// Source hands each websocket connection its own poller
type Source struct {
	config  Config
	fetcher Fetcher
}

// New returns a source reading from fetcher
func New(config Config, fetcher Fetcher) *Source {
	return &Source{config: config, fetcher: fetcher}
}

// Router serves the source at /logs. closed ends every connection.
func (s *Source) Router(closed <-chan struct{}) http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) {
		s.serveWs(closed, w, r)
	})
	router.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	}).Methods("GET")
	return router
}

// Serve runs the source until closed is closed
func Serve(closed <-chan struct{}, parentwg *sync.WaitGroup, config Config) {

	defer parentwg.Done()

	s := New(config, NewLoki(config.LokiURL, config.Limit))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Listen),
		Handler: s.Router(closed),
	}

	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.WithField("error", err).Fatal("http.ListenAndServe")
		}
	}()

	log.WithFields(log.Fields{"port": config.Listen, "loki": config.LokiURL}).Info("log source listening")

	<-closed

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithField("error", err).Error("Could not gracefully shutdown http.Server")
	}

	log.Info("log source stopped")
}

func (s *Source) serveWs(closed <-chan struct{}, w http.ResponseWriter, r *http.Request) {

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("error", err).Error("serveWs failed to upgrade to websocket")
		return
	}

	id := uuid.New().String()

	namespaces := make([]string, len(s.config.DefaultNamespaces))
	copy(namespaces, s.config.DefaultNamespaces)

	c := &connection{
		id:      id,
		conn:    conn,
		poller:  NewPoller(s.fetcher, s.config.Lookback, namespaces),
		filters: make(chan []string, 1),
	}

	log.WithFields(log.Fields{"id": id, "remoteAddr": r.RemoteAddr}).Info("relay connected")

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		select {
		case <-closed:
		case <-ctx.Done():
		}
		cancel()
	}()

	go c.readPump(cancel)
	go c.pollPump(ctx, s.config.Interval)
}

type connection struct {
	id     string
	conn   *websocket.Conn
	poller *Poller

	// latest filter from the reader, collected by the poll loop
	filters chan []string
}

// readPump receives update_namespaces from the relay
func (c *connection) readPump(cancel context.CancelFunc) {

	defer func() {
		cancel()
		c.conn.Close()
		log.WithField("id", c.id).Info("relay disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}

	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		// any traffic shows the peer is alive
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}

		if mt != websocket.TextMessage {
			continue
		}

		msg, err := logevent.Decode(data)
		if err != nil {
			log.WithFields(log.Fields{"id": c.id, "error": err}).Warn("cannot decode message from relay")
			continue
		}

		if msg.Event != logevent.UpdateNamespaces {
			continue
		}

		namespaces, err := msg.Namespaces()
		if err != nil {
			log.WithFields(log.Fields{"id": c.id, "error": err}).Warn("ignoring malformed filter")
			continue
		}

		// replace any filter the poll loop has not yet collected
		select {
		case <-c.filters:
		default:
		}
		c.filters <- namespaces

		log.WithFields(log.Fields{"id": c.id, "namespaces": namespaces}).Debug("updated namespaces")
	}
}

// pollPump is the only writer on the connection
func (c *connection) pollPump(ctx context.Context, interval time.Duration) {

	poll := time.NewTimer(0)
	ping := time.NewTicker(pingPeriod)

	defer func() {
		poll.Stop()
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {

		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return

		case namespaces := <-c.filters:
			c.poller.SetNamespaces(namespaces)

		case <-poll.C:
			c.applyLatestFilter()

			events, err := c.poller.Poll(ctx, time.Now())
			if err != nil {
				log.WithFields(log.Fields{"id": c.id, "error": err}).Warn("cannot fetch logs")
			} else if len(events) > 0 {
				if err := c.write(events); err != nil {
					log.WithFields(log.Fields{"id": c.id, "error": err}).Debug("cannot write to relay")
					return
				}
			}

			log.WithFields(log.Fields{"id": c.id, "count": len(events), "namespaces": c.poller.Namespaces()}).Trace("polled")

			poll.Reset(interval)

		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *connection) applyLatestFilter() {
	select {
	case namespaces := <-c.filters:
		c.poller.SetNamespaces(namespaces)
	default:
	}
}

func (c *connection) write(events []logevent.LogEvent) error {

	msg, err := logevent.NewLogData(events)
	if err != nil {
		return err
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}

	return c.conn.WriteMessage(websocket.TextMessage, data)
}
