package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/practable/logrelay/internal/chanstats"
	"github.com/practable/logrelay/internal/logevent"
	"github.com/practable/logrelay/internal/registry"
	"github.com/practable/logrelay/internal/relay"
	log "github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Browsers only send filters.
	maxMessageSize = 64 * 1024
)

// TODO restrict CheckOrigin once the dashboard is served from a known host
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is a middleperson between the websocket connection and the relay.
type Client struct {
	id string

	relay *relay.Relay

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages, closed by the relay
	send chan logevent.Message

	stats *chanstats.ChanStats
}

// serveWs handles websocket requests from browsers.
func (s *Server) serveWs(closed <-chan struct{}, w http.ResponseWriter, r *http.Request) {

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("error", err).Error("serveWs failed to upgrade to websocket")
		return
	}

	remoteAddr := r.Header.Get("X-Forwarded-For")
	if remoteAddr == "" {
		remoteAddr = r.RemoteAddr
	}

	client := &Client{
		id:    uuid.New().String(),
		relay: s.relay,
		conn:  conn,
		send:  make(chan logevent.Message, s.config.SendBuffer),
		stats: chanstats.New(),
	}

	info := registry.Info{
		RemoteAddr: remoteAddr,
		UserAgent:  r.UserAgent(),
		Stats:      client.stats,
	}

	if err := s.relay.Connect(client.id, client.send, info); err != nil {
		log.WithFields(log.Fields{"id": client.id, "error": err}).Error("cannot subscribe browser")
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "relay unavailable"))
		conn.Close()
		return
	}

	log.WithFields(log.Fields{"id": client.id, "remoteAddr": remoteAddr}).Debug("browser subscribed")

	go client.writePump(closed)
	go client.readPump()
}
