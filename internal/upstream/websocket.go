package upstream

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/practable/logrelay/internal/logevent"
	"github.com/practable/logrelay/internal/reconws"
	log "github.com/sirupsen/logrus"
)

// WsFactory opens websocket connections to upstream, redialling with
// backoff whenever a connection fails or drops
type WsFactory struct {
	Retry reconws.RetryConfig
}

// NewWsFactory returns a factory using the default retry parameters
func NewWsFactory() *WsFactory {
	return &WsFactory{Retry: reconws.DefaultRetryConfig()}
}

// WithRetry sets the retry parameters
func (f *WsFactory) WithRetry(retry reconws.RetryConfig) *WsFactory {
	f.Retry = retry
	return f
}

// Open validates address and starts connecting to it in the background.
// The returned connection keeps redialling until closed; every failed
// dial or dropped connection is reported to h.OnDisconnect as a
// *ConnectionError.
func (f *WsFactory) Open(ctx context.Context, address string, h Handlers) (Connection, error) {

	if _, err := reconws.CheckURL(address); err != nil {
		return nil, &ConnectionError{Address: address, Err: err}
	}

	ctx, cancel := context.WithCancel(ctx)

	ws := reconws.New()
	ws.Retry = f.Retry

	c := &wsConnection{
		address:  address,
		cancel:   cancel,
		handlers: h,
		ws:       ws,
		replay:   make(chan struct{}, 1),
	}

	ws.OnConnect = c.connected
	ws.OnDisconnect = c.disconnected

	go ws.Reconnect(ctx, address)
	go c.pump(ctx)

	log.WithFields(log.Fields{"address": address, "id": ws.ID}).Info("upstream opened")

	return c, nil
}

type wsConnection struct {
	address  string
	cancel   context.CancelFunc
	closed   sync.Once
	handlers Handlers
	ws       *reconws.ReconWs

	// latest filter, sent on request and after every (re)connect
	mu        sync.Mutex
	filter    []string
	hasFilter bool
	replay    chan struct{}
}

func (c *wsConnection) SendFilter(namespaces []string) {
	c.mu.Lock()
	c.filter = append([]string{}, namespaces...)
	c.hasFilter = true
	c.mu.Unlock()
	c.requestFilter()
}

func (c *wsConnection) Close() {
	c.closed.Do(func() {
		c.cancel()
		log.WithField("address", c.address).Info("upstream closed")
	})
}

func (c *wsConnection) requestFilter() {
	select {
	case c.replay <- struct{}{}:
	default: // already pending
	}
}

// connected runs on the dialling goroutine
func (c *wsConnection) connected() {
	log.WithField("address", c.address).Info("upstream connected")
	c.requestFilter()
	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect()
	}
}

// disconnected runs on the dialling goroutine
func (c *wsConnection) disconnected(err error) {
	log.WithFields(log.Fields{"address": c.address, "error": err}).Warn("upstream disconnected")
	if c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect(&ConnectionError{Address: c.address, Err: err})
	}
}

// pump decodes incoming messages and sends filter updates until ctx is done
func (c *wsConnection) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.ws.In:
			c.handle(msg)
		case <-c.replay:
			c.writeFilter(ctx)
		}
	}
}

func (c *wsConnection) handle(msg reconws.WsMessage) {

	if msg.Type != websocket.TextMessage {
		log.WithField("address", c.address).Debug("ignoring binary message from upstream")
		return
	}

	m, err := logevent.Decode(msg.Data)
	if err != nil {
		log.WithFields(log.Fields{"address": c.address, "error": err}).Warn("cannot decode message from upstream")
		return
	}

	if m.Event != logevent.LogData {
		log.WithFields(log.Fields{"address": c.address, "event": m.Event}).Debug("ignoring message from upstream")
		return
	}

	events, err := m.Events()
	if err != nil {
		log.WithFields(log.Fields{"address": c.address, "error": err}).Warn("cannot decode log events from upstream")
		return
	}

	if len(events) == 0 || c.handlers.OnEvent == nil {
		return
	}

	c.handlers.OnEvent(events)
}

// writeFilter blocks until the filter is handed to a live connection,
// or ctx is done
func (c *wsConnection) writeFilter(ctx context.Context) {

	c.mu.Lock()
	if !c.hasFilter {
		c.mu.Unlock()
		return
	}
	namespaces := c.filter
	c.mu.Unlock()

	m, err := logevent.NewUpdateNamespaces(namespaces)
	if err != nil {
		log.WithField("error", err).Error("cannot encode filter for upstream")
		return
	}

	data, err := m.Encode()
	if err != nil {
		log.WithField("error", err).Error("cannot encode filter for upstream")
		return
	}

	select {
	case c.ws.Out <- reconws.WsMessage{Data: data, Type: websocket.TextMessage}:
		log.WithFields(log.Fields{"address": c.address, "namespaces": namespaces}).Debug("sent filter upstream")
	case <-ctx.Done():
	}
}
