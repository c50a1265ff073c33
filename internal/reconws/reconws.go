/*
   reconws is websocket client that automatically reconnects
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

package reconws

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	log "github.com/sirupsen/logrus"
)

// Time allowed to write a control message to the peer.
const writeWait = 10 * time.Second

// WsMessage represents a websocket message
type WsMessage struct {
	Data []byte
	Type int
}

// ReconWs represents a websocket client that will reconnect if the connection is closed
// connects (retrying/reconnecting if necessary) to websocket server at url
type ReconWs struct {
	In    chan WsMessage
	Out   chan WsMessage
	Retry RetryConfig
	ID    string

	// PongWait is how long a connection may stay silent, pongs to our
	// pings included, before it is treated as dropped. Zero disables it.
	PongWait time.Duration

	// OnConnect, if set, is called each time a connection is made
	OnConnect func()

	// OnDisconnect, if set, is called with the reason each time a dial
	// fails or an established connection drops. It is not called when
	// the context is cancelled.
	OnDisconnect func(error)
}

// RetryConfig represents the parameters for when to retry to connect
type RetryConfig struct {
	Factor  float64
	Jitter  bool
	Min     time.Duration
	Max     time.Duration
	Timeout time.Duration
}

// DefaultRetryConfig returns the retry parameters used by New
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Factor: 2,
		Min:     1 * time.Second,
		Max:     10 * time.Second,
		Timeout: 5 * time.Second,
		Jitter:  false}
}

// New returns a pointer to a new reconnecting websocket client ReconWs
func New() *ReconWs {
	r := &ReconWs{
		In:       make(chan WsMessage),
		Out:      make(chan WsMessage),
		Retry:    DefaultRetryConfig(),
		ID:       uuid.New().String()[0:6],
		PongWait: 60 * time.Second,
	}
	return r
}

// CheckURL returns an error if urlStr is not a websocket url we can dial
func CheckURL(urlStr string) (*url.URL, error) {

	if urlStr == "" {
		return nil, errors.New("Can't dial an empty Url")
	}

	// parse to check, dial with original string
	u, err := url.Parse(urlStr)

	if err != nil {
		return nil, err
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.New("Url needs to start with ws or wss")
	}

	if u.User != nil {
		return nil, errors.New("Url can't contain user name and password")
	}

	return u, nil
}

// Reconnect dials url, redialling with backoff whenever the connection
// fails or drops, until the context is cancelled.
// Run this in a separate goroutine.
func (r *ReconWs) Reconnect(ctx context.Context, url string) {

	id := "reconws.Reconnect(" + r.ID + ")"

	boff := &backoff.Backoff{
		Min:    r.Retry.Min,
		Max:    r.Retry.Max,
		Factor: r.Retry.Factor,
		Jitter: r.Retry.Jitter,
	}

	for {

		select {
		case <-ctx.Done():
			return
		default:
		}

		dialCtx, cancel := context.WithCancel(ctx)

		err := r.Dial(dialCtx, url)
		cancel()

		if ctx.Err() != nil {
			return
		}

		if err == nil {
			boff.Reset()
			log.Tracef("%s: dial finished successfully, resetting timeout to zero", id)
			continue
		}

		r.disconnected(err)

		wait := boff.Duration()
		log.WithFields(log.Fields{"error": err, "wait": wait}).Debugf("%s: dial finished with error, waiting before retry", id)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// Dial the websocket server once.
// If dial fails then return the error immediately.
// If dial succeeds then handle message traffic until the context
// is cancelled or the connection drops, and return nil.
func (r *ReconWs) Dial(ctx context.Context, urlStr string) error {

	id := "reconws.Dial(" + r.ID + ")"

	u, err := CheckURL(urlStr)

	if err != nil {
		log.WithField("error", err).Errorf("%s: cannot dial %q", id, urlStr)
		return err
	}

	log.WithField("To", u).Tracef("%s: connecting to %s", id, u)

	dialer := *websocket.DefaultDialer
	if r.Retry.Timeout > 0 {
		dialer.HandshakeTimeout = r.Retry.Timeout
	}

	c, _, err := dialer.DialContext(ctx, urlStr, nil)

	if err != nil {
		log.WithField("error", err).Warnf("%s: dialing error because %s", id, err.Error())
		return err
	}

	log.WithField("To", u).Debugf("%s: connected to %s", id, u)

	// a peer that stops answering pings is treated as a drop
	if err := r.extendDeadline(c); err != nil {
		c.Close()
		return err
	}

	if r.OnConnect != nil {
		r.OnConnect()
	}

	c.SetPongHandler(func(string) error {
		return r.extendDeadline(c)
	})

	var ping <-chan time.Time
	if r.PongWait > 0 {
		ticker := time.NewTicker((r.PongWait * 9) / 10)
		defer ticker.Stop()
		ping = ticker.C
	}

	// handle our reading tasks

	readClosed := make(chan struct{})
	var readErr error

	go func() {
		defer close(readClosed)
		for {
			mt, data, err := c.ReadMessage()

			// Check for errors, e.g. caused by writing task closing conn
			// because we've been instructed to exit
			if err != nil {
				readErr = err
				log.WithField("error", err).Debugf("%s: error reading from conn; closing", id)
				return
			}

			select {
			case r.In <- WsMessage{Data: data, Type: mt}:
				log.Tracef("%s: received %d-byte message", id, len(data))
			case <-ctx.Done():
				return
			}

			// any traffic shows the peer is alive
			if err := r.extendDeadline(c); err != nil {
				readErr = err
				return
			}
		}
	}()

	// handle our writing tasks
LOOPWRITING:
	for {
		select {
		case <-readClosed:
			break LOOPWRITING
		case msg := <-r.Out:

			err := c.WriteMessage(msg.Type, msg.Data)
			if err != nil {
				log.WithField("error", err).Infof("%s: error writing to conn; closing", id)
				c.Close()
				<-readClosed
				break LOOPWRITING
			}
			log.Tracef("%s: sent %d-byte message", id, len(msg.Data))

		case <-ping:
			err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil {
				log.WithField("error", err).Infof("%s: error writing ping; closing", id)
				c.Close()
				<-readClosed
				break LOOPWRITING
			}

		case <-ctx.Done(): // context has finished, either timeout or cancel
			// Cleanly close the connection by sending a close message
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				log.WithField("error", err).Debugf("%s: error sending close message; closing", id)
			} else {
				log.Debugf("%s: connection closed", id)
			}
			c.Close()
			<-readClosed
			log.Tracef("%s: done", id)
			return nil
		}
	}

	c.Close()

	if ctx.Err() == nil {
		if readErr == nil {
			readErr = errors.New("connection closed")
		}
		r.disconnected(readErr)
	}

	log.Tracef("%s: done", id)

	// nil error resets the backoff
	return nil

}

func (r *ReconWs) extendDeadline(c *websocket.Conn) error {
	if r.PongWait <= 0 {
		return nil
	}
	return c.SetReadDeadline(time.Now().Add(r.PongWait))
}

func (r *ReconWs) disconnected(err error) {
	if r.OnDisconnect != nil {
		r.OnDisconnect(err)
	}
}
