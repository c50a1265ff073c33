package server

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/practable/logrelay/internal/logevent"
	"github.com/practable/logrelay/internal/registry"
	log "github.com/sirupsen/logrus"
)

// readPump pumps filter updates from the websocket connection to the relay.
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {

	defer func() {
		c.relay.Disconnect(c.id)
		c.conn.Close()
		log.WithField("id", c.id).Trace("readpump closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)

	err := c.conn.SetReadDeadline(time.Now().Add(pongWait))

	if err != nil {
		log.Errorf("readPump deadline error: %v", err)
		return
	}

	c.conn.SetPongHandler(func(string) error {
		err := c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return err
	})

	for {

		mt, data, err := c.conn.ReadMessage()

		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithFields(log.Fields{"id": c.id, "error": err}).Debug("browser connection closed unexpectedly")
			}
			break
		}

		c.stats.Tx.Add(c.stats.ConnectedAt, len(data))

		if mt != websocket.TextMessage {
			log.WithField("id", c.id).Debug("ignoring binary message from browser")
			continue
		}

		msg, err := logevent.Decode(data)
		if err != nil {
			log.WithFields(log.Fields{"id": c.id, "error": err}).Warn("cannot decode message from browser")
			continue
		}

		switch msg.Event {
		case logevent.UpdateNamespaces:
			err := c.relay.UpdateNamespaces(c.id, msg)
			var mfe *logevent.MalformedFilterError
			switch {
			case err == nil:
			case errors.As(err, &mfe), errors.Is(err, registry.ErrUnknownSubscriber):
				// already logged by the relay; keep the connection
			default:
				log.WithFields(log.Fields{"id": c.id, "error": err}).Info("filter update not applied")
			}
		default:
			log.WithFields(log.Fields{"id": c.id, "event": msg.Event}).Debug("ignoring message from browser")
		}
	}
}

// writePump pumps messages from the relay to the websocket connection.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump(closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		log.WithField("id", c.id).Trace("write pump dead")
	}()
	for {
		select {

		case message, ok := <-c.send:
			err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err != nil {
				log.Errorf("writePump deadline error: %s", err.Error())
				return
			}

			if !ok {
				// The relay closed the channel.
				err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				if err != nil {
					log.Debugf("writePump closeMessage error: %s", err.Error())
				}
				return
			}

			data, err := message.Encode()
			if err != nil {
				log.WithFields(log.Fields{"id": c.id, "error": err}).Error("cannot encode message for browser")
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.WithFields(log.Fields{"id": c.id, "error": err}).Debug("writePump writing error")
				return
			}

			c.stats.Rx.Add(c.stats.ConnectedAt, len(data))

		case <-ticker.C:
			err := c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err != nil {
				log.Errorf("writePump ping deadline error: %v", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			err := c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			if err != nil {
				log.Debugf("writePump closeMessage error: %s", err.Error())
			}
			return
		}
	}
}
