// This file contains the Conn struct which represents a WebSocket connection to a client.
// It handles the low-level WebSocket communication, including reading and writing frames,
// ping/pong keepalive, forwarding the connection's subscription and graceful shutdown.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/eleven-am/pondhub"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

var (
	errConnClosing    = errors.New("push: connection is closing")
	errHandlerClosing = errors.New("push: handler is closing")
)

// Conn is one WebSocket client. Each Conn owns exactly one hub subscription.
type Conn[T any] struct {
	ID        string
	conn      *websocket.Conn
	handler   *Handler[T]
	sub       *pondhub.Subscription[T]
	send      chan []byte
	limiter   *rate.Limiter
	closeChan chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

func newConn[T any](h *Handler[T], wsConn *websocket.Conn, sub *pondhub.Subscription[T]) (*Conn[T], error) {
	ctx, cancel := context.WithCancel(context.Background())
	options := h.options

	c := &Conn[T]{
		ID:        sub.ID(),
		conn:      wsConn,
		handler:   h,
		sub:       sub,
		send:      make(chan []byte, options.SendChannelBuffer),
		limiter:   options.limiter(),
		closeChan: make(chan struct{}),
		readDone:  make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	wsConn.SetReadLimit(options.MaxMessageSize)
	if err := wsConn.SetReadDeadline(time.Now().Add(options.PongWait)); err != nil {
		cancel()

		return nil, fmt.Errorf("failed to set initial read deadline for connection %s: %w", c.ID, err)
	}

	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(options.PongWait))
	})

	if !h.track(c) {
		cancel()

		return nil, errHandlerClosing
	}

	go c.readPump()

	go c.writePump()

	go c.forward()

	return c, nil
}

func (c *Conn[T]) readPump() {
	defer func() {
		close(c.readDone)

		c.close(true)
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()

		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.handler.options.reportError("read_pump", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			_ = c.SendJSON(Event{Action: ActionError, Error: badRequest("unsupported message type; expected text frame")})

			continue
		}
		var event Event
		if err := json.Unmarshal(message, &event); err != nil {
			_ = c.SendJSON(Event{Action: ActionError, Error: badRequest("malformed event: " + err.Error())})

			continue
		}
		// Events are handled in order so a client can rely on SUBSCRIBE being in
		// effect before its following PUBLISH.
		c.handleEvent(event)
	}
}

func (c *Conn[T]) writePump() {
	ticker := time.NewTicker(c.handler.options.PingInterval)

	defer func() {
		ticker.Stop()

		c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.handler.options.WriteWait)); err != nil {
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)

			if err != nil {
				return
			}
			if _, err = w.Write(message); err != nil {
				_ = w.Close()

				return
			}
			n := len(c.send)

			for i := 0; i < n; i++ {
				if _, err = w.Write([]byte{'\n'}); err != nil {
					_ = w.Close()

					return
				}
				if _, err = w.Write(<-c.send); err != nil {
					_ = w.Close()

					return
				}
			}
			if err = w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.handler.options.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closeChan:
			return
		}
	}
}

// forward relays messages from the subscription to the socket.
func (c *Conn[T]) forward() {
	defer c.Close()

	for msg := range c.sub.ReadAll(c.ctx) {
		payload, err := json.Marshal(msg)

		if err != nil {
			c.handler.options.reportError("encode", err)

			continue
		}
		event := Event{
			Action:  ActionMessage,
			Topic:   c.handler.manager.TopicOf(msg),
			Payload: payload,
		}
		if err := c.SendJSON(event); err != nil {
			return
		}
	}
}

func (c *Conn[T]) handleEvent(event Event) {
	if !event.Validate() {
		_ = c.SendJSON(Event{
			Action:    ActionError,
			RequestID: event.RequestID,
			Topic:     event.Topic,
			Error:     badRequest(fmt.Sprintf("invalid %q event", event.Action)),
		})
		return
	}
	var err error

	switch event.Action {
	case ActionSubscribe:
		_, err = c.sub.Subscribe(c.ctx, event.Topic)
	case ActionUnsubscribe:
		_, err = c.sub.Unsubscribe(c.ctx, event.Topic)
	case ActionPublish:
		err = c.publish(event)
	}
	if err != nil {
		_ = c.SendJSON(errorEvent(event.RequestID, event.Topic, err))

		return
	}
	_ = c.SendJSON(Event{Action: ActionAck, RequestID: event.RequestID, Topic: event.Topic})
}

func (c *Conn[T]) publish(event Event) error {
	if !c.limiter.Allow() {
		return &ErrorPayload{Code: http.StatusTooManyRequests, Message: "publish rate exceeded"}
	}
	msg, err := c.handler.message(event.Topic, event.Payload)

	if err != nil {
		return err
	}
	return c.handler.publish(c.ctx, msg)
}

// SendJSON queues v for the write pump.
func (c *Conn[T]) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)

	if err != nil {
		return fmt.Errorf("failed to marshal JSON for connection %s: %w", c.ID, err)
	}

	select {
	case <-c.closeChan:
		return errConnClosing
	case c.send <- data:
		return nil
	case <-time.After(c.handler.options.SendTimeout):
		go c.Close()

		return fmt.Errorf("send timeout, connection %s: %w", c.ID, errConnClosing)
	}
}

// IsActive returns true if the connection is still open.
func (c *Conn[T]) IsActive() bool {
	select {
	case <-c.closeChan:
		return false
	default:
		return true
	}
}

// Close gracefully shuts down the connection and its subscription.
// This method is idempotent and can be called multiple times safely.
func (c *Conn[T]) Close() {
	c.close(false)
}

func (c *Conn[T]) close(fromReader bool) {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closeChan)

		if err := c.sub.Close(); err != nil {
			c.handler.options.reportError("subscription_close", err)
		}
		deadline := time.Now().Add(c.handler.options.WriteWait)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = c.conn.Close()

		if !fromReader {
			<-c.readDone
		}
		c.handler.untrack(c.ID)
	})
}
