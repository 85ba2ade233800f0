package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrClientClosed is returned when using a closed Client.
var ErrClientClosed = errors.New("push: client closed")

// ClientConfig configures a Client.
type ClientConfig struct {
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	// Buffer is the number of received messages held for Recv. Messages arriving
	// while the buffer is full are dropped and counted by Client.Dropped, so
	// acknowledgements keep flowing when the caller is not reading.
	Buffer int
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		WriteWait:        10 * time.Second,
		Buffer:           256,
	}
}

// Client is a WebSocket client for a push Handler.
type Client[T any] struct {
	conn     *websocket.Conn
	config   *ClientConfig
	writeMu  sync.Mutex
	mu       sync.Mutex
	pending  map[string]chan Event
	messages chan T
	done     chan struct{}
	err      error
	closeOne sync.Once
	dropped  atomic.Uint64
}

// Dial connects to the WebSocket endpoint at endpoint. http and https URLs are
// converted to ws and wss.
func Dial[T any](ctx context.Context, endpoint string, config *ClientConfig) (*Client[T], error) {
	address, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}
	switch address.Scheme {
	case "http":
		address.Scheme = "ws"
	case "https":
		address.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", address.Scheme)
	}
	if config == nil {
		config = DefaultClientConfig()
	}
	dialer := websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, address.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address.String(), err)
	}
	c := &Client[T]{
		conn:     conn,
		config:   config,
		pending:  make(map[string]chan Event),
		messages: make(chan T, config.Buffer),
		done:     make(chan struct{}),
	}

	go c.readMessages()

	return c, nil
}

// Subscribe adds topic to the connection's subscription and waits for the
// server's acknowledgement.
func (c *Client[T]) Subscribe(ctx context.Context, topic string) error {
	return c.request(ctx, Event{Action: ActionSubscribe, Topic: topic})
}

// Unsubscribe removes topic from the connection's subscription.
func (c *Client[T]) Unsubscribe(ctx context.Context, topic string) error {
	return c.request(ctx, Event{Action: ActionUnsubscribe, Topic: topic})
}

// Publish sends msg on topic and waits until the server has queued it.
func (c *Client[T]) Publish(ctx context.Context, topic string, msg T) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return c.request(ctx, Event{Action: ActionPublish, Topic: topic, Payload: payload})
}

// Recv returns the next message delivered to this client.
func (c *Client[T]) Recv(ctx context.Context) (T, error) {
	var zero T

	select {
	case msg := <-c.messages:
		return msg, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.done:
		select {
		case msg := <-c.messages:
			return msg, nil
		default:
			return zero, c.closeErr()
		}
	}
}

// Dropped returns the number of messages discarded because the receive buffer
// was full.
func (c *Client[T]) Dropped() uint64 {
	return c.dropped.Load()
}

// Close closes the connection.
func (c *Client[T]) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.config.WriteWait))
	c.writeMu.Unlock()

	err := c.conn.Close()
	<-c.done

	return err
}

func (c *Client[T]) request(ctx context.Context, event Event) error {
	event.RequestID = uuid.NewString()
	reply := make(chan Event, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return c.closeErr()
	default:
	}
	c.pending[event.RequestID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, event.RequestID)
		c.mu.Unlock()
	}()

	if err := c.write(event); err != nil {
		return err
	}
	select {
	case ev := <-reply:
		if ev.Action == ActionError && ev.Error != nil {
			return ev.Error
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closeErr()
	}
}

func (c *Client[T]) write(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	c.writeMu.Lock()

	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client[T]) readMessages() {
	var readErr error

	defer func() {
		c.closeOne.Do(func() {
			c.mu.Lock()
			c.err = readErr
			c.mu.Unlock()

			close(c.done)
		})
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		// The server may batch several events into one frame, one per line.
		for _, frame := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(frame)) == 0 {
				continue
			}
			var event Event
			if err := json.Unmarshal(frame, &event); err != nil {
				continue
			}
			c.dispatch(event)
		}
	}
}

func (c *Client[T]) dispatch(event Event) {
	switch event.Action {
	case ActionMessage:
		var msg T
		if err := json.Unmarshal(event.Payload, &msg); err != nil {
			return
		}
		select {
		case c.messages <- msg:
		default:
			c.dropped.Add(1)
		}
	case ActionAck, ActionError:
		c.mu.Lock()
		reply, ok := c.pending[event.RequestID]
		c.mu.Unlock()

		if ok {
			reply <- event
		}
	}
}

func (c *Client[T]) closeErr() error {
	c.mu.Lock()

	defer c.mu.Unlock()

	if c.err == nil || websocket.IsCloseError(c.err, websocket.CloseNormalClosure) || strings.Contains(c.err.Error(), "use of closed network connection") {
		return ErrClientClosed
	}
	return fmt.Errorf("%w: %v", ErrClientClosed, c.err)
}
