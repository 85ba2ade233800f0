// This file contains the Handler which routes HTTP requests to the WebSocket, SSE,
// publish and introspection endpoints, handles WebSocket upgrades and origin
// checking, and keeps track of open connections.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sync"

	"github.com/eleven-am/pondhub"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

// Handler serves a pondhub manager over HTTP.
//
// Routes:
//
//	GET  /ws       WebSocket; clients send SUBSCRIBE, UNSUBSCRIBE and PUBLISH events
//	GET  /sse      Server-Sent Events; topics come from repeated ?topic= parameters
//	POST /publish  publish one message; body {"topic": ..., "payload": ...}
//	GET  /topics   active topics and subscription count
//	GET  /healthz  liveness
type Handler[T any] struct {
	manager  *pondhub.Manager[T]
	decode   Decoder[T]
	options  *Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   chi.Router

	mutex     sync.RWMutex
	publisher func(ctx context.Context, msg T) error
	conns     map[string]*Conn[T]
	streams   sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

// NewHandler creates a Handler for manager. decode turns client payloads into
// messages; nil options use DefaultOptions.
func NewHandler[T any](manager *pondhub.Manager[T], decode Decoder[T], options *Options) *Handler[T] {
	options = options.withDefaults()
	if decode == nil {
		decode = JSONDecoder[T]()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler[T]{
		manager: manager,
		decode:  decode,
		options: options,
		logger:  logger.With("component", "push"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    options.ReadBufferSize,
			WriteBufferSize:   options.WriteBufferSize,
			CheckOrigin:       createOriginChecker(options),
			EnableCompression: options.EnableCompression,
		},
		publisher: manager.Publish,
		conns:     make(map[string]*Conn[T]),
		done:      make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", h.serveWebSocket)
	r.Get("/sse", h.serveSSE)
	r.Post("/publish", h.servePublish)
	r.Get("/topics", h.serveTopics)
	r.Get("/healthz", h.serveHealth)
	h.router = r

	return h
}

// SetPublisher replaces the function used for client publishes, for example with a
// distributed bridge that also forwards to other nodes.
func (h *Handler[T]) SetPublisher(publish func(ctx context.Context, msg T) error) {
	h.mutex.Lock()

	defer h.mutex.Unlock()

	h.publisher = publish
}

func (h *Handler[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Connections returns the number of open WebSocket connections.
func (h *Handler[T]) Connections() int {
	h.mutex.RLock()

	defer h.mutex.RUnlock()

	return len(h.conns)
}

// Close disconnects every WebSocket and SSE client.
func (h *Handler[T]) Close() {
	h.closeOnce.Do(func() {
		// done is closed under the mutex so track and admitStream cannot slip a
		// connection or stream past the snapshot below.
		h.mutex.Lock()
		close(h.done)

		conns := make([]*Conn[T], 0, len(h.conns))

		for _, c := range h.conns {
			conns = append(conns, c)
		}
		h.mutex.Unlock()

		for _, c := range conns {
			c.Close()
		}
		h.streams.Wait()
	})
}

func (h *Handler[T]) publish(ctx context.Context, msg T) error {
	h.mutex.RLock()
	publish := h.publisher
	h.mutex.RUnlock()

	return publish(ctx, msg)
}

// message decodes a client payload and checks that it routes to topic.
func (h *Handler[T]) message(topic string, payload json.RawMessage) (T, error) {
	var msg T

	if err := pondhub.ValidateTopicName(topic, h.manager.TopicOptions()); err != nil {
		return msg, err
	}
	msg, err := h.decode(topic, payload)

	if err != nil {
		return msg, badRequest("invalid payload: " + err.Error())
	}
	if routed := h.manager.TopicOf(msg); routed != topic {
		return msg, badRequest(fmt.Sprintf("payload topic %q does not match %q", routed, topic))
	}
	return msg, nil
}

func (h *Handler[T]) closing() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// track registers c unless the handler is closing.
func (h *Handler[T]) track(c *Conn[T]) bool {
	h.mutex.Lock()

	defer h.mutex.Unlock()

	if h.closing() {
		return false
	}
	h.conns[c.ID] = c

	return true
}

// admitStream registers an SSE stream with Close unless the handler is closing.
func (h *Handler[T]) admitStream() bool {
	h.mutex.Lock()

	defer h.mutex.Unlock()

	if h.closing() {
		return false
	}
	h.streams.Add(1)

	return true
}

func (h *Handler[T]) untrack(id string) {
	h.mutex.Lock()

	defer h.mutex.Unlock()

	delete(h.conns, id)
}

func (h *Handler[T]) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.closing() {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}
	sub, err := h.manager.CreateSubscription(r.URL.Query().Get("id"))
	if err != nil {
		http.Error(w, err.Error(), statusOf(err))
		return
	}
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = sub.Close()
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn, err := newConn(h, wsConn, sub)
	if err != nil {
		_ = sub.Close()
		_ = wsConn.Close()

		if !errors.Is(err, errHandlerClosing) {
			h.options.reportError("websocket_open", err)
		}
		return
	}
	h.logger.Debug("websocket connected", "connection", conn.ID, "remote", r.RemoteAddr)
}

type publishRequest struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func (h *Handler[T]) servePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.options.MaxMessageSize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorEvent("", "", badRequest("request body too large")))
		return
	}
	var req publishRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Topic == "" || len(req.Payload) == 0 {
		writeJSON(w, http.StatusBadRequest, errorEvent("", req.Topic, badRequest("body must contain a topic and a payload")))
		return
	}
	msg, err := h.message(req.Topic, req.Payload)
	if err != nil {
		writeJSON(w, statusOf(err), errorEvent("", req.Topic, err))
		return
	}
	if err := h.publish(r.Context(), msg); err != nil {
		writeJSON(w, statusOf(err), errorEvent("", req.Topic, err))
		return
	}
	writeJSON(w, http.StatusAccepted, Event{Action: ActionAck, Topic: req.Topic})
}

func (h *Handler[T]) serveTopics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"topics":        h.manager.ActiveTopics(),
		"subscriptions": h.manager.SubscriptionCount(),
		"connections":   h.Connections(),
	})
}

func (h *Handler[T]) serveHealth(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.manager.Done():
		http.Error(w, "manager closed", http.StatusServiceUnavailable)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func createOriginChecker(opts *Options) func(*http.Request) bool {
	var compiledRegexps []*regexp.Regexp
	if opts.CheckOrigin {
		compiledRegexps = append(compiledRegexps, opts.AllowedOriginRegexps...)
	}
	return func(r *http.Request) bool {
		if !opts.CheckOrigin {
			return true
		}
		origin := r.Header.Get("Origin")

		if origin == "" {
			return false
		}
		for _, allowed := range opts.AllowedOrigins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		for _, pattern := range compiledRegexps {
			if pattern.MatchString(origin) {
				return true
			}
		}
		return false
	}
}
