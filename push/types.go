// Package push exposes a pondhub manager over HTTP. Clients subscribe over a
// WebSocket or a Server-Sent Events stream and publish over the WebSocket or a
// plain POST request.
package push

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"time"

	"github.com/eleven-am/pondhub"
	"golang.org/x/time/rate"
)

// Action names the purpose of an Event.
type Action string

const (
	// ActionSubscribe, ActionUnsubscribe and ActionPublish are sent by clients.
	ActionSubscribe   Action = "SUBSCRIBE"
	ActionUnsubscribe Action = "UNSUBSCRIBE"
	ActionPublish     Action = "PUBLISH"

	// ActionMessage, ActionAck and ActionError are sent by the server.
	ActionMessage Action = "MESSAGE"
	ActionAck     Action = "ACK"
	ActionError   Action = "ERROR"
)

// Event is the JSON frame exchanged with clients.
type Event struct {
	Action    Action          `json:"action"`
	Topic     string          `json:"topic,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload describes a failed request.
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorPayload) Error() string {
	return e.Message
}

// Validate reports whether a client event is well formed.
func (e Event) Validate() bool {
	switch e.Action {
	case ActionSubscribe, ActionUnsubscribe:
		return e.Topic != ""
	case ActionPublish:
		return e.Topic != "" && len(e.Payload) > 0
	default:
		return false
	}
}

// Decoder builds a hub message from a topic and the JSON payload a client sent.
type Decoder[T any] func(topic string, payload json.RawMessage) (T, error)

// JSONDecoder unmarshals the payload into T and ignores the topic, which must
// then be carried inside the message itself.
func JSONDecoder[T any]() Decoder[T] {
	return func(_ string, payload json.RawMessage) (T, error) {
		var msg T
		err := json.Unmarshal(payload, &msg)
		return msg, err
	}
}

// RawMessage is an opaque JSON message routed by its Topic field.
type RawMessage struct {
	Topic   string          `json:"topic" msgpack:"topic"`
	Payload json.RawMessage `json:"payload" msgpack:"payload"`
	Time    time.Time       `json:"time" msgpack:"time"`
}

// RawMessageTopic is the pondhub.TopicSelector for RawMessage.
func RawMessageTopic(msg RawMessage) string {
	return msg.Topic
}

// RawDecoder builds a RawMessage stamped with the current time.
func RawDecoder(topic string, payload json.RawMessage) (RawMessage, error) {
	return RawMessage{
		Topic:   topic,
		Payload: append(json.RawMessage(nil), payload...),
		Time:    time.Now().UTC(),
	}, nil
}

// Options configures the push Handler.
type Options struct {
	CheckOrigin          bool
	AllowedOrigins       []string
	AllowedOriginRegexps []*regexp.Regexp
	ReadBufferSize       int
	WriteBufferSize      int
	MaxMessageSize       int64
	PingInterval         time.Duration
	PongWait             time.Duration
	WriteWait            time.Duration
	SendChannelBuffer    int
	SendTimeout          time.Duration
	EnableCompression    bool
	// PublishRate limits publishes per connection; zero disables the limit.
	PublishRate  rate.Limit
	PublishBurst int
	Logger       *slog.Logger
	Metrics      pondhub.MetricsCollector
}

// DefaultOptions returns a new Options struct with sensible default values:
// - No origin checking (accepts all origins)
// - 1KB read/write buffers
// - 512KB max message size
// - 30s ping interval, 60s pong wait
// - 256 buffered outgoing frames per connection
// - unlimited publish rate
func DefaultOptions() *Options {
	return &Options{
		CheckOrigin:       false,
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		MaxMessageSize:    512 * 1024,
		PingInterval:      30 * time.Second,
		PongWait:          60 * time.Second,
		WriteWait:         10 * time.Second,
		SendChannelBuffer: 256,
		SendTimeout:       5 * time.Second,
		PublishRate:       0,
		PublishBurst:      1,
	}
}

// withDefaults returns a copy of o with zero values replaced by defaults.
func (o *Options) withDefaults() *Options {
	defaults := DefaultOptions()
	if o == nil {
		return defaults
	}
	opts := *o

	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaults.ReadBufferSize
	}
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = defaults.WriteBufferSize
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaults.MaxMessageSize
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaults.PongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaults.WriteWait
	}
	if opts.SendChannelBuffer <= 0 {
		opts.SendChannelBuffer = defaults.SendChannelBuffer
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaults.SendTimeout
	}
	return &opts
}

func (o *Options) limiter() *rate.Limiter {
	if o.PublishRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := o.PublishBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(o.PublishRate, burst)
}

func (o *Options) reportError(component string, err error) {
	if err == nil || o.Metrics == nil {
		return
	}
	o.Metrics.Error(component, err)
}
