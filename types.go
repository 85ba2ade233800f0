// This file contains type definitions for pondhub including the manager options,
// publish queue overflow modes, status codes and the topic selector used to route
// messages through the hub.
package pondhub

import (
	"fmt"
	"log/slog"
	"strings"
)

// TopicSelector maps a message to the topic it is published on.
// Returning an empty string marks the topic as undeterminable; such messages are
// logged and dropped by the dispatch loop.
type TopicSelector[T any] func(message T) string

// FullMode controls what Publish does when a bounded publish queue is full.
type FullMode int

const (
	// FullModeWait blocks the publisher until space is available or its context ends.
	FullModeWait FullMode = iota
	// FullModeDropOldest discards the oldest queued message to make room.
	FullModeDropOldest
	// FullModeDropNewest discards the most recently queued message to make room.
	FullModeDropNewest
	// FullModeDropWrite silently discards the message being published.
	FullModeDropWrite
	// FullModeReject fails the publish with ErrPublishQueueFull.
	FullModeReject
)

var fullModeNames = map[FullMode]string{
	FullModeWait:       "wait",
	FullModeDropOldest: "drop_oldest",
	FullModeDropNewest: "drop_newest",
	FullModeDropWrite:  "drop_write",
	FullModeReject:     "reject",
}

func (m FullMode) String() string {
	if name, ok := fullModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("FullMode(%d)", int(m))
}

// ParseFullMode converts a configuration string such as "drop_oldest" into a FullMode.
// Matching is case-insensitive and accepts '-' in place of '_'.
func ParseFullMode(s string) (FullMode, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")

	for mode, name := range fullModeNames {
		if name == normalized {
			return mode, nil
		}
	}
	return FullModeWait, fmt.Errorf("pondhub: unknown full mode %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m FullMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so FullMode can be decoded
// from configuration files.
func (m *FullMode) UnmarshalText(text []byte) error {
	mode, err := ParseFullMode(string(text))

	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// Options configures a Manager.
// Start from DefaultOptions and override the fields you need; a zero Options
// disables wildcard subscriptions.
type Options struct {
	// PublishChannelCapacity bounds the publish queue. Zero or less means unbounded.
	PublishChannelCapacity int
	// PublishChannelFullMode applies when the bounded publish queue is full.
	PublishChannelFullMode FullMode
	// TopicLevelSeparators lists the characters that split topic levels.
	TopicLevelSeparators []rune
	// SingleLevelWildcard matches exactly one topic level.
	SingleLevelWildcard rune
	// MultiLevelWildcard matches all remaining topic levels and must be last.
	MultiLevelWildcard rune
	// EnableWildcardSubscriptions turns wildcard characters into plain characters when false.
	EnableWildcardSubscriptions bool
	// Retain caches the most recent message per topic and replays it to new
	// subscriptions whose topic or filter matches. A new subscription receives
	// each retained message once, ahead of any newer message on that topic.
	Retain bool
	// Logger receives dispatch warnings and hook failures. Defaults to slog.Default().
	Logger *slog.Logger
	// Hooks carries lifecycle callbacks and the metrics collector.
	Hooks *Hooks
}

// DefaultOptions returns Options with sensible defaults:
// - unbounded publish queue (FullModeWait applies once a capacity is set)
// - '/' level separator, '+' and '#' wildcards
// - wildcard subscriptions enabled
// - retained messages disabled
func DefaultOptions() *Options {
	return &Options{
		PublishChannelCapacity:      0,
		PublishChannelFullMode:      FullModeWait,
		TopicLevelSeparators:        []rune{'/'},
		SingleLevelWildcard:         '+',
		MultiLevelWildcard:          '#',
		EnableWildcardSubscriptions: true,
		Retain:                      false,
	}
}

// TopicOptions returns the subset of the options that controls topic parsing.
func (o *Options) TopicOptions() TopicOptions {
	defaults := DefaultTopicOptions()

	opts := TopicOptions{
		LevelSeparators:     o.TopicLevelSeparators,
		SingleLevelWildcard: o.SingleLevelWildcard,
		MultiLevelWildcard:  o.MultiLevelWildcard,
		EnableWildcards:     o.EnableWildcardSubscriptions,
	}
	if len(opts.LevelSeparators) == 0 {
		opts.LevelSeparators = defaults.LevelSeparators
	}
	if opts.SingleLevelWildcard == 0 {
		opts.SingleLevelWildcard = defaults.SingleLevelWildcard
	}
	if opts.MultiLevelWildcard == 0 {
		opts.MultiLevelWildcard = defaults.MultiLevelWildcard
	}
	return opts
}

const (
	StatusBadRequest      = 400
	StatusNotFound        = 404
	StatusConflict        = 409
	StatusGone            = 410
	StatusTooManyRequests = 429
	StatusInternalError   = 500
)

// Error represents a failed hub operation.
// It carries the subscription and topic involved (when known), an HTTP-like status
// code, whether retrying may succeed, and optional details. Errors created by the hub
// unwrap to one of the exported sentinel errors.
type Error struct {
	SubscriptionID string      `json:"subscriptionId,omitempty"`
	Topic          string      `json:"topic,omitempty"`
	Message        string      `json:"message"`
	Code           int         `json:"code"`
	Temporary      bool        `json:"temporary"`
	Details        interface{} `json:"details,omitempty"`
	cause          error
}
