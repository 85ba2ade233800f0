// Package distributed connects pondhub managers running on several nodes.
// A RedisBridge mirrors local topic interest onto Redis pub/sub subscriptions, so a
// node only receives the traffic its own subscribers asked for, and republishes
// what it receives into the local manager.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/pondhub"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix is prepended to every Redis channel used by the bridge.
const DefaultPrefix = "pondhub:"

// ErrBridgeClosed is returned when using a closed bridge.
var ErrBridgeClosed = errors.New("distributed: bridge closed")

// BridgeOptions configures a RedisBridge.
type BridgeOptions struct {
	// Prefix namespaces Redis channels. Defaults to DefaultPrefix.
	Prefix string
	// NodeID identifies this node; messages it published are ignored on receipt.
	// Defaults to a random UUID.
	NodeID string
	// DedupeWindow is the number of recent message ids remembered. Defaults to 1024.
	DedupeWindow int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// RedisBridge forwards hub messages between nodes through Redis.
type RedisBridge[T any] struct {
	client   *redis.Client
	pubsub   *redis.PubSub
	codec    Codec[T]
	selector pondhub.TopicSelector[T]
	prefix   string
	node     string
	logger   *slog.Logger
	seen     *seenWindow

	mu           sync.RWMutex
	manager      *pondhub.Manager[T]
	topicOptions pondhub.TopicOptions
	channels     map[string]int
	patterns     map[string]int
	closed       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisBridge creates a bridge on top of a connected Redis client.
// The selector must be the one the local manager uses.
func NewRedisBridge[T any](ctx context.Context, client *redis.Client, selector pondhub.TopicSelector[T], codec Codec[T], opts BridgeOptions) (*RedisBridge[T], error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = 1024
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if codec == nil {
		codec = JSONCodec[T]{}
	}
	bridgeCtx, cancel := context.WithCancel(ctx)

	b := &RedisBridge[T]{
		client:       client,
		codec:        codec,
		selector:     selector,
		prefix:       opts.Prefix,
		node:         opts.NodeID,
		logger:       opts.Logger.With("component", "redis_bridge", "node", opts.NodeID),
		seen:         newSeenWindow(opts.DedupeWindow),
		topicOptions: pondhub.DefaultTopicOptions(),
		channels:     make(map[string]int),
		patterns:     make(map[string]int),
		ctx:          bridgeCtx,
		cancel:       cancel,
	}
	b.pubsub = client.Subscribe(bridgeCtx)

	b.wg.Add(1)
	go b.handleMessages()

	return b, nil
}

// NodeID returns the identifier of this node.
func (b *RedisBridge[T]) NodeID() string {
	return b.node
}

// Attach installs the bridge's lifecycle hooks on opts, keeping any hooks already
// set. Call it before passing opts to pondhub.NewManager.
func (b *RedisBridge[T]) Attach(opts *pondhub.Options) {
	b.mu.Lock()
	b.topicOptions = opts.TopicOptions()
	b.mu.Unlock()

	if opts.Hooks == nil {
		opts.Hooks = &pondhub.Hooks{}
	}
	hooks := opts.Hooks
	onFirst := hooks.OnFirstSubscriberAdded
	onLast := hooks.OnLastSubscriberRemoved

	hooks.OnFirstSubscriberAdded = func(ctx context.Context, topic pondhub.Topic) error {
		err := b.subscribe(ctx, topic)

		if onFirst != nil {
			err = pondhub.Combine(err, onFirst(ctx, topic))
		}
		return err
	}
	hooks.OnLastSubscriberRemoved = func(ctx context.Context, topic pondhub.Topic) error {
		err := b.unsubscribe(ctx, topic)

		if onLast != nil {
			err = pondhub.Combine(err, onLast(ctx, topic))
		}
		return err
	}
}

// Bind sets the manager that receives messages from other nodes.
func (b *RedisBridge[T]) Bind(manager *pondhub.Manager[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.manager = manager
}

// Publish delivers msg to the local manager and forwards it to other nodes.
func (b *RedisBridge[T]) Publish(ctx context.Context, msg T) error {
	b.mu.RLock()
	manager := b.manager
	b.mu.RUnlock()

	if manager != nil {
		if err := manager.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return b.Forward(ctx, msg)
}

// Forward sends msg to other nodes only.
func (b *RedisBridge[T]) Forward(ctx context.Context, msg T) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()

	if closed {
		return ErrBridgeClosed
	}
	topic := b.selector(msg)
	if topic == "" {
		return fmt.Errorf("distributed: %w", pondhub.ErrInvalidTopic)
	}
	payload, err := b.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data, err := encodeEnvelope(envelope{
		ID:      uuid.NewString(),
		Node:    b.node,
		Topic:   topic,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(b.prefix, topic), data).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscriptions returns the Redis channels and patterns currently subscribed.
func (b *RedisBridge[T]) Subscriptions() (channels []string, patterns []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for channel := range b.channels {
		channels = append(channels, channel)
	}
	for pattern := range b.patterns {
		patterns = append(patterns, pattern)
	}
	sort.Strings(channels)
	sort.Strings(patterns)

	return channels, patterns
}

// Close shuts down the Redis subscription and waits for the receive loop.
func (b *RedisBridge[T]) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()

	var err error
	if closeErr := b.pubsub.Close(); closeErr != nil {
		err = pondhub.Combine(err, fmt.Errorf("failed to close pubsub: %w", closeErr))
	}
	b.wg.Wait()

	return err
}

func (b *RedisBridge[T]) subscribe(ctx context.Context, topic pondhub.Topic) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBridgeClosed
	}
	if topic.ContainsWildcard {
		pattern := patternFor(b.prefix, topic, b.topicOptions)

		b.patterns[pattern]++
		if b.patterns[pattern] > 1 {
			return nil
		}
		if err := b.pubsub.PSubscribe(ctx, pattern); err != nil {
			return fmt.Errorf("failed to subscribe to pattern %s: %w", pattern, err)
		}
		return nil
	}
	channel := channelFor(b.prefix, topic.Topic)

	b.channels[channel]++
	if b.channels[channel] > 1 {
		return nil
	}
	if err := b.pubsub.Subscribe(ctx, channel); err != nil {
		return fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
	}
	return nil
}

func (b *RedisBridge[T]) unsubscribe(ctx context.Context, topic pondhub.Topic) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	if topic.ContainsWildcard {
		pattern := patternFor(b.prefix, topic, b.topicOptions)

		if release(b.patterns, pattern) {
			if err := b.pubsub.PUnsubscribe(ctx, pattern); err != nil {
				return fmt.Errorf("failed to unsubscribe from pattern %s: %w", pattern, err)
			}
		}
		return nil
	}
	channel := channelFor(b.prefix, topic.Topic)

	if release(b.channels, channel) {
		if err := b.pubsub.Unsubscribe(ctx, channel); err != nil {
			return fmt.Errorf("failed to unsubscribe from channel %s: %w", channel, err)
		}
	}
	return nil
}

// release drops one reference and reports whether it was the last.
func release(refs map[string]int, key string) bool {
	count, ok := refs[key]
	if !ok {
		return false
	}
	if count > 1 {
		refs[key] = count - 1
		return false
	}
	delete(refs, key)

	return true
}

// handleMessages processes incoming messages from Redis.
func (b *RedisBridge[T]) handleMessages() {
	defer b.wg.Done()

	ch := b.pubsub.Channel()

	for {
		select {
		case <-b.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload != "" {
				b.deliver([]byte(msg.Payload))
			}
		}
	}
}

func (b *RedisBridge[T]) deliver(data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		b.logger.Warn("dropping undecodable envelope", "error", err)
		return
	}
	if env.Node == b.node || b.seen.seen(env.ID) {
		return
	}
	msg, err := b.codec.Unmarshal(env.Payload)
	if err != nil {
		b.logger.Warn("dropping undecodable message", "topic", env.Topic, "error", err)
		return
	}
	b.mu.RLock()
	manager := b.manager
	b.mu.RUnlock()

	if manager == nil {
		b.logger.Debug("no manager bound, dropping remote message", "topic", env.Topic)
		return
	}
	if err := manager.Publish(b.ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("failed to publish remote message", "topic", env.Topic, "origin", env.Node, "error", err)
	}
}
