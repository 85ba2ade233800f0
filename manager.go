// This file contains the Manager, the hub that owns every subscription, indexes
// subscribed topics by hash, and runs the single dispatch goroutine that fans
// published messages out to matching subscriptions.
package pondhub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const publishQueueName = "publish"

// Manager is a topic-based publish/subscribe hub for messages of type T.
//
// Publish places messages on an internal queue. A dedicated goroutine drains the
// queue, finds candidate subscriptions through two hash indexes (exact topics, and
// wildcard filters keyed by hash then mask) and hands each message to the
// candidates, which confirm the match before queueing it for their reader.
type Manager[T any] struct {
	options      *Options
	topicOptions TopicOptions
	selector     TopicSelector[T]
	hooks        *Hooks
	metrics      MetricsCollector
	logger       *slog.Logger

	mu        sync.RWMutex
	exact     map[uint64]*subscriberSet[T]
	wildcard  map[uint64]map[uint64]*subscriberSet[T]
	topicRefs map[string]int

	// hookMu keeps lifecycle callbacks in the order the index changed.
	hookMu sync.Mutex
	// retainMu makes a retained upsert and its candidate snapshot atomic with a
	// subscriber's index insert and replay, so each retained message reaches a
	// new subscriber once and never after a newer live message.
	retainMu sync.Mutex

	subscriptions *store[*Subscription[T]]
	retained      *store[T]
	publishQueue  *queue[T]

	ctx       context.Context
	cancel    context.CancelFunc
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager creates a Manager and starts its dispatch goroutine.
// The selector maps each message to its topic. If no options are provided,
// DefaultOptions is used. The manager stops when ctx is cancelled or Close is called.
func NewManager[T any](ctx context.Context, selector TopicSelector[T], options ...Options) *Manager[T] {
	if selector == nil {
		panic("pondhub: NewManager requires a topic selector")
	}
	opts := DefaultOptions()

	if len(options) > 0 {
		o := options[0]
		opts = &o
	}
	hooks := opts.Hooks
	if hooks == nil {
		hooks = &Hooks{}
	}
	metrics := hooks.Metrics
	if metrics == nil {
		metrics = NoopMetrics()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	managerCtx, cancel := context.WithCancel(ctx)

	m := &Manager[T]{
		options:       opts,
		topicOptions:  opts.TopicOptions(),
		selector:      selector,
		hooks:         hooks,
		metrics:       metrics,
		logger:        logger.With("component", "pondhub"),
		exact:         make(map[uint64]*subscriberSet[T]),
		wildcard:      make(map[uint64]map[uint64]*subscriberSet[T]),
		topicRefs:     make(map[string]int),
		subscriptions: newStore[*Subscription[T]](),
		retained:      newStore[T](),
		ctx:           managerCtx,
		cancel:        cancel,
	}
	m.publishQueue = newQueue[T](opts.PublishChannelCapacity, opts.PublishChannelFullMode, m.publishDropped)

	m.wg.Add(1)

	go m.run()

	return m
}

// TopicOptions returns the topic parsing options in effect for this manager.
func (m *Manager[T]) TopicOptions() TopicOptions {
	return m.topicOptions
}

// TopicOf returns the topic msg would be dispatched on, or "" when the selector
// cannot determine one.
func (m *Manager[T]) TopicOf(msg T) string {
	topic, _ := m.topicOf(msg)
	return topic
}

// Done returns a channel that is closed when the manager shuts down.
func (m *Manager[T]) Done() <-chan struct{} {
	return m.ctx.Done()
}

// CreateSubscription creates a subscription with the given id.
// An empty id is replaced by a generated UUID. Ids must be unique among the
// manager's open subscriptions.
func (m *Manager[T]) CreateSubscription(id string) (*Subscription[T], error) {
	if m.closed.Load() {
		return nil, managerClosed(id)
	}
	if id == "" {
		id = uuid.NewString()
	}
	sub := newSubscription(id, m)

	if err := m.subscriptions.Create(id, sub); err != nil {
		return nil, err
	}
	m.metrics.SubscriptionCreated(id)

	return sub, nil
}

// Publish queues msg for dispatch. Its topic is resolved by the dispatch loop.
// When the publish queue is bounded and full, the configured FullMode decides
// whether Publish waits, drops a message, or fails with ErrPublishQueueFull.
func (m *Manager[T]) Publish(ctx context.Context, msg T) error {
	if m.closed.Load() {
		return managerClosed("")
	}
	if isNilMessage(msg) {
		return invalidMessage("message must not be nil")
	}
	err := m.publishQueue.push(ctx, msg)

	switch {
	case err == nil:
		m.metrics.MessagePublished()
		m.metrics.QueueDepth(publishQueueName, m.publishQueue.length())

		return nil
	case errors.Is(err, errQueueClosed):
		return managerClosed("")
	case errors.Is(err, errQueueFull):
		m.metrics.MessageDropped(DropReasonQueueFull)

		return queueFull(publishQueueName, m.options.PublishChannelCapacity)
	default:
		return err
	}
}

// Retained returns the most recent message published to topic when the manager
// retains messages.
func (m *Manager[T]) Retained(topic string) (T, bool) {
	return m.retained.Read(topic)
}

// ClearRetained forgets the retained message for topic.
func (m *Manager[T]) ClearRetained(topic string) bool {
	return m.retained.Delete(topic)
}

// ActiveTopics returns every topic and filter that has at least one subscription.
func (m *Manager[T]) ActiveTopics() []string {
	m.mu.RLock()

	defer m.mu.RUnlock()

	topics := make([]string, 0, len(m.topicRefs))

	for topic := range m.topicRefs {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	return topics
}

// SubscriberCount returns the number of subscriptions holding exactly topic.
func (m *Manager[T]) SubscriberCount(topic string) int {
	m.mu.RLock()

	defer m.mu.RUnlock()

	return m.topicRefs[topic]
}

// SubscriptionCount returns the number of open subscriptions.
func (m *Manager[T]) SubscriptionCount() int {
	return m.subscriptions.Len()
}

// Close stops the manager. The publish queue stops accepting messages, the
// lifetime context is cancelled, which ends every pending Recv, Close waits
// for the dispatch goroutine to exit and then forgets retained messages.
// Close is idempotent.
func (m *Manager[T]) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.publishQueue.close()

		m.cancel()

		m.wg.Wait()

		m.retained.Drain()
	})
	return nil
}

func (m *Manager[T]) run() {
	defer m.wg.Done()

	for {
		var msg T

		err := m.ctx.Err()
		if err == nil {
			msg, err = m.publishQueue.pop(m.ctx, nil)
		}
		if err != nil {
			if m.ctx.Err() == nil && !errors.Is(err, errQueueClosed) {
				m.logger.Error("pondhub: dispatch loop stopped", "error", err)
			}
			// Publishers blocked on a full queue fail with ErrManagerClosed.
			m.closed.Store(true)
			m.publishQueue.close()

			return
		}
		m.dispatch(msg)
	}
}

func (m *Manager[T]) dispatch(msg T) {
	start := time.Now()

	topic, ok := m.topicOf(msg)
	if !ok {
		return
	}
	if topic == "" {
		m.logger.Warn("pondhub: dropping message without a topic")
		m.metrics.MessageDropped(DropReasonNoTopic)

		return
	}
	if err := ValidateTopicName(topic, m.topicOptions); err != nil {
		m.logger.Warn("pondhub: dropping message with invalid topic", "topic", topic, "error", err)
		m.metrics.MessageDropped(DropReasonInvalidTopic)

		return
	}
	var candidates []*Subscription[T]

	if m.options.Retain {
		m.retainMu.Lock()
		m.retained.Upsert(topic, msg)
		candidates = m.candidates(topic)
		m.retainMu.Unlock()
	} else {
		candidates = m.candidates(topic)
	}
	delivered := 0

	for _, sub := range candidates {
		if m.ctx.Err() != nil {
			break
		}
		if m.deliver(sub, topic, msg) {
			delivered++
		}
	}
	m.metrics.MessageDispatched(topic, len(candidates), delivered, time.Since(start))
	m.metrics.QueueDepth(publishQueueName, m.publishQueue.length())
}

func (m *Manager[T]) topicOf(msg T) (topic string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("topic selector panic: %v", r)

			m.logger.Warn("pondhub: dropping message, topic selector failed", "error", err)
			m.metrics.MessageDropped(DropReasonNoTopic)
			m.metrics.Error("topic_selector", err)

			topic, ok = "", false
		}
	}()

	return m.selector(msg), true
}

func (m *Manager[T]) deliver(sub *Subscription[T], topic string, msg T) (delivered bool) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("delivery to subscription %s panicked: %v", sub.id, r)

			m.logger.Error("pondhub: delivery failed", "subscription", sub.id, "topic", topic, "error", err)
			m.metrics.Error("dispatch", err)

			delivered = false
		}
	}()

	return sub.Publish(topic, msg)
}

// candidates returns the subscriptions whose exact hash or masked wildcard hash
// matches topic. The result is a superset of the true matches.
func (m *Manager[T]) candidates(topic string) []*Subscription[T] {
	hash, _, _ := hashTopic(topic, m.topicOptions)
	found := make(map[*Subscription[T]]struct{})

	m.mu.RLock()

	if set, ok := m.exact[hash]; ok {
		set.collect(found)
	}
	for filterHash, masks := range m.wildcard {
		for mask, set := range masks {
			if hash&mask == filterHash {
				set.collect(found)
			}
		}
	}
	m.mu.RUnlock()

	result := make([]*Subscription[T], 0, len(found))

	for sub := range found {
		result = append(result, sub)
	}
	return result
}

func (m *Manager[T]) subscriptionAdded(ctx context.Context, sub *Subscription[T], topic Topic) {
	if m.options.Retain {
		m.retainMu.Lock()
	}
	m.mu.Lock()

	m.indexLocked(sub, topic)
	m.topicRefs[topic.Topic]++
	first := m.topicRefs[topic.Topic] == 1

	m.hookMu.Lock()
	m.mu.Unlock()

	defer m.hookMu.Unlock()

	if m.options.Retain {
		m.replayRetained(sub, topic)
		m.retainMu.Unlock()
	}
	m.metrics.TopicSubscribed(topic.Topic, topic.ContainsWildcard)

	if first && m.hooks.OnFirstSubscriberAdded != nil {
		m.reportHook("first_subscriber_added", topic.Topic, m.hooks.OnFirstSubscriberAdded(ctx, topic))
	}
	if m.hooks.OnSubscriptionsAdded != nil {
		m.reportHook("subscriptions_added", topic.Topic, m.hooks.OnSubscriptionsAdded(ctx, sub.id, []Topic{topic}))
	}
}

func (m *Manager[T]) subscriptionRemoved(ctx context.Context, sub *Subscription[T], topics []Topic) {
	if len(topics) == 0 {
		return
	}
	m.mu.Lock()

	var last []Topic
	for _, topic := range topics {
		m.unindexLocked(sub, topic)

		if n := m.topicRefs[topic.Topic]; n > 1 {
			m.topicRefs[topic.Topic] = n - 1
		} else {
			delete(m.topicRefs, topic.Topic)

			last = append(last, topic)
		}
	}

	m.hookMu.Lock()
	m.mu.Unlock()

	defer m.hookMu.Unlock()

	for _, topic := range topics {
		m.metrics.TopicUnsubscribed(topic.Topic, topic.ContainsWildcard)
	}
	if m.closed.Load() {
		return
	}
	if m.hooks.OnLastSubscriberRemoved != nil {
		for _, topic := range last {
			m.reportHook("last_subscriber_removed", topic.Topic, m.hooks.OnLastSubscriberRemoved(ctx, topic))
		}
	}
	if m.hooks.OnSubscriptionsRemoved != nil {
		m.reportHook("subscriptions_removed", "", m.hooks.OnSubscriptionsRemoved(ctx, sub.id, topics))
	}
}

func (m *Manager[T]) subscriptionClosed(sub *Subscription[T], topics []Topic) {
	m.subscriptionRemoved(context.WithoutCancel(m.ctx), sub, topics)

	m.subscriptions.Delete(sub.id)

	m.metrics.SubscriptionClosed(sub.id, time.Since(sub.created))
}

func (m *Manager[T]) indexLocked(sub *Subscription[T], topic Topic) {
	if !topic.ContainsWildcard {
		set, ok := m.exact[topic.Hash]
		if !ok {
			set = newSubscriberSet[T]()
			m.exact[topic.Hash] = set
		}
		set.add(sub)

		return
	}
	masks, ok := m.wildcard[topic.Hash]
	if !ok {
		masks = make(map[uint64]*subscriberSet[T])
		m.wildcard[topic.Hash] = masks
	}
	set, ok := masks[topic.HashMask]
	if !ok {
		set = newSubscriberSet[T]()
		masks[topic.HashMask] = set
	}
	set.add(sub)
}

func (m *Manager[T]) unindexLocked(sub *Subscription[T], topic Topic) {
	if !topic.ContainsWildcard {
		set, ok := m.exact[topic.Hash]
		if !ok {
			return
		}
		set.remove(sub)

		if set.length() == 0 {
			delete(m.exact, topic.Hash)
		}
		return
	}
	masks, ok := m.wildcard[topic.Hash]
	if !ok {
		return
	}
	set, ok := masks[topic.HashMask]
	if !ok {
		return
	}
	set.remove(sub)

	if set.length() == 0 {
		delete(masks, topic.HashMask)
	}
	if len(masks) == 0 {
		delete(m.wildcard, topic.Hash)
	}
}

// replayRetained queues the retained messages that topic matches, in topic name
// order.
func (m *Manager[T]) replayRetained(sub *Subscription[T], topic Topic) {
	if !topic.ContainsWildcard {
		if msg, ok := m.retained.Read(topic.Topic); ok {
			sub.Publish(topic.Topic, msg)
		}
		return
	}
	for _, name := range m.retained.Keys() {
		if CompareTopicFilter(name, topic.Topic, m.topicOptions) != IsMatch {
			continue
		}
		if msg, ok := m.retained.Read(name); ok {
			sub.Publish(name, msg)
		}
	}
}

func (m *Manager[T]) reportHook(hook, topic string, err error) {
	if err == nil {
		return
	}
	err = wrapF(err, "%s hook", hook).withTopic(topic)

	m.logger.Error("pondhub: lifecycle hook failed", "hook", hook, "topic", topic, "error", err)
	m.metrics.Error("hook_"+hook, err)
}

func (m *Manager[T]) publishDropped(msg T) {
	m.logger.Debug("pondhub: publish queue full, message dropped", "mode", m.options.PublishChannelFullMode)
	m.metrics.MessageDropped(DropReasonQueueFull)
}

func isNilMessage(msg any) bool {
	if msg == nil {
		return true
	}
	v := reflect.ValueOf(msg)

	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Interface, reflect.Func, reflect.Chan:
		return v.IsNil()
	default:
		return false
	}
}
