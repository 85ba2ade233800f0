// This file contains the Subscription type: one subscriber's handle on a Manager.
// A subscription owns a set of topic filters and an unbounded queue that the
// manager's dispatch loop writes into and the subscriber reads from.
package pondhub

import (
	"context"
	"errors"
	"iter"
	"sort"
	"sync"
	"time"
)

// Subscription receives the messages published to the topics it subscribes to.
// It is created by Manager.CreateSubscription and must be closed by its owner.
type Subscription[T any] struct {
	id      string
	manager *Manager[T]
	created time.Time

	// lifecycle serialises Subscribe, Unsubscribe and Close so that manager
	// registrations always agree with the local topic set.
	lifecycle sync.Mutex

	mu     sync.RWMutex
	topics map[string]Topic
	closed bool

	queue *queue[T]
}

func newSubscription[T any](id string, manager *Manager[T]) *Subscription[T] {
	return &Subscription[T]{
		id:      id,
		manager: manager,
		created: time.Now(),
		topics:  make(map[string]Topic),
		queue:   newQueue[T](0, FullModeWait, nil),
	}
}

// ID returns the subscription identifier.
func (s *Subscription[T]) ID() string {
	return s.id
}

// Topics returns the topics and filters currently subscribed to, sorted.
func (s *Subscription[T]) Topics() []string {
	s.mu.RLock()

	defer s.mu.RUnlock()

	topics := make([]string, 0, len(s.topics))

	for topic := range s.topics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	return topics
}

// Pending returns the number of messages waiting to be read.
func (s *Subscription[T]) Pending() int {
	return s.queue.length()
}

// Subscribe adds a topic or topic filter. It returns false when the subscription
// already holds the topic. When the manager retains messages, the retained
// messages that topic matches are queued before Subscribe returns.
func (s *Subscription[T]) Subscribe(ctx context.Context, topic string) (bool, error) {
	if err := ValidateTopicFilter(topic, s.manager.topicOptions); err != nil {
		return false, s.annotate(err)
	}
	s.lifecycle.Lock()

	defer s.lifecycle.Unlock()

	if err := s.checkActive(); err != nil {
		return false, err
	}
	t := NewTopic(topic, s.manager.topicOptions)

	s.mu.Lock()

	if _, exists := s.topics[topic]; exists {
		s.mu.Unlock()

		return false, nil
	}
	s.topics[topic] = t
	s.mu.Unlock()

	s.manager.subscriptionAdded(ctx, s, t)

	return true, nil
}

// Unsubscribe removes a topic or topic filter. It returns false when the
// subscription does not hold the topic.
func (s *Subscription[T]) Unsubscribe(ctx context.Context, topic string) (bool, error) {
	if topic == "" {
		return false, s.annotate(invalidTopic(topic, "topic must not be empty"))
	}
	s.lifecycle.Lock()

	defer s.lifecycle.Unlock()

	if err := s.checkActive(); err != nil {
		return false, err
	}
	s.mu.Lock()

	t, exists := s.topics[topic]
	if !exists {
		s.mu.Unlock()

		return false, nil
	}
	delete(s.topics, topic)
	s.mu.Unlock()

	s.manager.subscriptionRemoved(ctx, s, []Topic{t})

	return true, nil
}

// Publish queues msg for this subscriber if topic matches one of its filters.
// It is called by the manager for every candidate found through the hash index and
// re-checks the topic precisely, so hash collisions and in-flight unsubscribes are
// filtered out here. It returns false when the message was not queued.
func (s *Subscription[T]) Publish(topic string, msg T) bool {
	if s.manager.closed.Load() {
		return false
	}
	s.mu.RLock()

	if s.closed {
		s.mu.RUnlock()

		return false
	}
	matched := s.matchesLocked(topic)
	s.mu.RUnlock()

	if !matched {
		return false
	}
	return s.queue.push(context.Background(), msg) == nil
}

func (s *Subscription[T]) matchesLocked(topic string) bool {
	if _, ok := s.topics[topic]; ok {
		return true
	}
	opts := s.manager.topicOptions

	for _, t := range s.topics {
		if CompareTopicFilter(topic, t.Topic, opts) == IsMatch {
			return true
		}
	}
	return false
}

// Recv returns the next message. It blocks until a message is available, ctx ends
// or the manager closes. A cancelled ctx wins over queued messages. After Close,
// queued messages are still returned and then Recv fails with ErrSubscriptionClosed.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T

		return zero, err
	}
	msg, err := s.queue.pop(ctx, s.manager.Done())

	switch {
	case err == nil:
		return msg, nil
	case errors.Is(err, errQueueClosed):
		return msg, subscriptionClosed(s.id)
	case errors.Is(err, errQueueDone):
		return msg, managerClosed(s.id)
	default:
		return msg, err
	}
}

// ReadAll returns a sequence of received messages. The sequence ends when ctx is
// cancelled, the manager closes, or the subscription is closed and drained.
// A finished sequence cannot be restarted on a closed subscription.
func (s *Subscription[T]) ReadAll(ctx context.Context) iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			msg, err := s.Recv(ctx)

			if err != nil {
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Close releases the subscription: the queue stops accepting messages, every topic
// is deregistered from the manager and the topic set is cleared.
// Close is idempotent.
func (s *Subscription[T]) Close() error {
	s.lifecycle.Lock()

	defer s.lifecycle.Unlock()

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return nil
	}
	s.closed = true
	topics := make([]Topic, 0, len(s.topics))

	for _, t := range s.topics {
		topics = append(topics, t)
	}
	s.topics = make(map[string]Topic)
	s.mu.Unlock()

	s.queue.close()

	s.manager.subscriptionClosed(s, topics)

	return nil
}

func (s *Subscription[T]) isClosed() bool {
	s.mu.RLock()

	defer s.mu.RUnlock()

	return s.closed
}

func (s *Subscription[T]) checkActive() error {
	if s.isClosed() {
		return subscriptionClosed(s.id)
	}
	if s.manager.closed.Load() {
		return managerClosed(s.id)
	}
	return nil
}

func (s *Subscription[T]) annotate(err error) error {
	var e *Error
	if errors.As(err, &e) && e.SubscriptionID == "" {
		e.SubscriptionID = s.id
	}
	return err
}
