// This file defines the extensibility points of pondhub: lifecycle callbacks that let
// an application bridge topic interest to an external source, and the metrics
// collector interface used to report hub activity to monitoring systems.
package pondhub

import (
	"context"
	"time"
)

// MetricsCollector defines the interface for collecting operational metrics.
// Implementations can forward these metrics to Prometheus, StatsD or custom sinks.
type MetricsCollector interface {
	// SubscriptionCreated is called when CreateSubscription succeeds.
	SubscriptionCreated(id string)

	// SubscriptionClosed is called when a subscription is closed, with its lifetime.
	SubscriptionClosed(id string, lifetime time.Duration)

	// TopicSubscribed is called when a subscription adds a topic.
	TopicSubscribed(topic string, wildcard bool)

	// TopicUnsubscribed is called when a subscription removes a topic.
	TopicUnsubscribed(topic string, wildcard bool)

	// MessagePublished is called when a message is accepted onto the publish queue.
	MessagePublished()

	// MessageDispatched is called after the dispatch loop has offered a message to
	// every candidate subscription.
	MessageDispatched(topic string, candidates int, delivered int, duration time.Duration)

	// MessageDropped is called when a message is discarded before delivery.
	MessageDropped(reason string)

	// QueueDepth reports the current depth of internal queues.
	QueueDepth(queue string, depth int)

	// Error tracks errors occurring in different components.
	Error(component string, err error)
}

// Reasons passed to MetricsCollector.MessageDropped.
const (
	DropReasonNoTopic      = "no_topic"
	DropReasonInvalidTopic = "invalid_topic"
	DropReasonQueueFull    = "queue_full"
)

// Hooks holds optional lifecycle callbacks and the metrics collector.
//
// OnFirstSubscriberAdded and OnLastSubscriberRemoved fire when a topic string moves
// from zero to one subscription and back, which lets an application open and close
// an upstream feed on demand. OnSubscriptionsAdded and OnSubscriptionsRemoved fire on
// every change. Callbacks run one at a time in the order the changes happened; they
// may publish but must not subscribe or unsubscribe synchronously. Returned errors
// are logged and reported, they do not undo the change.
type Hooks struct {
	Metrics MetricsCollector

	OnFirstSubscriberAdded  func(ctx context.Context, topic Topic) error
	OnLastSubscriberRemoved func(ctx context.Context, topic Topic) error

	OnSubscriptionsAdded   func(ctx context.Context, subscriptionID string, topics []Topic) error
	OnSubscriptionsRemoved func(ctx context.Context, subscriptionID string, topics []Topic) error
}

type noopMetrics struct{}

func (n *noopMetrics) SubscriptionCreated(id string) {}

func (n *noopMetrics) SubscriptionClosed(id string, lifetime time.Duration) {}

func (n *noopMetrics) TopicSubscribed(topic string, wildcard bool) {}

func (n *noopMetrics) TopicUnsubscribed(topic string, wildcard bool) {}

func (n *noopMetrics) MessagePublished() {}

func (n *noopMetrics) MessageDispatched(topic string, candidates int, delivered int, duration time.Duration) {
}

func (n *noopMetrics) MessageDropped(reason string) {}

func (n *noopMetrics) QueueDepth(queue string, depth int) {}

func (n *noopMetrics) Error(component string, err error) {}

// NoopMetrics returns a no-operation metrics collector that discards all metrics.
// This is useful when you want to disable metrics collection without changing code structure.
func NoopMetrics() MetricsCollector {
	return &noopMetrics{}
}
