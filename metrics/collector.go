// Package metrics exports pondhub activity to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/eleven-am/pondhub"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements pondhub.MetricsCollector with Prometheus metrics.
// Topics are not used as labels to keep cardinality bounded.
type Collector struct {
	subscriptionsCreated prometheus.Counter
	subscriptionsClosed  prometheus.Counter
	subscriptionsActive  prometheus.Gauge
	subscriptionLifetime prometheus.Histogram

	topicSubscribes   *prometheus.CounterVec // wildcard
	topicUnsubscribes *prometheus.CounterVec // wildcard
	topicsActive      *prometheus.GaugeVec   // wildcard

	messagesPublished  prometheus.Counter
	messagesDispatched prometheus.Counter
	messagesDelivered  prometheus.Counter
	messagesDropped    *prometheus.CounterVec // reason
	dispatchCandidates prometheus.Histogram
	dispatchDuration   prometheus.Histogram

	queueDepth *prometheus.GaugeVec   // queue
	errors     *prometheus.CounterVec // component
}

var _ pondhub.MetricsCollector = (*Collector)(nil)

// NewCollector creates the hub metrics and registers them with registerer.
// An empty namespace defaults to "pondhub".
func NewCollector(namespace string, registerer prometheus.Registerer) (*Collector, error) {
	if namespace == "" {
		namespace = "pondhub"
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	c := &Collector{
		subscriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "created_total",
			Help:      "Total number of subscriptions created",
		}),
		subscriptionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "closed_total",
			Help:      "Total number of subscriptions closed",
		}),
		subscriptionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "active",
			Help:      "Number of open subscriptions",
		}),
		subscriptionLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "lifetime_seconds",
			Help:      "Subscription lifetime in seconds",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 21600, 86400},
		}),

		topicSubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "topics",
			Name:      "subscribes_total",
			Help:      "Total number of topic subscriptions added",
		}, []string{"wildcard"}),
		topicUnsubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "topics",
			Name:      "unsubscribes_total",
			Help:      "Total number of topic subscriptions removed",
		}, []string{"wildcard"}),
		topicsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "topics",
			Name:      "active",
			Help:      "Number of topic subscriptions currently held",
		}, []string{"wildcard"}),

		messagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "published_total",
			Help:      "Total number of messages accepted by Publish",
		}),
		messagesDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "dispatched_total",
			Help:      "Total number of messages processed by the dispatch loop",
		}),
		messagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "delivered_total",
			Help:      "Total number of deliveries to subscriptions",
		}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "dropped_total",
			Help:      "Total number of messages dropped before delivery",
		}, []string{"reason"}),
		dispatchCandidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "candidates",
			Help:      "Candidate subscriptions found per message",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent dispatching one message",
			Buckets:   []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current depth of internal queues",
		}, []string{"queue"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "errors",
			Name:      "total",
			Help:      "Total number of errors by component",
		}, []string{"component"}),
	}

	collectors := []prometheus.Collector{
		c.subscriptionsCreated, c.subscriptionsClosed, c.subscriptionsActive, c.subscriptionLifetime,
		c.topicSubscribes, c.topicUnsubscribes, c.topicsActive,
		c.messagesPublished, c.messagesDispatched, c.messagesDelivered, c.messagesDropped,
		c.dispatchCandidates, c.dispatchDuration,
		c.queueDepth, c.errors,
	}
	for _, collector := range collectors {
		if err := registerer.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				return nil, fmt.Errorf("metrics: namespace %q already registered: %w", namespace, err)
			}
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return c, nil
}

func (c *Collector) SubscriptionCreated(id string) {
	c.subscriptionsCreated.Inc()
	c.subscriptionsActive.Inc()
}

func (c *Collector) SubscriptionClosed(id string, lifetime time.Duration) {
	c.subscriptionsClosed.Inc()
	c.subscriptionsActive.Dec()
	c.subscriptionLifetime.Observe(lifetime.Seconds())
}

func (c *Collector) TopicSubscribed(topic string, wildcard bool) {
	label := strconv.FormatBool(wildcard)

	c.topicSubscribes.WithLabelValues(label).Inc()
	c.topicsActive.WithLabelValues(label).Inc()
}

func (c *Collector) TopicUnsubscribed(topic string, wildcard bool) {
	label := strconv.FormatBool(wildcard)

	c.topicUnsubscribes.WithLabelValues(label).Inc()
	c.topicsActive.WithLabelValues(label).Dec()
}

func (c *Collector) MessagePublished() {
	c.messagesPublished.Inc()
}

func (c *Collector) MessageDispatched(topic string, candidates int, delivered int, duration time.Duration) {
	c.messagesDispatched.Inc()
	c.messagesDelivered.Add(float64(delivered))
	c.dispatchCandidates.Observe(float64(candidates))
	c.dispatchDuration.Observe(duration.Seconds())
}

func (c *Collector) MessageDropped(reason string) {
	c.messagesDropped.WithLabelValues(reason).Inc()
}

func (c *Collector) QueueDepth(queue string, depth int) {
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

func (c *Collector) Error(component string, err error) {
	c.errors.WithLabelValues(component).Inc()
}

// Handler serves the metrics gathered by gatherer in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
