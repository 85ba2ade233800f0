package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/eleven-am/pondhub"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	Topic string `json:"topic" msgpack:"topic"`
	Body  string `json:"body" msgpack:"body"`
}

func eventTopic(e event) string {
	return e.Topic
}

type node struct {
	bridge  *RedisBridge[event]
	manager *pondhub.Manager[event]
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func newNode(t *testing.T, client *redis.Client, codec Codec[event]) *node {
	t.Helper()

	ctx := context.Background()

	bridge, err := NewRedisBridge[event](ctx, client, eventTopic, codec, BridgeOptions{})
	require.NoError(t, err)

	opts := pondhub.DefaultOptions()
	bridge.Attach(opts)

	manager := pondhub.NewManager[event](ctx, eventTopic, *opts)
	bridge.Bind(manager)

	t.Cleanup(func() {
		_ = manager.Close()
		_ = bridge.Close()
	})
	return &node{bridge: bridge, manager: manager}
}

func subscribe(t *testing.T, n *node, topics ...string) *pondhub.Subscription[event] {
	t.Helper()

	sub, err := n.manager.CreateSubscription("")
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = sub.Close()
	})
	for _, topic := range topics {
		_, err := sub.Subscribe(context.Background(), topic)
		require.NoError(t, err)
	}
	return sub
}

func waitForChannel(t *testing.T, client *redis.Client, channel string) {
	t.Helper()

	require.Eventually(t, func() bool {
		counts, err := client.PubSubNumSub(context.Background(), channel).Result()
		return err == nil && counts[channel] > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func waitForPatterns(t *testing.T, client *redis.Client, n int64) {
	t.Helper()

	require.Eventually(t, func() bool {
		count, err := client.PubSubNumPat(context.Background()).Result()
		return err == nil && count >= n
	}, 2*time.Second, 10*time.Millisecond)
}

func recv(t *testing.T, sub *pondhub.Subscription[event]) event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := sub.Recv(ctx)
	require.NoError(t, err)

	return msg
}

func TestNewRedisBridge(t *testing.T) {
	t.Run("fails when Redis is unreachable", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_, err := NewRedisBridge[event](ctx, client, eventTopic, nil, BridgeOptions{})
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		client := newRedis(t)

		bridge, err := NewRedisBridge[event](context.Background(), client, eventTopic, nil, BridgeOptions{})
		require.NoError(t, err)
		defer bridge.Close()

		assert.NotEmpty(t, bridge.NodeID())
		assert.Equal(t, DefaultPrefix, bridge.prefix)
	})
}

func TestRedisBridgeDelivery(t *testing.T) {
	for name, codec := range map[string]Codec[event]{
		"json":    JSONCodec[event]{},
		"msgpack": MsgpackCodec[event]{},
	} {
		t.Run(name, func(t *testing.T) {
			client := newRedis(t)
			a := newNode(t, client, codec)
			b := newNode(t, client, codec)

			sub := subscribe(t, a, "room/1")
			waitForChannel(t, client, DefaultPrefix+"room/1")

			require.NoError(t, b.bridge.Publish(context.Background(), event{Topic: "room/1", Body: "hi"}))

			msg := recv(t, sub)
			assert.Equal(t, "hi", msg.Body)
		})
	}

	t.Run("wildcard subscriptions use patterns", func(t *testing.T) {
		client := newRedis(t)
		a := newNode(t, client, nil)
		b := newNode(t, client, nil)

		sub := subscribe(t, a, "sensors/+/temp")
		waitForPatterns(t, client, 1)

		_, patterns := a.bridge.Subscriptions()
		assert.Equal(t, []string{DefaultPrefix + "sensors/*/temp"}, patterns)

		require.NoError(t, b.bridge.Forward(context.Background(), event{Topic: "sensors/a/b/temp", Body: "over-match"}))
		require.NoError(t, b.bridge.Forward(context.Background(), event{Topic: "sensors/kitchen/temp", Body: "match"}))

		msg := recv(t, sub)
		assert.Equal(t, "match", msg.Body)
	})

	t.Run("local publish is delivered once", func(t *testing.T) {
		client := newRedis(t)
		a := newNode(t, client, nil)

		sub := subscribe(t, a, "echo")
		waitForChannel(t, client, DefaultPrefix+"echo")

		require.NoError(t, a.bridge.Publish(context.Background(), event{Topic: "echo", Body: "once"}))

		assert.Equal(t, "once", recv(t, sub).Body)

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, err := sub.Recv(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("last unsubscribe releases the channel", func(t *testing.T) {
		client := newRedis(t)
		a := newNode(t, client, nil)

		first := subscribe(t, a, "shared")
		second := subscribe(t, a, "shared")

		channels, _ := a.bridge.Subscriptions()
		assert.Equal(t, []string{DefaultPrefix + "shared"}, channels)

		require.NoError(t, first.Close())

		channels, _ = a.bridge.Subscriptions()
		assert.Len(t, channels, 1)

		require.NoError(t, second.Close())

		channels, _ = a.bridge.Subscriptions()
		assert.Empty(t, channels)
	})

	t.Run("forward rejects messages without a topic", func(t *testing.T) {
		client := newRedis(t)
		a := newNode(t, client, nil)

		err := a.bridge.Forward(context.Background(), event{})
		assert.ErrorIs(t, err, pondhub.ErrInvalidTopic)
	})

	t.Run("closed bridge refuses to forward", func(t *testing.T) {
		client := newRedis(t)
		a := newNode(t, client, nil)

		require.NoError(t, a.bridge.Close())
		require.NoError(t, a.bridge.Close())

		err := a.bridge.Forward(context.Background(), event{Topic: "x"})
		assert.ErrorIs(t, err, ErrBridgeClosed)
	})
}

func TestAttachKeepsExistingHooks(t *testing.T) {
	client := newRedis(t)

	bridge, err := NewRedisBridge[event](context.Background(), client, eventTopic, nil, BridgeOptions{Prefix: "test:"})
	require.NoError(t, err)
	defer bridge.Close()

	var firsts []string
	opts := pondhub.DefaultOptions()
	opts.Hooks = &pondhub.Hooks{
		OnFirstSubscriberAdded: func(ctx context.Context, topic pondhub.Topic) error {
			firsts = append(firsts, topic.Topic)
			return nil
		},
	}
	bridge.Attach(opts)

	manager := pondhub.NewManager[event](context.Background(), eventTopic, *opts)
	defer manager.Close()

	sub, err := manager.CreateSubscription("")
	require.NoError(t, err)
	defer sub.Close()

	_, err = sub.Subscribe(context.Background(), "a")
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, firsts)

	channels, _ := bridge.Subscriptions()
	assert.Equal(t, []string{"test:a"}, channels)
}
