package rabbitmq

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rmq-client/internal/reliability"
)

type consumerHarness struct {
	dialer   *fakeDialer
	bus      *CommandBus
	consumer *ConsumerChannel
	run      *running
}

func startConsumer(t *testing.T) *consumerHarness {
	t.Helper()
	dialer := &fakeDialer{}
	bus := NewCommandBus()
	consumer := NewConsumerChannel(bus, WithConsumerLogger(quietLogger()))
	r := runConnection(t, context.Background(), dialer, bus, consumer)

	require.Eventually(t, func() bool {
		return consumer.State() == ChannelReady
	}, waitFor, 5*time.Millisecond)

	return &consumerHarness{dialer: dialer, bus: bus, consumer: consumer, run: r}
}

func (h *consumerHarness) channel() *fakeChannel {
	return h.dialer.last().channel()
}

func TestConsumerChannel_Subscribe(t *testing.T) {
	t.Run("queue, exchange and routing key", func(t *testing.T) {
		h := startConsumer(t)

		require.NoError(t, h.bus.Send(Consume{Topology: Topology{
			Queue:        "q",
			Exchange:     "ex",
			ExchangeType: ExchangeDirect,
			RoutingKey:   "rk",
		}}))

		ev := nextEvent(t, h.bus)
		assert.Equal(t, ConsumeOK{Key: "q|ex|rk", Queue: "q"}, ev)

		ch := h.channel()
		require.Equal(t, 1, ch.exchangeCount())
		assert.Equal(t, ExchangeDirect, ch.exchanges[0].Type)
		assert.Equal(t, []Binding{{Queue: "q", Exchange: "ex", RoutingKey: "rk"}}, ch.bindingList())
		assert.True(t, ch.isConsuming("q"))

		state, ok := h.consumer.SubscriptionState("q|ex|rk")
		require.True(t, ok)
		assert.Equal(t, SubscriptionConsuming, state)
	})

	t.Run("same topology twice binds once", func(t *testing.T) {
		h := startConsumer(t)
		topology := Topology{Queue: "q", Exchange: "ex", RoutingKey: "rk"}

		require.NoError(t, h.bus.Send(Consume{Topology: topology}))
		first := nextEvent(t, h.bus)
		require.NoError(t, h.bus.Send(Consume{Topology: topology}))
		second := nextEvent(t, h.bus)

		assert.Equal(t, first, second)
		assert.Len(t, h.channel().bindingList(), 1)
		assert.Len(t, h.channel().queueList(), 1)
	})

	t.Run("exchange only uses a server-named exclusive queue", func(t *testing.T) {
		h := startConsumer(t)

		require.NoError(t, h.bus.Send(Consume{Topology: Topology{Exchange: "news"}}))

		ev := nextEvent(t, h.bus)
		ok, isOK := ev.(ConsumeOK)
		require.True(t, isOK)
		assert.Equal(t, "news", ok.Key)
		assert.Equal(t, "amq.gen-1", ok.Queue)

		queues := h.channel().queueList()
		require.Len(t, queues, 1)
		assert.True(t, queues[0].Exclusive)
		assert.True(t, queues[0].AutoDelete)
		assert.Equal(t, ExchangeFanout, h.channel().exchanges[0].Type)
	})

	t.Run("queue only declares no exchange", func(t *testing.T) {
		h := startConsumer(t)

		require.NoError(t, h.bus.Send(Consume{Topology: Topology{Queue: "svc"}}))

		assert.Equal(t, ConsumeOK{Key: "svc", Queue: "svc"}, nextEvent(t, h.bus))
		assert.Equal(t, 0, h.channel().exchangeCount())
		assert.Empty(t, h.channel().bindingList())
	})

	t.Run("invalid topology is rejected", func(t *testing.T) {
		bus := NewCommandBus()
		defer bus.Close()
		consumer := NewConsumerChannel(bus, WithConsumerLogger(quietLogger()))

		consumer.HandleConsume(Topology{RoutingKey: "rk"})

		_, ok := consumer.SubscriptionState("rk")
		assert.False(t, ok)
	})
}

func TestConsumerChannel_Deliveries(t *testing.T) {
	t.Run("delivery becomes a ConsumedMessage and is acked", func(t *testing.T) {
		h := startConsumer(t)

		require.NoError(t, h.bus.Send(Consume{Topology: Topology{Queue: "svc"}}))
		nextEvent(t, h.bus)

		ch := h.channel()
		ch.deliver("svc", amqp.Delivery{
			DeliveryTag:   7,
			Exchange:      "",
			RoutingKey:    "svc",
			CorrelationId: "corr-9",
			ReplyTo:       "RPC-REPLY-abc",
			Body:          []byte("hello"),
		})

		ev := nextEvent(t, h.bus)
		assert.Equal(t, ConsumedMessage{
			SubscriptionKey: "svc",
			Queue:           "svc",
			RoutingKey:      "svc",
			CorrelationID:   "corr-9",
			ReplyTo:         "RPC-REPLY-abc",
			Body:            []byte("hello"),
		}, ev)

		require.Eventually(t, func() bool {
			return len(ch.ackList()) == 1
		}, waitFor, 5*time.Millisecond)
		assert.Equal(t, []uint64{7}, ch.ackList())
	})

	t.Run("subscriptions go back to pending when the connection closes", func(t *testing.T) {
		h := startConsumer(t)

		require.NoError(t, h.bus.Send(Consume{Topology: Topology{Queue: "svc"}}))
		nextEvent(t, h.bus)

		h.run.conn.Disconnect()
		require.NoError(t, h.run.wait(t))

		state, ok := h.consumer.SubscriptionState("svc")
		require.True(t, ok)
		assert.Equal(t, SubscriptionPending, state)
		assert.Equal(t, ChannelClosed, h.consumer.State())
	})
}

func TestConsumerChannel_ChannelException(t *testing.T) {
	refusal := &amqp.Error{
		Code:    amqp.PreconditionFailed,
		Reason:  "PRECONDITION_FAILED - inequivalent arg 'type' for exchange 'ex'",
		Server:  true,
		Recover: true,
	}

	dialer := &fakeDialer{}
	bus := NewCommandBus()
	consumer := NewConsumerChannel(bus, WithConsumerLogger(quietLogger()))
	r := runConnection(t, context.Background(), dialer, bus, consumer,
		WithReconnectPolicy(reliability.NewFixedDelay(10*time.Millisecond, 3)))
	require.Eventually(t, func() bool {
		return consumer.State() == ChannelReady
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, bus.Send(Consume{Topology: Topology{Queue: "svc"}}))
	assert.Equal(t, ConsumeOK{Key: "svc", Queue: "svc"}, nextEvent(t, bus))

	first := dialer.last().channel()
	first.mu.Lock()
	first.exchangeErr = refusal
	first.mu.Unlock()

	require.NoError(t, bus.Send(Consume{Topology: Topology{Queue: "q2", Exchange: "ex"}}))
	require.Eventually(t, func() bool {
		state, _ := consumer.SubscriptionState("q2|ex")
		return state == SubscriptionFailed
	}, waitFor, 5*time.Millisecond)

	first.shutdown(refusal)

	t.Run("every subscription stops with the channel", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return consumer.State() == ChannelClosed
		}, waitFor, 5*time.Millisecond)

		state, ok := consumer.SubscriptionState("svc")
		require.True(t, ok)
		assert.Equal(t, SubscriptionPending, state)
		state, ok = consumer.SubscriptionState("q2|ex")
		require.True(t, ok)
		assert.Equal(t, SubscriptionFailed, state)
		assert.Equal(t, StateOpen, r.conn.State())
		assert.Equal(t, 1, dialer.last().channelCount())
	})

	t.Run("the next connection replays all but the refused subscription", func(t *testing.T) {
		dialer.last().shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"})

		assert.Equal(t, ConsumeOK{Key: "svc", Queue: "svc"}, nextEvent(t, bus))
		require.Equal(t, 2, dialer.connCount())
		second := dialer.last().channel()
		assert.True(t, second.isConsuming("svc"))
		assert.False(t, second.isConsuming("q2"))

		state, _ := consumer.SubscriptionState("q2|ex")
		assert.Equal(t, SubscriptionFailed, state)
	})

	t.Run("subscribing again retries the refused subscription", func(t *testing.T) {
		require.NoError(t, bus.Send(Consume{Topology: Topology{Queue: "q2", Exchange: "ex"}}))

		assert.Equal(t, ConsumeOK{Key: "q2|ex", Queue: "q2"}, nextEvent(t, bus))
		assert.True(t, dialer.last().channel().isConsuming("q2"))
	})
}
