package rmqclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rmq-client/internal/rabbitmq"
	"github.com/glimte/rmq-client/internal/rabbitmq/rabbitmqtest"
)

type recordingObserver struct {
	mu            sync.Mutex
	activated     int
	confirmations []PublishConfirmation
}

func (o *recordingObserver) OnConfirmModeActivated() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.activated++
}

func (o *recordingObserver) OnPublishConfirmation(c PublishConfirmation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.confirmations = append(o.confirmations, c)
}

func (o *recordingObserver) snapshot() (int, []PublishConfirmation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.activated, append([]PublishConfirmation(nil), o.confirmations...)
}

func (o *recordingObserver) last() (PublishConfirmation, bool) {
	_, all := o.snapshot()
	if len(all) == 0 {
		return PublishConfirmation{}, false
	}
	return all[len(all)-1], true
}

func runProducer(t *testing.T, dialer Dialer, options ...ClientOption) *Producer {
	t.Helper()
	options = append([]ClientOption{WithLogger(quietLogger())}, options...)
	producer := NewProducer(dialer, options...)
	go func() { _ = producer.Run(context.Background()) }()
	t.Cleanup(producer.Stop)
	return producer
}

func TestProducer_Confirms(t *testing.T) {
	t.Run("observer sees confirm mode and acks", func(t *testing.T) {
		observer := &recordingObserver{}
		producer := runProducer(t, rabbitmqtest.NewBroker(), WithConfirmObserver(observer))

		require.Eventually(t, producer.ConfirmModeActive, waitFor, tick)

		var keys []string
		for i := 0; i < 3; i++ {
			key, err := producer.Publish(PublishParams{Exchange: "events"}, []byte("x"))
			require.NoError(t, err)
			keys = append(keys, key)
		}

		require.Eventually(t, func() bool {
			_, all := observer.snapshot()
			return len(all) == 3
		}, waitFor, tick)

		activated, all := observer.snapshot()
		assert.Equal(t, 1, activated)
		for i, c := range all {
			assert.Equal(t, keys[i], c.Key)
			assert.True(t, c.Ack)
			assert.Equal(t, 1, c.Attempts)
		}
		assert.Equal(t, int64(3), producer.Confirmed())
		assert.Equal(t, 0, producer.Pending())
	})

	t.Run("nacked publish is retried until acked", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		observer := &recordingObserver{}
		producer := runProducer(t, broker, WithConfirmObserver(observer))
		require.Eventually(t, producer.ConfirmModeActive, waitFor, tick)

		broker.NackNext(2)
		key, err := producer.Publish(PublishParams{Exchange: "events"}, []byte("x"))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			c, ok := observer.last()
			return ok && c.Ack
		}, waitFor, tick)

		_, all := observer.snapshot()
		require.Len(t, all, 3)
		assert.True(t, all[0].Retrying)
		assert.True(t, all[1].Retrying)
		assert.Equal(t, PublishConfirmation{Key: key, Ack: true, Attempts: 3}, all[2])
		assert.Equal(t, 3, broker.Published())
	})

	t.Run("publish out of attempts is dropped", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		observer := &recordingObserver{}
		producer := runProducer(t, broker, WithConfirmObserver(observer), WithMaxAttempts(0))
		require.Eventually(t, producer.ConfirmModeActive, waitFor, tick)

		broker.NackNext(1)
		_, err := producer.Publish(PublishParams{Exchange: "events"}, []byte("x"))
		require.NoError(t, err)

		require.Eventually(t, func() bool {
			c, ok := observer.last()
			return ok && c.Dropped
		}, waitFor, tick)
		assert.Equal(t, 1, broker.Published())
		assert.Equal(t, int64(0), producer.Confirmed())
	})

	t.Run("without confirm mode nothing is tracked", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		producer := runProducer(t, broker, WithConfirmMode(false))
		require.Eventually(t, func() bool { return producer.State() == rabbitmq.StateOpen }, waitFor, tick)

		_, err := producer.Publish(PublishParams{Exchange: "events"}, []byte("x"))
		require.NoError(t, err)

		require.Eventually(t, func() bool { return broker.Published() == 1 }, waitFor, tick)
		assert.False(t, producer.ConfirmModeActive())
		assert.Equal(t, 0, producer.Pending())
	})
}

func TestProducer_Lifecycle(t *testing.T) {
	t.Run("publishes queued before connecting are sent", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		producer := NewProducer(broker, WithLogger(quietLogger()))
		defer producer.Stop()

		_, err := producer.Publish(PublishParams{Exchange: "events"}, []byte("early"))
		require.NoError(t, err)

		go func() { _ = producer.Run(context.Background()) }()
		require.Eventually(t, func() bool { return producer.Confirmed() == 1 }, waitFor, tick)
	})

	t.Run("Stop without Run closes the bus", func(t *testing.T) {
		producer := NewProducer(rabbitmqtest.NewBroker(), WithLogger(quietLogger()))
		producer.Stop()

		_, err := producer.Command("jobs", []byte("x"))
		assert.ErrorIs(t, err, rabbitmq.ErrBusClosed)
	})

	t.Run("Run twice fails", func(t *testing.T) {
		producer := runProducer(t, rabbitmqtest.NewBroker())
		require.Eventually(t, func() bool { return producer.State() == rabbitmq.StateOpen }, waitFor, tick)
		assert.ErrorIs(t, producer.Run(context.Background()), rabbitmq.ErrAlreadyConnected)
	})

	t.Run("Stop returns within the join timeout", func(t *testing.T) {
		producer := runProducer(t, rabbitmqtest.NewBroker())
		require.Eventually(t, func() bool { return producer.State() == rabbitmq.StateOpen }, waitFor, tick)

		start := time.Now()
		producer.Stop()
		assert.Less(t, time.Since(start), stopTimeout)
		assert.NoError(t, producer.Wait())
		assert.Equal(t, rabbitmq.StateClosed, producer.State())
	})
}

func TestProducer_Observe(t *testing.T) {
	producer := runProducer(t, rabbitmqtest.NewBroker())
	require.Eventually(t, producer.ConfirmModeActive, waitFor, tick)

	seen := make(chan PublishConfirmation, 1)
	producer.Observe(func(c PublishConfirmation) { seen <- c })

	key, err := producer.Command("jobs", []byte("x"))
	require.NoError(t, err)

	select {
	case c := <-seen:
		assert.Equal(t, key, c.Key)
		assert.True(t, c.Ack)
	case <-time.After(waitFor):
		t.Fatal("confirmation not observed")
	}
}
