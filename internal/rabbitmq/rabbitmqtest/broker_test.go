package rabbitmqtest

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rmq-client/internal/rabbitmq"
)

func openChannel(t *testing.T, b *Broker) (rabbitmq.Conn, rabbitmq.Channel) {
	t.Helper()
	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	ch, err := conn.Channel()
	require.NoError(t, err)
	return conn, ch
}

func closeReason(t *testing.T, closed <-chan *amqp.Error) *amqp.Error {
	t.Helper()
	select {
	case err := <-closed:
		return err
	case <-time.After(time.Second):
		t.Fatal("channel close not notified")
		return nil
	}
}

func TestBroker_ChannelExceptions(t *testing.T) {
	t.Run("redeclaring an exchange with another type closes the channel", func(t *testing.T) {
		b := NewBroker()
		conn, ch := openChannel(t, b)
		closed := ch.NotifyClose(make(chan *amqp.Error, 1))

		require.NoError(t, ch.ExchangeDeclare("events", rabbitmq.ExchangeFanout, false, false, false, false, nil))
		err := ch.ExchangeDeclare("events", rabbitmq.ExchangeDirect, false, false, false, false, nil)

		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.PreconditionFailed, amqpErr.Code)
		assert.True(t, amqpErr.Recover)

		assert.Equal(t, amqpErr, closeReason(t, closed))
		assert.ErrorIs(t, ch.QueueBind("q", "", "events", false, nil), amqp.ErrClosed)
		assert.False(t, conn.IsClosed())

		kind, ok := b.ExchangeType("events")
		require.True(t, ok)
		assert.Equal(t, rabbitmq.ExchangeFanout, kind)
	})

	t.Run("a second consumer on a queue is refused", func(t *testing.T) {
		b := NewBroker()
		_, first := openChannel(t, b)
		_, second := openChannel(t, b)
		closed := second.NotifyClose(make(chan *amqp.Error, 1))

		_, err := first.QueueDeclare("svc", false, false, false, false, nil)
		require.NoError(t, err)
		_, err = first.Consume("svc", "", false, true, false, false, nil)
		require.NoError(t, err)

		_, err = second.Consume("svc", "", false, true, false, false, nil)
		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.AccessRefused, amqpErr.Code)
		assert.Equal(t, amqp.AccessRefused, closeReason(t, closed).Code)

		_, err = first.QueueDeclare("svc", false, false, false, false, nil)
		assert.NoError(t, err)
	})

	t.Run("publishing to a missing exchange closes the channel", func(t *testing.T) {
		b := NewBroker()
		_, ch := openChannel(t, b)
		closed := ch.NotifyClose(make(chan *amqp.Error, 1))

		err := ch.PublishWithContext(context.Background(), "nowhere", "", false, false, amqp.Publishing{Body: []byte("x")})
		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.NotFound, amqpErr.Code)
		assert.Equal(t, amqp.NotFound, closeReason(t, closed).Code)
		assert.Equal(t, 0, b.Published())
	})

	t.Run("channels opened are counted", func(t *testing.T) {
		b := NewBroker()
		conn, _ := openChannel(t, b)
		_, err := conn.Channel()
		require.NoError(t, err)
		assert.Equal(t, 2, b.ChannelsOpened())
	})
}
