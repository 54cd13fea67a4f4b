package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is the subset of *amqp.Connection the lifecycle needs.
type Conn interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel the channel state machines need.
// *amqp.Channel satisfies it as is.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Ack(tag uint64, multiple bool) error
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// AMQPDialer dials a RabbitMQ broker through amqp091-go.
type AMQPDialer struct {
	URL            string
	ConnectionName string
	Heartbeat      time.Duration
	Timeout        time.Duration
}

// DialerOption configures an AMQPDialer
type DialerOption func(*AMQPDialer)

// WithConnectionName sets the connection name reported to the broker
func WithConnectionName(name string) DialerOption {
	return func(d *AMQPDialer) {
		d.ConnectionName = name
	}
}

// WithHeartbeat sets the heartbeat interval
func WithHeartbeat(heartbeat time.Duration) DialerOption {
	return func(d *AMQPDialer) {
		d.Heartbeat = heartbeat
	}
}

// WithDialTimeout bounds how long a single dial may take
func WithDialTimeout(timeout time.Duration) DialerOption {
	return func(d *AMQPDialer) {
		d.Timeout = timeout
	}
}

// NewAMQPDialer creates a dialer for the given broker URL
func NewAMQPDialer(url string, options ...DialerOption) *AMQPDialer {
	d := &AMQPDialer{
		URL:       url,
		Heartbeat: 10 * time.Second,
		Timeout:   30 * time.Second,
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Dial implements Dialer
func (d *AMQPDialer) Dial(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	config := amqp.Config{
		Heartbeat:  d.Heartbeat,
		Locale:     "en_US",
		Properties: amqp.NewConnectionProperties(),
	}
	if d.ConnectionName != "" {
		config.Properties.SetClientConnectionName(d.ConnectionName)
	}

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(d.URL, config)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return &amqpConnection{Connection: conn}, nil

	case err := <-errChan:
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(d.URL),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}

	case <-dialCtx.Done():
		// a late connection is closed once it arrives
		go func() {
			select {
			case conn := <-connChan:
				conn.Close()
			case <-errChan:
			}
		}()
		return nil, &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(d.URL),
			Err:       ErrConnectionTimeout,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
