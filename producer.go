package rmqclient

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/glimte/rmq-client/internal/rabbitmq"
)

// PublishParams addresses a publish
type PublishParams struct {
	Exchange     string
	ExchangeType string
	RoutingKey   string
}

// Producer publishes messages over its own connection. Publishing never
// blocks: every call only queues a command for the connection.
type Producer struct {
	*endpoint
	channel     *rabbitmq.ProducerChannel
	observer    ConfirmObserver
	maxAttempts int

	mu        sync.Mutex
	callbacks []func(PublishConfirmation)
}

// NewProducer creates a producer that connects through dialer
func NewProducer(dialer Dialer, options ...ClientOption) *Producer {
	return newProducer(dialer, newClientConfig(options))
}

func newProducer(dialer Dialer, cfg *clientConfig) *Producer {
	bus := rabbitmq.NewCommandBus()
	channel := rabbitmq.NewProducerChannel(bus,
		rabbitmq.WithProducerLogger(cfg.logger),
		rabbitmq.WithConfirmMode(cfg.confirmMode),
	)
	p := &Producer{
		channel:     channel,
		observer:    cfg.observer,
		maxAttempts: cfg.maxAttempts,
	}
	p.endpoint = newEndpoint("producer", dialer, bus, channel, cfg)
	return p
}

// Run connects and blocks until the producer is stopped, ctx is cancelled
// or the connection is lost for good.
func (p *Producer) Run(ctx context.Context) error {
	return p.run(ctx, p.handleEvent)
}

// Stop disconnects and waits for Run to return. Publishes that were not
// confirmed yet are lost.
func (p *Producer) Stop() {
	p.stop()
}

// Wait blocks until Run has returned and returns its result
func (p *Producer) Wait() error {
	return p.wait()
}

// State returns the connection state
func (p *Producer) State() ConnectionState {
	return p.state()
}

// ConfirmModeActive reports whether the broker confirms publishes on the
// current channel. It is false while no channel is open.
func (p *Producer) ConfirmModeActive() bool {
	return p.channel.ConfirmModeActive()
}

// ChannelReady reports whether the producer channel accepts publishes
func (p *Producer) ChannelReady() bool {
	return p.channel.State() == rabbitmq.ChannelReady
}

// Confirmed returns how many publishes the broker has acked
func (p *Producer) Confirmed() int64 {
	return p.channel.Confirmed()
}

// Pending returns how many publishes await a confirmation
func (p *Producer) Pending() int {
	return p.channel.Pending()
}

// Observe registers fn for every publish confirmation. fn runs on the
// producer's dispatcher goroutine.
func (p *Producer) Observe(fn func(PublishConfirmation)) {
	p.mu.Lock()
	p.callbacks = append(p.callbacks, fn)
	p.mu.Unlock()
}

// Publish queues payload for the exchange in params and returns the key
// confirmations for it are reported under.
func (p *Producer) Publish(params PublishParams, payload []byte) (string, error) {
	if params.Exchange == "" {
		return "", errors.New("producer: publish needs an exchange")
	}
	return p.submit(&rabbitmq.Publish{
		Exchange:     params.Exchange,
		ExchangeType: params.ExchangeType,
		RoutingKey:   params.RoutingKey,
		Payload:      payload,
	})
}

// Command queues payload for the named command queue
func (p *Producer) Command(queue string, payload []byte) (string, error) {
	if queue == "" {
		return "", errors.New("producer: command needs a queue")
	}
	return p.submit(&rabbitmq.Publish{RoutingKey: queue, Payload: payload})
}

// RPCRequest queues a request for the RPC server consuming receiver
func (p *Producer) RPCRequest(receiver string, message []byte, correlationID, replyTo string) error {
	_, err := p.submit(&rabbitmq.Publish{
		RoutingKey:    receiver,
		Payload:       message,
		CorrelationID: correlationID,
		ReplyTo:       replyTo,
	})
	return err
}

// RPCResponse queues the reply to a request
func (p *Producer) RPCResponse(receiver string, message []byte, correlationID string) error {
	_, err := p.submit(&rabbitmq.Publish{
		RoutingKey:    receiver,
		Payload:       message,
		CorrelationID: correlationID,
	})
	return err
}

func (p *Producer) submit(pub *rabbitmq.Publish) (string, error) {
	pub.Key = uuid.NewString()
	pub.MaxAttempts = p.maxAttempts
	if err := p.send(pub); err != nil {
		return "", err
	}
	return pub.Key, nil
}

func (p *Producer) handleEvent(ev rabbitmq.Event) {
	switch ev := ev.(type) {
	case rabbitmq.ConfirmModeOK:
		if p.observer != nil {
			p.observer.OnConfirmModeActivated()
		}
	case rabbitmq.PublishConfirmation:
		if p.observer != nil {
			p.observer.OnPublishConfirmation(ev)
		}
		p.mu.Lock()
		callbacks := p.callbacks
		p.mu.Unlock()
		for _, fn := range callbacks {
			fn(ev)
		}
	default:
		p.logger.Debug("ignoring event", "event", ev)
	}
}
