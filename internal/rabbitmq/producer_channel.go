package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rmq-client/internal/logging"
)

const (
	confirmBufferSize = 64
	publishTimeout    = 5 * time.Second
)

// ProducerChannel publishes Publish commands with broker confirmations.
// Delivery tags start at 1 on every channel and follow send order. A nacked
// publish is put back on the command bus; a publish that has used up its
// attempts is dropped.
type ProducerChannel struct {
	bus     *CommandBus
	logger  *slog.Logger
	confirm bool
	pending *PendingConfirms

	state     atomic.Int32
	confirmed atomic.Int64

	// owned by the loop
	conn     *Connection
	ch       Channel
	tag      uint64
	declared map[string]bool
	parked   []*Publish
}

// ProducerOption configures a ProducerChannel
type ProducerOption func(*ProducerChannel)

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *ProducerChannel) {
		p.logger = logger
	}
}

// WithConfirmMode turns broker publisher confirms on or off. On by default.
func WithConfirmMode(enabled bool) ProducerOption {
	return func(p *ProducerChannel) {
		p.confirm = enabled
	}
}

// NewProducerChannel creates the producer side of a connection
func NewProducerChannel(bus *CommandBus, options ...ProducerOption) *ProducerChannel {
	p := &ProducerChannel{
		bus:      bus,
		logger:   slog.Default(),
		confirm:  true,
		pending:  NewPendingConfirms(),
		declared: make(map[string]bool),
	}
	for _, opt := range options {
		opt(p)
	}
	p.logger = logging.Component(p.logger, "producer-channel")
	return p
}

// Role implements ChannelHandler
func (p *ProducerChannel) Role() string { return "producer" }

// State returns the channel state
func (p *ProducerChannel) State() ChannelState {
	return ChannelState(p.state.Load())
}

// Confirmed returns how many publishes the broker has acked
func (p *ProducerChannel) Confirmed() int64 {
	return p.confirmed.Load()
}

// Pending returns how many publishes await a confirmation
func (p *ProducerChannel) Pending() int {
	return p.pending.Len()
}

// ConfirmModeActive reports whether the current channel is ready and has
// publisher confirms on.
func (p *ProducerChannel) ConfirmModeActive() bool {
	return p.confirm && p.State() == ChannelReady
}

// OnOpen implements ChannelHandler
func (p *ProducerChannel) OnOpen(conn *Connection) {
	p.conn = conn
	p.setState(ChannelOpening)
}

// OnChannelOpen implements ChannelHandler
func (p *ProducerChannel) OnChannelOpen(ch Channel, ready func()) {
	p.ch = ch
	p.tag = 0
	p.declared = make(map[string]bool)
	p.setState(ChannelOpen)

	if p.confirm {
		p.setState(ChannelConfirmActivating)
		confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmBufferSize))
		go p.forwardConfirms(ch, confirms)

		if err := ch.Confirm(false); err != nil {
			p.logger.Error("failed to activate confirm mode", "error", &ChannelError{
				Op:        "confirm",
				Role:      p.Role(),
				Err:       fmt.Errorf("%w: %v", ErrConfirmModeFailed, err),
				Timestamp: time.Now(),
			})
			p.ch = nil
			p.setState(ChannelClosed)
			return
		}
		p.logger.Debug("confirm mode activated")
		p.emit(ConfirmModeOK{})
	}

	p.setState(ChannelReady)
	ready()
	p.flushParked()
}

// OnChannelClosed implements ChannelHandler. Publishes awaiting a
// confirmation on the closed channel are lost.
func (p *ProducerChannel) OnChannelClosed(err *amqp.Error) {
	p.ch = nil
	p.setState(ChannelClosed)
	if lost := p.pending.Reset(); lost > 0 {
		p.logger.Warn("unconfirmed publishes lost with channel", "count", lost)
	}
}

// OnClosed implements ChannelHandler
func (p *ProducerChannel) OnClosed() {
	p.ch = nil
	p.setState(ChannelClosed)
	if lost := p.pending.Reset(); lost > 0 {
		p.logger.Warn("unconfirmed publishes lost with connection", "count", lost)
	}
	if n := len(p.parked); n > 0 {
		p.logger.Info("publishes parked until the next channel", "count", n)
	}
}

// HandleCommand implements ChannelHandler
func (p *ProducerChannel) HandleCommand(cmd Command) {
	switch cmd := cmd.(type) {
	case *Publish:
		p.HandlePublish(cmd)
	default:
		p.logger.Warn("ignoring command", "error", ErrUnknownCommand, "type", fmt.Sprintf("%T", cmd))
	}
}

// HandlePublish runs one pass of the publish protocol for pub. It must be
// called on the event loop.
func (p *ProducerChannel) HandlePublish(pub *Publish) {
	if pub.Exhausted() {
		logging.Critical(p.logger, "publish dropped",
			"error", &PublishError{
				Key:        pub.Key,
				Exchange:   pub.Exchange,
				RoutingKey: pub.RoutingKey,
				Attempts:   pub.Attempts,
				Err:        ErrMaxAttemptsExceeded,
				Timestamp:  time.Now(),
			})
		p.emit(PublishConfirmation{Key: pub.Key, Attempts: pub.Attempts, Dropped: true})
		return
	}

	if p.State() != ChannelReady || p.ch == nil {
		p.parked = append(p.parked, pub)
		return
	}

	if !pub.SkipDeclare() && !p.declared[pub.Exchange] {
		kind := pub.ExchangeType
		if kind == "" {
			kind = ExchangeFanout
		}
		if err := declareExchange(p.ch, ExchangeDeclaration{Name: pub.Exchange, Type: kind}); err != nil {
			if errors.Is(err, amqp.ErrClosed) {
				p.parked = append(p.parked, pub)
				return
			}
			p.logger.Warn("exchange declare failed, resubmitting", "key", pub.Key, "error", err)
			p.resubmit(pub.Attempt())
			return
		}
		p.declared[pub.Exchange] = true
	}

	p.publish(pub)
}

func (p *ProducerChannel) publish(pub *Publish) {
	p.tag++
	tag := p.tag
	if p.confirm {
		p.pending.Put(tag, pub.Attempt())
	} else {
		pub.Attempt()
	}

	msg := amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Transient,
		MessageId:    pub.Key,
		Timestamp:    time.Now(),
		Body:         pub.Payload,
	}
	if pub.ReplyTo != "" {
		msg.ReplyTo = pub.ReplyTo
	}
	if pub.CorrelationID != "" {
		msg.CorrelationId = pub.CorrelationID
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.ch.PublishWithContext(ctx, pub.Exchange, pub.RoutingKey, false, false, msg); err != nil {
		p.tag--
		p.pending.Pop(tag)
		if errors.Is(err, amqp.ErrClosed) {
			pub.Attempts--
			p.parked = append(p.parked, pub)
			return
		}
		p.logger.Warn("publish failed, resubmitting", "error", &PublishError{
			Key:        pub.Key,
			Exchange:   pub.Exchange,
			RoutingKey: pub.RoutingKey,
			Attempts:   pub.Attempts,
			Err:        err,
			Timestamp:  time.Now(),
		})
		p.resubmit(pub)
		return
	}

	p.logger.Debug("published",
		"key", pub.Key,
		"tag", tag,
		"exchange", pub.Exchange,
		"routing_key", pub.RoutingKey,
		"attempt", pub.Attempts,
		"pending", p.pending.Len())
}

func (p *ProducerChannel) forwardConfirms(ch Channel, confirms <-chan amqp.Confirmation) {
	for confirmation := range confirms {
		confirmation := confirmation
		if err := p.conn.Post(func() { p.onDeliveryConfirmed(ch, confirmation) }); err != nil {
			return
		}
	}
}

func (p *ProducerChannel) onDeliveryConfirmed(ch Channel, confirmation amqp.Confirmation) {
	if ch != p.ch {
		return
	}

	pub, ok := p.pending.Pop(confirmation.DeliveryTag)
	if !ok {
		p.logger.Warn("confirmation for unknown delivery tag", "tag", confirmation.DeliveryTag)
		return
	}

	if !confirmation.Ack {
		p.logger.Warn("publish nacked, resubmitting",
			"key", pub.Key,
			"tag", confirmation.DeliveryTag,
			"attempts", pub.Attempts,
			"error", ErrPublishNacked)
		p.emit(PublishConfirmation{Key: pub.Key, Attempts: pub.Attempts, Retrying: true})
		p.resubmit(pub)
		return
	}

	p.confirmed.Add(1)
	p.logger.Debug("publish confirmed", "key", pub.Key, "tag", confirmation.DeliveryTag)
	p.emit(PublishConfirmation{Key: pub.Key, Ack: true, Attempts: pub.Attempts})
}

func (p *ProducerChannel) resubmit(pub *Publish) {
	if err := p.bus.Send(pub); err != nil {
		p.logger.Warn("cannot resubmit publish", "key", pub.Key, "error", err)
	}
}

func (p *ProducerChannel) flushParked() {
	parked := p.parked
	p.parked = nil
	for _, pub := range parked {
		p.HandlePublish(pub)
	}
}

func (p *ProducerChannel) emit(ev Event) {
	if err := p.bus.Emit(ev); err != nil {
		p.logger.Debug("event dropped", "error", err, "type", fmt.Sprintf("%T", ev))
	}
}

func (p *ProducerChannel) setState(s ChannelState) {
	p.state.Store(int32(s))
}
