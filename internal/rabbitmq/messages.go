package rabbitmq

// DefaultMaxAttempts is how many times a publish may be re-attempted after a
// negative acknowledgement before it is dropped.
const DefaultMaxAttempts = 3

// Exchange types
const (
	ExchangeFanout = "fanout"
	ExchangeDirect = "direct"
	ExchangeTopic  = "topic"
)

// Command is work sent from the controlling side into a connection.
type Command interface {
	isCommand()
}

// Event is an outcome reported by a connection to the controlling side.
type Event interface {
	isEvent()
}

// Publish is a unit of outbound work. Attempts only grows; once it exceeds
// MaxAttempts the publish is dropped instead of sent.
type Publish struct {
	Key           string
	Payload       []byte
	Exchange      string
	ExchangeType  string
	RoutingKey    string
	ReplyTo       string
	CorrelationID string
	Attempts      int
	MaxAttempts   int
}

func (*Publish) isCommand() {}

// Attempt records one more attempt and returns the publish.
func (p *Publish) Attempt() *Publish {
	p.Attempts++
	return p
}

// Exhausted reports whether the publish has used up its attempts.
func (p *Publish) Exhausted() bool {
	return p.Attempts > p.MaxAttempts
}

// SkipDeclare reports whether the target exchange is assumed to exist.
// RPC traffic and the default exchange are never declared.
func (p *Publish) SkipDeclare() bool {
	return p.ReplyTo != "" || p.CorrelationID != "" || p.Exchange == ""
}

// Consume asks the consumer channel to set up a subscription.
type Consume struct {
	Topology Topology
}

func (Consume) isCommand() {}

// ConsumedMessage is an inbound delivery handed to the application.
type ConsumedMessage struct {
	SubscriptionKey string
	Queue           string
	Exchange        string
	RoutingKey      string
	CorrelationID   string
	ReplyTo         string
	Body            []byte
}

func (ConsumedMessage) isEvent() {}

// ConsumeOK reports that a subscription is consuming.
type ConsumeOK struct {
	Key   string
	Queue string
}

func (ConsumeOK) isEvent() {}

// ConfirmModeOK reports that the producer channel activated confirm mode.
type ConfirmModeOK struct{}

func (ConfirmModeOK) isEvent() {}

// PublishConfirmation reports the broker's verdict on one publish attempt.
type PublishConfirmation struct {
	Key      string
	Ack      bool
	Attempts int
	// Retrying is set when a nack caused the publish to be re-submitted.
	Retrying bool
	// Dropped is set when the publish ran out of attempts.
	Dropped bool
}

func (PublishConfirmation) isEvent() {}
