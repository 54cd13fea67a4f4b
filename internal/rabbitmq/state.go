package rabbitmq

// ConnectionState is the lifecycle state of a Connection
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ChannelState is the lifecycle state of a producer or consumer channel
type ChannelState int32

const (
	ChannelOpening ChannelState = iota
	ChannelOpen
	ChannelConfirmActivating
	ChannelReady
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	case ChannelConfirmActivating:
		return "confirm-activating"
	case ChannelReady:
		return "ready"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SubscriptionState tracks one subscription's setup sequence
type SubscriptionState int

const (
	SubscriptionPending SubscriptionState = iota
	SubscriptionDeclaring
	SubscriptionBinding
	SubscriptionStarting
	SubscriptionConsuming
	SubscriptionFailed
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionPending:
		return "pending"
	case SubscriptionDeclaring:
		return "declaring"
	case SubscriptionBinding:
		return "binding"
	case SubscriptionStarting:
		return "starting"
	case SubscriptionConsuming:
		return "consuming"
	case SubscriptionFailed:
		return "failed"
	default:
		return "unknown"
	}
}
