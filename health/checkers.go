package health

import (
	"context"
	"fmt"
	"time"

	rmqclient "github.com/glimte/rmq-client"
)

// StateSource is anything with a connection state, such as a Producer or
// a Consumer.
type StateSource interface {
	State() rmqclient.ConnectionState
}

// channelSource is implemented by sources that also know whether their
// channel is usable
type channelSource interface {
	ChannelReady() bool
}

// ConnectionChecker reports a connection's lifecycle state. Connecting, or
// open without a usable channel, is degraded; anything but open or
// connecting is unhealthy.
type ConnectionChecker struct {
	name   string
	source StateSource
}

// NewConnectionChecker creates a checker for source
func NewConnectionChecker(name string, source StateSource) *ConnectionChecker {
	return &ConnectionChecker{name: name, source: source}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.source.State()

	result := CheckResult{
		Name:      c.name,
		Timestamp: start,
		Details:   map[string]any{"state": state.String()},
	}
	switch state {
	case rmqclient.StateOpen:
		result.Status = StatusHealthy
		result.Message = "connection is open"
		if cs, ok := c.source.(channelSource); ok {
			ready := cs.ChannelReady()
			result.Details["channel_ready"] = ready
			if !ready {
				result.Status = StatusDegraded
				result.Message = "connection is open but its channel is not"
			}
		}
	case rmqclient.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "connection is being established"
	default:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("connection is %s", state)
	}
	result.Duration = time.Since(start)
	return result
}

// ConfirmBacklogChecker watches how many publishes await a broker
// confirmation.
type ConfirmBacklogChecker struct {
	producer          *rmqclient.Producer
	warningThreshold  int
	criticalThreshold int
}

// NewConfirmBacklogChecker creates a checker that is degraded at warning
// pending confirms and unhealthy at critical.
func NewConfirmBacklogChecker(producer *rmqclient.Producer, warning, critical int) *ConfirmBacklogChecker {
	return &ConfirmBacklogChecker{
		producer:          producer,
		warningThreshold:  warning,
		criticalThreshold: critical,
	}
}

func (c *ConfirmBacklogChecker) Name() string {
	return "confirms"
}

func (c *ConfirmBacklogChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.producer.Pending()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"pending":      pending,
			"confirmed":    c.producer.Confirmed(),
			"confirm_mode": c.producer.ConfirmModeActive(),
		},
	}
	switch {
	case pending >= c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("confirm backlog is critical: %d pending", pending)
	case pending >= c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("confirm backlog is high: %d pending", pending)
	default:
		result.Status = StatusHealthy
		result.Message = "confirm backlog is normal"
	}
	result.Duration = time.Since(start)
	return result
}

// ReadinessChecker is degraded until ready reports true
type ReadinessChecker struct {
	name  string
	ready func() bool
}

// NewReadinessChecker creates a checker named name around ready
func NewReadinessChecker(name string, ready func() bool) *ReadinessChecker {
	return &ReadinessChecker{name: name, ready: ready}
}

func (c *ReadinessChecker) Name() string {
	return c.name
}

func (c *ReadinessChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Name: c.name, Timestamp: start}
	if c.ready() {
		result.Status = StatusHealthy
		result.Message = "ready"
	} else {
		result.Status = StatusDegraded
		result.Message = "not ready"
	}
	result.Duration = time.Since(start)
	return result
}

// Backlog thresholds used by ForClient
const (
	DefaultBacklogWarning  = 100
	DefaultBacklogCritical = 1000
)

// ForClient returns a registry checking both of client's connections and
// its confirm backlog.
func ForClient(client *rmqclient.Client) *Registry {
	registry := NewRegistry()
	registry.Register(NewConnectionChecker("producer", client.Producer()))
	registry.Register(NewConnectionChecker("consumer", client.Consumer()))
	registry.Register(NewConfirmBacklogChecker(client.Producer(), DefaultBacklogWarning, DefaultBacklogCritical))
	return registry
}
