package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/rmq-client/internal/logging"
	"github.com/glimte/rmq-client/internal/rabbitmq"
)

// ReplyQueuePrefix prefixes the private reply queue of an RPC client.
const ReplyQueuePrefix = "RPC-REPLY-"

// DefaultCallTimeout bounds how long Call waits for a reply.
const DefaultCallTimeout = 2 * time.Second

// DefaultReply is returned in place of a reply when a call gets no answer.
var DefaultReply = []byte("NONE")

var (
	ErrRPCTimeout          = errors.New("rpc: timed out waiting for reply")
	ErrRPCClientNotEnabled = errors.New("rpc: client not enabled")
)

// RequestPublisher sends RPC requests and replies. Both go through the
// default exchange, routed by queue name.
type RequestPublisher interface {
	RPCRequest(receiver string, message []byte, correlationID, replyTo string) error
	RPCResponse(receiver string, message []byte, correlationID string) error
}

// QueueConsumer consumes the RPC queues. The returned key identifies the
// subscription for IsConsumerReady.
type QueueConsumer interface {
	RPCServer(queue string, handler func(rabbitmq.ConsumedMessage)) (string, error)
	RPCClient(queue string, handler func(rabbitmq.ConsumedMessage)) (string, error)
	IsConsumerReady(key string) bool
}

// pendingResponse is the slot a caller waits on. It is filled at most once.
type pendingResponse struct {
	done    chan struct{}
	once    sync.Once
	payload []byte
}

func newPendingResponse() *pendingResponse {
	return &pendingResponse{done: make(chan struct{})}
}

func (p *pendingResponse) resolve(payload []byte) {
	p.once.Do(func() {
		p.payload = payload
		close(p.done)
	})
}

// RPCHandler layers request/reply on top of a producer and a consumer.
// Requests and replies are matched by correlation id.
type RPCHandler struct {
	consumer QueueConsumer
	producer RequestPublisher
	logger   *slog.Logger
	timeout  time.Duration

	mu              sync.Mutex
	requestQueue    string
	serverKey       string
	requestCallback func([]byte) []byte
	responseQueue   string
	clientKey       string
	pending         map[string]*pendingResponse
}

// RPCOption configures an RPCHandler
type RPCOption func(*RPCHandler)

// WithRPCLogger sets the logger
func WithRPCLogger(logger *slog.Logger) RPCOption {
	return func(h *RPCHandler) {
		h.logger = logger
	}
}

// WithCallTimeout sets how long Call waits for a reply
func WithCallTimeout(timeout time.Duration) RPCOption {
	return func(h *RPCHandler) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

// NewRPCHandler creates a handler using consumer and producer
func NewRPCHandler(consumer QueueConsumer, producer RequestPublisher, options ...RPCOption) *RPCHandler {
	h := &RPCHandler{
		consumer: consumer,
		producer: producer,
		logger:   slog.Default(),
		timeout:  DefaultCallTimeout,
		pending:  make(map[string]*pendingResponse),
	}
	for _, opt := range options {
		opt(h)
	}
	h.logger = logging.Component(h.logger, "rpc")
	return h
}

// EnableRPCServer starts serving requests on queue. callback's return value
// is sent back as the reply. Only the first call has an effect.
func (h *RPCHandler) EnableRPCServer(queue string, callback func([]byte) []byte) error {
	if queue == "" || callback == nil {
		return fmt.Errorf("rpc: server needs a queue and a callback")
	}

	h.mu.Lock()
	if h.requestQueue != "" {
		existing := h.requestQueue
		h.mu.Unlock()
		h.logger.Warn("RPC server already enabled, ignoring", "queue", queue, "serving", existing)
		return nil
	}
	h.requestQueue = queue
	h.requestCallback = callback
	h.mu.Unlock()

	key, err := h.consumer.RPCServer(queue, h.HandleRPCRequest)
	if err != nil {
		h.mu.Lock()
		h.requestQueue = ""
		h.requestCallback = nil
		h.mu.Unlock()
		return fmt.Errorf("rpc: enable server on %s: %w", queue, err)
	}

	h.mu.Lock()
	h.serverKey = key
	h.mu.Unlock()

	h.logger.Info("RPC server enabled", "queue", queue)
	return nil
}

// IsRPCServerReady reports whether the request queue is being consumed
func (h *RPCHandler) IsRPCServerReady() bool {
	h.mu.Lock()
	key := h.serverKey
	h.mu.Unlock()

	if key == "" {
		return false
	}
	return h.consumer.IsConsumerReady(key)
}

// EnableRPCClient creates the private reply queue. Calling it again does
// nothing.
func (h *RPCHandler) EnableRPCClient() error {
	h.mu.Lock()
	if h.responseQueue != "" {
		h.mu.Unlock()
		return nil
	}
	queue := ReplyQueuePrefix + newToken()
	h.responseQueue = queue
	h.mu.Unlock()

	key, err := h.consumer.RPCClient(queue, h.HandleRPCResponse)
	if err != nil {
		h.mu.Lock()
		h.responseQueue = ""
		h.mu.Unlock()
		return fmt.Errorf("rpc: enable client: %w", err)
	}

	h.mu.Lock()
	h.clientKey = key
	h.mu.Unlock()

	h.logger.Info("RPC client enabled", "reply_queue", queue)
	return nil
}

// IsRPCClientReady reports whether the reply queue is being consumed
func (h *RPCHandler) IsRPCClientReady() bool {
	h.mu.Lock()
	key := h.clientKey
	h.mu.Unlock()

	if key == "" {
		return false
	}
	return h.consumer.IsConsumerReady(key)
}

// ReplyQueue returns the client's reply queue, or "" if the client is not
// enabled.
func (h *RPCHandler) ReplyQueue() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.responseQueue
}

// Pending returns the number of calls waiting for a reply
func (h *RPCHandler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Call sends message to the RPC server listening on receiver and waits for
// its reply. When no reply arrives within the call timeout it returns
// DefaultReply and ErrRPCTimeout.
func (h *RPCHandler) Call(ctx context.Context, receiver string, message []byte) ([]byte, error) {
	h.mu.Lock()
	replyTo := h.responseQueue
	if replyTo == "" {
		h.mu.Unlock()
		return DefaultReply, ErrRPCClientNotEnabled
	}
	correlationID := newToken()
	slot := newPendingResponse()
	h.pending[correlationID] = slot
	h.mu.Unlock()

	if err := h.producer.RPCRequest(receiver, message, correlationID, replyTo); err != nil {
		h.take(correlationID)
		return DefaultReply, fmt.Errorf("rpc: request to %s: %w", receiver, err)
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case <-slot.done:
		h.logger.Debug("RPC reply received", "receiver", receiver, "correlation_id", correlationID)
		return slot.payload, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if _, ok := h.take(correlationID); !ok {
		// the reply won the race for the entry and is about to fill the slot
		<-slot.done
		return slot.payload, nil
	}

	if err := ctx.Err(); err != nil {
		return DefaultReply, err
	}
	h.logger.Info("RPC call timed out", "receiver", receiver, "correlation_id", correlationID, "timeout", h.timeout)
	return DefaultReply, ErrRPCTimeout
}

// RPCCall is Call without a context or error: a call that gets no answer
// yields DefaultReply.
func (h *RPCHandler) RPCCall(receiver string, message []byte) []byte {
	reply, err := h.Call(context.Background(), receiver, message)
	if err != nil && !errors.Is(err, ErrRPCTimeout) {
		h.logger.Warn("RPC call failed", "receiver", receiver, "error", err)
	}
	return reply
}

// Cast sends message to receiver without blocking. callback, if set, gets
// the outcome of the call on its own goroutine.
func (h *RPCHandler) Cast(receiver string, message []byte, callback func([]byte, error)) {
	go func() {
		reply, err := h.Call(context.Background(), receiver, message)
		if callback != nil {
			callback(reply, err)
		}
	}()
}

// HandleRPCRequest answers a request delivered to the server queue
func (h *RPCHandler) HandleRPCRequest(msg rabbitmq.ConsumedMessage) {
	h.mu.Lock()
	callback := h.requestCallback
	h.mu.Unlock()

	if callback == nil {
		h.logger.Warn("RPC request without a server", "queue", msg.Queue)
		return
	}
	if msg.ReplyTo == "" {
		h.logger.Warn("RPC request without reply-to, dropping", "correlation_id", msg.CorrelationID)
		return
	}

	answer := callback(msg.Body)
	if err := h.producer.RPCResponse(msg.ReplyTo, answer, msg.CorrelationID); err != nil {
		h.logger.Error("failed to send RPC reply",
			"reply_to", msg.ReplyTo,
			"correlation_id", msg.CorrelationID,
			"error", err)
	}
}

// HandleRPCResponse hands a reply to the waiting caller. Replies nobody waits
// for are logged and dropped.
func (h *RPCHandler) HandleRPCResponse(msg rabbitmq.ConsumedMessage) {
	slot, ok := h.take(msg.CorrelationID)
	if !ok {
		h.logger.Warn("RPC reply with unknown correlation id, dropping", "correlation_id", msg.CorrelationID)
		return
	}
	slot.resolve(msg.Body)
}

// take removes the pending entry for id. Only one of the caller and the
// reply handler gets it.
func (h *RPCHandler) take(id string) (*pendingResponse, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	slot, ok := h.pending[id]
	if ok {
		delete(h.pending, id)
	}
	return slot, ok
}

func newToken() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
