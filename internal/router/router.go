// Package router delivers prioritized messages between the orchestrator and evaluator agents.
// Delivery is at-least-once: handlers must tolerate duplicates keyed by message id.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"grantline/internal/observability"
)

type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Message types used across the system.
const (
	TypeStatus         = "status"
	TypeEvaluate       = "evaluation.request"
	TypeEvaluated      = "evaluation.result"
	TypeVote           = "vote.request"
	TypeDeliveryFailed = "delivery.failed"
)

// OrchestratorAddress receives delivery failures.
const OrchestratorAddress = "orchestrator"

var (
	ErrUnknownAddress = errors.New("unknown address")
	ErrStopped        = errors.New("router stopped")
)

type Message struct {
	ID        string          `json:"id"`
	From      string          `json:"from"`
	To        []string        `json:"to,omitempty"`
	Broadcast bool            `json:"broadcast,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Priority  Priority        `json:"priority"`
	CreatedAt time.Time       `json:"created_at"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// NewMessage builds a message with a JSON payload.
func NewMessage(from string, to []string, msgType string, priority Priority, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Message{From: from, To: to, Type: msgType, Priority: priority, Payload: data}, nil
}

// DeliveryFailure is the payload of a TypeDeliveryFailed message.
type DeliveryFailure struct {
	MessageID string          `json:"message_id"`
	Type      string          `json:"type"`
	Recipient string          `json:"recipient"`
	Attempts  int             `json:"attempts"`
	Error     string          `json:"error"`
	Original  json.RawMessage `json:"original,omitempty"`
}

// Handler consumes a message. Returning an error schedules a retry; wrap with
// backoff.Permanent to fail immediately.
type Handler func(ctx context.Context, msg Message) error

type Config struct {
	QueueSize   int
	MaxRetries  int
	RetryDelay  time.Duration
	Concurrency int
}

type DeliveryState string

const (
	StateQueued    DeliveryState = "queued"
	StateDelivered DeliveryState = "delivered"
	StateFailed    DeliveryState = "failed"
)

// Delivery tracks one message across its recipients.
type Delivery struct {
	MessageID  string                   `json:"message_id"`
	Type       string                   `json:"type"`
	Recipients map[string]DeliveryState `json:"recipients"`
	Attempts   map[string]int           `json:"attempts"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

const maxTracked = 10000

type Router struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
	queues  [Critical + 1]chan Message
	sem     chan struct{}

	mu       sync.RWMutex
	handlers map[string]Handler
	tracked  map[string]*Delivery
	order    []string

	wg      sync.WaitGroup
	stop    chan struct{}
	stopped sync.Once
}

func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Router {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		cfg:      cfg,
		logger:   logger.With("component", "router"),
		metrics:  metrics,
		sem:      make(chan struct{}, cfg.Concurrency),
		handlers: map[string]Handler{},
		tracked:  map[string]*Delivery{},
		stop:     make(chan struct{}),
	}
	for i := range r.queues {
		r.queues[i] = make(chan Message, cfg.QueueSize)
	}
	return r
}

// Handle registers the handler for an address, replacing any previous one.
func (r *Router) Handle(address string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[address] = h
}

func (r *Router) Unhandle(address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, address)
}

// Send enqueues msg and returns its id. It blocks while the priority tier is full.
func (r *Router) Send(ctx context.Context, msg Message) (string, error) {
	if msg.Type == "" {
		return "", errors.New("message type is required")
	}
	if !msg.Broadcast && len(msg.To) == 0 {
		return "", errors.New("message needs recipients or broadcast")
	}
	if msg.Priority < Low || msg.Priority > Critical {
		return "", fmt.Errorf("invalid priority %d", msg.Priority)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	select {
	case <-r.stop:
		return "", ErrStopped
	default:
	}
	r.track(msg)
	select {
	case r.queues[msg.Priority] <- msg:
		r.metrics.QueueDepth(msg.Priority.String(), len(r.queues[msg.Priority]))
		return msg.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-r.stop:
		return "", ErrStopped
	}
}

// Run drains the queues highest priority first until ctx is done or Stop is called.
// In-flight deliveries are awaited before Run returns.
func (r *Router) Run(ctx context.Context) {
	defer r.wg.Wait()
	for {
		msg, ok := r.next(ctx)
		if !ok {
			return
		}
		r.metrics.QueueDepth(msg.Priority.String(), len(r.queues[msg.Priority]))
		for _, to := range r.recipients(msg) {
			select {
			case r.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			r.wg.Add(1)
			go func(to string) {
				defer r.wg.Done()
				defer func() { <-r.sem }()
				r.deliver(ctx, msg, to)
			}(to)
		}
	}
}

// Stop ends Run and rejects further sends.
func (r *Router) Stop() {
	r.stopped.Do(func() { close(r.stop) })
}

func (r *Router) next(ctx context.Context) (Message, bool) {
	for p := Critical; p >= Low; p-- {
		select {
		case m := <-r.queues[p]:
			return m, true
		default:
		}
	}
	select {
	case m := <-r.queues[Critical]:
		return m, true
	case m := <-r.queues[High]:
		return m, true
	case m := <-r.queues[Normal]:
		return m, true
	case m := <-r.queues[Low]:
		return m, true
	case <-ctx.Done():
		return Message{}, false
	case <-r.stop:
		return Message{}, false
	}
}

func (r *Router) recipients(msg Message) []string {
	if !msg.Broadcast {
		return msg.To
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for addr := range r.handlers {
		if addr == msg.From || addr == OrchestratorAddress {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func (r *Router) deliver(ctx context.Context, msg Message, to string) {
	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		r.setAttempts(msg.ID, to, attempts)
		r.mu.RLock()
		h, ok := r.handlers[to]
		r.mu.RUnlock()
		if !ok {
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %s", ErrUnknownAddress, to))
		}
		if err := h(ctx, msg); err != nil {
			if attempts <= r.cfg.MaxRetries {
				r.metrics.Delivery(msg.Type, "retried")
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryDelay
	b.MaxInterval = 30 * r.cfg.RetryDelay
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.MaxRetries+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("delivery failed, retrying", "message", msg.ID, "type", msg.Type, "to", to, "attempt", attempts, "wait", wait, "err", err)
		}),
	)
	if err == nil {
		r.metrics.Delivery(msg.Type, "delivered")
		r.setState(msg.ID, to, StateDelivered)
		return
	}
	r.metrics.Delivery(msg.Type, "failed")
	r.setState(msg.ID, to, StateFailed)
	r.logger.Error("delivery exhausted", "message", msg.ID, "type", msg.Type, "to", to, "attempts", attempts, "err", err)
	if msg.Type == TypeDeliveryFailed || to == OrchestratorAddress {
		return
	}
	r.escalate(ctx, msg, to, attempts, err)
}

func (r *Router) escalate(ctx context.Context, msg Message, to string, attempts int, cause error) {
	failure, err := NewMessage("router", []string{OrchestratorAddress}, TypeDeliveryFailed, Critical, DeliveryFailure{
		MessageID: msg.ID,
		Type:      msg.Type,
		Recipient: to,
		Attempts:  attempts,
		Error:     cause.Error(),
		Original:  msg.Payload,
	})
	if err != nil {
		r.logger.Error("build delivery failure", "err", err)
		return
	}
	// A full critical queue must not block the delivery goroutine forever.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := r.Send(sendCtx, failure); err != nil {
		r.metrics.Delivery(TypeDeliveryFailed, "dropped")
		r.logger.Error("escalate delivery failure", "message", msg.ID, "err", err)
	}
}

func (r *Router) track(msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := &Delivery{MessageID: msg.ID, Type: msg.Type, Recipients: map[string]DeliveryState{}, Attempts: map[string]int{}, UpdatedAt: time.Now().UTC()}
	for _, to := range msg.To {
		d.Recipients[to] = StateQueued
	}
	if _, exists := r.tracked[msg.ID]; !exists {
		r.order = append(r.order, msg.ID)
	}
	r.tracked[msg.ID] = d
	for len(r.order) > maxTracked {
		delete(r.tracked, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *Router) setState(id, to string, st DeliveryState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.tracked[id]; ok {
		d.Recipients[to] = st
		d.UpdatedAt = time.Now().UTC()
	}
}

func (r *Router) setAttempts(id, to string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.tracked[id]; ok {
		d.Attempts[to] = n
		if _, seen := d.Recipients[to]; !seen {
			d.Recipients[to] = StateQueued
		}
	}
}

// Status returns a snapshot of a message's delivery state.
func (r *Router) Status(id string) (Delivery, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tracked[id]
	if !ok {
		return Delivery{}, false
	}
	cp := Delivery{MessageID: d.MessageID, Type: d.Type, Recipients: map[string]DeliveryState{}, Attempts: map[string]int{}, UpdatedAt: d.UpdatedAt}
	for k, v := range d.Recipients {
		cp.Recipients[k] = v
	}
	for k, v := range d.Attempts {
		cp.Attempts[k] = v
	}
	return cp, true
}

// Pending reports queued messages per priority.
func (r *Router) Pending() map[string]int {
	out := map[string]int{}
	for p := Low; p <= Critical; p++ {
		out[p.String()] = len(r.queues[p])
	}
	return out
}
