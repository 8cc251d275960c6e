// Package notification delivers workflow events over email and webhooks.
// Each channel owns a bounded FIFO queue drained by one background worker;
// failed deliveries are requeued up to three attempts and every outcome
// lands in a bounded history ring for observability.
package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"fluxo.evalgo.org/common"
	"fluxo.evalgo.org/ident"
	"fluxo.evalgo.org/kanban"
	"fluxo.evalgo.org/process"
)

// Event types emitted by the engine and the factory.
const (
	EventProcessCreated = "process_created"
	EventStateChanged   = "state_changed"
	EventProcessUpdated = "process_updated"
	EventProcessDeleted = "process_deleted"
	EventSLAWarning     = "sla_warning"
)

// Dispatcher defaults.
const (
	DefaultQueueSize   = 256
	DefaultMaxAttempts = 3
	historySize        = 100
)

// ErrQueueFull is returned when the bounded queue rejects an event.
var ErrQueueFull = errors.New("notification: queue full")

// Event is one workflow occurrence to deliver.
type Event struct {
	Type      string
	Timestamp time.Time
	Kanban    *kanban.Kanban
	Process   *process.Process
}

// Sender performs the channel-specific delivery of one event.
type Sender interface {
	Channel() string
	Send(ctx context.Context, e *Event) error
}

// Result is the recorded outcome of one delivery attempt chain.
type Result struct {
	ID          string    `json:"id"`
	Channel     string    `json:"channel"`
	EventType   string    `json:"event_type"`
	ProcessID   string    `json:"process_id"`
	Attempts    int       `json:"attempts"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

type envelope struct {
	id       string
	event    *Event
	attempts int
}

// Dispatcher drives one sender with a bounded queue and a retry loop.
type Dispatcher struct {
	sender      Sender
	queue       chan *envelope
	maxAttempts int

	mu      sync.Mutex
	history []Result

	stop chan struct{}
	done chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueueSize overrides the queue capacity.
func WithQueueSize(n int) DispatcherOption {
	return func(d *Dispatcher) { d.queue = make(chan *envelope, n) }
}

// WithMaxAttempts overrides the retry budget.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) { d.maxAttempts = n }
}

// NewDispatcher builds a dispatcher around one sender.
func NewDispatcher(sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sender:      sender,
		queue:       make(chan *envelope, DefaultQueueSize),
		maxAttempts: DefaultMaxAttempts,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the background worker.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

// Stop halts the worker after the in-flight delivery.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

// Enqueue queues one event without blocking. A full queue is the caller's
// problem to surface, never to wait on.
func (d *Dispatcher) Enqueue(e *Event) error {
	env := &envelope{id: ident.New(), event: e}
	select {
	case d.queue <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueSize reports the events currently waiting.
func (d *Dispatcher) QueueSize() int { return len(d.queue) }

// History returns the newest recorded results, newest first.
func (d *Dispatcher) History(n int) []Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n <= 0 || n > len(d.history) {
		n = len(d.history)
	}
	out := make([]Result, 0, n)
	for i := len(d.history) - 1; i >= len(d.history)-n; i-- {
		out = append(out, d.history[i])
	}
	return out
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case env := <-d.queue:
			d.deliver(ctx, env)
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Drain synchronously processes everything currently queued. Intended for
// tests and shutdown flushing.
func (d *Dispatcher) Drain(ctx context.Context) {
	for {
		select {
		case env := <-d.queue:
			d.deliver(ctx, env)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, env *envelope) {
	env.attempts++
	err := d.sender.Send(ctx, env.event)
	if err == nil {
		d.record(env, true, "")
		return
	}
	common.Logger.WithError(err).Warnf("%s delivery of %s failed (attempt %d/%d)",
		d.sender.Channel(), env.event.Type, env.attempts, d.maxAttempts)
	if env.attempts < d.maxAttempts {
		select {
		case d.queue <- env:
		default:
			d.record(env, false, "queue full during retry: "+err.Error())
		}
		return
	}
	d.record(env, false, err.Error())
}

func (d *Dispatcher) record(env *envelope, success bool, errMsg string) {
	pid := ""
	if env.event.Process != nil {
		pid = env.event.Process.ProcessID
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, Result{
		ID:          env.id,
		Channel:     d.sender.Channel(),
		EventType:   env.event.Type,
		ProcessID:   pid,
		Attempts:    env.attempts,
		Success:     success,
		Error:       errMsg,
		CompletedAt: time.Now().UTC(),
	})
	if len(d.history) > historySize {
		d.history = d.history[len(d.history)-historySize:]
	}
}

// ShouldNotify applies the per-kanban event gate: notifications must be
// enabled and the event type switched on.
func ShouldNotify(def *kanban.Kanban, eventType string) bool {
	if def == nil || def.Notifications == nil || !def.Notifications.Enabled {
		return false
	}
	enabled, ok := def.Notifications.Events[eventType]
	return ok && enabled
}

// Hub fans events out to the channels each kanban subscribes to.
type Hub struct {
	dispatchers map[string]*Dispatcher
}

// NewHub wires the per-channel dispatchers ("email", "webhook").
func NewHub(dispatchers map[string]*Dispatcher) *Hub {
	return &Hub{dispatchers: dispatchers}
}

// Start launches every channel's delivery worker.
func (h *Hub) Start(ctx context.Context) {
	for _, d := range h.dispatchers {
		d.Start(ctx)
	}
}

// Stop halts all delivery workers.
func (h *Hub) Stop() {
	for _, d := range h.dispatchers {
		d.Stop()
	}
}

// Publish applies the gate and enqueues on every subscribed channel.
// Delivery failures are the dispatchers' business; only queue overflow is
// reported.
func (h *Hub) Publish(e *Event) error {
	if !ShouldNotify(e.Kanban, e.Type) {
		return nil
	}
	var firstErr error
	for _, channel := range e.Kanban.Notifications.Channels {
		d, ok := h.dispatchers[channel]
		if !ok {
			common.Logger.Warnf("no dispatcher for notification channel %q", channel)
			continue
		}
		if err := d.Enqueue(e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
