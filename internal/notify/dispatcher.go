// Package notify delivers lifecycle notifications to external channels
// (Telegram/email workers behind a Redis stream). Delivery is fire-and-forget:
// a slow or failing channel never reaches back into a committed transition.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"kfalifecycle/internal/statemachine"
)

var (
	delivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kfa_notifications_delivered_total",
		Help: "Notifications handed to a sink, by sink and outcome",
	}, []string{"sink", "outcome"})
	dropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kfa_notifications_dropped_total",
		Help: "Notifications dropped because the queue was full or closed",
	})
)

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("notify: dispatcher closed")

// Notification announces that an entity reached a terminal status.
type Notification struct {
	EntityType string             `json:"entity_type"`
	EntityID   uuid.UUID          `json:"entity_id"`
	Status     statemachine.State `json:"status"`
	Transition string             `json:"transition"`
	UserID     uuid.UUID          `json:"user_id"`
	At         time.Time          `json:"at"`
}

// Notifier accepts notifications without reporting failures.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Sink is one delivery channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Terminal notifies when out moved the entity into a terminal state. Latch
// transitions that leave a terminal state unchanged stay silent.
func Terminal(ctx context.Context, n Notifier, out statemachine.Outcome, userID uuid.UUID, at time.Time) {
	if n == nil || !out.Terminal || out.From == out.To {
		return
	}
	n.Notify(ctx, Notification{
		EntityType: out.EntityType,
		EntityID:   out.EntityID,
		Status:     out.To,
		Transition: out.Transition,
		UserID:     userID,
		At:         at,
	})
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) {}

// Config tunes a Dispatcher.
type Config struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
	Logger      *slog.Logger
}

// Dispatcher fans notifications out to sinks from a bounded queue.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Notification
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts the worker pool.
func NewDispatcher(cfg Config, sinks ...Sink) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Notification, cfg.QueueSize),
		timeout: cfg.SendTimeout,
		logger:  cfg.Logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Notify enqueues n, dropping it when the queue is full.
func (d *Dispatcher) Notify(_ context.Context, n Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		dropped.Inc()
		d.logger.Warn("notification dropped: dispatcher closed", "entity_type", n.EntityType, "entity_id", n.EntityID)
		return
	}

	select {
	case d.queue <- n:
	default:
		dropped.Inc()
		d.logger.Warn("notification dropped: queue full", "entity_type", n.EntityType, "entity_id", n.EntityID)
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for n := range d.queue {
		for _, s := range d.sinks {
			d.send(s, n)
		}
	}
}

func (d *Dispatcher) send(s Sink, n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			delivered.WithLabelValues(s.Name(), "panic").Inc()
			d.logger.Error("notification sink panicked", "sink", s.Name(), "panic", r)
		}
	}()

	if err := s.Send(ctx, n); err != nil {
		delivered.WithLabelValues(s.Name(), "error").Inc()
		d.logger.Error("notification delivery failed",
			"sink", s.Name(),
			"entity_type", n.EntityType,
			"entity_id", n.EntityID,
			"status", n.Status,
			"error", err,
		)
		return
	}
	delivered.WithLabelValues(s.Name(), "ok").Inc()
}

// Close stops accepting notifications and waits for queued ones to drain or
// ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, n Notification) error {
	s.Logger.Info("lifecycle notification",
		"entity_type", n.EntityType,
		"entity_id", n.EntityID,
		"status", n.Status,
		"user_id", n.UserID,
	)
	return nil
}
