// Package notify sends customer and operator emails off the request path.
// Delivery is best effort: a failed or dropped message is logged and handed
// to a failure hook, never returned to the caller.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/keyfulfill/internal/billing/metrics"
	"github.com/dukerupert/keyfulfill/internal/billing/model"
	"github.com/dukerupert/keyfulfill/internal/billing/store"
	"github.com/dukerupert/keyfulfill/internal/email"
)

type Kind string

const (
	KindLicenseIssued     Kind = "license_issued"
	KindPaymentFailed     Kind = "payment_failed"
	KindManualFulfillment Kind = "manual_fulfillment"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("dispatcher closed")
)

type Message struct {
	Kind      Kind
	PaymentID string
	To        string
	Subject   string
	Text      string
}

// Notifier accepts messages for asynchronous delivery.
type Notifier interface {
	Dispatch(msg Message)
}

// Sender delivers a single email.
type Sender interface {
	Send(ctx context.Context, msg email.Message) error
}

// FailureFunc is called once for every message that was not delivered.
type FailureFunc func(msg Message, err error)

type Dispatcher struct {
	sender    Sender
	logger    *slog.Logger
	metrics   *metrics.Metrics
	onFailure FailureFunc
	timeout   time.Duration
	workers   int

	mu       sync.RWMutex
	closed   bool
	drained  bool
	queue    chan Message
	failures chan failure
	wg       sync.WaitGroup
	hookDone chan struct{}
}

const minHookBacklog = 64

type failure struct {
	msg Message
	err error
}

type Option func(*Dispatcher)

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan Message, n)
		}
	}
}

// WithTimeout bounds each send.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

func WithFailureHook(fn FailureFunc) Option {
	return func(d *Dispatcher) {
		d.onFailure = fn
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher starts the worker pool. Call Shutdown to drain it.
func NewDispatcher(sender Sender, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:  sender,
		logger:  logger.With("component", "notify"),
		timeout: 10 * time.Second,
		workers: 2,
		queue:   make(chan Message, 256),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.failures = make(chan failure, max(cap(d.queue), minHookBacklog))
	d.hookDone = make(chan struct{})
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	go d.runHooks()
	return d
}

// Dispatch enqueues msg without blocking. A full or closed queue drops the
// message; the failure hook runs on its own goroutine, never the caller's.
func (d *Dispatcher) Dispatch(msg Message) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(msg, ErrClosed)
		return
	}
	select {
	case d.queue <- msg:
	default:
		d.drop(msg, ErrQueueFull)
	}
}

// drop hands a message that never reached a worker to the hook goroutine.
// Callers hold d.mu.
func (d *Dispatcher) drop(msg Message, err error) {
	d.metrics.Notification(string(msg.Kind), "failed")
	d.logger.Warn("notification dropped", "kind", msg.Kind, "payment_id", msg.PaymentID, "error", err)
	if d.drained {
		return
	}
	select {
	case d.failures <- failure{msg: msg, err: err}:
	default:
		d.logger.Error("failure hook backlog full, not recording", "kind", msg.Kind, "payment_id", msg.PaymentID)
	}
}

func (d *Dispatcher) runHooks() {
	defer close(d.hookDone)
	for f := range d.failures {
		if d.onFailure != nil {
			d.onFailure(f.msg, f.err)
		}
	}
}

// Shutdown stops accepting messages and waits for queued ones to be sent
// and for pending failure hooks to return.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		d.mu.Lock()
		if !d.drained {
			d.drained = true
			close(d.failures)
		}
		d.mu.Unlock()
		<-d.hookDone
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for msg := range d.queue {
		d.deliver(msg)
	}
}

func (d *Dispatcher) deliver(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	err := d.sender.Send(ctx, email.Message{
		To:      msg.To,
		Subject: msg.Subject,
		Text:    msg.Text,
		Tag:     string(msg.Kind),
	})
	if err != nil {
		d.fail(msg, err)
		return
	}
	d.metrics.Notification(string(msg.Kind), "sent")
	d.logger.Debug("notification sent", "kind", msg.Kind, "payment_id", msg.PaymentID)
}

// fail runs on a worker, so it may wait for room in the hook backlog.
func (d *Dispatcher) fail(msg Message, err error) {
	d.metrics.Notification(string(msg.Kind), "failed")
	d.logger.Warn("notification failed", "kind", msg.Kind, "payment_id", msg.PaymentID, "error", err)
	d.failures <- failure{msg: msg, err: err}
}

// RecordFailures returns a failure hook that marks the payment with
// notification_failed:<kind> so the message can be resent by hand.
func RecordFailures(payments *store.PaymentStore, logger *slog.Logger) FailureFunc {
	return func(msg Message, err error) {
		if msg.PaymentID == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		key := model.MetaNotificationFailedPrefix + string(msg.Kind)
		if err := payments.MergeMetadata(ctx, msg.PaymentID, map[string]string{key: err.Error()}); err != nil {
			logger.Error("record notification failure", "payment_id", msg.PaymentID, "kind", msg.Kind, "error", err)
		}
	}
}

// LogSender logs messages instead of sending them. Used when no email
// provider is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(_ context.Context, msg email.Message) error {
	s.Logger.Info("email not configured, logging message", "to", msg.To, "subject", msg.Subject, "tag", msg.Tag)
	return nil
}
