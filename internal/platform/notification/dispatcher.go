package notification

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/healthsync/healthsync/pkg/retry"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("notification dispatcher closed")

// ErrQueueFull is returned by Enqueue when the buffer is saturated.
var ErrQueueFull = errors.New("notification queue full")

type DispatcherConfig struct {
	Workers   int
	QueueSize int
	Retry     retry.Config
	// SendTimeout bounds one delivery attempt.
	SendTimeout time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:     2,
		QueueSize:   256,
		Retry:       retry.DefaultConfig(),
		SendTimeout: 30 * time.Second,
	}
}

// Stats counts dispatcher outcomes since start.
type Stats struct {
	Enqueued int64 `json:"enqueued"`
	Sent     int64 `json:"sent"`
	Failed   int64 `json:"failed"`
	Dropped  int64 `json:"dropped"`
}

// Dispatcher sends messages from a bounded queue on background workers.
type Dispatcher struct {
	sender    Sender
	templates *TemplateEngine
	logger    zerolog.Logger
	cfg       DispatcherConfig

	queue  chan Message
	wg     conc.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	enqueued atomic.Int64
	sent     atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
}

// NewDispatcher starts cfg.Workers workers. Call Close to stop them.
func NewDispatcher(sender Sender, templates *TemplateEngine, logger zerolog.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		sender:    sender,
		templates: templates,
		logger:    logger.With().Str("component", "notification").Logger(),
		cfg:       cfg,
		queue:     make(chan Message, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Go(d.work)
	}
	return d
}

// Enqueue queues msg without blocking.
func (d *Dispatcher) Enqueue(msg Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- msg:
		d.enqueued.Add(1)
		return nil
	default:
		d.dropped.Add(1)
		return ErrQueueFull
	}
}

// BookingConfirmed renders and queues a confirmation for n. Failures are
// logged and never returned; a booking must not fail because of e-mail.
func (d *Dispatcher) BookingConfirmed(n BookingNotice) {
	d.notice(TemplateBookingConfirmed, n)
}

// BookingCancelled renders and queues a cancellation notice for n.
func (d *Dispatcher) BookingCancelled(n BookingNotice) {
	d.notice(TemplateBookingCancelled, n)
}

func (d *Dispatcher) notice(templateID string, n BookingNotice) {
	if n.Recipient == "" {
		return
	}
	msg, err := d.templates.RenderNotice(templateID, n)
	if err != nil {
		d.logger.Error().Err(err).Str("template", templateID).Msg("render notification")
		return
	}
	if err := d.Enqueue(msg); err != nil {
		d.logger.Warn().Err(err).Str("template", templateID).Str("to", n.Recipient).Msg("notification dropped")
	}
}

func (d *Dispatcher) work() {
	for msg := range d.queue {
		var pc panics.Catcher
		pc.Try(func() { d.deliver(msg) })
		if r := pc.Recovered(); r != nil {
			d.failed.Add(1)
			d.logger.Error().Str("to", msg.To).Interface("panic", r.Value).Msg("notification sender panicked")
		}
	}
}

func (d *Dispatcher) deliver(msg Message) {
	err := retry.Do(d.ctx, d.cfg.Retry, func() error {
		ctx := d.ctx
		if d.cfg.SendTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(d.ctx, d.cfg.SendTimeout)
			defer cancel()
		}
		return d.sender.Send(ctx, msg)
	}, func(attempt int, err error, next time.Duration) {
		d.logger.Warn().Err(err).Int("attempt", attempt).Dur("backoff", next).Str("to", msg.To).Msg("notification send failed, retrying")
	})
	if err != nil {
		d.failed.Add(1)
		d.logger.Error().Err(err).Str("to", msg.To).Str("subject", msg.Subject).Msg("notification send failed")
		return
	}
	d.sent.Add(1)
}

// Close stops accepting messages and waits for queued ones to drain. When ctx
// expires first, in-flight retries are abandoned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
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
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enqueued: d.enqueued.Load(),
		Sent:     d.sent.Load(),
		Failed:   d.failed.Load(),
		Dropped:  d.dropped.Load(),
	}
}
