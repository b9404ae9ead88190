// Package events delivers committed queue events to external subscribers.
// The engine hands events to a Dispatcher, which never blocks it; workers
// deliver each event to every sink with retries.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/domain/queue"
)

// Sink is one delivery target.
type Sink interface {
	Name() string
	Publish(ctx context.Context, ev queue.Event) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithBufferSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.bufferSize = n
		}
	}
}

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithRetry sets the attempts per sink and the backoff bounds. The delay
// doubles after every failed attempt up to maxDelay.
func WithRetry(attempts int, base, maxDelay time.Duration) Option {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.attempts = attempts
		}
		if base > 0 {
			d.baseDelay = base
		}
		if maxDelay >= d.baseDelay {
			d.maxDelay = maxDelay
		}
	}
}

// Dispatcher implements queue.Publisher.
type Dispatcher struct {
	sinks      []Sink
	bufferSize int
	workers    int
	attempts   int
	baseDelay  time.Duration
	maxDelay   time.Duration
	drainWait  time.Duration

	inbox   chan queue.Event
	logger  zerolog.Logger
	dropped atomic.Int64
	failed  atomic.Int64
}

func NewDispatcher(logger zerolog.Logger, sinks []Sink, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sinks:      sinks,
		bufferSize: 1024,
		workers:    4,
		attempts:   5,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   10 * time.Second,
		drainWait:  5 * time.Second,
		logger:     logger.With().Str("component", "event_dispatcher").Logger(),
	}
	for _, o := range opts {
		o(d)
	}
	d.inbox = make(chan queue.Event, d.bufferSize)
	return d
}

// Publish enqueues the event. A full buffer drops it with a warning; the
// caller's mutation is already committed and must not wait on delivery.
func (d *Dispatcher) Publish(_ context.Context, ev queue.Event) error {
	select {
	case d.inbox <- ev:
	default:
		d.dropped.Add(1)
		d.logger.Warn().
			Str("event_id", ev.ID.String()).
			Str("type", string(ev.Type)).
			Str("clinic_id", ev.ClinicID.String()).
			Msg("event buffer full, event dropped")
	}
	return nil
}

// Start runs the workers until ctx is cancelled, then gives queued events a
// short grace period to go out.
func (d *Dispatcher) Start(ctx context.Context) error {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	d.logger.Info().Strs("sinks", names).Int("workers", d.workers).Msg("event dispatcher started")

	var wg sync.WaitGroup
	for i := 0; i < d.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Wait()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.drainWait)
	defer cancel()
	d.drain(drainCtx)
	d.logger.Info().Int64("dropped", d.dropped.Load()).Int64("failed", d.failed.Load()).Msg("event dispatcher stopped")
	return nil
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.inbox:
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		select {
		case ev := <-d.inbox:
			d.deliver(ctx, ev)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev queue.Event) {
	for _, s := range d.sinks {
		if err := d.deliverTo(ctx, s, ev); err != nil {
			d.failed.Add(1)
			d.logger.Error().Err(err).
				Str("sink", s.Name()).
				Str("event_id", ev.ID.String()).
				Str("type", string(ev.Type)).
				Msg("event delivery failed")
		}
	}
}

func (d *Dispatcher) deliverTo(ctx context.Context, s Sink, ev queue.Event) error {
	delay := d.baseDelay
	var err error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if err = s.Publish(ctx, ev); err == nil {
			return nil
		}
		if attempt == d.attempts {
			break
		}
		d.logger.Debug().Err(err).Str("sink", s.Name()).Int("attempt", attempt).Dur("retry_in", delay).Msg("event delivery retry")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > d.maxDelay {
			delay = d.maxDelay
		}
	}
	return err
}

// Dropped counts events lost to a full buffer.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Failed counts sink deliveries that gave up after all attempts.
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }
