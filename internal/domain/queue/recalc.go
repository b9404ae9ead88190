package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Recalculator accepts requests to refresh the estimates of a queue.
type Recalculator interface {
	Request(scope Scope) bool
}

// RecalcFunc performs one recalculation. It must be idempotent.
type RecalcFunc func(ctx context.Context, scope Scope)

type pendingRecalc struct {
	scope Scope
	due   time.Time
}

// RecalcQueue coalesces recalculation requests. A request opens a window for
// its scope; further requests for the same scope inside the window are
// absorbed, and the work runs once when the window closes. All state is owned
// by the Start goroutine.
type RecalcQueue struct {
	requests chan Scope
	window   time.Duration
	run      RecalcFunc
	logger   zerolog.Logger
}

func NewRecalcQueue(window time.Duration, run RecalcFunc, logger zerolog.Logger) *RecalcQueue {
	if window <= 0 {
		window = RecalcDebounce
	}
	return &RecalcQueue{
		requests: make(chan Scope, BatchSize),
		window:   window,
		run:      run,
		logger:   logger.With().Str("component", "recalc").Logger(),
	}
}

// Request enqueues scope without blocking. It returns false when the inbox is
// full and the request was dropped.
func (q *RecalcQueue) Request(scope Scope) bool {
	select {
	case q.requests <- scope:
		return true
	default:
		q.logger.Warn().Str("scope", scope.Key()).Msg("recalculation inbox full, request dropped")
		return false
	}
}

// Start processes requests until ctx is cancelled.
func (q *RecalcQueue) Start(ctx context.Context) {
	pending := make(map[string]pendingRecalc)
	var timer *time.Timer
	var fire <-chan time.Time

	rearm := func() {
		if timer != nil {
			timer.Stop()
			timer, fire = nil, nil
		}
		var earliest time.Time
		for _, p := range pending {
			if earliest.IsZero() || p.due.Before(earliest) {
				earliest = p.due
			}
		}
		if earliest.IsZero() {
			return
		}
		timer = time.NewTimer(time.Until(earliest))
		fire = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case scope := <-q.requests:
			key := scope.Key()
			if _, ok := pending[key]; ok {
				continue
			}
			pending[key] = pendingRecalc{scope: scope, due: time.Now().Add(q.window)}
			rearm()
		case <-fire:
			timer, fire = nil, nil
			now := time.Now()
			for key, p := range pending {
				if p.due.After(now) {
					continue
				}
				delete(pending, key)
				q.run(ctx, p.scope)
			}
			rearm()
		}
	}
}
