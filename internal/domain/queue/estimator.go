package queue

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// FullConfidenceSamples is the sample count at which the sample-size factor
// of the confidence score saturates.
const FullConfidenceSamples = 20

const estimateCacheSize = 1024

// HistorySource supplies durations of completed appointments.
type HistorySource interface {
	ListCompletedDurations(ctx context.Context, clinicID uuid.UUID, t AppointmentType, since time.Time, limit int) ([]time.Duration, error)
}

// Estimator projects start times for queued entries.
type Estimator struct {
	history  HistorySource
	settings Settings
	clock    Clock
	logger   zerolog.Logger
	cache    *expirable.LRU[string, []Estimate]
}

func NewEstimator(history HistorySource, settings Settings, clock Clock, logger zerolog.Logger) *Estimator {
	return &Estimator{
		history:  history,
		settings: settings,
		clock:    clock,
		logger:   logger.With().Str("component", "estimator").Logger(),
		cache:    expirable.NewLRU[string, []Estimate](estimateCacheSize, nil, EstimateCacheTTL),
	}
}

// Invalidate drops the cached estimates of scope.
func (est *Estimator) Invalidate(scope Scope) {
	est.cache.Remove(scope.Key())
}

// Projection is the duration used for one appointment type and where it came from.
type Projection struct {
	Duration   time.Duration
	Source     EstimateSource
	Confidence float64
}

// Project returns the expected duration of an appointment of type t at clinic cfg.
func (est *Estimator) Project(ctx context.Context, cfg *ClinicConfig, t AppointmentType) (Projection, error) {
	settings := est.settings.ForClinic(cfg)
	rule := settings.RuleDuration(cfg, t)
	if cfg == nil {
		return Projection{Duration: rule, Source: SourceRule}, nil
	}

	since := est.clock.Now().Add(-settings.HistoryLookback)
	samples, err := est.history.ListCompletedDurations(ctx, cfg.ClinicID, t, since, BatchSize*10)
	if err != nil {
		return Projection{}, err
	}
	projected, confidence := ModelFromSamples(samples)
	if confidence >= settings.ConfidenceThreshold && projected > 0 {
		// Samples measure time in the room; turnover comes on top, as it
		// does for the rule duration.
		projected += minutes(cfg.BufferMinutes)
		return Projection{Duration: projected, Source: SourceModel, Confidence: confidence}, nil
	}
	return Projection{Duration: rule, Source: SourceRule, Confidence: confidence}, nil
}

// ModelFromSamples returns the median duration and a confidence score in
// [0,1] that grows with sample size and shrinks with dispersion.
func ModelFromSamples(samples []time.Duration) (time.Duration, float64) {
	n := len(samples)
	if n == 0 {
		return 0, 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var median time.Duration
	if n%2 == 1 {
		median = sorted[n/2]
	} else {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	var sum float64
	for _, d := range sorted {
		sum += d.Minutes()
	}
	mean := sum / float64(n)
	if mean <= 0 {
		return 0, 0
	}
	var sq float64
	for _, d := range sorted {
		diff := d.Minutes() - mean
		sq += diff * diff
	}
	cv := math.Sqrt(sq/float64(n)) / mean

	sizeFactor := math.Min(1, float64(n)/FullConfidenceSamples)
	return median, sizeFactor / (1 + cv)
}

// Estimate returns one Estimate per callable entry, in queue order. Results are
// cached per scope for EstimateCacheTTL.
func (est *Estimator) Estimate(ctx context.Context, cfg *ClinicConfig, scope Scope, entries []*Entry) ([]Estimate, error) {
	if cached, ok := est.cache.Get(scope.Key()); ok {
		return cached, nil
	}
	out, err := est.compute(ctx, cfg, entries)
	if err != nil {
		return nil, err
	}
	est.cache.Add(scope.Key(), out)
	return out, nil
}

// Refresh recomputes and stores the estimates of scope regardless of the cache.
func (est *Estimator) Refresh(ctx context.Context, cfg *ClinicConfig, scope Scope, entries []*Entry) ([]Estimate, error) {
	est.Invalidate(scope)
	return est.Estimate(ctx, cfg, scope, entries)
}

func (est *Estimator) compute(ctx context.Context, cfg *ClinicConfig, entries []*Entry) ([]Estimate, error) {
	now := est.clock.Now()
	projections := make(map[AppointmentType]Projection)
	project := func(t AppointmentType) (Projection, error) {
		if p, ok := projections[t]; ok {
			return p, nil
		}
		p, err := est.Project(ctx, cfg, t)
		if err != nil {
			return Projection{}, err
		}
		projections[t] = p
		return p, nil
	}

	cursor := now
	var queued []*Entry
	for _, e := range entries {
		switch e.Phase() {
		case PhaseInProgress:
			if e.ActualStart == nil {
				continue
			}
			p, err := project(e.AppointmentType)
			if err != nil {
				return nil, err
			}
			if end := e.ActualStart.Add(p.Duration); end.After(cursor) {
				cursor = end
			}
		case PhaseScheduled, PhaseWaiting:
			queued = append(queued, e)
		}
	}
	sort.SliceStable(queued, func(i, j int) bool { return queued[i].QueuePosition < queued[j].QueuePosition })

	fixed := cfg != nil && cfg.QueueMode == ModeFixedGrid
	out := make([]Estimate, 0, len(queued))
	for _, e := range queued {
		p, err := project(e.AppointmentType)
		if err != nil {
			return nil, err
		}
		start := cursor
		if fixed && e.StartTime.After(start) {
			start = e.StartTime
		}
		wait := start.Sub(now)
		if wait < 0 {
			wait = 0
		}
		out = append(out, Estimate{
			AppointmentID:  e.ID,
			QueuePosition:  e.QueuePosition,
			EstimatedStart: start,
			WaitMinutes:    int(math.Ceil(wait.Minutes())),
			DurationMins:   int(math.Round(p.Duration.Minutes())),
			Source:         p.Source,
			Confidence:     p.Confidence,
		})
		cursor = start.Add(p.Duration)
	}
	est.logger.Debug().Int("entries", len(out)).Msg("estimates computed")
	return out, nil
}
