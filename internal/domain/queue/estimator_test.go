package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func repeat(d time.Duration, n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = d
	}
	return out
}

func newTestEstimator(store *memStore, clock *fakeClock) *Estimator {
	return NewEstimator(store, DefaultSettings(), clock, zerolog.Nop())
}

func TestModelFromSamples(t *testing.T) {
	if d, c := ModelFromSamples(nil); d != 0 || c != 0 {
		t.Errorf("empty samples: got %v %v", d, c)
	}

	d, c := ModelFromSamples([]time.Duration{10 * time.Minute, 30 * time.Minute, 20 * time.Minute})
	if d != 20*time.Minute {
		t.Errorf("odd median = %v, want 20m", d)
	}
	if c <= 0 || c >= 1 {
		t.Errorf("confidence out of range: %v", c)
	}

	d, _ = ModelFromSamples([]time.Duration{10 * time.Minute, 20 * time.Minute, 30 * time.Minute, 40 * time.Minute})
	if d != 25*time.Minute {
		t.Errorf("even median = %v, want 25m", d)
	}

	_, uniform := ModelFromSamples(repeat(18*time.Minute, FullConfidenceSamples))
	if uniform != 1 {
		t.Errorf("identical saturated samples should give confidence 1, got %v", uniform)
	}
	_, spread := ModelFromSamples(append(repeat(5*time.Minute, 10), repeat(40*time.Minute, 10)...))
	if spread >= uniform {
		t.Errorf("dispersion must lower confidence: %v >= %v", spread, uniform)
	}
}

// Scenario D: with too little history the rule-based duration is used.
func TestProject_RuleFallbackBelowThreshold(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock(at(9, 0))
	est := newTestEstimator(store, clock)
	cfg := &ClinicConfig{ClinicID: testClinic}

	store.samples[TypeConsultation] = repeat(22*time.Minute, 5)
	p, err := est.Project(context.Background(), cfg, TypeConsultation)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if p.Source != SourceRule || p.Duration != 15*time.Minute {
		t.Errorf("expected rule 15m, got %s %v (confidence %.2f)", p.Source, p.Duration, p.Confidence)
	}

	store.samples[TypeConsultation] = repeat(22*time.Minute, 6)
	p, err = est.Project(context.Background(), cfg, TypeConsultation)
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if p.Source != SourceModel || p.Duration != 22*time.Minute {
		t.Errorf("expected model 22m, got %s %v (confidence %.2f)", p.Source, p.Duration, p.Confidence)
	}
}

func TestProject_BufferOnBothPaths(t *testing.T) {
	store := newMemStore()
	est := newTestEstimator(store, newFakeClock(at(9, 0)))
	cfg := &ClinicConfig{ClinicID: testClinic, BufferMinutes: 5}

	p, _ := est.Project(context.Background(), cfg, TypeConsultation)
	if p.Source != SourceRule || p.Duration != 20*time.Minute {
		t.Errorf("expected rule 15m + 5m buffer, got %s %v", p.Source, p.Duration)
	}

	store.samples[TypeConsultation] = repeat(22*time.Minute, 10)
	p, _ = est.Project(context.Background(), cfg, TypeConsultation)
	if p.Source != SourceModel || p.Duration != 27*time.Minute {
		t.Errorf("expected model 22m + 5m buffer, got %s %v", p.Source, p.Duration)
	}
}

func TestProject_ClinicConfidenceOverride(t *testing.T) {
	store := newMemStore()
	est := newTestEstimator(store, newFakeClock(at(9, 0)))
	strict := 0.9
	cfg := &ClinicConfig{ClinicID: testClinic, ConfidenceThreshold: &strict}
	store.samples[TypeScreening] = repeat(25*time.Minute, 10)

	p, _ := est.Project(context.Background(), cfg, TypeScreening)
	if p.Source != SourceRule || p.Duration != 20*time.Minute {
		t.Errorf("expected rule fallback under a strict threshold, got %s %v", p.Source, p.Duration)
	}
}

func TestEstimate_ChainsFromRunningAppointment(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock(at(9, 0))
	est := newTestEstimator(store, clock)
	cfg := &ClinicConfig{ClinicID: testClinic, QueueMode: ModeOrdinal}
	started := at(8, 55)

	entries := []*Entry{
		{ID: uuid.New(), Status: StatusInProgress, ActualStart: &started, AppointmentType: TypeConsultation, QueuePosition: 1},
		{ID: uuid.New(), Status: StatusWaiting, AppointmentType: TypeFollowUp, QueuePosition: 3},
		{ID: uuid.New(), Status: StatusScheduled, AppointmentType: TypeConsultation, QueuePosition: 2},
		{ID: uuid.New(), Status: StatusCompleted, AppointmentType: TypeConsultation, QueuePosition: 4},
	}
	out, err := est.Estimate(context.Background(), cfg, NewScope(testClinic, testStaff, testDay), entries)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 estimates, got %d", len(out))
	}
	// Running consultation ends at 09:10; position 2 starts then, position 3 at 09:25.
	if out[0].QueuePosition != 2 || !out[0].EstimatedStart.Equal(at(9, 10)) || out[0].WaitMinutes != 10 {
		t.Errorf("first estimate %+v", out[0])
	}
	if out[1].QueuePosition != 3 || !out[1].EstimatedStart.Equal(at(9, 25)) || out[1].DurationMins != 10 {
		t.Errorf("second estimate %+v", out[1])
	}
	if out[1].Source != SourceRule {
		t.Errorf("expected rule source, got %s", out[1].Source)
	}
}

func TestEstimate_FixedGridWaitsForBookedStart(t *testing.T) {
	est := newTestEstimator(newMemStore(), newFakeClock(at(9, 0)))
	cfg := &ClinicConfig{ClinicID: testClinic, QueueMode: ModeFixedGrid}
	entries := []*Entry{
		{ID: uuid.New(), Status: StatusScheduled, AppointmentType: TypeConsultation, QueuePosition: 1, StartTime: at(10, 0)},
	}
	out, err := est.Estimate(context.Background(), cfg, NewScope(testClinic, testStaff, testDay), entries)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if !out[0].EstimatedStart.Equal(at(10, 0)) || out[0].WaitMinutes != 60 {
		t.Errorf("expected booked start honoured, got %+v", out[0])
	}
}

func TestEstimate_CachedUntilInvalidated(t *testing.T) {
	clock := newFakeClock(at(9, 0))
	est := newTestEstimator(newMemStore(), clock)
	cfg := &ClinicConfig{ClinicID: testClinic}
	scope := NewScope(testClinic, testStaff, testDay)
	one := []*Entry{{ID: uuid.New(), Status: StatusScheduled, AppointmentType: TypeConsultation, QueuePosition: 1}}
	two := append(one, &Entry{ID: uuid.New(), Status: StatusScheduled, AppointmentType: TypeConsultation, QueuePosition: 2})

	first, _ := est.Estimate(context.Background(), cfg, scope, one)
	cached, _ := est.Estimate(context.Background(), cfg, scope, two)
	if len(cached) != len(first) {
		t.Fatalf("expected cached result, got %d estimates", len(cached))
	}

	est.Invalidate(scope)
	fresh, _ := est.Estimate(context.Background(), cfg, scope, two)
	if len(fresh) != 2 {
		t.Errorf("expected recomputed result, got %d estimates", len(fresh))
	}

	refreshed, _ := est.Refresh(context.Background(), cfg, scope, one)
	if len(refreshed) != 1 {
		t.Errorf("Refresh must bypass the cache, got %d estimates", len(refreshed))
	}
}
