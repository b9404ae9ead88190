package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Disruption records an appointment that ran over its expected duration.
type Disruption struct {
	ClinicID      uuid.UUID `json:"clinic_id"`
	StaffID       uuid.UUID `json:"staff_id"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	Date          string    `json:"date"`
	ExpectedMins  int       `json:"expected_minutes"`
	ActualMins    int       `json:"actual_minutes"`
	OverrunMins   int       `json:"overrun_minutes"`
	DetectedAt    time.Time `json:"detected_at"`
}

// disruptionRing keeps the newest MaxDisruptionBuffer events; oldest are evicted.
type disruptionRing struct {
	events []Disruption
	next   int
	full   bool
}

func newDisruptionRing(size int) *disruptionRing {
	return &disruptionRing{events: make([]Disruption, size)}
}

func (r *disruptionRing) push(d Disruption) {
	r.events[r.next] = d
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// list returns the buffered events oldest first.
func (r *disruptionRing) list() []Disruption {
	if !r.full {
		out := make([]Disruption, r.next)
		copy(out, r.events[:r.next])
		return out
	}
	out := make([]Disruption, 0, len(r.events))
	out = append(out, r.events[r.next:]...)
	return append(out, r.events[:r.next]...)
}

func (r *disruptionRing) contains(id uuid.UUID) bool {
	for _, d := range r.list() {
		if d.AppointmentID == id {
			return true
		}
	}
	return false
}

// DetectorSource is the store view the periodic sweep needs.
type DetectorSource interface {
	ListInProgress(ctx context.Context, date time.Time, limit, offset int) ([]*Entry, error)
	GetClinicConfig(ctx context.Context, clinicID uuid.UUID) (*ClinicConfig, error)
}

// Detector flags run-over appointments and asks for downstream recalculation.
type Detector struct {
	source   DetectorSource
	settings Settings
	clock    Clock
	recalc   Recalculator
	logger   zerolog.Logger

	mu        sync.Mutex
	buffers   map[uuid.UUID]*disruptionRing
	lastSwept map[uuid.UUID]time.Time
}

func NewDetector(source DetectorSource, settings Settings, clock Clock, recalc Recalculator, logger zerolog.Logger) *Detector {
	return &Detector{
		source:    source,
		settings:  settings,
		clock:     clock,
		recalc:    recalc,
		logger:    logger.With().Str("component", "disruption").Logger(),
		buffers:   make(map[uuid.UUID]*disruptionRing),
		lastSwept: make(map[uuid.UUID]time.Time),
	}
}

// Check inspects an in-progress or completed entry. It returns the new
// disruption when one is detected. An entry is reported at most once while
// it remains in its clinic's buffer.
func (d *Detector) Check(e *Entry, cfg *ClinicConfig) (Disruption, bool) {
	if e == nil || e.ActualStart == nil {
		return Disruption{}, false
	}
	now := d.clock.Now()
	var actual time.Duration
	switch e.Phase() {
	case PhaseInProgress:
		actual = now.Sub(*e.ActualStart)
	case PhaseCompleted:
		if e.ActualEnd == nil {
			return Disruption{}, false
		}
		actual = e.ActualEnd.Sub(*e.ActualStart)
	default:
		return Disruption{}, false
	}

	settings := d.settings.ForClinic(cfg)
	expected := e.Duration()
	if expected <= 0 {
		expected = settings.RuleDuration(cfg, e.AppointmentType)
	}
	if actual <= expected+settings.RunOverThreshold {
		return Disruption{}, false
	}

	ev := Disruption{
		ClinicID:      e.ClinicID,
		StaffID:       e.StaffID,
		AppointmentID: e.ID,
		Date:          e.AppointmentDate.Format(DateLayout),
		ExpectedMins:  int(expected.Minutes()),
		ActualMins:    int(actual.Minutes()),
		OverrunMins:   int((actual - expected).Minutes()),
		DetectedAt:    now,
	}

	d.mu.Lock()
	ring, ok := d.buffers[e.ClinicID]
	if !ok {
		ring = newDisruptionRing(MaxDisruptionBuffer)
		d.buffers[e.ClinicID] = ring
	}
	if ring.contains(e.ID) {
		d.mu.Unlock()
		return Disruption{}, false
	}
	ring.push(ev)
	d.mu.Unlock()

	d.logger.Info().
		Str("clinic_id", e.ClinicID.String()).
		Str("appointment_id", e.ID.String()).
		Int("overrun_minutes", ev.OverrunMins).
		Msg("appointment run-over detected")
	if d.recalc != nil {
		d.recalc.Request(e.Scope())
	}
	return ev, true
}

// Recent returns the buffered disruptions of a clinic, oldest first.
func (d *Detector) Recent(clinicID uuid.UUID) []Disruption {
	d.mu.Lock()
	defer d.mu.Unlock()
	ring, ok := d.buffers[clinicID]
	if !ok {
		return []Disruption{}
	}
	return ring.list()
}

// Disrupted reports whether the clinic recorded a disruption after since.
func (d *Detector) Disrupted(clinicID uuid.UUID, since time.Time) bool {
	for _, ev := range d.Recent(clinicID) {
		if ev.DetectedAt.After(since) {
			return true
		}
	}
	return false
}

// Sweep checks every in-progress appointment in batches and returns the
// number of new disruptions. Appointment dates are clinic-local, so the
// sweep covers the UTC days either side of today as well.
func (d *Detector) Sweep(ctx context.Context) (int, error) {
	now := d.clock.Now()
	today := DateOf(now)
	configs := make(map[uuid.UUID]*ClinicConfig)
	checked := make(map[uuid.UUID]bool)
	seen := make(map[uuid.UUID]bool)
	found := 0

	for _, date := range []time.Time{today.AddDate(0, 0, -1), today, today.AddDate(0, 0, 1)} {
		for offset := 0; ; offset += BatchSize {
			batch, err := d.source.ListInProgress(ctx, date, BatchSize, offset)
			if err != nil {
				return found, err
			}
			for _, e := range batch {
				if seen[e.ID] {
					continue
				}
				seen[e.ID] = true
				cfg, ok := configs[e.ClinicID]
				if !ok {
					cfg, err = d.source.GetClinicConfig(ctx, e.ClinicID)
					if err != nil {
						d.logger.Warn().Err(err).Str("clinic_id", e.ClinicID.String()).Msg("clinic config unavailable, using defaults")
						cfg = nil
					}
					configs[e.ClinicID] = cfg
				}
				if !checked[e.ClinicID] && !d.due(e.ClinicID, cfg, now) {
					continue
				}
				checked[e.ClinicID] = true
				if _, ok := d.Check(e, cfg); ok {
					found++
				}
			}
			if len(batch) < BatchSize {
				break
			}
		}
	}

	d.mu.Lock()
	for id := range checked {
		d.lastSwept[id] = now
	}
	d.mu.Unlock()
	return found, nil
}

// due honours a clinic's own check interval when it is longer than the
// system sweep interval.
func (d *Detector) due(clinicID uuid.UUID, cfg *ClinicConfig, now time.Time) bool {
	interval := d.settings.ForClinic(cfg).CheckInterval
	d.mu.Lock()
	last, ok := d.lastSwept[clinicID]
	d.mu.Unlock()
	return !ok || now.Sub(last) >= interval || interval <= d.settings.CheckInterval
}

// Start sweeps on the system check interval until ctx is cancelled.
func (d *Detector) Start(ctx context.Context) {
	interval := d.settings.CheckInterval
	if interval <= 0 {
		interval = DefaultSettings().CheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.Sweep(ctx)
			if err != nil {
				d.logger.Error().Err(err).Msg("disruption sweep failed")
				continue
			}
			if n > 0 {
				d.logger.Info().Int("disruptions", n).Msg("disruption sweep complete")
			}
		}
	}
}
