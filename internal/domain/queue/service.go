package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service is the queue ordering engine: the single authority for admitting,
// ordering and advancing appointments.
type Service struct {
	repo      Repository
	tx        Transactor
	publisher Publisher
	estimator *Estimator
	detector  *Detector
	slots     *SlotChecker
	clock     Clock
	settings  Settings
	logger    zerolog.Logger
}

func NewService(repo Repository, tx Transactor, pub Publisher, est *Estimator, det *Detector, clock Clock, settings Settings, logger zerolog.Logger) *Service {
	if pub == nil {
		pub = NopPublisher{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if est == nil {
		est = NewEstimator(repo, settings, clock, logger)
	}
	return &Service{
		repo:      repo,
		tx:        tx,
		publisher: pub,
		estimator: est,
		detector:  det,
		slots:     NewSlotChecker(repo),
		clock:     clock,
		settings:  settings,
		logger:    logger.With().Str("component", "queue").Logger(),
	}
}

// -- Appointment intake --

// CreateAppointment books an appointment or admits a walk-in.
func (s *Service) CreateAppointment(ctx context.Context, dto CreateQueueEntryDTO) (*Entry, error) {
	const op = "create_appointment"
	if dto.ClinicID == uuid.Nil {
		return nil, invalid(op, "clinic_id", "is required")
	}
	if dto.StaffID == uuid.Nil {
		return nil, invalid(op, "staff_id", "is required")
	}
	if dto.IsGuest {
		if dto.GuestPatientID == nil || *dto.GuestPatientID == uuid.Nil {
			return nil, invalid(op, "guest_patient_id", "is required for guest bookings")
		}
	} else if dto.PatientID == nil || *dto.PatientID == uuid.Nil {
		return nil, invalid(op, "patient_id", "is required")
	}

	apptType := AppointmentType(dto.AppointmentType)
	if !apptType.Valid() {
		s.logger.Warn().Str("appointment_type", dto.AppointmentType).Msg("unknown appointment type, falling back to consultation")
		apptType = TypeConsultation
	}

	cfg, err := s.clinicConfig(ctx, op, dto.ClinicID)
	if err != nil {
		return nil, err
	}
	if dto.IsWalkIn && !cfg.AllowWalkIns {
		return nil, ruleViolation(op, "clinic does not accept walk-ins")
	}
	settings := s.settings.ForClinic(cfg)
	now := s.clock.Now()
	loc := cfg.Location()

	e := &Entry{
		ClinicID:        dto.ClinicID,
		StaffID:         dto.StaffID,
		PatientID:       dto.PatientID,
		GuestPatientID:  dto.GuestPatientID,
		IsGuest:         dto.IsGuest,
		IsWalkIn:        dto.IsWalkIn,
		Status:          StatusScheduled,
		AppointmentType: apptType,
		ReasonForVisit:  dto.ReasonForVisit,
		BookingMethod:   dto.BookingMethod,
	}
	if e.BookingMethod == "" {
		e.BookingMethod = BookingStaff
		if dto.IsWalkIn {
			e.BookingMethod = BookingWalkIn
		}
	}
	if dto.IsWalkIn {
		// A walk-in is on the premises, so it enters the queue checked in.
		e.Status = StatusWaiting
		e.CheckedInAt = &now
	}

	fixed := cfg.QueueMode == ModeFixedGrid
	if fixed {
		if dto.StartTime == nil || dto.StartTime.IsZero() {
			return nil, invalid(op, "start_time", "is required in time_grid_fixed mode")
		}
		e.StartTime = dto.StartTime.UTC()
		if dto.EndTime != nil && !dto.EndTime.IsZero() {
			e.EndTime = dto.EndTime.UTC()
		} else {
			e.EndTime = e.StartTime.Add(settings.RuleDuration(cfg, apptType))
		}
		if !e.EndTime.After(e.StartTime) {
			return nil, invalid(op, "end_time", "must be after start_time")
		}
		e.AppointmentDate = DateOf(e.StartTime.In(loc))
		if open, closeAt, ok := cfg.HoursOn(e.AppointmentDate); ok && (e.StartTime.Before(open) || e.EndTime.After(closeAt)) {
			return nil, ruleViolation(op, "requested time is outside clinic working hours")
		}
		scheduled := e.StartTime
		e.ScheduledTime = &scheduled
	} else {
		e.AppointmentDate = DateOf(now.In(loc))
		if dto.Date != "" {
			d, err := ParseDate(dto.Date)
			if err != nil {
				return nil, invalid(op, "date", "must be YYYY-MM-DD")
			}
			e.AppointmentDate = d
		}
		e.StartTime = now
		if dto.StartTime != nil && !dto.StartTime.IsZero() {
			e.StartTime = dto.StartTime.UTC()
		}
		e.EndTime = e.StartTime.Add(settings.RuleDuration(cfg, apptType))
	}

	scope := e.Scope()
	var moved []*Entry
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		entries, err := s.repo.ListByScope(ctx, scope)
		if err != nil {
			return err
		}
		if cfg.MaxQueueSize > 0 && countActive(entries) >= cfg.MaxQueueSize {
			return ruleViolation(op, fmt.Sprintf("queue is full (max %d)", cfg.MaxQueueSize))
		}
		if fixed {
			clashes, err := s.slots.Conflicts(ctx, e.StaffID, e.AppointmentDate, e.StartTime, e.EndTime)
			if err != nil {
				return err
			}
			if len(clashes) > 0 {
				return conflict(op, "requested slot overlaps an existing appointment", nil)
			}
		}
		maxPos, err := s.repo.MaxPosition(ctx, scope)
		if err != nil {
			return err
		}
		e.QueuePosition = maxPos + 1
		original := e.QueuePosition
		e.OriginalPosition = &original
		if err := s.repo.Create(ctx, e); err != nil {
			return err
		}
		if fixed {
			moved, err = s.rankByStartTime(ctx, append(entries, e))
			return err
		}
		return nil
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	events := []Event{newEntryEvent(EventPatientAdded, e, dto.PerformedBy, now)}
	for _, m := range moved {
		if m.ID != e.ID {
			events = append(events, newEntryEvent(EventPositionChanged, m, dto.PerformedBy, now))
		}
	}
	s.afterCommit(ctx, scope, events...)
	return e, nil
}

// rankByStartTime gives the callable, never-absent entries of a fixed-grid
// day positions in start-time order, reusing the positions they already hold.
// It returns the entries whose position changed.
func (s *Service) rankByStartTime(ctx context.Context, entries []*Entry) ([]*Entry, error) {
	var ranked []*Entry
	for _, e := range entries {
		if e.Phase().Callable() && e.ReturnedAt == nil {
			ranked = append(ranked, e)
		}
	}
	positions := make([]int, len(ranked))
	for i, e := range ranked {
		positions[i] = e.QueuePosition
	}
	sort.Ints(positions)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].StartTime.Equal(ranked[j].StartTime) {
			return ranked[i].QueuePosition < ranked[j].QueuePosition
		}
		return ranked[i].StartTime.Before(ranked[j].StartTime)
	})

	changes := make(map[uuid.UUID]int)
	for i, e := range ranked {
		if e.QueuePosition != positions[i] {
			changes[e.ID] = positions[i]
		}
	}
	if len(changes) == 0 {
		return nil, nil
	}
	if err := s.repo.ReassignPositions(ctx, changes); err != nil {
		return nil, err
	}
	var moved []*Entry
	for _, e := range ranked {
		if p, ok := changes[e.ID]; ok {
			e.QueuePosition = p
			e.Version++
			moved = append(moved, e)
		}
	}
	return moved, nil
}

// -- Queue advancement --

// CallNextPatient moves the callable entry with the lowest position into the room.
func (s *Service) CallNextPatient(ctx context.Context, dto CallNextPatientDTO) (*Entry, error) {
	const op = "call_next_patient"
	if dto.ClinicID == uuid.Nil {
		return nil, invalid(op, "clinic_id", "is required")
	}
	if dto.StaffID == uuid.Nil {
		return nil, invalid(op, "staff_id", "is required")
	}
	cfg, err := s.clinicConfig(ctx, op, dto.ClinicID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	scope, err := s.scopeFor(op, cfg, dto.StaffID, dto.Date, now)
	if err != nil {
		return nil, err
	}

	var next *Entry
	var running []*Entry
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		entries, err := s.repo.ListByScope(ctx, scope)
		if err != nil {
			return err
		}
		for _, e := range entries {
			switch {
			case e.Phase() == PhaseInProgress:
				running = append(running, e)
			case e.Phase().Callable() && (next == nil || e.QueuePosition < next.QueuePosition):
				next = e
			}
		}
		if next == nil {
			return notFound(op, "waiting patient")
		}
		next.Status = StatusInProgress
		next.ActualStart = &now
		return s.repo.Update(ctx, next)
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	if s.detector != nil {
		for _, e := range running {
			s.detector.Check(e, cfg)
		}
	}
	s.logger.Info().
		Str("clinic_id", scope.ClinicID.String()).
		Str("staff_id", scope.StaffID.String()).
		Str("appointment_id", next.ID.String()).
		Int("queue_position", next.QueuePosition).
		Msg("patient called")
	s.afterCommit(ctx, scope, newEntryEvent(EventStatusChanged, next, dto.PerformedBy, now))
	return next, nil
}

// CheckInPatient records the arrival of a booked patient.
func (s *Service) CheckInPatient(ctx context.Context, id uuid.UUID, performedBy string) (*CheckInResult, error) {
	const op = "check_in_patient"
	var result CheckInResult
	e, _, err := s.mutate(ctx, op, id, func(_ context.Context, e *Entry, cfg *ClinicConfig, now time.Time) error {
		if e.Phase() != PhaseScheduled {
			return ruleViolation(op, fmt.Sprintf("cannot check in an appointment in phase %s", e.Phase()))
		}
		e.Status = StatusWaiting
		e.CheckedInAt = &now
		result.WaitSinceScheduled = now.Sub(e.StartTime)
		result.Late = result.WaitSinceScheduled > s.settings.ForClinic(cfg).LateArrivalThreshold
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Entry = e
	result.WaitMinutes = int(result.WaitSinceScheduled / time.Minute)
	s.afterCommit(ctx, e.Scope(), newEntryEvent(EventStatusChanged, e, performedBy, *e.CheckedInAt))
	return &result, nil
}

// MarkPatientAbsent takes a callable entry out of the active queue without
// terminating it.
func (s *Service) MarkPatientAbsent(ctx context.Context, dto MarkAbsentDTO) (*Entry, error) {
	const op = "mark_patient_absent"
	var at time.Time
	e, _, err := s.mutate(ctx, op, dto.AppointmentID, func(_ context.Context, e *Entry, _ *ClinicConfig, now time.Time) error {
		if !e.Phase().Callable() {
			return ruleViolation(op, fmt.Sprintf("cannot mark absent an appointment in phase %s", e.Phase()))
		}
		reason := SkipPatientAbsent
		e.SkipReason = &reason
		e.SkippedAt = &now
		e.ReturnedAt = nil
		e.Resolution = nil
		at = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, e.Scope(), newEntryEvent(EventPatientAbsent, e, dto.PerformedBy, at))
	return e, nil
}

// MarkPatientReturned puts an absent patient back at the end of the queue.
func (s *Service) MarkPatientReturned(ctx context.Context, id uuid.UUID, performedBy string) (*Entry, error) {
	const op = "mark_patient_returned"
	e, _, err := s.mutate(ctx, op, id, func(ctx context.Context, e *Entry, _ *ClinicConfig, now time.Time) error {
		if e.Phase() != PhaseAbsent {
			return ruleViolation(op, fmt.Sprintf("cannot return an appointment in phase %s", e.Phase()))
		}
		maxPos, err := s.repo.MaxPosition(ctx, e.Scope())
		if err != nil {
			return err
		}
		e.QueuePosition = maxPos + 1
		e.ReturnedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, e.Scope(), newEntryEvent(EventPatientReturned, e, performedBy, *e.ReturnedAt))
	return e, nil
}

// ResolveAbsentAppointment disposes of an absence the patient never returned from.
func (s *Service) ResolveAbsentAppointment(ctx context.Context, id uuid.UUID, performedBy string, resolution Resolution) (*Entry, error) {
	const op = "resolve_absent_appointment"
	if resolution != ResolutionRebooked && resolution != ResolutionWaitlist {
		return nil, invalid(op, "resolution", "must be rebooked or waitlist")
	}
	var at time.Time
	e, _, err := s.mutate(ctx, op, id, func(_ context.Context, e *Entry, _ *ClinicConfig, now time.Time) error {
		if e.Phase() != PhaseAbsent {
			return ruleViolation(op, fmt.Sprintf("cannot resolve an appointment in phase %s", e.Phase()))
		}
		r := resolution
		e.Resolution = &r
		if resolution == ResolutionRebooked {
			reason := "patient absent, rebooked"
			e.Status = StatusCancelled
			e.CancellationReason = &reason
		}
		at = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, e.Scope(), newEntryEvent(EventStatusChanged, e, performedBy, at))
	return e, nil
}

// CompleteAppointment closes an in-progress appointment. Completing twice is
// rejected.
func (s *Service) CompleteAppointment(ctx context.Context, id uuid.UUID, performedBy string) (*Entry, error) {
	const op = "complete_appointment"
	e, cfg, err := s.mutate(ctx, op, id, func(_ context.Context, e *Entry, _ *ClinicConfig, now time.Time) error {
		if e.Status.Terminal() {
			return ruleViolation(op, fmt.Sprintf("appointment is already %s", e.Status))
		}
		if e.Phase() != PhaseInProgress {
			return ruleViolation(op, fmt.Sprintf("cannot complete an appointment in phase %s", e.Phase()))
		}
		e.Status = StatusCompleted
		e.ActualEnd = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.detector != nil {
		s.detector.Check(e, cfg)
	}
	s.afterCommit(ctx, e.Scope(), newEntryEvent(EventStatusChanged, e, performedBy, *e.ActualEnd))
	return e, nil
}

// CancelAppointment cancels a booking that has not started.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, performedBy, reason string) (*Entry, error) {
	const op = "cancel_appointment"
	return s.transition(ctx, op, id, performedBy, StatusCancelled, func(e *Entry, _ time.Time) {
		if reason != "" {
			e.CancellationReason = &reason
		}
	})
}

// MarkNoShow closes an appointment the patient did not attend.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID, performedBy string) (*Entry, error) {
	const op = "mark_no_show"
	return s.transition(ctx, op, id, performedBy, StatusNoShow, func(e *Entry, now time.Time) {
		if e.Status == StatusInProgress {
			e.ActualEnd = &now
		}
	})
}

func (s *Service) transition(ctx context.Context, op string, id uuid.UUID, performedBy string, to Status, apply func(*Entry, time.Time)) (*Entry, error) {
	var at time.Time
	e, _, err := s.mutate(ctx, op, id, func(_ context.Context, e *Entry, _ *ClinicConfig, now time.Time) error {
		if !CanTransition(e.Status, to) {
			return ruleViolation(op, fmt.Sprintf("cannot move appointment from %s to %s", e.Status, to))
		}
		apply(e, now)
		e.Status = to
		at = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, e.Scope(), newEntryEvent(EventStatusChanged, e, performedBy, at))
	return e, nil
}

// ReorderQueue applies a manual ordering. The ids must be exactly the callable
// entries of the day; they receive the positions the set already holds, in
// the requested order.
func (s *Service) ReorderQueue(ctx context.Context, dto ReorderQueueDTO) ([]*Entry, error) {
	const op = "reorder_queue"
	if dto.ClinicID == uuid.Nil {
		return nil, invalid(op, "clinic_id", "is required")
	}
	if dto.StaffID == uuid.Nil {
		return nil, invalid(op, "staff_id", "is required")
	}
	if len(dto.OrderedAppointmentIDs) == 0 {
		return nil, invalid(op, "ordered_appointment_ids", "must not be empty")
	}
	cfg, err := s.clinicConfig(ctx, op, dto.ClinicID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	scope, err := s.scopeFor(op, cfg, dto.StaffID, dto.Date, now)
	if err != nil {
		return nil, err
	}

	var ordered, moved []*Entry
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		entries, err := s.repo.ListByScope(ctx, scope)
		if err != nil {
			return err
		}
		active := make(map[uuid.UUID]*Entry)
		var positions []int
		for _, e := range entries {
			if e.Phase().Callable() {
				active[e.ID] = e
				positions = append(positions, e.QueuePosition)
			}
		}
		seen := make(map[uuid.UUID]bool, len(dto.OrderedAppointmentIDs))
		for _, id := range dto.OrderedAppointmentIDs {
			if seen[id] {
				return invalid(op, "ordered_appointment_ids", fmt.Sprintf("duplicate id %s", id))
			}
			seen[id] = true
			if _, ok := active[id]; !ok {
				return invalid(op, "ordered_appointment_ids", fmt.Sprintf("%s is not in the active queue", id))
			}
		}
		if len(seen) != len(active) {
			return invalid(op, "ordered_appointment_ids", fmt.Sprintf("%d active appointments missing from the ordering", len(active)-len(seen)))
		}

		sort.Ints(positions)
		changes := make(map[uuid.UUID]int)
		for i, id := range dto.OrderedAppointmentIDs {
			e := active[id]
			if e.QueuePosition != positions[i] {
				changes[id] = positions[i]
			}
			e.QueuePosition = positions[i]
			ordered = append(ordered, e)
		}
		if len(changes) == 0 {
			return nil
		}
		if err := s.repo.ReassignPositions(ctx, changes); err != nil {
			return err
		}
		for _, e := range ordered {
			if _, ok := changes[e.ID]; ok {
				e.Version++
				moved = append(moved, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.fail(op, err)
	}

	// One event per entry that actually moved; an unchanged ordering is silent.
	events := make([]Event, 0, len(moved))
	for _, e := range moved {
		events = append(events, newEntryEvent(EventPositionChanged, e, dto.PerformedBy, now))
	}
	s.afterCommit(ctx, scope, events...)
	return ordered, nil
}

// ConfigureClinic creates or replaces the queue configuration of a clinic.
func (s *Service) ConfigureClinic(ctx context.Context, cfg *ClinicConfig) (*ClinicConfig, error) {
	const op = "configure_clinic"
	if cfg == nil || cfg.ClinicID == uuid.Nil {
		return nil, invalid(op, "clinic_id", "is required")
	}
	if cfg.QueueMode == "" {
		cfg.QueueMode = ModeOrdinal
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if field, msg := cfg.problem(); field != "" {
		return nil, invalid(op, field, msg)
	}
	if err := s.repo.UpsertClinicConfig(ctx, cfg); err != nil {
		return nil, s.fail(op, err)
	}
	s.logger.Info().Str("clinic_id", cfg.ClinicID.String()).Str("queue_mode", string(cfg.QueueMode)).Msg("clinic queue configured")
	return cfg, nil
}

func (s *Service) GetClinicConfig(ctx context.Context, clinicID uuid.UUID) (*ClinicConfig, error) {
	return s.clinicConfig(ctx, "get_clinic_config", clinicID)
}

// -- Reads --

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, s.fail("get_appointment", err)
	}
	return e, nil
}

// GetSchedule builds the snapshot of one queue with wait-time estimates.
func (s *Service) GetSchedule(ctx context.Context, clinicID, staffID uuid.UUID, date string) (*Snapshot, error) {
	const op = "get_schedule"
	cfg, err := s.clinicConfig(ctx, op, clinicID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	scope, err := s.scopeFor(op, cfg, staffID, date, now)
	if err != nil {
		return nil, err
	}
	entries, err := s.repo.ListByScope(ctx, scope)
	if err != nil {
		return nil, s.fail(op, err)
	}
	estimates, err := s.estimator.Estimate(ctx, cfg, scope, entries)
	if err != nil {
		return nil, s.fail(op, err)
	}

	mode := OperatingNormal
	if s.detector != nil && s.detector.Disrupted(clinicID, now.Add(-s.settings.ForClinic(cfg).CheckInterval)) {
		mode = OperatingDisrupted
	}
	return &Snapshot{
		OperatingMode: mode,
		QueueMode:     cfg.QueueMode,
		Scope:         scope,
		Entries:       entries,
		Estimates:     estimates,
		GeneratedAt:   now,
	}, nil
}

// ListHistory pages through every entry of the day, terminal ones included.
func (s *Service) ListHistory(ctx context.Context, clinicID, staffID uuid.UUID, date string, limit, offset int) ([]*Entry, int, error) {
	const op = "list_history"
	cfg, err := s.clinicConfig(ctx, op, clinicID)
	if err != nil {
		return nil, 0, err
	}
	scope, err := s.scopeFor(op, cfg, staffID, date, s.clock.Now())
	if err != nil {
		return nil, 0, err
	}
	items, total, err := s.repo.ListByScopePage(ctx, scope, limit, offset)
	if err != nil {
		return nil, 0, s.fail(op, err)
	}
	return items, total, nil
}

// AvailableSlots returns the fixed grid of a staff member's day.
func (s *Service) AvailableSlots(ctx context.Context, clinicID, staffID uuid.UUID, date string, apptType string) ([]Slot, error) {
	const op = "available_slots"
	cfg, err := s.clinicConfig(ctx, op, clinicID)
	if err != nil {
		return nil, err
	}
	if cfg.QueueMode != ModeFixedGrid {
		return nil, ruleViolation(op, "slot grid is only available in time_grid_fixed mode")
	}
	scope, err := s.scopeFor(op, cfg, staffID, date, s.clock.Now())
	if err != nil {
		return nil, err
	}
	t := AppointmentType(apptType)
	if !t.Valid() {
		t = TypeConsultation
	}
	slots, err := s.slots.AvailableSlots(ctx, cfg, s.settings.ForClinic(cfg), staffID, scope.Date, t)
	if err != nil {
		return nil, s.fail(op, err)
	}
	return slots, nil
}

// Disruptions returns the recent run-over events of a clinic.
func (s *Service) Disruptions(clinicID uuid.UUID) []Disruption {
	if s.detector == nil {
		return []Disruption{}
	}
	return s.detector.Recent(clinicID)
}

// Recalculate refreshes the cached estimates of scope and tells subscribers.
// It is safe to run more than once for the same scope.
func (s *Service) Recalculate(ctx context.Context, scope Scope) {
	cfg, err := s.repo.GetClinicConfig(ctx, scope.ClinicID)
	if err != nil {
		s.logger.Warn().Err(err).Str("scope", scope.Key()).Msg("recalculation skipped, clinic config unavailable")
		return
	}
	entries, err := s.repo.ListByScope(ctx, scope)
	if err != nil {
		s.logger.Warn().Err(err).Str("scope", scope.Key()).Msg("recalculation skipped, queue unavailable")
		return
	}
	if _, err := s.estimator.Refresh(ctx, cfg, scope, entries); err != nil {
		s.logger.Warn().Err(err).Str("scope", scope.Key()).Msg("recalculation failed")
		return
	}
	ev := newScopeEvent(EventWaitTimesUpdated, scope, "system", s.clock.Now())
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("scope", scope.Key()).Msg("publish wait-time update failed")
	}
}

// -- helpers --

type mutation func(ctx context.Context, e *Entry, cfg *ClinicConfig, now time.Time) error

// mutate loads an entry, applies fn and persists it in one transaction.
func (s *Service) mutate(ctx context.Context, op string, id uuid.UUID, fn mutation) (*Entry, *ClinicConfig, error) {
	if id == uuid.Nil {
		return nil, nil, invalid(op, "appointment_id", "is required")
	}
	var entry *Entry
	var cfg *ClinicConfig
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		e, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		c, err := s.repo.GetClinicConfig(ctx, e.ClinicID)
		if err != nil {
			if errors.Is(err, ErrNoRows) {
				return notFound(op, "clinic")
			}
			return err
		}
		if err := fn(ctx, e, c, s.clock.Now()); err != nil {
			return err
		}
		if err := s.repo.Update(ctx, e); err != nil {
			return err
		}
		entry, cfg = e, c
		return nil
	})
	if err != nil {
		return nil, nil, s.fail(op, err)
	}
	return entry, cfg, nil
}

func (s *Service) clinicConfig(ctx context.Context, op string, clinicID uuid.UUID) (*ClinicConfig, error) {
	cfg, err := s.repo.GetClinicConfig(ctx, clinicID)
	if err != nil {
		if errors.Is(err, ErrNoRows) {
			return nil, notFound(op, "clinic")
		}
		return nil, s.fail(op, err)
	}
	return cfg, nil
}

func (s *Service) scopeFor(op string, cfg *ClinicConfig, staffID uuid.UUID, date string, now time.Time) (Scope, error) {
	if staffID == uuid.Nil {
		return Scope{}, invalid(op, "staff_id", "is required")
	}
	d := DateOf(now.In(cfg.Location()))
	if date != "" {
		parsed, err := ParseDate(date)
		if err != nil {
			return Scope{}, invalid(op, "date", "must be YYYY-MM-DD")
		}
		d = parsed
	}
	return NewScope(cfg.ClinicID, staffID, d), nil
}

// fail classifies err and logs failures the caller cannot fix by retrying.
func (s *Service) fail(op string, err error) error {
	out := storeError(op, err)
	switch KindOf(out) {
	case KindIntegrity:
		s.logger.Error().Err(err).Str("op", op).Msg("store integrity failure")
	case KindExternalService:
		s.logger.Error().Err(err).Str("op", op).Msg("store unavailable")
	case KindConflict:
		s.logger.Warn().Err(err).Str("op", op).Msg("write conflict")
	}
	return out
}

// afterCommit runs once a mutation is durable. Publishing never fails the
// operation.
func (s *Service) afterCommit(ctx context.Context, scope Scope, events ...Event) {
	s.estimator.Invalidate(scope)
	pubCtx := context.WithoutCancel(ctx)
	for _, ev := range events {
		if err := s.publisher.Publish(pubCtx, ev); err != nil {
			s.logger.Warn().Err(err).Str("event", string(ev.Type)).Str("scope", scope.Key()).Msg("event publish failed")
		}
	}
}

func countActive(entries []*Entry) int {
	n := 0
	for _, e := range entries {
		if e.Phase().Active() {
			n++
		}
	}
	return n
}
