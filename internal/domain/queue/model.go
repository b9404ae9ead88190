package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the persisted lifecycle state of an appointment.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

var validStatuses = map[Status]bool{
	StatusScheduled: true, StatusWaiting: true, StatusInProgress: true,
	StatusCompleted: true, StatusCancelled: true, StatusNoShow: true,
}

// Valid reports whether s belongs to the closed status set.
func (s Status) Valid() bool { return validStatuses[s] }

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// transitions lists the statuses each status may move to.
var transitions = map[Status][]Status{
	StatusScheduled:  {StatusWaiting, StatusInProgress, StatusCancelled, StatusNoShow},
	StatusWaiting:    {StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted, StatusNoShow},
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AppointmentType is the closed set of visit kinds.
type AppointmentType string

const (
	TypeConsultation AppointmentType = "consultation"
	TypeFollowUp     AppointmentType = "follow_up"
	TypeEmergency    AppointmentType = "emergency"
	TypeProcedure    AppointmentType = "procedure"
	TypeVaccination  AppointmentType = "vaccination"
	TypeScreening    AppointmentType = "screening"
)

// typeMinutes holds the rule-based duration of each appointment type.
var typeMinutes = map[AppointmentType]int{
	TypeConsultation: 15,
	TypeFollowUp:     10,
	TypeEmergency:    30,
	TypeProcedure:    45,
	TypeVaccination:  10,
	TypeScreening:    20,
}

func (t AppointmentType) Valid() bool {
	_, ok := typeMinutes[t]
	return ok
}

// AllAppointmentTypes returns the closed set in a stable order.
func AllAppointmentTypes() []AppointmentType {
	return []AppointmentType{TypeConsultation, TypeFollowUp, TypeEmergency, TypeProcedure, TypeVaccination, TypeScreening}
}

type SkipReason string

const SkipPatientAbsent SkipReason = "PATIENT_ABSENT"

// Resolution is the disposition of an absence the patient never returned from.
type Resolution string

const (
	ResolutionRebooked Resolution = "rebooked"
	ResolutionWaitlist Resolution = "waitlist"
)

type BookingMethod string

const (
	BookingOnline BookingMethod = "online"
	BookingPhone  BookingMethod = "phone"
	BookingWalkIn BookingMethod = "walk_in"
	BookingStaff  BookingMethod = "staff"
)

type QueueMode string

const (
	ModeOrdinal   QueueMode = "ordinal_queue"
	ModeFixedGrid QueueMode = "time_grid_fixed"
)

// Phase folds status, skip reason, return and resolution into one variant.
// Eligibility decisions are made on the phase alone.
type Phase string

const (
	PhaseScheduled  Phase = "scheduled"
	PhaseWaiting    Phase = "waiting"
	PhaseAbsent     Phase = "absent"
	PhaseWaitlisted Phase = "waitlisted"
	PhaseInProgress Phase = "in_progress"
	PhaseCompleted  Phase = "completed"
	PhaseCancelled  Phase = "cancelled"
	PhaseNoShow     Phase = "no_show"
)

// Callable reports whether an entry in this phase may be picked as next patient.
func (p Phase) Callable() bool { return p == PhaseScheduled || p == PhaseWaiting }

// Active reports whether the entry occupies the live queue or the room.
func (p Phase) Active() bool { return p.Callable() || p == PhaseInProgress }

func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseNoShow
}

// Entry is one appointment or walk-in for a clinic, staff member and day.
type Entry struct {
	ID                 uuid.UUID       `json:"id"`
	ClinicID           uuid.UUID       `json:"clinic_id"`
	StaffID            uuid.UUID       `json:"staff_id"`
	PatientID          *uuid.UUID      `json:"patient_id,omitempty"`
	GuestPatientID     *uuid.UUID      `json:"guest_patient_id,omitempty"`
	IsGuest            bool            `json:"is_guest"`
	IsWalkIn           bool            `json:"is_walk_in"`
	AppointmentDate    time.Time       `json:"appointment_date"`
	StartTime          time.Time       `json:"start_time"`
	EndTime            time.Time       `json:"end_time"`
	ScheduledTime      *time.Time      `json:"scheduled_time,omitempty"`
	QueuePosition      int             `json:"queue_position"`
	OriginalPosition   *int            `json:"original_position,omitempty"`
	Status             Status          `json:"status"`
	SkipReason         *SkipReason     `json:"skip_reason,omitempty"`
	SkippedAt          *time.Time      `json:"skipped_at,omitempty"`
	CheckedInAt        *time.Time      `json:"checked_in_at,omitempty"`
	ReturnedAt         *time.Time      `json:"returned_at,omitempty"`
	Resolution         *Resolution     `json:"resolution,omitempty"`
	ActualStart        *time.Time      `json:"actual_start,omitempty"`
	ActualEnd          *time.Time      `json:"actual_end,omitempty"`
	CancellationReason *string         `json:"cancellation_reason,omitempty"`
	AppointmentType    AppointmentType `json:"appointment_type"`
	ReasonForVisit     *string         `json:"reason_for_visit,omitempty"`
	BookingMethod      BookingMethod   `json:"booking_method"`
	Version            int             `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Phase derives the entry's variant from its persisted fields.
func (e *Entry) Phase() Phase {
	switch e.Status {
	case StatusCompleted:
		return PhaseCompleted
	case StatusCancelled:
		return PhaseCancelled
	case StatusNoShow:
		return PhaseNoShow
	case StatusInProgress:
		return PhaseInProgress
	}
	if e.SkipReason != nil && *e.SkipReason == SkipPatientAbsent && e.ReturnedAt == nil {
		if e.Resolution != nil && *e.Resolution == ResolutionWaitlist {
			return PhaseWaitlisted
		}
		return PhaseAbsent
	}
	if e.Status == StatusWaiting {
		return PhaseWaiting
	}
	return PhaseScheduled
}

// Scope returns the clinic/staff/day tuple the entry belongs to.
func (e *Entry) Scope() Scope {
	return Scope{ClinicID: e.ClinicID, StaffID: e.StaffID, Date: e.AppointmentDate}
}

// Duration is the booked length of the appointment.
func (e *Entry) Duration() time.Duration {
	if e.EndTime.After(e.StartTime) {
		return e.EndTime.Sub(e.StartTime)
	}
	return 0
}

// Scope identifies one queue: a staff member's day at a clinic.
type Scope struct {
	ClinicID uuid.UUID `json:"clinic_id"`
	StaffID  uuid.UUID `json:"staff_id"`
	Date     time.Time `json:"date"`
}

// NewScope normalises date to its calendar day.
func NewScope(clinicID, staffID uuid.UUID, date time.Time) Scope {
	return Scope{ClinicID: clinicID, StaffID: staffID, Date: DateOf(date)}
}

// Key is the string form used for cache keys and topics.
func (s Scope) Key() string {
	return fmt.Sprintf("%s/%s/%s", s.ClinicID, s.StaffID, s.Date.Format(DateLayout))
}

// DateLayout is the wire format of calendar dates.
const DateLayout = "2006-01-02"

// DateOf truncates t to midnight UTC of its calendar day.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, s, time.UTC)
}

// WorkingHours maps a lowercase weekday ("monday") to its open interval.
type WorkingHours map[string]DayHours

// DayHours is an open interval in local wall-clock "HH:MM".
type DayHours struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

// ClinicConfig holds per-clinic queue behaviour and overrides of system tunables.
type ClinicConfig struct {
	ClinicID                  uuid.UUID    `json:"clinic_id"`
	QueueMode                 QueueMode    `json:"queue_mode"`
	WorkingHours              WorkingHours `json:"working_hours,omitempty"`
	BufferMinutes             int          `json:"buffer_minutes"`
	AverageAppointmentMinutes int          `json:"average_appointment_minutes"`
	MaxQueueSize              int          `json:"max_queue_size"`
	AllowWalkIns              bool         `json:"allow_walk_ins"`
	Timezone                  string       `json:"timezone"`

	LateArrivalThresholdMinutes *int     `json:"late_arrival_threshold_minutes,omitempty"`
	RunOverThresholdMinutes     *int     `json:"run_over_threshold_minutes,omitempty"`
	DefaultAppointmentMinutes   *int     `json:"default_appointment_minutes,omitempty"`
	HistoryLookbackDays         *int     `json:"history_lookback_days,omitempty"`
	ConfidenceThreshold         *float64 `json:"confidence_threshold,omitempty"`
	CheckIntervalMinutes        *int     `json:"check_interval_minutes,omitempty"`
}

// Location resolves the clinic timezone, falling back to UTC.
func (c *ClinicConfig) Location() *time.Location {
	if c == nil || c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// HoursOn returns the open and close instants of the clinic on date, or false
// when no working hours are configured for that weekday.
func (c *ClinicConfig) HoursOn(date time.Time) (time.Time, time.Time, bool) {
	if c == nil || len(c.WorkingHours) == 0 {
		return time.Time{}, time.Time{}, false
	}
	day, ok := c.WorkingHours[weekdayKey(date.Weekday())]
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	loc := c.Location()
	open, err1 := clockOn(date, day.Open, loc)
	closeAt, err2 := clockOn(date, day.Close, loc)
	if err1 != nil || err2 != nil || !closeAt.After(open) {
		return time.Time{}, time.Time{}, false
	}
	return open, closeAt, true
}

// problem returns the first invalid field of c and why, or "" when c is usable.
func (c *ClinicConfig) problem() (string, string) {
	if c.QueueMode != ModeOrdinal && c.QueueMode != ModeFixedGrid {
		return "queue_mode", "must be ordinal_queue or time_grid_fixed"
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return "timezone", "unknown time zone"
		}
	}
	if c.BufferMinutes < 0 || c.AverageAppointmentMinutes < 0 || c.MaxQueueSize < 0 {
		return "config", "minutes and sizes must not be negative"
	}
	for day, h := range c.WorkingHours {
		if !validWeekday[day] {
			return "working_hours", fmt.Sprintf("unknown weekday %q", day)
		}
		open, err1 := time.Parse("15:04", h.Open)
		closeAt, err2 := time.Parse("15:04", h.Close)
		if err1 != nil || err2 != nil || !closeAt.After(open) {
			return "working_hours", fmt.Sprintf("%s must be HH:MM with open before close", day)
		}
	}
	for field, v := range map[string]*int{
		"late_arrival_threshold_minutes": c.LateArrivalThresholdMinutes,
		"run_over_threshold_minutes":     c.RunOverThresholdMinutes,
		"default_appointment_minutes":    c.DefaultAppointmentMinutes,
		"history_lookback_days":          c.HistoryLookbackDays,
		"check_interval_minutes":         c.CheckIntervalMinutes,
	} {
		if v != nil && *v <= 0 {
			return field, "must be positive"
		}
	}
	if c.ConfidenceThreshold != nil && (*c.ConfidenceThreshold < 0 || *c.ConfidenceThreshold > 1) {
		return "confidence_threshold", "must be between 0 and 1"
	}
	return "", ""
}

var validWeekday = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

func weekdayKey(d time.Weekday) string {
	switch d {
	case time.Monday:
		return "monday"
	case time.Tuesday:
		return "tuesday"
	case time.Wednesday:
		return "wednesday"
	case time.Thursday:
		return "thursday"
	case time.Friday:
		return "friday"
	case time.Saturday:
		return "saturday"
	default:
		return "sunday"
	}
}

func clockOn(date time.Time, hhmm string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc), nil
}

// OperatingMode tells callers whether estimates are being absorbed by disruptions.
type OperatingMode string

const (
	OperatingNormal    OperatingMode = "normal"
	OperatingDisrupted OperatingMode = "disrupted"
)

// Snapshot is the read model of one queue. It is rebuilt on every query.
type Snapshot struct {
	OperatingMode OperatingMode `json:"operating_mode"`
	QueueMode     QueueMode     `json:"queue_mode"`
	Scope         Scope         `json:"scope"`
	Entries       []*Entry      `json:"entries"`
	Estimates     []Estimate    `json:"estimates"`
	GeneratedAt   time.Time     `json:"generated_at"`
}

// Estimate is the projected start of one active entry.
type Estimate struct {
	AppointmentID  uuid.UUID      `json:"appointment_id"`
	QueuePosition  int            `json:"queue_position"`
	EstimatedStart time.Time      `json:"estimated_start"`
	WaitMinutes    int            `json:"wait_minutes"`
	DurationMins   int            `json:"duration_minutes"`
	Source         EstimateSource `json:"source"`
	Confidence     float64        `json:"confidence"`
}

type EstimateSource string

const (
	SourceModel EstimateSource = "model"
	SourceRule  EstimateSource = "rule"
)

// -- DTOs --

type CreateQueueEntryDTO struct {
	ClinicID        uuid.UUID     `json:"clinic_id"`
	StaffID         uuid.UUID     `json:"staff_id"`
	PatientID       *uuid.UUID    `json:"patient_id,omitempty"`
	GuestPatientID  *uuid.UUID    `json:"guest_patient_id,omitempty"`
	IsGuest         bool          `json:"is_guest"`
	AppointmentType string        `json:"appointment_type"`
	IsWalkIn        bool          `json:"is_walk_in"`
	Date            string        `json:"date,omitempty"`
	StartTime       *time.Time    `json:"start_time,omitempty"`
	EndTime         *time.Time    `json:"end_time,omitempty"`
	ReasonForVisit  *string       `json:"reason_for_visit,omitempty"`
	BookingMethod   BookingMethod `json:"booking_method,omitempty"`
	PerformedBy     string        `json:"-"`
}

type MarkAbsentDTO struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	PerformedBy   string    `json:"performed_by"`
}

type ReorderQueueDTO struct {
	ClinicID              uuid.UUID   `json:"clinic_id"`
	StaffID               uuid.UUID   `json:"staff_id"`
	Date                  string      `json:"date"`
	OrderedAppointmentIDs []uuid.UUID `json:"ordered_appointment_ids"`
	PerformedBy           string      `json:"-"`
}

type ResolveAbsentDTO struct {
	Resolution  Resolution `json:"resolution"`
	PerformedBy string     `json:"-"`
}

type CallNextPatientDTO struct {
	ClinicID    uuid.UUID `json:"clinic_id"`
	StaffID     uuid.UUID `json:"staff_id"`
	Date        string    `json:"date,omitempty"`
	PerformedBy string    `json:"-"`
}

// CheckInResult reports punctuality alongside the updated entry.
type CheckInResult struct {
	Entry              *Entry        `json:"entry"`
	WaitSinceScheduled time.Duration `json:"-"`
	WaitMinutes        int           `json:"wait_since_scheduled_minutes"`
	Late               bool          `json:"late"`
}
