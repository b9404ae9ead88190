package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType tags a queue-state-change notification.
type EventType string

const (
	EventPatientAdded     EventType = "PATIENT_ADDED_TO_QUEUE"
	EventStatusChanged    EventType = "APPOINTMENT_STATUS_CHANGED"
	EventPatientReturned  EventType = "PATIENT_RETURNED"
	EventPatientAbsent    EventType = "PATIENT_MARKED_ABSENT"
	EventPositionChanged  EventType = "QUEUE_POSITION_CHANGED"
	EventWaitTimesUpdated EventType = "WAIT_TIMES_UPDATED"
)

// Event announces a committed mutation. Subscribers re-fetch the schedule;
// the payload is a hint, not the source of truth.
type Event struct {
	ID            uuid.UUID  `json:"id"`
	Type          EventType  `json:"type"`
	ClinicID      uuid.UUID  `json:"clinic_id"`
	StaffID       uuid.UUID  `json:"staff_id"`
	Date          string     `json:"date"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
	Status        Status     `json:"status,omitempty"`
	QueuePosition int        `json:"queue_position,omitempty"`
	PerformedBy   string     `json:"performed_by,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// Scope returns the queue the event refers to.
func (ev Event) Scope() Scope {
	d, _ := ParseDate(ev.Date)
	return Scope{ClinicID: ev.ClinicID, StaffID: ev.StaffID, Date: d}
}

// Publisher delivers events. Implementations must not block the caller on
// subscriber delivery.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

func newEntryEvent(t EventType, e *Entry, performedBy string, at time.Time) Event {
	id := e.ID
	return Event{
		ID:            uuid.New(),
		Type:          t,
		ClinicID:      e.ClinicID,
		StaffID:       e.StaffID,
		Date:          e.AppointmentDate.Format(DateLayout),
		AppointmentID: &id,
		Status:        e.Status,
		QueuePosition: e.QueuePosition,
		PerformedBy:   performedBy,
		OccurredAt:    at,
	}
}

func newScopeEvent(t EventType, s Scope, performedBy string, at time.Time) Event {
	return Event{
		ID:          uuid.New(),
		Type:        t,
		ClinicID:    s.ClinicID,
		StaffID:     s.StaffID,
		Date:        s.Date.Format(DateLayout),
		PerformedBy: performedBy,
		OccurredAt:  at,
	}
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
