package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository is the store contract the engine relies on. Implementations must
// enforce uniqueness of (staff_id, appointment_date, queue_position) and, in
// fixed-grid mode, non-overlap of active intervals per staff, reporting
// violations as ErrDuplicate.
type Repository interface {
	Create(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	// Update persists e if its version still matches, then bumps e.Version.
	Update(ctx context.Context, e *Entry) error
	// ListByScope returns every entry of the day ordered by queue position.
	ListByScope(ctx context.Context, scope Scope) ([]*Entry, error)
	ListByScopePage(ctx context.Context, scope Scope, limit, offset int) ([]*Entry, int, error)
	// MaxPosition returns the highest position ever assigned in scope, 0 if none.
	MaxPosition(ctx context.Context, scope Scope) (int, error)
	// ListOverlapping returns active entries of staffID on date whose interval
	// intersects [start, end).
	ListOverlapping(ctx context.Context, staffID uuid.UUID, date, start, end time.Time) ([]*Entry, error)
	// ReassignPositions atomically sets the queue position of each entry.
	ReassignPositions(ctx context.Context, positions map[uuid.UUID]int) error
	ListInProgress(ctx context.Context, date time.Time, limit, offset int) ([]*Entry, error)
	ListCompletedDurations(ctx context.Context, clinicID uuid.UUID, t AppointmentType, since time.Time, limit int) ([]time.Duration, error)
	GetClinicConfig(ctx context.Context, clinicID uuid.UUID) (*ClinicConfig, error)
	UpsertClinicConfig(ctx context.Context, cfg *ClinicConfig) error
}

// Transactor runs fn inside one store transaction. Repositories called with
// the ctx passed to fn participate in it.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
