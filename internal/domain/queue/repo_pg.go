package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicq/clinicq/internal/platform/db"
)

// SQLSTATE codes the repository translates.
const (
	pgUniqueViolation       = "23505"
	pgExclusionViolation    = "23P01"
	pgForeignKeyViolation   = "23503"
	pgSerializationFailure  = "40001"
	constraintQueuePosition = "uq_appointment_queue_position"
)

// translatePgError maps driver errors onto the store errors the engine
// understands. Classification is by SQLSTATE, never by message text.
func translatePgError(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" || errors.Is(err, ErrDuplicate) || errors.Is(err, ErrStaleVersion) ||
		errors.Is(err, ErrIntegrityViolation) || errors.Is(err, ErrNoRows) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoRows
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgExclusionViolation:
			return &ConstraintError{Constraint: pgErr.ConstraintName, Err: err}
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s: %v", ErrIntegrityViolation, pgErr.ConstraintName, err)
		case pgSerializationFailure:
			return fmt.Errorf("%w: %v", ErrStaleVersion, err)
		}
	}
	return err
}

// RepoPG is the Postgres store. It is both the Repository and the Transactor
// of the engine.
type RepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) *RepoPG { return &RepoPG{pool: pool} }

var (
	_ Repository = (*RepoPG)(nil)
	_ Transactor = (*RepoPG)(nil)
)

func (r *RepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// InTx runs fn in one transaction; errors raised at commit, such as deferred
// constraint checks, are translated like any other statement error.
func (r *RepoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return translatePgError(db.InTx(ctx, r.pool, fn))
}

const entryCols = `id, clinic_id, staff_id, patient_id, guest_patient_id, is_guest, is_walk_in,
	appointment_date, start_time, end_time, scheduled_time, queue_position, original_position,
	status, skip_reason, skipped_at, checked_in_at, returned_at, resolution,
	actual_start, actual_end, cancellation_reason, appointment_type, reason_for_visit,
	booking_method, version, created_at, updated_at`

func (r *RepoPG) scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var status, apptType, booking string
	var skip, resolution *string
	err := row.Scan(&e.ID, &e.ClinicID, &e.StaffID, &e.PatientID, &e.GuestPatientID, &e.IsGuest, &e.IsWalkIn,
		&e.AppointmentDate, &e.StartTime, &e.EndTime, &e.ScheduledTime, &e.QueuePosition, &e.OriginalPosition,
		&status, &skip, &e.SkippedAt, &e.CheckedInAt, &e.ReturnedAt, &resolution,
		&e.ActualStart, &e.ActualEnd, &e.CancellationReason, &apptType, &e.ReasonForVisit,
		&booking, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, translatePgError(err)
	}
	e.Status = Status(status)
	e.AppointmentType = AppointmentType(apptType)
	e.BookingMethod = BookingMethod(booking)
	if skip != nil {
		s := SkipReason(*skip)
		e.SkipReason = &s
	}
	if resolution != nil {
		res := Resolution(*resolution)
		e.Resolution = &res
	}
	e.AppointmentDate = DateOf(e.AppointmentDate)
	return &e, nil
}

func (r *RepoPG) scanEntries(rows pgx.Rows) ([]*Entry, error) {
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, translatePgError(rows.Err())
}

func textOrNil[T ~string](v *T) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func (r *RepoPG) Create(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	e.Version = 1
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, clinic_id, staff_id, patient_id, guest_patient_id, is_guest, is_walk_in,
			appointment_date, start_time, end_time, scheduled_time, queue_position, original_position,
			status, skip_reason, skipped_at, checked_in_at, returned_at, resolution,
			actual_start, actual_end, cancellation_reason, appointment_type, reason_for_visit,
			booking_method, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		RETURNING created_at, updated_at`,
		e.ID, e.ClinicID, e.StaffID, e.PatientID, e.GuestPatientID, e.IsGuest, e.IsWalkIn,
		e.AppointmentDate, e.StartTime, e.EndTime, e.ScheduledTime, e.QueuePosition, e.OriginalPosition,
		string(e.Status), textOrNil(e.SkipReason), e.SkippedAt, e.CheckedInAt, e.ReturnedAt, textOrNil(e.Resolution),
		e.ActualStart, e.ActualEnd, e.CancellationReason, string(e.AppointmentType), e.ReasonForVisit,
		string(e.BookingMethod), e.Version,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	return translatePgError(err)
}

func (r *RepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return r.scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM appointment WHERE id = $1`, id))
}

// Update writes the mutable columns when the stored version equals e.Version.
func (r *RepoPG) Update(ctx context.Context, e *Entry) error {
	var updatedAt time.Time
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE appointment SET queue_position=$3, status=$4, skip_reason=$5, skipped_at=$6,
			checked_in_at=$7, returned_at=$8, resolution=$9, actual_start=$10, actual_end=$11,
			cancellation_reason=$12, start_time=$13, end_time=$14,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING updated_at`,
		e.ID, e.Version, e.QueuePosition, string(e.Status), textOrNil(e.SkipReason), e.SkippedAt,
		e.CheckedInAt, e.ReturnedAt, textOrNil(e.Resolution), e.ActualStart, e.ActualEnd,
		e.CancellationReason, e.StartTime, e.EndTime)
	if err != nil {
		return translatePgError(err)
	}
	n := 0
	for rows.Next() {
		if err := rows.Scan(&updatedAt); err != nil {
			rows.Close()
			return translatePgError(err)
		}
		n++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return translatePgError(err)
	}
	switch {
	case n == 0:
		return fmt.Errorf("appointment %s at version %d: %w", e.ID, e.Version, ErrStaleVersion)
	case n > 1:
		return fmt.Errorf("update of appointment %s touched %d rows: %w", e.ID, n, ErrIntegrityViolation)
	}
	e.Version++
	e.UpdatedAt = updatedAt
	return nil
}

func (r *RepoPG) ListByScope(ctx context.Context, scope Scope) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM appointment
		WHERE clinic_id = $1 AND staff_id = $2 AND appointment_date = $3
		ORDER BY queue_position`, scope.ClinicID, scope.StaffID, scope.Date)
	if err != nil {
		return nil, translatePgError(err)
	}
	return r.scanEntries(rows)
}

func (r *RepoPG) ListByScopePage(ctx context.Context, scope Scope, limit, offset int) ([]*Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointment
		WHERE clinic_id = $1 AND staff_id = $2 AND appointment_date = $3`,
		scope.ClinicID, scope.StaffID, scope.Date).Scan(&total); err != nil {
		return nil, 0, translatePgError(err)
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM appointment
		WHERE clinic_id = $1 AND staff_id = $2 AND appointment_date = $3
		ORDER BY queue_position LIMIT $4 OFFSET $5`,
		scope.ClinicID, scope.StaffID, scope.Date, limit, offset)
	if err != nil {
		return nil, 0, translatePgError(err)
	}
	items, err := r.scanEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// MaxPosition considers every row of the staff member's day because the
// position constraint does too.
func (r *RepoPG) MaxPosition(ctx context.Context, scope Scope) (int, error) {
	var pos int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COALESCE(MAX(queue_position), 0) FROM appointment
		WHERE staff_id = $1 AND appointment_date = $2`, scope.StaffID, scope.Date).Scan(&pos)
	return pos, translatePgError(err)
}

func (r *RepoPG) ListOverlapping(ctx context.Context, staffID uuid.UUID, date, start, end time.Time) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM appointment
		WHERE staff_id = $1 AND appointment_date = $2
		  AND status IN ('scheduled', 'waiting', 'in_progress')
		  AND start_time < $4 AND end_time > $3
		ORDER BY start_time`, staffID, date, start, end)
	if err != nil {
		return nil, translatePgError(err)
	}
	return r.scanEntries(rows)
}

// ReassignPositions defers the position constraint for the permutation and
// checks it again before returning.
func (r *RepoPG) ReassignPositions(ctx context.Context, positions map[uuid.UUID]int) error {
	if len(positions) == 0 {
		return nil
	}
	return r.InTx(ctx, func(ctx context.Context) error {
		c := r.conn(ctx)
		if _, err := c.Exec(ctx, `SET CONSTRAINTS `+constraintQueuePosition+` DEFERRED`); err != nil {
			return translatePgError(err)
		}
		batch := &pgx.Batch{}
		for id, pos := range positions {
			batch.Queue(`UPDATE appointment SET queue_position = $2, version = version + 1, updated_at = NOW() WHERE id = $1`, id, pos)
		}
		tx := db.TxFromContext(ctx)
		br := tx.SendBatch(ctx, batch)
		for range positions {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return translatePgError(err)
			}
			if tag.RowsAffected() != 1 {
				br.Close()
				return fmt.Errorf("reassign position: %w", ErrStaleVersion)
			}
		}
		if err := br.Close(); err != nil {
			return translatePgError(err)
		}
		_, err := c.Exec(ctx, `SET CONSTRAINTS `+constraintQueuePosition+` IMMEDIATE`)
		return translatePgError(err)
	})
}

func (r *RepoPG) ListInProgress(ctx context.Context, date time.Time, limit, offset int) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM appointment
		WHERE status = 'in_progress' AND appointment_date = $1
		ORDER BY clinic_id, actual_start, id LIMIT $2 OFFSET $3`, date, limit, offset)
	if err != nil {
		return nil, translatePgError(err)
	}
	return r.scanEntries(rows)
}

func (r *RepoPG) ListCompletedDurations(ctx context.Context, clinicID uuid.UUID, t AppointmentType, since time.Time, limit int) ([]time.Duration, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT EXTRACT(EPOCH FROM (actual_end - actual_start))::float8
		FROM appointment
		WHERE clinic_id = $1 AND appointment_type = $2 AND status = 'completed'
		  AND actual_start IS NOT NULL AND actual_end > actual_start AND actual_end >= $3
		ORDER BY actual_end DESC
		LIMIT $4`, clinicID, string(t), since, limit)
	if err != nil {
		return nil, translatePgError(err)
	}
	defer rows.Close()
	var out []time.Duration
	for rows.Next() {
		var secs float64
		if err := rows.Scan(&secs); err != nil {
			return nil, translatePgError(err)
		}
		out = append(out, time.Duration(secs*float64(time.Second)))
	}
	return out, translatePgError(rows.Err())
}

func (r *RepoPG) GetClinicConfig(ctx context.Context, clinicID uuid.UUID) (*ClinicConfig, error) {
	var c ClinicConfig
	var mode string
	var hours []byte
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT clinic_id, queue_mode, working_hours, buffer_minutes, average_appointment_minutes,
			max_queue_size, allow_walk_ins, timezone,
			late_arrival_threshold_minutes, run_over_threshold_minutes, default_appointment_minutes,
			history_lookback_days, confidence_threshold, check_interval_minutes
		FROM clinic_queue_config WHERE clinic_id = $1`, clinicID).Scan(
		&c.ClinicID, &mode, &hours, &c.BufferMinutes, &c.AverageAppointmentMinutes,
		&c.MaxQueueSize, &c.AllowWalkIns, &c.Timezone,
		&c.LateArrivalThresholdMinutes, &c.RunOverThresholdMinutes, &c.DefaultAppointmentMinutes,
		&c.HistoryLookbackDays, &c.ConfidenceThreshold, &c.CheckIntervalMinutes)
	if err != nil {
		return nil, translatePgError(err)
	}
	c.QueueMode = QueueMode(mode)
	if len(hours) > 0 {
		if err := json.Unmarshal(hours, &c.WorkingHours); err != nil {
			return nil, fmt.Errorf("decode working hours of clinic %s: %w", clinicID, err)
		}
	}
	return &c, nil
}

// UpsertClinicConfig creates or replaces a clinic's queue configuration.
func (r *RepoPG) UpsertClinicConfig(ctx context.Context, c *ClinicConfig) error {
	var hours []byte
	if len(c.WorkingHours) > 0 {
		var err error
		if hours, err = json.Marshal(c.WorkingHours); err != nil {
			return fmt.Errorf("encode working hours: %w", err)
		}
	}
	mode := c.QueueMode
	if mode == "" {
		mode = ModeOrdinal
	}
	tz := c.Timezone
	if tz == "" {
		tz = "UTC"
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO clinic_queue_config (clinic_id, queue_mode, working_hours, buffer_minutes,
			average_appointment_minutes, max_queue_size, allow_walk_ins, timezone,
			late_arrival_threshold_minutes, run_over_threshold_minutes, default_appointment_minutes,
			history_lookback_days, confidence_threshold, check_interval_minutes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (clinic_id) DO UPDATE SET
			queue_mode = EXCLUDED.queue_mode, working_hours = EXCLUDED.working_hours,
			buffer_minutes = EXCLUDED.buffer_minutes,
			average_appointment_minutes = EXCLUDED.average_appointment_minutes,
			max_queue_size = EXCLUDED.max_queue_size, allow_walk_ins = EXCLUDED.allow_walk_ins,
			timezone = EXCLUDED.timezone,
			late_arrival_threshold_minutes = EXCLUDED.late_arrival_threshold_minutes,
			run_over_threshold_minutes = EXCLUDED.run_over_threshold_minutes,
			default_appointment_minutes = EXCLUDED.default_appointment_minutes,
			history_lookback_days = EXCLUDED.history_lookback_days,
			confidence_threshold = EXCLUDED.confidence_threshold,
			check_interval_minutes = EXCLUDED.check_interval_minutes,
			updated_at = NOW()`,
		c.ClinicID, string(mode), hours, c.BufferMinutes, c.AverageAppointmentMinutes,
		c.MaxQueueSize, c.AllowWalkIns, tz,
		c.LateArrivalThresholdMinutes, c.RunOverThresholdMinutes, c.DefaultAppointmentMinutes,
		c.HistoryLookbackDays, c.ConfidenceThreshold, c.CheckIntervalMinutes)
	return translatePgError(err)
}
