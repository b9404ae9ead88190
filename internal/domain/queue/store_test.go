package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// -- In-memory store --
//
// memStore emulates the Postgres store closely enough to exercise the engine:
// version checks, the queue position unique constraint, the staff interval
// exclusion constraint and transaction rollback.

type memStore struct {
	txMu sync.Mutex

	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
	configs map[uuid.UUID]*ClinicConfig
	samples map[AppointmentType][]time.Duration

	// err, when set, is returned by every store call.
	err error
	// blindOverlap hides existing rows from ListOverlapping so only the
	// exclusion constraint can catch a double booking.
	blindOverlap bool
	// beforeUpdate runs ahead of the version check of Update.
	beforeUpdate func(e *Entry)
}

func newMemStore() *memStore {
	return &memStore{
		entries: make(map[uuid.UUID]*Entry),
		configs: make(map[uuid.UUID]*ClinicConfig),
		samples: make(map[AppointmentType][]time.Duration),
	}
}

func clone(e *Entry) *Entry {
	c := *e
	return &c
}

func (m *memStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	saved := make(map[uuid.UUID]*Entry, len(m.entries))
	for id, e := range m.entries {
		saved[id] = clone(e)
	}
	m.mu.Unlock()

	if err := fn(ctx); err != nil {
		m.mu.Lock()
		m.entries = saved
		m.mu.Unlock()
		return err
	}
	return nil
}

// violation checks e against every other row; callers hold m.mu.
func (m *memStore) violation(e *Entry) error {
	for _, o := range m.entries {
		if o.ID == e.ID || o.StaffID != e.StaffID {
			continue
		}
		if o.AppointmentDate.Equal(e.AppointmentDate) && o.QueuePosition == e.QueuePosition {
			return &ConstraintError{Constraint: "uq_appointment_queue_position"}
		}
		if e.ScheduledTime != nil && o.ScheduledTime != nil && holdsSlot(e) && holdsSlot(o) &&
			Overlaps(o.StartTime, o.EndTime, e.StartTime, e.EndTime) {
			return &ConstraintError{Constraint: "ex_appointment_staff_interval"}
		}
	}
	return nil
}

func (m *memStore) Create(ctx context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if err := m.violation(e); err != nil {
		return err
	}
	e.Version = 1
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	m.entries[e.ID] = clone(e)
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrNoRows
	}
	return clone(e), nil
}

func (m *memStore) Update(ctx context.Context, e *Entry) error {
	if m.beforeUpdate != nil {
		m.beforeUpdate(e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cur, ok := m.entries[e.ID]
	if !ok || cur.Version != e.Version {
		return ErrStaleVersion
	}
	if err := m.violation(e); err != nil {
		return err
	}
	e.Version++
	e.UpdatedAt = time.Now()
	m.entries[e.ID] = clone(e)
	return nil
}

func (m *memStore) scope(s Scope) []*Entry {
	var out []*Entry
	for _, e := range m.entries {
		if e.ClinicID == s.ClinicID && e.StaffID == s.StaffID && e.AppointmentDate.Equal(s.Date) {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuePosition < out[j].QueuePosition })
	return out
}

func (m *memStore) ListByScope(ctx context.Context, s Scope) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.scope(s), nil
}

func (m *memStore) ListByScopePage(ctx context.Context, s Scope, limit, offset int) ([]*Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, 0, m.err
	}
	all := m.scope(s)
	if offset >= len(all) {
		return []*Entry{}, len(all), nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (m *memStore) MaxPosition(ctx context.Context, s Scope) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	max := 0
	for _, e := range m.entries {
		if e.StaffID == s.StaffID && e.AppointmentDate.Equal(s.Date) && e.QueuePosition > max {
			max = e.QueuePosition
		}
	}
	return max, nil
}

func (m *memStore) ListOverlapping(ctx context.Context, staffID uuid.UUID, date, start, end time.Time) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.blindOverlap {
		return nil, nil
	}
	var out []*Entry
	for _, e := range m.entries {
		if e.StaffID != staffID || !e.AppointmentDate.Equal(date) {
			continue
		}
		switch e.Status {
		case StatusScheduled, StatusWaiting, StatusInProgress:
		default:
			continue
		}
		if Overlaps(e.StartTime, e.EndTime, start, end) {
			out = append(out, clone(e))
		}
	}
	return out, nil
}

func (m *memStore) ReassignPositions(ctx context.Context, positions map[uuid.UUID]int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	next := make(map[uuid.UUID]*Entry, len(m.entries))
	for id, e := range m.entries {
		next[id] = clone(e)
	}
	for id, pos := range positions {
		e, ok := next[id]
		if !ok {
			return ErrStaleVersion
		}
		e.QueuePosition = pos
		e.Version++
	}
	type key struct {
		staff uuid.UUID
		date  time.Time
		pos   int
	}
	seen := make(map[key]bool)
	for _, e := range next {
		k := key{e.StaffID, e.AppointmentDate, e.QueuePosition}
		if seen[k] {
			return &ConstraintError{Constraint: "uq_appointment_queue_position"}
		}
		seen[k] = true
	}
	m.entries = next
	return nil
}

func (m *memStore) ListInProgress(ctx context.Context, date time.Time, limit, offset int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var all []*Entry
	for _, e := range m.entries {
		if e.Status == StatusInProgress && e.AppointmentDate.Equal(date) {
			all = append(all, clone(e))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID.String() < all[j].ID.String() })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *memStore) ListCompletedDurations(ctx context.Context, clinicID uuid.UUID, t AppointmentType, since time.Time, limit int) ([]time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := append([]time.Duration(nil), m.samples[t]...)
	for _, e := range m.entries {
		if e.ClinicID == clinicID && e.AppointmentType == t && e.Status == StatusCompleted &&
			e.ActualStart != nil && e.ActualEnd != nil && !e.ActualEnd.Before(since) {
			out = append(out, e.ActualEnd.Sub(*e.ActualStart))
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) GetClinicConfig(ctx context.Context, clinicID uuid.UUID) (*ClinicConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.configs[clinicID]
	if !ok {
		return nil, ErrNoRows
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) UpsertClinicConfig(ctx context.Context, c *ClinicConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	cp := *c
	m.configs[c.ClinicID] = &cp
	return nil
}

// seed stores e directly, bypassing the engine.
func (m *memStore) seed(e *Entry) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Version == 0 {
		e.Version = 1
	}
	m.entries[e.ID] = clone(e)
	return e
}

func (m *memStore) get(id uuid.UUID) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		return clone(e)
	}
	return nil
}

// -- Clock and publisher --

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) types() []EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

// since returns the events published after the first n.
func (p *recordingPublisher) since(n int) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events[n:]...)
}

func (p *recordingPublisher) last() Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return Event{}
	}
	return p.events[len(p.events)-1]
}

type recordingRecalc struct {
	mu     sync.Mutex
	scopes []Scope
}

func (r *recordingRecalc) Request(s Scope) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scopes = append(r.scopes, s)
	return true
}

func (r *recordingRecalc) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.scopes)
}
