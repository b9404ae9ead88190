package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func runningEntry(started time.Time) *Entry {
	return &Entry{
		ID:              uuid.New(),
		ClinicID:        testClinic,
		StaffID:         testStaff,
		AppointmentDate: testDay,
		Status:          StatusInProgress,
		AppointmentType: TypeConsultation,
		StartTime:       started,
		EndTime:         started.Add(15 * time.Minute),
		ActualStart:     &started,
	}
}

func newTestDetector(store *memStore, clock *fakeClock, rc Recalculator) *Detector {
	return NewDetector(store, DefaultSettings(), clock, rc, zerolog.Nop())
}

func TestDetector_Check(t *testing.T) {
	clock := newFakeClock(at(9, 0))
	rc := &recordingRecalc{}
	det := newTestDetector(newMemStore(), clock, rc)

	onTime := runningEntry(at(8, 40))
	if _, ok := det.Check(onTime, nil); ok {
		t.Error("20 minutes on a 15 minute slot is within the threshold")
	}

	over := runningEntry(at(8, 30))
	d, ok := det.Check(over, nil)
	if !ok {
		t.Fatal("expected a disruption")
	}
	if d.ExpectedMins != 15 || d.ActualMins != 30 || d.OverrunMins != 15 {
		t.Errorf("unexpected disruption %+v", d)
	}
	if rc.count() != 1 {
		t.Errorf("expected one recalculation request, got %d", rc.count())
	}

	// Reported once per entry.
	clock.Advance(10 * time.Minute)
	if _, ok := det.Check(over, nil); ok {
		t.Error("duplicate disruption reported")
	}
	if rc.count() != 1 {
		t.Errorf("duplicate check must not request recalculation, got %d", rc.count())
	}

	if !det.Disrupted(testClinic, at(9, 0).Add(-time.Minute)) {
		t.Error("expected clinic to be disrupted")
	}
	if det.Disrupted(uuid.New(), time.Time{}) {
		t.Error("unrelated clinic must not be disrupted")
	}
}

func TestDetector_CheckCompleted(t *testing.T) {
	det := newTestDetector(newMemStore(), newFakeClock(at(12, 0)), nil)
	e := runningEntry(at(9, 0))
	e.Status = StatusCompleted
	end := at(9, 20)
	e.ActualEnd = &end
	if _, ok := det.Check(e, nil); ok {
		t.Error("a 20 minute visit is within the threshold")
	}

	late := runningEntry(at(10, 0))
	late.Status = StatusCompleted
	lateEnd := at(10, 26)
	late.ActualEnd = &lateEnd
	if _, ok := det.Check(late, nil); !ok {
		t.Error("expected a completed run-over to be flagged")
	}

	if _, ok := det.Check(&Entry{Status: StatusScheduled}, nil); ok {
		t.Error("not-started entries are never disruptions")
	}
}

func TestDetector_ClinicThreshold(t *testing.T) {
	det := newTestDetector(newMemStore(), newFakeClock(at(9, 0)), nil)
	tight := 2
	cfg := &ClinicConfig{ClinicID: testClinic, RunOverThresholdMinutes: &tight}
	if _, ok := det.Check(runningEntry(at(8, 40)), cfg); !ok {
		t.Error("expected the clinic threshold to apply")
	}
}

func TestDetector_BufferEvictsOldest(t *testing.T) {
	clock := newFakeClock(at(12, 0))
	det := newTestDetector(newMemStore(), clock, nil)
	var ids []uuid.UUID
	for i := 0; i < MaxDisruptionBuffer+2; i++ {
		e := runningEntry(at(8, 0))
		ids = append(ids, e.ID)
		if _, ok := det.Check(e, nil); !ok {
			t.Fatalf("entry %d not flagged", i)
		}
		clock.Advance(time.Second)
	}
	recent := det.Recent(testClinic)
	if len(recent) != MaxDisruptionBuffer {
		t.Fatalf("expected %d buffered, got %d", MaxDisruptionBuffer, len(recent))
	}
	if recent[0].AppointmentID != ids[2] {
		t.Error("expected the two oldest to be evicted")
	}
	if recent[len(recent)-1].AppointmentID != ids[len(ids)-1] {
		t.Error("expected newest last")
	}
	// An evicted entry may be reported again.
	evicted := runningEntry(at(8, 0))
	evicted.ID = ids[0]
	if _, ok := det.Check(evicted, nil); !ok {
		t.Error("evicted entry should be reportable again")
	}
}

func TestDetector_Sweep(t *testing.T) {
	store := newMemStore()
	interval := 30
	store.configs[testClinic] = &ClinicConfig{ClinicID: testClinic, CheckIntervalMinutes: &interval}
	clock := newFakeClock(at(9, 0))
	det := newTestDetector(store, clock, &recordingRecalc{})

	store.seed(runningEntry(at(8, 0)))
	store.seed(runningEntry(at(8, 55)))
	n, err := det.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 disruption, got %d", n)
	}

	// A new run-over within the clinic's interval waits for the next due sweep.
	store.seed(runningEntry(at(8, 10)))
	clock.Advance(5 * time.Minute)
	if n, _ := det.Sweep(context.Background()); n != 0 {
		t.Errorf("expected clinic interval to defer the check, got %d", n)
	}
	clock.Advance(25 * time.Minute)
	n, _ = det.Sweep(context.Background())
	if n != 2 {
		// the 08:55 entry has now run over too
		t.Errorf("expected 2 disruptions once due, got %d", n)
	}
}

func TestDetector_SweepBatches(t *testing.T) {
	store := newMemStore()
	store.configs[testClinic] = &ClinicConfig{ClinicID: testClinic}
	det := newTestDetector(store, newFakeClock(at(12, 0)), nil)
	for i := 0; i < BatchSize+5; i++ {
		store.seed(runningEntry(at(8, 0)))
	}
	n, err := det.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != BatchSize+5 {
		t.Errorf("expected every batch swept, got %d", n)
	}
}

func TestDetector_SweepAcrossMidnight(t *testing.T) {
	store := newMemStore()
	store.configs[testClinic] = &ClinicConfig{ClinicID: testClinic}
	// Just past UTC midnight; the clinic's local day is still testDay.
	det := newTestDetector(store, newFakeClock(at(24, 10)), nil)
	late := runningEntry(at(23, 30))
	store.seed(late)

	n, err := det.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the previous day's run-over flagged, got %d", n)
	}
	if recent := det.Recent(testClinic); len(recent) != 1 || recent[0].AppointmentID != late.ID {
		t.Errorf("unexpected buffer %+v", recent)
	}

	ahead := runningEntry(at(23, 0))
	ahead.AppointmentDate = testDay.AddDate(0, 0, 2)
	store.seed(ahead)
	if n, _ := det.Sweep(context.Background()); n != 1 {
		t.Errorf("expected an entry dated the next UTC day flagged, got %d", n)
	}
}

func TestRecalcQueue_Coalesces(t *testing.T) {
	var mu sync.Mutex
	runs := make(map[string]int)
	done := make(chan struct{}, 16)
	q := NewRecalcQueue(100*time.Millisecond, func(_ context.Context, s Scope) {
		mu.Lock()
		runs[s.Key()]++
		mu.Unlock()
		done <- struct{}{}
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	a := NewScope(testClinic, testStaff, testDay)
	b := NewScope(testClinic, uuid.New(), testDay)
	for i := 0; i < 5; i++ {
		q.Request(a)
	}
	q.Request(b)

	wait := func() {
		t.Helper()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("recalculation did not run")
		}
	}
	wait()
	wait()
	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	if runs[a.Key()] != 1 || runs[b.Key()] != 1 {
		t.Errorf("expected one run per scope, got %v", runs)
	}
	mu.Unlock()

	// A request after the window closed runs again.
	q.Request(a)
	wait()
	mu.Lock()
	defer mu.Unlock()
	if runs[a.Key()] != 2 {
		t.Errorf("expected a second run, got %d", runs[a.Key()])
	}
}

func TestRecalcQueue_DropsWhenFull(t *testing.T) {
	q := NewRecalcQueue(time.Second, func(context.Context, Scope) {}, zerolog.Nop())
	s := NewScope(testClinic, testStaff, testDay)
	for i := 0; i < BatchSize; i++ {
		if !q.Request(s) {
			t.Fatalf("request %d dropped early", i)
		}
	}
	if q.Request(s) {
		t.Error("expected request to be dropped when the inbox is full")
	}
}
