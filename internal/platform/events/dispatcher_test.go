package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicq/clinicq/internal/domain/queue"
)

func testEvent() queue.Event {
	return queue.Event{
		ID:         uuid.New(),
		Type:       queue.EventStatusChanged,
		ClinicID:   uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		StaffID:    uuid.New(),
		Date:       "2026-03-02",
		Status:     queue.StatusInProgress,
		OccurredAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

// flakySink fails the first n deliveries.
type flakySink struct {
	mu       sync.Mutex
	failures int
	attempts int
	got      []queue.Event
	done     chan struct{}
}

func newFlakySink(failures int) *flakySink {
	return &flakySink{failures: failures, done: make(chan struct{}, 16)}
}

func (s *flakySink) Name() string { return "flaky" }

func (s *flakySink) Publish(_ context.Context, ev queue.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.attempts <= s.failures {
		return errors.New("unavailable")
	}
	s.got = append(s.got, ev)
	s.done <- struct{}{}
	return nil
}

func (s *flakySink) snapshot() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts, len(s.got)
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestDispatcher_RetriesUntilDelivered(t *testing.T) {
	sink := newFlakySink(2)
	d := NewDispatcher(zerolog.Nop(), []Sink{sink}, WithRetry(5, time.Millisecond, 4*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	d.Publish(context.Background(), testEvent())
	waitFor(t, sink.done)

	attempts, delivered := sink.snapshot()
	if attempts != 3 || delivered != 1 {
		t.Errorf("expected 3 attempts and 1 delivery, got %d and %d", attempts, delivered)
	}
	if d.Failed() != 0 {
		t.Errorf("expected no failures, got %d", d.Failed())
	}
}

func TestDispatcher_GivesUp(t *testing.T) {
	sink := newFlakySink(100)
	ok := newFlakySink(0)
	d := NewDispatcher(zerolog.Nop(), []Sink{sink, ok}, WithRetry(3, time.Millisecond, time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Start(ctx)

	d.Publish(context.Background(), testEvent())
	// The healthy sink still gets the event after the broken one gave up.
	waitFor(t, ok.done)

	if attempts, _ := sink.snapshot(); attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
	if d.Failed() != 1 {
		t.Errorf("expected 1 failed delivery, got %d", d.Failed())
	}
}

func TestDispatcher_PublishNeverBlocks(t *testing.T) {
	d := NewDispatcher(zerolog.Nop(), nil, WithBufferSize(2))
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			if err := d.Publish(context.Background(), testEvent()); err != nil {
				t.Errorf("Publish returned %v", err)
			}
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no workers running")
	}
	if d.Dropped() != 3 {
		t.Errorf("expected 3 dropped, got %d", d.Dropped())
	}
}

func TestDispatcher_DrainsOnShutdown(t *testing.T) {
	sink := newFlakySink(0)
	d := NewDispatcher(zerolog.Nop(), []Sink{sink}, WithWorkers(1))
	d.Publish(context.Background(), testEvent())
	d.Publish(context.Background(), testEvent())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, delivered := sink.snapshot(); delivered != 2 {
		t.Errorf("expected queued events to be drained, got %d", delivered)
	}
}

type fakeRedis struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := goredis.NewIntCmd(ctx, "publish", channel, message)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisSink(t *testing.T) {
	rdb := &fakeRedis{}
	sink := NewRedisSink(rdb, "")
	ev := testEvent()
	if err := sink.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if rdb.channel != "clinicq:queue:11111111-1111-1111-1111-111111111111" {
		t.Errorf("unexpected channel %s", rdb.channel)
	}
	var got queue.Event
	if err := json.Unmarshal(rdb.payload, &got); err != nil || got.ID != ev.ID {
		t.Errorf("unexpected payload %s (%v)", rdb.payload, err)
	}

	rdb.err = errors.New("connection refused")
	if err := sink.Publish(context.Background(), ev); err == nil {
		t.Error("expected the redis error to surface")
	}
}

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func TestAMQPSink(t *testing.T) {
	ch := &fakeChannel{}
	sink := NewAMQPSink(ch, "")
	ev := testEvent()
	if err := sink.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if ch.exchange != DefaultExchange {
		t.Errorf("unexpected exchange %s", ch.exchange)
	}
	if ch.key != "queue.11111111-1111-1111-1111-111111111111.appointment_status_changed" {
		t.Errorf("unexpected routing key %s", ch.key)
	}
	if ch.msg.MessageId != ev.ID.String() || ch.msg.DeliveryMode != amqp.Persistent || ch.msg.ContentType != "application/json" {
		t.Errorf("unexpected publishing %+v", ch.msg)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close without a connection: %v", err)
	}
}
