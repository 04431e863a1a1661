package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cronfire/cronfire/internal/config"
)

func freezeQueueClock(t *testing.T, at time.Time) *time.Time {
	t.Helper()
	now := at
	orig := timeNow
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = orig })
	return &now
}

func testAdapter(t *testing.T) (*Adapter, *time.Time) {
	t.Helper()
	now := freezeQueueClock(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := config.QueueConfig{Attempts: 3, BackoffMS: 1000}
	return NewAdapter(NewMemoryBackend(), cfg), now
}

func TestAdapter_OnceLifecycle(t *testing.T) {
	a, now := testAdapter(t)
	ctx := context.Background()

	fireAt := now.Add(time.Hour)
	if err := a.ScheduleOnce(ctx, "id1", "job_1", fireAt); err != nil {
		t.Fatal(err)
	}

	// Not due yet.
	if err := a.MoveDue(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := a.Claim(ctx, 10, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("claimed before due: %v", got)
	}

	*now = now.Add(time.Hour)
	if err := a.MoveDue(ctx); err != nil {
		t.Fatal(err)
	}
	got, err = a.Claim(ctx, 10, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].JobID != "id1" || got[0].JobUUID != "job_1" {
		t.Fatalf("claim: %+v", got)
	}
	if got[0].Attempts != 1 {
		t.Errorf("first delivery attempt: %d", got[0].Attempts)
	}

	// A second claim sees nothing: the token is in flight.
	again, _ := a.Claim(ctx, 10, 30*time.Second)
	if len(again) != 0 {
		t.Fatalf("double claim: %v", again)
	}

	if err := a.Complete(ctx, got[0]); err != nil {
		t.Fatal(err)
	}
	depth, err := a.Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Errorf("depth after completion: %d", depth)
	}
}

func TestAdapter_DedupByJobUUID(t *testing.T) {
	a, now := testAdapter(t)
	ctx := context.Background()

	if err := a.ScheduleOnce(ctx, "id1", "job_1", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := a.ScheduleOnce(ctx, "id1", "job_1", now.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	depth, _ := a.Depth(ctx)
	if depth != 1 {
		t.Errorf("same jobUUID must hold one live entry, depth=%d", depth)
	}
}

func TestAdapter_RecurringEmitsAndAdvances(t *testing.T) {
	a, now := testAdapter(t)
	ctx := context.Background()

	if err := a.ScheduleRecurring(ctx, "id1", "job_1", "0 12 * * *", *now, nil); err != nil {
		t.Fatal(err)
	}

	// First planned fire is 12:00 today; nothing before that.
	if err := a.MoveDue(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := a.Claim(ctx, 10, 30*time.Second); len(got) != 0 {
		t.Fatalf("early emit: %v", got)
	}

	*now = time.Date(2030, 1, 1, 12, 0, 1, 0, time.UTC)
	if err := a.MoveDue(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := a.Claim(ctx, 10, 30*time.Second)
	if len(got) != 1 {
		t.Fatalf("due fire not emitted: %v", got)
	}
	if err := a.Complete(ctx, got[0]); err != nil {
		t.Fatal(err)
	}

	// The registration advanced to tomorrow and fires again.
	*now = time.Date(2030, 1, 2, 12, 0, 1, 0, time.UTC)
	if err := a.MoveDue(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = a.Claim(ctx, 10, 30*time.Second)
	if len(got) != 1 {
		t.Fatalf("second fire not emitted: %v", got)
	}
}

func TestAdapter_RecurringHonorsStartDate(t *testing.T) {
	a, now := testAdapter(t)
	ctx := context.Background()

	// Daily cadence that must stay silent until its start date, two months out.
	start := time.Date(2030, 3, 1, 9, 30, 0, 0, time.UTC)
	if err := a.ScheduleRecurring(ctx, "id1", "job_1", "30 9 * * *", start, nil); err != nil {
		t.Fatal(err)
	}

	// A full day of mover passes before the start date emits nothing, even
	// though the cron expression matches every morning.
	*now = now.Add(25 * time.Hour)
	if err := a.MoveDue(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := a.Claim(ctx, 10, 30*time.Second); len(got) != 0 {
		t.Fatalf("fired before start date: %+v", got[0])
	}

	// The first occurrence on the start date fires.
	*now = start.Add(time.Second)
	if err := a.MoveDue(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := a.Claim(ctx, 10, 30*time.Second)
	if len(got) != 1 {
		t.Fatal("first occurrence at start date not emitted")
	}
}

func TestAdapter_RecurringEndRetires(t *testing.T) {
	a, now := testAdapter(t)
	ctx := context.Background()

	end := time.Date(2030, 1, 1, 23, 59, 59, 0, time.UTC)
	if err := a.ScheduleRecurring(ctx, "id1", "job_1", "0 12 * * *", *now, &end); err != nil {
		t.Fatal(err)
	}

	*now = time.Date(2030, 1, 1, 12, 0, 1, 0, time.UTC)
	if err := a.MoveDue(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := a.Claim(ctx, 10, 30*time.Second)
	if len(got) != 1 {
		t.Fatalf("final fire not emitted: %v", got)
	}

	// Past the end bound nothing further is planned.
	*now = time.Date(2030, 1, 2, 12, 0, 1, 0, time.UTC)
	if err := a.MoveDue(ctx); err != nil {
		t.Fatal(err)
	}
	if more, _ := a.Claim(ctx, 10, 30*time.Second); len(more) != 0 {
		t.Fatalf("fire past end date: %v", more)
	}
}

func TestAdapter_CancelIsIdempotent(t *testing.T) {
	a, now := testAdapter(t)
	ctx := context.Background()

	if err := a.ScheduleOnce(ctx, "id1", "job_1", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := a.ScheduleRecurring(ctx, "id2", "job_2", "0 12 * * *", *now, nil); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := a.Cancel(ctx, "job_1"); err != nil {
			t.Fatalf("cancel round %d: %v", i, err)
		}
		if err := a.Cancel(ctx, "job_2"); err != nil {
			t.Fatalf("cancel round %d: %v", i, err)
		}
	}

	*now = now.Add(24 * time.Hour)
	if err := a.MoveDue(ctx); err != nil {
		t.Fatal(err)
	}
	if got, _ := a.Claim(ctx, 10, 30*time.Second); len(got) != 0 {
		t.Fatalf("canceled jobs fired: %v", got)
	}
}

func TestAdapter_TriggerNowImmediate(t *testing.T) {
	a, _ := testAdapter(t)
	ctx := context.Background()

	if err := a.TriggerNow(ctx, "id1", "job_1"); err != nil {
		t.Fatal(err)
	}
	got, err := a.Claim(ctx, 10, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("zero-delay token not claimable: %v", got)
	}
}

func TestAdapter_StalledRedelivery(t *testing.T) {
	a, now := testAdapter(t)
	ctx := context.Background()

	if err := a.TriggerNow(ctx, "id1", "job_1"); err != nil {
		t.Fatal(err)
	}
	got, _ := a.Claim(ctx, 10, 30*time.Second)
	if len(got) != 1 {
		t.Fatal("claim failed")
	}

	var stalled []string
	a.OnEvent(func(ev Event) {
		if ev.Kind == EventStalled {
			stalled = append(stalled, ev.JobUUID)
		}
	})

	// While the lock is held nothing is redelivered.
	if err := a.RequeueStalled(ctx, 30*time.Second); err != nil {
		t.Fatal(err)
	}
	if more, _ := a.Claim(ctx, 10, 30*time.Second); len(more) != 0 {
		t.Fatal("redelivered while locked")
	}

	// The worker dies: the lock expires and the stall window passes.
	*now = now.Add(2 * time.Minute)
	if err := a.RequeueStalled(ctx, 30*time.Second); err != nil {
		t.Fatal(err)
	}
	if len(stalled) != 1 || stalled[0] != "job_1" {
		t.Errorf("stalled event: %v", stalled)
	}
	more, _ := a.Claim(ctx, 10, 30*time.Second)
	if len(more) != 1 {
		t.Fatalf("stalled token not redelivered: %v", more)
	}
}

func TestAdapter_LockRenewal(t *testing.T) {
	a, now := testAdapter(t)
	ctx := context.Background()

	if err := a.TriggerNow(ctx, "id1", "job_1"); err != nil {
		t.Fatal(err)
	}
	got, _ := a.Claim(ctx, 10, 30*time.Second)
	if len(got) != 1 {
		t.Fatal("claim failed")
	}

	// Renewing keeps the stall sweeper away even past the original TTL.
	*now = now.Add(25 * time.Second)
	if err := a.Renew(ctx, got[0], 30*time.Second); err != nil {
		t.Fatalf("renew: %v", err)
	}
	*now = now.Add(20 * time.Second)
	if err := a.RequeueStalled(ctx, 30*time.Second); err != nil {
		t.Fatal(err)
	}
	if more, _ := a.Claim(ctx, 10, 30*time.Second); len(more) != 0 {
		t.Fatal("renewed delivery was redelivered")
	}

	// Once expired, renewal fails.
	*now = now.Add(time.Minute)
	if err := a.Renew(ctx, got[0], 30*time.Second); err == nil {
		t.Error("renew of expired lock must fail")
	}
}

func TestAdapter_FailRequeuesWithBackoff(t *testing.T) {
	a, now := testAdapter(t)
	ctx := context.Background()

	var failed []string
	a.OnEvent(func(ev Event) {
		if ev.Kind == EventFailed {
			failed = append(failed, ev.JobUUID)
		}
	})

	if err := a.TriggerNow(ctx, "id1", "job_1"); err != nil {
		t.Fatal(err)
	}

	cause := errors.New("target down")
	for attempt := 1; attempt <= 3; attempt++ {
		got, err := a.Claim(ctx, 10, 30*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Fatalf("attempt %d not delivered", attempt)
		}
		if got[0].Attempts != attempt {
			t.Errorf("attempt counter: got %d, want %d", got[0].Attempts, attempt)
		}
		if err := a.Fail(ctx, got[0], cause); err != nil {
			t.Fatal(err)
		}

		// Requeued tokens carry a backoff: not claimable immediately.
		if attempt < 3 {
			if early, _ := a.Claim(ctx, 10, 30*time.Second); len(early) != 0 {
				t.Fatalf("attempt %d requeued without backoff", attempt)
			}
			*now = now.Add(time.Duration(attempt) * 1500 * time.Millisecond)
		}
	}

	if len(failed) != 1 || failed[0] != "job_1" {
		t.Errorf("failed event after exhaustion: %v", failed)
	}

	// Exhausted one-shot token is gone.
	*now = now.Add(time.Minute)
	if got, _ := a.Claim(ctx, 10, 30*time.Second); len(got) != 0 {
		t.Fatalf("exhausted token redelivered: %v", got)
	}
}

func TestAdapter_FailBackoffDoubles(t *testing.T) {
	now := freezeQueueClock(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	a := NewAdapter(NewMemoryBackend(), config.QueueConfig{Attempts: 4, BackoffMS: 1000})
	ctx := context.Background()

	if err := a.TriggerNow(ctx, "id1", "job_1"); err != nil {
		t.Fatal(err)
	}
	cause := errors.New("target down")

	// The requeue delay doubles with each failed attempt: 1s, 2s, 4s.
	for attempt, wait := 1, time.Second; attempt <= 3; attempt, wait = attempt+1, wait*2 {
		got, err := a.Claim(ctx, 10, 30*time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Fatalf("attempt %d not delivered", attempt)
		}
		if err := a.Fail(ctx, got[0], cause); err != nil {
			t.Fatal(err)
		}

		// Just short of the doubled delay nothing is claimable.
		*now = now.Add(wait - 100*time.Millisecond)
		if early, _ := a.Claim(ctx, 10, 30*time.Second); len(early) != 0 {
			t.Fatalf("attempt %d redelivered before its %s backoff", attempt, wait)
		}
		*now = now.Add(200 * time.Millisecond)
	}

	got, _ := a.Claim(ctx, 10, 30*time.Second)
	if len(got) != 1 || got[0].Attempts != 4 {
		t.Fatalf("final redelivery: %v", got)
	}
}

// brokenBackend fails writes while down; reads pass through.
type brokenBackend struct {
	Backend
	mu   sync.Mutex
	down bool
}

func (b *brokenBackend) setDown(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = v
}

func (b *brokenBackend) failing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.down
}

func (b *brokenBackend) HSet(ctx context.Context, key, field, value string) error {
	if b.failing() {
		return errors.New("connection refused")
	}
	return b.Backend.HSet(ctx, key, field, value)
}

func (b *brokenBackend) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if b.failing() {
		return errors.New("connection refused")
	}
	return b.Backend.ZAdd(ctx, key, score, member)
}

func TestAdapter_OfflineBuffer(t *testing.T) {
	now := freezeQueueClock(t, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	backend := &brokenBackend{Backend: NewMemoryBackend()}
	a := NewAdapter(backend, config.QueueConfig{Attempts: 1, OfflineBufferSize: 2})
	ctx := context.Background()

	backend.setDown(true)
	if err := a.ScheduleOnce(ctx, "id1", "job_1", now.Add(time.Minute)); err != nil {
		t.Fatalf("outage must buffer, got %v", err)
	}
	if err := a.TriggerNow(ctx, "id2", "job_2"); err != nil {
		t.Fatalf("outage must buffer, got %v", err)
	}
	// Buffer is full now.
	if err := a.TriggerNow(ctx, "id3", "job_3"); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("expected ErrBufferFull, got %v", err)
	}

	backend.setDown(false)
	a.DrainOffline(ctx)

	*now = now.Add(2 * time.Minute)
	if err := a.MoveDue(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := a.Claim(ctx, 10, 30*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("drained operations lost: %v", got)
	}
}
