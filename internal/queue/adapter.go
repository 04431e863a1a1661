package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cronfire/cronfire/internal/config"
	"github.com/cronfire/cronfire/internal/pkg/logs"
	"github.com/cronfire/cronfire/internal/pkg/metrics"
	"github.com/cronfire/cronfire/internal/pkg/utils"
	"github.com/cronfire/cronfire/internal/timeplan"
)

// ErrBufferFull is returned when the backend is down and the offline buffer
// cannot absorb another operation.
var ErrBufferFull = errors.New("queue backend down and offline buffer full")

const moveBatch = 128

// Adapter maps scheduling semantics onto the KV backend:
//
//	<prefix>:delayed    zset  jobUUID scored by fire instant (ms)
//	<prefix>:ready      zset  jobUUID scored by ready instant (ms)
//	<prefix>:active     zset  claimed jobUUID scored by claim instant (ms)
//	<prefix>:recurring  hash  jobUUID -> registration JSON
//	<prefix>:tokens     hash  jobUUID -> token JSON
//	<prefix>:lock:<id>  volatile per-token mutual exclusion
//
// jobUUID-keyed members give the dedup guarantee: at most one live scheduled
// entry per job.
type Adapter struct {
	backend Backend
	cfg     config.QueueConfig
	prefix  string

	mu       sync.Mutex
	offline  []func(ctx context.Context) error
	handlers []func(Event)
}

func NewAdapter(backend Backend, cfg config.QueueConfig) *Adapter {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "cronfire"
	}
	return &Adapter{backend: backend, cfg: cfg, prefix: prefix}
}

func (a *Adapter) key(parts ...string) string {
	k := a.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// OnEvent registers an advisory lifecycle callback. Handlers must not block.
func (a *Adapter) OnEvent(fn func(Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, fn)
}

func (a *Adapter) emit(ev Event) {
	a.mu.Lock()
	handlers := make([]func(Event), len(a.handlers))
	copy(handlers, a.handlers)
	a.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// ---------------------------------------------------------------------------
// manager-facing scheduling
// ---------------------------------------------------------------------------

// ScheduleOnce places a single delayed token firing at the given instant.
func (a *Adapter) ScheduleOnce(ctx context.Context, jobID, jobUUID string, at time.Time) error {
	op := func(ctx context.Context) error {
		if err := a.putToken(ctx, Token{JobID: jobID, JobUUID: jobUUID}); err != nil {
			return err
		}
		return a.backend.ZAdd(ctx, a.key("delayed"), float64(at.UnixMilli()), jobUUID)
	}
	return a.runOrBuffer(ctx, op)
}

// ScheduleRecurring registers a repeating schedule. The mover materializes
// tokens as fires come due; no fire is planned before start.
func (a *Adapter) ScheduleRecurring(ctx context.Context, jobID, jobUUID, cronExpr string, start time.Time, end *time.Time) error {
	from := timeNow().UTC()
	if s := start.UTC(); s.After(from) {
		// NextFire is strictly-after; backing up one second keeps an
		// occurrence landing exactly on the start instant.
		from = s.Add(-time.Second)
	}
	next, err := timeplan.NextFire(cronExpr, from, end)
	if err != nil {
		return err
	}
	reg := registration{JobID: jobID, Cron: cronExpr, NextMS: next.UnixMilli()}
	if end != nil {
		reg.EndMS = end.UnixMilli()
	}
	encoded, err := reg.encode()
	if err != nil {
		return err
	}

	op := func(ctx context.Context) error {
		if err := a.putToken(ctx, Token{JobID: jobID, JobUUID: jobUUID}); err != nil {
			return err
		}
		return a.backend.HSet(ctx, a.key("recurring"), jobUUID, encoded)
	}
	return a.runOrBuffer(ctx, op)
}

// TriggerNow enqueues a zero-delay token, leaving any delayed or recurring
// registration untouched.
func (a *Adapter) TriggerNow(ctx context.Context, jobID, jobUUID string) error {
	op := func(ctx context.Context) error {
		if err := a.putToken(ctx, Token{JobID: jobID, JobUUID: jobUUID}); err != nil {
			return err
		}
		return a.backend.ZAdd(ctx, a.key("ready"), float64(timeNow().UnixMilli()), jobUUID)
	}
	return a.runOrBuffer(ctx, op)
}

// Cancel removes every scheduled entry bearing the jobUUID. An in-flight
// claim is not interrupted; only future fires are prevented. Idempotent.
func (a *Adapter) Cancel(ctx context.Context, jobUUID string) error {
	op := func(ctx context.Context) error {
		if _, err := a.backend.ZRem(ctx, a.key("delayed"), jobUUID); err != nil {
			return err
		}
		if _, err := a.backend.ZRem(ctx, a.key("ready"), jobUUID); err != nil {
			return err
		}
		if err := a.backend.HDel(ctx, a.key("recurring"), jobUUID); err != nil {
			return err
		}
		return a.backend.HDel(ctx, a.key("tokens"), jobUUID)
	}
	return a.runOrBuffer(ctx, op)
}

// ---------------------------------------------------------------------------
// worker-facing delivery
// ---------------------------------------------------------------------------

// Claim locks and returns up to limit due tokens. Tokens whose lock is
// already held elsewhere are skipped.
func (a *Adapter) Claim(ctx context.Context, limit int, lockTTL time.Duration) ([]*Delivery, error) {
	now := timeNow()
	members, err := a.backend.ZRangeByScore(ctx, a.key("ready"), float64(now.UnixMilli()), limit)
	if err != nil {
		return nil, err
	}

	var out []*Delivery
	for _, jobUUID := range members {
		lockVal := utils.RandHex(16)
		ok, err := a.backend.SetNX(ctx, a.key("lock", jobUUID), lockVal, lockTTL)
		if err != nil {
			return out, err
		}
		if !ok {
			continue // another worker holds it
		}
		removed, err := a.backend.ZRem(ctx, a.key("ready"), jobUUID)
		if err != nil {
			return out, err
		}
		if !removed {
			// Lost the race after locking; release and move on.
			_ = a.backend.Del(ctx, a.key("lock", jobUUID))
			continue
		}
		if err := a.backend.ZAdd(ctx, a.key("active"), float64(now.UnixMilli()), jobUUID); err != nil {
			return out, err
		}

		raw, found, err := a.backend.HGet(ctx, a.key("tokens"), jobUUID)
		if err != nil {
			return out, err
		}
		if !found {
			// Canceled between readiness and claim.
			_, _ = a.backend.ZRem(ctx, a.key("active"), jobUUID)
			_ = a.backend.Del(ctx, a.key("lock", jobUUID))
			continue
		}
		token, err := decodeToken(raw)
		if err != nil {
			logs.CtxWarn(ctx, "[queue] dropping corrupt token for %s: %v", jobUUID, err)
			_, _ = a.backend.ZRem(ctx, a.key("active"), jobUUID)
			_ = a.backend.Del(ctx, a.key("lock", jobUUID))
			continue
		}
		token.Attempts++
		out = append(out, &Delivery{Token: token, lockValue: lockVal})
	}
	return out, nil
}

// Renew extends the delivery's lock.
func (a *Adapter) Renew(ctx context.Context, d *Delivery, lockTTL time.Duration) error {
	ok, err := a.backend.PExpire(ctx, a.key("lock", d.JobUUID), lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("lock for %s already expired", d.JobUUID)
	}
	return nil
}

// Complete acknowledges a delivery. One-shot tokens are retired; recurring
// registrations stay for the mover to emit the next fire.
func (a *Adapter) Complete(ctx context.Context, d *Delivery) error {
	if _, err := a.backend.ZRem(ctx, a.key("active"), d.JobUUID); err != nil {
		return err
	}
	if err := a.backend.Del(ctx, a.key("lock", d.JobUUID)); err != nil {
		return err
	}

	// Reset the attempt counter for the next fire of a repeating job; retire
	// the token entirely for one-shots.
	_, recurring, err := a.backend.HGet(ctx, a.key("recurring"), d.JobUUID)
	if err != nil {
		return err
	}
	if recurring {
		if err := a.putToken(ctx, Token{JobID: d.JobID, JobUUID: d.JobUUID}); err != nil {
			return err
		}
	} else {
		if err := a.backend.HDel(ctx, a.key("tokens"), d.JobUUID); err != nil {
			return err
		}
	}
	a.emit(Event{Kind: EventCompleted, JobUUID: d.JobUUID})
	return nil
}

// Fail releases the delivery and either requeues it with backoff or, once
// the configured attempts are exhausted, drops it and emits a failed event.
func (a *Adapter) Fail(ctx context.Context, d *Delivery, cause error) error {
	if _, err := a.backend.ZRem(ctx, a.key("active"), d.JobUUID); err != nil {
		return err
	}
	if err := a.backend.Del(ctx, a.key("lock", d.JobUUID)); err != nil {
		return err
	}

	attempts := a.cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	if d.Attempts < attempts {
		if err := a.putToken(ctx, d.Token); err != nil {
			return err
		}
		at := timeNow().Add(retryBackoff(a.cfg.BackoffMS, d.Attempts))
		return a.backend.ZAdd(ctx, a.key("ready"), float64(at.UnixMilli()), d.JobUUID)
	}

	// Exhausted. Repeating jobs still get their next planned fire with a
	// fresh counter.
	if err := a.putToken(ctx, Token{JobID: d.JobID, JobUUID: d.JobUUID}); err != nil {
		return err
	}
	a.emit(Event{Kind: EventFailed, JobUUID: d.JobUUID, Err: cause})
	return nil
}

// ---------------------------------------------------------------------------
// background maintenance
// ---------------------------------------------------------------------------

// MoveDue promotes due delayed tokens to the ready set and materializes due
// recurring fires. Safe to run from several processes: member-keyed sets
// absorb double promotion.
func (a *Adapter) MoveDue(ctx context.Context) error {
	now := timeNow()
	nowMS := float64(now.UnixMilli())

	due, err := a.backend.ZRangeByScore(ctx, a.key("delayed"), nowMS, moveBatch)
	if err != nil {
		return err
	}
	for _, jobUUID := range due {
		removed, err := a.backend.ZRem(ctx, a.key("delayed"), jobUUID)
		if err != nil {
			return err
		}
		if !removed {
			continue // another mover won
		}
		if err := a.backend.ZAdd(ctx, a.key("ready"), nowMS, jobUUID); err != nil {
			return err
		}
	}

	regs, err := a.backend.HGetAll(ctx, a.key("recurring"))
	if err != nil {
		return err
	}
	for jobUUID, raw := range regs {
		reg, err := decodeRegistration(raw)
		if err != nil {
			logs.CtxWarn(ctx, "[queue] dropping corrupt registration for %s: %v", jobUUID, err)
			_ = a.backend.HDel(ctx, a.key("recurring"), jobUUID)
			continue
		}
		if reg.NextMS > now.UnixMilli() {
			continue
		}
		if err := a.backend.ZAdd(ctx, a.key("ready"), nowMS, jobUUID); err != nil {
			return err
		}

		var end *time.Time
		if reg.EndMS > 0 {
			e := time.UnixMilli(reg.EndMS).UTC()
			end = &e
		}
		next, err := timeplan.NextFire(reg.Cron, now.UTC(), end)
		if err != nil {
			// End of schedule: the registration has emitted its last fire.
			if !errors.Is(err, timeplan.ErrEndExceeded) {
				logs.CtxWarn(ctx, "[queue] replan %s: %v", jobUUID, err)
			}
			if err := a.backend.HDel(ctx, a.key("recurring"), jobUUID); err != nil {
				return err
			}
			continue
		}
		reg.NextMS = next.UnixMilli()
		encoded, err := reg.encode()
		if err != nil {
			return err
		}
		if err := a.backend.HSet(ctx, a.key("recurring"), jobUUID, encoded); err != nil {
			return err
		}
	}
	return nil
}

// RequeueStalled returns tokens whose worker stopped renewing the lock to
// the ready set.
func (a *Adapter) RequeueStalled(ctx context.Context, stalledAfter time.Duration) error {
	if stalledAfter <= 0 {
		stalledAfter = 30 * time.Second
	}
	now := timeNow()
	cutoff := float64(now.Add(-stalledAfter).UnixMilli())

	claimed, err := a.backend.ZRangeByScore(ctx, a.key("active"), cutoff, moveBatch)
	if err != nil {
		return err
	}
	for _, jobUUID := range claimed {
		if _, held, err := a.backend.Get(ctx, a.key("lock", jobUUID)); err != nil {
			return err
		} else if held {
			continue // worker is alive, lock renewed
		}
		removed, err := a.backend.ZRem(ctx, a.key("active"), jobUUID)
		if err != nil {
			return err
		}
		if !removed {
			continue
		}
		if err := a.backend.ZAdd(ctx, a.key("ready"), float64(now.UnixMilli()), jobUUID); err != nil {
			return err
		}
		logs.CtxWarn(ctx, "[queue] redelivering stalled token %s", jobUUID)
		a.emit(Event{Kind: EventStalled, JobUUID: jobUUID})
	}
	return nil
}

// Depth reports the number of scheduled-but-unclaimed tokens.
func (a *Adapter) Depth(ctx context.Context) (int64, error) {
	ready, err := a.backend.ZCard(ctx, a.key("ready"))
	if err != nil {
		return 0, err
	}
	delayed, err := a.backend.ZCard(ctx, a.key("delayed"))
	if err != nil {
		return 0, err
	}
	return ready + delayed, nil
}

// Ping probes the backing store.
func (a *Adapter) Ping(ctx context.Context) error {
	return a.backend.Ping(ctx)
}

// Run drives the mover, stall detection, offline drain and the queue depth
// gauge until ctx is done.
func (a *Adapter) Run(ctx context.Context, interval, stalledAfter time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logs.CtxInfo(ctx, "[queue] maintenance loop started, interval %s", interval)
	for {
		select {
		case <-ctx.Done():
			logs.CtxInfo(ctx, "[queue] maintenance loop stopped")
			return
		case <-ticker.C:
			a.DrainOffline(ctx)
			if err := a.MoveDue(ctx); err != nil {
				logs.CtxWarn(ctx, "[queue] move due: %v", err)
			}
			if err := a.RequeueStalled(ctx, stalledAfter); err != nil {
				logs.CtxWarn(ctx, "[queue] requeue stalled: %v", err)
			}
			if depth, err := a.Depth(ctx); err == nil {
				metrics.QueueDepth.Set(float64(depth))
			}
		}
	}
}

// ---------------------------------------------------------------------------
// offline buffer
// ---------------------------------------------------------------------------

// runOrBuffer executes op, staging it in the offline buffer when the backend
// is unreachable so scheduling survives short outages.
func (a *Adapter) runOrBuffer(ctx context.Context, op func(ctx context.Context) error) error {
	err := op(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}

	size := a.cfg.OfflineBufferSize
	if size <= 0 {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.offline) >= size {
		return fmt.Errorf("%w: %v", ErrBufferFull, err)
	}
	a.offline = append(a.offline, op)
	logs.CtxWarn(ctx, "[queue] backend unreachable, buffered operation (%d pending): %v", len(a.offline), err)
	return nil
}

// DrainOffline replays buffered operations in order, stopping at the first
// failure.
func (a *Adapter) DrainOffline(ctx context.Context) {
	a.mu.Lock()
	pending := a.offline
	a.offline = nil
	a.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	for i, op := range pending {
		if err := op(ctx); err != nil {
			a.mu.Lock()
			a.offline = append(pending[i:], a.offline...)
			a.mu.Unlock()
			return
		}
	}
	logs.CtxInfo(ctx, "[queue] drained %d buffered operations", len(pending))
}

// retryBackoff doubles the base delay with each completed attempt.
func retryBackoff(baseMS, attempts int) time.Duration {
	shift := attempts - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}
	return time.Duration(baseMS) * time.Millisecond << uint(shift)
}

func (a *Adapter) putToken(ctx context.Context, t Token) error {
	encoded, err := t.encode()
	if err != nil {
		return err
	}
	return a.backend.HSet(ctx, a.key("tokens"), t.JobUUID, encoded)
}
