package job

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cronfire/cronfire/internal/config"
	"github.com/cronfire/cronfire/internal/pkg/logs"
	"github.com/cronfire/cronfire/internal/pkg/utils"
	"github.com/cronfire/cronfire/internal/timeplan"
)

// overridable for tests
var (
	timeNow       = time.Now
	isPrivateHost = utils.IsPrivateHost
)

// Scheduler is the queue capability the manager drives. Implemented by the
// queue adapter; errors surface to callers wrapped in ErrQueueUnavailable.
type Scheduler interface {
	ScheduleOnce(ctx context.Context, jobID, jobUUID string, at time.Time) error
	ScheduleRecurring(ctx context.Context, jobID, jobUUID, cronExpr string, start time.Time, end *time.Time) error
	TriggerNow(ctx context.Context, jobID, jobUUID string) error
	Cancel(ctx context.Context, jobUUID string) error
}

// Manager is the tenant-scoped authority over jobs and execution records.
type Manager struct {
	store   *Store
	planner *timeplan.Planner
	queue   Scheduler
	dup     config.DuplicateConfig
	sec     config.SecurityConfig
}

func NewManager(store *Store, planner *timeplan.Planner, queue Scheduler, cfg *config.Config) *Manager {
	return &Manager{
		store:   store,
		planner: planner,
		queue:   queue,
		dup:     cfg.DuplicatePrevention,
		sec:     cfg.Security,
	}
}

// Create validates, persists and enqueues a new job.
func (m *Manager) Create(ctx context.Context, req CreateRequest, ac AccessContext) (*Job, error) {
	now := timeNow().UTC()

	if err := m.validatePayload(req.Name, req.Prompt, req.TargetAPI); err != nil {
		return nil, err
	}

	tz := req.UserTimezone
	if tz == "" {
		tz = m.planner.DefaultZone()
	}
	if err := m.planner.ValidateSchedule(req.Schedule, tz, now); err != nil {
		return nil, err
	}

	if err := validateResponseOptions(req.Response); err != nil {
		return nil, err
	}

	fingerprint := Fingerprint(ac.OrgID, req.Prompt, req.TargetAPI, req.Schedule)
	if err := m.checkDuplicates(ac.OrgID, req.IdempotencyKey, fingerprint, now); err != nil {
		return nil, err
	}

	nextRun, err := m.planner.PlanFirstFire(req.Schedule, tz, now)
	if err != nil {
		return nil, err
	}

	j := &Job{
		ID:             uuid.NewString(),
		JobUUID:        "job_" + utils.RandHex(16),
		IdempotencyKey: req.IdempotencyKey,
		OrgID:          ac.OrgID,
		ProjectID:      req.ProjectID,
		CreatedBy:      ac.UserID,
		Name:           req.Name,
		Prompt:         req.Prompt,
		TargetAPI:      req.TargetAPI,
		Headers:        req.Headers,
		SkillID:        req.SkillID,
		Metadata:       req.Metadata,
		Schedule:       req.Schedule,
		UserTimezone:   tz,
		Status:         StatusActive,
		NextRunAt:      &nextRun,
		Fingerprint:    fingerprint,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.RateLimit != nil {
		j.RateLimit = *req.RateLimit
	}
	if req.Response != nil {
		j.Response = *req.Response
	}
	if req.Schedule.Type == timeplan.ScheduleRecurring {
		expr, err := m.planner.BuildCronExpression(*req.Schedule.Recurring, tz)
		if err != nil {
			return nil, err
		}
		j.CronExpression = expr
	}

	if err := m.store.CreateJob(j); err != nil {
		return nil, err
	}

	if err := m.enqueue(ctx, j); err != nil {
		// Keep the store consistent with the queue: a job that was never
		// enqueued must not linger as active.
		if delErr := m.store.DeleteJob(j.ID, false); delErr != nil {
			logs.CtxError(ctx, "[job] rollback after enqueue failure: %v", delErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	logs.CtxInfo(ctx, "[job] created %s (%s) next run %s", j.ID, j.Name, nextRun.Format(time.RFC3339))
	return j, nil
}

// Get returns the tenant's job.
func (m *Manager) Get(ctx context.Context, id string, ac AccessContext) (*Job, error) {
	return m.owned(id, ac)
}

// List returns a page of the tenant's jobs, default-sorted by next_run_at
// ascending.
func (m *Manager) List(ctx context.Context, ac AccessContext, filter ListFilter, page PageRequest) (*Page[*Job], error) {
	page = page.Normalize()
	jobs, err := m.store.ListJobs(ac.OrgID, filter)
	if err != nil {
		return nil, err
	}
	sortJobs(jobs, page.SortBy, page.SortOrder)

	total := len(jobs)
	start := (page.Page - 1) * page.Limit
	if start > total {
		start = total
	}
	end := start + page.Limit
	if end > total {
		end = total
	}
	return newPage(jobs[start:end], total, page), nil
}

// Update applies a partial patch. Schedule changes revalidate, recompute
// next_run_at and re-enqueue; payload-only changes do not touch the queue.
func (m *Manager) Update(ctx context.Context, id string, patch UpdateRequest, ac AccessContext) (*Job, error) {
	existing, err := m.owned(id, ac)
	if err != nil {
		return nil, err
	}
	if existing.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, existing.Status)
	}

	now := timeNow().UTC()
	scheduleChanged := patch.Schedule != nil || patch.Timezone != nil

	var nextRun time.Time
	var cronExpr string
	if scheduleChanged {
		sched := existing.Schedule
		if patch.Schedule != nil {
			sched = *patch.Schedule
		}
		tz := existing.UserTimezone
		if patch.Timezone != nil {
			tz = *patch.Timezone
		}
		if err := m.planner.ValidateSchedule(sched, tz, now); err != nil {
			return nil, err
		}
		if nextRun, err = m.planner.PlanFirstFire(sched, tz, now); err != nil {
			return nil, err
		}
		if sched.Type == timeplan.ScheduleRecurring {
			if cronExpr, err = m.planner.BuildCronExpression(*sched.Recurring, tz); err != nil {
				return nil, err
			}
		}
	}
	if patch.TargetAPI != nil || patch.Prompt != nil {
		name := existing.Name
		prompt := existing.Prompt
		target := existing.TargetAPI
		if patch.Name != nil {
			name = *patch.Name
		}
		if patch.Prompt != nil {
			prompt = *patch.Prompt
		}
		if patch.TargetAPI != nil {
			target = *patch.TargetAPI
		}
		if err := m.validatePayload(name, prompt, target); err != nil {
			return nil, err
		}
	}
	if err := validateResponseOptions(patch.Response); err != nil {
		return nil, err
	}

	updated, err := m.store.UpdateJob(id, func(j *Job) error {
		if patch.Name != nil {
			j.Name = *patch.Name
		}
		if patch.Prompt != nil {
			j.Prompt = *patch.Prompt
		}
		if patch.TargetAPI != nil {
			j.TargetAPI = *patch.TargetAPI
		}
		if patch.Headers != nil {
			j.Headers = *patch.Headers
		}
		if patch.SkillID != nil {
			j.SkillID = *patch.SkillID
		}
		if patch.Metadata != nil {
			j.Metadata = *patch.Metadata
		}
		if patch.RateLimit != nil {
			j.RateLimit = *patch.RateLimit
		}
		if patch.Response != nil {
			j.Response = *patch.Response
		}
		if scheduleChanged {
			if patch.Schedule != nil {
				j.Schedule = *patch.Schedule
			}
			if patch.Timezone != nil {
				j.UserTimezone = *patch.Timezone
			}
			j.CronExpression = cronExpr
			j.NextRunAt = &nextRun
		}
		// The fingerprint is derived from prompt, target and schedule; the
		// store reindexes when it changes.
		if patch.Prompt != nil || patch.TargetAPI != nil || patch.Schedule != nil {
			j.Fingerprint = Fingerprint(j.OrgID, j.Prompt, j.TargetAPI, j.Schedule)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if scheduleChanged && updated.Status == StatusActive {
		if err := m.queue.Cancel(ctx, updated.JobUUID); err != nil {
			logs.CtxWarn(ctx, "[job] cancel before reschedule: %v", err)
		}
		if err := m.enqueue(ctx, updated); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
	}
	return updated, nil
}

// Delete cancels the queue token and removes the job; execution history goes
// with it.
func (m *Manager) Delete(ctx context.Context, id string, ac AccessContext) error {
	j, err := m.owned(id, ac)
	if err != nil {
		return err
	}
	if err := m.queue.Cancel(ctx, j.JobUUID); err != nil {
		logs.CtxWarn(ctx, "[job] cancel on delete: %v", err)
	}
	return m.store.DeleteJob(id, true)
}

// Pause transitions active -> paused and cancels the queue token.
func (m *Manager) Pause(ctx context.Context, id string, ac AccessContext) (*Job, error) {
	j, err := m.owned(id, ac)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusActive {
		return nil, fmt.Errorf("%w: pause requires active, was %s", ErrInvalidTransition, j.Status)
	}
	if err := m.queue.Cancel(ctx, j.JobUUID); err != nil {
		logs.CtxWarn(ctx, "[job] cancel on pause: %v", err)
	}
	return m.store.UpdateJob(id, func(j *Job) error {
		j.Status = StatusPaused
		return nil
	})
}

// Resume transitions paused -> active, recomputes next_run_at and
// re-enqueues. A one-time job whose instant has passed is rejected.
func (m *Manager) Resume(ctx context.Context, id string, ac AccessContext) (*Job, error) {
	j, err := m.owned(id, ac)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusPaused {
		return nil, fmt.Errorf("%w: resume requires paused, was %s", ErrInvalidTransition, j.Status)
	}

	now := timeNow().UTC()
	nextRun, err := m.planner.PlanFirstFire(j.Schedule, j.UserTimezone, now)
	if err != nil {
		if errors.Is(err, timeplan.ErrEndExceeded) {
			return m.store.UpdateJob(id, func(j *Job) error {
				j.Status = StatusCompleted
				j.NextRunAt = nil
				return nil
			})
		}
		return nil, err
	}

	updated, err := m.store.UpdateJob(id, func(j *Job) error {
		j.Status = StatusActive
		j.NextRunAt = &nextRun
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.enqueue(ctx, updated); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return updated, nil
}

// Retry transitions failed -> active with failure counters reset. A one-time
// job fires immediately; a recurring one resumes its cadence.
func (m *Manager) Retry(ctx context.Context, id string, ac AccessContext) (*Job, error) {
	j, err := m.owned(id, ac)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusFailed {
		return nil, fmt.Errorf("%w: retry requires failed, was %s", ErrInvalidTransition, j.Status)
	}

	now := timeNow().UTC()
	var nextRun time.Time
	if j.Schedule.Type == timeplan.ScheduleOnce {
		nextRun = now
	} else {
		end, err := m.recurringEnd(j)
		if err != nil {
			return nil, err
		}
		nextRun, err = timeplan.NextFire(j.CronExpression, now, end)
		if err != nil {
			return nil, err
		}
	}

	updated, err := m.store.UpdateJob(id, func(j *Job) error {
		j.Status = StatusActive
		j.ConsecutiveFailures = 0
		j.NextRunAt = &nextRun
		return nil
	})
	if err != nil {
		return nil, err
	}

	if j.Schedule.Type == timeplan.ScheduleOnce {
		err = m.queue.TriggerNow(ctx, updated.ID, updated.JobUUID)
	} else {
		err = m.enqueue(ctx, updated)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return updated, nil
}

// TriggerNow enqueues a zero-delay fire without disturbing the planned
// next_run_at.
func (m *Manager) TriggerNow(ctx context.Context, id string, ac AccessContext) (*Execution, error) {
	j, err := m.owned(id, ac)
	if err != nil {
		return nil, err
	}

	now := timeNow().UTC()
	exec := &Execution{
		ExecutionUUID: "exec_" + utils.RandHex(16),
		JobID:         j.ID,
		JobUUID:       j.JobUUID,
		OrgID:         j.OrgID,
		ScheduledFor:  now,
		ExecutedAt:    now,
		Status:        ExecPending,
		Manual:        true,
		Request: RequestSnapshot{
			Prompt:    j.Prompt,
			TargetAPI: j.TargetAPI,
			Headers:   j.Headers,
		},
	}
	if err := m.store.AppendExecution(exec); err != nil {
		return nil, err
	}
	if err := m.queue.TriggerNow(ctx, j.ID, j.JobUUID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	logs.CtxInfo(ctx, "[job] manual trigger %s", j.ID)
	return exec, nil
}

// History returns the job's executions, newest first.
func (m *Manager) History(ctx context.Context, id string, ac AccessContext, page PageRequest) (*Page[*Execution], error) {
	if _, err := m.owned(id, ac); err != nil {
		return nil, err
	}
	page = page.Normalize()
	execs, err := m.store.ListExecutions(id)
	if err != nil {
		return nil, err
	}

	total := len(execs)
	start := (page.Page - 1) * page.Limit
	if start > total {
		start = total
	}
	end := start + page.Limit
	if end > total {
		end = total
	}
	return newPage(execs[start:end], total, page), nil
}

// Statistics aggregates the tenant's job and execution counters.
func (m *Manager) Statistics(ctx context.Context, ac AccessContext) (*Statistics, error) {
	jobs, err := m.store.ListJobs(ac.OrgID, ListFilter{})
	if err != nil {
		return nil, err
	}
	execs, err := m.store.OrgExecutions(ac.OrgID, time.Time{})
	if err != nil {
		return nil, err
	}

	now := timeNow().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	stats := &Statistics{
		JobsByStatus:       make(map[Status]int),
		ExecutionsByStatus: make(map[ExecStatus]int),
		TotalJobs:          len(jobs),
		TotalExecutions:    len(execs),
	}
	for _, j := range jobs {
		stats.JobsByStatus[j.Status]++
	}

	var succeeded, finished int
	var durationSum, durationCount int64
	for _, e := range execs {
		stats.ExecutionsByStatus[e.Status]++
		if !e.ExecutedAt.Before(dayStart) {
			stats.ExecutionsToday++
		}
		if e.Status != ExecPending {
			finished++
			if e.Status == ExecSuccess {
				succeeded++
			}
		}
		if e.DurationMS > 0 {
			durationSum += e.DurationMS
			durationCount++
		}
	}
	if finished > 0 {
		stats.SuccessRate = float64(succeeded) / float64(finished)
	}
	if durationCount > 0 {
		stats.MeanDurationMS = durationSum / durationCount
	}
	return stats, nil
}

// PreviewNextRuns returns the next n planned UTC instants for the job.
func (m *Manager) PreviewNextRuns(ctx context.Context, id string, ac AccessContext, n int) ([]time.Time, error) {
	j, err := m.owned(id, ac)
	if err != nil {
		return nil, err
	}
	if j.Schedule.Type == timeplan.ScheduleOnce {
		if j.NextRunAt == nil {
			return nil, nil
		}
		return []time.Time{*j.NextRunAt}, nil
	}
	end, err := m.recurringEnd(j)
	if err != nil {
		return nil, err
	}
	return timeplan.NextNFires(j.CronExpression, n, timeNow().UTC(), end)
}

// ---------------------------------------------------------------------------
// worker-facing bookkeeping
// ---------------------------------------------------------------------------

// ResolveForFire loads a job by queue identity and reports whether it should
// fire. Paused, terminal and unknown jobs are skipped; duplicate deliveries
// from the queue are absorbed here.
func (m *Manager) ResolveForFire(ctx context.Context, jobUUID string) (*Job, bool, error) {
	j, err := m.store.GetJobByUUID(jobUUID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return j, j.Status == StatusActive, nil
}

// RecordExecution appends a new (typically pending) execution record.
func (m *Manager) RecordExecution(ctx context.Context, e *Execution) error {
	return m.store.AppendExecution(e)
}

// CloseExecution rewrites the record with its final snapshot.
func (m *Manager) CloseExecution(ctx context.Context, e *Execution) error {
	return m.store.UpdateExecution(e)
}

// AdvanceAfterSuccess performs the single-transaction bookkeeping after a
// successful fire: run counters advance, failures reset, and the next fire is
// planned (or the job completes).
func (m *Manager) AdvanceAfterSuccess(ctx context.Context, jobID string, firedAt time.Time) (*Job, error) {
	j, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	var next *time.Time
	completed := false
	if j.Schedule.Type == timeplan.ScheduleOnce {
		completed = true
	} else {
		end, err := m.recurringEnd(j)
		if err != nil {
			return nil, err
		}
		n, err := timeplan.NextFire(j.CronExpression, firedAt, end)
		if err != nil {
			if !errors.Is(err, timeplan.ErrEndExceeded) {
				return nil, err
			}
			completed = true
		} else {
			next = &n
		}
	}

	return m.store.UpdateJob(jobID, func(j *Job) error {
		at := firedAt.UTC()
		j.LastRunAt = &at
		j.ExecutionCount++
		j.ConsecutiveFailures = 0
		if completed {
			j.Status = StatusCompleted
			j.NextRunAt = nil
		} else {
			j.NextRunAt = next
		}
		return nil
	})
}

// RecordFailure increments the consecutive-failure counter and forces the
// job to failed at the cap. Returns the updated job and whether the cap was
// reached.
func (m *Manager) RecordFailure(ctx context.Context, jobID string, firedAt time.Time) (*Job, bool, error) {
	j, err := m.store.UpdateJob(jobID, func(j *Job) error {
		at := firedAt.UTC()
		j.LastRunAt = &at
		j.ExecutionCount++
		j.ConsecutiveFailures++
		if j.ConsecutiveFailures >= MaxConsecutiveFailures {
			j.Status = StatusFailed
			j.NextRunAt = nil
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	capped := j.Status == StatusFailed
	if capped {
		if err := m.queue.Cancel(ctx, j.JobUUID); err != nil {
			logs.CtxWarn(ctx, "[job] cancel after failure cap: %v", err)
		}
		logs.CtxWarn(ctx, "[job] %s failed %d consecutive times, disabled", jobID, j.ConsecutiveFailures)
	}
	return j, capped, nil
}

// FailExhausted finalizes a one-time job whose queue token ran out of
// delivery attempts. Without this the token is gone and nothing would ever
// fire again, leaving the job active forever. Recurring jobs are left alone:
// their registration plans the next occurrence with a fresh attempt counter.
func (m *Manager) FailExhausted(ctx context.Context, jobUUID string) error {
	j, err := m.store.GetJobByUUID(jobUUID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if j.Schedule.Type != timeplan.ScheduleOnce || j.Status != StatusActive {
		return nil
	}
	logs.CtxWarn(ctx, "[job] %s exhausted its delivery attempts, disabling", j.ID)
	return m.MarkFailed(ctx, j.ID)
}

// MarkFailed force-fails a job.
func (m *Manager) MarkFailed(ctx context.Context, jobID string) error {
	j, err := m.store.UpdateJob(jobID, func(j *Job) error {
		j.Status = StatusFailed
		j.NextRunAt = nil
		return nil
	})
	if err != nil {
		return err
	}
	if err := m.queue.Cancel(ctx, j.JobUUID); err != nil {
		logs.CtxWarn(ctx, "[job] cancel after mark failed: %v", err)
	}
	return nil
}

// SweepExpiredExecutions applies the execution retention policy.
func (m *Manager) SweepExpiredExecutions(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := timeNow().UTC().Add(-retention)
	n, err := m.store.SweepExpiredExecutions(cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logs.CtxInfo(ctx, "[job] swept %d expired execution records", n)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// internal
// ---------------------------------------------------------------------------

func (m *Manager) owned(id string, ac AccessContext) (*Job, error) {
	j, err := m.store.GetJob(id)
	if err != nil {
		return nil, err
	}
	if j.OrgID != ac.OrgID {
		// Cross-tenant ids are indistinguishable from unknown ones.
		return nil, ErrNotFound
	}
	return j, nil
}

func (m *Manager) enqueue(ctx context.Context, j *Job) error {
	if j.Schedule.Type == timeplan.ScheduleOnce {
		if j.NextRunAt == nil {
			return errors.New("one-time job without a planned fire")
		}
		return m.queue.ScheduleOnce(ctx, j.ID, j.JobUUID, *j.NextRunAt)
	}
	end, err := m.recurringEnd(j)
	if err != nil {
		return err
	}
	// The planned first fire honors the schedule's start date; the queue
	// registration must not emit occurrences before it.
	start := timeNow().UTC()
	if j.NextRunAt != nil {
		start = *j.NextRunAt
	}
	return m.queue.ScheduleRecurring(ctx, j.ID, j.JobUUID, j.CronExpression, start, end)
}

func (m *Manager) recurringEnd(j *Job) (*time.Time, error) {
	if j.Schedule.Recurring == nil || j.Schedule.Recurring.EndDate == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(j.UserTimezone)
	if err != nil {
		return nil, fmt.Errorf("load job timezone: %w", err)
	}
	end, err := timeplan.EndBound(j.Schedule.Recurring.EndDate, loc)
	if err != nil {
		return nil, err
	}
	return &end, nil
}

func (m *Manager) validatePayload(name, prompt, targetAPI string) error {
	if strings.TrimSpace(name) == "" {
		return &timeplan.ValidationError{Field: "name", Msg: "is required"}
	}
	maxPrompt := m.sec.MaxPromptLength
	if maxPrompt <= 0 {
		maxPrompt = 10000
	}
	if len(prompt) == 0 || len(prompt) > maxPrompt {
		return &timeplan.ValidationError{Field: "prompt", Msg: fmt.Sprintf("must be 1..%d characters", maxPrompt)}
	}

	u, err := url.Parse(targetAPI)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &timeplan.ValidationError{Field: "target_api", Msg: "must be an absolute URL"}
	}
	scheme := strings.ToLower(u.Scheme)
	if !schemeAllowed(scheme, m.sec.AllowedSchemes) {
		return &timeplan.ValidationError{Field: "target_api", Msg: "scheme " + scheme + " is not allowed"}
	}
	host := u.Hostname()
	for _, blocked := range m.sec.BlockedDomains {
		if utils.HostMatchesDomain(host, blocked) {
			return &timeplan.ValidationError{Field: "target_api", Msg: "domain is blocked"}
		}
	}
	if len(m.sec.AllowedDomains) > 0 {
		ok := false
		for _, allowed := range m.sec.AllowedDomains {
			if utils.HostMatchesDomain(host, allowed) {
				ok = true
				break
			}
		}
		if !ok {
			return &timeplan.ValidationError{Field: "target_api", Msg: "domain is not on the allow list"}
		}
	}
	if m.sec.BlockPrivateHosts == nil || *m.sec.BlockPrivateHosts {
		if isPrivateHost(host) {
			return &timeplan.ValidationError{Field: "target_api", Msg: "private or loopback hosts are not allowed"}
		}
	}
	return nil
}

const (
	minResponseSizeBytes = 1 << 10  // 1 KiB
	maxResponseSizeBytes = 50 << 20 // 50 MiB
)

// validateResponseOptions bounds max_size_bytes; zero means "use the
// configured default".
func validateResponseOptions(r *ResponseOptions) error {
	if r == nil || r.MaxSizeBytes == 0 {
		return nil
	}
	if r.MaxSizeBytes < minResponseSizeBytes || r.MaxSizeBytes > maxResponseSizeBytes {
		return &timeplan.ValidationError{
			Field: "response.max_size_bytes",
			Msg:   fmt.Sprintf("must be between %d and %d", minResponseSizeBytes, maxResponseSizeBytes),
		}
	}
	return nil
}

func (m *Manager) checkDuplicates(orgID, idemKey, fingerprint string, now time.Time) error {
	if m.dup.Enabled != nil && !*m.dup.Enabled {
		return nil
	}
	checkIdem := m.dup.CheckIdempotencyKey == nil || *m.dup.CheckIdempotencyKey
	if checkIdem && idemKey != "" {
		if _, found := m.store.FindByIdempotencyKey(orgID, idemKey); found {
			return fmt.Errorf("%w: idempotency key already used", ErrDuplicate)
		}
	}
	checkFP := m.dup.CheckFingerprint == nil || *m.dup.CheckFingerprint
	if checkFP {
		window := time.Duration(m.dup.WindowMinutes) * time.Minute
		seen, err := m.store.FingerprintSeenSince(fingerprint, now.Add(-window))
		if err != nil {
			return err
		}
		if seen {
			return fmt.Errorf("%w: identical job created within the last %s", ErrDuplicate, window)
		}
	}
	return nil
}

func schemeAllowed(scheme string, allowed []string) bool {
	if len(allowed) == 0 {
		allowed = []string{"http", "https"}
	}
	for _, a := range allowed {
		if strings.EqualFold(a, scheme) {
			return true
		}
	}
	return false
}

func sortJobs(jobs []*Job, by, order string) {
	less := func(i, j int) bool {
		var cmp bool
		switch by {
		case "created_at":
			cmp = jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		case "name":
			cmp = jobs[i].Name < jobs[j].Name
		case "status":
			cmp = jobs[i].Status < jobs[j].Status
		default: // next_run_at; nil sorts last
			a, b := jobs[i].NextRunAt, jobs[j].NextRunAt
			switch {
			case a == nil && b == nil:
				cmp = jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
			case a == nil:
				cmp = false
			case b == nil:
				cmp = true
			default:
				cmp = a.Before(*b)
			}
		}
		return cmp
	}
	if order == "desc" {
		asc := less
		less = func(i, j int) bool { return asc(j, i) }
	}
	sort.SliceStable(jobs, less)
}
