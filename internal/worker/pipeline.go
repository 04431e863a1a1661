package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cronfire/cronfire/internal/job"
	"github.com/cronfire/cronfire/internal/pkg/logs"
	"github.com/cronfire/cronfire/internal/pkg/metrics"
	"github.com/cronfire/cronfire/internal/pkg/utils"
	"github.com/cronfire/cronfire/internal/queue"
	"github.com/cronfire/cronfire/internal/ratelimit"
	"github.com/cronfire/cronfire/internal/respproc"
)

// overridable for tests
var timeNow = time.Now

// errRetryable re-raises a fire failure so the queue's retry policy applies.
type errRetryable struct{ err error }

func (e errRetryable) Error() string { return e.err.Error() }
func (e errRetryable) Unwrap() error { return e.err }

// fire runs the full pipeline for one claimed token: resolve, gate, open an
// execution, call the target, observe rate-limit headers, process the
// payload, close the execution and advance the job. The returned error, when
// errRetryable, requeues the token.
func (w *Worker) fire(ctx context.Context, d *queue.Delivery) error {
	j, ok, err := w.mgr.ResolveForFire(ctx, d.JobUUID)
	if err != nil {
		return errRetryable{err}
	}
	if !ok {
		// Deleted, paused or terminal: consume the token quietly. This also
		// absorbs duplicate deliveries after a stall.
		logs.CtxDebug(ctx, "[worker] token %s resolves to no fireable job, skipping", d.JobUUID)
		return nil
	}

	if !w.limiter.Allow(j.TargetAPI, jobLimits(j)) {
		until := w.limiter.BackoffUntil(j.TargetAPI)
		logs.CtxInfo(ctx, "[worker] %s gated by rate limiter until %s", j.ID, until.Format(time.RFC3339))
		w.recordGateDenial(ctx, j, d)
		return errRetryable{ratelimit.ErrRateLimited}
	}

	started := timeNow().UTC()
	exec := &job.Execution{
		ExecutionUUID: "exec_" + utils.RandHex(16),
		JobID:         j.ID,
		JobUUID:       j.JobUUID,
		OrgID:         j.OrgID,
		ScheduledFor:  scheduledFor(j, started),
		ExecutedAt:    started,
		Status:        job.ExecPending,
		Attempts:      d.Attempts,
		Request: job.RequestSnapshot{
			Prompt:    j.Prompt,
			TargetAPI: j.TargetAPI,
			Headers:   j.Headers,
			TimeoutMS: int64(w.httpCfg.TimeoutMS),
		},
	}
	if err := w.mgr.RecordExecution(ctx, exec); err != nil {
		return errRetryable{err}
	}

	res, callErr := w.client.Call(ctx, j)
	finished := timeNow().UTC()

	// A 429 is digested once through Observe429 in closeOut; running the
	// header branch as well would advance the host's backoff twice.
	if res != nil && res.StatusCode != http.StatusTooManyRequests {
		w.limiter.Observe(j.TargetAPI, res.Headers)
	}

	outcome := w.closeOut(ctx, j, exec, res, callErr, finished)
	metrics.ExecutionsTotal.WithLabelValues(string(outcome.status)).Inc()
	metrics.ExecutionDuration.Observe(finished.Sub(started).Seconds())

	if outcome.status == job.ExecSuccess {
		if _, err := w.mgr.AdvanceAfterSuccess(ctx, j.ID, started); err != nil {
			return errRetryable{err}
		}
		return nil
	}

	if outcome.countsAsFailure {
		if _, capped, err := w.mgr.RecordFailure(ctx, j.ID, started); err != nil {
			return errRetryable{err}
		} else if capped {
			// The job is disabled; retrying the token would no-op at resolve.
			return nil
		}
	}
	if outcome.retryable {
		return errRetryable{outcome.err}
	}
	return nil
}

type fireOutcome struct {
	status          job.ExecStatus
	retryable       bool
	countsAsFailure bool
	err             error
}

// closeOut classifies the call result, fills the execution's response
// snapshot and error, and persists the final record.
func (w *Worker) closeOut(ctx context.Context, j *job.Job, exec *job.Execution, res *CallResult, callErr error, finished time.Time) fireOutcome {
	var out fireOutcome

	switch {
	case callErr != nil && errors.Is(callErr, errTimeout):
		out = fireOutcome{status: job.ExecTimeout, retryable: true, countsAsFailure: true, err: callErr}
		exec.Error = &job.ExecError{Message: callErr.Error(), Code: "TIMEOUT", Retryable: true}

	case callErr != nil:
		retryable := !errors.Is(callErr, ErrResponseTooLarge)
		out = fireOutcome{status: job.ExecFailed, retryable: retryable, countsAsFailure: true, err: callErr}
		exec.Error = &job.ExecError{Message: callErr.Error(), Code: "NETWORK_ERROR", Retryable: retryable}

	case res.StatusCode == http.StatusTooManyRequests:
		info := w.limiter.HeaderInfo(res.Headers)
		var retryAfter, reset int64
		if info.RetryAfterSec != nil {
			retryAfter = *info.RetryAfterSec
		}
		if info.ResetEpoch != nil {
			reset = *info.ResetEpoch
		}
		w.limiter.Observe429(j.TargetAPI, retryAfter, reset)
		out = fireOutcome{status: job.ExecRateLimited, retryable: true, err: errors.New("upstream rate limited")}
		exec.Error = &job.ExecError{Message: "upstream returned 429", Code: "RATE_LIMITED", Retryable: true}
		exec.RateLimitInfo = &job.RateLimitInfo{
			Remaining:  info.Remaining,
			Reset:      info.ResetEpoch,
			RetryAfter: info.RetryAfterSec,
		}

	case res.StatusCode >= 500:
		out = fireOutcome{status: job.ExecFailed, retryable: true, countsAsFailure: true,
			err: errors.New("upstream 5xx after retries")}
		exec.Error = &job.ExecError{Message: "upstream returned " + http.StatusText(res.StatusCode), Code: "UPSTREAM_ERROR", Retryable: true}

	case res.StatusCode >= 400:
		out = fireOutcome{status: job.ExecFailed, retryable: false, countsAsFailure: true,
			err: errors.New("upstream 4xx")}
		exec.Error = &job.ExecError{Message: "upstream returned " + http.StatusText(res.StatusCode), Code: "CLIENT_ERROR", Retryable: false}

	default:
		out = fireOutcome{status: job.ExecSuccess}
	}

	if res != nil {
		exec.Response = w.snapshotResponse(ctx, j, res)
	}
	exec.Finish(finished, out.status)

	if err := w.mgr.CloseExecution(ctx, exec); err != nil {
		logs.CtxError(ctx, "[worker] close execution %s: %v", exec.ExecutionUUID, err)
	}
	return out
}

// snapshotResponse routes the body through the response processor and builds
// the stored snapshot.
func (w *Worker) snapshotResponse(ctx context.Context, j *job.Job, res *CallResult) *job.ResponseSnapshot {
	snap := &job.ResponseSnapshot{
		StatusCode: res.StatusCode,
		Headers:    res.Headers,
		DataSize:   int64(len(res.Body)),
	}
	if len(res.Body) == 0 {
		return snap
	}

	processed, err := w.proc.Process(ctx, res.Body, respproc.Options{
		MaxSizeBytes:      j.Response.MaxSizeBytes,
		CompressResponse:  j.Response.CompressResponse,
		StoreFullResponse: j.Response.StoreFullResponse,
	})
	if err != nil {
		logs.CtxWarn(ctx, "[worker] response processing failed for %s: %v", j.ID, err)
		return snap
	}
	snap.Data = processed.Data
	snap.IsCompressed = processed.IsCompressed
	snap.IsTruncated = processed.IsTruncated
	snap.StorageLocation = processed.StorageLocation
	return snap
}

// recordGateDenial writes a rate_limited execution for a fire that never
// left the process. Gate denials do not count toward the failure cap.
func (w *Worker) recordGateDenial(ctx context.Context, j *job.Job, d *queue.Delivery) {
	now := timeNow().UTC()
	exec := &job.Execution{
		ExecutionUUID: "exec_" + utils.RandHex(16),
		JobID:         j.ID,
		JobUUID:       j.JobUUID,
		OrgID:         j.OrgID,
		ScheduledFor:  scheduledFor(j, now),
		ExecutedAt:    now,
		Status:        job.ExecRateLimited,
		Attempts:      d.Attempts,
		Request: job.RequestSnapshot{
			Prompt:    j.Prompt,
			TargetAPI: j.TargetAPI,
			Headers:   j.Headers,
			TimeoutMS: int64(w.httpCfg.TimeoutMS),
		},
		Error: &job.ExecError{Message: "rate limited before dispatch", Code: "RATE_LIMITED", Retryable: true},
	}
	exec.Finish(now, job.ExecRateLimited)
	if err := w.mgr.RecordExecution(ctx, exec); err != nil {
		logs.CtxWarn(ctx, "[worker] record gate denial: %v", err)
	}
}

func scheduledFor(j *job.Job, fallback time.Time) time.Time {
	if j.NextRunAt != nil {
		return *j.NextRunAt
	}
	return fallback
}

func jobLimits(j *job.Job) ratelimit.JobLimits {
	return ratelimit.JobLimits{
		MaxRequestsPerMinute: j.RateLimit.MaxRequestsPerMinute,
		BackoffMultiplier:    j.RateLimit.BackoffMultiplier,
		MaxBackoff:           time.Duration(j.RateLimit.MaxBackoffMS) * time.Millisecond,
	}
}
