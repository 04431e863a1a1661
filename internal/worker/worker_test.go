package worker

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/cronfire/cronfire/internal/config"
	"github.com/cronfire/cronfire/internal/job"
	"github.com/cronfire/cronfire/internal/queue"
	"github.com/cronfire/cronfire/internal/ratelimit"
	"github.com/cronfire/cronfire/internal/respproc"
	"github.com/cronfire/cronfire/internal/timeplan"
)

type harness struct {
	worker  *Worker
	mgr     *job.Manager
	adapter *queue.Adapter
	limiter *ratelimit.Limiter
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := &config.Config{}
	cfg.Database.Path = filepath.Join(t.TempDir(), "cronfire.db")
	allowPrivate := false
	cfg.Security.BlockPrivateHosts = &allowPrivate // httptest binds loopback
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	store, err := job.OpenStore(cfg.Database)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	adapter := queue.NewAdapter(queue.NewMemoryBackend(), cfg.Queue)
	mgr := job.NewManager(store, timeplan.New("UTC", nil), adapter, cfg)
	limiter := ratelimit.New(cfg.RateLimiting)
	proc := respproc.NewProcessor(cfg.ResponseHandling, nil)

	return &harness{
		worker:  New(adapter, mgr, limiter, proc, cfg),
		mgr:     mgr,
		adapter: adapter,
		limiter: limiter,
	}
}

func (h *harness) createJob(t *testing.T, targetURL string) *job.Job {
	t.Helper()
	j, err := h.mgr.Create(context.Background(), job.CreateRequest{
		Name:      "fire test",
		Prompt:    "run the report",
		TargetAPI: targetURL,
		Headers:   map[string]string{"Authorization": "Bearer token"},
		Schedule: timeplan.Schedule{
			Type:    timeplan.ScheduleOnce,
			OneTime: &timeplan.OneTimeSpec{Date: "2030-06-01", Time: "12:00"},
		},
	}, job.AccessContext{OrgID: "org1", UserID: "user1"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

// claimOne enqueues a zero-delay token for j and claims it.
func (h *harness) claimOne(t *testing.T, j *job.Job) *queue.Delivery {
	t.Helper()
	ctx := context.Background()
	if err := h.adapter.TriggerNow(ctx, j.ID, j.JobUUID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := h.adapter.Claim(ctx, 1, 30*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("claimed %d tokens", len(got))
	}
	return got[0]
}

func (h *harness) history(t *testing.T, j *job.Job) []*job.Execution {
	t.Helper()
	page, err := h.mgr.History(context.Background(), j.ID,
		job.AccessContext{OrgID: "org1", UserID: "user1"}, job.PageRequest{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return page.Items
}

func TestFire_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":"done"}`))
	}))
	defer server.Close()

	h := newHarness(t, nil)
	j := h.createJob(t, server.URL)
	d := h.claimOne(t, j)

	if err := h.worker.fire(context.Background(), d); err != nil {
		t.Fatalf("fire: %v", err)
	}

	execs := h.history(t, j)
	if len(execs) != 1 {
		t.Fatalf("got %d executions", len(execs))
	}
	e := execs[0]
	if e.Status != job.ExecSuccess {
		t.Errorf("status: %s", e.Status)
	}
	if e.Response == nil || e.Response.StatusCode != 200 || e.Response.Data == "" {
		t.Errorf("response snapshot: %+v", e.Response)
	}
	if e.CompletedAt == nil || e.DurationMS < 0 {
		t.Errorf("completion stamps: %+v", e)
	}

	advanced, err := h.mgr.Get(context.Background(), j.ID, job.AccessContext{OrgID: "org1"})
	if err != nil {
		t.Fatal(err)
	}
	if advanced.Status != job.StatusCompleted || advanced.ExecutionCount != 1 {
		t.Errorf("one-time job must complete after its fire: %+v", advanced)
	}
}

func TestFire_RequestShape(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	h := newHarness(t, nil)
	j := h.createJob(t, server.URL)

	// A job must not be able to spoof the scheduler identity headers.
	_, err := h.mgr.Update(context.Background(), j.ID, job.UpdateRequest{
		Headers: &map[string]string{
			"Authorization": "Bearer token",
			"X-Cron-Job-Id": "spoofed",
			"X-Source":      "spoofed",
			"X-Custom":      "kept",
		},
	}, job.AccessContext{OrgID: "org1", UserID: "user1"})
	if err != nil {
		t.Fatal(err)
	}

	d := h.claimOne(t, j)
	if err := h.worker.fire(context.Background(), d); err != nil {
		t.Fatalf("fire: %v", err)
	}

	if got := gotHeaders.Get("X-Cron-Job-Id"); got != j.JobUUID {
		t.Errorf("X-Cron-Job-Id: %q", got)
	}
	if got := gotHeaders.Get("X-Source"); got != "cron-scheduler" {
		t.Errorf("X-Source: %q", got)
	}
	if got := gotHeaders.Get("X-Original-User"); got != "user1" {
		t.Errorf("X-Original-User: %q", got)
	}
	if got := gotHeaders.Get("X-Custom"); got != "kept" {
		t.Errorf("custom header dropped: %q", got)
	}

	var body struct {
		Prompt  string         `json:"prompt"`
		Context map[string]any `json:"context"`
	}
	if err := sonic.Unmarshal(gotBody, &body); err != nil {
		t.Fatalf("body: %v (%s)", err, gotBody)
	}
	if body.Prompt != "run the report" {
		t.Errorf("prompt: %q", body.Prompt)
	}
	if body.Context["jobUuid"] != j.JobUUID || body.Context["orgId"] != "org1" {
		t.Errorf("context: %+v", body.Context)
	}
	if body.Context["isScheduledExecution"] != true {
		t.Error("isScheduledExecution flag missing")
	}
}

func TestFire_Client4xxNotRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	h := newHarness(t, nil)
	j := h.createJob(t, server.URL)
	d := h.claimOne(t, j)

	if err := h.worker.fire(context.Background(), d); err != nil {
		t.Fatalf("4xx must not re-raise: %v", err)
	}

	execs := h.history(t, j)
	if len(execs) != 1 || execs[0].Status != job.ExecFailed {
		t.Fatalf("executions: %+v", execs)
	}
	if execs[0].Error == nil || execs[0].Error.Retryable {
		t.Errorf("4xx must be non-retryable: %+v", execs[0].Error)
	}

	after, _ := h.mgr.Get(context.Background(), j.ID, job.AccessContext{OrgID: "org1"})
	if after.ConsecutiveFailures != 1 || after.Status != job.StatusActive {
		t.Errorf("failure bookkeeping: %+v", after)
	}
}

func TestFire_Upstream429(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	h := newHarness(t, nil)
	j := h.createJob(t, server.URL)
	d := h.claimOne(t, j)

	err := h.worker.fire(context.Background(), d)
	if err == nil {
		t.Fatal("429 must re-raise for the queue retry policy")
	}

	execs := h.history(t, j)
	if len(execs) != 1 || execs[0].Status != job.ExecRateLimited {
		t.Fatalf("executions: %+v", execs)
	}
	if execs[0].RateLimitInfo == nil || execs[0].RateLimitInfo.RetryAfter == nil || *execs[0].RateLimitInfo.RetryAfter != 60 {
		t.Errorf("rate limit info: %+v", execs[0].RateLimitInfo)
	}

	until := h.limiter.BackoffUntil(server.URL)
	if !until.After(time.Now().Add(30 * time.Second)) {
		t.Errorf("Retry-After not honored: %v", until)
	}

	// Upstream throttling is not a job failure.
	after, _ := h.mgr.Get(context.Background(), j.ID, job.AccessContext{OrgID: "org1"})
	if after.ConsecutiveFailures != 0 {
		t.Errorf("429 counted toward the failure cap: %+v", after)
	}
}

func TestFire_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(1500 * time.Millisecond)
	}))
	defer server.Close()

	h := newHarness(t, func(cfg *config.Config) {
		cfg.HTTP.TimeoutMS = 1000
	})
	j := h.createJob(t, server.URL)
	d := h.claimOne(t, j)

	err := h.worker.fire(context.Background(), d)
	if err == nil {
		t.Fatal("timeout must re-raise for retry")
	}

	execs := h.history(t, j)
	if len(execs) != 1 || execs[0].Status != job.ExecTimeout {
		t.Fatalf("executions: %+v", execs)
	}
	if execs[0].Error == nil || !execs[0].Error.Retryable {
		t.Errorf("timeouts are retryable: %+v", execs[0].Error)
	}
}

func TestFire_5xxInnerRetry(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	h := newHarness(t, func(cfg *config.Config) {
		cfg.HTTP.RetryAttempts = 1
		cfg.HTTP.RetryBackoffMS = 10
	})
	j := h.createJob(t, server.URL)
	d := h.claimOne(t, j)

	if err := h.worker.fire(context.Background(), d); err != nil {
		t.Fatalf("fire after inner retry: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected one inner retry, got %d calls", calls.Load())
	}
	execs := h.history(t, j)
	if len(execs) != 1 || execs[0].Status != job.ExecSuccess {
		t.Fatalf("executions: %+v", execs)
	}
}

func TestFire_ExhaustedTokenFailsOneTimeJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	h := newHarness(t, func(cfg *config.Config) {
		cfg.Queue.Attempts = 1
		cfg.HTTP.RetryAttempts = -1
	})
	j := h.createJob(t, server.URL)
	ctx := context.Background()

	d := h.claimOne(t, j)
	err := h.worker.fire(ctx, d)
	if err == nil {
		t.Fatal("5xx must re-raise for the queue retry policy")
	}
	// The queue drops the token on its last attempt; the failed event must
	// finalize the job or it would sit active with nothing left to fire it.
	if err := h.adapter.Fail(ctx, d, err); err != nil {
		t.Fatal(err)
	}

	after, _ := h.mgr.Get(ctx, j.ID, job.AccessContext{OrgID: "org1"})
	if after.Status != job.StatusFailed {
		t.Fatalf("exhausted one-time job left %s", after.Status)
	}
	if after.NextRunAt != nil {
		t.Errorf("failed job keeps a planned fire: %v", after.NextRunAt)
	}
}

func TestFire_429BacksOffOnce(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-remaining", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	h := newHarness(t, nil)
	j := h.createJob(t, server.URL)
	d := h.claimOne(t, j)

	if err := h.worker.fire(context.Background(), d); err == nil {
		t.Fatal("429 must re-raise for the queue retry policy")
	}

	// One 429 advances the host's backoff exactly one step (min 1 s x
	// multiplier 2 = 2 s); a second step from the remaining=0 header on the
	// same response would land at 4 s.
	until := h.limiter.BackoffUntil(server.URL)
	if !until.After(time.Now()) {
		t.Fatal("429 did not back the host off")
	}
	if until.After(time.Now().Add(3 * time.Second)) {
		t.Errorf("single 429 penalized twice, backoff until %v", until)
	}
}

func TestFire_FailureCapDisablesJob(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	h := newHarness(t, nil)
	j := h.createJob(t, server.URL)
	ctx := context.Background()

	for i := 0; i < job.MaxConsecutiveFailures; i++ {
		d := h.claimOne(t, j)
		if err := h.worker.fire(ctx, d); err != nil {
			t.Fatalf("fire %d: %v", i, err)
		}
		if err := h.adapter.Complete(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	after, _ := h.mgr.Get(ctx, j.ID, job.AccessContext{OrgID: "org1"})
	if after.Status != job.StatusFailed {
		t.Fatalf("job must fail at the cap: %+v", after)
	}

	// Further tokens short-circuit at resolve without touching the target.
	before := calls.Load()
	d := h.claimOne(t, j)
	if err := h.worker.fire(ctx, d); err != nil {
		t.Fatalf("post-cap fire: %v", err)
	}
	if calls.Load() != before {
		t.Error("disabled job still reached the target API")
	}
}

func TestFire_GateDenialRequeues(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	h := newHarness(t, func(cfg *config.Config) {
		cfg.RateLimiting.DefaultRPM = 1
	})
	// Recurring so the job stays active past the first successful fire.
	j, err := h.mgr.Create(context.Background(), job.CreateRequest{
		Name:      "gated",
		Prompt:    "run the report",
		TargetAPI: server.URL,
		Schedule: timeplan.Schedule{
			Type:      timeplan.ScheduleRecurring,
			Recurring: &timeplan.RecurringSpec{Frequency: timeplan.FreqDaily, Time: "12:00", StartDate: "2030-06-01"},
		},
	}, job.AccessContext{OrgID: "org1", UserID: "user1"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	ctx := context.Background()

	// First fire consumes the per-minute budget.
	d := h.claimOne(t, j)
	if err := h.worker.fire(ctx, d); err != nil {
		t.Fatalf("first fire: %v", err)
	}
	if err := h.adapter.Complete(ctx, d); err != nil {
		t.Fatal(err)
	}

	d = h.claimOne(t, j)
	if err := h.worker.fire(ctx, d); err == nil {
		t.Fatal("gated fire must re-raise for retry")
	}
	if calls.Load() != 1 {
		t.Errorf("gated fire reached the target: %d calls", calls.Load())
	}

	execs := h.history(t, j)
	if len(execs) != 2 || execs[0].Status != job.ExecRateLimited {
		t.Fatalf("gate denial not recorded: %+v", execs)
	}
}
