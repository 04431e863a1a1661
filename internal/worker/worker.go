package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cronfire/cronfire/internal/config"
	"github.com/cronfire/cronfire/internal/job"
	"github.com/cronfire/cronfire/internal/pkg/logs"
	"github.com/cronfire/cronfire/internal/pkg/metrics"
	"github.com/cronfire/cronfire/internal/queue"
	"github.com/cronfire/cronfire/internal/ratelimit"
	"github.com/cronfire/cronfire/internal/respproc"
)

// Worker pulls due tokens from the queue and runs the fire pipeline with
// bounded concurrency. Several workers (and processes) may share one queue;
// per-token locks keep fires of the same job from overlapping.
type Worker struct {
	queue   *queue.Adapter
	mgr     *job.Manager
	limiter *ratelimit.Limiter
	proc    *respproc.Processor
	client  *Client
	cfg     config.WorkerConfig
	httpCfg config.HTTPConfig

	concurrent chan struct{} // semaphore sized to cfg.Concurrency

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(q *queue.Adapter, mgr *job.Manager, limiter *ratelimit.Limiter, proc *respproc.Processor, cfg *config.Config) *Worker {
	concurrency := cfg.Worker.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	w := &Worker{
		queue:      q,
		mgr:        mgr,
		limiter:    limiter,
		proc:       proc,
		client:     NewClient(cfg.HTTP),
		cfg:        cfg.Worker,
		httpCfg:    cfg.HTTP,
		concurrent: make(chan struct{}, concurrency),
	}
	q.OnEvent(w.onQueueEvent)
	return w
}

// onQueueEvent finalizes jobs whose token exhausted its delivery attempts.
// One-shot tokens are gone at that point; without terminal bookkeeping the
// job would stay active with nothing left to fire it.
func (w *Worker) onQueueEvent(ev queue.Event) {
	if ev.Kind != queue.EventFailed {
		return
	}
	ctx := context.Background()
	if err := w.mgr.FailExhausted(ctx, ev.JobUUID); err != nil {
		logs.CtxWarn(ctx, "[worker] finalize exhausted token %s: %v", ev.JobUUID, err)
	}
}

// Start begins the polling loop.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
	logs.CtxInfo(ctx, "[worker] started (concurrency=%d)", cap(w.concurrent))
}

// Stop ceases pulling new tokens and waits up to the shutdown timeout for
// in-flight fires. Abandoned tokens stall and are redelivered on restart.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}

	timeout := time.Duration(w.cfg.ShutdownTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logs.Info("[worker] stopped")
	case <-time.After(timeout):
		logs.Warn("[worker] stop timed out, abandoning in-flight fires")
	}
}

func (w *Worker) loop(ctx context.Context) {
	interval := time.Duration(w.cfg.PollIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *Worker) poll(ctx context.Context) {
	free := cap(w.concurrent) - len(w.concurrent)
	if free == 0 {
		return
	}

	deliveries, err := w.queue.Claim(ctx, free, w.lockDuration())
	if err != nil {
		logs.CtxWarn(ctx, "[worker] claim: %v", err)
		return
	}

	for _, d := range deliveries {
		if !w.tryAcquire() {
			// Out of slots; release the claim back via the stall path.
			logs.CtxDebug(ctx, "[worker] concurrency full, leaving %s to stall detection", d.JobUUID)
			break
		}
		delivery := d
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.release()
			w.handle(ctx, delivery)
		}()
	}
}

// handle runs one delivery with lock renewal until the pipeline settles.
func (w *Worker) handle(ctx context.Context, d *queue.Delivery) {
	metrics.WorkersInflight.Inc()
	defer metrics.WorkersInflight.Dec()

	renewCtx, stopRenewal := context.WithCancel(ctx)
	defer stopRenewal()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.renewLoop(renewCtx, d)
	}()

	err := w.fire(ctx, d)
	stopRenewal()

	if err == nil {
		if err := w.queue.Complete(ctx, d); err != nil {
			logs.CtxWarn(ctx, "[worker] complete %s: %v", d.JobUUID, err)
		}
		return
	}

	var retry errRetryable
	if errors.As(err, &retry) {
		if err := w.queue.Fail(ctx, d, retry.err); err != nil {
			logs.CtxWarn(ctx, "[worker] requeue %s: %v", d.JobUUID, err)
		}
		return
	}
	logs.CtxError(ctx, "[worker] fire %s: %v", d.JobUUID, err)
	if err := w.queue.Complete(ctx, d); err != nil {
		logs.CtxWarn(ctx, "[worker] complete %s: %v", d.JobUUID, err)
	}
}

func (w *Worker) renewLoop(ctx context.Context, d *queue.Delivery) {
	interval := time.Duration(w.cfg.LockRenewalMS) * time.Millisecond
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Renew(ctx, d, w.lockDuration()); err != nil {
				logs.CtxWarn(ctx, "[worker] renew lock %s: %v", d.JobUUID, err)
				return
			}
		}
	}
}

func (w *Worker) lockDuration() time.Duration {
	d := time.Duration(w.cfg.LockDurationMS) * time.Millisecond
	if d <= 0 {
		d = 30 * time.Second
	}
	return d
}

func (w *Worker) tryAcquire() bool {
	select {
	case w.concurrent <- struct{}{}:
		return true
	default:
		return false
	}
}

func (w *Worker) release() {
	<-w.concurrent
}
