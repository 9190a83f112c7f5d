// Package engine serializes analysis jobs onto the single sandbox VM.
// Submissions queue FIFO; a lone worker goroutine admits one job at a time
// into the VM's busy window and always reverts the snapshot before the next
// job starts, even after timeouts and cancellations.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sandboxlab/detonate/internal/config"
	"github.com/sandboxlab/detonate/internal/metrics"
	"github.com/sandboxlab/detonate/internal/pipeline"
	"github.com/sandboxlab/detonate/internal/store"
	"github.com/sandboxlab/detonate/internal/vm"
)

var (
	ErrQueueFull   = errors.New("analysis queue full")
	ErrUnavailable = errors.New("analysis engine unavailable")
	ErrNoReport    = errors.New("no report for job")
)

const acquireRetryInterval = 250 * time.Millisecond

type Engine struct {
	cfg     *config.Config
	store   *store.Store
	vm      Lifecycle
	pipe    Analyzer
	metrics *metrics.Metrics
	logger  *slog.Logger

	queue  chan string
	stopCh chan struct{}
	wg     sync.WaitGroup

	// admitMu is the single admission point for the VM. The worker holds it
	// for the whole busy window; administrative start/stop take it too so
	// they never race a revert.
	admitMu sync.Mutex

	mu          sync.Mutex
	cancels     map[string]context.CancelFunc
	unavailable string // non-empty reason once the isolation guarantee broke
}

func New(cfg *config.Config, st *store.Store, lc Lifecycle, pipe Analyzer, m *metrics.Metrics, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		store:   st,
		vm:      lc,
		pipe:    pipe,
		metrics: m,
		logger:  logger.With("component", "engine"),
		queue:   make(chan string, cfg.Limits.QueueSize),
		stopCh:  make(chan struct{}),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start launches the worker. ctx bounds all background work.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(2)
	go e.worker(ctx)
	go e.observe(ctx)
}

// Stop drains nothing: queued jobs stay persisted and are reconciled as
// interrupted on the next boot. Blocks until the worker exits.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// Available reports whether new jobs are admitted, with a reason when not.
func (e *Engine) Available() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unavailable != "" {
		return false, e.unavailable
	}
	return true, ""
}

func (e *Engine) setUnavailable(reason string) {
	e.mu.Lock()
	e.unavailable = reason
	e.mu.Unlock()
	e.logger.Error("engine unavailable", "reason", reason)
}

// VMStatus reports the controller state plus engine-level availability.
func (e *Engine) VMStatus() vm.Status {
	st := e.vm.Status()
	if _, reason := e.Available(); reason != "" {
		st.AnalysisAvailable = false
		if st.FaultReason == "" {
			st.FaultReason = reason
		}
	}
	return st
}

// StartVM powers the VM on through the admission point. A successful start
// clears a previous unavailability, operator restart is the remediation
// path for a failed revert.
func (e *Engine) StartVM(ctx context.Context) (vm.State, error) {
	e.admitMu.Lock()
	defer e.admitMu.Unlock()
	state, err := e.vm.Start(ctx)
	if err != nil {
		return state, err
	}
	e.mu.Lock()
	e.unavailable = ""
	e.mu.Unlock()
	return state, nil
}

// StopVM powers the VM off through the admission point; it waits for an
// active job to finish rather than racing its revert.
func (e *Engine) StopVM(ctx context.Context) error {
	e.admitMu.Lock()
	defer e.admitMu.Unlock()
	return e.vm.Stop(ctx)
}

// CreateSnapshot captures a new named guest snapshot through the admission
// point.
func (e *Engine) CreateSnapshot(ctx context.Context, name string) error {
	e.admitMu.Lock()
	defer e.admitMu.Unlock()
	return e.vm.CreateSnapshot(ctx, name)
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case id := <-e.queue:
			e.metrics.QueueDepth.Set(float64(len(e.queue)))
			e.process(ctx, id)
		}
	}
}

// observe mirrors VM state and queue depth into the metrics registry.
func (e *Engine) observe(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.metrics.SetVMState(string(e.vm.State()))
			e.metrics.QueueDepth.Set(float64(len(e.queue)))
		}
	}
}

// process runs one dequeued job through acquire, pipeline, and release.
func (e *Engine) process(ctx context.Context, id string) {
	job, err := e.store.GetJob(id)
	if err != nil {
		e.logger.Error("dequeued job missing from store", "job_id", id, "error", err)
		return
	}
	if job.Terminal() {
		// Canceled while queued.
		return
	}

	e.admitMu.Lock()
	defer e.admitMu.Unlock()

	jobCtx, cancel := context.WithTimeout(ctx, e.cfg.JobTimeout())
	e.registerCancel(id, cancel)
	defer e.unregisterCancel(id)

	if err := e.awaitAcquire(jobCtx); err != nil {
		e.finalizeError(job, err)
		return
	}

	now := time.Now().UTC()
	if err := e.store.MarkStarted(id, job.Language, now); err != nil {
		e.logger.Error("marking job started", "job_id", id, "error", err)
	}

	res, runErr := e.pipe.Analyze(jobCtx, pipelineJob(job), e.progressFunc(id))

	// The revert must happen regardless of how the pipeline ended, and must
	// not be subject to the job's own (possibly expired) deadline.
	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.VM.StartTimeout())
	relErr := e.vm.Release(releaseCtx, true)
	releaseCancel()
	if relErr != nil {
		e.metrics.RevertFailures.Inc()
		e.setUnavailable("snapshot revert failed: " + relErr.Error())
	}

	if runErr != nil {
		e.finalizeError(job, runErr)
		return
	}
	e.finalizeDone(job, res)
}

// awaitAcquire polls for the busy window until the VM is ready, the job
// deadline passes, or the VM faults.
func (e *Engine) awaitAcquire(ctx context.Context) error {
	for {
		err := e.vm.Acquire()
		if err == nil {
			return nil
		}
		switch e.vm.State() {
		case vm.StateFaulted:
			e.setUnavailable("vm faulted")
			return vm.ErrNotReady
		case vm.StateStopped:
			// Nobody is starting the VM; polling would only pin the
			// admission lock against an operator's start request.
			return vm.ErrNotReady
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			return ErrUnavailable
		case <-time.After(acquireRetryInterval):
		}
	}
}

func (e *Engine) progressFunc(id string) pipeline.ProgressFunc {
	return func(status pipeline.Status, pct int, message string) {
		if err := e.store.UpdateProgress(id, string(status), pct, message); err != nil {
			e.logger.Warn("updating job progress", "job_id", id, "error", err)
		}
	}
}

func (e *Engine) registerCancel(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
}

// unregisterCancel removes the job's cancel func and invokes it, releasing
// the deadline timer for jobs that finish before it fires.
func (e *Engine) unregisterCancel(id string) {
	e.mu.Lock()
	cancel := e.cancels[id]
	delete(e.cancels, id)
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
