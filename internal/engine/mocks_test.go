package engine

import (
	"context"
	"sync"

	"github.com/sandboxlab/detonate/internal/pipeline"
	"github.com/sandboxlab/detonate/internal/vm"
)

// fakeLifecycle is an in-memory VM controller tracking acquire/release
// discipline so tests can assert the serialization and revert invariants.
type fakeLifecycle struct {
	mu        sync.Mutex
	state     vm.State
	revertErr error
	startErr  error
	acquires  int
	reverts   int
	stops     int
	snapshots []string
}

func newFakeLifecycle(state vm.State) *fakeLifecycle {
	return &fakeLifecycle{state: state}
}

func (f *fakeLifecycle) Start(ctx context.Context) (vm.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		f.state = vm.StateFaulted
		return f.state, f.startErr
	}
	f.state = vm.StateReady
	return f.state, nil
}

func (f *fakeLifecycle) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state = vm.StateStopped
	return nil
}

func (f *fakeLifecycle) Acquire() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != vm.StateReady {
		return vm.ErrNotReady
	}
	f.state = vm.StateBusy
	f.acquires++
	return nil
}

func (f *fakeLifecycle) Release(ctx context.Context, revert bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if revert {
		f.reverts++
		if f.revertErr != nil {
			f.state = vm.StateFaulted
			return f.revertErr
		}
	}
	f.state = vm.StateReady
	return nil
}

func (f *fakeLifecycle) CreateSnapshot(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, name)
	return nil
}

func (f *fakeLifecycle) State() vm.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeLifecycle) Status() vm.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return vm.Status{
		State:             f.state,
		AnalysisAvailable: f.state == vm.StateReady || f.state == vm.StateBusy,
	}
}

func (f *fakeLifecycle) stats() (acquires, reverts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires, f.reverts
}

// fakeAnalyzer replays a canned pipeline result. With block set it parks in
// Analyze until the job context ends, which lets tests exercise queueing,
// timeouts, and cancellation.
type fakeAnalyzer struct {
	mu      sync.Mutex
	jobs    []pipeline.Job
	lastCtx context.Context
	active  int
	maxSeen int

	result  *pipeline.Result
	err     error
	block   bool
	started chan string
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		result:  &pipeline.Result{FileType: ".py", ExitCode: 0, ExecMessage: "File executed successfully in sandbox.", Output: "Execution Result: File executed successfully in sandbox.\n"},
		started: make(chan string, 16),
	}
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, job pipeline.Job, progress pipeline.ProgressFunc) (*pipeline.Result, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.lastCtx = ctx
	f.active++
	if f.active > f.maxSeen {
		f.maxSeen = f.active
	}
	block, result, err := f.block, f.result, f.err
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	f.started <- job.ID
	progress(pipeline.StatusTransferring, 20, "copying artifact to guest")
	progress(pipeline.StatusRunning, 60, "executing in sandbox")

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	progress(pipeline.StatusCollecting, 90, "collecting results")
	return result, nil
}

func (f *fakeAnalyzer) jobIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.jobs))
	for _, j := range f.jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

func (f *fakeAnalyzer) jobContext() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCtx
}

func (f *fakeAnalyzer) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxSeen
}
