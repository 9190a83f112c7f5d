package engine

import (
	"context"

	"github.com/sandboxlab/detonate/internal/pipeline"
	"github.com/sandboxlab/detonate/internal/vm"
)

// Lifecycle is the slice of the VM controller the engine drives.
type Lifecycle interface {
	Start(ctx context.Context) (vm.State, error)
	Stop(ctx context.Context) error
	Acquire() error
	Release(ctx context.Context, revert bool) error
	CreateSnapshot(ctx context.Context, name string) error
	State() vm.State
	Status() vm.Status
}

// Analyzer runs one job through the execution pipeline while the caller
// holds the VM busy window.
type Analyzer interface {
	Analyze(ctx context.Context, job pipeline.Job, progress pipeline.ProgressFunc) (*pipeline.Result, error)
}
