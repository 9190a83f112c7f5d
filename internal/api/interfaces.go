package api

import (
	"context"

	"github.com/sandboxlab/detonate/internal/engine"
	"github.com/sandboxlab/detonate/internal/store"
	"github.com/sandboxlab/detonate/internal/vm"
	"github.com/sandboxlab/detonate/report"
)

// EngineService abstracts the analysis engine operations needed by handlers.
type EngineService interface {
	Submit(filename, hostPath string) (*store.Job, error)
	Job(id string) (*store.Job, error)
	ListJobs(limit int) ([]*store.Job, error)
	Cancel(id string) error
	ListArtifacts(id string) ([]engine.Artifact, error)
	ArtifactPath(id, filename string) (string, error)
	Report(id string) (*report.Report, error)
	Available() (bool, string)
	VMStatus() vm.Status
	StartVM(ctx context.Context) (vm.State, error)
	StopVM(ctx context.Context) error
	CreateSnapshot(ctx context.Context, name string) error
}
