package api

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sandboxlab/detonate/internal/engine"
	"github.com/sandboxlab/detonate/internal/store"
	"github.com/sandboxlab/detonate/internal/vm"
	"github.com/sandboxlab/detonate/report"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Submit(filename, hostPath string) (*store.Job, error) {
	args := m.Called(filename, hostPath)
	if job := args.Get(0); job != nil {
		return job.(*store.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEngine) Job(id string) (*store.Job, error) {
	args := m.Called(id)
	if job := args.Get(0); job != nil {
		return job.(*store.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEngine) ListJobs(limit int) ([]*store.Job, error) {
	args := m.Called(limit)
	if jobs := args.Get(0); jobs != nil {
		return jobs.([]*store.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEngine) Cancel(id string) error {
	return m.Called(id).Error(0)
}

func (m *MockEngine) ListArtifacts(id string) ([]engine.Artifact, error) {
	args := m.Called(id)
	if a := args.Get(0); a != nil {
		return a.([]engine.Artifact), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEngine) ArtifactPath(id, filename string) (string, error) {
	args := m.Called(id, filename)
	return args.String(0), args.Error(1)
}

func (m *MockEngine) Report(id string) (*report.Report, error) {
	args := m.Called(id)
	if rep := args.Get(0); rep != nil {
		return rep.(*report.Report), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEngine) Available() (bool, string) {
	args := m.Called()
	return args.Bool(0), args.String(1)
}

func (m *MockEngine) VMStatus() vm.Status {
	return m.Called().Get(0).(vm.Status)
}

func (m *MockEngine) StartVM(ctx context.Context) (vm.State, error) {
	args := m.Called(ctx)
	return args.Get(0).(vm.State), args.Error(1)
}

func (m *MockEngine) StopVM(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockEngine) CreateSnapshot(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}
