package vm

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sandboxlab/detonate/internal/hypervisor"
)

type MockControl struct {
	mock.Mock
}

func (m *MockControl) Start(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockControl) Stop(ctx context.Context, force bool) error {
	args := m.Called(ctx, force)
	return args.Error(0)
}

func (m *MockControl) RevertToSnapshot(ctx context.Context, snapshot string) error {
	args := m.Called(ctx, snapshot)
	return args.Error(0)
}

func (m *MockControl) CreateSnapshot(ctx context.Context, snapshot string) error {
	args := m.Called(ctx, snapshot)
	return args.Error(0)
}

func (m *MockControl) CopyToGuest(ctx context.Context, hostPath, guestPath string) error {
	args := m.Called(ctx, hostPath, guestPath)
	return args.Error(0)
}

func (m *MockControl) CopyFromGuest(ctx context.Context, guestPath, hostPath string) error {
	args := m.Called(ctx, guestPath, hostPath)
	return args.Error(0)
}

func (m *MockControl) RunInGuest(ctx context.Context, timeout time.Duration, program string, cmdArgs ...string) (*hypervisor.GuestResult, error) {
	args := m.Called(ctx, timeout, program, cmdArgs)
	if res := args.Get(0); res != nil {
		return res.(*hypervisor.GuestResult), args.Error(1)
	}
	return nil, args.Error(1)
}
