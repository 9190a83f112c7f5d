package pipeline

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sandboxlab/detonate/internal/hypervisor"
)

type MockTransfer struct {
	mock.Mock
}

func (m *MockTransfer) Push(ctx context.Context, hostPath, guestPath string) error {
	args := m.Called(ctx, hostPath, guestPath)
	return args.Error(0)
}

func (m *MockTransfer) Pull(ctx context.Context, guestPath, hostPath string) error {
	args := m.Called(ctx, guestPath, hostPath)
	return args.Error(0)
}

type MockRunner struct {
	mock.Mock
}

func (m *MockRunner) Run(ctx context.Context, timeout time.Duration, program string, cmdArgs ...string) (*hypervisor.GuestResult, error) {
	args := m.Called(ctx, timeout, program, cmdArgs)
	if res := args.Get(0); res != nil {
		return res.(*hypervisor.GuestResult), args.Error(1)
	}
	return nil, args.Error(1)
}
