package guest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sandboxlab/detonate/internal/hypervisor"
	"github.com/sandboxlab/detonate/internal/vm"
)

// fixedState reports a constant VM state.
type fixedState struct {
	state vm.State
}

func (f *fixedState) State() vm.State { return f.state }

// fakeControl is an in-memory guest: pushed files land in a map keyed by
// guest path, pulls read them back, and RunInGuest replays canned results.
type fakeControl struct {
	guestFiles map[string][]byte
	runResults []*hypervisor.GuestResult
	runErr     error
	runCalls   [][]string
	copyErr    error
}

func newFakeControl() *fakeControl {
	return &fakeControl{guestFiles: make(map[string][]byte)}
}

func (f *fakeControl) Start(ctx context.Context) error                         { return nil }
func (f *fakeControl) Stop(ctx context.Context, force bool) error              { return nil }
func (f *fakeControl) RevertToSnapshot(ctx context.Context, snap string) error { return nil }
func (f *fakeControl) CreateSnapshot(ctx context.Context, snap string) error   { return nil }

func (f *fakeControl) CopyToGuest(ctx context.Context, hostPath, guestPath string) error {
	if f.copyErr != nil {
		return f.copyErr
	}
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return err
	}
	f.guestFiles[guestPath] = data
	return nil
}

func (f *fakeControl) CopyFromGuest(ctx context.Context, guestPath, hostPath string) error {
	if f.copyErr != nil {
		return f.copyErr
	}
	data, ok := f.guestFiles[guestPath]
	if !ok {
		return fmt.Errorf("%w: no such guest file: %s", hypervisor.ErrToolInvocation, guestPath)
	}
	return os.WriteFile(hostPath, data, 0o644)
}

func (f *fakeControl) RunInGuest(ctx context.Context, timeout time.Duration, program string, args ...string) (*hypervisor.GuestResult, error) {
	f.runCalls = append(f.runCalls, append([]string{program}, args...))
	if f.runErr != nil {
		return nil, f.runErr
	}
	if len(f.runResults) == 0 {
		return &hypervisor.GuestResult{ExitCode: 0}, nil
	}
	res := f.runResults[0]
	f.runResults = f.runResults[1:]
	return res, nil
}
