// Package vm owns the single analysis VM: its identity, its lifecycle state
// machine, and the acquire/release discipline that keeps one job at a time
// inside it.
package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sandboxlab/detonate/internal/hypervisor"
)

type State string

const (
	StateStopped   State = "stopped"
	StateStarting  State = "starting"
	StateReady     State = "ready"
	StateBusy      State = "busy"
	StateReverting State = "reverting_snapshot"
	StateFaulted   State = "faulted"
)

var (
	ErrNotReady    = errors.New("vm not ready")
	ErrNotBusy     = errors.New("vm not busy")
	ErrStartFailed = errors.New("vm start failed")
	// ErrRevertFailed is fatal for the isolation guarantee: a VM that cannot
	// revert must never serve another job until an operator intervenes.
	ErrRevertFailed = errors.New("snapshot revert failed")
)

// Handle is the immutable identity of the controlled VM.
type Handle struct {
	ImagePath          string
	BaseSnapshot       string
	GuestDir           string
	StartTimeout       time.Duration
	ReadyProbeAttempts int
	ReadyProbeInterval time.Duration
}

// Status is the externally observable view of the VM.
type Status struct {
	State             State  `json:"state"`
	AnalysisAvailable bool   `json:"analysis_available"`
	FaultReason       string `json:"fault_reason,omitempty"`
	ImagePath         string `json:"image_path"`
	BaseSnapshot      string `json:"base_snapshot"`
}

// probeTimeout bounds a single readiness probe inside the guest.
const probeTimeout = 10 * time.Second

// Controller is the authoritative state machine for the VM. All state
// observations and transitions go through it; no caller infers VM usability
// from process checks.
type Controller struct {
	handle  Handle
	control hypervisor.Control
	logger  *slog.Logger

	// opMu serializes the long-running administrative transitions
	// (start, stop, revert) so they never race each other.
	opMu sync.Mutex

	// mu guards state and faultReason only; Status never blocks on an
	// in-flight revert or start.
	mu          sync.Mutex
	state       State
	faultReason string
}

func NewController(handle Handle, control hypervisor.Control, logger *slog.Logger) *Controller {
	return &Controller{
		handle:  handle,
		control: control,
		logger:  logger,
		state:   StateStopped,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:             c.state,
		AnalysisAvailable: c.state == StateReady || c.state == StateBusy,
		FaultReason:       c.faultReason,
		ImagePath:         c.handle.ImagePath,
		BaseSnapshot:      c.handle.BaseSnapshot,
	}
}

// GuestDir returns the working directory inside the guest.
func (c *Controller) GuestDir() string {
	return c.handle.GuestDir
}

// Start powers the VM on and probes guest readiness. Calling Start on a VM
// that is already Ready or Busy is a no-op returning the current state.
func (c *Controller) Start(ctx context.Context) (State, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	switch current := c.State(); current {
	case StateReady, StateBusy:
		return current, nil
	}

	c.setState(StateStarting, "")
	c.logger.Info("starting vm", "image", c.handle.ImagePath)

	startCtx, cancel := context.WithTimeout(ctx, c.handle.StartTimeout)
	defer cancel()

	if err := c.control.Start(startCtx); err != nil {
		c.setState(StateFaulted, "power on: "+err.Error())
		return StateFaulted, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	if err := c.awaitGuestReady(startCtx); err != nil {
		c.setState(StateFaulted, "readiness probe: "+err.Error())
		return StateFaulted, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	// Make sure the guest working directory exists. mkdir -p succeeds if it
	// already does.
	if res, err := c.control.RunInGuest(startCtx, probeTimeout, "/bin/mkdir", "-p", c.handle.GuestDir); err != nil || res.ExitCode != 0 {
		c.logger.Warn("guest dir bootstrap failed", "dir", c.handle.GuestDir, "error", err)
	}

	c.setState(StateReady, "")
	c.logger.Info("vm ready", "image", c.handle.ImagePath)
	return StateReady, nil
}

// awaitGuestReady polls guest command execution until the guest tools answer
// or the attempt budget is spent.
func (c *Controller) awaitGuestReady(ctx context.Context) error {
	attempts := c.handle.ReadyProbeAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		res, err := c.control.RunInGuest(ctx, probeTimeout, "/bin/echo", "ready")
		if err == nil && !res.TimedOut && res.ExitCode == 0 {
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("probe exit code %d", res.ExitCode)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.handle.ReadyProbeInterval):
		}
	}
	return fmt.Errorf("guest not ready after %d attempts: %v", attempts, lastErr)
}

// Acquire transitions Ready to Busy, granting the caller exclusive use of the
// VM. Any other state fails; callers queue, they do not spin on Acquire.
func (c *Controller) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady {
		return fmt.Errorf("%w: state=%s", ErrNotReady, c.state)
	}
	c.state = StateBusy
	return nil
}

// Release ends the caller's occupancy. With revert set (the only mode the job
// pipeline uses) the guest is restored to the base snapshot before the VM is
// offered to the next job. Revert failure faults the VM.
func (c *Controller) Release(ctx context.Context, revert bool) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State() != StateBusy {
		return fmt.Errorf("%w: state=%s", ErrNotBusy, c.State())
	}

	if !revert {
		c.setState(StateReady, "")
		return nil
	}

	c.setState(StateReverting, "")
	c.logger.Info("reverting vm to base snapshot", "snapshot", c.handle.BaseSnapshot)

	if err := c.control.RevertToSnapshot(ctx, c.handle.BaseSnapshot); err != nil {
		c.setState(StateFaulted, "snapshot revert: "+err.Error())
		return fmt.Errorf("%w: %v", ErrRevertFailed, err)
	}

	c.setState(StateReady, "")
	return nil
}

// Stop powers the VM off from any state: graceful guest shutdown first,
// forced power-off if the guest does not respond within the grace period.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.logger.Info("stopping vm", "image", c.handle.ImagePath)
	if err := c.control.Stop(ctx, false); err != nil {
		c.logger.Warn("soft stop failed, forcing power off", "error", err)
		if err := c.control.Stop(ctx, true); err != nil {
			c.setState(StateFaulted, "power off: "+err.Error())
			return err
		}
	}
	c.setState(StateStopped, "")
	return nil
}

// CreateSnapshot saves the current guest state. Operator operation; requires
// the VM to be idle so the snapshot never captures a half-run job.
func (c *Controller) CreateSnapshot(ctx context.Context, name string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State() != StateReady {
		return fmt.Errorf("%w: state=%s", ErrNotReady, c.State())
	}
	return c.control.CreateSnapshot(ctx, name)
}

func (c *Controller) setState(s State, faultReason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	c.faultReason = faultReason
	if s == StateFaulted {
		c.logger.Error("vm faulted", "reason", faultReason)
	}
}
