package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sandboxlab/detonate/internal/hypervisor"
	"github.com/sandboxlab/detonate/internal/vm"
)

// ErrNotAcquired means a guest command was attempted outside an acquired
// session.
var ErrNotAcquired = errors.New("vm session not acquired")

// Driver invokes commands inside the guest with a bounded wait. Exit codes
// are passed through uninterpreted; interpretation belongs to the pipeline.
type Driver struct {
	control        hypervisor.Control
	vm             StateSource
	defaultTimeout time.Duration
	logger         *slog.Logger
}

func NewDriver(control hypervisor.Control, vmState StateSource, defaultTimeout time.Duration, logger *slog.Logger) *Driver {
	return &Driver{
		control:        control,
		vm:             vmState,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Run executes a program in the guest, capturing exit code and streams. The
// hard wall-clock timeout is what bounds how long a single analysis can
// occupy the shared VM; on timeout the result carries TimedOut instead of
// blocking indefinitely.
func (d *Driver) Run(ctx context.Context, timeout time.Duration, program string, args ...string) (*hypervisor.GuestResult, error) {
	if state := d.vm.State(); state != vm.StateBusy {
		return nil, fmt.Errorf("%w: state=%s", ErrNotAcquired, state)
	}
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	d.logger.Debug("run in guest", "program", program, "args", args, "timeout", timeout)
	res, err := d.control.RunInGuest(ctx, timeout, program, args...)
	if err != nil {
		return nil, err
	}
	if res.TimedOut {
		d.logger.Warn("guest command timed out", "program", program, "timeout", timeout)
	}
	return res, nil
}
