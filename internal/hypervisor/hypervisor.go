// Package hypervisor wraps the external VM control tool behind a narrow
// synchronous interface so the lifecycle controller can be tested against a
// fake implementation.
package hypervisor

import (
	"context"
	"errors"
	"time"
)

// ErrToolInvocation means the control tool itself could not run (binary
// missing, auth failure, bad VM path). Distinct from the guest program
// exiting non-zero, which is reported through GuestResult.ExitCode.
var ErrToolInvocation = errors.New("control tool invocation failed")

// guestExitNonZero is the control tool's exit code when the guest program ran
// but returned a non-zero status.
const guestExitNonZero = 2

// GuestResult is the outcome of one command invocation inside the guest.
type GuestResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Control is the boundary toward the hypervisor control tool. Implementations
// are constructed with the VM identity and guest credentials; methods operate
// on that single VM.
type Control interface {
	// Start powers the VM on headlessly. It returns before the guest is
	// ready; readiness is probed via RunInGuest.
	Start(ctx context.Context) error

	// Stop powers the VM off. force requests an immediate hard power-off
	// instead of a graceful guest shutdown.
	Stop(ctx context.Context, force bool) error

	// RevertToSnapshot restores the guest to the named snapshot, discarding
	// all changes made since it was taken.
	RevertToSnapshot(ctx context.Context, snapshot string) error

	// CreateSnapshot saves the current guest state under the given name.
	CreateSnapshot(ctx context.Context, snapshot string) error

	// CopyToGuest copies a host file into the guest. guestPath must be
	// POSIX-style.
	CopyToGuest(ctx context.Context, hostPath, guestPath string) error

	// CopyFromGuest copies a guest file out to the host.
	CopyFromGuest(ctx context.Context, guestPath, hostPath string) error

	// RunInGuest invokes a program inside the guest with a hard wall-clock
	// timeout. A guest program exiting non-zero is not an error; it is
	// reported via GuestResult.ExitCode. A timeout sets TimedOut and kills
	// the invocation rather than blocking.
	RunInGuest(ctx context.Context, timeout time.Duration, program string, args ...string) (*GuestResult, error)
}
