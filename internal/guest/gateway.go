// Package guest moves artifacts and commands across the host/guest boundary.
// Everything here requires an acquired VM session: transfers and executions
// only happen while the lifecycle controller reports Busy.
package guest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sandboxlab/detonate/internal/hypervisor"
	"github.com/sandboxlab/detonate/internal/vm"
)

// ErrTransfer covers authentication failures, missing sources, and guest path
// permission errors. A failed transfer fails the enclosing job; it is never
// silently retried, since a retry could mask a wedged VM.
var ErrTransfer = errors.New("transfer failed")

// StateSource exposes the VM state observation the gateway and driver gate on.
type StateSource interface {
	State() vm.State
}

// Gateway copies files between host and guest through the control tool.
type Gateway struct {
	control hypervisor.Control
	vm      StateSource
	logger  *slog.Logger
}

func NewGateway(control hypervisor.Control, vmState StateSource, logger *slog.Logger) *Gateway {
	return &Gateway{control: control, vm: vmState, logger: logger}
}

// Push copies a host file into the guest. guestPath must be POSIX-style;
// use GuestJoin to build it.
func (g *Gateway) Push(ctx context.Context, hostPath, guestPath string) error {
	if err := g.requireBusy(); err != nil {
		return err
	}
	if _, err := os.Stat(hostPath); err != nil {
		return fmt.Errorf("%w: source: %v", ErrTransfer, err)
	}

	g.logger.Debug("push file", "host", hostPath, "guest", guestPath)
	if err := g.control.CopyToGuest(ctx, hostPath, guestPath); err != nil {
		return fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	return nil
}

// Pull copies a guest file out to the host, creating the host-side directory
// if needed.
func (g *Gateway) Pull(ctx context.Context, guestPath, hostPath string) error {
	if err := g.requireBusy(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(hostPath), 0o755); err != nil {
		return fmt.Errorf("%w: host dir: %v", ErrTransfer, err)
	}

	g.logger.Debug("pull file", "guest", guestPath, "host", hostPath)
	if err := g.control.CopyFromGuest(ctx, guestPath, hostPath); err != nil {
		return fmt.Errorf("%w: %v", ErrTransfer, err)
	}
	return nil
}

func (g *Gateway) requireBusy() error {
	if state := g.vm.State(); state != vm.StateBusy {
		return fmt.Errorf("%w: vm not acquired (state=%s)", ErrTransfer, state)
	}
	return nil
}

// GuestJoin joins path elements into a guest path with forward slashes,
// regardless of host OS path conventions. Backslashes from host-side inputs
// must never leak into guest path strings.
func GuestJoin(elems ...string) string {
	cleaned := make([]string, len(elems))
	for i, e := range elems {
		cleaned[i] = strings.ReplaceAll(e, "\\", "/")
	}
	return path.Join(cleaned...)
}
