package hypervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// VMRun drives a VMware Workstation/Player VM through the vmrun utility.
type VMRun struct {
	bin       string
	vmx       string
	guestUser string
	guestPass string
	logger    *slog.Logger
}

func NewVMRun(bin, vmx, guestUser, guestPass string, logger *slog.Logger) *VMRun {
	if bin == "" {
		bin = "vmrun"
	}
	return &VMRun{
		bin:       bin,
		vmx:       vmx,
		guestUser: guestUser,
		guestPass: guestPass,
		logger:    logger,
	}
}

func (v *VMRun) Start(ctx context.Context) error {
	_, err := v.invoke(ctx, "start", v.vmx, "nogui")
	return err
}

func (v *VMRun) Stop(ctx context.Context, force bool) error {
	mode := "soft"
	if force {
		mode = "hard"
	}
	_, err := v.invoke(ctx, "stop", v.vmx, mode)
	return err
}

func (v *VMRun) RevertToSnapshot(ctx context.Context, snapshot string) error {
	_, err := v.invoke(ctx, "revertToSnapshot", v.vmx, snapshot)
	return err
}

func (v *VMRun) CreateSnapshot(ctx context.Context, snapshot string) error {
	_, err := v.invoke(ctx, "snapshot", v.vmx, snapshot)
	return err
}

func (v *VMRun) CopyToGuest(ctx context.Context, hostPath, guestPath string) error {
	_, err := v.invoke(ctx, v.guestArgs("copyFileFromHostToGuest", hostPath, guestPath)...)
	return err
}

func (v *VMRun) CopyFromGuest(ctx context.Context, guestPath, hostPath string) error {
	_, err := v.invoke(ctx, v.guestArgs("copyFileFromGuestToHost", guestPath, hostPath)...)
	return err
}

func (v *VMRun) RunInGuest(ctx context.Context, timeout time.Duration, program string, args ...string) (*GuestResult, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append(v.guestArgs("runProgramInGuest", program), args...)
	cmd := exec.CommandContext(runCtx, v.bin, v.authArgs(argv)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := &GuestResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: elapsed,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		// CommandContext already killed the tool; the guest process tree is
		// torn down with the channel.
		res.ExitCode = -1
		res.TimedOut = true
		v.logger.Warn("guest command timed out", "program", program, "timeout", timeout)
		return res, nil
	}

	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == guestExitNonZero {
		// The tool ran fine; the guest program returned non-zero.
		res.ExitCode = guestExitNonZero
		return res, nil
	}

	return nil, fmt.Errorf("%w: %s: %s", ErrToolInvocation, program, firstLine(stderr.String(), err))
}

// invoke runs a vmrun subcommand that has no guest-output contract.
func (v *VMRun) invoke(ctx context.Context, args ...string) (string, error) {
	argv := v.authArgs(args)
	v.logger.Debug("vmrun", "args", strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, v.bin, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: vmrun %s: %s", ErrToolInvocation, args[0], firstLine(stderr.String(), err))
	}
	return stdout.String(), nil
}

// authArgs prepends the tool selector and guest credentials. vmrun requires
// credentials on every call, including pure VM-control subcommands.
func (v *VMRun) authArgs(args []string) []string {
	return append([]string{"-T", "ws", "-gu", v.guestUser, "-gp", v.guestPass}, args...)
}

func (v *VMRun) guestArgs(subcommand string, rest ...string) []string {
	return append([]string{subcommand, v.vmx}, rest...)
}

// firstLine picks the most useful message for an error: the tool's stderr if
// any, otherwise the exec error.
func firstLine(stderr string, err error) string {
	s := strings.TrimSpace(stderr)
	if s == "" {
		return err.Error()
	}
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return s
}
