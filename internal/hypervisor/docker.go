package hypervisor

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
)

const labelPrefix = "detonate."

// ContainerBox is a container-backed Control implementation for environments
// without a hypervisor. The image plays the role of the base snapshot: a
// revert removes the container and recreates it from the image, which
// restores the baseline file system the same way a snapshot revert does.
type ContainerBox struct {
	docker *client.Client
	image  string
	name   string
	logger *slog.Logger

	containerID string
}

func NewContainerBox(image, name string, logger *slog.Logger) (*ContainerBox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &ContainerBox{
		docker: cli,
		image:  image,
		name:   name,
		logger: logger,
	}, nil
}

func (c *ContainerBox) Close() error {
	return c.docker.Close()
}

func (c *ContainerBox) Start(ctx context.Context) error {
	// Clear any stale container left by a previous run.
	c.docker.ContainerRemove(ctx, c.name, container.RemoveOptions{Force: true})

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:    2 * units.GiB,
			PidsLimit: int64Ptr(256),
		},
		NetworkMode: "none",
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 512 * units.MiB,
				},
			},
		},
	}

	containerCfg := &container.Config{
		Image: c.image,
		Cmd:   []string{"sleep", "infinity"},
		Labels: map[string]string{
			labelPrefix + "managed": "true",
		},
	}

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, c.name)
	if err != nil {
		return fmt.Errorf("%w: container create: %s", ErrToolInvocation, err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("%w: container start: %s", ErrToolInvocation, err)
	}

	c.containerID = resp.ID
	return nil
}

func (c *ContainerBox) Stop(ctx context.Context, force bool) error {
	if c.containerID == "" {
		return nil
	}
	timeout := 10
	if force {
		timeout = 0
	}
	if err := c.docker.ContainerStop(ctx, c.containerID, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("%w: container stop: %s", ErrToolInvocation, err)
	}
	c.docker.ContainerRemove(ctx, c.containerID, container.RemoveOptions{Force: true})
	c.containerID = ""
	return nil
}

// RevertToSnapshot recreates the container from its image. The snapshot name
// is logged for parity with the vmrun backend but the image is the only
// baseline a container has.
func (c *ContainerBox) RevertToSnapshot(ctx context.Context, snapshot string) error {
	c.logger.Debug("reverting container to image baseline", "snapshot", snapshot, "image", c.image)
	if err := c.Stop(ctx, true); err != nil {
		return err
	}
	return c.Start(ctx)
}

func (c *ContainerBox) CreateSnapshot(ctx context.Context, snapshot string) error {
	_, err := c.docker.ContainerCommit(ctx, c.containerID, container.CommitOptions{
		Reference: c.image + "-" + snapshot,
	})
	if err != nil {
		return fmt.Errorf("%w: container commit: %s", ErrToolInvocation, err)
	}
	return nil
}

func (c *ContainerBox) CopyToGuest(ctx context.Context, hostPath, guestPath string) error {
	data, err := os.ReadFile(hostPath)
	if err != nil {
		return fmt.Errorf("%w: read source: %s", ErrToolInvocation, err)
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: path.Base(guestPath),
		Mode: 0o755,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("%w: tar header: %s", ErrToolInvocation, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("%w: tar write: %s", ErrToolInvocation, err)
	}
	tw.Close()

	destDir := path.Dir(guestPath)
	mkdirCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := c.exec(mkdirCtx, "mkdir", "-p", destDir); err != nil {
		return err
	}
	if err := c.docker.CopyToContainer(ctx, c.containerID, destDir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("%w: copy to container: %s", ErrToolInvocation, err)
	}
	return nil
}

func (c *ContainerBox) CopyFromGuest(ctx context.Context, guestPath, hostPath string) error {
	rc, _, err := c.docker.CopyFromContainer(ctx, c.containerID, guestPath)
	if err != nil {
		return fmt.Errorf("%w: copy from container: %s", ErrToolInvocation, err)
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("%w: %s not found in archive", ErrToolInvocation, guestPath)
		}
		if err != nil {
			return fmt.Errorf("%w: tar read: %s", ErrToolInvocation, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(hostPath), 0o755); err != nil {
			return fmt.Errorf("%w: host dir: %s", ErrToolInvocation, err)
		}
		f, err := os.Create(hostPath)
		if err != nil {
			return fmt.Errorf("%w: host create: %s", ErrToolInvocation, err)
		}
		_, err = io.Copy(f, tr)
		f.Close()
		if err != nil {
			return fmt.Errorf("%w: host write: %s", ErrToolInvocation, err)
		}
		return nil
	}
}

func (c *ContainerBox) RunInGuest(ctx context.Context, timeout time.Duration, program string, args ...string) (*GuestResult, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := c.exec(runCtx, program, args...)
	if runCtx.Err() == context.DeadlineExceeded {
		// Kill everything the exec spawned; the next revert recreates the
		// container anyway.
		c.docker.ContainerKill(context.WithoutCancel(ctx), c.containerID, "KILL")
		return &GuestResult{ExitCode: -1, TimedOut: true, Duration: time.Since(start)}, nil
	}
	return res, err
}

// exec runs a command in the container and waits for completion.
func (c *ContainerBox) exec(ctx context.Context, program string, args ...string) (*GuestResult, error) {
	execCfg := container.ExecOptions{
		Cmd:          append([]string{program}, args...),
		AttachStdout: true,
		AttachStderr: true,
	}

	start := time.Now()
	execResp, err := c.docker.ContainerExecCreate(ctx, c.containerID, execCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: exec create: %s", ErrToolInvocation, err)
	}

	attachResp, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: exec attach: %s", ErrToolInvocation, err)
	}
	defer attachResp.Close()

	// Demultiplex Docker's stdout/stderr stream (8-byte headers).
	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attachResp.Reader); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: exec read: %s", ErrToolInvocation, err)
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: exec inspect: %s", ErrToolInvocation, err)
	}

	return &GuestResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}, nil
}

func int64Ptr(v int64) *int64 {
	return &v
}
