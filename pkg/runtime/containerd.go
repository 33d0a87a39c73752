package runtime

import (
	"bytes"
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// Namespace is the containerd namespace sandboxd's containers live in.
	Namespace = "sandboxd"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// Spec describes the container backing one sandbox.
type Spec struct {
	ID     string
	Image  string
	Env    []string
	Mounts []specs.Mount // extra mounts; the reference host daemon sets none
}

// ExecResult is the outcome of running one command inside a sandbox
// container, mirroring the shape hostgw.ExecResult expects back over the
// wire.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ContainerdRuntime wraps a containerd client scoped to the sandboxd
// namespace.
type ContainerdRuntime struct {
	client *containerd.Client
}

// NewContainerdRuntime connects to the containerd socket at socketPath
// (DefaultSocketPath if empty).
func NewContainerdRuntime(socketPath string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}

	return &ContainerdRuntime{client: client}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) withNS(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, Namespace)
}

// PullImage pulls and unpacks imageRef if not already present.
func (r *ContainerdRuntime) PullImage(ctx context.Context, imageRef string) error {
	ctx = r.withNS(ctx)
	if _, err := r.client.Pull(ctx, imageRef, containerd.WithPullUnpack); err != nil {
		return fmt.Errorf("pull image %s: %w", imageRef, err)
	}
	return nil
}

// CreateAndStart pulls spec.Image if needed, creates the container and
// starts its init task, returning once the task is running.
func (r *ContainerdRuntime) CreateAndStart(ctx context.Context, spec Spec) error {
	ctx = r.withNS(ctx)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		image, err = r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
		if err != nil {
			return fmt.Errorf("pull image %s: %w", spec.Image, err)
		}
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(spec.Mounts))
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	return nil
}

// Exec runs command as `sh -c command` inside sandboxID's container and
// waits for it to exit, capturing stdout/stderr. This is the one operation
// the teacher's runtime never needed — a sandbox's purpose is running
// arbitrary agent-issued commands, not a single fixed entrypoint.
func (r *ContainerdRuntime) Exec(ctx context.Context, sandboxID, command string, timeout time.Duration) (*ExecResult, error) {
	ctx = r.withNS(ctx)

	container, err := r.client.LoadContainer(ctx, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("load container %s: %w", sandboxID, err)
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	containerSpec, err := container.Spec(ctx)
	if err != nil {
		return nil, fmt.Errorf("read container spec: %w", err)
	}
	procSpec := *containerSpec.Process
	procSpec.Args = []string{"/bin/sh", "-c", command}
	procSpec.Terminal = false

	var stdout, stderr bytes.Buffer
	execID := fmt.Sprintf("exec-%d", time.Now().UnixNano())
	process, err := task.Exec(ctx, execID, &procSpec, cio.NewCreator(cio.WithStreams(nil, &stdout, &stderr)))
	if err != nil {
		return nil, fmt.Errorf("create exec process: %w", err)
	}
	defer process.Delete(ctx)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCh, err := process.Wait(execCtx)
	if err != nil {
		return nil, fmt.Errorf("wait for exec process: %w", err)
	}
	if err := process.Start(execCtx); err != nil {
		return nil, fmt.Errorf("start exec process: %w", err)
	}

	select {
	case status := <-exitCh:
		return &ExecResult{
			ExitCode: int(status.ExitCode()),
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		}, nil
	case <-execCtx.Done():
		_ = process.Kill(ctx, syscall.SIGKILL)
		return &ExecResult{
			ExitCode: -1,
			Stdout:   stdout.String(),
			Stderr:   stderr.String() + "\n[timed out]",
		}, nil
	}
}

// Stop gracefully stops sandboxID's init task, falling back to SIGKILL
// after timeout.
func (r *ContainerdRuntime) Stop(ctx context.Context, sandboxID string, timeout time.Duration) error {
	ctx = r.withNS(ctx)

	container, err := r.client.LoadContainer(ctx, sandboxID)
	if err != nil {
		return nil // already gone
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil // no task means nothing to stop
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("kill task: %w", err)
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("wait for task: %w", err)
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("force kill task: %w", err)
		}
	}
	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// Delete removes sandboxID's container and its snapshot, stopping it first
// if still running.
func (r *ContainerdRuntime) Delete(ctx context.Context, sandboxID string) error {
	ctx = r.withNS(ctx)

	container, err := r.client.LoadContainer(ctx, sandboxID)
	if err != nil {
		return nil // already gone
	}
	if err := r.Stop(ctx, sandboxID, 10*time.Second); err != nil {
		return fmt.Errorf("stop before delete: %w", err)
	}
	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("delete container: %w", err)
	}
	return nil
}

// List enumerates container IDs currently live in the sandboxd namespace.
func (r *ContainerdRuntime) List(ctx context.Context) ([]string, error) {
	ctx = r.withNS(ctx)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}
