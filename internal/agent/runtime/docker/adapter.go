// Package docker provides the Docker Engine implementation of the agent's
// container runtime abstraction.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/gridmachina/hostagent/internal/agent/runtime"
)

const (
	labelManagedBy  = "hostagent.managed-by"
	labelInstanceID = "hostagent.instance-id"
	managedByValue  = "hostagent"

	// stopTimeout is how long the engine waits for a graceful stop before
	// SIGKILL.
	stopTimeout = 10 * time.Second

	// DefaultOpTimeout bounds ordinary engine calls.
	DefaultOpTimeout = 2 * time.Minute

	// DefaultRunTimeout bounds container creation, which may include pulling
	// the workload image.
	DefaultRunTimeout = 10 * time.Minute

	// idleCommand keeps a container alive when the spec carries no command.
	idleCommand = "tail -f /dev/null"
)

// Adapter implements runtime.Runtime against the Docker Engine API.
type Adapter struct {
	client     *dockerclient.Client
	opTimeout  time.Duration
	runTimeout time.Duration
}

// Options tunes adapter timeouts. Zero values select the defaults.
type Options struct {
	OpTimeout  time.Duration
	RunTimeout time.Duration
}

// New creates an adapter connected via the DOCKER_HOST env var or the
// default socket path.
func New(opts Options) (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}
	return &Adapter{client: cli, opTimeout: opts.OpTimeout, runTimeout: opts.RunTimeout}, nil
}

// Ping reports whether the engine is reachable.
func (a *Adapter) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()
	if _, err := a.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %s", runtime.ErrUnavailable, firstLine(err.Error()))
	}
	return nil
}

// Run creates and starts a container from spec, pulling the image on demand.
func (a *Adapter) Run(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.runTimeout)
	defer cancel()

	exposed, bindings, err := portBindings(spec.Ports)
	if err != nil {
		return "", fmt.Errorf("%w: %v", runtime.ErrExecution, err)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          commandArgv(spec.Command),
		Env:          envList(spec.Env),
		ExposedPorts: exposed,
		Labels: map[string]string{
			labelManagedBy:  managedByValue,
			labelInstanceID: spec.InstanceID,
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Resources:    resources(spec),
	}

	name := containerName(spec.InstanceID)

	resp, err := a.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if dockerclient.IsErrNotFound(err) {
		// Image not present locally; pull and retry once.
		if pullErr := a.pull(ctx, spec.Image); pullErr != nil {
			return "", pullErr
		}
		resp, err = a.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return "", a.classify(err, "create container")
	}

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the half-created container.
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", a.classify(err, "start container")
	}

	return resp.ID, nil
}

// Inspect returns the container's live status.
func (a *Adapter) Inspect(ctx context.Context, containerID string) (runtime.Status, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	info, err := a.client.ContainerInspect(ctx, containerID)
	if err != nil {
		return runtime.StatusUnknown, a.classify(err, "inspect container")
	}
	if info.State == nil {
		return runtime.StatusUnknown, nil
	}
	return runtime.ParseStatus(info.State.Status), nil
}

// Start starts a stopped container.
func (a *Adapter) Start(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()
	return a.classify(a.client.ContainerStart(ctx, containerID, container.StartOptions{}), "start container")
}

// Stop gracefully stops a running container.
func (a *Adapter) Stop(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()
	timeout := int(stopTimeout.Seconds())
	return a.classify(a.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}), "stop container")
}

// Restart stops and starts a container.
func (a *Adapter) Restart(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()
	timeout := int(stopTimeout.Seconds())
	return a.classify(a.client.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: &timeout}), "restart container")
}

// Remove force-removes a container. A container the engine no longer has is
// treated as already removed.
func (a *Adapter) Remove(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()
	err := a.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return a.classify(err, "remove container")
	}
	return nil
}

// Logs returns up to tail lines of combined stdout+stderr output.
func (a *Adapter) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	rc, err := a.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", a.classify(err, "container logs")
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", fmt.Errorf("%w: demultiplex logs: %v", runtime.ErrExecution, err)
	}
	if stderr.Len() == 0 {
		return stdout.String(), nil
	}
	return stdout.String() + stderr.String(), nil
}

// Exec runs argv inside the container and waits for it, returning the
// captured output streams. A non-zero exit code is reported as ErrExecution
// with the stderr text attached.
func (a *Adapter) Exec(ctx context.Context, containerID string, argv ...string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	exec, err := a.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", "", a.classify(err, "exec create")
	}

	attach, err := a.client.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", "", a.classify(err, "exec attach")
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && !errors.Is(err, io.EOF) {
		return stdout.String(), stderr.String(), fmt.Errorf("%w: read exec output: %v", runtime.ErrExecution, err)
	}

	info, err := a.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return stdout.String(), stderr.String(), a.classify(err, "exec inspect")
	}
	if info.ExitCode != 0 {
		return stdout.String(), stderr.String(),
			fmt.Errorf("%w: exit code %d: %s", runtime.ErrExecution, info.ExitCode, firstLine(stderr.String()))
	}
	return stdout.String(), stderr.String(), nil
}

// ExecDetached starts argv inside the container without waiting for it.
func (a *Adapter) ExecDetached(ctx context.Context, containerID string, argv ...string) error {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	exec, err := a.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:    argv,
		Detach: true,
	})
	if err != nil {
		return a.classify(err, "exec create")
	}
	if err := a.client.ContainerExecStart(ctx, exec.ID, container.ExecStartOptions{Detach: true}); err != nil {
		return a.classify(err, "exec start")
	}
	return nil
}

// pull fetches the image, draining the progress stream.
func (a *Adapter) pull(ctx context.Context, ref string) error {
	slog.Info("pulling image", "image", ref)
	rc, err := a.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return a.classify(err, "pull image")
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("%w: pull image %s: %v", runtime.ErrExecution, ref, err)
	}
	return nil
}

// classify maps a Docker SDK error onto the runtime error taxonomy, keeping
// the engine's diagnostic text in the wrapping message.
func (a *Adapter) classify(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case dockerclient.IsErrNotFound(err):
		return fmt.Errorf("%w: %s", runtime.ErrNotFound, op)
	case dockerclient.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %s: %s", runtime.ErrUnavailable, op, firstLine(err.Error()))
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s timed out", runtime.ErrExecution, op)
	default:
		return fmt.Errorf("%w: %s: %s", runtime.ErrExecution, op, firstLine(err.Error()))
	}
}

// --- helpers ---

func containerName(instanceID string) string {
	id := instanceID
	if len(id) > 8 {
		id = id[:8]
	}
	return "hostagent-instance-" + id
}

// commandArgv converts the spec's command string into an argv. Commands with
// shell operators are wrapped in sh -c; plain commands are split on spaces.
// An empty command yields the idle fallback that keeps the container alive.
func commandArgv(command string) []string {
	if command == "" {
		command = idleCommand
	}
	for _, op := range []string{"&&", "||", "|", ";", ">", "<", "$(", "`"} {
		if strings.Contains(command, op) {
			return []string{"sh", "-c", command}
		}
	}
	return strings.Fields(command)
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		if k == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}

// portBindings converts the resolved port map into the engine's nat types.
func portBindings(ports map[string]string) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range ports {
		p, err := nat.NewPort("tcp", containerPort)
		if err != nil {
			return nil, nil, fmt.Errorf("container port %q: %w", containerPort, err)
		}
		if _, err := strconv.Atoi(hostPort); err != nil {
			return nil, nil, fmt.Errorf("host port %q: %w", hostPort, err)
		}
		exposed[p] = struct{}{}
		bindings[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}}
	}
	return exposed, bindings, nil
}

func resources(spec runtime.ContainerSpec) container.Resources {
	res := container.Resources{}
	if spec.CPUCores > 0 {
		res.NanoCPUs = int64(spec.CPUCores) * 1e9
	}
	if spec.MemoryGB > 0 {
		res.Memory = int64(spec.MemoryGB) << 30
	}
	if spec.GPUCount > 0 {
		res.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        spec.GPUCount,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	return res
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	const max = 200
	if len(s) > max {
		s = s[:max]
	}
	return s
}
