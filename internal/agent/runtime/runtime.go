// Package runtime defines the container runtime abstraction the agent
// manages its single instance through, plus the typed failure classification
// the lifecycle layer branches on.
package runtime

import "context"

// Runtime abstracts the container engine backend (Docker in production,
// mocks in tests). Every call is bounded by a timeout applied by the
// implementation; Run gets a substantially longer allowance because it may
// have to pull the workload image first.
type Runtime interface {
	// Ping reports whether the container engine is reachable.
	Ping(ctx context.Context) error

	// Run creates and starts a container from the given spec and returns the
	// engine-assigned container ID.
	Run(ctx context.Context, spec ContainerSpec) (string, error)

	// Inspect returns the live status of a container.
	// Returns ErrNotFound when the engine no longer knows the container.
	Inspect(ctx context.Context, containerID string) (Status, error)

	// Start starts a previously stopped container without recreating it.
	Start(ctx context.Context, containerID string) error

	// Stop gracefully stops a running container.
	Stop(ctx context.Context, containerID string) error

	// Restart stops and then starts a container.
	Restart(ctx context.Context, containerID string) error

	// Remove force-removes a container. Removing a container the engine no
	// longer has is a no-op, not an error.
	Remove(ctx context.Context, containerID string) error

	// Logs returns up to tail lines of the container's combined output.
	Logs(ctx context.Context, containerID string, tail int) (string, error)

	// Exec runs argv inside the container and returns its output streams.
	Exec(ctx context.Context, containerID string, argv ...string) (stdout, stderr string, err error)

	// ExecDetached starts argv inside the container without waiting for it.
	ExecDetached(ctx context.Context, containerID string, argv ...string) error
}

// ContainerSpec describes the container Run should create. Port bindings are
// fully resolved at this point — "auto" ports have already been allocated by
// the lifecycle layer.
type ContainerSpec struct {
	// InstanceID is the logical instance identifier; it becomes the container
	// name suffix and an identifying label.
	InstanceID string
	// Image is the full image reference including tag.
	Image string
	// CPUCores limits the container to this many CPU cores.
	CPUCores int
	// MemoryGB limits container memory, in gigabytes.
	MemoryGB int
	// GPUCount requests this many GPUs from the nvidia device driver.
	// Zero means no GPU access.
	GPUCount int
	// Ports maps container port number → host port number, both decimal
	// strings.
	Ports map[string]string
	// Env holds environment variables to inject.
	Env map[string]string
	// Command is the optional command to run. Empty means the adapter's idle
	// fallback keeps the container alive.
	Command string
}

// Status mirrors the container engine's state vocabulary.
type Status string

const (
	StatusRunning    Status = "running"
	StatusExited     Status = "exited"
	StatusCreated    Status = "created"
	StatusRestarting Status = "restarting"
	StatusPaused     Status = "paused"
	StatusDead       Status = "dead"
	StatusUnknown    Status = "unknown"
)

// ParseStatus maps an engine-reported state string onto the Status vocabulary.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusRunning, StatusExited, StatusCreated, StatusRestarting, StatusPaused, StatusDead:
		return Status(s)
	default:
		return StatusUnknown
	}
}
