// Package instance implements the lifecycle engine for the single
// containerized instance this host may hold: creation, manage actions,
// deletion, log access, and reconciliation against the runtime's ground
// truth.
package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridmachina/hostagent/internal/agent/netport"
	"github.com/gridmachina/hostagent/internal/agent/runtime"
	"github.com/gridmachina/hostagent/internal/agent/state"
	"github.com/gridmachina/hostagent/internal/agent/tasks"
)

const (
	// defaultConfirmDelay is the pause between starting a container and
	// re-inspecting it to confirm it stayed running.
	defaultConfirmDelay = 2 * time.Second

	// diagnosticLogTail bounds the log capture attached to a failed create.
	diagnosticLogTail = 40
)

// Provisioner hook events.
const (
	EventCreated   = "created"
	EventRestarted = "restarted"
)

// Notifier is the fire-and-forget provisioner hook. Implementations own
// their error handling; the controller never sees a notification fail.
type Notifier interface {
	Notify(ctx context.Context, containerID, event string)
}

// Store is the slice of the state store the controller needs.
type Store interface {
	Get(ctx context.Context) (state.Record, error)
	Save(ctx context.Context, rec state.Record) error
	Clear(ctx context.Context) error
}

// ControllerOptions configures a Controller. Runtime, Store and Tasks are
// required; the rest default sensibly.
type ControllerOptions struct {
	Runtime  runtime.Runtime
	Store    Store
	Ports    *netport.Allocator
	Notifier Notifier
	Tasks    *tasks.Group

	// ConfirmDelay overrides the post-run confirmation pause. Tests set it
	// near zero.
	ConfirmDelay time.Duration
}

// Controller owns the instance state machine. Every operation serializes on
// one mutex: the record's read-modify-persist sequences must never
// interleave, and background reconciliation takes the same lock.
type Controller struct {
	mu           sync.Mutex
	rt           runtime.Runtime
	store        Store
	ports        *netport.Allocator
	notifier     Notifier
	tasks        *tasks.Group
	confirmDelay time.Duration
	onChange     func(ctx context.Context)
}

// NewController wires a controller from its collaborators.
func NewController(opts ControllerOptions) *Controller {
	c := &Controller{
		rt:           opts.Runtime,
		store:        opts.Store,
		ports:        opts.Ports,
		notifier:     opts.Notifier,
		tasks:        opts.Tasks,
		confirmDelay: opts.ConfirmDelay,
	}
	if c.ports == nil {
		c.ports = &netport.Allocator{}
	}
	if c.confirmDelay == 0 {
		c.confirmDelay = defaultConfirmDelay
	}
	return c
}

// SetOnChange registers a hook fired after every successful lifecycle
// mutation, so the control plane hears about a new status right away instead
// of on the next heartbeat tick. Call before the controller starts serving.
func (c *Controller) SetOnChange(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// notifyChange fires the on-change hook on the task group.
func (c *Controller) notifyChange() {
	if c.onChange == nil || c.tasks == nil {
		return
	}
	c.tasks.Go("stats-push", c.onChange)
}

// ResolvePorts resolves the spec's port bindings to concrete host ports:
// explicit ports pass through, AutoPort entries get a freshly probed port,
// and remote access adds an implicit SSH binding unless already mapped.
// Callers that reply before creating (the async create path) use this to
// report ports up front, then pass the result back into Create.
func (c *Controller) ResolvePorts(spec CreateSpec) (map[string]string, error) {
	resolved := make(map[string]string, len(spec.Ports)+1)
	for containerPort, hostPort := range spec.Ports {
		resolved[containerPort] = hostPort
	}
	if spec.RemoteAccess {
		if _, ok := resolved[sshContainerPort]; !ok {
			resolved[sshContainerPort] = AutoPort
		}
	}
	for containerPort, hostPort := range resolved {
		if hostPort != AutoPort {
			continue
		}
		port, err := c.ports.One()
		if err != nil {
			return nil, fmt.Errorf("allocate host port for %s: %w", containerPort, err)
		}
		resolved[containerPort] = strconv.Itoa(port)
	}
	return resolved, nil
}

// Create provisions a new instance from spec. The host must be destroyed: a
// reconciliation pass runs first, so a stale record whose container is gone
// does not block creation, while a runtime-confirmed container fails with
// ErrAlreadyExists. preallocated, when non-nil, is a fully resolved port map
// from an earlier ResolvePorts call; nil means resolve here.
//
// A record is persisted only for a container confirmed running; every
// failure path force-removes whatever container was created.
func (c *Controller) Create(ctx context.Context, spec CreateSpec, preallocated map[string]string) (state.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.reconcileLocked(ctx); err != nil {
		return state.Destroyed(), fmt.Errorf("pre-create reconcile: %w", err)
	}
	rec, err := c.store.Get(ctx)
	if err != nil {
		return state.Destroyed(), err
	}
	if rec.Status.Active() {
		return state.Destroyed(), fmt.Errorf("%w: instance %s is %s", ErrAlreadyExists, rec.InstanceID, rec.Status)
	}

	if err := spec.Validate(); err != nil {
		return state.Destroyed(), err
	}

	ports := preallocated
	if ports == nil {
		ports, err = c.ResolvePorts(spec)
		if err != nil {
			return state.Destroyed(), err
		}
	}

	instanceID := uuid.NewString()
	log := slog.With("instance", instanceID, "image", spec.ImageRef())
	log.Info("creating instance", "ports", ports)

	containerID, err := c.rt.Run(ctx, runtime.ContainerSpec{
		InstanceID: instanceID,
		Image:      spec.ImageRef(),
		CPUCores:   spec.CPUCores,
		MemoryGB:   spec.MemoryGB,
		GPUCount:   spec.GPUCount,
		Ports:      ports,
		Env:        spec.Env,
		Command:    spec.Command,
	})
	if err != nil {
		return state.Destroyed(), fmt.Errorf("run container: %w", err)
	}
	log = log.With("container", containerID)

	// The container may start and die immediately (bad command, missing
	// entrypoint). Wait briefly, then demand it is still running before
	// committing anything.
	select {
	case <-time.After(c.confirmDelay):
	case <-ctx.Done():
		c.removeQuietly(containerID)
		return state.Destroyed(), ctx.Err()
	}

	status, err := c.rt.Inspect(ctx, containerID)
	if err != nil || status != runtime.StatusRunning {
		diag := c.captureLogs(ctx, containerID)
		c.removeQuietly(containerID)
		if err != nil {
			return state.Destroyed(), fmt.Errorf("confirm container running: %w", err)
		}
		log.Error("container did not stay running", "status", status)
		return state.Destroyed(), fmt.Errorf("%w: container entered %s after start: %s", ErrExecution, status, diag)
	}

	rec = state.Record{
		InstanceID:  instanceID,
		ContainerID: containerID,
		Status:      state.StatusRunning,
		Ports:       ports,
	}
	if err := c.store.Save(ctx, rec); err != nil {
		// A record that cannot be persisted must not leave a live container
		// behind: local and runtime truth would diverge silently.
		c.removeQuietly(containerID)
		return state.Destroyed(), fmt.Errorf("%w: %v (container rolled back)", ErrPersistence, err)
	}

	log.Info("instance created")
	c.notify(containerID, EventCreated)
	c.notifyChange()
	return rec, nil
}

// Manage applies a start/stop/restart action to the current instance. Live
// runtime status is read first so redundant actions (start on running, stop
// on exited) resynchronize the record and succeed without re-issuing the
// command. After a failed action the record is resynced to the runtime's
// live status before the error is returned.
func (c *Controller) Manage(ctx context.Context, action Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.reconcileLocked(ctx); err != nil {
		return fmt.Errorf("pre-manage reconcile: %w", err)
	}
	rec, err := c.store.Get(ctx)
	if err != nil {
		return err
	}
	if !rec.Status.Active() || rec.ContainerID == "" {
		return fmt.Errorf("%w: no instance to %s", ErrNotFound, action)
	}

	log := slog.With("instance", rec.InstanceID, "container", rec.ContainerID, "action", action.String())

	status, err := c.rt.Inspect(ctx, rec.ContainerID)
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return c.clearVanished(ctx, rec, action.String())
		}
		return fmt.Errorf("inspect before %s: %w", action, err)
	}

	// Redundant action: reality already matches the target. Resync and stop.
	if (action == ActionStart && status == runtime.StatusRunning) ||
		(action == ActionStop && status == runtime.StatusExited) {
		log.Info("action is a no-op, resyncing status", "status", status)
		if err := c.resyncStatus(ctx, rec, status); err != nil {
			return err
		}
		c.notifyChange()
		return nil
	}

	if err := action.invoke(ctx, c.rt, rec.ContainerID); err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return c.clearVanished(ctx, rec, action.String())
		}
		// Re-inspect so the record tracks whatever state the failed action
		// left the container in.
		if live, inspectErr := c.rt.Inspect(ctx, rec.ContainerID); inspectErr == nil {
			if syncErr := c.resyncAfterFailure(ctx, rec, live); syncErr != nil {
				log.Warn("post-failure resync failed", "error", syncErr)
			}
		} else if errors.Is(inspectErr, runtime.ErrNotFound) {
			c.clearVanished(ctx, rec, action.String())
		}
		return fmt.Errorf("%s container: %w", action, err)
	}

	rec.Status = action.target()
	if err := c.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	log.Info("action applied", "status", rec.Status)

	if action.restartsWorkload() {
		c.notify(rec.ContainerID, EventRestarted)
	}
	c.notifyChange()
	return nil
}

// Delete tears the instance down. Already destroyed is a successful no-op. A
// failed container remove is logged and does not block clearing local state:
// removing an already-gone container later is itself a no-op.
func (c *Controller) Delete(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.store.Get(ctx)
	if err != nil {
		return err
	}
	if !rec.Status.Active() {
		return nil
	}

	log := slog.With("instance", rec.InstanceID, "container", rec.ContainerID)
	if rec.ContainerID != "" {
		if err := c.rt.Remove(ctx, rec.ContainerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			log.Warn("container remove failed, clearing state anyway", "error", err)
		}
	}
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	log.Info("instance deleted")
	c.notifyChange()
	return nil
}

// Logs returns up to tail lines of the instance's combined output.
func (c *Controller) Logs(ctx context.Context, tail int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.store.Get(ctx)
	if err != nil {
		return "", err
	}
	if !rec.Status.Active() || rec.ContainerID == "" {
		return "", fmt.Errorf("%w: no instance", ErrNotFound)
	}
	out, err := c.rt.Logs(ctx, rec.ContainerID, tail)
	if err != nil {
		return "", fmt.Errorf("fetch logs: %w", err)
	}
	return out, nil
}

// State returns the current record.
func (c *Controller) State(ctx context.Context) (state.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Get(ctx)
}

// ContainerID returns the live container id, or ErrNotFound when no active
// instance exists. Provision collaborators use it to address exec calls.
func (c *Controller) ContainerID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.store.Get(ctx)
	if err != nil {
		return "", err
	}
	if !rec.Status.Active() || rec.ContainerID == "" {
		return "", fmt.Errorf("%w: no instance", ErrNotFound)
	}
	return rec.ContainerID, nil
}

// clearVanished clears state for a container the runtime no longer has and
// reports ErrNotFound.
func (c *Controller) clearVanished(ctx context.Context, rec state.Record, op string) error {
	slog.Warn("container vanished, clearing state", "instance", rec.InstanceID, "container", rec.ContainerID, "op", op)
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return fmt.Errorf("%w: container %s vanished during %s", ErrNotFound, rec.ContainerID, op)
}

// resyncStatus persists the record status implied by a live runtime status.
func (c *Controller) resyncStatus(ctx context.Context, rec state.Record, live runtime.Status) error {
	mapped, ok := mapStatus(live)
	if !ok || rec.Status == mapped {
		return nil
	}
	rec.Status = mapped
	if err := c.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// resyncAfterFailure forces the record to track reality after a failed
// action: running and exited map through the usual table, anything else is
// recorded as error.
func (c *Controller) resyncAfterFailure(ctx context.Context, rec state.Record, live runtime.Status) error {
	mapped, ok := mapStatus(live)
	if !ok {
		mapped = state.StatusError
	}
	if rec.Status == mapped {
		return nil
	}
	rec.Status = mapped
	return c.store.Save(ctx, rec)
}

// notify fires the provisioner hook on the task group. Never blocks the
// calling operation and never fails it.
func (c *Controller) notify(containerID, event string) {
	if c.notifier == nil || c.tasks == nil {
		return
	}
	c.tasks.Go("provision-"+event, func(ctx context.Context) {
		c.notifier.Notify(ctx, containerID, event)
	})
}

// captureLogs best-effort grabs a diagnostic tail from a failing container.
func (c *Controller) captureLogs(ctx context.Context, containerID string) string {
	out, err := c.rt.Logs(ctx, containerID, diagnosticLogTail)
	if err != nil {
		return "(logs unavailable: " + err.Error() + ")"
	}
	return out
}

// removeQuietly force-removes a container during rollback, logging failures.
func (c *Controller) removeQuietly(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.rt.Remove(ctx, containerID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
		slog.Error("rollback remove failed, container may be orphaned", "container", containerID, "error", err)
	}
}
