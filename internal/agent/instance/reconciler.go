package instance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gridmachina/hostagent/internal/agent/runtime"
	"github.com/gridmachina/hostagent/internal/agent/state"
)

// mapStatus translates the runtime's status vocabulary into the record's.
// Transient engine states (created, restarting) report ok=false: the record
// is left untouched rather than made to flap.
func mapStatus(live runtime.Status) (state.InstanceStatus, bool) {
	switch live {
	case runtime.StatusRunning:
		return state.StatusRunning, true
	case runtime.StatusExited:
		return state.StatusPaused, true
	default:
		return "", false
	}
}

// Reconcile compares the stored record against the runtime's ground truth
// and corrects divergences. Runs synchronously at the top of create/manage
// and periodically from the background loop.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconcileLocked(ctx)
}

// reconcileLocked is Reconcile without the lock; callers hold c.mu.
func (c *Controller) reconcileLocked(ctx context.Context) error {
	rec, err := c.store.Get(ctx)
	if err != nil {
		return err
	}
	if !rec.Status.Active() {
		return nil
	}

	// An active record with no container id is an inconsistency nothing can
	// repair; clear it.
	if rec.ContainerID == "" {
		slog.Warn("active record has no container id, clearing", "instance", rec.InstanceID)
		return c.store.Clear(ctx)
	}

	live, err := c.rt.Inspect(ctx, rec.ContainerID)
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			slog.Info("container gone, clearing state", "instance", rec.InstanceID, "container", rec.ContainerID)
			return c.store.Clear(ctx)
		}
		return fmt.Errorf("reconcile inspect: %w", err)
	}

	mapped, ok := mapStatus(live)
	if !ok || rec.Status == mapped {
		return nil
	}
	slog.Info("reconciling status drift", "instance", rec.InstanceID, "from", rec.Status, "to", mapped)
	rec.Status = mapped
	return c.store.Save(ctx, rec)
}

// Reconciler drives periodic reconciliation independent of inbound traffic,
// so changes made to the container outside the agent are eventually
// observed.
type Reconciler struct {
	ctrl     *Controller
	interval time.Duration
}

// NewReconciler builds a reconciler ticking at interval (default 30s).
func NewReconciler(ctrl *Controller, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{ctrl: ctrl, interval: interval}
}

// Run loops until ctx is cancelled. Errors are logged, never fatal.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ctrl.Reconcile(ctx); err != nil {
				slog.Warn("periodic reconcile failed", "error", err)
			}
		}
	}
}
