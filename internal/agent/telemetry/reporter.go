package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gridmachina/hostagent/internal/agent/client"
	"github.com/gridmachina/hostagent/internal/agent/state"
)

// Lifecycle is the slice of the instance controller the reporter needs.
type Lifecycle interface {
	State(ctx context.Context) (state.Record, error)
	Reconcile(ctx context.Context) error
}

// StatsSender pushes one heartbeat sample upstream.
type StatsSender interface {
	SendStats(ctx context.Context, stats client.Stats) error
}

// Reporter is the agent's single periodic driver: every tick it samples and
// reports utilisation, and every ReconcileEvery-th tick it runs a
// reconciliation pass first, so drift is corrected even with no inbound
// traffic.
type Reporter struct {
	Lifecycle Lifecycle
	Sender    StatsSender
	Sampler   *Sampler

	// Interval between ticks. Defaults to 3s.
	Interval time.Duration
	// ReconcileEvery runs reconciliation on every Nth tick. Defaults to 10.
	ReconcileEvery int

	samplerOnce sync.Once
}

// sampler lazily defaults Sampler. ReportNow may race the ticker loop, so
// the default is installed exactly once.
func (r *Reporter) sampler() *Sampler {
	r.samplerOnce.Do(func() {
		if r.Sampler == nil {
			r.Sampler = &Sampler{}
		}
	})
	return r.Sampler
}

// ReportNow pushes one sample immediately, outside the tick cadence. The
// lifecycle controller calls it after a successful mutation so the control
// plane sees the new status without waiting for the next tick.
func (r *Reporter) ReportNow(ctx context.Context) {
	r.step(ctx, false)
}

// Run loops until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	every := r.ReconcileEvery
	if every <= 0 {
		every = 10
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			r.step(ctx, tick%every == 0)
		}
	}
}

// step performs one tick: optional reconcile, then a stats push unless the
// host is empty.
func (r *Reporter) step(ctx context.Context, reconcile bool) {
	if reconcile {
		if err := r.Lifecycle.Reconcile(ctx); err != nil {
			slog.Warn("heartbeat reconcile failed", "error", err)
		}
	}

	rec, err := r.Lifecycle.State(ctx)
	if err != nil {
		slog.Warn("heartbeat state read failed", "error", err)
		return
	}
	if !rec.Status.Active() {
		return
	}

	sample, err := r.sampler().Sample()
	if err != nil {
		slog.Warn("utilisation sample failed", "error", err)
		return
	}
	if err := r.Sender.SendStats(ctx, client.Stats{
		CPUUtil: sample.CPUUtil,
		RAMUtil: sample.RAMUtil,
		Status:  string(rec.Status),
	}); err != nil {
		slog.Warn("stats push failed", "error", err)
	}
}
