// Package app assembles the host agent: state store, container runtime,
// lifecycle controller, control server, and the background loops.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridmachina/hostagent/common/version"
	"github.com/gridmachina/hostagent/internal/agent/client"
	"github.com/gridmachina/hostagent/internal/agent/config"
	"github.com/gridmachina/hostagent/internal/agent/instance"
	"github.com/gridmachina/hostagent/internal/agent/netport"
	"github.com/gridmachina/hostagent/internal/agent/provision"
	"github.com/gridmachina/hostagent/internal/agent/runtime/docker"
	"github.com/gridmachina/hostagent/internal/agent/server"
	"github.com/gridmachina/hostagent/internal/agent/state"
	"github.com/gridmachina/hostagent/internal/agent/tasks"
	"github.com/gridmachina/hostagent/internal/agent/telemetry"
)

// App is the assembled host agent.
type App struct {
	cfg        config.Config
	store      *state.Store
	ctrl       *instance.Controller
	group      *tasks.Group
	server     *server.Server
	cpClient   *client.Client
	listenAddr string
}

// New wires the agent from cfg.
func New(cfg config.Config) (*App, error) {
	slog.Info("opening state database", "path", cfg.StatePath)
	store, err := state.Open(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	adapter, err := docker.New(docker.Options{
		OpTimeout:  cfg.DockerOpTimeout,
		RunTimeout: cfg.DockerRunTimeout,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("docker adapter: %w", err)
	}
	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := adapter.Ping(ctx); err != nil {
			slog.Warn("container engine unreachable at startup", "error", err)
		}
		cancel()
	}

	group := tasks.NewGroup(context.Background())
	ports := &netport.Allocator{}
	provisioner := provision.New(adapter)

	ctrl := instance.NewController(instance.ControllerOptions{
		Runtime:  adapter,
		Store:    store,
		Ports:    ports,
		Notifier: provisioner,
		Tasks:    group,
	})

	listenAddr, err := cfg.ResolveListenAddr(ports)
	if err != nil {
		group.Close()
		store.Close()
		return nil, err
	}

	srv := server.New(listenAddr, ctrl, provisioner, group)

	var cpClient *client.Client
	if cfg.APIBaseURL != "" {
		cpClient = client.New(client.Config{BaseURL: cfg.APIBaseURL, Secret: cfg.APISecret})
		slog.Info("control plane client ready", "base_url", cfg.APIBaseURL)
	} else {
		slog.Info("no control plane configured, running standalone")
	}

	return &App{
		cfg:        cfg,
		store:      store,
		ctrl:       ctrl,
		group:      group,
		server:     srv,
		cpClient:   cpClient,
		listenAddr: listenAddr,
	}, nil
}

// Run starts the agent and blocks until an interrupt arrives.
func (a *App) Run() error {
	var reporter *telemetry.Reporter
	if a.cpClient != nil {
		reporter = &telemetry.Reporter{
			Lifecycle: a.ctrl,
			Sender:    a.cpClient,
			Sampler:   &telemetry.Sampler{},
			Interval:  a.cfg.HeartbeatInterval,
		}
		// A successful lifecycle mutation pushes a sample immediately; the
		// ticker covers steady state. Registered before the server accepts
		// requests so no mutation slips through unreported.
		a.ctrl.SetOnChange(reporter.ReportNow)
	}

	if err := a.server.Start(); err != nil {
		return fmt.Errorf("start control server: %w", err)
	}

	// Catch up with anything that changed while the agent was down.
	{
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.DockerOpTimeout)
		if err := a.ctrl.Reconcile(ctx); err != nil {
			slog.Warn("startup reconcile failed", "error", err)
		}
		cancel()
	}

	if a.cpClient != nil {
		a.register()
		// The heartbeat loop is also the reconcile driver: every tenth tick
		// runs a reconciliation pass.
		a.group.Go("heartbeat", reporter.Run)
	} else {
		reconciler := instance.NewReconciler(a.ctrl, a.cfg.ReconcileInterval)
		a.group.Go("reconciler", reconciler.Run)
	}

	slog.Info("host agent running", "addr", a.listenAddr, "version", version.Version)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// register announces the agent to the control plane. Failure is logged, not
// fatal: the control plane can discover the agent on a later heartbeat.
func (a *App) register() {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	port, err := config.ListenPort(a.listenAddr)
	if err != nil {
		slog.Warn("cannot determine listen port for registration", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := a.cpClient.Register(ctx, client.RegisterRequest{
		Hostname:   hostname,
		ListenPort: port,
		Version:    version.Version,
	}); err != nil {
		slog.Warn("control plane registration failed", "error", err)
		return
	}
	slog.Info("registered with control plane", "hostname", hostname, "port", port)
}

// Stop shuts the agent down: listener first, then the background loops, then
// the store.
func (a *App) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Stop(ctx); err != nil {
		slog.Warn("control server shutdown", "error", err)
	}
	a.group.Close()
	if err := a.store.Close(); err != nil {
		slog.Warn("state store close", "error", err)
	}
}
