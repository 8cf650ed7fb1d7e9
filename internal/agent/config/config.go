// Package config loads the agent's configuration: built-in defaults,
// overridden by an optional YAML file, overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gridmachina/hostagent/common/environment"
	"github.com/gridmachina/hostagent/internal/agent/netport"
)

// ListenAuto asks the agent to pick its own listening port at startup.
const ListenAuto = "auto"

// Config is the fully resolved agent configuration.
type Config struct {
	// APIBaseURL is the control plane endpoint. Empty disables registration
	// and the stats heartbeat; the agent then reconciles on its own timer.
	APIBaseURL string `yaml:"api_base_url"`
	// APISecret authenticates the agent against the control plane.
	APISecret string `yaml:"api_secret"`

	// StatePath is the SQLite state database location.
	StatePath string `yaml:"state_path"`

	// ListenAddr is host:port for the control server. A port of "auto" is
	// replaced with a probed free port.
	ListenAddr string `yaml:"listen_addr"`

	// HeartbeatInterval is the telemetry tick period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// ReconcileInterval is the standalone reconcile period, used when no
	// control plane is configured.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	// DockerOpTimeout bounds ordinary engine calls; DockerRunTimeout bounds
	// container creation, which may pull images.
	DockerOpTimeout  time.Duration `yaml:"docker_op_timeout"`
	DockerRunTimeout time.Duration `yaml:"docker_run_timeout"`
}

func defaults() Config {
	return Config{
		StatePath:         "/var/lib/hostagent/state.db",
		ListenAddr:        "0.0.0.0:" + ListenAuto,
		HeartbeatInterval: 3 * time.Second,
		ReconcileInterval: 30 * time.Second,
		DockerOpTimeout:   2 * time.Minute,
		DockerRunTimeout:  10 * time.Minute,
	}
}

// Load resolves the configuration. path is the optional YAML file; empty
// means env/defaults only, and a missing file at the default location is not
// an error.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.APIBaseURL = environment.StringOr("HOSTAGENT_API_BASE_URL", cfg.APIBaseURL)
	cfg.APISecret = environment.StringOr("HOSTAGENT_API_SECRET", cfg.APISecret)
	cfg.StatePath = environment.StringOr("HOSTAGENT_STATE_PATH", cfg.StatePath)
	cfg.ListenAddr = environment.StringOr("HOSTAGENT_LISTEN_ADDR", cfg.ListenAddr)
	cfg.HeartbeatInterval = environment.DurationOr("HOSTAGENT_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	cfg.ReconcileInterval = environment.DurationOr("HOSTAGENT_RECONCILE_INTERVAL", cfg.ReconcileInterval)
	cfg.DockerOpTimeout = environment.DurationOr("HOSTAGENT_DOCKER_OP_TIMEOUT", cfg.DockerOpTimeout)
	cfg.DockerRunTimeout = environment.DurationOr("HOSTAGENT_DOCKER_RUN_TIMEOUT", cfg.DockerRunTimeout)

	if cfg.APIBaseURL != "" && cfg.APISecret == "" {
		return Config{}, fmt.Errorf("api_secret is required when api_base_url is set")
	}
	return cfg, nil
}

// ResolveListenAddr replaces an "auto" port with a freshly probed one.
func (c *Config) ResolveListenAddr(ports *netport.Allocator) (string, error) {
	host, portPart, err := splitHostPort(c.ListenAddr)
	if err != nil {
		return "", err
	}
	if portPart != ListenAuto {
		return c.ListenAddr, nil
	}
	port, err := ports.One()
	if err != nil {
		return "", fmt.Errorf("resolve listen port: %w", err)
	}
	return host + ":" + strconv.Itoa(port), nil
}

// ListenPort returns the numeric port of a resolved listen address.
func ListenPort(addr string) (int, error) {
	_, portPart, err := splitHostPort(addr)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(portPart)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: bad port: %w", addr, err)
	}
	return port, nil
}

func splitHostPort(addr string) (host, port string, err error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("listen address %q: missing port", addr)
}
