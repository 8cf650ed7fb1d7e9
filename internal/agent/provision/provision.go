// Package provision performs in-container setup after lifecycle events,
// chiefly installing and running an SSH daemon for remote access, and
// manages the container's authorized keys.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gridmachina/hostagent/internal/agent/instance"
	"github.com/gridmachina/hostagent/internal/agent/runtime"
)

const authorizedKeys = "/root/.ssh/authorized_keys"

// Provisioner runs provisioning commands inside the managed container
// through the runtime's exec channel.
type Provisioner struct {
	rt runtime.Runtime
}

// New returns a provisioner backed by rt.
func New(rt runtime.Runtime) *Provisioner {
	return &Provisioner{rt: rt}
}

// Notify is the lifecycle hook. It is fire-and-forget: failures are logged,
// never returned, and the triggering operation has already completed.
func (p *Provisioner) Notify(ctx context.Context, containerID, event string) {
	log := slog.With("container", containerID, "event", event)
	var err error
	switch event {
	case instance.EventCreated:
		err = p.Setup(ctx, containerID)
	case instance.EventRestarted:
		err = p.RestartDaemon(ctx, containerID)
	default:
		log.Warn("unknown provision event")
		return
	}
	if err != nil {
		log.Warn("provisioning failed", "error", err)
		return
	}
	log.Info("provisioning done")
}

// Setup installs openssh-server in a fresh container and starts sshd. The
// package install dominates the runtime; Setup is only ever called from a
// background task.
func (p *Provisioner) Setup(ctx context.Context, containerID string) error {
	steps := []string{
		"apt-get update",
		"DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends openssh-server",
		"mkdir -p /run/sshd /root/.ssh && chmod 700 /root/.ssh",
		`sed -i 's/^#\?PermitRootLogin.*/PermitRootLogin prohibit-password/' /etc/ssh/sshd_config`,
	}
	for _, step := range steps {
		if _, stderr, err := p.rt.Exec(ctx, containerID, "sh", "-c", step); err != nil {
			return fmt.Errorf("setup step %q: %w (%s)", step, err, firstLine(stderr))
		}
	}
	if err := p.rt.ExecDetached(ctx, containerID, "/usr/sbin/sshd", "-D"); err != nil {
		return fmt.Errorf("start sshd: %w", err)
	}
	return nil
}

// RestartDaemon kills any running sshd and starts a fresh one. Used after
// container start/restart, where the detached daemon did not survive.
func (p *Provisioner) RestartDaemon(ctx context.Context, containerID string) error {
	// pkill exits non-zero when no process matched; that is the normal case
	// right after a restart.
	if _, _, err := p.rt.Exec(ctx, containerID, "sh", "-c", "pkill -9 sshd || true"); err != nil {
		return fmt.Errorf("stop sshd: %w", err)
	}
	if err := p.rt.ExecDetached(ctx, containerID, "/usr/sbin/sshd", "-D"); err != nil {
		return fmt.Errorf("start sshd: %w", err)
	}
	return nil
}

// AddKey appends a public key to the container's authorized keys. The key is
// passed as a positional argument, never interpolated into the script.
func (p *Provisioner) AddKey(ctx context.Context, containerID, publicKey string) error {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" || strings.ContainsAny(publicKey, "\n\r") {
		return fmt.Errorf("%w: malformed public key", instance.ErrInvalidSpec)
	}
	script := `mkdir -p /root/.ssh && chmod 700 /root/.ssh && printf '%s\n' "$1" >> ` + authorizedKeys + ` && chmod 600 ` + authorizedKeys
	if _, stderr, err := p.rt.Exec(ctx, containerID, "sh", "-c", script, "sh", publicKey); err != nil {
		return fmt.Errorf("add key: %w (%s)", err, firstLine(stderr))
	}
	return nil
}

// RemoveKey drops every authorized_keys line exactly matching publicKey.
func (p *Provisioner) RemoveKey(ctx context.Context, containerID, publicKey string) error {
	publicKey = strings.TrimSpace(publicKey)
	if publicKey == "" || strings.ContainsAny(publicKey, "\n\r") {
		return fmt.Errorf("%w: malformed public key", instance.ErrInvalidSpec)
	}
	script := `[ -f ` + authorizedKeys + ` ] || exit 0; grep -vxF -- "$1" ` + authorizedKeys + ` > ` + authorizedKeys + `.tmp; mv ` + authorizedKeys + `.tmp ` + authorizedKeys
	if _, stderr, err := p.rt.Exec(ctx, containerID, "sh", "-c", script, "sh", publicKey); err != nil {
		return fmt.Errorf("remove key: %w (%s)", err, firstLine(stderr))
	}
	return nil
}

// ListKeys returns the container's authorized keys, one per entry. A missing
// file means no keys, not an error.
func (p *Provisioner) ListKeys(ctx context.Context, containerID string) ([]string, error) {
	stdout, stderr, err := p.rt.Exec(ctx, containerID, "sh", "-c", "cat "+authorizedKeys+" 2>/dev/null || true")
	if err != nil {
		return nil, fmt.Errorf("list keys: %w (%s)", err, firstLine(stderr))
	}
	var keys []string
	for _, line := range strings.Split(stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			keys = append(keys, line)
		}
	}
	return keys, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return s
}
