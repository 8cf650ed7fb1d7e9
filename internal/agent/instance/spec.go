package instance

import (
	"fmt"
	"strconv"
	"strings"
)

// AutoPort is the host-port placeholder asking the agent to allocate a free
// port at creation time.
const AutoPort = "auto"

// sshContainerPort is bound implicitly when remote access is requested and
// the caller did not map it.
const sshContainerPort = "22"

// CreateSpec describes the instance to create. Port values are either a
// decimal host port or AutoPort.
type CreateSpec struct {
	Image        string            `json:"image"`
	ImageTag     string            `json:"image_tag,omitempty"`
	CPUCores     int               `json:"cpu_cores,omitempty"`
	MemoryGB     int               `json:"memory_gb,omitempty"`
	GPUCount     int               `json:"gpu_count,omitempty"`
	Ports        map[string]string `json:"ports,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Command      string            `json:"command,omitempty"`
	RemoteAccess bool              `json:"remote_access,omitempty"`
}

// Validate checks the spec's shape. All failures wrap ErrInvalidSpec.
func (s CreateSpec) Validate() error {
	if strings.TrimSpace(s.Image) == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidSpec)
	}
	if s.CPUCores < 0 || s.MemoryGB < 0 || s.GPUCount < 0 {
		return fmt.Errorf("%w: resource limits must not be negative", ErrInvalidSpec)
	}
	for containerPort, hostPort := range s.Ports {
		if !validPort(containerPort) {
			return fmt.Errorf("%w: container port %q", ErrInvalidSpec, containerPort)
		}
		if hostPort != AutoPort && !validPort(hostPort) {
			return fmt.Errorf("%w: host port %q for container port %s", ErrInvalidSpec, hostPort, containerPort)
		}
	}
	return nil
}

// ImageRef resolves the full image reference. A tag already present in Image
// wins; otherwise ImageTag is appended, defaulting to latest.
func (s CreateSpec) ImageRef() string {
	if idx := strings.LastIndex(s.Image, ":"); idx > 0 && idx < len(s.Image)-1 {
		return s.Image
	}
	image := strings.TrimSuffix(s.Image, ":")
	tag := s.ImageTag
	if tag == "" {
		tag = "latest"
	}
	return image + ":" + tag
}

func validPort(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n > 0 && n < 65536
}
