package state

// InstanceStatus is the agent's persisted status vocabulary for the managed
// instance. It is deliberately wider than the set of statuses the lifecycle
// engine persists today: pending and rebooting are part of the control-plane
// wire protocol (pending is reported while an asynchronous create is in
// flight) but no transition writes them to the record.
type InstanceStatus string

const (
	StatusDestroyed InstanceStatus = "destroyed"
	StatusPending   InstanceStatus = "pending"
	StatusRunning   InstanceStatus = "running"
	StatusPaused    InstanceStatus = "paused"
	StatusRebooting InstanceStatus = "rebooting"
	StatusError     InstanceStatus = "error"
)

// Valid reports whether s is one of the declared statuses.
func (s InstanceStatus) Valid() bool {
	switch s {
	case StatusDestroyed, StatusPending, StatusRunning, StatusPaused, StatusRebooting, StatusError:
		return true
	}
	return false
}

// Active reports whether the record describes an instance that should be
// backed by a container.
func (s InstanceStatus) Active() bool {
	return s != StatusDestroyed
}

// Record is the sole persisted entity: the one instance this host may hold.
// Status == StatusDestroyed is the canonical "no instance" representation;
// ContainerID is set if and only if the record is active.
type Record struct {
	InstanceID  string            `json:"instance_id"`
	ContainerID string            `json:"container_id"`
	Status      InstanceStatus    `json:"status"`
	// Ports maps the workload's container port to the host port bound for
	// it. Fixed at creation time, never reallocated.
	Ports map[string]string `json:"allocated_ports"`
	// CryptDevicePath and CryptMapperName describe an optional encrypted
	// volume attachment. They are persisted for the storage collaborator and
	// never mutated by the lifecycle engine.
	CryptDevicePath string `json:"crypt_device_path,omitempty"`
	CryptMapperName string `json:"crypt_mapper_name,omitempty"`
}

// Destroyed returns the default record representing "no instance".
func Destroyed() Record {
	return Record{Status: StatusDestroyed}
}

// clone returns a deep copy so callers can't mutate the cached record.
func (r Record) clone() Record {
	out := r
	if r.Ports != nil {
		out.Ports = make(map[string]string, len(r.Ports))
		for k, v := range r.Ports {
			out.Ports[k] = v
		}
	}
	return out
}
