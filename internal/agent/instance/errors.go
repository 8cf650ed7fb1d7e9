package instance

import (
	"errors"

	"github.com/gridmachina/hostagent/internal/agent/netport"
	"github.com/gridmachina/hostagent/internal/agent/runtime"
)

// Lifecycle error taxonomy. Callers branch with errors.Is; the wrapped chain
// carries the diagnostic text.
var (
	// ErrAlreadyExists means create was attempted while a runtime-confirmed
	// instance is active on this host.
	ErrAlreadyExists = errors.New("instance: already exists")

	// ErrInvalidSpec means the creation request was malformed.
	ErrInvalidSpec = errors.New("instance: invalid spec")

	// ErrPersistence means a durable state write failed after a runtime
	// mutation. The controller rolls the runtime mutation back before
	// returning it, but it is always escalated as critical.
	ErrPersistence = errors.New("instance: state persistence failed")

	// Re-exported collaborator sentinels so callers depend on one taxonomy.
	ErrNotFound    = runtime.ErrNotFound
	ErrUnavailable = runtime.ErrUnavailable
	ErrExecution   = runtime.ErrExecution
	ErrExhausted   = netport.ErrExhausted
)
