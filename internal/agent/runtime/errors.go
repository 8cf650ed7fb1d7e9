package runtime

import "errors"

// Runtime failures are classified into a closed set of sentinels so that
// call sites branch with errors.Is instead of matching stderr text. The raw
// engine diagnostic stays available in the wrapping error's message.
var (
	// ErrNotFound means the referenced container no longer exists in the
	// engine. The lifecycle layer reacts by clearing its local record.
	ErrNotFound = errors.New("runtime: container not found")

	// ErrUnavailable means the container engine itself cannot be reached.
	ErrUnavailable = errors.New("runtime: engine unavailable")

	// ErrExecution means the engine was reached and the command ran, but it
	// reported failure (including per-call timeouts).
	ErrExecution = errors.New("runtime: command failed")
)
