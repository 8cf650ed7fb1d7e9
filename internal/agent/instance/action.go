package instance

import (
	"context"
	"fmt"

	"github.com/gridmachina/hostagent/internal/agent/runtime"
	"github.com/gridmachina/hostagent/internal/agent/state"
)

// Action is the closed set of manage operations. Each action knows its
// runtime call and the status a successful invocation leaves the record in,
// so there is no runtime-discovered "unknown action" path past parsing.
type Action int

const (
	ActionStart Action = iota
	ActionStop
	ActionRestart
)

// ParseAction maps a wire-level action name onto the enum.
func ParseAction(s string) (Action, error) {
	switch s {
	case "start":
		return ActionStart, nil
	case "stop":
		return ActionStop, nil
	case "restart":
		return ActionRestart, nil
	default:
		return 0, fmt.Errorf("%w: unknown action %q", ErrInvalidSpec, s)
	}
}

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	case ActionRestart:
		return "restart"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// target is the record status a successful invocation establishes.
func (a Action) target() state.InstanceStatus {
	if a == ActionStop {
		return state.StatusPaused
	}
	return state.StatusRunning
}

// restartsWorkload reports whether the action (re)starts the container
// process, which is what triggers the provisioner's restart hook.
func (a Action) restartsWorkload() bool {
	return a == ActionStart || a == ActionRestart
}

// invoke issues the action's runtime command.
func (a Action) invoke(ctx context.Context, rt runtime.Runtime, containerID string) error {
	switch a {
	case ActionStart:
		return rt.Start(ctx, containerID)
	case ActionStop:
		return rt.Stop(ctx, containerID)
	default:
		return rt.Restart(ctx, containerID)
	}
}
