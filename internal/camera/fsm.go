package camera

// Observed is the input to the readiness decision: the published flags
// plus what the session handle actually reports right now.
type Observed struct {
	Ready   bool // published readiness
	Failed  bool // published error set
	Running bool // session handle reports running
}

// Action represents what a reconcile tick needs to do.
type Action int

const (
	ActionNone Action = iota
	ActionMarkReady
	ActionMarkNotReady
	ActionRestart
)

// String returns a human-readable name for the action.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionMarkReady:
		return "mark_ready"
	case ActionMarkNotReady:
		return "mark_not_ready"
	case ActionRestart:
		return "restart"
	default:
		return "unknown"
	}
}

// DetermineAction decides the reconcile step for one tick.
//
// A running session always wins: readiness is published from observed
// reality, whatever the lifecycle state claims. A session that died under
// a ready controller is handled per the maskDrift policy: restart it
// quietly, or surface the outage by dropping readiness.
func DetermineAction(obs Observed, maskDrift bool) Action {
	if obs.Running {
		if !obs.Ready {
			return ActionMarkReady
		}
		return ActionNone
	}

	// Not running. Nothing to do unless we still advertise readiness.
	if !obs.Ready {
		return ActionNone
	}

	if obs.Failed {
		// An error is already published; keep it visible instead of
		// restarting behind it.
		return ActionMarkNotReady
	}

	if maskDrift {
		return ActionRestart
	}
	return ActionMarkNotReady
}
