package forwarder

// Phase is the step a worker is currently in.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseFetching
	PhaseFiltering
	PhaseForwarding
	PhaseCommitting
	PhaseSleeping
	PhaseBackoff
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseFetching:
		return "fetching"
	case PhaseFiltering:
		return "filtering"
	case PhaseForwarding:
		return "forwarding"
	case PhaseCommitting:
		return "committing"
	case PhaseSleeping:
		return "sleeping"
	case PhaseBackoff:
		return "backoff"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
