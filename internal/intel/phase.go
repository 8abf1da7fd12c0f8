package intel

// Phase represents the lifecycle state of an acquisition session.
type Phase string

// Session phases persisted in the session store.
const (
	PhaseDiscovering Phase = "discovering"
	PhaseExtracting  Phase = "extracting"
	PhaseValidating  Phase = "validating"
	PhaseEnhancing   Phase = "enhancing"
	PhaseComplete    Phase = "complete"
	PhaseAborted     Phase = "aborted"
	PhaseDeleted     Phase = "deleted"
)

// Terminal reports whether no further transitions are allowed from p.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseComplete, PhaseAborted, PhaseDeleted:
		return true
	default:
		return false
	}
}

// transitions enumerates the legal forward edges of the phase machine.
// Abort is legal from every non-terminal phase and is handled separately.
var transitions = map[Phase][]Phase{
	PhaseDiscovering: {PhaseExtracting},
	PhaseExtracting:  {PhaseValidating},
	PhaseValidating:  {PhaseEnhancing, PhaseComplete},
	PhaseEnhancing:   {PhaseComplete},
}

// CanTransition reports whether moving from one phase to another is legal.
func CanTransition(from, to Phase) bool {
	if to == PhaseAborted {
		return !from.Terminal()
	}
	if to == PhaseDeleted {
		return from != PhaseDeleted
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
