package render

// State is the scheduler's render lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRendering
	StateComplete
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRendering:
		return "rendering"
	case StateComplete:
		return "complete"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// transitions lists the legal state moves. Every terminal state may
// start a new render.
var transitions = map[State][]State{
	StateIdle:      {StateRendering},
	StateRendering: {StateComplete, StateCancelled, StateFailed},
	StateComplete:  {StateRendering},
	StateCancelled: {StateRendering},
	StateFailed:    {StateRendering},
}

func legalTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
