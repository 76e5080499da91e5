package fiber

// State is the lifecycle state of a [Fiber].
//
//	Init  → Exec            [SwapIn, Call]
//	Exec  → Ready           [YieldToReady]
//	Exec  → Hold            [YieldToHold, then marked by the run loop]
//	Exec  → Term | Except   [callback returned | panicked]
//	Ready | Hold → Exec     [SwapIn]
//	Term | Except | Init → Init [Reset]
type State int32

const (
	// Init is a fiber that has not been entered since creation or reset.
	Init State = iota
	// Hold is a suspended fiber that is not scheduled.
	Hold
	// Exec is the fiber currently running on some thread.
	Exec
	// Term is a fiber whose callback returned.
	Term
	// Ready is a suspended fiber that wants to be scheduled again.
	Ready
	// Except is a fiber whose callback panicked.
	Except
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Hold:
		return "HOLD"
	case Exec:
		return "EXEC"
	case Term:
		return "TERM"
	case Ready:
		return "READY"
	case Except:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

// finished reports whether s is a terminal state.
func (s State) finished() bool { return s == Term || s == Except }
