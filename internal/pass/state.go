package pass

// State is a step of the pass state machine.
type State string

const (
	StateIdle       State = "Idle"
	StateResolving  State = "Resolving"
	StateListing    State = "Listing"
	StateFetching   State = "Fetching"
	StateCommitting State = "Committing"
	StateFailed     State = "Failed"
)

var transitions = map[State][]State{
	StateIdle:       {StateResolving},
	StateResolving:  {StateListing, StateFailed},
	StateListing:    {StateFetching, StateFailed},
	StateFetching:   {StateCommitting, StateFailed},
	StateCommitting: {StateIdle},
}

// CanTransition reports whether the state machine allows from -> to.
// Failed is absorbing.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Outcome classifies a finished pass.
type Outcome string

const (
	OutcomeUpToDate  Outcome = "up-to-date" // nothing new, nothing failed
	OutcomeCompleted Outcome = "completed"
	OutcomePartial   Outcome = "partial" // at least one asset failed
	OutcomeFiltered  Outcome = "filtered"
	OutcomeFailed    Outcome = "failed"
)

func classify(succeeded, failed int) Outcome {
	switch {
	case failed > 0:
		return OutcomePartial
	case succeeded == 0:
		return OutcomeUpToDate
	default:
		return OutcomeCompleted
	}
}
