package domain

// State is the lifecycle position of a generation job.
type State string

const (
	StateQueued              State = "queued"
	StateDispatching         State = "dispatching"
	StateProcessing          State = "processing"
	StateGeneratingKeyframes State = "generating_keyframes"
	StateGeneratingClips     State = "generating_clips"
	StateMerging             State = "merging"
	StatePostProcessing      State = "post_processing"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
)

var stateRanks = map[State]int{
	StateQueued:              0,
	StateDispatching:         1,
	StateProcessing:          2,
	StateGeneratingKeyframes: 2,
	StateGeneratingClips:     3,
	StateMerging:             4,
	StatePostProcessing:      5,
}

func (s State) Valid() bool {
	if s.Terminal() {
		return true
	}
	_, ok := stateRanks[s]
	return ok
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Rank orders non-terminal states. Terminal states rank above everything.
func (s State) Rank() int {
	if s.Terminal() {
		return len(stateRanks)
	}
	rank, ok := stateRanks[s]
	if !ok {
		return -1
	}
	return rank
}

// InFlightStates are the states a backend is expected to advance.
var InFlightStates = []State{
	StateProcessing,
	StateGeneratingKeyframes,
	StateGeneratingClips,
	StateMerging,
	StatePostProcessing,
}

// PendingStates are the states before the backend accepted the job.
var PendingStates = []State{StateQueued, StateDispatching}

// CanTransition reports whether an update moves a job forward. Terminal
// states are sticky; a repeat of the current state only applies when its
// progress grows.
func CanTransition(from State, fromProgress int, to State, toProgress int) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	if to == from {
		return toProgress > fromProgress
	}
	return to.Rank() > from.Rank()
}
