package content

// State tracks where a record is in its download lifecycle.
type State string

const (
	StateDiscovered  State = "discovered"
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateEvicted     State = "evicted"
)

// validTransitions defines allowed state transitions.
// Key is the "from" state, value is the list of valid "to" states.
var validTransitions = map[State][]State{
	StateDiscovered:  {StateQueued},
	StateQueued:      {StateDownloading},
	StateDownloading: {StateCompleted, StateFailed, StateQueued}, // queued: interrupted by shutdown
	StateCompleted:   {StateEvicted},
	StateFailed:      {StateQueued}, // retry
	StateEvicted:     {},
}

// CanTransitionTo returns true if transitioning from s to target is valid.
func (s State) CanTransitionTo(target State) bool {
	for _, v := range validTransitions[s] {
		if v == target {
			return true
		}
	}

	return false
}

// IsPending reports whether the record still waits for a worker slot.
func (s State) IsPending() bool {
	return s == StateDiscovered || s == StateQueued
}

func (s State) String() string {
	return string(s)
}
