package worker

// State is the lifecycle state of a worker.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING_ON_QUIT"
	case StateTerminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}
