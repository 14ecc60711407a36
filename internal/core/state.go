package core

// State is the lifecycle state of an Instance.
type State int32

const (
	Starting State = iota
	Running
	Stopping
	Stopped
	Offline
)

func (s State) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Offline:
		return "Offline"
	default:
		return "Unknown"
	}
}

// Active reports whether a stop request still has work to do.
func (s State) Active() bool {
	return s == Starting || s == Running || s == Stopping
}
