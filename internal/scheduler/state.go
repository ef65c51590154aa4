package scheduler

// State is the acquisition state.
type State int

const (
	Stopped State = iota
	Connecting
	Running
	Error
)

var stateNames = map[State]string{
	Stopped:    "STOPPED",
	Connecting: "CONNECTING",
	Running:    "RUNNING",
	Error:      "ERROR",
}

func (s State) String() string {
	return stateNames[s]
}

// acceptsCommands reports whether mode and rate changes are allowed.
func (s State) acceptsCommands() bool {
	return s == Running || s == Stopped
}
