package telemetry

import "time"

// Recorder receives acquisition events from the scheduler and the session.
type Recorder interface {
	PollSucceeded(latency time.Duration, overload bool)
	PollFailed(code string)
	StateChanged(state string)
	BufferSize(n int)
}

// States lists the scheduler states exported through the state gauge.
var States = []string{"STOPPED", "CONNECTING", "RUNNING", "ERROR"}
