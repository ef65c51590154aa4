package scheduler

import (
	"time"

	"codeberg.org/mutker/dmmctl/internal/measurement"
	"codeberg.org/mutker/dmmctl/internal/scpi"
)

// Device is the instrument the scheduler polls.
type Device interface {
	Identify() (scpi.Identity, error)
	QueryValue() (scpi.Reading, error)
	QueryMode() (measurement.Mode, error)
	QueryRange() string
	SetMode(m measurement.Mode) error
	SetRate(r measurement.Rate) error
}

// Recorder receives every successfully acquired sample.
type Recorder interface {
	Record(s measurement.Sample)
}

// Clock abstracts time for the tick loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the wall clock.
func RealClock() Clock {
	return realClock{}
}
