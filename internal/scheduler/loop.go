package scheduler

import (
	"time"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/measurement"
	"codeberg.org/mutker/dmmctl/internal/units"
)

// loop runs tick n at start + n*period. A tick that is already due when the
// previous cycle ends is skipped rather than run late in a burst.
func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	start, period := s.clock.Now(), s.period()
	var n int64

	for {
		select {
		case <-stop:
			return
		default:
		}

		if !s.cycle() {
			return
		}

	wait:
		for {
			now := s.clock.Now()
			n = nextTick(start, period, n, now)
			select {
			case <-stop:
				return
			case <-s.rebase:
				start, period, n = s.clock.Now(), s.period(), 0
			case <-s.clock.After(start.Add(time.Duration(n) * period).Sub(now)):
				break wait
			}
		}
	}
}

// nextTick returns the index of the first tick after last that is still in
// the future at now.
func nextTick(start time.Time, period time.Duration, last int64, now time.Time) int64 {
	n := last + 1
	if due := start.Add(time.Duration(n) * period); due.After(now) {
		return n
	}

	return int64(now.Sub(start)/period) + 1
}

// cycle performs one poll. It reports false when the loop must halt.
func (s *Scheduler) cycle() bool {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	began := s.clock.Now()
	r, err := s.dev.QueryValue()
	if err != nil {
		return s.fail(err)
	}
	now := s.clock.Now()
	s.metrics.PollSucceeded(now.Sub(began), r.Overload)

	s.mu.Lock()
	s.failures = 0
	mode := s.mode
	refreshRange := now.Sub(s.lastRange) >= s.opts.RangeInterval
	s.mu.Unlock()

	unit := r.Unit
	if unit == units.None {
		unit = mode.Unit()
	}
	s.rec.Record(measurement.Sample{
		Timestamp: now,
		Value:     r.Value,
		Unit:      unit,
		Mode:      mode,
		Overload:  r.Overload,
	})

	if refreshRange {
		text := s.dev.QueryRange()
		s.mu.Lock()
		s.rangeText = text
		s.lastRange = now
		s.mu.Unlock()
	}

	return true
}

// fail counts a failed cycle and reports whether the loop may continue.
func (s *Scheduler) fail(err error) bool {
	code := errors.CodeOf(err)
	s.metrics.PollFailed(string(code))

	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	s.lastErr = err
	fatal := errors.ClassOf(err) == errors.Fatal || s.failures >= s.opts.FailureThreshold

	s.log.Warn().
		Str("code", string(code)).
		Int("failures", s.failures).
		Err(err).
		Msg("poll failed")

	if fatal {
		var coded errors.Error
		if errors.As(err, &coded) {
			s.log.ErrorWithCode(coded).Int("failures", s.failures).Msg("acquisition stopped")
		}
		// a concurrent Stop wins over the error state
		if s.state == Running {
			s.setState(Error)
		}
		return false
	}

	return true
}
