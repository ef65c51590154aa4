// Package scheduler drives the polling loop: it identifies the meter, issues
// one measurement query per tick and tracks consecutive failures.
package scheduler

import (
	"sync"
	"time"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/logger"
	"codeberg.org/mutker/dmmctl/internal/measurement"
	"codeberg.org/mutker/dmmctl/internal/scpi"
	"codeberg.org/mutker/dmmctl/internal/telemetry"
)

const (
	DefaultFailureThreshold = 3
	DefaultRangeInterval    = 3 * time.Second
)

// Options configure a Scheduler.
type Options struct {
	FailureThreshold int
	RangeInterval    time.Duration
	Clock            Clock
	Telemetry        telemetry.Recorder
	Logger           logger.Logger
	// OnModeChange runs after a successful mode switch, with the command
	// lock held, before the next cycle.
	OnModeChange func(measurement.Mode)
}

// Status is a point-in-time copy of the scheduler state.
type Status struct {
	State       State
	Identity    scpi.Identity
	Mode        measurement.Mode
	Rate        measurement.Rate
	Range       string
	FrequencyHz float64
	Failures    int
	LastError   error
}

type Scheduler struct {
	dev     Device
	rec     Recorder
	clock   Clock
	metrics telemetry.Recorder
	log     logger.Logger
	opts    Options

	// ioMu serializes device traffic: a command never splits a query/reply
	// pair of the polling cycle.
	ioMu sync.Mutex

	mu         sync.Mutex
	state      State
	identity   scpi.Identity
	identified bool
	mode       measurement.Mode
	rate       measurement.Rate
	rangeText  string
	lastRange  time.Time
	hz         float64
	failures   int
	lastErr    error
	stop       chan struct{}
	done       chan struct{}
	rebase     chan struct{}
}

func New(dev Device, rec Recorder, opts Options) *Scheduler {
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.RangeInterval <= 0 {
		opts.RangeInterval = DefaultRangeInterval
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Noop()
	}
	if opts.Logger == nil {
		opts.Logger = logger.For("scheduler")
	}

	return &Scheduler{
		dev:     dev,
		rec:     rec,
		clock:   opts.Clock,
		metrics: opts.Telemetry,
		log:     opts.Logger,
		opts:    opts,
		hz:      measurement.DefaultFrequencyHz,
		rebase:  make(chan struct{}, 1),
	}
}

func (s *Scheduler) setState(state State) {
	if s.state == state {
		return
	}
	s.log.Info().Str("from", s.state.String()).Str("to", state.String()).Msg("state change")
	s.state = state
	s.metrics.StateChanged(state.String())
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Status returns a copy of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		State:       s.state,
		Identity:    s.identity,
		Mode:        s.mode,
		Rate:        s.rate,
		Range:       s.rangeText,
		FrequencyHz: s.hz,
		Failures:    s.failures,
		LastError:   s.lastErr,
	}
}

func validateFrequency(hz float64) error {
	cfg := measurement.DefaultPollingConfig()
	cfg.FrequencyHz = hz

	return cfg.Validate()
}

// Start identifies the meter and launches the polling loop at hz. It is
// allowed from STOPPED and ERROR. Identification errors are returned and
// leave the scheduler in ERROR.
func (s *Scheduler) Start(hz float64) error {
	if err := validateFrequency(hz); err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != Stopped && s.state != Error {
		state := s.state
		s.mu.Unlock()
		return errors.New().WithData(errors.ErrInvalidOperation, "start in state "+state.String())
	}
	s.hz = hz
	s.failures = 0
	s.lastErr = nil
	s.setState(Connecting)
	s.mu.Unlock()

	if err := s.identify(); err != nil {
		s.mu.Lock()
		s.lastErr = err
		if s.state == Connecting {
			s.setState(Error)
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stop was called while identifying.
	if s.state != Connecting {
		return nil
	}

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	select {
	case <-s.rebase:
	default:
	}
	s.setState(Running)
	go s.loop(s.stop, s.done)

	return nil
}

// identify runs *IDN? once per scheduler and learns the active mode.
func (s *Scheduler) identify() error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	return s.identifyLocked()
}

func (s *Scheduler) identifyLocked() error {
	s.mu.Lock()
	done := s.identified
	s.mu.Unlock()
	if done {
		return nil
	}

	id, err := s.dev.Identify()
	if err != nil {
		return err
	}

	mode, err := s.dev.QueryMode()
	if err != nil {
		s.log.Debug().Err(err).Msg("active mode unknown")
	}

	s.mu.Lock()
	s.identity = id
	s.identified = true
	if mode != measurement.ModeUnknown {
		s.mode = mode
	}
	s.mu.Unlock()

	s.log.Info().Str("idn", id.Raw).Str("mode", mode.String()).Msg("instrument identified")

	return nil
}

// Stop halts the loop at the next tick boundary and waits for it to exit.
// An in-flight query completes first. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.setState(Stopped)
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// SetFrequency changes the polling rate. A running loop rebases its tick
// reference on the next wait.
func (s *Scheduler) SetFrequency(hz float64) error {
	if err := validateFrequency(hz); err != nil {
		return err
	}

	s.mu.Lock()
	s.hz = hz
	running := s.state == Running
	s.mu.Unlock()

	if running {
		select {
		case s.rebase <- struct{}{}:
		default:
		}
	}

	return nil
}

func (s *Scheduler) period() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return measurement.PollingConfig{FrequencyHz: s.hz}.Period()
}

// SetMode switches the measurement mode between cycles.
func (s *Scheduler) SetMode(m measurement.Mode) error {
	if err := s.checkCommandState(); err != nil {
		return err
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if err := s.identifyLocked(); err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.mode
	s.mu.Unlock()

	if err := s.dev.SetMode(m); err != nil {
		s.log.Warn().Err(err).Str("mode", m.String()).Msg("mode switch failed")
		return err
	}

	s.mu.Lock()
	s.mode = m
	s.rangeText = ""
	s.lastRange = time.Time{}
	s.mu.Unlock()

	if m != prev && s.opts.OnModeChange != nil {
		s.opts.OnModeChange(m)
	}

	return nil
}

// SetRate switches the integration speed between cycles.
func (s *Scheduler) SetRate(r measurement.Rate) error {
	if err := s.checkCommandState(); err != nil {
		return err
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	if err := s.identifyLocked(); err != nil {
		return err
	}
	if err := s.dev.SetRate(r); err != nil {
		return err
	}

	s.mu.Lock()
	s.rate = r
	s.mu.Unlock()

	return nil
}

func (s *Scheduler) checkCommandState() error {
	state := s.State()
	if !state.acceptsCommands() {
		return errors.New().WithData(errors.ErrInvalidOperation, "command in state "+state.String())
	}

	return nil
}
