// Package dmm ties the acquisition pipeline together behind a Session: the
// scheduler polls the meter, samples flow into the buffer and the go/no-go
// evaluator, and displays pull snapshots.
package dmm

import (
	"io"
	"sync"

	"codeberg.org/mutker/dmmctl/internal/buffer"
	"codeberg.org/mutker/dmmctl/internal/chart"
	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/export"
	"codeberg.org/mutker/dmmctl/internal/gonogo"
	"codeberg.org/mutker/dmmctl/internal/logger"
	"codeberg.org/mutker/dmmctl/internal/marker"
	"codeberg.org/mutker/dmmctl/internal/measurement"
	"codeberg.org/mutker/dmmctl/internal/scheduler"
	"codeberg.org/mutker/dmmctl/internal/scpi"
	"codeberg.org/mutker/dmmctl/internal/telemetry"
	"codeberg.org/mutker/dmmctl/internal/transport"
)

type Session struct {
	opts    Options
	log     logger.Logger
	metrics telemetry.Recorder

	// ctl serializes lifecycle calls and is held across device I/O. It is
	// never taken while mu is held.
	ctl    sync.Mutex
	conn   transport.Conn
	client *scpi.Client
	closed bool
	reopen bool

	// att guards the port and scheduler pointers. Writers hold ctl as well,
	// so readers never wait for device I/O.
	att   sync.RWMutex
	port  string
	sched *scheduler.Scheduler

	mu      sync.Mutex
	cfg     measurement.PollingConfig
	buf     *buffer.Buffer
	markers *marker.Engine
	eval    *gonogo.Evaluator
}

// Open connects to the meter on port.
func Open(port string, opts Options) (*Session, error) {
	opts = opts.withDefaults()

	conn, err := opts.Opener(port)
	if err != nil {
		return nil, err
	}

	return New(conn, port, opts), nil
}

// New builds a session on an open connection. The session owns conn.
func New(conn transport.Conn, port string, opts Options) *Session {
	opts = opts.withDefaults()

	s := &Session{
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Telemetry,
		cfg:     measurement.DefaultPollingConfig(),
		buf:     buffer.New(),
		markers: marker.New(),
		eval:    gonogo.New(),
	}
	s.attach(conn, port)

	return s
}

func (s *Session) attach(conn transport.Conn, port string) {
	s.conn = conn
	s.client = s.opts.client(conn)
	sched := scheduler.New(s.client, s, scheduler.Options{
		FailureThreshold: s.opts.FailureThreshold,
		Clock:            s.opts.Clock,
		Telemetry:        s.metrics,
		Logger:           s.log.With("scheduler"),
		OnModeChange:     s.modeChanged,
	})

	s.att.Lock()
	s.port = port
	s.sched = sched
	s.att.Unlock()
}

func (s *Session) checkOpen() error {
	if s.closed {
		return errors.New().WithMessage(errors.ErrInvalidOperation, "session is closed")
	}

	return nil
}

// Start applies cfg and starts polling.
func (s *Session) Start(cfg measurement.PollingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.ctl.Lock()
	defer s.ctl.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.startLocked(cfg)
}

func (s *Session) startLocked(cfg measurement.PollingConfig) error {
	s.mu.Lock()
	s.cfg = cfg
	s.buf.SetYLimit(cfg.YLimit)
	s.mu.Unlock()

	return s.sched.Start(cfg.FrequencyHz)
}

// Restart starts polling again after acquisition stopped on an error. A
// connection that failed is reopened on the same port first. Restart is a
// no-op while polling is running.
func (s *Session) Restart(cfg measurement.PollingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.ctl.Lock()
	defer s.ctl.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	st := s.sched.Status()
	if st.State != scheduler.Error && !s.reopen {
		return nil
	}

	if s.reopen || errors.HasCode(st.LastError, errors.ErrConnection) {
		if err := s.reconnectLocked(); err != nil {
			return err
		}
	}

	return s.startLocked(cfg)
}

func (s *Session) reconnectLocked() error {
	s.sched.Stop()
	if !s.reopen {
		if err := s.conn.Close(); err != nil {
			s.log.Warn().Err(err).Str("port", s.port).Msg("failed to close failed connection")
		}
		s.reopen = true
	}

	conn, err := s.opts.Opener(s.port)
	if err != nil {
		return err
	}
	s.reopen = false
	s.log.Info().Str("port", s.port).Msg("port reopened")
	s.attach(conn, s.port)

	return nil
}

// Stop halts polling. Acquired samples are kept.
func (s *Session) Stop() {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if s.sched != nil {
		s.sched.Stop()
	}
}

// UpdateConfig changes frequency, window or Y limit without stopping.
func (s *Session) UpdateConfig(cfg measurement.PollingConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.ctl.Lock()
	defer s.ctl.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.sched.SetFrequency(cfg.FrequencyHz); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.buf.SetYLimit(cfg.YLimit)
	if latest, ok := s.buf.Latest(); ok {
		s.buf.Trim(latest.Timestamp, cfg.Window)
	}

	return nil
}

func (s *Session) SetMode(m measurement.Mode) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.sched.SetMode(m)
}

func (s *Session) SetRate(r measurement.Rate) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	return s.sched.SetRate(r)
}

// modeChanged runs on the scheduler after a successful mode switch.
func (s *Session) modeChanged(m measurement.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markers.Invalidate()
	s.eval.Invalidate()
	s.log.Info().Str("mode", m.String()).Msg("mode changed, marker interval and tolerance run marked stale")
}

// Record stores a polled sample, trims the live view and feeds the
// evaluator.
func (s *Session) Record(sample measurement.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.buf.Append(sample)
	if err != nil {
		s.log.Warn().Err(err).Msg("sample dropped")
		return
	}
	s.buf.Trim(stored.Timestamp, s.cfg.Window)
	s.eval.Evaluate(stored)
	s.metrics.BufferSize(s.buf.Len())
}

// PlaceMarker sets marker id at the given anchor.
func (s *Session) PlaceMarker(id marker.ID, at marker.Anchor) (marker.Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.markers.Place(s.buf, id, at)
}

func (s *Session) ClearMarker(id marker.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markers.Clear(id)
}

func (s *Session) ResetMarkers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.markers.Reset()
}

// ConfigureGoNoGo arms the tolerance check. The latest sample is evaluated
// right away.
func (s *Session) ConfigureGoNoGo(spec gonogo.ToleranceSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.eval.Configure(spec); err != nil {
		return err
	}
	if latest, ok := s.buf.Latest(); ok {
		s.eval.Evaluate(latest)
	}

	return nil
}

func (s *Session) ClearGoNoGo() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eval.Clear()
}

// Clear drops every acquired sample and the markers that referred to them.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Clear()
	s.markers.Reset()
	s.metrics.BufferSize(0)
	s.log.Info().Msg("samples cleared")
}

// SwitchPort stops polling and moves the session to another port. The old
// connection is kept when the new port cannot be opened.
func (s *Session) SwitchPort(port string) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	conn, err := s.opts.Opener(port)
	if err != nil {
		return err
	}

	s.sched.Stop()
	if !s.reopen {
		if err := s.conn.Close(); err != nil {
			s.log.Warn().Err(err).Str("port", s.port).Msg("failed to close previous port")
		}
	}
	s.reopen = false
	s.log.Info().Str("from", s.port).Str("to", port).Msg("port switched")
	s.attach(conn, port)

	return nil
}

// Close stops polling and releases the connection. It is idempotent.
func (s *Session) Close() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.sched.Stop()
	var err error
	if !s.reopen {
		err = s.conn.Close()
	}

	s.mu.Lock()
	s.markers.Reset()
	s.eval.Clear()
	s.mu.Unlock()

	return err
}

func (s *Session) status() (scheduler.Status, string) {
	s.att.RLock()
	sched, port := s.sched, s.port
	s.att.RUnlock()

	return sched.Status(), port
}

// Snapshot returns copies of the session state.
func (s *Session) Snapshot() Snapshot {
	st, port := s.status()
	now := s.opts.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Port:        port,
		State:       st.State,
		Identity:    st.Identity,
		Mode:        st.Mode,
		Rate:        st.Rate,
		Range:       st.Range,
		FrequencyHz: st.FrequencyHz,
		Config:      s.cfg,
		Window:      s.buf.Live(),
		Total:       s.buf.Len(),
		Markers:     s.markers.Markers(),
		Verdict:     s.eval.Last(),
		Failures:    st.Failures,
		LastError:   st.LastError,
	}
	snap.Latest, snap.HasLatest = s.buf.Latest()
	snap.Stats, snap.HasStats = s.markers.Stats(s.buf, now)

	return snap
}

// Export returns every sample since the last Clear as export rows.
func (s *Session) Export() []export.Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	return export.Rows(s.buf.All())
}

// Chart returns the plot state of the live window.
func (s *Session) Chart() chart.State {
	st, _ := s.status()

	s.mu.Lock()
	defer s.mu.Unlock()

	in := chart.Input{
		Samples: s.buf.Live(),
		Window:  s.cfg.Window,
		YLimit:  s.cfg.YLimit,
		Mode:    st.Mode,
		Markers: s.markers.Markers(),
	}
	if all := s.buf.All(); len(all) > 0 {
		in.Origin = all[0].Timestamp
	}

	return chart.Build(in)
}

// RenderChart writes the chart as a PNG image.
func (s *Session) RenderChart(w io.Writer, width, height int) error {
	return chart.RenderPNG(w, s.Chart(), width, height)
}
