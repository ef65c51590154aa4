package dmm_test

import (
	"bytes"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/dmmctl/internal/dmm"
	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/gonogo"
	"codeberg.org/mutker/dmmctl/internal/marker"
	"codeberg.org/mutker/dmmctl/internal/measurement"
	"codeberg.org/mutker/dmmctl/internal/scheduler"
	"codeberg.org/mutker/dmmctl/internal/transport"
	"codeberg.org/mutker/dmmctl/internal/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeMeter answers like an XDM meter. Replies are queued on SendLine and
// popped by ReadLine; an empty queue is a timeout.
type fakeMeter struct {
	mu       sync.Mutex
	idn      string
	function string
	value    string
	pending  []string
	sent     []string
	closed   bool
}

func newMeter() *fakeMeter {
	return &fakeMeter{idn: "OWON,XDM1041,2303100,V3.3.0", function: "VOLT", value: "1.234E+00"}
}

var modeFunctions = map[string]string{
	"CONF:VOLT:DC": "VOLT",
	"CONF:VOLT:AC": "VOLT AC",
	"CONF:RES":     "RES",
	"CONF:CAP":     "CAP",
}

func (f *fakeMeter) SendLine(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return errors.New().WithMessage(errors.ErrConnection, "closed")
	}
	f.sent = append(f.sent, cmd)

	switch {
	case cmd == "*IDN?":
		f.pending = append(f.pending, f.idn)
	case cmd == "FUNC?":
		f.pending = append(f.pending, f.function)
	case cmd == "MEAS?":
		if f.value != "" {
			f.pending = append(f.pending, f.value)
		}
	case cmd == "CONF?":
		f.pending = append(f.pending, "20V")
	case modeFunctions[cmd] != "":
		f.function = modeFunctions[cmd]
	}

	return nil
}

func (f *fakeMeter) ReadLine(timeout time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.pending) == 0 {
		return "", errors.New().WithData(errors.ErrTimeout, timeout)
	}
	reply := f.pending[0]
	f.pending = f.pending[1:]

	return reply, nil
}

func (f *fakeMeter) ResetInput() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending = nil
	return nil
}

func (f *fakeMeter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}

func (f *fakeMeter) setValue(v string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.value = v
}

// unplug makes every further command fail like a vanished device.
func (f *fakeMeter) unplug() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
}

func (f *fakeMeter) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

func (f *fakeMeter) count(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.sent {
		if c == cmd {
			n++
		}
	}
	return n
}

// stalledMeter holds the first read until release is closed.
type stalledMeter struct {
	*fakeMeter
	once    sync.Once
	reading chan struct{}
	release chan struct{}
}

func newStalledMeter() *stalledMeter {
	return &stalledMeter{
		fakeMeter: newMeter(),
		reading:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (m *stalledMeter) ReadLine(timeout time.Duration) (string, error) {
	m.once.Do(func() { close(m.reading) })
	<-m.release

	return m.fakeMeter.ReadLine(timeout)
}

// manualClock returns a settable time; waits use the wall clock.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = t
}

func (c *manualClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func options() dmm.Options {
	return dmm.Options{
		ReadTimeout: 10 * time.Millisecond,
		Sleep:       func(time.Duration) {},
	}
}

func volts(offset time.Duration, v float64) measurement.Sample {
	return measurement.Sample{Timestamp: t0.Add(offset), Value: v, Unit: units.Volt, Mode: measurement.VoltDC}
}

func fastConfig() measurement.PollingConfig {
	cfg := measurement.DefaultPollingConfig()
	cfg.FrequencyHz = measurement.MaxFrequencyHz
	return cfg
}

func TestSessionPolling(t *testing.T) {
	meter := newMeter()
	s := dmm.New(meter, "/dev/ttyUSB0", options())

	require.NoError(t, s.Start(fastConfig()))

	assert.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.HasLatest && snap.Total >= 3
	}, 2*time.Second, 10*time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, scheduler.Running, snap.State)
	assert.Equal(t, "/dev/ttyUSB0", snap.Port)
	assert.Equal(t, "XDM1041", snap.Identity.Model)
	assert.Equal(t, measurement.VoltDC, snap.Mode)
	assert.Equal(t, "20V", snap.Range)
	assert.InDelta(t, 1.234, snap.Latest.Value, 1e-12)
	assert.Equal(t, units.Volt, snap.Latest.Unit)
	assert.Equal(t, 1, meter.count("*IDN?"))

	s.Stop()
	assert.Equal(t, scheduler.Stopped, s.Snapshot().State)

	require.NoError(t, s.Close())
	assert.True(t, meter.isClosed())
	require.NoError(t, s.Close())

	err := s.Start(fastConfig())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidOperation))
}

func TestSessionStopsAfterRepeatedTimeouts(t *testing.T) {
	meter := newMeter()
	meter.value = ""
	s := dmm.New(meter, "/dev/ttyUSB0", options())
	defer s.Close()

	require.NoError(t, s.Start(fastConfig()))

	assert.Eventually(t, func() bool {
		return s.Snapshot().State == scheduler.Error
	}, 2*time.Second, 10*time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, scheduler.DefaultFailureThreshold, snap.Failures)
	assert.True(t, errors.HasCode(snap.LastError, errors.ErrTimeout))
	assert.False(t, snap.HasLatest)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, scheduler.DefaultFailureThreshold, meter.count("MEAS?"))

	// restart from ERROR
	meter.setValue("2.5")
	require.NoError(t, s.Start(fastConfig()))
	assert.Eventually(t, func() bool {
		return s.Snapshot().HasLatest
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionSnapshotDuringStart(t *testing.T) {
	meter := newStalledMeter()
	s := dmm.New(meter, "/dev/ttyUSB0", options())
	defer s.Close()
	s.Record(volts(0, 1))

	started := make(chan error, 1)
	go func() { started <- s.Start(fastConfig()) }()
	<-meter.reading

	// displays keep reading state while identification waits on the line
	type result struct {
		snap  dmm.Snapshot
		chart bool
	}
	results := make(chan result, 1)
	go func() {
		snap := s.Snapshot()
		results <- result{snap: snap, chart: s.Chart().HasData}
	}()

	var (
		got    result
		served bool
	)
	select {
	case got = <-results:
		served = true
	case <-time.After(time.Second):
	}
	close(meter.release)
	require.NoError(t, <-started)

	require.True(t, served, "snapshot waited for device I/O")
	assert.Equal(t, scheduler.Connecting, got.snap.State)
	assert.Equal(t, "/dev/ttyUSB0", got.snap.Port)
	assert.Equal(t, 1, got.snap.Total)
	assert.True(t, got.chart)
}

func TestSessionRestartReopensFailedPort(t *testing.T) {
	first, second := newMeter(), newMeter()
	var opened []string
	opts := options()
	opts.Opener = func(port string) (transport.Conn, error) {
		opened = append(opened, port)
		return second, nil
	}
	s := dmm.New(first, "/dev/ttyUSB0", opts)
	defer s.Close()

	require.NoError(t, s.Start(fastConfig()))
	require.NoError(t, s.Restart(fastConfig()))
	assert.Empty(t, opened)

	first.unplug()
	assert.Eventually(t, func() bool {
		return s.Snapshot().State == scheduler.Error
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, errors.HasCode(s.Snapshot().LastError, errors.ErrConnection))
	polled := first.count("MEAS?")

	require.NoError(t, s.Restart(fastConfig()))
	assert.Equal(t, []string{"/dev/ttyUSB0"}, opened)
	assert.Eventually(t, func() bool {
		return second.count("MEAS?") > 0 && s.Snapshot().HasLatest
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, polled, first.count("MEAS?"))
	assert.Equal(t, "/dev/ttyUSB0", s.Snapshot().Port)
}

func TestSessionRestartAfterTimeoutsKeepsPort(t *testing.T) {
	meter := newMeter()
	meter.value = ""
	opts := options()
	opts.Opener = func(port string) (transport.Conn, error) {
		t.Errorf("unexpected reopen of %s", port)
		return nil, errors.New().WithData(errors.ErrConnection, port)
	}
	s := dmm.New(meter, "/dev/ttyUSB0", opts)
	defer s.Close()

	require.NoError(t, s.Start(fastConfig()))
	assert.Eventually(t, func() bool {
		return s.Snapshot().State == scheduler.Error
	}, 2*time.Second, 10*time.Millisecond)

	meter.setValue("2.5")
	require.NoError(t, s.Restart(fastConfig()))
	assert.Eventually(t, func() bool {
		return s.Snapshot().HasLatest
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, meter.isClosed())
}

func TestSessionRestartRetriesReopen(t *testing.T) {
	first, second := newMeter(), newMeter()
	attempts := 0
	opts := options()
	opts.Opener = func(port string) (transport.Conn, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New().WithData(errors.ErrConnection, port)
		}
		return second, nil
	}
	s := dmm.New(first, "/dev/ttyUSB0", opts)
	defer s.Close()

	require.NoError(t, s.Start(fastConfig()))
	first.unplug()
	assert.Eventually(t, func() bool {
		return s.Snapshot().State == scheduler.Error
	}, 2*time.Second, 10*time.Millisecond)

	err := s.Restart(fastConfig())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrConnection))
	assert.NotEqual(t, scheduler.Running, s.Snapshot().State)

	require.NoError(t, s.Restart(fastConfig()))
	assert.Equal(t, 2, attempts)
	assert.Eventually(t, func() bool {
		return second.count("MEAS?") > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionStartRejectsInvalidConfig(t *testing.T) {
	s := dmm.New(newMeter(), "/dev/ttyUSB0", options())
	defer s.Close()

	cfg := measurement.DefaultPollingConfig()
	cfg.FrequencyHz = 100

	err := s.Start(cfg)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
	assert.Equal(t, scheduler.Stopped, s.Snapshot().State)
}

func TestSessionWindowAndExport(t *testing.T) {
	s := dmm.New(newMeter(), "/dev/ttyUSB0", options())
	defer s.Close()

	cfg := measurement.DefaultPollingConfig()
	require.NoError(t, s.UpdateConfig(cfg))

	for i := 0; i < 80; i++ {
		s.Record(volts(time.Duration(i)*500*time.Millisecond, float64(i)))
	}

	snap := s.Snapshot()
	assert.Len(t, snap.Window, 61)
	assert.Equal(t, 80, snap.Total)

	rows := s.Export()
	require.Len(t, rows, 80)
	assert.Equal(t, t0, rows[0].Timestamp)
	assert.Equal(t, uint64(1), rows[0].Seq)
	assert.InDelta(t, 39.5, rows[79].RelSeconds, 1e-9)

	// shrinking the window trims the live view right away
	cfg.Window = 5 * time.Second
	require.NoError(t, s.UpdateConfig(cfg))
	assert.Len(t, s.Snapshot().Window, 11)
	assert.Len(t, s.Export(), 80)

	s.Clear()
	assert.Empty(t, s.Export())
	assert.False(t, s.Snapshot().HasLatest)
}

func TestSessionYLimitFlagsSamples(t *testing.T) {
	s := dmm.New(newMeter(), "/dev/ttyUSB0", options())
	defer s.Close()

	cfg := measurement.DefaultPollingConfig()
	cfg.YLimit = 5
	require.NoError(t, s.UpdateConfig(cfg))

	s.Record(volts(0, 4))
	s.Record(volts(time.Second, -6))

	rows := s.Export()
	require.Len(t, rows, 2)
	assert.False(t, rows[0].OutOfRange)
	assert.True(t, rows[1].OutOfRange)
}

func TestSessionMarkerStats(t *testing.T) {
	clock := &manualClock{now: t0}
	opts := options()
	opts.Clock = clock
	s := dmm.New(newMeter(), "/dev/ttyUSB0", opts)
	defer s.Close()

	for i, v := range []float64{1, 2, 3, 4, 5} {
		s.Record(volts(time.Duration(i)*time.Second, v))
	}
	clock.Set(t0.Add(5 * time.Second))

	assert.False(t, s.Snapshot().HasStats)

	// B before A in time is legal
	_, err := s.PlaceMarker(marker.A, marker.AtIndex(4))
	require.NoError(t, err)
	_, err = s.PlaceMarker(marker.B, marker.AtIndex(2))
	require.NoError(t, err)

	snap := s.Snapshot()
	require.True(t, snap.HasStats)
	assert.Equal(t, 3, snap.Stats.Count)
	assert.Equal(t, 2.0, snap.Stats.Min)
	assert.Equal(t, 4.0, snap.Stats.Max)
	assert.InDelta(t, 3.0, snap.Stats.Mean, 1e-12)
	assert.Equal(t, 2*time.Second, snap.Stats.DeltaT)

	// single marker runs to now
	s.ClearMarker(marker.B)
	snap = s.Snapshot()
	require.True(t, snap.HasStats)
	assert.True(t, snap.Stats.Open)
	assert.Equal(t, 2, snap.Stats.Count)

	s.ResetMarkers()
	assert.False(t, s.Snapshot().HasStats)

	_, err = s.PlaceMarker(marker.A, marker.AtIndex(99))
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))
}

func TestSessionMarkersSpanTrimmedSamples(t *testing.T) {
	clock := &manualClock{now: t0}
	opts := options()
	opts.Clock = clock
	s := dmm.New(newMeter(), "/dev/ttyUSB0", opts)
	defer s.Close()

	cfg := measurement.DefaultPollingConfig()
	cfg.Window = 5 * time.Second
	require.NoError(t, s.UpdateConfig(cfg))

	for i := 0; i < 20; i++ {
		s.Record(volts(time.Duration(i)*time.Second, float64(i)))
	}
	clock.Set(t0.Add(19 * time.Second))

	_, err := s.PlaceMarker(marker.A, marker.AtIndex(2))
	require.NoError(t, err)
	_, err = s.PlaceMarker(marker.B, marker.AtIndex(4))
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Len(t, snap.Window, 6)
	assert.Equal(t, 20, snap.Total)
	require.True(t, snap.HasStats)
	assert.Equal(t, 3, snap.Stats.Count)
	assert.Equal(t, 1.0, snap.Stats.Min)
	assert.Equal(t, 3.0, snap.Stats.Max)
	assert.Len(t, s.Export(), 20)
}

func TestSessionMarkersNeedSamples(t *testing.T) {
	s := dmm.New(newMeter(), "/dev/ttyUSB0", options())
	defer s.Close()

	_, err := s.PlaceMarker(marker.A, marker.Now())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidOperation))
}

func TestSessionGoNoGo(t *testing.T) {
	s := dmm.New(newMeter(), "/dev/ttyUSB0", options())
	defer s.Close()

	err := s.ConfigureGoNoGo(gonogo.ToleranceSpec{Reference: 0, Kind: gonogo.Percent, Magnitude: 1})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))

	s.Record(volts(0, 10.09))
	require.NoError(t, s.ConfigureGoNoGo(gonogo.PercentOf(10, 1)))
	assert.Equal(t, gonogo.Pass, s.Snapshot().Verdict.Status)

	s.Record(volts(time.Second, 10.11))
	assert.Equal(t, gonogo.Fail, s.Snapshot().Verdict.Status)

	s.Record(measurement.Sample{
		Timestamp: t0.Add(2 * time.Second),
		Value:     math.NaN(),
		Unit:      units.Volt,
		Mode:      measurement.VoltDC,
		Overload:  true,
	})
	assert.Equal(t, gonogo.NoData, s.Snapshot().Verdict.Status)

	s.ClearGoNoGo()
	s.Record(volts(3*time.Second, 10))
	assert.Equal(t, gonogo.NoData, s.Snapshot().Verdict.Status)
}

func TestSessionModeSwitchMarksStale(t *testing.T) {
	meter := newMeter()
	s := dmm.New(meter, "/dev/ttyUSB0", options())
	defer s.Close()

	for i := 0; i < 4; i++ {
		s.Record(volts(time.Duration(i)*time.Second, 5))
	}
	_, err := s.PlaceMarker(marker.A, marker.AtIndex(1))
	require.NoError(t, err)
	_, err = s.PlaceMarker(marker.B, marker.AtIndex(3))
	require.NoError(t, err)
	require.NoError(t, s.ConfigureGoNoGo(gonogo.PercentOf(5, 1)))
	require.Equal(t, gonogo.Pass, s.Snapshot().Verdict.Status)

	require.NoError(t, s.SetMode(measurement.Resistance))
	assert.Equal(t, 1, meter.count("CONF:RES"))

	snap := s.Snapshot()
	assert.Equal(t, measurement.Resistance, snap.Mode)
	assert.True(t, snap.Markers[marker.A].Stale)
	assert.True(t, snap.Markers[marker.B].Stale)
	require.True(t, snap.HasStats)
	assert.True(t, snap.Stats.Stale)
	assert.Equal(t, measurement.VoltDC, snap.Stats.Mode)

	s.Record(measurement.Sample{Timestamp: t0.Add(5 * time.Second), Value: 5, Unit: units.Ohm, Mode: measurement.Resistance})
	v := s.Snapshot().Verdict
	assert.Equal(t, gonogo.NoData, v.Status)
	assert.True(t, v.Stale)

	// re-selecting the active mode is not a change
	require.NoError(t, s.ConfigureGoNoGo(gonogo.PercentOf(5, 1)))
	require.NoError(t, s.SetMode(measurement.Resistance))
	assert.Equal(t, gonogo.Pass, s.Snapshot().Verdict.Status)
}

func TestSessionSwitchPort(t *testing.T) {
	meters := map[string]*fakeMeter{"/dev/ttyUSB1": newMeter()}
	opts := options()
	opts.Opener = func(port string) (transport.Conn, error) {
		m, ok := meters[port]
		if !ok {
			return nil, errors.New().WithData(errors.ErrConnection, port)
		}
		return m, nil
	}

	first := newMeter()
	s := dmm.New(first, "/dev/ttyUSB0", opts)
	defer s.Close()
	s.Record(volts(0, 1))

	err := s.SwitchPort("/dev/ttyUSB9")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrConnection))
	assert.False(t, first.isClosed())
	assert.Equal(t, "/dev/ttyUSB0", s.Snapshot().Port)

	require.NoError(t, s.SwitchPort("/dev/ttyUSB1"))
	assert.True(t, first.isClosed())

	snap := s.Snapshot()
	assert.Equal(t, "/dev/ttyUSB1", snap.Port)
	assert.Equal(t, scheduler.Stopped, snap.State)
	assert.Equal(t, 1, snap.Total)

	require.NoError(t, s.Start(fastConfig()))
	assert.Eventually(t, func() bool {
		return meters["/dev/ttyUSB1"].count("MEAS?") > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionChart(t *testing.T) {
	s := dmm.New(newMeter(), "/dev/ttyUSB0", options())
	defer s.Close()

	var buf bytes.Buffer
	err := s.RenderChart(&buf, 640, 360)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidOperation))

	for i := 0; i < 10; i++ {
		s.Record(volts(time.Duration(i)*time.Second, float64(i)))
	}

	st := s.Chart()
	require.True(t, st.HasData)
	assert.Len(t, st.Points, 10)
	assert.Equal(t, 0.0, st.Points[0].T)

	require.NoError(t, s.RenderChart(&buf, 640, 360))
	assert.True(t, strings.HasPrefix(buf.String(), "\x89PNG"))
}
