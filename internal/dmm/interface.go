package dmm

import (
	"time"

	"codeberg.org/mutker/dmmctl/internal/gonogo"
	"codeberg.org/mutker/dmmctl/internal/logger"
	"codeberg.org/mutker/dmmctl/internal/marker"
	"codeberg.org/mutker/dmmctl/internal/measurement"
	"codeberg.org/mutker/dmmctl/internal/scheduler"
	"codeberg.org/mutker/dmmctl/internal/scpi"
	"codeberg.org/mutker/dmmctl/internal/telemetry"
	"codeberg.org/mutker/dmmctl/internal/transport"
)

// Opener opens the line to the meter on port.
type Opener func(port string) (transport.Conn, error)

// Options configure a Session and port detection.
type Options struct {
	Dialect          scpi.Dialect
	BaudRate         int
	ReadTimeout      time.Duration
	FailureThreshold int
	Clock            scheduler.Clock
	Telemetry        telemetry.Recorder
	Logger           logger.Logger
	Opener           Opener
	// Sleep replaces time.Sleep for the settle delay after mode commands.
	Sleep func(time.Duration)
	// Skip excludes ports from detection.
	Skip func(port string) bool
}

func (o Options) withDefaults() Options {
	if o.Dialect.Name == "" {
		o.Dialect = scpi.XDM()
	}
	if o.BaudRate <= 0 {
		o.BaudRate = transport.DefaultBaudRate
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = scpi.DefaultReadTimeout
	}
	if o.Clock == nil {
		o.Clock = scheduler.RealClock()
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.Noop()
	}
	if o.Logger == nil {
		o.Logger = logger.For("dmm")
	}
	if o.Opener == nil {
		baud, term := o.BaudRate, o.Dialect.Terminator
		o.Opener = func(port string) (transport.Conn, error) {
			line, err := transport.Open(port, transport.Options{BaudRate: baud, Terminator: term})
			if err != nil {
				return nil, err
			}
			return line, nil
		}
	}

	return o
}

func (o Options) client(conn transport.Conn) *scpi.Client {
	opts := []scpi.Option{
		scpi.WithReadTimeout(o.ReadTimeout),
		scpi.WithLogger(o.Logger.With("scpi")),
	}
	if o.Sleep != nil {
		opts = append(opts, scpi.WithSleep(o.Sleep))
	}

	return scpi.NewClient(conn, o.Dialect, opts...)
}

// Snapshot is a read-only copy of everything a display needs. HasLatest,
// HasStats and a NO_DATA verdict mark absent values.
type Snapshot struct {
	Port        string
	State       scheduler.State
	Identity    scpi.Identity
	Mode        measurement.Mode
	Rate        measurement.Rate
	Range       string
	FrequencyHz float64
	Config      measurement.PollingConfig
	Latest      measurement.Sample
	HasLatest   bool
	Window      []measurement.Sample
	Total       int
	Markers     [2]marker.Marker
	Stats       marker.IntervalStats
	HasStats    bool
	Verdict     gonogo.Verdict
	Failures    int
	LastError   error
}
