package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/dmmctl/internal/chart"
	"codeberg.org/mutker/dmmctl/internal/config"
	"codeberg.org/mutker/dmmctl/internal/dmm"
	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/export"
	"codeberg.org/mutker/dmmctl/internal/gonogo"
	"codeberg.org/mutker/dmmctl/internal/logger"
	"codeberg.org/mutker/dmmctl/internal/measurement"
	"codeberg.org/mutker/dmmctl/internal/pid"
	"codeberg.org/mutker/dmmctl/internal/scheduler"
	"codeberg.org/mutker/dmmctl/internal/telemetry"
	"codeberg.org/mutker/dmmctl/internal/units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
)

const shutdownTimeout = 5 * time.Second

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, cfg.Service || logger.IsService())
	logger.Debug().Msg("Config loaded")
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx); err != nil {
		var coded errors.Error
		if errors.As(err, &coded) {
			logger.ErrorWithCode(coded).Msg("dmmctl failed")
		} else {
			logger.Error().Err(err).Msg("dmmctl failed")
		}
		os.Exit(1)
	}
	logger.Info().Msg("Exiting...")
}

func run(ctx context.Context) error {
	metrics, stopMetrics, err := startMetrics()
	if err != nil {
		return err
	}
	defer stopMetrics()

	dialect, err := cfg.DialectTable()
	if err != nil {
		return err
	}
	opts := dmm.Options{
		Dialect:          dialect,
		BaudRate:         cfg.Baud,
		ReadTimeout:      cfg.ReadTimeout,
		FailureThreshold: cfg.FailureThreshold,
		Telemetry:        metrics,
		Logger:           logger.For("dmm"),
		Skip:             pid.Held,
	}

	port := cfg.Port
	if port == "" {
		logger.Info().Str("dialect", dialect.Name).Msg("No port configured, probing serial ports")
		if port, _, err = dmm.Detect(opts); err != nil {
			return err
		}
	}

	release, err := pid.Acquire(port)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			logger.Warn().Err(err).Msg("failed to remove pid file")
		}
	}()

	session, err := dmm.Open(port, opts)
	if err != nil {
		return err
	}
	defer cleanup(session)

	if err := apply(session); err != nil {
		return err
	}
	if err := session.Start(cfg.PollingConfig()); err != nil {
		return err
	}

	return loop(ctx, session)
}

// apply pushes the configured mode, rate and tolerance to the session.
func apply(session *dmm.Session) error {
	if spec, ok, err := cfg.ToleranceSpec(); ok {
		if err != nil {
			return err
		}
		if err := session.ConfigureGoNoGo(spec); err != nil {
			return err
		}
	}

	if cfg.Mode != "" {
		mode, err := measurement.ParseMode(cfg.Mode)
		if err != nil {
			return err
		}
		if err := session.SetMode(mode); err != nil {
			return err
		}
	}

	if cfg.Rate != "" {
		rate, err := measurement.ParseRate(cfg.Rate)
		if err != nil {
			return err
		}
		if err := session.SetRate(rate); err != nil {
			return err
		}
	}

	return nil
}

func loop(ctx context.Context, session *dmm.Session) error {
	ticker := time.NewTicker(cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap := session.Snapshot()
			logStatus(snap)

			if snap.State == scheduler.Error {
				logger.Warn().Err(snap.LastError).Msg("Acquisition stopped, restarting")
			}
			// reopens the port first when the connection was lost
			if err := session.Restart(cfg.PollingConfig()); err != nil {
				logger.Error().Err(err).Str("port", snap.Port).Msg("failed to restart acquisition")
			}
		}
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

// cleanup stops acquisition, writes the configured exports and closes the
// port.
func cleanup(session *dmm.Session) {
	session.Stop()

	if err := exportAll(session); err != nil {
		logger.Error().Err(err).Msg("export failed")
	}
	if err := session.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close session")
	}
}

func exportAll(session *dmm.Session) error {
	rows := session.Export()
	if len(rows) == 0 {
		return nil
	}

	var err error
	exportCfg := cfg.ExportConfig()

	if exportCfg.CSVPath != "" {
		if e := export.WriteCSVFile(exportCfg.CSVPath, rows); e != nil {
			err = multierr.Append(err, e)
		} else {
			logger.Info().Str("path", exportCfg.CSVPath).Int("rows", len(rows)).Msg("CSV written")
		}
	}

	if exportCfg.DBPath != "" {
		err = multierr.Append(err, dumpDB(exportCfg, session.Snapshot().Identity.String(), rows))
	}

	if cfg.ChartPNG != "" {
		err = multierr.Append(err, writeChart(session, cfg.ChartPNG))
	}

	return err
}

func dumpDB(exportCfg export.Config, instrument string, rows []export.Row) (err error) {
	repo, err := export.Open(exportCfg, logger.For("export"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, repo.Close())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	id, err := repo.Dump(ctx, export.DumpInfo{Instrument: instrument, CreatedAt: time.Now()}, rows)
	if err != nil {
		return err
	}
	logger.Info().Int64("dump", id).Int("rows", len(rows)).Msg("Database dump written")

	return nil
}

func writeChart(session *dmm.Session, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.New().Wrap(errors.ErrExportFailed, err)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	if err := session.RenderChart(f, chart.DefaultWidth, chart.DefaultHeight); err != nil {
		return err
	}
	logger.Info().Str("path", path).Msg("Chart written")

	return nil
}

// startMetrics serves /metrics when an address is configured.
func startMetrics() (telemetry.Recorder, func(), error) {
	telemetryCfg := cfg.TelemetryConfig()
	if !telemetryCfg.Enabled {
		return telemetry.Noop(), func() {}, nil
	}

	reg := prometheus.NewRegistry()
	metrics, err := telemetry.New(telemetryCfg, reg)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("metrics server failed")
		}
	}()
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")

	return metrics, func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Msg("metrics server shutdown failed")
		}
	}, nil
}

func logStatus(snap dmm.Snapshot) {
	event := logger.Info().
		Str("port", snap.Port).
		Str("state", snap.State.String()).
		Str("mode", snap.Mode.String()).
		Str("range", snap.Range).
		Int("samples", snap.Total).
		Int("failures", snap.Failures)

	if snap.HasLatest {
		event.Str("value", snap.Latest.Display())
		if snap.Latest.OutOfRange {
			event.Bool("out_of_range", true)
		}
	}
	if snap.HasStats {
		event.Str("min", units.Humanize(snap.Stats.Min, snap.Stats.Unit)).
			Str("max", units.Humanize(snap.Stats.Max, snap.Stats.Unit)).
			Str("mean", units.Humanize(snap.Stats.Mean, snap.Stats.Unit)).
			Dur("delta_t", snap.Stats.DeltaT).
			Bool("stale", snap.Stats.Stale)
	}
	if snap.Verdict.Status != gonogo.NoData || snap.Verdict.Stale {
		event.Str("verdict", snap.Verdict.Status.String())
	}

	event.Msg("Status")
}
