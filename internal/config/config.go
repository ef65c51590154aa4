// Package config loads dmmctl settings from defaults, a TOML file, the
// environment and command line flags, in increasing priority.
package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/export"
	"codeberg.org/mutker/dmmctl/internal/gonogo"
	"codeberg.org/mutker/dmmctl/internal/measurement"
	"codeberg.org/mutker/dmmctl/internal/scheduler"
	"codeberg.org/mutker/dmmctl/internal/scpi"
	"codeberg.org/mutker/dmmctl/internal/telemetry"
	"codeberg.org/mutker/dmmctl/internal/transport"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix      = "DMMCTL"
	DefaultLogLevel       = "info"
	DefaultDialect        = "xdm"
	DefaultStatusInterval = 5 * time.Second
	configName            = "dmmctl"
)

type Config struct {
	Port             string            `mapstructure:"port"`
	Baud             int               `mapstructure:"baud"`
	Dialect          string            `mapstructure:"dialect"`
	Frequency        float64           `mapstructure:"frequency"`
	Window           time.Duration     `mapstructure:"window"`
	YLimit           float64           `mapstructure:"y_limit"`
	Mode             string            `mapstructure:"mode"`
	Rate             string            `mapstructure:"rate"`
	ReadTimeout      time.Duration     `mapstructure:"read_timeout"`
	FailureThreshold int               `mapstructure:"failure_threshold"`
	LogLevel         string            `mapstructure:"log_level"`
	Service          bool              `mapstructure:"service"`
	ExportCSV        string            `mapstructure:"export_csv"`
	ExportDB         string            `mapstructure:"export_db"`
	ChartPNG         string            `mapstructure:"chart_png"`
	MetricsAddr      string            `mapstructure:"metrics_addr"`
	StatusInterval   time.Duration     `mapstructure:"status_interval"`
	Reference        float64           `mapstructure:"reference"`
	Tolerance        float64           `mapstructure:"tolerance"`
	ToleranceKind    string            `mapstructure:"tolerance_kind"`
	Commands         map[string]string `mapstructure:"commands"`
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"port":              "port",
	"baud":              "baud",
	"dialect":           "dialect",
	"frequency":         "frequency",
	"window":            "window",
	"y-limit":           "y_limit",
	"mode":              "mode",
	"rate":              "rate",
	"read-timeout":      "read_timeout",
	"failure-threshold": "failure_threshold",
	"log-level":         "log_level",
	"service":           "service",
	"export-csv":        "export_csv",
	"export-db":         "export_db",
	"chart-png":         "chart_png",
	"metrics-addr":      "metrics_addr",
	"status-interval":   "status_interval",
	"reference":         "reference",
	"tolerance":         "tolerance",
	"tolerance-kind":    "tolerance_kind",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "")
	v.SetDefault("baud", transport.DefaultBaudRate)
	v.SetDefault("dialect", DefaultDialect)
	v.SetDefault("frequency", measurement.DefaultFrequencyHz)
	v.SetDefault("window", measurement.DefaultWindow)
	v.SetDefault("y_limit", 0.0)
	v.SetDefault("mode", "")
	v.SetDefault("rate", "")
	v.SetDefault("read_timeout", scpi.DefaultReadTimeout)
	v.SetDefault("failure_threshold", scheduler.DefaultFailureThreshold)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("service", false)
	v.SetDefault("export_csv", "")
	v.SetDefault("export_db", "")
	v.SetDefault("chart_png", "")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("status_interval", DefaultStatusInterval)
	v.SetDefault("reference", 0.0)
	v.SetDefault("tolerance", 0.0)
	v.SetDefault("tolerance_kind", "percent")
	v.SetDefault("commands", map[string]string{})
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("dmmctl", pflag.ContinueOnError)
	fs.String("config", "", "Path to the configuration file")
	fs.String("port", "", "Serial port of the meter; empty probes all ports")
	fs.Int("baud", transport.DefaultBaudRate, "Serial baud rate")
	fs.String("dialect", DefaultDialect, "Instrument command dialect")
	fs.Float64("frequency", measurement.DefaultFrequencyHz, "Polling frequency in Hz (0.5 to 50)")
	fs.Duration("window", measurement.DefaultWindow, "Live window length")
	fs.Float64("y-limit", 0, "Flag samples whose magnitude exceeds this value; 0 disables")
	fs.String("mode", "", "Measurement mode to select on start (VOLT_DC, RES, ...)")
	fs.String("rate", "", "Integration rate to select on start (SLOW, MEDIUM, FAST)")
	fs.Duration("read-timeout", scpi.DefaultReadTimeout, "Reply timeout per query")
	fs.Int("failure-threshold", scheduler.DefaultFailureThreshold, "Consecutive failures before stopping")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.Bool("service", false, "Plain log output without timestamps, for supervisors")
	fs.String("export-csv", "", "Write the samples to this CSV file on exit")
	fs.String("export-db", "", "Dump the samples into this SQLite database on exit")
	fs.String("chart-png", "", "Render the live window to this PNG file on exit")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.Duration("status-interval", DefaultStatusInterval, "Interval between status log lines")
	fs.Float64("reference", 0, "Go/no-go reference value in base units")
	fs.Float64("tolerance", 0, "Go/no-go tolerance; 0 disables the check")
	fs.String("tolerance-kind", "percent", "Tolerance kind (percent, absolute)")

	return fs
}

func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}
	if !o.argsSet {
		o.args = os.Args[1:]
	}

	v := viper.New()
	setDefaults(v)

	fs := newFlagSet()
	if err := fs.Parse(o.args); err != nil {
		if err == pflag.ErrHelp {
			return nil, err
		}
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, fs, o); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// readConfigFile loads the explicit file (option, environment or --config,
// in that order) or searches the default locations.
func readConfigFile(v *viper.Viper, fs *pflag.FlagSet, o *options) error {
	errFactory := errors.New()

	path := o.configPath
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}
	if path == "" {
		path, _ = fs.GetString("config")
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
		return nil
	}

	v.SetConfigName(configName)
	v.SetConfigType("toml")
	v.AddConfigPath("/etc")
	v.AddConfigPath("$HOME/.config/dmmctl")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	return nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	if err := c.PollingConfig().Validate(); err != nil {
		return err
	}

	if c.Baud <= 0 {
		return invalid("baud", c.Baud)
	}
	if c.ReadTimeout <= 0 {
		return invalid("read_timeout", c.ReadTimeout)
	}
	if c.FailureThreshold < 1 {
		return invalid("failure_threshold", c.FailureThreshold)
	}
	if c.StatusInterval <= 0 {
		return invalid("status_interval", c.StatusInterval)
	}

	if c.Mode != "" {
		if _, err := measurement.ParseMode(c.Mode); err != nil {
			return errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}
	if c.Rate != "" {
		if _, err := measurement.ParseRate(c.Rate); err != nil {
			return errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}
	if _, err := c.DialectTable(); err != nil {
		return err
	}
	if _, ok, err := c.ToleranceSpec(); ok && err != nil {
		return err
	}

	return c.ExportConfig().Validate()
}

func invalid(field string, value any) error {
	return errors.New().WithData(errors.ErrInvalidConfig, struct {
		Field string
		Value any
	}{field, value})
}

// PollingConfig returns the acquisition settings.
func (c *Config) PollingConfig() measurement.PollingConfig {
	return measurement.PollingConfig{
		FrequencyHz: c.Frequency,
		Window:      c.Window,
		YLimit:      c.YLimit,
	}
}

// DialectTable returns the configured dialect with command overrides
// applied.
func (c *Config) DialectTable() (scpi.Dialect, error) {
	d, err := scpi.Lookup(c.Dialect)
	if err != nil {
		return d, err
	}
	if len(c.Commands) == 0 {
		return d, nil
	}

	return d.WithCommands(c.Commands)
}

// ToleranceSpec returns the go/no-go spec; ok is false when no tolerance is
// configured.
func (c *Config) ToleranceSpec() (gonogo.ToleranceSpec, bool, error) {
	if c.Tolerance == 0 {
		return gonogo.ToleranceSpec{}, false, nil
	}

	kind, err := gonogo.ParseKind(c.ToleranceKind)
	if err != nil {
		return gonogo.ToleranceSpec{}, true, err
	}
	spec := gonogo.ToleranceSpec{Reference: c.Reference, Kind: kind, Magnitude: c.Tolerance}

	return spec, true, spec.Validate()
}

// ExportConfig returns the export targets.
func (c *Config) ExportConfig() export.Config {
	return export.Config{
		CSVPath:         c.ExportCSV,
		DBPath:          c.ExportDB,
		BackupOnMigrate: true,
	}
}

// TelemetryConfig enables metrics when an address is configured.
func (c *Config) TelemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = c.MetricsAddr != ""

	return cfg
}
