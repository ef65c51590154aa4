package scpi

import (
	"regexp"
	"strings"
	"time"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/measurement"
)

// ModeCommand is the command selecting a mode and the function names the
// meter may answer to FUNC? once the mode is active. An empty Readback skips
// verification.
type ModeCommand struct {
	Command  string
	Readback []string
}

// Dialect is the command table for one instrument family.
type Dialect struct {
	Name            string
	Terminator      string
	IdentifyQuery   string
	IdentifyPattern *regexp.Regexp
	MeasureQuery    string
	FunctionQuery   string
	RangeQueries    []string
	Modes           map[measurement.Mode]ModeCommand
	Rates           map[measurement.Rate]string
	SettleDelay     time.Duration
}

// XDM is the dialect of the OWON XDM bench multimeters.
func XDM() Dialect {
	return Dialect{
		Name:            "xdm",
		Terminator:      "\r",
		IdentifyQuery:   "*IDN?",
		IdentifyPattern: regexp.MustCompile(`(?i)OWON|XDM`),
		MeasureQuery:    "MEAS?",
		FunctionQuery:   "FUNC?",
		RangeQueries: []string{
			"CONF?",
			"CONF:VOLT?",
			"CONF:CURR?",
			"CONF:RES?",
			"CONF:CAP?",
			"CONF:FREQ?",
			"RANG?",
			"RANGE?",
			"AUTO?",
		},
		Modes: map[measurement.Mode]ModeCommand{
			measurement.VoltDC:      {"CONF:VOLT:DC", []string{"VOLT", "VOLT DC"}},
			measurement.VoltAC:      {"CONF:VOLT:AC", []string{"VOLT AC"}},
			measurement.CurrDC:      {"CONF:CURR:DC", []string{"CURR", "CURR DC"}},
			measurement.CurrAC:      {"CONF:CURR:AC", []string{"CURR AC"}},
			measurement.Resistance:  {"CONF:RES", []string{"RES"}},
			measurement.Continuity:  {"CONF:CONT", []string{"CONT"}},
			measurement.Capacitance: {"CONF:CAP", []string{"CAP"}},
			measurement.Diode:       {"CONF:DIOD", []string{"DIOD", "DIODE"}},
			measurement.Frequency:   {"CONF:FREQ", []string{"FREQ"}},
			measurement.Temperature: {"CONF:TEMP", []string{"TEMP"}},
		},
		Rates: map[measurement.Rate]string{
			measurement.Slow:   "RATE S",
			measurement.Medium: "RATE M",
			measurement.Fast:   "RATE F",
		},
		SettleDelay: 200 * time.Millisecond,
	}
}

var dialects = map[string]func() Dialect{
	"xdm": XDM,
}

// Lookup returns the named dialect.
func Lookup(name string) (Dialect, error) {
	ctor, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Dialect{}, errors.New().WithData(errors.ErrInvalidConfig, "unknown dialect "+name)
	}

	return ctor(), nil
}

// WithCommands returns a copy of d with mode commands replaced from overrides,
// keyed by mode name. Readback tokens of an overridden mode are dropped since
// they describe the replaced command.
func (d Dialect) WithCommands(overrides map[string]string) (Dialect, error) {
	modes := make(map[measurement.Mode]ModeCommand, len(d.Modes))
	for m, c := range d.Modes {
		modes[m] = c
	}

	for name, cmd := range overrides {
		m, err := measurement.ParseMode(name)
		if err != nil {
			return d, errors.New().Wrap(errors.ErrInvalidConfig, err)
		}
		if strings.TrimSpace(cmd) == "" {
			delete(modes, m)
			continue
		}
		modes[m] = ModeCommand{Command: strings.TrimSpace(cmd)}
	}
	d.Modes = modes

	return d, nil
}

// Matches reports whether an identification reply belongs to this dialect.
func (d Dialect) Matches(idn string) bool {
	return idn != "" && d.IdentifyPattern != nil && d.IdentifyPattern.MatchString(idn)
}

// normalizeFunction maps FUNC? replies such as `"VOLT:AC"` to "VOLT AC".
func normalizeFunction(s string) string {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	s = strings.ToUpper(strings.ReplaceAll(s, ":", " "))

	return strings.Join(strings.Fields(s), " ")
}

func (c ModeCommand) accepts(function string) bool {
	if len(c.Readback) == 0 {
		return true
	}
	got := normalizeFunction(function)
	for _, want := range c.Readback {
		if normalizeFunction(want) == got {
			return true
		}
	}

	return false
}
