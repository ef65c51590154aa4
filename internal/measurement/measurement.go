// Package measurement holds the domain types shared by the acquisition
// engine: measurement modes, rate settings, samples and polling settings.
package measurement

import (
	"strings"
	"time"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/units"
)

// Mode is the active measurement function of the meter.
type Mode int

const (
	ModeUnknown Mode = iota
	VoltDC
	VoltAC
	CurrDC
	CurrAC
	Resistance
	Continuity
	Capacitance
	Diode
	Frequency
	Temperature
)

// Modes lists every selectable mode in display order.
var Modes = []Mode{
	VoltDC, VoltAC, CurrDC, CurrAC, Resistance,
	Continuity, Capacitance, Diode, Frequency, Temperature,
}

var modeNames = map[Mode]string{
	ModeUnknown: "UNKNOWN",
	VoltDC:      "VOLT_DC",
	VoltAC:      "VOLT_AC",
	CurrDC:      "CURR_DC",
	CurrAC:      "CURR_AC",
	Resistance:  "RES",
	Continuity:  "CONT",
	Capacitance: "CAP",
	Diode:       "DIODE",
	Frequency:   "FREQ",
	Temperature: "TEMP",
}

var modeUnits = map[Mode]units.Unit{
	VoltDC:      units.Volt,
	VoltAC:      units.Volt,
	CurrDC:      units.Ampere,
	CurrAC:      units.Ampere,
	Resistance:  units.Ohm,
	Continuity:  units.Ohm,
	Capacitance: units.Farad,
	Diode:       units.Volt,
	Frequency:   units.Hertz,
	Temperature: units.Celsius,
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return modeNames[ModeUnknown]
}

// Unit returns the base unit readings carry in mode m.
func (m Mode) Unit() units.Unit {
	return modeUnits[m]
}

// AllowsNegative reports whether readings in mode m can be negative. Only
// voltage and current readings can.
func (m Mode) AllowsNegative() bool {
	switch m {
	case VoltDC, VoltAC, CurrDC, CurrAC, ModeUnknown:
		return true
	default:
		return false
	}
}

// ParseMode accepts canonical names ("VOLT_DC") as well as the spaced labels
// used on the meter front panel ("VOLT DC", "DIOD").
func ParseMode(s string) (Mode, error) {
	key := strings.ToUpper(strings.TrimSpace(s))
	key = strings.NewReplacer(" ", "_", "-", "_", ":", "_").Replace(key)
	if key == "DIOD" {
		return Diode, nil
	}
	for m, name := range modeNames {
		if m != ModeUnknown && name == key {
			return m, nil
		}
	}

	return ModeUnknown, errors.New().WithData(errors.ErrUnsupportedMode, s)
}

// Rate is the meter's integration speed.
type Rate int

const (
	RateUnknown Rate = iota
	Slow
	Medium
	Fast
)

var rateNames = map[Rate]string{
	RateUnknown: "UNKNOWN",
	Slow:        "SLOW",
	Medium:      "MEDIUM",
	Fast:        "FAST",
}

func (r Rate) String() string {
	if name, ok := rateNames[r]; ok {
		return name
	}
	return rateNames[RateUnknown]
}

// ParseRate accepts full names and the single-letter front panel codes.
func ParseRate(s string) (Rate, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SLOW", "S":
		return Slow, nil
	case "MEDIUM", "M":
		return Medium, nil
	case "FAST", "F":
		return Fast, nil
	}

	return RateUnknown, errors.New().WithData(errors.ErrInvalidArgument, "unknown rate "+s)
}

// Sample is a single acquired reading. Samples are values; nothing hands out
// pointers into the buffer that owns them.
type Sample struct {
	Seq        uint64
	Timestamp  time.Time
	Value      float64
	Unit       units.Unit
	Mode       Mode
	OutOfRange bool
	Overload   bool
}

// Display renders the sample value for humans.
func (s Sample) Display() string {
	if s.Overload {
		return "OL " + s.Unit.Symbol()
	}
	return units.Humanize(s.Value, s.Unit)
}

const (
	MinFrequencyHz     = 0.5
	MaxFrequencyHz     = 50
	DefaultFrequencyHz = 2
	DefaultWindow      = 30 * time.Second
)

// PollingConfig controls acquisition timing and the live display horizon.
type PollingConfig struct {
	FrequencyHz float64
	Window      time.Duration
	// YLimit flags samples whose magnitude exceeds it. Zero means unset.
	YLimit float64
}

// DefaultPollingConfig returns 2 Hz polling with a 30 second window.
func DefaultPollingConfig() PollingConfig {
	return PollingConfig{
		FrequencyHz: DefaultFrequencyHz,
		Window:      DefaultWindow,
	}
}

// Period returns the tick interval for the configured frequency.
func (c PollingConfig) Period() time.Duration {
	return time.Duration(float64(time.Second) / c.FrequencyHz)
}

// Validate checks the frequency range, window and limit.
func (c PollingConfig) Validate() error {
	errFactory := errors.New()

	if !(c.FrequencyHz >= MinFrequencyHz && c.FrequencyHz <= MaxFrequencyHz) {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			Field string
			Value float64
		}{"frequency_hz", c.FrequencyHz})
	}
	if c.Window <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			Field string
			Value time.Duration
		}{"window", c.Window})
	}
	if c.YLimit < 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, struct {
			Field string
			Value float64
		}{"y_limit", c.YLimit})
	}

	return nil
}
