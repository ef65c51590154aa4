// Package units converts between SI-prefixed instrument readings and values
// in base units, and renders base-unit values for display.
package units

import (
	"math"
	"strconv"
	"strings"

	"codeberg.org/mutker/dmmctl/internal/errors"
)

// Unit is the base unit of a measurement.
type Unit int

const (
	None Unit = iota
	Volt
	Ampere
	Ohm
	Farad
	Hertz
	Celsius
	Bool
)

var unitSymbols = map[Unit]string{
	None:    "",
	Volt:    "V",
	Ampere:  "A",
	Ohm:     "Ω",
	Farad:   "F",
	Hertz:   "Hz",
	Celsius: "°C",
	Bool:    "",
}

// Symbol returns the display symbol for u.
func (u Unit) Symbol() string {
	return unitSymbols[u]
}

func (u Unit) String() string {
	switch u {
	case Bool:
		return "bool"
	case None:
		return "none"
	default:
		return u.Symbol()
	}
}

// unitSpellings maps the spellings instruments use to base units. Lookup is
// case-insensitive; longer spellings are tried first.
var unitSpellings = []struct {
	spelling string
	unit     Unit
}{
	{"OHMS", Ohm},
	{"OHM", Ohm},
	{"°C", Celsius},
	{"DEGC", Celsius},
	{"CEL", Celsius},
	{"HZ", Hertz},
	{"Ω", Ohm},
	{"VDC", Volt},
	{"VAC", Volt},
	{"ADC", Ampere},
	{"AAC", Ampere},
	{"V", Volt},
	{"A", Ampere},
	{"F", Farad},
	{"C", Celsius},
}

type prefix struct {
	symbol string
	scale  float64
}

// prefixes accepted on input. Case matters: m is milli and M is mega. Input
// stops at mega like the display prefixes, so every parsed value renders
// back with its own prefix.
var inputPrefixes = map[string]float64{
	"p": 1e-12,
	"n": 1e-9,
	"u": 1e-6,
	"µ": 1e-6,
	"μ": 1e-6,
	"m": 1e-3,
	"":  1,
	"k": 1e3,
	"K": 1e3,
	"M": 1e6,
}

// displayPrefixes in ascending order.
var displayPrefixes = []prefix{
	{"p", 1e-12},
	{"n", 1e-9},
	{"µ", 1e-6},
	{"m", 1e-3},
	{"", 1},
	{"k", 1e3},
	{"M", 1e6},
}

// SignificantDigits is the number of significant digits Humanize renders.
const SignificantDigits = 4

// ParseSuffix splits an instrument unit suffix such as "mV" or "kOHM" into its
// scale factor and base unit. A bare prefix ("m") yields None as the unit.
func ParseSuffix(suffix string) (float64, Unit, error) {
	errFactory := errors.New()
	s := strings.TrimSpace(suffix)
	if s == "" {
		return 1, None, nil
	}

	upper := strings.ToUpper(s)
	for _, sp := range unitSpellings {
		if !strings.HasSuffix(upper, sp.spelling) {
			continue
		}
		head := s[:len(s)-len(sp.spelling)]
		if scale, ok := inputPrefixes[head]; ok {
			return scale, sp.unit, nil
		}
	}

	if scale, ok := inputPrefixes[s]; ok {
		return scale, None, nil
	}

	return 0, None, errFactory.WithData(errors.ErrInvalidArgument, "unknown unit suffix "+strconv.Quote(suffix))
}

// Normalize converts a numeric reading with an SI-prefixed unit suffix into a
// value in base units.
func Normalize(numeric float64, suffix string) (float64, Unit, error) {
	scale, unit, err := ParseSuffix(suffix)
	if err != nil {
		return 0, None, err
	}

	return numeric * scale, unit, nil
}

// Humanize renders value, expressed in base units, choosing the prefix that
// keeps the mantissa in [1, 1000) with SignificantDigits digits.
func Humanize(value float64, unit Unit) string {
	switch {
	case math.IsNaN(value):
		return strings.TrimSpace("-- " + unit.Symbol())
	case unit == Bool:
		if value != 0 {
			return "ON"
		}
		return "OFF"
	case math.IsInf(value, 0):
		return strings.TrimSpace(formatInf(value) + " " + unit.Symbol())
	case unit == Celsius:
		return formatMantissa(value, digitsFor(math.Abs(value))) + " " + unit.Symbol()
	}

	p, mantissa := choosePrefix(value)
	text := formatMantissa(mantissa, digitsFor(math.Abs(mantissa)))

	return strings.TrimSpace(text + " " + p.symbol + unit.Symbol())
}

func formatInf(v float64) string {
	if v > 0 {
		return "+OL"
	}
	return "-OL"
}

func choosePrefix(value float64) (prefix, float64) {
	abs := math.Abs(value)
	if abs == 0 {
		return displayPrefixes[4], 0
	}

	chosen := displayPrefixes[0]
	for _, p := range displayPrefixes {
		if abs >= p.scale {
			chosen = p
		}
	}

	mantissa := value / chosen.scale
	// Rounding to SignificantDigits may carry into the next decade, e.g.
	// 999.96 renders as 1000; move up one prefix when that happens.
	rounded, _ := strconv.ParseFloat(formatMantissa(mantissa, digitsFor(math.Abs(mantissa))), 64)
	if math.Abs(rounded) >= 1000 {
		for i, p := range displayPrefixes {
			if p == chosen && i+1 < len(displayPrefixes) {
				chosen = displayPrefixes[i+1]
				mantissa = value / chosen.scale
				break
			}
		}
	}

	return chosen, mantissa
}

// digitsFor returns how many decimals keep SignificantDigits significant
// digits for a magnitude in [1, 1000).
func digitsFor(abs float64) int {
	switch {
	case abs >= 100:
		return SignificantDigits - 3
	case abs >= 10:
		return SignificantDigits - 2
	default:
		return SignificantDigits - 1
	}
}

func formatMantissa(v float64, decimals int) string {
	if decimals < 0 {
		decimals = 0
	}
	return strconv.FormatFloat(v, 'f', decimals, 64)
}

// ParseDisplay reads a string produced by Humanize back into a base-unit
// value.
func ParseDisplay(text string) (float64, Unit, error) {
	errFactory := errors.New()
	fields := strings.Fields(text)
	if len(fields) == 0 || len(fields) > 2 {
		return 0, None, errFactory.WithData(errors.ErrInvalidArgument, strconv.Quote(text))
	}

	switch fields[0] {
	case "ON":
		return 1, Bool, nil
	case "OFF":
		return 0, Bool, nil
	}

	numeric, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, None, errFactory.Wrap(errors.ErrInvalidArgument, err)
	}
	if len(fields) == 1 {
		return numeric, None, nil
	}

	return Normalize(numeric, fields[1])
}
