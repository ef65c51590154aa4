package units_test

import (
	"math"
	"testing"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		numeric float64
		suffix  string
		want    float64
		unit    units.Unit
	}{
		{12.5, "mV", 0.0125, units.Volt},
		{1.2, "kOHM", 1200, units.Ohm},
		{3.3, "MOHM", 3.3e6, units.Ohm},
		{4.7, "µF", 4.7e-6, units.Farad},
		{4.7, "uF", 4.7e-6, units.Farad},
		{220, "nF", 220e-9, units.Farad},
		{50, "Hz", 50, units.Hertz},
		{1.5, "kHz", 1500, units.Hertz},
		{23.4, "°C", 23.4, units.Celsius},
		{-1.25, "VDC", -1.25, units.Volt},
		{2.5, "mADC", 0.0025, units.Ampere},
		{100, "kΩ", 100e3, units.Ohm},
		{7, "m", 0.007, units.None},
		{7, "", 7, units.None},
	}

	for _, tt := range tests {
		got, unit, err := units.Normalize(tt.numeric, tt.suffix)
		require.NoError(t, err, tt.suffix)
		assert.InDelta(t, tt.want, got, math.Abs(tt.want)*1e-12, tt.suffix)
		assert.Equal(t, tt.unit, unit, tt.suffix)
	}
}

func TestNormalizeUnknownSuffix(t *testing.T) {
	_, _, err := units.Normalize(1, "parsecs")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))

	// giga has no display prefix
	for _, suffix := range []string{"GHz", "GOHM"} {
		_, _, err = units.ParseSuffix(suffix)
		assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument), suffix)
	}
}

func TestHumanize(t *testing.T) {
	tests := []struct {
		value float64
		unit  units.Unit
		want  string
	}{
		{0.0125, units.Volt, "12.50 mV"},
		{1200, units.Ohm, "1.200 kΩ"},
		{4.7e-6, units.Farad, "4.700 µF"},
		{0, units.Volt, "0.000 V"},
		{-0.5, units.Ampere, "-500.0 mA"},
		{999.96, units.Volt, "1.000 kV"},
		{50, units.Hertz, "50.00 Hz"},
		{2.5e6, units.Ohm, "2.500 MΩ"},
		{123e-12, units.Farad, "123.0 pF"},
		{23.456, units.Celsius, "23.46 °C"},
		{1, units.Bool, "ON"},
		{0, units.Bool, "OFF"},
		{math.NaN(), units.Volt, "-- V"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, units.Humanize(tt.value, tt.unit))
	}
}

func TestHumanizeRoundTrip(t *testing.T) {
	suffixes := []string{"pF", "nF", "uF", "mV", "V", "kOHM", "MOHM", "mA", "Hz", "kHz"}
	numerics := []float64{1, 1.2345, 9.999, 10, 47.11, 99.99, 100, 512.3, 999.4, -3.14159, -250}

	for _, suffix := range suffixes {
		for _, numeric := range numerics {
			value, unit, err := units.Normalize(numeric, suffix)
			require.NoError(t, err)

			text := units.Humanize(value, unit)
			back, backUnit, err := units.ParseDisplay(text)
			require.NoError(t, err, text)

			assert.Equal(t, unit, backUnit, text)
			// half a unit in the last of four significant digits
			assert.InDelta(t, value, back, math.Abs(value)*5e-4, "%g %s -> %q", numeric, suffix, text)
		}
	}
}
