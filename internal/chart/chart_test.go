package chart

import (
	"bytes"
	"math"
	"testing"
	"time"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/marker"
	"codeberg.org/mutker/dmmctl/internal/measurement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func samples(mode measurement.Mode, values ...float64) []measurement.Sample {
	out := make([]measurement.Sample, 0, len(values))
	for i, v := range values {
		out = append(out, measurement.Sample{
			Seq:       uint64(i + 1),
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			Value:     v,
			Unit:      mode.Unit(),
			Mode:      mode,
			Overload:  math.IsNaN(v),
		})
	}
	return out
}

func TestBuildWindowAndMargins(t *testing.T) {
	st := Build(Input{
		Samples: samples(measurement.VoltDC, 1, 2, 3, 4, 5),
		Origin:  t0,
		Window:  2 * time.Second,
		Mode:    measurement.VoltDC,
	})

	require.True(t, st.HasData)
	assert.Equal(t, []Point{{2, 3}, {3, 4}, {4, 5}}, st.Points)
	assert.Equal(t, 2.0, st.XMin)
	assert.Equal(t, 4.0, st.XMax)
	assert.InDelta(t, 2.9, st.YMin, 1e-12)
	assert.InDelta(t, 5.1, st.YMax, 1e-12)
	assert.Equal(t, "Value (V)", st.YLabel())
}

func TestBuildDropsOverloadAndLimit(t *testing.T) {
	st := Build(Input{
		Samples: samples(measurement.Resistance, 100, math.NaN(), 5000, -3, 200),
		Origin:  t0,
		Window:  time.Minute,
		YLimit:  1000,
		Mode:    measurement.Resistance,
	})

	require.True(t, st.HasData)
	assert.Equal(t, []Point{{0, 100}, {3, 0}, {4, 200}}, st.Points)
	assert.Equal(t, 0.0, st.YMin)
	assert.Equal(t, 1000.0, st.YMax)
	assert.Equal(t, 0.0, st.XMin)
}

func TestBuildDegenerateRange(t *testing.T) {
	st := Build(Input{
		Samples: samples(measurement.CurrDC, -2, -2),
		Origin:  t0,
		Window:  time.Minute,
		Mode:    measurement.CurrDC,
	})

	require.True(t, st.HasData)
	assert.InDelta(t, -3.1, st.YMin, 1e-12)
	assert.InDelta(t, -0.9, st.YMax, 1e-12)
}

func TestBuildMarkers(t *testing.T) {
	st := Build(Input{
		Samples: samples(measurement.VoltDC, 1, 2, 3),
		Origin:  t0,
		Window:  time.Minute,
		Mode:    measurement.VoltDC,
		Markers: [2]marker.Marker{
			{ID: marker.A, Timestamp: t0.Add(1500 * time.Millisecond), Armed: true},
			{ID: marker.B},
		},
	})

	require.Len(t, st.Markers, 1)
	assert.Equal(t, marker.A, st.Markers[0].ID)
	assert.Equal(t, 1.5, st.Markers[0].T)
}

func TestBuildEmpty(t *testing.T) {
	st := Build(Input{Origin: t0, Window: time.Minute, Mode: measurement.Frequency})
	assert.False(t, st.HasData)
	assert.Equal(t, "Value (Hz)", st.YLabel())

	err := RenderPNG(&bytes.Buffer{}, st, 0, 0)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidOperation))
}

func TestRenderPNG(t *testing.T) {
	st := Build(Input{
		Samples: samples(measurement.VoltDC, 1, 3, 2),
		Origin:  t0,
		Window:  time.Minute,
		Mode:    measurement.VoltDC,
		Markers: [2]marker.Marker{
			{ID: marker.A, Timestamp: t0, Armed: true},
			{ID: marker.B, Timestamp: t0.Add(2 * time.Second), Armed: true},
		},
	})

	var buf bytes.Buffer
	require.NoError(t, RenderPNG(&buf, st, 640, 320))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")))
}
