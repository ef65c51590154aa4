// Package chart derives the plot of the live window and renders it as PNG.
package chart

import (
	"math"
	"time"

	"codeberg.org/mutker/dmmctl/internal/marker"
	"codeberg.org/mutker/dmmctl/internal/measurement"
	"codeberg.org/mutker/dmmctl/internal/units"
)

// yMargin is the headroom added above and below the data when no Y limit is
// set.
const yMargin = 0.05

// Point is a plotted sample; T is seconds since the acquisition origin.
type Point struct {
	T float64
	V float64
}

// MarkerLine is a vertical marker at T seconds.
type MarkerLine struct {
	ID    marker.ID
	T     float64
	Stale bool
}

// Input is everything the plot is derived from.
type Input struct {
	Samples []measurement.Sample
	// Origin is t = 0, normally the first sample since the last clear.
	Origin  time.Time
	Window  time.Duration
	YLimit  float64
	Mode    measurement.Mode
	Markers [2]marker.Marker
}

// State is the read-only plot description.
type State struct {
	Mode    measurement.Mode
	Unit    units.Unit
	Points  []Point
	Markers []MarkerLine
	XMin    float64
	XMax    float64
	YMin    float64
	YMax    float64
	// HasData is false when nothing is plotted; ranges are then unset.
	HasData bool
}

// YLabel returns the axis label for the state's unit.
func (s State) YLabel() string {
	if sym := s.Unit.Symbol(); sym != "" {
		return "Value (" + sym + ")"
	}
	return "Value"
}

// Build derives the plot state. Overloads and points above the Y limit are
// dropped; negatives are clamped to zero for modes that cannot go negative.
func Build(in Input) State {
	st := State{Mode: in.Mode, Unit: in.Mode.Unit()}

	for _, m := range in.Markers {
		if m.Armed {
			st.Markers = append(st.Markers, MarkerLine{ID: m.ID, T: seconds(m.Timestamp, in.Origin), Stale: m.Stale})
		}
	}

	if len(in.Samples) == 0 {
		return st
	}

	tmax := seconds(in.Samples[len(in.Samples)-1].Timestamp, in.Origin)
	tmin := math.Max(0, tmax-in.Window.Seconds())
	allowNeg := in.Mode.AllowsNegative()

	for _, s := range in.Samples {
		t := seconds(s.Timestamp, in.Origin)
		if t < tmin || s.Overload || math.IsNaN(s.Value) {
			continue
		}
		v := s.Value
		if in.YLimit > 0 && v > in.YLimit {
			continue
		}
		if !allowNeg && v < 0 {
			v = 0
		}
		st.Points = append(st.Points, Point{T: t, V: v})
	}

	if len(st.Points) == 0 {
		return st
	}

	st.HasData = true
	st.XMin, st.XMax = tmin, tmax
	st.YMin, st.YMax = yRange(st.Points, in.YLimit, allowNeg)

	return st
}

func yRange(points []Point, limit float64, allowNeg bool) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, p := range points {
		lo = math.Min(lo, p.V)
		hi = math.Max(hi, p.V)
	}

	if limit > 0 {
		if !allowNeg {
			return 0, limit
		}
		if lo >= limit {
			lo = limit - 1
		}
		return lo, limit
	}

	if !allowNeg {
		lo = math.Max(0, lo)
	}
	if lo == hi {
		lo--
		hi++
	}
	margin := (hi - lo) * yMargin
	lo, hi = lo-margin, hi+margin
	if !allowNeg {
		lo = math.Max(0, lo)
	}

	return lo, hi
}

func seconds(t, origin time.Time) float64 {
	return t.Sub(origin).Seconds()
}
