// Package marker places interval markers on the sample timeline and derives
// statistics over the marked interval.
package marker

import (
	"math"
	"sync"
	"time"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/measurement"
	"codeberg.org/mutker/dmmctl/internal/units"
)

// ID names one of the two markers.
type ID int

const (
	A ID = iota
	B
)

func (id ID) String() string {
	if id == B {
		return "B"
	}
	return "A"
}

// ParseID accepts "A" or "B", case-insensitive.
func ParseID(s string) (ID, error) {
	switch s {
	case "A", "a":
		return A, nil
	case "B", "b":
		return B, nil
	}

	return A, errors.New().WithData(errors.ErrInvalidArgument, "unknown marker "+s)
}

// Marker is a position on the timeline. It refers to samples by timestamp and
// sequence number only.
type Marker struct {
	ID        ID
	Timestamp time.Time
	Seq       uint64
	Mode      measurement.Mode
	Armed     bool
	// Stale is set when the measurement mode changed after placement.
	Stale bool
}

// Source is the sample store markers are resolved against.
type Source interface {
	Range(from, to time.Time) []measurement.Sample
	BySeq(seq uint64) (measurement.Sample, bool)
	Nearest(t time.Time) (measurement.Sample, bool)
	Latest() (measurement.Sample, bool)
}

// Anchor selects where a marker is placed.
type Anchor struct {
	kind anchorKind
	seq  uint64
	at   time.Time
}

type anchorKind int

const (
	anchorNow anchorKind = iota
	anchorIndex
	anchorTime
)

// Now anchors on the most recent sample.
func Now() Anchor { return Anchor{kind: anchorNow} }

// AtIndex anchors on the sample with the given sequence number.
func AtIndex(seq uint64) Anchor { return Anchor{kind: anchorIndex, seq: seq} }

// AtTime anchors on an arbitrary instant, for example a click on the chart.
func AtTime(t time.Time) Anchor { return Anchor{kind: anchorTime, at: t} }

func (a Anchor) resolve(src Source) (Marker, error) {
	errFactory := errors.New()

	switch a.kind {
	case anchorIndex:
		s, ok := src.BySeq(a.seq)
		if !ok {
			return Marker{}, errFactory.WithData(errors.ErrInvalidArgument, struct {
				Seq uint64
			}{a.seq})
		}
		return Marker{Timestamp: s.Timestamp, Seq: s.Seq, Mode: s.Mode}, nil
	case anchorTime:
		s, ok := src.Nearest(a.at)
		if !ok {
			return Marker{}, errFactory.WithMessage(errors.ErrInvalidOperation, "no samples to place a marker on")
		}
		return Marker{Timestamp: a.at, Seq: s.Seq, Mode: s.Mode}, nil
	default:
		s, ok := src.Latest()
		if !ok {
			return Marker{}, errFactory.WithMessage(errors.ErrInvalidOperation, "no samples to place a marker on")
		}
		return Marker{Timestamp: s.Timestamp, Seq: s.Seq, Mode: s.Mode}, nil
	}
}

// IntervalStats summarizes the numeric samples between the markers.
type IntervalStats struct {
	From          time.Time
	To            time.Time
	DeltaT        time.Duration
	Min           float64
	Max           float64
	Mean          float64
	Count         int
	OverloadCount int
	Unit          units.Unit
	Mode          measurement.Mode
	Stale         bool
	// Open is set for a single-marker interval that ends at now, exclusive.
	Open bool
}

// Engine holds markers A and B.
type Engine struct {
	mu      sync.RWMutex
	markers [2]Marker
}

func New() *Engine {
	return &Engine{markers: [2]Marker{{ID: A}, {ID: B}}}
}

// Place puts marker id at the anchor resolved against src.
func (e *Engine) Place(src Source, id ID, at Anchor) (Marker, error) {
	if id != A && id != B {
		return Marker{}, errors.New().WithData(errors.ErrInvalidArgument, int(id))
	}

	m, err := at.resolve(src)
	if err != nil {
		return Marker{}, err
	}
	m.ID = id
	m.Armed = true

	e.mu.Lock()
	e.markers[id] = m
	e.mu.Unlock()

	return m, nil
}

// Clear disarms marker id.
func (e *Engine) Clear(id ID) {
	if id != A && id != B {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.markers[id] = Marker{ID: id}
}

// Reset disarms both markers.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.markers = [2]Marker{{ID: A}, {ID: B}}
}

// Invalidate flags the armed markers stale, typically after a mode switch.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.markers {
		if e.markers[i].Armed {
			e.markers[i].Stale = true
		}
	}
}

// Markers returns both markers; unarmed ones have Armed unset.
func (e *Engine) Markers() [2]Marker {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.markers
}

// Stats computes statistics over [min(A,B), max(A,B)] when both markers are
// armed, or over [marker, now) when only one is. ok is false when no marker is
// armed or the interval holds no numeric sample of the markers' mode.
func (e *Engine) Stats(src Source, now time.Time) (IntervalStats, bool) {
	e.mu.RLock()
	armed := make([]Marker, 0, 2)
	for _, m := range e.markers {
		if m.Armed {
			armed = append(armed, m)
		}
	}
	e.mu.RUnlock()

	var st IntervalStats
	switch len(armed) {
	case 0:
		return st, false
	case 1:
		st.From, st.To, st.Open = armed[0].Timestamp, now, true
		st.Mode = armed[0].Mode
		st.Stale = armed[0].Stale
	default:
		first, last := armed[0], armed[1]
		if last.Timestamp.Before(first.Timestamp) {
			first, last = last, first
		}
		st.From, st.To = first.Timestamp, last.Timestamp
		st.Mode = last.Mode
		st.Stale = first.Stale || last.Stale || first.Mode != last.Mode
	}
	st.DeltaT = st.To.Sub(st.From)
	st.Unit = st.Mode.Unit()

	if st.To.Before(st.From) {
		return st, false
	}

	st.Min, st.Max = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, s := range src.Range(st.From, st.To) {
		if s.Mode != st.Mode || (st.Open && !s.Timestamp.Before(st.To)) {
			continue
		}
		if s.Overload || math.IsNaN(s.Value) {
			st.OverloadCount++
			continue
		}
		st.Count++
		sum += s.Value
		st.Min = math.Min(st.Min, s.Value)
		st.Max = math.Max(st.Max, s.Value)
	}

	if st.Count == 0 {
		st.Min, st.Max = 0, 0
		return st, false
	}
	st.Mean = sum / float64(st.Count)

	return st, true
}
