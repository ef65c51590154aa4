// Package buffer stores acquired samples for the live view and for export.
package buffer

import (
	"math"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/measurement"
)

// Buffer keeps every sample since the last Clear. The live view is the
// suffix starting at liveStart, advanced by Trim. All accessors return
// copies.
type Buffer struct {
	mu        sync.RWMutex
	samples   []measurement.Sample
	liveStart int
	nextSeq   uint64
	yLimit    float64
}

func New() *Buffer {
	return &Buffer{nextSeq: 1}
}

// SetYLimit sets the magnitude above which new samples are flagged out of
// range. Zero disables the check.
func (b *Buffer) SetYLimit(limit float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.yLimit = limit
}

// Append stores s, assigning its sequence number. Samples older than the
// latest stored one are rejected.
func (b *Buffer) Append(s measurement.Sample) (measurement.Sample, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n := len(b.samples); n > 0 && s.Timestamp.Before(b.samples[n-1].Timestamp) {
		return s, errors.New().WithData(errors.ErrInvalidArgument, struct {
			Timestamp time.Time
			Latest    time.Time
		}{s.Timestamp, b.samples[n-1].Timestamp})
	}

	s.Seq = b.nextSeq
	b.nextSeq++
	s.OutOfRange = !s.Overload && b.yLimit > 0 && math.Abs(s.Value) > b.yLimit
	b.samples = append(b.samples, s)

	return s, nil
}

// Trim drops from the live view the samples older than now-retain. The
// export store keeps them.
func (b *Buffer) Trim(now time.Time, retain time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-retain)
	live := b.samples[b.liveStart:]
	b.liveStart += sort.Search(len(live), func(i int) bool {
		return !live[i].Timestamp.Before(cutoff)
	})
}

// Window returns the live samples with Timestamp >= since.
func (b *Buffer) Window(since time.Time) []measurement.Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	live := b.samples[b.liveStart:]
	i := sort.Search(len(live), func(i int) bool {
		return !live[i].Timestamp.Before(since)
	})

	return clone(live[i:])
}

// Live returns the whole live view.
func (b *Buffer) Live() []measurement.Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return clone(b.samples[b.liveStart:])
}

// All returns the export store.
func (b *Buffer) All() []measurement.Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return clone(b.samples)
}

// Range returns stored samples with from <= Timestamp <= to.
func (b *Buffer) Range(from, to time.Time) []measurement.Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()

	lo := sort.Search(len(b.samples), func(i int) bool {
		return !b.samples[i].Timestamp.Before(from)
	})
	hi := sort.Search(len(b.samples), func(i int) bool {
		return b.samples[i].Timestamp.After(to)
	})
	if hi < lo {
		return nil
	}

	return clone(b.samples[lo:hi])
}

// BySeq returns the stored sample with the given sequence number.
func (b *Buffer) BySeq(seq uint64) (measurement.Sample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i := sort.Search(len(b.samples), func(i int) bool {
		return b.samples[i].Seq >= seq
	})
	if i < len(b.samples) && b.samples[i].Seq == seq {
		return b.samples[i], true
	}

	return measurement.Sample{}, false
}

// Nearest returns the last stored sample at or before t, or the first one
// after t when none precedes it.
func (b *Buffer) Nearest(t time.Time) (measurement.Sample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.samples) == 0 {
		return measurement.Sample{}, false
	}
	i := sort.Search(len(b.samples), func(i int) bool {
		return b.samples[i].Timestamp.After(t)
	})
	if i > 0 {
		i--
	}

	return b.samples[i], true
}

// Latest returns the most recent sample.
func (b *Buffer) Latest() (measurement.Sample, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.samples) == 0 {
		return measurement.Sample{}, false
	}

	return b.samples[len(b.samples)-1], true
}

// Len returns the number of samples in the export store.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.samples)
}

// Clear empties both horizons. Sequence numbers keep increasing.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.samples = nil
	b.liveStart = 0
}

func clone(s []measurement.Sample) []measurement.Sample {
	if len(s) == 0 {
		return nil
	}
	out := make([]measurement.Sample, len(s))
	copy(out, s)

	return out
}
