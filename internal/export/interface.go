package export

import (
	"time"

	"codeberg.org/mutker/dmmctl/internal/measurement"
	"codeberg.org/mutker/dmmctl/internal/units"
)

// Row is one exported sample.
type Row struct {
	Seq        uint64
	Timestamp  time.Time
	RelSeconds float64
	Value      float64
	Unit       units.Unit
	Mode       measurement.Mode
	OutOfRange bool
	Overload   bool
}

// DumpInfo describes a database dump.
type DumpInfo struct {
	Instrument string
	CreatedAt  time.Time
}

// Rows converts samples into export rows, with relative time measured from
// the first sample.
func Rows(samples []measurement.Sample) []Row {
	if len(samples) == 0 {
		return nil
	}

	origin := samples[0].Timestamp
	rows := make([]Row, 0, len(samples))
	for _, s := range samples {
		rows = append(rows, Row{
			Seq:        s.Seq,
			Timestamp:  s.Timestamp,
			RelSeconds: s.Timestamp.Sub(origin).Seconds(),
			Value:      s.Value,
			Unit:       s.Unit,
			Mode:       s.Mode,
			OutOfRange: s.OutOfRange,
			Overload:   s.Overload,
		})
	}

	return rows
}
