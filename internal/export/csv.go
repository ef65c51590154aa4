package export

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/units"
)

var csvHeader = []string{
	"timestamp_iso",
	"t_rel_s",
	"mode",
	"unit",
	"value_raw",
	"value_human",
	"out_of_range",
	"overload",
}

// WriteCSV writes rows as semicolon separated values with a header line.
// Overload rows leave value_raw empty and show OL.
func WriteCSV(w io.Writer, rows []Row) error {
	errFactory := errors.New()

	cw := csv.NewWriter(w)
	cw.Comma = CSVSeparator

	if err := cw.Write(csvHeader); err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	for _, r := range rows {
		raw, human := "", "OL"
		if !r.Overload {
			raw = strconv.FormatFloat(r.Value, 'g', -1, 64)
			human = units.Humanize(r.Value, r.Unit)
		}

		record := []string{
			r.Timestamp.Format(time.RFC3339Nano),
			strconv.FormatFloat(r.RelSeconds, 'f', 3, 64),
			r.Mode.String(),
			r.Unit.Symbol(),
			raw,
			human,
			strconv.Itoa(boolToInt(r.OutOfRange)),
			strconv.Itoa(boolToInt(r.Overload)),
		}
		if err := cw.Write(record); err != nil {
			return errFactory.Wrap(ErrWriteFailed, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	return nil
}

// WriteCSVFile writes rows to path, creating parent directories.
func WriteCSVFile(path string, rows []Row) error {
	errFactory := errors.New()

	if err := os.MkdirAll(filepath.Dir(path), defaultDirPerm); err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFilePerm)
	if err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	if err := WriteCSV(f, rows); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return errFactory.Wrap(ErrWriteFailed, err)
	}

	return nil
}
