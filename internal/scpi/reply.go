package scpi

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/units"
)

// OverloadThreshold is the magnitude from which a numeric reply is the
// meter's overload placeholder (SCPI uses 9.9E37).
const OverloadThreshold = 9.9e37

// Reading is a parsed MEAS? reply. Value is in base units and meaningless
// when Overload is set.
type Reading struct {
	Value    float64
	Unit     units.Unit
	Overload bool
	Tag      string
	Raw      string
}

var (
	numberPrefix = regexp.MustCompile(`^[+-]?(?:\d+(?:\.\d*)?|\.\d+)(?:[eE][+-]?\d+)?`)

	overloadTokens = map[string]struct{}{
		"OL":       {},
		"OVLD":     {},
		"OVERLOAD": {},
		"OVER":     {},
		"INF":      {},
	}
)

// ParseReading parses a measurement reply: a signed decimal with optional
// exponent, an optional SI-prefixed unit and an optional tag separated by a
// comma or whitespace.
func ParseReading(raw string) (Reading, error) {
	text := strings.TrimSpace(raw)
	r := Reading{Raw: raw}

	if isOverloadToken(text) {
		r.Overload = true
		r.Value = math.NaN()
		return r, nil
	}

	num := numberPrefix.FindString(text)
	if num == "" {
		return r, malformed(raw)
	}
	value, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return r, errors.New().Wrap(errors.ErrMalformedReply, err)
	}

	rest := text[len(num):]
	spaced := rest != "" && (rest[0] == ' ' || rest[0] == '\t')
	rest = strings.TrimLeft(rest, " \t")

	head, tail := rest, ""
	if i := strings.IndexAny(rest, ", \t"); i >= 0 {
		head, tail = rest[:i], strings.TrimLeft(rest[i+1:], " \t,")
	}

	scale, unit := 1.0, units.None
	if head != "" {
		scale, unit, err = units.ParseSuffix(head)
		switch {
		case err == nil:
		case spaced && tail == "":
			// "1.23 AUTO": a bare tag after the number
			scale, unit, tail = 1, units.None, head
		default:
			return r, malformed(raw)
		}
	}

	r.Value = value * scale
	r.Unit = unit
	r.Tag = tail

	if math.Abs(value) >= OverloadThreshold || math.IsInf(r.Value, 0) {
		r.Overload = true
		r.Value = math.NaN()
	}

	return r, nil
}

func isOverloadToken(text string) bool {
	token := strings.ToUpper(strings.TrimLeft(text, "+-"))
	if i := strings.IndexAny(token, ", \t"); i >= 0 {
		token = token[:i]
	}
	_, ok := overloadTokens[token]

	return ok
}

func malformed(raw string) error {
	return errors.New().WithData(errors.ErrMalformedReply, strconv.Quote(raw))
}
