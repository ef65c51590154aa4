// Package gonogo checks measurements against a reference value and a
// tolerance.
package gonogo

import (
	"math"
	"strings"
	"sync"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/measurement"
)

// Kind selects how the tolerance magnitude is interpreted.
type Kind int

const (
	Percent Kind = iota
	Absolute
)

func (k Kind) String() string {
	if k == Absolute {
		return "ABSOLUTE"
	}
	return "PERCENT"
}

// ParseKind accepts "percent"/"%" and "absolute"/"abs".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "percent", "%", "pct":
		return Percent, nil
	case "absolute", "abs":
		return Absolute, nil
	}

	return Percent, errors.New().WithData(errors.ErrInvalidConfig, "unknown tolerance kind "+s)
}

// ToleranceSpec is the reference and allowed deviation for one run.
type ToleranceSpec struct {
	Reference float64
	Kind      Kind
	Magnitude float64
}

// PercentOf returns a percent tolerance around reference.
func PercentOf(reference, percent float64) ToleranceSpec {
	return ToleranceSpec{Reference: reference, Kind: Percent, Magnitude: percent}
}

// Validate rejects specs that cannot produce a meaningful verdict.
func (t ToleranceSpec) Validate() error {
	errFactory := errors.New()

	switch {
	case math.IsNaN(t.Reference) || math.IsInf(t.Reference, 0):
		return errFactory.WithMessage(errors.ErrInvalidConfig, "reference must be a finite number")
	case math.IsNaN(t.Magnitude) || math.IsInf(t.Magnitude, 0) || t.Magnitude < 0:
		return errFactory.WithMessage(errors.ErrInvalidConfig, "tolerance must be a non-negative number")
	case t.Kind == Percent && t.Reference == 0:
		return errFactory.WithMessage(errors.ErrInvalidConfig, "percent tolerance needs a non-zero reference")
	case t.Kind != Percent && t.Kind != Absolute:
		return errFactory.WithData(errors.ErrInvalidConfig, int(t.Kind))
	}

	return nil
}

// Band returns the absolute allowed deviation.
func (t ToleranceSpec) Band() float64 {
	if t.Kind == Percent {
		return t.Magnitude / 100 * math.Abs(t.Reference)
	}
	return t.Magnitude
}

// Status is the outcome of one evaluation.
type Status int

const (
	NoData Status = iota
	Pass
	Fail
)

func (s Status) String() string {
	switch s {
	case Pass:
		return "PASS"
	case Fail:
		return "FAIL"
	default:
		return "NO_DATA"
	}
}

// Verdict is the result of evaluating one sample.
type Verdict struct {
	Status           Status
	Measured         float64
	Deviation        float64
	DeviationPercent float64
	Lower            float64
	Upper            float64
	Stale            bool
}

// relEpsilon absorbs binary rounding at the band edge, so 10 ± 1 % accepts
// exactly 10.1.
const relEpsilon = 1e-12

// Evaluator holds the armed tolerance spec and the last verdict.
type Evaluator struct {
	mu    sync.RWMutex
	spec  ToleranceSpec
	armed bool
	stale bool
	last  Verdict
}

func New() *Evaluator {
	return &Evaluator{}
}

// Configure arms the evaluator with spec.
func (e *Evaluator) Configure(spec ToleranceSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.spec = spec
	e.armed = true
	e.stale = false
	e.last = Verdict{Status: NoData}

	return nil
}

// Clear disarms the evaluator.
func (e *Evaluator) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.spec = ToleranceSpec{}
	e.armed = false
	e.stale = false
	e.last = Verdict{}
}

// Invalidate marks the run stale, typically after a mode switch. Evaluations
// return NO_DATA until Configure is called again.
func (e *Evaluator) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.armed {
		e.stale = true
		e.last = Verdict{Status: NoData, Stale: true}
	}
}

// Spec returns the armed spec.
func (e *Evaluator) Spec() (ToleranceSpec, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.spec, e.armed
}

// Evaluate computes and stores the verdict for s.
func (e *Evaluator) Evaluate(s measurement.Sample) Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.armed {
		return Verdict{Status: NoData}
	}

	band := e.spec.Band()
	v := Verdict{
		Status: NoData,
		Lower:  e.spec.Reference - band,
		Upper:  e.spec.Reference + band,
		Stale:  e.stale,
	}

	if e.stale || s.Overload || math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		v.Measured = math.NaN()
		e.last = v
		return v
	}

	v.Measured = s.Value
	v.Deviation = s.Value - e.spec.Reference
	if e.spec.Reference != 0 {
		v.DeviationPercent = v.Deviation / math.Abs(e.spec.Reference) * 100
	}

	slack := relEpsilon * math.Max(math.Abs(e.spec.Reference), band)
	if math.Abs(v.Deviation) <= band+slack {
		v.Status = Pass
	} else {
		v.Status = Fail
	}
	e.last = v

	return v
}

// Last returns the most recent verdict.
func (e *Evaluator) Last() Verdict {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.last
}
