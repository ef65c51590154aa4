package errors

// ErrorCode represents a unique identifier for each error type. Codes are
// stable and are used by the scheduler to classify per-cycle failures.
type ErrorCode string

// Class tells the acquisition loop how to treat a failed cycle.
type Class int

const (
	// Permanent errors are structural; callers see them unchanged.
	Permanent Class = iota
	// Transient errors count against the consecutive failure threshold.
	Transient
	// Fatal errors stop acquisition at once.
	Fatal
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "permanent"
	}
}

// Error represents a domain-specific error with context
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory defines methods for creating domain errors
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
