package errors

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Instrument errors
	ErrConnection      ErrorCode = "connection_failed"
	ErrTimeout         ErrorCode = "operation_timeout"
	ErrProtocol        ErrorCode = "protocol_mismatch"
	ErrMalformedReply  ErrorCode = "malformed_reply"
	ErrUnsupportedMode ErrorCode = "unsupported_mode"

	// Resource errors
	ErrResourceBusy     ErrorCode = "resource_busy"
	ErrResourceNotFound ErrorCode = "resource_not_found"

	// Operation errors
	ErrInvalidOperation ErrorCode = "invalid_operation"
	ErrShutdownFailed   ErrorCode = "shutdown_failed"

	// Export errors
	ErrExportFailed ErrorCode = "export_failed"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrInternal:         "Internal error occurred",
	ErrInvalidArgument:  "Invalid argument provided",
	ErrInvalidConfig:    "Invalid configuration",
	ErrBindFlags:        "Failed to bind flags",
	ErrReadConfig:       "Failed to read configuration",
	ErrInvalidLogLevel:  "Invalid log level",
	ErrConnection:       "Connection to instrument failed",
	ErrTimeout:          "Operation timed out",
	ErrProtocol:         "Instrument identification mismatch",
	ErrMalformedReply:   "Malformed reply from instrument",
	ErrUnsupportedMode:  "Measurement mode not supported",
	ErrResourceBusy:     "Resource is busy",
	ErrResourceNotFound: "Resource not found",
	ErrInvalidOperation: "Invalid operation",
	ErrShutdownFailed:   "Shutdown failed",
	ErrExportFailed:     "Export failed",
}

var codeClasses = map[ErrorCode]Class{
	ErrTimeout:        Transient,
	ErrMalformedReply: Transient,
	ErrConnection:     Fatal,
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
