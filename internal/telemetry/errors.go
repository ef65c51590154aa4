package telemetry

import "codeberg.org/mutker/dmmctl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig    = errors.ErrorCode("telemetry_invalid_config")
	ErrInvalidNamespace = errors.ErrorCode("telemetry_invalid_namespace")

	// Registration Errors
	ErrRegister = errors.ErrorCode("telemetry_register_failed")
)
