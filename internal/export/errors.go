package export

import "codeberg.org/mutker/dmmctl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("export_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("export_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("export_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("export_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("export_transaction_failed")

	// Storage Errors
	ErrStorageInit  = errors.ErrorCode("export_storage_init_failed")
	ErrStorageClose = errors.ErrShutdownFailed

	// Output Errors
	ErrWriteFailed = errors.ErrExportFailed
)
