package export

import (
	"database/sql"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS dumps (
	       id           INTEGER PRIMARY KEY AUTOINCREMENT,
	       created_at   TEXT NOT NULL,
	       instrument   TEXT NOT NULL,
	       sample_count INTEGER NOT NULL CHECK (sample_count >= 0)
	   );
	   CREATE TABLE IF NOT EXISTS samples (
	       dump_id      INTEGER NOT NULL REFERENCES dumps(id) ON DELETE CASCADE,
	       seq          INTEGER NOT NULL,
	       timestamp    TEXT NOT NULL,
	       t_rel_s      REAL NOT NULL,
	       mode         TEXT NOT NULL,
	       unit         TEXT NOT NULL,
	       value        REAL,
	       out_of_range INTEGER NOT NULL CHECK (out_of_range IN (0, 1)),
	       overload     INTEGER NOT NULL CHECK (overload IN (0, 1)),
	       PRIMARY KEY (dump_id, seq)
	   );`

	insertVersionSQL = `INSERT INTO schema_versions (version, applied_at) VALUES (?, datetime('now'))`

	insertDumpSQL = `INSERT INTO dumps (created_at, instrument, sample_count) VALUES (?, ?, ?)`

	insertSampleSQL = `
    INSERT INTO samples (
        dump_id, seq, timestamp, t_rel_s,
        mode, unit, value,
        out_of_range, overload
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectVersionSQL = `SELECT version FROM schema_versions ORDER BY version DESC LIMIT 1`

	tableExistsSQL = `SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type='table' AND name=?)`
)

var managedTables = []string{"samples", "dumps", "schema_versions"}

// InitSchema creates the tables and records the schema version.
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback schema transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "create_tables",
			Error: err.Error(),
		})
	}

	if _, err := tx.Exec(insertVersionSQL, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "record_version",
			Error: err.Error(),
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().Int("version", SchemaVersion).Msg("Export schema initialized")

	return nil
}

// GetSchemaVersion returns the recorded schema version, or 0 for an empty
// database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(selectVersionSQL).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks whether a table exists.
func TableExists(db *sql.DB, table string) (bool, error) {
	var exists bool
	if err := db.QueryRow(tableExistsSQL, table).Scan(&exists); err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: table,
			Error: err.Error(),
		})
	}

	return exists, nil
}
