package export

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/logger"
)

// backupPath names the copy of an outdated database next to the original.
func backupPath(dbPath string, version int, now time.Time) string {
	base := strings.TrimSuffix(dbPath, ".db")
	return fmt.Sprintf("%s_v%d_%s.db", base, version, now.UTC().Format("20060102T150405Z"))
}

func backupDatabase(db *sql.DB, path string, log logger.Logger) error {
	// VACUUM INTO requires no active transaction
	if _, err := db.Exec("VACUUM INTO ?", path); err != nil {
		return errors.New().WithData(ErrSchemaMigrationFailed, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_backup",
			Path:  path,
			Error: err.Error(),
		})
	}

	log.Info().Str("path", path).Msg("Database backup created")

	return nil
}

// ValidateAndUpdateSchema recreates the schema when the database is new or
// carries another version. When backupBase is set, an outdated database is
// first copied next to it.
func ValidateAndUpdateSchema(db *sql.DB, backupBase string, log logger.Logger) error {
	errFactory := errors.New()

	version, err := GetSchemaVersion(db)
	if err != nil {
		return errFactory.Wrap(ErrSchemaValidationFailed, err)
	}

	if version == SchemaVersion {
		log.Debug().Int("version", version).Msg("Schema version is current")
		return nil
	}

	if version != 0 && backupBase != "" {
		if err := backupDatabase(db, backupPath(backupBase, version, time.Now()), log); err != nil {
			return err
		}
	}

	if err := dropTables(db, log); err != nil {
		return err
	}

	return InitSchema(db, log)
}

func dropTables(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaMigrationFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback drop tables")
			}
		}
	}()

	for _, table := range managedTables {
		if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return errFactory.WithData(ErrSchemaMigrationFailed, struct {
				Phase string
				Table string
				Error string
			}{
				Phase: "drop_table",
				Table: table,
				Error: err.Error(),
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaMigrationFailed, err)
	}
	committed = true

	return nil
}
