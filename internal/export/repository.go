package export

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/dmmctl/internal/errors"
	"codeberg.org/mutker/dmmctl/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

// Repository writes dumps into an SQLite database.
type Repository struct {
	db  *sql.DB
	log logger.Logger
	mu  sync.Mutex
}

// Open opens or creates the database at cfg.DBPath and brings its schema up
// to date.
func Open(cfg Config, log logger.Logger) (*Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal=WAL&_foreign_keys=1")
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	backupBase := ""
	if cfg.BackupOnMigrate {
		backupBase = cfg.DBPath
	}
	if err := ValidateAndUpdateSchema(db, backupBase, log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	log.Info().Str("path", cfg.DBPath).Int("schema_version", SchemaVersion).Msg("Export database ready")

	return NewRepository(db, log), nil
}

// NewRepository wraps an initialized database.
func NewRepository(db *sql.DB, log logger.Logger) *Repository {
	return &Repository{db: db, log: log}
}

// Dump stores rows as a new dump in one transaction and returns its id.
func (r *Repository) Dump(ctx context.Context, info DumpInfo, rows []Row) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	errFactory := errors.New()

	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errFactory.Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				r.log.Error().Err(err).Msg("Failed to roll back dump")
			}
		}
	}()

	res, err := tx.ExecContext(ctx, insertDumpSQL,
		info.CreatedAt.UTC().Format(time.RFC3339Nano), info.Instrument, len(rows))
	if err != nil {
		return 0, errFactory.Wrap(ErrTransactionFailed, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.PrepareContext(ctx, insertSampleSQL)
	if err != nil {
		return 0, errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		var value any
		if !row.Overload {
			value = row.Value
		}

		if _, err := stmt.ExecContext(ctx,
			id,
			int64(row.Seq),
			row.Timestamp.UTC().Format(time.RFC3339Nano),
			row.RelSeconds,
			row.Mode.String(),
			row.Unit.Symbol(),
			value,
			boolToInt(row.OutOfRange),
			boolToInt(row.Overload),
		); err != nil {
			return 0, errFactory.WithData(ErrTransactionFailed, struct {
				Seq   uint64
				Error string
			}{row.Seq, err.Error()})
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errFactory.Wrap(ErrTransactionFailed, err)
	}
	committed = true

	r.log.Info().Int64("dump_id", id).Int("samples", len(rows)).Msg("Samples dumped")

	return id, nil
}

func (r *Repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	return nil
}
