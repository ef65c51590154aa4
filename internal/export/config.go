package export

import "codeberg.org/mutker/dmmctl/internal/errors"

const (
	// File system permissions
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644

	// CSVSeparator matches the spreadsheet locale the CSV layout targets.
	CSVSeparator = ';'
)

type Config struct {
	CSVPath string
	DBPath  string
	// BackupOnMigrate copies an outdated database aside before the schema
	// is recreated.
	BackupOnMigrate bool
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.CSVPath != "" && c.CSVPath == c.DBPath {
		return errFactory.WithData(ErrInvalidConfig, struct {
			Field string
			Value string
		}{"export_db", c.DBPath})
	}
	return nil
}

// Enabled reports whether any export target is configured.
func (c Config) Enabled() bool {
	return c.CSVPath != "" || c.DBPath != ""
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
