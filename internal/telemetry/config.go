package telemetry

import (
	"regexp"

	"codeberg.org/mutker/dmmctl/internal/errors"
)

const defaultNamespace = "dmm"

var namespacePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type Config struct {
	Enabled   bool
	Namespace string
}

func DefaultConfig() Config {
	return Config{
		Namespace: defaultNamespace,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()
	if c.Enabled && !namespacePattern.MatchString(c.Namespace) {
		return errFactory.WithData(ErrInvalidNamespace, c.Namespace)
	}
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
