package paged

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-pagedattn/internal/metrics"
)

// ErrConfiguration matches every ConfigError via errors.Is.
var ErrConfiguration = errors.New("paged attention configuration error")

// ConfigError reports a shape, dtype or divisibility mismatch detected
// before any block executes. It is fatal for the call and never retried.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

func configErrorf(field, format string, args ...interface{}) error {
	metrics.RecordConfigError(field)
	return &ConfigError{Field: field, Msg: fmt.Sprintf(format, args...)}
}
