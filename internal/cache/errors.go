package cache

import (
	"errors"
	"fmt"
)

// ErrInvalidDescriptor is returned by Discover when a descriptor fails validation.
var ErrInvalidDescriptor = errors.New("invalid descriptor")

// ConfigurationError is returned by New when an option is out of range.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", e.Field, e.Reason)
}
