package mapping

import "fmt"

const (
	FieldArguments = "arguments"
	FieldFrom      = "from"
	FieldTo        = "to"
	FieldHeader    = "header"
)

// ConfigError reports malformed or out of range mapping input. Field names the
// offending part of a mapping group and Input carries the raw value.
type ConfigError struct {
	Field string
	Input string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Input == "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Input, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func configError(field, input string, err error) *ConfigError {
	return &ConfigError{Field: field, Input: input, Err: err}
}
