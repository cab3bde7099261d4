package platform

import (
	"errors"
	"strings"
)

var (
	ErrConfigParse     = errors.New("config_parse")
	ErrUnknownPlatform = errors.New("unknown_platform")
	ErrNotSelected     = errors.New("not_selected")
)

// ConfigParseError identifies the platform record that failed to load.
// Any ConfigParseError aborts the whole load.
type ConfigParseError struct {
	File     string // source file, empty for records built in code
	Platform string // platform id when known
	Field    string // offending field path, e.g. "commands.i2c_read"
	Err      error
}

func (e *ConfigParseError) Error() string {
	parts := []string{ErrConfigParse.Error()}
	if e.File != "" {
		parts = append(parts, e.File)
	}
	if e.Platform != "" {
		parts = append(parts, "platform "+e.Platform)
	}
	if e.Field != "" {
		parts = append(parts, e.Field)
	}
	msg := strings.Join(parts, ": ")
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigParseError) Unwrap() error { return e.Err }

func (e *ConfigParseError) Is(target error) bool { return target == ErrConfigParse }

func fieldErr(field string, err error) *ConfigParseError {
	return &ConfigParseError{Field: field, Err: err}
}
