package parsers

import (
	"errors"
	"fmt"

	"argus/pkg/models"
)

// Built-in parser names, usable as log-source bindings.
const (
	NameJSON     = "JSON"
	NameSyslog   = "Syslog"
	NameCEF      = "CEF"
	NameKeyValue = "KeyValue"

	// BindingUnknown is the negative log-source binding: the source is
	// known and no parser applies.
	BindingUnknown = "unknown"
)

var (
	ErrNoMatch     = errors.New("parser did not match input")
	ErrEmptyInput  = errors.New("empty input")
	ErrBadTemplate = errors.New("invalid parser definition body")
)

// Parser turns one raw log line into a ParsedEvent. Implementations
// return ErrNoMatch (possibly wrapped) when the input is not theirs.
type Parser interface {
	Name() string
	Parse(raw string) (*models.ParsedEvent, error)
}

// ParseError wraps a parser failure with the parser that produced it.
type ParseError struct {
	Parser string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parser %s: %v", e.Parser, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
