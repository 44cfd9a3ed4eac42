package parsers

import (
	"github.com/sirupsen/logrus"

	"argus/pkg/models"
)

// Source types derived when no log-source binding names one.
const (
	SourceTypeAutoDetected = "Auto-detected"
)

// Result carries the dispatch outcome for one raw event.
type Result struct {
	Parsed         *models.ParsedEvent
	ParserUsed     string
	SourceTypeUsed string
	Status         string
}

// Registry holds the built-in parsers in try-all order.
type Registry struct {
	builtins []Parser
	byName   map[string]Parser
	logger   *logrus.Logger
}

// NewRegistry builds the registry with the standard built-ins. JSON runs
// first in auto-detection: it is the cheapest to reject.
func NewRegistry(logger *logrus.Logger) *Registry {
	builtins := []Parser{
		&JSONParser{},
		&SyslogParser{},
		&CEFParser{},
		&KeyValueParser{},
	}
	byName := make(map[string]Parser, len(builtins))
	for _, p := range builtins {
		byName[p.Name()] = p
	}
	return &Registry{builtins: builtins, byName: byName, logger: logger}
}

// Builtin returns a built-in parser by name.
func (r *Registry) Builtin(name string) (Parser, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Dispatch resolves a parser for one raw event and runs it.
//
// binding is the log-source cache value for the event's source_ip ("" if
// unbound, BindingUnknown for a negative binding). tenantParsers are the
// compiled custom parsers already filtered to the event's tenant.
//
//  1. A positive binding names a built-in or a tenant parser; try it.
//  2. Otherwise try every built-in, then every tenant parser; first
//     non-trivial result wins.
//  3. source_type_used: a positive binding always wins, even when the
//     bound parser rejected the line and another one matched (taxonomy
//     rules are written against the bound source type); else vendor,
//     else "Syslog" when the parse produced a facility, else
//     "Auto-detected".
//  4. Nothing matched: unparsed result, taxonomy still runs on the raw
//     message downstream.
func (r *Registry) Dispatch(binding string, tenantParsers []Parser, raw string) Result {
	bound := binding != "" && binding != BindingUnknown
	sourceType := func(parsed *models.ParsedEvent) string {
		if bound {
			return binding
		}
		return deriveSourceType(parsed)
	}

	if bound {
		if p := r.resolve(binding, tenantParsers); p != nil {
			parsed, err := p.Parse(raw)
			if err == nil && !parsed.IsTrivial() {
				return Result{
					Parsed:         parsed,
					ParserUsed:     p.Name(),
					SourceTypeUsed: binding,
					Status:         models.ParsingStatusParsed,
				}
			}
			if r.logger != nil && err != nil {
				r.logger.WithFields(logrus.Fields{
					"parser": p.Name(),
					"error":  err.Error(),
				}).Debug("Bound parser rejected event, falling back to auto-detection")
			}
		}
	}

	for _, p := range r.builtins {
		parsed, err := p.Parse(raw)
		if err != nil || parsed.IsTrivial() {
			continue
		}
		return Result{
			Parsed:         parsed,
			ParserUsed:     p.Name(),
			SourceTypeUsed: sourceType(parsed),
			Status:         models.ParsingStatusParsed,
		}
	}
	for _, p := range tenantParsers {
		parsed, err := p.Parse(raw)
		if err != nil || parsed.IsTrivial() {
			continue
		}
		return Result{
			Parsed:         parsed,
			ParserUsed:     p.Name(),
			SourceTypeUsed: sourceType(parsed),
			Status:         models.ParsingStatusParsed,
		}
	}

	unparsedType := SourceTypeAutoDetected
	if bound {
		unparsedType = binding
	}
	return Result{
		SourceTypeUsed: unparsedType,
		Status:         models.ParsingStatusUnparsed,
	}
}

func (r *Registry) resolve(name string, tenantParsers []Parser) Parser {
	if p, ok := r.byName[name]; ok {
		return p
	}
	for _, p := range tenantParsers {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

func deriveSourceType(parsed *models.ParsedEvent) string {
	if parsed.Vendor != "" {
		return parsed.Vendor
	}
	if parsed.Facility != "" {
		return NameSyslog
	}
	return SourceTypeAutoDetected
}
