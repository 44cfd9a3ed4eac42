package enrichment

import (
	"strings"
	"sync/atomic"

	"argus/internal/parsers"
	"argus/pkg/models"
)

// snapshot is one immutable generation of the enrichment data. The
// refresher is the single writer; readers load the pointer and never
// see a partially updated generation.
type snapshot struct {
	logSources    map[string]string // source_ip -> parser type name
	taxonomy      []models.TaxonomyRule
	customParsers []compiledParser
	threatSet     map[string]struct{}
}

type compiledParser struct {
	tenantID string
	parser   parsers.Parser
}

// Caches exposes the enrichment snapshot to the ingestion hot path.
type Caches struct {
	current atomic.Pointer[snapshot]
}

func NewCaches() *Caches {
	c := &Caches{}
	c.current.Store(&snapshot{
		logSources: map[string]string{},
		threatSet:  map[string]struct{}{},
	})
	return c
}

// Binding returns the log-source binding for an IP, "" when unbound.
// A negative binding returns parsers.BindingUnknown.
func (c *Caches) Binding(sourceIP string) string {
	return c.current.Load().logSources[sourceIP]
}

// TenantParsers returns the compiled custom parsers for one tenant.
func (c *Caches) TenantParsers(tenantID string) []parsers.Parser {
	snap := c.current.Load()
	var out []parsers.Parser
	for _, cp := range snap.customParsers {
		if cp.tenantID == tenantID {
			out = append(out, cp.parser)
		}
	}
	return out
}

// Classify runs the taxonomy scan: first rule whose {tenant_id,
// source_type} matches and whose checked field case-insensitively
// contains value_to_match sets the triple. No match leaves the
// Unknown defaults in place.
func (c *Caches) Classify(e *models.Event) {
	snap := c.current.Load()
	for i := range snap.taxonomy {
		rule := &snap.taxonomy[i]
		if rule.TenantID != e.TenantID || rule.SourceType != e.SourceType {
			continue
		}
		var haystack string
		switch rule.FieldToCheck {
		case models.TaxonomyFieldRawMessage:
			haystack = e.RawEvent
		case models.TaxonomyFieldSourceIP:
			haystack = e.SourceIP
		default:
			continue
		}
		if !containsFold(haystack, rule.ValueToMatch) {
			continue
		}
		e.EventCategory = rule.EventCategory
		e.EventOutcome = rule.EventOutcome
		e.EventAction = rule.EventAction
		return
	}
}

// IsThreat reports whether an IP is in the threat indicator set.
func (c *Caches) IsThreat(ip string) bool {
	_, ok := c.current.Load().threatSet[ip]
	return ok
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
