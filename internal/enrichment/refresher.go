package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"argus/internal/parsers"
	"argus/pkg/models"
)

// Refresher periodically rebuilds the enrichment snapshot from the
// configuration API. Each endpoint failure keeps that cache's previous
// generation and logs a warning; the others still advance.
type Refresher struct {
	baseURL string
	client  *http.Client
	caches  *Caches
	logger  *logrus.Logger
}

func NewRefresher(baseURL string, caches *Caches, logger *logrus.Logger) *Refresher {
	return &Refresher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		caches:  caches,
		logger:  logger,
	}
}

// Start refreshes immediately, then every interval until ctx ends.
func (r *Refresher) Start(ctx context.Context, interval time.Duration) {
	go func() {
		r.RefreshAll(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RefreshAll(ctx)
			}
		}
	}()
}

// RefreshAll fetches all four caches and swaps in a new snapshot.
func (r *Refresher) RefreshAll(ctx context.Context) {
	prev := r.caches.current.Load()
	next := &snapshot{
		logSources:    prev.logSources,
		taxonomy:      prev.taxonomy,
		customParsers: prev.customParsers,
		threatSet:     prev.threatSet,
	}

	if sources, err := r.fetchLogSources(ctx); err != nil {
		r.logger.WithError(err).Warn("Log source refresh failed, keeping previous cache")
	} else {
		next.logSources = sources
	}

	if rules, err := r.fetchTaxonomy(ctx); err != nil {
		r.logger.WithError(err).Warn("Taxonomy refresh failed, keeping previous cache")
	} else {
		next.taxonomy = rules
	}

	if compiled, err := r.fetchParsers(ctx); err != nil {
		r.logger.WithError(err).Warn("Custom parser refresh failed, keeping previous cache")
	} else {
		next.customParsers = compiled
	}

	if threats, err := r.fetchThreatIntel(ctx); err != nil {
		r.logger.WithError(err).Warn("Threat intel refresh failed, keeping previous cache")
	} else {
		next.threatSet = threats
	}

	r.caches.current.Store(next)
	r.logger.WithFields(logrus.Fields{
		"log_sources":    len(next.logSources),
		"taxonomy_rules": len(next.taxonomy),
		"custom_parsers": len(next.customParsers),
		"threat_ips":     len(next.threatSet),
	}).Debug("Enrichment caches refreshed")
}

func (r *Refresher) fetchLogSources(ctx context.Context) (map[string]string, error) {
	var sources []models.LogSource
	if err := r.fetchJSON(ctx, "/api/v1/logsources", &sources); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(sources))
	for _, s := range sources {
		if s.SourceIP == "" {
			continue
		}
		out[s.SourceIP] = s.ParserType
	}
	return out, nil
}

func (r *Refresher) fetchTaxonomy(ctx context.Context) ([]models.TaxonomyRule, error) {
	var rules []models.TaxonomyRule
	if err := r.fetchJSON(ctx, "/api/v1/taxonomy", &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func (r *Refresher) fetchParsers(ctx context.Context) ([]compiledParser, error) {
	var defs []models.CustomParserDef
	if err := r.fetchJSON(ctx, "/api/v1/parsers", &defs); err != nil {
		return nil, err
	}
	compiled := make([]compiledParser, 0, len(defs))
	for _, def := range defs {
		p, err := parsers.Compile(def)
		if err != nil {
			// A definition that stopped compiling is skipped, not fatal.
			r.logger.WithFields(logrus.Fields{
				"tenant_id": def.TenantID,
				"parser":    def.ParserName,
				"error":     err.Error(),
			}).Warn("Skipping custom parser that failed to compile")
			continue
		}
		compiled = append(compiled, compiledParser{tenantID: def.TenantID, parser: p})
	}
	return compiled, nil
}

func (r *Refresher) fetchThreatIntel(ctx context.Context) (map[string]struct{}, error) {
	var ips []string
	if err := r.fetchJSON(ctx, "/api/v1/threat-intel", &ips); err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		if ip != "" {
			out[ip] = struct{}{}
		}
	}
	return out, nil
}

func (r *Refresher) fetchJSON(ctx context.Context, path string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("fetch %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
