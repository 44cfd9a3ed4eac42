package enrichment

import (
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"

	"argus/pkg/models"
)

// GeoResolver fills src/dest country codes from an MMDB database.
// A nil resolver is valid and does nothing: geo enrichment is optional.
type GeoResolver struct {
	db *geoip2.Reader
}

// NewGeoResolver opens an MMDB file. An empty path or a missing file
// degrades gracefully to a nil resolver.
func NewGeoResolver(mmdbPath string) (*GeoResolver, error) {
	if mmdbPath == "" {
		return nil, nil
	}
	db, err := geoip2.Open(mmdbPath)
	if err != nil {
		if strings.Contains(err.Error(), "no such file") || strings.Contains(err.Error(), "cannot find") {
			return nil, nil
		}
		return nil, err
	}
	return &GeoResolver{db: db}, nil
}

// Country returns the ISO country code for an IP, "" when unknown.
// Private and unparsable addresses resolve to "".
func (g *GeoResolver) Country(ipStr string) string {
	if g == nil || g.db == nil {
		return ""
	}
	ip := net.ParseIP(ipStr)
	if ip == nil || ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() {
		return ""
	}
	record, err := g.db.Country(ip)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

// Enrich fills the event's country fields when absent.
func (g *GeoResolver) Enrich(e *models.Event) {
	if g == nil {
		return
	}
	if e.SrcCountry == "" {
		e.SrcCountry = g.Country(e.SourceIP)
	}
	if e.DestCountry == "" && e.DestIP != "" {
		e.DestCountry = g.Country(e.DestIP)
	}
}

// Close releases the MMDB handle.
func (g *GeoResolver) Close() error {
	if g == nil || g.db == nil {
		return nil
	}
	return g.db.Close()
}
