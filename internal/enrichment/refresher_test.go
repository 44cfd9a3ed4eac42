package enrichment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, failTaxonomy bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/logsources", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"source_ip":"10.0.0.1","parser_type":"JSON"},{"source_ip":"10.0.0.9","parser_type":"unknown"}]`))
	})
	mux.HandleFunc("/api/v1/taxonomy", func(w http.ResponseWriter, r *http.Request) {
		if failTaxonomy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`[{"tenant_id":"t1","source_type":"JSON","field_to_check":"raw_message","value_to_match":"login","event_category":"Authentication","event_outcome":"Success","event_action":"User Login"}]`))
	})
	mux.HandleFunc("/api/v1/parsers", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"tenant_id":"t1","parser_name":"sshd","parser_type":"regex","body":"user (?P<user_name>\\S+)"},
			{"tenant_id":"t1","parser_name":"broken","parser_type":"regex","body":"([unclosed"}
		]`))
	})
	mux.HandleFunc("/api/v1/threat-intel", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["203.0.113.66","203.0.113.67"]`))
	})
	return httptest.NewServer(mux)
}

func TestRefreshAll(t *testing.T) {
	server := newTestAPI(t, false)
	defer server.Close()

	logger := logrus.New()
	caches := NewCaches()
	r := NewRefresher(server.URL, caches, logger)
	r.RefreshAll(context.Background())

	assert.Equal(t, "JSON", caches.Binding("10.0.0.1"))
	assert.True(t, caches.IsThreat("203.0.113.66"))

	tenantParsers := caches.TenantParsers("t1")
	require.Len(t, tenantParsers, 1, "uncompilable parser must be skipped")
	assert.Equal(t, "sshd", tenantParsers[0].Name())
	assert.Empty(t, caches.TenantParsers("t2"))
}

func TestRefreshAll_EndpointFailureKeepsPrior(t *testing.T) {
	good := newTestAPI(t, false)
	logger := logrus.New()
	caches := NewCaches()
	r := NewRefresher(good.URL, caches, logger)
	r.RefreshAll(context.Background())
	good.Close()

	bad := newTestAPI(t, true)
	defer bad.Close()
	r2 := NewRefresher(bad.URL, caches, logger)
	r2.RefreshAll(context.Background())

	// Taxonomy endpoint failed: prior rules stay usable.
	snap := caches.current.Load()
	require.Len(t, snap.taxonomy, 1)
	assert.Equal(t, "Authentication", snap.taxonomy[0].EventCategory)
	// The healthy endpoints still advanced.
	assert.True(t, caches.IsThreat("203.0.113.67"))
}

func TestGeoResolver_NilSafe(t *testing.T) {
	r, err := NewGeoResolver("")
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.Equal(t, "", r.Country("8.8.8.8"))
	assert.NoError(t, r.Close())

	r, err = NewGeoResolver("/nonexistent/geo.mmdb")
	require.NoError(t, err)
	assert.Nil(t, r)
}
