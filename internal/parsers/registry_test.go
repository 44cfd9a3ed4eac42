package parsers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/pkg/models"
)

func TestDispatch_BoundBuiltin(t *testing.T) {
	r := NewRegistry(nil)

	res := r.Dispatch(NameJSON, nil, `{"user":"alice","source_ip":"10.0.0.1"}`)
	assert.Equal(t, models.ParsingStatusParsed, res.Status)
	assert.Equal(t, NameJSON, res.ParserUsed)
	assert.Equal(t, NameJSON, res.SourceTypeUsed)
	assert.Equal(t, "alice", res.Parsed.UserName)
}

func TestDispatch_BoundParserFallsBack(t *testing.T) {
	r := NewRegistry(nil)

	// Bound to JSON but payload is syslog: auto-detection takes over,
	// but the binding still names the source type so taxonomy rules
	// keyed on it keep matching.
	res := r.Dispatch(NameJSON, nil, `<34>Oct 11 22:14:15 fw01 kernel: dropped packet`)
	assert.Equal(t, models.ParsingStatusParsed, res.Status)
	assert.Equal(t, NameSyslog, res.ParserUsed)
	assert.Equal(t, NameJSON, res.SourceTypeUsed)
}

func TestDispatch_BindingWinsWhenUnparsed(t *testing.T) {
	r := NewRegistry(nil)

	res := r.Dispatch("firewall", nil, "completely freeform text with no structure")
	assert.Equal(t, models.ParsingStatusUnparsed, res.Status)
	assert.Equal(t, "firewall", res.SourceTypeUsed)
	assert.Nil(t, res.Parsed)
}

func TestDispatch_NegativeBindingAutoDetects(t *testing.T) {
	r := NewRegistry(nil)

	res := r.Dispatch(BindingUnknown, nil, `CEF:0|Palo Alto|PA|9.1|threat|Threat detected|8|src=10.0.0.2`)
	assert.Equal(t, models.ParsingStatusParsed, res.Status)
	assert.Equal(t, NameCEF, res.ParserUsed)
	assert.Equal(t, "Palo Alto", res.SourceTypeUsed)
}

func TestDispatch_TenantParser(t *testing.T) {
	r := NewRegistry(nil)

	custom, err := Compile(models.CustomParserDef{
		TenantID:   "t1",
		ParserName: "apache",
		ParserType: TypeRegex,
		Body:       `^(?P<source_ip>\S+) - (?P<user_name>\S+) "(?P<http_method>\w+) (?P<uri_path>\S+)`,
	})
	require.NoError(t, err)

	res := r.Dispatch("apache", []Parser{custom}, `198.51.100.1 - frank "GET /index.html HTTP/1.0" 200`)
	assert.Equal(t, models.ParsingStatusParsed, res.Status)
	assert.Equal(t, "apache", res.ParserUsed)
	assert.Equal(t, "apache", res.SourceTypeUsed)
	assert.Equal(t, "frank", res.Parsed.UserName)
	assert.Equal(t, "GET", res.Parsed.HTTPMethod)
}

func TestDispatch_NothingMatches(t *testing.T) {
	r := NewRegistry(nil)

	res := r.Dispatch("", nil, "completely freeform text with no structure")
	assert.Equal(t, models.ParsingStatusUnparsed, res.Status)
	assert.Equal(t, SourceTypeAutoDetected, res.SourceTypeUsed)
	assert.Nil(t, res.Parsed)
}

func TestDispatch_SyslogSourceTypeFromFacility(t *testing.T) {
	r := NewRegistry(nil)

	res := r.Dispatch("", nil, `<13>Feb  5 17:32:18 host10 app: something happened`)
	assert.Equal(t, NameSyslog, res.SourceTypeUsed)
}
