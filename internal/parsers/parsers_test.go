package parsers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONParser(t *testing.T) {
	p := &JSONParser{}

	parsed, err := p.Parse(`{"user":"alice","action":"login","src_ip":"10.0.0.1","status_code":403,"custom":"x"}`)
	require.NoError(t, err)
	assert.Equal(t, "alice", parsed.UserName)
	assert.Equal(t, "login", parsed.Action)
	assert.Equal(t, "10.0.0.1", parsed.SourceIP)
	assert.Equal(t, uint16(403), parsed.HTTPStatusCode)
	assert.Equal(t, "x", parsed.Extra["custom"])
	assert.False(t, parsed.IsTrivial())

	_, err = p.Parse("plain text line")
	assert.ErrorIs(t, err, ErrNoMatch)

	_, err = p.Parse("  ")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestJSONParser_Timestamps(t *testing.T) {
	p := &JSONParser{}

	parsed, err := p.Parse(`{"timestamp":"2023-11-14T22:13:20Z","user":"bob"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), parsed.Timestamp.Unix())

	parsed, err = p.Parse(`{"timestamp":1700000000,"user":"bob"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), parsed.Timestamp.Unix())

	// Milliseconds
	parsed, err = p.Parse(`{"timestamp":1700000000000,"user":"bob"}`)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), parsed.Timestamp.Unix())
}

func TestSyslogParser_RFC3164(t *testing.T) {
	p := &SyslogParser{}

	parsed, err := p.Parse(`<34>Oct 11 22:14:15 mymachine su[231]: 'su root' failed for lonvick`)
	require.NoError(t, err)
	assert.Equal(t, "auth", parsed.Facility)
	assert.Equal(t, "Critical", parsed.Severity)
	assert.Equal(t, "mymachine", parsed.Hostname)
	assert.Equal(t, "su", parsed.AppName)
	assert.Equal(t, int64(231), parsed.ProcessID)
	assert.Equal(t, "'su root' failed for lonvick", parsed.Message)
	assert.Equal(t, time.October, parsed.Timestamp.Month())
}

func TestSyslogParser_RFC5424(t *testing.T) {
	p := &SyslogParser{}

	parsed, err := p.Parse(`<165>1 2023-11-14T22:13:20.000Z host01 evntslog 1024 ID47 [exampleSDID@32473 iut="3" eventSource="Application"] An application event`)
	require.NoError(t, err)
	assert.Equal(t, "local4", parsed.Facility)
	assert.Equal(t, "Notice", parsed.Severity)
	assert.Equal(t, "host01", parsed.Hostname)
	assert.Equal(t, "evntslog", parsed.AppName)
	assert.Equal(t, int64(1024), parsed.ProcessID)
	assert.Equal(t, "3", parsed.Extra["iut"])
	assert.Equal(t, "An application event", parsed.Message)
	assert.Equal(t, int64(1700000000), parsed.Timestamp.Unix())
}

func TestSyslogParser_NoMatch(t *testing.T) {
	p := &SyslogParser{}
	_, err := p.Parse(`{"json":"object"}`)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestCEFParser(t *testing.T) {
	p := &CEFParser{}

	parsed, err := p.Parse(`CEF:0|Check Point|VPN-1|4.1|spoof|Address spoofing|7|src=10.0.0.5 dst=2.1.2.2 spt=1232 act=blocked msg=port scan detected`)
	require.NoError(t, err)
	assert.Equal(t, "Check Point", parsed.Vendor)
	assert.Equal(t, "VPN-1", parsed.Product)
	assert.Equal(t, "spoof", parsed.SignatureID)
	assert.Equal(t, "Address spoofing", parsed.SignatureName)
	assert.Equal(t, "7", parsed.Severity)
	assert.Equal(t, "10.0.0.5", parsed.SourceIP)
	assert.Equal(t, "2.1.2.2", parsed.DestIP)
	assert.Equal(t, uint16(1232), parsed.SrcPort)
	assert.Equal(t, "blocked", parsed.Action)
	assert.Equal(t, "port scan detected", parsed.Message)

	_, err = p.Parse("not a cef line")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestKeyValueParser(t *testing.T) {
	p := &KeyValueParser{}

	parsed, err := p.Parse(`src_ip=192.168.1.10 dst_ip=8.8.8.8 proto=udp action=allow msg="dns query" vendor=Fortinet`)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10", parsed.SourceIP)
	assert.Equal(t, "8.8.8.8", parsed.DestIP)
	assert.Equal(t, "udp", parsed.Protocol)
	assert.Equal(t, "allow", parsed.Action)
	assert.Equal(t, "dns query", parsed.Message)
	assert.Equal(t, "Fortinet", parsed.Vendor)

	_, err = p.Parse("no pairs here")
	assert.ErrorIs(t, err, ErrNoMatch)
}
