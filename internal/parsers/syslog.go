package parsers

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"argus/pkg/models"
)

// SyslogParser handles RFC3164 and RFC5424 flavored lines. The priority
// field decodes to facility and severity; hostname, tag and pid come from
// the header when present.
type SyslogParser struct{}

func (p *SyslogParser) Name() string { return NameSyslog }

var facilityNames = []string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "authpriv", "ftp", "ntp", "audit", "alert", "clock",
	"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
}

var severityNames = []string{
	"Emergency", "Alert", "Critical", "Error", "Warning", "Notice", "Informational", "Debug",
}

// <pri>version timestamp hostname app procid msgid [sd] msg
var rfc5424Re = regexp.MustCompile(`^<(\d{1,3})>(\d)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(?:(\[.*?\])|-)\s*(.*)$`)

// <pri>Mmm dd hh:mm:ss hostname tag[pid]: msg
var rfc3164Re = regexp.MustCompile(`^<(\d{1,3})>([A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(\S+)\s+([^:\[\s]+)(?:\[(\d+)\])?:\s*(.*)$`)

func (p *SyslogParser) Parse(raw string) (*models.ParsedEvent, error) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return nil, &ParseError{Parser: p.Name(), Err: ErrEmptyInput}
	}

	if m := rfc5424Re.FindStringSubmatch(line); m != nil {
		return p.parse5424(m)
	}
	if m := rfc3164Re.FindStringSubmatch(line); m != nil {
		return p.parse3164(m)
	}
	return nil, &ParseError{Parser: p.Name(), Err: ErrNoMatch}
}

func (p *SyslogParser) parse5424(m []string) (*models.ParsedEvent, error) {
	parsed := &models.ParsedEvent{}
	p.applyPriority(parsed, m[1])

	if ts, err := time.Parse(time.RFC3339Nano, m[3]); err == nil {
		parsed.Timestamp = ts
	} else if ts, err := time.Parse(time.RFC3339, m[3]); err == nil {
		parsed.Timestamp = ts
	}
	if m[4] != "-" {
		parsed.Hostname = m[4]
	}
	if m[5] != "-" {
		parsed.AppName = m[5]
	}
	if m[6] != "-" {
		parsed.ProcessID = parseInt(m[6])
	}
	if m[7] != "-" {
		setExtra(parsed, "msgid", m[7])
	}
	if m[8] != "" {
		parseStructuredData(parsed, m[8])
	}
	parsed.Message = m[9]
	return parsed, nil
}

func (p *SyslogParser) parse3164(m []string) (*models.ParsedEvent, error) {
	parsed := &models.ParsedEvent{}
	p.applyPriority(parsed, m[1])

	if ts, err := time.Parse(time.Stamp, m[2]); err == nil {
		// RFC3164 timestamps carry no year; assume the current one.
		now := time.Now()
		ts = ts.AddDate(now.Year(), 0, 0)
		if ts.After(now.AddDate(0, 0, 7)) {
			ts = ts.AddDate(-1, 0, 0)
		}
		parsed.Timestamp = ts
	}
	parsed.Hostname = m[3]
	parsed.AppName = m[4]
	if m[5] != "" {
		parsed.ProcessID = parseInt(m[5])
	}
	parsed.Message = m[6]
	return parsed, nil
}

func (p *SyslogParser) applyPriority(parsed *models.ParsedEvent, pri string) {
	n, err := strconv.Atoi(pri)
	if err != nil || n < 0 || n > 191 {
		return
	}
	facility := n / 8
	severity := n % 8
	if facility < len(facilityNames) {
		parsed.Facility = facilityNames[facility]
	}
	parsed.Severity = severityNames[severity]
}

// parseStructuredData flattens RFC5424 [id k="v" ...] blocks into Extra.
func parseStructuredData(parsed *models.ParsedEvent, sd string) {
	for _, block := range sdBlockRe.FindAllStringSubmatch(sd, -1) {
		for _, kv := range sdParamRe.FindAllStringSubmatch(block[2], -1) {
			setExtra(parsed, kv[1], kv[2])
		}
	}
}

var sdBlockRe = regexp.MustCompile(`\[(\S+?)( [^\]]*)?\]`)
var sdParamRe = regexp.MustCompile(`(\S+)="([^"]*)"`)
