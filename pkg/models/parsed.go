package models

import "time"

// ParsedEvent is the intermediate output of a parser, folded into an Event
// by precedence rules: canonical (CIM*) beats legacy, legacy beats the raw
// message fallback. Every field is optional; a zero value means absent.
type ParsedEvent struct {
	// Parser-extracted overrides for envelope fields.
	Timestamp time.Time
	SourceIP  string
	Hostname  string

	// Syslog envelope
	Facility string
	Severity string
	Message  string

	// Canonical (CIM) values take precedence over their legacy duplicates.
	CIMProtocol string
	CIMSeverity string
	CIMAction   string

	// Network family
	DestIP     string
	SrcPort    uint16
	DestPort   uint16
	Protocol   string
	BytesIn    uint64
	BytesOut   uint64
	PacketsIn  uint64
	PacketsOut uint64
	Duration   float64

	// Identity family
	UserName   string
	UserDomain string
	UserID     string

	// Endpoint family
	ProcessName       string
	ProcessID         int64
	ParentProcessName string
	ParentProcessID   int64
	FilePath          string
	FileName          string
	FileSize          uint64
	CommandLine       string
	RegistryKey       string
	RegistryValue     string

	// Web family
	URL            string
	URIPath        string
	URIQuery       string
	HTTPMethod     string
	HTTPStatusCode uint16
	HTTPUserAgent  string

	// Device family
	DeviceType string
	Vendor     string
	Product    string
	Version    string

	// Security family
	RuleID        string
	RuleName      string
	SignatureID   string
	SignatureName string
	ThreatName    string
	Action        string

	// Authentication family
	AuthMethod    string
	FailureReason string
	SessionID     string

	AppName     string
	ServiceName string

	IsThreat bool

	// Anything the parser extracted beyond the typed families.
	Extra map[string]string
}

// IsTrivial reports whether the parse produced nothing usable. A result is
// non-trivial when it has any of: timestamp, hostname, source_ip, vendor,
// product, or at least one extra field.
func (p *ParsedEvent) IsTrivial() bool {
	if p == nil {
		return true
	}
	return p.Timestamp.IsZero() &&
		p.Hostname == "" &&
		p.SourceIP == "" &&
		p.Vendor == "" &&
		p.Product == "" &&
		len(p.Extra) == 0
}

// nonEmpty normalizes a present-but-empty value to absent.
func nonEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Fold merges a parsed result into an event built from the envelope. The
// envelope's tenant_id is never rewritten by the parser.
func (p *ParsedEvent) Fold(e *Event) {
	if p == nil {
		return
	}

	if !p.Timestamp.IsZero() {
		e.EventTimestamp = uint32(p.Timestamp.Unix())
	}
	nonEmpty(&e.SourceIP, p.SourceIP)
	nonEmpty(&e.SrcHost, p.Hostname)
	nonEmpty(&e.Message, p.Message)

	// Canonical beats legacy.
	if p.CIMProtocol != "" {
		e.Protocol = p.CIMProtocol
	} else {
		nonEmpty(&e.Protocol, p.Protocol)
	}
	if p.CIMSeverity != "" {
		e.Severity = p.CIMSeverity
	} else {
		nonEmpty(&e.Severity, p.Severity)
	}

	nonEmpty(&e.DestIP, p.DestIP)
	if p.SrcPort != 0 {
		e.SrcPort = p.SrcPort
	}
	if p.DestPort != 0 {
		e.DestPort = p.DestPort
	}
	if p.BytesIn != 0 {
		e.BytesIn = p.BytesIn
	}
	if p.BytesOut != 0 {
		e.BytesOut = p.BytesOut
	}
	if p.PacketsIn != 0 {
		e.PacketsIn = p.PacketsIn
	}
	if p.PacketsOut != 0 {
		e.PacketsOut = p.PacketsOut
	}
	if p.Duration != 0 {
		e.Duration = p.Duration
	}

	nonEmpty(&e.UserName, p.UserName)
	nonEmpty(&e.UserDomain, p.UserDomain)
	nonEmpty(&e.UserID, p.UserID)

	nonEmpty(&e.ProcessName, p.ProcessName)
	if p.ProcessID != 0 {
		e.ProcessID = p.ProcessID
	}
	nonEmpty(&e.ParentProcessName, p.ParentProcessName)
	if p.ParentProcessID != 0 {
		e.ParentProcessID = p.ParentProcessID
	}
	nonEmpty(&e.FilePath, p.FilePath)
	nonEmpty(&e.FileName, p.FileName)
	if p.FileSize != 0 {
		e.FileSize = p.FileSize
	}
	nonEmpty(&e.CommandLine, p.CommandLine)
	nonEmpty(&e.RegistryKey, p.RegistryKey)
	nonEmpty(&e.RegistryValue, p.RegistryValue)

	nonEmpty(&e.URL, p.URL)
	nonEmpty(&e.URIPath, p.URIPath)
	nonEmpty(&e.URIQuery, p.URIQuery)
	nonEmpty(&e.HTTPMethod, p.HTTPMethod)
	if p.HTTPStatusCode != 0 {
		e.HTTPStatusCode = p.HTTPStatusCode
	}
	nonEmpty(&e.HTTPUserAgent, p.HTTPUserAgent)

	nonEmpty(&e.DeviceType, p.DeviceType)
	nonEmpty(&e.Vendor, p.Vendor)
	nonEmpty(&e.Product, p.Product)
	nonEmpty(&e.Version, p.Version)

	nonEmpty(&e.RuleID, p.RuleID)
	nonEmpty(&e.RuleName, p.RuleName)
	nonEmpty(&e.SignatureID, p.SignatureID)
	nonEmpty(&e.SignatureName, p.SignatureName)
	nonEmpty(&e.ThreatName, p.ThreatName)

	nonEmpty(&e.AuthMethod, p.AuthMethod)
	nonEmpty(&e.FailureReason, p.FailureReason)
	nonEmpty(&e.SessionID, p.SessionID)

	nonEmpty(&e.AppName, p.AppName)
	nonEmpty(&e.ServiceName, p.ServiceName)

	// No typed column for the parser's action verb; the taxonomy triple
	// owns event_action. Keep the parsed value as a custom field.
	action := p.CIMAction
	if action == "" {
		action = p.Action
	}
	if action != "" {
		if e.CustomFields == nil {
			e.CustomFields = make(map[string]string)
		}
		e.CustomFields["action"] = action
	}

	if p.IsThreat {
		e.IsThreat = 1
	}

	if len(p.Extra) > 0 {
		if e.CustomFields == nil {
			e.CustomFields = make(map[string]string, len(p.Extra))
		}
		for k, v := range p.Extra {
			if v == "" {
				continue
			}
			e.CustomFields[k] = v
		}
	}
}
