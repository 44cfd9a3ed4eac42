package models

// Event is the normalized security event record, the unit stored in the
// columnar store. Field names double as column names; the JSON tags match
// the insert column order exactly.
//
// Mandatory fields are always present. Optional fields are either absent
// (zero value) or semantically meaningful: parsers normalize empty strings
// to absent before the event is folded.
type Event struct {
	EventID            string `json:"event_id"`
	TenantID           string `json:"tenant_id"`
	EventTimestamp     uint32 `json:"event_timestamp"`
	IngestionTimestamp uint32 `json:"ingestion_timestamp"`
	SourceIP           string `json:"source_ip"`
	SourceType         string `json:"source_type"`
	RawEvent           string `json:"raw_event"`

	// Taxonomy triple; defaults to Unknown/Unknown/Unknown.
	EventCategory string `json:"event_category"`
	EventOutcome  string `json:"event_outcome"`
	EventAction   string `json:"event_action"`

	LogSourceID   string `json:"log_source_id,omitempty"`
	ParsingStatus string `json:"parsing_status,omitempty"`
	ParseErrorMsg string `json:"parse_error_msg,omitempty"`

	// Network family
	DestIP     string  `json:"dest_ip,omitempty"`
	SrcPort    uint16  `json:"src_port,omitempty"`
	DestPort   uint16  `json:"dest_port,omitempty"`
	Protocol   string  `json:"protocol,omitempty"`
	BytesIn    uint64  `json:"bytes_in,omitempty"`
	BytesOut   uint64  `json:"bytes_out,omitempty"`
	PacketsIn  uint64  `json:"packets_in,omitempty"`
	PacketsOut uint64  `json:"packets_out,omitempty"`
	Duration   float64 `json:"duration,omitempty"`

	// Identity family
	UserName   string `json:"user_name,omitempty"`
	UserDomain string `json:"user_domain,omitempty"`
	UserID     string `json:"user_id,omitempty"`

	// Endpoint family
	ProcessName       string `json:"process_name,omitempty"`
	ProcessID         int64  `json:"process_id,omitempty"`
	ParentProcessName string `json:"parent_process_name,omitempty"`
	ParentProcessID   int64  `json:"parent_process_id,omitempty"`
	FilePath          string `json:"file_path,omitempty"`
	FileName          string `json:"file_name,omitempty"`
	FileSize          uint64 `json:"file_size,omitempty"`
	CommandLine       string `json:"command_line,omitempty"`
	RegistryKey       string `json:"registry_key,omitempty"`
	RegistryValue     string `json:"registry_value,omitempty"`

	// Web family
	URL               string `json:"url,omitempty"`
	URIPath           string `json:"uri_path,omitempty"`
	URIQuery          string `json:"uri_query,omitempty"`
	HTTPMethod        string `json:"http_method,omitempty"`
	HTTPStatusCode    uint16 `json:"http_status_code,omitempty"`
	HTTPUserAgent     string `json:"http_user_agent,omitempty"`
	HTTPReferrer      string `json:"http_referrer,omitempty"`
	HTTPContentType   string `json:"http_content_type,omitempty"`
	HTTPContentLength uint64 `json:"http_content_length,omitempty"`

	// Device family
	SrcHost    string `json:"src_host,omitempty"`
	DestHost   string `json:"dest_host,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	Vendor     string `json:"vendor,omitempty"`
	Product    string `json:"product,omitempty"`
	Version    string `json:"version,omitempty"`

	// Geo family
	SrcCountry   string `json:"src_country,omitempty"`
	DestCountry  string `json:"dest_country,omitempty"`
	SrcZone      string `json:"src_zone,omitempty"`
	DestZone     string `json:"dest_zone,omitempty"`
	InterfaceIn  string `json:"interface_in,omitempty"`
	InterfaceOut string `json:"interface_out,omitempty"`
	VlanID       uint16 `json:"vlan_id,omitempty"`

	// Security family
	RuleID         string `json:"rule_id,omitempty"`
	RuleName       string `json:"rule_name,omitempty"`
	PolicyID       string `json:"policy_id,omitempty"`
	PolicyName     string `json:"policy_name,omitempty"`
	SignatureID    string `json:"signature_id,omitempty"`
	SignatureName  string `json:"signature_name,omitempty"`
	ThreatName     string `json:"threat_name,omitempty"`
	ThreatCategory string `json:"threat_category,omitempty"`
	Severity       string `json:"severity,omitempty"`
	Priority       string `json:"priority,omitempty"`

	// Authentication family
	AuthMethod    string `json:"auth_method,omitempty"`
	AuthApp       string `json:"auth_app,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	SessionID     string `json:"session_id,omitempty"`

	// Application family
	AppName     string `json:"app_name,omitempty"`
	AppCategory string `json:"app_category,omitempty"`
	ServiceName string `json:"service_name,omitempty"`

	// Email family
	EmailSender    string `json:"email_sender,omitempty"`
	EmailRecipient string `json:"email_recipient,omitempty"`
	EmailSubject   string `json:"email_subject,omitempty"`

	// Free-form
	Tags         []string          `json:"tags,omitempty"`
	Message      string            `json:"message,omitempty"`
	Details      string            `json:"details,omitempty"`
	CustomFields map[string]string `json:"custom_fields,omitempty"`

	IsThreat uint8 `json:"is_threat"`
}

// Default taxonomy values for events no rule matched.
const (
	TaxonomyUnknown = "Unknown"

	ParsingStatusParsed   = "parsed"
	ParsingStatusUnparsed = "unparsed"
	ParsingStatusError    = "error"
)

// EventColumns is the fixed insert column order for the events table. It is
// the same closed set the query builder accepts for filters and sorts.
var EventColumns = []string{
	"event_id", "tenant_id", "event_timestamp", "ingestion_timestamp",
	"source_ip", "source_type", "raw_event",
	"event_category", "event_outcome", "event_action",
	"log_source_id", "parsing_status", "parse_error_msg",
	"dest_ip", "src_port", "dest_port", "protocol",
	"bytes_in", "bytes_out", "packets_in", "packets_out", "duration",
	"user_name", "user_domain", "user_id",
	"process_name", "process_id", "parent_process_name", "parent_process_id",
	"file_path", "file_name", "file_size", "command_line",
	"registry_key", "registry_value",
	"url", "uri_path", "uri_query",
	"http_method", "http_status_code", "http_user_agent", "http_referrer",
	"http_content_type", "http_content_length",
	"src_host", "dest_host", "device_type", "vendor", "product", "version",
	"src_country", "dest_country", "src_zone", "dest_zone",
	"interface_in", "interface_out", "vlan_id",
	"rule_id", "rule_name", "policy_id", "policy_name",
	"signature_id", "signature_name", "threat_name", "threat_category",
	"severity", "priority",
	"auth_method", "auth_app", "failure_reason", "session_id",
	"app_name", "app_category", "service_name",
	"email_sender", "email_recipient", "email_subject",
	"tags", "message", "details", "custom_fields",
	"is_threat",
}

// InsertValues returns the event's values in EventColumns order, for the
// columnar batch append.
func (e *Event) InsertValues() []interface{} {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	custom := e.CustomFields
	if custom == nil {
		custom = map[string]string{}
	}
	return []interface{}{
		e.EventID, e.TenantID, e.EventTimestamp, e.IngestionTimestamp,
		e.SourceIP, e.SourceType, e.RawEvent,
		e.EventCategory, e.EventOutcome, e.EventAction,
		e.LogSourceID, e.ParsingStatus, e.ParseErrorMsg,
		e.DestIP, e.SrcPort, e.DestPort, e.Protocol,
		e.BytesIn, e.BytesOut, e.PacketsIn, e.PacketsOut, e.Duration,
		e.UserName, e.UserDomain, e.UserID,
		e.ProcessName, e.ProcessID, e.ParentProcessName, e.ParentProcessID,
		e.FilePath, e.FileName, e.FileSize, e.CommandLine,
		e.RegistryKey, e.RegistryValue,
		e.URL, e.URIPath, e.URIQuery,
		e.HTTPMethod, e.HTTPStatusCode, e.HTTPUserAgent, e.HTTPReferrer,
		e.HTTPContentType, e.HTTPContentLength,
		e.SrcHost, e.DestHost, e.DeviceType, e.Vendor, e.Product, e.Version,
		e.SrcCountry, e.DestCountry, e.SrcZone, e.DestZone,
		e.InterfaceIn, e.InterfaceOut, e.VlanID,
		e.RuleID, e.RuleName, e.PolicyID, e.PolicyName,
		e.SignatureID, e.SignatureName, e.ThreatName, e.ThreatCategory,
		e.Severity, e.Priority,
		e.AuthMethod, e.AuthApp, e.FailureReason, e.SessionID,
		e.AppName, e.AppCategory, e.ServiceName,
		e.EmailSender, e.EmailRecipient, e.EmailSubject,
		tags, e.Message, e.Details, custom,
		e.IsThreat,
	}
}

// ScanDest returns scan targets in EventColumns order, for reading a
// full row back out of the columnar store.
func (e *Event) ScanDest() []interface{} {
	return []interface{}{
		&e.EventID, &e.TenantID, &e.EventTimestamp, &e.IngestionTimestamp,
		&e.SourceIP, &e.SourceType, &e.RawEvent,
		&e.EventCategory, &e.EventOutcome, &e.EventAction,
		&e.LogSourceID, &e.ParsingStatus, &e.ParseErrorMsg,
		&e.DestIP, &e.SrcPort, &e.DestPort, &e.Protocol,
		&e.BytesIn, &e.BytesOut, &e.PacketsIn, &e.PacketsOut, &e.Duration,
		&e.UserName, &e.UserDomain, &e.UserID,
		&e.ProcessName, &e.ProcessID, &e.ParentProcessName, &e.ParentProcessID,
		&e.FilePath, &e.FileName, &e.FileSize, &e.CommandLine,
		&e.RegistryKey, &e.RegistryValue,
		&e.URL, &e.URIPath, &e.URIQuery,
		&e.HTTPMethod, &e.HTTPStatusCode, &e.HTTPUserAgent, &e.HTTPReferrer,
		&e.HTTPContentType, &e.HTTPContentLength,
		&e.SrcHost, &e.DestHost, &e.DeviceType, &e.Vendor, &e.Product, &e.Version,
		&e.SrcCountry, &e.DestCountry, &e.SrcZone, &e.DestZone,
		&e.InterfaceIn, &e.InterfaceOut, &e.VlanID,
		&e.RuleID, &e.RuleName, &e.PolicyID, &e.PolicyName,
		&e.SignatureID, &e.SignatureName, &e.ThreatName, &e.ThreatCategory,
		&e.Severity, &e.Priority,
		&e.AuthMethod, &e.AuthApp, &e.FailureReason, &e.SessionID,
		&e.AppName, &e.AppCategory, &e.ServiceName,
		&e.EmailSender, &e.EmailRecipient, &e.EmailSubject,
		&e.Tags, &e.Message, &e.Details, &e.CustomFields,
		&e.IsThreat,
	}
}
