package models

// TaxonomyField names the event field a taxonomy rule inspects.
type TaxonomyField string

const (
	TaxonomyFieldRawMessage TaxonomyField = "raw_message"
	TaxonomyFieldSourceIP   TaxonomyField = "source_ip"
)

// TaxonomyRule classifies events by case-insensitive substring match.
// Rules are evaluated in insertion order; first match wins.
type TaxonomyRule struct {
	TenantID      string        `json:"tenant_id"`
	SourceType    string        `json:"source_type"`
	FieldToCheck  TaxonomyField `json:"field_to_check"`
	ValueToMatch  string        `json:"value_to_match"`
	EventCategory string        `json:"event_category"`
	EventOutcome  string        `json:"event_outcome"`
	EventAction   string        `json:"event_action"`
}

// CustomParserDef is a tenant-scoped parser definition. It is only invoked
// for messages whose tenant_id equals the definition's tenant_id.
type CustomParserDef struct {
	TenantID   string `json:"tenant_id"`
	ParserName string `json:"parser_name"`
	ParserType string `json:"parser_type"` // regex | grok | jsonpath | cef_template
	Body       string `json:"body"`
}

// LogSource binds a source IP to a parser type name. The name "unknown" is
// a negative binding cached to suppress repeat lookups.
type LogSource struct {
	SourceIP   string `json:"source_ip"`
	ParserType string `json:"parser_type"`
}

// ParserTypeUnknown is the negative log-source binding.
const ParserTypeUnknown = "unknown"
