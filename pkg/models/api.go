package models

// ErrorResponse is the HTTP error envelope.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message,omitempty"`
	Code    string      `json:"code,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// Error codes surfaced in ErrorResponse.Code.
const (
	CodeInvalidField   = "INVALID_FIELD"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeInternal       = "INTERNAL_ERROR"
)

// IngestEventRequest is the body of POST /events/ingest.
type IngestEventRequest struct {
	EventID        string `json:"event_id,omitempty"`
	TenantID       string `json:"tenant_id"`
	EventTimestamp uint32 `json:"event_timestamp,omitempty"`
	SourceIP       string `json:"source_ip"`
	SourceType     string `json:"source_type,omitempty"`
	RawEvent       string `json:"raw_event"`
}

// BatchIngestRequest is the body of POST /events/batch.
type BatchIngestRequest struct {
	Events []IngestEventRequest `json:"events"`
}

// BatchIngestResponse reports per-item acceptance.
type BatchIngestResponse struct {
	Accepted int      `json:"accepted"`
	Failed   int      `json:"failed"`
	EventIDs []string `json:"event_ids"`
	Errors   []string `json:"errors,omitempty"`
}
