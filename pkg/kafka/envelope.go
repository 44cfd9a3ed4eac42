package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
)

// IngestEnvelope is the wire format for raw security events on the bus.
// event_id, tenant_id, source_ip and raw_event are mandatory; a missing
// mandatory field makes the message a permanent parse error.
type IngestEnvelope struct {
	EventID        string `json:"event_id"`
	TenantID       string `json:"tenant_id"`
	EventTimestamp uint32 `json:"event_timestamp,omitempty"`
	SourceIP       string `json:"source_ip"`
	SourceType     string `json:"source_type,omitempty"`
	RawEvent       string `json:"raw_event"`
}

// DecodeEnvelope parses an envelope from a bus message payload.
func DecodeEnvelope(value []byte) (*IngestEnvelope, error) {
	var env IngestEnvelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate reports the missing mandatory fields, if any.
func (e *IngestEnvelope) Validate() error {
	var missing []string
	if e.EventID == "" {
		missing = append(missing, "event_id")
	}
	if e.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if e.SourceIP == "" {
		missing = append(missing, "source_ip")
	}
	if e.RawEvent == "" {
		missing = append(missing, "raw_event")
	}
	if len(missing) > 0 {
		return fmt.Errorf("envelope missing mandatory fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
