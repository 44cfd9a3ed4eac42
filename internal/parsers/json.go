package parsers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"argus/pkg/models"
)

// JSONParser accepts a strict JSON object and maps known keys onto the
// typed event families. Unknown scalar keys land in Extra.
type JSONParser struct{}

func (p *JSONParser) Name() string { return NameJSON }

func (p *JSONParser) Parse(raw string) (*models.ParsedEvent, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ParseError{Parser: p.Name(), Err: ErrEmptyInput}
	}
	if !strings.HasPrefix(trimmed, "{") {
		return nil, &ParseError{Parser: p.Name(), Err: ErrNoMatch}
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil, &ParseError{Parser: p.Name(), Err: fmt.Errorf("%w: %v", ErrNoMatch, err)}
	}

	parsed := &models.ParsedEvent{}
	for key, value := range obj {
		applyField(parsed, strings.ToLower(key), value)
	}
	return parsed, nil
}

// applyField maps one decoded key/value onto the parsed event. Shared by
// the JSON built-in and the jsonpath custom parser.
func applyField(parsed *models.ParsedEvent, key string, value interface{}) {
	str := stringify(value)
	if str == "" {
		return
	}

	switch key {
	case "timestamp", "time", "@timestamp", "event_time":
		if ts, ok := parseTimestamp(str); ok {
			parsed.Timestamp = ts
		} else {
			setExtra(parsed, key, str)
		}
	case "source_ip", "src_ip", "src":
		parsed.SourceIP = str
	case "hostname", "host":
		parsed.Hostname = str
	case "dest_ip", "dst_ip", "dst", "destination_ip":
		parsed.DestIP = str
	case "src_port", "source_port":
		parsed.SrcPort = uint16(parseUint(str))
	case "dest_port", "dst_port", "destination_port":
		parsed.DestPort = uint16(parseUint(str))
	case "cim_protocol":
		parsed.CIMProtocol = str
	case "protocol", "proto":
		parsed.Protocol = str
	case "cim_severity":
		parsed.CIMSeverity = str
	case "severity", "level":
		parsed.Severity = str
	case "cim_action":
		parsed.CIMAction = str
	case "action":
		parsed.Action = str
	case "bytes_in", "bytes_received":
		parsed.BytesIn = parseUint(str)
	case "bytes_out", "bytes_sent":
		parsed.BytesOut = parseUint(str)
	case "packets_in":
		parsed.PacketsIn = parseUint(str)
	case "packets_out":
		parsed.PacketsOut = parseUint(str)
	case "duration":
		parsed.Duration = parseFloat(str)
	case "user", "user_name", "username":
		parsed.UserName = str
	case "user_domain", "domain":
		parsed.UserDomain = str
	case "user_id", "uid":
		parsed.UserID = str
	case "session_id":
		parsed.SessionID = str
	case "auth_method":
		parsed.AuthMethod = str
	case "failure_reason":
		parsed.FailureReason = str
	case "process_name", "process":
		parsed.ProcessName = str
	case "process_id", "pid":
		parsed.ProcessID = parseInt(str)
	case "parent_process_name":
		parsed.ParentProcessName = str
	case "parent_process_id", "ppid":
		parsed.ParentProcessID = parseInt(str)
	case "file_path":
		parsed.FilePath = str
	case "file_name":
		parsed.FileName = str
	case "file_size":
		parsed.FileSize = parseUint(str)
	case "command_line", "cmdline":
		parsed.CommandLine = str
	case "registry_key":
		parsed.RegistryKey = str
	case "registry_value":
		parsed.RegistryValue = str
	case "url":
		parsed.URL = str
	case "uri_path":
		parsed.URIPath = str
	case "uri_query":
		parsed.URIQuery = str
	case "http_method", "method":
		parsed.HTTPMethod = str
	case "http_status_code", "status_code", "status":
		parsed.HTTPStatusCode = uint16(parseUint(str))
	case "user_agent", "http_user_agent":
		parsed.HTTPUserAgent = str
	case "device_type":
		parsed.DeviceType = str
	case "vendor", "device_vendor":
		parsed.Vendor = str
	case "product", "device_product":
		parsed.Product = str
	case "version", "device_version":
		parsed.Version = str
	case "rule_id":
		parsed.RuleID = str
	case "rule_name", "rule":
		parsed.RuleName = str
	case "signature_id":
		parsed.SignatureID = str
	case "signature_name", "signature":
		parsed.SignatureName = str
	case "threat_name", "threat":
		parsed.ThreatName = str
	case "app_name", "app":
		parsed.AppName = str
	case "service_name", "service":
		parsed.ServiceName = str
	case "message", "msg":
		parsed.Message = str
	case "is_threat":
		parsed.IsThreat = str == "1" || strings.EqualFold(str, "true")
	default:
		setExtra(parsed, key, str)
	}
}

func setExtra(parsed *models.ParsedEvent, key, value string) {
	if parsed.Extra == nil {
		parsed.Extra = make(map[string]string)
	}
	parsed.Extra[key] = value
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func parseUint(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"Jan _2 15:04:05",
	"Jan 02 2006 15:04:05",
}

func parseTimestamp(s string) (time.Time, bool) {
	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil && epoch > 0 {
		// Heuristic: values past 1e12 are milliseconds.
		if epoch > 1_000_000_000_000 {
			return time.Unix(epoch/1000, (epoch%1000)*int64(time.Millisecond)), true
		}
		return time.Unix(epoch, 0), true
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			if ts.Year() == 0 {
				now := time.Now()
				ts = ts.AddDate(now.Year(), 0, 0)
			}
			return ts, true
		}
	}
	return time.Time{}, false
}
