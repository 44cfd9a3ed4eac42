package parsers

import (
	"strings"

	"argus/pkg/models"
)

// CEFParser handles ArcSight Common Event Format:
// CEF:version|vendor|product|version|signature_id|name|severity|extensions
type CEFParser struct{}

func (p *CEFParser) Name() string { return NameCEF }

func (p *CEFParser) Parse(raw string) (*models.ParsedEvent, error) {
	line := strings.TrimSpace(raw)
	idx := strings.Index(line, "CEF:")
	if idx < 0 {
		return nil, &ParseError{Parser: p.Name(), Err: ErrNoMatch}
	}

	header, extensions, err := splitCEF(line[idx+len("CEF:"):])
	if err != nil {
		return nil, &ParseError{Parser: p.Name(), Err: err}
	}

	parsed := &models.ParsedEvent{
		Vendor:        cefUnescape(header[1]),
		Product:       cefUnescape(header[2]),
		Version:       cefUnescape(header[3]),
		SignatureID:   cefUnescape(header[4]),
		SignatureName: cefUnescape(header[5]),
		Severity:      cefUnescape(header[6]),
	}
	applyCEFExtensions(parsed, extensions)
	return parsed, nil
}

// splitCEF separates the 7 pipe-delimited header fields from the
// extension blob, honoring \| escapes.
func splitCEF(s string) ([]string, string, error) {
	fields := make([]string, 0, 7)
	var sb strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			sb.WriteByte('\\')
			sb.WriteByte(ch)
			escaped = false
		case ch == '\\':
			escaped = true
		case ch == '|':
			fields = append(fields, sb.String())
			sb.Reset()
			if len(fields) == 7 {
				return fields, s[i+1:], nil
			}
		default:
			sb.WriteByte(ch)
		}
	}
	return nil, "", ErrNoMatch
}

func cefUnescape(s string) string {
	s = strings.ReplaceAll(s, `\|`, "|")
	s = strings.ReplaceAll(s, `\\`, `\`)
	return s
}

// CEF extension keys mapped to typed fields.
var cefKeyMap = map[string]string{
	"src":           "source_ip",
	"dst":           "dest_ip",
	"spt":           "src_port",
	"dpt":           "dest_port",
	"proto":         "protocol",
	"suser":         "user_name",
	"duser":         "user_name",
	"shost":         "hostname",
	"dhost":         "extra",
	"request":       "url",
	"requestMethod": "http_method",
	"app":           "app_name",
	"act":           "action",
	"msg":           "message",
	"in":            "bytes_in",
	"out":           "bytes_out",
	"fname":         "file_name",
	"filePath":      "file_path",
	"fsize":         "file_size",
	"cs1":           "extra",
	"cs2":           "extra",
	"rt":            "timestamp",
}

// applyCEFExtensions parses space-delimited k=v pairs where values may
// themselves contain spaces (the next key starts at the next token with
// an '=').
func applyCEFExtensions(parsed *models.ParsedEvent, ext string) {
	ext = strings.TrimSpace(ext)
	if ext == "" {
		return
	}

	tokens := strings.Split(ext, " ")
	key := ""
	var value strings.Builder
	flush := func() {
		if key == "" {
			return
		}
		v := strings.TrimSpace(value.String())
		if mapped, ok := cefKeyMap[key]; ok && mapped != "extra" {
			applyField(parsed, mapped, v)
		} else {
			setExtra(parsed, key, v)
		}
	}

	for _, token := range tokens {
		if eq := strings.Index(token, "="); eq > 0 && !strings.Contains(token[:eq], " ") {
			flush()
			key = token[:eq]
			value.Reset()
			value.WriteString(token[eq+1:])
			continue
		}
		if value.Len() > 0 {
			value.WriteString(" ")
		}
		value.WriteString(token)
	}
	flush()
}
