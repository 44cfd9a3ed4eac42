package parsers

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"argus/pkg/models"
)

// Custom parser types accepted in definitions.
const (
	TypeRegex       = "regex"
	TypeGrok        = "grok"
	TypeJSONPath    = "jsonpath"
	TypeCEFTemplate = "cef_template"
)

// Compile builds a Parser from a tenant definition. The body format
// depends on parser_type; a body that does not compile is rejected at
// load time, never at parse time.
func Compile(def models.CustomParserDef) (Parser, error) {
	switch def.ParserType {
	case TypeRegex:
		return compileRegex(def)
	case TypeGrok:
		return compileGrok(def)
	case TypeJSONPath:
		return compileJSONPath(def)
	case TypeCEFTemplate:
		return compileCEFTemplate(def)
	default:
		return nil, fmt.Errorf("%w: unsupported parser_type %q", ErrBadTemplate, def.ParserType)
	}
}

// regexParser extracts named capture groups as event fields.
type regexParser struct {
	name string
	re   *regexp.Regexp
}

func compileRegex(def models.CustomParserDef) (Parser, error) {
	re, err := regexp.Compile(def.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTemplate, err)
	}
	if len(re.SubexpNames()) < 2 {
		return nil, fmt.Errorf("%w: regex has no named capture groups", ErrBadTemplate)
	}
	return &regexParser{name: def.ParserName, re: re}, nil
}

func (p *regexParser) Name() string { return p.name }

func (p *regexParser) Parse(raw string) (*models.ParsedEvent, error) {
	m := p.re.FindStringSubmatch(raw)
	if m == nil {
		return nil, &ParseError{Parser: p.name, Err: ErrNoMatch}
	}
	parsed := &models.ParsedEvent{}
	for i, groupName := range p.re.SubexpNames() {
		if i == 0 || groupName == "" || m[i] == "" {
			continue
		}
		applyField(parsed, strings.ToLower(groupName), m[i])
	}
	return parsed, nil
}

// grokParser translates %{PATTERN:field} references into one named
// regex over the built-in pattern table.
type grokParser struct {
	name string
	re   *regexp.Regexp
}

// Built-in grok patterns. Subset of the conventional logstash table
// covering what security log formats actually use.
var grokPatterns = map[string]string{
	"WORD":          `\b\w+\b`,
	"NOTSPACE":      `\S+`,
	"DATA":          `.*?`,
	"GREEDYDATA":    `.*`,
	"INT":           `[+-]?\d+`,
	"NUMBER":        `[+-]?\d+(?:\.\d+)?`,
	"IP":            `\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`,
	"IPV6":          `[0-9A-Fa-f:.]{3,}`,
	"HOSTNAME":      `[A-Za-z0-9._-]+`,
	"USER":          `[A-Za-z0-9._-]+`,
	"TIMESTAMP_ISO8601": `\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`,
	"SYSLOGTIMESTAMP":   `[A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2}`,
	"LOGLEVEL":      `(?:[Dd]ebug|DEBUG|[Ii]nfo|INFO|[Nn]otice|NOTICE|[Ww]arn(?:ing)?|WARN(?:ING)?|[Ee]rr(?:or)?|ERR(?:OR)?|[Cc]rit(?:ical)?|CRIT(?:ICAL)?|[Aa]lert|ALERT|[Ee]merg(?:ency)?|EMERG(?:ENCY)?)`,
	"UUID":          `[0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12}`,
	"PATH":          `(?:/[^/\s]+)+`,
	"URIPATH":       `/[^\s?]*`,
}

var grokRefRe = regexp.MustCompile(`%\{(\w+)(?::(\w+))?\}`)

func compileGrok(def models.CustomParserDef) (Parser, error) {
	var badRef error
	expr := grokRefRe.ReplaceAllStringFunc(def.Body, func(ref string) string {
		m := grokRefRe.FindStringSubmatch(ref)
		pattern, ok := grokPatterns[m[1]]
		if !ok {
			badRef = fmt.Errorf("%w: unknown grok pattern %q", ErrBadTemplate, m[1])
			return ref
		}
		if m[2] == "" {
			return "(?:" + pattern + ")"
		}
		return "(?P<" + m[2] + ">" + pattern + ")"
	})
	if badRef != nil {
		return nil, badRef
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTemplate, err)
	}
	return &grokParser{name: def.ParserName, re: re}, nil
}

func (p *grokParser) Name() string { return p.name }

func (p *grokParser) Parse(raw string) (*models.ParsedEvent, error) {
	m := p.re.FindStringSubmatch(raw)
	if m == nil {
		return nil, &ParseError{Parser: p.name, Err: ErrNoMatch}
	}
	parsed := &models.ParsedEvent{}
	for i, groupName := range p.re.SubexpNames() {
		if i == 0 || groupName == "" || m[i] == "" {
			continue
		}
		applyField(parsed, strings.ToLower(groupName), m[i])
	}
	return parsed, nil
}

// jsonPathParser maps dotted paths into a JSON document onto event
// fields. Body: {"field_map": {"event_field": "path.to.value", ...}}.
type jsonPathParser struct {
	name     string
	fieldMap map[string]string
}

func compileJSONPath(def models.CustomParserDef) (Parser, error) {
	var body struct {
		FieldMap map[string]string `json:"field_map"`
	}
	if err := json.Unmarshal([]byte(def.Body), &body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadTemplate, err)
	}
	if len(body.FieldMap) == 0 {
		return nil, fmt.Errorf("%w: empty field_map", ErrBadTemplate)
	}
	return &jsonPathParser{name: def.ParserName, fieldMap: body.FieldMap}, nil
}

func (p *jsonPathParser) Name() string { return p.name }

func (p *jsonPathParser) Parse(raw string) (*models.ParsedEvent, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, &ParseError{Parser: p.name, Err: fmt.Errorf("%w: %v", ErrNoMatch, err)}
	}
	parsed := &models.ParsedEvent{}
	matched := false
	for field, path := range p.fieldMap {
		value, ok := lookupPath(doc, path)
		if !ok {
			continue
		}
		matched = true
		applyField(parsed, strings.ToLower(field), value)
	}
	if !matched {
		return nil, &ParseError{Parser: p.name, Err: ErrNoMatch}
	}
	return parsed, nil
}

func lookupPath(doc map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = doc
	for _, part := range parts {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// cefTemplateParser is the CEF built-in with per-definition extension
// key overrides. Body: {"key_map": {"cs1": "rule_name", ...}} (may be
// empty for stock CEF).
type cefTemplateParser struct {
	name   string
	keyMap map[string]string
	inner  CEFParser
}

func compileCEFTemplate(def models.CustomParserDef) (Parser, error) {
	var body struct {
		KeyMap map[string]string `json:"key_map"`
	}
	if strings.TrimSpace(def.Body) != "" {
		if err := json.Unmarshal([]byte(def.Body), &body); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadTemplate, err)
		}
	}
	return &cefTemplateParser{name: def.ParserName, keyMap: body.KeyMap}, nil
}

func (p *cefTemplateParser) Name() string { return p.name }

func (p *cefTemplateParser) Parse(raw string) (*models.ParsedEvent, error) {
	parsed, err := p.inner.Parse(raw)
	if err != nil {
		return nil, &ParseError{Parser: p.name, Err: ErrNoMatch}
	}
	// Remap custom-string extensions per the template.
	for cefKey, field := range p.keyMap {
		if v, ok := parsed.Extra[cefKey]; ok && v != "" {
			applyField(parsed, strings.ToLower(field), v)
			delete(parsed.Extra, cefKey)
		}
	}
	return parsed, nil
}
