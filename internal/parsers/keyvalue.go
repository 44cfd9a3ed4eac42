package parsers

import (
	"strings"

	"argus/pkg/models"
)

// KeyValueParser handles flat `k=v` records (firewall and audit logs).
// Quoted values may contain spaces.
type KeyValueParser struct{}

func (p *KeyValueParser) Name() string { return NameKeyValue }

func (p *KeyValueParser) Parse(raw string) (*models.ParsedEvent, error) {
	line := strings.TrimSpace(raw)
	if line == "" {
		return nil, &ParseError{Parser: p.Name(), Err: ErrEmptyInput}
	}

	pairs := splitKeyValues(line)
	if len(pairs) < 2 {
		return nil, &ParseError{Parser: p.Name(), Err: ErrNoMatch}
	}

	parsed := &models.ParsedEvent{}
	for _, kv := range pairs {
		applyField(parsed, strings.ToLower(kv[0]), kv[1])
	}
	return parsed, nil
}

func splitKeyValues(line string) [][2]string {
	var pairs [][2]string
	i := 0
	n := len(line)
	for i < n {
		for i < n && (line[i] == ' ' || line[i] == ',') {
			i++
		}
		start := i
		for i < n && line[i] != '=' && line[i] != ' ' {
			i++
		}
		if i >= n || line[i] != '=' {
			// Token without '=': not a k=v record segment, skip it.
			continue
		}
		key := line[start:i]
		i++
		var value string
		if i < n && line[i] == '"' {
			i++
			vstart := i
			for i < n && line[i] != '"' {
				i++
			}
			value = line[vstart:i]
			if i < n {
				i++
			}
		} else {
			vstart := i
			for i < n && line[i] != ' ' && line[i] != ',' {
				i++
			}
			value = line[vstart:i]
		}
		if key != "" {
			pairs = append(pairs, [2]string{key, value})
		}
	}
	return pairs
}
