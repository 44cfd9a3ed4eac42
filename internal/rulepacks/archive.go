package rulepacks

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
)

// Upload limits.
const (
	MaxArchiveBytes = 50 << 20 // 50 MiB
	MaxItems        = 5000
)

// ruleFile is the on-disk shape of one rule inside an uploaded archive.
// Pattern is the detection body: a regular expression evaluated against
// normalized event fields by the correlation engine.
type ruleFile struct {
	RuleID   string `json:"rule_id"`
	Name     string `json:"name"`
	Severity string `json:"severity,omitempty"`
	Pattern  string `json:"pattern"`
}

// readArchive extracts pack items from a gzipped tar of rule JSON files.
// Every regular .json file is one item; anything else is skipped. The
// byte and item limits apply to the decompressed content.
func readArchive(r io.Reader) ([]PackItem, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	defer gz.Close()

	var items []PackItem
	var total int64
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !strings.HasSuffix(hdr.Name, ".json") {
			continue
		}
		if len(items) >= MaxItems {
			return nil, ErrTooManyItems
		}

		body, err := io.ReadAll(io.LimitReader(tr, MaxArchiveBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		total += int64(len(body))
		if total > MaxArchiveBytes {
			return nil, ErrArchiveTooLarge
		}

		items = append(items, compileItem(hdr.Name, body))
	}
	return items, nil
}

// compileItem parses one rule file, hashes its body and attempts
// compilation. A failed item is kept with its compile_result so the
// plan can report it; only clean items are deployable.
func compileItem(name string, body []byte) PackItem {
	sum := sha256.Sum256(body)
	item := PackItem{
		BodyHash: hex.EncodeToString(sum[:]),
		Body:     string(body),
	}

	var rf ruleFile
	if err := json.Unmarshal(body, &rf); err != nil {
		item.Name = strings.TrimSuffix(path.Base(name), ".json")
		item.CompileResult = fmt.Sprintf("invalid rule file: %v", err)
		return item
	}

	item.RuleID = rf.RuleID
	item.Name = rf.Name
	item.Severity = rf.Severity
	if item.Name == "" {
		item.Name = strings.TrimSuffix(path.Base(name), ".json")
	}

	if rf.Pattern == "" {
		item.CompileResult = "empty detection pattern"
		return item
	}
	if _, err := regexp.Compile(rf.Pattern); err != nil {
		item.CompileResult = fmt.Sprintf("pattern does not compile: %v", err)
		return item
	}

	item.CompileOK = true
	item.CompileResult = "ok"
	return item
}
