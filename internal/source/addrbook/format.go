package addrbook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Book is the on-disk document.
type Book struct {
	Version int   `json:"version,omitempty" yaml:"version,omitempty" toml:"version,omitempty"`
	Entries []Row `json:"entries" yaml:"entries" toml:"entries"`
}

// Row is one address book line.
type Row struct {
	Address string  `json:"address" yaml:"address" toml:"address"`
	Name    string  `json:"name" yaml:"name" toml:"name"`
	ChainID ChainID `json:"chain_id,omitempty" yaml:"chain_id,omitempty" toml:"chain_id,omitempty"`
	Memo    string  `json:"memo,omitempty" yaml:"memo,omitempty" toml:"memo,omitempty"`
}

// ChainID accepts both `chain_id: 1` and `chain_id: "0x1"`.
type ChainID string

func (c *ChainID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ChainID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("chain_id: %w", err)
	}
	*c = ChainID(n.String())
	return nil
}

type format int

const (
	formatYAML format = iota
	formatTOML
	formatJSON
)

func formatFor(path string) (format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML, nil
	case ".toml":
		return formatTOML, nil
	case ".json":
		return formatJSON, nil
	default:
		return 0, fmt.Errorf("unsupported address book extension %q", filepath.Ext(path))
	}
}

// canonicalJSON re-encodes a document of any supported format as JSON so
// it can be checked against the schema and decoded in one place.
func canonicalJSON(f format, data []byte) ([]byte, error) {
	if f == formatJSON {
		return data, nil
	}
	var doc map[string]any
	switch f {
	case formatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	case formatTOML:
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	}
	if doc == nil {
		doc = map[string]any{}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("re-encode document: %w", err)
	}
	return out, nil
}

// decode parses and validates an address book. Empty input is an empty book.
func decode(f format, data []byte) (*Book, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return &Book{}, nil
	}
	doc, err := canonicalJSON(f, data)
	if err != nil {
		return nil, err
	}
	if err := validate(doc); err != nil {
		return nil, err
	}
	var book Book
	if err := json.Unmarshal(doc, &book); err != nil {
		return nil, fmt.Errorf("decode address book: %w", err)
	}
	return &book, nil
}

func encode(f format, book *Book) ([]byte, error) {
	if book.Entries == nil {
		book.Entries = []Row{}
	}
	switch f {
	case formatJSON:
		data, err := json.MarshalIndent(book, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case formatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(book); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return yaml.Marshal(book)
	}
}
