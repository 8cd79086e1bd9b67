package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

// Format is a schema file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json" // JSON with comments and trailing commas allowed
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json", ".jsonc":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported schema file extension %q", filepath.Ext(path))
	}
}

// Load reads a schema file. It does not validate the result; call
// Schema.Validate for that.
func Load(path string) (Schema, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return Schema{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("read schema: %w", err)
	}
	s, err := Parse(data, format)
	if err != nil {
		return Schema{}, fmt.Errorf("parse schema %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a schema from data in the given format.
func Parse(data []byte, format Format) (Schema, error) {
	var s Schema
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&s); err != nil {
			return Schema{}, fmt.Errorf("invalid YAML: %w", err)
		}
	case FormatJSON:
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return Schema{}, fmt.Errorf("invalid JSONC: %w", err)
		}
		dec := json.NewDecoder(bytes.NewReader(standardized))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&s); err != nil {
			return Schema{}, fmt.Errorf("invalid JSON: %w", err)
		}
	default:
		return Schema{}, fmt.Errorf("unknown schema format %q", format)
	}

	// YAML decodes numbers as int; records always carry float64, so bring
	// document rules to the same representation.
	for i := range s.Collections {
		doc, err := normalizeDocument(s.Collections[i].Document)
		if err != nil {
			return Schema{}, fmt.Errorf("collection %q document: %w", s.Collections[i].Name, err)
		}
		s.Collections[i].Document = doc
	}
	return s, nil
}

func normalizeDocument(doc map[string]any) (map[string]any, error) {
	if doc == nil {
		return nil, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
