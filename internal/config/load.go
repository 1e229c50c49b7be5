package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format selects a definition file encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatFor picks the format from a file extension; anything that is not
// .yaml or .yml is treated as JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads and decodes a pipeline definition file.
func Load(path string) (Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	p, err := Decode(f, FormatFor(path))
	if err != nil {
		return Pipeline{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return p, nil
}

// Decode decodes a pipeline definition in the given format.
func Decode(r io.Reader, format Format) (Pipeline, error) {
	var p Pipeline
	switch format {
	case FormatYAML:
		b, err := io.ReadAll(r)
		if err != nil {
			return p, fmt.Errorf("read: %w", err)
		}
		if err := yaml.Unmarshal(b, &p); err != nil {
			return p, fmt.Errorf("decode yaml: %w", err)
		}
		normalizeOptions(&p)
	default:
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return p, fmt.Errorf("decode json: %w", err)
		}
	}
	return p, nil
}

// Encode writes p in the given format.
func Encode(w io.Writer, p Pipeline, format Format) error {
	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(p); err != nil {
			return fmt.Errorf("config: encode yaml: %w", err)
		}
		return enc.Close()
	default:
		b, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return fmt.Errorf("config: encode json: %w", err)
		}
		_, err = io.Copy(w, bytes.NewReader(append(b, '\n')))
		return err
	}
}

// normalizeOptions ensures every step carries a non-nil Options map; YAML
// leaves absent maps nil where the JSON path yields empty ones.
func normalizeOptions(p *Pipeline) {
	for i := range p.Steps {
		if p.Steps[i].Options == nil {
			p.Steps[i].Options = Options{}
		}
	}
}
