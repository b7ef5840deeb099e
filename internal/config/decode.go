package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	yaml "go.yaml.in/yaml/v3"
)

// formats maps a file extension to a decoder producing a generic tree.
// Anything else is read as JSON.
var formats = map[string]struct {
	name   string
	decode func([]byte) (any, error)
}{
	".yaml": {"yaml", decodeYAML},
	".yml":  {"yaml", decodeYAML},
	".toml": {"toml", decodeTOML},
}

func decodeYAML(b []byte) (any, error) {
	var v any
	err := yaml.Unmarshal(b, &v)
	return v, err
}

func decodeTOML(b []byte) (any, error) {
	var m map[string]any
	err := toml.Unmarshal(b, &m)
	return m, err
}

// Decode strictly decodes data, choosing the format from the extension of
// name. Every format goes through the JSON decoder so unknown keys are
// rejected the same way. Defaults are applied to the result.
func Decode(name string, data []byte) (*Config, error) {
	format := "json"
	if f, ok := formats[strings.ToLower(filepath.Ext(name))]; ok {
		format = f.name
		tree, err := f.decode(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", format, err)
		}
		if data, err = json.Marshal(stringKeys(tree)); err != nil {
			return nil, fmt.Errorf("parse %s: %w", format, err)
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("trailing data after config document")
		}
		return nil, fmt.Errorf("decode %s: %w", format, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// stringKeys rewrites map[any]any nodes (yaml) as map[string]any so the tree
// marshals to JSON.
func stringKeys(in any) any {
	switch x := in.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, v := range x {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range x {
			x[k] = stringKeys(v)
		}
		return x
	case []any:
		for i, v := range x {
			x[i] = stringKeys(v)
		}
		return x
	}
	return in
}
