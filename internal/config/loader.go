package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.yaml.in/yaml/v3"

	"github.com/ekisa-team/exitproxy/internal/mapsafe"
	"github.com/ekisa-team/exitproxy/internal/xfs"
)

//go:embed schema.json
var schemaJSON string

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("schema.json", schemaJSON)
})

// LoadAndValidate reads the YAML file at path, validates it against the
// embedded schema and decodes it over the defaults.
func LoadAndValidate(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config: %w", err)
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: invalid YAML: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("config: failed to compile schema: %w", err)
	}

	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	doc, _ := raw.(map[string]any)
	if version := mapsafe.Get(doc, "version", DefaultVersion); version != DefaultVersion {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, version)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal into Config struct: %w", err)
	}

	return cfg, nil
}

// Load builds the effective configuration: defaults, then the file at path
// when path is not empty, then environment overrides read through lookup.
// A nil lookup means os.LookupEnv.
func Load(path string, lookup func(string) (string, bool)) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	cfg := Default()
	if path != "" {
		loaded, err := LoadAndValidate(xfs.ExpandTilde(path))
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}

	cfg.Tor.Binary = xfs.ExpandTilde(cfg.Tor.Binary)
	cfg.Tor.Default.ConfigPath = xfs.ExpandTilde(cfg.Tor.Default.ConfigPath)
	cfg.Tor.Instances.DataDir = xfs.ExpandTilde(cfg.Tor.Instances.DataDir)
	cfg.Log.File = xfs.ExpandTilde(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}

	return cfg, nil
}
