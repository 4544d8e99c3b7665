package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Manifest names a cache generation and the URLs pre-populated when it installs.
type Manifest struct {
	Generation string   `koanf:"generation" json:"generation"`
	URLs       []string `koanf:"urls" json:"urls"`
}

// Validate rejects manifests the lifecycle manager cannot install.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Generation) == "" {
		return errors.New("config: manifest generation required")
	}
	if strings.Contains(m.Generation, "/") {
		return fmt.Errorf("config: manifest generation must not contain '/': %q", m.Generation)
	}
	for i, u := range m.URLs {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("config: manifest urls[%d] empty", i)
		}
	}
	return nil
}

// ResolveManifest returns the manifest the lifecycle section describes. A
// manifest file wins over the inline generation and URL list.
func (c LifecycleConfig) ResolveManifest() (Manifest, error) {
	if path := strings.TrimSpace(c.ManifestFile); path != "" {
		return LoadManifest(path)
	}
	m := Manifest{Generation: c.Generation, URLs: cloneStrings(c.Manifest)}
	if err := m.Validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// LoadManifest decodes a YAML, JSON, or TOML manifest document.
func LoadManifest(path string) (Manifest, error) {
	if err := ensureFileExists(path); err != nil {
		return Manifest{}, err
	}
	parser, err := parserFor(path)
	if err != nil {
		return Manifest{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return Manifest{}, fmt.Errorf("config: load manifest from %s: %w", path, err)
	}
	var m Manifest
	if err := k.Unmarshal("", &m); err != nil {
		return Manifest{}, fmt.Errorf("config: decode manifest from %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return Manifest{}, fmt.Errorf("%w (%s)", err, path)
	}
	return m, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: manifest file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: manifest file %s: expected a file, found directory", path)
	}
	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported manifest file extension %s", ext)
	}
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
