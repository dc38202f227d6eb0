package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML, TOML or JSON (comments allowed) settings file on top
// of Default. The format is chosen by extension and unknown keys are rejected.
func LoadFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}
	settings := Default()
	if err := Decode(filepath.Ext(path), data, &settings); err != nil {
		return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return settings, nil
}

// Decode unmarshals data in the format named by ext (".yaml", ".yml",
// ".toml" or ".json") into dest.
func Decode(ext string, data []byte, dest *Settings) error {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "yaml", "yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	case "toml":
		meta, err := toml.Decode(string(data), dest)
		if err != nil {
			return err
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys: %v", undecoded)
		}
		return nil
	case "json":
		decoder := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		decoder.DisallowUnknownFields()
		return decoder.Decode(dest)
	default:
		return fmt.Errorf("unsupported config format %q", ext)
	}
}
