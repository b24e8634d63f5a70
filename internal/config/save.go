package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const tomlHeader = `# screenguard configuration
#
# policy.mode is "all" (every screen is covered while recording) or
# "selective" (only policy.secured_screens are covered).

`

// SaveConfig saves the configuration to a file. The format follows the
// extension and defaults to TOML.
func SaveConfig(cfg *Config, path string) error {
	data, err := Encode(cfg, filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Encode renders cfg in the format named by ext (".toml", ".json", ".yaml").
func Encode(cfg *Config, ext string) ([]byte, error) {
	switch ext {
	case ".json":
		return json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	default:
		var buf bytes.Buffer
		buf.WriteString(tomlHeader)
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
}
