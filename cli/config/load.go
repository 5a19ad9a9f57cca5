package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. SPLICE_SERVER_ADDR.
const EnvPrefix = "SPLICE_"

// Load reads a config file over Default, expands ${VAR} references in it,
// and applies SPLICE_* overrides. Files ending in .toml are TOML; anything
// else is YAML. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
		}

		// Unknown keys are rejected so typos surface at startup.
		text := ExpandEnv(string(data))
		if strings.EqualFold(filepath.Ext(path), ".toml") {
			if err := decodeTOML(text, cfg); err != nil {
				return nil, fmt.Errorf("invalid TOML in %s: %w", path, err)
			}
		} else {
			dec := yaml.NewDecoder(strings.NewReader(text))
			dec.KnownFields(true)
			if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
			}
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeTOML(text string, cfg *Config) error {
	meta, err := toml.Decode(text, cfg)
	if err != nil {
		return err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv overlays SPLICE_* environment variables onto cfg. Unset
// variables leave the current value in place.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("invalid environment override: %w", err)
	}
	return nil
}
