package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file, starting from Default() so the file
// only needs to override the fields it cares about, then validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
