// pkg/core/load.go
package core

import (
	manifest "github.com/joeydtaylor/steeze-gateway/pkg/manifest"
)

// LoadConfig reads the manifest and applies APP_* environment overrides.
func LoadConfig(path string) (manifest.Config, error) {
	cfg, err := manifest.Load(path)
	if err != nil {
		return manifest.Config{}, err
	}
	cfg.ApplyEnv("APP_")
	if err := cfg.Validate(); err != nil {
		return manifest.Config{}, err
	}
	return cfg, nil
}
