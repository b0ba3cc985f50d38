package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/corvid-labs/skald/internal/config"
	"gopkg.in/yaml.v3"
)

// runInit writes a default config file and creates the data and apps
// directories. An existing config is never overwritten.
func runInit(stdout io.Writer, path string) error {
	if path == "" {
		path = "config.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", path)
	}

	cfg := config.Default()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	for _, dir := range []string{cfg.DataDir, cfg.AppsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	fmt.Fprintf(stdout, "wrote %s\n", path)
	fmt.Fprintf(stdout, "apps dir: %s\n", cfg.AppsDir)
	fmt.Fprintf(stdout, "data dir: %s\n", cfg.DataDir)
	return nil
}
