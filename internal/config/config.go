// Package config handles skald configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment variables overriding the voice session timer guards, in
// integer milliseconds. They take precedence over the config file.
const (
	EnvSolitaryVoiceComingTimeout = "SKALD_SOLITARY_VOICE_COMING_TIMEOUT"
	EnvNoVoiceInputTimeout        = "SKALD_NO_VOICE_INPUT_TIMEOUT"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/skald/config.yaml, /etc/skald/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "skald", "config.yaml"))
	}

	paths = append(paths, "/etc/skald/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all skald configuration.
type Config struct {
	Bus      BusConfig   `yaml:"bus"`
	Ops      OpsConfig   `yaml:"ops"`
	Cloud    CloudConfig `yaml:"cloud"`
	Voice    VoiceConfig `yaml:"voice"`
	AppsDir  string      `yaml:"apps_dir"`
	DataDir  string      `yaml:"data_dir"`
	LogLevel string      `yaml:"log_level"`
}

// BusConfig defines the message bus connection. The bus is the only
// transport between the runtime and the wake-word/speech daemons.
type BusConfig struct {
	Broker     string `yaml:"broker"`   // e.g. mqtt://127.0.0.1:1883
	Username   string `yaml:"username"` // optional
	Password   string `yaml:"password"` // optional
	DeviceName string `yaml:"device_name"`
}

// Configured reports whether the bus has a broker to connect to.
func (c BusConfig) Configured() bool {
	return c.Broker != ""
}

// OpsConfig defines the operational HTTP server (health, status, event
// stream). Disabled when Port is zero.
type OpsConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// CloudConfig defines the cloud account endpoint used for device login.
type CloudConfig struct {
	Endpoint  string `yaml:"endpoint"`
	DeviceID  string `yaml:"device_id"`
	DeviceKey string `yaml:"device_key"`
}

// VoiceConfig holds the voice session timer guards, in milliseconds.
type VoiceConfig struct {
	SolitaryVoiceComingTimeoutMs int `yaml:"solitary_voice_coming_timeout_ms"`
	NoVoiceInputTimeoutMs        int `yaml:"no_voice_input_timeout_ms"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded, and the voice timer overrides are applied from
// the process environment last.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Broker:     "mqtt://127.0.0.1:1883",
			DeviceName: "skald",
		},
		Ops:     OpsConfig{Port: 8745},
		DataDir: "data",
		AppsDir: "apps",
		Voice: VoiceConfig{
			SolitaryVoiceComingTimeoutMs: 9000,
			NoVoiceInputTimeoutMs:        6000,
		},
	}
}

// applyEnvOverrides applies the voice timer environment overrides.
// Non-integer values are ignored rather than failing startup.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvSolitaryVoiceComingTimeout); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Voice.SolitaryVoiceComingTimeoutMs = ms
		}
	}
	if v := os.Getenv(EnvNoVoiceInputTimeout); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Voice.NoVoiceInputTimeoutMs = ms
		}
	}
}
