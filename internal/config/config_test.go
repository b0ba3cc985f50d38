package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "log_level: debug\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Voice.SolitaryVoiceComingTimeoutMs != 9000 {
		t.Errorf("SolitaryVoiceComingTimeoutMs = %d, want 9000", cfg.Voice.SolitaryVoiceComingTimeoutMs)
	}
	if cfg.Voice.NoVoiceInputTimeoutMs != 6000 {
		t.Errorf("NoVoiceInputTimeoutMs = %d, want 6000", cfg.Voice.NoVoiceInputTimeoutMs)
	}
	if cfg.Bus.Broker == "" {
		t.Error("default bus broker should not be empty")
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("SKALD_TEST_BROKER", "mqtt://broker.local:1883")
	path := writeConfig(t, "bus:\n  broker: ${SKALD_TEST_BROKER}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Bus.Broker != "mqtt://broker.local:1883" {
		t.Errorf("Bus.Broker = %q, want expanded env value", cfg.Bus.Broker)
	}
}

func TestVoiceTimerEnvOverrides(t *testing.T) {
	t.Setenv(EnvSolitaryVoiceComingTimeout, "12000")
	t.Setenv(EnvNoVoiceInputTimeout, "4500")
	path := writeConfig(t, "voice:\n  solitary_voice_coming_timeout_ms: 100\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Voice.SolitaryVoiceComingTimeoutMs != 12000 {
		t.Errorf("SolitaryVoiceComingTimeoutMs = %d, want env override 12000", cfg.Voice.SolitaryVoiceComingTimeoutMs)
	}
	if cfg.Voice.NoVoiceInputTimeoutMs != 4500 {
		t.Errorf("NoVoiceInputTimeoutMs = %d, want env override 4500", cfg.Voice.NoVoiceInputTimeoutMs)
	}
}

func TestVoiceTimerEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv(EnvNoVoiceInputTimeout, "soon")
	path := writeConfig(t, "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Voice.NoVoiceInputTimeoutMs != 6000 {
		t.Errorf("NoVoiceInputTimeoutMs = %d, want default 6000 for non-integer env", cfg.Voice.NoVoiceInputTimeoutMs)
	}
}

func TestFindConfigExplicitMissing(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("FindConfig() with missing explicit path should error")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"trace", LevelTrace, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
