// Package app provides app manifests, the skill registry, and the app
// scheduler. Apps are the units the runtime activates in response to
// voice commands; each is described by a static manifest loaded at
// startup or registered explicitly at runtime.
package app

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Form is the running form of an activity. Cut activities occupy the
// transient foreground slot; scene activities occupy the long-lived
// one. The two slots coexist in the stack.
type Form string

const (
	FormCut   Form = "cut"
	FormScene Form = "scene"
)

// ValidForm reports whether s names a known form. The empty string is
// accepted and means "default" (cut).
func ValidForm(s string) bool {
	switch Form(s) {
	case FormCut, FormScene, "":
		return true
	}
	return false
}

// NormalizeForm maps an untrusted form string to a Form, defaulting
// to cut.
func NormalizeForm(s string) Form {
	if Form(s) == FormScene {
		return FormScene
	}
	return FormCut
}

// Manifest is the static descriptor of an app. Immutable once
// registered, except through explicit re-registration.
type Manifest struct {
	// AppID uniquely identifies the app, e.g. "@app/weather".
	AppID string `json:"appId"`
	// Skills are the skill identifiers the app serves. A skill may be
	// owned by at most one app.
	Skills []string `json:"skills"`
	// Hosts maps url hosts (of yoda-skill: urls) to the owning skill.
	Hosts map[string]string `json:"hosts,omitempty"`
	// Daemon apps are started eagerly after login.
	Daemon bool `json:"daemon,omitempty"`
	// Permissions granted to the app, e.g. ACCESS_TTS.
	Permissions []string `json:"permission,omitempty"`
	// ExcludedFromStack keeps the app's skills out of the cloud-side
	// skill stack mirror.
	ExcludedFromStack bool `json:"excludedFromStack,omitempty"`
}

// validate checks the structural requirements of a manifest.
func (m *Manifest) validate() error {
	if m.AppID == "" {
		return fmt.Errorf("manifest missing appId")
	}
	if len(m.Skills) == 0 {
		return fmt.Errorf("manifest %s declares no skills", m.AppID)
	}
	for host, skill := range m.Hosts {
		if !contains(m.Skills, skill) {
			return fmt.Errorf("manifest %s: host %q maps to skill %q not owned by the app", m.AppID, host, skill)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, it := range list {
		if it == s {
			return true
		}
	}
	return false
}

// loadManifestFile reads and validates a single manifest file.
func loadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// findManifests returns the manifest file paths under dir: either
// top-level *.json files or <app>/manifest.json one level down.
func findManifests(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			p := filepath.Join(dir, e.Name(), "manifest.json")
			if _, err := os.Stat(p); err == nil {
				paths = append(paths, p)
			}
			continue
		}
		if filepath.Ext(e.Name()) == ".json" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}
