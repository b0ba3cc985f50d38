package app

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(&Manifest{
		AppID:  "@app/weather",
		Skills: []string{"weather"},
		Hosts:  map[string]string{"forecast": "weather"},
	})
	if err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	if got := r.AppIDBySkill("weather"); got != "@app/weather" {
		t.Errorf("AppIDBySkill() = %q, want @app/weather", got)
	}
	if got := r.SkillIDByHost("forecast"); got != "weather" {
		t.Errorf("SkillIDByHost(forecast) = %q, want weather", got)
	}
	// A host matching a skill id resolves to itself.
	if got := r.SkillIDByHost("weather"); got != "weather" {
		t.Errorf("SkillIDByHost(weather) = %q, want weather", got)
	}
	if got := r.SkillIDByHost("unknown"); got != "" {
		t.Errorf("SkillIDByHost(unknown) = %q, want empty", got)
	}
}

func TestRegisterRejectsDuplicateSkill(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(&Manifest{AppID: "@app/a", Skills: []string{"music"}}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Manifest{AppID: "@app/b", Skills: []string{"music"}}); err == nil {
		t.Error("Register() should reject a skill already owned by another app")
	}
}

func TestReRegisterReleasesOldClaims(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(&Manifest{AppID: "@app/a", Skills: []string{"old"}}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&Manifest{AppID: "@app/a", Skills: []string{"new"}}); err != nil {
		t.Fatalf("re-Register() error: %v", err)
	}
	if got := r.AppIDBySkill("old"); got != "" {
		t.Errorf("AppIDBySkill(old) = %q, want empty after re-registration", got)
	}
	if got := r.AppIDBySkill("new"); got != "@app/a" {
		t.Errorf("AppIDBySkill(new) = %q, want @app/a", got)
	}
}

func TestRegisterRejectsForeignHostMapping(t *testing.T) {
	r := NewRegistry(nil)
	err := r.Register(&Manifest{
		AppID:  "@app/a",
		Skills: []string{"mine"},
		Hosts:  map[string]string{"h": "theirs"},
	})
	if err == nil {
		t.Error("Register() should reject a host mapped to an unowned skill")
	}
}

func TestExcludedFromStack(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Register(&Manifest{AppID: "@app/sys", Skills: []string{"sys"}, ExcludedFromStack: true}); err != nil {
		t.Fatal(err)
	}
	if !r.IsSkillExcludedFromStack("sys") {
		t.Error("IsSkillExcludedFromStack(sys) = false, want true")
	}
	if r.IsSkillExcludedFromStack("unknown") {
		t.Error("IsSkillExcludedFromStack(unknown) = true, want false")
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	good := `{"appId":"@app/clock","skills":["clock"],"daemon":true}`
	if err := os.WriteFile(filepath.Join(dir, "clock.json"), []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte(`{`), 0o644); err != nil {
		t.Fatal(err)
	}
	sub := filepath.Join(dir, "timer")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	nested := `{"appId":"@app/timer","skills":["timer"]}`
	if err := os.WriteFile(filepath.Join(sub, "manifest.json"), []byte(nested), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewRegistry(nil)
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir() error: %v", err)
	}

	if _, ok := r.Manifest("@app/clock"); !ok {
		t.Error("top-level manifest not loaded")
	}
	if _, ok := r.Manifest("@app/timer"); !ok {
		t.Error("nested manifest not loaded")
	}
	daemons := r.DaemonAppIDs()
	if len(daemons) != 1 || daemons[0] != "@app/clock" {
		t.Errorf("DaemonAppIDs() = %v, want [@app/clock]", daemons)
	}
}

func TestLoadDirMissing(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.LoadDir(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("LoadDir() on missing directory should error")
	}
}
