package app

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry indexes app manifests by app id, skill id, and url host.
// The skill index is injective: registering a manifest whose skill is
// already owned by a different app fails.
type Registry struct {
	logger *slog.Logger

	mu          sync.RWMutex
	manifests   map[string]*Manifest
	skillToApp  map[string]string
	hostToSkill map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:      logger,
		manifests:   make(map[string]*Manifest),
		skillToApp:  make(map[string]string),
		hostToSkill: make(map[string]string),
	}
}

// LoadDir loads every manifest found under dir. Individual unreadable
// or invalid manifests are logged and skipped; only a missing
// directory is an error.
func (r *Registry) LoadDir(dir string) error {
	paths, err := findManifests(dir)
	if err != nil {
		return fmt.Errorf("scan apps dir: %w", err)
	}
	for _, path := range paths {
		m, err := loadManifestFile(path)
		if err != nil {
			r.logger.Warn("skipping app manifest", "path", path, "error", err)
			continue
		}
		if err := r.Register(m); err != nil {
			r.logger.Warn("skipping app manifest", "path", path, "error", err)
		}
	}
	return nil
}

// Register adds or replaces a manifest. Re-registering the same app id
// replaces its previous entry and releases its previous skill claims.
func (r *Registry) Register(m *Manifest) error {
	if err := m.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, skill := range m.Skills {
		if owner, ok := r.skillToApp[skill]; ok && owner != m.AppID {
			return fmt.Errorf("skill %q already owned by %s", skill, owner)
		}
	}

	if prev, ok := r.manifests[m.AppID]; ok {
		for _, skill := range prev.Skills {
			delete(r.skillToApp, skill)
		}
		for host := range prev.Hosts {
			delete(r.hostToSkill, host)
		}
	}

	r.manifests[m.AppID] = m
	for _, skill := range m.Skills {
		r.skillToApp[skill] = m.AppID
	}
	for host, skill := range m.Hosts {
		r.hostToSkill[host] = skill
	}
	r.logger.Debug("registered app", "app_id", m.AppID, "skills", m.Skills, "daemon", m.Daemon)
	return nil
}

// Unregister removes an app and its skill and host claims. No-op if
// the app is unknown.
func (r *Registry) Unregister(appID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[appID]
	if !ok {
		return
	}
	for _, skill := range m.Skills {
		delete(r.skillToApp, skill)
	}
	for host := range m.Hosts {
		delete(r.hostToSkill, host)
	}
	delete(r.manifests, appID)
}

// Manifest returns the manifest for an app id.
func (r *Registry) Manifest(appID string) (*Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[appID]
	return m, ok
}

// AppIDBySkill resolves a skill id to its owning app id, or "".
func (r *Registry) AppIDBySkill(skillID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.skillToApp[skillID]
}

// SkillIDByHost resolves a url host to a skill id, or "". Hosts that
// look like skill ids resolve to themselves when owned by some app.
func (r *Registry) SkillIDByHost(host string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if skill, ok := r.hostToSkill[host]; ok {
		return skill
	}
	if _, ok := r.skillToApp[host]; ok {
		return host
	}
	return ""
}

// IsSkillExcludedFromStack reports whether the skill's owning app is
// excluded from the cloud skill stack. Unknown skills report false.
func (r *Registry) IsSkillExcludedFromStack(skillID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	appID, ok := r.skillToApp[skillID]
	if !ok {
		return false
	}
	m, ok := r.manifests[appID]
	return ok && m.ExcludedFromStack
}

// DaemonAppIDs returns the ids of all daemon apps.
func (r *Registry) DaemonAppIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, m := range r.manifests {
		if m.Daemon {
			ids = append(ids, id)
		}
	}
	return ids
}

// AppIDs returns every registered app id.
func (r *Registry) AppIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.manifests))
	for id := range r.manifests {
		ids = append(ids, id)
	}
	return ids
}
