// Package lifetime manages the app stack: which app occupies the cut
// and scene slots, which app is foreground, pausing and resuming the
// stack around voice sessions, and the monologue monopoly. It owns
// per-app lifecycle status and dispatches lifecycle events to app
// instances through the scheduler.
package lifetime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/corvid-labs/skald/internal/app"
	"github.com/corvid-labs/skald/internal/events"
)

// ErrPreemptionDenied is returned when a monologue holder blocks an
// activation by another app.
var ErrPreemptionDenied = errors.New("foreground is monopolized")

// Status is the lifecycle status of a running app.
type Status string

const (
	StatusForeground Status = "foreground"
	StatusBackground Status = "background"
	StatusPaused     Status = "paused"
)

// Runner is the slice of the app scheduler the lifetime needs.
type Runner interface {
	CreateApp(ctx context.Context, appID string) (*app.Instance, error)
	DestroyApp(appID string, force bool) error
	Notify(appID, event string, args ...any) error
	IsRunning(appID string) bool
	AliveAppIDs() []string
}

type pendingActivation struct {
	appID     string
	form      app.Form
	carrierID string
}

// Lifetime is the app stack manager. All public methods are safe for
// concurrent use. Scheduler calls are made outside the internal lock,
// so exit callbacks may re-enter.
type Lifetime struct {
	runner Runner
	logger *slog.Logger
	events *events.Bus

	mu         sync.Mutex
	cut        string
	scene      string
	active     string
	monopolist string
	statuses   map[string]Status
	carriers   map[string]string // appID -> carrier appID
	paused     bool
	deferred   []pendingActivation

	onStackReset []func()
	onPreemption []func(appID string)
}

// New creates a lifetime over the given runner. The events bus may be
// nil.
func New(runner Runner, bus *events.Bus, logger *slog.Logger) *Lifetime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifetime{
		runner:   runner,
		logger:   logger,
		events:   bus,
		statuses: make(map[string]Status),
		carriers: make(map[string]string),
	}
}

// OnStackReset registers a callback fired after the stack is emptied.
// Registration is not synchronized; do it during wiring.
func (l *Lifetime) OnStackReset(fn func()) {
	l.onStackReset = append(l.onStackReset, fn)
}

// OnPreemption registers a callback fired with the id of each app
// pushed out of the foreground.
func (l *Lifetime) OnPreemption(fn func(appID string)) {
	l.onPreemption = append(l.onPreemption, fn)
}

// GetCurrentAppID returns the id of the foreground app, or "".
func (l *Lifetime) GetCurrentAppID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentLocked()
}

func (l *Lifetime) currentLocked() string {
	if l.active != "" {
		return l.active
	}
	if l.cut != "" {
		return l.cut
	}
	return l.scene
}

// IsMonopolized reports whether a monologue is in progress.
func (l *Lifetime) IsMonopolized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.monopolist != ""
}

// Monopolist returns the monologue holder, or "".
func (l *Lifetime) Monopolist() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.monopolist
}

// IsAppInStack reports whether the app occupies a stack slot.
func (l *Lifetime) IsAppInStack(appID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return appID != "" && (l.cut == appID || l.scene == appID)
}

// StatusOf returns the lifecycle status of an app, or "" if untracked.
func (l *Lifetime) StatusOf(appID string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statuses[appID]
}

// CreateApp ensures the app instance exists. Idempotent.
func (l *Lifetime) CreateApp(ctx context.Context, appID string) error {
	_, err := l.runner.CreateApp(ctx, appID)
	return err
}

// ActivateAppByID brings a created app to the foreground in the given
// form. While the lifetime is paused the activation is deferred until
// ResumeLifetime. A monologue held by another app denies the request:
// the holder is notified with an "oppressing" event and
// ErrPreemptionDenied is returned.
func (l *Lifetime) ActivateAppByID(ctx context.Context, appID string, form app.Form, carrierID string) error {
	if !l.runner.IsRunning(appID) {
		return fmt.Errorf("activate %s: app is not created", appID)
	}
	form = app.NormalizeForm(string(form))

	l.mu.Lock()
	if l.monopolist != "" && l.monopolist != appID {
		holder := l.monopolist
		l.mu.Unlock()
		if err := l.runner.Notify(holder, "oppressing", appID); err != nil {
			l.logger.Debug("oppressing notification failed", "app_id", holder, "error", err)
		}
		return fmt.Errorf("activate %s: %w by %s", appID, ErrPreemptionDenied, holder)
	}
	if l.paused {
		l.deferred = append(l.deferred, pendingActivation{appID: appID, form: form, carrierID: carrierID})
		l.mu.Unlock()
		l.logger.Debug("activation deferred while lifetime paused", "app_id", appID, "form", form)
		return nil
	}
	evicted, paused, resumed := l.placeLocked(appID, form, carrierID)
	l.mu.Unlock()

	l.settle(evicted, paused, resumed)
	if err := l.runner.Notify(appID, "active", string(form)); err != nil {
		l.logger.Debug("active notification failed", "app_id", appID, "error", err)
	}
	l.events.Publish(events.Event{
		Source: events.SourceLifetime,
		Kind:   events.KindAppActivated,
		Data:   map[string]any{"app_id": appID, "form": string(form)},
	})
	l.logger.Info("app activated", "app_id", appID, "form", form)
	return nil
}

// placeLocked updates the slots for an activation and returns the ids
// that must be destroyed, paused, and resumed, in that order.
func (l *Lifetime) placeLocked(appID string, form app.Form, carrierID string) (evicted, paused, resumed []string) {
	switch form {
	case app.FormScene:
		if l.scene != "" && l.scene != appID {
			evicted = append(evicted, l.scene)
		}
		if l.cut != "" && l.cut != appID {
			// A new scene clears any transient cut on top of it.
			evicted = append(evicted, l.cut)
			l.cut = ""
		}
		l.scene = appID
	default:
		if l.cut != "" && l.cut != appID {
			evicted = append(evicted, l.cut)
		}
		if l.scene != "" && l.scene != appID && l.statuses[l.scene] == StatusForeground {
			// The scene stays in the stack underneath, paused.
			paused = append(paused, l.scene)
		}
		l.cut = appID
	}

	if l.statuses[appID] == StatusPaused {
		resumed = append(resumed, appID)
	}
	l.statuses[appID] = StatusForeground
	l.active = appID
	if carrierID != "" {
		l.carriers[appID] = carrierID
	}
	for _, id := range evicted {
		delete(l.statuses, id)
		l.clearSlotsLocked(id)
	}
	for _, id := range paused {
		l.statuses[id] = StatusPaused
	}
	return evicted, paused, resumed
}

// settle performs the scheduler side effects computed by placeLocked.
func (l *Lifetime) settle(evicted, paused, resumed []string) {
	for _, id := range evicted {
		if err := l.runner.DestroyApp(id, false); err != nil {
			l.logger.Warn("evicted app refused to stop, forcing", "app_id", id, "error", err)
			if err := l.runner.DestroyApp(id, true); err != nil {
				l.logger.Error("forced destroy failed", "app_id", id, "error", err)
			}
		}
		l.notifyPreemption(id)
	}
	for _, id := range paused {
		if err := l.runner.Notify(id, "pause"); err != nil {
			l.logger.Debug("pause notification failed", "app_id", id, "error", err)
		}
		l.notifyPreemption(id)
	}
	for _, id := range resumed {
		if err := l.runner.Notify(id, "resume"); err != nil {
			l.logger.Debug("resume notification failed", "app_id", id, "error", err)
		}
	}
}

func (l *Lifetime) notifyPreemption(appID string) {
	for _, fn := range l.onPreemption {
		fn(appID)
	}
	l.events.Publish(events.Event{
		Source: events.SourceLifetime,
		Kind:   events.KindPreemption,
		Data:   map[string]any{"app_id": appID},
	})
}

func (l *Lifetime) clearSlotsLocked(appID string) {
	if l.cut == appID {
		l.cut = ""
	}
	if l.scene == appID {
		l.scene = ""
	}
	if l.active == appID {
		l.active = ""
	}
	if l.monopolist == appID {
		l.monopolist = ""
	}
	delete(l.carriers, appID)
}

// DeactivateAppByID removes the app from the stack and destroys its
// instance, recovering the app underneath if one remains. No-op when
// the app is not running.
func (l *Lifetime) DeactivateAppByID(appID string) error {
	return l.evict(appID, false, true)
}

// DestroyAppByID destroys the app instance unconditionally. With
// force, teardown proceeds even if the instance refuses to stop.
func (l *Lifetime) DestroyAppByID(appID string, force bool) error {
	return l.evict(appID, force, true)
}

func (l *Lifetime) evict(appID string, force, recover bool) error {
	if appID == "" || !l.runner.IsRunning(appID) {
		return nil
	}

	l.mu.Lock()
	wasActive := l.currentLocked() == appID
	prevCut, prevScene, prevActive, prevMono := l.cut, l.scene, l.active, l.monopolist
	prevStatus, hadStatus := l.statuses[appID]
	prevCarrier, hadCarrier := l.carriers[appID]
	l.clearSlotsLocked(appID)
	delete(l.statuses, appID)
	var carried []string
	for id, carrier := range l.carriers {
		if carrier == appID {
			carried = append(carried, id)
		}
	}
	var next string
	var nextPrevStatus Status
	if wasActive && recover {
		next = l.currentLocked()
		if next != "" {
			nextPrevStatus = l.statuses[next]
			l.statuses[next] = StatusForeground
			l.active = next
		}
	}
	l.mu.Unlock()

	if err := l.runner.DestroyApp(appID, force); err != nil {
		// The instance refused to stop and is still running; put it
		// back so arbitration keeps seeing it.
		l.mu.Lock()
		l.cut, l.scene, l.active, l.monopolist = prevCut, prevScene, prevActive, prevMono
		if hadStatus {
			l.statuses[appID] = prevStatus
		}
		if hadCarrier {
			l.carriers[appID] = prevCarrier
		}
		if next != "" {
			l.statuses[next] = nextPrevStatus
		}
		l.mu.Unlock()
		return err
	}
	for _, id := range carried {
		if err := l.evict(id, force, false); err != nil {
			l.logger.Warn("carried app teardown failed", "app_id", id, "error", err)
		}
	}
	if next != "" {
		if err := l.runner.Notify(next, "resume"); err != nil {
			l.logger.Debug("resume notification failed", "app_id", next, "error", err)
		}
	}
	l.events.Publish(events.Event{
		Source: events.SourceLifetime,
		Kind:   events.KindAppDeactivated,
		Data:   map[string]any{"app_id": appID},
	})
	return nil
}

// SetForegroundByID brings a running background or paused app to the
// foreground without creating it.
func (l *Lifetime) SetForegroundByID(ctx context.Context, appID string, form app.Form) error {
	return l.ActivateAppByID(ctx, appID, form, "")
}

// SetBackgroundByID moves an app out of the stack while keeping its
// instance alive.
func (l *Lifetime) SetBackgroundByID(appID string) error {
	if !l.runner.IsRunning(appID) {
		return fmt.Errorf("background %s: app is not created", appID)
	}

	l.mu.Lock()
	wasActive := l.currentLocked() == appID
	l.clearSlotsLocked(appID)
	l.statuses[appID] = StatusBackground
	var next string
	if wasActive {
		next = l.currentLocked()
		if next != "" {
			l.statuses[next] = StatusForeground
			l.active = next
		}
	}
	l.mu.Unlock()

	if err := l.runner.Notify(appID, "background"); err != nil {
		l.logger.Debug("background notification failed", "app_id", appID, "error", err)
	}
	if next != "" {
		if err := l.runner.Notify(next, "resume"); err != nil {
			l.logger.Debug("resume notification failed", "app_id", next, "error", err)
		}
	}
	return nil
}

// PauseLifetime suspends preemption arbitration. Activation requests
// arriving while paused are queued.
func (l *Lifetime) PauseLifetime() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
	l.logger.Debug("lifetime paused")
}

// ResumeLifetime lifts the pause and drains queued activations in
// arrival order. With recover, the foreground app is also sent a
// resume event.
func (l *Lifetime) ResumeLifetime(ctx context.Context, recover bool) {
	l.mu.Lock()
	l.paused = false
	queued := l.deferred
	l.deferred = nil
	current := l.currentLocked()
	l.mu.Unlock()

	for _, p := range queued {
		if err := l.ActivateAppByID(ctx, p.appID, p.form, p.carrierID); err != nil {
			l.logger.Warn("deferred activation failed", "app_id", p.appID, "error", err)
		}
	}
	if recover && len(queued) == 0 && current != "" {
		if err := l.runner.Notify(current, "resume"); err != nil {
			l.logger.Debug("resume notification failed", "app_id", current, "error", err)
		}
	}
	l.logger.Debug("lifetime resumed", "recover", recover, "deferred", len(queued))
}

// IsPaused reports whether the lifetime is currently paused.
func (l *Lifetime) IsPaused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// StartMonologue grants the foreground app exclusive activation. Only
// the current foreground app may start one.
func (l *Lifetime) StartMonologue(appID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.currentLocked() != appID {
		return fmt.Errorf("monologue: %s is not the foreground app", appID)
	}
	l.monopolist = appID
	l.events.Publish(events.Event{
		Source: events.SourceLifetime,
		Kind:   events.KindMonologue,
		Data:   map[string]any{"app_id": appID, "active": true},
	})
	return nil
}

// StopMonologue releases the monopoly if appID holds it. Calls by
// non-holders are ignored.
func (l *Lifetime) StopMonologue(appID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.monopolist != appID {
		return
	}
	l.monopolist = ""
	l.events.Publish(events.Event{
		Source: events.SourceLifetime,
		Kind:   events.KindMonologue,
		Data:   map[string]any{"app_id": appID, "active": false},
	})
}

// DeactivateCutApp evicts the cut slot occupant, recovering the scene
// underneath.
func (l *Lifetime) DeactivateCutApp() error {
	l.mu.Lock()
	cut := l.cut
	l.mu.Unlock()
	return l.evict(cut, false, true)
}

// DeactivateAppsInStack empties both stack slots, destroying the
// occupants. Errors are logged, not propagated; the stack always ends
// up empty.
func (l *Lifetime) DeactivateAppsInStack() {
	l.mu.Lock()
	cut, scene := l.cut, l.scene
	l.mu.Unlock()

	for _, id := range []string{cut, scene} {
		if err := l.evict(id, false, false); err != nil {
			l.logger.Warn("stack teardown failed", "app_id", id, "error", err)
			if err := l.evict(id, true, false); err != nil {
				l.logger.Error("forced stack teardown failed", "app_id", id, "error", err)
			}
		}
	}
	l.fireStackReset()
}

// DestroyAll destroys every running app, tolerating partial failures.
func (l *Lifetime) DestroyAll(force bool) {
	for _, id := range l.runner.AliveAppIDs() {
		if err := l.runner.DestroyApp(id, force); err != nil {
			l.logger.Warn("destroy failed", "app_id", id, "error", err)
		}
	}
	l.mu.Lock()
	l.cut, l.scene, l.active, l.monopolist = "", "", "", ""
	l.statuses = make(map[string]Status)
	l.carriers = make(map[string]string)
	l.deferred = nil
	l.mu.Unlock()
	l.fireStackReset()
}

func (l *Lifetime) fireStackReset() {
	for _, fn := range l.onStackReset {
		fn()
	}
	l.events.Publish(events.Event{
		Source: events.SourceLifetime,
		Kind:   events.KindStackReset,
	})
}

// OnLifeCycle delivers an arbitrary lifecycle event to a running app.
func (l *Lifetime) OnLifeCycle(appID, event string, args ...any) error {
	return l.runner.Notify(appID, event, args...)
}

// AliveAppIDs returns the ids of every running app.
func (l *Lifetime) AliveAppIDs() []string {
	return l.runner.AliveAppIDs()
}

// HandleAppExit cleans up lifetime state after an app instance is
// gone: slot occupancy, carriage, and any monologue it held. Wire it
// to the scheduler's exit callback.
func (l *Lifetime) HandleAppExit(appID string) {
	l.mu.Lock()
	hadMonopoly := l.monopolist == appID
	l.clearSlotsLocked(appID)
	delete(l.statuses, appID)
	l.mu.Unlock()
	if hadMonopoly {
		l.events.Publish(events.Event{
			Source: events.SourceLifetime,
			Kind:   events.KindMonologue,
			Data:   map[string]any{"app_id": appID, "active": false},
		})
	}
}

// Snapshot reports the stack for diagnostics.
func (l *Lifetime) Snapshot() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	statuses := make(map[string]string, len(l.statuses))
	for id, st := range l.statuses {
		statuses[id] = string(st)
	}
	return map[string]any{
		"cut":        l.cut,
		"scene":      l.scene,
		"active":     l.active,
		"monopolist": l.monopolist,
		"paused":     l.paused,
		"statuses":   statuses,
	}
}
