// Package runtime is the top-level orchestrator: it resolves NLP
// results and app urls to app activations, mirrors the skill stack to
// the cloud, bootstraps apps after login, and exposes the device
// control operations the ops surface and apps call.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/corvid-labs/skald/internal/app"
	"github.com/corvid-labs/skald/internal/auth"
	"github.com/corvid-labs/skald/internal/bus"
	"github.com/corvid-labs/skald/internal/effects"
	"github.com/corvid-labs/skald/internal/events"
	"github.com/corvid-labs/skald/internal/lifetime"
	"github.com/corvid-labs/skald/internal/voice"
)

// ErrAppResolution means no installed app serves the requested skill.
var ErrAppResolution = errors.New("no app serves the skill")

// appURLScheme is the only scheme OpenURL dispatches.
const appURLScheme = "yoda-skill"

// noLocalAppURL receives skills the cloud knows but the device lacks.
const noLocalAppURL = appURLScheme + "://rokid-exception/no-local-app"

// Domain mirrors the cloud-visible skill stack: which skill occupies
// each slot and which one acted last.
type Domain struct {
	Cut    string `json:"cut"`
	Scene  string `json:"scene"`
	Active string `json:"active"`
}

// NotificationFilter selects dispatch targets for notifications.
type NotificationFilter string

const (
	// FilterActive targets apps occupying a stack slot.
	FilterActive NotificationFilter = "active"
	// FilterRunning targets all running apps.
	FilterRunning NotificationFilter = "running"
	// FilterAll targets every installed app, creating missing ones.
	FilterAll NotificationFilter = "all"
)

// Deps collects the components the runtime orchestrates.
type Deps struct {
	Registry  *app.Registry
	Scheduler *app.Scheduler
	Lifetime  *lifetime.Lifetime
	Voice     *voice.Session
	Effects   *effects.Controller
	Auth      *auth.Auth
	Post      bus.Poster
	Events    *events.Bus
	Logger    *slog.Logger
}

// Runtime orchestrates the device. Safe for concurrent use.
type Runtime struct {
	ctx       context.Context
	registry  *app.Registry
	scheduler *app.Scheduler
	lifetime  *lifetime.Lifetime
	voice     *voice.Session
	effects   *effects.Controller
	auth      *auth.Auth
	post      bus.Poster
	events    *events.Bus
	logger    *slog.Logger

	mu         sync.Mutex
	domain     Domain
	hibernated bool
}

// New creates the runtime and wires the cross-component callbacks:
// it becomes the voice session's resolver, the auth delegate, and the
// lifetime's stack observers.
func New(ctx context.Context, d Deps) *Runtime {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r := &Runtime{
		ctx:       ctx,
		registry:  d.Registry,
		scheduler: d.Scheduler,
		lifetime:  d.Lifetime,
		voice:     d.Voice,
		effects:   d.Effects,
		auth:      d.Auth,
		post:      d.Post,
		events:    d.Events,
		logger:    d.Logger,
	}
	r.lifetime.OnStackReset(r.resetCloudStack)
	r.lifetime.OnPreemption(r.AppPause)
	if r.voice != nil {
		r.voice.SetResolver(r)
	}
	if r.auth != nil {
		r.auth.SetDelegate(r)
	}
	if r.scheduler != nil {
		r.scheduler.OnExit(r.lifetime.HandleAppExit)
	}
	return r
}

// Init puts the speech side into its boot state: microphone open and
// wake word processing enabled.
func (r *Runtime) Init() {
	if r.voice != nil {
		r.voice.SetMute(false)
		r.voice.SetWakeUpEngine(true)
	}
}

type nlpPayload struct {
	AppID   string `json:"appId"`
	AppName string `json:"appName"`
	Cloud   bool   `json:"cloud"`
}

type actionPayload struct {
	Response struct {
		Action struct {
			Form string `json:"form"`
		} `json:"action"`
	} `json:"response"`
}

type commandOptions struct {
	preemptive bool
	carrierID  string
}

// OnVoiceCommand resolves an NLP result to an app dispatch. Reports
// success; failures are logged, never raised, so a broken skill
// cannot take the dispatcher down.
func (r *Runtime) OnVoiceCommand(asr string, nlp, action []byte) bool {
	return r.dispatchVoiceCommand(asr, nlp, action, commandOptions{preemptive: true})
}

func (r *Runtime) dispatchVoiceCommand(asr string, nlpRaw, actionRaw []byte, opts commandOptions) bool {
	var nlp nlpPayload
	if err := json.Unmarshal(nlpRaw, &nlp); err != nil || nlp.AppID == "" {
		r.logger.Warn("nlp result carries no skill", "error", err)
		return false
	}
	var action actionPayload
	if err := json.Unmarshal(actionRaw, &action); err != nil {
		r.logger.Warn("action document rejected", "error", err)
		return false
	}
	form := app.NormalizeForm(action.Response.Action.Form)

	appID := r.registry.AppIDBySkill(nlp.AppID)
	if appID == "" {
		if nlp.AppName != "" {
			// The cloud resolved a skill we do not have installed;
			// let the exception app explain.
			q := url.Values{"appId": {nlp.AppID}, "appName": {nlp.AppName}}
			return r.OpenURL(noLocalAppURL + "?" + q.Encode())
		}
		r.logger.Warn("voice command dropped", "skill_id", nlp.AppID, "error", ErrAppResolution)
		return false
	}

	if consumed := r.enforceMonopoly(appID, opts.preemptive); consumed {
		return true
	}

	if err := r.lifetime.CreateApp(r.ctx, appID); err != nil {
		r.logger.Error("app creation failed", "app_id", appID, "error", err)
		if derr := r.lifetime.DestroyAppByID(appID, true); derr != nil {
			r.logger.Warn("cleanup after failed creation", "app_id", appID, "error", derr)
		}
		return false
	}

	if opts.preemptive {
		if err := r.lifetime.ActivateAppByID(r.ctx, appID, form, opts.carrierID); err != nil {
			r.logger.Warn("activation failed", "app_id", appID, "error", err)
			return false
		}
		r.updateCloudStack(nlp.AppID, form, true)
		r.effects.UnmuteIfNecessary()
	}

	if err := r.lifetime.OnLifeCycle(appID, "request", string(nlpRaw), string(actionRaw)); err != nil {
		r.logger.Warn("request delivery failed", "app_id", appID, "error", err)
		return false
	}

	r.events.Publish(events.Event{
		Source: events.SourceRuntime,
		Kind:   events.KindVoiceCommand,
		Data: map[string]any{
			"app_id":     appID,
			"skill_id":   nlp.AppID,
			"form":       string(form),
			"preemptive": opts.preemptive,
		},
	})
	r.logger.Info("voice command dispatched", "app_id", appID, "skill_id", nlp.AppID, "asr", asr)
	return true
}

// enforceMonopoly consumes a preemptive request while another app
// holds the monologue. The holder learns about the attempt; the
// request is treated as handled so interrupted media stays down.
func (r *Runtime) enforceMonopoly(appID string, preemptive bool) bool {
	if !preemptive || !r.lifetime.IsMonopolized() {
		return false
	}
	holder := r.lifetime.Monopolist()
	if holder == "" || holder == appID {
		return false
	}
	r.logger.Info("request absorbed by monologue", "app_id", appID, "holder", holder)
	if err := r.lifetime.OnLifeCycle(holder, "oppressing", appID); err != nil {
		r.logger.Debug("oppressing delivery failed", "app_id", holder, "error", err)
	}
	return true
}

// OpenURL dispatches an app url. Only the app scheme is accepted;
// anything else reports false with no side effects.
func (r *Runtime) OpenURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != appURLScheme {
		r.logger.Warn("url dispatch refused", "url", rawURL)
		return false
	}

	skillID := r.registry.SkillIDByHost(u.Host)
	if skillID == "" {
		r.logger.Warn("url dispatch dropped", "host", u.Host, "error", ErrAppResolution)
		return false
	}
	appID := r.registry.AppIDBySkill(skillID)
	form := app.NormalizeForm(u.Query().Get("form"))

	if consumed := r.enforceMonopoly(appID, true); consumed {
		return true
	}

	if err := r.lifetime.CreateApp(r.ctx, appID); err != nil {
		r.logger.Error("app creation failed", "app_id", appID, "error", err)
		if derr := r.lifetime.DestroyAppByID(appID, true); derr != nil {
			r.logger.Warn("cleanup after failed creation", "app_id", appID, "error", derr)
		}
		return false
	}
	if err := r.lifetime.ActivateAppByID(r.ctx, appID, form, ""); err != nil {
		r.logger.Warn("activation failed", "app_id", appID, "error", err)
		return false
	}
	r.updateCloudStack(skillID, form, true)
	if err := r.lifetime.OnLifeCycle(appID, "url", rawURL); err != nil {
		r.logger.Warn("url delivery failed", "app_id", appID, "error", err)
		return false
	}

	r.events.Publish(events.Event{
		Source: events.SourceRuntime,
		Kind:   events.KindURLOpened,
		Data:   map[string]any{"url": rawURL, "app_id": appID},
	})
	return true
}

// StartApp launches a skill without a voice turn. A synthetic NLP
// document is built for it and routed through the normal dispatch
// path, so monologue and stack rules apply as if the cloud sent it.
func (r *Runtime) StartApp(skillID string, form app.Form) error {
	nlpRaw, err := json.Marshal(nlpPayload{AppID: skillID})
	if err != nil {
		return fmt.Errorf("encode synthetic nlp: %w", err)
	}
	var action actionPayload
	action.Response.Action.Form = string(form)
	actionRaw, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode synthetic action: %w", err)
	}
	if !r.dispatchVoiceCommand("", nlpRaw, actionRaw, commandOptions{preemptive: true}) {
		return fmt.Errorf("start %s: %w", skillID, ErrAppResolution)
	}
	return nil
}

// updateCloudStack records a skill in the domain and mirrors the
// stack to the cloud context as "scene:cut". Skills excluded from the
// stack leave no trace.
func (r *Runtime) updateCloudStack(skillID string, form app.Form, isActive bool) {
	if skillID != "" && r.registry.IsSkillExcludedFromStack(skillID) {
		return
	}

	r.mu.Lock()
	if isActive {
		r.domain.Active = skillID
	}
	if form == app.FormScene {
		r.domain.Scene = skillID
	} else {
		r.domain.Cut = skillID
	}
	stack := r.domain.Scene + ":" + r.domain.Cut
	r.mu.Unlock()

	r.post.Post(bus.TopicStackUpdate, stack)
	r.logger.Debug("cloud stack updated", "stack", stack)
}

// resetCloudStack empties the domain and mirrors the empty stack.
func (r *Runtime) resetCloudStack() {
	r.mu.Lock()
	r.domain = Domain{}
	r.mu.Unlock()
	r.post.Post(bus.TopicStackUpdate, ":")
}

// CurrentDomain reports the cloud-visible stack.
func (r *Runtime) CurrentDomain() Domain {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.domain
}

// StartMonologue grants the calling app exclusive activation. Only
// the foreground app may hold it.
func (r *Runtime) StartMonologue(appID string) error {
	return r.lifetime.StartMonologue(appID)
}

// StopMonologue releases the monopoly if appID holds it.
func (r *Runtime) StopMonologue(appID string) {
	r.lifetime.StopMonologue(appID)
}

// Idle empties the app stack and the cloud mirror.
func (r *Runtime) Idle() {
	r.logger.Info("going idle")
	r.lifetime.DeactivateAppsInStack()
}

// Hibernate puts the device to sleep: wake word off, stack emptied.
func (r *Runtime) Hibernate() {
	r.mu.Lock()
	if r.hibernated {
		r.mu.Unlock()
		return
	}
	r.hibernated = true
	r.mu.Unlock()

	r.logger.Info("hibernating")
	if r.voice != nil {
		r.voice.SetWakeUpEngine(false)
	}
	r.lifetime.DeactivateAppsInStack()
}

// Wakeup lifts hibernation.
func (r *Runtime) Wakeup() {
	r.mu.Lock()
	if !r.hibernated {
		r.mu.Unlock()
		return
	}
	r.hibernated = false
	r.mu.Unlock()

	r.logger.Info("waking up")
	if r.voice != nil {
		r.voice.SetWakeUpEngine(true)
	}
}

// ResetNetwork tears down all apps and asks the network daemon to
// re-announce connectivity, which drives a fresh login attempt once
// the network is back.
func (r *Runtime) ResetNetwork() {
	r.logger.Warn("resetting network state")
	r.lifetime.DestroyAll(true)
	r.SetMicMute(false)
	r.post.Post(bus.TopicNetworkTriggerStatus)
}

// DispatchNotification delivers a notification channel to apps
// selected by the filter. Delivery is sequential; per-app failures
// are logged and skipped. The all filter creates missing apps first.
func (r *Runtime) DispatchNotification(channel string, params []any, filter NotificationFilter) {
	var targets []string
	switch filter {
	case FilterAll:
		targets = r.registry.AppIDs()
	case FilterActive:
		for _, id := range r.lifetime.AliveAppIDs() {
			if r.lifetime.IsAppInStack(id) {
				targets = append(targets, id)
			}
		}
	default:
		targets = r.lifetime.AliveAppIDs()
	}

	for _, appID := range targets {
		if filter == FilterAll && !r.scheduler.IsRunning(appID) {
			if err := r.lifetime.CreateApp(r.ctx, appID); err != nil {
				r.logger.Warn("notification target creation failed", "app_id", appID, "error", err)
				continue
			}
		}
		if err := r.lifetime.OnLifeCycle(appID, channel, params...); err != nil {
			r.logger.Warn("notification delivery failed", "app_id", appID, "channel", channel, "error", err)
		}
	}
}

// SetForegroundByID brings an app to the foreground under one of its
// own skills.
func (r *Runtime) SetForegroundByID(appID, skillID string, form app.Form) error {
	if skillID != "" && r.registry.AppIDBySkill(skillID) != appID {
		return fmt.Errorf("skill %q is not owned by %s", skillID, appID)
	}
	if skillID != "" {
		r.updateCloudStack(skillID, form, true)
	}
	return r.lifetime.SetForegroundByID(r.ctx, appID, form)
}

// SetMicMute sets the microphone mute state. No-op when already at
// the requested state.
func (r *Runtime) SetMicMute(mute bool) bool {
	if r.voice == nil || r.voice.Muted() == mute {
		return mute
	}
	return r.voice.SetMute(mute)
}

// SetPickup opens or closes the microphone. Opening is refused while
// muted.
func (r *Runtime) SetPickup(isPickup bool) {
	if r.voice == nil {
		return
	}
	if isPickup && r.voice.Muted() {
		r.logger.Debug("pickup refused while muted")
		return
	}
	r.voice.Pickup(isPickup, true)
}

// VoiceCommand lets a running app inject a command as if spoken. The
// app is backgrounded first so a preemption triggered by its own
// command cannot destroy it, and it is recorded as the carrier of
// whatever app the command activates.
func (r *Runtime) VoiceCommand(text string, nlp, action []byte, appID string) (bool, error) {
	if !r.scheduler.IsRunning(appID) {
		return false, fmt.Errorf("voice command: app %s is not running", appID)
	}
	if err := r.lifetime.SetBackgroundByID(appID); err != nil {
		return false, err
	}
	ok := r.dispatchVoiceCommand(text, nlp, action, commandOptions{preemptive: true, carrierID: appID})
	return ok, nil
}

// ExitAppByID deactivates an app at its own request. With
// clearContext, its skills are also scrubbed from the cloud stack.
func (r *Runtime) ExitAppByID(appID string, clearContext bool) error {
	if !r.scheduler.IsRunning(appID) {
		return nil
	}
	if err := r.lifetime.DeactivateAppByID(appID); err != nil {
		return err
	}
	if !clearContext {
		return nil
	}
	m, ok := r.registry.Manifest(appID)
	if !ok {
		return nil
	}
	r.mu.Lock()
	cut, scene := r.domain.Cut, r.domain.Scene
	r.mu.Unlock()
	for _, skill := range m.Skills {
		if skill == cut {
			r.updateCloudStack("", app.FormCut, false)
		}
		if skill == scene {
			r.updateCloudStack("", app.FormScene, false)
		}
	}
	return nil
}

// StartDaemonApps creates every daemon app, tolerating individual
// failures.
func (r *Runtime) StartDaemonApps() {
	for _, appID := range r.registry.DaemonAppIDs() {
		if err := r.lifetime.CreateApp(r.ctx, appID); err != nil {
			r.logger.Warn("daemon app failed to start", "app_id", appID, "error", err)
		}
	}
}

// AppPause releases the audio resources of a preempted app. Wired to
// the lifetime's preemption observer.
func (r *Runtime) AppPause(appID string) {
	r.effects.MediaPause(appID)
	r.effects.TtsStop(appID)
}

// AppGC releases every rendering resource an app may still hold.
func (r *Runtime) AppGC(appID string) {
	r.AppPause(appID)
	r.post.Post(bus.TopicSoundStop, appID)
}

// OnLoggedIn bootstraps the logged-in device: alive apps learn the
// session is ready, daemon apps start, and the welcome plays on first
// login.
func (r *Runtime) OnLoggedIn(reLogin bool) {
	for _, appID := range r.lifetime.AliveAppIDs() {
		if err := r.lifetime.OnLifeCycle(appID, "ready"); err != nil {
			r.logger.Debug("ready delivery failed", "app_id", appID, "error", err)
		}
	}
	r.StartDaemonApps()
	if !reLogin {
		r.effects.PlaySound("", effects.SoundStartup)
		r.effects.PlaySound("", effects.SoundWelcome)
	}
	r.logger.Info("device ready", "re_login", reLogin)
}

// OnLoginFailed announces the failure and resets toward setup.
func (r *Runtime) OnLoginFailed() {
	r.effects.PlaySound("", effects.SoundLoginFailed)
	r.ResetNetwork()
}

// Snapshot reports runtime state for the ops surface.
func (r *Runtime) Snapshot() map[string]any {
	r.mu.Lock()
	domain := r.domain
	hibernated := r.hibernated
	r.mu.Unlock()

	snap := map[string]any{
		"domain":     domain,
		"hibernated": hibernated,
		"stack":      r.lifetime.Snapshot(),
	}
	if r.voice != nil {
		snap["voice"] = r.voice.Snapshot()
	}
	if r.auth != nil {
		snap["logged_in"] = r.auth.IsLoggedIn()
	}
	return snap
}
