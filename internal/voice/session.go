// Package voice implements the voice interaction session: the awaken
// window between wake-word detection and speech resolution, the ASR
// state, microphone pickup and mute, and the guard timers that close
// sessions the speech pipeline abandons.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/corvid-labs/skald/internal/bus"
	"github.com/corvid-labs/skald/internal/events"
	"github.com/google/uuid"
)

// ErrMalformedPayload marks speech pipeline payloads that cannot be
// parsed. Such results are handled through the malicious-nlp path.
var ErrMalformedPayload = errors.New("malformed speech payload")

// maliciousNlpURL is dispatched when the cloud returns an unusable or
// hostile NLP document while the device is logged in.
const maliciousNlpURL = "yoda-skill://rokid-exception/malicious-nlp"

// ASR states observed from the speech pipeline.
const (
	asrPending = "pending"
	asrEnd     = "end"
	asrReject  = "reject"
	asrFake    = "fake"
)

// Resolver turns recognized speech into app dispatches. Implemented
// by the runtime.
type Resolver interface {
	// OnVoiceCommand resolves an NLP result. Reports success; never
	// returns an error.
	OnVoiceCommand(asr string, nlp, action []byte) bool
	// OpenURL dispatches an app url. Reports success.
	OpenURL(rawURL string) bool
}

// LifetimeControl is the slice of the app stack manager the session
// needs.
type LifetimeControl interface {
	GetCurrentAppID() string
	PauseLifetime()
	ResumeLifetime(ctx context.Context, recover bool)
	DeactivateCutApp() error
}

// Renderer drives the session's visible and audible feedback.
// Satisfied by *effects.Controller.
type Renderer interface {
	PlayAwakeLight()
	StopAwakeLight()
	PlayLoadingLight()
	StopLoadingLight()
	PlayNetworkLagSound()
	StopNetworkLagSound()
	MediaPauseOnAwaken(appID string)
	RecoverPausedOnAwaken(appID string)
	ForgetPausedOnAwaken()
}

// LoginState reports whether the device is bound to an account.
type LoginState interface {
	IsLoggedIn() bool
}

// WakeInterceptor may claim a wake-word event before a session opens.
// The custodian uses this to turn wake-ups into connectivity hints
// while the device is logged out.
type WakeInterceptor interface {
	// InterceptWakeUp reports whether the event was consumed.
	InterceptWakeUp() bool
}

// Config collects the session's collaborators and tunables.
type Config struct {
	Post     bus.Poster
	Lifetime LifetimeControl
	Effects  Renderer
	Login    LoginState
	// Interceptor is optional.
	Interceptor WakeInterceptor
	Events      *events.Bus
	Logger      *slog.Logger
	// Clock defaults to the system clock.
	Clock Clock
	// SolitaryTimeout closes sessions that never produce ASR progress.
	SolitaryTimeout time.Duration
	// NoVoiceInputTimeout closes sessions whose ASR stream stalls.
	NoVoiceInputTimeout time.Duration
}

const (
	// DefaultSolitaryTimeout is the longest a session waits for any
	// ASR progress after the wake word.
	DefaultSolitaryTimeout = 9 * time.Second
	// DefaultNoVoiceInputTimeout is the longest a session waits
	// between ASR progress updates.
	DefaultNoVoiceInputTimeout = 6 * time.Second
)

// Session is the voice interaction state machine. All exported
// methods are safe for concurrent use; collaborator calls are made
// outside the internal lock.
type Session struct {
	post        bus.Poster
	lifetime    LifetimeControl
	effects     Renderer
	login       LoginState
	interceptor WakeInterceptor
	events      *events.Bus
	logger      *slog.Logger
	clock       Clock

	solitaryTimeout     time.Duration
	noVoiceInputTimeout time.Duration

	mu                   sync.Mutex
	resolver             Resolver
	muted                bool
	wakeEngineEnabled    bool
	awaken               bool
	asrState             string
	finalAsr             string
	pickingUp            bool
	pickingUpDiscardNext bool
	lastFaked            bool
	turnID               string
	solitaryTimer        Timer
	noVoiceTimer         Timer
}

// NewSession creates a session. The resolver is attached later via
// SetResolver because the runtime and the session reference each
// other.
func NewSession(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.SolitaryTimeout <= 0 {
		cfg.SolitaryTimeout = DefaultSolitaryTimeout
	}
	if cfg.NoVoiceInputTimeout <= 0 {
		cfg.NoVoiceInputTimeout = DefaultNoVoiceInputTimeout
	}
	return &Session{
		post:                cfg.Post,
		lifetime:            cfg.Lifetime,
		effects:             cfg.Effects,
		login:               cfg.Login,
		interceptor:         cfg.Interceptor,
		events:              cfg.Events,
		logger:              cfg.Logger,
		clock:               cfg.Clock,
		solitaryTimeout:     cfg.SolitaryTimeout,
		noVoiceInputTimeout: cfg.NoVoiceInputTimeout,
		wakeEngineEnabled:   true,
	}
}

// SetResolver attaches the command resolver. Must be called during
// wiring, before bus traffic arrives.
func (s *Session) SetResolver(r Resolver) {
	s.mu.Lock()
	s.resolver = r
	s.mu.Unlock()
}

// SetInterceptor attaches the wake-up interceptor. Must be called
// during wiring, before bus traffic arrives.
func (s *Session) SetInterceptor(i WakeInterceptor) {
	s.mu.Lock()
	s.interceptor = i
	s.mu.Unlock()
}

type busSubscriber interface {
	Subscribe(topic string, h bus.Handler)
}

// BindBus registers the session's speech pipeline subscriptions.
// Every handler is gated on mute: a muted device ignores the speech
// pipeline entirely.
func (s *Session) BindBus(sub busSubscriber) {
	gate := func(h func(bus.Args)) bus.Handler {
		return func(args bus.Args) {
			if s.Muted() {
				s.logger.Debug("speech event ignored while muted")
				return
			}
			h(args)
		}
	}
	sub.Subscribe(bus.TopicVoiceComing, gate(func(bus.Args) { s.HandleVoiceComing() }))
	sub.Subscribe(bus.TopicLocalAwake, gate(func(a bus.Args) { s.HandleLocalAwake(a.Int(0)) }))
	sub.Subscribe(bus.TopicInterAsr, gate(func(a bus.Args) { s.HandleAsrProgress(a.String(0)) }))
	sub.Subscribe(bus.TopicFinalAsr, gate(func(a bus.Args) { s.HandleAsrEnd(a.String(0)) }))
	sub.Subscribe(bus.TopicSpeechExtra, gate(func(a bus.Args) { s.HandleSpeechExtra(a.String(0)) }))
	sub.Subscribe(bus.TopicStartVoice, gate(func(bus.Args) { s.setPickingUp(true) }))
	sub.Subscribe(bus.TopicEndVoice, gate(func(bus.Args) { s.setPickingUp(false) }))
	sub.Subscribe(bus.TopicSpeechNlp, gate(func(a bus.Args) { s.HandleNlp(a.String(0), a.String(1)) }))
	sub.Subscribe(bus.TopicSpeechError, gate(func(a bus.Args) { s.HandleSpeechError(a.Int(0)) }))
}

// HandleVoiceComing opens a voice session for a wake-word detection:
// pauses the app stack, shows the awake light, and arms the solitary
// timer in case the speech pipeline never follows up.
func (s *Session) HandleVoiceComing() {
	s.mu.Lock()
	s.lastFaked = false
	s.mu.Unlock()

	if s.interceptor != nil && s.interceptor.InterceptWakeUp() {
		s.logger.Info("wake-up intercepted")
		return
	}

	s.mu.Lock()
	if !s.awaken {
		s.awaken = true
		s.turnID = uuid.NewString()
	}
	s.asrState = asrPending
	s.pickingUpDiscardNext = false
	s.stopTimersLocked()
	s.solitaryTimer = s.clock.AfterFunc(s.solitaryTimeout, s.onSolitaryTimeout)
	turnID := s.turnID
	s.mu.Unlock()

	current := s.lifetime.GetCurrentAppID()
	s.effects.StopNetworkLagSound()
	s.effects.PlayAwakeLight()
	s.effects.MediaPauseOnAwaken(current)
	s.lifetime.PauseLifetime()
	s.events.Publish(events.Event{
		Source: events.SourceVoice,
		Kind:   events.KindAwaken,
		Data:   map[string]any{"turn_id": turnID, "current_app": current},
	})
	s.logger.Info("voice coming", "turn_id", turnID)
}

// HandleLocalAwake receives the sound source angle. The awake light is
// refreshed so the ring can point at the speaker.
func (s *Session) HandleLocalAwake(angle int) {
	s.mu.Lock()
	awaken := s.awaken
	s.mu.Unlock()
	if !awaken {
		return
	}
	s.logger.Debug("local awake", "angle", angle)
	s.effects.PlayAwakeLight()
}

// HandleAsrProgress records intermediate recognition text. The
// solitary timer is disarmed and the stall timer re-armed.
func (s *Session) HandleAsrProgress(text string) {
	s.mu.Lock()
	s.asrState = asrPending
	if s.solitaryTimer != nil {
		s.solitaryTimer.Stop()
		s.solitaryTimer = nil
	}
	if s.noVoiceTimer != nil {
		s.noVoiceTimer.Stop()
	}
	s.noVoiceTimer = s.clock.AfterFunc(s.noVoiceInputTimeout, s.onNoVoiceInputTimeout)
	turnID := s.turnID
	s.mu.Unlock()

	s.events.Publish(events.Event{
		Source: events.SourceVoice,
		Kind:   events.KindAsrState,
		Data:   map[string]any{"turn_id": turnID, "state": asrPending},
	})
	s.logger.Debug("asr progress", "text", text)
}

// HandleAsrEnd records the final recognition text and closes the
// awaken window without recovery; the NLP result decides whether the
// interrupted media comes back.
func (s *Session) HandleAsrEnd(text string) {
	s.mu.Lock()
	s.asrState = asrEnd
	s.finalAsr = text
	discard := s.pickingUpDiscardNext
	s.mu.Unlock()

	s.ResetAwaken(false)
	if !discard {
		s.effects.PlayLoadingLight()
	}
	s.logger.Info("asr end", "text", text)
}

// HandleSpeechExtra consumes activation verdicts. Fake activations
// close the session and arrange for exactly one following NLP result
// to be dropped; rejects close it with recovery.
func (s *Session) HandleSpeechExtra(payload string) {
	var extra struct {
		Activation string `json:"activation"`
	}
	if err := json.Unmarshal([]byte(payload), &extra); err != nil {
		s.logger.Warn("speech extra rejected", "error", errors.Join(ErrMalformedPayload, err))
		return
	}

	switch extra.Activation {
	case asrFake:
		s.mu.Lock()
		s.asrState = asrFake
		s.lastFaked = true
		if s.noVoiceTimer != nil {
			s.noVoiceTimer.Stop()
			s.noVoiceTimer = nil
		}
		s.mu.Unlock()
		s.ResetAwaken(true)
		s.logger.Info("fake activation")
	case asrReject:
		s.mu.Lock()
		s.asrState = asrReject
		s.mu.Unlock()
		s.ResetAwaken(true)
		s.logger.Info("rejected activation")
	default:
		// "accept" and unknown verdicts behave like ASR progress.
		s.HandleAsrProgress("")
	}
}

// HandleNlp resolves an NLP document pair into an app dispatch.
func (s *Session) HandleNlp(nlpJSON, actionJSON string) {
	s.mu.Lock()
	if s.lastFaked {
		s.lastFaked = false
		s.mu.Unlock()
		s.publishDiscard("fake")
		return
	}
	s.mu.Unlock()

	if !isJSONObject(nlpJSON) || !isJSONObject(actionJSON) {
		s.logger.Warn("nlp rejected", "error", ErrMalformedPayload)
		s.handleMaliciousNlp()
		return
	}
	s.handleNlpResult(nlpJSON, actionJSON)
}

func isJSONObject(s string) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal([]byte(s), &m) == nil
}

func (s *Session) handleNlpResult(nlpJSON, actionJSON string) {
	s.mu.Lock()
	if s.pickingUpDiscardNext {
		s.pickingUpDiscardNext = false
		s.mu.Unlock()
		s.publishDiscard("pickup")
		s.effects.StopLoadingLight()
		return
	}
	resolver := s.resolver
	asr := s.finalAsr
	s.mu.Unlock()

	s.ResetAwaken(false)

	ok := false
	if resolver != nil {
		ok = resolver.OnVoiceCommand(asr, []byte(nlpJSON), []byte(actionJSON))
	}
	s.effects.StopLoadingLight()
	if ok {
		s.effects.ForgetPausedOnAwaken()
	} else {
		s.effects.RecoverPausedOnAwaken(s.lifetime.GetCurrentAppID())
	}
}

// handleMaliciousNlp ends any open turn quietly; a malformed payload
// arriving with no session open is routed to the exception app, or
// recovers interrupted media when logged out.
func (s *Session) handleMaliciousNlp() {
	s.mu.Lock()
	awaken := s.awaken
	s.mu.Unlock()

	if awaken {
		s.Pickup(false, true)
		s.ResetAwaken(false)
	}

	// Closing the pickup arms the discard flag, so a fault inside an
	// open session is consumed here and ends the turn quietly.
	s.mu.Lock()
	discard := s.pickingUpDiscardNext
	if discard {
		s.pickingUpDiscardNext = false
	}
	resolver := s.resolver
	s.mu.Unlock()

	if discard {
		s.publishDiscard("pickup")
		return
	}
	if s.login != nil && !s.login.IsLoggedIn() {
		s.effects.RecoverPausedOnAwaken(s.lifetime.GetCurrentAppID())
		return
	}
	s.effects.ForgetPausedOnAwaken()
	if resolver != nil {
		resolver.OpenURL(maliciousNlpURL)
	}
	s.effects.StopLoadingLight()
}

// HandleSpeechError routes speech pipeline faults. A fault inside an
// open session just ends the turn. Otherwise codes at or above 100
// are network faults and announced as lag; the rest quietly close the
// current cut app.
func (s *Session) HandleSpeechError(code int) {
	s.mu.Lock()
	awaken := s.awaken
	s.mu.Unlock()

	if awaken {
		s.Pickup(false, true)
		s.ResetAwaken(false)
	}

	// Closing the pickup arms the discard flag, so a fault inside an
	// open session is consumed here and ends the turn quietly.
	s.mu.Lock()
	discard := s.pickingUpDiscardNext
	if discard {
		s.pickingUpDiscardNext = false
	}
	s.mu.Unlock()

	if discard {
		s.publishDiscard("pickup")
		return
	}
	if s.login != nil && !s.login.IsLoggedIn() {
		s.effects.RecoverPausedOnAwaken(s.lifetime.GetCurrentAppID())
		return
	}
	s.logger.Warn("speech error", "code", code)
	if code >= 100 {
		s.AnnounceNetworkLag()
	} else {
		if err := s.lifetime.DeactivateCutApp(); err != nil {
			s.logger.Warn("cut app teardown failed", "error", err)
		}
		s.effects.RecoverPausedOnAwaken(s.lifetime.GetCurrentAppID())
	}
	s.effects.StopLoadingLight()
}

// Pickup opens or closes the microphone. Closing it disarms both
// guard timers; with discardNext, the next NLP result is dropped
// because it belongs to the aborted turn.
func (s *Session) Pickup(isPickup, discardNext bool) {
	s.mu.Lock()
	s.pickingUp = isPickup
	s.pickingUpDiscardNext = discardNext && !isPickup
	if !isPickup {
		s.stopTimersLocked()
	}
	s.mu.Unlock()
	s.post.Post(bus.TopicPickup, boolFlag(isPickup))
}

func (s *Session) setPickingUp(v bool) {
	s.mu.Lock()
	s.pickingUp = v
	s.mu.Unlock()
}

// SetMute sets the microphone mute state and reports the new state.
// Muting mid-recognition closes the session with recovery.
func (s *Session) SetMute(mute bool) bool {
	s.mu.Lock()
	if s.muted == mute {
		s.mu.Unlock()
		return mute
	}
	s.muted = mute
	needsReset := mute && s.asrState == asrPending && s.awaken
	s.mu.Unlock()

	s.post.Post(bus.TopicMute, boolFlag(mute))
	if needsReset {
		s.ResetAwaken(true)
	}
	s.logger.Info("microphone mute", "muted", mute)
	return mute
}

// ToggleMute flips the mute state and reports the new state.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	next := !s.muted
	s.mu.Unlock()
	return s.SetMute(next)
}

// Muted reports the microphone mute state.
func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// SetWakeUpEngine enables or disables wake-word processing. The wire
// argument is the disable flag, so enabling posts 0.
func (s *Session) SetWakeUpEngine(enabled bool) bool {
	s.mu.Lock()
	s.wakeEngineEnabled = enabled
	s.mu.Unlock()
	s.post.Post(bus.TopicWakeupEngineDisable, boolFlag(!enabled))
	return enabled
}

// ToggleWakeUpEngine flips wake-word processing and reports the new
// state.
func (s *Session) ToggleWakeUpEngine() bool {
	s.mu.Lock()
	next := !s.wakeEngineEnabled
	s.mu.Unlock()
	return s.SetWakeUpEngine(next)
}

// AddVtWord registers a custom activation word with its phonetic
// spelling.
func (s *Session) AddVtWord(word, phonetic string) {
	s.post.Post(bus.TopicVtWordAdd, word, phonetic, 1)
}

// DeleteVtWord removes a custom activation word.
func (s *Session) DeleteVtWord(word string) {
	s.post.Post(bus.TopicVtWordRemove, word)
}

// AnnounceNetworkLag closes any open session without recovery and
// plays the lag sound. Interrupted media is recovered afterwards
// unless a new session opened meanwhile.
func (s *Session) AnnounceNetworkLag() {
	s.mu.Lock()
	awaken := s.awaken
	s.mu.Unlock()
	if awaken {
		s.ResetAwaken(false)
	}
	s.effects.PlayNetworkLagSound()
	s.mu.Lock()
	stillAwaken := s.awaken
	s.mu.Unlock()
	if !stillAwaken {
		s.effects.RecoverPausedOnAwaken(s.lifetime.GetCurrentAppID())
	}
}

// ResetAwaken closes the awaken window: disarms the guard timers,
// hides the awake light, and resumes the app stack. With recover, the
// media interrupted by the wake word is resumed. Idempotent: when no
// session is open this is a no-op and reports false.
func (s *Session) ResetAwaken(recover bool) bool {
	s.mu.Lock()
	if !s.awaken {
		s.mu.Unlock()
		s.logger.Debug("awaken not set, skipping reset")
		return false
	}
	s.awaken = false
	s.stopTimersLocked()
	turnID := s.turnID
	s.mu.Unlock()

	s.effects.StopAwakeLight()
	s.lifetime.ResumeLifetime(context.Background(), recover)
	if recover {
		s.effects.RecoverPausedOnAwaken(s.lifetime.GetCurrentAppID())
	}
	s.events.Publish(events.Event{
		Source: events.SourceVoice,
		Kind:   events.KindAwakenReset,
		Data:   map[string]any{"turn_id": turnID, "recover": recover},
	})
	s.logger.Info("awaken reset", "turn_id", turnID, "recover", recover)
	return true
}

func (s *Session) onSolitaryTimeout() {
	s.publishTimer("solitary")
	s.logger.Warn("no asr progress after wake word")
	s.mu.Lock()
	awaken := s.awaken
	s.mu.Unlock()
	s.Pickup(false, false)
	if awaken {
		s.AnnounceNetworkLag()
	}
}

func (s *Session) onNoVoiceInputTimeout() {
	s.publishTimer("no_voice_input")
	s.logger.Warn("asr stream stalled")
	s.Pickup(false, false)
}

func (s *Session) stopTimersLocked() {
	if s.solitaryTimer != nil {
		s.solitaryTimer.Stop()
		s.solitaryTimer = nil
	}
	if s.noVoiceTimer != nil {
		s.noVoiceTimer.Stop()
		s.noVoiceTimer = nil
	}
}

func (s *Session) publishDiscard(reason string) {
	s.logger.Info("nlp result discarded", "reason", reason)
	s.events.Publish(events.Event{
		Source: events.SourceVoice,
		Kind:   events.KindNlpDiscarded,
		Data:   map[string]any{"reason": reason},
	})
}

func (s *Session) publishTimer(name string) {
	s.events.Publish(events.Event{
		Source: events.SourceVoice,
		Kind:   events.KindTimerFired,
		Data:   map[string]any{"timer": name},
	})
}

// Awaken reports whether a voice session is open.
func (s *Session) Awaken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaken
}

// Snapshot reports the session state for diagnostics.
func (s *Session) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"muted":               s.muted,
		"wake_engine_enabled": s.wakeEngineEnabled,
		"awaken":              s.awaken,
		"asr_state":           s.asrState,
		"picking_up":          s.pickingUp,
		"turn_id":             s.turnID,
	}
}

func boolFlag(v bool) int {
	if v {
		return 1
	}
	return 0
}
