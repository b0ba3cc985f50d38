// Package effects drives the device's rendering daemons: the light
// ring, the sound effect player, media playback, and speech
// synthesis. Everything here is fire-and-forget over the message bus;
// the daemons own their own state.
package effects

import (
	"log/slog"

	"github.com/corvid-labs/skald/internal/bus"
)

// Well-known effect uris understood by the rendering daemons.
const (
	LightAwake   = "system://awake.light"
	LightLoading = "system://loading.light"

	SoundNetworkLag        = "system://wifi/network_lag.ogg"
	SoundNetworkConnecting = "system://wifi/wifi_is_connecting.ogg"
	SoundStartup           = "system://startup.ogg"
	SoundWelcome           = "system://startup/welcome.ogg"
	SoundLoginFailed       = "system://wifi/login_failed.ogg"
)

// Controller is the single entry point to all rendering daemons.
type Controller struct {
	post   bus.Poster
	logger *slog.Logger
}

// New creates a controller posting through the given bus.
func New(post bus.Poster, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{post: post, logger: logger}
}

// PlayLight starts a light effect on behalf of an app. An empty appID
// attributes the effect to the system.
func (c *Controller) PlayLight(appID, uri string) {
	c.post.Post(bus.TopicLightPlay, appID, uri)
}

// StopLight stops a light effect.
func (c *Controller) StopLight(appID, uri string) {
	c.post.Post(bus.TopicLightStop, appID, uri)
}

// PlayAwakeLight shows the wake-up light.
func (c *Controller) PlayAwakeLight() {
	c.PlayLight("", LightAwake)
}

// StopAwakeLight hides the wake-up light.
func (c *Controller) StopAwakeLight() {
	c.StopLight("", LightAwake)
}

// PlayLoadingLight shows the "thinking" light between speech end and
// command resolution.
func (c *Controller) PlayLoadingLight() {
	c.PlayLight("", LightLoading)
}

// StopLoadingLight hides the thinking light.
func (c *Controller) StopLoadingLight() {
	c.StopLight("", LightLoading)
}

// PlaySound plays a sound effect once.
func (c *Controller) PlaySound(appID, uri string) {
	c.post.Post(bus.TopicSoundPlay, appID, uri)
}

// StopSound stops a playing sound effect.
func (c *Controller) StopSound(appID, uri string) {
	c.post.Post(bus.TopicSoundStop, appID, uri)
}

// PlayNetworkLagSound announces that the speech service is slow or
// unreachable.
func (c *Controller) PlayNetworkLagSound() {
	c.PlaySound("", SoundNetworkLag)
}

// StopNetworkLagSound cancels the lag announcement.
func (c *Controller) StopNetworkLagSound() {
	c.StopSound("", SoundNetworkLag)
}

// MediaPauseOnAwaken asks the media daemon to pause playback owned by
// the app while a voice session is open, memoizing what was playing.
func (c *Controller) MediaPauseOnAwaken(appID string) {
	c.post.Post(bus.TopicMediaMethod, "pauseOnAwaken", appID)
}

// MediaResetAwaken resumes (or with an empty appID, forgets) the
// memoized paused playback.
func (c *Controller) MediaResetAwaken(appID string) {
	c.post.Post(bus.TopicMediaMethod, "resetAwaken", appID)
}

// TtsResetAwaken resumes (or with an empty appID, forgets) speech
// output interrupted by a voice session.
func (c *Controller) TtsResetAwaken(appID string) {
	c.post.Post(bus.TopicTtsMethod, "resetAwaken", appID)
}

// MediaPause pauses media playback owned by the app.
func (c *Controller) MediaPause(appID string) {
	c.post.Post(bus.TopicMediaMethod, "pause", appID)
}

// TtsStop cancels speech output owned by the app.
func (c *Controller) TtsStop(appID string) {
	c.post.Post(bus.TopicTtsMethod, "stop", appID)
}

// UnmuteIfNecessary restores speaker volume after a successful voice
// command when the device muted itself for the session.
func (c *Controller) UnmuteIfNecessary() {
	c.post.Post(bus.TopicMediaMethod, "unmuteIfNecessary")
}

// RecoverPausedOnAwaken resumes playback and speech memoized for the
// given foreground app.
func (c *Controller) RecoverPausedOnAwaken(appID string) {
	c.TtsResetAwaken(appID)
	c.MediaResetAwaken(appID)
}

// ForgetPausedOnAwaken drops the memoized paused state so it is not
// resumed later.
func (c *Controller) ForgetPausedOnAwaken() {
	c.TtsResetAwaken("")
	c.MediaResetAwaken("")
}
