// Package custodian watches the network daemon's connectivity
// announcements and shepherds the device toward a logged-in state:
// connecting triggers a login attempt, and wake words on a logged-out
// device are turned into a connectivity hint instead of a voice
// session.
package custodian

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/corvid-labs/skald/internal/bus"
	"github.com/corvid-labs/skald/internal/effects"
	"github.com/corvid-labs/skald/internal/events"
	"github.com/corvid-labs/skald/internal/property"
)

// Network daemon state strings.
const (
	stateConnected    = "CONNECTED"
	stateDisconnected = "DISCONNECTED"
)

// LoginControl is the slice of auth the custodian needs.
type LoginControl interface {
	IsLoggedIn() bool
	StartLogin(ctx context.Context, force bool)
}

// VoiceControl closes the microphone on intercepted wake-ups.
type VoiceControl interface {
	Pickup(isPickup, discardNext bool)
}

// Renderer plays the custody feedback sounds. Satisfied by
// *effects.Controller.
type Renderer interface {
	PlaySound(appID, uri string)
	RecoverPausedOnAwaken(appID string)
}

// CurrentApp reports the foreground app for media recovery.
type CurrentApp interface {
	GetCurrentAppID() string
}

// Custodian owns the device's network custody state.
type Custodian struct {
	post     bus.Poster
	props    *property.Store
	auth     LoginControl
	voice    VoiceControl
	effects  Renderer
	lifetime CurrentApp
	events   *events.Bus
	logger   *slog.Logger

	ctx context.Context

	mu        sync.Mutex
	connected bool
	observed  bool
}

// New creates a custodian. ctx bounds the login attempts it spawns.
func New(ctx context.Context, post bus.Poster, props *property.Store, auth LoginControl, voice VoiceControl, renderer Renderer, lifetime CurrentApp, bus_ *events.Bus, logger *slog.Logger) *Custodian {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return &Custodian{
		ctx:      ctx,
		post:     post,
		props:    props,
		auth:     auth,
		voice:    voice,
		effects:  renderer,
		lifetime: lifetime,
		events:   bus_,
		logger:   logger,
	}
}

type busSubscriber interface {
	Subscribe(topic string, h bus.Handler)
}

// BindBus registers the network status subscription and asks the
// network daemon for an immediate announcement.
func (c *Custodian) BindBus(sub busSubscriber) {
	sub.Subscribe(bus.TopicNetworkStatus, func(args bus.Args) {
		c.HandleNetworkStatus(args.String(0))
	})
}

// TriggerStatus requests an immediate network status announcement.
func (c *Custodian) TriggerStatus() {
	c.post.Post(bus.TopicNetworkTriggerStatus)
}

// Connected reports the last observed network state.
func (c *Custodian) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// HandleNetworkStatus consumes a connectivity announcement. The first
// connected observation, and every disconnected-to-connected
// transition, kicks off a login attempt.
func (c *Custodian) HandleNetworkStatus(payload string) {
	var status struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(payload), &status); err != nil {
		c.logger.Warn("network status rejected", "error", err)
		return
	}
	connected := status.State == stateConnected
	if !connected && status.State != stateDisconnected {
		c.logger.Debug("ignoring network state", "state", status.State)
		return
	}

	c.mu.Lock()
	changed := !c.observed || c.connected != connected
	c.observed = true
	c.connected = connected
	c.mu.Unlock()

	if !changed {
		return
	}

	if c.props != nil {
		if err := c.props.SetBool("state", property.KeyNetworkConnected, connected); err != nil {
			c.logger.Warn("property write failed", "error", err)
		}
	}
	c.events.Publish(events.Event{
		Source: events.SourceCustodian,
		Kind:   events.KindNetworkStatus,
		Data:   map[string]any{"connected": connected},
	})
	c.logger.Info("network status", "connected", connected)

	if connected && c.auth != nil && !c.auth.IsLoggedIn() {
		c.auth.StartLogin(c.ctx, false)
	}
}

// InterceptWakeUp claims wake-word events while the device is logged
// out: the microphone is closed, the connecting sound hints at the
// real problem, and interrupted media comes back.
func (c *Custodian) InterceptWakeUp() bool {
	if c.auth != nil && c.auth.IsLoggedIn() {
		return false
	}
	c.logger.Info("wake-up while logged out")
	if c.voice != nil {
		c.voice.Pickup(false, true)
	}
	if c.effects != nil {
		c.effects.PlaySound("", effects.SoundNetworkConnecting)
		current := ""
		if c.lifetime != nil {
			current = c.lifetime.GetCurrentAppID()
		}
		c.effects.RecoverPausedOnAwaken(current)
	}
	return true
}
