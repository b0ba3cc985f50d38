// Package auth manages the device's cloud account binding: logging
// in, deduplicating concurrent login attempts, and translating cloud
// event codes into login state transitions.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/corvid-labs/skald/internal/bus"
	"github.com/corvid-labs/skald/internal/events"
	"github.com/corvid-labs/skald/internal/property"
)

// Cloud event codes delivered alongside login traffic.
const (
	CodeLogging      = 100
	CodeLoginSuccess = 101
	CodeBindSuccess  = 201
	CodeLoginFailed  = -101
	CodeBindFailed   = -202
)

// ErrBindMasterRequired means no account is bound and binding needs
// user interaction to supply one.
var ErrBindMasterRequired = errors.New("no master account bound")

// Profile is the credential set returned by a successful bind.
type Profile struct {
	DeviceID  string            `json:"deviceId"`
	DeviceKey string            `json:"deviceKey"`
	MasterID  string            `json:"masterId"`
	Secret    string            `json:"secret"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// CloudClient binds the device to an account.
type CloudClient interface {
	Bind(ctx context.Context, masterID string) (*Profile, error)
}

// Delegate receives login outcome callbacks. Implemented by the
// runtime.
type Delegate interface {
	// OnLoggedIn fires after a successful login. reLogin is true when
	// the device had completed a login before this boot cycle.
	OnLoggedIn(reLogin bool)
	// OnLoginFailed fires after a failed login or bind.
	OnLoginFailed()
}

// NetworkState is the slice of the custodian the auth flow needs.
type NetworkState interface {
	Connected() bool
	TriggerStatus()
}

// Auth owns the device login state. Concurrent Login calls share one
// in-flight attempt: later callers attach to the pending result
// instead of issuing a second bind.
type Auth struct {
	client  CloudClient
	props   *property.Store
	network NetworkState
	events  *events.Bus
	logger  *slog.Logger

	mu       sync.Mutex
	delegate Delegate
	loggedIn bool
	pending  *pendingLogin
}

type pendingLogin struct {
	done chan struct{}
	err  error
}

// New creates an Auth. The delegate is attached during wiring via
// SetDelegate.
func New(client CloudClient, props *property.Store, network NetworkState, bus *events.Bus, logger *slog.Logger) *Auth {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Auth{
		client:  client,
		props:   props,
		network: network,
		events:  bus,
		logger:  logger,
	}
	if props != nil {
		a.loggedIn = props.GetBool("state", property.KeyLoggedIn)
	}
	return a
}

// SetDelegate attaches the login outcome receiver.
func (a *Auth) SetDelegate(d Delegate) {
	a.mu.Lock()
	a.delegate = d
	a.mu.Unlock()
}

// SetNetwork attaches the connectivity source. Must be called during
// wiring, before any login attempt.
func (a *Auth) SetNetwork(n NetworkState) {
	a.mu.Lock()
	a.network = n
	a.mu.Unlock()
}

type busSubscriber interface {
	Subscribe(topic string, h bus.Handler)
}

// BindBus subscribes to login status codes pushed by the account
// cloud.
func (a *Auth) BindBus(sub busSubscriber) {
	sub.Subscribe(bus.TopicCloudEvent, func(args bus.Args) {
		a.HandleCloudEvent(args.Int(0), args.String(1))
	})
}

// IsLoggedIn reports the current login state.
func (a *Auth) IsLoggedIn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loggedIn
}

// StartLogin begins a login attempt. Without force, an already
// logged-in device is left alone. With no network, the network daemon
// is asked to re-announce its status instead.
func (a *Auth) StartLogin(ctx context.Context, force bool) {
	if !force && a.IsLoggedIn() {
		a.logger.Debug("already logged in, skipping login")
		return
	}
	if a.network != nil && !a.network.Connected() {
		a.logger.Info("no network, requesting status announcement")
		a.network.TriggerStatus()
		return
	}
	if err := a.Login(ctx); err != nil {
		a.logger.Warn("login failed", "error", err)
	}
}

// Login performs the cloud bind. Deduplicated: if an attempt is in
// flight, the call waits for it and returns its result.
func (a *Auth) Login(ctx context.Context) error {
	a.mu.Lock()
	if p := a.pending; p != nil {
		a.mu.Unlock()
		select {
		case <-p.done:
			return p.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p := &pendingLogin{done: make(chan struct{})}
	a.pending = p
	a.mu.Unlock()

	p.err = a.doLogin(ctx)

	a.mu.Lock()
	a.pending = nil
	a.mu.Unlock()
	close(p.done)
	return p.err
}

func (a *Auth) doLogin(ctx context.Context) error {
	masterID := ""
	if a.props != nil {
		masterID, _ = a.props.Get("account", property.KeyMasterID)
		if err := a.props.SetBool("state", property.KeyLoggedIn, false); err != nil {
			a.logger.Warn("property write failed", "error", err)
		}
	}

	profile, err := a.client.Bind(ctx, masterID)
	if err != nil {
		a.onLoginFailed(err)
		return err
	}

	if a.props != nil && profile.MasterID != "" {
		if err := a.props.Set("account", property.KeyMasterID, profile.MasterID); err != nil {
			a.logger.Warn("property write failed", "error", err)
		}
	}
	a.onLoginSuccess()
	return nil
}

func (a *Auth) onLoginSuccess() {
	reLogin := false
	if a.props != nil {
		reLogin = a.props.GetBool("sys", property.KeyFirstBootInit)
		if err := a.props.SetBool("state", property.KeyLoggedIn, true); err != nil {
			a.logger.Warn("property write failed", "error", err)
		}
		if err := a.props.Set("sys", property.KeyFirstBootInit, "1"); err != nil {
			a.logger.Warn("property write failed", "error", err)
		}
	}

	a.mu.Lock()
	a.loggedIn = true
	delegate := a.delegate
	a.mu.Unlock()

	a.events.Publish(events.Event{
		Source: events.SourceCustodian,
		Kind:   events.KindLogin,
		Data:   map[string]any{"logged_in": true},
	})
	a.logger.Info("login succeeded", "re_login", reLogin)
	if delegate != nil {
		delegate.OnLoggedIn(reLogin)
	}
}

func (a *Auth) onLoginFailed(err error) {
	if a.props != nil {
		if perr := a.props.SetBool("state", property.KeyLoggedIn, false); perr != nil {
			a.logger.Warn("property write failed", "error", perr)
		}
	}

	a.mu.Lock()
	a.loggedIn = false
	delegate := a.delegate
	a.mu.Unlock()

	a.events.Publish(events.Event{
		Source: events.SourceCustodian,
		Kind:   events.KindLogin,
		Data:   map[string]any{"logged_in": false},
	})
	a.logger.Warn("login failed", "error", err)
	if delegate != nil {
		delegate.OnLoginFailed()
	}
}

// HandleCloudEvent routes a cloud-pushed status code.
func (a *Auth) HandleCloudEvent(code int, message string) {
	switch code {
	case CodeLogging:
		a.logger.Info("cloud login in progress", "message", message)
	case CodeLoginSuccess:
		a.logger.Info("cloud session established", "message", message)
	case CodeBindSuccess:
		a.onLoginSuccess()
	case CodeLoginFailed, CodeBindFailed:
		a.onLoginFailed(errors.New(message))
	default:
		a.logger.Debug("unhandled cloud event", "code", code, "message", message)
	}
}
