// Package bus implements the message bus connecting the runtime to the
// wake-word engine, speech pipeline, network daemon, and rendering
// daemons. Messages are named topics carrying positional argument
// arrays (JSON-encoded on the wire). Delivery is in arrival order per
// topic; no cross-topic ordering is guaranteed.
package bus

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/corvid-labs/skald/internal/config"
)

// Handler is called for each message received on a subscribed topic.
// Handlers run on the bus dispatch goroutine and must contain their own
// errors — a handler must never panic past the dispatch boundary.
type Handler func(args Args)

// Poster is the narrow publishing interface components depend on.
// *Client satisfies it.
type Poster interface {
	// Post publishes a fire-and-forget message. Failures are logged,
	// never returned; callers treat bus side effects as best-effort.
	Post(topic string, args ...any)
}

// inboundRateLimit bounds dispatched messages per interval so a
// misbehaving daemon cannot starve the runtime.
const (
	inboundRateLimit    = 500
	inboundRateInterval = 10 * time.Second
)

// Client manages the MQTT connection and routes inbound messages to
// registered handlers. Register all subscriptions before Start; the
// client re-subscribes on every (re-)connect.
type Client struct {
	cfg    config.BusConfig
	logger *slog.Logger
	cm     *autopaho.ConnectionManager

	limiter *messageRateLimiter

	mu       sync.RWMutex
	handlers map[string][]Handler
}

// New creates a Client but does not connect. Call [Client.Start] to
// begin the connection.
func New(cfg config.BusConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		logger:   logger,
		limiter:  newMessageRateLimiter(inboundRateLimit, inboundRateInterval, logger),
		handlers: make(map[string][]Handler),
	}
}

// Subscribe registers a handler for a topic. Multiple handlers per
// topic are dispatched in registration order. Subscriptions made after
// Start take effect on the next (re-)connect.
func (c *Client) Subscribe(topic string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = append(c.handlers[topic], h)
}

// Start connects to the broker and keeps the connection alive until
// ctx is cancelled. On every (re-)connect it subscribes all registered
// topics and publishes an "online" availability message.
func (c *Client) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse bus broker URL: %w", err)
	}

	availTopic := c.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("bus connected to broker", "broker", c.cfg.Broker)
			c.subscribeAll(ctx, cm)
			c.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			c.logger.Warn("bus connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "skald-" + c.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.dispatch(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("bus connect: %w", err)
	}
	c.cm = cm

	// Wait for the initial connection before declaring the bus up.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail — autopaho keeps retrying in the background.
		c.logger.Warn("bus initial connection timed out, will retry in background", "error", err)
	}

	go c.limiter.start(ctx)
	return nil
}

// Stop publishes an "offline" availability message and disconnects.
// The provided context bounds how long to wait.
func (c *Client) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	c.publishAvailability(ctx, c.cm, "offline")
	return c.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Useful for connwatch health probes.
func (c *Client) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return fmt.Errorf("bus client not started")
	}
	return c.cm.AwaitConnection(ctx)
}

// Post publishes a fire-and-forget message to a topic. Encoding or
// publish failures are logged, never returned.
func (c *Client) Post(topic string, args ...any) {
	if c.cm == nil {
		c.logger.Debug("bus post before start dropped", "topic", topic)
		return
	}
	payload, err := EncodeArgs(args)
	if err != nil {
		c.logger.Error("bus encode args", "topic", topic, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		c.logger.Warn("bus publish failed", "topic", topic, "error", err)
	}
}

// dispatch decodes an inbound message and runs the topic's handlers.
// Handler panics are contained here so one bad payload cannot take the
// connection down.
func (c *Client) dispatch(topic string, payload []byte) {
	if !c.limiter.allow() {
		return
	}

	c.mu.RLock()
	handlers := c.handlers[topic]
	c.mu.RUnlock()
	if len(handlers) == 0 {
		c.logger.Debug("bus message with no handler", "topic", topic)
		return
	}

	args, err := DecodeArgs(payload)
	if err != nil {
		c.logger.Warn("bus payload decode failed",
			"topic", topic, "payload_size", len(payload), "error", err)
		return
	}

	c.logger.Log(context.Background(), config.LevelTrace, "bus message received",
		"topic", topic, "args", len(args))

	for _, h := range handlers {
		c.safeCall(topic, h, args)
	}
}

func (c *Client) safeCall(topic string, h Handler, args Args) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("bus handler panicked", "topic", topic, "panic", r)
		}
	}()
	h(args)
}

func (c *Client) subscribeAll(ctx context.Context, cm *autopaho.ConnectionManager) {
	c.mu.RLock()
	topics := make([]string, 0, len(c.handlers))
	for t := range c.handlers {
		topics = append(topics, t)
	}
	c.mu.RUnlock()

	if len(topics) == 0 {
		return
	}

	subs := make([]paho.SubscribeOptions, 0, len(topics))
	for _, t := range topics {
		subs = append(subs, paho.SubscribeOptions{Topic: t, QoS: 1})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		c.logger.Warn("bus subscribe failed", "topics", len(topics), "error", err)
		return
	}
	c.logger.Debug("bus topics subscribed", "topics", len(topics))
}

func (c *Client) availabilityTopic() string {
	return "skald/" + c.cfg.DeviceName + "/availability"
}

func (c *Client) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   c.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("bus availability publish failed",
			"status", status, "error", err)
	} else {
		c.logger.Info("bus availability published", "status", status)
	}
}
