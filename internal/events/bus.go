// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (voice session, lifetime,
// runtime, custodian) to subscribers (WebSocket handler, future metrics
// collector). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceVoice identifies events from the voice session state machine.
	SourceVoice = "voice"
	// SourceLifetime identifies events from the app stack manager.
	SourceLifetime = "lifetime"
	// SourceRuntime identifies events from the top-level runtime.
	SourceRuntime = "runtime"
	// SourceCustodian identifies events from network/login custody.
	SourceCustodian = "custodian"
)

// Kind constants describe the type of event within a source.
const (
	// KindAwaken signals the device entered the awaken state.
	// Data: turn_id, current_app.
	KindAwaken = "awaken"
	// KindAwakenReset signals the awaken state was resolved.
	// Data: turn_id, recover.
	KindAwakenReset = "awaken_reset"
	// KindAsrState signals an ASR state transition.
	// Data: turn_id, state.
	KindAsrState = "asr_state"
	// KindNlpDiscarded signals an NLP result was dropped.
	// Data: reason.
	KindNlpDiscarded = "nlp_discarded"
	// KindTimerFired signals a voice guard timer expired.
	// Data: timer.
	KindTimerFired = "timer_fired"

	// KindAppActivated signals an app became top of stack.
	// Data: app_id, form, carrier_id.
	KindAppActivated = "app_activated"
	// KindAppDeactivated signals an app left the stack.
	// Data: app_id.
	KindAppDeactivated = "app_deactivated"
	// KindPreemption signals an app was preempted off the stack top.
	// Data: app_id.
	KindPreemption = "preemption"
	// KindStackReset signals the stack was emptied.
	KindStackReset = "stack_reset"
	// KindMonologue signals monologue start/stop.
	// Data: app_id, active.
	KindMonologue = "monologue"

	// KindVoiceCommand signals a resolved voice command dispatch.
	// Data: app_id, skill_id, form, preemptive, ok.
	KindVoiceCommand = "voice_command"
	// KindURLOpened signals a url dispatch.
	// Data: url, app_id, ok.
	KindURLOpened = "url_opened"

	// KindNetworkStatus signals a network connectivity transition.
	// Data: connected.
	KindNetworkStatus = "network_status"
	// KindLogin signals a login state transition.
	// Data: logged_in.
	KindLogin = "login"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op). A zero Timestamp
// is filled in with the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
