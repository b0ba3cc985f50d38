package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/corvid-labs/skald/internal/events"
	"github.com/gorilla/websocket"
)

type fakeStatus struct{}

func (fakeStatus) Snapshot() map[string]any {
	return map[string]any{"awaken": false}
}

func newTestServer(t *testing.T, bus *events.Bus) *httptest.Server {
	t.Helper()
	s := NewServer(Config{Status: fakeStatus{}, Events: bus})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc["status"] != "ok" {
		t.Errorf("doc = %v", doc)
	}
}

func TestStatusIncludesRuntime(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	rt, ok := doc["runtime"].(map[string]any)
	if !ok {
		t.Fatalf("doc = %v, want runtime section", doc)
	}
	if rt["awaken"] != false {
		t.Errorf("runtime = %v", rt)
	}
}

func TestEventsStream(t *testing.T) {
	bus := events.New()
	srv := newTestServer(t, bus)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	defer resp.Body.Close()

	// Wait for the subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(time.Millisecond)
	}

	bus.Publish(events.Event{Source: events.SourceVoice, Kind: events.KindAwaken})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Source != events.SourceVoice || ev.Kind != events.KindAwaken {
		t.Errorf("event = %+v", ev)
	}
}

func TestEventsWithoutBus(t *testing.T) {
	srv := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
