package app

import (
	"context"
	"fmt"

	"github.com/corvid-labs/skald/internal/bus"
)

// BusLauncher drives apps that run as separate daemons attached to the
// message bus. Launching publishes a start message; lifecycle events
// are delivered on a per-app topic. The launcher never observes the
// remote process directly, so Stop only announces intent.
type BusLauncher struct {
	post bus.Poster
}

// NewBusLauncher creates a launcher posting through the given bus.
func NewBusLauncher(post bus.Poster) *BusLauncher {
	return &BusLauncher{post: post}
}

func lifecycleTopic(appID string) string {
	return "app/" + appID + "/lifecycle"
}

// Launch announces the app start and returns a bus-backed process
// handle.
func (l *BusLauncher) Launch(ctx context.Context, m *Manifest) (Process, error) {
	if l.post == nil {
		return nil, fmt.Errorf("bus poster not configured")
	}
	l.post.Post("app/"+m.AppID+"/start")
	return &busProcess{post: l.post, appID: m.AppID}, nil
}

type busProcess struct {
	post  bus.Poster
	appID string
}

func (p *busProcess) Notify(event string, args ...any) error {
	payload := append([]any{event}, args...)
	p.post.Post(lifecycleTopic(p.appID), payload...)
	return nil
}

func (p *busProcess) Stop() error {
	p.post.Post("app/" + p.appID + "/stop")
	return nil
}
