package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeProc struct {
	mu       sync.Mutex
	events   []string
	stopErr  error
	stopped  bool
	notifyed int
}

func (p *fakeProc) Notify(event string, args ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	p.notifyed++
	return nil
}

func (p *fakeProc) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return p.stopErr
}

type fakeLauncher struct {
	launches atomic.Int64
	err      error
	proc     *fakeProc
	gate     chan struct{} // if set, Launch blocks until closed
}

func (l *fakeLauncher) Launch(ctx context.Context, m *Manifest) (Process, error) {
	l.launches.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	if l.err != nil {
		return nil, l.err
	}
	if l.proc != nil {
		return l.proc, nil
	}
	return &fakeProc{}, nil
}

func newTestScheduler(t *testing.T, l Launcher) *Scheduler {
	t.Helper()
	r := NewRegistry(nil)
	if err := r.Register(&Manifest{AppID: "@app/weather", Skills: []string{"weather"}}); err != nil {
		t.Fatal(err)
	}
	return NewScheduler(r, l, nil)
}

func TestCreateAppIdempotent(t *testing.T) {
	l := &fakeLauncher{}
	s := newTestScheduler(t, l)

	first, err := s.CreateApp(context.Background(), "@app/weather")
	if err != nil {
		t.Fatalf("CreateApp() error: %v", err)
	}
	second, err := s.CreateApp(context.Background(), "@app/weather")
	if err != nil {
		t.Fatalf("CreateApp() second call error: %v", err)
	}
	if first != second {
		t.Error("second CreateApp() must return the existing instance")
	}
	if got := l.launches.Load(); got != 1 {
		t.Errorf("launches = %d, want 1", got)
	}
}

func TestCreateAppConcurrentSingleLaunch(t *testing.T) {
	l := &fakeLauncher{gate: make(chan struct{})}
	s := newTestScheduler(t, l)

	const callers = 8
	instances := make([]*Instance, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, err := s.CreateApp(context.Background(), "@app/weather")
			if err != nil {
				t.Errorf("CreateApp() error: %v", err)
			}
			instances[i] = inst
		}(i)
	}
	close(l.gate)
	wg.Wait()

	if got := l.launches.Load(); got != 1 {
		t.Fatalf("launches = %d, want exactly 1", got)
	}
	for i := 1; i < callers; i++ {
		if instances[i] != instances[0] {
			t.Fatal("concurrent CreateApp() calls returned different instances")
		}
	}
}

func TestCreateAppUnknownManifest(t *testing.T) {
	s := newTestScheduler(t, &fakeLauncher{})
	_, err := s.CreateApp(context.Background(), "@app/nope")
	var ce *CreationError
	if !errors.As(err, &ce) {
		t.Fatalf("CreateApp() error = %v, want *CreationError", err)
	}
	if ce.AppID != "@app/nope" {
		t.Errorf("CreationError.AppID = %q", ce.AppID)
	}
}

func TestCreateAppLaunchFailureNotCached(t *testing.T) {
	l := &fakeLauncher{err: errors.New("spawn failed")}
	s := newTestScheduler(t, l)

	if _, err := s.CreateApp(context.Background(), "@app/weather"); err == nil {
		t.Fatal("CreateApp() should propagate launch failure")
	}
	if s.IsRunning("@app/weather") {
		t.Error("failed launch must not leave a running instance")
	}

	// A later attempt launches again.
	l.err = nil
	if _, err := s.CreateApp(context.Background(), "@app/weather"); err != nil {
		t.Fatalf("retry CreateApp() error: %v", err)
	}
	if got := l.launches.Load(); got != 2 {
		t.Errorf("launches = %d, want 2", got)
	}
}

func TestDestroyAppMissingIsNoop(t *testing.T) {
	s := newTestScheduler(t, &fakeLauncher{})
	if err := s.DestroyApp("@app/weather", false); err != nil {
		t.Errorf("DestroyApp() on missing instance = %v, want nil", err)
	}
}

func TestDestroyAppForce(t *testing.T) {
	proc := &fakeProc{stopErr: errors.New("stuck")}
	l := &fakeLauncher{proc: proc}
	s := newTestScheduler(t, l)
	if _, err := s.CreateApp(context.Background(), "@app/weather"); err != nil {
		t.Fatal(err)
	}

	if err := s.DestroyApp("@app/weather", false); err == nil {
		t.Fatal("DestroyApp() without force should report stop error")
	}
	if !s.IsRunning("@app/weather") {
		t.Fatal("non-forced failed destroy must keep the instance")
	}

	var exited string
	s.OnExit(func(appID string) { exited = appID })
	if err := s.DestroyApp("@app/weather", true); err != nil {
		t.Fatalf("forced DestroyApp() error: %v", err)
	}
	if s.IsRunning("@app/weather") {
		t.Error("forced destroy must remove the instance")
	}
	if exited != "@app/weather" {
		t.Errorf("OnExit callback got %q", exited)
	}
}

func TestNotifyUnknownApp(t *testing.T) {
	s := newTestScheduler(t, &fakeLauncher{})
	if err := s.Notify("@app/weather", "request"); err == nil {
		t.Error("Notify() on non-running app should error")
	}
}
