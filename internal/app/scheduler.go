package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CreationError reports a failed app launch. Callers distinguish it
// from resolution failures, which never reach the scheduler.
type CreationError struct {
	AppID string
	Err   error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create app %s: %v", e.AppID, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// Process is a launched app instance as seen by the scheduler.
type Process interface {
	// Notify delivers a lifecycle event to the app. Events include
	// "create", "request", "url", "ready", "oppressing", "pause",
	// "resume", "destroy", and notification channels.
	Notify(event string, args ...any) error
	// Stop tears the instance down.
	Stop() error
}

// Launcher starts app instances. Implementations may spawn processes
// or attach to externally managed services.
type Launcher interface {
	Launch(ctx context.Context, m *Manifest) (Process, error)
}

// Instance tracks a running app.
type Instance struct {
	AppID      string
	InstanceID string
	StartedAt  time.Time
	proc       Process
}

// Scheduler owns the set of running app instances. CreateApp is
// idempotent per app id: concurrent calls for the same id share one
// launch and yield exactly one instance.
type Scheduler struct {
	registry *Registry
	launcher Launcher
	logger   *slog.Logger

	mu       sync.Mutex
	running  map[string]*Instance
	inflight map[string]*launchCall

	onExit func(appID string)
}

type launchCall struct {
	done chan struct{}
	inst *Instance
	err  error
}

// NewScheduler creates a scheduler over the given registry and
// launcher.
func NewScheduler(registry *Registry, launcher Launcher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		registry: registry,
		launcher: launcher,
		logger:   logger,
		running:  make(map[string]*Instance),
		inflight: make(map[string]*launchCall),
	}
}

// OnExit registers a callback invoked after an instance is torn down.
// Must be called before the scheduler is used.
func (s *Scheduler) OnExit(fn func(appID string)) {
	s.onExit = fn
}

// CreateApp ensures an instance of appID is running and returns it.
// A second call while a launch is in flight waits for that launch
// instead of starting another.
func (s *Scheduler) CreateApp(ctx context.Context, appID string) (*Instance, error) {
	m, ok := s.registry.Manifest(appID)
	if !ok {
		return nil, &CreationError{AppID: appID, Err: fmt.Errorf("no manifest registered")}
	}

	s.mu.Lock()
	if inst, ok := s.running[appID]; ok {
		s.mu.Unlock()
		return inst, nil
	}
	if call, ok := s.inflight[appID]; ok {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.inst, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &launchCall{done: make(chan struct{})}
	s.inflight[appID] = call
	s.mu.Unlock()

	inst, err := s.launch(ctx, m)

	s.mu.Lock()
	delete(s.inflight, appID)
	if err == nil {
		s.running[appID] = inst
	}
	s.mu.Unlock()

	call.inst = inst
	call.err = err
	close(call.done)
	return inst, err
}

func (s *Scheduler) launch(ctx context.Context, m *Manifest) (*Instance, error) {
	proc, err := s.launcher.Launch(ctx, m)
	if err != nil {
		return nil, &CreationError{AppID: m.AppID, Err: err}
	}
	inst := &Instance{
		AppID:      m.AppID,
		InstanceID: uuid.NewString(),
		StartedAt:  time.Now(),
		proc:       proc,
	}
	s.logger.Info("app created", "app_id", m.AppID, "instance_id", inst.InstanceID)
	return inst, nil
}

// Notify delivers a lifecycle event to a running app. Unknown app ids
// are an error; the caller decides whether to create first.
func (s *Scheduler) Notify(appID, event string, args ...any) error {
	s.mu.Lock()
	inst, ok := s.running[appID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("app %s is not running", appID)
	}
	s.logger.Debug("app lifecycle", "app_id", appID, "event", event)
	return inst.proc.Notify(event, args...)
}

// DestroyApp stops an app instance. Missing instances are a no-op.
// With force, stop errors are logged and teardown proceeds anyway.
func (s *Scheduler) DestroyApp(appID string, force bool) error {
	s.mu.Lock()
	inst, ok := s.running[appID]
	if ok {
		delete(s.running, appID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if err := inst.proc.Notify("destroy"); err != nil {
		s.logger.Debug("destroy notification failed", "app_id", appID, "error", err)
	}
	err := inst.proc.Stop()
	if err != nil {
		if !force {
			// Put it back; the caller may retry with force.
			s.mu.Lock()
			s.running[appID] = inst
			s.mu.Unlock()
			return fmt.Errorf("stop app %s: %w", appID, err)
		}
		s.logger.Warn("forced app teardown after stop error", "app_id", appID, "error", err)
	}
	s.logger.Info("app destroyed", "app_id", appID, "instance_id", inst.InstanceID)
	if s.onExit != nil {
		s.onExit(appID)
	}
	return nil
}

// IsRunning reports whether an instance of appID exists.
func (s *Scheduler) IsRunning(appID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[appID]
	return ok
}

// AliveAppIDs returns the ids of all running instances.
func (s *Scheduler) AliveAppIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	return ids
}

// InstanceOf returns the running instance of appID, if any.
func (s *Scheduler) InstanceOf(appID string) (*Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.running[appID]
	return inst, ok
}
