package runtime

import (
	"context"
	"sync"
	"testing"

	"github.com/corvid-labs/skald/internal/app"
	"github.com/corvid-labs/skald/internal/bus"
	"github.com/corvid-labs/skald/internal/effects"
	"github.com/corvid-labs/skald/internal/lifetime"
)

type fakeProc struct {
	mu     sync.Mutex
	events []string
}

func (p *fakeProc) Notify(event string, args ...any) error {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	return nil
}

func (p *fakeProc) Stop() error { return nil }

func (p *fakeProc) has(event string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.events {
		if e == event {
			return true
		}
	}
	return false
}

type fakeLauncher struct {
	mu    sync.Mutex
	procs map[string]*fakeProc
}

func (l *fakeLauncher) Launch(ctx context.Context, m *app.Manifest) (app.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := &fakeProc{}
	l.procs[m.AppID] = p
	return p, nil
}

func (l *fakeLauncher) proc(appID string) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[appID]
}

type fakePoster struct {
	mu    sync.Mutex
	posts []recordedPost
}

type recordedPost struct {
	topic string
	args  []any
}

func (p *fakePoster) Post(topic string, args ...any) {
	p.mu.Lock()
	p.posts = append(p.posts, recordedPost{topic: topic, args: args})
	p.mu.Unlock()
}

func (p *fakePoster) last(topic string) (recordedPost, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.posts) - 1; i >= 0; i-- {
		if p.posts[i].topic == topic {
			return p.posts[i], true
		}
	}
	return recordedPost{}, false
}

func (p *fakePoster) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, post := range p.posts {
		if post.topic == topic {
			n++
		}
	}
	return n
}

type fixture struct {
	rt        *Runtime
	registry  *app.Registry
	scheduler *app.Scheduler
	lifetime  *lifetime.Lifetime
	launcher  *fakeLauncher
	post      *fakePoster
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: app.NewRegistry(nil),
		launcher: &fakeLauncher{procs: make(map[string]*fakeProc)},
		post:     &fakePoster{},
	}
	manifests := []*app.Manifest{
		{AppID: "@app/weather", Skills: []string{"weather"}},
		{AppID: "@app/music", Skills: []string{"music"}, Daemon: true},
		{AppID: "@app/story", Skills: []string{"story"}},
		{AppID: "@app/silent", Skills: []string{"silent"}, ExcludedFromStack: true},
	}
	for _, m := range manifests {
		if err := f.registry.Register(m); err != nil {
			t.Fatal(err)
		}
	}
	f.scheduler = app.NewScheduler(f.registry, f.launcher, nil)
	f.lifetime = lifetime.New(f.scheduler, nil, nil)
	f.rt = New(context.Background(), Deps{
		Registry:  f.registry,
		Scheduler: f.scheduler,
		Lifetime:  f.lifetime,
		Effects:   effects.New(f.post, nil),
		Post:      f.post,
	})
	return f
}

func TestVoiceCommandActivatesApp(t *testing.T) {
	f := newFixture(t)

	ok := f.rt.OnVoiceCommand("", []byte(`{"appId":"weather"}`), []byte(`{}`))

	if !ok {
		t.Fatal("OnVoiceCommand() = false, want true")
	}
	if !f.scheduler.IsRunning("@app/weather") {
		t.Error("app must be created")
	}
	if got := f.lifetime.GetCurrentAppID(); got != "@app/weather" {
		t.Errorf("foreground = %q, want @app/weather", got)
	}
	if d := f.rt.CurrentDomain(); d.Cut != "weather" || d.Active != "weather" {
		t.Errorf("domain = %+v, want cut=weather", d)
	}
	if !f.launcher.proc("@app/weather").has("request") {
		t.Error("app must receive the request lifecycle")
	}
	if post, ok := f.post.last(bus.TopicStackUpdate); !ok || post.args[0] != ":weather" {
		t.Errorf("stack.update = %v, want :weather", post)
	}
}

func TestVoiceCommandSceneForm(t *testing.T) {
	f := newFixture(t)

	ok := f.rt.OnVoiceCommand("", []byte(`{"appId":"music"}`),
		[]byte(`{"response":{"action":{"form":"scene"}}}`))

	if !ok {
		t.Fatal("OnVoiceCommand() = false")
	}
	if d := f.rt.CurrentDomain(); d.Scene != "music" {
		t.Errorf("domain = %+v, want scene=music", d)
	}
	if post, _ := f.post.last(bus.TopicStackUpdate); post.args[0] != "music:" {
		t.Errorf("stack.update = %v, want music:", post)
	}
}

func TestVoiceCommandMissingAppID(t *testing.T) {
	f := newFixture(t)
	if f.rt.OnVoiceCommand("", []byte(`{"cloud":true}`), []byte(`{}`)) {
		t.Error("nlp without appId must report false")
	}
}

func TestVoiceCommandUnknownSkill(t *testing.T) {
	f := newFixture(t)
	if f.rt.OnVoiceCommand("", []byte(`{"appId":"nope"}`), []byte(`{}`)) {
		t.Error("unknown skill without appName must report false")
	}
	if len(f.scheduler.AliveAppIDs()) != 0 {
		t.Error("no app may be created for an unknown skill")
	}
}

func TestMonopolyAbsorbsPreemptiveCommand(t *testing.T) {
	f := newFixture(t)
	if !f.rt.OnVoiceCommand("", []byte(`{"appId":"story"}`), []byte(`{"response":{"action":{"form":"scene"}}}`)) {
		t.Fatal("story activation failed")
	}
	if err := f.rt.StartMonologue("@app/story"); err != nil {
		t.Fatal(err)
	}

	ok := f.rt.OnVoiceCommand("", []byte(`{"appId":"weather"}`), []byte(`{}`))

	if !ok {
		t.Error("absorbed command must report true so media stays down")
	}
	if f.scheduler.IsRunning("@app/weather") {
		t.Error("absorbed command must not create the app")
	}
	if !f.launcher.proc("@app/story").has("oppressing") {
		t.Error("monologue holder must learn about the attempt")
	}
}

func TestOpenURLRejectsForeignScheme(t *testing.T) {
	f := newFixture(t)
	if f.rt.OpenURL("http://weather/forecast") {
		t.Error("OpenURL() must reject non-app schemes")
	}
	if len(f.scheduler.AliveAppIDs()) != 0 || f.post.count(bus.TopicStackUpdate) != 0 {
		t.Error("rejected url must leave no side effects")
	}
}

func TestOpenURLActivates(t *testing.T) {
	f := newFixture(t)

	if !f.rt.OpenURL("yoda-skill://weather/forecast?form=cut") {
		t.Fatal("OpenURL() = false")
	}
	if !f.launcher.proc("@app/weather").has("url") {
		t.Error("app must receive the url lifecycle")
	}
	if d := f.rt.CurrentDomain(); d.Cut != "weather" {
		t.Errorf("domain = %+v", d)
	}
}

func TestExcludedSkillLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	if !f.rt.OnVoiceCommand("", []byte(`{"appId":"silent"}`), []byte(`{}`)) {
		t.Fatal("dispatch failed")
	}
	if d := f.rt.CurrentDomain(); d.Cut != "" || d.Active != "" {
		t.Errorf("domain = %+v, want excluded skill absent", d)
	}
	if f.post.count(bus.TopicStackUpdate) != 0 {
		t.Error("excluded skill must not mirror the stack")
	}
}

func TestExitAppClearsContext(t *testing.T) {
	f := newFixture(t)
	if !f.rt.OnVoiceCommand("", []byte(`{"appId":"weather"}`), []byte(`{}`)) {
		t.Fatal("dispatch failed")
	}

	if err := f.rt.ExitAppByID("@app/weather", true); err != nil {
		t.Fatal(err)
	}
	if d := f.rt.CurrentDomain(); d.Cut != "" {
		t.Errorf("domain = %+v, want cut cleared", d)
	}
	if f.scheduler.IsRunning("@app/weather") {
		t.Error("exited app must be destroyed")
	}
}

func TestStackResetMirrorsEmptyStack(t *testing.T) {
	f := newFixture(t)
	if !f.rt.OnVoiceCommand("", []byte(`{"appId":"weather"}`), []byte(`{}`)) {
		t.Fatal("dispatch failed")
	}

	f.rt.Idle()

	if post, ok := f.post.last(bus.TopicStackUpdate); !ok || post.args[0] != ":" {
		t.Errorf("stack.update = %v, want :", post)
	}
	if d := f.rt.CurrentDomain(); d != (Domain{}) {
		t.Errorf("domain = %+v, want empty", d)
	}
}

func TestDispatchNotificationAllCreatesApps(t *testing.T) {
	f := newFixture(t)

	f.rt.DispatchNotification("on-system-booted", nil, FilterAll)

	for _, appID := range f.registry.AppIDs() {
		if !f.scheduler.IsRunning(appID) {
			t.Errorf("app %s not created for all-filter notification", appID)
		}
		if !f.launcher.proc(appID).has("on-system-booted") {
			t.Errorf("app %s did not receive the notification", appID)
		}
	}
}

func TestDispatchNotificationActiveFilter(t *testing.T) {
	f := newFixture(t)
	if !f.rt.OnVoiceCommand("", []byte(`{"appId":"weather"}`), []byte(`{}`)) {
		t.Fatal("dispatch failed")
	}
	if err := f.lifetime.CreateApp(context.Background(), "@app/music"); err != nil {
		t.Fatal(err)
	}

	f.rt.DispatchNotification("on-network-connected", nil, FilterActive)

	if !f.launcher.proc("@app/weather").has("on-network-connected") {
		t.Error("stack app must receive the notification")
	}
	if f.launcher.proc("@app/music").has("on-network-connected") {
		t.Error("out-of-stack app must not receive an active-filter notification")
	}
}

func TestVoiceCommandFromAppBackgroundsCaller(t *testing.T) {
	f := newFixture(t)
	if !f.rt.OnVoiceCommand("", []byte(`{"appId":"music"}`), []byte(`{"response":{"action":{"form":"scene"}}}`)) {
		t.Fatal("dispatch failed")
	}

	ok, err := f.rt.VoiceCommand("play weather", []byte(`{"appId":"weather"}`), []byte(`{}`), "@app/music")
	if err != nil || !ok {
		t.Fatalf("VoiceCommand() = %v, %v", ok, err)
	}
	if got := f.lifetime.StatusOf("@app/music"); got != lifetime.StatusBackground {
		t.Errorf("caller status = %q, want background", got)
	}
	if f.lifetime.GetCurrentAppID() != "@app/weather" {
		t.Error("commanded app must take the foreground")
	}
	// The caller survives the preemption because it was backgrounded.
	if !f.scheduler.IsRunning("@app/music") {
		t.Error("caller must survive its own command")
	}
}

func TestOnLoggedInBootstraps(t *testing.T) {
	f := newFixture(t)

	f.rt.OnLoggedIn(false)

	if !f.scheduler.IsRunning("@app/music") {
		t.Error("daemon app must start after login")
	}
	if f.post.count(bus.TopicSoundPlay) != 2 {
		t.Errorf("sound posts = %d, want startup and welcome", f.post.count(bus.TopicSoundPlay))
	}

	f.rt.OnLoggedIn(true)
	if f.post.count(bus.TopicSoundPlay) != 2 {
		t.Error("re-login must not replay the welcome")
	}
}

func TestSetForegroundRejectsForeignSkill(t *testing.T) {
	f := newFixture(t)
	if err := f.rt.SetForegroundByID("@app/weather", "music", app.FormCut); err == nil {
		t.Error("SetForegroundByID() must reject a skill owned by another app")
	}
}

func TestStartAppSyntheticDispatch(t *testing.T) {
	f := newFixture(t)

	if err := f.rt.StartApp("story", app.FormCut); err != nil {
		t.Fatalf("StartApp() failed: %v", err)
	}
	if !f.scheduler.IsRunning("@app/story") {
		t.Error("app must be created")
	}
	if f.lifetime.GetCurrentAppID() != "@app/story" {
		t.Error("started app must take the foreground")
	}
	if !f.launcher.proc("@app/story").has("request") {
		t.Error("synthetic nlp must be delivered as a request")
	}

	if err := f.rt.StartApp("no-such-skill", app.FormCut); err == nil {
		t.Error("StartApp() must fail for an unknown skill")
	}
}
