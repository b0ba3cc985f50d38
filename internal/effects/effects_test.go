package effects

import (
	"testing"

	"github.com/corvid-labs/skald/internal/bus"
)

type recordedPost struct {
	topic string
	args  []any
}

type fakePoster struct {
	posts []recordedPost
}

func (p *fakePoster) Post(topic string, args ...any) {
	p.posts = append(p.posts, recordedPost{topic: topic, args: args})
}

func TestAwakeLightRoundTrip(t *testing.T) {
	p := &fakePoster{}
	c := New(p, nil)

	c.PlayAwakeLight()
	c.StopAwakeLight()

	if len(p.posts) != 2 {
		t.Fatalf("posts = %d, want 2", len(p.posts))
	}
	if p.posts[0].topic != bus.TopicLightPlay || p.posts[0].args[1] != LightAwake {
		t.Errorf("play post = %+v", p.posts[0])
	}
	if p.posts[1].topic != bus.TopicLightStop {
		t.Errorf("stop post = %+v", p.posts[1])
	}
}

func TestRecoverPausedOnAwaken(t *testing.T) {
	p := &fakePoster{}
	c := New(p, nil)

	c.RecoverPausedOnAwaken("@app/music")

	if len(p.posts) != 2 {
		t.Fatalf("posts = %d, want tts and media", len(p.posts))
	}
	if p.posts[0].topic != bus.TopicTtsMethod || p.posts[0].args[1] != "@app/music" {
		t.Errorf("tts post = %+v", p.posts[0])
	}
	if p.posts[1].topic != bus.TopicMediaMethod || p.posts[1].args[1] != "@app/music" {
		t.Errorf("media post = %+v", p.posts[1])
	}
}

func TestNetworkLagSoundRoundTrip(t *testing.T) {
	p := &fakePoster{}
	c := New(p, nil)

	c.PlayNetworkLagSound()
	c.StopNetworkLagSound()

	if len(p.posts) != 2 {
		t.Fatalf("posts = %d, want 2", len(p.posts))
	}
	if p.posts[0].topic != bus.TopicSoundPlay || p.posts[0].args[1] != SoundNetworkLag {
		t.Errorf("play post = %+v", p.posts[0])
	}
	if p.posts[1].topic != bus.TopicSoundStop || p.posts[1].args[1] != SoundNetworkLag {
		t.Errorf("stop post = %+v", p.posts[1])
	}
}

func TestMediaPauseOnAwaken(t *testing.T) {
	p := &fakePoster{}
	c := New(p, nil)

	c.MediaPauseOnAwaken("@app/music")

	if len(p.posts) != 1 || p.posts[0].topic != bus.TopicMediaMethod {
		t.Fatalf("posts = %+v, want one media method", p.posts)
	}
	if p.posts[0].args[0] != "pauseOnAwaken" || p.posts[0].args[1] != "@app/music" {
		t.Errorf("pause post = %+v", p.posts[0])
	}
}

func TestForgetPausedOnAwakenUsesEmptyApp(t *testing.T) {
	p := &fakePoster{}
	c := New(p, nil)

	c.ForgetPausedOnAwaken()

	for _, post := range p.posts {
		if post.args[1] != "" {
			t.Errorf("post %+v should carry empty app id", post)
		}
	}
}
