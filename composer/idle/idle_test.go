package idle

import (
	"testing"
	"time"

	"github.com/oberones/mysterymelodymachine/composer/params"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *params.Store) {
	t.Helper()
	store := params.New(nil)
	m := New(cfg, store, nil)
	t.Cleanup(m.Stop)
	return m, store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestIdleTransitionReachesProfile(t *testing.T) {
	m, store := newTestManager(t, Config{TimeoutMs: 100, AmbientProfile: ProfileSlowFade, FadeInMs: 100})
	store.Set(params.BPM, 120.0, params.SourceConfig)
	store.Set(params.SmoothIdleTransitions, false, params.SourceConfig)
	m.Start()

	waitFor(t, 2*time.Second, m.IsIdle, "manager never reached idle")

	if got := store.Get(params.BPM, nil).(float64); got != 65.0 {
		t.Errorf("bpm %v after idle, want 65 (slow_fade)", got)
	}
	if got := store.Get(params.Density, nil).(float64); got != 0.3 {
		t.Errorf("density %v after idle, want 0.3", got)
	}
	if m.TimeToIdle() != -1 {
		t.Errorf("TimeToIdle = %v while idle, want -1", m.TimeToIdle())
	}
}

func TestTouchInterruptsWithoutRestoration(t *testing.T) {
	m, store := newTestManager(t, Config{TimeoutMs: 50, AmbientProfile: ProfileSlowFade, FadeInMs: 50})
	store.Set(params.BPM, 120.0, params.SourceConfig)
	m.Start()

	waitFor(t, 2*time.Second, m.IsIdle, "manager never reached idle")

	before := store.GetAll()
	m.Touch()

	if m.IsIdle() {
		t.Error("still idle after Touch")
	}
	after := store.GetAll()
	for name, v := range before {
		if after[name] != v {
			t.Errorf("parameter %s changed on Touch: %v -> %v (values must not be restored)", name, v, after[name])
		}
	}
}

func TestIdleStateCallbacks(t *testing.T) {
	m, _ := newTestManager(t, Config{TimeoutMs: 50, AmbientProfile: ProfileMinimal, FadeInMs: 50})

	var events []bool
	fired := make(chan struct{}, 16)
	m.AddIdleStateCallback(func(isIdle bool) {
		events = append(events, isIdle)
		fired <- struct{}{}
	})
	m.Start()

	<-fired // enter idle
	m.Touch()
	<-fired // leave idle

	if len(events) < 2 || events[0] != true || events[1] != false {
		t.Errorf("callback sequence = %v, want [true false]", events)
	}
}

func TestTouchDuringTransitionFiresNoCallback(t *testing.T) {
	m, _ := newTestManager(t, Config{TimeoutMs: 50, AmbientProfile: ProfileSlowFade, FadeInMs: 5000})

	fired := make(chan bool, 16)
	m.AddIdleStateCallback(func(isIdle bool) { fired <- isIdle })
	m.Start()

	waitFor(t, 2*time.Second, m.IsTransitioning, "transition never started")
	m.Touch()

	if m.IsIdle() || m.IsTransitioning() {
		t.Error("transition survived Touch")
	}
	select {
	case v := <-fired:
		t.Errorf("callback fired with %v; interrupting a transition must not notify", v)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransitionInterpolatesSmoothly(t *testing.T) {
	m, store := newTestManager(t, Config{TimeoutMs: 20, AmbientProfile: ProfileSlowFade, FadeInMs: 500})
	store.Set(params.BPM, 120.0, params.SourceConfig)
	m.Start()

	waitFor(t, 2*time.Second, m.IsTransitioning, "transition never started")
	time.Sleep(150 * time.Millisecond)

	if m.IsIdle() {
		t.Fatal("reached idle too early")
	}
	mid := store.Get(params.BPM, nil).(float64)
	if mid >= 120.0 || mid <= 65.0 {
		t.Errorf("mid-transition bpm %v, want strictly between 65 and 120", mid)
	}
}

func TestNoProfileNeverIdles(t *testing.T) {
	m, _ := newTestManager(t, Config{TimeoutMs: 10, AmbientProfile: "no_such_profile", FadeInMs: 10})
	m.Start()
	time.Sleep(100 * time.Millisecond)
	if m.IsIdle() || m.IsTransitioning() {
		t.Error("manager entered idle without a configured profile")
	}
}

func TestCallbackPanicIsolated(t *testing.T) {
	m, _ := newTestManager(t, Config{TimeoutMs: 20, AmbientProfile: ProfileMinimal, FadeInMs: 20})

	reached := make(chan struct{}, 1)
	m.AddIdleStateCallback(func(bool) { panic("boom") })
	m.AddIdleStateCallback(func(bool) { reached <- struct{}{} })
	m.Start()

	select {
	case <-reached:
	case <-time.After(2 * time.Second):
		t.Fatal("second callback never ran after first panicked")
	}
}

func TestForceIdleAndForceActive(t *testing.T) {
	m, _ := newTestManager(t, Config{TimeoutMs: 60000, AmbientProfile: ProfileMeditative, FadeInMs: 10})
	m.Start()

	m.ForceIdle()
	waitFor(t, 2*time.Second, m.IsIdle, "ForceIdle never reached idle")

	m.ForceActive()
	if m.IsIdle() {
		t.Error("still idle after ForceActive")
	}
}

func TestProfilesComplete(t *testing.T) {
	profiles := Profiles()
	for _, name := range []string{ProfileSlowFade, ProfileMinimal, ProfileMeditative} {
		p, ok := profiles[name]
		if !ok {
			t.Errorf("missing builtin profile %q", name)
			continue
		}
		if len(p.Params) == 0 {
			t.Errorf("profile %q has no parameters", name)
		}
	}
}
