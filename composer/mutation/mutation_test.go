package mutation

import (
	"math/rand"
	"testing"
	"time"

	"github.com/oberones/mysterymelodymachine/composer/params"
)

type fakeIdle struct {
	cb func(bool)
}

func (f *fakeIdle) AddIdleStateCallback(cb func(bool)) int64 {
	f.cb = cb
	return 1
}

func newTestEngine(t *testing.T) (*Engine, *params.Store, *fakeIdle) {
	t.Helper()
	store := params.New(nil)
	e := New(Config{IntervalMinS: 1, IntervalMaxS: 1, MaxChangesPerCycle: 1}, store, rand.New(rand.NewSource(1)), nil)
	idle := &fakeIdle{}
	e.SetIdleManager(idle)
	return e, store, idle
}

// useOnlyRule strips the defaults and installs a single rule whose delta is
// strictly positive, so every enabled cycle is guaranteed to change the
// store.
func useOnlyRule(e *Engine, r Rule) {
	for _, d := range defaultRules() {
		e.RemoveRule(d.Parameter)
	}
	e.AddRule(r)
}

func TestForceMutationGatedByIdle(t *testing.T) {
	e, _, idle := newTestEngine(t)
	useOnlyRule(e, Rule{Parameter: params.Swing, Weight: 1, DeltaMin: 0.01, DeltaMax: 0.02, DeltaScale: 1, Description: "test"})

	// Not idle yet: a forced cycle applies nothing.
	e.ForceMutation()
	if got := len(e.History(0)); got != 0 {
		t.Fatalf("history has %d events while active, want 0", got)
	}

	// After entering idle a forced cycle records exactly one event.
	idle.cb(true)
	e.ForceMutation()
	history := e.History(0)
	if len(history) != 1 {
		t.Fatalf("history has %d events, want 1", len(history))
	}

	// Leaving idle disables mutations again.
	idle.cb(false)
	e.ForceMutation()
	if got := len(e.History(0)); got != 1 {
		t.Errorf("history grew to %d while active, want 1", got)
	}
}

func TestMutationEventMatchesStoreValue(t *testing.T) {
	e, store, idle := newTestEngine(t)
	useOnlyRule(e, Rule{Parameter: params.Density, Weight: 1, DeltaMin: 0.2, DeltaMax: 0.4, DeltaScale: 1, Description: "test"})
	idle.cb(true)

	e.ForceMutation()
	ev := e.History(1)[0]
	current, _ := asFloat(store.Get(ev.Parameter, nil))
	if ev.NewValue != current {
		t.Errorf("event new value %v, store holds %v", ev.NewValue, current)
	}
	if got := ev.NewValue - ev.OldValue; got != ev.Delta {
		t.Errorf("delta %v, want %v (clamped − original)", ev.Delta, got)
	}
}

func TestMutatedValueStaysInDomain(t *testing.T) {
	store := params.New(nil)
	// Pin density at its ceiling so upward deltas must clamp.
	store.Set(params.Density, 1.0, params.SourceConfig)
	e := New(Config{IntervalMinS: 1, IntervalMaxS: 1, MaxChangesPerCycle: 1}, store, rand.New(rand.NewSource(3)), nil)
	idle := &fakeIdle{}
	e.SetIdleManager(idle)
	idle.cb(true)

	// Only the density rule remains so every cycle hits the clamped edge.
	for _, name := range []string{params.BPM, params.Swing, params.NoteProbability, params.RootNote,
		params.FilterCutoff, params.ReverbMix, params.SequenceLength, params.Drift} {
		e.RemoveRule(name)
	}

	for i := 0; i < 50; i++ {
		e.ForceMutation()
		v := store.Get(params.Density, nil).(float64)
		if v < 0 || v > 1 {
			t.Fatalf("density %v escaped its domain", v)
		}
	}
}

func TestSelectionWithoutReplacement(t *testing.T) {
	store := params.New(nil)
	e := New(Config{IntervalMinS: 1, IntervalMaxS: 1, MaxChangesPerCycle: 5}, store, rand.New(rand.NewSource(7)), nil)

	e.mu.Lock()
	selected := e.selectRulesLocked()
	e.mu.Unlock()

	if len(selected) != 5 {
		t.Fatalf("selected %d rules, want 5", len(selected))
	}
	seen := make(map[string]bool)
	for _, r := range selected {
		if seen[r.Parameter] {
			t.Errorf("rule %q selected twice", r.Parameter)
		}
		seen[r.Parameter] = true
	}
}

func TestAddRemoveRule(t *testing.T) {
	e, _, _ := newTestEngine(t)

	before := e.GetStats().RuleCount
	e.AddRule(Rule{Parameter: "master_volume", Weight: 1, DeltaMin: -5, DeltaMax: 5, DeltaScale: 1})
	if got := e.GetStats().RuleCount; got != before+1 {
		t.Errorf("rule count %d after add, want %d", got, before+1)
	}
	if !e.RemoveRule("master_volume") {
		t.Error("RemoveRule returned false for an existing rule")
	}
	if e.RemoveRule("master_volume") {
		t.Error("RemoveRule returned true for a missing rule")
	}
}

func TestHistoryRingBounded(t *testing.T) {
	e, _, idle := newTestEngine(t)
	idle.cb(true)

	for i := 0; i < historyCapacity+20; i++ {
		e.ForceMutation()
	}
	if got := len(e.History(0)); got > historyCapacity {
		t.Errorf("history grew to %d, capacity is %d", got, historyCapacity)
	}
	if got := len(e.History(5)); got != 5 {
		t.Errorf("History(5) returned %d events", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	e.Start()
	e.Start()
	stats := e.GetStats()
	if !stats.Running {
		t.Error("engine not running after Start")
	}
	if stats.TimeToNext <= 0 || stats.TimeToNext > 2*time.Second {
		t.Errorf("time to next cycle %v outside the 1s interval", stats.TimeToNext)
	}
	e.Stop()
	e.Stop()
	if e.GetStats().Running {
		t.Error("engine still running after Stop")
	}
}
