// Package mutation runs a background loop that gently perturbs a weighted
// selection of parameters on a randomized interval. Mutations apply only
// while the idle manager reports the system idle, so they color the
// ambient mode without fighting live user input.
package mutation

import (
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/oberones/mysterymelodymachine/composer/params"
)

// historyCapacity bounds the mutation event ring.
const historyCapacity = 100

// Rule defines how one parameter may be mutated.
type Rule struct {
	Parameter   string
	Weight      float64
	DeltaMin    float64
	DeltaMax    float64
	DeltaScale  float64
	Description string
}

// Event records one applied mutation. NewValue is the final value after
// the store's clamping; Delta is the actual applied delta
// (clamped − original).
type Event struct {
	Timestamp       time.Time
	Parameter       string
	OldValue        float64
	NewValue        float64
	Delta           float64
	RuleDescription string
}

// Config sets the cycle scheduling bounds.
type Config struct {
	IntervalMinS       float64
	IntervalMaxS       float64
	MaxChangesPerCycle int
}

func (c Config) withDefaults() Config {
	if c.IntervalMinS <= 0 {
		c.IntervalMinS = 120
	}
	if c.IntervalMaxS < c.IntervalMinS {
		c.IntervalMaxS = c.IntervalMinS
	}
	if c.MaxChangesPerCycle <= 0 {
		c.MaxChangesPerCycle = 1
	}
	return c
}

// Stats is a snapshot of engine state: totals, per-parameter counts, and
// cycle timing.
type Stats struct {
	Running          bool
	MutationsEnabled bool
	TotalMutations   int
	RuleCount        int
	TimeToNext       time.Duration
	LastCycle        time.Time
	PerParameter     map[string]int
}

// IdleNotifier is the slice of the idle manager the engine needs: a way to
// observe idle-state changes. Satisfied by *idle.Manager.
type IdleNotifier interface {
	AddIdleStateCallback(func(bool)) int64
}

// Engine perturbs store parameters on a randomized interval while the
// system is idle.
type Engine struct {
	cfg    Config
	store  *params.Store
	logger *log.Logger

	mu               sync.Mutex
	rng              *rand.Rand
	rules            []Rule
	history          []Event
	perParameter     map[string]int
	lastCycle        time.Time
	nextCycle        time.Time
	mutationsEnabled bool
	running          bool
	stopCh           chan struct{}
	doneCh           chan struct{}
}

// New creates an Engine with the default rules installed. Mutations start
// disabled until an idle manager reports the idle state. rng drives
// interval and rule selection; nil seeds from the wall clock.
func New(cfg Config, store *params.Store, rng *rand.Rand, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[mutation] ", log.LstdFlags)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{
		cfg:          cfg.withDefaults(),
		store:        store,
		logger:       logger,
		rng:          rng,
		rules:        defaultRules(),
		perParameter: make(map[string]int),
	}
}

// defaultRules are the built-in mutation weights and delta ranges.
func defaultRules() []Rule {
	return []Rule{
		{Parameter: params.BPM, Weight: 2.0, DeltaMin: -5, DeltaMax: 5, DeltaScale: 1, Description: "tempo drift"},
		{Parameter: params.Swing, Weight: 1.5, DeltaMin: -0.05, DeltaMax: 0.05, DeltaScale: 1, Description: "swing adjustment"},
		{Parameter: params.Density, Weight: 3.0, DeltaMin: -0.1, DeltaMax: 0.1, DeltaScale: 1, Description: "density variation"},
		{Parameter: params.NoteProbability, Weight: 2.5, DeltaMin: -0.05, DeltaMax: 0.05, DeltaScale: 1, Description: "note probability shift"},
		{Parameter: params.RootNote, Weight: 1.0, DeltaMin: -2, DeltaMax: 2, DeltaScale: 1, Description: "root note shift"},
		{Parameter: params.FilterCutoff, Weight: 2.0, DeltaMin: -10, DeltaMax: 10, DeltaScale: 1, Description: "filter cutoff drift"},
		{Parameter: params.ReverbMix, Weight: 1.5, DeltaMin: -5, DeltaMax: 5, DeltaScale: 1, Description: "reverb mix adjustment"},
		{Parameter: params.SequenceLength, Weight: 1.0, DeltaMin: -2, DeltaMax: 2, DeltaScale: 1, Description: "sequence length change"},
		{Parameter: params.Drift, Weight: 1.5, DeltaMin: -0.05, DeltaMax: 0.05, DeltaScale: 1, Description: "bpm drift envelope"},
	}
}

// AddRule installs a custom rule.
func (e *Engine) AddRule(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
}

// RemoveRule removes the rule for a parameter, reporting whether one
// existed.
func (e *Engine) RemoveRule(parameter string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.Parameter == parameter {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// SetIdleManager registers a callback on the idle manager so mutations are
// enabled exactly while the system is idle.
func (e *Engine) SetIdleManager(m IdleNotifier) {
	m.AddIdleStateCallback(func(isIdle bool) {
		e.mu.Lock()
		changed := e.mutationsEnabled != isIdle
		e.mutationsEnabled = isIdle
		e.mu.Unlock()
		if changed {
			e.logger.Printf("mutations %s (idle=%v)", enabledWord(isIdle), isIdle)
		}
	})
}

func enabledWord(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}

// MutationsEnabled reports whether cycles will currently apply changes.
func (e *Engine) MutationsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mutationsEnabled
}

// Start launches the background cycle loop. Idempotent while running.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.scheduleNextLocked(time.Now())
	e.mu.Unlock()

	go e.run()
}

// Stop halts the loop and joins within ~1s. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	stopCh := e.stopCh
	doneCh := e.doneCh
	e.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		e.logger.Printf("warning: mutation loop did not join within 1s")
	}
}

func (e *Engine) run() {
	defer close(e.doneCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			e.mu.Lock()
			due := now.After(e.nextCycle) || now.Equal(e.nextCycle)
			e.mu.Unlock()
			if due {
				e.cycle()
			}
		}
	}
}

// MaybeMutate runs a cycle if the scheduled time has passed. Callable from
// a host loop as an alternative to Start.
func (e *Engine) MaybeMutate() {
	e.mu.Lock()
	due := !time.Now().Before(e.nextCycle)
	e.mu.Unlock()
	if due {
		e.cycle()
	}
}

// ForceMutation runs a cycle immediately. The idle gate still applies: a
// forced cycle while active applies nothing.
func (e *Engine) ForceMutation() {
	e.cycle()
}

// cycle performs one mutation cycle: reschedule-and-exit when disabled,
// otherwise weighted selection without replacement over the rules whose
// parameters exist, bounded delta application through the store, and
// history recording.
func (e *Engine) cycle() {
	e.mu.Lock()
	now := time.Now()
	e.lastCycle = now

	if !e.mutationsEnabled {
		e.scheduleNextLocked(now)
		e.mu.Unlock()
		return
	}

	selected := e.selectRulesLocked()
	e.scheduleNextLocked(now)
	e.mu.Unlock()

	applied := 0
	for _, rule := range selected {
		if e.applyRule(rule) {
			applied++
		}
	}
	if applied > 0 {
		e.logger.Printf("mutation cycle: selected=%d applied=%d", len(selected), applied)
	}
}

// scheduleNextLocked picks the next cycle time uniformly in the configured
// interval. Caller holds e.mu.
func (e *Engine) scheduleNextLocked(now time.Time) {
	span := e.cfg.IntervalMaxS - e.cfg.IntervalMinS
	interval := e.cfg.IntervalMinS + e.rng.Float64()*span
	e.nextCycle = now.Add(time.Duration(interval * float64(time.Second)))
}

// selectRulesLocked draws up to MaxChangesPerCycle rules without
// replacement, weight-proportional at each draw, from the rules whose
// parameters currently exist in the store. Caller holds e.mu.
func (e *Engine) selectRulesLocked() []Rule {
	available := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if e.store.Get(r.Parameter, nil) != nil {
			available = append(available, r)
		}
	}

	limit := e.cfg.MaxChangesPerCycle
	if limit > len(available) {
		limit = len(available)
	}

	selected := make([]Rule, 0, limit)
	for len(selected) < limit && len(available) > 0 {
		total := 0.0
		for _, r := range available {
			total += r.Weight
		}
		if total <= 0 {
			break
		}
		target := e.rng.Float64() * total
		cumulative := 0.0
		for i, r := range available {
			cumulative += r.Weight
			if cumulative >= target {
				selected = append(selected, r)
				available = append(available[:i], available[i+1:]...)
				break
			}
		}
	}
	return selected
}

// applyRule perturbs one parameter through the store and records the
// resulting event. A rule whose parameter does not resolve is skipped
// with a warning.
func (e *Engine) applyRule(rule Rule) bool {
	current, ok := asFloat(e.store.Get(rule.Parameter, nil))
	if !ok {
		e.logger.Printf("warning: mutation skipped, parameter %q not found", rule.Parameter)
		return false
	}

	e.mu.Lock()
	delta := rule.DeltaMin + e.rng.Float64()*(rule.DeltaMax-rule.DeltaMin)
	e.mu.Unlock()
	proposed := current + delta*rule.DeltaScale

	value := any(proposed)
	if _, isInt := e.store.Get(rule.Parameter, nil).(int); isInt {
		value = int(proposed)
	}
	if !e.store.Set(rule.Parameter, value, params.SourceMutation) {
		return false
	}

	final, _ := asFloat(e.store.Get(rule.Parameter, nil))
	event := Event{
		Timestamp:       time.Now(),
		Parameter:       rule.Parameter,
		OldValue:        current,
		NewValue:        final,
		Delta:           final - current,
		RuleDescription: rule.Description,
	}

	e.mu.Lock()
	e.history = append(e.history, event)
	if len(e.history) > historyCapacity {
		e.history = e.history[len(e.history)-historyCapacity:]
	}
	e.perParameter[rule.Parameter]++
	e.mu.Unlock()

	e.logger.Printf("mutated %s: %.3f -> %.3f (%s)", rule.Parameter, current, final, rule.Description)
	return true
}

// History returns the most recent n events, or all of them when n <= 0.
func (e *Engine) History(n int) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n > len(e.history) {
		n = len(e.history)
	}
	out := make([]Event, n)
	copy(out, e.history[len(e.history)-n:])
	return out
}

// GetStats returns a snapshot of engine statistics.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	per := make(map[string]int, len(e.perParameter))
	total := 0
	for k, v := range e.perParameter {
		per[k] = v
		total += v
	}
	var toNext time.Duration
	if until := time.Until(e.nextCycle); until > 0 {
		toNext = until
	}
	return Stats{
		Running:          e.running,
		MutationsEnabled: e.mutationsEnabled,
		TotalMutations:   total,
		RuleCount:        len(e.rules),
		TimeToNext:       toNext,
		LastCycle:        e.lastCycle,
		PerParameter:     per,
	}
}

func asFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
