// Package idle tracks the last user-interaction timestamp and, after a
// configured timeout, smoothly interpolates the parameter store into a
// named ambient profile. Any interaction interrupts immediately and
// restores nothing: the engine simply continues from wherever the fade
// left the parameters.
package idle

import (
	"log"
	"sync"
	"time"

	"github.com/oberones/mysterymelodymachine/composer/params"
)

// Profile is a named ambient parameter set.
type Profile struct {
	Name        string
	Params      map[string]any
	Description string
}

// Builtin profile names.
const (
	ProfileSlowFade   = "slow_fade"
	ProfileMinimal    = "minimal"
	ProfileMeditative = "meditative"
)

// Profiles returns the built-in ambient profiles.
func Profiles() map[string]Profile {
	return map[string]Profile{
		ProfileSlowFade: {
			Name: ProfileSlowFade,
			Params: map[string]any{
				params.Density:      0.3,
				params.BPM:          65.0,
				params.ScaleIndex:   2,
				params.ReverbMix:    90.0,
				params.FilterCutoff: 40.0,
				params.MasterVolume: 60.0,
			},
			Description: "slow ambient fade with reduced density and darker tones",
		},
		ProfileMinimal: {
			Name: ProfileMinimal,
			Params: map[string]any{
				params.Density:      0.15,
				params.BPM:          50.0,
				params.ScaleIndex:   2,
				params.ReverbMix:    100.0,
				params.Swing:        0.05,
				params.MasterVolume: 40.0,
			},
			Description: "minimal ambient with very low density",
		},
		ProfileMeditative: {
			Name: ProfileMeditative,
			Params: map[string]any{
				params.Density:      0.4,
				params.BPM:          72.0,
				params.ScaleIndex:   1,
				params.ReverbMix:    80.0,
				params.FilterCutoff: 30.0,
				params.Swing:        0.0,
				params.MasterVolume: 50.0,
			},
			Description: "meditative ambient with minor tonality",
		},
	}
}

// Config sets the inactivity timeout, profile, and fade durations.
type Config struct {
	TimeoutMs      int
	AmbientProfile string
	FadeInMs       int
	FadeOutMs      int
}

// transition tracks an in-progress fade into the ambient profile. There
// is no fade back out: interruption abandons the transition outright.
type transition struct {
	active      bool
	start       time.Time
	startValues map[string]float64
	stringStart map[string]any
	duration    time.Duration
	switched    map[string]bool
}

// Manager watches for inactivity and drives the fade into ambient mode.
type Manager struct {
	cfg     Config
	store   *params.Store
	profile *Profile
	logger  *log.Logger

	mu              sync.Mutex
	lastInteraction time.Time
	isIdle          bool
	trans           transition
	callbacks       []callbackEntry
	nextCallback    int64
	running         bool
	stopCh          chan struct{}
	doneCh          chan struct{}
}

type callbackEntry struct {
	id int64
	fn func(bool)
}

// New creates a Manager. An unknown ambient profile name leaves the
// manager without a profile, in which case it never enters idle.
func New(cfg Config, store *params.Store, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(log.Writer(), "[idle] ", log.LstdFlags)
	}
	m := &Manager{
		cfg:             cfg,
		store:           store,
		logger:          logger,
		lastInteraction: time.Now(),
	}
	if p, ok := Profiles()[cfg.AmbientProfile]; ok {
		m.profile = &p
	} else if cfg.AmbientProfile != "" {
		logger.Printf("unknown ambient profile %q", cfg.AmbientProfile)
	}
	return m
}

// AddIdleStateCallback registers fn to be called on enter-Idle (true) and
// leave-Idle (false), returning a removal handle.
func (m *Manager) AddIdleStateCallback(fn func(bool)) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCallback++
	id := m.nextCallback
	m.callbacks = append(m.callbacks, callbackEntry{id: id, fn: fn})
	return id
}

// RemoveIdleStateCallback unregisters a callback by handle.
func (m *Manager) RemoveIdleStateCallback(handle int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, entry := range m.callbacks {
		if entry.id == handle {
			m.callbacks = append(m.callbacks[:i], m.callbacks[i+1:]...)
			return
		}
	}
}

// Start launches the monitor goroutine.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.monitor()
}

// Stop halts the monitor and joins within ~1s. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh := m.stopCh
	doneCh := m.doneCh
	m.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(time.Second):
		m.logger.Printf("warning: idle monitor did not join within 1s")
	}
}

// Touch records a user interaction, resetting the idle timer and
// immediately interrupting any idle state or transition. No parameter
// values are restored.
func (m *Manager) Touch() {
	m.mu.Lock()
	m.lastInteraction = time.Now()
	notify := m.interruptLocked()
	m.mu.Unlock()
	if notify {
		m.fireCallbacks(false)
	}
}

// ForceIdle begins the idle transition immediately, regardless of the
// timeout.
func (m *Manager) ForceIdle() {
	m.mu.Lock()
	if !m.isIdle && !m.trans.active {
		m.beginTransitionLocked()
	}
	m.mu.Unlock()
}

// ForceActive exits idle mode immediately, like Touch. Unlike Touch, it
// resets the interaction timestamp only when it actually interrupts idle
// mode or a transition; while already active it changes nothing.
func (m *Manager) ForceActive() {
	m.mu.Lock()
	notify := m.interruptLocked()
	m.mu.Unlock()
	if notify {
		m.fireCallbacks(false)
	}
}

// IsIdle reports whether the manager is fully idle.
func (m *Manager) IsIdle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isIdle
}

// IsTransitioning reports whether a fade into idle is in progress.
func (m *Manager) IsTransitioning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trans.active
}

// TimeSinceLastInteraction returns how long the system has been untouched.
func (m *Manager) TimeSinceLastInteraction() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastInteraction)
}

// TimeToIdle returns the remaining time before the idle transition
// starts, zero-floored, or −1 when already idle.
func (m *Manager) TimeToIdle() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.isIdle {
		return -1
	}
	timeout := time.Duration(m.cfg.TimeoutMs) * time.Millisecond
	remaining := timeout - time.Since(m.lastInteraction)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// monitor polls at 100ms while active or idle and at 10ms during a
// transition.
func (m *Manager) monitor() {
	defer close(m.doneCh)

	for {
		m.mu.Lock()
		transitioning := m.trans.active
		idle := m.isIdle
		timeout := time.Duration(m.cfg.TimeoutMs) * time.Millisecond
		timedOut := !idle && !transitioning && time.Since(m.lastInteraction) >= timeout
		m.mu.Unlock()

		var interval time.Duration
		switch {
		case transitioning:
			m.updateTransition()
			interval = 10 * time.Millisecond
		case timedOut:
			m.mu.Lock()
			m.beginTransitionLocked()
			m.mu.Unlock()
			continue
		default:
			interval = 100 * time.Millisecond
		}

		select {
		case <-m.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

// beginTransitionLocked snapshots start values for every profile parameter
// and arms the fade. Caller holds m.mu. Without a profile nothing happens.
func (m *Manager) beginTransitionLocked() {
	if m.profile == nil {
		return
	}

	m.trans = transition{
		active:      true,
		start:       time.Now(),
		startValues: make(map[string]float64),
		stringStart: make(map[string]any),
		duration:    time.Duration(m.cfg.FadeInMs) * time.Millisecond,
		switched:    make(map[string]bool),
	}
	for name := range m.profile.Params {
		current := m.store.Get(name, nil)
		if current == nil {
			continue
		}
		if f, ok := asFloat(current); ok {
			m.trans.startValues[name] = f
		} else {
			m.trans.stringStart[name] = current
		}
	}
	m.logger.Printf("idle transition begun: profile=%s duration=%v", m.profile.Name, m.trans.duration)
}

// updateTransition interpolates every numeric profile parameter toward its
// target and switches non-numeric ones at half progress. Writes use source
// idle_transition; completion rewrites with source idle and fires the
// enter-Idle callbacks.
func (m *Manager) updateTransition() {
	m.mu.Lock()
	if !m.trans.active {
		m.mu.Unlock()
		return
	}
	progress := 1.0
	if m.trans.duration > 0 {
		progress = float64(time.Since(m.trans.start)) / float64(m.trans.duration)
	}
	if progress > 1.0 {
		progress = 1.0
	}
	profile := m.profile
	starts := m.trans.startValues
	stringStarts := m.trans.stringStart
	switched := m.trans.switched
	m.mu.Unlock()

	for name, target := range profile.Params {
		if start, ok := starts[name]; ok {
			if tf, ok := asFloat(target); ok {
				value := start + (tf-start)*progress
				m.store.Set(name, value, params.SourceIdleTransition)
				continue
			}
		}
		if _, ok := stringStarts[name]; ok && progress >= 0.5 && !switched[name] {
			switched[name] = true
			m.store.Set(name, target, params.SourceIdleTransition)
		}
	}

	if progress >= 1.0 {
		m.completeTransition()
	}
}

// completeTransition writes every profile value with source idle, marks
// the manager idle, and fires the enter-Idle callbacks.
func (m *Manager) completeTransition() {
	m.mu.Lock()
	if !m.trans.active {
		m.mu.Unlock()
		return
	}
	m.trans = transition{}
	m.isIdle = true
	profile := m.profile
	m.mu.Unlock()

	for name, value := range profile.Params {
		m.store.Set(name, value, params.SourceIdle)
	}
	m.logger.Printf("idle mode active: profile=%s", profile.Name)
	m.fireCallbacks(true)
}

// interruptLocked clears any idle state or in-progress transition and
// reports whether leave-Idle callbacks should fire (only when coming from
// fully Idle). Caller holds m.mu.
func (m *Manager) interruptLocked() bool {
	wasIdle := m.isIdle
	if !wasIdle && !m.trans.active {
		return false
	}
	m.isIdle = false
	m.trans = transition{}
	m.lastInteraction = time.Now()
	return wasIdle
}

// fireCallbacks notifies idle-state observers, isolating panics so one
// observer cannot block the rest.
func (m *Manager) fireCallbacks(isIdle bool) {
	m.mu.Lock()
	entries := append([]callbackEntry(nil), m.callbacks...)
	m.mu.Unlock()

	for _, entry := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Printf("recovered from idle callback panic: %v", r)
				}
			}()
			entry.fn(isIdle)
		}()
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
