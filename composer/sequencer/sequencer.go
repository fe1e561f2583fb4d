// Package sequencer orchestrates the composition loop: it owns the
// high-resolution clock, advances steps under the active direction
// policy, applies quantized scale changes at bar boundaries, runs smooth
// BPM transitions in lockstep with the clock, and generates notes, either
// through the standard probability-gated path or by delegating entirely
// to the fugue engine. Note delivery happens on the clock goroutine via a
// registered callback.
package sequencer

import (
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/oberones/mysterymelodymachine/composer/clock"
	"github.com/oberones/mysterymelodymachine/composer/direction"
	"github.com/oberones/mysterymelodymachine/composer/fugue"
	"github.com/oberones/mysterymelodymachine/composer/params"
	"github.com/oberones/mysterymelodymachine/composer/scale"
)

// NoteEvent is one note to be played, handed to the registered callback on
// the clock goroutine.
type NoteEvent struct {
	Note      int
	Velocity  int
	Timestamp time.Time
	Step      int
	Duration  time.Duration
}

// NoteCallback receives generated notes in emission order.
type NoteCallback func(NoteEvent)

// Variation parameter names consulted by the standard note generator.
// base_gate_length/gate_length_range are optional; when absent the single
// gate_length parameter is the fallback.
const (
	paramBaseGateLength  = "base_gate_length"
	paramGateLengthRange = "gate_length_range"
)

const defaultStepsPerBeat = 4 // 16th notes

// Config configures a Sequencer.
type Config struct {
	Scales       []string // ordered scale names resolved by scale_index
	StepsPerBeat int      // default 4 (16th notes)
}

// Sequencer orchestrates clock ticks into step advances and note events.
type Sequencer struct {
	store  *params.Store
	scales []string
	mapper *scale.Mapper
	clock  *clock.Clock
	logger *log.Logger

	mu           sync.Mutex
	rng          *rand.Rand
	noteCb       NoteCallback
	currentStep  int
	stepsPerBeat int
	ticksPerStep int
	tickCounter  int
	dirState     *direction.State
	pendingScale bool
	fugueSeq     *fugue.Sequencer
	fugueRng     *rand.Rand
	listenerID   int64

	bpmTransition struct {
		active   bool
		start    time.Time
		duration time.Duration
		from, to float64
	}
}

// New creates a Sequencer bound to the store. rng drives the
// probabilistic step gates and velocity/gate variation; a separate seeded
// source drives fugue generation, so tests can pin either independently.
// Nil sources get defaults.
func New(store *params.Store, cfg Config, rng, fugueRng *rand.Rand, logger *log.Logger) (*Sequencer, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[sequencer] ", log.LstdFlags)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.StepsPerBeat <= 0 {
		cfg.StepsPerBeat = defaultStepsPerBeat
	}
	scales := cfg.Scales
	if len(scales) == 0 {
		scales = scale.Names()
	}

	s := &Sequencer{
		store:        store,
		scales:       scales,
		logger:       logger,
		rng:          rng,
		fugueRng:     fugueRng,
		stepsPerBeat: cfg.StepsPerBeat,
		dirState:     direction.NewState(),
	}

	mapper, err := s.buildMapper()
	if err != nil {
		return nil, err
	}
	s.mapper = mapper

	bpm := s.getFloat(params.BPM, 110.0)
	swing := s.getFloat(params.Swing, 0.0)
	s.clock = clock.New(clock.Config{BPM: bpm, Swing: swing}, s.onTick, nil)
	s.ticksPerStep = s.clock.PPQ() / s.stepsPerBeat

	s.listenerID = store.AddListener(s.onStateChange)
	return s, nil
}

func (s *Sequencer) buildMapper() (*scale.Mapper, error) {
	index := s.getInt(params.ScaleIndex, 0)
	if index < 0 || index >= len(s.scales) {
		index = 0
	}
	root := s.getInt(params.RootNote, 60)
	return scale.New(s.scales[index], root)
}

// SetNoteCallback registers the handler for generated notes.
func (s *Sequencer) SetNoteCallback(cb NoteCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noteCb = cb
}

// Start generates the initial step's note and starts the clock.
func (s *Sequencer) Start() {
	s.mu.Lock()
	step := s.currentStep
	s.mu.Unlock()
	s.generateStepNote(step)
	s.clock.Start()
}

// Stop halts the clock and detaches the store listener. Idempotent.
func (s *Sequencer) Stop() {
	s.clock.Stop()
	s.store.RemoveListener(s.listenerID)
}

// CurrentStep returns the current step position.
func (s *Sequencer) CurrentStep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentStep
}

// Clock exposes the owned clock (read-only use by callers).
func (s *Sequencer) Clock() *clock.Clock { return s.clock }

func (s *Sequencer) onTick(tick clock.TickEvent) {
	s.updateBPMTransition()

	s.mu.Lock()
	s.tickCounter++
	advance := s.tickCounter >= s.ticksPerStep
	if advance {
		s.tickCounter = 0
	}
	s.mu.Unlock()

	if advance {
		s.AdvanceStep()
	}
}

// AdvanceStep moves to the next step under the active direction policy,
// applies any pending scale change at the bar boundary, publishes the new
// step position, and generates notes for it. Exposed for deterministic
// testing without a running clock; during playback the clock drives it.
func (s *Sequencer) AdvanceStep() {
	length := s.getInt(params.SequenceLength, 8)
	pattern, _ := s.store.Get(params.DirectionPattern, params.DirectionForward).(string)

	s.mu.Lock()
	next := direction.Next(pattern, s.currentStep, length, s.dirState, s.rng)
	s.currentStep = next
	applyPending := next == 0 && s.pendingScale
	if applyPending {
		s.pendingScale = false
	}
	s.mu.Unlock()

	if applyPending {
		s.applyScaleChange()
	}

	s.store.Set(params.StepPosition, next, params.SourceSequencer)

	s.generateStepNote(next)
}

// applyScaleChange rebuilds the mapper from the store's scale_index and
// root_note. An out-of-range index or unknown scale keeps the current
// mapper.
func (s *Sequencer) applyScaleChange() {
	index := s.getInt(params.ScaleIndex, 0)
	if index < 0 || index >= len(s.scales) {
		s.logger.Printf("invalid scale_index %d, max %d", index, len(s.scales)-1)
		return
	}
	root := s.getInt(params.RootNote, 60)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mapper.SetScale(s.scales[index]); err != nil {
		s.logger.Printf("scale change failed: %v", err)
		return
	}
	s.mapper.SetRoot(root)
}

func (s *Sequencer) onStateChange(change params.StateChange) {
	switch change.Parameter {
	case params.BPM:
		s.onBPMChange(change)
	case params.Swing:
		s.clock.SetSwing(s.getFloat(params.Swing, 0.0))
	case params.ScaleIndex, params.RootNote:
		s.mu.Lock()
		s.pendingScale = true
		s.mu.Unlock()
	case params.StepPosition:
		if change.Source == params.SourceSequencer {
			return
		}
		if step, ok := asInt(change.NewValue); ok {
			s.mu.Lock()
			s.currentStep = step
			s.mu.Unlock()
		}
	case params.DirectionPattern:
		s.mu.Lock()
		s.dirState.Reset()
		needFugue := change.NewValue == params.DirectionFugue && s.fugueSeq == nil
		s.mu.Unlock()
		if needFugue {
			s.ensureFugueSequencer()
		}
	}
	// sequence_length takes effect on the next step advance; no action here.
}

// onBPMChange routes tempo writes: idle-sourced writes with smoothing on
// start a transition; everything else (except the transition's own
// completion write) cancels any transition and updates the clock
// immediately.
func (s *Sequencer) onBPMChange(change params.StateChange) {
	newBPM, ok := asFloat(change.NewValue)
	if !ok {
		return
	}

	if change.Source == params.SourceIdle && s.getBool(params.SmoothIdleTransitions, true) {
		oldBPM, ok := asFloat(change.OldValue)
		if !ok {
			oldBPM = 110.0
		}
		duration := s.getFloat(params.IdleTransitionDurationS, 4.0)
		s.startBPMTransition(oldBPM, newBPM, time.Duration(duration*float64(time.Second)))
		return
	}
	if change.Source == params.SourceSequencerTransitionComplete {
		return
	}

	s.mu.Lock()
	s.bpmTransition.active = false
	s.mu.Unlock()
	s.clock.SetBPM(newBPM)
}

// startBPMTransition begins a smooth tempo glide; skipped when the change
// is under one BPM.
func (s *Sequencer) startBPMTransition(from, to float64, duration time.Duration) {
	if math.Abs(from-to) < 1.0 {
		return
	}
	s.mu.Lock()
	s.bpmTransition.active = true
	s.bpmTransition.start = time.Now()
	s.bpmTransition.duration = duration
	s.bpmTransition.from = from
	s.bpmTransition.to = to
	s.mu.Unlock()
	s.logger.Printf("bpm transition started: %.1f -> %.1f over %v", from, to, duration)
}

// updateBPMTransition runs in lockstep with the clock tick callback. The
// interpolated tempo goes straight to the clock without a store write;
// only completion commits the final value.
func (s *Sequencer) updateBPMTransition() {
	s.mu.Lock()
	if !s.bpmTransition.active {
		s.mu.Unlock()
		return
	}
	elapsed := time.Since(s.bpmTransition.start)
	if elapsed >= s.bpmTransition.duration {
		s.bpmTransition.active = false
		target := s.bpmTransition.to
		s.mu.Unlock()
		s.store.Set(params.BPM, target, params.SourceSequencerTransitionComplete)
		s.clock.SetBPM(target)
		return
	}

	progress := float64(elapsed) / float64(s.bpmTransition.duration)
	eased := easeInOutCubic(progress)
	current := s.bpmTransition.from + (s.bpmTransition.to-s.bpmTransition.from)*eased
	s.mu.Unlock()

	s.clock.SetBPM(current)
}

func easeInOutCubic(p float64) float64 {
	if p < 0.5 {
		return 4 * p * p * p
	}
	return 1 - math.Pow(-2*p+2, 3)/2
}

func (s *Sequencer) ensureFugueSequencer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fugueSeq == nil {
		s.fugueSeq = fugue.NewSequencer(s.store, s.mapper, s.fugueRng, s.logger)
	}
}

// generateStepNote emits zero or more NoteEvents for the given step.
// Fugue mode bypasses every standard probability control; the standard
// path applies the density gate, per-step probability, and the
// active-step pattern.
func (s *Sequencer) generateStepNote(step int) {
	s.mu.Lock()
	cb := s.noteCb
	s.mu.Unlock()
	if cb == nil {
		return
	}

	pattern, _ := s.store.Get(params.DirectionPattern, params.DirectionForward).(string)
	if pattern == params.DirectionFugue {
		s.ensureFugueSequencer()
		s.mu.Lock()
		notes := s.fugueSeq.GetNextStepNotes(step)
		s.mu.Unlock()
		for _, n := range notes {
			s.deliver(cb, NoteEvent{
				Note:      n.Pitch,
				Velocity:  n.Velocity,
				Timestamp: time.Now(),
				Step:      step,
				Duration:  n.Duration,
			})
		}
		return
	}

	density := s.getFloat(params.Density, 0.85)
	s.mu.Lock()
	gate := s.rng.Float64()
	s.mu.Unlock()
	if gate > density {
		return
	}

	stepProb := s.getFloat(params.NoteProbability, 0.9)
	if probs, ok := s.store.Get(params.StepProbabilities, nil).([]float64); ok && len(probs) > 0 {
		stepProb = probs[step%len(probs)]
	}

	active := step%2 == 0
	if mask, ok := s.store.Get(params.StepPattern, nil).([]bool); ok && len(mask) > 0 {
		active = mask[step%len(mask)]
	}

	baseVelocity := s.getInt(params.BaseVelocity, 80)
	velocityRange := s.getInt(params.VelocityRange, 40)
	bpm := s.getFloat(params.BPM, 110.0)

	s.mu.Lock()
	if !active || s.rng.Float64() >= stepProb {
		s.mu.Unlock()
		return
	}

	degree := step / 2
	pitch := s.mapper.GetNote(degree, 0)

	velocityFactor := clampFloat(0.5+stepProb/2+uniform(s.rng, -0.2, 0.2)*stepProb, 0.1, 1.0)
	velocity := clampInt(baseVelocity+int(float64(velocityRange)*(velocityFactor-0.5)), 1, 127)

	stepDuration := 60.0 / (bpm * float64(s.stepsPerBeat))
	gateFactor := s.gateLengthFactor(stepProb)
	duration := time.Duration(stepDuration * gateFactor * float64(time.Second))
	s.mu.Unlock()

	s.deliver(cb, NoteEvent{
		Note:      pitch,
		Velocity:  velocity,
		Timestamp: time.Now(),
		Step:      step,
		Duration:  duration,
	})
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// gateLengthFactor computes the per-note gate factor. With the variation
// parameters present it mirrors the velocity shaping; with both absent the
// single gate_length parameter is used directly. Called with s.mu held.
func (s *Sequencer) gateLengthFactor(stepProb float64) float64 {
	baseRaw := s.store.Get(paramBaseGateLength, nil)
	rangeRaw := s.store.Get(paramGateLengthRange, nil)
	base, haveBase := asFloat(baseRaw)
	gateRange, haveRange := asFloat(rangeRaw)
	if !haveBase && !haveRange {
		return clampFloat(s.getFloat(params.GateLength, 0.8), 0.1, 1.0)
	}
	if !haveBase {
		base = 0.8
	}
	if !haveRange {
		gateRange = 0.3
	}
	factor := clampFloat(0.5+stepProb/2+uniform(s.rng, -0.15, 0.15)*stepProb, 0.1, 1.0)
	return clampFloat(base+gateRange*(factor-0.5), 0.1, 1.0)
}

// deliver invokes the note callback, isolating panics so a misbehaving
// handler cannot kill the clock goroutine.
func (s *Sequencer) deliver(cb NoteCallback, evt NoteEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("recovered from note callback panic: %v", r)
		}
	}()
	cb(evt)
}

func (s *Sequencer) getFloat(name string, def float64) float64 {
	if v, ok := asFloat(s.store.Get(name, def)); ok {
		return v
	}
	return def
}

func (s *Sequencer) getInt(name string, def int) int {
	if v, ok := asInt(s.store.Get(name, def)); ok {
		return v
	}
	return def
}

func (s *Sequencer) getBool(name string, def bool) bool {
	if v, ok := s.store.Get(name, def).(bool); ok {
		return v
	}
	return def
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

func asInt(raw any) (int, bool) {
	switch v := raw.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
