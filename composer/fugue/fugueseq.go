package fugue

import (
	"log"
	"math/rand"
	"time"

	"github.com/oberones/mysterymelodymachine/composer/params"
	"github.com/oberones/mysterymelodymachine/composer/scale"
)

// StepNote is one sounding onset returned from a step consultation: a MIDI
// pitch, velocity, and real-time duration.
type StepNote struct {
	Pitch    int
	Velocity int
	Duration time.Duration
}

// Default playback pacing.
const (
	defaultRestDuration = 10 * time.Second
	maxScoreAge         = 5 * time.Minute
	beatsPerStep        = 0.25 // each step is one 16th note
)

// Sequencer drives fugue playback within the main sequencer framework. It
// owns the current Score, the per-voice cursors, and the wall-clock and
// musical-time baselines. It is accessed only from the clock goroutine,
// so it carries no lock.
type Sequencer struct {
	store  *params.Store
	mapper *scale.Mapper
	gen    *Generator
	logger *log.Logger

	restDuration time.Duration
	now          func() time.Time

	active      Score
	startTime   time.Time
	lastEnd     time.Time
	musicalTime float64 // quarter notes
	nextTimes   []float64
	positions   []int
}

// NewSequencer creates a fugue playback driver. rng seeds the underlying
// Generator; nil keeps a fixed seed for deterministic output.
func NewSequencer(store *params.Store, mapper *scale.Mapper, rng *rand.Rand, logger *log.Logger) *Sequencer {
	if logger == nil {
		logger = log.New(log.Writer(), "[fugue] ", log.LstdFlags)
	}
	return &Sequencer{
		store:        store,
		mapper:       mapper,
		gen:          NewGenerator(mapper, rng, logger),
		logger:       logger,
		restDuration: defaultRestDuration,
		now:          time.Now,
	}
}

// Active reports whether a score is currently playing.
func (s *Sequencer) Active() bool { return s.active != nil }

// GetNextStepNotes is consulted once per sequencer step. It advances the
// fugue's musical clock by one 16th note and returns every voice onset due
// at or before the new musical time. Rests advance timing but emit nothing.
// Between scores it waits out a rest period before generating the next one.
func (s *Sequencer) GetNextStepNotes(step int) []StepNote {
	now := s.now()

	if s.active == nil {
		if now.Sub(s.lastEnd) < s.restDuration {
			return nil
		}
		s.startNewScore(now)
	}
	if s.active == nil {
		return nil
	}

	// Abandon a score that has played too long in real time.
	if now.Sub(s.startTime) >= maxScoreAge {
		s.retire(now)
		return nil
	}

	bpm, _ := asFloat(s.store.Get(params.BPM, 110.0))
	if bpm <= 0 {
		bpm = 110.0
	}
	quarter := 60.0 / bpm

	s.musicalTime += beatsPerStep

	var out []StepNote
	for v := range s.active {
		voice := s.active[v]
		for s.positions[v] < len(voice) && s.musicalTime >= s.nextTimes[v] {
			note := voice[s.positions[v]]
			s.nextTimes[v] += note.Dur
			s.positions[v]++
			if note.IsRest() {
				continue
			}
			out = append(out, StepNote{
				Pitch:    note.Pitch,
				Velocity: note.Vel,
				Duration: time.Duration(note.Dur * quarter * float64(time.Second)),
			})
		}
	}

	exhausted := true
	for v, voice := range s.active {
		if s.positions[v] < len(voice) {
			exhausted = false
			break
		}
	}
	if exhausted {
		s.retire(now)
	}
	return out
}

// startNewScore derives fugue parameters from the current store state and
// renders a fresh piece. A single voice gets the monophonic melody form.
func (s *Sequencer) startNewScore(now time.Time) {
	nVoices, _ := asInt(s.store.Get(params.Voices, 3))
	if nVoices < 1 {
		nVoices = 1
	}
	keyRoot, _ := asInt(s.store.Get(params.RootNote, 60))
	density, _ := asFloat(s.store.Get(params.Density, 0.5))

	p := Params{
		NVoices:        nVoices,
		KeyRoot:        keyRoot,
		EntryGapBeats:  2.0,
		StrettoOverlap: density * 0.5,
		UseTonalAnswer: true,
		EpisodeDensity: density,
	}

	subject := s.gen.GenerateSubject(p, 1)

	if p.NVoices == 1 {
		s.active = Score{s.gen.RenderMelody(subject, p)}
		s.nextTimes = []float64{0}
	} else {
		s.active = s.gen.RenderScore(subject, p)
		entries := s.gen.MakeEntryPlan(subject, p)
		s.nextTimes = make([]float64, len(s.active))
		for _, e := range entries {
			if e.VoiceIndex < len(s.nextTimes) {
				s.nextTimes[e.VoiceIndex] = e.StartTime
			}
		}
	}

	s.positions = make([]int, len(s.active))
	s.musicalTime = 0
	s.startTime = now
	s.logger.Printf("fugue started: voices=%d entry_times=%v", len(s.active), s.nextTimes)
}

func (s *Sequencer) retire(now time.Time) {
	s.active = nil
	s.lastEnd = now
	s.logger.Printf("fugue completed at musical_time=%.2f", s.musicalTime)
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
