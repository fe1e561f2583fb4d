package sequencer

import (
	"math/rand"
	"testing"
	"time"

	"github.com/oberones/mysterymelodymachine/composer/params"
)

func newTestSequencer(t *testing.T) (*Sequencer, *params.Store, *[]NoteEvent) {
	t.Helper()
	store := params.New(nil)
	seq, err := New(store, Config{}, rand.New(rand.NewSource(1)), rand.New(rand.NewSource(2)), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var notes []NoteEvent
	seq.SetNoteCallback(func(evt NoteEvent) { notes = append(notes, evt) })
	return seq, store, &notes
}

func allOn(n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = true
	}
	return out
}

func uniformProbs(n int, p float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = p
	}
	return out
}

func TestForwardDeterministicPattern(t *testing.T) {
	seq, store, notes := newTestSequencer(t)
	store.UpdateMultiple(map[string]any{
		params.DirectionPattern:  params.DirectionForward,
		params.StepPattern:       allOn(8),
		params.StepProbabilities: uniformProbs(8, 1.0),
		params.Density:           1.0,
		params.SequenceLength:    8,
		params.BPM:               120.0,
		params.RootNote:          60,
	}, params.SourceConfig)

	for i := 0; i < 8; i++ {
		seq.AdvanceStep()
	}

	if len(*notes) != 8 {
		t.Fatalf("got %d notes, want 8", len(*notes))
	}
	// degree = step/2 in C major: steps 1..7,0 map to 60,62,62,64,64,65,65,60
	wantByStep := map[int]int{0: 60, 1: 60, 2: 62, 3: 62, 4: 64, 5: 64, 6: 65, 7: 65}
	for _, n := range *notes {
		if want := wantByStep[n.Step]; n.Note != want {
			t.Errorf("step %d: note %d, want %d", n.Step, n.Note, want)
		}
		if n.Velocity < 60 || n.Velocity > 100 {
			t.Errorf("step %d: velocity %d outside base±range/2", n.Step, n.Velocity)
		}
	}
}

func TestDensityZeroEmitsNothing(t *testing.T) {
	seq, store, notes := newTestSequencer(t)
	store.UpdateMultiple(map[string]any{
		params.DirectionPattern:  params.DirectionForward,
		params.StepPattern:       allOn(8),
		params.StepProbabilities: uniformProbs(8, 1.0),
		params.Density:           0.0,
	}, params.SourceConfig)

	for i := 0; i < 1000; i++ {
		seq.AdvanceStep()
	}
	if len(*notes) != 0 {
		t.Fatalf("got %d notes with density 0, want 0", len(*notes))
	}
}

func TestPingPongTraversal(t *testing.T) {
	seq, store, _ := newTestSequencer(t)
	store.UpdateMultiple(map[string]any{
		params.DirectionPattern: params.DirectionPingPong,
		params.SequenceLength:   4,
		params.Density:          0.0,
	}, params.SourceConfig)

	want := []int{1, 2, 3, 2, 1, 0, 1, 2, 3, 2}
	for i, w := range want {
		seq.AdvanceStep()
		if got := seq.CurrentStep(); got != w {
			t.Errorf("advance %d: step %d, want %d", i, got, w)
		}
	}
}

func TestRandomNeverRepeats(t *testing.T) {
	seq, store, _ := newTestSequencer(t)
	store.UpdateMultiple(map[string]any{
		params.DirectionPattern: params.DirectionRandom,
		params.SequenceLength:   8,
		params.Density:          0.0,
	}, params.SourceConfig)

	prev := seq.CurrentStep()
	for i := 0; i < 200; i++ {
		seq.AdvanceStep()
		cur := seq.CurrentStep()
		if cur == prev {
			t.Fatalf("advance %d: step repeated at %d", i, cur)
		}
		if cur < 0 || cur > 7 {
			t.Fatalf("advance %d: step %d out of range", i, cur)
		}
		prev = cur
	}
}

func TestNoteBounds(t *testing.T) {
	seq, store, notes := newTestSequencer(t)
	store.UpdateMultiple(map[string]any{
		params.Density: 1.0,
		params.BPM:     120.0,
	}, params.SourceConfig)

	for i := 0; i < 500; i++ {
		seq.AdvanceStep()
	}
	if len(*notes) == 0 {
		t.Fatal("no notes generated")
	}
	maxDur := time.Duration(60.0 / 120.0 / 4.0 * float64(time.Second))
	for _, n := range *notes {
		if n.Velocity < 1 || n.Velocity > 127 {
			t.Errorf("velocity %d out of range", n.Velocity)
		}
		if n.Duration <= 0 || n.Duration > maxDur {
			t.Errorf("duration %v outside (0, %v]", n.Duration, maxDur)
		}
	}
}

func TestFugueModeBypassesProbability(t *testing.T) {
	seq, store, notes := newTestSequencer(t)
	store.UpdateMultiple(map[string]any{
		params.Density:           0.1,
		params.StepProbabilities: uniformProbs(8, 0.0),
		params.StepPattern:       make([]bool, 8),
	}, params.SourceConfig)
	store.Set(params.DirectionPattern, params.DirectionFugue, params.SourceConfig)

	for i := 0; i < 16; i++ {
		seq.AdvanceStep()
	}
	if len(*notes) == 0 {
		t.Fatal("fugue mode emitted no notes despite zeroed probability controls")
	}

	*notes = nil
	store.Set(params.DirectionPattern, params.DirectionForward, params.SourceConfig)
	for i := 0; i < 16; i++ {
		seq.AdvanceStep()
	}
	if len(*notes) != 0 {
		t.Fatalf("forward mode emitted %d notes with zeroed controls", len(*notes))
	}
}

func TestStepPositionExternalOverride(t *testing.T) {
	seq, store, _ := newTestSequencer(t)
	store.Set(params.Density, 0.0, params.SourceConfig)

	store.Set(params.StepPosition, 5, params.SourceMIDI)
	if got := seq.CurrentStep(); got != 5 {
		t.Fatalf("external step_position write not applied: step %d", got)
	}
	seq.AdvanceStep()
	if got := seq.CurrentStep(); got != 6 {
		t.Errorf("advance from override: step %d, want 6", got)
	}
}

func TestScaleChangeQuantizedToBar(t *testing.T) {
	seq, store, notes := newTestSequencer(t)
	store.UpdateMultiple(map[string]any{
		params.Density:           1.0,
		params.StepPattern:       allOn(8),
		params.StepProbabilities: uniformProbs(8, 1.0),
	}, params.SourceConfig)

	// Root change mid-bar must not take effect until step 0.
	seq.AdvanceStep() // now at step 1
	store.Set(params.RootNote, 62, params.SourceMIDI)

	*notes = nil
	seq.AdvanceStep() // step 2, degree 1, still C major from 60
	if (*notes)[0].Note != 62 {
		t.Errorf("mid-bar note %d, want 62 (old root)", (*notes)[0].Note)
	}

	for seq.CurrentStep() != 0 {
		seq.AdvanceStep()
	}
	*notes = nil
	seq.AdvanceStep() // step 1 of the new bar, degree 0, new root applied at step 0
	if (*notes)[0].Note != 62 {
		t.Errorf("post-bar note %d, want 62 (new root, degree 0)", (*notes)[0].Note)
	}
}

func TestBPMImmediateUpdateCancelsTransition(t *testing.T) {
	seq, store, _ := newTestSequencer(t)

	// Idle-sourced write with smoothing on starts a transition: the clock
	// keeps its old tempo until ticks interpolate it.
	store.Set(params.BPM, 60.0, params.SourceIdle)
	if got := seq.Clock().BPM(); got != 110.0 {
		t.Fatalf("clock BPM %v, want 110 (transition pending)", got)
	}
	seq.mu.Lock()
	active := seq.bpmTransition.active
	seq.mu.Unlock()
	if !active {
		t.Fatal("transition not active after idle-sourced bpm write")
	}

	// A MIDI-sourced write cancels the transition and applies immediately.
	store.Set(params.BPM, 140.0, params.SourceMIDI)
	if got := seq.Clock().BPM(); got != 140.0 {
		t.Errorf("clock BPM %v, want 140", got)
	}
	seq.mu.Lock()
	active = seq.bpmTransition.active
	seq.mu.Unlock()
	if active {
		t.Error("transition still active after immediate bpm write")
	}
}

func TestBPMTransitionCompletes(t *testing.T) {
	seq, store, _ := newTestSequencer(t)
	store.Set(params.IdleTransitionDurationS, 0.05, params.SourceConfig)

	store.Set(params.BPM, 65.0, params.SourceIdle)
	time.Sleep(80 * time.Millisecond)
	seq.updateBPMTransition()

	if got := seq.Clock().BPM(); got != 65.0 {
		t.Errorf("clock BPM %v after transition, want 65", got)
	}
	if got := store.Get(params.BPM, nil).(float64); got != 65.0 {
		t.Errorf("store BPM %v after transition, want 65", got)
	}
}

func TestBPMTransitionSkippedForSmallDelta(t *testing.T) {
	seq, store, _ := newTestSequencer(t)
	store.Set(params.BPM, 110.5, params.SourceIdle)
	seq.mu.Lock()
	active := seq.bpmTransition.active
	seq.mu.Unlock()
	if active {
		t.Error("transition started for a sub-1-BPM change")
	}
}

func TestSwingWriteDoesNotBlock(t *testing.T) {
	seq, store, _ := newTestSequencer(t)
	store.Set(params.Swing, 0.3, params.SourceMIDI)
	_ = seq // swing is pushed to the clock; no panic or deadlock is the assertion
}
