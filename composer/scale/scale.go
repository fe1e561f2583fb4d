// Package scale maps abstract (degree, octave) pairs to MIDI pitches
// given a named scale and a root note.
package scale

import "fmt"

// ErrInvalidScale is returned when a scale name is not registered.
var ErrInvalidScale = fmt.Errorf("scale: invalid scale name")

// Definition is a named collection of ascending semitone intervals from
// the root.
type Definition struct {
	Name      string
	Intervals []int
}

// builtins are the named scales available out of the box.
var builtins = map[string]Definition{
	"major":            {"major", []int{0, 2, 4, 5, 7, 9, 11}},
	"minor":            {"minor", []int{0, 2, 3, 5, 7, 8, 10}},
	"pentatonic_major": {"pentatonic_major", []int{0, 2, 4, 7, 9}},
	"pentatonic_minor": {"pentatonic_minor", []int{0, 3, 5, 7, 10}},
	"dorian":           {"dorian", []int{0, 2, 3, 5, 7, 9, 10}},
	"locrian":          {"locrian", []int{0, 1, 3, 5, 6, 8, 10}},
	"mixolydian":       {"mixolydian", []int{0, 2, 4, 5, 7, 9, 10}},
	"blues":            {"blues", []int{0, 3, 5, 6, 7, 10}},
	"chromatic":        {"chromatic", []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}},
}

// Names returns the registered built-in scale names in a stable order,
// used by callers resolving a numeric scale_index.
func Names() []string {
	return []string{
		"major", "minor", "pentatonic_major", "pentatonic_minor",
		"dorian", "locrian", "mixolydian", "blues", "chromatic",
	}
}

// Mapper maps scale degrees to MIDI pitches for a fixed (scale, root).
type Mapper struct {
	scaleName string
	rootNote  int
	intervals []int
}

// New creates a Mapper for the named scale and root note (0-127). An
// unknown scale name fails with ErrInvalidScale.
func New(scaleName string, rootNote int) (*Mapper, error) {
	def, ok := builtins[scaleName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidScale, scaleName)
	}
	return &Mapper{scaleName: scaleName, rootNote: rootNote, intervals: def.Intervals}, nil
}

// SetScale changes the active scale. On an unknown name the current scale
// is retained and ErrInvalidScale is returned.
func (m *Mapper) SetScale(scaleName string) error {
	def, ok := builtins[scaleName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidScale, scaleName)
	}
	m.scaleName = scaleName
	m.intervals = def.Intervals
	return nil
}

// SetRoot changes the root note (0-127, not otherwise validated here —
// callers are expected to have already validated via the Parameter
// Store).
func (m *Mapper) SetRoot(rootNote int) {
	m.rootNote = rootNote
}

// ScaleName returns the active scale's name.
func (m *Mapper) ScaleName() string { return m.scaleName }

// RootNote returns the active root note.
func (m *Mapper) RootNote() int { return m.rootNote }

// GetNote maps (degree, octave) to a MIDI pitch:
//
//	root + intervals[degree mod len] + 12*(octave + degree div len)
//
// degree may be negative; Go's % and / truncate toward zero, so negative
// degrees are normalized before indexing.
func (m *Mapper) GetNote(degree, octave int) int {
	n := len(m.intervals)
	mod := degree % n
	div := degree / n
	if mod < 0 {
		mod += n
		div--
	}
	pitch := m.rootNote + m.intervals[mod] + 12*(octave+div)
	if pitch < 0 {
		pitch = 0
	}
	if pitch > 127 {
		pitch = 127
	}
	return pitch
}

// Degrees returns how many scale degrees the active scale has.
func (m *Mapper) Degrees() int {
	return len(m.intervals)
}
