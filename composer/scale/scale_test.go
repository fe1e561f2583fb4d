package scale

import "testing"

func TestGetNoteMajorScaleBasic(t *testing.T) {
	m, err := New("major", 60)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cases := []struct {
		degree, octave int
		want           int
	}{
		{0, 0, 60},
		{1, 0, 62},
		{2, 0, 64},
		{7, 0, 72}, // wraps to next octave: degree 7 mod 7 = 0, div = 1
		{-1, 0, 59},
	}
	for _, c := range cases {
		if got := m.GetNote(c.degree, c.octave); got != c.want {
			t.Errorf("GetNote(%d, %d) = %d, want %d", c.degree, c.octave, got, c.want)
		}
	}
}

func TestNewUnknownScaleFails(t *testing.T) {
	_, err := New("not_a_scale", 60)
	if err == nil {
		t.Fatal("expected error for unknown scale")
	}
}

func TestSetScaleUnknownRetainsCurrent(t *testing.T) {
	m, err := New("major", 60)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.SetScale("bogus"); err == nil {
		t.Fatal("expected error for unknown scale")
	}
	if m.ScaleName() != "major" {
		t.Errorf("scale name = %q, want major retained after failed SetScale", m.ScaleName())
	}
}

func TestAllBuiltinScalesConstructible(t *testing.T) {
	for _, name := range Names() {
		if _, err := New(name, 60); err != nil {
			t.Errorf("builtin scale %q failed to construct: %v", name, err)
		}
	}
}

func TestGetNoteClampsToMIDIRange(t *testing.T) {
	m, _ := New("chromatic", 120)
	if got := m.GetNote(20, 2); got != 127 {
		t.Errorf("GetNote should clamp to 127, got %d", got)
	}
	m2, _ := New("chromatic", 2)
	if got := m2.GetNote(0, -1); got != 0 {
		t.Errorf("GetNote should clamp to 0, got %d", got)
	}
}
