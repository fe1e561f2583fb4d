// Package composer provides the named preset tables selectable from
// configuration: step-pattern, probability, and direction presets.
package composer

import "math/rand"

// StepPatternPreset returns the named 8-step activation pattern. The
// second return is false for an unknown name, in which case the
// every_other fallback is returned.
func StepPatternPreset(name string) ([]bool, bool) {
	patterns := map[string][]bool{
		"four_on_floor": {true, false, false, false, true, false, false, false},
		"offbeat":       {false, true, false, true, false, true, false, true},
		"every_other":   {true, false, true, false, true, false, true, false},
		"syncopated":    {true, false, true, true, false, true, false, false},
		"dense":         {true, true, false, true, true, false, true, true},
		"sparse":        {true, false, false, false, false, false, true, false},
		"all_on":        {true, true, true, true, true, true, true, true},
		"all_off":       {false, false, false, false, false, false, false, false},
	}
	if p, ok := patterns[name]; ok {
		out := make([]bool, len(p))
		copy(out, p)
		return out, true
	}
	out := make([]bool, len(patterns["every_other"]))
	copy(out, patterns["every_other"])
	return out, false
}

// StepPatternNames lists the available step-pattern presets.
func StepPatternNames() []string {
	return []string{
		"four_on_floor", "offbeat", "every_other", "syncopated",
		"dense", "sparse", "all_on", "all_off",
	}
}

// ProbabilityPreset returns the named per-step probability curve at the
// given length. The random presets draw from rng (nil gets a fixed seed).
// The second return is false for an unknown name, in which case the
// uniform fallback is returned.
func ProbabilityPreset(name string, length int, rng *rand.Rand) ([]float64, bool) {
	if length < 1 {
		length = 1
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	fill := func(f func(i int) float64) []float64 {
		out := make([]float64, length)
		for i := range out {
			out[i] = f(i)
		}
		return out
	}
	ramp := func(i int) float64 {
		if length == 1 {
			return 0.3
		}
		return float64(i) * 0.6 / float64(length-1)
	}

	switch name {
	case "uniform":
		return fill(func(int) float64 { return 0.9 }), true
	case "crescendo":
		// Interpolated between the endpoints so the last step is exactly 0.9.
		return fill(func(i int) float64 {
			if length == 1 {
				return 0.3 + ramp(i)
			}
			t := float64(i) / float64(length-1)
			return 0.3*(1-t) + 0.9*t
		}), true
	case "diminuendo":
		return fill(func(i int) float64 { return 0.9 - ramp(i) }), true
	case "peaks":
		return fill(func(i int) float64 {
			if i%4 == 0 {
				return 0.9
			}
			return 0.4
		}), true
	case "valleys":
		return fill(func(i int) float64 {
			if i%4 == 0 {
				return 0.3
			}
			return 0.8
		}), true
	case "random_low":
		return fill(func(int) float64 { return 0.2 + rng.Float64()*0.4 }), true
	case "random_high":
		return fill(func(int) float64 { return 0.6 + rng.Float64()*0.4 }), true
	case "alternating":
		return fill(func(i int) float64 {
			if i%2 == 0 {
				return 0.9
			}
			return 0.3
		}), true
	}
	return fill(func(int) float64 { return 0.9 }), false
}

// ProbabilityPresetNames lists the available probability presets.
func ProbabilityPresetNames() []string {
	return []string{
		"uniform", "crescendo", "diminuendo", "peaks",
		"valleys", "random_low", "random_high", "alternating",
	}
}

// DirectionPreset validates a direction name, falling back to forward for
// unknown values. The second return is false on fallback.
func DirectionPreset(name string) (string, bool) {
	switch name {
	case "forward", "backward", "ping_pong", "random", "fugue":
		return name, true
	}
	return "forward", false
}
