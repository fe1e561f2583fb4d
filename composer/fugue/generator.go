package fugue

import (
	"log"
	"math/rand"

	"github.com/oberones/mysterymelodymachine/composer/scale"
)

// Params holds the knobs for generating one fugue.
type Params struct {
	NVoices        int
	KeyRoot        int
	Mode           string
	EntryGapBeats  float64 // 0 means subject length · (1 − StrettoOverlap)
	StrettoOverlap float64 // 0..1
	UseTonalAnswer bool

	AllowInversion    bool
	AllowRetrograde   bool
	AllowAugmentation bool
	AllowDiminution   bool

	EpisodeDensity       float64
	CadenceEveryMeasures int
}

// Entry is one planned subject/answer statement.
type Entry struct {
	VoiceIndex int
	StartTime  float64 // quarter notes
	Material   Phrase
	IsSubject  bool
}

// Voice is a Phrase interpreted as one monophonic line.
type Voice = Phrase

// Score is an ordered set of Voices.
type Score []Voice

// Generator produces fugue material deterministically from a random
// source fixed at construction. It holds no durable state between
// pieces; the playback Sequencer owns the current score.
type Generator struct {
	mapper *scale.Mapper
	rng    *rand.Rand
	logger *log.Logger
}

// NewGenerator creates a Generator bound to a scale mapper and seeded random
// source. Passing a nil rng falls back to a fixed seed, keeping generation
// deterministic either way.
func NewGenerator(mapper *scale.Mapper, rng *rand.Rand, logger *log.Logger) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[fugue] ", log.LstdFlags)
	}
	return &Generator{mapper: mapper, rng: rng, logger: logger}
}

// Rhythm patterns typical of Bach subjects, in quarter notes.
var rhythmPatterns = [][]float64{
	{0.5, 0.5, 1.0, 2.0},
	{1.0, 0.5, 0.5, 2.0},
	{0.25, 0.25, 0.5, 1.0, 2.0},
	{1.0, 1.0, 1.0, 1.0},
}

// Rest masks applicable to subjects, keyed by rhythm-pattern length. A true
// entry turns that slot into a rest.
var restMasks = map[int][][]bool{
	4: {
		{false, false, true, false},
		{false, true, false, false},
	},
	5: {
		{false, false, true, false, false},
		{false, false, false, true, false},
	},
}

const subjectVelocity = 96

// GenerateSubject produces a one-bar subject (≈4 quarter notes): tonic or
// dominant start, a Bach-like rhythm pattern, mostly stepwise intervals
// with no three consecutive same-direction leaps, and a 30% chance of a
// rest mask.
func (g *Generator) GenerateSubject(p Params, bars int) Phrase {
	if bars < 1 {
		bars = 1
	}
	totalDuration := float64(bars) * 4.0

	durations := rhythmPatterns[g.rng.Intn(len(rhythmPatterns))]
	if sum := sumDurations(durations); sum > totalDuration {
		scaled := make([]float64, len(durations))
		factor := totalDuration / sum
		for i, d := range durations {
			scaled[i] = d * factor
		}
		durations = scaled
	}

	intervals := make([]int, 0, len(durations)-1)
	for i := 0; i < len(durations)-1; i++ {
		var interval int
		switch r := g.rng.Float64(); {
		case r < 0.6:
			interval = pick(g.rng, -1, 1)
		case r < 0.9:
			interval = pick(g.rng, -2, 2, -3, 3)
		default:
			interval = pick(g.rng, -4, 4, -5, 5)
		}
		// Avoid a third consecutive leap in the same direction.
		if len(intervals) >= 2 {
			a, b := intervals[len(intervals)-2], intervals[len(intervals)-1]
			if a > 0 && b > 0 && interval > 0 {
				interval = -interval
			} else if a < 0 && b < 0 && interval < 0 {
				interval = -interval
			}
		}
		intervals = append(intervals, interval)
	}

	var mask []bool
	if masks := restMasks[len(durations)]; len(masks) > 0 && g.rng.Float64() < 0.3 {
		mask = masks[g.rng.Intn(len(masks))]
	}

	degree := pick(g.rng, 0, 4) // tonic or dominant
	subject := make(Phrase, 0, len(durations))
	for i, dur := range durations {
		if mask != nil && mask[i] {
			subject = append(subject, Rest(dur))
		} else {
			subject = append(subject, Note{Pitch: g.degreePitch(p, degree), Dur: dur, Vel: subjectVelocity})
		}
		if i < len(intervals) {
			degree += intervals[i]
			degree = clampInt(degree, -7, 14)
		}
	}
	return subject
}

// degreePitch maps a scale degree through the mapper, falling back to a
// whole-tone approximation from the key root when no mapper is available,
// so generation never aborts playback.
func (g *Generator) degreePitch(p Params, degree int) int {
	if g.mapper == nil {
		return clampPitch(p.KeyRoot + 2*degree)
	}
	return g.mapper.GetNote(degree, 0)
}

// RealAnswer transposes the subject to the dominant.
func RealAnswer(subject Phrase) Phrase {
	return Transpose(subject, 7)
}

// TonalAnswer is the real answer with the subject's opening tonic→dominant
// leap (an exact +7 between its first two non-rest pitches) rewritten as
// +5.
func TonalAnswer(subject Phrase) Phrase {
	answer := Transpose(subject, 7)
	pitches := subject.NonRestPitches()
	if len(pitches) < 2 || pitches[1]-pitches[0] != 7 {
		return answer
	}
	first, second := -1, -1
	for i, n := range answer {
		if n.IsRest() {
			continue
		}
		if first < 0 {
			first = i
			continue
		}
		second = i
		break
	}
	if second >= 0 {
		answer[second].Pitch = clampPitch(answer[first].Pitch + 5)
	}
	return answer
}

// MakeEntryPlan lays out the exposition entries: voice v starts at v·gap;
// even voices state the subject, odd voices the answer. A single voice
// gets one entry at time zero with the original subject.
func (g *Generator) MakeEntryPlan(subject Phrase, p Params) []Entry {
	if p.NVoices <= 1 {
		return []Entry{{VoiceIndex: 0, StartTime: 0, Material: subject.Clone(), IsSubject: true}}
	}

	gap := p.EntryGapBeats
	if gap <= 0 {
		gap = subject.TotalDuration() * (1 - p.StrettoOverlap)
	}

	entries := make([]Entry, 0, p.NVoices)
	for v := 0; v < p.NVoices; v++ {
		var material Phrase
		isSubject := v%2 == 0
		if isSubject {
			material = subject.Clone()
		} else if p.UseTonalAnswer {
			material = TonalAnswer(subject)
		} else {
			material = RealAnswer(subject)
		}
		entries = append(entries, Entry{
			VoiceIndex: v,
			StartTime:  float64(v) * gap,
			Material:   material,
			IsSubject:  isSubject,
		})
	}
	return entries
}

// episodeSequence is the related-key sequence episodes cycle through.
var episodeSequence = []int{0, -3, 2, 7, 0, -5, 2}

// GenerateEpisode builds a developmental passage from the most
// intervallically varied subject fragment, sequenced through related keys
// with occasional diminution/augmentation and 0.25-beat connecting notes
// or rests.
func (g *Generator) GenerateEpisode(subject Phrase, lengthBeats float64) Phrase {
	if len(subject) == 0 {
		return nil
	}
	fragment := g.bestFragment(subject)
	if len(fragment) == 0 {
		fragment = subject[:minInt(2, len(subject))].Clone()
	}

	var episode Phrase
	elapsed := 0.0
	for i, shift := range episodeSequence {
		if elapsed >= lengthBeats {
			break
		}
		transformed := Transpose(fragment, shift)
		if i%3 == 1 {
			transformed = TimeScale(transformed, 0.75)
		} else if i%4 == 3 {
			transformed = TimeScale(transformed, 1.25)
		}
		episode = append(episode, transformed...)
		elapsed += transformed.TotalDuration()

		if i < len(episodeSequence)-1 && elapsed < lengthBeats-0.5 {
			if g.rng.Float64() < 0.25 {
				episode = append(episode, Rest(0.25))
			} else if pitches := episode.NonRestPitches(); len(pitches) > 0 {
				last := pitches[len(pitches)-1]
				step := pick(g.rng, -2, -1, 1, 2)
				episode = append(episode, Note{Pitch: clampPitch(last + step), Dur: 0.25, Vel: 70})
			}
			elapsed += 0.25
		}
	}
	return episode
}

// bestFragment picks the most intervallically varied of three candidate
// slices (opening, middle, end of the subject).
func (g *Generator) bestFragment(subject Phrase) Phrase {
	length := subject.TotalDuration()
	candidates := []Phrase{
		SliceByTime(subject, 0, minFloat(2.0, length/2)),
		SliceByTime(subject, length/3, minFloat(length/3+2.0, length)),
		SliceByTime(subject, maxFloat(0, length-2.0), length),
	}
	best := candidates[0]
	bestVariety := pitchVariety(best)
	for _, c := range candidates[1:] {
		if v := pitchVariety(c); v > bestVariety {
			best, bestVariety = c, v
		}
	}
	return best
}

func pitchVariety(p Phrase) int {
	seen := make(map[int]bool)
	for _, n := range p {
		if !n.IsRest() {
			seen[n.Pitch] = true
		}
	}
	return len(seen)
}

// GenerateCountersubject builds a line rhythmically complementary to the
// subject (short notes against long and vice versa), around scale degree
// 2, with ~15% rest injection.
func (g *Generator) GenerateCountersubject(subject Phrase, p Params) Phrase {
	if len(subject) == 0 {
		return nil
	}
	subjectDuration := subject.TotalDuration()

	var rhythms []float64
	if subjectDuration/float64(len(subject)) > 0.75 {
		rhythms = []float64{0.5, 0.5, 0.25, 0.25, 0.5, 1.0}
	} else {
		rhythms = []float64{1.0, 1.0, 2.0}
	}

	var counter Phrase
	elapsed := 0.0
	degree := 2
	for _, dur := range rhythms {
		if elapsed >= subjectDuration {
			break
		}
		if g.rng.Float64() < 0.15 {
			counter = append(counter, Rest(dur))
		} else {
			counter = append(counter, Note{Pitch: g.degreePitch(p, degree), Dur: dur, Vel: 80})
		}
		elapsed += dur
		degree += pick(g.rng, -2, -1, 1, 2)
		degree = clampInt(degree, -5, 10)
	}
	return counter
}

// GenerateStretto plans up to four overlapping entries offset by the
// subject length less the configured overlap, alternating subject and
// answer; later entries may be inverted or octave-displaced.
func (g *Generator) GenerateStretto(subject Phrase, p Params) []Entry {
	subjectLength := subject.TotalDuration()
	offset := subjectLength - p.StrettoOverlap*subjectLength

	count := minInt(4, p.NVoices)
	entries := make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		var material Phrase
		isSubject := i%2 == 0
		if isSubject {
			material = subject.Clone()
		} else if p.UseTonalAnswer {
			material = TonalAnswer(subject)
		} else {
			material = RealAnswer(subject)
		}

		if i >= 2 {
			if p.AllowInversion && g.rng.Float64() < 0.4 {
				if pitches := subject.NonRestPitches(); len(pitches) > 0 {
					material = Invert(material, pitches[0])
				}
			} else if g.rng.Float64() < 0.3 {
				material = Transpose(material, pick(g.rng, -12, 12))
			}
		}

		entries = append(entries, Entry{
			VoiceIndex: i % p.NVoices,
			StartTime:  float64(i) * offset,
			Material:   material,
			IsSubject:  isSubject,
		})
	}
	return entries
}

// complexKeySequence drives the final layered episode.
var complexKeySequence = []int{0, 7, 2, -5, 0}

// GenerateComplexEpisode layers three voice parts: the original fragment
// sequence, an inverted fragment line delayed behind a 1-beat rest, and an
// augmented fragment line behind a 2-beat rest.
func (g *Generator) GenerateComplexEpisode(subject Phrase, lengthBeats float64) []Phrase {
	if len(subject) == 0 {
		return nil
	}
	subjectLength := subject.TotalDuration()
	fragment1 := SliceByTime(subject, 0, minFloat(2.0, subjectLength/2))
	fragment2 := SliceByTime(subject, subjectLength/2, subjectLength)
	if len(fragment1) == 0 {
		fragment1 = subject.Clone()
	}
	if len(fragment2) == 0 {
		fragment2 = fragment1
	}

	var voice1 Phrase
	elapsed := 0.0
	for i, shift := range complexKeySequence {
		if elapsed >= lengthBeats {
			break
		}
		fragment := fragment1
		if i%2 == 1 {
			fragment = fragment2
		}
		transposed := Transpose(fragment, shift)
		voice1 = append(voice1, transposed...)
		elapsed += transposed.TotalDuration()
	}

	voice2 := Phrase{Rest(1.0)}
	if pitches := fragment1.NonRestPitches(); len(pitches) > 0 {
		axis := pitches[0]
		for i, shift := range complexKeySequence[1:] {
			if voice2.TotalDuration() >= lengthBeats {
				break
			}
			fragment := fragment2
			if i%2 == 1 {
				fragment = fragment1
			}
			voice2 = append(voice2, Transpose(Invert(fragment, axis), shift)...)
		}
	}

	voice3 := Phrase{Rest(2.0)}
	augmented := TimeScale(fragment1, 2.0)
	for _, shift := range []int{0, 7, -5} {
		voice3 = append(voice3, Transpose(augmented, shift)...)
		if voice3.TotalDuration() >= lengthBeats {
			break
		}
	}

	return []Phrase{voice1, voice2, voice3}
}

// GenerateCadence produces the closing dominant→tonic gesture: degree 4 for
// one beat then degree 0 for two, with a 20% chance of a 0.5-beat preceding
// rest and a 30% chance of a 0.25-beat rest between the chords.
func (g *Generator) GenerateCadence(p Params) Phrase {
	var cadence Phrase
	if g.rng.Float64() < 0.2 {
		cadence = append(cadence, Rest(0.5))
	}
	cadence = append(cadence, Note{Pitch: g.degreePitch(p, 4), Dur: 1.0, Vel: 90})
	if g.rng.Float64() < 0.3 {
		cadence = append(cadence, Rest(0.25))
	}
	cadence = append(cadence, Note{Pitch: g.degreePitch(p, 0), Dur: 2.0, Vel: 96})
	return cadence
}

// relatedKeys is the transposition sequence for mid-fugue re-entries.
var relatedKeys = []int{7, -5, 2, -10}

// RenderScore assembles a complete fugue for two or more voices:
// exposition, first episode, related-key re-entries with countersubject
// and short episodes, optional stretto, final complex episode, and the
// closing subject statement with cadence.
func (g *Generator) RenderScore(subject Phrase, p Params) Score {
	if p.NVoices < 1 {
		p.NVoices = 1
	}

	entries := g.MakeEntryPlan(subject, p)

	// Total budget in quarter notes: five minutes at 120 BPM.
	maxBeats := 5 * 60 * (120.0 / 60.0)
	subjectLength := subject.TotalDuration()

	expositionEnd := 0.0
	for _, e := range entries {
		if end := e.StartTime + e.Material.TotalDuration(); end > expositionEnd {
			expositionEnd = end
		}
	}

	voices := make(Score, p.NVoices)
	for _, e := range entries {
		voices[e.VoiceIndex] = append(voices[e.VoiceIndex], e.Material...)
	}
	current := expositionEnd

	countersubject := g.GenerateCountersubject(subject, p)

	if current < maxBeats-32.0 {
		episodeLength := minFloat(16.0, maxBeats-current-24.0)
		if episode := g.GenerateEpisode(subject, episodeLength); len(episode) > 0 {
			g.distributeCanonically(voices, episode)
			current += episodeLength
		}
	}

	for i, shift := range relatedKeys {
		if current >= maxBeats-16.0 {
			break
		}
		entryVoice := i % p.NVoices
		voices[entryVoice] = append(voices[entryVoice], Transpose(subject, shift)...)
		if p.NVoices > 1 {
			counterVoice := (entryVoice + 1) % p.NVoices
			voices[counterVoice] = append(voices[counterVoice], countersubject...)
		}
		current += subjectLength + 2.0

		if i < len(relatedKeys)-1 && current < maxBeats-20.0 {
			if mini := g.GenerateEpisode(subject, 8.0); len(mini) > 0 {
				episodeVoice := (entryVoice + 2) % p.NVoices
				voices[episodeVoice] = append(voices[episodeVoice], mini...)
				current += 8.0
			}
		}
	}

	if p.StrettoOverlap > 0.1 && current < maxBeats-20.0 {
		for _, e := range g.GenerateStretto(subject, p) {
			if e.VoiceIndex < len(voices) {
				voices[e.VoiceIndex] = append(voices[e.VoiceIndex], e.Material...)
			}
		}
		current += 12.0
	}

	if current < maxBeats-16.0 {
		finalLength := minFloat(12.0, maxBeats-current-8.0)
		parts := g.GenerateComplexEpisode(subject, finalLength)
		for i := 0; i < len(parts) && i < p.NVoices; i++ {
			voices[i] = append(voices[i], parts[i]...)
		}
		current += finalLength
	}

	if current < maxBeats-subjectLength {
		voices[0] = append(voices[0], subject...)
		if p.NVoices > 1 {
			voices[1] = append(voices[1], countersubject...)
		}
		if p.NVoices > 2 {
			voices[2] = append(voices[2], g.GenerateCadence(p)...)
		}
	}

	g.logger.Printf("rendered fugue: voices=%d entries=%d duration=%.1f beats", len(voices), len(entries), current)
	return voices
}

// distributeCanonically appends the episode to voice 0 and transposed
// copies to the next voices: ±5/±7 for the odd voice, −3 for the even.
func (g *Generator) distributeCanonically(voices Score, episode Phrase) {
	if len(episode) == 0 || len(voices) == 0 {
		return
	}
	voices[0] = append(voices[0], episode...)
	for v := 1; v < minInt(len(voices), 3); v++ {
		var imitation Phrase
		if v%2 == 1 {
			imitation = Transpose(episode, pick(g.rng, 5, -5, 7, -7))
		} else {
			imitation = Transpose(episode, -3)
		}
		voices[v] = append(voices[v], imitation...)
	}
}

// melodyTranspositions drives the single-voice variation cycle.
var melodyTranspositions = []int{7, -5, 2}

// RenderMelody builds the monophonic single-voice form: the subject,
// transposed variations with optional inversion and retrograde, 2-beat
// connecting fragments between variations, and a closing cadence, capped
// at roughly three minutes.
func (g *Generator) RenderMelody(subject Phrase, p Params) Phrase {
	// Three minutes at 120 BPM, in quarter notes.
	maxBeats := 3 * 60 * (120.0 / 60.0)

	melody := subject.Clone()
	for _, shift := range melodyTranspositions {
		if melody.TotalDuration() >= maxBeats {
			break
		}
		connector := Transpose(SliceByTime(subject, 0, 2.0), shift)
		melody = append(melody, connector...)

		variation := Transpose(subject, shift)
		if p.AllowInversion && g.rng.Float64() < 0.3 {
			if pitches := variation.NonRestPitches(); len(pitches) > 0 {
				variation = Invert(variation, pitches[0])
			}
		}
		if p.AllowRetrograde && g.rng.Float64() < 0.3 {
			variation = Retrograde(variation)
		}
		melody = append(melody, variation...)
	}
	melody = append(melody, g.GenerateCadence(p)...)
	return melody
}

func sumDurations(durations []float64) float64 {
	var total float64
	for _, d := range durations {
		total += d
	}
	return total
}

func pick(rng *rand.Rand, choices ...int) int {
	return choices[rng.Intn(len(choices))]
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

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
