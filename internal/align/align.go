// Package align merges speech-to-text segments and diarization turns into a
// speaker-labeled transcript. Everything here is pure: no I/O, no clocks, no
// map iteration, so identical inputs always yield identical output.
package align

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// eps absorbs float noise in second-based timestamps (2.1-2.0 != 0.1).
const eps = 1e-9

// TextSegment is a timestamped span of recognized speech.
type TextSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// SpeakerTurn is a span during which a single speaker was talking.
type SpeakerTurn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// AlignedSegment is one line of the final transcript.
type AlignedSegment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
	Text    string  `json:"text"`
}

// Duration returns the segment length in seconds.
func (s AlignedSegment) Duration() float64 { return s.End - s.Start }

// Config holds the merge thresholds. They are empirically tuned and differ
// between audio domains, so callers load them from configuration.
type Config struct {
	// GapTolerance is the largest silence (seconds) bridged when merging two
	// same-speaker segments.
	GapTolerance float64
	// MinDuration marks a segment as a fragment: fragments merge with a
	// same-speaker neighbour regardless of the gap.
	MinDuration float64
	// MaxDuration caps every output segment.
	MaxDuration float64
	// DefaultSpeaker labels speech that precedes every diarization turn.
	DefaultSpeaker string
}

// DefaultConfig returns the thresholds used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		GapTolerance:   1.0,
		MinDuration:    3.0,
		MaxDuration:    25.0,
		DefaultSpeaker: "SPEAKER_UNKNOWN",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxDuration <= 0 || math.IsNaN(c.MaxDuration) || math.IsInf(c.MaxDuration, 0) {
		c.MaxDuration = d.MaxDuration
	}
	if c.GapTolerance < 0 || math.IsNaN(c.GapTolerance) {
		c.GapTolerance = 0
	}
	if c.MinDuration < 0 || math.IsNaN(c.MinDuration) {
		c.MinDuration = 0
	}
	if c.DefaultSpeaker == "" {
		c.DefaultSpeaker = d.DefaultSpeaker
	}
	return c
}

// Align assigns a speaker to every text segment, merges fragmented speech
// and cleans up the text. Empty or malformed input yields an empty
// (non-nil) transcript.
func Align(cfg Config, segments []TextSegment, turns []SpeakerTurn) []AlignedSegment {
	cfg = cfg.withDefaults()

	segs := normalizeSegments(segments, cfg.MaxDuration)
	if len(segs) == 0 {
		return []AlignedSegment{}
	}
	sorted := normalizeTurns(turns)

	out := make([]AlignedSegment, len(segs))
	for i, s := range segs {
		out[i] = AlignedSegment{
			Start:   s.Start,
			End:     s.End,
			Speaker: assignSpeaker(s, sorted, cfg.DefaultSpeaker),
			Text:    s.Text,
		}
	}

	out = Merge(cfg, out)
	for i := range out {
		out[i].Text = CleanText(out[i].Text)
	}
	return out
}

// normalizeSegments drops unusable segments, orders the rest by time, removes
// overlaps by clamping each start to the previous end, and splits anything
// longer than maxDur.
func normalizeSegments(in []TextSegment, maxDur float64) []TextSegment {
	segs := make([]TextSegment, 0, len(in))
	for _, s := range in {
		text := strings.Join(strings.Fields(s.Text), " ")
		if text == "" || !validSpan(s.Start, s.End) {
			continue
		}
		segs = append(segs, TextSegment{Start: s.Start, End: s.End, Text: text})
	}
	sort.SliceStable(segs, func(i, j int) bool {
		if segs[i].Start != segs[j].Start {
			return segs[i].Start < segs[j].Start
		}
		return segs[i].End < segs[j].End
	})

	out := make([]TextSegment, 0, len(segs))
	prevEnd := math.Inf(-1)
	for _, s := range segs {
		if s.Start < prevEnd {
			s.Start = prevEnd
		}
		if s.End < s.Start {
			s.End = s.Start
		}
		out = append(out, splitLong(s, maxDur)...)
		prevEnd = s.End
	}
	return out
}

// splitLong cuts s into equal time slices no longer than maxDur, handing
// words to slices by position. Only slices that receive words are emitted,
// so the work is bounded by the word count whatever the segment's span.
func splitLong(s TextSegment, maxDur float64) []TextSegment {
	dur := s.End - s.Start
	if dur <= maxDur+eps {
		return []TextSegment{s}
	}
	words := strings.Fields(s.Text)
	if len(words) == 0 || math.IsInf(dur, 0) {
		return nil
	}
	// float64 slice count; an int could overflow for absurd spans.
	n := math.Ceil(dur / maxDur)
	step := dur / n

	var out []TextSegment
	var bucket []string
	cur := 0.0
	flush := func() {
		if len(bucket) == 0 {
			return
		}
		end := s.Start + (cur+1)*step
		if cur >= n-1 {
			end = s.End
		}
		out = append(out, TextSegment{Start: s.Start + cur*step, End: end, Text: strings.Join(bucket, " ")})
		bucket = bucket[:0]
	}
	for i, w := range words {
		b := math.Floor(float64(i) * n / float64(len(words)))
		if b != cur {
			flush()
			cur = b
		}
		bucket = append(bucket, w)
	}
	flush()
	return out
}

func normalizeTurns(in []SpeakerTurn) []SpeakerTurn {
	turns := make([]SpeakerTurn, 0, len(in))
	for _, t := range in {
		if !validSpan(t.Start, t.End) || t.End <= t.Start {
			continue
		}
		turns = append(turns, t)
	}
	sort.SliceStable(turns, func(i, j int) bool {
		a, b := turns[i], turns[j]
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		if a.End != b.End {
			return a.End < b.End
		}
		return a.Speaker < b.Speaker
	})
	return turns
}

// assignSpeaker picks the turn with the largest temporal overlap. turns must
// be sorted by start so that strict comparison keeps the earliest turn on a
// tie. With no overlap it falls back to the nearest preceding turn, then to
// fallback.
func assignSpeaker(s TextSegment, turns []SpeakerTurn, fallback string) string {
	best := -1
	bestOverlap := 0.0
	for i, t := range turns {
		ov := math.Min(s.End, t.End) - math.Max(s.Start, t.Start)
		if ov > bestOverlap {
			best, bestOverlap = i, ov
		}
	}
	if best < 0 && s.End == s.Start {
		// Zero-length segments can't overlap anything; use containment.
		for i, t := range turns {
			if t.Start <= s.Start && s.Start < t.End {
				best = i
				break
			}
		}
	}
	if best >= 0 {
		return labelOr(turns[best].Speaker, fallback)
	}

	prev := -1
	prevEnd := math.Inf(-1)
	for i, t := range turns {
		if t.End <= s.Start+eps && t.End > prevEnd {
			prev, prevEnd = i, t.End
		}
	}
	if prev >= 0 {
		return labelOr(turns[prev].Speaker, fallback)
	}
	return fallback
}

func labelOr(label, fallback string) string {
	if label == "" {
		return fallback
	}
	return label
}

func validSpan(start, end float64) bool {
	if math.IsNaN(start) || math.IsNaN(end) || math.IsInf(start, 0) || math.IsInf(end, 0) {
		return false
	}
	return end >= start
}

// FormatClock renders seconds as HH:MM:SS for transcript listings.
func FormatClock(sec float64) string {
	if sec < 0 || math.IsNaN(sec) {
		sec = 0
	}
	total := int(sec)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total/60)%60, total%60)
}
