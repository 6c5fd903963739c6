package align

import (
	"math"
	"regexp"
	"strings"
)

// Merge collapses adjacent same-speaker segments until no pair qualifies.
// The input must be ordered by start and non-overlapping, as Align produces.
// The result is a fixed point: Merge(cfg, Merge(cfg, x)) == Merge(cfg, x).
func Merge(cfg Config, segs []AlignedSegment) []AlignedSegment {
	cfg = cfg.withDefaults()
	out := append([]AlignedSegment(nil), segs...)
	for {
		next, merged := mergePass(cfg, out)
		out = next
		if !merged {
			return out
		}
	}
}

func mergePass(cfg Config, segs []AlignedSegment) ([]AlignedSegment, bool) {
	out := make([]AlignedSegment, 0, len(segs))
	merged := false
	for _, s := range segs {
		if n := len(out); n > 0 && cfg.canMerge(out[n-1], s) {
			prev := &out[n-1]
			prev.Text = joinText(prev.Text, s.Text)
			if s.End > prev.End {
				prev.End = s.End
			}
			merged = true
			continue
		}
		out = append(out, s)
	}
	return out, merged
}

// canMerge never crosses a speaker boundary and never produces a segment
// longer than MaxDuration. Within that, either the gap is small or one side
// is a fragment.
func (c Config) canMerge(prev, next AlignedSegment) bool {
	if prev.Speaker != next.Speaker {
		return false
	}
	end := math.Max(prev.End, next.End)
	if end-prev.Start > c.MaxDuration+eps {
		return false
	}
	if next.Start-prev.End <= c.GapTolerance+eps {
		return true
	}
	return prev.Duration() < c.MinDuration || next.Duration() < c.MinDuration
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + " " + b
}

var (
	dotRun       = regexp.MustCompile(`\.{3,}`)
	ellipsisRun  = regexp.MustCompile(`(?:\.\.\.|…)(?:\s*(?:\.\.\.|…))+`)
	spaceBefore  = regexp.MustCompile(`\s+([,;:!?])`)
	repeatedMark = []*regexp.Regexp{
		regexp.MustCompile(`!{2,}`),
		regexp.MustCompile(`\?{2,}`),
		regexp.MustCompile(`,{2,}`),
		regexp.MustCompile(`;{2,}`),
		regexp.MustCompile(`:{2,}`),
	}
)

// CleanText collapses whitespace and runs of repeated punctuation left by
// the recognizer. Words are never changed.
func CleanText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = dotRun.ReplaceAllString(s, "...")
	s = ellipsisRun.ReplaceAllString(s, "...")
	for _, re := range repeatedMark {
		s = re.ReplaceAllStringFunc(s, func(m string) string { return m[:1] })
	}
	s = spaceBefore.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}
