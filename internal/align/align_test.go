package align

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlign_SameSpeakerMerged(t *testing.T) {
	cfg := Config{GapTolerance: 0.1, MinDuration: 2.5, MaxDuration: 25}
	segs := []TextSegment{
		{Start: 0, End: 2, Text: "hello"},
		{Start: 2.1, End: 4, Text: "world"},
	}
	turns := []SpeakerTurn{{Start: 0, End: 5, Speaker: "A"}}

	got := Align(cfg, segs, turns)

	require.Len(t, got, 1)
	assert.Equal(t, AlignedSegment{Start: 0, End: 4, Speaker: "A", Text: "hello world"}, got[0])
}

func TestAlign_SpeakerBoundaryNotCrossed(t *testing.T) {
	cfg := Config{GapTolerance: 0.1, MinDuration: 2.5, MaxDuration: 25}
	segs := []TextSegment{
		{Start: 0, End: 2, Text: "hello"},
		{Start: 2.1, End: 4, Text: "world"},
	}
	turns := []SpeakerTurn{
		{Start: 0, End: 2, Speaker: "A"},
		{Start: 2, End: 4, Speaker: "B"},
	}

	got := Align(cfg, segs, turns)

	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Speaker)
	assert.Equal(t, "hello", got[0].Text)
	assert.Equal(t, "B", got[1].Speaker)
	assert.Equal(t, "world", got[1].Text)
}

func TestAlign_EmptyInputs(t *testing.T) {
	cfg := DefaultConfig()

	got := Align(cfg, nil, nil)
	require.NotNil(t, got)
	assert.Empty(t, got)

	got = Align(cfg, []TextSegment{{Start: 1, End: 0, Text: "backwards"}, {Start: 0, End: 1, Text: "   "}}, nil)
	assert.Empty(t, got)

	got = Align(cfg, []TextSegment{{Start: 0, End: 1, Text: "alone"}}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, cfg.DefaultSpeaker, got[0].Speaker)
}

func TestAssignSpeaker(t *testing.T) {
	turns := normalizeTurns([]SpeakerTurn{
		{Start: 5, End: 7, Speaker: "C"},
		{Start: 0, End: 2, Speaker: "A"},
		{Start: 2, End: 4, Speaker: "B"},
	})

	tests := []struct {
		name string
		seg  TextSegment
		want string
	}{
		{"max_overlap", TextSegment{Start: 1.5, End: 3.9}, "B"},
		{"tie_earliest_turn", TextSegment{Start: 1, End: 3}, "A"},
		{"gap_uses_preceding", TextSegment{Start: 4.2, End: 4.8}, "B"},
		{"before_everything", TextSegment{Start: -2, End: -1}, "X"},
		{"after_everything", TextSegment{Start: 8, End: 9}, "C"},
		{"zero_length_inside", TextSegment{Start: 6, End: 6}, "C"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, assignSpeaker(tt.seg, turns, "X"))
		})
	}
}

func TestAlign_SplitsLongSegments(t *testing.T) {
	cfg := Config{GapTolerance: 0.5, MinDuration: 1, MaxDuration: 10}
	segs := []TextSegment{{Start: 0, End: 30, Text: "one two three four five six"}}
	turns := []SpeakerTurn{{Start: 0, End: 30, Speaker: "A"}}

	got := Align(cfg, segs, turns)

	require.Len(t, got, 3)
	assert.Equal(t, "one two", got[0].Text)
	assert.Equal(t, "three four", got[1].Text)
	assert.Equal(t, "five six", got[2].Text)
	for _, s := range got {
		assert.LessOrEqual(t, s.Duration(), cfg.MaxDuration+eps)
	}
}

func TestAlign_HugeSpanBoundedByWords(t *testing.T) {
	cfg := DefaultConfig()
	segs := []TextSegment{{Start: 0, End: 1e13, Text: "runaway timestamp"}}

	got := Align(cfg, segs, nil)

	require.Len(t, got, 2)
	assert.Equal(t, "runaway", got[0].Text)
	assert.Equal(t, "timestamp", got[1].Text)
	for _, s := range got {
		assert.Equal(t, cfg.DefaultSpeaker, s.Speaker)
		assert.LessOrEqual(t, s.Duration(), cfg.MaxDuration+eps)
	}
	assert.Less(t, got[0].End, got[1].Start)

	got = Align(cfg, []TextSegment{{Start: 0, End: 1e300, Text: "far"}}, nil)
	require.Len(t, got, 1)
	assert.Equal(t, "far", got[0].Text)

	got = Align(cfg, []TextSegment{{Start: -1.7e308, End: 1.7e308, Text: "overflowing span"}}, nil)
	assert.Empty(t, got)
}

func TestAlign_FragmentMergesAcrossLargeGap(t *testing.T) {
	cfg := Config{GapTolerance: 0.2, MinDuration: 1.5, MaxDuration: 25}
	segs := []TextSegment{
		{Start: 0, End: 0.5, Text: "uh"},
		{Start: 3, End: 8, Text: "so anyway"},
		{Start: 12, End: 18, Text: "next point"},
	}
	turns := []SpeakerTurn{{Start: 0, End: 20, Speaker: "A"}}

	got := Align(cfg, segs, turns)

	require.Len(t, got, 2)
	assert.Equal(t, "uh so anyway", got[0].Text)
	assert.Equal(t, 8.0, got[0].End)
	assert.Equal(t, "next point", got[1].Text)
}

func TestAlign_OverlappingInputClamped(t *testing.T) {
	cfg := Config{GapTolerance: 0, MinDuration: 0, MaxDuration: 25}
	segs := []TextSegment{
		{Start: 0, End: 3, Text: "first"},
		{Start: 2, End: 5, Text: "second"},
	}
	turns := []SpeakerTurn{
		{Start: 0, End: 2.5, Speaker: "A"},
		{Start: 2.5, End: 6, Speaker: "B"},
	}

	got := Align(cfg, segs, turns)

	require.Len(t, got, 2)
	assert.Equal(t, 3.0, got[1].Start)
	assert.GreaterOrEqual(t, got[1].Start, got[0].End)
}

func TestAlign_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	segs, turns := randomInput(rng, 200)
	cfg := DefaultConfig()

	a, err := json.Marshal(Align(cfg, segs, turns))
	require.NoError(t, err)
	b, err := json.Marshal(Align(cfg, segs, turns))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestAlign_Properties(t *testing.T) {
	configs := []Config{
		DefaultConfig(),
		{GapTolerance: 0.1, MinDuration: 0.5, MaxDuration: 5},
		{GapTolerance: 3, MinDuration: 10, MaxDuration: 12},
		{GapTolerance: 0, MinDuration: 0, MaxDuration: 1},
	}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		segs, turns := randomInput(rng, 1+rng.Intn(80))
		for _, cfg := range configs {
			got := Align(cfg, segs, turns)
			c := cfg.withDefaults()

			for i, s := range got {
				require.LessOrEqual(t, s.Start, s.End, "segment %d inverted", i)
				require.LessOrEqual(t, s.Duration(), c.MaxDuration+eps, "segment %d too long", i)
				require.NotEmpty(t, s.Text)
				if i == 0 {
					continue
				}
				prev := got[i-1]
				require.LessOrEqual(t, prev.Start, s.Start, "not sorted at %d", i)
				require.GreaterOrEqual(t, s.Start, prev.End-eps, "overlap at %d", i)
				if prev.Speaker == s.Speaker {
					require.False(t, c.canMerge(prev, s), "mergeable pair left at %d", i)
				}
			}

			require.Equal(t, got, Merge(cfg, got), "merge is not a fixed point")
		}
	}
}

func TestMerge_ChainsToFixedPoint(t *testing.T) {
	cfg := Config{GapTolerance: 0.5, MinDuration: 0, MaxDuration: 10}
	segs := []AlignedSegment{
		{Start: 0, End: 1, Speaker: "A", Text: "a"},
		{Start: 1.2, End: 2, Speaker: "A", Text: "b"},
		{Start: 2.3, End: 3, Speaker: "A", Text: "c"},
		{Start: 3.1, End: 4, Speaker: "B", Text: "d"},
	}

	got := Merge(cfg, segs)

	require.Len(t, got, 2)
	assert.Equal(t, "a b c", got[0].Text)
	assert.Equal(t, 3.0, got[0].End)
	assert.Equal(t, "d", got[1].Text)
	// input untouched
	assert.Equal(t, "a", segs[0].Text)
}

func TestMerge_RespectsMaxDuration(t *testing.T) {
	cfg := Config{GapTolerance: 1, MinDuration: 0, MaxDuration: 5}
	segs := []AlignedSegment{
		{Start: 0, End: 3, Speaker: "A", Text: "a"},
		{Start: 3, End: 6, Speaker: "A", Text: "b"},
	}
	assert.Len(t, Merge(cfg, segs), 2)
}

func TestCleanText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  hello   world \n", "hello world"},
		{"wait.......... what", "wait... what"},
		{"so... ... ... yes", "so... yes"},
		{"really!!!", "really!"},
		{"why??", "why?"},
		{"one ,two ;three", "one,two;three"},
		{"a,, b", "a, b"},
		{"Mr. Smith.", "Mr. Smith."},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanText(tt.in))
		})
	}
}

func TestFormatClock(t *testing.T) {
	assert.Equal(t, "00:00:00", FormatClock(0))
	assert.Equal(t, "00:01:05", FormatClock(65.9))
	assert.Equal(t, "01:02:03", FormatClock(3723))
	assert.Equal(t, "00:00:00", FormatClock(-4))
}

func randomInput(rng *rand.Rand, n int) ([]TextSegment, []SpeakerTurn) {
	words := []string{"yes", "no", "maybe", "okay...", "right!!", "so", "well", "hmm"}
	segs := make([]TextSegment, 0, n)
	t := 0.0
	for i := 0; i < n; i++ {
		t += rng.Float64() * 2
		dur := rng.Float64() * 8
		if rng.Intn(20) == 0 {
			dur = 30 + rng.Float64()*40
		}
		text := words[rng.Intn(len(words))]
		for k := rng.Intn(6); k > 0; k-- {
			text += " " + words[rng.Intn(len(words))]
		}
		// occasional overlap with the previous segment
		start := t
		if rng.Intn(8) == 0 {
			start -= rng.Float64()
		}
		segs = append(segs, TextSegment{Start: start, End: start + dur, Text: text})
		t = start + dur
	}

	speakers := []string{"A", "B", "C"}
	var turns []SpeakerTurn
	for p := 0.0; p < t; {
		d := 0.5 + rng.Float64()*10
		turns = append(turns, SpeakerTurn{Start: p, End: p + d, Speaker: speakers[rng.Intn(len(speakers))]})
		p += d + rng.Float64()*2
	}
	rng.Shuffle(len(segs), func(i, j int) { segs[i], segs[j] = segs[j], segs[i] })
	return segs, turns
}
