// Package export renders completed jobs as documents.
package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/snarg/transcript-engine/internal/align"
	"github.com/snarg/transcript-engine/internal/jobs"
	"github.com/snarg/transcript-engine/internal/summarize"
)

// Options controls optional parts of the export.
type Options struct {
	Title      string // defaults to the job's filename
	Timestamps bool
	Generated  time.Time
}

// Markdown renders a completed job's transcript. summary may be nil.
func Markdown(job *jobs.Job, summary *summarize.Summary, opts Options) string {
	var b strings.Builder

	title := opts.Title
	if title == "" {
		title = job.Filename
	}
	if title == "" {
		title = "Transcript"
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	fmt.Fprintf(&b, "- Job: `%s`\n", job.ID)
	if job.Model != "" {
		fmt.Fprintf(&b, "- Model: `%s`\n", job.Model)
	}
	if speakers := Speakers(job.Transcript); len(speakers) > 0 {
		fmt.Fprintf(&b, "- Speakers: %s\n", strings.Join(speakers, ", "))
	}
	if n := len(job.Transcript); n > 0 {
		fmt.Fprintf(&b, "- Duration: %s\n", align.FormatClock(job.Transcript[n-1].End))
	}
	if !opts.Generated.IsZero() {
		fmt.Fprintf(&b, "- Generated: %s\n", opts.Generated.UTC().Format(time.RFC3339))
	}
	b.WriteString("\n")

	if summary != nil && summary.Text != "" {
		b.WriteString("## Summary\n\n")
		b.WriteString(strings.TrimSpace(summary.Text))
		b.WriteString("\n\n")
	}

	b.WriteString("## Transcript\n\n")
	for _, s := range job.Transcript {
		if opts.Timestamps {
			fmt.Fprintf(&b, "[%s-%s] ", align.FormatClock(s.Start), align.FormatClock(s.End))
		}
		fmt.Fprintf(&b, "**%s:** %s\n\n", s.Speaker, strings.TrimSpace(s.Text))
	}
	return b.String()
}

// Speakers lists speaker labels in order of first appearance.
func Speakers(segs []align.AlignedSegment) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range segs {
		if !seen[s.Speaker] {
			seen[s.Speaker] = true
			out = append(out, s.Speaker)
		}
	}
	return out
}

// Filename returns a download name for the export.
func Filename(job *jobs.Job) string {
	base := strings.TrimSuffix(job.Filename, fileExt(job.Filename))
	if base == "" {
		base = job.ID
	}
	return base + ".md"
}

func fileExt(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[i:]
	}
	return ""
}
