// Command dbcheck inspects and repairs the job database while the server is
// stopped.
//
//	dbcheck                      job counts per workflow state
//	dbcheck stuck [apply]        fail jobs left in an in-progress state
//	dbcheck audio                jobs whose audio key is missing
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/transcript-engine/internal/database"
	"github.com/snarg/transcript-engine/internal/jobs"
)

func main() {
	ctx := context.Background()
	db, err := database.Connect(ctx, os.Getenv("DATABASE_URL"), 1, zerolog.Nop())
	if err != nil {
		panic(err)
	}
	defer db.Close()

	if len(os.Args) > 1 && os.Args[1] == "stuck" {
		dryRun := !(len(os.Args) > 2 && os.Args[2] == "apply")
		failStuckJobs(ctx, db, dryRun)
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "audio" {
		missingAudio(ctx, db)
		return
	}

	// Default: state counts
	counts, err := db.StateCounts(ctx)
	if err != nil {
		panic(err)
	}
	states := []jobs.State{
		jobs.StateUploaded, jobs.StateTranscribing, jobs.StateTranscribed,
		jobs.StateDiarizing, jobs.StateDiarized, jobs.StateAligning,
		jobs.StateCompleted, jobs.StateError,
	}
	total := 0
	fmt.Println("State                    Count")
	fmt.Println("─────────────────────────────────")
	for _, s := range states {
		fmt.Printf("%-25s %d\n", s, counts[s])
		total += counts[s]
	}
	fmt.Printf("%-25s %d\n", "total", total)
}

// failStuckJobs does offline what the server does at startup: a job in an
// in-progress state has no worker behind it once the process is gone.
func failStuckJobs(ctx context.Context, db *database.DB, dryRun bool) {
	store := db.Jobs()
	fixed := 0
	for _, state := range []jobs.State{jobs.StateTranscribing, jobs.StateDiarizing, jobs.StateAligning} {
		list, total, err := store.List(ctx, jobs.ListFilter{State: state})
		if err != nil {
			fmt.Printf("Error listing %s jobs: %v\n", state, err)
			return
		}
		fmt.Printf("%s: %d job(s)\n", state, total)
		for _, j := range list {
			age := time.Since(j.UpdatedAt).Round(time.Second)
			if dryRun {
				fmt.Printf("  would fail %s (%s, idle %s)\n", j.ID, j.Filename, age)
				continue
			}
			_, err := store.UpdateState(ctx, j.ID, state, jobs.StateError, jobs.Patch{ErrorMessage: "interrupted by restart"})
			if err != nil {
				fmt.Printf("  %s: %v\n", j.ID, err)
				continue
			}
			fixed++
			fmt.Printf("  failed %s (idle %s)\n", j.ID, age)
		}
	}
	if dryRun {
		fmt.Println("Dry run. Re-run with 'stuck apply' to update.")
		return
	}
	fmt.Printf("Moved %d job(s) to error\n", fixed)
}

func missingAudio(ctx context.Context, db *database.DB) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, filename, state FROM jobs
		WHERE audio_key = '' OR audio_key IS NULL
		ORDER BY created_at`)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var id, filename, state string
		if err := rows.Scan(&id, &filename, &state); err != nil {
			fmt.Printf("Error scanning: %v\n", err)
			return
		}
		n++
		fmt.Printf("  %s  %-12s %s\n", id, state, filename)
	}
	fmt.Printf("%d job(s) without an audio key\n", n)
}
