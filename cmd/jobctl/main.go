// Command jobctl submits audio to a transcript-engine server and follows
// jobs until they finish.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/snarg/transcript-engine/internal/client"
	"github.com/snarg/transcript-engine/internal/jobs"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorRed    = "\033[31m"
)

func info(msg string, a ...any) {
	fmt.Fprintf(os.Stderr, colorBlue+"[info] "+colorReset+msg+"\n", a...)
}

func warn(msg string, a ...any) {
	fmt.Fprintf(os.Stderr, colorYellow+"[warn] "+colorReset+msg+"\n", a...)
}

func ok(msg string, a ...any) {
	fmt.Fprintf(os.Stderr, colorGreen+"[ok] "+colorReset+msg+"\n", a...)
}

func fail(msg string, a ...any) {
	fmt.Fprintf(os.Stderr, colorRed+"[error] "+colorReset+msg+"\n", a...)
}

const usage = `usage: jobctl [-server URL] [-token TOKEN] <command> [args]

commands:
  submit [-model M] [-wait] [-drive] FILE...   upload audio files
  status ID                                    print a job's status
  wait [-drive] ID                             follow a job until it finishes
  transcript [-md] ID                          print a completed transcript
`

func main() {
	server := flag.String("server", envOr("JOBCTL_SERVER", "http://localhost:8080"), "server base URL (or JOBCTL_SERVER)")
	token := flag.String("token", os.Getenv("AUTH_TOKEN"), "bearer token (or AUTH_TOKEN)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(*server, *token)
	args := flag.Args()[1:]

	var err error
	switch flag.Arg(0) {
	case "submit":
		err = runSubmit(ctx, c, args)
	case "status":
		err = runStatus(ctx, c, args)
	case "wait":
		err = runWait(ctx, c, args)
	case "transcript":
		err = runTranscript(ctx, c, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fail("%v", err)
		os.Exit(1)
	}
}

func runSubmit(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	model := fs.String("model", "", "transcription model override")
	wait := fs.Bool("wait", false, "wait for each job to finish")
	drive := fs.Bool("drive", false, "start each stage explicitly (for servers with AUTO_ADVANCE=false)")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return errors.New("submit needs at least one file")
	}

	for _, path := range fs.Args() {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		job, existing, err := c.Submit(ctx, filepath.Base(path), f, *model)
		f.Close()
		if err != nil {
			return fmt.Errorf("submit %s: %w", path, err)
		}
		if existing {
			info("%s already submitted as %s (%s)", path, job.ID, job.State)
		} else {
			ok("%s -> %s", path, job.ID)
		}
		fmt.Println(job.ID)

		if *wait {
			if err := follow(ctx, c, job.ID, *drive); err != nil {
				return err
			}
		}
	}
	return nil
}

func runStatus(ctx context.Context, c *client.Client, args []string) error {
	if len(args) != 1 {
		return errors.New("status needs a job id")
	}
	st, err := c.Status(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(st)
}

func runWait(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("wait", flag.ExitOnError)
	drive := fs.Bool("drive", false, "start each stage explicitly")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("wait needs a job id")
	}
	return follow(ctx, c, fs.Arg(0), *drive)
}

// follow waits for a job, printing each progress change. With drive set it
// also starts the next stage whenever the job rests between stages.
func follow(ctx context.Context, c *client.Client, id string, drive bool) error {
	last := -1
	var lastState jobs.State
	_, err := c.Wait(ctx, id, func(st jobs.Status) {
		if st.Progress != last || st.WorkflowState != lastState {
			info("%s  %-12s %3d%%", id, st.WorkflowState, st.Progress)
			last, lastState = st.Progress, st.WorkflowState
		}
		if !drive {
			return
		}
		if next, ok := st.WorkflowState.NextStage(); ok {
			if err := c.StartStage(ctx, id, next); err != nil {
				warn("start %s: %v", next, err)
			}
		}
	})
	var jf *client.JobFailedError
	if errors.As(err, &jf) {
		return jf
	}
	if err != nil {
		return err
	}
	ok("%s completed", id)
	return nil
}

func runTranscript(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("transcript", flag.ExitOnError)
	md := fs.Bool("md", false, "print the Markdown export instead of JSON")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("transcript needs a job id")
	}
	if *md {
		doc, err := c.ExportMarkdown(ctx, fs.Arg(0))
		if err != nil {
			return err
		}
		fmt.Print(doc)
		return nil
	}
	tr, err := c.Transcript(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return printJSON(tr)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
