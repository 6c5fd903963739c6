package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/transcript-engine/internal/jobs"
)

const (
	interruptedMessage = "interrupted by restart"
	recoverPageSize    = 100
)

// Recover repairs jobs left behind by an unclean shutdown. Jobs stuck in an
// in-progress state are failed, since their engine call died with the
// process. Resting jobs are queued for their next stage when auto-advance
// is on. Returns the number of failed and queued jobs.
func (o *Orchestrator) Recover(ctx context.Context) (failed, queued int, err error) {
	for _, state := range []jobs.State{jobs.StateTranscribing, jobs.StateDiarizing, jobs.StateAligning} {
		n, err := o.failStuck(ctx, state)
		failed += n
		if err != nil {
			return failed, queued, err
		}
	}
	if o.opts.AutoAdvance {
		queued, err = o.resumeResting(ctx)
	}
	if failed > 0 || queued > 0 {
		o.log.Info().Int("failed", failed).Int("queued", queued).Msg("startup recovery complete")
	}
	return failed, queued, err
}

// failStuck always reads from offset 0: every update removes the job from
// the filtered set.
func (o *Orchestrator) failStuck(ctx context.Context, state jobs.State) (int, error) {
	var n int
	for {
		page, _, err := o.opts.Store.List(ctx, jobs.ListFilter{State: state, Limit: recoverPageSize})
		if err != nil {
			return n, err
		}
		progressed := false
		for _, j := range page {
			done, err := o.opts.Store.UpdateState(ctx, j.ID, state, jobs.StateError,
				jobs.Patch{ErrorMessage: interruptedMessage})
			if errors.Is(err, jobs.ErrStateConflict) || errors.Is(err, jobs.ErrNotFound) {
				continue
			}
			if err != nil {
				return n, err
			}
			progressed = true
			n++
			o.log.Warn().Str("job_id", j.ID).Str("state", string(state)).Msg("job interrupted by restart")
			o.publish(ctx, done)
		}
		if !progressed || len(page) < recoverPageSize {
			return n, nil
		}
	}
}

// resumeResting queues the next stage for jobs sitting in a resting state.
// Stops early once the queue is full; the janitor retries later.
func (o *Orchestrator) resumeResting(ctx context.Context) (int, error) {
	var n int
	for _, state := range []jobs.State{jobs.StateUploaded, jobs.StateTranscribed, jobs.StateDiarized} {
		stage, _ := state.NextStage()
		for offset := 0; ; offset += recoverPageSize {
			page, _, err := o.opts.Store.List(ctx, jobs.ListFilter{State: state, Limit: recoverPageSize, Offset: offset})
			if err != nil {
				return n, err
			}
			for _, j := range page {
				if !o.Enqueue(Task{JobID: j.ID, Stage: stage}) {
					return n, nil
				}
				n++
			}
			if len(page) < recoverPageSize {
				break
			}
		}
	}
	return n, nil
}

// Janitor periodically enforces job retention and requeues resting jobs
// that could not be queued earlier because the queue was full.
type Janitor struct {
	orch      *Orchestrator
	retention time.Duration
	interval  time.Duration
	log       zerolog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	now       func() time.Time
}

// NewJanitor creates a janitor. A zero retention keeps jobs forever.
func NewJanitor(orch *Orchestrator, retention time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		orch:      orch,
		retention: retention,
		interval:  10 * time.Minute,
		log:       log.With().Str("component", "janitor").Logger(),
		stop:      make(chan struct{}),
		now:       time.Now,
	}
}

func (j *Janitor) Start() { go j.loop() }

func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
}

func (j *Janitor) loop() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.run()
		case <-j.stop:
			return
		}
	}
}

func (j *Janitor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if n, err := j.prune(ctx); err != nil {
		j.log.Error().Err(err).Msg("retention prune failed")
	} else if n > 0 {
		j.log.Info().Int("deleted", n).Dur("retention", j.retention).Msg("retention prune complete")
	}
	if j.orch.opts.AutoAdvance {
		if _, err := j.orch.resumeResting(ctx); err != nil {
			j.log.Warn().Err(err).Msg("resume resting jobs failed")
		}
	}
}

// prune deletes jobs older than the retention window together with their
// audio and cached summary.
func (j *Janitor) prune(ctx context.Context) (int, error) {
	if j.retention <= 0 {
		return 0, nil
	}
	removed, err := j.orch.opts.Store.DeleteOlderThan(ctx, j.now().Add(-j.retention))
	if err != nil {
		return 0, err
	}
	for i := range removed {
		j.orch.cleanup(ctx, &removed[i])
	}
	return len(removed), nil
}
