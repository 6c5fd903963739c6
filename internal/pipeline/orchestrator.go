// Package pipeline runs the transcribe, diarize and align stages for jobs on
// a bounded worker pool.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/transcript-engine/internal/align"
	"github.com/snarg/transcript-engine/internal/diarize"
	"github.com/snarg/transcript-engine/internal/jobs"
	"github.com/snarg/transcript-engine/internal/metrics"
	"github.com/snarg/transcript-engine/internal/retry"
	"github.com/snarg/transcript-engine/internal/storage"
	"github.com/snarg/transcript-engine/internal/transcribe"
)

var (
	// ErrQueueFull is returned when a stage cannot be queued. The job keeps
	// its resting state and can be started again later.
	ErrQueueFull = errors.New("stage queue is full")
	// ErrStageNotReady is returned when the job has not reached the state
	// the stage starts from, or has failed.
	ErrStageNotReady = errors.New("stage not ready")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("orchestrator stopped")
)

// Task is one queued stage run.
type Task struct {
	JobID string
	Stage jobs.Stage
}

// QueueStats reports the current state of the stage queue.
type QueueStats struct {
	Pending   int   `json:"pending"`
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// AlignFunc merges engine outputs into a transcript.
type AlignFunc func(cfg align.Config, segs []align.TextSegment, turns []align.SpeakerTurn) []align.AlignedSegment

// EventPublisher receives job status changes.
type EventPublisher interface {
	PublishStatus(ctx context.Context, st jobs.Status)
}

// Options configures the orchestrator.
type Options struct {
	Store       jobs.Store
	Audio       storage.AudioStore
	Transcriber transcribe.Provider
	Diarizer    diarize.Provider
	AlignConfig align.Config
	Aligner     AlignFunc        // defaults to align.Align
	Invalidator jobs.Invalidator // summary cache, may be nil
	Events      EventPublisher   // may be nil
	Retry       retry.Policy     // Retry.Timeout bounds each engine attempt
	Workers     int
	QueueSize   int
	AutoAdvance bool
	Log         zerolog.Logger
}

// Orchestrator sequences pipeline stages. A stage only runs in the worker
// that wins the conditional transition into its in-progress state, so a job
// never has two stages running at once.
type Orchestrator struct {
	tasks   chan Task
	opts    Options
	aligner AlignFunc
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.RWMutex // guards stopped against sends on a closed channel
	stopped  bool
	inflight sync.Map // job id -> context.CancelFunc

	// audioLocks serialize saving and deleting the audio of one fingerprint.
	audioLocks [32]sync.Mutex

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// New creates an orchestrator. Call Start to launch workers.
func New(opts Options) *Orchestrator {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	aligner := opts.Aligner
	if aligner == nil {
		aligner = align.Align
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		tasks:   make(chan Task, opts.QueueSize),
		opts:    opts,
		aligner: aligner,
		log:     opts.Log.With().Str("component", "pipeline").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker goroutines.
func (o *Orchestrator) Start() {
	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}
	o.log.Info().Int("workers", o.opts.Workers).Int("queue_size", o.opts.QueueSize).Msg("stage worker pool started")
}

// Stop cancels running stages and waits for workers to exit. Queued tasks
// are dropped; their jobs stay in a resting state and Recover picks them up
// on the next start.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	close(o.tasks)
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	o.log.Info().
		Int64("completed", o.completed.Load()).
		Int64("failed", o.failed.Load()).
		Msg("stage worker pool stopped")
}

// Enqueue adds a task. Returns false if the queue is full or stopped.
func (o *Orchestrator) Enqueue(t Task) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.stopped {
		return false
	}
	select {
	case o.tasks <- t:
		return true
	default:
		return false
	}
}

// Stats returns current queue statistics.
func (o *Orchestrator) Stats() QueueStats {
	return QueueStats{
		Pending:   len(o.tasks),
		Active:    int(o.active.Load()),
		Completed: o.completed.Load(),
		Failed:    o.failed.Load(),
	}
}

// metrics.PoolStats
func (o *Orchestrator) QueueDepth() int   { return len(o.tasks) }
func (o *Orchestrator) ActiveStages() int { return int(o.active.Load()) }
func (o *Orchestrator) Completed() int64  { return o.completed.Load() }
func (o *Orchestrator) Failed() int64     { return o.failed.Load() }

// Upload is audio submitted for processing.
type Upload struct {
	Filename string
	Data     []byte
	Model    string
}

// Submit stores the audio and creates its job, or returns the job that
// already holds identical audio with existing=true. New jobs start
// transcribing right away when auto-advance is on.
func (o *Orchestrator) Submit(ctx context.Context, up Upload) (*jobs.Job, bool, error) {
	if len(up.Data) == 0 {
		return nil, false, fmt.Errorf("empty audio")
	}
	fp, size, err := jobs.Fingerprint(bytes.NewReader(up.Data))
	if err != nil {
		return nil, false, fmt.Errorf("fingerprint: %w", err)
	}
	ext := filepath.Ext(up.Filename)
	key := storage.Key(fp, ext)

	unlock := o.lockAudio(fp)
	job, existing, err := o.opts.Store.Create(ctx, fp, jobs.Metadata{
		Filename:  filepath.Base(up.Filename),
		AudioKey:  key,
		Model:     up.Model,
		SizeBytes: size,
	})
	if err != nil {
		unlock()
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	// Written for every new job, and again for an existing one whose audio
	// has gone missing.
	if !existing || !o.opts.Audio.Exists(ctx, job.AudioKey) {
		err = o.opts.Audio.Save(ctx, job.AudioKey, up.Data, storage.ContentType(filepath.Ext(job.AudioKey)))
	}
	unlock()
	if err != nil {
		if !existing {
			if derr := o.opts.Store.Delete(ctx, job.ID); derr != nil && !errors.Is(derr, jobs.ErrNotFound) {
				o.log.Warn().Err(derr).Str("job_id", job.ID).Msg("failed to remove job without audio")
			}
		}
		return nil, false, fmt.Errorf("save audio: %w", err)
	}
	if existing {
		metrics.JobsCreatedTotal.WithLabelValues("existing").Inc()
		return job, true, nil
	}
	metrics.JobsCreatedTotal.WithLabelValues("new").Inc()
	o.log.Info().Str("job_id", job.ID).Str("filename", job.Filename).Int64("size", size).Msg("job created")
	o.publish(ctx, job)

	if o.opts.AutoAdvance && !o.Enqueue(Task{JobID: job.ID, Stage: jobs.StageTranscribe}) {
		o.log.Warn().Str("job_id", job.ID).Msg("stage queue full, job left in uploaded")
	}
	return job, false, nil
}

// StartStage queues stage for the job. Calling it for a stage that is
// already running or finished is a no-op reporting started=false.
func (o *Orchestrator) StartStage(ctx context.Context, id string, stage jobs.Stage) (job *jobs.Job, started bool, err error) {
	st, ok := stage.States()
	if !ok {
		return nil, false, fmt.Errorf("unknown stage %q", stage)
	}
	job, err = o.opts.Store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}

	switch {
	case job.State == st.From:
	case job.State == jobs.StateError:
		return job, false, fmt.Errorf("%w: job failed in %s", ErrStageNotReady, job.FailedState)
	case job.State.Rank() > st.From.Rank():
		return job, false, nil
	default:
		return job, false, fmt.Errorf("%w: %s needs %s, job is %s", ErrStageNotReady, stage, st.From, job.State)
	}

	o.mu.RLock()
	stopped := o.stopped
	o.mu.RUnlock()
	if stopped {
		return job, false, ErrStopped
	}
	if !o.Enqueue(Task{JobID: id, Stage: stage}) {
		return job, false, ErrQueueFull
	}
	return job, true, nil
}

// Delete removes the job, cancels its running stage and drops derived data.
// A running stage notices the deletion when it commits and discards its
// result.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	job, err := o.opts.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := o.opts.Store.Delete(ctx, id); err != nil {
		return err
	}
	o.cleanup(ctx, job)
	o.log.Info().Str("job_id", id).Msg("job deleted")
	return nil
}

func (o *Orchestrator) cleanup(ctx context.Context, job *jobs.Job) {
	if cancel, ok := o.inflight.Load(job.ID); ok {
		cancel.(context.CancelFunc)()
	}
	if o.opts.Invalidator != nil {
		if err := o.opts.Invalidator.Invalidate(ctx, job.ID); err != nil {
			o.log.Warn().Err(err).Str("job_id", job.ID).Msg("summary invalidation failed")
		}
	}
	if c, ok := o.opts.Events.(interface{ ClearStatus(jobID string) }); ok {
		c.ClearStatus(job.ID)
	}
	o.releaseAudio(ctx, job)
}

// releaseAudio deletes the job's audio unless a newer job with the same
// content has claimed it since the row was removed.
func (o *Orchestrator) releaseAudio(ctx context.Context, job *jobs.Job) {
	if job.AudioKey == "" {
		return
	}
	unlock := o.lockAudio(job.Fingerprint)
	defer unlock()
	owner, err := o.opts.Store.GetByFingerprint(ctx, job.Fingerprint)
	switch {
	case err == nil && owner.AudioKey == job.AudioKey:
		o.log.Debug().Str("job_id", job.ID).Str("owner", owner.ID).Str("key", job.AudioKey).Msg("audio reclaimed by a new upload, kept")
		return
	case err != nil && !errors.Is(err, jobs.ErrNotFound):
		o.log.Warn().Err(err).Str("job_id", job.ID).Msg("audio owner lookup failed, audio kept")
		return
	}
	if err := o.opts.Audio.Delete(ctx, job.AudioKey); err != nil {
		o.log.Warn().Err(err).Str("job_id", job.ID).Str("key", job.AudioKey).Msg("audio delete failed")
	}
}

func (o *Orchestrator) lockAudio(fingerprint string) func() {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	mu := &o.audioLocks[h.Sum32()%uint32(len(o.audioLocks))]
	mu.Lock()
	return mu.Unlock
}

func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()
	log := o.log.With().Int("worker", id).Logger()

	for task := range o.tasks {
		if o.ctx.Err() != nil {
			continue
		}
		o.active.Add(1)
		err := o.processTask(log, task)
		o.active.Add(-1)
		if err != nil {
			o.failed.Add(1)
			log.Warn().Err(err).
				Str("job_id", task.JobID).
				Str("stage", string(task.Stage)).
				Msg("stage failed")
		}
	}
}

// processTask runs one stage. Losing the race for the in-progress state or
// finding the job deleted is not an error.
func (o *Orchestrator) processTask(log zerolog.Logger, task Task) error {
	st, ok := task.Stage.States()
	if !ok {
		return fmt.Errorf("unknown stage %q", task.Stage)
	}

	ctx, cancel := context.WithCancel(o.ctx)
	defer cancel()

	job, err := o.opts.Store.UpdateState(ctx, task.JobID, st.From, st.Running, jobs.Patch{})
	if errors.Is(err, jobs.ErrStateConflict) || errors.Is(err, jobs.ErrNotFound) {
		log.Debug().Str("job_id", task.JobID).Str("stage", string(task.Stage)).Err(err).Msg("stage already claimed, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim stage: %w", err)
	}
	o.inflight.Store(job.ID, cancel)
	defer o.inflight.Delete(job.ID)
	o.publish(ctx, job)

	start := time.Now()
	patch, runErr := o.run(ctx, log, task.Stage, job)
	elapsed := time.Since(start)

	if runErr != nil {
		if o.ctx.Err() != nil {
			// Shutdown: Recover marks the job on next start.
			return nil
		}
		failed, err := o.opts.Store.UpdateState(context.Background(), job.ID, st.Running, jobs.StateError,
			jobs.Patch{ErrorMessage: runErr.Error()})
		if errors.Is(err, jobs.ErrNotFound) {
			log.Debug().Str("job_id", job.ID).Msg("job deleted during stage, discarding failure")
			return nil
		}
		if err != nil {
			return fmt.Errorf("record failure: %w (stage error: %v)", err, runErr)
		}
		metrics.StageDuration.WithLabelValues(string(task.Stage), "error").Observe(elapsed.Seconds())
		o.publish(ctx, failed)
		return fmt.Errorf("%s: %w", task.Stage, runErr)
	}

	done, err := o.opts.Store.UpdateState(context.Background(), job.ID, st.Running, st.Done, patch)
	if errors.Is(err, jobs.ErrNotFound) {
		log.Debug().Str("job_id", job.ID).Msg("job deleted during stage, discarding result")
		return nil
	}
	if err != nil {
		return fmt.Errorf("commit %s: %w", task.Stage, err)
	}
	o.completed.Add(1)
	metrics.StageDuration.WithLabelValues(string(task.Stage), "ok").Observe(elapsed.Seconds())
	o.publish(ctx, done)
	log.Debug().
		Str("job_id", job.ID).
		Str("stage", string(task.Stage)).
		Int("duration_ms", int(elapsed.Milliseconds())).
		Msg("stage complete")

	if next, ok := done.State.NextStage(); ok && o.opts.AutoAdvance {
		if !o.Enqueue(Task{JobID: done.ID, Stage: next}) {
			log.Warn().Str("job_id", done.ID).Str("stage", string(next)).Msg("stage queue full, job left resting")
		}
	}
	return nil
}

// run invokes the stage's engine with retries and returns the payload to
// commit with the transition.
func (o *Orchestrator) run(ctx context.Context, log zerolog.Logger, stage jobs.Stage, job *jobs.Job) (jobs.Patch, error) {
	st, _ := stage.States()
	progress := o.progressFunc(job.ID, st.Running)
	onRetry := func(attempt int, delay time.Duration, err error) {
		metrics.StageRetriesTotal.WithLabelValues(string(stage)).Inc()
		log.Warn().Err(err).
			Str("job_id", job.ID).
			Str("stage", string(stage)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("engine call failed, retrying")
	}

	switch stage {
	case jobs.StageTranscribe:
		var segs []align.TextSegment
		err := retry.Do(ctx, o.opts.Retry, func(ctx context.Context, _ int) error {
			audio, err := o.readAudio(ctx, job)
			if err != nil {
				return err
			}
			segs, err = o.opts.Transcriber.Transcribe(ctx, transcribe.Request{
				Audio:    audio,
				Filename: job.Filename,
				Model:    job.Model,
				Progress: progress,
			})
			return err
		}, onRetry)
		if err != nil {
			return jobs.Patch{}, err
		}
		if segs == nil {
			segs = []align.TextSegment{}
		}
		return jobs.Patch{TextSegments: segs}, nil

	case jobs.StageDiarize:
		var turns []align.SpeakerTurn
		err := retry.Do(ctx, o.opts.Retry, func(ctx context.Context, _ int) error {
			audio, err := o.readAudio(ctx, job)
			if err != nil {
				return err
			}
			turns, err = o.opts.Diarizer.Diarize(ctx, diarize.Request{
				Audio:    audio,
				Filename: job.Filename,
				Progress: progress,
			})
			return err
		}, onRetry)
		if err != nil {
			return jobs.Patch{}, err
		}
		if turns == nil {
			turns = []align.SpeakerTurn{}
		}
		return jobs.Patch{SpeakerTurns: turns}, nil

	case jobs.StageAlign:
		// The claim returned the full record, payloads included.
		out := o.aligner(o.opts.AlignConfig, job.TextSegments, job.SpeakerTurns)
		if err := ctx.Err(); err != nil {
			return jobs.Patch{}, err
		}
		if out == nil {
			out = []align.AlignedSegment{}
		}
		return jobs.Patch{Transcript: out}, nil
	}
	return jobs.Patch{}, retry.Permanent(fmt.Errorf("unknown stage %q", stage))
}

func (o *Orchestrator) readAudio(ctx context.Context, job *jobs.Job) ([]byte, error) {
	data, err := storage.ReadAll(ctx, o.opts.Audio, job.AudioKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, retry.Permanent(fmt.Errorf("audio for job %s is missing", job.ID))
	}
	if err != nil {
		return nil, retry.Transient(err)
	}
	return data, nil
}

// progressFunc records engine-reported progress. Values never go backwards
// within a stage, even across retries.
func (o *Orchestrator) progressFunc(id string, state jobs.State) func(int) {
	var mu sync.Mutex
	last := 0
	return func(pct int) {
		pct = jobs.ClampProgress(pct)
		mu.Lock()
		if pct <= last {
			mu.Unlock()
			return
		}
		last = pct
		mu.Unlock()
		if err := o.opts.Store.SetProgress(o.ctx, id, state, pct); err != nil {
			o.log.Debug().Err(err).Str("job_id", id).Msg("progress update skipped")
		}
	}
}

func (o *Orchestrator) publish(ctx context.Context, job *jobs.Job) {
	if o.opts.Events == nil || job == nil {
		return
	}
	o.opts.Events.PublishStatus(ctx, jobs.StatusOf(job))
}
