package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/snarg/transcript-engine/internal/align"
	"github.com/snarg/transcript-engine/internal/jobs"
)

// JobStore implements jobs.Store on Postgres. Conditional transitions lock
// the row with SELECT ... FOR UPDATE and validate through
// jobs.ApplyTransition, so both stores enforce the same graph.
type JobStore struct {
	db *DB
}

// Jobs returns the Postgres-backed job store.
func (db *DB) Jobs() *JobStore { return &JobStore{db: db} }

const jobMetaColumns = `id, fingerprint, filename, audio_key, model, size_bytes,
	state, step_progress, failed_state, error_message, created_at, updated_at`

const jobColumns = jobMetaColumns + `, text_segments, speaker_turns, transcript`

func scanJobMeta(row pgx.Row, extra ...any) (*jobs.Job, error) {
	var j jobs.Job
	var state, failed string
	dest := []any{
		&j.ID, &j.Fingerprint, &j.Filename, &j.AudioKey, &j.Model, &j.SizeBytes,
		&state, &j.StepProgress, &failed, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobs.ErrNotFound
		}
		return nil, err
	}
	j.State = jobs.State(state)
	j.FailedState = jobs.State(failed)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var segs, turns, transcript []byte
	j, err := scanJobMeta(row, &segs, &turns, &transcript)
	if err != nil {
		return nil, err
	}
	if segs != nil {
		if err := json.Unmarshal(segs, &j.TextSegments); err != nil {
			return nil, fmt.Errorf("decode text_segments: %w", err)
		}
	}
	if turns != nil {
		if err := json.Unmarshal(turns, &j.SpeakerTurns); err != nil {
			return nil, fmt.Errorf("decode speaker_turns: %w", err)
		}
	}
	if transcript != nil {
		if err := json.Unmarshal(transcript, &j.Transcript); err != nil {
			return nil, fmt.Errorf("decode transcript: %w", err)
		}
	}
	return j, nil
}

// jsonb encodes a payload column. Nil slices stay NULL so "not produced
// yet" and "produced, empty" remain distinguishable.
func jsonb[T any](v []T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (s *JobStore) Create(ctx context.Context, fingerprint string, meta jobs.Metadata) (*jobs.Job, bool, error) {
	return createJob(ctx, s.db.Pool, fingerprint, meta)
}

// rowQuerier is the part of pgxpool.Pool that createJob needs.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// createJob inserts the job or loads the one holding fingerprint. The
// conflicting row can be deleted between the two statements; the insert is
// then tried once more.
func createJob(ctx context.Context, q rowQuerier, fingerprint string, meta jobs.Metadata) (*jobs.Job, bool, error) {
	for attempt := 1; ; attempt++ {
		j, err := scanJob(q.QueryRow(ctx, `
			INSERT INTO jobs (id, fingerprint, filename, audio_key, model, size_bytes, state)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (fingerprint) DO NOTHING
			RETURNING `+jobColumns,
			uuid.NewString(), fingerprint, meta.Filename, meta.AudioKey, meta.Model, meta.SizeBytes,
			string(jobs.StateUploaded)))
		if err == nil {
			return j, false, nil
		}
		if !errors.Is(err, jobs.ErrNotFound) {
			return nil, false, fmt.Errorf("insert job: %w", err)
		}

		// Conflict: another upload already holds this content.
		j, err = getByFingerprint(ctx, q, fingerprint)
		if err == nil {
			return j, true, nil
		}
		if !errors.Is(err, jobs.ErrNotFound) || attempt == 2 {
			return nil, false, fmt.Errorf("load existing job: %w", err)
		}
	}
}

func (s *JobStore) Get(ctx context.Context, id string) (*jobs.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, jobs.ErrNotFound
	}
	return scanJob(s.db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (s *JobStore) GetByFingerprint(ctx context.Context, fingerprint string) (*jobs.Job, error) {
	return getByFingerprint(ctx, s.db.Pool, fingerprint)
}

func getByFingerprint(ctx context.Context, q rowQuerier, fingerprint string) (*jobs.Job, error) {
	return scanJob(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE fingerprint = $1`, fingerprint))
}

func (s *JobStore) List(ctx context.Context, f jobs.ListFilter) ([]jobs.Job, int, error) {
	var total int
	if err := s.db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs WHERE ($1 = '' OR state = $1)`, string(f.State),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	var limit any
	if f.Limit > 0 {
		limit = f.Limit
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+jobMetaColumns+` FROM jobs
		WHERE ($1 = '' OR state = $1)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, string(f.State), limit, max(f.Offset, 0))
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := []jobs.Job{}
	for rows.Next() {
		j, err := scanJobMeta(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *j)
	}
	return out, total, rows.Err()
}

// lockJob loads a job inside tx and holds its row lock until commit.
func lockJob(ctx context.Context, tx pgx.Tx, id string) (*jobs.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, jobs.ErrNotFound
	}
	return scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
}

func (s *JobStore) UpdateState(ctx context.Context, id string, expected, next jobs.State, p jobs.Patch) (*jobs.Job, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	j, err := lockJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := jobs.ApplyTransition(j, expected, next, p, time.Now().UTC()); err != nil {
		return nil, err
	}

	segs, err := jsonb(j.TextSegments)
	if err != nil {
		return nil, err
	}
	turns, err := jsonb(j.SpeakerTurns)
	if err != nil {
		return nil, err
	}
	transcript, err := jsonb(j.Transcript)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE jobs SET
			state = $2, step_progress = $3, failed_state = $4, error_message = $5,
			text_segments = $6, speaker_turns = $7, transcript = $8, updated_at = $9
		WHERE id = $1
	`, id, string(j.State), j.StepProgress, string(j.FailedState), j.ErrorMessage,
		segs, turns, transcript, j.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return j, nil
}

func (s *JobStore) SetProgress(ctx context.Context, id string, state jobs.State, pct int) error {
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE jobs SET step_progress = $3, updated_at = now()
		WHERE id = $1 AND state = $2
	`, id, string(state), jobs.ClampProgress(pct))
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var actual string
	err = s.db.Pool.QueryRow(ctx, `SELECT state FROM jobs WHERE id = $1`, id).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.ErrNotFound
	}
	if err != nil {
		return err
	}
	return &jobs.ConflictError{ID: id, Expected: state, Actual: jobs.State(actual)}
}

func (s *JobStore) EditTranscript(ctx context.Context, id string, fn jobs.TranscriptEdit) (*jobs.Job, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	j, err := lockJob(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if j.State != jobs.StateCompleted {
		return nil, jobs.ErrNotCompleted
	}
	edited, err := fn(append([]align.AlignedSegment(nil), j.Transcript...))
	if err != nil {
		return nil, err
	}
	if edited == nil {
		edited = []align.AlignedSegment{}
	}
	payload, err := jsonb(edited)
	if err != nil {
		return nil, err
	}
	j.Transcript = edited
	j.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET transcript = $2, updated_at = $3 WHERE id = $1`,
		id, payload, j.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("update transcript: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return j, nil
}

func (s *JobStore) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return jobs.ErrNotFound
	}
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrNotFound
	}
	return nil
}
