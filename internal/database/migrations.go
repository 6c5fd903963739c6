package database

import (
	"context"
	"fmt"
	"strings"
)

// migration is a single idempotent schema change.
type migration struct {
	name  string
	sql   string
	check string // returns true when already applied
}

// migrations run in order after InitSchema. Each must be idempotent.
var migrations = []migration{
	{
		name:  "add jobs.failed_state",
		sql:   `ALTER TABLE jobs ADD COLUMN IF NOT EXISTS failed_state text NOT NULL DEFAULT ''`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'jobs' AND column_name = 'failed_state')`,
	},
	{
		name:  "add jobs.model",
		sql:   `ALTER TABLE jobs ADD COLUMN IF NOT EXISTS model text NOT NULL DEFAULT ''`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'jobs' AND column_name = 'model')`,
	},
	{
		name:  "add jobs state index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs (state, created_at DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_jobs_state_created')`,
	},
}

// Migrate applies pending migrations. A failure is fatal for the caller:
// the store's queries depend on every column existing.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError carries the SQL an operator needs to finish the remaining
// migrations by hand.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart transcript-engine.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
