package database

import (
	"context"
	"fmt"
	"log/slog"
)

// schema is the full DDL, written to be idempotent so startup can apply it
// unconditionally. Statements run in order inside one transaction.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		email TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		partner_id UUID REFERENCES users(id),
		incoming_call JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS calls (
		id UUID PRIMARY KEY,
		initiator_id UUID NOT NULL REFERENCES users(id),
		receiver_id UUID NOT NULL REFERENCES users(id),
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ,
		ended_at TIMESTAMPTZ,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS call_signals (
		call_id UUID NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
		from_id UUID NOT NULL,
		to_id UUID NOT NULL,
		kind TEXT NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS call_messages (
		id UUID PRIMARY KEY,
		call_id UUID NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
		sender_id UUID NOT NULL,
		sender_display_name TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_initiator ON calls (initiator_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_receiver ON calls (receiver_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_call_signals_call ON call_signals (call_id, kind, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_call_messages_call ON call_messages (call_id, created_at, id)`,
}

// EnsureSchema applies the schema at startup.
func EnsureSchema(ctx context.Context, db *DB) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, stmt := range schema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}

	slog.Info("database schema ensured", "statements", len(schema))
	return nil
}
