package translog

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore writes transcripts to Postgres, one row per turn.
//
// Expected schema:
//
//	CREATE TABLE conversation_logs (
//	    id              UUID PRIMARY KEY,
//	    call_id         TEXT NOT NULL,
//	    turn            INT NOT NULL,
//	    role            TEXT NOT NULL,
//	    content         TEXT NOT NULL,
//	    audio_ref       TEXT,
//	    end_reason      TEXT NOT NULL,
//	    compliance_flag BOOLEAN NOT NULL DEFAULT FALSE,
//	    created_at      TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// SaveTranscript writes all turns of the transcript in one transaction.
func (s *PostgresStore) SaveTranscript(ctx context.Context, t Transcript) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `
		INSERT INTO conversation_logs
			(id, call_id, turn, role, content, audio_ref, end_reason, compliance_flag, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	for i, turn := range t.Turns {
		_, err := tx.Exec(ctx, q,
			uuid.New(), t.CallID, i, string(turn.Role), turn.Text, turn.AudioRef,
			string(t.Reason), t.ComplianceFlag, turn.Timestamp)
		if err != nil {
			return fmt.Errorf("inserting turn %d: %w", i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transcript: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
