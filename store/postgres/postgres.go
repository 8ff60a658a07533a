// Package postgres implements the event store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turnpipe/turnpipe/store"
	"github.com/turnpipe/turnpipe/telemetry"
)

type (
	// Options configures a Store.
	Options struct {
		// Pool is the pgx connection pool. Required.
		Pool *pgxpool.Pool
		// Logger records schema bootstrap progress. Optional, defaults to noop.
		Logger telemetry.Logger
	}

	// Store implements store.Store on an append-only turn_events table keyed
	// by (session_id, seq).
	Store struct {
		pool *pgxpool.Pool
		log  telemetry.Logger
	}
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// schemaLockID serializes schema bootstrap across nodes ("TURNPIPE" in hex).
const schemaLockID int64 = 0x5455524E50495045

const createTableSQL = `
CREATE TABLE IF NOT EXISTS turn_events (
	session_id       TEXT        NOT NULL,
	seq              BIGINT      NOT NULL,
	kind             TEXT        NOT NULL,
	content          TEXT        NOT NULL DEFAULT '',
	agent_id         TEXT        NOT NULL DEFAULT '',
	internal         BOOLEAN     NOT NULL DEFAULT FALSE,
	input_tokens     INTEGER     NOT NULL DEFAULT 0,
	output_tokens    INTEGER     NOT NULL DEFAULT 0,
	reasoning_tokens INTEGER     NOT NULL DEFAULT 0,
	model            TEXT        NOT NULL DEFAULT '',
	stop_reason      TEXT        NOT NULL DEFAULT '',
	tool_use_id      TEXT        NOT NULL DEFAULT '',
	tool_name        TEXT        NOT NULL DEFAULT '',
	tool_args        JSONB,
	tool_result      JSONB,
	success          BOOLEAN,
	error            TEXT        NOT NULL DEFAULT '',
	signature        TEXT        NOT NULL DEFAULT '',
	citations        JSONB,
	message_id       TEXT        NOT NULL DEFAULT '',
	original_index   INTEGER     NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (session_id, seq)
)`

// New constructs a Postgres-backed event store.
func New(opts Options) (*Store, error) {
	if opts.Pool == nil {
		return nil, errors.New("pgx pool is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{pool: opts.Pool, log: logger}, nil
}

// NewPool builds a pgx pool with conservative defaults and validates
// connectivity.
func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 5
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// EnsureSchema creates the events table if it does not exist. An advisory
// lock serializes concurrent bootstrap from multiple nodes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection for schema bootstrap: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema bootstrap lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, unlockErr := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, schemaLockID); unlockErr != nil {
			s.log.Error(unlockCtx, "schema bootstrap unlock failed", "err", unlockErr)
		}
	}()

	if _, err := conn.Exec(ctx, createTableSQL); err != nil {
		return fmt.Errorf("create turn_events table: %w", err)
	}
	s.log.Info(ctx, "schema bootstrap complete", "table", "turn_events")
	return nil
}

// Append implements store.Store.
func (s *Store) Append(ctx context.Context, rec *store.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO turn_events (
			session_id, seq, kind, content, agent_id, internal,
			input_tokens, output_tokens, reasoning_tokens,
			model, stop_reason,
			tool_use_id, tool_name, tool_args, tool_result, success, error,
			signature, citations, message_id, original_index, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11,
			$12, $13, $14, $15, $16, $17,
			$18, $19, $20, $21, $22
		)
	`,
		rec.SessionID, rec.Seq, rec.Kind, rec.Content, rec.AgentID, rec.Internal,
		rec.InputTokens, rec.OutputTokens, rec.ReasoningTokens,
		rec.Model, rec.StopReason,
		rec.ToolUseID, rec.ToolName, nilIfEmpty(rec.ToolArgs), nilIfEmpty(rec.ToolResult), rec.Success, rec.Error,
		rec.Signature, nilIfEmpty(rec.Citations), rec.MessageID, rec.OriginalIndex, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert event row: %w", err)
	}
	return nil
}

// List implements store.Store.
func (s *Store) List(ctx context.Context, sessionID string, cursor int64, limit int) (store.Page, error) {
	if sessionID == "" {
		return store.Page{}, errors.New("session id is required")
	}
	if limit <= 0 {
		return store.Page{}, errors.New("limit must be > 0")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT session_id, seq, kind, content, agent_id, internal,
		       input_tokens, output_tokens, reasoning_tokens,
		       model, stop_reason,
		       tool_use_id, tool_name, tool_args, tool_result, success, error,
		       signature, citations, message_id, original_index, created_at
		FROM turn_events
		WHERE session_id = $1
		  AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, sessionID, cursor, limit+1)
	if err != nil {
		return store.Page{}, fmt.Errorf("list event rows: %w", err)
	}
	defer rows.Close()

	var records []*store.Record
	for rows.Next() {
		var (
			rec        store.Record
			toolArgs   []byte
			toolResult []byte
			citations  []byte
		)
		if err := rows.Scan(
			&rec.SessionID, &rec.Seq, &rec.Kind, &rec.Content, &rec.AgentID, &rec.Internal,
			&rec.InputTokens, &rec.OutputTokens, &rec.ReasoningTokens,
			&rec.Model, &rec.StopReason,
			&rec.ToolUseID, &rec.ToolName, &toolArgs, &toolResult, &rec.Success, &rec.Error,
			&rec.Signature, &citations, &rec.MessageID, &rec.OriginalIndex, &rec.CreatedAt,
		); err != nil {
			return store.Page{}, fmt.Errorf("scan event row: %w", err)
		}
		rec.ToolArgs = json.RawMessage(toolArgs)
		rec.ToolResult = json.RawMessage(toolResult)
		rec.Citations = json.RawMessage(citations)
		rec.CreatedAt = rec.CreatedAt.UTC()
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return store.Page{}, fmt.Errorf("iterate event rows: %w", err)
	}

	page := store.Page{Records: records}
	if len(records) > limit {
		page.Records = records[:limit]
		page.NextCursor = records[limit-1].Seq
		page.More = true
	}
	return page, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "events-postgres" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func nilIfEmpty(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return b
}
