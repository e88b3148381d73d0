// Package store persists an optional audit trail of engine lifecycle
// events and the bytecode manifests loaded by each factory. Grounded on
// the teacher's internal/store/postgres.go (pgxpool.New/Ping/ensureSchema
// pattern), rewritten against this module's own schema in place of the
// FaaS function-registry schema it originally served.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists engine lifecycle events and bytecode manifests.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies connectivity, and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS engine_events (
			id BIGSERIAL PRIMARY KEY,
			factory TEXT NOT NULL,
			alloc_id BIGINT NOT NULL,
			event TEXT NOT NULL,
			detail JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_engine_events_factory ON engine_events(factory, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS code_manifests (
			factory TEXT PRIMARY KEY,
			blob_count INTEGER NOT NULL,
			total_bytes BIGINT NOT NULL,
			source TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// EngineEvent is one lifecycle event recorded for an engine instance
// (constructed, returned-to-pool, destroyed, construction-failed).
type EngineEvent struct {
	Factory   string
	AllocID   uint64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// RecordEngineEvent appends one lifecycle event.
func (s *PostgresStore) RecordEngineEvent(ctx context.Context, ev *EngineEvent) error {
	var detail []byte
	if ev.Detail != nil {
		var err error
		detail, err = json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("marshal event detail: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO engine_events (factory, alloc_id, event, detail)
		VALUES ($1, $2, $3, $4)
	`, ev.Factory, ev.AllocID, ev.Event, detail)
	if err != nil {
		return fmt.Errorf("record engine event: %w", err)
	}
	return nil
}

// ListEngineEvents returns the most recent events for a factory.
func (s *PostgresStore) ListEngineEvents(ctx context.Context, factory string, limit int) ([]*EngineEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT factory, alloc_id, event, detail, created_at
		FROM engine_events
		WHERE factory = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, factory, limit)
	if err != nil {
		return nil, fmt.Errorf("list engine events: %w", err)
	}
	defer rows.Close()

	var events []*EngineEvent
	for rows.Next() {
		var ev EngineEvent
		var detail []byte
		if err := rows.Scan(&ev.Factory, &ev.AllocID, &ev.Event, &detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan engine event: %w", err)
		}
		if detail != nil {
			if err := json.Unmarshal(detail, &ev.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal event detail: %w", err)
			}
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list engine events rows: %w", err)
	}
	return events, nil
}

// CodeManifest summarizes the frozen bytecode list loaded by a factory.
type CodeManifest struct {
	Factory    string
	BlobCount  int
	TotalBytes int64
	Source     string
}

// SaveCodeManifest upserts a factory's bytecode manifest.
func (s *PostgresStore) SaveCodeManifest(ctx context.Context, m *CodeManifest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO code_manifests (factory, blob_count, total_bytes, source, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (factory) DO UPDATE SET
			blob_count = EXCLUDED.blob_count,
			total_bytes = EXCLUDED.total_bytes,
			source = EXCLUDED.source,
			updated_at = NOW()
	`, m.Factory, m.BlobCount, m.TotalBytes, m.Source)
	if err != nil {
		return fmt.Errorf("save code manifest: %w", err)
	}
	return nil
}

// GetCodeManifest retrieves a factory's bytecode manifest.
func (s *PostgresStore) GetCodeManifest(ctx context.Context, factory string) (*CodeManifest, error) {
	var m CodeManifest
	m.Factory = factory
	err := s.pool.QueryRow(ctx, `
		SELECT blob_count, total_bytes, source FROM code_manifests WHERE factory = $1
	`, factory).Scan(&m.BlobCount, &m.TotalBytes, &m.Source)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("code manifest not found: %s", factory)
	}
	if err != nil {
		return nil, fmt.Errorf("get code manifest: %w", err)
	}
	return &m, nil
}
