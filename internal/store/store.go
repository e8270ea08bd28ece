package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/askbridge/askbridge/config"
)

// Store wraps the Postgres connection used for source registrations, the
// durable tool cache, and query run audit records.
type Store struct {
	DB *sql.DB
}

// Source kinds: direct sources are reachable from the server, bridge sources
// only through a local agent.
const (
	SourceKindDirect = "direct"
	SourceKindBridge = "bridge"
)

// Cache statuses persisted per source.
const (
	CacheStatusPending = "pending"
	CacheStatusReady   = "ready"
	CacheStatusError   = "error"
)

// ErrNotFound indicates the requested row does not exist or is soft-deleted.
var ErrNotFound = errors.New("store: not found")

// Source is a registered tool provider.
type Source struct {
	ID           string
	Name         string
	Kind         string
	URL          string
	Credentials  string
	Capability   string
	Instructions string
	OwnerID      string
	CacheStatus  string
	CacheError   string
	LastCachedAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CachedTool is one tool definition persisted for a source.
type CachedTool struct {
	SourceID    string
	Name        string
	Description string
	InputSchema json.RawMessage
	UpdatedAt   time.Time
}

// QueryRun is the audit record for one orchestrated query. Conversation
// content is never stored; only timing and outcome.
type QueryRun struct {
	ID         string
	Question   string
	Status     string
	Turns      int
	ToolCalls  int
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// New opens a Postgres connection from config and verifies it with a ping.
func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	return NewWithDSN(ctx, cfg.DSN())
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Source operations

func (s *Store) CreateSource(ctx context.Context, src Source) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO sources (name, kind, url, credentials, capability, instructions, owner_id, cache_status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		src.Name, src.Kind, src.URL, src.Credentials, src.Capability, src.Instructions, src.OwnerID, CacheStatusPending).Scan(&id)
	return id, err
}

func (s *Store) GetSource(ctx context.Context, id string) (Source, error) {
	var src Source
	err := s.DB.QueryRowContext(ctx, `
SELECT id, name, kind, url, credentials, capability, instructions, owner_id, cache_status, COALESCE(cache_error,''), last_cached_at, created_at, updated_at
FROM sources WHERE id=$1 AND deleted_at IS NULL`, id).
		Scan(&src.ID, &src.Name, &src.Kind, &src.URL, &src.Credentials, &src.Capability, &src.Instructions,
			&src.OwnerID, &src.CacheStatus, &src.CacheError, &src.LastCachedAt, &src.CreatedAt, &src.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Source{}, ErrNotFound
	}
	return src, err
}

func (s *Store) ListSources(ctx context.Context) ([]Source, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, name, kind, url, credentials, capability, instructions, owner_id, cache_status, COALESCE(cache_error,''), last_cached_at, created_at, updated_at
FROM sources WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Source
	for rows.Next() {
		var src Source
		if err := rows.Scan(&src.ID, &src.Name, &src.Kind, &src.URL, &src.Credentials, &src.Capability, &src.Instructions,
			&src.OwnerID, &src.CacheStatus, &src.CacheError, &src.LastCachedAt, &src.CreatedAt, &src.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSourceCredentials(ctx context.Context, id, credentials string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE sources SET credentials=$2, updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL`, id, credentials)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SoftDeleteSource hides the source from listings and queries. Cached tools
// are kept until a hard delete.
func (s *Store) SoftDeleteSource(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE sources SET deleted_at=NOW(), updated_at=NOW() WHERE id=$1 AND deleted_at IS NULL`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// HardDeleteSource removes the source row; cached_tools rows go with it via
// the foreign key cascade.
func (s *Store) HardDeleteSource(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM sources WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Tool cache operations

// ReplaceCachedTools swaps the full tool set for a source in one transaction
// and marks the cache ready. A refresh either lands completely or not at all.
func (s *Store) ReplaceCachedTools(ctx context.Context, sourceID string, tools []CachedTool) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_tools WHERE source_id=$1`, sourceID); err != nil {
		return err
	}
	for _, tool := range tools {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO cached_tools (source_id, name, description, input_schema, updated_at)
VALUES ($1,$2,$3,$4,NOW())`, sourceID, tool.Name, tool.Description, []byte(tool.InputSchema)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE sources SET cache_status=$2, cache_error=NULL, last_cached_at=NOW(), updated_at=NOW() WHERE id=$1`,
		sourceID, CacheStatusReady); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetCachedTools(ctx context.Context, sourceID string) ([]CachedTool, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT source_id, name, description, input_schema, updated_at
FROM cached_tools WHERE source_id=$1 ORDER BY name`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CachedTool
	for rows.Next() {
		var tool CachedTool
		var schema []byte
		if err := rows.Scan(&tool.SourceID, &tool.Name, &tool.Description, &schema, &tool.UpdatedAt); err != nil {
			return nil, err
		}
		tool.InputSchema = json.RawMessage(schema)
		out = append(out, tool)
	}
	return out, rows.Err()
}

func (s *Store) SetCacheStatus(ctx context.Context, sourceID, status string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE sources SET cache_status=$2, updated_at=NOW() WHERE id=$1`, sourceID, status)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// MarkCacheError flags a failed refresh without touching cached_tools rows.
// The last successful tool set keeps serving queries.
func (s *Store) MarkCacheError(ctx context.Context, sourceID, message string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE sources SET cache_status=$2, cache_error=$3, updated_at=NOW() WHERE id=$1`,
		sourceID, CacheStatusError, message)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// Query run audit

func (s *Store) CreateQueryRun(ctx context.Context, question string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO query_runs (question, status) VALUES ($1,'running') RETURNING id`, question).Scan(&id)
	return id, err
}

func (s *Store) FinishQueryRun(ctx context.Context, id, status string, turns, toolCalls int, errMsg string) error {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	_, err := s.DB.ExecContext(ctx, `
UPDATE query_runs SET status=$2, turns=$3, tool_calls=$4, error=$5, finished_at=NOW() WHERE id=$1`,
		id, status, turns, toolCalls, msg)
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
