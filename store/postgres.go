package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PostgresStore implements VectorStore on PostgreSQL with the pgvector
// extension. Each project gets its own table, named from the project
// identity, so several projects can share one database.
type PostgresStore struct {
	pool       *pgxpool.Pool
	table      string
	dimensions int
}

// NewPostgresStore connects to the database and ensures the project table
// and pgvector extension exist.
func NewPostgresStore(ctx context.Context, dsn, projectID string, dimensions int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s := &PostgresStore{
		pool:       pool,
		table:      "loom_chunks_" + sanitizeIdentifier(projectID),
		dimensions: dimensions,
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// sanitizeIdentifier keeps only characters safe in an unquoted identifier.
func sanitizeIdentifier(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "default"
	}
	return b.String()
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		embedding vector(%d) NOT NULL,
		source TEXT NOT NULL,
		user_id TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL
	)`, s.table, s.dimensions)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_source_idx ON %s (user_id, source)", s.table, s.table)
	if _, err := s.pool.Exec(ctx, idx); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

func (s *PostgresStore) Add(ctx context.Context, entries []Entry) error {
	for _, entry := range entries {
		sql := fmt.Sprintf(`INSERT INTO %s (id, document, embedding, source, user_id, language, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				document = EXCLUDED.document,
				embedding = EXCLUDED.embedding,
				source = EXCLUDED.source,
				user_id = EXCLUDED.user_id,
				language = EXCLUDED.language,
				updated_at = EXCLUDED.updated_at`, s.table)

		_, err := s.pool.Exec(ctx, sql,
			entry.ID,
			entry.Document,
			pgvector.NewVector(entry.Vector),
			entry.Metadata.Source,
			entry.Metadata.UserID,
			entry.Metadata.Language,
			entry.Metadata.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert entry %s: %w", entry.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, req QueryRequest) ([]Match, error) {
	var conditions []string
	var args []any

	if req.Filter.UserID != "" {
		args = append(args, req.Filter.UserID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if req.Filter.Source != "" {
		args = append(args, req.Filter.Source)
		conditions = append(conditions, fmt.Sprintf("source = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var sql string
	if req.Vector != nil {
		limit := req.Limit
		if limit <= 0 {
			limit = 10
		}
		args = append(args, pgvector.NewVector(req.Vector))
		sql = fmt.Sprintf(`SELECT id, document, embedding, source, user_id, language, updated_at,
			1 - (embedding <=> $%d) AS score
			FROM %s %s ORDER BY embedding <=> $%d LIMIT %d`,
			len(args), s.table, where, len(args), limit)
	} else {
		sql = fmt.Sprintf(`SELECT id, document, embedding, source, user_id, language, updated_at, 0
			FROM %s %s ORDER BY id`, s.table, where)
		if req.Limit > 0 {
			sql += fmt.Sprintf(" LIMIT %d", req.Limit)
		}
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var vec pgvector.Vector
		if err := rows.Scan(
			&m.Entry.ID,
			&m.Entry.Document,
			&vec,
			&m.Entry.Metadata.Source,
			&m.Entry.Metadata.UserID,
			&m.Entry.Metadata.Language,
			&m.Entry.Metadata.Timestamp,
			&m.Score,
		); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		m.Entry.Vector = vec.Slice()
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return matches, nil
}

func (s *PostgresStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE id = ANY($1)", s.table)
	if _, err := s.pool.Exec(ctx, sql, ids); err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	return nil
}

// Load is a no-op; postgres is the source of truth.
func (s *PostgresStore) Load(ctx context.Context) error { return nil }

// Persist is a no-op; every write is already durable.
func (s *PostgresStore) Persist(ctx context.Context) error { return nil }

func (s *PostgresStore) GetStats(ctx context.Context) (*Stats, error) {
	sql := fmt.Sprintf(`SELECT COUNT(*), COUNT(DISTINCT source), COALESCE(MAX(updated_at), 'epoch'::timestamptz)
		FROM %s`, s.table)

	stats := &Stats{}
	if err := s.pool.QueryRow(ctx, sql).Scan(&stats.TotalChunks, &stats.TotalFiles, &stats.LastUpdated); err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
