package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PgvectorRemote implements RemoteStore over PostgreSQL with the pgvector
// extension. This is the production backend: vector ranking happens in the
// database via the cosine distance operator, and id-based upserts give the
// de-duplication the outbox's at-least-once replay requires.
type PgvectorRemote struct {
	pool *pgxpool.Pool
	dims int
}

// NewPgvectorRemote connects to the database and ensures the memories table
// exists. dims fixes the embedding column dimensionality (e.g. 1536 for
// text-embedding-3-small); entries whose embeddings have a different length
// are rejected by the database.
func NewPgvectorRemote(ctx context.Context, databaseURL string, dims int) (*PgvectorRemote, error) {
	if dims <= 0 {
		dims = 1536
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("remote pgvector: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("remote pgvector: ping: %w", err)
	}

	r := &PgvectorRemote{pool: pool, dims: dims}
	if err := r.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *PgvectorRemote) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			embedding vector(%d),
			project TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			importance DOUBLE PRECISION NOT NULL DEFAULT 0,
			tags JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			source_platform TEXT
		)`, r.dims),
		`CREATE INDEX IF NOT EXISTS idx_memories_project ON memories (project)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories (project, created_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("remote pgvector: ensure schema: %w", err)
		}
	}
	return nil
}

// Upsert persists the entry with ON CONFLICT (id) DO UPDATE semantics.
func (r *PgvectorRemote) Upsert(ctx context.Context, entry Entry) error {
	var tagsJSON []byte
	if len(entry.Tags) > 0 {
		var err error
		tagsJSON, err = json.Marshal(entry.Tags)
		if err != nil {
			return fmt.Errorf("remote pgvector: marshal tags: %w", err)
		}
	}

	var embedding any
	if len(entry.Embedding) > 0 {
		embedding = pgvector.NewVector(entry.Embedding)
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO memories (id, content, embedding, project, memory_type, importance, tags, created_at, source_platform)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			project = EXCLUDED.project,
			memory_type = EXCLUDED.memory_type,
			importance = EXCLUDED.importance,
			tags = EXCLUDED.tags,
			source_platform = EXCLUDED.source_platform`,
		entry.ID,
		entry.Content,
		embedding,
		entry.Project,
		string(entry.Type),
		entry.Importance,
		tagsJSON,
		entry.CreatedAt,
		entry.SourcePlatform,
	)
	if err != nil {
		return fmt.Errorf("remote pgvector: upsert: %w", err)
	}
	return nil
}

// VectorSearch ranks embedded project entries by cosine similarity in the
// database (1 - cosine distance), best first.
func (r *PgvectorRemote) VectorSearch(ctx context.Context, embedding []float32, project string, limit int) ([]Match, error) {
	if limit <= 0 || len(embedding) == 0 {
		return nil, nil
	}

	vec := pgvector.NewVector(embedding)
	rows, err := r.pool.Query(ctx, `
		SELECT id, content, embedding, project, memory_type, importance, tags, created_at, source_platform,
		       1 - (embedding <=> $1) AS similarity
		FROM memories
		WHERE project = $2 AND embedding IS NOT NULL
		ORDER BY embedding <=> $1
		LIMIT $3`,
		vec, project, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("remote pgvector: vector search: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			entry      Entry
			emb        pgvector.Vector
			typ        string
			tagsJSON   []byte
			platform   *string
			similarity float64
		)
		err := rows.Scan(&entry.ID, &entry.Content, &emb, &entry.Project, &typ,
			&entry.Importance, &tagsJSON, &entry.CreatedAt, &platform, &similarity)
		if err != nil {
			return nil, fmt.Errorf("remote pgvector: scan match: %w", err)
		}
		entry.Embedding = emb.Slice()
		entry.Type = Type(typ)
		if platform != nil {
			entry.SourcePlatform = *platform
		}
		if len(tagsJSON) > 0 {
			_ = json.Unmarshal(tagsJSON, &entry.Tags)
		}
		matches = append(matches, Match{Entry: entry, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("remote pgvector: iterate matches: %w", err)
	}
	return matches, nil
}

// Recent returns project entries ordered newest first.
func (r *PgvectorRemote) Recent(ctx context.Context, project string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, content, project, memory_type, importance, tags, created_at, source_platform
		FROM memories
		WHERE project = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		project, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("remote pgvector: recent: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry    Entry
			typ      string
			tagsJSON []byte
			platform *string
		)
		err := rows.Scan(&entry.ID, &entry.Content, &entry.Project, &typ,
			&entry.Importance, &tagsJSON, &entry.CreatedAt, &platform)
		if err != nil {
			return nil, fmt.Errorf("remote pgvector: scan entry: %w", err)
		}
		entry.Type = Type(typ)
		if platform != nil {
			entry.SourcePlatform = *platform
		}
		if len(tagsJSON) > 0 {
			_ = json.Unmarshal(tagsJSON, &entry.Tags)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("remote pgvector: iterate entries: %w", err)
	}
	return entries, nil
}

// Delete removes the entry; unknown IDs affect zero rows and are not an error.
func (r *PgvectorRemote) Delete(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM memories WHERE id = $1`, id); err != nil {
		return fmt.Errorf("remote pgvector: delete: %w", err)
	}
	return nil
}

// Ping reports database reachability.
func (r *PgvectorRemote) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("remote pgvector: ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *PgvectorRemote) Close() error {
	r.pool.Close()
	return nil
}

// Compile-time interface satisfaction check.
var _ RemoteStore = (*PgvectorRemote)(nil)
