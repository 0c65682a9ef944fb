// Package taskmeta implements Minsky's Postgres-backed task metadata
// store: structural/provenance metadata and embeddings live in two
// tables independent of the owning task backend, so migrating a task
// between backends never loses dependency information. Uses the same
// pgx/pgxpool wiring as internal/storage/pgstore; the embedding column
// uses pgvector/pgvector-go, the ecosystem adapter pgx needs to
// encode/decode Postgres' `vector` type.
package taskmeta

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/edobry/minsky/internal/errkit"
	"github.com/edobry/minsky/internal/task"
)

// StructuralMetadata captures the dependency graph slice of a task's
// metadata, stored as JSONB on the tasks table.
type StructuralMetadata struct {
	Parent       string   `json:"parent,omitempty"`
	Children     []string `json:"children,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// ProvenanceMetadata is the other half of a task's metadata.
type ProvenanceMetadata struct {
	OriginalRequirements string `json:"originalRequirements,omitempty"`
	AIEnhanced           bool   `json:"aiEnhanced,omitempty"`
	CreatedBy            string `json:"createdBy,omitempty"`
}

// BackendSync tracks the "backend.sync" slice of Task Metadata.
type BackendSync struct {
	LastSyncedAt time.Time `json:"lastSyncedAt,omitempty"`
	ExternalRef  string    `json:"externalRef,omitempty"`
}

// Record is one row of the shared tasks table: a snapshot of task
// content plus its structural/provenance/sync metadata, keyed by
// qualified id across all backends.
type Record struct {
	ID                 string
	Backend            string
	SourceTaskID       string
	Status             task.Status
	Title              string
	Spec               string
	ContentHash        string
	Structural         StructuralMetadata
	Provenance         ProvenanceMetadata
	BackendSync        BackendSync
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastIndexedAt time.Time
}

// Embedding is one row of task_embeddings.
type Embedding struct {
	TaskID        string
	Dimension     int
	Vector        pgvector.Vector
	ContentHash   string
	LastIndexedAt time.Time
}

// SimilarityResult is one row of a k-NN query, ordered by ascending
// distance (closer = more similar).
type SimilarityResult struct {
	TaskID   string
	Distance float32
}

// Store is the Postgres-backed metadata/embedding store.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Initialize creates both tables and the mandatory HNSW index (never
// IVFFlat) idempotently.
func (s *Store) Initialize(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	backend TEXT NOT NULL,
	source_task_id TEXT NOT NULL,
	status TEXT NOT NULL,
	title TEXT NOT NULL,
	spec TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	structural_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	provenance_metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	backend_sync JSONB NOT NULL DEFAULT '{}'::jsonb,
	last_indexed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS task_embeddings (
	task_id TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
	dimension INTEGER NOT NULL,
	embedding vector NOT NULL,
	content_hash TEXT NOT NULL,
	last_indexed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS task_embeddings_hnsw_idx
	ON task_embeddings USING hnsw (embedding vector_l2_ops);
`)
	if err != nil {
		return errkit.Internal(err)
	}
	return nil
}

// UpsertTask writes (insert-or-update) a task snapshot. It never writes
// to task_embeddings — embeddings are owned exclusively by the indexer,
// never by the task-metadata writer.
func (s *Store) UpsertTask(ctx context.Context, rec Record) error {
	structural, err := json.Marshal(rec.Structural)
	if err != nil {
		return errkit.Internal(err)
	}
	provenance, err := json.Marshal(rec.Provenance)
	if err != nil {
		return errkit.Internal(err)
	}
	backendSync, err := json.Marshal(rec.BackendSync)
	if err != nil {
		return errkit.Internal(err)
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO tasks (id, backend, source_task_id, status, title, spec, content_hash, structural_metadata, provenance_metadata, backend_sync, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
ON CONFLICT (id) DO UPDATE SET
	backend = excluded.backend,
	source_task_id = excluded.source_task_id,
	status = excluded.status,
	title = excluded.title,
	spec = excluded.spec,
	content_hash = excluded.content_hash,
	structural_metadata = excluded.structural_metadata,
	provenance_metadata = excluded.provenance_metadata,
	backend_sync = excluded.backend_sync,
	updated_at = now()
`, rec.ID, rec.Backend, rec.SourceTaskID, string(rec.Status), rec.Title, rec.Spec, rec.ContentHash,
		structural, provenance, backendSync)
	if err != nil {
		return errkit.Internal(err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (Record, bool, error) {
	var rec Record
	var status string
	var structural, provenance, backendSync []byte
	err := s.pool.QueryRow(ctx, `
SELECT id, backend, source_task_id, status, title, spec, content_hash, structural_metadata, provenance_metadata, backend_sync, created_at, updated_at, coalesce(last_indexed_at, 'epoch'::timestamptz)
FROM tasks WHERE id = $1`, id).Scan(
		&rec.ID, &rec.Backend, &rec.SourceTaskID, &status, &rec.Title, &rec.Spec, &rec.ContentHash,
		&structural, &provenance, &backendSync, &rec.CreatedAt, &rec.UpdatedAt, &rec.LastIndexedAt)
	if err == pgx.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errkit.Internal(err)
	}
	rec.Status = task.Status(status)
	if err := json.Unmarshal(structural, &rec.Structural); err != nil {
		return Record{}, false, errkit.Internal(err)
	}
	if err := json.Unmarshal(provenance, &rec.Provenance); err != nil {
		return Record{}, false, errkit.Internal(err)
	}
	if err := json.Unmarshal(backendSync, &rec.BackendSync); err != nil {
		return Record{}, false, errkit.Internal(err)
	}
	return rec, true, nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return errkit.Internal(err)
	}
	return nil
}

// UpsertEmbedding is the indexer's sole write path to task_embeddings.
func (s *Store) UpsertEmbedding(ctx context.Context, emb Embedding) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO task_embeddings (task_id, dimension, embedding, content_hash, last_indexed_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (task_id) DO UPDATE SET
	dimension = excluded.dimension,
	embedding = excluded.embedding,
	content_hash = excluded.content_hash,
	last_indexed_at = now()
`, emb.TaskID, emb.Dimension, emb.Vector, emb.ContentHash)
	if err != nil {
		return errkit.Internal(err)
	}
	return nil
}

func (s *Store) GetEmbedding(ctx context.Context, taskID string) (Embedding, bool, error) {
	var emb Embedding
	emb.TaskID = taskID
	err := s.pool.QueryRow(ctx, `
SELECT dimension, embedding, content_hash, last_indexed_at FROM task_embeddings WHERE task_id = $1`, taskID).
		Scan(&emb.Dimension, &emb.Vector, &emb.ContentHash, &emb.LastIndexedAt)
	if err == pgx.ErrNoRows {
		return Embedding{}, false, nil
	}
	if err != nil {
		return Embedding{}, false, errkit.Internal(err)
	}
	return emb, true, nil
}

// IsStale reports whether an embedding needs regeneration: its
// contentHash no longer matches the task's current contentHash.
func IsStale(emb Embedding, currentContentHash string) bool {
	return emb.ContentHash != currentContentHash
}

// SimilarTasks runs the k-NN query behind `tasks similar`: nearest
// neighbours by L2 distance, ordered by the HNSW index, filtered to
// distance <= maxDistance, excluding the query task itself.
func (s *Store) SimilarTasks(ctx context.Context, queryVector pgvector.Vector, excludeTaskID string, limit int, maxDistance float32) ([]SimilarityResult, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
SELECT task_id, embedding <-> $1 AS distance
FROM task_embeddings
WHERE task_id != $2
ORDER BY embedding <-> $1
LIMIT $3
`, queryVector, excludeTaskID, limit)
	if err != nil {
		return nil, errkit.Internal(err)
	}
	defer rows.Close()

	var out []SimilarityResult
	for rows.Next() {
		var r SimilarityResult
		if err := rows.Scan(&r.TaskID, &r.Distance); err != nil {
			return nil, errkit.Internal(err)
		}
		if r.Distance <= maxDistance {
			out = append(out, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errkit.Internal(err)
	}
	return out, nil
}

// HasCycle runs a DFS check: would adding dependency edge from->to
// introduce a cycle in the DAG implied by existing structural metadata?
// It is a standalone check, not a storage-layer guarantee: UpsertTask
// does not call it, and nothing in this module calls it before writing
// a dependency edge.
func HasCycle(edges map[string][]string, from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{}
	var dfs func(node string) bool
	dfs = func(node string) bool {
		if node == from {
			return true
		}
		if visited[node] {
			return false
		}
		visited[node] = true
		for _, next := range edges[node] {
			if dfs(next) {
				return true
			}
		}
		return false
	}
	return dfs(to)
}
