package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/queryhive/queryhive/discovery-engine/pkg/models"
)

// PgvectorIndex implements Index on PostgreSQL with the pgvector extension.
// This is the production path for multi-node deployments where the in-memory
// index cannot be shared. Requires pgvector installed on the target database.
type PgvectorIndex struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPgvectorIndex connects, migrates the vector table and returns the index.
func NewPgvectorIndex(ctx context.Context, connURL string, dimensions int) (*PgvectorIndex, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	ix := &PgvectorIndex{pool: pool, dimensions: dimensions}
	if err := ix.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}

	log.Info().Int("dims", dimensions).Msg("pgvector index initialized")
	return ix, nil
}

func (ix *PgvectorIndex) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS qh_resource_vectors (
			resource_id   TEXT NOT NULL,
			vector_type   TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			active        BOOLEAN NOT NULL DEFAULT TRUE,
			searchable    BOOLEAN NOT NULL DEFAULT TRUE,
			model         TEXT NOT NULL DEFAULT '',
			content_hash  TEXT NOT NULL DEFAULT '',
			norm          DOUBLE PRECISION NOT NULL DEFAULT 0,
			embedding     vector(%d) NOT NULL,
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (resource_id, vector_type)
		);

		CREATE INDEX IF NOT EXISTS idx_qh_vectors_rtype ON qh_resource_vectors (resource_type);
	`, ix.dimensions)

	_, err := ix.pool.Exec(ctx, ddl)
	return err
}

func (ix *PgvectorIndex) Upsert(ctx context.Context, rec *models.VectorRecord, rtype models.ResourceType, active bool) error {
	const q = `INSERT INTO qh_resource_vectors
		(resource_id, vector_type, resource_type, active, searchable, model, content_hash, norm, embedding, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7, $8, $9)
		ON CONFLICT (resource_id, vector_type) DO UPDATE SET
			resource_type = EXCLUDED.resource_type,
			active = EXCLUDED.active,
			searchable = TRUE,
			model = EXCLUDED.model,
			content_hash = EXCLUDED.content_hash,
			norm = EXCLUDED.norm,
			embedding = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at`

	_, err := ix.pool.Exec(ctx, q,
		rec.ResourceID, string(rec.VectorType), string(rtype), active,
		rec.Model, rec.ContentHash, rec.Norm, vectorLiteral(rec.Embedding), rec.UpdatedAt)
	return err
}

func (ix *PgvectorIndex) Get(ctx context.Context, resourceID string, vt models.VectorType) (*models.VectorRecord, error) {
	const q = `SELECT model, content_hash, norm, updated_at
		FROM qh_resource_vectors WHERE resource_id = $1 AND vector_type = $2`

	rec := models.VectorRecord{ResourceID: resourceID, VectorType: vt, Dimensions: ix.dimensions}
	err := ix.pool.QueryRow(ctx, q, resourceID, string(vt)).
		Scan(&rec.Model, &rec.ContentHash, &rec.Norm, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pgvector get: %w", err)
	}
	return &rec, nil
}

func (ix *PgvectorIndex) Remove(ctx context.Context, resourceID string) error {
	_, err := ix.pool.Exec(ctx, "DELETE FROM qh_resource_vectors WHERE resource_id = $1", resourceID)
	return err
}

func (ix *PgvectorIndex) SetActive(ctx context.Context, resourceID string, active bool) error {
	_, err := ix.pool.Exec(ctx, "UPDATE qh_resource_vectors SET active = $2 WHERE resource_id = $1", resourceID, active)
	return err
}

func (ix *PgvectorIndex) SetSearchable(ctx context.Context, resourceID string, searchable bool) error {
	_, err := ix.pool.Exec(ctx, "UPDATE qh_resource_vectors SET searchable = $2 WHERE resource_id = $1", resourceID, searchable)
	return err
}

func (ix *PgvectorIndex) Search(ctx context.Context, query []float64, topK int, types []models.ResourceType, activeOnly bool) ([]Hit, error) {
	q, args := searchQuery(query, topK, types, activeOnly)

	rows, err := ix.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var vt string
		if err := rows.Scan(&h.ResourceID, &vt, &h.Similarity); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		h.VectorType = models.VectorType(vt)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return hits, nil
}

// searchQuery builds the ranked per-resource query. The inner DISTINCT ON
// keeps only the best-scoring facet per resource; because DISTINCT ON forces
// the inner ordering to start with resource_id, the similarity ranking and
// the top-K LIMIT must be applied outside it, never inside.
func searchQuery(query []float64, topK int, types []models.ResourceType, activeOnly bool) (string, []any) {
	where := "searchable"
	args := []any{vectorLiteral(query)}
	argIdx := 2
	if activeOnly {
		where += " AND active"
	}
	if len(types) > 0 {
		strs := make([]string, len(types))
		for i, t := range types {
			strs[i] = string(t)
		}
		where += fmt.Sprintf(" AND resource_type = ANY($%d)", argIdx)
		args = append(args, strs)
		argIdx++
	}

	q := fmt.Sprintf(`SELECT resource_id, vector_type, similarity FROM (
			SELECT DISTINCT ON (resource_id)
				resource_id, vector_type, GREATEST(1 - (embedding <=> $1), 0) AS similarity
			FROM qh_resource_vectors
			WHERE %s
			ORDER BY resource_id, embedding <=> $1
		) best
		ORDER BY similarity DESC, resource_id
		LIMIT $%d`, where, argIdx)
	args = append(args, topK)
	return q, args
}

func (ix *PgvectorIndex) Count(ctx context.Context) (int, error) {
	var count int
	err := ix.pool.QueryRow(ctx, "SELECT COUNT(*) FROM qh_resource_vectors").Scan(&count)
	return count, err
}

// Close releases the connection pool.
func (ix *PgvectorIndex) Close() {
	ix.pool.Close()
}

// vectorLiteral renders a float slice in pgvector's text format: [1,2,3]
func vectorLiteral(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%g", f)
	}
	sb.WriteByte(']')
	return sb.String()
}
