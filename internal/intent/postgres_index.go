package intent

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
)

// PostgresIndex is an [Index] backed by a table of labelled example
// utterances and their embeddings, searched with pgvector's cosine-distance
// operator. It generalizes the teacher's semantic chunk index from
// free-text memory recall to fixed per-stage intent labels.
type PostgresIndex struct {
	pool *pgxpool.Pool
}

// NewPostgresIndex returns a PostgresIndex using pool. Call [EnsureSchema]
// once at startup to create the backing table if it does not exist.
func NewPostgresIndex(pool *pgxpool.Pool) *PostgresIndex {
	return &PostgresIndex{pool: pool}
}

// EnsureSchema creates the intent_examples table if it does not already exist.
func (p *PostgresIndex) EnsureSchema(ctx context.Context, dimensions int) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS intent_examples (
			id         BIGSERIAL PRIMARY KEY,
			stage_id   TEXT NOT NULL,
			label      TEXT NOT NULL,
			utterance  TEXT NOT NULL,
			embedding  VECTOR(%d) NOT NULL
		);
		CREATE INDEX IF NOT EXISTS intent_examples_stage_idx ON intent_examples (stage_id);`, dimensions)
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("intent postgres index: ensure schema: %w", err)
	}
	return nil
}

// AddExample inserts a seed utterance labelled label for stageID, with its
// pre-computed embedding. Deployments seed these offline from historical
// transcripts or hand-authored training phrases.
func (p *PostgresIndex) AddExample(ctx context.Context, stageID, label, utterance string, embedding []float32) error {
	const q = `INSERT INTO intent_examples (stage_id, label, utterance, embedding) VALUES ($1, $2, $3, $4)`
	_, err := p.pool.Exec(ctx, q, stageID, label, utterance, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("intent postgres index: add example: %w", err)
	}
	return nil
}

// Nearest implements [Index]. It restricts the search to rows whose
// stage_id matches stageID and whose label is one of candidates, returning
// the single closest example by cosine distance.
func (p *PostgresIndex) Nearest(ctx context.Context, stageID string, candidates []string, query []float32) (string, float64, bool, error) {
	if len(candidates) == 0 {
		return "", 0, false, nil
	}

	const q = `
		SELECT label, embedding <=> $1 AS distance
		FROM   intent_examples
		WHERE  stage_id = $2 AND label = ANY($3)
		ORDER  BY distance
		LIMIT  1`

	row := p.pool.QueryRow(ctx, q, pgvector.NewVector(query), stageID, candidates)

	var label string
	var distance float64
	if err := row.Scan(&label, &distance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, false, nil
		}
		return "", 0, false, fmt.Errorf("intent postgres index: nearest: %w", err)
	}
	return label, distance, true, nil
}
