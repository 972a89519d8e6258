package intent_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/llmrtc/llmrtc/internal/intent"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if LLMRTC_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("LLMRTC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LLMRTC_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

func newTestIndex(t *testing.T) *intent.PostgresIndex {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS intent_examples CASCADE"); err != nil {
		t.Fatalf("drop schema: %v", err)
	}

	idx := intent.NewPostgresIndex(pool)
	if err := idx.EnsureSchema(ctx, 2); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return idx
}

func TestPostgresIndex_NearestRestrictsToStageAndCandidates(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	if err := idx.AddExample(ctx, "greeting", "has_issue", "my thing is broken", []float32{1, 0}); err != nil {
		t.Fatalf("AddExample: %v", err)
	}
	if err := idx.AddExample(ctx, "greeting", "wants_refund", "give me my money back", []float32{0, 1}); err != nil {
		t.Fatalf("AddExample: %v", err)
	}
	if err := idx.AddExample(ctx, "other_stage", "has_issue", "same label, different stage", []float32{1, 0}); err != nil {
		t.Fatalf("AddExample: %v", err)
	}

	label, distance, ok, err := idx.Nearest(ctx, "greeting", []string{"has_issue", "wants_refund"}, []float32{0.9, 0.1})
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if !ok {
		t.Fatal("Nearest: expected a match")
	}
	if label != "has_issue" {
		t.Errorf("label = %q, want %q", label, "has_issue")
	}
	if distance < 0 {
		t.Errorf("distance = %v, want >= 0", distance)
	}

	_, _, ok, err = idx.Nearest(ctx, "unseeded_stage", []string{"has_issue"}, []float32{1, 0})
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	if ok {
		t.Error("Nearest: expected no match for a stage with no seeded examples")
	}
}
