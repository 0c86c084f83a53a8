package memory

import (
	"context"
	"math"
	"testing"
)

func TestChargramEmbedder_DeterministicAndNormalized(t *testing.T) {
	ctx := context.Background()
	e := NewChargramEmbedder()

	a, err := e.Embed(ctx, "reciprocal rank fusion across scopes")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := e.Embed(ctx, "reciprocal rank fusion across scopes")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(a) != 384 {
		t.Fatalf("dims = %d, want 384", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding not deterministic at %d", i)
		}
	}
	if norm := vectorNorm(a); math.Abs(norm-1) > 1e-5 {
		t.Fatalf("norm = %v, want 1", norm)
	}
}

func TestChargramEmbedder_SimilarTextsScoreCloser(t *testing.T) {
	ctx := context.Background()
	e := NewChargramEmbedder()

	base, _ := e.Embed(ctx, "database connection pool exhausted under load")
	near, _ := e.Embed(ctx, "connection pool for the database exhausted")
	far, _ := e.Embed(ctx, "the quick brown fox jumps over the lazy dog")

	if cosineSimilarity(base, near) <= cosineSimilarity(base, far) {
		t.Fatalf("similar=%v should beat dissimilar=%v",
			cosineSimilarity(base, near), cosineSimilarity(base, far))
	}
}

func TestCosineSimilarity_Bounds(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical vectors = %v, want 1", got)
	}
	if got := cosineSimilarity([]float32{1, 0}, []float32{0, 1}); math.Abs(got) > 1e-9 {
		t.Fatalf("orthogonal vectors = %v, want 0", got)
	}
	if got := cosineSimilarity(nil, []float32{1}); got != 0 {
		t.Fatalf("empty vector = %v, want 0", got)
	}
}
