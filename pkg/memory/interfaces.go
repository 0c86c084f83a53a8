package memory

import (
	"context"
	"time"
)

// ScopeStore persists records for exactly one scope. Implementations never
// traverse into another scope's data; cross-scope behavior lives in the
// retrieval and promotion engines. All methods return ErrConnectionUnavailable
// (wrapped) when the backing store is unreachable.
type ScopeStore interface {
	Scope() Scope
	Close() error

	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	Query(ctx context.Context, f Filter) ([]Record, error)
	Delete(ctx context.Context, id string) error

	// VectorSearch returns the k nearest active records by cosine similarity.
	VectorSearch(ctx context.Context, embedding []float32, k int) ([]Record, error)
	// KeywordSearch returns the k best active records by full-text relevance.
	KeywordSearch(ctx context.Context, query string, k int) ([]Record, error)

	// TouchOnRecall bumps access_count and last_accessed for recalled records.
	TouchOnRecall(ctx context.Context, ids []string, at time.Time) error
	// MarkStatus applies a lifecycle transition, enforcing acyclicity.
	MarkStatus(ctx context.Context, id string, next Status) error
	// AppendPromotion appends a chain entry under the store's write lock.
	// Appending an entry already present (same record_id and action) is a no-op.
	AppendPromotion(ctx context.Context, id string, entry PromotionEntry) error
	// UpdateEmbedding stores or replaces a record's embedding.
	UpdateEmbedding(ctx context.Context, id string, vector []float32, model string) error

	// PurgeArchived hard-deletes archived records older than cutoff and
	// returns how many were removed.
	PurgeArchived(ctx context.Context, cutoff time.Time) (int, error)

	PutLink(ctx context.Context, link Link) error
	Links(ctx context.Context, fromID string, limit int) ([]Link, error)

	Counts(ctx context.Context) (total int, byType map[MemoryType]int, err error)
	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}

// JobStore is the durable cool-path job queue, implemented by the project
// scope store. Jobs survive process restarts and are claimed under a lease.
type JobStore interface {
	EnqueueJob(ctx context.Context, job Job) error
	ClaimNextJob(ctx context.Context, now time.Time, lease time.Duration) (Job, bool, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, errMsg string) error
	RequeueExpiredJobs(ctx context.Context, now time.Time) error
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	ModelID() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Job is a durable background maintenance task.
type Job struct {
	ID         string
	Type       string
	Scope      Scope
	Payload    map[string]string
	Status     string
	Priority   int
	Error      string
	RunAfter   time.Time
	LeaseUntil time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Job types for background memory workers.
const (
	JobConsolidate  = "consolidate"
	JobPromoteSweep = "promote_sweep"
)

// Job status values.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)
