package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ConsolidationConfig tunes the periodic same-scope maintenance pass.
type ConsolidationConfig struct {
	// ClusterThreshold: records of the same type with cosine similarity at or
	// above this cluster together.
	ClusterThreshold float64
	// MinClusterSize: clusters smaller than this are left alone.
	MinClusterSize int
	// Window bounds how far back clustering looks.
	Window time.Duration
}

func DefaultConsolidationConfig() ConsolidationConfig {
	return ConsolidationConfig{
		ClusterThreshold: 0.92,
		MinClusterSize:   10,
		Window:           30 * 24 * time.Hour,
	}
}

const (
	ConsolidationSummarize = "summarize"
	ConsolidationArchive   = "archive"
	ConsolidationDelete    = "delete"
)

// Consolidator clusters and summarizes same-scope records and runs the
// decay-driven archival sweep. Cool-path only: it never runs on the
// interactive read path.
type Consolidator struct {
	stores   map[Scope]ScopeStore
	embedder Embedder
	params   map[Scope]ScopeParams
	cfg      ConsolidationConfig
	log      *slog.Logger
}

func NewConsolidator(stores map[Scope]ScopeStore, embedder Embedder, params map[Scope]ScopeParams, cfg ConsolidationConfig, log *slog.Logger) *Consolidator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ClusterThreshold <= 0 {
		cfg = DefaultConsolidationConfig()
	}
	return &Consolidator{stores: stores, embedder: embedder, params: params, cfg: cfg, log: log}
}

// Plan computes the consolidation candidates for a scope without side
// effects. This is the dryRun surface.
func (c *Consolidator) Plan(ctx context.Context, scope Scope, now time.Time) ([]ConsolidationCandidate, error) {
	store, ok := c.stores[scope]
	if !ok {
		return nil, fmt.Errorf("%w: no store for scope %s", ErrValidation, scope)
	}
	params, ok := c.params[scope]
	if !ok {
		params = DefaultScopeParams(scope)
	}

	active, err := store.Query(ctx, Filter{
		Statuses: []Status{StatusActive},
		Since:    now.Add(-c.cfg.Window),
		Limit:    2000,
	})
	if err != nil {
		return nil, fmt.Errorf("load consolidation candidates: %w", err)
	}

	out := []ConsolidationCandidate{}
	for _, cluster := range c.clusterByType(active) {
		if len(cluster) < c.cfg.MinClusterSize {
			continue
		}
		ids := make([]string, 0, len(cluster))
		for _, r := range cluster {
			ids = append(ids, r.ID)
		}
		out = append(out, ConsolidationCandidate{
			Action:    ConsolidationSummarize,
			Scope:     scope,
			Type:      cluster[0].Type,
			MemberIDs: ids,
			Summary:   summarizeCluster(cluster),
		})
	}

	// Archival sweep looks at everything active, not just the cluster window.
	allActive, err := store.Query(ctx, Filter{Statuses: []Status{StatusActive}, Limit: 5000})
	if err != nil {
		return nil, fmt.Errorf("load archival candidates: %w", err)
	}
	for _, r := range allActive {
		if params.ArchiveThreshold <= 0 {
			break
		}
		if r.AccessCount >= 2 {
			continue
		}
		if now.Sub(r.CreatedAt) < params.MinDwell {
			continue
		}
		if StrengthWithParams(r, now, params) >= params.ArchiveThreshold {
			continue
		}
		out = append(out, ConsolidationCandidate{
			Action:    ConsolidationArchive,
			Scope:     scope,
			Type:      r.Type,
			MemberIDs: []string{r.ID},
		})
	}

	if params.PurgeArchivedAfter > 0 {
		cutoff := now.Add(-params.PurgeArchivedAfter)
		archived, err := store.Query(ctx, Filter{Statuses: []Status{StatusArchived}, Until: cutoff, Limit: 5000})
		if err != nil {
			return nil, fmt.Errorf("load purge candidates: %w", err)
		}
		for _, r := range archived {
			if r.UpdatedAt.After(cutoff) {
				continue
			}
			out = append(out, ConsolidationCandidate{
				Action:    ConsolidationDelete,
				Scope:     scope,
				Type:      r.Type,
				MemberIDs: []string{r.ID},
			})
		}
	}
	return out, nil
}

// Run executes the plan: derived pattern records are created first, members
// marked consolidated second, so lineage is never lost. Originals are never
// deleted by summarization.
func (c *Consolidator) Run(ctx context.Context, scope Scope, now time.Time) (int, error) {
	plan, err := c.Plan(ctx, scope, now)
	if err != nil {
		return 0, err
	}
	store := c.stores[scope]
	applied := 0
	for _, cand := range plan {
		switch cand.Action {
		case ConsolidationSummarize:
			if err := c.applySummarize(ctx, store, cand, now); err != nil {
				return applied, err
			}
			applied++
		case ConsolidationArchive:
			for _, id := range cand.MemberIDs {
				if err := store.MarkStatus(ctx, id, StatusArchived); err != nil {
					return applied, fmt.Errorf("archive %s: %w", id, err)
				}
			}
			applied++
		case ConsolidationDelete:
			// Covered in one pass below.
		}
	}

	params := c.params[scope]
	if params.PurgeArchivedAfter > 0 {
		n, err := store.PurgeArchived(ctx, now.Add(-params.PurgeArchivedAfter))
		if err != nil {
			return applied, fmt.Errorf("purge archived: %w", err)
		}
		applied += n
	}

	_ = store.AddMetric(ctx, "memory.consolidation.applied", float64(applied), map[string]string{"scope": string(scope)})
	return applied, nil
}

func (c *Consolidator) applySummarize(ctx context.Context, store ScopeStore, cand ConsolidationCandidate, now time.Time) error {
	derived := Record{
		ID:         NewDerivedID(),
		Scope:      cand.Scope,
		Type:       TypePattern,
		Content:    cand.Summary,
		Importance: 0,
		Confidence: 0,
		Status:     StatusActive,
		CreatedAt:  now,
	}
	members, maxImportance, sumConfidence := 0, 0.0, 0.0
	for _, id := range cand.MemberIDs {
		rec, err := store.Get(ctx, id)
		if err != nil {
			continue
		}
		members++
		if rec.Importance > maxImportance {
			maxImportance = rec.Importance
		}
		sumConfidence += rec.Confidence
	}
	if members == 0 {
		return nil
	}
	derived.Importance = maxImportance
	derived.Confidence = clamp01(sumConfidence / float64(members))

	if vec, err := c.embedder.Embed(ctx, derived.Content); err == nil {
		derived.Embedding = vec
		derived.EmbeddingModel = c.embedder.ModelID()
	} else {
		c.log.Warn("derived record embedding failed, keyword-only", "error", err)
	}
	if err := store.Put(ctx, derived); err != nil {
		return fmt.Errorf("store derived record: %w", err)
	}
	for _, id := range cand.MemberIDs {
		if err := store.PutLink(ctx, Link{FromID: derived.ID, ToID: id, Relation: RelationDerivedFrom}); err != nil {
			return fmt.Errorf("link derived record: %w", err)
		}
		if err := store.MarkStatus(ctx, id, StatusConsolidated); err != nil {
			return fmt.Errorf("mark consolidated %s: %w", id, err)
		}
	}
	c.log.Info("cluster consolidated",
		"scope", cand.Scope, "type", cand.Type,
		"derived_id", derived.ID, "members", members,
	)
	return nil
}

// clusterByType greedily clusters records of the same memory type by
// embedding similarity. Records without embeddings never cluster.
func (c *Consolidator) clusterByType(records []Record) [][]Record {
	byType := map[MemoryType][]Record{}
	for _, r := range records {
		if len(r.Embedding) == 0 {
			continue
		}
		byType[r.Type] = append(byType[r.Type], r)
	}

	clusters := [][]Record{}
	for _, group := range byType {
		assigned := make([]bool, len(group))
		for i := range group {
			if assigned[i] {
				continue
			}
			cluster := []Record{group[i]}
			assigned[i] = true
			for j := i + 1; j < len(group); j++ {
				if assigned[j] {
					continue
				}
				if cosineSimilarity(group[i].Embedding, group[j].Embedding) >= c.cfg.ClusterThreshold {
					cluster = append(cluster, group[j])
					assigned[j] = true
				}
			}
			if len(cluster) > 1 {
				clusters = append(clusters, cluster)
			}
		}
	}
	return clusters
}

func summarizeCluster(cluster []Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Recurring %s across %d memories: ", cluster[0].Type, len(cluster))
	seen := 0
	for _, r := range cluster {
		text := strings.TrimSpace(r.Summary)
		if text == "" {
			text = strings.TrimSpace(r.Content)
		}
		if len(text) > 140 {
			text = text[:140] + "..."
		}
		if seen > 0 {
			b.WriteString("; ")
		}
		b.WriteString(text)
		seen++
		if seen >= 5 {
			break
		}
	}
	if len(cluster) > 5 {
		fmt.Fprintf(&b, "; and %d more", len(cluster)-5)
	}
	return b.String()
}
