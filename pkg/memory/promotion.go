package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// PromotionPolicy holds the eligibility thresholds and merge cutoff.
type PromotionPolicy struct {
	SessionToProject       float64 // auto session->project eligibility threshold
	ProjectToUser          float64 // auto project->user eligibility threshold
	ProjectToUserMinAccess int     // repeated-relevance evidence for project->user
	MergeSimilarity        float64 // nearest-neighbor cosine above this merges
}

func DefaultPromotionPolicy() PromotionPolicy {
	return PromotionPolicy{
		SessionToProject:       0.6,
		ProjectToUser:          0.7,
		ProjectToUserMinAccess: 3,
		MergeSimilarity:        0.85,
	}
}

// EligibilityScore decides whether a record is worth promoting at all,
// independent of the merge-vs-create choice. Non-decreasing in importance,
// confidence and access count.
func EligibilityScore(r Record) float64 {
	score := clamp01(r.Importance)*0.4 + clamp01(r.Confidence)*0.3
	access := math.Log10(float64(r.AccessCount)+1) / 2
	if access > 0.2 {
		access = 0.2
	}
	score += access + typeBonus(r.Type)
	if len(r.Embedding) > 0 {
		score += 0.05
	}
	return score
}

func typeBonus(t MemoryType) float64 {
	switch t {
	case TypePattern, TypeConvention, TypeProcedure:
		return 0.10
	case TypeDecision, TypeErrorFix, TypeArchitecture:
		return 0.08
	case TypePreference, TypeFact:
		return 0.06
	}
	return 0
}

// ShouldAutoPromote applies the per-tier thresholds. Scratchpad and tool
// outcome records never auto-promote; explicit caller-driven promotion
// bypasses this entirely.
func (p PromotionPolicy) ShouldAutoPromote(r Record) bool {
	if r.Type == TypeScratchpad || r.Type == TypeToolOutcome {
		return false
	}
	score := EligibilityScore(r)
	switch r.Scope {
	case ScopeSession:
		return score >= p.SessionToProject
	case ScopeProject:
		return score >= p.ProjectToUser && r.AccessCount >= p.ProjectToUserMinAccess
	}
	return false
}

// Promoter moves records into broader scopes, merging with near-duplicates.
type Promoter struct {
	stores map[Scope]ScopeStore
	policy PromotionPolicy
	log    *slog.Logger
}

func NewPromoter(stores map[Scope]ScopeStore, policy PromotionPolicy, log *slog.Logger) *Promoter {
	if log == nil {
		log = slog.Default()
	}
	return &Promoter{stores: stores, policy: policy, log: log}
}

// Promote moves rec into target. The ordering is create-or-merge in the
// target first, mark-source-promoted last, so a crash in between leaves
// a replayable state and never a half-promoted record. Replaying an
// already-applied promotion is a no-op.
func (p *Promoter) Promote(ctx context.Context, rec Record, target Scope, reason string) (PromotionResult, error) {
	if !target.Valid() {
		return PromotionResult{}, fmt.Errorf("%w: unknown target scope %q", ErrValidation, target)
	}
	if !target.BroaderThan(rec.Scope) {
		return PromotionResult{}, fmt.Errorf("%w: target scope %s is not broader than %s", ErrValidation, target, rec.Scope)
	}
	targetStore, ok := p.stores[target]
	if !ok {
		return PromotionResult{}, fmt.Errorf("%w: no store for scope %s", ErrValidation, target)
	}
	sourceStore, ok := p.stores[rec.Scope]
	if !ok {
		return PromotionResult{}, fmt.Errorf("%w: no store for scope %s", ErrValidation, rec.Scope)
	}

	if rec.Status == StatusPromoted {
		return p.replayOutcome(ctx, targetStore, rec)
	}

	result, err := p.apply(ctx, targetStore, rec, reason)
	if err != nil {
		return PromotionResult{}, err
	}

	if err := sourceStore.MarkStatus(ctx, rec.ID, StatusPromoted); err != nil {
		// Target write landed; the source stays active and the next attempt
		// replays idempotently.
		return PromotionResult{}, fmt.Errorf("mark source promoted: %w", err)
	}

	p.log.Info("memory promoted",
		"source_id", rec.ID,
		"source_scope", rec.Scope,
		"target_id", result.TargetID,
		"target_scope", target,
		"action", result.Action,
		"reason", reason,
	)
	_ = targetStore.AddMetric(ctx, "memory.promotion."+result.Action, 1, map[string]string{
		"from": string(rec.Scope), "to": string(target),
	})
	return result, nil
}

func (p *Promoter) apply(ctx context.Context, targetStore ScopeStore, rec Record, reason string) (PromotionResult, error) {
	entry := PromotionEntry{Scope: rec.Scope, RecordID: rec.ID, At: time.Now()}

	if len(rec.Embedding) > 0 {
		neighbor, sim, err := p.nearestMergeTarget(ctx, targetStore, rec)
		if err != nil {
			return PromotionResult{}, err
		}
		if neighbor != nil {
			if hasChainEntry(neighbor.Chain, rec.Scope, rec.ID, PromotionMerged) {
				return PromotionResult{Action: PromotionMerged, TargetID: neighbor.ID, Reason: "already merged"}, nil
			}
			merged := *neighbor
			if rec.Importance > merged.Importance {
				merged.Importance = rec.Importance
			}
			merged.Confidence = math.Min(merged.Confidence+0.05, 1.0)
			merged.AccessCount++
			if err := targetStore.Put(ctx, merged); err != nil {
				return PromotionResult{}, fmt.Errorf("merge target record: %w", err)
			}
			entry.Action = PromotionMerged
			if err := targetStore.AppendPromotion(ctx, merged.ID, entry); err != nil {
				return PromotionResult{}, fmt.Errorf("append merge lineage: %w", err)
			}
			return PromotionResult{
				Action:   PromotionMerged,
				TargetID: merged.ID,
				Reason:   fmt.Sprintf("nearest neighbor similarity %.3f (%s)", sim, reason),
			}, nil
		}
	}

	// No embedding or no close neighbor: create. The id survives promotion;
	// the new record lives in the target scope under the same identifier.
	created := rec
	created.Scope = targetStore.Scope()
	created.Status = StatusActive
	entry.Action = PromotionCreated
	created.Chain = append(append([]PromotionEntry{}, rec.Chain...), entry)
	if err := targetStore.Put(ctx, created); err != nil {
		return PromotionResult{}, fmt.Errorf("create promoted record: %w", err)
	}
	return PromotionResult{Action: PromotionCreated, TargetID: created.ID, Reason: reason}, nil
}

// nearestMergeTarget returns the best merge candidate above the similarity
// cutoff among the 3 nearest neighbors. When several qualify with equal
// similarity, the one with higher existing importance wins.
func (p *Promoter) nearestMergeTarget(ctx context.Context, targetStore ScopeStore, rec Record) (*Record, float64, error) {
	neighbors, err := targetStore.VectorSearch(ctx, rec.Embedding, 3)
	if err != nil {
		return nil, 0, fmt.Errorf("search merge candidates: %w", err)
	}
	var best *Record
	bestSim := 0.0
	for i := range neighbors {
		n := &neighbors[i]
		sim := cosineSimilarity(rec.Embedding, n.Embedding)
		if sim <= p.policy.MergeSimilarity {
			continue
		}
		if best == nil || sim > bestSim || (sim == bestSim && n.Importance > best.Importance) {
			best = n
			bestSim = sim
		}
	}
	return best, bestSim, nil
}

// replayOutcome resolves a promotion that already happened: it locates the
// target record and reports the original action without mutating anything.
func (p *Promoter) replayOutcome(ctx context.Context, targetStore ScopeStore, rec Record) (PromotionResult, error) {
	if existing, err := targetStore.Get(ctx, rec.ID); err == nil {
		if hasChainEntry(existing.Chain, rec.Scope, rec.ID, PromotionCreated) {
			return PromotionResult{Action: PromotionCreated, TargetID: existing.ID, Reason: "replay"}, nil
		}
	}
	if len(rec.Embedding) > 0 {
		neighbors, err := targetStore.VectorSearch(ctx, rec.Embedding, 3)
		if err == nil {
			for _, n := range neighbors {
				if hasChainEntry(n.Chain, rec.Scope, rec.ID, PromotionMerged) {
					return PromotionResult{Action: PromotionMerged, TargetID: n.ID, Reason: "replay"}, nil
				}
			}
		}
	}
	return PromotionResult{}, fmt.Errorf("%w: record %s already promoted but target not found", ErrDuplicateConflict, rec.ID)
}

func hasChainEntry(chain []PromotionEntry, scope Scope, recordID, action string) bool {
	for _, e := range chain {
		if e.Scope == scope && e.RecordID == recordID && e.Action == action {
			return true
		}
	}
	return false
}
