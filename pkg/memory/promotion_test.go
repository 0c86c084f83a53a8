package memory

import (
	"context"
	"errors"
	"testing"
)

func newTestPromoter(t *testing.T, stores map[Scope]ScopeStore) *Promoter {
	t.Helper()
	return NewPromoter(stores, DefaultPromotionPolicy(), nil)
}

func TestPromote_CreatesInTargetScope(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)
	p := newTestPromoter(t, stores)

	src := putTestRecord(t, stores[ScopeSession], Record{
		Scope:         ScopeSession,
		Type:          TypeDecision,
		Content:       "we chose ULIDs for record identifiers",
		Importance:    0.8,
		Confidence:    0.9,
		SourceSession: "sess-42",
	})

	result, err := p.Promote(ctx, src, ScopeProject, "manual")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if result.Action != PromotionCreated {
		t.Fatalf("action = %s, want created", result.Action)
	}
	if result.TargetID != src.ID {
		t.Fatalf("target id = %s, want the source id carried over", result.TargetID)
	}

	promoted, err := stores[ScopeProject].Get(ctx, src.ID)
	if err != nil {
		t.Fatalf("get promoted: %v", err)
	}
	if promoted.Scope != ScopeProject || promoted.Status != StatusActive {
		t.Fatalf("promoted record = %s/%s", promoted.Scope, promoted.Status)
	}
	if len(promoted.Chain) != 1 || promoted.Chain[0].Action != PromotionCreated || promoted.Chain[0].RecordID != src.ID {
		t.Fatalf("chain = %#v", promoted.Chain)
	}
	if promoted.SourceSession != "sess-42" {
		t.Fatalf("source session = %q, want the provenance carried over", promoted.SourceSession)
	}

	source, err := stores[ScopeSession].Get(ctx, src.ID)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if source.Status != StatusPromoted {
		t.Fatalf("source status = %s, want promoted", source.Status)
	}
}

func TestPromote_MergesWithNearDuplicate(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)
	p := newTestPromoter(t, stores)

	existing := putTestRecord(t, stores[ScopeProject], Record{
		Scope:      ScopeProject,
		Type:       TypeConvention,
		Content:    "handlers return wrapped errors up the stack",
		Importance: 0.5,
		Confidence: 0.6,
	})
	src := putTestRecord(t, stores[ScopeSession], Record{
		Scope:      ScopeSession,
		Type:       TypeConvention,
		Content:    "handlers return wrapped errors up the stack",
		Importance: 0.9,
		Confidence: 0.4,
	})

	result, err := p.Promote(ctx, src, ScopeProject, "manual")
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if result.Action != PromotionMerged {
		t.Fatalf("action = %s, want merged", result.Action)
	}
	if result.TargetID != existing.ID {
		t.Fatalf("target = %s, want the existing record", result.TargetID)
	}

	merged, err := stores[ScopeProject].Get(ctx, existing.ID)
	if err != nil {
		t.Fatalf("get merged: %v", err)
	}
	if merged.Importance != 0.9 {
		t.Fatalf("merged importance = %v, want max(0.5, 0.9)", merged.Importance)
	}
	if merged.Confidence < 0.649 || merged.Confidence > 0.651 {
		t.Fatalf("merged confidence = %v, want 0.6+0.05", merged.Confidence)
	}
	if merged.AccessCount != 1 {
		t.Fatalf("merged access count = %d, want 1", merged.AccessCount)
	}
	if len(merged.Chain) != 1 || merged.Chain[0].Action != PromotionMerged || merged.Chain[0].RecordID != src.ID {
		t.Fatalf("chain = %#v", merged.Chain)
	}
}

func TestPromote_ReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)
	p := newTestPromoter(t, stores)

	existing := putTestRecord(t, stores[ScopeProject], Record{
		Scope:      ScopeProject,
		Type:       TypeConvention,
		Content:    "migrations apply inside a transaction",
		Importance: 0.5,
		Confidence: 0.6,
	})
	src := putTestRecord(t, stores[ScopeSession], Record{
		Scope:      ScopeSession,
		Type:       TypeConvention,
		Content:    "migrations apply inside a transaction",
		Importance: 0.7,
		Confidence: 0.7,
	})

	first, err := p.Promote(ctx, src, ScopeProject, "manual")
	if err != nil {
		t.Fatalf("first promote: %v", err)
	}

	// Replay with the post-promotion source state, as a retry would.
	replaySrc, err := stores[ScopeSession].Get(ctx, src.ID)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	second, err := p.Promote(ctx, replaySrc, ScopeProject, "manual")
	if err != nil {
		t.Fatalf("replay promote: %v", err)
	}
	if second.Action != first.Action || second.TargetID != first.TargetID {
		t.Fatalf("replay result %#v != first %#v", second, first)
	}

	merged, err := stores[ScopeProject].Get(ctx, existing.ID)
	if err != nil {
		t.Fatalf("get merged: %v", err)
	}
	if merged.AccessCount != 1 {
		t.Fatalf("replay bumped access count to %d, want exactly 1", merged.AccessCount)
	}
}

func TestPromote_RejectsNarrowerTarget(t *testing.T) {
	ctx := context.Background()
	stores := newTestStores(t)
	p := newTestPromoter(t, stores)

	rec := putTestRecord(t, stores[ScopeUser], Record{Scope: ScopeUser, Content: "cannot demote this"})
	if _, err := p.Promote(ctx, rec, ScopeProject, "manual"); !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if _, err := p.Promote(ctx, rec, ScopeUser, "manual"); !errors.Is(err, ErrValidation) {
		t.Fatalf("same-scope err = %v, want ErrValidation", err)
	}
}

func TestEligibilityScore_MonotonicInImportance(t *testing.T) {
	low := Record{Type: TypeFact, Importance: 0.2, Confidence: 0.5}
	high := Record{Type: TypeFact, Importance: 0.9, Confidence: 0.5}
	if EligibilityScore(low) >= EligibilityScore(high) {
		t.Fatal("eligibility should grow with importance")
	}
}

func TestEligibilityScore_MonotonicInConfidenceAndAccess(t *testing.T) {
	base := Record{Type: TypeFact, Importance: 0.5, Confidence: 0.3}

	confident := base
	confident.Confidence = 0.9
	if EligibilityScore(base) >= EligibilityScore(confident) {
		t.Fatal("eligibility should grow with confidence")
	}

	accessed := base
	accessed.AccessCount = 10
	if EligibilityScore(base) >= EligibilityScore(accessed) {
		t.Fatal("eligibility should grow with access count")
	}

	// The access term is capped so raw popularity cannot dominate.
	hot := base
	hot.AccessCount = 1_000_000
	if EligibilityScore(hot)-EligibilityScore(base) > 0.2+1e-9 {
		t.Fatalf("access contribution = %v, want at most 0.2", EligibilityScore(hot)-EligibilityScore(base))
	}
}

func TestShouldAutoPromote_Thresholds(t *testing.T) {
	policy := DefaultPromotionPolicy()

	strong := Record{
		Scope:      ScopeSession,
		Type:       TypePattern,
		Importance: 0.9,
		Confidence: 0.9,
		Embedding:  []float32{1},
	}
	if !policy.ShouldAutoPromote(strong) {
		t.Fatal("high-value session pattern should auto-promote")
	}

	weak := Record{Scope: ScopeSession, Type: TypeFact, Importance: 0.2, Confidence: 0.2}
	if policy.ShouldAutoPromote(weak) {
		t.Fatal("weak record should not auto-promote")
	}

	// Project->user additionally requires repeated access.
	projectStrong := strong
	projectStrong.Scope = ScopeProject
	projectStrong.AccessCount = 0
	if policy.ShouldAutoPromote(projectStrong) {
		t.Fatal("project record without accesses should not auto-promote")
	}
	projectStrong.AccessCount = 3
	if !policy.ShouldAutoPromote(projectStrong) {
		t.Fatal("accessed project pattern should auto-promote")
	}
}

func TestShouldAutoPromote_EphemeralTypesNever(t *testing.T) {
	policy := DefaultPromotionPolicy()
	for _, typ := range []MemoryType{TypeScratchpad, TypeToolOutcome} {
		rec := Record{
			Scope:       ScopeSession,
			Type:        typ,
			Importance:  1,
			Confidence:  1,
			AccessCount: 100,
			Embedding:   []float32{1},
		}
		if policy.ShouldAutoPromote(rec) {
			t.Fatalf("%s should never auto-promote", typ)
		}
	}
}
