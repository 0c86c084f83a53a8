package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
)

// rrfK is the Reciprocal Rank Fusion constant; ranks are 0-based.
const rrfK = 60

// Final score blend: fused rank relevance dominates, importance and decayed
// strength each contribute a fifth.
const (
	finalRRFWeight        = 0.6
	finalImportanceWeight = 0.2
	finalStrengthWeight   = 0.2
)

// dedupSimilarity collapses near-identical candidates after the cross-scope merge.
const dedupSimilarity = 0.90

// DefaultScopeWeights is the stock cross-scope weighting profile.
func DefaultScopeWeights() map[Scope]float64 {
	return map[Scope]float64{
		ScopeSession: 0.50,
		ScopeProject: 0.35,
		ScopeUser:    0.15,
	}
}

// RecallOptions controls hybrid retrieval.
type RecallOptions struct {
	Scopes       []Scope
	Types        []MemoryType
	Limit        int
	MinStrength  float64
	K            int // per-list search depth inside each scope
	ScopeTimeout time.Duration
	ScopeWeights map[Scope]float64
	Now          time.Time
	BypassCache  bool
}

// Retriever runs per-scope hybrid search and merges across scopes.
type Retriever struct {
	stores   map[Scope]ScopeStore
	embedder Embedder
	params   map[Scope]ScopeParams
	cache    *expirable.LRU[string, RecallResult]
	log      *slog.Logger
}

func NewRetriever(stores map[Scope]ScopeStore, embedder Embedder, params map[Scope]ScopeParams, cacheTTL time.Duration, log *slog.Logger) *Retriever {
	if log == nil {
		log = slog.Default()
	}
	if cacheTTL <= 0 {
		cacheTTL = 20 * time.Second
	}
	return &Retriever{
		stores:   stores,
		embedder: embedder,
		params:   params,
		cache:    expirable.NewLRU[string, RecallResult](256, nil, cacheTTL),
		log:      log,
	}
}

// Recall never fails on backend trouble: scopes that error or time out
// contribute empty lists and flip the Degraded flag.
func (r *Retriever) Recall(ctx context.Context, query string, opts RecallOptions) RecallResult {
	query = strings.TrimSpace(query)
	if query == "" {
		return RecallResult{}
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.K <= 0 {
		opts.K = opts.Limit * 3
	}
	if opts.ScopeTimeout <= 0 {
		opts.ScopeTimeout = 2 * time.Second
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = AllScopes()
	}
	if len(opts.ScopeWeights) == 0 {
		opts.ScopeWeights = DefaultScopeWeights()
	}

	key := r.cacheKey(query, opts)
	if !opts.BypassCache {
		if cached, ok := r.cache.Get(key); ok {
			return cached
		}
	}

	queryVec, embedErr := r.embedder.Embed(ctx, query)
	if embedErr != nil {
		// Keyword-only retrieval still works without a query vector.
		r.log.Warn("recall query embedding failed, keyword-only", "error", embedErr)
		queryVec = nil
	}

	type scopeOutcome struct {
		results []ScoredRecord
		failed  bool
	}
	outcomes := make([]scopeOutcome, len(opts.Scopes))

	g, gctx := errgroup.WithContext(ctx)
	for i, scope := range opts.Scopes {
		store, ok := r.stores[scope]
		if !ok {
			continue
		}
		i, scope := i, scope
		g.Go(func() error {
			scopeCtx, cancel := context.WithTimeout(gctx, opts.ScopeTimeout)
			defer cancel()
			results, err := r.searchScope(scopeCtx, store, query, queryVec, opts)
			if err != nil {
				r.log.Warn("scope search degraded", "scope", scope, "error", err)
				outcomes[i] = scopeOutcome{failed: true}
				return nil
			}
			outcomes[i] = scopeOutcome{results: results}
			return nil
		})
	}
	_ = g.Wait()

	merged := []ScoredRecord{}
	degraded := false
	for i, scope := range opts.Scopes {
		if outcomes[i].failed {
			degraded = true
			continue
		}
		weight, ok := opts.ScopeWeights[scope]
		if !ok {
			weight = 1
		}
		for _, sr := range outcomes[i].results {
			sr.Final *= weight
			merged = append(merged, sr)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Final > merged[j].Final })
	deduped := dedupCandidates(merged)
	if len(deduped) > opts.Limit {
		deduped = deduped[:opts.Limit]
	}

	result := RecallResult{Results: deduped, Degraded: degraded}
	if !degraded {
		r.cache.Add(key, result)
	}
	r.touchRecalled(ctx, deduped, opts.Now)
	return result
}

// searchScope runs the vector and keyword searches for one scope and fuses
// the two ranked lists with Reciprocal Rank Fusion.
func (r *Retriever) searchScope(ctx context.Context, store ScopeStore, query string, queryVec []float32, opts RecallOptions) ([]ScoredRecord, error) {
	scope := store.Scope()

	var vecList []Record
	if len(queryVec) > 0 {
		var err error
		vecList, err = store.VectorSearch(ctx, queryVec, opts.K)
		if err != nil {
			return nil, scopeSearchError(scope, err)
		}
	}
	kwList, err := store.KeywordSearch(ctx, query, opts.K)
	if err != nil {
		return nil, scopeSearchError(scope, err)
	}

	type candidate struct {
		rec Record
		rrf float64
	}
	byID := map[string]*candidate{}
	addList := func(list []Record) {
		for rank, rec := range list {
			c, ok := byID[rec.ID]
			if !ok {
				c = &candidate{rec: rec}
				byID[rec.ID] = c
			}
			if len(c.rec.Embedding) == 0 && len(rec.Embedding) > 0 {
				c.rec.Embedding = rec.Embedding
			}
			c.rrf += 1.0 / float64(rrfK+rank)
		}
	}
	addList(vecList)
	addList(kwList)

	params, ok := r.params[scope]
	if !ok {
		params = DefaultScopeParams(scope)
	}

	typeFilter := map[MemoryType]struct{}{}
	for _, t := range opts.Types {
		typeFilter[t] = struct{}{}
	}

	maxRRF := 0.0
	for _, c := range byID {
		if c.rrf > maxRRF {
			maxRRF = c.rrf
		}
	}

	out := make([]ScoredRecord, 0, len(byID))
	for _, c := range byID {
		if len(typeFilter) > 0 {
			if _, ok := typeFilter[c.rec.Type]; !ok {
				continue
			}
		}
		strength := StrengthWithParams(c.rec, opts.Now, params)
		if strength < opts.MinStrength {
			continue
		}
		normRRF := 0.0
		if maxRRF > 0 {
			normRRF = c.rrf / maxRRF
		}
		final := finalRRFWeight*normRRF +
			finalImportanceWeight*clamp01(c.rec.Importance) +
			finalStrengthWeight*strength
		out = append(out, ScoredRecord{
			Record:   c.rec,
			Scope:    scope,
			RRF:      c.rrf,
			Strength: strength,
			Final:    final,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Final > out[j].Final })
	return out, nil
}

// scopeSearchError surfaces a deadline overrun as ErrTimeout; anything else
// passes through untouched.
func scopeSearchError(scope Scope, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s scope search: %v", ErrTimeout, scope, err)
	}
	return err
}

// dedupCandidates collapses pairs above the similarity threshold to a single
// representative. Input must be sorted by Final descending.
func dedupCandidates(sorted []ScoredRecord) []ScoredRecord {
	kept := make([]ScoredRecord, 0, len(sorted))
	for _, cand := range sorted {
		dupIdx := -1
		for i, k := range kept {
			if cand.Record.ID == k.Record.ID {
				dupIdx = i
				break
			}
			if len(cand.Record.Embedding) == 0 || len(k.Record.Embedding) == 0 {
				continue
			}
			if cosineSimilarity(cand.Record.Embedding, k.Record.Embedding) > dedupSimilarity {
				dupIdx = i
				break
			}
		}
		if dupIdx < 0 {
			kept = append(kept, cand)
			continue
		}
		kept[dupIdx] = preferDuplicate(kept[dupIdx], cand)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Final > kept[j].Final })
	return kept
}

// preferDuplicate picks the surviving representative of a near-duplicate pair:
// highest final score wins; on a tie the broader scope wins unless the
// narrower candidate's raw strength exceeds the broader one's by more than 2x.
func preferDuplicate(a, b ScoredRecord) ScoredRecord {
	if a.Final != b.Final {
		if a.Final > b.Final {
			return a
		}
		return b
	}
	broad, narrow := a, b
	if b.Scope.BroaderThan(a.Scope) {
		broad, narrow = b, a
	}
	if narrow.Strength > 2*broad.Strength {
		return narrow
	}
	return broad
}

func (r *Retriever) touchRecalled(ctx context.Context, results []ScoredRecord, at time.Time) {
	byScope := map[Scope][]string{}
	for _, sr := range results {
		byScope[sr.Scope] = append(byScope[sr.Scope], sr.Record.ID)
	}
	for scope, ids := range byScope {
		store, ok := r.stores[scope]
		if !ok {
			continue
		}
		if err := store.TouchOnRecall(ctx, ids, at); err != nil {
			r.log.Debug("touch on recall failed", "scope", scope, "error", err)
		}
		_ = store.AddMetric(ctx, "memory.recall.results", float64(len(ids)), map[string]string{"scope": string(scope)})
	}
}

func (r *Retriever) cacheKey(query string, opts RecallOptions) string {
	scopes := make([]string, 0, len(opts.Scopes))
	for _, s := range opts.Scopes {
		scopes = append(scopes, string(s))
	}
	types := make([]string, 0, len(opts.Types))
	for _, t := range opts.Types {
		types = append(types, string(t))
	}
	payload := fmt.Sprintf("%s|%s|%s|%d|%.3f|%d|%s",
		strings.ToLower(query),
		strings.Join(scopes, ","),
		strings.Join(types, ","),
		opts.Limit,
		opts.MinStrength,
		opts.K,
		r.embedder.ModelID(),
	)
	h := sha1.Sum([]byte(payload))
	return "recall:" + hex.EncodeToString(h[:])
}
