package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/dotsetgreg/memtier/pkg/bus"
)

const (
	defaultMaintenanceCron = "*/30 * * * *"
	defaultWorkerPoll      = 5 * time.Second
	defaultWorkerLease     = 2 * time.Minute
	defaultQueueDepth      = 256
	defaultCacheTTL        = 20 * time.Second
)

// Config holds everything the memory service needs to run.
type Config struct {
	// DataDir is where the project and user databases live. The session
	// store is always in-memory and dies with the process.
	DataDir string

	// ProjectDBPath and UserDBPath override the DataDir-derived defaults.
	ProjectDBPath string
	UserDBPath    string

	ScopeWeights    map[Scope]float64
	Promotion       PromotionPolicy
	Consolidation   ConsolidationConfig
	MaintenanceCron string
	QueueDepth      int
	WorkerPoll      time.Duration
	WorkerLease     time.Duration
	CacheTTL        time.Duration
	ScopeTimeout    time.Duration

	Embedder Embedder
	Logger   *slog.Logger
}

func (c *Config) withDefaults() {
	if c.ScopeWeights == nil {
		c.ScopeWeights = DefaultScopeWeights()
	}
	if c.Promotion == (PromotionPolicy{}) {
		c.Promotion = DefaultPromotionPolicy()
	}
	if c.Consolidation == (ConsolidationConfig{}) {
		c.Consolidation = DefaultConsolidationConfig()
	}
	if c.MaintenanceCron == "" {
		c.MaintenanceCron = defaultMaintenanceCron
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.WorkerPoll <= 0 {
		c.WorkerPoll = defaultWorkerPoll
	}
	if c.WorkerLease <= 0 {
		c.WorkerLease = defaultWorkerLease
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	if c.Embedder == nil {
		c.Embedder = NewChargramEmbedder()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ProjectDBPath == "" && c.DataDir != "" {
		c.ProjectDBPath = filepath.Join(c.DataDir, "project.db")
	}
	if c.UserDBPath == "" && c.DataDir != "" {
		c.UserDBPath = filepath.Join(c.DataDir, "user.db")
	}
}

// Service is the memory subsystem facade. All scope routing, scoring,
// promotion and degraded-mode handling happens behind it.
type Service struct {
	cfg    Config
	log    *slog.Logger
	stores map[Scope]ScopeStore
	params map[Scope]ScopeParams

	retriever    *Retriever
	promoter     *Promoter
	consolidator *Consolidator

	jobs  JobStore
	queue *writeQueue
	state atomic.Value // ConnectionState
	cron  *gronx.Gronx

	mu            sync.Mutex
	lastCronCheck time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService opens the three scope stores and starts the background worker.
// Close releases everything.
func NewService(cfg Config) (*Service, error) {
	cfg.withDefaults()

	stores := map[Scope]ScopeStore{}
	session, err := NewSQLiteScopeStore(ScopeSession, "")
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	stores[ScopeSession] = session
	project, err := NewSQLiteScopeStore(ScopeProject, cfg.ProjectDBPath)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("open project store: %w", err)
	}
	stores[ScopeProject] = project
	user, err := NewSQLiteScopeStore(ScopeUser, cfg.UserDBPath)
	if err != nil {
		session.Close()
		project.Close()
		return nil, fmt.Errorf("open user store: %w", err)
	}
	stores[ScopeUser] = user

	params := map[Scope]ScopeParams{}
	for _, scope := range AllScopes() {
		params[scope] = DefaultScopeParams(scope)
	}

	s := &Service{
		cfg:    cfg,
		log:    cfg.Logger,
		stores: stores,
		params: params,
		jobs:   project,
		queue:  newWriteQueue(cfg.QueueDepth),
		cron:   gronx.New(),
		done:   make(chan struct{}),
	}
	s.state.Store(StateConnected)
	s.retriever = NewRetriever(stores, cfg.Embedder, params, cfg.CacheTTL, cfg.Logger)
	s.promoter = NewPromoter(stores, cfg.Promotion, cfg.Logger)
	s.consolidator = NewConsolidator(stores, cfg.Embedder, params, cfg.Consolidation, cfg.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.workerLoop(ctx)
	return s, nil
}

// Close stops the worker and closes every store.
func (s *Service) Close() error {
	s.cancel()
	<-s.done
	var first error
	for _, store := range s.stores {
		if err := store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ConnectionState reports connected or degraded.
func (s *Service) ConnectionState() ConnectionState {
	return s.state.Load().(ConnectionState)
}

// StoreOptions tunes a single store call.
type StoreOptions struct {
	// RelatedIDs are records in the same scope to link with a
	// related_entity edge.
	RelatedIDs []string
}

// Store validates and persists a record into its scope. When the backing
// store is unreachable the write is queued and replayed on reconnect; the
// caller still gets the record back with its assigned id.
func (s *Service) Store(ctx context.Context, sc SessionContext, rec Record, opts StoreOptions) (Record, error) {
	if err := s.validateRecord(&rec, sc); err != nil {
		return Record{}, err
	}

	if vec, err := s.cfg.Embedder.Embed(ctx, rec.Content); err != nil {
		// Keyword search still covers records without embeddings.
		s.log.Warn("embedding failed, storing without vector",
			"id", rec.ID, "error", fmt.Errorf("%w: %v", ErrEmbeddingFailure, err))
	} else {
		rec.Embedding = vec
		rec.EmbeddingModel = s.cfg.Embedder.ModelID()
	}

	store := s.stores[rec.Scope]
	if err := store.Put(ctx, rec); err != nil {
		if errors.Is(err, ErrConnectionUnavailable) {
			return s.queueWrite(rec, err)
		}
		return Record{}, fmt.Errorf("store record: %w", err)
	}
	s.markConnected(ctx)

	for _, relID := range opts.RelatedIDs {
		link := Link{
			ID:       uuid.NewString(),
			FromID:   rec.ID,
			ToID:     relID,
			Relation: RelationRelatedEntity,
			Weight:   1,
		}
		if err := store.PutLink(ctx, link); err != nil {
			s.log.Warn("related link not written", "from", rec.ID, "to", relID, "error", err)
		}
	}
	_ = store.AddMetric(ctx, "memory.store", 1, map[string]string{"scope": string(rec.Scope), "type": string(rec.Type)})
	return rec, nil
}

func (s *Service) validateRecord(rec *Record, sc SessionContext) error {
	if strings.TrimSpace(rec.Content) == "" {
		return fmt.Errorf("%w: empty content", ErrValidation)
	}
	if rec.Scope == "" {
		rec.Scope = ScopeSession
	}
	if !rec.Scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", ErrValidation, rec.Scope)
	}
	if !rec.Type.Valid() {
		return fmt.Errorf("%w: unknown memory type %q", ErrValidation, rec.Type)
	}
	if err := ValidateMetadata(rec.Metadata); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if rec.ID == "" {
		rec.ID = NewRecordID()
	}
	if rec.Importance == 0 {
		rec.Importance = 0.5
	}
	if rec.Confidence == 0 {
		rec.Confidence = 0.5
	}
	rec.Importance = clamp01(rec.Importance)
	rec.Confidence = clamp01(rec.Confidence)
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.SourceSession == "" {
		rec.SourceSession = sc.SessionID
	}
	if rec.SourceProject == "" {
		rec.SourceProject = sc.ProjectKey
	}
	return nil
}

func (s *Service) queueWrite(rec Record, cause error) (Record, error) {
	s.state.Store(StateDegraded)
	w := queuedWrite{Token: contentToken(rec), Scope: rec.Scope, Record: rec}
	if err := s.queue.push(w); err != nil {
		return Record{}, fmt.Errorf("store record while degraded: %w (queue: %v)", cause, err)
	}
	s.log.Warn("store unreachable, write queued", "id", rec.ID, "scope", rec.Scope, "depth", s.queue.depth())
	return rec, nil
}

// markConnected flips degraded back to connected and flushes the write
// queue in submission order. Called after any successful store operation.
func (s *Service) markConnected(ctx context.Context) {
	if s.ConnectionState() == StateConnected {
		return
	}
	if err := s.flushQueue(ctx); err != nil {
		s.log.Warn("queue flush incomplete", "error", err, "depth", s.queue.depth())
		return
	}
	s.state.Store(StateConnected)
	s.log.Info("reconnected, queue drained")
}

func (s *Service) flushQueue(ctx context.Context) error {
	return s.queue.drain(func(w queuedWrite) error {
		store, ok := s.stores[w.Scope]
		if !ok {
			return fmt.Errorf("no store for queued scope %s", w.Scope)
		}
		return store.Put(ctx, w.Record)
	})
}

// Recall runs hybrid retrieval across scopes. It never returns an error;
// unreachable scopes set Degraded on the result.
func (s *Service) Recall(ctx context.Context, sc SessionContext, query string, opts RecallOptions) RecallResult {
	if opts.ScopeTimeout <= 0 {
		opts.ScopeTimeout = s.cfg.ScopeTimeout
	}
	if len(opts.ScopeWeights) == 0 {
		opts.ScopeWeights = s.cfg.ScopeWeights
	}
	result := s.retriever.Recall(ctx, query, opts)
	if result.Degraded {
		s.state.Store(StateDegraded)
	}
	return result
}

// Get returns a record by id, searching narrow to broad unless scope is set.
func (s *Service) Get(ctx context.Context, scope Scope, id string) (Record, error) {
	scopes := AllScopes()
	if scope != "" {
		if !scope.Valid() {
			return Record{}, fmt.Errorf("%w: unknown scope %q", ErrValidation, scope)
		}
		scopes = []Scope{scope}
	}
	for _, sc := range scopes {
		rec, err := s.stores[sc].Get(ctx, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Record{}, err
		}
	}
	return Record{}, fmt.Errorf("%w: record %s", ErrNotFound, id)
}

// Promote moves a record into the given broader scope. With target=="" the
// next broader scope is used. The record is located narrow to broad.
func (s *Service) Promote(ctx context.Context, id string, target Scope, reason string) (PromotionResult, error) {
	for _, scope := range AllScopes() {
		rec, err := s.stores[scope].Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return PromotionResult{}, err
		}
		dst := target
		if dst == "" {
			dst = rec.Scope.Broader()
			if dst == "" {
				return PromotionResult{}, fmt.Errorf("%w: scope %s has no broader scope", ErrValidation, rec.Scope)
			}
		}
		return s.promoter.Promote(ctx, rec, dst, reason)
	}
	return PromotionResult{}, fmt.Errorf("%w: record %s", ErrNotFound, id)
}

// Forget archives a record. Archiving an already-archived record is a no-op;
// nothing is ever hard-deleted here.
func (s *Service) Forget(ctx context.Context, scope Scope, id string) error {
	if !scope.Valid() {
		return fmt.Errorf("%w: unknown scope %q", ErrValidation, scope)
	}
	if err := s.stores[scope].MarkStatus(ctx, id, StatusArchived); err != nil {
		return fmt.Errorf("forget %s: %w", id, err)
	}
	return nil
}

// Consolidate plans or runs consolidation for a scope. With dryRun the plan
// is returned and nothing changes.
func (s *Service) Consolidate(ctx context.Context, scope Scope, dryRun bool) ([]ConsolidationCandidate, int, error) {
	if !scope.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown scope %q", ErrValidation, scope)
	}
	now := time.Now()
	if dryRun {
		plan, err := s.consolidator.Plan(ctx, scope, now)
		return plan, 0, err
	}
	applied, err := s.consolidator.Run(ctx, scope, now)
	return nil, applied, err
}

// Status reports connection state, per-scope and per-type counts and the
// degraded queue depth. Count failures leave zeros rather than erroring.
func (s *Service) Status(ctx context.Context) ServiceStatus {
	st := ServiceStatus{
		Connection:    s.ConnectionState(),
		CountsByScope: map[Scope]int{},
		CountsByType:  map[MemoryType]int{},
		QueueDepth:    s.queue.depth(),
		QueueFailures: s.queue.failureCount(),
	}
	for scope, store := range s.stores {
		total, byType, err := store.Counts(ctx)
		if err != nil {
			s.log.Debug("counts unavailable", "scope", scope, "error", err)
			continue
		}
		st.CountsByScope[scope] = total
		for t, n := range byType {
			st.CountsByType[t] += n
		}
	}
	return st
}

// HandleEvent reacts to one lifecycle event from the bus. Session end sweeps
// eligible session records into the project scope before the in-memory store
// disappears; a maintain tick enqueues the durable maintenance jobs.
func (s *Service) HandleEvent(ctx context.Context, ev bus.Event) {
	switch ev.Kind {
	case bus.SessionEnd:
		if n, err := s.PromoteSweep(ctx, ScopeSession); err != nil {
			s.log.Warn("session-end sweep failed", "session", ev.SessionID, "error", err)
		} else if n > 0 {
			s.log.Info("session-end sweep", "session", ev.SessionID, "promoted", n)
		}
	case bus.MaintainTick:
		s.enqueueMaintenance(ctx, ev.At)
	}
}

// Serve consumes bus events until ctx is done. Typically run as a goroutine
// next to the host agent loop.
func (s *Service) Serve(ctx context.Context, b *bus.Bus) {
	for {
		ev, ok := b.Consume(ctx)
		if !ok {
			return
		}
		s.HandleEvent(ctx, ev)
	}
}

// PromoteSweep promotes every auto-eligible active record in scope to the
// next broader scope and returns how many moved.
func (s *Service) PromoteSweep(ctx context.Context, scope Scope) (int, error) {
	target := scope.Broader()
	if target == "" {
		return 0, fmt.Errorf("%w: scope %s has no broader scope", ErrValidation, scope)
	}
	records, err := s.stores[scope].Query(ctx, Filter{Statuses: []Status{StatusActive}})
	if err != nil {
		return 0, fmt.Errorf("sweep %s: %w", scope, err)
	}
	promoted := 0
	for _, rec := range records {
		if !s.cfg.Promotion.ShouldAutoPromote(rec) {
			continue
		}
		if _, err := s.promoter.Promote(ctx, rec, target, "auto sweep"); err != nil {
			s.log.Warn("sweep promotion failed", "id", rec.ID, "error", err)
			continue
		}
		promoted++
	}
	return promoted, nil
}

// workerLoop drives the durable job queue and the cron-scheduled maintenance.
func (s *Service) workerLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.WorkerPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Service) tick(ctx context.Context, now time.Time) {
	if s.ConnectionState() == StateDegraded {
		// Reconnect probe: a cheap read against the project store.
		if _, _, err := s.stores[ScopeProject].Counts(ctx); err == nil {
			s.markConnected(ctx)
		}
	}

	if err := s.jobs.RequeueExpiredJobs(ctx, now); err != nil {
		s.log.Debug("requeue expired jobs", "error", err)
	}

	if s.cronDue(now) {
		s.enqueueMaintenance(ctx, now)
	}

	for {
		job, ok, err := s.jobs.ClaimNextJob(ctx, now, s.cfg.WorkerLease)
		if err != nil {
			s.log.Debug("claim job", "error", err)
			return
		}
		if !ok {
			return
		}
		s.runJob(ctx, job)
	}
}

// cronDue fires at most once per matching minute.
func (s *Service) cronDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	minute := now.Truncate(time.Minute)
	if !s.lastCronCheck.Before(minute) {
		return false
	}
	s.lastCronCheck = minute
	due, err := s.cron.IsDue(s.cfg.MaintenanceCron, minute)
	if err != nil {
		s.log.Warn("bad maintenance cron", "expr", s.cfg.MaintenanceCron, "error", err)
		return false
	}
	return due
}

// enqueueMaintenance schedules one consolidate job per durable scope plus a
// project promotion sweep. Job ids are deterministic per minute so repeated
// enqueues within a window collapse to one run.
func (s *Service) enqueueMaintenance(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)
	jobs := []Job{
		{ID: maintenanceJobID(JobConsolidate, ScopeProject, minute), Type: JobConsolidate, Scope: ScopeProject},
		{ID: maintenanceJobID(JobConsolidate, ScopeUser, minute), Type: JobConsolidate, Scope: ScopeUser},
		{ID: maintenanceJobID(JobPromoteSweep, ScopeProject, minute), Type: JobPromoteSweep, Scope: ScopeProject},
	}
	for _, job := range jobs {
		job.Status = JobPending
		job.RunAfter = now
		if err := s.jobs.EnqueueJob(ctx, job); err != nil {
			s.log.Warn("enqueue maintenance job", "type", job.Type, "scope", job.Scope, "error", err)
		}
	}
}

func (s *Service) runJob(ctx context.Context, job Job) {
	var err error
	switch job.Type {
	case JobConsolidate:
		s.reembedMissing(ctx, job.Scope)
		var applied int
		applied, err = s.consolidator.Run(ctx, job.Scope, time.Now())
		if err == nil && applied > 0 {
			s.log.Info("consolidation ran", "scope", job.Scope, "applied", applied)
		}
	case JobPromoteSweep:
		_, err = s.PromoteSweep(ctx, job.Scope)
	default:
		err = fmt.Errorf("unknown job type %q", job.Type)
	}
	if err != nil {
		s.log.Warn("job failed", "id", job.ID, "type", job.Type, "error", err)
		if ferr := s.jobs.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			s.log.Debug("mark job failed", "id", job.ID, "error", ferr)
		}
		return
	}
	if cerr := s.jobs.CompleteJob(ctx, job.ID); cerr != nil {
		s.log.Debug("mark job complete", "id", job.ID, "error", cerr)
	}
}

// reembedMissing retries embeddings for records stored keyword-only while the
// embedder was failing.
func (s *Service) reembedMissing(ctx context.Context, scope Scope) {
	store, ok := s.stores[scope]
	if !ok {
		return
	}
	records, err := store.Query(ctx, Filter{Statuses: []Status{StatusActive}, Limit: 500})
	if err != nil {
		return
	}
	for _, rec := range records {
		if len(rec.Embedding) > 0 {
			continue
		}
		vec, err := s.cfg.Embedder.Embed(ctx, rec.Content)
		if err != nil {
			s.log.Debug("re-embed still failing",
				"id", rec.ID, "error", fmt.Errorf("%w: %v", ErrEmbeddingFailure, err))
			continue
		}
		if err := store.UpdateEmbedding(ctx, rec.ID, vec, s.cfg.Embedder.ModelID()); err != nil {
			s.log.Debug("re-embed write failed", "id", rec.ID, "error", err)
		}
	}
}

func maintenanceJobID(jobType string, scope Scope, minute time.Time) string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%d", jobType, scope, minute.Unix())))
	return "job-" + hex.EncodeToString(h[:8])
}
