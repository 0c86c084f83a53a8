package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteScopeStore persists one scope's records in its own SQLite database.
// Scope isolation holds by construction: each scope opens a distinct database
// and no query ever addresses another scope's file. The session scope opens an
// in-memory database, so tearing the store down discards every unpromoted
// session record.
type SQLiteScopeStore struct {
	scope Scope
	db    *sql.DB

	// offline simulates an unreachable backing store; used by the service's
	// reconnect probe tests and by operators to fence a bad volume.
	offline atomic.Bool
}

// NewSQLiteScopeStore creates/opens the scope database at path. An empty path
// opens an ephemeral in-memory database.
func NewSQLiteScopeStore(scope Scope, path string) (*SQLiteScopeStore, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("%w: unknown scope %q", ErrValidation, scope)
	}
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create scope db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s scope db: %w", scope, err)
	}
	// Single-process store. One shared connection avoids writer lock
	// contention under concurrent goroutines and serializes record writes,
	// which the promotion chain append depends on.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteScopeStore{scope: scope, db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteScopeStore) Scope() Scope { return s.scope }

func (s *SQLiteScopeStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetOffline toggles the unreachable-store failpoint. While offline every
// operation returns ErrConnectionUnavailable.
func (s *SQLiteScopeStore) SetOffline(v bool) { s.offline.Store(v) }

func (s *SQLiteScopeStore) available() error {
	if s.offline.Load() {
		return fmt.Errorf("%s scope: %w", s.scope, ErrConnectionUnavailable)
	}
	return nil
}

func (s *SQLiteScopeStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			importance REAL NOT NULL DEFAULT 0.5,
			confidence REAL NOT NULL DEFAULT 0.5,
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_ms INTEGER NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			tags_json TEXT NOT NULL DEFAULT '[]',
			domain TEXT NOT NULL DEFAULT '',
			chain_json TEXT NOT NULL DEFAULT '[]',
			source_session TEXT NOT NULL DEFAULT '',
			source_project TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS records_status_idx ON records(status, type, last_accessed_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS records_updated_idx ON records(updated_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS record_embeddings (
			record_id TEXT PRIMARY KEY,
			model TEXT NOT NULL,
			vector_json TEXT NOT NULL,
			norm REAL NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS record_links (
			id TEXT PRIMARY KEY,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			relation TEXT NOT NULL,
			weight REAL NOT NULL DEFAULT 1,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS record_links_unique ON record_links(from_id, to_id, relation);`,
		`CREATE INDEX IF NOT EXISTS record_links_from_idx ON record_links(from_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS memory_jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			scope TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			payload_json TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			run_after_ms INTEGER NOT NULL,
			lease_until_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_jobs_claim_idx ON memory_jobs(status, run_after_ms, lease_until_ms, priority, created_at_ms);`,
		`CREATE TABLE IF NOT EXISTS memory_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			metric TEXT NOT NULL,
			value REAL NOT NULL,
			labels_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_metrics_metric_idx ON memory_metrics(metric, created_at_ms DESC);`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(record_id UNINDEXED, content, summary, tokenize='unicode61 remove_diacritics 2');`,
		`CREATE TRIGGER IF NOT EXISTS records_ai AFTER INSERT ON records BEGIN
			INSERT INTO records_fts(record_id, content, summary) VALUES (new.id, new.content, new.summary);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS records_au AFTER UPDATE OF content, summary ON records BEGIN
			DELETE FROM records_fts WHERE record_id = old.id;
			INSERT INTO records_fts(record_id, content, summary) VALUES(new.id, new.content, new.summary);
		END;`,
		`CREATE TRIGGER IF NOT EXISTS records_ad AFTER DELETE ON records BEGIN
			DELETE FROM records_fts WHERE record_id = old.id;
		END;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init %s scope schema failed on %q: %w", s.scope, trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(stmt string) string {
	line := strings.TrimSpace(stmt)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	out := []string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeChain(chain []PromotionEntry) string {
	if len(chain) == 0 {
		return "[]"
	}
	b, err := json.Marshal(chain)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeChain(raw string) []PromotionEntry {
	if raw == "" || raw == "[]" {
		return nil
	}
	out := []PromotionEntry{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeVector(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeVector(raw string) []float32 {
	if raw == "" {
		return nil
	}
	out := []float32{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func encodeLabels(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeLabels(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	out := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

const recordColumns = `id, type, content, summary, importance, confidence, access_count,
	last_accessed_ms, created_at_ms, updated_at_ms, status, tags_json, domain,
	chain_json, source_session, source_project, metadata_json`

func (s *SQLiteScopeStore) Put(ctx context.Context, rec Record) error {
	if err := s.available(); err != nil {
		return err
	}
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("%w: record id required", ErrValidation)
	}
	if !rec.Type.Valid() {
		return fmt.Errorf("%w: unknown memory type %q", ErrValidation, rec.Type)
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastAccessed.IsZero() {
		rec.LastAccessed = rec.CreatedAt
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	rec.Importance = clamp01(rec.Importance)
	rec.Confidence = clamp01(rec.Confidence)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put record begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO records(`+recordColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	type = excluded.type,
	content = excluded.content,
	summary = excluded.summary,
	importance = excluded.importance,
	confidence = excluded.confidence,
	access_count = excluded.access_count,
	last_accessed_ms = excluded.last_accessed_ms,
	updated_at_ms = excluded.updated_at_ms,
	status = excluded.status,
	tags_json = excluded.tags_json,
	domain = excluded.domain,
	chain_json = excluded.chain_json,
	source_session = excluded.source_session,
	source_project = excluded.source_project,
	metadata_json = excluded.metadata_json`,
		rec.ID,
		string(rec.Type),
		rec.Content,
		rec.Summary,
		rec.Importance,
		rec.Confidence,
		rec.AccessCount,
		rec.LastAccessed.UnixMilli(),
		rec.CreatedAt.UnixMilli(),
		rec.UpdatedAt.UnixMilli(),
		string(rec.Status),
		encodeStrings(rec.Tags),
		rec.Domain,
		encodeChain(rec.Chain),
		rec.SourceSession,
		rec.SourceProject,
		encodeMetadata(rec.Metadata),
	); err != nil {
		return fmt.Errorf("put record: %w", err)
	}

	if len(rec.Embedding) > 0 {
		model := rec.EmbeddingModel
		if model == "" {
			model = chargramModelID
		}
		if err := upsertEmbeddingTx(ctx, tx, rec.ID, model, rec.Embedding); err != nil {
			return fmt.Errorf("put record embedding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put record commit: %w", err)
	}
	return nil
}

func upsertEmbeddingTx(ctx context.Context, tx *sql.Tx, id, model string, vec []float32) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO record_embeddings(record_id, model, vector_json, norm, updated_at_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(record_id) DO UPDATE SET
	model = excluded.model,
	vector_json = excluded.vector_json,
	norm = excluded.norm,
	updated_at_ms = excluded.updated_at_ms`, id, model, encodeVector(vec), vectorNorm(vec), nowMS())
	return err
}

func (s *SQLiteScopeStore) UpdateEmbedding(ctx context.Context, id string, vector []float32, model string) error {
	if err := s.available(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update embedding begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := upsertEmbeddingTx(ctx, tx, id, model, vector); err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update embedding commit: %w", err)
	}
	return nil
}

func (s *SQLiteScopeStore) Get(ctx context.Context, id string) (Record, error) {
	if err := s.available(); err != nil {
		return Record{}, err
	}
	row := s.db.QueryRowContext(ctx, `
SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, fmt.Errorf("%s scope record %s: %w", s.scope, id, ErrNotFound)
		}
		return Record{}, fmt.Errorf("get record: %w", err)
	}
	rec.Scope = s.scope
	s.attachEmbeddings(ctx, []*Record{&rec})
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var typ, status, tagsRaw, chainRaw, metaRaw string
	var lastMS, createdMS, updatedMS int64
	if err := row.Scan(
		&rec.ID,
		&typ,
		&rec.Content,
		&rec.Summary,
		&rec.Importance,
		&rec.Confidence,
		&rec.AccessCount,
		&lastMS,
		&createdMS,
		&updatedMS,
		&status,
		&tagsRaw,
		&rec.Domain,
		&chainRaw,
		&rec.SourceSession,
		&rec.SourceProject,
		&metaRaw,
	); err != nil {
		return Record{}, err
	}
	rec.Type = MemoryType(typ)
	rec.Status = Status(status)
	rec.Tags = decodeStrings(tagsRaw)
	rec.Chain = decodeChain(chainRaw)
	rec.Metadata = decodeMetadata(metaRaw)
	rec.LastAccessed = time.UnixMilli(lastMS)
	rec.CreatedAt = time.UnixMilli(createdMS)
	rec.UpdatedAt = time.UnixMilli(updatedMS)
	return rec, nil
}

func (s *SQLiteScopeStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	where := []string{"1=1"}
	args := []interface{}{}
	if len(f.Statuses) > 0 {
		ph := make([]string, 0, len(f.Statuses))
		for _, st := range f.Statuses {
			ph = append(ph, "?")
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ",")+")")
	}
	if len(f.Types) > 0 {
		ph := make([]string, 0, len(f.Types))
		for _, t := range f.Types {
			ph = append(ph, "?")
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(ph, ",")+")")
	}
	if f.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, f.Domain)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at_ms >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at_ms < ?")
		args = append(args, f.Until.UnixMilli())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+` FROM records
WHERE `+strings.Join(where, " AND ")+`
ORDER BY last_accessed_ms DESC
LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	out, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Scope = s.scope
	}
	s.attachEmbeddingsSlice(ctx, out)
	return out, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func (s *SQLiteScopeStore) Delete(ctx context.Context, id string) error {
	if err := s.available(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM record_embeddings WHERE record_id = ?`, id); err != nil {
		return fmt.Errorf("delete record embedding: %w", err)
	}
	return nil
}

// VectorSearch scans active records with embeddings and ranks by cosine
// similarity in Go. Vector math stays out of SQL because modernc sqlite has
// no vector primitives; candidate sets per scope are small enough to scan.
func (s *SQLiteScopeStore) VectorSearch(ctx context.Context, embedding []float32, k int) ([]Record, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+qualifiedRecordColumns("r")+`, e.model, e.vector_json
FROM records r
JOIN record_embeddings e ON e.record_id = r.id
WHERE r.status = ?`, string(StatusActive))
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	type scored struct {
		rec Record
		sim float64
	}
	candidates := []scored{}
	for rows.Next() {
		var rec Record
		var typ, status, tagsRaw, chainRaw, metaRaw, vecRaw string
		var lastMS, createdMS, updatedMS int64
		if err := rows.Scan(
			&rec.ID, &typ, &rec.Content, &rec.Summary, &rec.Importance, &rec.Confidence,
			&rec.AccessCount, &lastMS, &createdMS, &updatedMS, &status, &tagsRaw,
			&rec.Domain, &chainRaw, &rec.SourceSession, &rec.SourceProject, &metaRaw,
			&rec.EmbeddingModel, &vecRaw,
		); err != nil {
			return nil, fmt.Errorf("scan vector candidate: %w", err)
		}
		rec.Type = MemoryType(typ)
		rec.Status = Status(status)
		rec.Tags = decodeStrings(tagsRaw)
		rec.Chain = decodeChain(chainRaw)
		rec.Metadata = decodeMetadata(metaRaw)
		rec.LastAccessed = time.UnixMilli(lastMS)
		rec.CreatedAt = time.UnixMilli(createdMS)
		rec.UpdatedAt = time.UnixMilli(updatedMS)
		rec.Scope = s.scope
		rec.Embedding = decodeVector(vecRaw)
		if len(rec.Embedding) == 0 {
			continue
		}
		candidates = append(candidates, scored{rec: rec, sim: cosineSimilarity(embedding, rec.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vector candidates: %w", err)
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	out := make([]Record, 0, k)
	for _, c := range candidates {
		out = append(out, c.rec)
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func qualifiedRecordColumns(alias string) string {
	cols := strings.Split(recordColumns, ",")
	for i := range cols {
		cols[i] = alias + "." + strings.TrimSpace(cols[i])
	}
	return strings.Join(cols, ", ")
}

func (s *SQLiteScopeStore) KeywordSearch(ctx context.Context, query string, k int) ([]Record, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 10
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+qualifiedRecordColumns("r")+`
FROM records_fts f
JOIN records r ON r.id = f.record_id
WHERE records_fts MATCH ?
AND r.status = ?
ORDER BY bm25(records_fts), r.last_accessed_ms DESC
LIMIT ?`, ftsQuery, string(StatusActive), k)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	out, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Scope = s.scope
	}
	s.attachEmbeddingsSlice(ctx, out)
	return out, nil
}

// buildFTSQuery quotes tokens and ORs them so raw user text can never break
// FTS5 query syntax.
func buildFTSQuery(query string) string {
	raw := tokenize(query)
	seen := map[string]struct{}{}
	quoted := make([]string, 0, len(raw))
	for _, tok := range raw {
		tok = strings.TrimSpace(strings.ToLower(tok))
		if len(tok) < 2 {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		tok = strings.ReplaceAll(tok, `"`, `""`)
		quoted = append(quoted, `"`+tok+`"`)
	}
	return strings.Join(quoted, " OR ")
}

func (s *SQLiteScopeStore) attachEmbeddingsSlice(ctx context.Context, recs []Record) {
	ptrs := make([]*Record, 0, len(recs))
	for i := range recs {
		ptrs = append(ptrs, &recs[i])
	}
	s.attachEmbeddings(ctx, ptrs)
}

func (s *SQLiteScopeStore) attachEmbeddings(ctx context.Context, recs []*Record) {
	if len(recs) == 0 {
		return
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT record_id, model, vector_json FROM record_embeddings WHERE record_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return
	}
	defer rows.Close()
	type stored struct {
		model string
		vec   []float32
	}
	vectors := map[string]stored{}
	for rows.Next() {
		var id, model, raw string
		if err := rows.Scan(&id, &model, &raw); err != nil {
			return
		}
		vectors[id] = stored{model: model, vec: decodeVector(raw)}
	}
	for _, r := range recs {
		if st, ok := vectors[r.ID]; ok {
			r.Embedding = st.vec
			r.EmbeddingModel = st.model
		}
	}
}

func (s *SQLiteScopeStore) TouchOnRecall(ctx context.Context, ids []string, at time.Time) error {
	if err := s.available(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := []interface{}{at.UnixMilli(), at.UnixMilli()}
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE records
SET access_count = access_count + 1, last_accessed_ms = ?, updated_at_ms = ?
WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("touch on recall: %w", err)
	}
	return nil
}

func (s *SQLiteScopeStore) MarkStatus(ctx context.Context, id string, next Status) error {
	if err := s.available(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("mark status begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM records WHERE id = ?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s scope record %s: %w", s.scope, id, ErrNotFound)
		}
		return fmt.Errorf("mark status read: %w", err)
	}
	if Status(current) == next {
		// Idempotent: re-marking the same status is a no-op.
		return nil
	}
	if !Status(current).CanTransition(next) {
		return fmt.Errorf("%w: status %s cannot transition to %s", ErrValidation, current, next)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE records SET status = ?, updated_at_ms = ? WHERE id = ?`, string(next), nowMS(), id); err != nil {
		return fmt.Errorf("mark status update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("mark status commit: %w", err)
	}
	return nil
}

// AppendPromotion appends one lineage entry inside a transaction, re-reading
// the chain first so replayed promotions cannot append twice and concurrent
// appends cannot lose updates.
func (s *SQLiteScopeStore) AppendPromotion(ctx context.Context, id string, entry PromotionEntry) error {
	if err := s.available(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append promotion begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var chainRaw string
	if err := tx.QueryRowContext(ctx, `SELECT chain_json FROM records WHERE id = ?`, id).Scan(&chainRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s scope record %s: %w", s.scope, id, ErrNotFound)
		}
		return fmt.Errorf("append promotion read: %w", err)
	}
	chain := decodeChain(chainRaw)
	for _, existing := range chain {
		if existing.RecordID == entry.RecordID && existing.Action == entry.Action && existing.Scope == entry.Scope {
			return nil
		}
	}
	if entry.At.IsZero() {
		entry.At = time.Now()
	}
	chain = append(chain, entry)
	if _, err := tx.ExecContext(ctx, `
UPDATE records SET chain_json = ?, updated_at_ms = ? WHERE id = ?`, encodeChain(chain), nowMS(), id); err != nil {
		return fmt.Errorf("append promotion update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append promotion commit: %w", err)
	}
	return nil
}

func (s *SQLiteScopeStore) PutLink(ctx context.Context, link Link) error {
	if err := s.available(); err != nil {
		return err
	}
	if link.ID == "" {
		link.ID = "lnk-" + uuid.NewString()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now()
	}
	if link.Weight == 0 {
		link.Weight = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO record_links(id, from_id, to_id, relation, weight, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(from_id, to_id, relation) DO UPDATE SET
	weight = excluded.weight`,
		link.ID, link.FromID, link.ToID, link.Relation, link.Weight, link.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("put link: %w", err)
	}
	return nil
}

func (s *SQLiteScopeStore) Links(ctx context.Context, fromID string, limit int) ([]Link, error) {
	if err := s.available(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, from_id, to_id, relation, weight, created_at_ms
FROM record_links
WHERE from_id = ?
ORDER BY created_at_ms DESC
LIMIT ?`, fromID, limit)
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	defer rows.Close()

	out := []Link{}
	for rows.Next() {
		var l Link
		var createdMS int64
		if err := rows.Scan(&l.ID, &l.FromID, &l.ToID, &l.Relation, &l.Weight, &createdMS); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		l.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return out, nil
}

func (s *SQLiteScopeStore) Counts(ctx context.Context) (int, map[MemoryType]int, error) {
	if err := s.available(); err != nil {
		return 0, nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT type, COUNT(*) FROM records WHERE status != ? GROUP BY type`, string(StatusArchived))
	if err != nil {
		return 0, nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	total := 0
	byType := map[MemoryType]int{}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return 0, nil, fmt.Errorf("scan count: %w", err)
		}
		byType[MemoryType(typ)] = n
		total += n
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("iterate counts: %w", err)
	}
	return total, byType, nil
}

func (s *SQLiteScopeStore) AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error {
	if err := s.available(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_metrics(metric, value, labels_json, created_at_ms)
VALUES(?, ?, ?, ?)`, metric, value, encodeLabels(labels), nowMS())
	if err != nil {
		return fmt.Errorf("add metric: %w", err)
	}
	return nil
}

// PurgeArchived hard-deletes archived records older than cutoff. Only the
// consolidation engine calls this, and never for the user scope.
func (s *SQLiteScopeStore) PurgeArchived(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.available(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM records WHERE status = ? AND updated_at_ms < ?`, string(StatusArchived), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge archived: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteScopeStore) EnqueueJob(ctx context.Context, job Job) error {
	if err := s.available(); err != nil {
		return err
	}
	now := nowMS()
	if job.ID == "" {
		job.ID = "job-" + uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.Priority == 0 {
		job.Priority = 100
	}
	runAfter := job.RunAfter.UnixMilli()
	if job.RunAfter.IsZero() {
		runAfter = now
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO memory_jobs(id, job_type, scope, status, priority, payload_json, error, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, '', ?, 0, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	priority = excluded.priority,
	payload_json = excluded.payload_json,
	run_after_ms = excluded.run_after_ms,
	updated_at_ms = excluded.updated_at_ms`,
		job.ID, job.Type, string(job.Scope), job.Status, job.Priority,
		encodeLabels(job.Payload), runAfter, now, now)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (s *SQLiteScopeStore) ClaimNextJob(ctx context.Context, now time.Time, lease time.Duration) (Job, bool, error) {
	if err := s.available(); err != nil {
		return Job{}, false, err
	}
	if lease <= 0 {
		lease = time.Minute
	}
	nowMilli := now.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim job begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, job_type, scope, status, priority, payload_json, error, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms
FROM memory_jobs
WHERE run_after_ms <= ?
AND (status = ? OR (status = ? AND lease_until_ms <= ?))
ORDER BY priority ASC, created_at_ms ASC
LIMIT 1`, nowMilli, JobPending, JobRunning, nowMilli)

	var job Job
	var scope, payloadRaw string
	var runAfterMS, leaseMS, createdMS, updatedMS int64
	if err := row.Scan(&job.ID, &job.Type, &scope, &job.Status, &job.Priority, &payloadRaw, &job.Error, &runAfterMS, &leaseMS, &createdMS, &updatedMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("claim job select: %w", err)
	}

	leaseUntil := nowMilli + lease.Milliseconds()
	res, err := tx.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, lease_until_ms = ?, updated_at_ms = ?, error = ''
WHERE id = ? AND (status = ? OR (status = ? AND lease_until_ms <= ?))`,
		JobRunning, leaseUntil, nowMilli, job.ID, JobPending, JobRunning, nowMilli)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim job update: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return Job{}, false, nil
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("claim job commit: %w", err)
	}

	job.Scope = Scope(scope)
	job.Status = JobRunning
	job.Payload = decodeLabels(payloadRaw)
	job.RunAfter = time.UnixMilli(runAfterMS)
	job.LeaseUntil = time.UnixMilli(leaseUntil)
	job.CreatedAt = time.UnixMilli(createdMS)
	job.UpdatedAt = now
	return job, true, nil
}

func (s *SQLiteScopeStore) CompleteJob(ctx context.Context, id string) error {
	if err := s.available(); err != nil {
		return err
	}
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs SET status = ?, updated_at_ms = ?, lease_until_ms = 0 WHERE id = ?`, JobCompleted, now, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

func (s *SQLiteScopeStore) FailJob(ctx context.Context, id, errMsg string) error {
	if err := s.available(); err != nil {
		return err
	}
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs SET status = ?, error = ?, updated_at_ms = ?, lease_until_ms = 0 WHERE id = ?`, JobFailed, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (s *SQLiteScopeStore) RequeueExpiredJobs(ctx context.Context, now time.Time) error {
	if err := s.available(); err != nil {
		return err
	}
	nowMilli := now.UnixMilli()
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, updated_at_ms = ?, error = ''
WHERE status = ? AND lease_until_ms > 0 AND lease_until_ms <= ?`, JobPending, nowMilli, JobRunning, nowMilli)
	if err != nil {
		return fmt.Errorf("requeue expired jobs: %w", err)
	}
	return nil
}
