// Package store provides SQLite-backed persistence for memoryd.
// Uses ncruces/go-sqlite3/driver, which provides a database/sql interface
// without cgo, plus the sqlite-vec extension for nearest-neighbor queries
// over memory embeddings.
package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces" // registers the vec0 virtual table module
	_ "github.com/ncruces/go-sqlite3/driver"
)

// schema defines every table and index memoryd needs. FTS5 and the vec0
// virtual table are created separately at Open time because the vec0
// column definition embeds the configured embedding dimension.
const schema = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    thread_id TEXT NOT NULL,
    content TEXT NOT NULL,
    entities TEXT,
    priority REAL NOT NULL DEFAULT 0,
    confidence REAL NOT NULL DEFAULT 0,
    redaction_map TEXT,
    tier TEXT NOT NULL DEFAULT 'T3',
    source_thread_id TEXT,
    repeats INTEGER NOT NULL DEFAULT 1,
    last_seen_ts INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    deleted_at INTEGER,
    embedding BLOB,
    embedding_updated_at INTEGER,
    decay_weeks_applied INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_memories_user_live ON memories(user_id, deleted_at);
CREATE INDEX IF NOT EXISTS idx_memories_user_thread ON memories(user_id, thread_id);
CREATE INDEX IF NOT EXISTS idx_memories_user_tier ON memories(user_id, tier);
CREATE INDEX IF NOT EXISTS idx_memories_last_seen ON memories(user_id, last_seen_ts);

CREATE TABLE IF NOT EXISTS memory_threads (
    memory_id TEXT NOT NULL,
    thread_id TEXT NOT NULL,
    first_seen_at INTEGER NOT NULL,
    PRIMARY KEY (memory_id, thread_id)
);
CREATE INDEX IF NOT EXISTS idx_memory_threads_thread ON memory_threads(thread_id);

CREATE TABLE IF NOT EXISTS memory_audits (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    thread_id TEXT NOT NULL,
    start_msg_id TEXT,
    end_msg_id TEXT,
    token_count INTEGER NOT NULL DEFAULT 0,
    score REAL NOT NULL DEFAULT 0,
    saved INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audits_user_thread ON memory_audits(user_id, thread_id, created_at);

CREATE TABLE IF NOT EXISTS thread_summaries (
    thread_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    summary TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL,
    deleted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_summaries_user ON thread_summaries(user_id, updated_at);

CREATE TABLE IF NOT EXISTS user_profiles (
    user_id TEXT PRIMARY KEY,
    profile_json TEXT NOT NULL,
    last_updated INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS embedding_queue (
    id TEXT PRIMARY KEY,
    memory_id TEXT NOT NULL,
    content TEXT NOT NULL,
    retry_count INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    processed_at INTEGER,
    error TEXT
);
CREATE INDEX IF NOT EXISTS idx_embedding_queue_pending ON embedding_queue(processed_at, created_at);
`

// SQLiteStore is the SQLite-backed data store. Safe for concurrent use by
// multiple goroutines; SQLite itself serializes writers, the mutex here
// guards the compound read-modify-write sequences (FTS sync, vec0 sync)
// that must stay atomic from the caller's point of view.
type SQLiteStore struct {
	mu  sync.RWMutex
	db  *sql.DB
	dim int
}

// NewSQLiteStore opens (creating if absent) the memoryd database at path,
// sized for an embedding dimension of dim.
func NewSQLiteStore(path string, dim int) (*SQLiteStore, error) {
	return NewSQLiteStoreWithDSN(fmt.Sprintf("file:%s", path), dim)
}

// NewSQLiteStoreWithDSN opens a store with an explicit DSN, primarily for
// tests (":memory:" or "file::memory:?cache=shared").
func NewSQLiteStoreWithDSN(dsn string, dim int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer SQLite: avoid SQLITE_BUSY under WAL

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA mmap_size=268435456",
		"PRAGMA cache_size=-65536",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}

	ftsDDL := `CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		id UNINDEXED, user_id UNINDEXED, content, tokenize='porter unicode61'
	)`
	if _, err := db.Exec(ftsDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: fts schema: %w", err)
	}

	vecDDL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_vectors USING vec0(memory_id TEXT PRIMARY KEY, embedding float[%d])`,
		dim,
	)
	// vec0 is best-effort: RecallEngine falls back to an in-process cosine
	// scan when this table is absent or a MATCH query errors, so a failure
	// here is not fatal to opening the store.
	_, _ = db.Exec(vecDDL)

	return &SQLiteStore{db: db, dim: dim}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func ptrFromNull(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func encodeStrings(ss []string) string {
	b, _ := json.Marshal(ss)
	return string(b)
}

func decodeStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func decodeMap(s string) map[string]string {
	if s == "" {
		return nil
	}
	var out map[string]string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// encodeEmbedding packs a float32 vector as little-endian bytes, the wire
// format vec0 expects for its float[] columns and the format used for
// memories.embedding itself so the two never disagree.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// CreateMemory inserts a new memory row, its memory_threads entry, and its
// FTS shadow row in one transaction.
func (s *SQLiteStore) CreateMemory(ctx context.Context, m *Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: create memory begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO memories
		(id, user_id, thread_id, content, entities, priority, confidence, redaction_map,
		 tier, source_thread_id, repeats, last_seen_ts, created_at, updated_at, deleted_at,
		 embedding, embedding_updated_at, decay_weeks_applied)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.UserID, m.ThreadID, m.Content, encodeStrings(m.Entities), m.Priority, m.Confidence,
		encodeMap(m.RedactionMap), string(m.Tier), m.SourceThreadID, m.Repeats, m.LastSeenTs,
		m.CreatedAt, m.UpdatedAt, nullInt64(m.DeletedAt), encodeEmbedding(m.Embedding), nullInt64(m.EmbeddingUpdatedAt),
		m.DecayWeeksApplied,
	)
	if err != nil {
		return fmt.Errorf("store: create memory insert: %w", err)
	}

	if err := s.syncThreadSetTx(ctx, tx, m.ID, m.ThreadSet, m.CreatedAt); err != nil {
		return err
	}
	if err := s.syncFTSTx(ctx, tx, m); err != nil {
		return err
	}
	if err := s.syncVectorTx(ctx, tx, m.ID, m.Embedding); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) syncThreadSetTx(ctx context.Context, tx *sql.Tx, memoryID string, threadSet []string, firstSeen int64) error {
	for _, tid := range threadSet {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO memory_threads (memory_id, thread_id, first_seen_at) VALUES (?,?,?)`,
			memoryID, tid, firstSeen,
		)
		if err != nil {
			return fmt.Errorf("store: sync thread set: %w", err)
		}
	}
	return nil
}

// syncFTSTx keeps the FTS5 shadow table in lockstep with memories. FTS5
// cannot use a TEXT primary key as its rowid, so every mutation of a
// memory's content or liveness must explicitly mirror into memories_fts;
// there is no trigger doing this for us.
func (s *SQLiteStore) syncFTSTx(ctx context.Context, tx *sql.Tx, m *Memory) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE id = ?`, m.ID)
	if err != nil {
		return fmt.Errorf("store: fts delete: %w", err)
	}
	if !m.IsLive() {
		return nil
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO memories_fts (id, user_id, content) VALUES (?,?,?)`,
		m.ID, m.UserID, m.Content,
	)
	if err != nil {
		return fmt.Errorf("store: fts insert: %w", err)
	}
	return nil
}

// syncVectorTx keeps memory_vectors in lockstep with memories.embedding.
// Best-effort: a vec0 failure never aborts the surrounding transaction
// since RecallEngine's in-process cosine fallback does not depend on it.
func (s *SQLiteStore) syncVectorTx(ctx context.Context, tx *sql.Tx, memoryID string, embedding []float32) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_vectors WHERE memory_id = ?`, memoryID); err != nil {
		return nil
	}
	if len(embedding) == 0 {
		return nil
	}
	blob := encodeEmbedding(embedding)
	if blob == nil {
		return nil
	}
	_, _ = tx.ExecContext(ctx, `INSERT INTO memory_vectors (memory_id, embedding) VALUES (?,?)`, memoryID, blob)
	return nil
}

func scanMemory(row interface {
	Scan(dest ...any) error
}) (*Memory, error) {
	var m Memory
	var entities, redaction string
	var tier string
	var deletedAt, embeddingUpdatedAt sql.NullInt64
	var embedding []byte

	err := row.Scan(&m.ID, &m.UserID, &m.ThreadID, &m.Content, &entities, &m.Priority, &m.Confidence,
		&redaction, &tier, &m.SourceThreadID, &m.Repeats, &m.LastSeenTs, &m.CreatedAt, &m.UpdatedAt,
		&deletedAt, &embedding, &embeddingUpdatedAt, &m.DecayWeeksApplied)
	if err != nil {
		return nil, err
	}
	m.Entities = decodeStrings(entities)
	m.RedactionMap = decodeMap(redaction)
	m.Tier = Tier(tier)
	m.DeletedAt = ptrFromNull(deletedAt)
	m.EmbeddingUpdatedAt = ptrFromNull(embeddingUpdatedAt)
	if len(embedding) > 0 {
		m.Embedding = decodeEmbedding(embedding)
	}
	return &m, nil
}

const memoryColumns = `id, user_id, thread_id, content, entities, priority, confidence, redaction_map,
	tier, source_thread_id, repeats, last_seen_ts, created_at, updated_at, deleted_at,
	embedding, embedding_updated_at, decay_weeks_applied`

// GetMemory fetches a single memory scoped to userID, including its
// materialized thread set. Returns sql.ErrNoRows if absent or owned by a
// different user.
func (s *SQLiteStore) GetMemory(ctx context.Context, userID, id string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ? AND user_id = ?`, id, userID)
	m, err := scanMemory(row)
	if err != nil {
		return nil, err
	}
	if err := s.hydrateThreadSet(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLiteStore) hydrateThreadSet(ctx context.Context, m *Memory) error {
	rows, err := s.db.QueryContext(ctx, `SELECT thread_id FROM memory_threads WHERE memory_id = ?`, m.ID)
	if err != nil {
		return fmt.Errorf("store: hydrate thread set: %w", err)
	}
	defer rows.Close()
	var set []string
	for rows.Next() {
		var tid string
		if err := rows.Scan(&tid); err != nil {
			return err
		}
		set = append(set, tid)
	}
	m.ThreadSet = set
	return rows.Err()
}

// UpdateMemory replaces a memory's mutable fields (content, priority,
// confidence, tier, repeats, threadSet, embedding, timestamps) and
// re-syncs FTS and the vector table.
func (s *SQLiteStore) UpdateMemory(ctx context.Context, m *Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: update memory begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE memories SET
		content = ?, entities = ?, priority = ?, confidence = ?, redaction_map = ?,
		tier = ?, repeats = ?, last_seen_ts = ?, updated_at = ?, deleted_at = ?,
		embedding = ?, embedding_updated_at = ?, decay_weeks_applied = ?
		WHERE id = ? AND user_id = ?`,
		m.Content, encodeStrings(m.Entities), m.Priority, m.Confidence, encodeMap(m.RedactionMap),
		string(m.Tier), m.Repeats, m.LastSeenTs, m.UpdatedAt, nullInt64(m.DeletedAt),
		encodeEmbedding(m.Embedding), nullInt64(m.EmbeddingUpdatedAt), m.DecayWeeksApplied, m.ID, m.UserID,
	)
	if err != nil {
		return fmt.Errorf("store: update memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}

	if err := s.syncThreadSetTx(ctx, tx, m.ID, m.ThreadSet, m.LastSeenTs); err != nil {
		return err
	}
	if err := s.syncFTSTx(ctx, tx, m); err != nil {
		return err
	}
	if err := s.syncVectorTx(ctx, tx, m.ID, m.Embedding); err != nil {
		return err
	}

	return tx.Commit()
}

// SoftDeleteMemory sets deleted_at and removes the memory from FTS and the
// vector table, without touching the row's other columns.
func (s *SQLiteStore) SoftDeleteMemory(ctx context.Context, userID, id string, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: soft delete begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE memories SET deleted_at = ?, updated_at = ? WHERE id = ? AND user_id = ?`, now, now, id, userID)
	if err != nil {
		return fmt.Errorf("store: soft delete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: soft delete fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_vectors WHERE memory_id = ?`, id); err != nil {
		return nil // best-effort
	}
	return tx.Commit()
}

// ListMemories returns a page of memories matching p, plus the total live
// count for the user (ignoring pagination), for the /v1/memories listing.
func (s *SQLiteStore) ListMemories(ctx context.Context, p ListMemoriesParams) ([]*Memory, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	where = append(where, "user_id = ?")
	args = append(args, p.UserID)
	if !p.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if p.ThreadID != "" {
		where = append(where, "thread_id = ?")
		args = append(args, p.ThreadID)
	}
	if p.HasMinPriority {
		where = append(where, "priority >= ?")
		args = append(args, p.MinPriority)
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE `+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: list count: %w", err)
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + memoryColumns + ` FROM memories WHERE ` + whereClause + ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, q, append(args, limit, p.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list query: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("store: list scan: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	for _, m := range out {
		if err := s.hydrateThreadSet(ctx, m); err != nil {
			return nil, 0, err
		}
	}
	return out, total, nil
}

// LiveMemoriesWithEmbeddings returns up to limit live memories for userID
// that carry an embedding, most recently touched first — the candidate
// pool for RecallEngine's in-process cosine fallback and for the
// supercede engine's embedding-similarity pass.
func (s *SQLiteStore) LiveMemoriesWithEmbeddings(ctx context.Context, userID string, limit int) ([]*Memory, error) {
	return s.queryLiveMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = ? AND deleted_at IS NULL AND embedding IS NOT NULL
		 ORDER BY last_seen_ts DESC LIMIT ?`, userID, limit)
}

// RecentLiveMemories returns up to limit of a user's most recently seen
// live memories, for the supercede engine's textual-similarity pass
// (spec.md bounds this scan at 50 candidates).
func (s *SQLiteStore) RecentLiveMemories(ctx context.Context, userID string, limit int) ([]*Memory, error) {
	return s.queryLiveMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = ? AND deleted_at IS NULL
		 ORDER BY last_seen_ts DESC LIMIT ?`, userID, limit)
}

// TopLiveMemoriesByPriority returns up to limit of a user's live memories
// ordered by priority descending, for the ProfileBuilder's aggregation pass.
func (s *SQLiteStore) TopLiveMemoriesByPriority(ctx context.Context, userID string, limit int) ([]*Memory, error) {
	return s.queryLiveMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = ? AND deleted_at IS NULL
		 ORDER BY priority DESC LIMIT ?`, userID, limit)
}

// LiveMemoriesForRetention streams every live memory for userID in stable
// id order, for the retention engine's daily sweep.
func (s *SQLiteStore) LiveMemoriesForRetention(ctx context.Context, userID string) ([]*Memory, error) {
	return s.queryLiveMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = ? AND deleted_at IS NULL ORDER BY id`, userID, -1)
}

// GetMemoriesByIDs hydrates full Memory rows for a set of ids scoped to
// userID, in no particular order, skipping ids that don't exist or belong
// to a different user. Used to hydrate FTS/vec0 hits, which carry only an
// id, into full memories for ranking.
func (s *SQLiteStore) GetMemoriesByIDs(ctx context.Context, userID string, ids []string) ([]*Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for i, id := range ids {
		placeholders[i] = "?"
		args = append(args, id)
	}
	q := `SELECT ` + memoryColumns + ` FROM memories WHERE user_id = ? AND deleted_at IS NULL AND id IN (` +
		strings.Join(placeholders, ",") + `)`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("store: get memories by ids: %w", err)
	}
	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			rows.Close()
			s.mu.RUnlock()
			return nil, err
		}
		out = append(out, m)
	}
	rows.Close()
	s.mu.RUnlock()

	for _, m := range out {
		if err := s.hydrateThreadSet(ctx, m); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// AllUserIDsWithLiveMemories lists distinct users with at least one live
// memory, so the retention sweep can iterate per-user.
func (s *SQLiteStore) AllUserIDsWithLiveMemories(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM memories WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) queryLiveMemories(ctx context.Context, q, userID string, limit int) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows *sql.Rows
	var err error
	if limit >= 0 {
		rows, err = s.db.QueryContext(ctx, q, userID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, q, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: query live memories: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan live memory: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, m := range out {
		if err := s.hydrateThreadSet(ctx, m); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FTSHit is one keyword-search match.
type FTSHit struct {
	MemoryID string
	Rank     float64
}

// FTSSearch runs an FTS5 MATCH query scoped to userID, ranked by bm25.
func (s *SQLiteStore) FTSSearch(ctx context.Context, userID, ftsQuery string, limit int) ([]FTSHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bm25(memories_fts) FROM memories_fts WHERE memories_fts MATCH ? AND user_id = ? ORDER BY rank LIMIT ?`,
		ftsQuery, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: fts search: %w", err)
	}
	defer rows.Close()
	var out []FTSHit
	for rows.Next() {
		var h FTSHit
		if err := rows.Scan(&h.MemoryID, &h.Rank); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// LikeSearch is the resilience fallback for FTSSearch: a plain LIKE scan
// over content for each term, used when the FTS5 query itself errors
// (e.g. a malformed MATCH expression from unescaped user punctuation).
func (s *SQLiteStore) LikeSearch(ctx context.Context, userID string, terms []string, limit int) ([]*Memory, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var clauses []string
	args := []any{userID}
	for _, t := range terms {
		clauses = append(clauses, "content LIKE ?")
		args = append(args, "%"+t+"%")
	}
	q := `SELECT ` + memoryColumns + ` FROM memories WHERE user_id = ? AND deleted_at IS NULL AND (` +
		strings.Join(clauses, " OR ") + `) ORDER BY last_seen_ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: like search: %w", err)
	}
	defer rows.Close()
	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// VectorHit is one nearest-neighbor match from the vec0 table.
type VectorHit struct {
	MemoryID string
	Distance float64
}

// NearestVectors runs a vec0 MATCH/k-NN query scoped to userID. Callers
// must treat a non-nil error as "fall back to in-process cosine scan",
// not as a hard failure: the vec0 table is best-effort infrastructure.
func (s *SQLiteStore) NearestVectors(ctx context.Context, userID string, query []float32, k int) ([]VectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	blob := encodeEmbedding(query)
	if blob == nil {
		return nil, fmt.Errorf("store: nearest vectors: empty query embedding")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.memory_id, v.distance
		FROM memory_vectors v
		JOIN memories m ON m.id = v.memory_id
		WHERE v.embedding MATCH ? AND k = ? AND m.user_id = ? AND m.deleted_at IS NULL
		ORDER BY v.distance`, blob, k, userID)
	if err != nil {
		return nil, fmt.Errorf("store: vec0 query: %w", err)
	}
	defer rows.Close()
	var out []VectorHit
	for rows.Next() {
		var h VectorHit
		if err := rows.Scan(&h.MemoryID, &h.Distance); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SetEmbedding persists a generated embedding for an existing memory and
// keeps memory_vectors in lockstep.
func (s *SQLiteStore) SetEmbedding(ctx context.Context, memoryID string, vecf []float32, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: set embedding begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE memories SET embedding = ?, embedding_updated_at = ? WHERE id = ?`,
		encodeEmbedding(vecf), now, memoryID)
	if err != nil {
		return fmt.Errorf("store: set embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	if err := s.syncVectorTx(ctx, tx, memoryID, vecf); err != nil {
		return err
	}
	return tx.Commit()
}

// EnqueueEmbeddingItem persists a deferred embedding job.
func (s *SQLiteStore) EnqueueEmbeddingItem(ctx context.Context, item *EmbeddingQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO embedding_queue (id, memory_id, content, retry_count, created_at, processed_at, error)
		 VALUES (?,?,?,?,?,?,?)`,
		item.ID, item.MemoryID, item.Content, item.RetryCount, item.CreatedAt, nullInt64(item.ProcessedAt), item.Error,
	)
	if err != nil {
		return fmt.Errorf("store: enqueue embedding: %w", err)
	}
	return nil
}

// NextEmbeddingQueueItems returns up to limit unprocessed embedding jobs,
// oldest first, for one worker tick.
func (s *SQLiteStore) NextEmbeddingQueueItems(ctx context.Context, limit int) ([]*EmbeddingQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, memory_id, content, retry_count, created_at, processed_at, error
		 FROM embedding_queue WHERE processed_at IS NULL ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: next embedding items: %w", err)
	}
	defer rows.Close()
	var out []*EmbeddingQueueItem
	for rows.Next() {
		var it EmbeddingQueueItem
		var processedAt sql.NullInt64
		var errMsg sql.NullString
		if err := rows.Scan(&it.ID, &it.MemoryID, &it.Content, &it.RetryCount, &it.CreatedAt, &processedAt, &errMsg); err != nil {
			return nil, err
		}
		it.ProcessedAt = ptrFromNull(processedAt)
		it.Error = errMsg.String
		out = append(out, &it)
	}
	return out, rows.Err()
}

// MarkEmbeddingProcessed marks a queue item done (errMsg empty) or
// records a failed attempt (errMsg set), leaving it pending for retry.
func (s *SQLiteStore) MarkEmbeddingProcessed(ctx context.Context, id string, now int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errMsg == "" {
		_, err := s.db.ExecContext(ctx, `UPDATE embedding_queue SET processed_at = ? WHERE id = ?`, now, id)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE embedding_queue SET retry_count = retry_count + 1, error = ? WHERE id = ?`, errMsg, id)
	return err
}

// FinalizeEmbeddingItem marks a queue item processed with an error once it
// has exhausted its retry budget, so the worker stops picking it up again
// (spec.md §4.6: "mark processed with an error so the item doesn't loop
// forever").
func (s *SQLiteStore) FinalizeEmbeddingItem(ctx context.Context, id string, now int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE embedding_queue SET processed_at = ?, retry_count = retry_count + 1, error = ? WHERE id = ?`,
		now, errMsg, id)
	return err
}

// CreateAudit records one completed audit run.
func (s *SQLiteStore) CreateAudit(ctx context.Context, a *MemoryAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_audits (id, user_id, thread_id, start_msg_id, end_msg_id, token_count, score, saved, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.UserID, a.ThreadID, a.StartMsgID, a.EndMsgID, a.TokenCount, a.Score, a.Saved, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create audit: %w", err)
	}
	return nil
}

// RecentThreadIDs lists distinct thread ids with audited activity for a
// user, most recent first, for GET /v1/conversations.
func (s *SQLiteStore) RecentThreadIDs(ctx context.Context, userID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id FROM memory_audits WHERE user_id = ? GROUP BY thread_id ORDER BY MAX(created_at) DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent threads: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var tid string
		if err := rows.Scan(&tid); err != nil {
			return nil, err
		}
		out = append(out, tid)
	}
	return out, rows.Err()
}

// UpsertThreadSummary writes or replaces a thread's summary.
func (s *SQLiteStore) UpsertThreadSummary(ctx context.Context, t *ThreadSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_summaries (thread_id, user_id, summary, updated_at, deleted)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT(thread_id) DO UPDATE SET summary=excluded.summary, updated_at=excluded.updated_at, deleted=excluded.deleted`,
		t.ThreadID, t.UserID, t.Summary, t.UpdatedAt, boolToInt(t.Deleted),
	)
	if err != nil {
		return fmt.Errorf("store: upsert thread summary: %w", err)
	}
	return nil
}

// GetThreadSummary fetches a thread's summary, if any.
func (s *SQLiteStore) GetThreadSummary(ctx context.Context, userID, threadID string) (*ThreadSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var t ThreadSummary
	var deleted int
	err := s.db.QueryRowContext(ctx,
		`SELECT thread_id, user_id, summary, updated_at, deleted FROM thread_summaries WHERE thread_id = ? AND user_id = ?`,
		threadID, userID,
	).Scan(&t.ThreadID, &t.UserID, &t.Summary, &t.UpdatedAt, &deleted)
	if err != nil {
		return nil, err
	}
	t.Deleted = deleted != 0
	return &t, nil
}

// UpsertUserProfile caches a rebuilt profile.
func (s *SQLiteStore) UpsertUserProfile(ctx context.Context, p *UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_profiles (user_id, profile_json, last_updated) VALUES (?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET profile_json=excluded.profile_json, last_updated=excluded.last_updated`,
		p.UserID, p.ProfileJSON, p.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("store: upsert user profile: %w", err)
	}
	return nil
}

// GetUserProfile fetches a cached profile, if any.
func (s *SQLiteStore) GetUserProfile(ctx context.Context, userID string) (*UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var p UserProfile
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, profile_json, last_updated FROM user_profiles WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.ProfileJSON, &p.LastUpdated)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CountLiveMemories reports how many live memories a user has, for
// GET /v1/metrics.
func (s *SQLiteStore) CountLiveMemories(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE user_id = ? AND deleted_at IS NULL`, userID).Scan(&n)
	return n, err
}

// CountAudits reports how many audit runs have been recorded for a user,
// for GET /v1/metrics.
func (s *SQLiteStore) CountAudits(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_audits WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// LastAuditAt returns the created_at of a user's most recent audit run.
// ok is false if the user has no audit history yet.
func (s *SQLiteStore) LastAuditAt(ctx context.Context, userID string) (ts int64, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last sql.NullInt64
	err = s.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM memory_audits WHERE user_id = ?`, userID).Scan(&last)
	if err != nil {
		return 0, false, err
	}
	if !last.Valid {
		return 0, false, nil
	}
	return last.Int64, true, nil
}

// DBSizeBytes reports the on-disk size of the SQLite database file via
// the page_count/page_size pragmas.
func (s *SQLiteStore) DBSizeBytes(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("store: page_count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("store: page_size: %w", err)
	}
	return pageCount * pageSize, nil
}

// exportDoc is the portable JSON snapshot shape for /v1/admin/export and
// /v1/admin/import.
type exportDoc struct {
	Memories       []*Memory        `json:"memories"`
	Audits         []*MemoryAudit   `json:"audits"`
	ThreadSummaries []*ThreadSummary `json:"threadSummaries"`
	ExportedAt     int64            `json:"exportedAt"`
}

// Export serializes every memory, audit, and thread summary for a user to
// a portable JSON document, for operational backup/migration.
func (s *SQLiteStore) Export(ctx context.Context, userID string, now int64) ([]byte, error) {
	mems, err := s.LiveMemoriesForRetention(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("store: export memories: %w", err)
	}

	s.mu.RLock()
	auditRows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, thread_id, start_msg_id, end_msg_id, token_count, score, saved, created_at
		 FROM memory_audits WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("store: export audits: %w", err)
	}
	var audits []*MemoryAudit
	for auditRows.Next() {
		var a MemoryAudit
		if err := auditRows.Scan(&a.ID, &a.UserID, &a.ThreadID, &a.StartMsgID, &a.EndMsgID, &a.TokenCount, &a.Score, &a.Saved, &a.CreatedAt); err != nil {
			auditRows.Close()
			s.mu.RUnlock()
			return nil, err
		}
		audits = append(audits, &a)
	}
	auditRows.Close()

	summaryRows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, user_id, summary, updated_at, deleted FROM thread_summaries WHERE user_id = ?`, userID)
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("store: export summaries: %w", err)
	}
	var summaries []*ThreadSummary
	for summaryRows.Next() {
		var t ThreadSummary
		var deleted int
		if err := summaryRows.Scan(&t.ThreadID, &t.UserID, &t.Summary, &t.UpdatedAt, &deleted); err != nil {
			summaryRows.Close()
			s.mu.RUnlock()
			return nil, err
		}
		t.Deleted = deleted != 0
		summaries = append(summaries, &t)
	}
	summaryRows.Close()
	s.mu.RUnlock()

	doc := exportDoc{Memories: mems, Audits: audits, ThreadSummaries: summaries, ExportedAt: now}
	return json.MarshalIndent(doc, "", "  ")
}

// Import reloads a previously exported document for a user inside a single
// transaction, replacing that user's memories/audits/summaries wholesale.
func (s *SQLiteStore) Import(ctx context.Context, userID string, data []byte) error {
	var doc exportDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("store: import decode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: import begin: %w", err)
	}
	defer tx.Rollback()

	// memory_threads and memory_vectors key off memory_id, not user_id, so
	// they must be cleared via the about-to-be-deleted memories themselves,
	// before the memories row disappears and that join is no longer possible.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_threads WHERE memory_id IN (SELECT id FROM memories WHERE user_id = ?)`, userID); err != nil {
		return fmt.Errorf("store: import clear thread set: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_vectors WHERE memory_id IN (SELECT id FROM memories WHERE user_id = ?)`, userID); err != nil {
		return fmt.Errorf("store: import clear vectors: %w", err)
	}
	for _, table := range []string{"memories", "memory_audits", "thread_summaries"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("store: import clear %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("store: import clear fts: %w", err)
	}

	sort.Slice(doc.Memories, func(i, j int) bool { return doc.Memories[i].CreatedAt < doc.Memories[j].CreatedAt })

	for _, m := range doc.Memories {
		m.UserID = userID
		_, err := tx.ExecContext(ctx, `INSERT INTO memories
			(id, user_id, thread_id, content, entities, priority, confidence, redaction_map,
			 tier, source_thread_id, repeats, last_seen_ts, created_at, updated_at, deleted_at,
			 embedding, embedding_updated_at, decay_weeks_applied)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			m.ID, m.UserID, m.ThreadID, m.Content, encodeStrings(m.Entities), m.Priority, m.Confidence,
			encodeMap(m.RedactionMap), string(m.Tier), m.SourceThreadID, m.Repeats, m.LastSeenTs,
			m.CreatedAt, m.UpdatedAt, nullInt64(m.DeletedAt), encodeEmbedding(m.Embedding), nullInt64(m.EmbeddingUpdatedAt),
			m.DecayWeeksApplied,
		)
		if err != nil {
			return fmt.Errorf("store: import memory %s: %w", m.ID, err)
		}
		if err := s.syncThreadSetTx(ctx, tx, m.ID, m.ThreadSet, m.CreatedAt); err != nil {
			return err
		}
		if err := s.syncFTSTx(ctx, tx, m); err != nil {
			return err
		}
		if err := s.syncVectorTx(ctx, tx, m.ID, m.Embedding); err != nil {
			return err
		}
	}

	for _, a := range doc.Audits {
		a.UserID = userID
		_, err := tx.ExecContext(ctx,
			`INSERT INTO memory_audits (id, user_id, thread_id, start_msg_id, end_msg_id, token_count, score, saved, created_at)
			 VALUES (?,?,?,?,?,?,?,?,?)`,
			a.ID, a.UserID, a.ThreadID, a.StartMsgID, a.EndMsgID, a.TokenCount, a.Score, a.Saved, a.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("store: import audit %s: %w", a.ID, err)
		}
	}

	for _, t := range doc.ThreadSummaries {
		t.UserID = userID
		_, err := tx.ExecContext(ctx,
			`INSERT INTO thread_summaries (thread_id, user_id, summary, updated_at, deleted) VALUES (?,?,?,?,?)`,
			t.ThreadID, t.UserID, t.Summary, t.UpdatedAt, boolToInt(t.Deleted),
		)
		if err != nil {
			return fmt.Errorf("store: import summary %s: %w", t.ThreadID, err)
		}
	}

	return tx.Commit()
}
