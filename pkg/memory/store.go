package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/priya/pkg/logger"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"
)

const tsLayout = "2006-01-02T15:04:05.000Z"

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

type Options struct {
	Path     string
	Embedder Embedder
	// EmbedOnSave computes the embedding inside Append; otherwise rows wait
	// for BackfillEmbeddings.
	EmbedOnSave bool
	// MaxIndexMB bounds the in-memory vector arena; 0 means unbounded.
	MaxIndexMB    int
	RecallLimit   int
	RecallTokens  int
	RecallTimeout time.Duration
	CacheTTL      time.Duration
	AssistantName string
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Embedder == nil {
		o.Embedder = NewEmbedder("")
	}
	if o.RecallLimit <= 0 {
		o.RecallLimit = 10
	}
	if o.RecallTokens <= 0 {
		o.RecallTokens = 1500
	}
	if o.RecallTimeout <= 0 {
		o.RecallTimeout = 5 * time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	if strings.TrimSpace(o.AssistantName) == "" {
		o.AssistantName = "Priya"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// SQLiteStore is the persistent, append-only memory store. Writes are
// serialized through writeMu; reads run concurrently.
type SQLiteStore struct {
	opts Options
	db   *sql.DB

	writeMu sync.Mutex
	index   *vectorIndex
	cache   *recallCache
	flight  singleflight.Group
	pairRe  pairParser

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSQLiteStore creates/opens the memory database at opts.Path and
// rebuilds the vector index from stored embeddings.
func NewSQLiteStore(ctx context.Context, opts Options) (*SQLiteStore, error) {
	opts = opts.withDefaults()
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("memory db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	dsn := "file:" + opts.Path +
		"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=temp_store(MEMORY)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	capacity := 0
	if opts.MaxIndexMB > 0 {
		capacity = opts.MaxIndexMB * (1 << 20) / (Dims * 4)
	}
	s := &SQLiteStore{
		opts:   opts,
		db:     db,
		index:  newVectorIndex(Dims, capacity),
		cache:  newRecallCache(opts.CacheTTL, opts.Now),
		pairRe: newPairParser(opts.AssistantName),
		closed: make(chan struct{}),
	}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.RebuildIndex(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteStore) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *SQLiteStore) init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memories (
			id INTEGER PRIMARY KEY,
			user_id TEXT NOT NULL,
			scope_id TEXT NULL,
			content TEXT NOT NULL,
			embedding BLOB NULL,
			metadata TEXT NULL,
			timestamp DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
			importance REAL DEFAULT 0.5
		);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_user ON memories(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(scope_id);`,
		`CREATE TABLE IF NOT EXISTS user_contexts (
			user_id TEXT PRIMARY KEY,
			first_seen TEXT NOT NULL,
			conversation_count INTEGER NOT NULL DEFAULT 0,
			friendship_level REAL NOT NULL DEFAULT 0,
			last_interaction TEXT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS provider_usage (
			name TEXT NOT NULL,
			day TEXT NOT NULL,
			used INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (name, day)
		);`,
		`CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return s.syncEmbeddingModel(ctx)
}

// syncEmbeddingModel records the embedder's model id. When it differs from
// the one the stored vectors were made with, those vectors are cleared so
// BackfillEmbeddings recomputes them.
func (s *SQLiteStore) syncEmbeddingModel(ctx context.Context) error {
	model := s.opts.Embedder.ModelID()
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = 'embedding_model'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return goerr.Wrap(err, "read embedding model")
	case stored == model:
		return nil
	default:
		res, err := s.db.ExecContext(ctx, `UPDATE memories SET embedding = NULL WHERE embedding IS NOT NULL`)
		if err != nil {
			return goerr.Wrap(err, "reset embeddings", goerr.V("from", stored), goerr.V("to", model))
		}
		n, _ := res.RowsAffected()
		logger.InfoCF("memory", "Embedding model changed; vectors queued for backfill", map[string]any{
			"from": stored,
			"to":   model,
			"rows": n,
		})
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO store_meta (key, value) VALUES ('embedding_model', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, model)
	if err != nil {
		return goerr.Wrap(err, "record embedding model")
	}
	return nil
}

// EmbeddingModel reports the model id vectors are computed with.
func (s *SQLiteStore) EmbeddingModel() string { return s.opts.Embedder.ModelID() }

// Save appends a memory and returns its id, or -1 when the store is
// unavailable.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) int64 {
	id, err := s.Append(ctx, rec)
	if err != nil {
		logger.ErrorCF("memory", "Memory save failed", map[string]any{
			"user_id": rec.UserID,
			"error":   err,
		})
		return -1
	}
	return id
}

// Append inserts one row. The write is committed before Append returns.
func (s *SQLiteStore) Append(ctx context.Context, rec Record) (int64, error) {
	if s.isClosed() {
		return -1, ErrStoreClosed
	}
	if strings.TrimSpace(rec.UserID) == "" {
		return -1, ErrEmptyUser
	}
	if strings.TrimSpace(rec.Content) == "" {
		return -1, goerr.Wrap(ErrEmptyText, "append memory", goerr.V("user_id", rec.UserID))
	}
	importance := rec.Importance
	if importance == 0 {
		importance = defaultImportance
	}
	importance = math.Max(0, math.Min(1, importance))

	var meta sql.NullString
	if len(rec.Metadata) > 0 {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return -1, goerr.Wrap(err, "encode memory metadata")
		}
		meta = sql.NullString{String: string(raw), Valid: true}
	}
	var scope sql.NullString
	if rec.ScopeID != "" {
		scope = sql.NullString{String: rec.ScopeID, Valid: true}
	}
	var (
		vec  []float32
		blob []byte
	)
	if s.opts.EmbedOnSave {
		vec = s.opts.Embedder.Embed(rec.Content)
		blob = encodeVector(vec)
	}

	s.writeMu.Lock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (user_id, scope_id, content, embedding, metadata, timestamp, importance) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, scope, rec.Content, blob, meta, formatTS(s.opts.Now()), importance)
	s.writeMu.Unlock()
	if err != nil {
		return -1, goerr.Wrap(err, "insert memory", goerr.V("user_id", rec.UserID))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return -1, goerr.Wrap(err, "read memory id")
	}

	if vec != nil && !s.index.add(id, rec.UserID, vec) {
		logger.WarnCF("memory", "Vector index full; row kept for keyword recall only", map[string]any{
			"row_id": id,
			"size":   s.index.len(),
		})
	}
	s.cache.invalidate(rec.UserID)
	return id, nil
}

// SaveSummary stores a compression rollup as a [SUMMARY] row.
func (s *SQLiteStore) SaveSummary(ctx context.Context, userID, scopeID, summary string) (int64, error) {
	return s.Append(ctx, Record{
		UserID:     userID,
		ScopeID:    scopeID,
		Content:    SummaryPrefix + strings.TrimSpace(summary),
		Importance: summaryImportance,
		Metadata:   map[string]any{"type": "summary"},
	})
}

const entryColumns = `id, user_id, scope_id, content, embedding IS NOT NULL, metadata, timestamp, importance`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e     Entry
		scope sql.NullString
		meta  sql.NullString
		ts    sql.NullString
		imp   sql.NullFloat64
	)
	if err := row.Scan(&e.ID, &e.UserID, &scope, &e.Content, &e.HasEmbedding, &meta, &ts, &imp); err != nil {
		return Entry{}, err
	}
	e.ScopeID = scope.String
	e.Timestamp = parseTS(ts.String)
	e.Importance = defaultImportance
	if imp.Valid {
		e.Importance = imp.Float64
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &e.Metadata)
	}
	return e, nil
}

func (s *SQLiteStore) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of rows stored for userID.
func (s *SQLiteStore) Count(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, goerr.Wrap(err, "count memories", goerr.V("user_id", userID))
	}
	return n, nil
}

// UserStats summarises one user's rows.
func (s *SQLiteStore) UserStats(ctx context.Context, userID string) (Stats, error) {
	var (
		st    Stats
		avg   sql.NullFloat64
		first sql.NullString
		last  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(importance), MIN(timestamp), MAX(timestamp) FROM memories WHERE user_id = ?`,
		userID).Scan(&st.Count, &avg, &first, &last)
	if err != nil {
		return Stats{}, goerr.Wrap(err, "memory stats", goerr.V("user_id", userID))
	}
	st.AvgImportance = avg.Float64
	if first.Valid {
		st.FirstTS = parseTS(first.String)
	}
	if last.Valid {
		st.LastTS = parseTS(last.String)
	}
	return st, nil
}

// Entries lists a user's rows oldest first.
func (s *SQLiteStore) Entries(ctx context.Context, userID string) ([]Entry, error) {
	out, err := s.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM memories WHERE user_id = ? ORDER BY timestamp ASC, id ASC`, userID)
	if err != nil {
		return nil, goerr.Wrap(err, "list memories", goerr.V("user_id", userID))
	}
	return out, nil
}

// ExportUser gathers the user context and every memory row for userID.
func (s *SQLiteStore) ExportUser(ctx context.Context, userID string) (*Export, error) {
	entries, err := s.Entries(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats, err := s.UserStats(ctx, userID)
	if err != nil {
		return nil, err
	}
	exp := &Export{Memories: entries, Stats: stats}
	if exp.Memories == nil {
		exp.Memories = []Entry{}
	}
	uc, ok, err := s.LoadUserContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ok {
		exp.User = &uc
	}
	return exp, nil
}

// Cleanup deletes rows older than days with importance below retentionImportance, then
// rebuilds the vector index.
func (s *SQLiteStore) Cleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		days = 90
	}
	cutoff := formatTS(s.opts.Now().Add(-time.Duration(days) * 24 * time.Hour))

	s.writeMu.Lock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM memories WHERE timestamp < ? AND importance < ?`, cutoff, retentionImportance)
	s.writeMu.Unlock()
	if err != nil {
		return 0, goerr.Wrap(err, "memory cleanup", goerr.V("days", days))
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if err := s.RebuildIndex(ctx); err != nil {
			return n, err
		}
		s.cache.clear()
	}
	logger.InfoCF("memory", "Retention cleanup finished", map[string]any{
		"deleted": n,
		"days":    days,
	})
	return n, nil
}

// RebuildIndex streams every stored embedding into a fresh arena.
func (s *SQLiteStore) RebuildIndex(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, embedding FROM memories WHERE embedding IS NOT NULL ORDER BY id ASC`)
	if err != nil {
		return goerr.Wrap(err, "scan embeddings")
	}
	defer rows.Close()

	s.index.reset()
	skipped := 0
	for rows.Next() {
		var (
			id   int64
			user string
			blob []byte
		)
		if err := rows.Scan(&id, &user, &blob); err != nil {
			return goerr.Wrap(err, "scan embedding row")
		}
		vec, err := decodeVector(blob)
		if err != nil || !s.index.add(id, user, vec) {
			skipped++
		}
	}
	if err := rows.Err(); err != nil {
		return goerr.Wrap(err, "scan embeddings")
	}
	logger.DebugCF("memory", "Vector index rebuilt", map[string]any{
		"size":    s.index.len(),
		"skipped": skipped,
	})
	return nil
}

// BackfillEmbeddings embeds up to limit rows that were stored without one.
func (s *SQLiteStore) BackfillEmbeddings(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content FROM memories WHERE embedding IS NULL ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return 0, goerr.Wrap(err, "select rows to embed")
	}
	type pending struct {
		id      int64
		user    string
		content string
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.user, &p.content); err != nil {
			rows.Close()
			return 0, goerr.Wrap(err, "scan row to embed")
		}
		todo = append(todo, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, goerr.Wrap(err, "select rows to embed")
	}

	done := 0
	for _, p := range todo {
		if ctx.Err() != nil {
			break
		}
		vec := s.opts.Embedder.Embed(p.content)
		s.writeMu.Lock()
		_, err := s.db.ExecContext(ctx, `UPDATE memories SET embedding = ? WHERE id = ? AND embedding IS NULL`, encodeVector(vec), p.id)
		s.writeMu.Unlock()
		if err != nil {
			return done, goerr.Wrap(err, "store embedding", goerr.V("row_id", p.id))
		}
		s.index.add(p.id, p.user, vec)
		done++
	}
	if done > 0 {
		logger.DebugCF("memory", "Embeddings backfilled", map[string]any{"rows": done})
	}
	return done, nil
}

// Checkpoint folds the WAL back into the main database file.
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`); err != nil {
		return goerr.Wrap(err, "wal checkpoint")
	}
	return nil
}

// Ping reports whether the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	return s.db.PingContext(ctx)
}

// IndexSize is the number of vectors held in memory.
func (s *SQLiteStore) IndexSize() int { return s.index.len() }
