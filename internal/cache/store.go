// Package cache implements the process-local result/schema cache: deterministic
// key derivation, a TTL key/value store with lazy expiration and hit tracking,
// and an append-only metric log for hit-ratio analytics. Entries live in a
// local SQLite database owned by this process; a restart yields a cold cache.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clipdesk/api/internal/logging"
	"github.com/clipdesk/api/internal/metrics"
)

const migrate = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key        TEXT PRIMARY KEY,
	class            TEXT NOT NULL,
	scope_label      TEXT,
	content_hash     TEXT NOT NULL,
	params_hash      TEXT,
	payload          BLOB NOT NULL,
	metadata         TEXT NOT NULL DEFAULT '{}',
	created_at       INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	ttl_seconds      INTEGER NOT NULL,
	hit_count        INTEGER NOT NULL DEFAULT 0,
	last_accessed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_scope ON cache_entries(class, scope_label);
CREATE INDEX IF NOT EXISTS idx_cache_entries_content ON cache_entries(class, content_hash);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expiry ON cache_entries(class, expires_at);

CREATE TABLE IF NOT EXISTS cache_metrics (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	metric_name TEXT NOT NULL,
	value       REAL NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_metrics_name ON cache_metrics(metric_name, recorded_at);
`

// Open opens (or creates) the cache database at path and applies the schema.
// ":memory:" gives a throwaway in-process store for tests.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	// SQLite allows a single writer; a one-connection pool makes every
	// upsert an atomic replace without SQLITE_BUSY handling.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(migrate); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return db, nil
}

// Metadata carries descriptive fields stored alongside a cached payload
// (columns, row count, timing — or table/column counts for schema entries).
type Metadata map[string]interface{}

// PutOptions carries the secondary entry attributes for a write.
type PutOptions struct {
	TTLSeconds  int64
	ScopeLabel  string
	ContentHash string
	ParamsHash  string
}

// LookupState tags the outcome of a Get.
type LookupState int

const (
	// LookupMiss means no live entry exists for the key.
	LookupMiss LookupState = iota
	// LookupHit means a live entry was found and hit tracking was updated.
	LookupHit
	// LookupError means the storage read itself failed; callers treat it
	// as a miss. The error is kept for logging only.
	LookupError
)

// Lookup is the result of a Get.
type Lookup struct {
	State    LookupState
	Payload  []byte
	Metadata Metadata
	CacheKey string
	CachedAt time.Time
	Err      error
}

// Hit reports whether the lookup found a live entry.
func (l Lookup) Hit() bool { return l.State == LookupHit }

// Entry is a stored cache entry as returned by Top.
type Entry struct {
	CacheKey       string     `json:"cache_key"`
	ScopeLabel     string     `json:"scope_label,omitempty"`
	ContentHash    string     `json:"content_hash"`
	ParamsHash     string     `json:"params_hash,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	TTLSeconds     int64      `json:"ttl_seconds"`
	HitCount       int64      `json:"hit_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	PayloadBytes   int64      `json:"payload_bytes"`
}

// Stats summarizes a cache class, shaped for direct serialization.
type Stats struct {
	TotalEntries      int64   `json:"total_entries"`
	ActiveEntries     int64   `json:"active_entries"`
	ExpiredEntries    int64   `json:"expired_entries"`
	TotalHits         int64   `json:"total_hits"`
	AvgHitsPerEntry   float64 `json:"avg_hits_per_entry"`
	MaxHits           int64   `json:"max_hits"`
	TotalPayloadBytes int64   `json:"total_payload_bytes"`
	AvgPayloadBytes   float64 `json:"avg_payload_bytes"`
	HitRatio          float64 `json:"hit_ratio"`
}

// Store is a TTL key/value cache for one entry class. Two instances share the
// backing database: one for query results, one for schemas. Storage failures
// never propagate to callers; reads degrade to a miss and writes are no-ops.
type Store struct {
	db          *sql.DB
	class       string
	hashContent func(string) string
	rec         *Recorder
	logger      *logging.Logger
	now         func() time.Time
}

// NewQueryStore creates the query-result cache instance.
func NewQueryStore(db *sql.DB, rec *Recorder, logger *logging.Logger) *Store {
	return newStore(db, "query_results", ContentHash, rec, logger)
}

// NewSchemaStore creates the schema cache instance. Content invalidation keys
// off the credential-stripped connection descriptor.
func NewSchemaStore(db *sql.DB, rec *Recorder, logger *logging.Logger) *Store {
	return newStore(db, "schema", ConnectionHash, rec, logger)
}

func newStore(db *sql.DB, class string, hashContent func(string) string, rec *Recorder, logger *logging.Logger) *Store {
	return &Store{
		db:          db,
		class:       class,
		hashContent: hashContent,
		rec:         rec,
		logger:      logger,
		now:         time.Now,
	}
}

// Class returns the entry class this store manages.
func (s *Store) Class() string { return s.class }

// Put upserts an entry by key with replace semantics: hit tracking resets and
// the expiry clock restarts. A failed write is logged and swallowed so it
// cannot invalidate the already-successful primary operation.
func (s *Store) Put(key string, payload []byte, meta Metadata, opts PutOptions) {
	now := s.now()
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metaJSON = []byte("{}")
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO cache_entries
			(cache_key, class, scope_label, content_hash, params_hash, payload, metadata,
			 created_at, expires_at, ttl_seconds, hit_count, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)`,
		key, s.class, nullable(opts.ScopeLabel), opts.ContentHash, nullable(opts.ParamsHash),
		payload, string(metaJSON), now.Unix(), now.Unix()+opts.TTLSeconds, opts.TTLSeconds,
	)
	if err != nil {
		s.logger.Warn("Cache write failed", logging.Fields{
			"class":     s.class,
			"cache_key": key,
			"error":     err.Error(),
		})
		return
	}

	s.rec.Record(s.class+".write", 1)
	metrics.RecordCacheWrite(s.class)
}

// Get looks up a live entry. Expired entries are deleted on access (lazy
// expiration) and reported as misses. A hit increments hit_count and updates
// last_accessed_at.
func (s *Store) Get(key string) Lookup {
	var (
		payload   []byte
		metaJSON  string
		createdAt int64
		expiresAt int64
	)

	err := s.db.QueryRow(
		`SELECT payload, metadata, created_at, expires_at
		 FROM cache_entries WHERE cache_key = ? AND class = ?`,
		key, s.class,
	).Scan(&payload, &metaJSON, &createdAt, &expiresAt)

	if err == sql.ErrNoRows {
		metrics.RecordCacheLookup(s.class, "miss")
		return Lookup{State: LookupMiss, CacheKey: key}
	}
	if err != nil {
		s.logger.Warn("Cache read failed", logging.Fields{
			"class":     s.class,
			"cache_key": key,
			"error":     err.Error(),
		})
		metrics.RecordCacheLookup(s.class, "error")
		return Lookup{State: LookupError, CacheKey: key, Err: err}
	}

	now := s.now()
	if now.Unix() >= expiresAt {
		if _, err := s.db.Exec(`DELETE FROM cache_entries WHERE cache_key = ? AND class = ?`, key, s.class); err != nil {
			s.logger.Warn("Failed to delete expired cache entry", logging.Fields{
				"class":     s.class,
				"cache_key": key,
				"error":     err.Error(),
			})
		}
		s.rec.Record(s.class+".expiry", 1)
		metrics.RecordCacheLookup(s.class, "expired")
		return Lookup{State: LookupMiss, CacheKey: key}
	}

	_, err = s.db.Exec(
		`UPDATE cache_entries SET hit_count = hit_count + 1, last_accessed_at = ?
		 WHERE cache_key = ? AND class = ?`,
		now.Unix(), key, s.class,
	)
	if err != nil {
		s.logger.Warn("Failed to update cache hit tracking", logging.Fields{
			"class":     s.class,
			"cache_key": key,
			"error":     err.Error(),
		})
	}

	var meta Metadata
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		meta = Metadata{}
	}

	s.rec.Record(s.class+".hit", 1)
	metrics.RecordCacheLookup(s.class, "hit")

	return Lookup{
		State:    LookupHit,
		Payload:  payload,
		Metadata: meta,
		CacheKey: key,
		CachedAt: time.Unix(createdAt, 0).UTC(),
	}
}

// InvalidateByScope deletes every entry carrying the scope label and returns
// the count deleted.
func (s *Store) InvalidateByScope(scope string) int64 {
	count := s.deleteWhere(`class = ? AND scope_label = ?`, s.class, scope)
	s.rec.Record(s.class+".invalidation", float64(count))
	return count
}

// InvalidateByContent deletes every entry sharing the content hash of the
// given SQL text or connection descriptor, regardless of scope or parameters.
func (s *Store) InvalidateByContent(text string) int64 {
	count := s.deleteWhere(`class = ? AND content_hash = ?`, s.class, s.hashContent(text))
	s.rec.Record(s.class+".invalidation", float64(count))
	return count
}

// ClearExpired sweeps all entries whose expiry has passed and returns the
// count removed.
func (s *Store) ClearExpired() int64 {
	count := s.deleteWhere(`class = ? AND expires_at < ?`, s.class, s.now().Unix())
	s.rec.Record(s.class+".sweep", float64(count))
	return count
}

// ClearAll empties the store and returns the count removed.
func (s *Store) ClearAll() int64 {
	count := s.deleteWhere(`class = ?`, s.class)
	s.rec.Record(s.class+".clear", float64(count))
	return count
}

func (s *Store) deleteWhere(where string, args ...interface{}) int64 {
	res, err := s.db.Exec(`DELETE FROM cache_entries WHERE `+where, args...)
	if err != nil {
		s.logger.Warn("Cache delete failed", logging.Fields{
			"class": s.class,
			"error": err.Error(),
		})
		return 0
	}
	count, _ := res.RowsAffected()
	return count
}

// Stats summarizes the store. The hit ratio comes from the metric log over the
// default trailing window.
func (s *Store) Stats() Stats {
	var st Stats
	now := s.now().Unix()

	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(hit_count), 0),
		       COALESCE(MAX(hit_count), 0),
		       COALESCE(SUM(LENGTH(payload)), 0)
		FROM cache_entries WHERE class = ?`, s.class,
	).Scan(&st.TotalEntries, &st.TotalHits, &st.MaxHits, &st.TotalPayloadBytes)
	if err != nil {
		s.logger.Warn("Cache stats query failed", logging.Fields{
			"class": s.class,
			"error": err.Error(),
		})
		return st
	}

	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM cache_entries WHERE class = ? AND expires_at > ?`,
		s.class, now,
	).Scan(&st.ActiveEntries); err == nil {
		st.ExpiredEntries = st.TotalEntries - st.ActiveEntries
	}

	if st.TotalEntries > 0 {
		st.AvgHitsPerEntry = float64(st.TotalHits) / float64(st.TotalEntries)
		st.AvgPayloadBytes = float64(st.TotalPayloadBytes) / float64(st.TotalEntries)
	}

	st.HitRatio = s.rec.HitRatio(s.class+".hit", s.class+".write", DefaultRatioWindow)
	return st
}

// Top returns up to n entries ordered by hit count descending.
func (s *Store) Top(n int) []Entry {
	rows, err := s.db.Query(`
		SELECT cache_key, scope_label, content_hash, params_hash,
		       created_at, expires_at, ttl_seconds, hit_count, last_accessed_at,
		       LENGTH(payload)
		FROM cache_entries WHERE class = ?
		ORDER BY hit_count DESC, cache_key ASC
		LIMIT ?`, s.class, n)
	if err != nil {
		s.logger.Warn("Cache top query failed", logging.Fields{
			"class": s.class,
			"error": err.Error(),
		})
		return nil
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e            Entry
			scope        sql.NullString
			paramsHash   sql.NullString
			createdAt    int64
			expiresAt    int64
			lastAccessed sql.NullInt64
		)
		if err := rows.Scan(&e.CacheKey, &scope, &e.ContentHash, &paramsHash,
			&createdAt, &expiresAt, &e.TTLSeconds, &e.HitCount, &lastAccessed,
			&e.PayloadBytes); err != nil {
			continue
		}
		if scope.Valid {
			e.ScopeLabel = scope.String
		}
		if paramsHash.Valid {
			e.ParamsHash = paramsHash.String
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		e.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		if lastAccessed.Valid {
			t := time.Unix(lastAccessed.Int64, 0).UTC()
			e.LastAccessedAt = &t
		}
		entries = append(entries, e)
	}

	return entries
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
