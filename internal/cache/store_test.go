package cache

import (
	"database/sql"
	"testing"
	"time"

	"github.com/clipdesk/api/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLogger("error", "json", "stdout")
}

func openTestStore(t *testing.T) (*sql.DB, *Store, *Recorder) {
	t.Helper()

	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := testLogger()
	rec := NewRecorder(db, logger)
	return db, NewQueryStore(db, rec, logger), rec
}

func TestPutGetRoundTrip(t *testing.T) {
	_, store, _ := openTestStore(t)

	payload := []byte(`{"rows":[{"id":1}]}`)
	meta := Metadata{"row_count": float64(1)}
	store.Put("q:abc", payload, meta, PutOptions{TTLSeconds: 60, ContentHash: "abc"})

	got := store.Get("q:abc")
	if !got.Hit() {
		t.Fatalf("expected hit, got state %v", got.State)
	}
	if string(got.Payload) != string(payload) {
		t.Errorf("payload = %q, want %q", got.Payload, payload)
	}
	if got.Metadata["row_count"] != float64(1) {
		t.Errorf("metadata row_count = %v, want 1", got.Metadata["row_count"])
	}
	if got.CacheKey != "q:abc" {
		t.Errorf("cache key = %q, want q:abc", got.CacheKey)
	}
	if got.CachedAt.IsZero() {
		t.Error("expected CachedAt to be set")
	}
}

func TestGetMissOnUnknownKey(t *testing.T) {
	_, store, _ := openTestStore(t)

	got := store.Get("q:missing")
	if got.State != LookupMiss {
		t.Errorf("state = %v, want miss", got.State)
	}
	if got.Payload != nil {
		t.Errorf("unexpected payload on miss: %q", got.Payload)
	}
}

func TestGetIncrementsHitCount(t *testing.T) {
	db, store, _ := openTestStore(t)

	store.Put("q:hot", []byte("x"), nil, PutOptions{TTLSeconds: 60, ContentHash: "h"})

	for i := 0; i < 3; i++ {
		if got := store.Get("q:hot"); !got.Hit() {
			t.Fatalf("read %d: expected hit", i)
		}
	}

	var hits int64
	var lastAccessed sql.NullInt64
	err := db.QueryRow(
		`SELECT hit_count, last_accessed_at FROM cache_entries WHERE cache_key = ?`, "q:hot",
	).Scan(&hits, &lastAccessed)
	if err != nil {
		t.Fatalf("query entry: %v", err)
	}
	if hits != 3 {
		t.Errorf("hit_count = %d, want 3", hits)
	}
	if !lastAccessed.Valid {
		t.Error("expected last_accessed_at to be set after reads")
	}
}

func TestPutReplaceResetsHitTracking(t *testing.T) {
	db, store, _ := openTestStore(t)

	store.Put("q:key", []byte("v1"), nil, PutOptions{TTLSeconds: 60, ContentHash: "h"})
	store.Get("q:key")
	store.Get("q:key")

	store.Put("q:key", []byte("v2"), nil, PutOptions{TTLSeconds: 60, ContentHash: "h"})

	var hits int64
	if err := db.QueryRow(
		`SELECT hit_count FROM cache_entries WHERE cache_key = ?`, "q:key",
	).Scan(&hits); err != nil {
		t.Fatalf("query entry: %v", err)
	}
	if hits != 0 {
		t.Errorf("hit_count after replace = %d, want 0", hits)
	}

	got := store.Get("q:key")
	if string(got.Payload) != "v2" {
		t.Errorf("payload after replace = %q, want v2", got.Payload)
	}
}

func TestExpiryBoundary(t *testing.T) {
	db, store, _ := openTestStore(t)

	t0 := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return t0 }
	store.Put("q:ttl", []byte("x"), nil, PutOptions{TTLSeconds: 100, ContentHash: "h"})

	// One second before expiry the entry is still live.
	store.now = func() time.Time { return t0.Add(99 * time.Second) }
	if got := store.Get("q:ttl"); !got.Hit() {
		t.Fatalf("expected hit before expiry, got state %v", got.State)
	}

	// At and after expiry the entry reads as a miss and is removed.
	store.now = func() time.Time { return t0.Add(101 * time.Second) }
	if got := store.Get("q:ttl"); got.State != LookupMiss {
		t.Fatalf("expected miss after expiry, got state %v", got.State)
	}

	var count int64
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM cache_entries WHERE cache_key = ?`, "q:ttl",
	).Scan(&count); err != nil {
		t.Fatalf("query count: %v", err)
	}
	if count != 0 {
		t.Errorf("expired entry still present, count = %d", count)
	}
}

func TestInvalidateByScope(t *testing.T) {
	_, store, _ := openTestStore(t)

	store.Put("q:a1", []byte("x"), nil, PutOptions{TTLSeconds: 60, ScopeLabel: "clip-a", ContentHash: "1"})
	store.Put("q:a2", []byte("x"), nil, PutOptions{TTLSeconds: 60, ScopeLabel: "clip-a", ContentHash: "2"})
	store.Put("q:b1", []byte("x"), nil, PutOptions{TTLSeconds: 60, ScopeLabel: "clip-b", ContentHash: "3"})

	if n := store.InvalidateByScope("clip-a"); n != 2 {
		t.Errorf("invalidated %d entries, want 2", n)
	}

	if store.Get("q:a1").Hit() || store.Get("q:a2").Hit() {
		t.Error("scoped entries survived invalidation")
	}
	if !store.Get("q:b1").Hit() {
		t.Error("unrelated scope was invalidated")
	}
}

func TestInvalidateByContent(t *testing.T) {
	_, store, _ := openTestStore(t)

	sqlText := "SELECT * FROM users"
	hash := ContentHash(sqlText)

	// Same SQL cached under different parameters and scopes.
	store.Put("q:k1", []byte("x"), nil, PutOptions{TTLSeconds: 60, ContentHash: hash, ParamsHash: "p1"})
	store.Put("q:k2", []byte("x"), nil, PutOptions{TTLSeconds: 60, ContentHash: hash, ScopeLabel: "clip-a"})
	store.Put("q:other", []byte("x"), nil, PutOptions{TTLSeconds: 60, ContentHash: ContentHash("SELECT 2")})

	// Normalization applies to the invalidation text as well.
	if n := store.InvalidateByContent("  select * from USERS  "); n != 2 {
		t.Errorf("invalidated %d entries, want 2", n)
	}
	if !store.Get("q:other").Hit() {
		t.Error("unrelated content was invalidated")
	}
}

func TestClearExpired(t *testing.T) {
	_, store, _ := openTestStore(t)

	t0 := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return t0 }
	store.Put("q:short", []byte("x"), nil, PutOptions{TTLSeconds: 10, ContentHash: "1"})
	store.Put("q:long", []byte("x"), nil, PutOptions{TTLSeconds: 1000, ContentHash: "2"})

	store.now = func() time.Time { return t0.Add(100 * time.Second) }
	if n := store.ClearExpired(); n != 1 {
		t.Errorf("swept %d entries, want 1", n)
	}
	if !store.Get("q:long").Hit() {
		t.Error("live entry was swept")
	}
}

func TestClearAll(t *testing.T) {
	_, store, _ := openTestStore(t)

	store.Put("q:1", []byte("x"), nil, PutOptions{TTLSeconds: 60, ContentHash: "1"})
	store.Put("q:2", []byte("x"), nil, PutOptions{TTLSeconds: 60, ContentHash: "2"})

	if n := store.ClearAll(); n != 2 {
		t.Errorf("cleared %d entries, want 2", n)
	}
	if n := store.ClearAll(); n != 0 {
		t.Errorf("cleared %d entries from empty store, want 0", n)
	}
}

func TestStoresShareDatabaseButNotEntries(t *testing.T) {
	db, queryStore, rec := openTestStore(t)
	schemaStore := NewSchemaStore(db, rec, testLogger())

	queryStore.Put("k", []byte("query"), nil, PutOptions{TTLSeconds: 60, ContentHash: "1"})
	schemaStore.Put("k", []byte("schema"), nil, PutOptions{TTLSeconds: 60, ContentHash: "2"})

	if schemaStore.ClearAll() != 1 {
		t.Error("expected schema store to clear only its own class")
	}
	if !queryStore.Get("k").Hit() {
		t.Error("query entry lost to schema-store clear")
	}
}

func TestStats(t *testing.T) {
	_, store, _ := openTestStore(t)

	t0 := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return t0 }
	store.rec.now = store.now

	store.Put("q:live", []byte("abcd"), nil, PutOptions{TTLSeconds: 1000, ContentHash: "1"})
	store.Put("q:dead", []byte("ab"), nil, PutOptions{TTLSeconds: 10, ContentHash: "2"})
	store.Get("q:live")
	store.Get("q:live")

	store.now = func() time.Time { return t0.Add(100 * time.Second) }
	store.rec.now = store.now

	st := store.Stats()
	if st.TotalEntries != 2 {
		t.Errorf("total_entries = %d, want 2", st.TotalEntries)
	}
	if st.ActiveEntries != 1 {
		t.Errorf("active_entries = %d, want 1", st.ActiveEntries)
	}
	if st.ExpiredEntries != 1 {
		t.Errorf("expired_entries = %d, want 1", st.ExpiredEntries)
	}
	if st.TotalHits != 2 {
		t.Errorf("total_hits = %d, want 2", st.TotalHits)
	}
	if st.MaxHits != 2 {
		t.Errorf("max_hits = %d, want 2", st.MaxHits)
	}
	if st.TotalPayloadBytes != 6 {
		t.Errorf("total_payload_bytes = %d, want 6", st.TotalPayloadBytes)
	}
	// 2 hits vs 2 writes inside the window.
	if st.HitRatio != 50.0 {
		t.Errorf("hit_ratio = %v, want 50.0", st.HitRatio)
	}
}

func TestTopOrdering(t *testing.T) {
	_, store, _ := openTestStore(t)

	store.Put("q:cold", []byte("x"), nil, PutOptions{TTLSeconds: 60, ContentHash: "1"})
	store.Put("q:warm", []byte("x"), nil, PutOptions{TTLSeconds: 60, ContentHash: "2"})
	store.Put("q:hot", []byte("x"), nil, PutOptions{TTLSeconds: 60, ContentHash: "3", ScopeLabel: "clip-x"})

	store.Get("q:warm")
	for i := 0; i < 3; i++ {
		store.Get("q:hot")
	}

	entries := store.Top(2)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].CacheKey != "q:hot" || entries[0].HitCount != 3 {
		t.Errorf("top entry = %q (%d hits), want q:hot with 3", entries[0].CacheKey, entries[0].HitCount)
	}
	if entries[1].CacheKey != "q:warm" {
		t.Errorf("second entry = %q, want q:warm", entries[1].CacheKey)
	}
	if entries[0].ScopeLabel != "clip-x" {
		t.Errorf("scope label = %q, want clip-x", entries[0].ScopeLabel)
	}
	if entries[0].LastAccessedAt == nil {
		t.Error("expected last_accessed_at on read entry")
	}
}

func TestEntryLifecycle(t *testing.T) {
	db, store, _ := openTestStore(t)

	t0 := time.Unix(1_700_000_000, 0)
	store.now = func() time.Time { return t0 }

	payload := []byte(`{"data":[{"?column?":42}],"columns":["?column?"],"row_count":1}`)
	key := DeriveQueryKey("SELECT 42", nil, "")
	store.Put(key, payload, nil, PutOptions{TTLSeconds: 3600, ContentHash: ContentHash("SELECT 42")})

	// Shortly after the write the entry is served.
	store.now = func() time.Time { return t0.Add(10 * time.Second) }
	got := store.Get(key)
	if !got.Hit() {
		t.Fatalf("expected hit at t0+10s, got state %v", got.State)
	}
	if string(got.Payload) != string(payload) {
		t.Errorf("payload = %q, want %q", got.Payload, payload)
	}

	// A sweep before expiry removes nothing.
	if n := store.ClearExpired(); n != 0 {
		t.Errorf("premature sweep removed %d entries", n)
	}

	// Past the TTL the entry reads as a miss and is gone from the store.
	store.now = func() time.Time { return t0.Add(3601 * time.Second) }
	if got := store.Get(key); got.State != LookupMiss {
		t.Fatalf("expected miss at t0+3601s, got state %v", got.State)
	}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		t.Fatalf("query count: %v", err)
	}
	if count != 0 {
		t.Errorf("entry still present after expiry, count = %d", count)
	}
}

func TestHitRatioEmptyWindow(t *testing.T) {
	_, _, rec := openTestStore(t)

	if got := rec.HitRatio("query_results.hit", "query_results.write", DefaultRatioWindow); got != 0.0 {
		t.Errorf("hit ratio on empty log = %v, want 0.0", got)
	}
}

func TestHitRatioTrailingWindow(t *testing.T) {
	db, _, _ := openTestStore(t)

	logger := testLogger()
	rec := NewRecorder(db, logger)

	t0 := time.Unix(1_700_000_000, 0)

	// Two hits and one write outside the window, then one hit and one write
	// inside it. Only the recent events count.
	rec.now = func() time.Time { return t0.Add(-2 * time.Hour) }
	rec.Record("query_results.hit", 1)
	rec.Record("query_results.hit", 1)
	rec.Record("query_results.write", 1)

	rec.now = func() time.Time { return t0.Add(-10 * time.Minute) }
	rec.Record("query_results.hit", 1)
	rec.Record("query_results.write", 1)

	rec.now = func() time.Time { return t0 }
	if got := rec.HitRatio("query_results.hit", "query_results.write", time.Hour); got != 50.0 {
		t.Errorf("hit ratio = %v, want 50.0", got)
	}

	// Widening the window pulls the older events back in: 3 hits, 2 writes.
	if got := rec.HitRatio("query_results.hit", "query_results.write", 3*time.Hour); got != 60.0 {
		t.Errorf("hit ratio over wide window = %v, want 60.0", got)
	}
}
