package namecache

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "names"), opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func mustGet(t *testing.T, store *Store, cat Category, id int64) *Entry {
	t.Helper()
	entry, err := store.Get(cat, id)
	if err != nil {
		t.Fatalf("get %s/%d: %v", cat, id, err)
	}
	if entry == nil {
		t.Fatalf("expected entry %s/%d", cat, id)
	}
	return entry
}

func TestUpsertAndGet(t *testing.T) {
	store := openTestStore(t, Options{})
	defer store.Close()

	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	entries := []Entry{
		{ID: 90000001, Category: CategoryCharacter, Name: "Pilot One", UpdatedAt: now},
		{ID: 30000142, Category: CategorySystem, Name: "Jita", ParentID: 20000020, Security: 0.9459, UpdatedAt: now},
	}
	if err := store.UpsertBatch(entries); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	char := mustGet(t, store, CategoryCharacter, 90000001)
	if char.Name != "Pilot One" || !char.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected character entry %+v", char)
	}
	sys := mustGet(t, store, CategorySystem, 30000142)
	if sys.ParentID != 20000020 || sys.Security != 0.9459 {
		t.Fatalf("unexpected system entry %+v", sys)
	}
	if miss, err := store.Get(CategoryCorporation, 90000001); err != nil || miss != nil {
		t.Fatalf("expected category-scoped miss, got %+v err=%v", miss, err)
	}
	if count, _ := store.Count(); count != 2 {
		t.Fatalf("expected count 2, got %d", count)
	}
}

func TestUpsertReplacesAndKeepsCount(t *testing.T) {
	store := openTestStore(t, Options{})
	defer store.Close()

	first := time.Unix(1_700_000_000, 0)
	if err := store.Upsert(Entry{ID: 1, Category: CategoryAlliance, Name: "Old", UpdatedAt: first}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Upsert(Entry{ID: 1, Category: CategoryAlliance, Name: "New", UpdatedAt: first.Add(time.Hour)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got := mustGet(t, store, CategoryAlliance, 1); got.Name != "New" {
		t.Fatalf("expected replacement, got %q", got.Name)
	}
	if count, _ := store.Count(); count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
	// The old index entry must be gone: purging up to the first stamp keeps the record.
	removed, err := store.PurgeOlderThan(first)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected nothing purged, got %d", removed)
	}
}

func TestDuplicateIDsInOneBatch(t *testing.T) {
	store := openTestStore(t, Options{})
	defer store.Close()

	now := time.Unix(1_700_000_000, 0)
	err := store.UpsertBatch([]Entry{
		{ID: 7, Category: CategoryType, Name: "A", UpdatedAt: now},
		{ID: 7, Category: CategoryType, Name: "B", UpdatedAt: now.Add(time.Minute)},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got := mustGet(t, store, CategoryType, 7); got.Name != "B" {
		t.Fatalf("expected last entry to win, got %q", got.Name)
	}
	if count, _ := store.Count(); count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
}

func TestTTLHidesStaleEntries(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := now
	store := openTestStore(t, Options{TTL: time.Hour, Now: func() time.Time { return clock }})
	defer store.Close()

	if err := store.Upsert(Entry{ID: 5, Category: CategoryCorporation, Name: "Corp"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	mustGet(t, store, CategoryCorporation, 5)
	clock = now.Add(2 * time.Hour)
	if entry, err := store.Get(CategoryCorporation, 5); err != nil || entry != nil {
		t.Fatalf("expected stale entry to be hidden, got %+v err=%v", entry, err)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	store := openTestStore(t, Options{})
	defer store.Close()

	base := time.Unix(1_700_000_000, 0)
	err := store.UpsertBatch([]Entry{
		{ID: 1, Category: CategoryCharacter, Name: "old", UpdatedAt: base},
		{ID: 2, Category: CategoryCharacter, Name: "new", UpdatedAt: base.Add(48 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	removed, err := store.PurgeOlderThan(base.Add(time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if entry, _ := store.Get(CategoryCharacter, 1); entry != nil {
		t.Fatalf("expected purged entry to be gone")
	}
	mustGet(t, store, CategoryCharacter, 2)
	if count, _ := store.Count(); count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
}

func TestCountSurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "names")
	store, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.UpsertBatch([]Entry{
		{ID: 1, Category: CategoryRegion, Name: "The Forge"},
		{ID: 2, Category: CategoryRegion, Name: "Delve"},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Upsert(Entry{ID: 3, Category: CategoryRegion, Name: "x"}); err == nil {
		t.Fatalf("expected write after close to fail")
	}

	reopened, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if count, _ := reopened.Count(); count != 2 {
		t.Fatalf("expected count 2 after reopen, got %d", count)
	}
	stats, err := reopened.Verify(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if stats.Records != 2 || stats.ByCategory[CategoryRegion] != 2 || !stats.CountMetaValid {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestKeyRoundTrip(t *testing.T) {
	key := nameKeyBytes(CategoryConstellation, 20000020)
	cat, id, ok := parseNameKey(key)
	if !ok || cat != CategoryConstellation || id != 20000020 {
		t.Fatalf("unexpected parse %s %d %v", cat, id, ok)
	}
	ts, inner, ok := parseUpdatedKey(updatedKeyBytes(42, key))
	if !ok || ts != 42 || string(inner) != string(key) {
		t.Fatalf("unexpected updated key parse")
	}
}
