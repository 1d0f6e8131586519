// Package namecache persists resolved id→name lookups (characters,
// corporations, alliances, types and map locations) in a Pebble key/value
// store so restarts do not re-query the remote name service.
package namecache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
)

const (
	recordVersion       = 1
	recordHeaderSize    = 27
	maintenanceBatchCap = 1024
)

const (
	namePrefix    = "n|"
	updatedPrefix = "u|"
	metaCountKey  = "meta|count"
)

var (
	errStoreClosed   = errors.New("namecache: store is closed")
	errInvalidCount  = errors.New("namecache: invalid count metadata")
	errInvalidRecord = errors.New("namecache: invalid record encoding")
	errNotOpen       = errors.New("namecache: store is not initialized")
)

const (
	defaultCacheSizeBytes  = int64(16 << 20) // 16MB block cache
	defaultBloomFilterBits = 10
	defaultMemTableSize    = uint64(8 << 20)
	defaultWriteQueueDepth = 64
)

// Category is the entity kind, using the remote name service's labels.
type Category string

const (
	CategoryCharacter     Category = "character"
	CategoryCorporation   Category = "corporation"
	CategoryAlliance      Category = "alliance"
	CategoryFaction       Category = "faction"
	CategoryType          Category = "inventory_type"
	CategorySystem        Category = "solar_system"
	CategoryConstellation Category = "constellation"
	CategoryRegion        Category = "region"
)

// Options controls Pebble tuning and freshness.
type Options struct {
	CacheSizeBytes        int64
	BloomFilterBitsPerKey int
	MemTableSizeBytes     uint64
	WriteQueueDepth       int
	// TTL > 0 hides entries older than TTL from Get.
	TTL time.Duration
	Now func() time.Time
}

// Entry is one cached name. ParentID links a system to its constellation
// and a constellation to its region; Security is set for systems only.
type Entry struct {
	ID        int64
	Category  Category
	Name      string
	ParentID  int64
	Security  float64
	UpdatedAt time.Time
}

type recordValue struct {
	parentID  int64
	security  float64
	updatedAt int64
	name      string
}

// Store manages the Pebble database. Reads are concurrent; all writes go
// through a single writer goroutine.
type Store struct {
	db     *pebble.DB
	writes chan writeRequest
	done   chan struct{}
	cache  *pebble.Cache
	ttl    time.Duration
	now    func() time.Time

	mu     sync.Mutex
	closed bool
	count  atomic.Int64
}

type writeKind int

const (
	writeUpsertBatch writeKind = iota
	writePurge
)

type writeRequest struct {
	kind    writeKind
	entries []Entry
	cutoff  time.Time
	resp    chan writeResult
}

type writeResult struct {
	removed int64
	err     error
}

func sanitizeOptions(opts Options) Options {
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.BloomFilterBitsPerKey <= 0 {
		opts.BloomFilterBitsPerKey = defaultBloomFilterBits
	}
	if opts.MemTableSizeBytes == 0 {
		opts.MemTableSizeBytes = defaultMemTableSize
	}
	if opts.WriteQueueDepth <= 0 {
		opts.WriteQueueDepth = defaultWriteQueueDepth
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}

// Purpose: Open or create the name cache Pebble database.
// Key aspects: Bloom filters on every level; spins a single writer goroutine.
// Upstream: main startup.
// Downstream: Pebble open, writer loop.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("namecache: database path is empty")
	}
	opts = sanitizeOptions(opts)
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("namecache: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("namecache: stat path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("namecache: ensure directory: %w", err)
	}

	pebbleOpts := &pebble.Options{
		Cache:        pebble.NewCache(opts.CacheSizeBytes),
		MemTableSize: opts.MemTableSizeBytes,
	}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(opts.BloomFilterBitsPerKey),
		FilterType:   pebble.TableFilter,
	}
	pebbleOpts.Levels = make([]pebble.LevelOptions, 7)
	for i := range pebbleOpts.Levels {
		pebbleOpts.Levels[i] = level
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		pebbleOpts.Cache.Unref()
		return nil, fmt.Errorf("namecache: open: %w", err)
	}
	count, err := loadCount(db)
	if err != nil {
		_ = db.Close()
		pebbleOpts.Cache.Unref()
		return nil, err
	}

	store := &Store{
		db:     db,
		writes: make(chan writeRequest, opts.WriteQueueDepth),
		done:   make(chan struct{}),
		cache:  pebbleOpts.Cache,
		ttl:    opts.TTL,
		now:    opts.Now,
	}
	store.count.Store(count)
	go store.writeLoop()
	return store, nil
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if s.closeWriter() {
		<-s.done
	}
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

// Get returns the cached entry, or nil when absent or stale.
func (s *Store) Get(cat Category, id int64) (*Entry, error) {
	if s == nil || s.db == nil {
		return nil, errNotOpen
	}
	if id == 0 {
		return nil, nil
	}
	value, closer, err := s.db.Get(nameKeyBytes(cat, id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("namecache: get %s/%d: %w", cat, id, err)
	}
	defer closer.Close()
	val, err := decodeRecordValue(value)
	if err != nil {
		return nil, fmt.Errorf("namecache: decode %s/%d: %w", cat, id, err)
	}
	if s.stale(val.updatedAt) {
		return nil, nil
	}
	entry := recordValueToEntry(cat, id, val)
	return &entry, nil
}

// GetMany returns the fresh entries found among ids.
func (s *Store) GetMany(cat Category, ids []int64) (map[int64]Entry, error) {
	out := make(map[int64]Entry, len(ids))
	for _, id := range ids {
		entry, err := s.Get(cat, id)
		if err != nil {
			return out, err
		}
		if entry != nil {
			out[id] = *entry
		}
	}
	return out, nil
}

// Count returns the number of stored entries, stale ones included.
func (s *Store) Count() (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotOpen
	}
	return s.count.Load(), nil
}

// Upsert stores a single entry.
func (s *Store) Upsert(entry Entry) error {
	return s.UpsertBatch([]Entry{entry})
}

// UpsertBatch stores entries, replacing existing ones. A zero UpdatedAt is
// stamped with the current time.
func (s *Store) UpsertBatch(entries []Entry) error {
	if s == nil || s.db == nil {
		return errNotOpen
	}
	if len(entries) == 0 {
		return nil
	}
	resp := make(chan writeResult, 1)
	if err := s.enqueue(writeRequest{kind: writeUpsertBatch, entries: entries, resp: resp}); err != nil {
		return err
	}
	return (<-resp).err
}

// PurgeOlderThan deletes entries last updated at or before cutoff.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errNotOpen
	}
	resp := make(chan writeResult, 1)
	if err := s.enqueue(writeRequest{kind: writePurge, cutoff: cutoff, resp: resp}); err != nil {
		return 0, err
	}
	result := <-resp
	return result.removed, result.err
}

func (s *Store) stale(updatedAt int64) bool {
	if s.ttl <= 0 {
		return false
	}
	return s.now().Sub(time.Unix(updatedAt, 0)) > s.ttl
}

func (s *Store) enqueue(req writeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	s.writes <- req
	return nil
}

func (s *Store) closeWriter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.writes)
	return true
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for req := range s.writes {
		result := writeResult{}
		switch req.kind {
		case writeUpsertBatch:
			result.err = s.applyUpsertBatch(req.entries)
		case writePurge:
			result.removed, result.err = s.applyPurgeOlderThan(req.cutoff)
		default:
			result.err = fmt.Errorf("namecache: unknown write request")
		}
		if req.resp != nil {
			req.resp <- result
		}
	}
}

func (s *Store) applyUpsertBatch(entries []Entry) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	now := s.now().UTC().Unix()
	count := s.count.Load()
	countDelta := int64(0)
	// Keys written earlier in this batch are not visible to getRecordValue.
	seen := make(map[string]int64, len(entries))

	for i := range entries {
		entry := entries[i]
		if entry.ID == 0 || entry.Category == "" {
			continue
		}
		key := nameKeyBytes(entry.Category, entry.ID)
		incoming := entryToRecordValue(entry, now)

		prevUpdated, inBatch := seen[string(key)]
		found := inBatch
		if !inBatch {
			existing, ok, err := s.getRecordValue(key)
			if err != nil {
				return err
			}
			found = ok
			prevUpdated = existing.updatedAt
		}
		if err := batch.Set(key, encodeRecordValue(incoming), nil); err != nil {
			return fmt.Errorf("namecache: batch set %s/%d: %w", entry.Category, entry.ID, err)
		}
		if !found {
			countDelta++
		}
		if found && prevUpdated != incoming.updatedAt {
			if err := batch.Delete(updatedKeyBytes(prevUpdated, key), nil); err != nil {
				return fmt.Errorf("namecache: batch delete idx: %w", err)
			}
		}
		if !found || prevUpdated != incoming.updatedAt {
			if err := batch.Set(updatedKeyBytes(incoming.updatedAt, key), nil, nil); err != nil {
				return fmt.Errorf("namecache: batch set idx: %w", err)
			}
		}
		seen[string(key)] = incoming.updatedAt
	}

	if countDelta != 0 {
		count += countDelta
		if err := batch.Set([]byte(metaCountKey), encodeCount(count), nil); err != nil {
			return fmt.Errorf("namecache: batch set count: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("namecache: batch commit: %w", err)
	}
	if countDelta != 0 {
		s.count.Store(count)
	}
	return nil
}

func (s *Store) applyPurgeOlderThan(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, nil
	}
	cutoffUnix := cutoff.UTC().Unix()
	if cutoffUnix <= 0 {
		return 0, nil
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(updatedPrefix),
		UpperBound: updatedKeyBytes(cutoffUnix+1, nil),
	})
	if err != nil {
		return 0, fmt.Errorf("namecache: purge iterator: %w", err)
	}
	defer iter.Close()

	batch := s.db.NewBatch()
	defer batch.Close()

	count := s.count.Load()
	pending := int64(0)
	removedTotal := int64(0)

	commitBatch := func() error {
		if pending == 0 {
			return nil
		}
		count -= pending
		if count < 0 {
			count = 0
		}
		if err := batch.Set([]byte(metaCountKey), encodeCount(count), nil); err != nil {
			return fmt.Errorf("namecache: purge set count: %w", err)
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			return fmt.Errorf("namecache: purge commit: %w", err)
		}
		batch.Reset()
		removedTotal += pending
		pending = 0
		return nil
	}

	for iter.First(); iter.Valid(); iter.Next() {
		ts, key, ok := parseUpdatedKey(iter.Key())
		if !ok {
			continue
		}
		if ts > cutoffUnix {
			break
		}
		if err := batch.Delete(iter.Key(), nil); err != nil {
			return removedTotal, fmt.Errorf("namecache: purge delete idx: %w", err)
		}
		if err := batch.Delete(key, nil); err != nil {
			return removedTotal, fmt.Errorf("namecache: purge delete: %w", err)
		}
		pending++
		if pending >= maintenanceBatchCap {
			if err := commitBatch(); err != nil {
				return removedTotal, err
			}
		}
	}
	if err := iter.Error(); err != nil {
		return removedTotal, fmt.Errorf("namecache: purge iterate: %w", err)
	}
	if err := commitBatch(); err != nil {
		return removedTotal, err
	}
	s.count.Store(count)
	return removedTotal, nil
}

func (s *Store) getRecordValue(key []byte) (recordValue, bool, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return recordValue{}, false, nil
		}
		return recordValue{}, false, fmt.Errorf("namecache: get: %w", err)
	}
	defer closer.Close()
	val, err := decodeRecordValue(value)
	if err != nil {
		return recordValue{}, false, fmt.Errorf("namecache: decode: %w", err)
	}
	return val, true, nil
}

func entryToRecordValue(entry Entry, nowUnix int64) recordValue {
	updated := nowUnix
	if !entry.UpdatedAt.IsZero() {
		updated = entry.UpdatedAt.UTC().Unix()
	}
	name := strings.TrimSpace(entry.Name)
	if len(name) > math.MaxUint16 {
		name = name[:math.MaxUint16]
	}
	return recordValue{
		parentID:  entry.ParentID,
		security:  entry.Security,
		updatedAt: updated,
		name:      name,
	}
}

func recordValueToEntry(cat Category, id int64, val recordValue) Entry {
	return Entry{
		ID:        id,
		Category:  cat,
		Name:      val.name,
		ParentID:  val.parentID,
		Security:  val.security,
		UpdatedAt: time.Unix(val.updatedAt, 0).UTC(),
	}
}

func encodeRecordValue(val recordValue) []byte {
	buf := make([]byte, recordHeaderSize+len(val.name))
	buf[0] = recordVersion
	binary.BigEndian.PutUint64(buf[1:], uint64(val.parentID))
	binary.BigEndian.PutUint64(buf[9:], math.Float64bits(val.security))
	binary.BigEndian.PutUint64(buf[17:], uint64(val.updatedAt))
	binary.BigEndian.PutUint16(buf[25:], uint16(len(val.name)))
	copy(buf[recordHeaderSize:], val.name)
	return buf
}

func decodeRecordValue(raw []byte) (recordValue, error) {
	if len(raw) < recordHeaderSize || raw[0] != recordVersion {
		return recordValue{}, errInvalidRecord
	}
	nameLen := int(binary.BigEndian.Uint16(raw[25:]))
	if recordHeaderSize+nameLen > len(raw) {
		return recordValue{}, errInvalidRecord
	}
	return recordValue{
		parentID:  int64(binary.BigEndian.Uint64(raw[1:])),
		security:  math.Float64frombits(binary.BigEndian.Uint64(raw[9:])),
		updatedAt: int64(binary.BigEndian.Uint64(raw[17:])),
		name:      string(raw[recordHeaderSize : recordHeaderSize+nameLen]),
	}, nil
}

func encodeCount(count int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(count))
	return buf
}

func loadCount(db *pebble.DB) (int64, error) {
	count, err := readCountMeta(db)
	if err == nil {
		return count, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) && !errors.Is(err, errInvalidCount) {
		return 0, fmt.Errorf("namecache: read count: %w", err)
	}
	count, err = computeCount(db)
	if err != nil {
		return 0, err
	}
	if err := db.Set([]byte(metaCountKey), encodeCount(count), pebble.Sync); err != nil {
		return 0, fmt.Errorf("namecache: write count: %w", err)
	}
	return count, nil
}

func readCountMeta(db *pebble.DB) (int64, error) {
	value, closer, err := db.Get([]byte(metaCountKey))
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(value) != 8 {
		return 0, errInvalidCount
	}
	return int64(binary.BigEndian.Uint64(value)), nil
}

func computeCount(db *pebble.DB) (int64, error) {
	iter, err := db.NewIter(iterOptionsForPrefix(namePrefix))
	if err != nil {
		return 0, fmt.Errorf("namecache: count iterator: %w", err)
	}
	defer iter.Close()
	count := int64(0)
	for iter.First(); iter.Valid(); iter.Next() {
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("namecache: count iterate: %w", err)
	}
	return count, nil
}

// nameKeyBytes is "n|<category>|<id big-endian>".
func nameKeyBytes(cat Category, id int64) []byte {
	buf := make([]byte, 0, len(namePrefix)+len(cat)+1+8)
	buf = append(buf, namePrefix...)
	buf = append(buf, cat...)
	buf = append(buf, '|')
	return binary.BigEndian.AppendUint64(buf, uint64(id))
}

func parseNameKey(key []byte) (Category, int64, bool) {
	if !bytes.HasPrefix(key, []byte(namePrefix)) || len(key) < len(namePrefix)+2+8 {
		return "", 0, false
	}
	rest := key[len(namePrefix):]
	sep := len(rest) - 9
	if rest[sep] != '|' {
		return "", 0, false
	}
	return Category(rest[:sep]), int64(binary.BigEndian.Uint64(rest[sep+1:])), true
}

func updatedKeyBytes(updatedAt int64, nameKey []byte) []byte {
	buf := make([]byte, len(updatedPrefix)+8+len(nameKey))
	copy(buf, updatedPrefix)
	binary.BigEndian.PutUint64(buf[len(updatedPrefix):], uint64(updatedAt))
	copy(buf[len(updatedPrefix)+8:], nameKey)
	return buf
}

func parseUpdatedKey(key []byte) (int64, []byte, bool) {
	prefix := []byte(updatedPrefix)
	if len(key) <= len(prefix)+8 || !bytes.HasPrefix(key, prefix) {
		return 0, nil, false
	}
	ts := int64(binary.BigEndian.Uint64(key[len(prefix):]))
	return ts, key[len(prefix)+8:], true
}

func iterOptionsForPrefix(prefix string) *pebble.IterOptions {
	lower := []byte(prefix)
	return &pebble.IterOptions{LowerBound: lower, UpperBound: prefixUpperBound(lower)}
}

func prefixUpperBound(prefix []byte) []byte {
	if len(prefix) == 0 {
		return nil
	}
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
