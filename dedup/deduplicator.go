// Package dedup suppresses kill events the feed delivers more than once
// within a time window. Keys are xxh3 hashes of (killmail id, hash), kept in
// shard-locked maps so lookups never contend on a single mutex.
package dedup

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"
)

// Deduplicator remembers recently seen events. A zero or negative window
// disables suppression; Seen then always reports false but still counts.
type Deduplicator struct {
	window          time.Duration
	shards          []cacheShard
	shutdown        chan struct{}
	stopOnce        sync.Once
	cleanupInterval time.Duration
	now             func() time.Time

	processed  atomic.Uint64
	duplicates atomic.Uint64
}

type cacheShard struct {
	mu    sync.Mutex
	cache map[uint64]time.Time
}

// shardCount must remain a power of two so we can mask instead of mod.
const shardCount = 16

// NewDeduplicator creates a deduplicator with the given window.
func NewDeduplicator(window time.Duration) *Deduplicator {
	shards := make([]cacheShard, shardCount)
	for i := range shards {
		shards[i].cache = make(map[uint64]time.Time)
	}
	return &Deduplicator{
		window:          window,
		shards:          shards,
		shutdown:        make(chan struct{}),
		cleanupInterval: time.Minute,
		now:             time.Now,
	}
}

// Start launches the background cleanup goroutine. Safe to call once.
func (d *Deduplicator) Start() {
	go d.cleanupLoop()
}

// Stop ends the cleanup loop. Safe to call more than once.
func (d *Deduplicator) Stop() {
	d.stopOnce.Do(func() { close(d.shutdown) })
}

// Key hashes an event identity.
func Key(killmailID int64, hash string) uint64 {
	buf := make([]byte, 0, 20+1+len(hash))
	buf = strconv.AppendInt(buf, killmailID, 10)
	buf = append(buf, '|')
	buf = append(buf, hash...)
	return xxh3.Hash(buf)
}

// Seen records the event and reports whether it was already recorded within
// the window.
func (d *Deduplicator) Seen(killmailID int64, hash string) bool {
	d.processed.Add(1)
	key := Key(killmailID, hash)
	now := d.now()
	shard := &d.shards[key&(shardCount-1)]

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if last, ok := shard.cache[key]; ok && d.window > 0 && now.Sub(last) < d.window {
		d.duplicates.Add(1)
		return true
	}
	shard.cache[key] = now
	return false
}

// Forget drops an event so a later delivery is processed again. The pipeline
// uses it when an event failed before its card was written.
func (d *Deduplicator) Forget(killmailID int64, hash string) {
	key := Key(killmailID, hash)
	shard := &d.shards[key&(shardCount-1)]
	shard.mu.Lock()
	delete(shard.cache, key)
	shard.mu.Unlock()
}

func (d *Deduplicator) cleanupLoop() {
	ticker := time.NewTicker(d.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.cleanup()
		}
	}
}

// cleanup removes expired entries and returns how many were dropped.
func (d *Deduplicator) cleanup() int {
	now := d.now()
	removed := 0
	for i := range d.shards {
		shard := &d.shards[i]
		shard.mu.Lock()
		for key, seen := range shard.cache {
			if now.Sub(seen) >= d.window {
				delete(shard.cache, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// GetStats returns current deduplication statistics.
func (d *Deduplicator) GetStats() (processed, duplicates uint64, cacheSize int) {
	for i := range d.shards {
		shard := &d.shards[i]
		shard.mu.Lock()
		cacheSize += len(shard.cache)
		shard.mu.Unlock()
	}
	return d.processed.Load(), d.duplicates.Load(), cacheSize
}
