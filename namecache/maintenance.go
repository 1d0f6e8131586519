package namecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// IntegrityStats reports the outcome of a full key/value scan.
type IntegrityStats struct {
	Records        int64
	ByCategory     map[Category]int64
	Duration       time.Duration
	CountMeta      int64
	CountMetaValid bool
}

// Purpose: Verify the store via a bounded full scan of name records.
// Key aspects: Decodes each record; honors ctx and maxDuration.
// Upstream: main startup, before the pipeline starts.
// Downstream: Pebble iterator, decodeRecordValue.
func (s *Store) Verify(ctx context.Context, maxDuration time.Duration) (IntegrityStats, error) {
	if s == nil || s.db == nil {
		return IntegrityStats{}, errNotOpen
	}
	start := time.Now()
	var deadline time.Time
	if maxDuration > 0 {
		deadline = start.Add(maxDuration)
	}
	stats := IntegrityStats{ByCategory: make(map[Category]int64)}
	if count, err := readCountMeta(s.db); err == nil {
		stats.CountMeta = count
		stats.CountMetaValid = true
	} else if !errors.Is(err, pebble.ErrNotFound) && !errors.Is(err, errInvalidCount) {
		return stats, fmt.Errorf("namecache: verify count: %w", err)
	}

	iter, err := s.db.NewIter(iterOptionsForPrefix(namePrefix))
	if err != nil {
		return stats, fmt.Errorf("namecache: verify iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		default:
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return stats, errors.New("namecache: integrity scan timed out")
		}
		cat, _, ok := parseNameKey(iter.Key())
		if !ok {
			return stats, fmt.Errorf("namecache: verify: malformed key %q", iter.Key())
		}
		if _, err := decodeRecordValue(iter.Value()); err != nil {
			return stats, fmt.Errorf("namecache: verify decode: %w", err)
		}
		stats.Records++
		stats.ByCategory[cat]++
	}
	if err := iter.Error(); err != nil {
		return stats, fmt.Errorf("namecache: verify iterate: %w", err)
	}
	stats.Duration = time.Since(start)
	return stats, nil
}
