// Package stats tracks pipeline outcomes, filter reasons and name-resolution
// tier hits for the periodic console line and the Prometheus endpoint.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Pipeline outcomes, one per polled event or poll attempt.
const (
	OutcomeEmpty        = "empty"
	OutcomeFeedError    = "feed_error"
	OutcomeDuplicate    = "duplicate"
	OutcomeFiltered     = "filtered"
	OutcomeDetailFailed = "detail_failed"
	OutcomeDegraded     = "degraded"
	OutcomeRenderFailed = "render_failed"
	OutcomeRendered     = "rendered"
)

// Tracker is safe for concurrent use.
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so increments don't fight over a mutex
	outcomes    sync.Map // outcome -> *atomic.Uint64
	reasons     sync.Map // filter reason -> *atomic.Uint64
	tierHits    sync.Map // "chain/tier" -> *atomic.Uint64
	start       atomic.Int64
	events      atomic.Uint64
	renderNanos atomic.Int64
	renders     atomic.Uint64
	lastRender  atomic.Int64
}

// NewTracker creates a new stats tracker.
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// IncrementEvents counts an event delivered by the feed.
func (t *Tracker) IncrementEvents() {
	t.events.Add(1)
}

// IncrementOutcome counts one pipeline outcome.
func (t *Tracker) IncrementOutcome(outcome string) {
	incrementCounter(&t.outcomes, outcome, 1)
}

// IncrementReason counts why the filter let an event through.
func (t *Tracker) IncrementReason(reason string) {
	incrementCounter(&t.reasons, reason, 1)
}

// ObserveTier records hits for a resolution tier.
func (t *Tracker) ObserveTier(chain, tier string, hits int) {
	if hits <= 0 {
		return
	}
	incrementCounter(&t.tierHits, chain+"/"+tier, uint64(hits))
}

// ObserveRender records the wall time of one successful card.
func (t *Tracker) ObserveRender(d time.Duration) {
	t.renderNanos.Add(int64(d))
	t.renders.Add(1)
	t.lastRender.Store(time.Now().UnixNano())
}

// Events returns how many events the feed delivered.
func (t *Tracker) Events() uint64 {
	return t.events.Load()
}

// GetOutcomeCounts returns a copy of outcome counts.
func (t *Tracker) GetOutcomeCounts() map[string]uint64 {
	return snapshot(&t.outcomes)
}

// GetReasonCounts returns a copy of filter reason counts.
func (t *Tracker) GetReasonCounts() map[string]uint64 {
	return snapshot(&t.reasons)
}

// GetTierHits returns a copy of tier hit counts keyed "chain/tier".
func (t *Tracker) GetTierHits() map[string]uint64 {
	return snapshot(&t.tierHits)
}

// AverageRender is the mean render duration, zero before the first card.
func (t *Tracker) AverageRender() time.Duration {
	n := t.renders.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(t.renderNanos.Load() / int64(n))
}

// LastRender is when the last card was written, zero if none.
func (t *Tracker) LastRender() time.Time {
	ns := t.lastRender.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// GetUptime returns how long the tracker has been running.
func (t *Tracker) GetUptime() time.Duration {
	return time.Since(time.Unix(0, t.start.Load()))
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	lines := make([]string, 0, 4)
	last := "never"
	if lr := t.LastRender(); !lr.IsZero() {
		last = humanize.Time(lr)
	}
	lines = append(lines, fmt.Sprintf("Events: %s in %s, last card %s, avg render %s",
		humanize.Comma(int64(t.Events())), t.GetUptime().Truncate(time.Second), last, t.AverageRender().Truncate(time.Millisecond)))
	lines = append(lines, formatMapCounts("Outcomes", &t.outcomes))
	lines = append(lines, formatMapCounts("Render reasons", &t.reasons))
	lines = append(lines, formatMapCounts("Name tiers", &t.tierHits))
	return lines
}

func snapshot(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

func formatMapCounts(label string, counts *sync.Map) string {
	snap := snapshot(counts)
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	if len(keys) == 0 {
		builder.WriteString("(none)")
	}
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%s", k, humanize.Comma(int64(snap[k])))
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string, n uint64) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(n)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(n)
		return
	}
	counter.Add(n)
}
