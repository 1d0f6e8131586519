// Package filter decides whether a feed event is worth fetching in detail
// and rendering.
//
// An event renders when ANY of these hold:
//   - the victim is a watched character
//   - an attacker flies a ship whose type-group is an officer group
//   - a watched character landed the final blow
//   - the total value is strictly greater than the threshold
//
// A threshold <= 0 means "no threshold": every event renders. This is the
// single-kill mode used from the command line.
package filter

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"killcard/killmail"
)

// GroupLookup resolves a ship type to its type-group.
type GroupLookup interface {
	GroupID(ctx context.Context, typeID int64) (int64, bool, error)
}

// Decision is the filter outcome with the reasons that applied.
type Decision struct {
	Render             bool
	RareActor          bool
	Watched            bool
	WatchedKillingBlow bool
	Valuable           bool
	// Forced is set when no threshold was supplied.
	Forced bool
}

// Reason is a short label for logs.
func (d Decision) Reason() string {
	switch {
	case d.Forced:
		return "forced"
	case d.Watched:
		return "watched_victim"
	case d.WatchedKillingBlow:
		return "watched_final_blow"
	case d.RareActor:
		return "officer"
	case d.Valuable:
		return "value"
	default:
		return "none"
	}
}

// Filter is safe for concurrent use.
type Filter struct {
	groups   []GroupLookup
	officers map[int64]struct{}
	log      zerolog.Logger

	mu       sync.RWMutex
	memo     map[int64]int64 // ship type -> group, 0 = unknown
	memoSize int
}

// New builds a Filter. Lookups are tried in order until one knows the type.
func New(officerGroups []int64, memoSize int, log zerolog.Logger, lookups ...GroupLookup) *Filter {
	officers := make(map[int64]struct{}, len(officerGroups))
	for _, g := range officerGroups {
		officers[g] = struct{}{}
	}
	if memoSize <= 0 {
		memoSize = 4096
	}
	return &Filter{
		groups:   lookups,
		officers: officers,
		log:      log.With().Str("component", "filter").Logger(),
		memo:     make(map[int64]int64),
		memoSize: memoSize,
	}
}

// Purpose: Decide whether an event should be fetched and rendered.
// Key aspects: Threshold comparison is strict. A threshold <= 0 forces a
// render. Group lookup failures are logged and count as "not rare".
// Upstream: pipeline.Process.
// Downstream: GroupLookup chain (SDE items DB, then reference tables).
func (f *Filter) ShouldRender(ctx context.Context, ev killmail.RawEvent, thresholdISK float64, watched []int64) Decision {
	var d Decision
	if thresholdISK <= 0 {
		d.Forced = true
		d.Render = true
		return d
	}
	watchSet := make(map[int64]struct{}, len(watched))
	for _, id := range watched {
		if id > 0 {
			watchSet[id] = struct{}{}
		}
	}
	if km := ev.Killmail; km != nil {
		if _, ok := watchSet[km.Victim.CharacterID]; ok && km.Victim.CharacterID != 0 {
			d.Watched = true
		}
		for i := range km.Attackers {
			a := &km.Attackers[i]
			if a.FinalBlow && a.CharacterID != 0 {
				if _, ok := watchSet[a.CharacterID]; ok {
					d.WatchedKillingBlow = true
				}
			}
			if !d.RareActor && f.isOfficer(ctx, a.ShipTypeID) {
				d.RareActor = true
			}
		}
	}
	d.Valuable = ev.Zkb.TotalValue > thresholdISK
	d.Render = d.Watched || d.WatchedKillingBlow || d.RareActor || d.Valuable
	return d
}

func (f *Filter) isOfficer(ctx context.Context, shipTypeID int64) bool {
	if shipTypeID <= 0 || len(f.officers) == 0 {
		return false
	}
	group, ok := f.groupOf(ctx, shipTypeID)
	if !ok {
		return false
	}
	_, rare := f.officers[group]
	return rare
}

func (f *Filter) groupOf(ctx context.Context, typeID int64) (int64, bool) {
	f.mu.RLock()
	group, cached := f.memo[typeID]
	f.mu.RUnlock()
	if cached {
		return group, group != 0
	}
	var lookupErr error
	for _, lookup := range f.groups {
		g, ok, err := lookup.GroupID(ctx, typeID)
		if err != nil {
			lookupErr = err
			f.log.Warn().Err(err).Int64("type_id", typeID).Msg("group lookup failed")
			continue
		}
		if ok {
			group = g
			break
		}
	}
	// Failed lookups are not memoized so a transient error is retried later.
	if group == 0 && lookupErr != nil {
		return 0, false
	}
	f.mu.Lock()
	if len(f.memo) >= f.memoSize {
		clear(f.memo)
	}
	f.memo[typeID] = group
	f.mu.Unlock()
	return group, group != 0
}
