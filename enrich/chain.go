package enrich

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"killcard/esi"
	"killcard/namecache"
)

// Ref names one entity to resolve.
type Ref struct {
	Category namecache.Category
	ID       int64
}

// Tier is one source in a resolution chain. Lookup returns hits for the refs
// it knows; misses are simply absent. An error is logged by the chain and the
// next tier is tried.
type Tier interface {
	Name() string
	Lookup(ctx context.Context, refs []Ref) (map[Ref]string, error)
}

// Observer receives per-tier hit counts. May be nil.
type Observer interface {
	ObserveTier(chain, tier string, hits int)
}

// Chain tries its tiers in order, each seeing only the refs still missing.
type Chain struct {
	name  string
	tiers []Tier
	obs   Observer
	log   zerolog.Logger
}

// NewChain builds a named chain.
func NewChain(name string, log zerolog.Logger, obs Observer, tiers ...Tier) *Chain {
	return &Chain{name: name, tiers: tiers, obs: obs, log: log}
}

// Resolve returns every name found and the refs no tier could resolve,
// sorted by (category, id).
func (c *Chain) Resolve(ctx context.Context, refs []Ref) (map[Ref]string, []Ref) {
	found := make(map[Ref]string, len(refs))
	missing := dedupeRefs(refs)
	for _, tier := range c.tiers {
		if len(missing) == 0 || ctx.Err() != nil {
			break
		}
		hits, err := tier.Lookup(ctx, missing)
		if err != nil {
			c.log.Warn().Err(err).Str("chain", c.name).Str("tier", tier.Name()).Int("ids", len(missing)).Msg("resolution tier failed")
		}
		n := 0
		next := missing[:0:0]
		for _, ref := range missing {
			if name, ok := hits[ref]; ok && name != "" {
				found[ref] = name
				n++
				continue
			}
			next = append(next, ref)
		}
		if c.obs != nil && n > 0 {
			c.obs.ObserveTier(c.name, tier.Name(), n)
		}
		missing = next
	}
	return found, missing
}

func dedupeRefs(refs []Ref) []Ref {
	seen := make(map[Ref]struct{}, len(refs))
	out := make([]Ref, 0, len(refs))
	for _, r := range refs {
		if r.ID <= 0 {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func byCategory(refs []Ref) map[namecache.Category][]int64 {
	out := make(map[namecache.Category][]int64)
	for _, r := range refs {
		out[r.Category] = append(out[r.Category], r.ID)
	}
	return out
}

// NameStore is the persistent local tier.
type NameStore interface {
	GetMany(cat namecache.Category, ids []int64) (map[int64]namecache.Entry, error)
	Get(cat namecache.Category, id int64) (*namecache.Entry, error)
	UpsertBatch(entries []namecache.Entry) error
}

type storeTier struct {
	store NameStore
}

// StoreTier reads the local name database.
func StoreTier(store NameStore) Tier { return storeTier{store: store} }

func (storeTier) Name() string { return "local_db" }

func (t storeTier) Lookup(_ context.Context, refs []Ref) (map[Ref]string, error) {
	out := make(map[Ref]string, len(refs))
	for cat, ids := range byCategory(refs) {
		entries, err := t.store.GetMany(cat, ids)
		if err != nil {
			return out, err
		}
		for id, e := range entries {
			out[Ref{Category: cat, ID: id}] = e.Name
		}
	}
	return out, nil
}

// TypeNamer is the localized items table.
type TypeNamer interface {
	TypeNames(ctx context.Context, ids []int64, locale string) (map[int64]string, error)
}

type itemsTier struct {
	items  TypeNamer
	locale string
}

// ItemsTier reads localized type names from the items reference table.
func ItemsTier(items TypeNamer, locale string) Tier {
	return itemsTier{items: items, locale: locale}
}

func (itemsTier) Name() string { return "items_db" }

func (t itemsTier) Lookup(ctx context.Context, refs []Ref) (map[Ref]string, error) {
	ids := byCategory(refs)[namecache.CategoryType]
	if len(ids) == 0 {
		return nil, nil
	}
	names, err := t.items.TypeNames(ctx, ids, t.locale)
	out := make(map[Ref]string, len(names))
	for id, name := range names {
		out[Ref{Category: namecache.CategoryType, ID: id}] = name
	}
	return out, err
}

// TypeTable is the reference CSV type table.
type TypeTable interface {
	TypeName(typeID int64) (string, bool)
}

type tableTier struct {
	table TypeTable
}

// TableTier reads type names from the CSV reference tables.
func TableTier(table TypeTable) Tier { return tableTier{table: table} }

func (tableTier) Name() string { return "reference_csv" }

func (t tableTier) Lookup(_ context.Context, refs []Ref) (map[Ref]string, error) {
	out := make(map[Ref]string)
	for _, r := range refs {
		if r.Category != namecache.CategoryType {
			continue
		}
		if name, ok := t.table.TypeName(r.ID); ok {
			out[r] = name
		}
	}
	return out, nil
}

// NameResolver is the remote batch name service.
type NameResolver interface {
	ResolveNames(ctx context.Context, ids []int64) (map[int64]esi.Name, error)
}

type remoteTier struct {
	remote NameResolver
	store  NameStore
	log    zerolog.Logger
}

// RemoteTier asks the remote name service and writes hits back to store
// (store may be nil).
func RemoteTier(remote NameResolver, store NameStore, log zerolog.Logger) Tier {
	return remoteTier{remote: remote, store: store, log: log}
}

func (remoteTier) Name() string { return "remote" }

func (t remoteTier) Lookup(ctx context.Context, refs []Ref) (map[Ref]string, error) {
	ids := make([]int64, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	names, err := t.remote.ResolveNames(ctx, ids)
	out := make(map[Ref]string, len(names))
	var writeBack []namecache.Entry
	for _, r := range refs {
		n, ok := names[r.ID]
		if !ok || n.Name == "" {
			continue
		}
		out[r] = n.Name
		writeBack = append(writeBack, namecache.Entry{ID: r.ID, Category: r.Category, Name: n.Name})
	}
	if t.store != nil && len(writeBack) > 0 {
		if werr := t.store.UpsertBatch(writeBack); werr != nil {
			t.log.Warn().Err(werr).Int("entries", len(writeBack)).Msg("name cache write-back failed")
		}
	}
	return out, err
}
