// Package enrich fills display names and the location of a detailed kill.
//
// Names come from ordered tier chains: the local name database, then the
// static reference tables (types only), then the remote name service. Hits
// from the remote service are written back to the local database. Anything
// still unresolved is labelled "Unknown" and reported through
// ErrResolutionDegraded, which callers treat as non-fatal.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"killcard/killmail"
	"killcard/namecache"
)

// ErrResolutionDegraded reports ids that no tier could name.
var ErrResolutionDegraded = errors.New("enrich: resolution degraded")

const maxReportedRefs = 20

// Tables is the static reference data: type names and the map hierarchy.
type Tables interface {
	TypeTable
	MapTable
}

// Remote is the remote name and universe service.
type Remote interface {
	NameResolver
	RemoteLocations
}

// Options wires the tiers. Any source may be nil.
type Options struct {
	Store    NameStore
	Items    TypeNamer
	Tables   Tables
	Remote   Remote
	Locale   string
	Observer Observer
	Logger   zerolog.Logger
}

// Enricher is safe for concurrent use; the pipeline calls it once per event.
type Enricher struct {
	actors   *Chain
	types    *Chain
	location *locationResolver
	log      zerolog.Logger
}

// New builds the actor chain, the type chain and the location resolver.
func New(opts Options) *Enricher {
	log := opts.Logger.With().Str("component", "enrich").Logger()
	locale := opts.Locale
	if locale == "" {
		locale = "zh"
	}

	var actorTiers, typeTiers []Tier
	if opts.Items != nil {
		typeTiers = append(typeTiers, ItemsTier(opts.Items, locale))
	}
	if opts.Tables != nil {
		typeTiers = append(typeTiers, TableTier(opts.Tables))
	}
	if opts.Store != nil {
		actorTiers = append(actorTiers, StoreTier(opts.Store))
		typeTiers = append(typeTiers, StoreTier(opts.Store))
	}
	loc := &locationResolver{store: opts.Store, log: log}
	if opts.Tables != nil {
		loc.maps = opts.Tables
	}
	if opts.Remote != nil {
		actorTiers = append(actorTiers, RemoteTier(opts.Remote, opts.Store, log))
		typeTiers = append(typeTiers, RemoteTier(opts.Remote, opts.Store, log))
		loc.remote = opts.Remote
	}
	return &Enricher{
		actors:   NewChain("actors", log, opts.Observer, actorTiers...),
		types:    NewChain("types", log, opts.Observer, typeTiers...),
		location: loc,
		log:      log,
	}
}

// Purpose: Fill every display name and the location of ev in place.
// Key aspects: Actor chain, type chain and location run concurrently and are
// joined before names are applied. Returns nil, or an error wrapping
// ErrResolutionDegraded that lists unresolved ids.
// Upstream: pipeline.Process.
// Downstream: Chain.Resolve, locationResolver.
func (e *Enricher) Enrich(ctx context.Context, ev *killmail.DetailedEvent) error {
	if ev == nil {
		return nil
	}
	actorRefs, typeRefs := collectRefs(&ev.Killmail)

	var (
		actorNames, typeNames     map[Ref]string
		actorMissing, typeMissing []Ref
		locMissing                []Ref
		loc                       killmail.Location
	)
	var g errgroup.Group
	g.Go(func() error {
		actorNames, actorMissing = e.actors.Resolve(ctx, actorRefs)
		return nil
	})
	g.Go(func() error {
		typeNames, typeMissing = e.types.Resolve(ctx, typeRefs)
		return nil
	})
	g.Go(func() error {
		loc, locMissing = e.location.resolve(ctx, ev.SolarSystemID)
		return nil
	})
	_ = g.Wait()

	apply(ev, actorNames, typeNames)
	ev.Location = loc

	missing := append(append(actorMissing, typeMissing...), locMissing...)
	if len(missing) == 0 {
		return nil
	}
	e.log.Warn().Int64("killmail_id", ev.KillmailID).Int("unresolved", len(missing)).Msg("names unresolved")
	return fmt.Errorf("%w: %d unresolved [%s]", ErrResolutionDegraded, len(missing), formatRefs(missing))
}

func collectRefs(km *killmail.Killmail) (actors, types []Ref) {
	addActor := func(cat namecache.Category, id int64) {
		if id > 0 {
			actors = append(actors, Ref{Category: cat, ID: id})
		}
	}
	addType := func(id int64) {
		if id > 0 {
			types = append(types, Ref{Category: namecache.CategoryType, ID: id})
		}
	}
	addRef := func(a killmail.ActorRef) {
		addActor(namecache.CategoryCharacter, a.CharacterID)
		addActor(namecache.CategoryCorporation, a.CorporationID)
		addActor(namecache.CategoryAlliance, a.AllianceID)
		addType(a.ShipTypeID)
	}
	addRef(km.Victim.ActorRef)
	for _, a := range km.Attackers {
		addRef(a.ActorRef)
		addType(a.WeaponTypeID)
	}
	for _, it := range km.Victim.Items {
		addType(it.ItemTypeID)
		for _, sub := range it.Items {
			addType(sub.ItemTypeID)
		}
	}
	return dedupeRefs(actors), dedupeRefs(types)
}

func lookupName(names map[Ref]string, cat namecache.Category, id int64) (string, bool) {
	if id <= 0 {
		return "", false
	}
	n, ok := names[Ref{Category: cat, ID: id}]
	return n, ok
}

// nameOr returns the resolved name, Unknown for an unresolved id, or "" when
// the id is absent.
func nameOr(names map[Ref]string, cat namecache.Category, id int64) string {
	if id <= 0 {
		return ""
	}
	if n, ok := lookupName(names, cat, id); ok {
		return n
	}
	return killmail.Unknown
}

func apply(ev *killmail.DetailedEvent, actors, types map[Ref]string) {
	v := &ev.Victim
	v.Names = killmail.ActorNames{
		Character:   nameOr(actors, namecache.CategoryCharacter, v.CharacterID),
		Corporation: nameOr(actors, namecache.CategoryCorporation, v.CorporationID),
		Alliance:    nameOr(actors, namecache.CategoryAlliance, v.AllianceID),
		Ship:        nameOr(types, namecache.CategoryType, v.ShipTypeID),
	}
	if v.Names.Character == "" {
		v.Names.Character = v.Names.Ship
	}
	for i := range ev.Attackers {
		a := &ev.Attackers[i]
		// An unresolved character or ship stays empty so DisplayName can
		// fall back to the ship name or the fixed label.
		char, _ := lookupName(actors, namecache.CategoryCharacter, a.CharacterID)
		ship, _ := lookupName(types, namecache.CategoryType, a.ShipTypeID)
		a.Names = killmail.ActorNames{
			Character:   char,
			Corporation: nameOr(actors, namecache.CategoryCorporation, a.CorporationID),
			Alliance:    nameOr(actors, namecache.CategoryAlliance, a.AllianceID),
			Ship:        ship,
		}
		a.WeaponName = nameOr(types, namecache.CategoryType, a.WeaponTypeID)
	}
	for i := range v.Items {
		it := &v.Items[i]
		it.Name = nameOr(types, namecache.CategoryType, it.ItemTypeID)
		for j := range it.Items {
			it.Items[j].Name = nameOr(types, namecache.CategoryType, it.Items[j].ItemTypeID)
		}
	}
}

func formatRefs(refs []Ref) string {
	var b strings.Builder
	for i, r := range refs {
		if i == maxReportedRefs {
			fmt.Fprintf(&b, " +%d more", len(refs)-i)
			break
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s:%d", r.Category, r.ID)
	}
	return b.String()
}
