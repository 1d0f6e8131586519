package enrich

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"killcard/esi"
	"killcard/killmail"
	"killcard/namecache"
	"killcard/sde"
)

// RemoteLocations is the remote universe lookup service.
type RemoteLocations interface {
	System(ctx context.Context, id int64) (*esi.System, error)
	Constellation(ctx context.Context, id int64) (*esi.Constellation, error)
	Region(ctx context.Context, id int64) (*esi.Region, error)
}

// MapTable is the CSV map reference.
type MapTable interface {
	System(id int64) (sde.SolarSystem, bool)
	Constellation(id int64) (sde.Constellation, bool)
	Region(id int64) (sde.Region, bool)
}

type locationResolver struct {
	store  NameStore
	remote RemoteLocations
	maps   MapTable
	log    zerolog.Logger
}

type place struct {
	name     string
	parentID int64
	security float64
	ok       bool
}

// Purpose: Resolve system -> constellation -> region for a kill.
// Key aspects: Each level tries the name cache, then the remote service
// (localized), then the CSV tables. A missing system name becomes
// "SystemID: <id>". Remote hits are written back to the cache.
// Upstream: Enricher.Enrich.
// Downstream: namecache, esi universe endpoints, sde.Maps.
func (l *locationResolver) resolve(ctx context.Context, systemID int64) (killmail.Location, []Ref) {
	loc := killmail.Location{SystemID: systemID}
	var missing []Ref
	if systemID <= 0 {
		loc.SystemName = fmt.Sprintf("SystemID: %d", systemID)
		return loc, nil
	}

	sys := l.lookup(ctx, namecache.CategorySystem, systemID)
	var csvRegion int64
	if !sys.ok {
		missing = append(missing, Ref{Category: namecache.CategorySystem, ID: systemID})
		loc.SystemName = fmt.Sprintf("SystemID: %d", systemID)
		return loc, missing
	}
	loc.SystemName = sys.name
	loc.Security = sys.security
	loc.ConstellationID = sys.parentID
	if l.maps != nil {
		if row, ok := l.maps.System(systemID); ok {
			csvRegion = row.RegionID
			if loc.ConstellationID == 0 {
				loc.ConstellationID = row.ConstellationID
			}
		}
	}

	if loc.ConstellationID > 0 {
		cons := l.lookup(ctx, namecache.CategoryConstellation, loc.ConstellationID)
		if cons.ok {
			loc.ConstellationName = cons.name
			loc.RegionID = cons.parentID
		} else {
			missing = append(missing, Ref{Category: namecache.CategoryConstellation, ID: loc.ConstellationID})
		}
	}
	if loc.RegionID == 0 {
		loc.RegionID = csvRegion
	}
	if loc.RegionID > 0 {
		region := l.lookup(ctx, namecache.CategoryRegion, loc.RegionID)
		if region.ok {
			loc.RegionName = region.name
		} else {
			missing = append(missing, Ref{Category: namecache.CategoryRegion, ID: loc.RegionID})
		}
	}
	return loc, missing
}

func (l *locationResolver) lookup(ctx context.Context, cat namecache.Category, id int64) place {
	if l.store != nil {
		e, err := l.store.Get(cat, id)
		if err != nil {
			l.log.Warn().Err(err).Str("category", string(cat)).Int64("id", id).Msg("name cache read failed")
		} else if e != nil && e.Name != "" {
			return place{name: e.Name, parentID: e.ParentID, security: e.Security, ok: true}
		}
	}
	if l.remote != nil {
		p, err := l.fromRemote(ctx, cat, id)
		if err != nil {
			l.log.Warn().Err(err).Str("category", string(cat)).Int64("id", id).Msg("remote location lookup failed")
		} else if p.ok {
			if l.store != nil {
				entry := namecache.Entry{ID: id, Category: cat, Name: p.name, ParentID: p.parentID, Security: p.security}
				if werr := l.store.UpsertBatch([]namecache.Entry{entry}); werr != nil {
					l.log.Warn().Err(werr).Int64("id", id).Msg("name cache write-back failed")
				}
			}
			return p
		}
	}
	if l.maps != nil {
		return fromTable(l.maps, cat, id)
	}
	return place{}
}

func (l *locationResolver) fromRemote(ctx context.Context, cat namecache.Category, id int64) (place, error) {
	switch cat {
	case namecache.CategorySystem:
		s, err := l.remote.System(ctx, id)
		if err != nil || s == nil {
			return place{}, err
		}
		return place{name: s.Name, parentID: s.ConstellationID, security: s.SecurityStatus, ok: s.Name != ""}, nil
	case namecache.CategoryConstellation:
		c, err := l.remote.Constellation(ctx, id)
		if err != nil || c == nil {
			return place{}, err
		}
		return place{name: c.Name, parentID: c.RegionID, ok: c.Name != ""}, nil
	case namecache.CategoryRegion:
		r, err := l.remote.Region(ctx, id)
		if err != nil || r == nil {
			return place{}, err
		}
		return place{name: r.Name, ok: r.Name != ""}, nil
	}
	return place{}, nil
}

func fromTable(maps MapTable, cat namecache.Category, id int64) place {
	switch cat {
	case namecache.CategorySystem:
		if s, ok := maps.System(id); ok {
			return place{name: s.Name, parentID: s.ConstellationID, security: s.Security, ok: s.Name != ""}
		}
	case namecache.CategoryConstellation:
		if c, ok := maps.Constellation(id); ok {
			return place{name: c.Name, parentID: c.RegionID, ok: c.Name != ""}
		}
	case namecache.CategoryRegion:
		if r, ok := maps.Region(id); ok {
			return place{name: r.Name, ok: r.Name != ""}
		}
	}
	return place{}
}
