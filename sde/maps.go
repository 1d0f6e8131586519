package sde

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Map CSV exports read by LoadMaps.
const (
	SolarSystemsFile   = "mapSolarSystems.csv"
	ConstellationsFile = "mapConstellations.csv"
	RegionsFile        = "mapRegions.csv"
	TypesFile          = "invTypes.csv"
)

// MapFiles lists every CSV LoadMaps reads, in load order.
var MapFiles = []string{SolarSystemsFile, ConstellationsFile, RegionsFile, TypesFile}

// SolarSystem is one row of mapSolarSystems.csv.
type SolarSystem struct {
	ID              int64
	Name            string
	ConstellationID int64
	RegionID        int64
	Security        float64
}

// Constellation is one row of mapConstellations.csv.
type Constellation struct {
	ID       int64
	Name     string
	RegionID int64
}

// Region is one row of mapRegions.csv.
type Region struct {
	ID   int64
	Name string
}

// TypeRow is one row of invTypes.csv.
type TypeRow struct {
	ID      int64
	Name    string
	GroupID int64
}

// Maps holds the CSV reference tables. Immutable after LoadMaps.
type Maps struct {
	systems        map[int64]SolarSystem
	constellations map[int64]Constellation
	regions        map[int64]Region
	types          map[int64]TypeRow
}

// Purpose: Load the map CSV exports from dir.
// Key aspects: A missing or unreadable file leaves its table empty and is
// logged; malformed rows are skipped.
// Upstream: main startup.
// Downstream: enrich location fallback, filter group fallback.
func LoadMaps(dir string, log zerolog.Logger) *Maps {
	m := &Maps{
		systems:        make(map[int64]SolarSystem),
		constellations: make(map[int64]Constellation),
		regions:        make(map[int64]Region),
		types:          make(map[int64]TypeRow),
	}
	load := func(name string, fn func(row csvRow) error) {
		path := filepath.Join(dir, name)
		rows, err := readCSV(path, fn)
		if err != nil {
			log.Warn().Err(err).Str("file", path).Msg("reference table not loaded")
			return
		}
		log.Debug().Int("rows", rows).Str("file", path).Msg("reference table loaded")
	}
	load(SolarSystemsFile, func(r csvRow) error {
		id, err := r.int("solarSystemID")
		if err != nil {
			return err
		}
		sec, _ := strconv.ParseFloat(r.get("security"), 64)
		cons, _ := r.int("constellationID")
		region, _ := r.int("regionID")
		m.systems[id] = SolarSystem{ID: id, Name: r.get("solarSystemName"), ConstellationID: cons, RegionID: region, Security: sec}
		return nil
	})
	load(ConstellationsFile, func(r csvRow) error {
		id, err := r.int("constellationID")
		if err != nil {
			return err
		}
		region, _ := r.int("regionID")
		m.constellations[id] = Constellation{ID: id, Name: r.get("constellationName"), RegionID: region}
		return nil
	})
	load(RegionsFile, func(r csvRow) error {
		id, err := r.int("regionID")
		if err != nil {
			return err
		}
		m.regions[id] = Region{ID: id, Name: r.get("regionName")}
		return nil
	})
	load(TypesFile, func(r csvRow) error {
		id, err := r.int("typeID")
		if err != nil {
			return err
		}
		group, _ := r.int("groupID")
		m.types[id] = TypeRow{ID: id, Name: r.get("typeName"), GroupID: group}
		return nil
	})
	log.Info().
		Int("systems", len(m.systems)).
		Int("constellations", len(m.constellations)).
		Int("regions", len(m.regions)).
		Int("types", len(m.types)).
		Msg("reference tables ready")
	return m
}

// System looks up a solar system.
func (m *Maps) System(id int64) (SolarSystem, bool) {
	if m == nil {
		return SolarSystem{}, false
	}
	s, ok := m.systems[id]
	return s, ok
}

// Constellation looks up a constellation.
func (m *Maps) Constellation(id int64) (Constellation, bool) {
	if m == nil {
		return Constellation{}, false
	}
	c, ok := m.constellations[id]
	return c, ok
}

// Region looks up a region.
func (m *Maps) Region(id int64) (Region, bool) {
	if m == nil {
		return Region{}, false
	}
	r, ok := m.regions[id]
	return r, ok
}

// Type looks up an invTypes row.
func (m *Maps) Type(id int64) (TypeRow, bool) {
	if m == nil {
		return TypeRow{}, false
	}
	t, ok := m.types[id]
	return t, ok
}

type csvRow struct {
	header map[string]int
	fields []string
}

func (r csvRow) get(col string) string {
	i, ok := r.header[col]
	if !ok || i >= len(r.fields) {
		return ""
	}
	v := strings.TrimSpace(r.fields[i])
	if v == "None" {
		return ""
	}
	return v
}

func (r csvRow) int(col string) (int64, error) {
	v := r.get(col)
	if v == "" {
		return 0, fmt.Errorf("empty %s", col)
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && strings.ContainsAny(v, ".eE") {
		return int64(f), nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func readCSV(path string, fn func(row csvRow) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	head, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	header := make(map[string]int, len(head))
	for i, name := range head {
		header[strings.TrimPrefix(strings.TrimSpace(name), "\ufeff")] = i
	}
	rows := 0
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rows, err
		}
		if fn(csvRow{header: header, fields: fields}) == nil {
			rows++
		}
	}
	return rows, nil
}

// GroupID returns the invTypes group of typeID. It never fails; the context
// argument matches the database-backed lookup.
func (m *Maps) GroupID(_ context.Context, typeID int64) (int64, bool, error) {
	t, ok := m.Type(typeID)
	if !ok || t.GroupID == 0 {
		return 0, false, nil
	}
	return t.GroupID, true, nil
}

// TypeName returns the invTypes name of typeID.
func (m *Maps) TypeName(typeID int64) (string, bool) {
	t, ok := m.Type(typeID)
	if !ok || t.Name == "" {
		return "", false
	}
	return t.Name, true
}
