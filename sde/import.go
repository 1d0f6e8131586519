package sde

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// typeRecord is the subset of an SDE types.yaml entry we keep.
type typeRecord struct {
	Name          map[string]string `yaml:"name"`
	GroupID       int64             `yaml:"groupID"`
	MarketGroupID int64             `yaml:"marketGroupID"`
}

// importLocales are the name translations copied into items.db.
var importLocales = []string{"zh", "en"}

const createItemsSQL = `create table items (
	id integer primary key,
	name text not null,
	market_id integer,
	groupid integer
)`

// Purpose: Build items.db from an SDE types.yaml file.
// Key aspects: Writes a temp database beside dbPath and renames it into place
// so readers never observe a partial table.
// Upstream: OpenItems rebuild path, cmd/sdeimport.
// Downstream: yaml.v3 decode, modernc sqlite.
func ImportTypes(ctx context.Context, yamlPath, dbPath string) (int, error) {
	f, err := os.Open(yamlPath)
	if err != nil {
		return 0, fmt.Errorf("sde import: open %s: %w", yamlPath, err)
	}
	defer f.Close()

	var records map[int64]typeRecord
	if err := yaml.NewDecoder(f).Decode(&records); err != nil {
		return 0, fmt.Errorf("sde import: decode %s: %w", yamlPath, err)
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("sde import: ensure dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, "items-*.dbtmp")
	if err != nil {
		return 0, fmt.Errorf("sde import: temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	defer os.Remove(tmpPath)

	db, err := sql.Open("sqlite", tmpPath+"?_pragma=journal_mode(OFF)&_pragma=synchronous(OFF)")
	if err != nil {
		return 0, fmt.Errorf("sde import: open temp db: %w", err)
	}
	n, err := writeItems(ctx, db, records)
	if cerr := db.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if err := os.Rename(tmpPath, dbPath); err != nil {
		return 0, fmt.Errorf("sde import: activate db: %w", err)
	}
	return n, nil
}

func writeItems(ctx context.Context, db *sql.DB, records map[int64]typeRecord) (int, error) {
	if _, err := db.ExecContext(ctx, createItemsSQL); err != nil {
		return 0, fmt.Errorf("sde import: create table: %w", err)
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sde import: begin: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, "insert or replace into items (id, name, market_id, groupid) values (?, ?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("sde import: prepare: %w", err)
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		rec := records[id]
		names := make(map[string]string, len(importLocales))
		for _, locale := range importLocales {
			names[locale] = rec.Name[locale]
		}
		encoded, err := json.Marshal(names)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, id, string(encoded), rec.MarketGroupID, rec.GroupID); err != nil {
			return 0, fmt.Errorf("sde import: insert %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sde import: commit: %w", err)
	}
	return len(ids), nil
}
