// Package sde reads the static game reference data: the items table built
// from the SDE type list and the map CSV exports.
package sde

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"killcard/sqliteutil"
)

// ErrNoItemsDB is returned when items.db is absent and cannot be rebuilt.
var ErrNoItemsDB = errors.New("sde: items database unavailable")

// ItemsOptions configures OpenItems.
type ItemsOptions struct {
	Path string
	// TypesYAML, when set, rebuilds Path if it is missing or fails the check.
	TypesYAML  string
	QuickCheck bool
	Logger     zerolog.Logger
}

// Items is a read-only view of items.db. database/sql hands each concurrent
// query its own connection.
type Items struct {
	db  *sql.DB
	log zerolog.Logger
}

// Purpose: Open the items reference database for concurrent reads.
// Key aspects: Optional quick_check preflight; rebuilds from types.yaml when
// the file is missing or quarantined.
// Upstream: main startup, enrich type tier, filter group lookups.
// Downstream: sqliteutil.Preflight, ImportTypes.
func OpenItems(ctx context.Context, opts ItemsOptions) (*Items, error) {
	log := opts.Logger.With().Str("component", "sde").Logger()
	needBuild := false
	if opts.QuickCheck {
		res, err := sqliteutil.Preflight(ctx, opts.Path, "items", 30*time.Second, []string{"items"}, log)
		if err != nil {
			return nil, err
		}
		needBuild = res.Missing || res.Quarantined
	} else if _, err := os.Stat(opts.Path); os.IsNotExist(err) {
		needBuild = true
	}
	if needBuild {
		if strings.TrimSpace(opts.TypesYAML) == "" {
			return nil, fmt.Errorf("%w: %s", ErrNoItemsDB, opts.Path)
		}
		if _, err := os.Stat(opts.TypesYAML); err != nil {
			return nil, fmt.Errorf("%w: %s (no %s to rebuild from)", ErrNoItemsDB, opts.Path, opts.TypesYAML)
		}
		n, err := ImportTypes(ctx, opts.TypesYAML, opts.Path)
		if err != nil {
			return nil, fmt.Errorf("rebuild items db: %w", err)
		}
		log.Info().Int("types", n).Str("path", opts.Path).Msg("items database rebuilt")
	}

	db, err := sql.Open("sqlite", opts.Path+"?_pragma=query_only(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open items db: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping items db: %w", err)
	}
	return &Items{db: db, log: log}, nil
}

// Close releases the pool.
func (s *Items) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// TypeName returns the localized name of typeID. Missing locale falls back to
// English, then to any non-empty name.
func (s *Items) TypeName(ctx context.Context, typeID int64, locale string) (string, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "select name from items where id = ?", typeID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("item %d name: %w", typeID, err)
	}
	name := pickLocale(raw, locale)
	return name, name != "", nil
}

// TypeNames resolves every id it can; unknown ids are absent from the map.
func (s *Items) TypeNames(ctx context.Context, ids []int64, locale string) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	for _, id := range ids {
		name, ok, err := s.TypeName(ctx, id, locale)
		if err != nil {
			return out, err
		}
		if ok {
			out[id] = name
		}
	}
	return out, nil
}

// GroupID returns the type-group of typeID.
func (s *Items) GroupID(ctx context.Context, typeID int64) (int64, bool, error) {
	var group sql.NullInt64
	err := s.db.QueryRowContext(ctx, "select groupid from items where id = ?", typeID).Scan(&group)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("item %d group: %w", typeID, err)
	}
	return group.Int64, group.Valid, nil
}

func pickLocale(raw, locale string) string {
	var names map[string]string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		// Some builds store a plain string.
		return strings.TrimSpace(raw)
	}
	if name := strings.TrimSpace(names[locale]); name != "" {
		return name
	}
	if name := strings.TrimSpace(names["en"]); name != "" {
		return name
	}
	keys := make([]string, 0, len(names))
	for k := range names {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if name := strings.TrimSpace(names[k]); name != "" {
			return name
		}
	}
	return ""
}
