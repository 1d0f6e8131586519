package sqliteutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPreflightHealthy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "items.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec("create table items (id integer primary key)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	db.Close()

	res, err := Preflight(context.Background(), path, "items", time.Second, []string{"items"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("preflight failed: %v", err)
	}
	if !res.Healthy || res.Quarantined || res.Missing {
		t.Fatalf("expected healthy preflight, got %+v", res)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected db to remain, stat failed: %v", err)
	}
}

func TestPreflightMissingDoesNotCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.db")
	res, err := Preflight(context.Background(), path, "items", time.Second, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("preflight failed: %v", err)
	}
	if !res.Missing {
		t.Fatalf("expected missing result, got %+v", res)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected preflight not to create %s", path)
	}
}

func TestPreflightQuarantinesMissingTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "items.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec("create table other (id integer)"); err != nil {
		t.Fatalf("create table: %v", err)
	}
	db.Close()

	res, err := Preflight(context.Background(), path, "items", time.Second, []string{"items"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("preflight error: %v", err)
	}
	if res.Healthy || !res.Quarantined {
		t.Fatalf("expected quarantine for missing table, got %+v", res)
	}
}

func TestPreflightQuarantinesCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.db")
	if err := os.WriteFile(path, []byte("not a sqlite database"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	sidecars := []string{path + "-wal", path + "-shm", path + "-journal"}
	for _, s := range sidecars {
		if err := os.WriteFile(s, []byte("sidecar"), 0o644); err != nil {
			t.Fatalf("write sidecar %s: %v", s, err)
		}
	}

	res, err := Preflight(context.Background(), path, "items", time.Second, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("preflight expected quarantine, got error: %v", err)
	}
	if res.Healthy || !res.Quarantined {
		t.Fatalf("expected quarantine, got %+v", res)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected original db to be renamed, stat err=%v", err)
	}
	for _, s := range sidecars {
		if _, err := os.Stat(s); err == nil {
			t.Fatalf("expected sidecar %s to be moved or removed", s)
		}
	}
	if !strings.Contains(res.QuarantinePath, ".bad-") {
		t.Fatalf("quarantine path not suffixed as expected: %s", res.QuarantinePath)
	}
}
