package sqliteutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// PreflightResult reports the outcome of a SQLite preflight check.
type PreflightResult struct {
	Missing        bool   // No database at path; nothing was created.
	Healthy        bool   // quick_check passed and required tables exist.
	Quarantined    bool   // The database was renamed out of the way.
	QuarantinePath string // Path of the quarantined database (main file only).
	Elapsed        time.Duration
	CheckError     error
}

// Preflight runs a bounded quick_check against an existing database and
// verifies that each of tables exists. A failing file is renamed (with its
// sidecars) to a timestamped quarantine path so the caller can rebuild it.
// A missing file is reported, never created.
func Preflight(ctx context.Context, path, role string, timeout time.Duration, tables []string, log zerolog.Logger) (PreflightResult, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	res := PreflightResult{}
	if strings.TrimSpace(path) == "" {
		return res, errors.New("preflight: empty path")
	}
	start := time.Now()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			res.Missing = true
			return res, nil
		}
		return res, fmt.Errorf("preflight: stat %s db: %w", role, err)
	}
	existing := collectExisting(path)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return res, fmt.Errorf("preflight: open %s db: %w", role, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	checkErr := quickCheck(ctx, db)
	if checkErr == nil {
		checkErr = requireTables(ctx, db, tables)
	}
	_ = db.Close()
	res.Elapsed = time.Since(start)
	res.CheckError = checkErr
	if checkErr == nil {
		res.Healthy = true
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("preflight: %s db timed out after %s", role, timeout)
	}

	quarantinePath, qerr := quarantine(path, existing, log)
	if qerr != nil {
		return res, fmt.Errorf("preflight: %s db quarantine failed: %w (quick_check=%v)", role, qerr, checkErr)
	}
	res.Quarantined = true
	res.QuarantinePath = quarantinePath
	log.Warn().
		Str("role", role).
		Err(checkErr).
		Str("quarantine", quarantinePath).
		Dur("elapsed", res.Elapsed).
		Msg("sqlite preflight failed; database quarantined")
	return res, nil
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		if scanErr := rows.Scan(&status); scanErr != nil {
			return scanErr
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

func requireTables(ctx context.Context, db *sql.DB, tables []string) error {
	for _, table := range tables {
		var name string
		err := db.QueryRowContext(ctx, "select name from sqlite_master where type='table' and name=?", table).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("missing table %q", table)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

type fileState struct {
	path string
	have bool
}

func collectExisting(path string) []fileState {
	targets := []string{
		path,
		path + "-wal",
		path + "-shm",
		path + "-journal",
	}
	out := make([]fileState, 0, len(targets))
	for _, t := range targets {
		_, err := os.Stat(t)
		out = append(out, fileState{path: t, have: err == nil})
	}
	return out
}

func quarantine(path string, existing []fileState, log zerolog.Logger) (string, error) {
	ts := time.Now().UTC().Format("20060102T150405Z")
	quarantinePath := fmt.Sprintf("%s.bad-%s", path, ts)

	for _, state := range existing {
		if !state.have {
			continue
		}
		dest := state.path + ".bad-" + ts
		if err := os.Rename(state.path, dest); err != nil {
			if os.IsNotExist(err) {
				log.Debug().Str("path", state.path).Msg("preflight: file vanished during quarantine")
				continue
			}
			return "", err
		}
	}
	return quarantinePath, nil
}
