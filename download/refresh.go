package download

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
)

// RefreshSummary counts the outcome of a Refresh run.
type RefreshSummary struct {
	Updated   []string
	Unchanged []string
	Failed    []string
}

// Changed reports whether name was replaced on disk.
func (s RefreshSummary) Changed(name string) bool {
	for _, u := range s.Updated {
		if u == name {
			return true
		}
	}
	return false
}

// Purpose: Refresh a set of files from baseURL into dir.
// Key aspects: Each file is fetched as baseURL/name with conditional headers;
// one failure does not stop the others. Returns a joined error for failures.
// Upstream: main startup when sde.refresh_on_boot is set.
// Downstream: Download.
func Refresh(ctx context.Context, client Doer, baseURL, dir string, names []string, timeout time.Duration, log zerolog.Logger) (RefreshSummary, error) {
	var summary RefreshSummary
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return summary, errors.New("download: refresh URL is empty")
	}
	var errs []error
	for _, name := range names {
		res, err := Download(ctx, client, Request{
			URL:         base + "/" + name,
			Destination: filepath.Join(dir, name),
			Timeout:     timeout,
		}, log)
		if err != nil {
			summary.Failed = append(summary.Failed, name)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			log.Warn().Err(err).Str("file", name).Msg("reference refresh failed")
			continue
		}
		switch res.Status {
		case StatusUpdated:
			summary.Updated = append(summary.Updated, name)
			log.Info().Str("file", name).Str("size", humanize.Bytes(uint64(res.Bytes))).Msg("reference file updated")
		default:
			summary.Unchanged = append(summary.Unchanged, name)
			log.Debug().Str("file", name).Str("status", string(res.Status)).Msg("reference file unchanged")
		}
		if ctx.Err() != nil {
			break
		}
	}
	return summary, errors.Join(errs...)
}
