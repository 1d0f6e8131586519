// Package download refreshes the bundled reference files (map CSVs and the
// type list) with conditional requests and a sidecar metadata file, so an
// unchanged upstream costs one 304.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const MetadataSuffix = ".status.json"

// Status indicates whether the remote content changed.
type Status string

const (
	StatusUpdated     Status = "updated"
	StatusNotModified Status = "not_modified"
	StatusSameContent Status = "same_content"
)

// Metadata tracks the last successful download/check and any post-processing status.
type Metadata struct {
	URL          string    `json:"url,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at,omitempty"`
	CheckedAt    time.Time `json:"checked_at,omitempty"`
	SizeBytes    int64     `json:"size_bytes,omitempty"`
	SHA256       string    `json:"sha256,omitempty"`
	UpToDate     bool      `json:"up_to_date,omitempty"`
	ProcessedAt  time.Time `json:"processed_at,omitempty"`
	ProcessedOK  bool      `json:"processed_ok,omitempty"`
}

// Doer sends a request. The shared network client satisfies it and adds the
// User-Agent and rate limit.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Request configures one download.
type Request struct {
	URL          string
	Destination  string
	Timeout      time.Duration
	Force        bool
	MetadataPath string
}

// Result summarizes the download outcome.
type Result struct {
	Status Status
	Meta   Metadata
	Bytes  int64
}

// MetadataPath returns the default metadata sidecar path for a destination.
func MetadataPath(dest string) string {
	if strings.TrimSpace(dest) == "" {
		return ""
	}
	return dest + MetadataSuffix
}

// Purpose: Download a file with conditional headers and metadata sidecar.
// Key aspects: Uses ETag/Last-Modified, computes SHA256, and writes atomically.
// Upstream: Refresh (SDE bundle at startup).
// Downstream: Doer, metadata read/write helpers.
func Download(ctx context.Context, client Doer, req Request, log zerolog.Logger) (Result, error) {
	var result Result
	url := strings.TrimSpace(req.URL)
	dest := strings.TrimSpace(req.Destination)
	if url == "" {
		return result, errors.New("download: URL is empty")
	}
	if dest == "" {
		return result, errors.New("download: destination is empty")
	}

	metaPath := strings.TrimSpace(req.MetadataPath)
	if metaPath == "" {
		metaPath = MetadataPath(dest)
	}

	destInfo, err := os.Stat(dest)
	destExists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return result, fmt.Errorf("download: stat destination: %w", err)
	}

	prevMeta := ReadMetadata(metaPath)
	if prevMeta == nil && destExists {
		prevMeta = &Metadata{
			LastModified: destInfo.ModTime().UTC().Format(http.TimeFormat),
			SizeBytes:    destInfo.Size(),
		}
	}

	force := req.Force || !destExists

	reqCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return result, fmt.Errorf("download: build request: %w", err)
	}
	if !force && prevMeta != nil {
		if prevMeta.ETag != "" {
			httpReq.Header.Set("If-None-Match", prevMeta.ETag)
		}
		if prevMeta.LastModified != "" {
			httpReq.Header.Set("If-Modified-Since", prevMeta.LastModified)
		}
	}

	resp, err := client.Do(reqCtx, httpReq)
	if err != nil {
		return result, fmt.Errorf("download: fetch failed: %w", err)
	}
	defer resp.Body.Close()

	now := time.Now().UTC()
	if resp.StatusCode == http.StatusNotModified {
		result.Status = StatusNotModified
		meta := mergeMetadata(prevMeta, url, resp, now, false, "")
		meta.CheckedAt = now
		meta.UpToDate = true
		if err := WriteMetadata(metaPath, meta); err != nil {
			log.Warn().Err(err).Str("path", metaPath).Msg("unable to write download metadata")
		}
		result.Meta = meta
		return result, nil
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return result, fmt.Errorf("download: fetch failed: status %s", resp.Status)
	}

	if err := ensureParentDir(dest); err != nil {
		return result, err
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(dest), "download-*.tmp")
	if err != nil {
		return result, fmt.Errorf("download: create temp file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmpFile, hasher), resp.Body)
	if err != nil {
		tmpFile.Close()
		return result, fmt.Errorf("download: copy body: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return result, fmt.Errorf("download: finalize temp file: %w", err)
	}
	if written <= 0 {
		return result, errors.New("download: empty response body")
	}

	hashHex := hex.EncodeToString(hasher.Sum(nil))
	result.Bytes = written

	sameContent := prevMeta != nil && destExists && prevMeta.SHA256 != "" && prevMeta.SHA256 == hashHex
	if sameContent && !force {
		result.Status = StatusSameContent
		meta := mergeMetadata(prevMeta, url, resp, now, false, hashHex)
		meta.CheckedAt = now
		meta.UpToDate = true
		if err := WriteMetadata(metaPath, meta); err != nil {
			log.Warn().Err(err).Str("path", metaPath).Msg("unable to write download metadata")
		}
		result.Meta = meta
		return result, nil
	}

	if err := os.Rename(tmpName, dest); err != nil {
		return result, fmt.Errorf("download: replace file: %w", err)
	}

	result.Status = StatusUpdated
	meta := mergeMetadata(prevMeta, url, resp, now, true, hashHex)
	meta.CheckedAt = now
	meta.SizeBytes = written
	meta.UpToDate = true
	meta.ProcessedOK = false
	if err := WriteMetadata(metaPath, meta); err != nil {
		log.Warn().Err(err).Str("path", metaPath).Msg("unable to write download metadata")
	}
	result.Meta = meta
	return result, nil
}

// ReadMetadata loads a sidecar; a missing or unparsable file yields nil.
func ReadMetadata(path string) *Metadata {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil
	}
	return &meta
}

// Purpose: Persist metadata JSON to disk.
// Key aspects: Writes an indented JSON file for operator readability.
// Upstream: Download, UpdateProcessedStatus.
// Downstream: json.MarshalIndent, os.WriteFile.
func WriteMetadata(path string, meta Metadata) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("download: metadata path is empty")
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// UpdateProcessedStatus records whether a derived artifact (items.db built
// from types.yaml) was produced from the current download.
func UpdateProcessedStatus(metaPath string, ok bool) error {
	meta := ReadMetadata(metaPath)
	if meta == nil {
		return nil
	}
	meta.ProcessedAt = time.Now().UTC()
	meta.ProcessedOK = ok
	meta.UpToDate = ok
	return WriteMetadata(metaPath, *meta)
}

func mergeMetadata(prev *Metadata, url string, resp *http.Response, now time.Time, updated bool, hash string) Metadata {
	meta := Metadata{}
	if prev != nil {
		meta = *prev
	}
	meta.URL = url
	if resp != nil {
		if etag := strings.TrimSpace(resp.Header.Get("ETag")); etag != "" {
			meta.ETag = etag
		}
		if last := strings.TrimSpace(resp.Header.Get("Last-Modified")); last != "" {
			meta.LastModified = last
		}
	}
	if updated {
		meta.DownloadedAt = now
	}
	if hash != "" {
		meta.SHA256 = hash
	}
	return meta
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("download: create directory: %w", err)
	}
	return nil
}
