// Package esi wraps the game API endpoints the pipeline consumes.
package esi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"killcard/killmail"
	"killcard/netclient"
)

// ErrDetailFetchFailed is returned when the detailed killmail cannot be
// retrieved or parsed.
var ErrDetailFetchFailed = errors.New("esi: killmail detail fetch failed")

// Doer is the network surface used by Client.
type Doer interface {
	GetBytes(ctx context.Context, url string) ([]byte, error)
	GetJSON(ctx context.Context, url string, v any) error
	PostJSON(ctx context.Context, url string, payload, v any) error
	Retry(ctx context.Context, p netclient.Policy, retryable func(error) bool, fn func(context.Context) error) error
}

// Options configures New.
type Options struct {
	BaseURL   string
	Language  string
	BatchSize int
	Logger    zerolog.Logger
}

// Client talks to ESI through the shared network client.
type Client struct {
	net       Doer
	base      string
	language  string
	batchSize int
	log       zerolog.Logger
}

// New builds a Client. BatchSize defaults to 10.
func New(net Doer, opts Options) *Client {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	return &Client{
		net:       net,
		base:      strings.TrimRight(opts.BaseURL, "/"),
		language:  opts.Language,
		batchSize: opts.BatchSize,
		log:       opts.Logger.With().Str("component", "esi").Logger(),
	}
}

// Killmail fetches the detailed record for (id, hash).
func (c *Client) Killmail(ctx context.Context, id int64, hash string) (*killmail.Killmail, error) {
	endpoint := fmt.Sprintf("%s/killmails/%d/%s/", c.base, id, url.PathEscape(hash))
	body, err := c.net.GetBytes(ctx, endpoint)
	if err != nil {
		c.log.Error().Err(err).Int64("killmail_id", id).Str("url", endpoint).Msg("killmail detail fetch failed")
		return nil, fmt.Errorf("%w: %d: %w", ErrDetailFetchFailed, id, err)
	}
	km, err := killmail.DecodeKillmail(body)
	if err != nil {
		c.log.Error().Err(err).Int64("killmail_id", id).Str("url", endpoint).Msg("killmail detail decode failed")
		return nil, fmt.Errorf("%w: %d: %w", ErrDetailFetchFailed, id, err)
	}
	return km, nil
}

// Name is one /universe/names result.
type Name struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Purpose: Resolve ids to names via POST /universe/names in fixed batches.
// Key aspects: Each batch retries on its own (names policy); a 4xx batch is
// logged with its payload and skipped. Returns every name obtained plus a
// joined error describing the failed batches.
// Upstream: enrich remote tier.
// Downstream: netclient.Retry, PostJSON.
func (c *Client) ResolveNames(ctx context.Context, ids []int64) (map[int64]Name, error) {
	unique := uniqueIDs(ids)
	out := make(map[int64]Name, len(unique))
	if len(unique) == 0 {
		return out, nil
	}
	endpoint := c.base + "/universe/names/"
	var errs []error
	for start := 0; start < len(unique); start += c.batchSize {
		end := min(start+c.batchSize, len(unique))
		batch := unique[start:end]
		var results []Name
		err := c.net.Retry(ctx, netclient.NamesPolicy, nil, func(ctx context.Context) error {
			results = nil
			return c.net.PostJSON(ctx, endpoint, batch, &results)
		})
		if err != nil {
			if netclient.IsClientError(err) {
				c.log.Error().Err(err).Ints64("payload", batch).Msg("name batch rejected")
			} else {
				c.log.Warn().Err(err).Ints64("payload", batch).Msg("name batch failed")
			}
			errs = append(errs, fmt.Errorf("names %v: %w", batch, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		for _, r := range results {
			if r.ID != 0 && r.Name != "" {
				out[r.ID] = r
			}
		}
	}
	return out, errors.Join(errs...)
}

// System is /universe/systems/{id}.
type System struct {
	SystemID        int64   `json:"system_id"`
	Name            string  `json:"name"`
	ConstellationID int64   `json:"constellation_id"`
	SecurityStatus  float64 `json:"security_status"`
}

// Constellation is /universe/constellations/{id}.
type Constellation struct {
	ConstellationID int64  `json:"constellation_id"`
	Name            string `json:"name"`
	RegionID        int64  `json:"region_id"`
}

// Region is /universe/regions/{id}.
type Region struct {
	RegionID int64  `json:"region_id"`
	Name     string `json:"name"`
}

// System fetches a localized solar system record.
func (c *Client) System(ctx context.Context, id int64) (*System, error) {
	var out System
	if err := c.net.GetJSON(ctx, c.universeURL("systems", id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Constellation fetches a localized constellation record.
func (c *Client) Constellation(ctx context.Context, id int64) (*Constellation, error) {
	var out Constellation
	if err := c.net.GetJSON(ctx, c.universeURL("constellations", id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Region fetches a localized region record.
func (c *Client) Region(ctx context.Context, id int64) (*Region, error) {
	var out Region
	if err := c.net.GetJSON(ctx, c.universeURL("regions", id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) universeURL(kind string, id int64) string {
	return fmt.Sprintf("%s/universe/%s/%d/?datasource=tranquility&language=%s", c.base, kind, id, url.QueryEscape(c.language))
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
