// Package feed polls the zKillboard RedisQ listener and fetches single kills
// from the zKillboard API.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"killcard/killmail"
	"killcard/netclient"
	"killcard/strutil"
)

var (
	// ErrFeedUnavailable means host resolution kept failing after every DNS
	// retry.
	ErrFeedUnavailable = errors.New("feed: unavailable")
	// ErrKillNotFound means the kill API returned no record for the id.
	ErrKillNotFound = errors.New("feed: kill not found")
)

// Fetcher is the network surface used by Poller.
type Fetcher interface {
	GetBytes(ctx context.Context, url string) ([]byte, error)
	Retry(ctx context.Context, p netclient.Policy, retryable func(error) bool, fn func(context.Context) error) error
}

// Options configures New.
type Options struct {
	Endpoints []string // RedisQ listen URLs, tried in order
	KillURL   string
	QueueID   string
	TTW       int
	Timeout   time.Duration
	Logger    zerolog.Logger
}

// Poller is used from the single pipeline goroutine.
type Poller struct {
	net       Fetcher
	endpoints []string
	killURL   string
	queueID   string
	ttw       int
	timeout   time.Duration
	log       zerolog.Logger
}

type envelope struct {
	Package *killmail.RawEvent `json:"package"`
}

type killRecord struct {
	KillmailID int64        `json:"killmail_id"`
	Zkb        killmail.Zkb `json:"zkb"`
}

// New builds a Poller. TTW is clamped to 1..10 seconds.
func New(net Fetcher, opts Options) *Poller {
	ttw := opts.TTW
	if ttw < 1 {
		ttw = 1
	}
	if ttw > 10 {
		ttw = 10
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(ttw+9) * time.Second
	}
	return &Poller{
		net:       net,
		endpoints: strutil.NonEmpty(opts.Endpoints...),
		killURL:   strings.TrimRight(opts.KillURL, "/"),
		queueID:   opts.QueueID,
		ttw:       ttw,
		timeout:   timeout,
		log:       opts.Logger.With().Str("component", "feed").Logger(),
	}
}

// Purpose: Fetch at most one new event from the listener.
// Key aspects: (nil, nil) for an empty poll or a transient failure;
// ErrFeedUnavailable once DNS retries are exhausted on every endpoint.
// Upstream: pipeline loop.
// Downstream: netclient DNS retry policy.
func (p *Poller) Poll(ctx context.Context) (*killmail.RawEvent, error) {
	if len(p.endpoints) == 0 {
		return nil, fmt.Errorf("%w: no listen endpoint configured", ErrFeedUnavailable)
	}
	dnsFailures := 0
	for _, endpoint := range p.endpoints {
		ev, err := p.pollEndpoint(ctx, endpoint)
		if err == nil {
			return ev, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if netclient.IsDNSError(err) {
			dnsFailures++
			p.log.Error().Err(err).Str("url", endpoint).Msg("feed host resolution failed")
			continue
		}
		p.log.Warn().Err(err).Str("url", endpoint).Msg("feed poll failed")
	}
	if dnsFailures == len(p.endpoints) {
		return nil, fmt.Errorf("%w: dns resolution failed after %d attempts", ErrFeedUnavailable, netclient.DNSPolicy.Attempts)
	}
	return nil, nil
}

func (p *Poller) pollEndpoint(ctx context.Context, endpoint string) (*killmail.RawEvent, error) {
	target, err := p.listenURL(endpoint)
	if err != nil {
		return nil, err
	}
	var body []byte
	err = p.net.Retry(ctx, netclient.DNSPolicy, netclient.IsDNSError, func(ctx context.Context) error {
		reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		var ferr error
		body, ferr = p.net.GetBytes(reqCtx, target)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	return decodeEnvelope(body)
}

func (p *Poller) listenURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("feed: bad endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	if p.queueID != "" {
		q.Set("queueID", p.queueID)
	}
	q.Set("ttw", strconv.Itoa(p.ttw))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func decodeEnvelope(body []byte) (*killmail.RawEvent, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("feed: decode envelope: %w", err)
	}
	if env.Package == nil {
		return nil, nil
	}
	ev := env.Package
	if ev.KillmailID == 0 && ev.Killmail != nil {
		ev.KillmailID = ev.Killmail.KillmailID
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}
	return ev, nil
}

// Fetch loads one kill by id from the kill API (single-event mode).
func (p *Poller) Fetch(ctx context.Context, killID int64) (*killmail.RawEvent, error) {
	target := fmt.Sprintf("%s/%d/", p.killURL, killID)
	var body []byte
	err := p.net.Retry(ctx, netclient.DNSPolicy, netclient.IsDNSError, func(ctx context.Context) error {
		var ferr error
		body, ferr = p.net.GetBytes(ctx, target)
		return ferr
	})
	if err != nil {
		if netclient.IsDNSError(err) {
			return nil, fmt.Errorf("%w: %w", ErrFeedUnavailable, err)
		}
		return nil, fmt.Errorf("feed: fetch kill %d: %w", killID, err)
	}
	var records []killRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("feed: decode kill %d: %w", killID, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrKillNotFound, killID)
	}
	rec := records[0]
	if rec.KillmailID == 0 {
		rec.KillmailID = killID
	}
	ev := &killmail.RawEvent{KillmailID: rec.KillmailID, Zkb: rec.Zkb}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}
	return ev, nil
}
