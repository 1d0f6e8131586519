// Package pipeline drives one event at a time through
// poll -> dedup -> filter -> detail -> enrich -> group -> render.
//
// The loop never exits on a single event's failure. Shutdown is only via the
// context; an event already past the poll finishes on a detached context.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"killcard/enrich"
	"killcard/filter"
	"killcard/killmail"
	"killcard/render"
	"killcard/stats"
)

// Feed delivers raw events.
type Feed interface {
	Poll(ctx context.Context) (*killmail.RawEvent, error)
	Fetch(ctx context.Context, killID int64) (*killmail.RawEvent, error)
}

// Filter decides whether an event is rendered.
type Filter interface {
	ShouldRender(ctx context.Context, ev killmail.RawEvent, thresholdISK float64, watched []int64) filter.Decision
}

// Detail fetches the full killmail record.
type Detail interface {
	Killmail(ctx context.Context, id int64, hash string) (*killmail.Killmail, error)
}

// Enricher fills names and location in place.
type Enricher interface {
	Enrich(ctx context.Context, ev *killmail.DetailedEvent) error
}

// Renderer writes the card.
type Renderer interface {
	Render(ctx context.Context, ev *killmail.DetailedEvent, groups killmail.SlotGroups) (render.Result, error)
}

// Dedup suppresses redelivered events. Optional.
type Dedup interface {
	Seen(killmailID int64, hash string) bool
	Forget(killmailID int64, hash string)
}

// Options configures New.
type Options struct {
	ThresholdISK float64
	Watched      []int64
	EventDelay   time.Duration
	EmptyDelay   time.Duration
	ErrorDelay   time.Duration
	// EventTimeout bounds the work for one event after it left the feed.
	EventTimeout time.Duration
	// OnResult receives every written card.
	OnResult func(render.Result)
	Logger   zerolog.Logger
}

// Pipeline wires the stages. Run must not be called concurrently.
type Pipeline struct {
	feed     Feed
	filter   Filter
	detail   Detail
	enricher Enricher
	renderer Renderer
	dedup    Dedup
	stats    *stats.Tracker
	opts     Options
	log      zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration)
}

// Stages groups the collaborators for New.
type Stages struct {
	Feed     Feed
	Filter   Filter
	Detail   Detail
	Enricher Enricher
	Renderer Renderer
	Dedup    Dedup
	Stats    *stats.Tracker
}

// New builds a Pipeline; zero delays take the 2s/5s/10s defaults.
func New(s Stages, opts Options) *Pipeline {
	if opts.EventDelay <= 0 {
		opts.EventDelay = 2 * time.Second
	}
	if opts.EmptyDelay <= 0 {
		opts.EmptyDelay = 5 * time.Second
	}
	if opts.ErrorDelay <= 0 {
		opts.ErrorDelay = 10 * time.Second
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 5 * time.Minute
	}
	st := s.Stats
	if st == nil {
		st = stats.NewTracker()
	}
	return &Pipeline{
		feed:     s.Feed,
		filter:   s.Filter,
		detail:   s.Detail,
		enricher: s.Enricher,
		renderer: s.Renderer,
		dedup:    s.Dedup,
		stats:    st,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "pipeline").Logger(),
		sleep:    sleepContext,
	}
}

// Purpose: Poll and process events until ctx is cancelled.
// Key aspects: Delays of 2s after an event, 5s after an empty poll and 10s
// after a poll error. Each event runs on a context detached from ctx so
// shutdown lets it finish.
// Upstream: main.
// Downstream: Feed.Poll, Process.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info().Float64("threshold_isk", p.opts.ThresholdISK).Int("watched", len(p.opts.Watched)).Msg("pipeline started")
	for {
		if ctx.Err() != nil {
			p.log.Info().Msg("pipeline stopped")
			return nil
		}
		ev, err := p.feed.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.stats.IncrementOutcome(stats.OutcomeFeedError)
			p.log.Error().Err(err).Msg("feed poll failed")
			p.sleep(ctx, p.opts.ErrorDelay)
			continue
		}
		if ev == nil {
			p.stats.IncrementOutcome(stats.OutcomeEmpty)
			p.sleep(ctx, p.opts.EmptyDelay)
			continue
		}
		p.stats.IncrementEvents()
		p.handle(ctx, ev)
		p.sleep(ctx, p.opts.EventDelay)
	}
}

func (p *Pipeline) handle(ctx context.Context, ev *killmail.RawEvent) {
	if p.dedup != nil && p.dedup.Seen(ev.KillmailID, ev.Zkb.Hash) {
		p.stats.IncrementOutcome(stats.OutcomeDuplicate)
		p.log.Debug().Int64("killmail_id", ev.KillmailID).Msg("duplicate event skipped")
		return
	}
	evCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.EventTimeout)
	defer cancel()
	res, err := p.Process(evCtx, ev, p.opts.ThresholdISK)
	if err != nil {
		if p.dedup != nil {
			p.dedup.Forget(ev.KillmailID, ev.Zkb.Hash)
		}
		return
	}
	if res != nil && p.opts.OnResult != nil {
		p.opts.OnResult(*res)
	}
}

// RunOnce renders a single kill fetched by id, bypassing the threshold.
func (p *Pipeline) RunOnce(ctx context.Context, killID int64) (*render.Result, error) {
	ev, err := p.feed.Fetch(ctx, killID)
	if err != nil {
		p.log.Error().Err(err).Int64("killmail_id", killID).Msg("kill lookup failed")
		return nil, err
	}
	p.stats.IncrementEvents()
	res, err := p.Process(ctx, ev, 0)
	if err != nil {
		return nil, err
	}
	if res != nil && p.opts.OnResult != nil {
		p.opts.OnResult(*res)
	}
	return res, nil
}

// Purpose: Take one raw event through filter, detail, enrichment and render.
// Key aspects: Returns (nil, nil) when filtered out. Degraded name
// resolution is logged and rendering continues. Detail and render failures
// are returned after being logged with the event id.
// Upstream: Run, RunOnce.
// Downstream: Filter, Detail, Enricher, killmail.GroupItems, Renderer.
func (p *Pipeline) Process(ctx context.Context, ev *killmail.RawEvent, thresholdISK float64) (*render.Result, error) {
	if ev == nil {
		return nil, errors.New("pipeline: nil event")
	}
	log := p.log.With().Int64("killmail_id", ev.KillmailID).Logger()

	decision := p.filter.ShouldRender(ctx, *ev, thresholdISK, p.opts.Watched)
	if !decision.Render {
		p.stats.IncrementOutcome(stats.OutcomeFiltered)
		log.Debug().Float64("total_value", ev.Zkb.TotalValue).Msg("event filtered")
		return nil, nil
	}
	p.stats.IncrementReason(decision.Reason())
	log.Info().Str("reason", decision.Reason()).Float64("total_value", ev.Zkb.TotalValue).Msg("event selected")

	start := time.Now()
	km, err := p.detail.Killmail(ctx, ev.KillmailID, ev.Zkb.Hash)
	if err != nil {
		p.stats.IncrementOutcome(stats.OutcomeDetailFailed)
		log.Error().Err(err).Msg("detail fetch failed")
		return nil, err
	}
	detailed := &killmail.DetailedEvent{Killmail: *km, Zkb: ev.Zkb}

	if err := p.enricher.Enrich(ctx, detailed); err != nil {
		if errors.Is(err, enrich.ErrResolutionDegraded) {
			p.stats.IncrementOutcome(stats.OutcomeDegraded)
		}
		log.Warn().Err(err).Msg("rendering with degraded names")
	}

	groups := killmail.GroupItems(detailed.Victim.Items)
	res, err := p.renderer.Render(ctx, detailed, groups)
	if err != nil {
		p.stats.IncrementOutcome(stats.OutcomeRenderFailed)
		log.Error().Err(err).Msg("render failed")
		return nil, fmt.Errorf("pipeline: kill %d: %w", ev.KillmailID, err)
	}
	p.stats.IncrementOutcome(stats.OutcomeRendered)
	p.stats.ObserveRender(time.Since(start))
	log.Info().Str("path", res.Path).Str("system", res.SystemName).Int("items", groups.Count()).Msg("card ready")
	return &res, nil
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
