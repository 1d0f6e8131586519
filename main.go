// Program killcard watches the zKillboard RedisQ feed and renders a PNG card
// for every notable kill: expensive, involving a watched character, or
// featuring an officer NPC. With -kill it renders one kill and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"killcard/assets"
	"killcard/config"
	"killcard/dedup"
	"killcard/download"
	"killcard/enrich"
	"killcard/esi"
	"killcard/feed"
	"killcard/filter"
	"killcard/namecache"
	"killcard/netclient"
	"killcard/pipeline"
	"killcard/render"
	"killcard/sde"
	"killcard/stats"
)

const (
	defaultConfigPath = "data/config"
	envConfigPath     = "KILLCARD_CONFIG"

	refreshTimeout     = 2 * time.Minute
	nameVerifyDuration = 30 * time.Second
	namePurgeInterval  = 24 * time.Hour
)

func main() {
	var (
		configPath = flag.String("config", "", "Configuration directory (default $"+envConfigPath+" or "+defaultConfigPath+")")
		killID     = flag.Int64("kill", 0, "Render a single kill by id, ignoring the value threshold, then exit")
	)
	flag.Parse()

	cfg, source, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logSink, err := setupLogging(cfg.Logging, os.Stderr)
	if err != nil {
		logger.Warn().Err(err).Msg("file logging disabled")
	}
	logger.Info().Str("config", source).Msg("configuration loaded")
	if isStdoutTTY() && *killID == 0 {
		cfg.Print(os.Stdout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, *killID, logger, logSink)
	stop()
	if err != nil {
		logger.Error().Err(err).Msg("killcard stopped with error")
		_ = logSink.Close()
		os.Exit(1)
	}
	logger.Info().Msg("killcard stopped")
	_ = logSink.Close()
}

// Purpose: Report whether stdout is a TTY.
// Key aspects: Uses term.IsTerminal on stdout fd.
// Upstream: main config summary.
// Downstream: term.IsTerminal.
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Purpose: Load configuration from the flag, env or default location.
// Key aspects: An explicit path must load; the env and default candidates are
// tried in order and skipped when missing.
// Upstream: main startup.
// Downstream: config.Load and os.IsNotExist.
func loadConfig(explicit string) (*config.Config, string, error) {
	if path := strings.TrimSpace(explicit); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, path, err
		}
		return cfg, cfg.LoadedFrom, nil
	}
	candidates := make([]string, 0, 2)
	if envPath := strings.TrimSpace(os.Getenv(envConfigPath)); envPath != "" {
		candidates = append(candidates, envPath)
	}
	candidates = append(candidates, defaultConfigPath)

	var lastErr error
	for _, path := range candidates {
		cfg, err := config.Load(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				lastErr = err
				continue
			}
			return nil, path, err
		}
		return cfg, cfg.LoadedFrom, nil
	}
	return nil, "", fmt.Errorf("unable to load config; tried %s (last error: %v)", strings.Join(candidates, ", "), lastErr)
}

// Purpose: Build every component and run the pipeline until ctx ends.
// Key aspects: Reference data and the items DB are optional (degraded names);
// the name cache, icon cache, fonts and output dir are required. killID > 0
// renders one kill and returns.
// Upstream: main.
// Downstream: every package of the module.
func run(ctx context.Context, cfg *config.Config, killID int64, logger zerolog.Logger, logSink *logFanout) error {
	nc := netclient.New(netclient.Options{
		UserAgent:         cfg.HTTP.UserAgent,
		MaxConnsPerHost:   cfg.HTTP.MaxConnsPerHost,
		IdleTimeout:       time.Duration(cfg.HTTP.IdleTimeoutSeconds) * time.Second,
		DNSTTL:            time.Duration(cfg.HTTP.DNSCacheTTLSeconds) * time.Second,
		RequestTimeout:    time.Duration(cfg.HTTP.RequestTimeoutSeconds) * time.Second,
		RequestsPerSecond: cfg.ESI.RequestsPerSec,
		Burst:             cfg.ESI.Burst,
		Logger:            logger,
	})
	defer nc.Close()

	refreshReferenceData(ctx, cfg, nc, logger)
	maps := sde.LoadMaps(cfg.SDE.Dir, logger)

	var typeNamer enrich.TypeNamer
	groupLookups := make([]filter.GroupLookup, 0, 2)
	items, err := sde.OpenItems(ctx, sde.ItemsOptions{
		Path:       cfg.SDE.ItemsDB,
		TypesYAML:  cfg.SDE.TypesYAML,
		QuickCheck: cfg.SDE.QuickCheck,
		Logger:     logger,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("items database unavailable; type names fall back to reference tables")
	} else {
		defer items.Close()
		typeNamer = items
		groupLookups = append(groupLookups, items)
	}
	groupLookups = append(groupLookups, maps)

	names, err := namecache.Open(cfg.Names.DBPath, namecache.Options{TTL: cfg.NamesTTL()})
	if err != nil {
		return fmt.Errorf("open name cache: %w", err)
	}
	defer names.Close()
	verifyNames(ctx, names, logger)
	logSink.SetRotateHook(func(prevDate time.Time, _, _ string) {
		go purgeNames(names, cfg.NamesTTL(), logger)
	})
	// Without a log file there is no rotation, so a ticker takes over.
	var purgeEvery time.Duration
	if logSink == nil {
		purgeEvery = namePurgeInterval
	}
	purgeCtx, stopPurge := context.WithCancel(ctx)
	purgeDone := make(chan struct{})
	go func() {
		defer close(purgeDone)
		runNamePurges(purgeCtx, names, cfg.NamesTTL(), purgeEvery, logger)
	}()
	defer func() {
		stopPurge()
		<-purgeDone
	}()

	icons, err := assets.New(nc, assets.Options{
		Dir:         cfg.Assets.Dir,
		BaseURL:     cfg.ESI.ImageURL,
		MemoryItems: cfg.Assets.MemoryItems,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer icons.Close()

	fonts, err := render.LoadFonts(render.FontPaths{
		Bold:    cfg.Render.FontBold,
		Medium:  cfg.Render.FontMedium,
		Regular: cfg.Render.FontRegular,
		CJK:     cfg.Render.FontCJK,
	}, logger)
	if err != nil {
		return err
	}
	defer fonts.Close()
	renderer, err := render.New(icons, fonts, render.Options{
		OutputDir: cfg.Render.OutputDir,
		Locale:    cfg.Render.Locale,
		Parallel:  cfg.Assets.FetchParallel,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	api := esi.New(nc, esi.Options{
		BaseURL:   cfg.ESI.BaseURL,
		Language:  cfg.ESI.Language,
		BatchSize: cfg.ESI.NameBatchSize,
		Logger:    logger,
	})
	poller := feed.New(nc, feed.Options{
		Endpoints: cfg.FeedEndpoints(),
		KillURL:   cfg.Feed.KillURL,
		QueueID:   cfg.Feed.QueueID,
		TTW:       cfg.Feed.TTWSeconds,
		Timeout:   cfg.FeedTimeout(),
		Logger:    logger,
	})

	tracker := stats.NewTracker()
	enricher := enrich.New(enrich.Options{
		Store:    names,
		Items:    typeNamer,
		Tables:   maps,
		Remote:   api,
		Locale:   cfg.Render.Locale,
		Observer: tracker,
		Logger:   logger,
	})

	var deduper *dedup.Deduplicator
	var pipeDedup pipeline.Dedup
	if cfg.Dedup.Enabled && cfg.DedupWindow() > 0 && killID == 0 {
		deduper = dedup.NewDeduplicator(cfg.DedupWindow())
		deduper.Start()
		defer deduper.Stop()
		pipeDedup = deduper
	}

	p := pipeline.New(pipeline.Stages{
		Feed:     poller,
		Filter:   filter.New(cfg.Filter.OfficerGroups, cfg.Filter.GroupCacheSize, logger, groupLookups...),
		Detail:   api,
		Enricher: enricher,
		Renderer: renderer,
		Dedup:    pipeDedup,
		Stats:    tracker,
	}, pipeline.Options{
		ThresholdISK: cfg.Filter.ThresholdISK,
		Watched:      cfg.Filter.Watched,
		EventDelay:   time.Duration(cfg.Feed.EventDelayMS) * time.Millisecond,
		EmptyDelay:   time.Duration(cfg.Feed.EmptyDelayMS) * time.Millisecond,
		ErrorDelay:   time.Duration(cfg.Feed.ErrorDelayMS) * time.Millisecond,
		OnResult: func(res render.Result) {
			fmt.Fprintln(os.Stdout, res.Path)
		},
		Logger: logger,
	})

	if killID > 0 {
		_, err := p.RunOnce(ctx, killID)
		return err
	}

	if addr := strings.TrimSpace(cfg.Metrics.Listen); addr != "" {
		reg := newMetricsRegistry(metricSources{tracker: tracker, icons: icons, dedup: deduper, names: names})
		srv := startMetricsServer(addr, reg, logger)
		defer srv.Shutdown()
	}
	statsInterval := time.Duration(cfg.Stats.DisplayIntervalSeconds) * time.Second
	go displayStats(ctx, statsInterval, tracker, icons, logger)

	logger.Info().
		Float64("threshold_isk", cfg.Filter.ThresholdISK).
		Int("watched", len(cfg.Filter.Watched)).
		Str("output", cfg.Render.OutputDir).
		Msg("killcard is running; press Ctrl+C to stop")
	return p.Run(ctx)
}

// Purpose: Re-download the map CSV exports when configured.
// Key aspects: Failures keep the previous files; never fatal.
// Upstream: run.
// Downstream: download.Refresh.
func refreshReferenceData(ctx context.Context, cfg *config.Config, nc *netclient.Client, logger zerolog.Logger) {
	if !cfg.SDE.RefreshOnBoot || strings.TrimSpace(cfg.SDE.RefreshURL) == "" {
		return
	}
	summary, err := download.Refresh(ctx, nc, cfg.SDE.RefreshURL, cfg.SDE.Dir, sde.MapFiles, refreshTimeout, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("reference data refresh incomplete; using files on disk")
	}
	logger.Info().
		Int("updated", len(summary.Updated)).
		Int("unchanged", len(summary.Unchanged)).
		Int("failed", len(summary.Failed)).
		Msg("reference data refresh finished")
}

func verifyNames(ctx context.Context, names *namecache.Store, logger zerolog.Logger) {
	res, err := names.Verify(ctx, nameVerifyDuration)
	if err != nil {
		logger.Warn().Err(err).Msg("name cache verification failed")
		return
	}
	logger.Info().
		Str("records", humanize.Comma(res.Records)).
		Dur("elapsed", res.Duration).
		Msg("name cache verified")
}

type namePurger interface {
	PurgeOlderThan(cutoff time.Time) (int64, error)
}

// runNamePurges purges once at startup, then every interval until ctx ends.
// An interval <= 0 leaves later purges to the log rotate hook.
func runNamePurges(ctx context.Context, names namePurger, ttl, every time.Duration, logger zerolog.Logger) {
	purgeNames(names, ttl, logger)
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purgeNames(names, ttl, logger)
		}
	}
}

// purgeNames drops names older than ttl.
func purgeNames(names namePurger, ttl time.Duration, logger zerolog.Logger) {
	if ttl <= 0 {
		return
	}
	removed, err := names.PurgeOlderThan(time.Now().Add(-ttl))
	if err != nil {
		logger.Warn().Err(err).Msg("name cache purge failed")
		return
	}
	logger.Info().Str("removed", humanize.Comma(removed)).Msg("name cache purged")
}

// Purpose: Periodically log pipeline and icon cache statistics.
// Key aspects: Runs on ticker interval until ctx ends; interval <= 0 disables.
// Upstream: run.
// Downstream: stats.Tracker.SnapshotLines, assets.Cache.Stats, gcPauseWindow.
func displayStats(ctx context.Context, interval time.Duration, tracker *stats.Tracker, icons *assets.Cache, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var gcWindow gcPauseWindow
	var mem runtime.MemStats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runtime.ReadMemStats(&mem)
			lines := statsLines(tracker, icons.Stats())
			lines = append(lines, gcWindow.runtimeLine(&mem, runtime.NumGoroutine()))
			for _, line := range lines {
				logger.Info().Str("component", "stats").Msg(line)
			}
		}
	}
}

func statsLines(tracker *stats.Tracker, icons assets.Stats) []string {
	lines := tracker.SnapshotLines()
	return append(lines, fmt.Sprintf("Icons: %s memory | %s disk | %s downloaded | %s failed",
		humanize.Comma(int64(icons.MemoryHits)),
		humanize.Comma(int64(icons.DiskHits)),
		humanize.Comma(int64(icons.Downloads)),
		humanize.Comma(int64(icons.Failures)),
	))
}
