package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"killcard/assets"
	"killcard/dedup"
	"killcard/namecache"
	"killcard/stats"
)

// metricSources are the components whose counters are scraped. Any may be nil.
type metricSources struct {
	tracker *stats.Tracker
	icons   *assets.Cache
	dedup   *dedup.Deduplicator
	names   *namecache.Store
}

// Purpose: Build the Prometheus registry for the process.
// Key aspects: Every value is read at scrape time from its owner; nothing
// is double-counted in the registry.
// Upstream: main startup.
// Downstream: stats.Collector, GaugeFuncs over cache counters.
func newMetricsRegistry(src metricSources) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if src.tracker != nil {
		reg.MustRegister(stats.NewCollector(src.tracker))
	}
	if src.icons != nil {
		icons := src.icons
		for _, g := range []struct {
			name, help string
			read       func(assets.Stats) uint64
		}{
			{"icon_memory_hits", "Icon lookups served from memory.", func(s assets.Stats) uint64 { return s.MemoryHits }},
			{"icon_disk_hits", "Icon lookups served from disk.", func(s assets.Stats) uint64 { return s.DiskHits }},
			{"icon_downloads", "Icons downloaded from the image server.", func(s assets.Stats) uint64 { return s.Downloads }},
			{"icon_failures", "Icon lookups that produced nothing.", func(s assets.Stats) uint64 { return s.Failures }},
			{"icon_corrupt_files", "Cached icon files that failed to decode.", func(s assets.Stats) uint64 { return s.Corrupt }},
		} {
			read := g.read
			reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: "killcard",
				Name:      g.name + "_total",
				Help:      g.help,
			}, func() float64 { return float64(read(icons.Stats())) }))
		}
	}
	if src.dedup != nil {
		dd := src.dedup
		reg.MustRegister(
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Namespace: "killcard", Name: "dedup_duplicates_total", Help: "Redelivered events suppressed.",
			}, func() float64 {
				_, dup, _ := dd.GetStats()
				return float64(dup)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "killcard", Name: "dedup_entries", Help: "Events held in the dedup window.",
			}, func() float64 {
				_, _, size := dd.GetStats()
				return float64(size)
			}),
		)
	}
	if src.names != nil {
		names := src.names
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "killcard", Name: "name_cache_entries", Help: "Names held in the local name database.",
		}, func() float64 {
			n, err := names.Count()
			if err != nil {
				return 0
			}
			return float64(n)
		}))
	}
	return reg
}

type metricsServer struct {
	server *http.Server
	log    zerolog.Logger
}

// Purpose: Serve /metrics and /healthz on addr.
// Key aspects: Listen errors are logged, never fatal; Shutdown drains with a
// short deadline.
// Upstream: main startup when metrics.listen is set.
// Downstream: promhttp.HandlerFor.
func startMetricsServer(addr string, reg *prometheus.Registry, log zerolog.Logger) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s := &metricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.With().Str("component", "metrics").Logger(),
	}
	go func() {
		s.log.Info().Str("addr", addr).Msg("metrics listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return s
}

func (s *metricsServer) Shutdown() {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}
