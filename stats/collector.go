package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "killcard"

// Collector exposes a Tracker to Prometheus. Values are read at scrape time
// so the tracker stays the single source of truth.
type Collector struct {
	t *Tracker

	events   *prometheus.Desc
	outcomes *prometheus.Desc
	reasons  *prometheus.Desc
	tiers    *prometheus.Desc
	avgDraw  *prometheus.Desc
	uptime   *prometheus.Desc
}

// NewCollector wraps t.
func NewCollector(t *Tracker) *Collector {
	return &Collector{
		t:        t,
		events:   prometheus.NewDesc(namespace+"_events_total", "Events delivered by the feed.", nil, nil),
		outcomes: prometheus.NewDesc(namespace+"_outcomes_total", "Pipeline outcomes by kind.", []string{"outcome"}, nil),
		reasons:  prometheus.NewDesc(namespace+"_render_reasons_total", "Why the filter passed an event.", []string{"reason"}, nil),
		tiers:    prometheus.NewDesc(namespace+"_name_tier_hits_total", "Names resolved per chain and tier.", []string{"chain", "tier"}, nil),
		avgDraw:  prometheus.NewDesc(namespace+"_render_seconds_avg", "Mean card render time.", nil, nil),
		uptime:   prometheus.NewDesc(namespace+"_uptime_seconds", "Seconds since start.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.events
	ch <- c.outcomes
	ch <- c.reasons
	ch <- c.tiers
	ch <- c.avgDraw
	ch <- c.uptime
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(c.t.Events()))
	for outcome, n := range c.t.GetOutcomeCounts() {
		ch <- prometheus.MustNewConstMetric(c.outcomes, prometheus.CounterValue, float64(n), outcome)
	}
	for reason, n := range c.t.GetReasonCounts() {
		ch <- prometheus.MustNewConstMetric(c.reasons, prometheus.CounterValue, float64(n), reason)
	}
	for key, n := range c.t.GetTierHits() {
		chain, tier := splitTierKey(key)
		ch <- prometheus.MustNewConstMetric(c.tiers, prometheus.CounterValue, float64(n), chain, tier)
	}
	ch <- prometheus.MustNewConstMetric(c.avgDraw, prometheus.GaugeValue, c.t.AverageRender().Seconds())
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, c.t.GetUptime().Seconds())
}

func splitTierKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
