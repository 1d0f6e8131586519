package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"killcard/config"
	"killcard/dedup"
	"killcard/enrich"
	"killcard/esi"
	"killcard/feed"
	"killcard/filter"
	"killcard/killmail"
	"killcard/netclient"
	"killcard/render"
	"killcard/stats"
)

const detailBody = `{
	"killmail_id": 555,
	"killmail_time": "2024-05-01T12:30:45Z",
	"solar_system_id": 30000142,
	"victim": {"character_id": 1, "corporation_id": 2, "ship_type_id": 587, "damage_taken": 4000,
		"items": [{"item_type_id": 2881, "flag": 27, "quantity_destroyed": 1, "singleton": 0}]},
	"attackers": [{"character_id": 10, "corporation_id": 11, "ship_type_id": 24690, "weapon_type_id": 2881, "damage_done": 4000, "final_blow": true}]
}`

type fakeUpstream struct {
	srv        *httptest.Server
	totalValue float64
	polls      atomic.Int32
	details    atomic.Int32
	names      atomic.Int32
	// repeat keeps serving the same event instead of one event then empty.
	repeat bool
}

func newUpstream(t *testing.T, totalValue float64) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{totalValue: totalValue}
	mux := http.NewServeMux()
	mux.HandleFunc("/listen.php", func(w http.ResponseWriter, r *http.Request) {
		n := u.polls.Add(1)
		if n > 1 && !u.repeat {
			_, _ = w.Write([]byte(`{"package":null}`))
			return
		}
		fmt.Fprintf(w, `{"package":{"killID":555,"killmail":{"killmail_id":555,"solar_system_id":30000142,"victim":{"character_id":1,"ship_type_id":587},"attackers":[{"character_id":10,"ship_type_id":24690,"final_blow":true}]},"zkb":{"hash":"h555","totalValue":%f}}}`, u.totalValue)
	})
	mux.HandleFunc("/api/killID/555/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[{"killmail_id":555,"zkb":{"hash":"h555","totalValue":%f}}]`, u.totalValue)
	})
	mux.HandleFunc("/killmails/555/h555/", func(w http.ResponseWriter, r *http.Request) {
		u.details.Add(1)
		_, _ = w.Write([]byte(detailBody))
	})
	mux.HandleFunc("/universe/names/", func(w http.ResponseWriter, r *http.Request) {
		u.names.Add(1)
		var ids []int64
		if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		out := make([]esi.Name, 0, len(ids))
		for _, id := range ids {
			out = append(out, esi.Name{ID: id, Name: fmt.Sprintf("N%d", id), Category: "character"})
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("/universe/systems/30000142/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"system_id":30000142,"name":"Jita","constellation_id":20000020,"security_status":0.9459}`))
	})
	mux.HandleFunc("/universe/constellations/20000020/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"constellation_id":20000020,"name":"Kimotoro","region_id":10000002}`))
	})
	mux.HandleFunc("/universe/regions/10000002/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"region_id":10000002,"name":"The Forge"}`))
	})
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

type harness struct {
	pipe    *Pipeline
	tracker *stats.Tracker
	outDir  string
}

func newHarness(t *testing.T, u *fakeUpstream, threshold float64, dd Dedup, onResult func(render.Result)) *harness {
	t.Helper()
	nc := netclient.New(netclient.Options{Logger: zerolog.Nop()})
	t.Cleanup(nc.Close)
	nc.SetSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() })

	tracker := stats.NewTracker()
	poller := feed.New(nc, feed.Options{
		Endpoints: []string{u.srv.URL + "/listen.php"},
		KillURL:   u.srv.URL + "/api/killID",
		TTW:       1,
		Logger:    zerolog.Nop(),
	})
	api := esi.New(nc, esi.Options{BaseURL: u.srv.URL, Language: "en", Logger: zerolog.Nop()})
	enricher := enrich.New(enrich.Options{Remote: api, Locale: "en", Observer: tracker, Logger: zerolog.Nop()})

	fonts, err := render.LoadFonts(render.FontPaths{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("LoadFonts: %v", err)
	}
	t.Cleanup(fonts.Close)
	outDir := t.TempDir()
	renderer, err := render.New(nil, fonts, render.Options{OutputDir: outDir, Locale: "en", Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("render.New: %v", err)
	}

	p := New(Stages{
		Feed:     poller,
		Filter:   filter.New(config.DefaultOfficerGroups, 16, zerolog.Nop()),
		Detail:   api,
		Enricher: enricher,
		Renderer: renderer,
		Dedup:    dd,
		Stats:    tracker,
	}, Options{
		ThresholdISK: threshold,
		EventDelay:   time.Millisecond,
		EmptyDelay:   time.Millisecond,
		ErrorDelay:   time.Millisecond,
		OnResult:     onResult,
		Logger:       zerolog.Nop(),
	})
	return &harness{pipe: p, tracker: tracker, outDir: outDir}
}

func pollOnce(t *testing.T, h *harness) *killmail.RawEvent {
	t.Helper()
	ev, err := h.pipe.feed.Poll(context.Background())
	if err != nil || ev == nil {
		t.Fatalf("Poll: %+v, %v", ev, err)
	}
	return ev
}

func TestProcessRendersAboveThreshold(t *testing.T) {
	u := newUpstream(t, 2_000_000_000)
	h := newHarness(t, u, 1_000_000_000, nil, nil)

	res, err := h.pipe.Process(context.Background(), pollOnce(t, h), h.pipe.opts.ThresholdISK)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res == nil {
		t.Fatalf("expected a card for a 2B kill with a 1B threshold")
	}
	if res.SystemName != "Jita" {
		t.Fatalf("SystemName=%q", res.SystemName)
	}
	if filepath.Dir(res.Path) != h.outDir || !strings.HasPrefix(filepath.Base(res.Path), "555_") {
		t.Fatalf("unexpected path %s", res.Path)
	}
	if _, err := os.Stat(res.Path); err != nil {
		t.Fatalf("card missing: %v", err)
	}
	if u.details.Load() != 1 || u.names.Load() == 0 {
		t.Fatalf("details=%d names=%d", u.details.Load(), u.names.Load())
	}
	outcomes := h.tracker.GetOutcomeCounts()
	if outcomes[stats.OutcomeRendered] != 1 {
		t.Fatalf("outcomes=%v", outcomes)
	}
	if h.tracker.GetReasonCounts()["value"] != 1 {
		t.Fatalf("reasons=%v", h.tracker.GetReasonCounts())
	}
}

func TestProcessBelowThresholdSkipsDetail(t *testing.T) {
	u := newUpstream(t, 500_000_000)
	h := newHarness(t, u, 1_000_000_000, nil, nil)

	res, err := h.pipe.Process(context.Background(), pollOnce(t, h), h.pipe.opts.ThresholdISK)
	if err != nil || res != nil {
		t.Fatalf("expected (nil, nil), got %+v, %v", res, err)
	}
	if u.details.Load() != 0 {
		t.Fatalf("detail fetched for a filtered event")
	}
	if h.tracker.GetOutcomeCounts()[stats.OutcomeFiltered] != 1 {
		t.Fatalf("outcomes=%v", h.tracker.GetOutcomeCounts())
	}
	entries, _ := os.ReadDir(h.outDir)
	if len(entries) != 0 {
		t.Fatalf("no card expected, found %d files", len(entries))
	}
}

func TestRunOnceBypassesThreshold(t *testing.T) {
	u := newUpstream(t, 10)
	h := newHarness(t, u, 1_000_000_000, nil, nil)

	res, err := h.pipe.RunOnce(context.Background(), 555)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res == nil || u.details.Load() != 1 {
		t.Fatalf("expected a forced render, got %+v", res)
	}
	if h.tracker.GetReasonCounts()["forced"] != 1 {
		t.Fatalf("reasons=%v", h.tracker.GetReasonCounts())
	}
}

func TestRunSuppressesDuplicates(t *testing.T) {
	u := newUpstream(t, 2_000_000_000)
	u.repeat = true
	dd := dedup.NewDeduplicator(time.Hour)

	var rendered atomic.Int32
	h := newHarness(t, u, 1_000_000_000, dd, func(render.Result) { rendered.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pipe.Run(ctx) }()

	deadline := time.After(10 * time.Second)
	for u.polls.Load() < 4 {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("timed out after %d polls", u.polls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rendered.Load() != 1 || u.details.Load() != 1 {
		t.Fatalf("rendered=%d details=%d", rendered.Load(), u.details.Load())
	}
	if h.tracker.GetOutcomeCounts()[stats.OutcomeDuplicate] == 0 {
		t.Fatalf("outcomes=%v", h.tracker.GetOutcomeCounts())
	}
}

type stubFeed struct {
	errs  int
	calls atomic.Int32
}

func (f *stubFeed) Poll(ctx context.Context) (*killmail.RawEvent, error) {
	if int(f.calls.Add(1)) <= f.errs {
		return nil, feed.ErrFeedUnavailable
	}
	return nil, nil
}

func (f *stubFeed) Fetch(context.Context, int64) (*killmail.RawEvent, error) {
	return nil, feed.ErrKillNotFound
}

func TestRunPacesErrorsAndEmptyPolls(t *testing.T) {
	f := &stubFeed{errs: 2}
	p := New(Stages{Feed: f}, Options{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) {
		slept = append(slept, d)
		if len(slept) == 3 {
			cancel()
		}
	}
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []time.Duration{10 * time.Second, 10 * time.Second, 5 * time.Second}
	if fmt.Sprint(slept) != fmt.Sprint(want) {
		t.Fatalf("slept %v want %v", slept, want)
	}
	if p.stats.GetOutcomeCounts()[stats.OutcomeFeedError] != 2 {
		t.Fatalf("outcomes=%v", p.stats.GetOutcomeCounts())
	}
}

type failingDetail struct{}

func (failingDetail) Killmail(context.Context, int64, string) (*killmail.Killmail, error) {
	return nil, esi.ErrDetailFetchFailed
}

type recordingDedup struct {
	forgotten []int64
}

func (d *recordingDedup) Seen(int64, string) bool { return false }
func (d *recordingDedup) Forget(id int64, _ string) {
	d.forgotten = append(d.forgotten, id)
}

func TestDetailFailureForgetsEvent(t *testing.T) {
	dd := &recordingDedup{}
	p := New(Stages{
		Filter: filter.New(nil, 0, zerolog.Nop()),
		Detail: failingDetail{},
		Dedup:  dd,
	}, Options{Logger: zerolog.Nop()})
	ev := &killmail.RawEvent{KillmailID: 7, Zkb: killmail.Zkb{Hash: "x", TotalValue: 1}}
	p.handle(context.Background(), ev)
	if len(dd.forgotten) != 1 || dd.forgotten[0] != 7 {
		t.Fatalf("forgotten=%v", dd.forgotten)
	}
	if p.stats.GetOutcomeCounts()[stats.OutcomeDetailFailed] != 1 {
		t.Fatalf("outcomes=%v", p.stats.GetOutcomeCounts())
	}
	if _, err := p.Process(context.Background(), ev, 0); !errors.Is(err, esi.ErrDetailFetchFailed) {
		t.Fatalf("expected ErrDetailFetchFailed, got %v", err)
	}
}
