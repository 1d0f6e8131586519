package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.yaml"), []byte(text), 0o644); err != nil {
		t.Fatalf("write app.yaml: %v", err)
	}
	return dir
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  enabled: true\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Filter.ThresholdISK != 1e9 {
		t.Fatalf("expected default threshold 1e9, got %v", cfg.Filter.ThresholdISK)
	}
	if len(cfg.Filter.OfficerGroups) != 15 {
		t.Fatalf("expected 15 officer groups, got %d", len(cfg.Filter.OfficerGroups))
	}
	if cfg.ESI.NameBatchSize != 10 {
		t.Fatalf("expected name batch size 10, got %d", cfg.ESI.NameBatchSize)
	}
	if cfg.Feed.EventDelayMS != 2000 || cfg.Feed.EmptyDelayMS != 5000 || cfg.Feed.ErrorDelayMS != 10000 {
		t.Fatalf("unexpected loop delays %+v", cfg.Feed)
	}
	if cfg.HTTP.MaxConnsPerHost != 10 {
		t.Fatalf("expected 10 conns per host, got %d", cfg.HTTP.MaxConnsPerHost)
	}
}

func TestLoadThresholdAllowsZero(t *testing.T) {
	cfg, err := Load(writeConfig(t, "filter:\n  threshold_isk: 0\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Filter.ThresholdISK != 0 {
		t.Fatalf("expected threshold 0, got %v", cfg.Filter.ThresholdISK)
	}
}

func TestLoadRejectsUnknownLocale(t *testing.T) {
	if _, err := Load(writeConfig(t, "render:\n  locale: fr\n")); err == nil {
		t.Fatalf("expected Load() to reject render.locale=fr")
	}
}

func TestLoadRejectsOversizedBatch(t *testing.T) {
	if _, err := Load(writeConfig(t, "esi:\n  name_batch_size: 0\n")); err == nil {
		t.Fatalf("expected Load() to reject esi.name_batch_size=0")
	}
}

func TestLoadEnvOverridesQueue(t *testing.T) {
	t.Setenv("KILLCARD_QUEUE_ID", "from-env")
	cfg, err := Load(writeConfig(t, "feed:\n  queue_id: from-file\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Feed.QueueID != "from-env" {
		t.Fatalf("expected env queue id, got %q", cfg.Feed.QueueID)
	}
}

func TestPrintSummarizesFilter(t *testing.T) {
	cfg := Defaults()
	cfg.Filter.ThresholdISK = 0
	var b strings.Builder
	cfg.Print(&b)
	if !strings.Contains(b.String(), "render all") {
		t.Fatalf("expected disabled filter in summary, got:\n%s", b.String())
	}
}
