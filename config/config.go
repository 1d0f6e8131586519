package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"killcard/strutil"
)

// DefaultOfficerGroups lists the NPC ship groups whose presence on a kill is
// notable regardless of value.
var DefaultOfficerGroups = []int64{
	559, 4797, 4798, 574, 4803, 4804, 553, 4795, 4796, 564, 4799, 4800, 569, 4801, 4802,
}

// Config represents the complete pipeline configuration.
type Config struct {
	Feed    FeedConfig    `yaml:"feed"`
	ESI     ESIConfig     `yaml:"esi"`
	HTTP    HTTPConfig    `yaml:"http"`
	Filter  FilterConfig  `yaml:"filter"`
	SDE     SDEConfig     `yaml:"sde"`
	Names   NamesConfig   `yaml:"names"`
	Assets  AssetsConfig  `yaml:"assets"`
	Render  RenderConfig  `yaml:"render"`
	Dedup   DedupConfig   `yaml:"dedup"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Stats   StatsConfig   `yaml:"stats"`

	// LoadedFrom is the directory the configuration was read from.
	LoadedFrom string `yaml:"-"`
}

// FeedConfig points at the RedisQ listener and the zKillboard kill API.
type FeedConfig struct {
	ListenURL string `yaml:"listen_url"`
	// FallbackURLs are tried in order when ListenURL fails.
	FallbackURLs   []string `yaml:"fallback_urls"`
	KillURL        string   `yaml:"kill_url"`
	QueueID        string   `yaml:"queue_id"`
	TTWSeconds     int      `yaml:"ttw_seconds"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	// Loop pacing after an event, an empty poll and an error.
	EventDelayMS int `yaml:"event_delay_ms"`
	EmptyDelayMS int `yaml:"empty_delay_ms"`
	ErrorDelayMS int `yaml:"error_delay_ms"`
}

// ESIConfig holds the game API base URLs.
type ESIConfig struct {
	BaseURL        string  `yaml:"base_url"`
	ImageURL       string  `yaml:"image_url"`
	Language       string  `yaml:"language"`
	RequestsPerSec float64 `yaml:"requests_per_second"`
	Burst          int     `yaml:"burst"`
	NameBatchSize  int     `yaml:"name_batch_size"`
}

// HTTPConfig tunes the shared network client.
type HTTPConfig struct {
	UserAgent             string `yaml:"user_agent"`
	MaxConnsPerHost       int    `yaml:"max_conns_per_host"`
	IdleTimeoutSeconds    int    `yaml:"idle_timeout_seconds"`
	DNSCacheTTLSeconds    int    `yaml:"dns_cache_ttl_seconds"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
}

// FilterConfig drives the render decision.
type FilterConfig struct {
	// ThresholdISK <= 0 renders every event.
	ThresholdISK   float64 `yaml:"threshold_isk"`
	Watched        []int64 `yaml:"watched"`
	OfficerGroups  []int64 `yaml:"officer_groups"`
	GroupCacheSize int     `yaml:"group_cache_size"`
}

// SDEConfig locates the static reference data.
type SDEConfig struct {
	Dir           string `yaml:"dir"`
	ItemsDB       string `yaml:"items_db"`
	TypesYAML     string `yaml:"types_yaml"`
	RefreshURL    string `yaml:"refresh_url"`
	QuickCheck    bool   `yaml:"quick_check"`
	RefreshOnBoot bool   `yaml:"refresh_on_boot"`
}

// NamesConfig controls the persistent name cache.
type NamesConfig struct {
	DBPath   string `yaml:"db_path"`
	TTLHours int    `yaml:"ttl_hours"`
}

// AssetsConfig controls the icon cache.
type AssetsConfig struct {
	Dir           string `yaml:"dir"`
	MemoryItems   int64  `yaml:"memory_items"`
	FetchParallel int    `yaml:"fetch_parallel"`
}

// RenderConfig controls output and fonts.
type RenderConfig struct {
	OutputDir   string `yaml:"output_dir"`
	Locale      string `yaml:"locale"`
	FontBold    string `yaml:"font_bold"`
	FontMedium  string `yaml:"font_medium"`
	FontRegular string `yaml:"font_regular"`
	FontCJK     string `yaml:"font_cjk"`
}

// DedupConfig suppresses redelivered events.
type DedupConfig struct {
	Enabled       bool `yaml:"enabled"`
	WindowMinutes int  `yaml:"window_minutes"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level         string `yaml:"level"`
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
	Console       bool   `yaml:"console"`
}

// MetricsConfig exposes the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// StatsConfig controls the periodic stats line.
type StatsConfig struct {
	DisplayIntervalSeconds int `yaml:"display_interval_seconds"`
}

// Defaults returns a configuration populated with production defaults.
func Defaults() Config {
	return Config{
		Feed: FeedConfig{
			ListenURL:      "https://zkillredisq.stream/listen.php",
			KillURL:        "https://zkillboard.com/api/killID",
			TTWSeconds:     1,
			TimeoutSeconds: 10,
			EventDelayMS:   2000,
			EmptyDelayMS:   5000,
			ErrorDelayMS:   10000,
		},
		ESI: ESIConfig{
			BaseURL:        "https://esi.evetech.net/latest",
			ImageURL:       "https://images.evetech.net",
			Language:       "zh",
			RequestsPerSec: 20,
			Burst:          10,
			NameBatchSize:  10,
		},
		HTTP: HTTPConfig{
			UserAgent:             "killcard",
			MaxConnsPerHost:       10,
			IdleTimeoutSeconds:    30,
			DNSCacheTTLSeconds:    300,
			RequestTimeoutSeconds: 30,
		},
		Filter: FilterConfig{
			ThresholdISK:   1_000_000_000,
			OfficerGroups:  append([]int64(nil), DefaultOfficerGroups...),
			GroupCacheSize: 4096,
		},
		SDE: SDEConfig{
			Dir:        "data/sde",
			ItemsDB:    "data/sde/items.db",
			TypesYAML:  "data/sde/types.yaml",
			QuickCheck: true,
		},
		Names: NamesConfig{
			DBPath:   "data/names",
			TTLHours: 24 * 7,
		},
		Assets: AssetsConfig{
			Dir:           "data/icons",
			MemoryItems:   2048,
			FetchParallel: 8,
		},
		Render: RenderConfig{
			OutputDir: "tmp",
			Locale:    "zh",
		},
		Dedup: DedupConfig{
			Enabled:       true,
			WindowMinutes: 60,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Enabled:       true,
			Dir:           "data/logs",
			RetentionDays: 7,
			Console:       true,
		},
		Stats: StatsConfig{
			DisplayIntervalSeconds: 60,
		},
	}
}

// Load reads every *.yaml/*.yml file in dir (lexical order) on top of the
// defaults. Later files override keys set by earlier ones.
func Load(dir string) (*Config, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config path %s must be a directory", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no yaml files in %s", dir)
	}

	cfg := Defaults()
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", filepath.Base(path), err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.LoadedFrom = dir
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("KILLCARD_QUEUE_ID")); v != "" {
		c.Feed.QueueID = v
	}
	if v := strings.TrimSpace(os.Getenv("KILLCARD_USER_AGENT")); v != "" {
		c.HTTP.UserAgent = v
	}
}

func (c *Config) validate() error {
	var errs []error
	if strings.TrimSpace(c.Feed.ListenURL) == "" {
		errs = append(errs, errors.New("feed.listen_url is required"))
	}
	if c.Feed.TTWSeconds < 1 || c.Feed.TTWSeconds > 10 {
		errs = append(errs, fmt.Errorf("feed.ttw_seconds must be within 1..10, got %d", c.Feed.TTWSeconds))
	}
	if c.Feed.EventDelayMS < 0 || c.Feed.EmptyDelayMS < 0 || c.Feed.ErrorDelayMS < 0 {
		errs = append(errs, errors.New("feed delays must not be negative"))
	}
	if c.ESI.NameBatchSize < 1 || c.ESI.NameBatchSize > 1000 {
		errs = append(errs, fmt.Errorf("esi.name_batch_size must be within 1..1000, got %d", c.ESI.NameBatchSize))
	}
	if c.ESI.RequestsPerSec < 0 {
		errs = append(errs, errors.New("esi.requests_per_second must not be negative"))
	}
	if c.HTTP.MaxConnsPerHost < 1 {
		errs = append(errs, errors.New("http.max_conns_per_host must be positive"))
	}
	if c.Names.TTLHours < 0 {
		errs = append(errs, errors.New("names.ttl_hours must not be negative"))
	}
	if c.Assets.FetchParallel < 1 {
		errs = append(errs, errors.New("assets.fetch_parallel must be positive"))
	}
	c.Render.Locale = strutil.NormalizeLower(c.Render.Locale)
	c.ESI.Language = strutil.NormalizeLower(c.ESI.Language)
	switch c.Render.Locale {
	case "zh", "en":
	default:
		errs = append(errs, fmt.Errorf("render.locale must be zh or en, got %q", c.Render.Locale))
	}
	if c.Dedup.WindowMinutes < 0 {
		errs = append(errs, errors.New("dedup.window_minutes must not be negative"))
	}
	if c.Logging.RetentionDays < 0 {
		errs = append(errs, errors.New("logging.retention_days must not be negative"))
	}
	return errors.Join(errs...)
}

// FeedTimeout is the client-side timeout for one listen call.
func (c *Config) FeedTimeout() time.Duration {
	return time.Duration(c.Feed.TimeoutSeconds) * time.Second
}

// FeedEndpoints is the listen URL followed by the fallbacks.
func (c *Config) FeedEndpoints() []string {
	return strutil.NonEmpty(append([]string{c.Feed.ListenURL}, c.Feed.FallbackURLs...)...)
}

// NamesTTL is the retention of cached names; zero keeps entries forever.
func (c *Config) NamesTTL() time.Duration {
	return time.Duration(c.Names.TTLHours) * time.Hour
}

// DedupWindow is how long a seen event is suppressed.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Dedup.WindowMinutes) * time.Minute
}

// Print writes a summary of the configuration.
func (c *Config) Print(w io.Writer) {
	fmt.Fprintf(w, "Config: %s\n", c.LoadedFrom)
	queue := c.Feed.QueueID
	if queue == "" {
		queue = "(unset)"
	}
	fmt.Fprintf(w, "Feed: %s (queue=%s ttw=%ds)\n", c.Feed.ListenURL, queue, c.Feed.TTWSeconds)
	fmt.Fprintf(w, "ESI: %s (lang=%s, %.0f req/s)\n", c.ESI.BaseURL, c.ESI.Language, c.ESI.RequestsPerSec)
	if c.Filter.ThresholdISK > 0 {
		fmt.Fprintf(w, "Filter: threshold %.0f ISK, %d watched, %d officer groups\n", c.Filter.ThresholdISK, len(c.Filter.Watched), len(c.Filter.OfficerGroups))
	} else {
		fmt.Fprintf(w, "Filter: disabled (render all)\n")
	}
	fmt.Fprintf(w, "SDE: %s\n", c.SDE.ItemsDB)
	fmt.Fprintf(w, "Names: %s (ttl=%dh)\n", c.Names.DBPath, c.Names.TTLHours)
	fmt.Fprintf(w, "Assets: %s (memory=%d)\n", c.Assets.Dir, c.Assets.MemoryItems)
	fmt.Fprintf(w, "Render: %s (locale=%s)\n", c.Render.OutputDir, c.Render.Locale)
	if c.Dedup.Enabled {
		fmt.Fprintf(w, "Dedup: %dm window\n", c.Dedup.WindowMinutes)
	}
	if c.Metrics.Listen != "" {
		fmt.Fprintf(w, "Metrics: %s\n", c.Metrics.Listen)
	}
}
