// Package assets caches decoded icons, portraits and logos from the image
// server, in memory and on disk.
package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"

	"killcard/netclient"
)

// Kind is the image-server collection.
type Kind string

const (
	KindType        Kind = "types"
	KindCharacter   Kind = "characters"
	KindCorporation Kind = "corporations"
	KindAlliance    Kind = "alliances"
)

const defaultSize = 64

// Key identifies one cached image.
type Key struct {
	Kind Kind
	ID   int64
	Size int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%d", k.Kind, k.ID, k.Size)
}

// Valid reports whether k names a fetchable image.
func (k Key) Valid() bool {
	if k.ID <= 0 || k.Size <= 0 {
		return false
	}
	switch k.Kind {
	case KindType, KindCharacter, KindCorporation, KindAlliance:
		return true
	}
	return false
}

// URL builds the image-server address for k.
func URL(base string, k Key) string {
	base = strings.TrimRight(base, "/")
	switch k.Kind {
	case KindType:
		return fmt.Sprintf("%s/types/%d/icon?size=%d", base, k.ID, k.Size)
	case KindCharacter:
		return fmt.Sprintf("%s/characters/%d/portrait?size=%d", base, k.ID, k.Size)
	default:
		return fmt.Sprintf("%s/%s/%d/logo?size=%d", base, k.Kind, k.ID, k.Size)
	}
}

// ParseURL recovers the cache key from an image-server URL. A missing size
// parameter means 64.
func ParseURL(raw string) (Key, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return Key{}, false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 3 {
		return Key{}, false
	}
	// Tolerate a path prefix in front of the collection.
	parts = parts[len(parts)-3:]
	k := Key{Kind: Kind(parts[0]), Size: defaultSize}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Key{}, false
	}
	k.ID = id
	if s := u.Query().Get("size"); s != "" {
		size, err := strconv.Atoi(s)
		if err != nil {
			return Key{}, false
		}
		k.Size = size
	}
	want := map[Kind]string{KindType: "icon", KindCharacter: "portrait", KindCorporation: "logo", KindAlliance: "logo"}
	if v, ok := want[k.Kind]; !ok || v != parts[2] {
		return Key{}, false
	}
	return k, k.Valid()
}

// Fetcher is the network surface the cache needs.
type Fetcher interface {
	GetBytes(ctx context.Context, url string) ([]byte, error)
	Retry(ctx context.Context, p netclient.Policy, retryable func(error) bool, fn func(context.Context) error) error
}

// Options configures New.
type Options struct {
	Dir         string
	BaseURL     string
	MemoryItems int64
	Logger      zerolog.Logger
}

// Stats are cumulative cache counters.
type Stats struct {
	MemoryHits uint64
	DiskHits   uint64
	Downloads  uint64
	Failures   uint64
	Corrupt    uint64
}

// Cache is safe for concurrent use. Disk writes for one key are idempotent,
// so concurrent writers race harmlessly (last rename wins).
type Cache struct {
	dir   string
	base  string
	mem   *ristretto.Cache
	fetch Fetcher
	log   zerolog.Logger

	memHits, diskHits, downloads, failures, corrupt atomic.Uint64
}

// Purpose: Create the icon cache and its directory tree.
// Key aspects: Memory tier is a ristretto cache counted in images.
// Upstream: main startup.
// Downstream: ristretto, disk layout under Dir.
func New(fetch Fetcher, opts Options) (*Cache, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, errors.New("assets: cache dir is empty")
	}
	for _, sub := range []string{"", string(KindCharacter), string(KindCorporation), string(KindAlliance)} {
		if err := os.MkdirAll(filepath.Join(opts.Dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("assets: ensure dir: %w", err)
		}
	}
	items := opts.MemoryItems
	if items <= 0 {
		items = 1024
	}
	mem, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10 * items,
		MaxCost:     items,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("assets: memory cache: %w", err)
	}
	return &Cache{
		dir:   opts.Dir,
		base:  opts.BaseURL,
		mem:   mem,
		fetch: fetch,
		log:   opts.Logger.With().Str("component", "assets").Logger(),
	}, nil
}

// Close releases the memory tier.
func (c *Cache) Close() {
	c.mem.Close()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		MemoryHits: c.memHits.Load(),
		DiskHits:   c.diskHits.Load(),
		Downloads:  c.downloads.Load(),
		Failures:   c.failures.Load(),
		Corrupt:    c.corrupt.Load(),
	}
}

// Path is the on-disk location for k. Type icons sit at the top level to
// match SDE icon dumps.
func (c *Cache) Path(k Key) string {
	name := fmt.Sprintf("%d_%d.png", k.ID, k.Size)
	if k.Kind == KindType {
		return filepath.Join(c.dir, name)
	}
	return filepath.Join(c.dir, string(k.Kind), name)
}

// Get returns a cached image without touching the network. A file that
// fails to decode is deleted and reported as a miss.
func (c *Cache) Get(k Key) (image.Image, bool) {
	if v, ok := c.mem.Get(k.String()); ok {
		if img, ok := v.(image.Image); ok {
			c.memHits.Add(1)
			return img, true
		}
	}
	path := c.Path(k)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		c.corrupt.Add(1)
		c.log.Warn().Err(err).Str("path", path).Msg("corrupt cached image removed")
		_ = os.Remove(path)
		return nil, false
	}
	c.diskHits.Add(1)
	c.mem.Set(k.String(), img, 1)
	return img, true
}

// Resolve returns the image for k from cache or the image server.
func (c *Cache) Resolve(ctx context.Context, k Key) (image.Image, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("assets: invalid key %s", k)
	}
	if img, ok := c.Get(k); ok {
		return img, nil
	}
	return c.download(ctx, URL(c.base, k), k, true)
}

// FetchOrLoad resolves an image-server URL. URLs that do not map to a cache
// key are downloaded without being stored.
func (c *Cache) FetchOrLoad(ctx context.Context, rawURL string) (image.Image, error) {
	k, ok := ParseURL(rawURL)
	if ok {
		if img, hit := c.Get(k); hit {
			return img, nil
		}
	}
	return c.download(ctx, rawURL, k, ok)
}

// ErrUndecodable marks a response body that is not an image. Fetching it
// again returns the same bytes, so it is never retried.
var ErrUndecodable = errors.New("assets: undecodable image")

func retryableFetch(err error) bool {
	if errors.Is(err, ErrUndecodable) {
		return false
	}
	return netclient.IsRetryable(err)
}

func (c *Cache) download(ctx context.Context, rawURL string, k Key, store bool) (image.Image, error) {
	var img image.Image
	err := c.fetch.Retry(ctx, netclient.ImagePolicy, retryableFetch, func(ctx context.Context) error {
		data, err := c.fetch.GetBytes(ctx, rawURL)
		if err != nil {
			return err
		}
		decoded, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("%w %s: %v", ErrUndecodable, rawURL, err)
		}
		img = toRGBA(decoded)
		return nil
	})
	if err != nil {
		c.failures.Add(1)
		if netclient.IsClientError(err) {
			c.log.Debug().Err(err).Str("url", rawURL).Msg("image not available")
		} else {
			c.log.Warn().Err(err).Str("url", rawURL).Msg("image download failed")
		}
		return nil, err
	}
	c.downloads.Add(1)
	if store {
		if err := c.writeFile(c.Path(k), img); err != nil {
			c.log.Warn().Err(err).Str("key", k.String()).Msg("image cache write failed")
		}
		c.mem.Set(k.String(), img, 1)
	}
	return img, nil
}

func (c *Cache) writeFile(path string, img image.Image) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".img-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func toRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
