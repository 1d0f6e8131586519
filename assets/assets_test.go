package assets

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"killcard/netclient"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	body  []byte
	err   error
}

func (f *fakeFetcher) GetBytes(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[url]++
	if f.err != nil {
		return nil, f.err
	}
	return f.body, nil
}

func (f *fakeFetcher) Retry(ctx context.Context, p netclient.Policy, retryable func(error) bool, fn func(context.Context) error) error {
	var err error
	for i := 0; i < p.Attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if retryable == nil && !netclient.IsRetryable(err) {
			return err
		}
	}
	return err
}

func (f *fakeFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestCache(t *testing.T, f *fakeFetcher) *Cache {
	t.Helper()
	c, err := New(f, Options{Dir: t.TempDir(), BaseURL: "https://images.example", MemoryItems: 16, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestURLAndParseURL(t *testing.T) {
	cases := []struct {
		key  Key
		want string
	}{
		{Key{KindType, 587, 32}, "https://images.example/types/587/icon?size=32"},
		{Key{KindCharacter, 90000001, 128}, "https://images.example/characters/90000001/portrait?size=128"},
		{Key{KindCorporation, 98000001, 32}, "https://images.example/corporations/98000001/logo?size=32"},
		{Key{KindAlliance, 99000001, 32}, "https://images.example/alliances/99000001/logo?size=32"},
	}
	for _, tc := range cases {
		got := URL("https://images.example/", tc.key)
		if got != tc.want {
			t.Fatalf("URL(%s): expected %s, got %s", tc.key, tc.want, got)
		}
		parsed, ok := ParseURL(got)
		if !ok || parsed != tc.key {
			t.Fatalf("ParseURL(%s): expected %v, got %v ok=%v", got, tc.key, parsed, ok)
		}
	}
	k, ok := ParseURL("https://images.example/characters/5/portrait")
	if !ok || k.Size != 64 {
		t.Fatalf("expected default size 64, got %+v ok=%v", k, ok)
	}
	if _, ok := ParseURL("https://images.example/types/abc/icon?size=32"); ok {
		t.Fatalf("expected non-numeric id to be rejected")
	}
	if _, ok := ParseURL("https://images.example/types/5/render?size=32"); ok {
		t.Fatalf("expected unknown variant to be rejected")
	}
	if _, ok := ParseURL("https://images.example/x"); ok {
		t.Fatalf("expected short path to be rejected")
	}
}

func TestPathLayout(t *testing.T) {
	c := newTestCache(t, &fakeFetcher{})
	if got := c.Path(Key{KindType, 587, 32}); got != filepath.Join(c.dir, "587_32.png") {
		t.Fatalf("unexpected type path %s", got)
	}
	if got := c.Path(Key{KindCharacter, 9, 64}); got != filepath.Join(c.dir, "characters", "9_64.png") {
		t.Fatalf("unexpected character path %s", got)
	}
}

func TestResolveDownloadsOnceAndCaches(t *testing.T) {
	f := &fakeFetcher{body: pngBytes(t, 32, 32)}
	c := newTestCache(t, f)
	k := Key{KindType, 587, 32}

	img, err := c.Resolve(context.Background(), k)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if img.Bounds().Dx() != 32 {
		t.Fatalf("expected 32px image, got %v", img.Bounds())
	}
	if _, err := os.Stat(c.Path(k)); err != nil {
		t.Fatalf("expected cached file: %v", err)
	}
	c.mem.Wait()
	if _, err := c.Resolve(context.Background(), k); err != nil {
		t.Fatalf("Resolve again: %v", err)
	}
	if n := f.count(URL(c.base, k)); n != 1 {
		t.Fatalf("expected a single download, got %d", n)
	}
	if st := c.Stats(); st.Downloads != 1 || st.MemoryHits+st.DiskHits == 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestCorruptFileIsRefetched(t *testing.T) {
	f := &fakeFetcher{body: pngBytes(t, 8, 8)}
	c := newTestCache(t, f)
	k := Key{KindCharacter, 42, 64}
	if err := os.WriteFile(c.Path(k), []byte("definitely not a png"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	if _, ok := c.Get(k); ok {
		t.Fatalf("expected corrupt file to be a miss")
	}
	if _, err := os.Stat(c.Path(k)); !os.IsNotExist(err) {
		t.Fatalf("expected corrupt file to be deleted, stat err=%v", err)
	}

	if err := os.WriteFile(c.Path(k), []byte("garbage again"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	img, err := c.FetchOrLoad(context.Background(), URL(c.base, k))
	if err != nil {
		t.Fatalf("FetchOrLoad: %v", err)
	}
	if img.Bounds().Dx() != 8 {
		t.Fatalf("expected fresh 8px image, got %v", img.Bounds())
	}
	data, err := os.ReadFile(c.Path(k))
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("expected a valid png on disk: %v", err)
	}
	if c.Stats().Corrupt != 2 {
		t.Fatalf("expected 2 corrupt hits, got %d", c.Stats().Corrupt)
	}
}

func TestFetchFailureIsReported(t *testing.T) {
	f := &fakeFetcher{err: &netclient.StatusError{URL: "x", StatusCode: 404}}
	c := newTestCache(t, f)
	k := Key{KindAlliance, 1, 32}
	if _, err := c.Resolve(context.Background(), k); err == nil {
		t.Fatalf("expected error")
	}
	if n := f.count(URL(c.base, k)); n != 1 {
		t.Fatalf("expected 404 not to be retried, got %d calls", n)
	}
	if c.Stats().Failures != 1 {
		t.Fatalf("expected one failure")
	}
}

func TestUndecodableBodyIsNotRetried(t *testing.T) {
	f := &fakeFetcher{body: []byte("<html>upstream error</html>")}
	c := newTestCache(t, f)
	k := Key{KindType, 603, 64}
	_, err := c.Resolve(context.Background(), k)
	if !errors.Is(err, ErrUndecodable) {
		t.Fatalf("expected ErrUndecodable, got %v", err)
	}
	if n := f.count(URL(c.base, k)); n != 1 {
		t.Fatalf("expected a single GET for an undecodable body, got %d", n)
	}
	if _, statErr := os.Stat(c.Path(k)); !os.IsNotExist(statErr) {
		t.Fatalf("expected nothing cached on disk, stat err=%v", statErr)
	}
}

func TestTransientFetchErrorIsRetried(t *testing.T) {
	f := &fakeFetcher{err: errors.New("connection reset by peer")}
	c := newTestCache(t, f)
	k := Key{KindCorporation, 98000001, 32}
	if _, err := c.Resolve(context.Background(), k); err == nil {
		t.Fatalf("expected error")
	}
	if n := f.count(URL(c.base, k)); n != netclient.ImagePolicy.Attempts {
		t.Fatalf("expected %d attempts, got %d", netclient.ImagePolicy.Attempts, n)
	}
}

func TestFetchOrLoadUnknownURLNotStored(t *testing.T) {
	f := &fakeFetcher{body: pngBytes(t, 4, 4)}
	c := newTestCache(t, f)
	if _, err := c.FetchOrLoad(context.Background(), "https://cdn.example/banner.png"); err != nil {
		t.Fatalf("FetchOrLoad: %v", err)
	}
	entries, _ := filepath.Glob(filepath.Join(c.dir, "*.png"))
	if len(entries) != 0 {
		t.Fatalf("expected nothing stored, got %v", entries)
	}
}

func TestResolveRejectsInvalidKey(t *testing.T) {
	c := newTestCache(t, &fakeFetcher{})
	if _, err := c.Resolve(context.Background(), Key{KindType, 0, 32}); err == nil {
		t.Fatalf("expected invalid key error")
	}
}
