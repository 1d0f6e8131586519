// Package render turns an enriched kill into a fixed-layout PNG card.
//
// Compose builds a deterministic Layout from the event alone. Render then
// prefetches every icon the layout names, paints the ops with the loaded
// fonts and writes the PNG into the output directory.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"
	"golang.org/x/sync/errgroup"

	"killcard/assets"
	"killcard/internal/ratelimit"
	"killcard/killmail"
)

// ErrRender means the card could not be produced or written.
var ErrRender = errors.New("render: failed")

// IconSource resolves icon keys to decoded images.
type IconSource interface {
	Resolve(ctx context.Context, k assets.Key) (image.Image, error)
}

// Options configures New.
type Options struct {
	OutputDir string
	Locale    string
	// Parallel bounds concurrent icon fetches.
	Parallel int
	Logger   zerolog.Logger
	Now      func() time.Time
}

// Result is where the card landed.
type Result struct {
	Path       string
	SystemName string
}

// Renderer is used by one pipeline goroutine at a time; Fonts serializes
// face access if that changes.
type Renderer struct {
	icons    IconSource
	fonts    *Fonts
	labels   Labels
	dir      string
	parallel int
	now      func() time.Time
	log      zerolog.Logger
	omitted  *ratelimit.Counter
}

// New prepares the output directory (made absolute) and the label set.
func New(icons IconSource, fonts *Fonts, opts Options) (*Renderer, error) {
	if fonts == nil {
		return nil, fmt.Errorf("render: fonts are required")
	}
	dir := opts.OutputDir
	if dir == "" {
		dir = "tmp"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("render: output dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("render: output dir: %w", err)
	}
	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = 8
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Renderer{
		icons:    icons,
		fonts:    fonts,
		labels:   LabelsFor(opts.Locale),
		dir:      abs,
		parallel: parallel,
		now:      now,
		log:      opts.Logger.With().Str("component", "render").Logger(),
		omitted:  ratelimit.NewCounter(time.Minute),
	}, nil
}

// Purpose: Produce the card for one enriched event.
// Key aspects: Icon failures only omit the icon. Encode or write failures
// return ErrRender. Output is {dir}/{id}_{YYYYmmdd_HHMMSS}.png.
// Upstream: pipeline.Process.
// Downstream: Compose, IconSource, Fonts, image/png.
func (r *Renderer) Render(ctx context.Context, ev *killmail.DetailedEvent, groups killmail.SlotGroups) (Result, error) {
	if ev == nil {
		return Result{}, fmt.Errorf("%w: nil event", ErrRender)
	}
	start := time.Now()
	layout := Compose(ev, groups, r.labels)
	icons := r.prefetch(ctx, layout.Icons())
	img := r.Paint(layout, icons)

	name := fmt.Sprintf("%d_%s.png", ev.KillmailID, r.now().Format("20060102_150405"))
	path := filepath.Join(r.dir, name)
	if err := writePNG(path, img); err != nil {
		r.log.Error().Err(err).Int64("killmail_id", ev.KillmailID).Str("path", path).Msg("card write failed")
		return Result{}, fmt.Errorf("%w: %s: %w", ErrRender, path, err)
	}
	r.log.Info().
		Int64("killmail_id", ev.KillmailID).
		Str("path", path).
		Int("icons", len(icons)).
		Dur("elapsed", time.Since(start)).
		Msg("card rendered")
	return Result{Path: path, SystemName: ev.Location.SystemName}, nil
}

func (r *Renderer) prefetch(ctx context.Context, keys []assets.Key) map[assets.Key]image.Image {
	out := make(map[assets.Key]image.Image, len(keys))
	if r.icons == nil || len(keys) == 0 {
		return out
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallel)
	for _, k := range keys {
		g.Go(func() error {
			img, err := r.icons.Resolve(gctx, k)
			if err != nil || img == nil {
				r.log.Debug().Err(err).Str("key", k.String()).Msg("icon omitted")
				if total, ok := r.omitted.Inc(); ok {
					r.log.Warn().Err(err).Uint64("omitted_total", total).Msg("icons unavailable; cards drawn without them")
				}
				return nil
			}
			mu.Lock()
			out[k] = img
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Paint rasterizes a layout. Icons missing from the map fall back to the
// op's fallback key, else are skipped.
func (r *Renderer) Paint(layout Layout, icons map[assets.Key]image.Image) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, layout.Width, layout.Height))
	draw.Draw(img, img.Bounds(), image.NewUniform(colorBackground), image.Point{}, draw.Src)

	r.fonts.mu.Lock()
	defer r.fonts.mu.Unlock()
	pen := 0
	for _, op := range layout.Ops {
		switch op.Kind {
		case OpRect:
			draw.Draw(img, op.Rect, image.NewUniform(op.Color), image.Point{}, draw.Over)
		case OpIcon:
			src, ok := icons[op.Icon]
			if !ok {
				src, ok = icons[op.Fallback]
			}
			if !ok || src == nil {
				continue
			}
			draw.CatmullRom.Scale(img, op.Rect, src, src.Bounds(), draw.Over, nil)
		case OpText:
			x := op.X
			switch op.Align {
			case AlignRight:
				x -= r.fonts.measure(op.Font, op.Text)
			case AlignInline:
				x = pen
			}
			d := font.Drawer{
				Dst:  img,
				Src:  image.NewUniform(op.Color),
				Face: r.fonts.face(op.Font),
				Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(op.Y) + r.fonts.ascent(op.Font)},
			}
			d.DrawString(op.Text)
			pen = d.Dot.X.Ceil()
		}
	}
	return img
}

func writePNG(path string, img image.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".card-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(tmp, img); err != nil {
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
