package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/gomedium"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// FontPaths are TrueType/OpenType files on disk. Empty paths fall back to
// the embedded Go fonts, which have no CJK glyphs.
type FontPaths struct {
	Bold    string
	Medium  string
	Regular string
	CJK     string
}

// Fonts holds one face per role. Faces are not safe for concurrent use, so
// every measurement and draw goes through mu.
type Fonts struct {
	mu    sync.Mutex
	faces [fontRoleCount]font.Face
}

// Purpose: Load the card typefaces.
// Key aspects: A configured file that cannot be parsed is a startup error;
// missing configuration uses gofont. CJK falls back to the medium face.
// Upstream: main startup, tests.
// Downstream: x/image opentype.
func LoadFonts(paths FontPaths, log zerolog.Logger) (*Fonts, error) {
	bold, err := loadFont(paths.Bold, gobold.TTF)
	if err != nil {
		return nil, err
	}
	medium, err := loadFont(paths.Medium, gomedium.TTF)
	if err != nil {
		return nil, err
	}
	regular, err := loadFont(paths.Regular, goregular.TTF)
	if err != nil {
		return nil, err
	}
	cjk := medium
	if paths.CJK != "" {
		if cjk, err = loadFont(paths.CJK, nil); err != nil {
			return nil, err
		}
	} else {
		log.Warn().Msg("no CJK font configured; localized names may not render")
	}

	specs := [fontRoleCount]struct {
		f    *opentype.Font
		size float64
	}{
		FontName:     {bold, 20},
		FontShip:     {medium, 20},
		FontText:     {medium, 16},
		FontSmall:    {medium, 14},
		FontQty:      {regular, 14},
		FontItem:     {cjk, 16},
		FontSubtitle: {medium, 18},
		FontHeader:   {cjk, 18},
	}
	fonts := &Fonts{}
	for role, s := range specs {
		face, err := opentype.NewFace(s.f, &opentype.FaceOptions{Size: s.size, DPI: 72, Hinting: font.HintingFull})
		if err != nil {
			return nil, fmt.Errorf("render: face for role %d: %w", role, err)
		}
		fonts.faces[role] = face
	}
	return fonts, nil
}

func loadFont(path string, fallback []byte) (*opentype.Font, error) {
	if strings.TrimSpace(path) == "" {
		if fallback == nil {
			return nil, fmt.Errorf("render: no font file given")
		}
		return opentype.Parse(fallback)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("render: read font: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".ttc") {
		coll, err := opentype.ParseCollection(data)
		if err != nil {
			return nil, fmt.Errorf("render: parse font collection %s: %w", path, err)
		}
		return coll.Font(0)
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("render: parse font %s: %w", path, err)
	}
	return f, nil
}

// Close releases the faces.
func (f *Fonts) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, face := range f.faces {
		if face != nil {
			face.Close()
		}
	}
}

func (f *Fonts) face(role FontRole) font.Face {
	if role < 0 || role >= fontRoleCount {
		role = FontText
	}
	return f.faces[role]
}

// measure returns the advance width of s in pixels. Caller holds mu.
func (f *Fonts) measure(role FontRole, s string) int {
	return font.MeasureString(f.face(role), s).Ceil()
}

// ascent is the baseline offset from the top of a line. Caller holds mu.
func (f *Fonts) ascent(role FontRole) fixed.Int26_6 {
	return f.face(role).Metrics().Ascent
}
