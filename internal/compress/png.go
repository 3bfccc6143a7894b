package compress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"path/filepath"

	"github.com/banshee-data/timesplat/internal/fsutil"
	"github.com/banshee-data/timesplat/internal/security"
	"github.com/banshee-data/timesplat/internal/splat"
)

// CodecPNG quantizes every column to 16 bits and stores it as a grayscale
// PNG laid out on a near-square grid.
const CodecPNG = "png"

const metaName = "meta.json"

// PNG is the 16-bit PNG codec.
type PNG struct{}

type columnMeta struct {
	File string  `json:"file"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

type groupMeta struct {
	Rows    int          `json:"rows"`
	Dim     int          `json:"dim"`
	Columns []columnMeta `json:"columns"`
}

type meta struct {
	Codec  string               `json:"codec"`
	Width  int                  `json:"width"`
	Height int                  `json:"height"`
	Groups map[string]groupMeta `json:"groups"`
}

func (PNG) Name() string { return CodecPNG }

// gridSize returns a width and height whose product covers n pixels.
func gridSize(n int) (int, int) {
	if n == 0 {
		return 1, 1
	}
	w := int(math.Ceil(math.Sqrt(float64(n))))
	h := (n + w - 1) / w
	return w, h
}

func (PNG) Compress(fsys fsutil.FileSystem, dir string, arrays map[string]splat.Array) error {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	rows := -1
	for name, a := range arrays {
		if a.Dim <= 0 {
			return fmt.Errorf("group %q has width %d", name, a.Dim)
		}
		if rows >= 0 && a.Rows() != rows {
			return fmt.Errorf("group %q has %d rows, want %d", name, a.Rows(), rows)
		}
		rows = a.Rows()
	}
	w, h := gridSize(max(rows, 0))
	m := meta{Codec: CodecPNG, Width: w, Height: h, Groups: make(map[string]groupMeta, len(arrays))}

	for _, name := range sortedNames(arrays) {
		a := arrays[name]
		gm := groupMeta{Rows: a.Rows(), Dim: a.Dim}
		for j := 0; j < a.Dim; j++ {
			lo, hi := math.Inf(1), math.Inf(-1)
			for i := 0; i < gm.Rows; i++ {
				v := a.Data[i*a.Dim+j]
				lo, hi = math.Min(lo, v), math.Max(hi, v)
			}
			if gm.Rows == 0 {
				lo, hi = 0, 0
			}
			img := image.NewGray16(image.Rect(0, 0, w, h))
			for i := 0; i < gm.Rows; i++ {
				q := 0.0
				if hi > lo {
					q = (a.Data[i*a.Dim+j] - lo) / (hi - lo)
				}
				img.SetGray16(i%w, i/w, color.Gray16{Y: uint16(math.Round(q * 0xffff))})
			}
			file := fmt.Sprintf("%s_%d.png", security.SanitizeFilename(name), j)
			var buf bytes.Buffer
			if err := png.Encode(&buf, img); err != nil {
				return fmt.Errorf("failed to encode %s: %w", file, err)
			}
			if err := fsys.WriteFile(filepath.Join(dir, file), buf.Bytes(), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", file, err)
			}
			gm.Columns = append(gm.Columns, columnMeta{File: file, Min: lo, Max: hi})
		}
		m.Groups[name] = gm
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", metaName, err)
	}
	if err := fsys.WriteFile(filepath.Join(dir, metaName), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", metaName, err)
	}
	return nil
}

func (PNG) Decompress(fsys fsutil.FileSystem, dir string) (map[string]splat.Array, error) {
	raw, err := fsys.ReadFile(filepath.Join(dir, metaName))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", metaName, err)
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", metaName, err)
	}
	if m.Codec != CodecPNG {
		return nil, fmt.Errorf("%s was written by codec %q", metaName, m.Codec)
	}

	out := make(map[string]splat.Array, len(m.Groups))
	for name, gm := range m.Groups {
		if len(gm.Columns) != gm.Dim || gm.Rows > m.Width*m.Height {
			return nil, fmt.Errorf("group %q: metadata does not match its layout", name)
		}
		a := splat.Array{Dim: gm.Dim, Data: make([]float64, gm.Rows*gm.Dim)}
		for j, col := range gm.Columns {
			if err := security.ValidateRelativePath(col.File); err != nil {
				return nil, fmt.Errorf("group %q: %w", name, err)
			}
			img, err := readGray16(fsys, filepath.Join(dir, col.File))
			if err != nil {
				return nil, err
			}
			if img.Bounds().Dx() != m.Width || img.Bounds().Dy() != m.Height {
				return nil, fmt.Errorf("%s is %v, want %dx%d", col.File, img.Bounds().Size(), m.Width, m.Height)
			}
			for i := 0; i < gm.Rows; i++ {
				q := float64(img.Gray16At(i%m.Width, i/m.Width).Y) / 0xffff
				a.Data[i*gm.Dim+j] = col.Min + q*(col.Max-col.Min)
			}
		}
		out[name] = a
	}
	return out, nil
}

func readGray16(fsys fsutil.FileSystem, path string) (*image.Gray16, error) {
	raw, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if g, ok := img.(*image.Gray16); ok {
		return g, nil
	}
	b := img.Bounds()
	g := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g.Set(x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return g, nil
}
