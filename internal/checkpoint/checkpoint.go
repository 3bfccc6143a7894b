// Package checkpoint persists training state: the step counter, every
// population's named parameter arrays and the optional tone grid. Files are
// gob-encoded and gzip-compressed; a round trip is bit-identical.
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/banshee-data/timesplat/internal/fsutil"
	"github.com/banshee-data/timesplat/internal/splat"
	"github.com/banshee-data/timesplat/internal/tonegrid"
)

// Population names used as checkpoint keys.
const (
	PopulationAlbedo  = "splats"
	PopulationShading = "shading_splats"
)

// Grid is the serialized tone grid.
type Grid struct {
	Shape  tonegrid.Shape
	Images int
	Data   []float64
}

// Checkpoint is one saved training state.
type Checkpoint struct {
	Step        int
	Populations map[string]map[string]splat.Array
	Grid        *Grid
}

// FromStores builds a checkpoint from live state. Arrays are copied.
func FromStores(step int, stores map[string]*splat.Store, grid *tonegrid.Grid) *Checkpoint {
	c := &Checkpoint{Step: step, Populations: make(map[string]map[string]splat.Array, len(stores))}
	for name, s := range stores {
		if s != nil {
			c.Populations[name] = s.Arrays()
		}
	}
	if grid != nil {
		c.Grid = &Grid{Shape: grid.Shape, Images: grid.Images, Data: append([]float64(nil), grid.Data...)}
	}
	return c
}

// Store rebuilds the named population.
func (c *Checkpoint) Store(name string) (*splat.Store, error) {
	arrays, ok := c.Populations[name]
	if !ok {
		return nil, fmt.Errorf("checkpoint has no population %q", name)
	}
	return splat.FromArrays(arrays)
}

// ToneGrid rebuilds the tone grid, or returns nil when none was saved.
func (c *Checkpoint) ToneGrid() (*tonegrid.Grid, error) {
	if c.Grid == nil {
		return nil, nil
	}
	g, err := tonegrid.New(c.Grid.Images, c.Grid.Shape)
	if err != nil {
		return nil, err
	}
	if len(c.Grid.Data) != len(g.Data) {
		return nil, fmt.Errorf("tone grid has %d values, want %d", len(c.Grid.Data), len(g.Data))
	}
	copy(g.Data, c.Grid.Data)
	return g, nil
}

// Encode serializes c with gob and gzip.
func Encode(c *Checkpoint) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(gz).Encode(c); err != nil {
		gz.Close()
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode.
func Decode(blob []byte) (*Checkpoint, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty checkpoint")
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()
	var c Checkpoint
	if err := gob.NewDecoder(gz).Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	for name, arrays := range c.Populations {
		if _, err := splat.FromArrays(arrays); err != nil {
			return nil, fmt.Errorf("population %q: %w", name, err)
		}
	}
	return &c, nil
}

// FileName is the conventional checkpoint name for a step.
func FileName(step int) string {
	return fmt.Sprintf("ckpt_%d.gob.gz", step)
}

// Save writes c to path.
func Save(fsys fsutil.FileSystem, path string, c *Checkpoint) error {
	blob, err := Encode(c)
	if err != nil {
		return err
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if err := fsys.WriteFile(path, blob, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

// Load reads one checkpoint file.
func Load(fsys fsutil.FileSystem, path string) (*Checkpoint, error) {
	blob, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	c, err := Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// LoadAll reads several checkpoint files and merges them.
func LoadAll(fsys fsutil.FileSystem, paths ...string) (*Checkpoint, error) {
	cs := make([]*Checkpoint, 0, len(paths))
	for _, p := range paths {
		c, err := Load(fsys, p)
		if err != nil {
			return nil, err
		}
		cs = append(cs, c)
	}
	return Merge(cs...)
}

// Merge concatenates populations along the primitive dimension. The step
// is the first checkpoint's, and the tone grid is taken from the first
// checkpoint that has one.
func Merge(cs ...*Checkpoint) (*Checkpoint, error) {
	if len(cs) == 0 {
		return nil, errors.New("no checkpoints to merge")
	}
	if len(cs) == 1 {
		return cs[0], nil
	}
	out := &Checkpoint{Step: cs[0].Step, Populations: make(map[string]map[string]splat.Array)}
	names := make(map[string]bool)
	for _, c := range cs {
		for name := range c.Populations {
			names[name] = true
		}
		if out.Grid == nil && c.Grid != nil {
			out.Grid = c.Grid
		}
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)
	for _, name := range sorted {
		var stores []*splat.Store
		for i, c := range cs {
			arrays, ok := c.Populations[name]
			if !ok {
				continue
			}
			s, err := splat.FromArrays(arrays)
			if err != nil {
				return nil, fmt.Errorf("checkpoint %d population %q: %w", i, name, err)
			}
			stores = append(stores, s)
		}
		merged, err := splat.Concat(stores...)
		if err != nil {
			return nil, fmt.Errorf("population %q: %w", name, err)
		}
		out.Populations[name] = merged.Arrays()
	}
	return out, nil
}

// Len returns the primitive count of a population, or 0 when absent.
func (c *Checkpoint) Len(name string) int {
	arrays, ok := c.Populations[name]
	if !ok {
		return 0
	}
	if a, ok := arrays[splat.GroupMeans]; ok {
		return a.Rows()
	}
	return 0
}
