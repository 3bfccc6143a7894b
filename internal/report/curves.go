// Package report renders end-of-run training curves from the recorded step
// statistics.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/timesplat/internal/fsutil"
	"github.com/banshee-data/timesplat/internal/rundb"
)

// File names written by WriteCurves.
const (
	LossFile   = "loss.png"
	SplatsFile = "num_splats.png"
)

var palette = []color.Color{
	color.RGBA{R: 31, G: 119, B: 180, A: 255},
	color.RGBA{R: 255, G: 127, B: 14, A: 255},
	color.RGBA{R: 44, G: 160, B: 44, A: 255},
}

type series struct {
	label string
	value func(rundb.TrainStat) float64
}

// WriteCurves draws the loss terms and the population sizes against the
// step and writes them as PNGs under dir. It returns the written paths.
func WriteCurves(fsys fsutil.FileSystem, dir string, stats []rundb.TrainStat) ([]string, error) {
	if len(stats) == 0 {
		return nil, errors.New("no training statistics to plot")
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}

	lossPlot, err := linePlot("Training loss", "loss", stats, []series{
		{"loss", func(s rundb.TrainStat) float64 { return s.Loss }},
		{"l1", func(s rundb.TrainStat) float64 { return s.L1 }},
		{"1 - ssim", func(s rundb.TrainStat) float64 { return 1 - s.SSIM }},
	})
	if err != nil {
		return nil, err
	}
	sizes := []series{{"splats", func(s rundb.TrainStat) float64 { return float64(s.NumSplats) }}}
	for _, s := range stats {
		if s.NumShading > 0 {
			sizes = append(sizes, series{"shading splats", func(s rundb.TrainStat) float64 { return float64(s.NumShading) }})
			break
		}
	}
	sizePlot, err := linePlot("Population size", "primitives", stats, sizes)
	if err != nil {
		return nil, err
	}

	var paths []string
	for name, p := range map[string]*plot.Plot{LossFile: lossPlot, SplatsFile: sizePlot} {
		path := filepath.Join(dir, name)
		if err := save(fsys, p, path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func linePlot(title, ylabel string, stats []rundb.TrainStat, lines []series) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "step"
	p.Y.Label.Text = ylabel
	for i, ln := range lines {
		pts := make(plotter.XYs, 0, len(stats))
		for _, s := range stats {
			pts = append(pts, plotter.XY{X: float64(s.Step), Y: ln.value(s)})
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s line: %w", ln.label, err)
		}
		line.Color = palette[i%len(palette)]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(ln.label, line)
	}
	p.Add(plotter.NewGrid())
	p.Legend.Top = true
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

func save(fsys fsutil.FileSystem, p *plot.Plot, path string) error {
	w, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", path, err)
	}
	var buf bytes.Buffer
	if _, err := w.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to render %s: %w", path, err)
	}
	return fsys.WriteFile(path, buf.Bytes(), 0o644)
}
