package metrics

import (
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotSink records selected metrics and draws them against the step as PNG
// files when closed, one file per metric.
type PlotSink struct {
	OutDir string
	Keys   []string

	series map[string]plotter.XYs
}

// NewPlotSink plots keys, "loss" and "lr" if none are given.
func NewPlotSink(outDir string, keys ...string) *PlotSink {
	if len(keys) == 0 {
		keys = []string{"loss", "lr"}
	}
	return &PlotSink{OutDir: outDir, Keys: keys, series: make(map[string]plotter.XYs)}
}

func (s *PlotSink) LogConfig(any) {}

func (s *PlotSink) LogDict(step int, values map[string]float64) {
	for _, k := range s.Keys {
		v, ok := values[k]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		s.series[k] = append(s.series[k], plotter.XY{X: float64(step), Y: v})
	}
}

// Close writes <OutDir>/<key>.png for every key that received values.
func (s *PlotSink) Close() error {
	for _, k := range s.Keys {
		if len(s.series[k]) == 0 {
			continue
		}
		if err := plotCurve(s.PlotPath(k), k, s.series[k]); err != nil {
			return errors.WithMessagef(err, "plotting %s", k)
		}
	}
	return nil
}

// PlotPath is where Close writes the curve of key.
func (s *PlotSink) PlotPath(key string) string {
	return filepath.Join(s.OutDir, safeName(key)+".png")
}

func plotCurve(path, key string, xys plotter.XYs) error {
	p := plot.New()
	p.Title.Text = key
	p.X.Label.Text = "step"
	p.Y.Label.Text = key

	line, err := plotter.NewLine(xys)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 20, G: 80, B: 200, A: 220}
	line.Width = vg.Points(1.2)
	p.Add(line, plotter.NewGrid())

	p.X.Min, p.X.Max, p.Y.Min, p.Y.Max = autoRange(xys)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}

// autoRange computes padded min/max for X and Y for a set of points.
func autoRange(xs plotter.XYs) (xmin, xmax, ymin, ymax float64) {
	if len(xs) == 0 {
		return -1, 1, -1, 1
	}
	xmin, xmax = math.Inf(1), math.Inf(-1)
	ymin, ymax = math.Inf(1), math.Inf(-1)
	for _, p := range xs {
		xmin, xmax = math.Min(xmin, p.X), math.Max(xmax, p.X)
		ymin, ymax = math.Min(ymin, p.Y), math.Max(ymax, p.Y)
	}
	padx := (xmax - xmin) * 0.06
	pady := (ymax - ymin) * 0.06
	if padx == 0 {
		padx = 1.0
	}
	if pady == 0 {
		pady = 1.0
	}
	return xmin - padx, xmax + padx, ymin - pady, ymax + pady
}

// safeName turns a metric key such as "rewards/chosen" into a file name.
func safeName(key string) string {
	out := []byte(key)
	for i, c := range out {
		if c == '/' || c == os.PathSeparator || c == ' ' {
			out[i] = '_'
		}
	}
	return string(out)
}
