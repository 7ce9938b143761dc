// Package diag writes quick look plots of fitted parameter series.
package diag

import (
	"errors"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotSeries writes a line plot of one curve per named series, sampled at
// consecutive timestep indices, to path (format chosen by extension).
func PlotSeries(path, title, xlabel, ylabel string, names []string, series [][]float64) error {
	if len(names) != len(series) {
		return errors.New("diag: names and series length mismatch")
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = xlabel
	p.Y.Label.Text = ylabel

	args := make([]interface{}, 0, 2*len(names))
	for i, name := range names {
		pts := make(plotter.XYs, len(series[i]))
		for t, v := range series[i] {
			pts[t].X = float64(t)
			pts[t].Y = v
		}
		args = append(args, name, pts)
	}
	if err := plotutil.AddLinePoints(p, args...); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 4*vg.Inch, path)
}
