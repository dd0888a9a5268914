// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package store

import (
	"math"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Plot draws the columns ys of the table against the column x, and saves the plot to fileName inside
// the experiment directory. The file format is taken from the extension (".png", ".svg", ".pdf").
//
// Rows where a value is NULL are skipped for the corresponding line. It returns the path of the saved file.
func (t *Table) Plot(title, x string, ys []string, fileName string) (string, error) {
	if _, found := t.schema[x]; !found {
		return "", errors.Errorf("column %q is not part of the schema of table %q", x, t.name)
	}
	for _, y := range ys {
		if _, found := t.schema[y]; !found {
			return "", errors.Errorf("column %q is not part of the schema of table %q", y, t.name)
		}
	}
	rows, err := t.Rows()
	if err != nil {
		return "", err
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = x
	p.Add(plotter.NewGrid())
	var lines []any
	for _, y := range ys {
		var points plotter.XYs
		for _, row := range rows {
			xValue, yValue := asFloat(row[x]), asFloat(row[y])
			if math.IsNaN(xValue) || math.IsNaN(yValue) {
				continue
			}
			points = append(points, plotter.XY{X: xValue, Y: yValue})
		}
		if len(points) == 0 {
			continue
		}
		lines = append(lines, y, points)
	}
	if len(lines) > 0 {
		if err = plotutil.AddLinePoints(p, lines...); err != nil {
			return "", errors.Wrapf(err, "failed to plot table %q", t.name)
		}
	}
	path := filepath.Join(t.store.path, fileName)
	if err = p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return "", errors.Wrapf(err, "failed to save plot of table %q to %q", t.name, path)
	}
	return path, nil
}
