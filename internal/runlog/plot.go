// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package runlog

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotLoss writes the loss curve of a run to path. The image format
// follows the file extension (.png, .svg, .pdf).
func (l *Log) PlotLoss(runID, path string) error {
	steps, losses, err := l.Losses(runID)
	if err != nil {
		return err
	}
	if len(losses) == 0 {
		return ErrNoSteps
	}

	pts := make(plotter.XYs, len(losses))
	for i := range losses {
		pts[i] = plotter.XY{X: float64(steps[i]), Y: losses[i]}
	}

	p := plot.New()
	p.Title.Text = "Training loss"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "MSE"

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("runlog: loss line: %w", err)
	}
	line.Width = vg.Points(1)
	p.Add(line, plotter.NewGrid())

	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("runlog: save plot: %w", err)
	}
	return nil
}
