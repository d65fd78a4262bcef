// Package report renders training history charts.
package report

import (
	"context"
	"fmt"
	"io"

	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/inference"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Metric selects the plotted series.
type Metric string

const (
	MetricLoss     Metric = "loss"
	MetricAccuracy Metric = "accuracy"
)

// ParseMetric maps a query value to a Metric, defaulting to loss.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", MetricLoss:
		return MetricLoss, nil
	case MetricAccuracy:
		return MetricAccuracy, nil
	}
	return "", fmt.Errorf("unknown metric %q", s)
}

// Default chart size.
var (
	Width  = 6 * vg.Inch
	Height = 4 * vg.Inch
)

// ProjectReader reads project records.
type ProjectReader interface {
	Get(ctx context.Context, name string) (*project.Project, error)
}

// Reporter renders charts for stored projects.
type Reporter struct {
	store ProjectReader
}

// NewReporter creates a Reporter over store.
func NewReporter(store ProjectReader) *Reporter {
	return &Reporter{store: store}
}

// HistoryChart writes the SVG chart of the project's last successful run.
func (r *Reporter) HistoryChart(ctx context.Context, name string, metric Metric, w io.Writer) error {
	p, err := r.store.Get(ctx, name)
	if err != nil {
		return err
	}
	if !p.Trained || len(p.TrainingHistory) == 0 {
		return fmt.Errorf("%w: %s has no training history", inference.ErrNotTrained, name)
	}
	return WriteSVG(w, name, p.TrainingHistory, metric)
}

// WriteSVG plots one metric of history against the epoch number.
func WriteSVG(w io.Writer, title string, history []project.EpochStats, metric Metric) error {
	pts := make(plotter.XYs, len(history))
	for i, s := range history {
		pts[i].X = float64(s.Epoch)
		if metric == MetricAccuracy {
			pts[i].Y = s.Accuracy
		} else {
			pts[i].Y = s.Loss
		}
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.X.Min = 1
	p.Y.Min = 0
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	if metric == MetricAccuracy {
		p.Y.Label.Text = "accuracy %"
		p.Y.Max = 100
	} else {
		p.Y.Label.Text = "loss"
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("build %s line: %w", metric, err)
	}
	line.Width = vg.Points(2)
	line.Color = plotutil.Color(0)
	p.Add(line)
	p.Legend.Add("training "+string(metric), line)

	wt, err := p.WriterTo(Width, Height, "svg")
	if err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}
