package report

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/optobench/internal/sweep"
)

// Plot dimensions for RenderPNG.
var (
	PlotWidth  = 10 * vg.Inch
	PlotHeight = 6 * vg.Inch
)

// RenderPNG draws power (dBm) against drive current for records.
func RenderPNG(w io.Writer, title string, records []sweep.Record) error {
	pts := Points(records)
	if len(pts) == 0 {
		return ErrNoData
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Current (mA)"
	p.Y.Label.Text = "Power (dBm)"

	xys := make(plotter.XYs, len(pts))
	for i, pt := range pts {
		xys[i] = plotter.XY{X: pt.CurrentMA, Y: pt.PowerDBm}
	}
	line, scatter, err := plotter.NewLinePoints(xys)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	line.Width = vg.Points(1)
	scatter.GlyphStyle.Color = line.Color
	p.Add(line, scatter, plotter.NewGrid())

	wt, err := p.WriterTo(PlotWidth, PlotHeight, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// ChartOptions controls RenderHTML.
type ChartOptions struct {
	Title string
	// AssetsHost overrides where the echarts javascript is loaded from.
	AssetsHost string
}

// RenderHTML writes an interactive line chart of records.
func RenderHTML(w io.Writer, records []sweep.Record, o ChartOptions) error {
	pts := Points(records)
	if len(pts) == 0 {
		return ErrNoData
	}

	x := make([]string, len(pts))
	dbm := make([]opts.LineData, len(pts))
	mw := make([]opts.LineData, len(pts))
	for i, pt := range pts {
		x[i] = strconv.FormatFloat(pt.CurrentMA, 'f', -1, 64)
		dbm[i] = opts.LineData{Value: pt.PowerDBm}
		mw[i] = opts.LineData{Value: pt.PowerMW}
	}

	subtitle := fmt.Sprintf("points=%d", len(pts))
	if s, err := Summarize(records); err == nil && s.ThresholdMA != nil {
		subtitle += fmt.Sprintf(" threshold=%.2f mA slope=%.4f mW/mA", *s.ThresholdMA, *s.SlopeMWPerMA)
	}

	init := opts.Initialization{PageTitle: o.Title, Width: "100%", Height: "600px"}
	if o.AssetsHost != "" {
		init.AssetsHost = o.AssetsHost
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(init),
		charts.WithTitleOpts(opts.Title{Title: o.Title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Current (mA)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Power (dBm)"}),
	)
	line.ExtendYAxis(opts.YAxis{Name: "Power (mW)"})
	line.SetXAxis(x).
		AddSeries("dBm", dbm).
		AddSeries("mW", mw, charts.WithLineChartOpts(opts.LineChart{YAxisIndex: 1}))

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
