// Package report summarises and plots the light-current curve of a sweep.
package report

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/optobench/internal/sweep"
)

// LasingFraction is the share of peak optical power above which points
// take part in the slope fit.
const LasingFraction = 0.1

// ErrNoData is returned when a run has no numeric readings to work with.
var ErrNoData = errors.New("no numeric power readings")

// Point is one numeric reading.
type Point struct {
	CurrentMA float64 `json:"current_mA"`
	PowerDBm  float64 `json:"power_dBm"`
	PowerMW   float64 `json:"power_mW"`
}

// Summary describes a light-current curve.
type Summary struct {
	Records       int     `json:"records"`
	Numeric       int     `json:"numeric"`
	PeakPowerDBm  float64 `json:"peak_power_dBm"`
	PeakCurrentMA float64 `json:"peak_current_mA"`

	// Fit is a least-squares line through the points at or above
	// LasingFraction of peak power, in mW against mA.
	FitPoints    int      `json:"fit_points"`
	SlopeMWPerMA *float64 `json:"slope_mW_per_mA,omitempty"`
	InterceptMW  *float64 `json:"intercept_mW,omitempty"`
	ThresholdMA  *float64 `json:"threshold_mA,omitempty"`
	RSquared     *float64 `json:"r_squared,omitempty"`
}

// DBmToMW converts a dBm reading to milliwatts.
func DBmToMW(dbm float64) float64 {
	return math.Pow(10, dbm/10)
}

// Points returns the records whose power parses as a finite number.
func Points(records []sweep.Record) []Point {
	pts := make([]Point, 0, len(records))
	for _, r := range records {
		v, err := strconv.ParseFloat(strings.TrimSpace(r.Power), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		pts = append(pts, Point{CurrentMA: r.CurrentMA, PowerDBm: v, PowerMW: DBmToMW(v)})
	}
	return pts
}

// Summarize computes the peak and the above-threshold fit of records.
func Summarize(records []sweep.Record) (Summary, error) {
	s := Summary{Records: len(records)}
	pts := Points(records)
	s.Numeric = len(pts)
	if len(pts) == 0 {
		return s, ErrNoData
	}

	dbm := make([]float64, len(pts))
	for i, p := range pts {
		dbm[i] = p.PowerDBm
	}
	peak := floats.MaxIdx(dbm)
	s.PeakPowerDBm = pts[peak].PowerDBm
	s.PeakCurrentMA = pts[peak].CurrentMA

	cutoff := pts[peak].PowerMW * LasingFraction
	var xs, ys []float64
	for _, p := range pts {
		if p.PowerMW >= cutoff {
			xs = append(xs, p.CurrentMA)
			ys = append(ys, p.PowerMW)
		}
	}
	s.FitPoints = len(xs)
	if len(xs) < 2 || floats.Min(xs) == floats.Max(xs) {
		return s, nil
	}

	alpha, beta := stat.LinearRegression(xs, ys, nil, false)
	r2 := stat.RSquared(xs, ys, nil, alpha, beta)
	s.SlopeMWPerMA = &beta
	s.InterceptMW = &alpha
	s.RSquared = &r2
	if beta > 0 {
		th := -alpha / beta
		s.ThresholdMA = &th
	}
	return s, nil
}
