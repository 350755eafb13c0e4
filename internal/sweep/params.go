// Package sweep runs the current-sweep characterisation experiment: it steps
// the laser current, waits for the output to stabilise, and records the
// optical power at every step.
package sweep

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MaxSteps caps the number of setpoints in one sweep.
const MaxSteps = 10000

// stepEpsilon absorbs binary rounding in (stop-start)/step so that ranges
// like 0:0.3:0.1 include their end point.
const stepEpsilon = 1e-9

var (
	ErrInvalidParameters = errors.New("invalid sweep parameters")
	ErrSafetyViolation   = errors.New("TEC is not enabled; refusing to arm laser")
	ErrSweepInProgress   = errors.New("sweep already in progress")
)

// Params describes one sweep. Currents are in milliamps.
type Params struct {
	StartMA              float64 `json:"start_ma"`
	StopMA               float64 `json:"stop_ma"`
	StepMA               float64 `json:"step_ma"`
	Module               int     `json:"module"`
	StabilizationDelayMS int     `json:"stabilization_delay_ms"`
}

// StabilizationDelay returns the per-step wait.
func (p Params) StabilizationDelay() time.Duration {
	return time.Duration(p.StabilizationDelayMS) * time.Millisecond
}

// Validate checks the ordering and positivity invariants. Every error wraps
// ErrInvalidParameters.
func (p Params) Validate() error {
	for name, v := range map[string]float64{"start_ma": p.StartMA, "stop_ma": p.StopMA, "step_ma": p.StepMA} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s must be finite", ErrInvalidParameters, name)
		}
	}
	if p.StepMA <= 0 {
		return fmt.Errorf("%w: step_ma must be positive, got %g", ErrInvalidParameters, p.StepMA)
	}
	if p.StartMA > p.StopMA {
		return fmt.Errorf("%w: start_ma %g exceeds stop_ma %g", ErrInvalidParameters, p.StartMA, p.StopMA)
	}
	if p.Module < 0 {
		return fmt.Errorf("%w: module must not be negative, got %d", ErrInvalidParameters, p.Module)
	}
	if p.StabilizationDelayMS < 0 {
		return fmt.Errorf("%w: stabilization_delay_ms must not be negative, got %d", ErrInvalidParameters, p.StabilizationDelayMS)
	}
	if n := (p.StopMA - p.StartMA) / p.StepMA; n+1 > MaxSteps {
		return fmt.Errorf("%w: range would generate more than %d steps", ErrInvalidParameters, MaxSteps)
	}
	return nil
}

// StepCount returns floor((stop-start)/step) + 1 for valid parameters.
func (p Params) StepCount() int {
	return int(math.Floor((p.StopMA-p.StartMA)/p.StepMA+stepEpsilon)) + 1
}

// Setpoints returns the currents visited, in order. The i-th setpoint is
// computed as start + i*step rather than accumulated, and clamped to stop.
func (p Params) Setpoints() []float64 {
	n := p.StepCount()
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Min(p.StartMA+float64(i)*p.StepMA, p.StopMA)
	}
	return out
}

// ParseRange parses a "start:stop:step" string in milliamps into p.
func (p *Params) ParseRange(s string) error {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return fmt.Errorf("invalid range format %q: expected start:stop:step", s)
	}
	vals := make([]float64, 3)
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return fmt.Errorf("invalid range value %q: %w", part, err)
		}
		vals[i] = v
	}
	p.StartMA, p.StopMA, p.StepMA = vals[0], vals[1], vals[2]
	return nil
}
