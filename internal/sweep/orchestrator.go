package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/optobench/internal/monitoring"
	"github.com/banshee-data/optobench/internal/timeutil"
)

var logf = monitoring.Component("sweep")

// Defaults for Config.
const (
	DefaultZeroingSettle = 3 * time.Second
	DefaultWavelengthNM  = 980
)

// CurrentSource is the part of the laser driver a sweep uses.
type CurrentSource interface {
	TECState(ctx context.Context) (bool, error)
	SetLaserOutput(ctx context.Context, on bool) error
	SetCurrent(ctx context.Context, amps float64) error
}

// PowerMeter is the part of the power meter driver a sweep uses.
type PowerMeter interface {
	PerformZeroing(ctx context.Context) error
	SetWavelength(ctx context.Context, nm float64) error
	ReadPower(ctx context.Context, module int) (string, error)
}

// Emitter receives each record as it is measured. Delivery is best effort.
type Emitter interface {
	Emit(r Record) error
}

// ArtifactWriter persists a run's records and returns where they went.
type ArtifactWriter interface {
	WriteArtifact(records []Record, started time.Time) (string, error)
}

// RunRecorder indexes runs. Failures are logged and never affect the sweep.
type RunRecorder interface {
	RunStarted(ctx context.Context, run *Run) error
	RunFinished(ctx context.Context, run *Run) error
}

// Observer follows a run's progress.
type Observer interface {
	StateChanged(run *Run)
	RecordAdded(run *Run, rec Record)
}

// Config configures an Orchestrator. Zero values take the package defaults.
type Config struct {
	Clock         timeutil.Clock
	ZeroingSettle time.Duration
	WavelengthNM  float64

	Emitter   Emitter
	Artifacts ArtifactWriter
	Recorder  RunRecorder

	// NewID generates run IDs; defaults to random UUIDs.
	NewID func() string
}

// Orchestrator executes sweeps. It holds no per-run state and may run
// sweeps against different devices concurrently; callers serialise access
// to any one device.
type Orchestrator struct {
	cfg Config
}

// NewOrchestrator returns an orchestrator for cfg.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.ZeroingSettle <= 0 {
		cfg.ZeroingSettle = DefaultZeroingSettle
	}
	if cfg.WavelengthNM <= 0 {
		cfg.WavelengthNM = DefaultWavelengthNM
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Orchestrator{cfg: cfg}
}

// Run executes one sweep. The returned Run is always non-nil; on failure it
// is in StateAborted and the error describes the cause.
func (o *Orchestrator) Run(ctx context.Context, cs CurrentSource, pm PowerMeter, p Params) (*Run, error) {
	return o.RunObserved(ctx, cs, pm, p, nil)
}

// RunObserved is Run with progress reported to obs, which may be nil.
//
// Sequence: validate, require an active TEC, zero the meter and wait for it
// to settle, force the laser off, set the meter wavelength, enable the
// laser, then for each setpoint set the current, wait, and read. The laser
// is switched off afterwards and the records persisted. Cancelling ctx
// aborts at the next command or wait.
func (o *Orchestrator) RunObserved(ctx context.Context, cs CurrentSource, pm PowerMeter, p Params, obs Observer) (*Run, error) {
	x := &execution{
		o:   o,
		cs:  cs,
		pm:  pm,
		obs: obs,
		run: &Run{
			ID:        o.cfg.NewID(),
			Params:    p,
			StartedAt: o.cfg.Clock.Now().UTC(),
			Records:   []Record{},
		},
	}

	x.enter(StateValidating)
	if err := p.Validate(); err != nil {
		return x.abort(ctx, err)
	}
	x.run.TotalSteps = p.StepCount()

	monitoring.SweepActive.Inc()
	defer monitoring.SweepActive.Dec()

	if o.cfg.Recorder != nil {
		if err := o.cfg.Recorder.RunStarted(ctx, x.run.Clone()); err != nil {
			logf("run %s: failed to index start: %v", x.run.ID, err)
		}
	}
	logf("run %s: %g..%g mA step %g mA, module %d, %d steps", x.run.ID, p.StartMA, p.StopMA, p.StepMA, p.Module, x.run.TotalSteps)

	x.enter(StateSafetyCheck)
	tec, err := cs.TECState(ctx)
	if err != nil {
		return x.abort(ctx, err)
	}
	if !tec {
		return x.abort(ctx, ErrSafetyViolation)
	}

	x.enter(StateZeroing)
	if err := pm.PerformZeroing(ctx); err != nil {
		return x.abort(ctx, err)
	}
	if err := timeutil.SleepContext(ctx, o.cfg.Clock, o.cfg.ZeroingSettle); err != nil {
		return x.abort(ctx, err)
	}

	x.enter(StatePriming)
	x.armed = true
	if err := cs.SetLaserOutput(ctx, false); err != nil {
		return x.abort(ctx, err)
	}
	if err := pm.SetWavelength(ctx, o.cfg.WavelengthNM); err != nil {
		return x.abort(ctx, err)
	}
	if err := cs.SetLaserOutput(ctx, true); err != nil {
		return x.abort(ctx, err)
	}

	x.enter(StateStepping)
	for i, mA := range p.Setpoints() {
		if err := x.step(ctx, mA); err != nil {
			return x.abort(ctx, fmt.Errorf("step %d (%g mA): %w", i, mA, err))
		}
	}

	x.enter(StateFinalizing)
	if err := cs.SetLaserOutput(ctx, false); err != nil {
		logf("run %s: failed to switch laser off after sweep: %v", x.run.ID, err)
	}
	x.armed = false
	path, err := x.persist()
	if err != nil {
		return x.abort(ctx, err)
	}
	x.run.ArtifactPath = path
	return x.finish(ctx, StateCompleted, nil)
}

// execution is the mutable state of one Run call.
type execution struct {
	o   *Orchestrator
	cs  CurrentSource
	pm  PowerMeter
	obs Observer
	run *Run

	// armed is set once priming starts; from then on an abort switches the
	// laser off.
	armed bool

	persisted bool
}

func (x *execution) enter(s State) {
	x.run.State = s
	if x.obs != nil {
		x.obs.StateChanged(x.run.Clone())
	}
}

func (x *execution) step(ctx context.Context, mA float64) error {
	cfg := x.o.cfg
	if err := x.cs.SetCurrent(ctx, mA/1000); err != nil {
		return err
	}
	if err := timeutil.SleepContext(ctx, cfg.Clock, x.run.Params.StabilizationDelay()); err != nil {
		return err
	}
	power, err := x.pm.ReadPower(ctx, x.run.Params.Module)
	if err != nil {
		return err
	}

	rec := Record{
		Timestamp: cfg.Clock.Now().UTC().Format(TimestampFormat),
		CurrentMA: mA,
		Power:     power,
		Module:    x.run.Params.Module,
	}
	if cfg.Emitter != nil {
		if err := cfg.Emitter.Emit(rec); err != nil {
			logf("run %s: failed to emit point at %g mA: %v", x.run.ID, mA, err)
		}
	}
	x.run.Records = append(x.run.Records, rec)
	monitoring.SweepPoints.Inc()
	if x.obs != nil {
		x.obs.RecordAdded(x.run.Clone(), rec)
	}
	return nil
}

func (x *execution) persist() (string, error) {
	x.persisted = true
	if x.o.cfg.Artifacts == nil || len(x.run.Records) == 0 {
		return "", nil
	}
	path, err := x.o.cfg.Artifacts.WriteArtifact(x.run.Records, x.run.StartedAt)
	if err != nil {
		return "", fmt.Errorf("failed to persist records: %w", err)
	}
	logf("run %s: wrote %d records to %s", x.run.ID, len(x.run.Records), path)
	return path, nil
}

// abort switches the laser off if priming had started, persists whatever
// was measured, and finishes the run as aborted.
func (x *execution) abort(ctx context.Context, cause error) (*Run, error) {
	failed := x.run.State
	x.run.AbortedIn = failed

	if x.armed {
		// The laser must go off even when ctx is what aborted the run.
		if err := x.cs.SetLaserOutput(context.WithoutCancel(ctx), false); err != nil {
			logf("run %s: failed to switch laser off on abort: %v", x.run.ID, err)
		}
		x.armed = false
	}

	if !x.persisted {
		path, err := x.persist()
		if err != nil {
			logf("run %s: %v", x.run.ID, err)
		}
		x.run.ArtifactPath = path
	}

	err := fmt.Errorf("sweep aborted during %s: %w", failed, cause)
	if errors.Is(cause, context.Canceled) {
		logf("run %s: cancelled during %s", x.run.ID, failed)
	} else {
		logf("run %s: %v", x.run.ID, err)
	}
	return x.finish(ctx, StateAborted, err)
}

func (x *execution) finish(ctx context.Context, s State, err error) (*Run, error) {
	now := x.o.cfg.Clock.Now().UTC()
	x.run.FinishedAt = &now
	if err != nil {
		x.run.Error = err.Error()
	}
	x.enter(s)
	monitoring.SweepRuns.WithLabelValues(string(s)).Inc()

	if x.o.cfg.Recorder != nil && x.run.AbortedIn != StateValidating {
		if rerr := x.o.cfg.Recorder.RunFinished(context.WithoutCancel(ctx), x.run.Clone()); rerr != nil {
			logf("run %s: failed to index result: %v", x.run.ID, rerr)
		}
	}
	return x.run, err
}
