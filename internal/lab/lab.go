// Package lab owns the bench instruments and serialises access to them.
// Each instrument sits behind its own Guard; a sweep holds both for its
// whole duration, while single commands hold only the one they touch.
package lab

import (
	"context"
	"fmt"
	"math"

	"github.com/banshee-data/optobench/internal/currentsource"
	"github.com/banshee-data/optobench/internal/instrument"
	"github.com/banshee-data/optobench/internal/monitoring"
	"github.com/banshee-data/optobench/internal/powermeter"
	"github.com/banshee-data/optobench/internal/sweep"
)

var logf = monitoring.Component("lab")

// Lab is the coordinating context for one current source and one power
// meter.
type Lab struct {
	cld  *Guard[*currentsource.Device]
	mpm  *Guard[*powermeter.Device]
	orch *sweep.Orchestrator
}

// New creates a Lab. orch runs sweeps; nil uses an Orchestrator with
// default configuration.
func New(cs *currentsource.Device, pm *powermeter.Device, orch *sweep.Orchestrator) *Lab {
	if orch == nil {
		orch = sweep.NewOrchestrator(sweep.Config{})
	}
	return &Lab{
		cld:  NewGuard(cs),
		mpm:  NewGuard(pm),
		orch: orch,
	}
}

// CurrentSource returns the current source driver without locking it.
func (l *Lab) CurrentSource() *currentsource.Device { return l.cld.Peek() }

// PowerMeter returns the power meter driver without locking it.
func (l *Lab) PowerMeter() *powermeter.Device { return l.mpm.Peek() }

// ConnectCurrentSource (re)connects the current source and returns its
// identification string.
func (l *Lab) ConnectCurrentSource(ctx context.Context) (string, error) {
	return With(ctx, l.cld, func(d *currentsource.Device) (string, error) {
		id, err := d.Connect(ctx)
		if err != nil {
			return "", err
		}
		logf("current source connected: %s", id)
		return id, nil
	})
}

// CurrentSourceConnected reports whether the current source is connected.
// It does not wait for a running sweep.
func (l *Lab) CurrentSourceConnected() bool {
	return l.cld.Peek().IsConnected()
}

// CurrentSourceIdentity returns the identification captured at connect.
func (l *Lab) CurrentSourceIdentity() string {
	return l.cld.Peek().Session().Identity()
}

// Current returns the drive current setpoint in mA.
func (l *Lab) Current(ctx context.Context) (float64, error) {
	return With(ctx, l.cld, func(d *currentsource.Device) (float64, error) {
		amps, err := d.Current(ctx)
		if err != nil {
			return 0, err
		}
		return amps * 1000, nil
	})
}

// SetCurrent sets the drive current in mA.
func (l *Lab) SetCurrent(ctx context.Context, mA float64) error {
	if math.IsNaN(mA) || math.IsInf(mA, 0) {
		return fmt.Errorf("%w: current %v mA", sweep.ErrInvalidParameters, mA)
	}
	return Do(ctx, l.cld, func(d *currentsource.Device) error {
		return d.SetCurrent(ctx, mA/1000)
	})
}

// LaserOutput reports whether the laser output is on.
func (l *Lab) LaserOutput(ctx context.Context) (bool, error) {
	return With(ctx, l.cld, func(d *currentsource.Device) (bool, error) {
		return d.LaserOutput(ctx)
	})
}

// SetLaserOutput switches the laser output. Switching it on requires the
// TEC to be running.
func (l *Lab) SetLaserOutput(ctx context.Context, on bool) error {
	return Do(ctx, l.cld, func(d *currentsource.Device) error {
		if on {
			tec, err := d.TECState(ctx)
			if err != nil {
				return err
			}
			if !tec {
				return sweep.ErrSafetyViolation
			}
		}
		return d.SetLaserOutput(ctx, on)
	})
}

// TECState reports whether the TEC is on.
func (l *Lab) TECState(ctx context.Context) (bool, error) {
	return With(ctx, l.cld, func(d *currentsource.Device) (bool, error) {
		return d.TECState(ctx)
	})
}

// EnableTEC switches the TEC on.
func (l *Lab) EnableTEC(ctx context.Context) error {
	return Do(ctx, l.cld, func(d *currentsource.Device) error {
		return d.EnableTEC(ctx)
	})
}

// CurrentSourceError pops one entry from the current source error queue.
func (l *Lab) CurrentSourceError(ctx context.Context) (string, error) {
	return With(ctx, l.cld, func(d *currentsource.Device) (string, error) {
		return d.NextError(ctx)
	})
}

// ClearCurrentSourceErrors drains the current source error queue and
// returns what it held.
func (l *Lab) ClearCurrentSourceErrors(ctx context.Context) ([]string, error) {
	return With(ctx, l.cld, func(d *currentsource.Device) ([]string, error) {
		return d.DrainErrorQueue(ctx)
	})
}

// ConnectPowerMeter (re)connects the power meter and returns its
// identification string.
func (l *Lab) ConnectPowerMeter(ctx context.Context) (string, error) {
	return With(ctx, l.mpm, func(d *powermeter.Device) (string, error) {
		id, err := d.Connect(ctx)
		if err != nil {
			return "", err
		}
		logf("power meter connected: %s", id)
		return id, nil
	})
}

// PowerMeterConnected reports whether the power meter is connected. It
// does not wait for a running sweep.
func (l *Lab) PowerMeterConnected() bool {
	return l.mpm.Peek().IsConnected()
}

// PowerMeterIdentity returns the identification captured at connect.
func (l *Lab) PowerMeterIdentity() string {
	return l.mpm.Peek().Session().Identity()
}

// Wavelength returns the power meter calibration wavelength in nm.
func (l *Lab) Wavelength(ctx context.Context) (float64, error) {
	return With(ctx, l.mpm, func(d *powermeter.Device) (float64, error) {
		return d.Wavelength(ctx)
	})
}

// SetWavelength sets the power meter calibration wavelength in nm.
func (l *Lab) SetWavelength(ctx context.Context, nm float64) error {
	if !(nm > 0) || math.IsInf(nm, 0) {
		return fmt.Errorf("%w: wavelength %v nm", sweep.ErrInvalidParameters, nm)
	}
	return Do(ctx, l.mpm, func(d *powermeter.Device) error {
		return d.SetWavelength(ctx, nm)
	})
}

// Modules returns the power meter's raw installed-module response.
func (l *Lab) Modules(ctx context.Context) (string, error) {
	return With(ctx, l.mpm, func(d *powermeter.Device) (string, error) {
		return d.Modules(ctx)
	})
}

// InstalledModules returns the indices of the installed modules.
func (l *Lab) InstalledModules(ctx context.Context) ([]int, error) {
	return With(ctx, l.mpm, func(d *powermeter.Device) ([]int, error) {
		return d.InstalledModules(ctx)
	})
}

// ReadPower returns one reading from module, verbatim.
func (l *Lab) ReadPower(ctx context.Context, module int) (string, error) {
	if module < 0 {
		return "", fmt.Errorf("%w: module %d", sweep.ErrInvalidParameters, module)
	}
	return With(ctx, l.mpm, func(d *powermeter.Device) (string, error) {
		return d.ReadPower(ctx, module)
	})
}

// PowerMeterError pops one entry from the power meter error queue.
func (l *Lab) PowerMeterError(ctx context.Context) (string, error) {
	return With(ctx, l.mpm, func(d *powermeter.Device) (string, error) {
		return d.NextError(ctx)
	})
}

// ClearPowerMeterErrors drains the power meter error queue and returns
// what it held.
func (l *Lab) ClearPowerMeterErrors(ctx context.Context) ([]string, error) {
	return With(ctx, l.mpm, func(d *powermeter.Device) ([]string, error) {
		return d.DrainErrorQueue(ctx)
	})
}

// CurrentSourceCommand sends a raw console command to the current source.
// It waits for the instrument like any other operation, so it blocks while
// a sweep runs. Commands that switch the laser on are refused unless the
// TEC is running.
func (l *Lab) CurrentSourceCommand(ctx context.Context, command string) (string, error) {
	return With(ctx, l.cld, func(d *currentsource.Device) (string, error) {
		if currentsource.ArmsLaser(command) {
			tec, err := d.TECState(ctx)
			if err != nil {
				return "", err
			}
			if !tec {
				return "", fmt.Errorf("%w: %w", instrument.ErrRefused, sweep.ErrSafetyViolation)
			}
		}
		logf("current source console: %s", command)
		return d.Session().Command(ctx, command)
	})
}

// PowerMeterCommand sends a raw console command to the power meter,
// waiting for it like any other operation.
func (l *Lab) PowerMeterCommand(ctx context.Context, command string) (string, error) {
	return With(ctx, l.mpm, func(d *powermeter.Device) (string, error) {
		logf("power meter console: %s", command)
		return d.Session().Command(ctx, command)
	})
}

// RunSweep runs a sweep with exclusive use of both instruments.
func (l *Lab) RunSweep(ctx context.Context, p sweep.Params) (*sweep.Run, error) {
	return l.RunSweepObserved(ctx, p, nil)
}

// RunSweepObserved is RunSweep with progress reported to obs. Parameters
// are validated before either instrument is locked. The current source is
// always locked before the power meter.
func (l *Lab) RunSweepObserved(ctx context.Context, p sweep.Params, obs sweep.Observer) (*sweep.Run, error) {
	if err := p.Validate(); err != nil {
		return l.orch.RunObserved(ctx, nil, nil, p, obs)
	}

	cs, err := l.cld.Lock(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for current source: %w", err)
	}
	defer l.cld.Unlock()

	pm, err := l.mpm.Lock(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for power meter: %w", err)
	}
	defer l.mpm.Unlock()

	return l.orch.RunObserved(ctx, cs, pm, p, obs)
}
