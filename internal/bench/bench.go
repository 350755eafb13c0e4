// Package bench assembles the instruments, sweep pipeline and lab from a
// configuration, against either the real hardware or the simulators.
package bench

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/banshee-data/optobench/internal/config"
	"github.com/banshee-data/optobench/internal/currentsource"
	"github.com/banshee-data/optobench/internal/fsutil"
	"github.com/banshee-data/optobench/internal/instrument"
	"github.com/banshee-data/optobench/internal/lab"
	"github.com/banshee-data/optobench/internal/monitoring"
	"github.com/banshee-data/optobench/internal/powermeter"
	"github.com/banshee-data/optobench/internal/simulator"
	"github.com/banshee-data/optobench/internal/sink"
	"github.com/banshee-data/optobench/internal/sweep"
)

var logf = monitoring.Component("bench")

// Options selects how a Bench is built.
type Options struct {
	// Simulate replaces both instruments with in-process simulators. The
	// power meter simulator listens on a loopback socket so that the TCP
	// transport is exercised.
	Simulate bool
	// Recorder indexes runs; may be nil.
	Recorder sweep.RunRecorder
	// FS receives artifacts; defaults to the OS.
	FS fsutil.FileSystem
}

// Bench is an assembled set of instruments.
type Bench struct {
	Lab           *lab.Lab
	CurrentSource *instrument.Session
	PowerMeter    *instrument.Session
	Points        *sink.Broadcaster
	Artifacts     *sink.ArtifactWriter

	// Set when simulating.
	CurrentSourceSim *simulator.CurrentSource
	PowerMeterSim    *simulator.PowerMeter

	stop context.CancelFunc
	done chan struct{}
}

// Open builds a Bench from cfg. The instruments are not connected.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Bench, error) {
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	serialOpts, err := cfg.GetSerialOptions().Normalize()
	if err != nil {
		return nil, err
	}

	b := &Bench{
		Points:    sink.NewBroadcaster(),
		Artifacts: sink.NewArtifactWriter(opts.FS, cfg.GetLogsDir()),
	}

	csCfg := instrument.SessionConfig{
		Name:    "cld",
		Address: instrument.BusAddress(cfg.GetCurrentSourceResource()),
		Timeout: cfg.GetCurrentSourceTimeout(),
		Opener:  instrument.SystemOpener{Serial: serialOpts},
	}
	pmCfg := instrument.SessionConfig{
		Name:        "mpm",
		Address:     instrument.SocketAddress(cfg.GetPowerMeterHost(), cfg.GetPowerMeterPort()),
		Timeout:     cfg.GetPowerMeterTimeout(),
		QuerySettle: cfg.GetPowerMeterQuerySettle(),
		Opener:      instrument.SystemOpener{Serial: serialOpts},
	}

	if opts.Simulate {
		addr, err := b.startSimulators(ctx)
		if err != nil {
			return nil, err
		}
		csCfg.Opener = simulator.Opener(b.CurrentSourceSim)
		pmCfg.Address = addr
	}

	b.CurrentSource = instrument.NewSession(csCfg)
	b.PowerMeter = instrument.NewSession(pmCfg)

	orch := sweep.NewOrchestrator(sweep.Config{
		ZeroingSettle: cfg.GetZeroingSettle(),
		WavelengthNM:  cfg.GetWavelengthNM(),
		Emitter:       b.Points,
		Artifacts:     b.Artifacts,
		Recorder:      opts.Recorder,
	})
	drain := cfg.GetErrorDrainLimit()
	b.Lab = lab.New(
		currentsource.New(b.CurrentSource, drain),
		powermeter.New(b.PowerMeter, drain),
		orch,
	)
	return b, nil
}

func (b *Bench) startSimulators(ctx context.Context) (instrument.Address, error) {
	b.CurrentSourceSim = simulator.NewCurrentSource()
	b.PowerMeterSim = simulator.NewPowerMeter(b.CurrentSourceSim)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return instrument.Address{}, fmt.Errorf("failed to listen for power meter simulator: %w", err)
	}
	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		ln.Close()
		return instrument.Address{}, err
	}
	p, _ := strconv.Atoi(port)

	simCtx, cancel := context.WithCancel(ctx)
	b.stop = cancel
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		if err := simulator.ServeTCP(simCtx, ln, b.PowerMeterSim); err != nil {
			logf("power meter simulator stopped: %v", err)
		}
	}()
	logf("simulating power meter on %s", ln.Addr())
	return instrument.SocketAddress(host, p), nil
}

// Connect connects both instruments.
func (b *Bench) Connect(ctx context.Context) error {
	if _, err := b.Lab.ConnectCurrentSource(ctx); err != nil {
		return err
	}
	if _, err := b.Lab.ConnectPowerMeter(ctx); err != nil {
		return err
	}
	return nil
}

// Close disconnects the instruments, stops any simulators and closes the
// point broadcaster.
func (b *Bench) Close() error {
	var firstErr error
	for _, s := range []*instrument.Session{b.CurrentSource, b.PowerMeter} {
		if err := s.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.stop != nil {
		b.stop()
		<-b.done
	}
	b.Points.Close()
	return firstErr
}
