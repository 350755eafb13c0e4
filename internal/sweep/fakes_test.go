package sweep

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

var errFake = errors.New("fake transport failure")

// callLog records device commands from both fakes in issue order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeCurrentSource struct {
	log *callLog

	tec    bool
	tecErr error

	// laserErrs fails the n-th (1-based) SetLaserOutput call.
	laserErrs map[int]error
	laserN    int
	laserOn   bool

	currentErrAt int // fail the n-th SetCurrent call when > 0
	currentN     int
}

func (f *fakeCurrentSource) TECState(context.Context) (bool, error) {
	f.log.add("cs:tec?")
	return f.tec, f.tecErr
}

func (f *fakeCurrentSource) SetLaserOutput(ctx context.Context, on bool) error {
	f.laserN++
	f.log.add("cs:laser %v", on)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := f.laserErrs[f.laserN]; err != nil {
		return err
	}
	f.laserOn = on
	return nil
}

func (f *fakeCurrentSource) SetCurrent(ctx context.Context, amps float64) error {
	f.currentN++
	f.log.add("cs:current %s", strconv.FormatFloat(amps, 'f', -1, 64))
	if f.currentErrAt > 0 && f.currentN == f.currentErrAt {
		return errFake
	}
	return ctx.Err()
}

type fakePowerMeter struct {
	log *callLog

	zeroErr    error
	wavErr     error
	readErrAt  int
	readN      int
	wavelength float64
}

func (f *fakePowerMeter) PerformZeroing(context.Context) error {
	f.log.add("pm:zero")
	return f.zeroErr
}

func (f *fakePowerMeter) SetWavelength(_ context.Context, nm float64) error {
	f.log.add("pm:wav %g", nm)
	if f.wavErr != nil {
		return f.wavErr
	}
	f.wavelength = nm
	return nil
}

func (f *fakePowerMeter) ReadPower(_ context.Context, module int) (string, error) {
	f.readN++
	f.log.add("pm:read %d", module)
	if f.readErrAt > 0 && f.readN == f.readErrAt {
		return "", errFake
	}
	return fmt.Sprintf("-%d.500", 30-f.readN), nil
}

type fakeEmitter struct {
	mu      sync.Mutex
	records []Record
	err     error
	onEmit  func(Record)
}

func (e *fakeEmitter) Emit(r Record) error {
	e.mu.Lock()
	e.records = append(e.records, r)
	hook := e.onEmit
	e.mu.Unlock()
	if hook != nil {
		hook(r)
	}
	return e.err
}

type fakeArtifacts struct {
	writes [][]Record
	err    error
}

func (a *fakeArtifacts) WriteArtifact(records []Record, started time.Time) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	a.writes = append(a.writes, append([]Record(nil), records...))
	return fmt.Sprintf("logs/experiment_data_%s.csv", started.Format("2006-01-02_15-04-05")), nil
}

type fakeRecorder struct {
	started  []*Run
	finished []*Run
	err      error
}

func (r *fakeRecorder) RunStarted(_ context.Context, run *Run) error {
	r.started = append(r.started, run)
	return r.err
}

func (r *fakeRecorder) RunFinished(_ context.Context, run *Run) error {
	r.finished = append(r.finished, run)
	return r.err
}
