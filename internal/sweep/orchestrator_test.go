package sweep

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/optobench/internal/monitoring"
	"github.com/banshee-data/optobench/internal/timeutil"
)

var t0 = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

type harness struct {
	log       *callLog
	cs        *fakeCurrentSource
	pm        *fakePowerMeter
	emitter   *fakeEmitter
	artifacts *fakeArtifacts
	recorder  *fakeRecorder
	clock     *timeutil.MockClock
	orch      *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	monitoring.SetLogger(t.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	log := &callLog{}
	h := &harness{
		log:       log,
		cs:        &fakeCurrentSource{log: log, tec: true},
		pm:        &fakePowerMeter{log: log},
		emitter:   &fakeEmitter{},
		artifacts: &fakeArtifacts{},
		recorder:  &fakeRecorder{},
		clock:     timeutil.NewMockClock(t0),
	}
	h.orch = NewOrchestrator(Config{
		Clock:     h.clock,
		Emitter:   h.emitter,
		Artifacts: h.artifacts,
		Recorder:  h.recorder,
		NewID:     func() string { return "run-1" },
	})
	return h
}

func (h *harness) run(ctx context.Context, p Params) (*Run, error) {
	return h.orch.Run(ctx, h.cs, h.pm, p)
}

func TestRun_ThreeStepScenario(t *testing.T) {
	h := newHarness(t)
	p := Params{StartMA: 0, StopMA: 10, StepMA: 5, Module: 1, StabilizationDelayMS: 250}

	run, err := h.run(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"cs:tec?",
		"pm:zero",
		"cs:laser false",
		"pm:wav 980",
		"cs:laser true",
		"cs:current 0",
		"pm:read 1",
		"cs:current 0.005",
		"pm:read 1",
		"cs:current 0.01",
		"pm:read 1",
		"cs:laser false",
	}, h.log.get())

	// zeroing settle, then one stabilisation wait per step
	assert.Equal(t, []time.Duration{3 * time.Second, 250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond}, h.clock.Sleeps())

	want := []Record{
		{Timestamp: "2025-03-14T09:26:56.25Z", CurrentMA: 0, Power: "-29.500", Module: 1},
		{Timestamp: "2025-03-14T09:26:56.5Z", CurrentMA: 5, Power: "-28.500", Module: 1},
		{Timestamp: "2025-03-14T09:26:56.75Z", CurrentMA: 10, Power: "-27.500", Module: 1},
	}
	if diff := cmp.Diff(want, run.Records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, h.emitter.records); diff != "" {
		t.Errorf("emitted mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, h.artifacts.writes, 1)
	if diff := cmp.Diff(want, h.artifacts.writes[0]); diff != "" {
		t.Errorf("persisted mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, StateCompleted, run.State)
	assert.Equal(t, "run-1", run.ID)
	assert.Equal(t, 3, run.TotalSteps)
	assert.Equal(t, "logs/experiment_data_2025-03-14_09-26-53.csv", run.ArtifactPath)
	assert.Empty(t, run.Error)
	require.NotNil(t, run.FinishedAt)
	assert.False(t, h.cs.laserOn)
	assert.Equal(t, 980.0, h.pm.wavelength)

	require.Len(t, h.recorder.started, 1)
	require.Len(t, h.recorder.finished, 1)
	assert.Equal(t, StateCompleted, h.recorder.finished[0].State)
}

func TestRun_InvalidParametersIssueNoCommands(t *testing.T) {
	cases := []struct {
		name string
		p    Params
	}{
		{"zero step", Params{StartMA: 0, StopMA: 10, StepMA: 0}},
		{"negative step", Params{StartMA: 0, StopMA: 10, StepMA: -1}},
		{"start above stop", Params{StartMA: 20, StopMA: 10, StepMA: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			run, err := h.run(context.Background(), tc.p)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidParameters)
			assert.Empty(t, h.log.get())
			assert.Empty(t, run.Records)
			assert.Empty(t, h.artifacts.writes)
			assert.Empty(t, h.recorder.started)
			assert.Empty(t, h.recorder.finished)
			assert.Equal(t, StateAborted, run.State)
			assert.Equal(t, StateValidating, run.AbortedIn)
		})
	}
}

func TestRun_SafetyViolationOnlyQueriesTEC(t *testing.T) {
	h := newHarness(t)
	h.cs.tec = false

	run, err := h.run(context.Background(), Params{StartMA: 0, StopMA: 10, StepMA: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSafetyViolation)
	assert.Equal(t, []string{"cs:tec?"}, h.log.get())
	assert.Empty(t, run.Records)
	assert.Empty(t, h.artifacts.writes)
	assert.Equal(t, StateSafetyCheck, run.AbortedIn)
	assert.Contains(t, run.Error, "TEC")
}

func TestRun_TECQueryFailure(t *testing.T) {
	h := newHarness(t)
	h.cs.tecErr = errFake

	_, err := h.run(context.Background(), Params{StartMA: 0, StopMA: 10, StepMA: 5})
	assert.ErrorIs(t, err, errFake)
	assert.Equal(t, []string{"cs:tec?"}, h.log.get())
}

func TestRun_ZeroingFailureLeavesLaserUntouched(t *testing.T) {
	h := newHarness(t)
	h.pm.zeroErr = errFake
	h.cs.laserOn = true

	run, err := h.run(context.Background(), Params{StartMA: 0, StopMA: 10, StepMA: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, errFake)
	assert.Equal(t, []string{"cs:tec?", "pm:zero"}, h.log.get())
	assert.True(t, h.cs.laserOn, "laser state must not change")
	assert.Empty(t, run.Records)
	assert.Empty(t, h.artifacts.writes)
	assert.Empty(t, run.ArtifactPath)
	assert.Empty(t, h.clock.Sleeps(), "no settle wait after a failed zero")
	assert.Equal(t, StateZeroing, run.AbortedIn)
}

func TestRun_PrimingFailureSwitchesLaserOff(t *testing.T) {
	h := newHarness(t)
	h.pm.wavErr = errFake

	run, err := h.run(context.Background(), Params{StartMA: 0, StopMA: 10, StepMA: 5})
	require.Error(t, err)
	assert.Equal(t, []string{"cs:tec?", "pm:zero", "cs:laser false", "pm:wav 980", "cs:laser false"}, h.log.get())
	assert.Empty(t, h.artifacts.writes)
	assert.Equal(t, StatePriming, run.AbortedIn)
}

func TestRun_MidLoopFailurePersistsPartialRecords(t *testing.T) {
	h := newHarness(t)
	h.pm.readErrAt = 3

	run, err := h.run(context.Background(), Params{StartMA: 0, StopMA: 20, StepMA: 5, Module: 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, errFake)
	assert.Contains(t, err.Error(), "step 2 (10 mA)")

	require.Len(t, run.Records, 2)
	require.Len(t, h.artifacts.writes, 1)
	if diff := cmp.Diff(run.Records, h.artifacts.writes[0]); diff != "" {
		t.Errorf("persisted mismatch (-run +artifact):\n%s", diff)
	}
	assert.NotEmpty(t, run.ArtifactPath)

	calls := h.log.get()
	assert.Equal(t, "cs:laser false", calls[len(calls)-1])
	assert.False(t, h.cs.laserOn)
	assert.Equal(t, StateStepping, run.AbortedIn)
	assert.Equal(t, StateAborted, h.recorder.finished[0].State)
}

func TestRun_SetCurrentFailureAtFirstStep(t *testing.T) {
	h := newHarness(t)
	h.cs.currentErrAt = 1

	run, err := h.run(context.Background(), Params{StartMA: 0, StopMA: 20, StepMA: 5})
	require.Error(t, err)
	assert.Empty(t, run.Records)
	assert.Empty(t, h.artifacts.writes, "no artifact without records")
	assert.False(t, h.cs.laserOn)
}

func TestRun_CancelDuringStepping(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.emitter.onEmit = func(Record) { cancel() }

	run, err := h.run(ctx, Params{StartMA: 0, StopMA: 20, StepMA: 5, StabilizationDelayMS: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, run.Records, 1)
	require.Len(t, h.artifacts.writes, 1)

	calls := h.log.get()
	assert.Equal(t, "cs:laser false", calls[len(calls)-1], "laser goes off despite cancellation")
	assert.False(t, h.cs.laserOn)
}

func TestRun_CancelBeforeStart(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The fake TEC query ignores ctx; the zeroing settle wait observes it.
	run, err := h.run(ctx, Params{StartMA: 0, StopMA: 20, StepMA: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateZeroing, run.AbortedIn)
	assert.Equal(t, []string{"cs:tec?", "pm:zero"}, h.log.get())
}

func TestRun_FinalLaserOffFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	// calls: 1 off (priming), 2 on, 3 off (finalizing)
	h.cs.laserErrs = map[int]error{3: errFake}

	run, err := h.run(context.Background(), Params{StartMA: 0, StopMA: 10, StepMA: 5})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, run.State)
	assert.Len(t, run.Records, 3)
	assert.NotEmpty(t, run.ArtifactPath)
}

func TestRun_EmitFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.emitter.err = errors.New("no subscribers")

	run, err := h.run(context.Background(), Params{StartMA: 0, StopMA: 10, StepMA: 5})
	require.NoError(t, err)
	assert.Len(t, run.Records, 3)
	assert.Len(t, h.emitter.records, 3)
}

func TestRun_RecorderFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.recorder.err = errors.New("database locked")

	run, err := h.run(context.Background(), Params{StartMA: 0, StopMA: 10, StepMA: 5})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, run.State)
}

func TestRun_PersistFailureAbortsRun(t *testing.T) {
	h := newHarness(t)
	h.artifacts.err = errors.New("disk full")

	run, err := h.run(context.Background(), Params{StartMA: 0, StopMA: 10, StepMA: 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, StateAborted, run.State)
	assert.Equal(t, StateFinalizing, run.AbortedIn)
	assert.Len(t, run.Records, 3)
	assert.Empty(t, run.ArtifactPath)
}

func TestRun_RecordCountAndOrdering(t *testing.T) {
	cases := []Params{
		{StartMA: 0, StopMA: 10, StepMA: 5},
		{StartMA: 0, StopMA: 0.3, StepMA: 0.1},
		{StartMA: 1.5, StopMA: 9.9, StepMA: 0.7},
		{StartMA: 12, StopMA: 12, StepMA: 3},
		{StartMA: 0, StopMA: 100, StepMA: 0.25},
		{StartMA: -5, StopMA: 5, StepMA: 3},
		{StartMA: 10, StopMA: 11, StepMA: 5},
	}
	wantCounts := []int{3, 4, 13, 1, 401, 4, 1}

	for i, p := range cases {
		h := newHarness(t)
		run, err := h.run(context.Background(), p)
		require.NoError(t, err, "case %d", i)

		assert.Len(t, run.Records, wantCounts[i], "case %d", i)
		assert.Equal(t, p.StepCount(), len(run.Records), "case %d", i)
		assert.Len(t, h.emitter.records, wantCounts[i], "case %d", i)

		prev := p.StartMA
		for j, r := range run.Records {
			assert.GreaterOrEqual(t, r.CurrentMA, p.StartMA, "case %d record %d", i, j)
			assert.LessOrEqual(t, r.CurrentMA, p.StopMA, "case %d record %d", i, j)
			assert.GreaterOrEqual(t, r.CurrentMA, prev, "case %d record %d", i, j)
			prev = r.CurrentMA
		}
	}
}

func TestRun_ObserverSeesEveryState(t *testing.T) {
	h := newHarness(t)
	obs := &recordingObserver{}

	_, err := h.orch.RunObserved(context.Background(), h.cs, h.pm, Params{StartMA: 0, StopMA: 5, StepMA: 5}, obs)
	require.NoError(t, err)

	assert.Equal(t, []State{
		StateValidating, StateSafetyCheck, StateZeroing, StatePriming,
		StateStepping, StateFinalizing, StateCompleted,
	}, obs.states)
	assert.Equal(t, 2, obs.records)
}

type recordingObserver struct {
	states  []State
	records int
}

func (o *recordingObserver) StateChanged(run *Run)    { o.states = append(o.states, run.State) }
func (o *recordingObserver) RecordAdded(*Run, Record) { o.records++ }

func TestNewOrchestrator_Defaults(t *testing.T) {
	o := NewOrchestrator(Config{})
	assert.Equal(t, DefaultZeroingSettle, o.cfg.ZeroingSettle)
	assert.Equal(t, float64(DefaultWavelengthNM), o.cfg.WavelengthNM)
	assert.NotEmpty(t, o.cfg.NewID())
}

func TestRun_WithoutArtifactWriter(t *testing.T) {
	h := newHarness(t)
	h.orch = NewOrchestrator(Config{Clock: h.clock})

	run, err := h.run(context.Background(), Params{StartMA: 0, StopMA: 5, StepMA: 5})
	require.NoError(t, err)
	assert.Len(t, run.Records, 2)
	assert.Empty(t, run.ArtifactPath)
}
