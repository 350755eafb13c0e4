package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/optobench/internal/currentsource"
	"github.com/banshee-data/optobench/internal/db"
	"github.com/banshee-data/optobench/internal/fsutil"
	"github.com/banshee-data/optobench/internal/instrument"
	"github.com/banshee-data/optobench/internal/lab"
	"github.com/banshee-data/optobench/internal/powermeter"
	"github.com/banshee-data/optobench/internal/simulator"
	"github.com/banshee-data/optobench/internal/sink"
	"github.com/banshee-data/optobench/internal/sweep"
	"github.com/banshee-data/optobench/internal/timeutil"
)

type testBench struct {
	srv     *Server
	lab     *lab.Lab
	cld     *simulator.CurrentSource
	mpm     *simulator.PowerMeter
	runs    *db.RunStore
	logsDir string
}

func newTestBench(t *testing.T) *testBench {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC))
	cldSim := simulator.NewCurrentSource()
	mpmSim := simulator.NewPowerMeter(cldSim)

	cs := currentsource.New(instrument.NewSession(instrument.SessionConfig{
		Name:    "cld",
		Address: instrument.BusAddress("USB0::4883::32847::M01053290::0::INSTR"),
		Opener:  simulator.Opener(cldSim),
		Clock:   clock,
	}), 8)
	pm := powermeter.New(instrument.NewSession(instrument.SessionConfig{
		Name:        "mpm",
		Address:     instrument.SocketAddress("192.168.1.161", 5000),
		QuerySettle: 10 * time.Millisecond,
		Opener:      simulator.Opener(mpmSim),
		Clock:       clock,
	}), 8)

	database, err := db.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	runs := db.NewRunStore(database)

	logsDir := t.TempDir()
	orch := sweep.NewOrchestrator(sweep.Config{
		Clock:     clock,
		Artifacts: sink.NewArtifactWriter(fsutil.OSFileSystem{}, logsDir),
		Recorder:  runs,
	})
	l := lab.New(cs, pm, orch)

	srv := NewServer(Config{
		Lab:                       l,
		Runs:                      runs,
		LogsDir:                   logsDir,
		DefaultStabilizationDelay: 500 * time.Millisecond,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return &testBench{srv: srv, lab: l, cld: cldSim, mpm: mpmSim, runs: runs, logsDir: logsDir}
}

func (b *testBench) connect(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := b.lab.ConnectCurrentSource(ctx)
	require.NoError(t, err)
	_, err = b.lab.ConnectPowerMeter(ctx)
	require.NoError(t, err)
}

func (b *testBench) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	b.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(v), w.Body.String())
}

// runSweep starts a sweep over the API and waits for it to finish.
func (b *testBench) runSweep(t *testing.T, body string) sweep.RunnerState {
	t.Helper()
	w := b.do(t, http.MethodPost, "/api/sweep", body)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.srv.Runner().Wait(ctx))
	return b.srv.Runner().State()
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", sweep.ErrInvalidParameters), http.StatusBadRequest},
		{sweep.ErrSafetyViolation, http.StatusConflict},
		{sweep.ErrSweepInProgress, http.StatusConflict},
		{instrument.NotConnectedError("cld", "query", nil), http.StatusConflict},
		{db.ErrRunNotFound, http.StatusNotFound},
		{fmt.Errorf("waiting: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorStatus(tt.err), tt.err.Error())
	}
}

func TestHandleVersion(t *testing.T) {
	b := newTestBench(t)

	w := b.do(t, http.MethodGet, "/api/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got map[string]string
	decode(t, w, &got)
	assert.Contains(t, got, "version")

	w = b.do(t, http.MethodPost, "/api/version", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	b := newTestBench(t)
	w := b.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestShutdownWithoutSweep(t *testing.T) {
	srv := NewServer(Config{Lab: lab.New(nil, nil, nil)})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Shutdown(ctx))
}
