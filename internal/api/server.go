// Package api serves the bench over HTTP: instrument commands, sweep
// control, the run index and a live event stream.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/optobench/internal/db"
	"github.com/banshee-data/optobench/internal/fsutil"
	"github.com/banshee-data/optobench/internal/httputil"
	"github.com/banshee-data/optobench/internal/instrument"
	"github.com/banshee-data/optobench/internal/lab"
	"github.com/banshee-data/optobench/internal/monitoring"
	"github.com/banshee-data/optobench/internal/sweep"
	"github.com/banshee-data/optobench/internal/version"
)

var logf = monitoring.Component("api")

// Config configures a Server.
type Config struct {
	Lab *lab.Lab
	// Runs is the run index. Without it the /api/runs endpoints answer 503.
	Runs *db.RunStore
	// Events receives sweep state changes; one is created if nil.
	Events *EventStream
	// FS reads artifacts back for download; defaults to the OS.
	FS      fsutil.FileSystem
	LogsDir string
	// DefaultStabilizationDelay applies to sweep requests that omit one.
	DefaultStabilizationDelay time.Duration
	// BaseContext is the parent of background sweeps.
	BaseContext context.Context
}

// Server handles the HTTP API.
type Server struct {
	cfg    Config
	runner *sweep.Runner
	events *EventStream
	mux    *http.ServeMux
}

// NewServer creates a Server and registers its routes.
func NewServer(cfg Config) *Server {
	if cfg.Events == nil {
		cfg.Events = NewEventStream()
	}
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	s := &Server{
		cfg:    cfg,
		events: cfg.Events,
		runner: sweep.NewRunner(sweepExecutor{lab: cfg.Lab, extra: cfg.Events}),
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

// Runner returns the background sweep runner.
func (s *Server) Runner() *sweep.Runner { return s.runner }

// Events returns the sweep event stream.
func (s *Server) Events() *EventStream { return s.events }

// ServeMux returns the API mux, so that debug routes can be attached.
func (s *Server) ServeMux() *http.ServeMux { return s.mux }

// Handler returns the complete handler: the access-logged API plus the
// long-lived event stream.
func (s *Server) Handler() http.Handler {
	root := http.NewServeMux()
	root.Handle("/events/", s.events)
	root.Handle("/", LoggingMiddleware(s.mux))
	return root
}

// Shutdown aborts any running sweep, waits for it to switch the laser off
// and disconnects event subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.runner.Stop()
	err := s.runner.Wait(ctx)
	s.events.Close()
	return err
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/version", s.handleVersion)

	s.mux.HandleFunc("/api/cld/connect", s.handleCLDConnect)
	s.mux.HandleFunc("/api/cld/status", s.handleCLDStatus)
	s.mux.HandleFunc("/api/cld/current", s.handleCLDCurrent)
	s.mux.HandleFunc("/api/cld/laser", s.handleCLDLaser)
	s.mux.HandleFunc("/api/cld/tec", s.handleCLDTEC)
	s.mux.HandleFunc("/api/cld/errors", s.handleCLDErrors)

	s.mux.HandleFunc("/api/mpm/connect", s.handleMPMConnect)
	s.mux.HandleFunc("/api/mpm/status", s.handleMPMStatus)
	s.mux.HandleFunc("/api/mpm/wavelength", s.handleMPMWavelength)
	s.mux.HandleFunc("/api/mpm/modules", s.handleMPMModules)
	s.mux.HandleFunc("/api/mpm/power", s.handleMPMPower)
	s.mux.HandleFunc("/api/mpm/errors", s.handleMPMErrors)

	s.mux.HandleFunc("/api/sweep", s.handleSweep)

	s.mux.HandleFunc("/api/runs", s.handleListRuns)
	s.mux.HandleFunc("/api/runs/{id}", s.handleRun)
	s.mux.HandleFunc("/api/runs/{id}/{view}", s.handleRunView)

	s.mux.Handle("/metrics", promhttp.Handler())
}

// errorStatus maps an error to the HTTP status reported for it.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, sweep.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, sweep.ErrSafetyViolation),
		errors.Is(err, sweep.ErrSweepInProgress),
		errors.Is(err, instrument.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, db.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	httputil.WriteJSONError(w, errorStatus(err), err.Error())
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}

// sweepExecutor runs sweeps on the lab and reports progress to both the
// runner and the event stream.
type sweepExecutor struct {
	lab   *lab.Lab
	extra sweep.Observer
}

func (e sweepExecutor) RunSweepObserved(ctx context.Context, p sweep.Params, obs sweep.Observer) (*sweep.Run, error) {
	return e.lab.RunSweepObserved(ctx, p, observers{obs, e.extra})
}

type observers []sweep.Observer

func (o observers) StateChanged(run *sweep.Run) {
	for _, obs := range o {
		if obs != nil {
			obs.StateChanged(run)
		}
	}
}

func (o observers) RecordAdded(run *sweep.Run, rec sweep.Record) {
	for _, obs := range o {
		if obs != nil {
			obs.RecordAdded(run, rec)
		}
	}
}
