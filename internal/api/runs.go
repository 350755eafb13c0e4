package api

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/banshee-data/optobench/internal/httputil"
	"github.com/banshee-data/optobench/internal/report"
	"github.com/banshee-data/optobench/internal/security"
	"github.com/banshee-data/optobench/internal/sweep"
)

func (s *Server) runsAvailable(w http.ResponseWriter) bool {
	if s.cfg.Runs == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "run index not configured")
		return false
	}
	return true
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.runsAvailable(w) {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	runs, err := s.cfg.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.runsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		run, err := s.cfg.Runs.GetRun(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, run)
	case http.MethodDelete:
		if err := s.cfg.Runs.DeleteRun(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleRunView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.runsAvailable(w) {
		return
	}
	id := r.PathValue("id")
	switch view := r.PathValue("view"); view {
	case "measurements":
		records, ok := s.measurements(w, r, id)
		if ok {
			httputil.WriteJSONOK(w, records)
		}
	case "summary":
		records, ok := s.measurements(w, r, id)
		if !ok {
			return
		}
		sum, err := report.Summarize(records)
		if err != nil && !errors.Is(err, report.ErrNoData) {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, sum)
	case "plot.png":
		records, ok := s.measurements(w, r, id)
		if !ok {
			return
		}
		if len(report.Points(records)) == 0 {
			httputil.NotFound(w, report.ErrNoData.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", "run_"+security.SanitizeFilename(id)+".png"))
		if err := report.RenderPNG(w, "Run "+id, records); err != nil {
			logf("run %s: failed to render plot: %v", id, err)
		}
	case "chart":
		records, ok := s.measurements(w, r, id)
		if !ok {
			return
		}
		if len(report.Points(records)) == 0 {
			httputil.NotFound(w, report.ErrNoData.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := report.RenderHTML(w, records, report.ChartOptions{Title: "Run " + id}); err != nil {
			logf("run %s: failed to render chart: %v", id, err)
		}
	case "artifact":
		s.serveArtifact(w, r, id)
	default:
		httputil.NotFound(w, fmt.Sprintf("unknown view %q", view))
	}
}

func (s *Server) measurements(w http.ResponseWriter, r *http.Request, id string) ([]sweep.Record, bool) {
	if _, err := s.cfg.Runs.GetRun(r.Context(), id); err != nil {
		writeError(w, err)
		return nil, false
	}
	records, err := s.cfg.Runs.Measurements(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return records, true
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, id string) {
	run, err := s.cfg.Runs.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if run.ArtifactPath == "" {
		httputil.NotFound(w, "run has no artifact")
		return
	}
	if err := security.ValidatePathWithinDirectory(run.ArtifactPath, s.cfg.LogsDir); err != nil {
		logf("run %s: refusing artifact %s: %v", id, run.ArtifactPath, err)
		httputil.WriteJSONError(w, http.StatusForbidden, "artifact is outside the logs directory")
		return
	}
	data, err := s.cfg.FS.ReadFile(run.ArtifactPath)
	if err != nil {
		logf("run %s: failed to read artifact: %v", id, err)
		httputil.NotFound(w, "artifact not readable")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(run.ArtifactPath)))
	_, _ = w.Write(data)
}
