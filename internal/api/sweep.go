package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/optobench/internal/httputil"
	"github.com/banshee-data/optobench/internal/sweep"
)

// SweepRequest is the body of POST /api/sweep. Currents are in milliamps.
type SweepRequest struct {
	StartMA              *float64 `json:"start_ma"`
	StopMA               *float64 `json:"stop_ma"`
	StepMA               *float64 `json:"step_ma"`
	Module               *int     `json:"module"`
	StabilizationDelayMS *int     `json:"stabilization_delay_ms,omitempty"`
}

// NewSweepRequest builds the request for p.
func NewSweepRequest(p sweep.Params) SweepRequest {
	return SweepRequest{
		StartMA:              &p.StartMA,
		StopMA:               &p.StopMA,
		StepMA:               &p.StepMA,
		Module:               &p.Module,
		StabilizationDelayMS: &p.StabilizationDelayMS,
	}
}

// Params converts the request, applying defaultDelayMS when no delay was
// given. Missing fields are reported as ErrInvalidParameters.
func (r SweepRequest) Params(defaultDelayMS int) (sweep.Params, error) {
	var missing []string
	if r.StartMA == nil {
		missing = append(missing, "start_ma")
	}
	if r.StopMA == nil {
		missing = append(missing, "stop_ma")
	}
	if r.StepMA == nil {
		missing = append(missing, "step_ma")
	}
	if r.Module == nil {
		missing = append(missing, "module")
	}
	if len(missing) > 0 {
		return sweep.Params{}, fmt.Errorf("%w: missing %v", sweep.ErrInvalidParameters, missing)
	}
	p := sweep.Params{
		StartMA:              *r.StartMA,
		StopMA:               *r.StopMA,
		StepMA:               *r.StepMA,
		Module:               *r.Module,
		StabilizationDelayMS: defaultDelayMS,
	}
	if r.StabilizationDelayMS != nil {
		p.StabilizationDelayMS = *r.StabilizationDelayMS
	}
	return p, nil
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, s.runner.State())
	case http.MethodPost:
		var req SweepRequest
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		p, err := req.Params(int(s.cfg.DefaultStabilizationDelay.Milliseconds()))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.runner.Start(s.cfg.BaseContext, p); err != nil {
			if !errors.Is(err, sweep.ErrSweepInProgress) {
				logf("rejected sweep request: %v", err)
			}
			writeError(w, err)
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, s.runner.State())
	case http.MethodDelete:
		s.runner.Stop()
		httputil.WriteJSON(w, http.StatusAccepted, s.runner.State())
	default:
		httputil.MethodNotAllowed(w)
	}
}
