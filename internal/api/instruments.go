package api

import (
	"net/http"
	"strconv"

	"github.com/banshee-data/optobench/internal/httputil"
	"github.com/banshee-data/optobench/internal/instrument"
)

type connectionStatus struct {
	Connected bool   `json:"connected"`
	Identity  string `json:"identity,omitempty"`
}

type cldStatus struct {
	connectionStatus
	TEC       *bool    `json:"tec,omitempty"`
	Laser     *bool    `json:"laser,omitempty"`
	CurrentMA *float64 `json:"current_mA,omitempty"`
}

type mpmStatus struct {
	connectionStatus
	WavelengthNM *float64 `json:"wavelength_nm,omitempty"`
	Modules      []int    `json:"modules,omitempty"`
}

type errorQueueEntry struct {
	Entry   string `json:"entry"`
	NoError bool   `json:"no_error"`
}

type errorQueue struct {
	Errors []string `json:"errors"`
}

func (s *Server) handleCLDConnect(w http.ResponseWriter, r *http.Request) {
	l := s.cfg.Lab
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if _, err := l.ConnectCurrentSource(r.Context()); err != nil {
			writeError(w, err)
			return
		}
	default:
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, connectionStatus{Connected: l.CurrentSourceConnected(), Identity: l.CurrentSourceIdentity()})
}

func (s *Server) handleCLDStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	l := s.cfg.Lab
	st := cldStatus{connectionStatus: connectionStatus{Connected: l.CurrentSourceConnected(), Identity: l.CurrentSourceIdentity()}}
	if st.Connected {
		ctx := r.Context()
		tec, err := l.TECState(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		laser, err := l.LaserOutput(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		mA, err := l.Current(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		st.TEC, st.Laser, st.CurrentMA = &tec, &laser, &mA
	}
	httputil.WriteJSONOK(w, st)
}

func (s *Server) handleCLDCurrent(w http.ResponseWriter, r *http.Request) {
	type body struct {
		CurrentMA *float64 `json:"current_mA"`
	}
	l := s.cfg.Lab
	switch r.Method {
	case http.MethodGet:
		mA, err := l.Current(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, body{CurrentMA: &mA})
	case http.MethodPut:
		var req body
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if req.CurrentMA == nil {
			httputil.BadRequest(w, "current_mA is required")
			return
		}
		if err := l.SetCurrent(r.Context(), *req.CurrentMA); err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, req)
	default:
		httputil.MethodNotAllowed(w)
	}
}

type enabledBody struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handleCLDLaser(w http.ResponseWriter, r *http.Request) {
	l := s.cfg.Lab
	switch r.Method {
	case http.MethodGet:
		on, err := l.LaserOutput(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, enabledBody{Enabled: &on})
	case http.MethodPut:
		var req enabledBody
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if req.Enabled == nil {
			httputil.BadRequest(w, "enabled is required")
			return
		}
		if err := l.SetLaserOutput(r.Context(), *req.Enabled); err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, req)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleCLDTEC(w http.ResponseWriter, r *http.Request) {
	l := s.cfg.Lab
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if err := l.EnableTEC(r.Context()); err != nil {
			writeError(w, err)
			return
		}
	default:
		httputil.MethodNotAllowed(w)
		return
	}
	on, err := l.TECState(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, enabledBody{Enabled: &on})
}

func (s *Server) handleCLDErrors(w http.ResponseWriter, r *http.Request) {
	l := s.cfg.Lab
	switch r.Method {
	case http.MethodGet:
		e, err := l.CurrentSourceError(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, errorQueueEntry{Entry: e, NoError: instrument.IsNoError(e)})
	case http.MethodDelete:
		errs, err := l.ClearCurrentSourceErrors(r.Context())
		if err != nil && len(errs) == 0 {
			writeError(w, err)
			return
		}
		if err != nil {
			logf("current source error queue: %v", err)
		}
		httputil.WriteJSONOK(w, errorQueue{Errors: nonNil(errs)})
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleMPMConnect(w http.ResponseWriter, r *http.Request) {
	l := s.cfg.Lab
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if _, err := l.ConnectPowerMeter(r.Context()); err != nil {
			writeError(w, err)
			return
		}
	default:
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, connectionStatus{Connected: l.PowerMeterConnected(), Identity: l.PowerMeterIdentity()})
}

func (s *Server) handleMPMStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	l := s.cfg.Lab
	st := mpmStatus{connectionStatus: connectionStatus{Connected: l.PowerMeterConnected(), Identity: l.PowerMeterIdentity()}}
	if st.Connected {
		nm, err := l.Wavelength(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		mods, err := l.InstalledModules(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		st.WavelengthNM, st.Modules = &nm, mods
	}
	httputil.WriteJSONOK(w, st)
}

func (s *Server) handleMPMWavelength(w http.ResponseWriter, r *http.Request) {
	type body struct {
		WavelengthNM *float64 `json:"wavelength_nm"`
	}
	l := s.cfg.Lab
	switch r.Method {
	case http.MethodGet:
		nm, err := l.Wavelength(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, body{WavelengthNM: &nm})
	case http.MethodPut:
		var req body
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if req.WavelengthNM == nil {
			httputil.BadRequest(w, "wavelength_nm is required")
			return
		}
		if err := l.SetWavelength(r.Context(), *req.WavelengthNM); err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, req)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleMPMModules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	l := s.cfg.Lab
	raw, err := l.Modules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	resp := struct {
		Raw     string `json:"raw"`
		Modules []int  `json:"modules"`
	}{Raw: raw}
	if mods, err := l.InstalledModules(r.Context()); err == nil {
		resp.Modules = mods
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleMPMPower(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	module, err := strconv.Atoi(r.URL.Query().Get("module"))
	if err != nil || module < 0 {
		httputil.BadRequest(w, "invalid 'module' parameter")
		return
	}
	power, err := s.cfg.Lab.ReadPower(r.Context(), module)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, struct {
		Module int    `json:"module"`
		Power  string `json:"power"`
	}{module, power})
}

func (s *Server) handleMPMErrors(w http.ResponseWriter, r *http.Request) {
	l := s.cfg.Lab
	switch r.Method {
	case http.MethodGet:
		e, err := l.PowerMeterError(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		httputil.WriteJSONOK(w, errorQueueEntry{Entry: e, NoError: instrument.IsNoError(e)})
	case http.MethodDelete:
		errs, err := l.ClearPowerMeterErrors(r.Context())
		if err != nil && len(errs) == 0 {
			writeError(w, err)
			return
		}
		if err != nil {
			logf("power meter error queue: %v", err)
		}
		httputil.WriteJSONOK(w, errorQueue{Errors: nonNil(errs)})
	default:
		httputil.MethodNotAllowed(w)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
