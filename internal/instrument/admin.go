package instrument

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"html/template"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var consoleTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/console.html.tmpl"))

// ErrRefused marks a console command that was not sent because it is unsafe
// in the instrument's current state.
var ErrRefused = errors.New("command refused")

// Commander runs one console command and returns the instrument's reply,
// or "" for commands that have none.
type Commander func(ctx context.Context, command string) (string, error)

// AttachAdminRoutes registers a debug console for this session under
// /debug/<name>-console. Commands go through exec, which owns any locking;
// nil sends them straight to the session with Command.
func (s *Session) AttachAdminRoutes(mux *http.ServeMux, exec Commander) {
	if exec == nil {
		exec = s.Command
	}
	debug := tsweb.Debugger(mux)
	slug := s.cfg.Name

	debug.HandleFunc(slug+"-console", "send commands to "+s.cfg.Name, func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		data := map[string]any{
			"Name":      s.cfg.Name,
			"Address":   s.cfg.Address.String(),
			"Connected": s.IsConnected(),
			"Identity":  s.Identity(),
			"Endpoint":  "/debug/" + slug + "-command",
		}
		if err := consoleTemplate.Execute(buf, data); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc(slug+"-command", commandHandler(exec))
}

// Command sends command as a query when it ends in '?' and returns the
// response; anything else is written without reading.
func (s *Session) Command(ctx context.Context, command string) (string, error) {
	if strings.HasSuffix(command, "?") {
		return s.Query(ctx, command)
	}
	return "", s.Write(ctx, command)
}

func commandHandler(exec Commander) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}

		resp, err := exec(r.Context(), command)
		switch {
		case errors.Is(err, ErrRefused):
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if resp == "" && !strings.HasSuffix(command, "?") {
			resp = "ok"
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, resp)
	}
}
