// Package web provides the HTTP status and control server for the launch-timer daemon.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sweeney/launch-timer/internal/logic"
	"github.com/sweeney/launch-timer/internal/runner"
	"github.com/sweeney/launch-timer/internal/status"
	"github.com/sweeney/launch-timer/internal/store"
)

// Controller executes control commands. *runner.Runner implements it.
type Controller interface {
	Do(ctx context.Context, cmd runner.Command) error
	Configure(ctx context.Context, targets []logic.Target, unit logic.Unit) error
}

// History reads past runs. *store.Store implements it.
type History interface {
	GetRun(ctx context.Context, id string) (store.Run, error)
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
	LatestRunID(ctx context.Context) (string, error)
	Samples(ctx context.Context, id string) ([]store.Point, error)
	TargetStats(ctx context.Context, u logic.Unit) ([]store.TargetStat, error)
}

// Options configures a Server. Tracker is required; the rest are optional
// and their routes answer 503 when missing.
type Options struct {
	Addr       string
	Tracker    *status.Tracker
	Controller Controller
	History    History
	Metrics    http.Handler
	Logger     *slog.Logger
}

// Server serves the status page, run history and control endpoints over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	control    Controller
	history    History
	log        *slog.Logger
}

// New creates a Server that reads state from the given tracker.
func New(o Options) *Server {
	s := &Server{
		tracker: o.Tracker,
		control: o.Controller,
		history: o.History,
		log:     o.Logger,
	}
	if s.log == nil {
		s.log = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /index.html", s.handleIndex)
	mux.HandleFunc("GET /index.json", s.handleJSON)
	mux.HandleFunc("GET /runs.json", s.handleRuns)
	mux.HandleFunc("GET /runs/{id}", s.handleRun)
	mux.HandleFunc("GET /chart", s.handleChart)
	mux.HandleFunc("POST /run/start", s.handleCommand(runner.CmdStart))
	mux.HandleFunc("POST /run/stop", s.handleCommand(runner.CmdStop))
	mux.HandleFunc("POST /run/reset", s.handleCommand(runner.CmdReset))
	mux.HandleFunc("POST /run/configure", s.handleConfigure)
	if o.Metrics != nil {
		mux.Handle("GET /metrics", o.Metrics)
	}

	s.httpServer = &http.Server{
		Addr:              o.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.log.Error("render index", "error", err)
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleCommand(cmd runner.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.control == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "control not available")
			return
		}
		if err := s.control.Do(r.Context(), cmd); err != nil {
			s.writeControlError(w, err)
			return
		}
		s.log.Info("command accepted", "command", cmd, "remote", r.RemoteAddr)
		s.afterControl(w, r)
	}
}

// ConfigureRequest is the body of POST /run/configure.
type ConfigureRequest struct {
	Unit    string    `json:"unit"`
	Targets []float64 `json:"targets"`
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	if s.control == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "control not available")
		return
	}
	var req ConfigureRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	unit, err := logic.ParseUnit(req.Unit)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	targets, err := logic.NewTargets(unit, req.Targets...)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.control.Configure(r.Context(), targets, unit); err != nil {
		s.writeControlError(w, err)
		return
	}
	s.log.Info("targets configured", "unit", unit, "targets", req.Targets, "remote", r.RemoteAddr)
	s.afterControl(w, r)
}

// afterControl answers a successful command: HTML forms are redirected back
// to the status page, API clients get the current status.
func (s *Server) afterControl(w http.ResponseWriter, r *http.Request) {
	if r.FormValue("redirect") != "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	s.handleJSON(w, r)
}

func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, logic.ErrInvalidState):
		code = http.StatusConflict
	case errors.Is(err, logic.ErrInvalidTargets), errors.Is(err, logic.ErrUnknownUnit):
		code = http.StatusBadRequest
	case errors.Is(err, runner.ErrStopped):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.log.Error("command failed", "error", err)
	}
	writeJSONError(w, code, err.Error())
}

func writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
