// Package admin exposes the fleet over a small HTTP control surface.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetsim/internal/engine"
	"fleetsim/internal/hub"
)

// Server serves fleet inspection and control endpoints.
type Server struct {
	engine *engine.Engine
	log    *slog.Logger
	reg    *prometheus.Registry
	srv    *http.Server
}

// NewServer builds the admin server. reg may be nil to disable the
// /metrics endpoint.
func NewServer(eng *engine.Engine, reg *prometheus.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{engine: eng, log: log, reg: reg}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	}

	r.Get("/stats", s.handleStats)
	r.Post("/start", s.handleStartAll)
	r.Post("/stop", s.handleStopAll)
	r.Post("/pause", s.handlePauseAll)
	r.Post("/resume", s.handleResumeAll)

	r.Route("/devices", func(r chi.Router) {
		r.Get("/", s.handleListDevices)
		r.Post("/", s.handleAddDevice)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Delete("/", s.handleRemoveDevice)
			r.Post("/start", s.handleStartDevice)
			r.Post("/stop", s.handleStopDevice)
			r.Post("/pause", s.handlePauseDevice)
			r.Post("/resume", s.handleResumeDevice)
		})
	})
	return r
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()
	s.log.Info("admin server listening", "addr", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutCtx)
	}
}

// Handler exposes the routed mux for tests.
func (s *Server) Handler() http.Handler { return s.routes() }

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

type addDeviceRequest struct {
	DeviceID    string `json:"device_id"`
	DisplayName string `json:"display_name"`
	Template    string `json:"template"`
	Protocol    string `json:"protocol"`
	Credential  string `json:"credential"`
	Start       bool   `json:"start"`
}

func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.DeviceID == "" || req.Template == "" {
		writeError(w, http.StatusBadRequest, errors.New("device_id and template are required"))
		return
	}
	if req.Protocol == "" {
		req.Protocol = string(hub.ProtocolSim)
	}
	d, err := s.engine.AddDevice(hub.Identity{
		DeviceID:    req.DeviceID,
		DisplayName: req.DisplayName,
		Template:    req.Template,
		Credential:  req.Credential,
		Protocol:    hub.Protocol(req.Protocol),
	}, nil)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if req.Start {
		d.Start(context.WithoutCancel(r.Context()))
	}
	writeJSON(w, http.StatusCreated, d.Snapshot())
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Device(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, d.Snapshot())
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveDevice(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StartDevices(context.WithoutCancel(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStopDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StopDevices(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePauseDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Device(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	d.Pause()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleResumeDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.engine.Device(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	d.Resume()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StartAll(context.WithoutCancel(r.Context())); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StopAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePauseAll(w http.ResponseWriter, _ *http.Request) {
	s.engine.PauseAll()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleResumeAll(w http.ResponseWriter, _ *http.Request) {
	s.engine.ResumeAll()
	w.WriteHeader(http.StatusAccepted)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrDuplicateDeviceID):
		return http.StatusConflict
	case errors.Is(err, engine.ErrTooManyDevices):
		return http.StatusTooManyRequests
	case errors.Is(err, engine.ErrUnknownTemplate):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
