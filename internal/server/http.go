package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/edge-orchestrator/internal/controller"
	"github.com/ChuLiYu/edge-orchestrator/internal/placement"
	"github.com/ChuLiYu/edge-orchestrator/internal/rpc"
	"github.com/ChuLiYu/edge-orchestrator/pkg/types"
)

// Router returns the diagnostics HTTP surface:
//
//	GET  /healthz
//	GET  /metrics                    (when metricsHandler is not nil)
//	GET  /v1/status
//	GET  /v1/placements
//	POST /v1/placements/sync
//	GET  /v1/publishers/{agentID}
//	GET  /v1/jobs/{jobID}
func Router(ctrl *controller.Controller, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	h := httpHandlers{ctrl: ctrl}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Get("/placements", h.placements)
		r.Post("/placements/sync", h.sync)
		r.Get("/publishers/{agentID}", h.publisher)
		r.Get("/jobs/{jobID}", h.job)
	})
	return r
}

type httpHandlers struct {
	ctrl *controller.Controller
}

func (h httpHandlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.GetStatus())
}

func (h httpHandlers) placements(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"placements": h.ctrl.Placements()})
}

func (h httpHandlers) sync(w http.ResponseWriter, r *http.Request) {
	res, err := h.ctrl.SynchronizeWriterGroupPlacements(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rpc.NewSyncResponse(res))
}

func (h httpHandlers) publisher(w http.ResponseWriter, r *http.Request) {
	status, err := h.ctrl.GetPublisherStatus(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h httpHandlers) job(w http.ResponseWriter, r *http.Request) {
	job, err := h.ctrl.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, types.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, types.ErrConcurrencyConflict):
		code = http.StatusConflict
	case errors.Is(err, placement.ErrReconcileInProgress):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
