// Package api exposes the collector's REST surface: event ingestion
// plus read and management endpoints over agents, runs, and traces.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentlens/agentlens/internal/event"
	"github.com/agentlens/agentlens/internal/ingest"
	"github.com/agentlens/agentlens/internal/server"
	"github.com/agentlens/agentlens/internal/storage"
	"github.com/agentlens/agentlens/internal/trace"
)

// Handler serves the HTTP API backed by the ingest service and the
// run store.
type Handler struct {
	ingest    *ingest.Service
	store     storage.Store
	logger    *slog.Logger
	startTime time.Time
}

// New constructs a Handler.
func New(svc *ingest.Service, store storage.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ingest:    svc,
		store:     store,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Routes mounts all endpoints on the router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/events", h.handleIngest)

		r.Get("/agents", h.handleListAgents)
		r.Get("/agents/{agent}/runs", h.handleListRuns)

		r.Route("/runs/{agent}/{run}", func(r chi.Router) {
			r.Get("/", h.handleGetRun)
			r.Patch("/", h.handleRenameRun)
			r.Delete("/", h.handleDeleteRun)
			r.Get("/timeline", h.handleTimeline)
			r.Get("/trace", h.handleTrace)
		})
	})
}

type eventBatch struct {
	Events []*event.Record `json:"events"`
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var batch eventBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		server.AddError(r.Context(), err)
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	server.AddLogField(r.Context(), "batch_size", strconv.Itoa(len(batch.Events)))

	result, err := h.ingest.Ingest(r.Context(), batch.Events)
	if err != nil {
		server.AddError(r.Context(), err)
		if errors.Is(err, ingest.ErrEmptyBatch) {
			writeError(w, http.StatusBadRequest, "batch contains no events")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to ingest events")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		server.AddError(r.Context(), err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{
			Status: "degraded",
			Uptime: time.Since(h.startTime).Round(time.Second).String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: time.Since(h.startTime).Round(time.Second).String(),
	})
}

type agentListResponse struct {
	Agents []*storage.AgentSummary `json:"agents"`
}

func (h *Handler) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.store.ListAgents(r.Context())
	if err != nil {
		server.AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	if agents == nil {
		agents = []*storage.AgentSummary{}
	}
	writeJSON(w, http.StatusOK, agentListResponse{Agents: agents})
}

type runListResponse struct {
	AgentName string         `json:"agent_name"`
	Runs      []*storage.Run `json:"runs"`
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")

	runs, err := h.store.ListRuns(r.Context(), agent)
	if err != nil {
		h.writeStoreError(w, r, err, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*storage.Run{}
	}
	writeJSON(w, http.StatusOK, runListResponse{AgentName: agent, Runs: runs})
}

type runDetailResponse struct {
	storage.Run
	EventCount int `json:"event_count"`
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	name := chi.URLParam(r, "run")

	run, err := h.store.GetRun(r.Context(), agent, name)
	if err != nil {
		h.writeStoreError(w, r, err, "failed to fetch run")
		return
	}

	count, err := h.store.CountRunEvents(r.Context(), run.RunID)
	if err != nil {
		h.writeStoreError(w, r, err, "failed to count run events")
		return
	}

	writeJSON(w, http.StatusOK, runDetailResponse{Run: *run, EventCount: count})
}

type timelineResponse struct {
	RunID   string           `json:"run_id"`
	RunName string           `json:"run_name"`
	Events  []*storage.Event `json:"events"`
}

func (h *Handler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	name := chi.URLParam(r, "run")

	run, err := h.store.GetRun(r.Context(), agent, name)
	if err != nil {
		h.writeStoreError(w, r, err, "failed to fetch run")
		return
	}

	events, err := h.store.ListRunEvents(r.Context(), run.RunID)
	if err != nil {
		h.writeStoreError(w, r, err, "failed to list run events")
		return
	}
	if events == nil {
		events = []*storage.Event{}
	}
	writeJSON(w, http.StatusOK, timelineResponse{
		RunID:   run.RunID,
		RunName: run.RunName,
		Events:  events,
	})
}

type traceResponse struct {
	storage.Run
	Trace []*trace.Node `json:"trace"`
}

func (h *Handler) handleTrace(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	name := chi.URLParam(r, "run")

	run, err := h.store.GetRun(r.Context(), agent, name)
	if err != nil {
		h.writeStoreError(w, r, err, "failed to fetch run")
		return
	}

	events, err := h.store.ListRunEvents(r.Context(), run.RunID)
	if err != nil {
		h.writeStoreError(w, r, err, "failed to list run events")
		return
	}

	nodes := trace.Build(events)
	if nodes == nil {
		nodes = []*trace.Node{}
	}
	writeJSON(w, http.StatusOK, traceResponse{Run: *run, Trace: nodes})
}

type renameRequest struct {
	RunName string `json:"run_name"`
}

func (h *Handler) handleRenameRun(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	name := chi.URLParam(r, "run")

	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		server.AddError(r.Context(), err)
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.RunName == "" {
		writeError(w, http.StatusBadRequest, "run_name is required")
		return
	}

	run, err := h.store.RenameRun(r.Context(), agent, name, req.RunName)
	if err != nil {
		h.writeStoreError(w, r, err, "failed to rename run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	name := chi.URLParam(r, "run")

	if err := h.store.DeleteRun(r.Context(), agent, name); err != nil {
		h.writeStoreError(w, r, err, "failed to delete run")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeStoreError maps storage sentinel errors onto HTTP statuses.
func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	server.AddError(r.Context(), err)
	switch {
	case errors.Is(err, storage.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, "agent not found")
	case errors.Is(err, storage.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, storage.ErrRunNameTaken):
		writeError(w, http.StatusConflict, "run name already exists for agent")
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
