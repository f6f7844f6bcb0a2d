package handlers

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/fedrun/api"
	"github.com/BaSui01/fedrun/internal/auth"
	"github.com/BaSui01/fedrun/internal/runstate"
	"github.com/BaSui01/fedrun/types"
)

// RunService is the subset of runstate.Service the REST layer needs.
type RunService interface {
	StartRun(ctx context.Context, id auth.Identity, consortiumID string) (*runstate.Run, error)
	MarkReady(ctx context.Context, id auth.Identity, runID string) (*runstate.Run, error)
	ReportError(ctx context.Context, id auth.Identity, runID, message string) (*runstate.Run, error)
	ReportComplete(ctx context.Context, id auth.Identity, runID string) (*runstate.Run, error)
	ReportMetadata(ctx context.Context, id auth.Identity, runID string, metadata map[string]any) (*runstate.Run, error)
	IssueRunToken(ctx context.Context, id auth.Identity, runID string) (string, error)
	GetRun(ctx context.Context, id auth.Identity, runID string) (*runstate.Run, error)
	ListRuns(ctx context.Context, id auth.Identity, consortiumID string) ([]*runstate.Run, error)
	LatestRun(ctx context.Context, id auth.Identity, consortiumID string) (*runstate.Run, error)
	DeleteRun(ctx context.Context, id auth.Identity, runID string) error
	GetConsortium(ctx context.Context, id auth.Identity, consortiumID string) (*runstate.Consortium, error)
}

// RunHandler exposes the run state machine under /api/v1.
type RunHandler struct {
	runs   RunService
	logger *zap.Logger
}

func NewRunHandler(runs RunService, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{runs: runs, logger: logger.With(zap.String("handler", "runs"))}
}

// Register mounts the run routes on mux.
func (h *RunHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/runs", h.HandleStartRun)
	mux.HandleFunc("GET /api/v1/runs/{runId}", h.HandleGetRun)
	mux.HandleFunc("DELETE /api/v1/runs/{runId}", h.HandleDeleteRun)
	mux.HandleFunc("POST /api/v1/runs/{runId}/ready", h.HandleMarkReady)
	mux.HandleFunc("POST /api/v1/runs/{runId}/error", h.HandleReportError)
	mux.HandleFunc("POST /api/v1/runs/{runId}/complete", h.HandleReportComplete)
	mux.HandleFunc("PUT /api/v1/runs/{runId}/metadata", h.HandleReportMetadata)
	mux.HandleFunc("POST /api/v1/runs/{runId}/token", h.HandleIssueRunToken)
	mux.HandleFunc("GET /api/v1/consortia/{consortiumId}", h.HandleGetConsortium)
	mux.HandleFunc("GET /api/v1/consortia/{consortiumId}/runs", h.HandleListRuns)
	mux.HandleFunc("GET /api/v1/consortia/{consortiumId}/latest-run", h.HandleLatestRun)
}

func (h *RunHandler) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, h.logger)
	if !ok {
		return
	}
	var req api.StartRunRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if strings.TrimSpace(req.ConsortiumID) == "" {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "consortium_id is required"), h.logger)
		return
	}
	run, err := h.runs.StartRun(r.Context(), id, req.ConsortiumID)
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	WriteCreated(w, run)
}

func (h *RunHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	h.withRun(w, r, func(ctx context.Context, id auth.Identity, runID string) (*runstate.Run, error) {
		return h.runs.GetRun(ctx, id, runID)
	})
}

func (h *RunHandler) HandleMarkReady(w http.ResponseWriter, r *http.Request) {
	h.withRun(w, r, func(ctx context.Context, id auth.Identity, runID string) (*runstate.Run, error) {
		return h.runs.MarkReady(ctx, id, runID)
	})
}

func (h *RunHandler) HandleReportComplete(w http.ResponseWriter, r *http.Request) {
	h.withRun(w, r, func(ctx context.Context, id auth.Identity, runID string) (*runstate.Run, error) {
		return h.runs.ReportComplete(ctx, id, runID)
	})
}

func (h *RunHandler) HandleReportError(w http.ResponseWriter, r *http.Request) {
	var req api.ReportErrorRequest
	if _, ok := requireIdentity(w, r, h.logger); !ok {
		return
	}
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	h.withRun(w, r, func(ctx context.Context, id auth.Identity, runID string) (*runstate.Run, error) {
		return h.runs.ReportError(ctx, id, runID, req.Message)
	})
}

func (h *RunHandler) HandleReportMetadata(w http.ResponseWriter, r *http.Request) {
	var req api.ReportMetadataRequest
	if _, ok := requireIdentity(w, r, h.logger); !ok {
		return
	}
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	h.withRun(w, r, func(ctx context.Context, id auth.Identity, runID string) (*runstate.Run, error) {
		return h.runs.ReportMetadata(ctx, id, runID, req.Metadata)
	})
}

// HandleIssueRunToken mints a run-scoped file credential for the calling member.
func (h *RunHandler) HandleIssueRunToken(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, h.logger)
	if !ok {
		return
	}
	token, err := h.runs.IssueRunToken(r.Context(), id, r.PathValue("runId"))
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	WriteCreated(w, api.TokenResponse{Token: token})
}

func (h *RunHandler) HandleDeleteRun(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, h.logger)
	if !ok {
		return
	}
	if err := h.runs.DeleteRun(r.Context(), id, r.PathValue("runId")); err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RunHandler) HandleGetConsortium(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, h.logger)
	if !ok {
		return
	}
	c, err := h.runs.GetConsortium(r.Context(), id, r.PathValue("consortiumId"))
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	WriteSuccess(w, c)
}

func (h *RunHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, h.logger)
	if !ok {
		return
	}
	runs, err := h.runs.ListRuns(r.Context(), id, r.PathValue("consortiumId"))
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	if runs == nil {
		runs = []*runstate.Run{}
	}
	WriteSuccess(w, runs)
}

func (h *RunHandler) HandleLatestRun(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r, h.logger)
	if !ok {
		return
	}
	run, err := h.runs.LatestRun(r.Context(), id, r.PathValue("consortiumId"))
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}

func (h *RunHandler) withRun(w http.ResponseWriter, r *http.Request, call func(context.Context, auth.Identity, string) (*runstate.Run, error)) {
	id, ok := requireIdentity(w, r, h.logger)
	if !ok {
		return
	}
	run, err := call(r.Context(), id, r.PathValue("runId"))
	if err != nil {
		WriteFailure(w, err, h.logger)
		return
	}
	WriteSuccess(w, run)
}
