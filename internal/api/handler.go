// Package api provides HTTP handlers for the arbiter API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cheatcode/arbiter/internal/arbiter"
	"github.com/cheatcode/arbiter/internal/dispatch"
	"github.com/cheatcode/arbiter/internal/domain"
	"github.com/cheatcode/arbiter/internal/identity"
	"github.com/cheatcode/arbiter/internal/queue"
	"github.com/cheatcode/arbiter/internal/store"
	"github.com/go-chi/chi/v5"
)

// Arbiter is the engine surface the handlers call.
type Arbiter interface {
	UpsertContact(ctx context.Context, c *domain.Contact) (*domain.Contact, error)
	AssignAgent(ctx context.Context, req arbiter.AssignRequest) (*arbiter.AssignResult, error)
	ListAgents(ctx context.Context, contactID string) ([]*domain.ProductAgent, error)
	ActivateHelpMode(ctx context.Context, contactID string) (*arbiter.HelpModeResult, error)
	Recalculate(ctx context.Context, contactID string) (*arbiter.Outcome, error)
	RecordReply(ctx context.Context, contactID string) (*domain.ConversationState, error)
	ConversationState(ctx context.Context, contactID string) (*domain.ConversationState, error)
	UpdateAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) (*arbiter.StatusResult, error)
}

// Sweeper runs the queue sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (queue.Result, error)
}

// Handler serves the arbitration API.
type Handler struct {
	engine  Arbiter
	sweeper Sweeper
}

// NewHandler creates a new Handler.
func NewHandler(engine Arbiter, sweeper Sweeper) *Handler {
	return &Handler{engine: engine, sweeper: sweeper}
}

// RegisterRoutes mounts the API under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/contacts/{contactID}", func(r chi.Router) {
			r.Put("/", h.UpsertContact)
			r.Post("/agents", h.AssignAgent)
			r.Get("/agents", h.ListAgents)
			r.Post("/help-mode", h.ActivateHelpMode)
			r.Post("/recalculate", h.Recalculate)
			r.Post("/reply", h.RecordReply)
			r.Get("/state", h.GetState)
		})
		r.Patch("/agents/{agentID}/status", h.UpdateAgentStatus)
		r.Post("/queue/sweep", h.Sweep)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// writeError maps a service error onto an HTTP status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, arbiter.ErrInvalidInput), errors.Is(err, arbiter.ErrUnknownAgentType):
		status = http.StatusBadRequest
	case errors.Is(err, arbiter.ErrDuplicateAgent), errors.Is(err, queue.ErrSweepInProgress):
		status = http.StatusConflict
	case errors.Is(err, arbiter.ErrRetriesExhausted), errors.Is(err, dispatch.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "caller", identity.CallerFromContext(r.Context()), "error", err)
		Error(w, status, "internal error")
		return
	}
	Error(w, status, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// outcomeResponse is the arbitration part of every mutating response.
type outcomeResponse struct {
	ActiveAgentID *string `json:"active_agent_id"`
	Priority      *int    `json:"priority"`
	Preempted     bool    `json:"preempted"`
	Dispatched    bool    `json:"dispatched"`
	DispatchError string  `json:"dispatch_error,omitempty"`
}

func newOutcomeResponse(out *arbiter.Outcome) outcomeResponse {
	resp := outcomeResponse{}
	if out == nil {
		return resp
	}
	resp.Preempted = out.Preempted
	resp.Dispatched = out.Dispatched
	if out.DispatchError != nil {
		resp.DispatchError = out.DispatchError.Error()
	}
	if out.State != nil {
		resp.ActiveAgentID = out.State.ActiveAgentID
		resp.Priority = out.State.AgentPriority
	}
	return resp
}

type helpModeResponse struct {
	HelpModeUntil   time.Time `json:"help_mode_until"`
	ActiveAgentType *string   `json:"active_agent_type"`
	outcomeResponse
}
