package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/cheatcode/arbiter/internal/arbiter"
	"github.com/cheatcode/arbiter/internal/domain"
	"github.com/go-chi/chi/v5"
)

type upsertContactRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// UpsertContact handles PUT /api/contacts/{contactID}.
func (h *Handler) UpsertContact(w http.ResponseWriter, r *http.Request) {
	var req upsertContactRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := h.engine.UpsertContact(r.Context(), &domain.Contact{
		ContactID: chi.URLParam(r, "contactID"),
		Name:      strings.TrimSpace(req.Name),
		Email:     strings.TrimSpace(req.Email),
		Phone:     strings.TrimSpace(req.Phone),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, c)
}

type assignAgentRequest struct {
	ProductType  string         `json:"product_type"`
	ProductID    *string        `json:"product_id"`
	AgentContext map[string]any `json:"agent_context"`
	DaysActive   *int           `json:"days_active"`
}

type assignAgentResponse struct {
	Agent *domain.ProductAgent `json:"agent"`
	outcomeResponse
}

// AssignAgent handles POST /api/contacts/{contactID}/agents.
func (h *Handler) AssignAgent(w http.ResponseWriter, r *http.Request) {
	var req assignAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProductType == "" {
		Error(w, http.StatusBadRequest, "product_type is required")
		return
	}
	days := 0
	if req.DaysActive != nil {
		if *req.DaysActive <= 0 {
			Error(w, http.StatusBadRequest, "days_active must be positive")
			return
		}
		days = *req.DaysActive
	}

	res, err := h.engine.AssignAgent(r.Context(), arbiter.AssignRequest{
		ContactID:    chi.URLParam(r, "contactID"),
		ProductType:  domain.AgentTypeID(req.ProductType),
		ProductID:    req.ProductID,
		AgentContext: req.AgentContext,
		DaysActive:   days,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, assignAgentResponse{Agent: res.Agent, outcomeResponse: newOutcomeResponse(res.Outcome)})
}

// ListAgents handles GET /api/contacts/{contactID}/agents.
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.engine.ListAgents(r.Context(), chi.URLParam(r, "contactID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if agents == nil {
		agents = []*domain.ProductAgent{}
	}
	JSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// ActivateHelpMode handles POST /api/contacts/{contactID}/help-mode.
func (h *Handler) ActivateHelpMode(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.ActivateHelpMode(r.Context(), chi.URLParam(r, "contactID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := helpModeResponse{HelpModeUntil: res.HelpModeUntil, outcomeResponse: newOutcomeResponse(res.Outcome)}
	if res.ActiveAgentType != "" {
		t := string(res.ActiveAgentType)
		resp.ActiveAgentType = &t
	}
	JSON(w, http.StatusOK, resp)
}

// Recalculate handles POST /api/contacts/{contactID}/recalculate.
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	out, err := h.engine.Recalculate(r.Context(), chi.URLParam(r, "contactID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, newOutcomeResponse(out))
}

// RecordReply handles POST /api/contacts/{contactID}/reply.
func (h *Handler) RecordReply(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.RecordReply(r.Context(), chi.URLParam(r, "contactID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

// GetState handles GET /api/contacts/{contactID}/state.
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.ConversationState(r.Context(), chi.URLParam(r, "contactID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, st)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type updateStatusResponse struct {
	Agent *domain.ProductAgent `json:"agent"`
	outcomeResponse
}

// UpdateAgentStatus handles PATCH /api/agents/{agentID}/status.
func (h *Handler) UpdateAgentStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	status := domain.AgentStatus(req.Status)
	if !status.Valid() {
		Error(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", req.Status))
		return
	}

	res, err := h.engine.UpdateAgentStatus(r.Context(), chi.URLParam(r, "agentID"), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, updateStatusResponse{Agent: res.Agent, outcomeResponse: newOutcomeResponse(res.Outcome)})
}

// Sweep handles POST /api/queue/sweep.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}
