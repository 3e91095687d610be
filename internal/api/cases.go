package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/vigil/internal/cases"
	"github.com/opensource-finance/vigil/internal/domain"
)

// CreateCase handles POST /cases.
func (h *Handler) CreateCase(w http.ResponseWriter, r *http.Request) {
	var req cases.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	c, err := h.Cases.CreateFromAlerts(r.Context(), req, GetActor(r.Context()))
	if err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ListCases handles GET /cases?status=&team=.
func (h *Handler) ListCases(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	q := r.URL.Query()
	list, err := h.Cases.List(r.Context(), domain.CaseFilter{
		Status: domain.CaseStatus(q.Get("status")),
		Team:   q.Get("team"),
		Limit:  limit,
	})
	if err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cases": list,
		"count": len(list),
	})
}

// GetCase handles GET /cases/{id}.
func (h *Handler) GetCase(w http.ResponseWriter, r *http.Request) {
	c, err := h.Cases.Get(r.Context(), chi.URLParam(r, "id"))
	writeCase(w, r, c, err)
}

// AddAlertsRequest attaches alerts to a case.
type AddAlertsRequest struct {
	AlertIDs []string `json:"alertIds"`
}

// AddCaseAlerts handles POST /cases/{id}/alerts.
func (h *Handler) AddCaseAlerts(w http.ResponseWriter, r *http.Request) {
	var req AddAlertsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	c, err := h.Cases.AddAlerts(r.Context(), chi.URLParam(r, "id"), req.AlertIDs, GetActor(r.Context()))
	writeCase(w, r, c, err)
}

// TransferCase handles POST /cases/{id}/transfer.
func (h *Handler) TransferCase(w http.ResponseWriter, r *http.Request) {
	var req cases.TransferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	c, err := h.Cases.Transfer(r.Context(), chi.URLParam(r, "id"), req, GetActor(r.Context()))
	writeCase(w, r, c, err)
}

// CaseStatusRequest moves a case along its lifecycle.
type CaseStatusRequest struct {
	Status domain.CaseStatus `json:"status"`
	Note   string            `json:"note,omitempty"`
}

// UpdateCaseStatus handles POST /cases/{id}/status.
func (h *Handler) UpdateCaseStatus(w http.ResponseWriter, r *http.Request) {
	var req CaseStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	c, err := h.Cases.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status, GetActor(r.Context()), req.Note)
	writeCase(w, r, c, err)
}

// DecisionRequest records a case decision.
type DecisionRequest struct {
	Decision domain.CaseDecision `json:"decision"`
	Note     string              `json:"note,omitempty"`
}

// DecideCase handles POST /cases/{id}/decision.
func (h *Handler) DecideCase(w http.ResponseWriter, r *http.Request) {
	var req DecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	c, err := h.Cases.Decide(r.Context(), chi.URLParam(r, "id"), req.Decision, GetActor(r.Context()), req.Note)
	writeCase(w, r, c, err)
}

// UpdateCaseMetrics handles PUT /cases/{id}/metrics.
func (h *Handler) UpdateCaseMetrics(w http.ResponseWriter, r *http.Request) {
	var req cases.MetricsUpdate
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	c, err := h.Cases.UpdateMetrics(r.Context(), chi.URLParam(r, "id"), req, GetActor(r.Context()))
	writeCase(w, r, c, err)
}

func writeCase(w http.ResponseWriter, r *http.Request, c *domain.Case, err error) {
	if err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
