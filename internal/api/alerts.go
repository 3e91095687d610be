package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/vigil/internal/domain"
)

const stepQualification = "qualification"

// ListAlerts handles GET /alerts?status=&severity=&eventId=&overdue=true.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	q := r.URL.Query()

	f := domain.AlertFilter{
		EventID:  q.Get("eventId"),
		Status:   domain.AlertStatus(q.Get("status")),
		Severity: domain.Severity(q.Get("severity")),
		Limit:    limit,
	}
	if q.Get("overdue") == "true" {
		f.OverdueAt = time.Now()
	}
	alerts, err := h.Repo.ListAlerts(r.Context(), f)
	if err != nil {
		writeError(w, r, err, "", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// GetAlert handles GET /alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.Repo.GetAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// AlertActionRequest is the body of the alert lifecycle actions. Each action
// reads only the fields it needs.
type AlertActionRequest struct {
	Assignee string `json:"assignee,omitempty"`
	Team     string `json:"team,omitempty"`
	ToUser   string `json:"toUser,omitempty"`
	ToTeam   string `json:"toTeam,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Note     string `json:"note,omitempty"`
}

// AssignAlert handles POST /alerts/{id}/assign.
func (h *Handler) AssignAlert(w http.ResponseWriter, r *http.Request) {
	var req AlertActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	alert, err := h.Gate.Assign(r.Context(), chi.URLParam(r, "id"), req.Assignee, req.Team, GetActor(r.Context()))
	writeAlert(w, r, alert, err)
}

// InvestigateAlert handles POST /alerts/{id}/investigate.
func (h *Handler) InvestigateAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.Gate.StartInvestigation(r.Context(), chi.URLParam(r, "id"), GetActor(r.Context()))
	writeAlert(w, r, alert, err)
}

// TransferAlert handles POST /alerts/{id}/transfer.
func (h *Handler) TransferAlert(w http.ResponseWriter, r *http.Request) {
	var req AlertActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	alert, err := h.Gate.Transfer(r.Context(), chi.URLParam(r, "id"), req.ToUser, req.ToTeam, req.Reason, GetActor(r.Context()))
	writeAlert(w, r, alert, err)
}

// CloseAlert handles POST /alerts/{id}/close.
func (h *Handler) CloseAlert(w http.ResponseWriter, r *http.Request) {
	var req AlertActionRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	alert, err := h.Gate.Close(r.Context(), chi.URLParam(r, "id"), req.Reason, GetActor(r.Context()))
	writeAlert(w, r, alert, err)
}

// ReopenAlert handles POST /alerts/{id}/reopen.
func (h *Handler) ReopenAlert(w http.ResponseWriter, r *http.Request) {
	var req AlertActionRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	alert, err := h.Gate.Reopen(r.Context(), chi.URLParam(r, "id"), req.Note, GetActor(r.Context()))
	writeAlert(w, r, alert, err)
}

func writeAlert(w http.ResponseWriter, r *http.Request, alert *domain.Alert, err error) {
	if err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

// QualifyRequest records the human decision on an alert.
type QualifyRequest struct {
	Qualification domain.Qualification `json:"qualification"`
	Notes         string               `json:"notes,omitempty"`
}

// QualifyAlert handles POST /alerts/{id}/qualify. A second qualification is
// refused with 409 and the unchanged alert.
func (h *Handler) QualifyAlert(w http.ResponseWriter, r *http.Request) {
	var req QualifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "", nil)
		return
	}

	res, err := h.Workflow.Qualify(r.Context(), chi.URLParam(r, "id"), req.Qualification, GetActor(r.Context()), req.Notes)
	switch {
	case err != nil && res == nil:
		writeError(w, r, err, stepQualification, nil)
	case err != nil:
		writeError(w, r, err, domain.StepRisk, res)
	case res.Outcome == domain.OutcomeSkipped:
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:  "alert is already qualified",
			Step:   stepQualification,
			Result: res,
		})
	default:
		writeJSON(w, http.StatusOK, res)
	}
}
