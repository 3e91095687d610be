package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/repository"
	"github.com/opensource-finance/vigil/internal/workflow"
)

// UploadDocument handles POST /documents (multipart form: file, assureId,
// sinisterNumber, amount, source).
func (h *Handler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
				Error: fmt.Sprintf("document exceeds %d bytes", h.maxUpload),
			})
			return
		}
		writeError(w, r, fmt.Errorf("%w: multipart form expected", repository.ErrInvalidInput), "", nil)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: file is required", repository.ErrInvalidInput), "", nil)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: unreadable file", repository.ErrInvalidInput), "", nil)
		return
	}

	amount, err := ParseAmount(r.FormValue("amount"))
	if err != nil {
		writeError(w, r, err, "", nil)
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	req := workflow.DocumentRequest{
		Filename:       header.Filename,
		ContentType:    contentType,
		Data:           data,
		AssureID:       r.FormValue("assureId"),
		SinisterNumber: r.FormValue("sinisterNumber"),
		Amount:         amount,
		Source:         domain.EventSource(r.FormValue("source")),
	}
	if req.SinisterNumber != "" {
		req.Hints = map[string]string{"sinisterNumber": req.SinisterNumber}
	}

	res, err := h.Workflow.ProcessDocument(r.Context(), req)
	writeResult(w, r, res, err)
}

// RecordEvent handles POST /events for events that carry no document.
func (h *Handler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req workflow.EventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	if req.Type == "" {
		writeError(w, r, fmt.Errorf("%w: type is required", repository.ErrInvalidInput), "", nil)
		return
	}

	res, err := h.Workflow.RecordEvent(r.Context(), req)
	writeResult(w, r, res, err)
}

// writeResult answers a workflow run: 200 when it completed (fully or
// partially), 202 when left pending, the mapped error status otherwise.
func writeResult(w http.ResponseWriter, r *http.Request, res *domain.ProcessingResult, err error) {
	if err != nil {
		if res == nil {
			writeError(w, r, err, "", nil)
			return
		}
		writeError(w, r, err, res.FailedStep, res)
		return
	}
	if res.Status == domain.ProcessingPending {
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListEvents handles GET /events?assureId=&type=&pending=.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	q := r.URL.Query()
	events, err := h.Repo.ListEvents(r.Context(), domain.EventFilter{
		AssureID:    q.Get("assureId"),
		Type:        domain.EventType(q.Get("type")),
		OnlyPending: q.Get("pending") == "true",
		Limit:       limit,
	})
	if err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// GetEvent handles GET /events/{id}.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.Repo.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// IdentifyRequest links a person to an event.
type IdentifyRequest struct {
	AssureID string `json:"assureId"`
}

// IdentifyEvent handles POST /events/{id}/identify.
func (h *Handler) IdentifyEvent(w http.ResponseWriter, r *http.Request) {
	var req IdentifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err, "", nil)
		return
	}

	res, err := h.Workflow.Identify(r.Context(), chi.URLParam(r, "id"), req.AssureID, GetActor(r.Context()))
	if err != nil {
		if res == nil {
			writeError(w, r, err, domain.StepHistorique, nil)
			return
		}
		writeError(w, r, err, domain.StepRisk, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RetryEvent handles POST /events/{id}/retry.
func (h *Handler) RetryEvent(w http.ResponseWriter, r *http.Request) {
	res, err := h.Workflow.Retry(r.Context(), chi.URLParam(r, "id"))
	writeResult(w, r, res, err)
}

// ListHistoriques handles GET /historiques?assureId=&category=.
func (h *Handler) ListHistoriques(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	q := r.URL.Query()
	entries, err := h.Repo.ListHistoriques(r.Context(), domain.HistoriqueFilter{
		AssureID: q.Get("assureId"),
		Category: q.Get("category"),
		Limit:    limit,
	})
	if err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"historiques": entries,
		"count":       len(entries),
	})
}

// GetHistorique handles GET /historiques/{id}.
func (h *Handler) GetHistorique(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Repo.GetHistorique(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// GetRisque handles GET /risques/{assureId}.
func (h *Handler) GetRisque(w http.ResponseWriter, r *http.Request) {
	profile, err := h.Risk.GetProfile(r.Context(), chi.URLParam(r, "assureId"))
	if err != nil {
		writeError(w, r, err, "", nil)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}
