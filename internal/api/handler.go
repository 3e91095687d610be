// Package api exposes the investigation workflow over HTTP.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/vigil/internal/cases"
	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/historique"
	"github.com/opensource-finance/vigil/internal/qualification"
	"github.com/opensource-finance/vigil/internal/repository"
	"github.com/opensource-finance/vigil/internal/risk"
	"github.com/opensource-finance/vigil/internal/rules"
	"github.com/opensource-finance/vigil/internal/scoring"
	"github.com/opensource-finance/vigil/internal/workflow"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	defaultUploadMB  = 20
)

// Deps are the services behind the handlers.
type Deps struct {
	Repo       domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Workflow   *workflow.Orchestrator
	Gate       *qualification.Gate
	Cases      *cases.Service
	Risk       *risk.Ledger
	Engine     *rules.Engine
	Thresholds *domain.Thresholds
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Deps
	version   string
	maxUpload int64
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string, maxUploadMB int64) *Handler {
	if maxUploadMB <= 0 {
		maxUploadMB = defaultUploadMB
	}
	return &Handler{
		Deps:      deps,
		version:   version,
		maxUpload: maxUploadMB << 20,
	}
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Step      string `json:"step,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Result    any    `json:"result,omitempty"`
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.Repo != nil {
		check("repository", func() error { return h.Repo.Ping(r.Context()) })
	}
	if h.Cache != nil {
		check("cache", func() error { return h.Cache.Ping(r.Context()) })
	}
	if h.Bus != nil {
		check("bus", func() error { return h.Bus.Ping(r.Context()) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready reports whether the store is reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Repo == nil || h.Repo.Ping(r.Context()) != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// GetThresholds returns the active band thresholds.
func (h *Handler) GetThresholds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Thresholds)
}

// ListRules returns the loaded escalation rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.Engine == nil {
		writeJSON(w, http.StatusOK, map[string]any{"rules": []domain.EscalationRule{}, "count": 0})
		return
	}
	loaded := h.Engine.LoadedRules()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loaded,
		"count": len(loaded),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON request body", repository.ErrInvalidInput)
	}
	return nil
}

// statusFor maps a service error to an HTTP status and whether the caller
// may retry the same request later.
func statusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, false
	case errors.Is(err, repository.ErrInvalidInput),
		errors.Is(err, qualification.ErrInvalidQualification),
		errors.Is(err, cases.ErrNoAlerts),
		errors.Is(err, cases.ErrInvalidDecision),
		errors.Is(err, scoring.ErrRejected):
		return http.StatusBadRequest, false
	case errors.Is(err, repository.ErrConflict),
		errors.Is(err, historique.ErrIdentityConflict),
		errors.Is(err, qualification.ErrInvalidTransition),
		errors.Is(err, cases.ErrInvalidTransition),
		errors.Is(err, cases.ErrDecisionPending):
		return http.StatusConflict, false
	case errors.Is(err, workflow.ErrDocumentUnavailable):
		return http.StatusGone, false
	case errors.Is(err, scoring.ErrTransient):
		return http.StatusBadGateway, true
	case errors.Is(err, scoring.ErrMalformedVerdict):
		return http.StatusBadGateway, false
	}
	return http.StatusInternalServerError, false
}

func writeError(w http.ResponseWriter, r *http.Request, err error, step string, result any) {
	status, retryable := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"step", step,
			"error", err,
		)
		msg = "internal server error"
	}
	writeJSON(w, status, ErrorResponse{
		Error:     msg,
		Step:      step,
		Retryable: retryable,
		Result:    result,
	})
}

// ParseAmount reads a claim amount as typed in the console: spaces are
// ignored and a decimal comma is accepted. Negative amounts are rejected.
func ParseAmount(raw string) (*float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}
	s = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "", ",", ".").Replace(s)
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q is not a number", repository.ErrInvalidInput, raw)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: amount must not be negative", repository.ErrInvalidInput)
	}
	f := d.Round(2).InexactFloat64()
	return &f, nil
}

// parseLimit reads the limit query parameter.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", repository.ErrInvalidInput)
	}
	return min(n, maxListLimit), nil
}

// decodeOptionalJSON decodes the body when one is sent.
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(r, v)
}
