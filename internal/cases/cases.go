// Package cases groups alerts into investigation cases and tracks team
// handovers, decisions and financial outcome.
package cases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/lock"
	"github.com/opensource-finance/vigil/internal/repository"
)

var (
	ErrNoAlerts          = errors.New("a case requires at least one alert")
	ErrDecisionPending   = errors.New("a case cannot close while its decision is pending")
	ErrInvalidTransition = errors.New("invalid case transition")
	ErrInvalidDecision   = errors.New("invalid case decision")
)

// transitions lists the statuses reachable from each status.
var transitions = map[domain.CaseStatus][]domain.CaseStatus{
	domain.CaseOpen:          {domain.CaseInvestigating, domain.CaseClosed},
	domain.CaseInvestigating: {domain.CasePendingReview, domain.CaseClosed},
	domain.CasePendingReview: {domain.CaseInvestigating, domain.CaseClosed},
}

// Linker appends downstream ids to a historique entry.
type Linker interface {
	Link(ctx context.Context, historiqueID string, kind domain.RelatedKind, id string) error
}

// CreateRequest opens a case over existing alerts.
type CreateRequest struct {
	AlertIDs []string `json:"alertIds"`
	AssignTo string   `json:"assignTo"`
	Team     string   `json:"team"`
	Title    string   `json:"title,omitempty"`
	Priority string   `json:"priority,omitempty"`
}

// TransferRequest hands a case to another investigator or team.
type TransferRequest struct {
	ToUser  string `json:"toUser"`
	ToTeam  string `json:"toTeam"`
	Reason  string `json:"reason"`
	Urgency string `json:"urgency,omitempty"`
}

// MetricsUpdate sets the given figures; nil fields are left unchanged.
type MetricsUpdate struct {
	EstimatedLoss     *decimal.Decimal `json:"estimatedLoss,omitempty"`
	RecoveredAmount   *decimal.Decimal `json:"recoveredAmount,omitempty"`
	PreventedAmount   *decimal.Decimal `json:"preventedAmount,omitempty"`
	InvestigationCost *decimal.Decimal `json:"investigationCost,omitempty"`
}

// Service manages cases. Every read-modify-write holds the case lock.
type Service struct {
	repo     domain.Repository
	links    Linker
	notifier domain.Notifier
	cases    lock.Keyed
	now      func() time.Time
}

// NewService creates a case service.
func NewService(repo domain.Repository, links Linker, notifier domain.Notifier) *Service {
	return &Service{
		repo:     repo,
		links:    links,
		notifier: notifier,
		now:      time.Now,
	}
}

// CreateFromAlerts opens a case. A handover is recorded when the case is
// assigned to a team other than the creator's.
func (s *Service) CreateFromAlerts(ctx context.Context, req CreateRequest, actor domain.Actor) (*domain.Case, error) {
	ids := dedupe(req.AlertIDs)
	if len(ids) == 0 {
		return nil, ErrNoAlerts
	}

	alerts, err := s.loadAlerts(ctx, ids)
	if err != nil {
		return nil, err
	}
	primary := PrimaryAlert(alerts)

	now := s.now().UTC()
	id := uuid.New().String()

	assignee := req.AssignTo
	if assignee == "" {
		assignee = actor.ID
	}
	team := req.Team
	if team == "" {
		team = actor.Team
	}
	priority := req.Priority
	if priority == "" {
		priority = priorityFor(primary.Severity)
	}
	title := req.Title
	if title == "" {
		title = fmt.Sprintf("Investigation %s", primary.Reference)
	}

	c := &domain.Case{
		ID:                id,
		Reference:         reference(now, id),
		Title:             title,
		Alerts:            ids,
		PrimaryAlertID:    primary.ID,
		Status:            domain.CaseOpen,
		Priority:          priority,
		AssignedTo:        assignee,
		InvestigationTeam: team,
		CreatedBy:         actor.ID,
		Handovers:         []domain.Handover{},
		Decision:          domain.DecisionPending,
		Metrics: domain.CaseMetrics{
			EstimatedLoss:     decimal.Zero,
			RecoveredAmount:   decimal.Zero,
			PreventedAmount:   decimal.Zero,
			InvestigationCost: decimal.Zero,
		},
		Timeline:  []domain.TimelineEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	c.AddTimeline(now, actor.ID, "created", fmt.Sprintf("case opened with %d alert(s)", len(ids)))

	if team != actor.Team {
		c.Handovers = append(c.Handovers, domain.Handover{
			From:      actor.ID,
			FromTeam:  actor.Team,
			To:        assignee,
			ToTeam:    team,
			Reason:    "case created for another team",
			Timestamp: now,
		})
		c.AddTimeline(now, actor.ID, "handover", fmt.Sprintf("%s -> %s", actor.Team, team))
	}

	if err := s.repo.SaveCase(ctx, c); err != nil {
		return nil, fmt.Errorf("save case: %w", err)
	}

	s.linkAlerts(ctx, c.ID, alerts)
	slog.Info("case created",
		"case_id", c.ID,
		"alerts", len(ids),
		"team", team,
		"actor", actor.ID,
	)
	s.notify(ctx, c, "created")
	return c, nil
}

// Transfer hands the case over and records the handover.
func (s *Service) Transfer(ctx context.Context, caseID string, req TransferRequest, actor domain.Actor) (*domain.Case, error) {
	if req.ToUser == "" && req.ToTeam == "" {
		return nil, fmt.Errorf("%w: transfer target is required", repository.ErrInvalidInput)
	}
	return s.mutate(ctx, caseID, "transferred", func(c *domain.Case, now time.Time) error {
		if c.Status == domain.CaseClosed {
			return fmt.Errorf("%w: case %s is closed", ErrInvalidTransition, c.ID)
		}
		h := domain.Handover{
			From:      c.AssignedTo,
			FromTeam:  c.InvestigationTeam,
			To:        req.ToUser,
			ToTeam:    req.ToTeam,
			Reason:    req.Reason,
			Urgency:   req.Urgency,
			Timestamp: now,
		}
		if h.To == "" {
			h.To = c.AssignedTo
		}
		if h.ToTeam == "" {
			h.ToTeam = c.InvestigationTeam
		}
		c.Handovers = append(c.Handovers, h)
		c.AssignedTo = h.To
		c.InvestigationTeam = h.ToTeam
		c.AddTimeline(now, actor.ID, "handover", fmt.Sprintf("%s/%s -> %s/%s: %s", h.From, h.FromTeam, h.To, h.ToTeam, h.Reason))
		return nil
	})
}

// UpdateStatus moves the case along its lifecycle. Closing requires a
// decision other than pending.
func (s *Service) UpdateStatus(ctx context.Context, caseID string, status domain.CaseStatus, actor domain.Actor, note string) (*domain.Case, error) {
	return s.mutate(ctx, caseID, "status", func(c *domain.Case, now time.Time) error {
		if c.Status == status {
			return nil
		}
		if !slices.Contains(transitions[c.Status], status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, status)
		}
		if status == domain.CaseClosed {
			if c.Decision == domain.DecisionPending || c.Decision == "" {
				return ErrDecisionPending
			}
			c.ClosedAt = &now
		}
		detail := fmt.Sprintf("%s -> %s", c.Status, status)
		if note != "" {
			detail += ": " + note
		}
		c.Status = status
		c.AddTimeline(now, actor.ID, "status", detail)
		return nil
	})
}

// Decide records the investigation decision.
func (s *Service) Decide(ctx context.Context, caseID string, decision domain.CaseDecision, actor domain.Actor, note string) (*domain.Case, error) {
	if !decision.Valid() || decision == domain.DecisionPending {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}
	return s.mutate(ctx, caseID, "decision", func(c *domain.Case, now time.Time) error {
		if c.Status == domain.CaseClosed {
			return fmt.Errorf("%w: case %s is closed", ErrInvalidTransition, c.ID)
		}
		c.Decision = decision
		detail := string(decision)
		if note != "" {
			detail += ": " + note
		}
		c.AddTimeline(now, actor.ID, "decision", detail)
		return nil
	})
}

// UpdateMetrics sets financial figures. The ROI is derived from them.
func (s *Service) UpdateMetrics(ctx context.Context, caseID string, u MetricsUpdate, actor domain.Actor) (*domain.Case, error) {
	for _, v := range []*decimal.Decimal{u.EstimatedLoss, u.RecoveredAmount, u.PreventedAmount, u.InvestigationCost} {
		if v != nil && v.IsNegative() {
			return nil, fmt.Errorf("%w: metrics must not be negative", repository.ErrInvalidInput)
		}
	}
	return s.mutate(ctx, caseID, "metrics", func(c *domain.Case, now time.Time) error {
		m := &c.Metrics
		if u.EstimatedLoss != nil {
			m.EstimatedLoss = *u.EstimatedLoss
		}
		if u.RecoveredAmount != nil {
			m.RecoveredAmount = *u.RecoveredAmount
		}
		if u.PreventedAmount != nil {
			m.PreventedAmount = *u.PreventedAmount
		}
		if u.InvestigationCost != nil {
			m.InvestigationCost = *u.InvestigationCost
		}
		c.AddTimeline(now, actor.ID, "metrics", "total ROI "+m.TotalROI().StringFixed(2))
		return nil
	})
}

// AddAlerts attaches further alerts. Already attached ids are ignored.
func (s *Service) AddAlerts(ctx context.Context, caseID string, alertIDs []string, actor domain.Actor) (*domain.Case, error) {
	ids := dedupe(alertIDs)
	if len(ids) == 0 {
		return nil, ErrNoAlerts
	}
	alerts, err := s.loadAlerts(ctx, ids)
	if err != nil {
		return nil, err
	}

	var added []*domain.Alert
	c, err := s.mutate(ctx, caseID, "alerts", func(c *domain.Case, now time.Time) error {
		if c.Status == domain.CaseClosed {
			return fmt.Errorf("%w: case %s is closed", ErrInvalidTransition, c.ID)
		}
		added = added[:0]
		for _, a := range alerts {
			if slices.Contains(c.Alerts, a.ID) {
				continue
			}
			c.Alerts = append(c.Alerts, a.ID)
			added = append(added, a)
		}
		if len(added) > 0 {
			c.AddTimeline(now, actor.ID, "alerts", fmt.Sprintf("%d alert(s) added", len(added)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.linkAlerts(ctx, c.ID, added)
	return c, nil
}

// Get returns a case by id.
func (s *Service) Get(ctx context.Context, caseID string) (*domain.Case, error) {
	return s.repo.GetCase(ctx, caseID)
}

// List returns cases matching f.
func (s *Service) List(ctx context.Context, f domain.CaseFilter) ([]*domain.Case, error) {
	return s.repo.ListCases(ctx, f)
}

// PrimaryAlert picks the most severe alert, then the highest score, then the
// oldest.
func PrimaryAlert(alerts []*domain.Alert) *domain.Alert {
	var best *domain.Alert
	for _, a := range alerts {
		switch {
		case best == nil:
			best = a
		case a.Severity.Rank() != best.Severity.Rank():
			if a.Severity.Rank() > best.Severity.Rank() {
				best = a
			}
		case a.Score != best.Score:
			if a.Score > best.Score {
				best = a
			}
		case a.CreatedAt.Before(best.CreatedAt):
			best = a
		}
	}
	return best
}

func (s *Service) mutate(ctx context.Context, caseID, change string, fn func(*domain.Case, time.Time) error) (*domain.Case, error) {
	unlock, err := s.cases.Lock(ctx, caseID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *domain.Case
	err = repository.RetryOnConflict(ctx, func() error {
		c, err := s.repo.GetCase(ctx, caseID)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if err := fn(c, now); err != nil {
			return err
		}
		c.UpdatedAt = now
		if err := s.repo.UpdateCase(ctx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, out, change)
	return out, nil
}

func (s *Service) loadAlerts(ctx context.Context, ids []string) ([]*domain.Alert, error) {
	alerts := make([]*domain.Alert, 0, len(ids))
	for _, id := range ids {
		a, err := s.repo.GetAlert(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("alert %s: %w", id, err)
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// linkAlerts records the case on each alert's historique entry. Failures are
// logged; the case itself is already stored.
func (s *Service) linkAlerts(ctx context.Context, caseID string, alerts []*domain.Alert) {
	for _, a := range alerts {
		if a.HistoriqueID == "" {
			continue
		}
		if err := s.links.Link(ctx, a.HistoriqueID, domain.RelatedDossier, caseID); err != nil {
			slog.Warn("failed to link case to historique",
				"case_id", caseID,
				"alert_id", a.ID,
				"historique_id", a.HistoriqueID,
				"error", err,
			)
		}
	}
}

func (s *Service) notify(ctx context.Context, c *domain.Case, change string) {
	s.notifier.Notify(ctx, domain.Notification{
		Topic:    domain.TopicCaseUpdated,
		EntityID: c.ID,
		Detail:   change,
	})
}

func priorityFor(sev domain.Severity) string {
	switch sev {
	case domain.SeverityCritical:
		return domain.PriorityUrgent
	case domain.SeverityHigh:
		return domain.PriorityHigh
	case domain.SeverityMedium:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

func reference(at time.Time, id string) string {
	short := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("DOS-%s-%s", at.Format("20060102"), short)
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
