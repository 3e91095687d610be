// Package qualification is the alert state machine. Confirming fraud on an
// alert is the only path by which an alert reaches a risk profile.
package qualification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/lock"
	"github.com/opensource-finance/vigil/internal/metrics"
	"github.com/opensource-finance/vigil/internal/repository"
)

var (
	// ErrInvalidTransition is returned for an action the alert status forbids.
	ErrInvalidTransition = errors.New("invalid alert transition")
	// ErrInvalidQualification is returned for an unknown qualification label.
	ErrInvalidQualification = errors.New("invalid qualification")
)

// RiskUpdatePort applies a confirmed alert to a person's risk profile. It must
// be idempotent per alert id.
type RiskUpdatePort interface {
	ConfirmFraud(ctx context.Context, assureID string, alert *domain.Alert, trackingNumber string) (domain.RiskImpact, error)
}

// Result is the outcome of a qualify call. Risk is nil when the
// qualification does not touch any risk profile.
type Result struct {
	Alert   *domain.Alert      `json:"alert"`
	Outcome domain.Outcome     `json:"outcome"`
	Reason  domain.SkipReason  `json:"reason,omitempty"`
	Risk    *domain.RiskImpact `json:"risk,omitempty"`
}

// Gate serializes qualification per alert.
type Gate struct {
	repo     domain.Repository
	risk     RiskUpdatePort
	notifier domain.Notifier
	alerts   lock.Keyed
	now      func() time.Time
}

// NewGate creates a gate that forwards confirmed fraud to risk.
func NewGate(repo domain.Repository, risk RiskUpdatePort, notifier domain.Notifier) *Gate {
	return &Gate{
		repo:     repo,
		risk:     risk,
		notifier: notifier,
		now:      time.Now,
	}
}

// Qualify records the human decision on an alert. Qualification is one-way:
// a qualified alert is returned unchanged with already_qualified. Only
// fraud_confirmed reaches the risk ledger, and only through the person of the
// alert's event.
func (g *Gate) Qualify(ctx context.Context, alertID string, q domain.Qualification, actor domain.Actor, notes string) (*Result, error) {
	if !q.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQualification, q)
	}

	unlock, err := g.alerts.Lock(ctx, alertID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result := &Result{}
	err = repository.RetryOnConflict(ctx, func() error {
		alert, err := g.repo.GetAlert(ctx, alertID)
		if err != nil {
			return err
		}
		result.Alert = alert

		if alert.Qualified() {
			result.Outcome, result.Reason = domain.OutcomeSkipped, domain.SkipAlreadyQualified
			return nil
		}
		if alert.Status == domain.AlertClosed {
			return fmt.Errorf("%w: alert %s is closed, reopen it first", ErrInvalidTransition, alertID)
		}

		now := g.now().UTC()
		alert.Metadata.Qualification = q
		alert.Metadata.QualifiedBy = actor.ID
		alert.Metadata.QualifiedAt = &now
		alert.Metadata.QualificationNotes = notes
		alert.Status = domain.AlertQualified
		alert.UpdatedAt = now
		alert.AddNote(now, actor.ID, "qualification", string(q))

		if err := g.repo.UpdateAlert(ctx, alert); err != nil {
			return err
		}
		result.Outcome = domain.OutcomeSuccess
		return nil
	})
	if err != nil {
		metrics.Qualification(string(q), string(domain.OutcomeFailed))
		return nil, fmt.Errorf("qualify alert %s: %w", alertID, err)
	}
	metrics.Qualification(string(q), string(result.Outcome))

	if result.Outcome == domain.OutcomeSuccess {
		slog.Info("alert qualified",
			"alert_id", alertID,
			"qualification", q,
			"actor", actor.ID,
		)
		g.notifier.Notify(ctx, domain.Notification{
			Topic:    domain.TopicAlertQualified,
			EntityID: alertID,
			EventID:  result.Alert.EventID,
			Detail:   string(q),
		})
	}

	// A confirmed alert whose risk update never landed is retried here.
	alert := result.Alert
	if alert.Metadata.Qualification == domain.QualificationFraudConfirmed && !alert.ImpactsRisk {
		impact, err := g.applyRisk(ctx, alert)
		result.Risk = &impact
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// ReconcileEvent retries the risk update of every confirmed alert of an
// event that has not reached a profile yet, typically after the event's
// person was identified. The alert's current status does not matter: a
// confirmed alert that was reopened or closed since is still owed its update.
func (g *Gate) ReconcileEvent(ctx context.Context, eventID string) ([]domain.RiskImpact, error) {
	alerts, err := g.repo.ListAlerts(ctx, domain.AlertFilter{EventID: eventID})
	if err != nil {
		return nil, err
	}

	var impacts []domain.RiskImpact
	for _, a := range alerts {
		if a.Metadata.Qualification != domain.QualificationFraudConfirmed || a.ImpactsRisk {
			continue
		}
		impact, err := g.reconcile(ctx, a.ID)
		if err != nil {
			return impacts, err
		}
		impacts = append(impacts, impact)
	}
	return impacts, nil
}

func (g *Gate) reconcile(ctx context.Context, alertID string) (domain.RiskImpact, error) {
	unlock, err := g.alerts.Lock(ctx, alertID)
	if err != nil {
		return domain.RiskImpact{AlertID: alertID, Outcome: domain.OutcomeFailed}, err
	}
	defer unlock()

	alert, err := g.repo.GetAlert(ctx, alertID)
	if err != nil {
		return domain.RiskImpact{AlertID: alertID, Outcome: domain.OutcomeFailed}, err
	}
	if alert.ImpactsRisk {
		return domain.RiskImpact{AlertID: alertID, Outcome: domain.OutcomeSkipped, Reason: domain.SkipAlreadyApplied}, nil
	}
	return g.applyRisk(ctx, alert)
}

// applyRisk resolves the person through the alert's event, never through the
// alert itself, then flips impactsRisk once the ledger holds the alert.
func (g *Gate) applyRisk(ctx context.Context, alert *domain.Alert) (domain.RiskImpact, error) {
	event, err := g.repo.GetEvent(ctx, alert.EventID)
	if err != nil {
		return domain.RiskImpact{AlertID: alert.ID, Outcome: domain.OutcomeFailed},
			fmt.Errorf("resolve event of alert %s: %w", alert.ID, err)
	}

	if event.AssureID == "" || event.AssureID == domain.UnknownAssure {
		slog.Warn("confirmed alert has no resolvable person",
			"alert_id", alert.ID,
			"event_id", event.ID,
		)
		return domain.RiskImpact{AlertID: alert.ID, Outcome: domain.OutcomeSkipped, Reason: domain.SkipUnlinkedPerson}, nil
	}

	impact, err := g.risk.ConfirmFraud(ctx, event.AssureID, alert, event.TrackingNumber())
	if err != nil {
		return impact, err
	}
	if impact.Outcome == domain.OutcomeSuccess || impact.Reason == domain.SkipAlreadyApplied {
		if err := g.markImpactsRisk(ctx, alert, event.AssureID); err != nil {
			return impact, err
		}
	}
	return impact, nil
}

func (g *Gate) markImpactsRisk(ctx context.Context, alert *domain.Alert, assureID string) error {
	first := true
	return repository.RetryOnConflict(ctx, func() error {
		if !first {
			fresh, err := g.repo.GetAlert(ctx, alert.ID)
			if err != nil {
				return err
			}
			*alert = *fresh
		}
		first = false

		if alert.ImpactsRisk {
			return nil
		}
		alert.ImpactsRisk = true
		alert.Metadata.AssureID = assureID
		alert.UpdatedAt = g.now().UTC()
		if err := g.repo.UpdateAlert(ctx, alert); err != nil {
			alert.ImpactsRisk = false
			return err
		}
		return nil
	})
}
