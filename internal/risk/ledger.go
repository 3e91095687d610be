// Package risk maintains per-person risk profiles. Profiles move only when a
// human confirms fraud on an alert.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/vigil/internal/cache"
	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/lock"
	"github.com/opensource-finance/vigil/internal/metrics"
	"github.com/opensource-finance/vigil/internal/repository"
)

// Ledger applies confirmed fraud to risk profiles.
type Ledger struct {
	repo     domain.Repository
	cache    domain.Cache
	notifier domain.Notifier
	ttl      time.Duration
	persons  lock.Keyed
	now      func() time.Time
}

// NewLedger creates a ledger. c may be nil to disable profile caching.
func NewLedger(repo domain.Repository, c domain.Cache, notifier domain.Notifier, ttl time.Duration) *Ledger {
	return &Ledger{
		repo:     repo,
		cache:    c,
		notifier: notifier,
		ttl:      ttl,
		now:      time.Now,
	}
}

// CandidateLevel maps a confirmed alert to a risk level. Medium is the floor.
func CandidateLevel(sev domain.Severity, score float64) domain.RiskLevel {
	switch {
	case sev == domain.SeverityCritical:
		return domain.RiskVeryHigh
	case sev == domain.SeverityHigh || score > 80:
		return domain.RiskHigh
	case score > 60:
		return domain.RiskMedium
	default:
		return domain.RiskMedium
	}
}

// NextLevel is the level after confirming an alert on a profile at current:
// at least one step up, and never below the alert's candidate level.
func NextLevel(current domain.RiskLevel, sev domain.Severity, score float64) domain.RiskLevel {
	return domain.MaxLevel(current.Step(1), CandidateLevel(sev, score))
}

// NewProfile is the unsaved profile of a person with no confirmed fraud.
func NewProfile(assureID string) *domain.Risque {
	return &domain.Risque{
		AssureID:        assureID,
		Level:           domain.RiskVeryLow,
		ScoreHistory:    []domain.ScoreEntry{},
		RelatedEntities: domain.RisqueRelations{AlerteIDs: []string{}},
	}
}

// ConfirmFraud moves the profile of assureID once for alert. A second call
// for the same alert is skipped with already_applied. Alerts not qualified
// fraud_confirmed are refused with not_fraud_confirmed.
func (l *Ledger) ConfirmFraud(ctx context.Context, assureID string, alert *domain.Alert, trackingNumber string) (domain.RiskImpact, error) {
	impact := domain.RiskImpact{AlertID: alert.ID, AssureID: assureID}

	if alert.Metadata.Qualification != domain.QualificationFraudConfirmed {
		impact.Outcome, impact.Reason = domain.OutcomeSkipped, domain.SkipNotConfirmed
		metrics.RiskUpdate(string(domain.SkipNotConfirmed))
		return impact, nil
	}
	if assureID == "" || assureID == domain.UnknownAssure {
		impact.Outcome, impact.Reason = domain.OutcomeSkipped, domain.SkipUnlinkedPerson
		metrics.RiskUpdate(string(domain.SkipUnlinkedPerson))
		return impact, nil
	}

	unlock, err := l.persons.Lock(ctx, assureID)
	if err != nil {
		impact.Outcome = domain.OutcomeFailed
		return impact, err
	}
	defer unlock()

	var profile *domain.Risque
	err = repository.RetryOnConflict(ctx, func() error {
		current, err := l.repo.GetRisque(ctx, assureID)
		created := false
		switch {
		case errors.Is(err, repository.ErrNotFound):
			current = NewProfile(assureID)
			created = true
		case err != nil:
			return err
		}
		profile = current

		if current.HasAlert(alert.ID) {
			impact.RisqueID = current.ID
			impact.Outcome, impact.Reason = domain.OutcomeSkipped, domain.SkipAlreadyApplied
			impact.PreviousLevel, impact.NewLevel = current.Level, current.Level
			return nil
		}

		previous := current.Level
		l.apply(current, alert, trackingNumber)
		impact.PreviousLevel, impact.NewLevel = previous, current.Level

		if created {
			err = l.repo.SaveRisque(ctx, current)
		} else {
			err = l.repo.UpdateRisque(ctx, current)
		}
		if err != nil {
			return err
		}
		impact.RisqueID = current.ID
		impact.Outcome, impact.Reason = domain.OutcomeSuccess, domain.SkipNone
		return nil
	})
	if err != nil {
		impact.Outcome = domain.OutcomeFailed
		metrics.RiskUpdate(string(domain.OutcomeFailed))
		return impact, fmt.Errorf("confirm fraud of %s on %s: %w", alert.ID, assureID, err)
	}

	if impact.Outcome == domain.OutcomeSkipped {
		metrics.RiskUpdate(string(impact.Reason))
		return impact, nil
	}

	l.invalidate(ctx, assureID)
	metrics.RiskUpdate(string(domain.OutcomeSuccess))
	slog.Info("risk profile updated",
		"assure_id", assureID,
		"risque_id", profile.ID,
		"alert_id", alert.ID,
		"previous_level", impact.PreviousLevel,
		"new_level", impact.NewLevel,
	)
	l.notifier.Notify(ctx, domain.Notification{
		Topic:    domain.TopicRisqueUpdated,
		EntityID: profile.ID,
		EventID:  alert.EventID,
		AssureID: assureID,
		Detail:   string(impact.NewLevel),
	})
	return impact, nil
}

// apply appends one history entry and raises level and score.
func (l *Ledger) apply(r *domain.Risque, alert *domain.Alert, trackingNumber string) {
	now := l.now().UTC()
	if r.ID == "" {
		r.ID = uuid.New().String()
		r.CreatedAt = now
	}

	level := NextLevel(r.Level, alert.Severity, alert.Score)
	score := math.Max(r.Scoring.FinalScore, level.Score())

	by := alert.Metadata.QualifiedBy
	if by == "" {
		by = "qualification"
	}
	r.ScoreHistory = append(r.ScoreHistory, domain.ScoreEntry{
		Timestamp:   now,
		Score:       score,
		Level:       level,
		Reason:      fmt.Sprintf("fraud confirmed on alert %s (tracking %s)", alert.ID, trackingNumber),
		TriggeredBy: by,
		AlertID:     alert.ID,
		EventID:     alert.EventID,
	})
	r.RelatedEntities.AlerteIDs = append(r.RelatedEntities.AlerteIDs, alert.ID)
	r.Level = level
	r.Scoring = domain.Scoring{FinalScore: score, UpdatedAt: now}
	r.UpdatedAt = now
}

// GetProfile returns the stored profile of assureID, read through the cache,
// or an unsaved very_low profile when none exists.
func (l *Ledger) GetProfile(ctx context.Context, assureID string) (*domain.Risque, error) {
	if assureID == "" {
		return nil, fmt.Errorf("%w: assureId is required", repository.ErrInvalidInput)
	}
	key := domain.CacheKeyRisque + assureID

	if l.cache != nil {
		cached, err := cache.GetJSON[domain.Risque](ctx, l.cache, key)
		if err != nil {
			slog.Warn("risk profile cache read failed", "assure_id", assureID, "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	// ConfirmFraud invalidates under the same key, so the fill holds it
	// across the store read and the cache write.
	unlock, err := l.persons.Lock(ctx, assureID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	profile, err := l.repo.GetRisque(ctx, assureID)
	if errors.Is(err, repository.ErrNotFound) {
		return NewProfile(assureID), nil
	}
	if err != nil {
		return nil, err
	}

	if l.cache != nil {
		if err := cache.SetJSON(ctx, l.cache, key, profile, l.ttl); err != nil {
			slog.Warn("risk profile cache write failed", "assure_id", assureID, "error", err)
		}
	}
	return profile, nil
}

func (l *Ledger) invalidate(ctx context.Context, assureID string) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Delete(ctx, domain.CacheKeyRisque+assureID); err != nil {
		slog.Warn("risk profile cache invalidation failed", "assure_id", assureID, "error", err)
	}
}
