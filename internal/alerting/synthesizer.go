// Package alerting synthesizes at most one alert per analysed event, with
// severity, SLA deadline and escalation taken from the verdict.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/lock"
	"github.com/opensource-finance/vigil/internal/metrics"
	"github.com/opensource-finance/vigil/internal/repository"
	"github.com/opensource-finance/vigil/internal/rules"
)

// RuleThreshold identifies alerts raised by the score thresholds.
const RuleThreshold = "score-threshold"

// criticalScore is the percent score from which a fraudulent alert is
// critical without any escalation rule.
const criticalScore = 90

// Linker appends downstream ids to a historique entry.
type Linker interface {
	Link(ctx context.Context, historiqueID string, kind domain.RelatedKind, id string) error
}

// Synthesis is the result of one synthesize call.
type Synthesis struct {
	Alert   *domain.Alert
	Band    domain.Band
	Outcome domain.Outcome
	Reason  domain.SkipReason
}

// Synthesizer creates zero or one alert per event and rule.
type Synthesizer struct {
	repo       domain.Repository
	links      Linker
	notifier   domain.Notifier
	thresholds *domain.Thresholds
	sla        domain.SLAConfig
	engine     *rules.Engine
	events     lock.Keyed
	now        func() time.Time
}

// NewSynthesizer creates a synthesizer. engine may be nil, in which case no
// escalation rule applies.
func NewSynthesizer(repo domain.Repository, links Linker, notifier domain.Notifier, thresholds *domain.Thresholds, sla domain.SLAConfig, engine *rules.Engine) *Synthesizer {
	return &Synthesizer{
		repo:       repo,
		links:      links,
		notifier:   notifier,
		thresholds: thresholds,
		sla:        sla,
		engine:     engine,
		now:        time.Now,
	}
}

// Classify returns the severity for a percent score. ok is false below the
// suspicion minimum. Fraudulent scores are critical when escalated, when the
// classifier rejected the document or from criticalScore upwards.
func Classify(percent float64, t domain.Thresholds, reject, escalated bool) (domain.Severity, bool) {
	switch t.Band(percent) {
	case domain.BandFraudulent:
		if escalated || reject || percent >= criticalScore {
			return domain.SeverityCritical, true
		}
		return domain.SeverityHigh, true
	case domain.BandSuspicious:
		return domain.SeverityMedium, true
	default:
		return "", false
	}
}

// Synthesize raises an alert for event when the verdict crosses the
// thresholds. entry must be the event's already-projected historique entry.
// An invalid verdict is an error, never a safe result.
func (s *Synthesizer) Synthesize(ctx context.Context, event *domain.Event, entry *domain.HistoriqueEntry, verdict *domain.AnalysisVerdict) (*Synthesis, error) {
	if err := verdict.Validate(); err != nil {
		return &Synthesis{Outcome: domain.OutcomeFailed}, err
	}
	if event == nil || entry == nil || entry.ID == "" || entry.EventID != event.ID {
		return &Synthesis{Outcome: domain.OutcomeFailed},
			fmt.Errorf("%w: alert requires the projected historique of its event", repository.ErrInvalidInput)
	}

	thresholds := *s.thresholds
	percent := verdict.ScorePercent()
	band := thresholds.Band(percent)
	if band == domain.BandSafe {
		return &Synthesis{Band: band, Outcome: domain.OutcomeSkipped, Reason: domain.SkipBelowThreshold}, nil
	}

	unlock, err := s.events.Lock(ctx, event.ID)
	if err != nil {
		return &Synthesis{Band: band, Outcome: domain.OutcomeFailed}, err
	}
	defer unlock()

	existing, err := s.findExisting(ctx, event.ID)
	if err != nil {
		return &Synthesis{Band: band, Outcome: domain.OutcomeFailed}, err
	}
	if existing != nil {
		// a previous run may have stopped before linking
		if err := s.links.Link(ctx, entry.ID, domain.RelatedAlerte, existing.ID); err != nil {
			return &Synthesis{Alert: existing, Band: band, Outcome: domain.OutcomeFailed}, fmt.Errorf("link alert %s: %w", existing.ID, err)
		}
		return &Synthesis{Alert: existing, Band: band, Outcome: domain.OutcomeSkipped, Reason: domain.SkipAlreadySynthesized}, nil
	}

	var escalatedBy []string
	if band == domain.BandFraudulent && s.engine != nil {
		escalatedBy = s.engine.Fired(ctx, rules.Input{Event: event, Verdict: verdict})
	}
	severity, _ := Classify(percent, thresholds, verdict.Decision == domain.DecisionReject, len(escalatedBy) > 0)

	alert := s.build(event, entry, verdict, band, severity, escalatedBy)
	if err := s.repo.SaveAlert(ctx, alert); err != nil {
		return &Synthesis{Band: band, Outcome: domain.OutcomeFailed}, fmt.Errorf("save alert for %s: %w", event.ID, err)
	}
	metrics.AlertSynthesized(string(severity))

	slog.Info("alert synthesized",
		"alert_id", alert.ID,
		"event_id", event.ID,
		"severity", severity,
		"score", alert.Score,
		"escalated_by", escalatedBy,
	)
	s.notifier.Notify(ctx, domain.Notification{
		Topic:    domain.TopicAlertCreated,
		EntityID: alert.ID,
		EventID:  event.ID,
		AssureID: event.AssureID,
		Detail:   string(severity),
	})

	if err := s.links.Link(ctx, entry.ID, domain.RelatedAlerte, alert.ID); err != nil {
		return &Synthesis{Alert: alert, Band: band, Outcome: domain.OutcomeFailed}, fmt.Errorf("link alert %s: %w", alert.ID, err)
	}
	return &Synthesis{Alert: alert, Band: band, Outcome: domain.OutcomeSuccess}, nil
}

func (s *Synthesizer) findExisting(ctx context.Context, eventID string) (*domain.Alert, error) {
	alerts, err := s.repo.ListAlerts(ctx, domain.AlertFilter{EventID: eventID})
	if err != nil {
		return nil, fmt.Errorf("list alerts of %s: %w", eventID, err)
	}
	for _, a := range alerts {
		if a.Metadata.RuleID == RuleThreshold {
			return a, nil
		}
	}
	return nil, nil
}

func (s *Synthesizer) build(e *domain.Event, h *domain.HistoriqueEntry, v *domain.AnalysisVerdict, band domain.Band, sev domain.Severity, escalatedBy []string) *domain.Alert {
	now := s.now().UTC()
	id := uuid.New().String()

	confidence := v.Confidence
	if confidence == 0 {
		confidence = v.RiskScore
	}

	var overlay string
	if v.Tampering != nil {
		overlay = v.Tampering.OverlayURL
	}

	return &domain.Alert{
		ID:           id,
		EventID:      e.ID,
		HistoriqueID: h.ID,
		Reference:    reference(now, id),
		Source:       e.Source,
		Severity:     sev,
		Score:        v.ScorePercent(),
		Confidence:   confidence,
		Status:       domain.AlertNew,
		Metadata: domain.AlertMetadata{
			RuleID:           RuleThreshold,
			Band:             band,
			DocumentID:       v.DocumentID,
			TrackingNumber:   e.TrackingNumber(),
			Decision:         string(v.Decision),
			Findings:         v.Findings,
			EscalatedBy:      escalatedBy,
			TamperingOverlay: overlay,
			AssureID:         e.AssureID,
		},
		ImpactsRisk: false,
		SLADeadline: now.Add(s.sla.For(sev)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// reference is the human alert reference, e.g. ALT-20260102-1A2B3C4D.
func reference(at time.Time, id string) string {
	short := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("ALT-%s-%s", at.Format("20060102"), short)
}
