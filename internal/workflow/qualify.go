package workflow

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/vigil/internal/domain"
)

// Risk outcomes reported by Qualify.
const (
	RiskUpdated        = "updated"
	RiskUnlinkedPerson = "skipped:unlinked_person"
	RiskAlreadyApplied = "skipped:already_applied"
	RiskNone           = "none"
	RiskFailed         = "failed"
)

// QualificationResult is the outcome of a human qualification.
type QualificationResult struct {
	Alert       *domain.Alert      `json:"alert"`
	Outcome     domain.Outcome     `json:"outcome"`
	Reason      domain.SkipReason  `json:"reason,omitempty"`
	Risk        *domain.RiskImpact `json:"risk,omitempty"`
	RiskOutcome string             `json:"riskOutcome"`
}

// IdentifyResult is the outcome of linking a person to an event.
type IdentifyResult struct {
	Event       *domain.Event           `json:"event"`
	Historique  *domain.HistoriqueEntry `json:"historique,omitempty"`
	RiskImpacts []domain.RiskImpact     `json:"riskImpacts"`
}

// Qualify records the human decision on an alert. When fraud is confirmed
// and the profile moved, the risk profile id is linked into the alert's
// historique entry.
func (o *Orchestrator) Qualify(ctx context.Context, alertID string, q domain.Qualification, actor domain.Actor, notes string) (*QualificationResult, error) {
	ctx, span := tracer.Start(ctx, "workflow.qualify", trace.WithAttributes(
		attribute.String("alert.id", alertID),
		attribute.String("qualification", string(q)),
	))
	defer span.End()

	gr, err := o.Gate.Qualify(ctx, alertID, q, actor, notes)
	if gr == nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res := &QualificationResult{
		Alert:       gr.Alert,
		Outcome:     gr.Outcome,
		Reason:      gr.Reason,
		Risk:        gr.Risk,
		RiskOutcome: riskOutcome(gr.Risk),
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if gr.Risk != nil {
		o.linkRisk(ctx, gr.Alert.HistoriqueID, *gr.Risk)
		res.Alert, _ = o.Repo.GetAlert(ctx, alertID)
		if res.Alert == nil {
			res.Alert = gr.Alert
		}
	}
	return res, nil
}

// Identify links a person to an event, reconciles its historique entry and
// applies any confirmed alert of the event that was waiting for a person.
func (o *Orchestrator) Identify(ctx context.Context, eventID, assureID string, actor domain.Actor) (*IdentifyResult, error) {
	ctx, span := tracer.Start(ctx, "workflow.identify", trace.WithAttributes(
		attribute.String("event.id", eventID),
	))
	defer span.End()

	event, entry, err := o.Projector.Identify(ctx, eventID, assureID, actor.ID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	impacts, err := o.Gate.ReconcileEvent(ctx, eventID)
	res := &IdentifyResult{Event: event, Historique: entry, RiskImpacts: impacts}
	if res.RiskImpacts == nil {
		res.RiskImpacts = []domain.RiskImpact{}
	}
	if entry != nil {
		for _, impact := range impacts {
			o.linkRisk(ctx, entry.ID, impact)
		}
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	return res, nil
}

func (o *Orchestrator) linkRisk(ctx context.Context, historiqueID string, impact domain.RiskImpact) {
	if impact.RisqueID == "" || historiqueID == "" {
		return
	}
	if impact.Outcome != domain.OutcomeSuccess && impact.Reason != domain.SkipAlreadyApplied {
		return
	}
	if err := o.Projector.Link(ctx, historiqueID, domain.RelatedRisque, impact.RisqueID); err != nil {
		slog.Warn("failed to link risk profile to historique",
			"historique_id", historiqueID,
			"risque_id", impact.RisqueID,
			"error", err,
		)
	}
}

func riskOutcome(impact *domain.RiskImpact) string {
	switch {
	case impact == nil:
		return RiskNone
	case impact.Outcome == domain.OutcomeSuccess:
		return RiskUpdated
	case impact.Reason == domain.SkipUnlinkedPerson:
		return RiskUnlinkedPerson
	case impact.Reason == domain.SkipAlreadyApplied:
		return RiskAlreadyApplied
	case impact.Outcome == domain.OutcomeFailed:
		return RiskFailed
	default:
		return RiskNone
	}
}
