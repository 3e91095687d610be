package historique

import (
	"fmt"

	"github.com/opensource-finance/vigil/internal/domain"
)

// Categories of historique entries.
const (
	CategoryDocument  = "document"
	CategorySinistre  = "sinistre"
	CategoryContrat   = "contrat"
	CategoryFinancier = "financier"
	CategoryFraude    = "fraude"
	CategoryTechnique = "technique"
)

type typeRule struct {
	category string
	impact   domain.Impact // used when no risk score is available
	title    string
}

var typeRules = map[domain.EventType]typeRule{
	domain.EventDocumentUpload:      {CategoryDocument, domain.ImpactLow, "Document uploaded"},
	domain.EventAnalyseDocument:     {CategoryDocument, domain.ImpactLow, "Document analysed"},
	domain.EventDeclarationSinistre: {CategorySinistre, domain.ImpactMedium, "Claim declared"},
	domain.EventModificationContrat: {CategoryContrat, domain.ImpactLow, "Contract modified"},
	domain.EventPaiement:            {CategoryFinancier, domain.ImpactMedium, "Payment recorded"},
	domain.EventDetectionFraude:     {CategoryFraude, domain.ImpactHigh, "Fraud detected"},
}

var unknownRule = typeRule{CategoryTechnique, domain.ImpactLow, "Technical event"}

// Classification is the deterministic part of a projected entry.
type Classification struct {
	Category    string
	Impact      domain.Impact
	Title       string
	Description string
}

// Classify maps an event and its optional verdict to a category and impact.
// The verdict score wins over a score carried in the event data. A score at
// or above the fraud threshold files the entry under fraude whatever the
// event type.
func Classify(e *domain.Event, v *domain.AnalysisVerdict, t domain.Thresholds) Classification {
	rule, known := typeRules[e.Type]
	if !known {
		rule = unknownRule
	}

	c := Classification{
		Category: rule.category,
		Impact:   rule.impact,
		Title:    rule.title,
	}

	score, hasScore := e.RiskScore()
	if v != nil {
		score, hasScore = v.RiskScore, true
	}

	if hasScore && known {
		c.Impact = ImpactForScore(score)
		if score*100 >= t.FraudThreshold {
			c.Category = CategoryFraude
		}
	}
	if v != nil && v.Tampered() && c.Impact.Rank() < domain.ImpactHigh.Rank() {
		c.Impact = domain.ImpactHigh
	}

	c.Description = describe(e, v, score, hasScore)
	return c
}

// ImpactForScore grades a 0..1 risk score.
func ImpactForScore(score float64) domain.Impact {
	switch {
	case score >= 0.9:
		return domain.ImpactCritical
	case score >= 0.7:
		return domain.ImpactHigh
	case score >= 0.5:
		return domain.ImpactMedium
	default:
		return domain.ImpactLow
	}
}

func describe(e *domain.Event, v *domain.AnalysisVerdict, score float64, hasScore bool) string {
	subject := e.DataString(domain.DataFilename)
	if subject == "" {
		subject = e.TrackingNumber()
	}
	switch {
	case v != nil && v.Tampered():
		return fmt.Sprintf("%s: decision %s, risk score %.0f%%, tampering overlay produced", subject, v.Decision, score*100)
	case v != nil:
		return fmt.Sprintf("%s: decision %s, risk score %.0f%%", subject, v.Decision, score*100)
	case hasScore:
		return fmt.Sprintf("%s: %s, risk score %.0f%%", subject, e.Type, score*100)
	default:
		return fmt.Sprintf("%s: %s from %s", subject, e.Type, e.Source)
	}
}
