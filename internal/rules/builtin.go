package rules

import "github.com/opensource-finance/vigil/internal/domain"

// BuiltinRules are loaded when the configuration declares no escalation rules.
func BuiltinRules() []domain.EscalationRule {
	return []domain.EscalationRule{
		{
			ID:          "tampering-overlay",
			Description: "Tampering detector produced an overlay",
			Expression:  "tampering",
		},
		{
			ID:          "multiple-findings",
			Description: "Classifier reported three or more findings",
			Expression:  "size(findings) >= 3",
		},
		{
			ID:          "high-value-claim",
			Description: "Fraudulent document attached to a claim of 10000 or more",
			Expression:  "amount >= 10000.0",
		},
	}
}
