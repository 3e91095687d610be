package domain

import (
	"errors"
	"fmt"
	"math"
)

// VerdictDecision is the classifier's recommendation.
type VerdictDecision string

const (
	DecisionApprove VerdictDecision = "approve"
	DecisionReview  VerdictDecision = "review"
	DecisionReject  VerdictDecision = "reject"
)

// ErrInvalidVerdict marks a verdict that cannot be trusted as a signal.
var ErrInvalidVerdict = errors.New("invalid analysis verdict")

// AnalysisVerdict is the normalized output of the scoring gateway.
type AnalysisVerdict struct {
	DocumentID   string           `json:"documentId"`
	Decision     VerdictDecision  `json:"decision"`
	RiskScore    float64          `json:"riskScore"` // 0..1
	Confidence   float64          `json:"confidence,omitempty"`
	DocumentInfo map[string]any   `json:"documentInfo,omitempty"`
	Findings     []string         `json:"findings,omitempty"`
	Tampering    *TamperingResult `json:"tampering,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// TamperingResult is the optional output of the tampering detector.
type TamperingResult struct {
	Images     []string `json:"images"`
	OverlayURL string   `json:"overlayUrl"`
}

// Validate rejects verdicts carrying an analysis error or out-of-range values.
// An invalid verdict must never be read as "safe".
func (v *AnalysisVerdict) Validate() error {
	if v == nil {
		return fmt.Errorf("%w: verdict is missing", ErrInvalidVerdict)
	}
	if v.Error != "" {
		return fmt.Errorf("%w: analysis error: %s", ErrInvalidVerdict, v.Error)
	}
	if v.RiskScore < 0 || v.RiskScore > 1 {
		return fmt.Errorf("%w: risk_score %v outside 0..1", ErrInvalidVerdict, v.RiskScore)
	}
	switch v.Decision {
	case DecisionApprove, DecisionReview, DecisionReject:
	default:
		return fmt.Errorf("%w: unknown decision %q", ErrInvalidVerdict, v.Decision)
	}
	return nil
}

// ScorePercent returns the risk score on the 0..100 scale used by thresholds,
// rounded to 6 decimals so that 0.29 compares as exactly 29.
func (v *AnalysisVerdict) ScorePercent() float64 {
	return math.Round(v.RiskScore*100*1e6) / 1e6
}

// Tampered reports whether the tampering detector produced an overlay.
func (v *AnalysisVerdict) Tampered() bool {
	return v.Tampering != nil && v.Tampering.OverlayURL != ""
}
