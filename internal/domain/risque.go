package domain

import (
	"slices"
	"time"
)

// RiskLevel is a person's risk grade.
type RiskLevel string

const (
	RiskVeryLow  RiskLevel = "very_low"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskVeryHigh RiskLevel = "very_high"
	RiskCritical RiskLevel = "critical"
)

var riskOrder = []RiskLevel{RiskVeryLow, RiskLow, RiskMedium, RiskHigh, RiskVeryHigh, RiskCritical}

var riskScores = map[RiskLevel]float64{
	RiskVeryLow:  10,
	RiskLow:      25,
	RiskMedium:   50,
	RiskHigh:     70,
	RiskVeryHigh: 85,
	RiskCritical: 95,
}

// Rank orders levels from 0 (very_low) to 5 (critical); unknown values rank -1.
func (l RiskLevel) Rank() int {
	return slices.Index(riskOrder, l)
}

// Step returns the level n steps above l, capped at critical.
// An unknown level is treated as very_low.
func (l RiskLevel) Step(n int) RiskLevel {
	r := l.Rank()
	if r < 0 {
		r = 0
	}
	r += n
	if r >= len(riskOrder) {
		r = len(riskOrder) - 1
	}
	if r < 0 {
		r = 0
	}
	return riskOrder[r]
}

// Score is the nominal score of a level.
func (l RiskLevel) Score() float64 {
	return riskScores[l]
}

// MaxLevel returns the higher of two levels.
func MaxLevel(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ScoreEntry is one append-only line of a person's score history.
type ScoreEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Score       float64   `json:"score"`
	Level       RiskLevel `json:"level"`
	Reason      string    `json:"reason"`
	TriggeredBy string    `json:"triggeredBy"`
	AlertID     string    `json:"alertId"`
	EventID     string    `json:"eventId"`
}

// Scoring is the current computed risk of a person.
type Scoring struct {
	FinalScore float64   `json:"finalScore"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// RisqueRelations lists the confirmed alerts that moved a profile.
type RisqueRelations struct {
	AlerteIDs []string `json:"alerteIds"`
}

// Risque is the per-person risk profile. Level, Scoring and ScoreHistory are
// written only by the fraud-confirmation path of the risk ledger.
type Risque struct {
	ID              string          `json:"id"`
	AssureID        string          `json:"assureId"`
	Level           RiskLevel       `json:"level"`
	Scoring         Scoring         `json:"scoring"`
	ScoreHistory    []ScoreEntry    `json:"scoreHistory"`
	RelatedEntities RisqueRelations `json:"relatedEntities"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	Version         int64           `json:"version"`
}

// HasAlert reports whether the alert already moved this profile.
func (r *Risque) HasAlert(alertID string) bool {
	if slices.Contains(r.RelatedEntities.AlerteIDs, alertID) {
		return true
	}
	for _, e := range r.ScoreHistory {
		if e.AlertID == alertID {
			return true
		}
	}
	return false
}
