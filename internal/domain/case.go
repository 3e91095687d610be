package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// CaseStatus is the investigation state of a case.
type CaseStatus string

const (
	CaseOpen          CaseStatus = "open"
	CaseInvestigating CaseStatus = "investigating"
	CasePendingReview CaseStatus = "pending_review"
	CaseClosed        CaseStatus = "closed"
)

// CaseDecision is the outcome of an investigation.
type CaseDecision string

const (
	DecisionPending           CaseDecision = "pending"
	DecisionFraudConfirmed    CaseDecision = "fraud_confirmed"
	DecisionFraudRejected     CaseDecision = "fraud_rejected"
	DecisionInsufficientProof CaseDecision = "insufficient_proof"
)

// Valid reports whether d is a known decision.
func (d CaseDecision) Valid() bool {
	switch d {
	case DecisionPending, DecisionFraudConfirmed, DecisionFraudRejected, DecisionInsufficientProof:
		return true
	}
	return false
}

// Case priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Handover records a transfer of a case between people or teams.
type Handover struct {
	From      string    `json:"from"`
	FromTeam  string    `json:"fromTeam"`
	To        string    `json:"to"`
	ToTeam    string    `json:"toTeam"`
	Reason    string    `json:"reason"`
	Urgency   string    `json:"urgency,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TimelineEntry is one append-only line of a case timeline.
type TimelineEntry struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

// CaseMetrics holds the financial figures of a case. The ROI is derived on
// read and never stored.
type CaseMetrics struct {
	EstimatedLoss     decimal.Decimal `json:"estimatedLoss"`
	RecoveredAmount   decimal.Decimal `json:"recoveredAmount"`
	PreventedAmount   decimal.Decimal `json:"preventedAmount"`
	InvestigationCost decimal.Decimal `json:"investigationCost"`
}

// TotalROI is recovered + prevented - cost.
func (m CaseMetrics) TotalROI() decimal.Decimal {
	return m.RecoveredAmount.Add(m.PreventedAmount).Sub(m.InvestigationCost)
}

// MarshalJSON adds the derived totalRoi to the encoded metrics.
func (m CaseMetrics) MarshalJSON() ([]byte, error) {
	type plain CaseMetrics
	return json.Marshal(struct {
		plain
		TotalROI decimal.Decimal `json:"totalRoi"`
	}{plain(m), m.TotalROI()})
}

// Case groups alerts into one investigation.
type Case struct {
	ID                string          `json:"id"`
	Reference         string          `json:"reference"`
	Title             string          `json:"title,omitempty"`
	Alerts            []string        `json:"alerts"`
	PrimaryAlertID    string          `json:"primaryAlertId"`
	Status            CaseStatus      `json:"status"`
	Priority          string          `json:"priority"`
	AssignedTo        string          `json:"assignedTo"`
	InvestigationTeam string          `json:"investigationTeam"`
	CreatedBy         string          `json:"createdBy"`
	Handovers         []Handover      `json:"handovers"`
	Decision          CaseDecision    `json:"decision"`
	Metrics           CaseMetrics     `json:"metrics"`
	Timeline          []TimelineEntry `json:"timeline"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	ClosedAt          *time.Time      `json:"closedAt,omitempty"`
	Version           int64           `json:"version"`
}

// AddTimeline appends a timeline entry.
func (c *Case) AddTimeline(at time.Time, actor, kind, detail string) {
	c.Timeline = append(c.Timeline, TimelineEntry{At: at, Actor: actor, Kind: kind, Detail: detail})
}
