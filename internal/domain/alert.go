package domain

import (
	"time"
)

// Severity grades an alert.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from 0 (low) to 3 (critical); unknown values rank -1.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// AlertStatus is the workflow state of an alert.
type AlertStatus string

const (
	AlertNew           AlertStatus = "new"
	AlertAssigned      AlertStatus = "assigned"
	AlertInvestigating AlertStatus = "investigating"
	AlertQualified     AlertStatus = "qualified"
	AlertClosed        AlertStatus = "closed"
)

// Terminal reports whether no further workflow action applies.
func (s AlertStatus) Terminal() bool {
	return s == AlertQualified || s == AlertClosed
}

// Qualification is the human decision recorded on an alert.
type Qualification string

const (
	QualificationUnset                 Qualification = ""
	QualificationFraudConfirmed        Qualification = "fraud_confirmed"
	QualificationFalsePositive         Qualification = "false_positive"
	QualificationRequiresInvestigation Qualification = "requires_investigation"
)

// Valid reports whether q is one of the settable qualifications.
func (q Qualification) Valid() bool {
	switch q {
	case QualificationFraudConfirmed, QualificationFalsePositive, QualificationRequiresInvestigation:
		return true
	}
	return false
}

// AlertMetadata carries the qualification and analysis context of an alert.
// AssureID is a denormalized copy for display; the person is always resolved
// through the owning event.
type AlertMetadata struct {
	Qualification      Qualification `json:"qualification,omitempty"`
	QualifiedBy        string        `json:"qualifiedBy,omitempty"`
	QualifiedAt        *time.Time    `json:"qualifiedAt,omitempty"`
	QualificationNotes string        `json:"qualificationNotes,omitempty"`
	RuleID             string        `json:"ruleId"`
	Band               Band          `json:"band"`
	DocumentID         string        `json:"documentId,omitempty"`
	TrackingNumber     string        `json:"trackingNumber,omitempty"`
	Decision           string        `json:"decision,omitempty"`
	Findings           []string      `json:"findings,omitempty"`
	EscalatedBy        []string      `json:"escalatedBy,omitempty"`
	TamperingOverlay   string        `json:"tamperingOverlay,omitempty"`
	AssureID           string        `json:"assureId,omitempty"`
}

// AlertNote is an appended timeline note on an alert.
type AlertNote struct {
	At     time.Time `json:"at"`
	Author string    `json:"author"`
	Kind   string    `json:"kind"`
	Text   string    `json:"text"`
}

// Alert is a conditional derivative of an event, owned by that event.
type Alert struct {
	ID           string        `json:"id"`
	EventID      string        `json:"eventId"`
	HistoriqueID string        `json:"historiqueId"`
	Reference    string        `json:"reference"`
	Source       EventSource   `json:"source"`
	Severity     Severity      `json:"severity"`
	Score        float64       `json:"score"`      // 0..100
	Confidence   float64       `json:"confidence"` // 0..1
	Status       AlertStatus   `json:"status"`
	Metadata     AlertMetadata `json:"metadata"`
	ImpactsRisk  bool          `json:"impactsRisk"`
	AssignedTo   string        `json:"assignedTo,omitempty"`
	AssignedTeam string        `json:"assignedTeam,omitempty"`
	Notes        []AlertNote   `json:"notes,omitempty"`
	SLADeadline  time.Time     `json:"slaDeadline"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	Version      int64         `json:"version"`
}

// Qualified reports whether a qualification has been recorded.
func (a *Alert) Qualified() bool {
	return a.Metadata.Qualification != QualificationUnset
}

// Overdue reports whether the SLA deadline passed while the alert is open.
func (a *Alert) Overdue(now time.Time) bool {
	return !a.Status.Terminal() && !a.SLADeadline.IsZero() && now.After(a.SLADeadline)
}

// AddNote appends a timeline note.
func (a *Alert) AddNote(at time.Time, author, kind, text string) {
	a.Notes = append(a.Notes, AlertNote{At: at, Author: author, Kind: kind, Text: text})
}

// Band is the three-way fraud category shared across the console.
type Band string

const (
	BandSafe       Band = "safe"
	BandSuspicious Band = "suspicious"
	BandFraudulent Band = "fraudulent"
)
