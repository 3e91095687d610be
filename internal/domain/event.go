package domain

import (
	"fmt"
	"strconv"
	"time"
)

// EventType classifies an externally observable occurrence.
type EventType string

const (
	EventDocumentUpload      EventType = "document_upload"
	EventDeclarationSinistre EventType = "declaration_sinistre"
	EventModificationContrat EventType = "modification_contrat"
	EventPaiement            EventType = "paiement"
	EventDetectionFraude     EventType = "detection_fraude"
	EventAnalyseDocument     EventType = "analyse_document"
)

// EventSource identifies who emitted an event.
type EventSource string

const (
	SourceClient         EventSource = "client"
	SourceSystem         EventSource = "system"
	SourceExternalAPI    EventSource = "external_api"
	SourceFraudDetection EventSource = "fraud_detection"
)

// Well-known keys of Event.Data.
const (
	DataDocumentID     = "documentId"
	DataFilename       = "filename"
	DataSinisterNumber = "sinisterNumber"
	DataAmount         = "amount"
	DataRiskScore      = "riskScore"
)

// Event is an immutable fact and the source of truth of the system.
// Only ProcessedAt (set once) and AssureID (set once, on identification)
// change after creation.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Category    string         `json:"category,omitempty"`
	Priority    string         `json:"priority,omitempty"`
	Source      EventSource    `json:"source"`
	Data        map[string]any `json:"data,omitempty"`
	AssureID    string         `json:"assureId,omitempty"`
	OccurredAt  time.Time      `json:"occurredAt"`
	CreatedAt   time.Time      `json:"createdAt"`
	ProcessedAt *time.Time     `json:"processedAt,omitempty"`
	Version     int64          `json:"version"`
}

// Processed reports whether the historique projection has completed.
func (e *Event) Processed() bool {
	return e.ProcessedAt != nil
}

// Validate checks the fields every event must carry before it is stored.
func (e *Event) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("event id is required")
	}
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	switch e.Source {
	case SourceClient, SourceSystem, SourceExternalAPI, SourceFraudDetection:
	default:
		return fmt.Errorf("unknown event source %q", e.Source)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("event occurredAt is required")
	}
	return nil
}

// DataString returns a string value from Data, or "" when absent.
func (e *Event) DataString(key string) string {
	if e.Data == nil {
		return ""
	}
	switch v := e.Data[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	}
	return ""
}

// RiskScore returns the normalized (0..1) risk score carried in Data, if any.
// Percent values (> 1) are scaled down.
func (e *Event) RiskScore() (float64, bool) {
	if e.Data == nil {
		return 0, false
	}
	var score float64
	switch v := e.Data[DataRiskScore].(type) {
	case float64:
		score = v
	case float32:
		score = float64(v)
	case int:
		score = float64(v)
	case int64:
		score = float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		score = f
	default:
		return 0, false
	}
	if score > 1 {
		score = score / 100
	}
	if score < 0 || score > 1 {
		return 0, false
	}
	return score, true
}

// TrackingNumber is the human reference used in audit reasons: the claim
// number when present, then the document id, then the event id.
func (e *Event) TrackingNumber() string {
	if s := e.DataString(DataSinisterNumber); s != "" {
		return s
	}
	if s := e.DataString(DataDocumentID); s != "" {
		return s
	}
	return e.ID
}
