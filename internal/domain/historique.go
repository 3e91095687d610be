package domain

import (
	"fmt"
	"slices"
	"time"
)

// Impact grades the business impact of a historique entry.
type Impact string

const (
	ImpactLow      Impact = "low"
	ImpactMedium   Impact = "medium"
	ImpactHigh     Impact = "high"
	ImpactCritical Impact = "critical"
)

// Rank orders impacts from 0 (low) to 3 (critical); unknown values rank -1.
func (i Impact) Rank() int {
	switch i {
	case ImpactLow:
		return 0
	case ImpactMedium:
		return 1
	case ImpactHigh:
		return 2
	case ImpactCritical:
		return 3
	}
	return -1
}

// HistoriqueStatus is the lifecycle state of a historique entry.
type HistoriqueStatus string

const (
	HistoriqueActive    HistoriqueStatus = "active"
	HistoriqueCompleted HistoriqueStatus = "completed"
	HistoriqueCancelled HistoriqueStatus = "cancelled"
	HistoriqueError     HistoriqueStatus = "error"
)

// UnknownAssure is the placeholder person reference used until an event's
// person has been identified.
const UnknownAssure = "unknown"

// RelatedKind names one of the relatedEntities lists.
type RelatedKind string

const (
	RelatedAlerte  RelatedKind = "alerte"
	RelatedDossier RelatedKind = "dossier"
	RelatedRisque  RelatedKind = "risque"
)

// RelatedEntities lists downstream records derived from an event.
// The lists only grow.
type RelatedEntities struct {
	AlerteIDs  []string `json:"alerteIds"`
	DossierIDs []string `json:"dossierIds"`
	RisqueIDs  []string `json:"risqueIds"`
}

// Add appends id to the list of the given kind. It reports false when the id
// is already present.
func (r *RelatedEntities) Add(kind RelatedKind, id string) (bool, error) {
	var list *[]string
	switch kind {
	case RelatedAlerte:
		list = &r.AlerteIDs
	case RelatedDossier:
		list = &r.DossierIDs
	case RelatedRisque:
		list = &r.RisqueIDs
	default:
		return false, fmt.Errorf("unknown related entity kind %q", kind)
	}
	if slices.Contains(*list, id) {
		return false, nil
	}
	*list = append(*list, id)
	return true, nil
}

// HistoriqueEntry is the audit record derived 1:1 from a processed event.
// Fields describing what happened are written once at projection.
type HistoriqueEntry struct {
	ID              string           `json:"id"`
	EventID         string           `json:"eventId"`
	AssureID        string           `json:"assureId"`
	EventType       EventType        `json:"eventType"`
	Category        string           `json:"category"`
	Impact          Impact           `json:"impact"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	Analysis        *AnalysisVerdict `json:"analysis,omitempty"`
	RelatedEntities RelatedEntities  `json:"relatedEntities"`
	Corrections     []Correction     `json:"corrections,omitempty"`
	Status          HistoriqueStatus `json:"status"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	Version         int64            `json:"version"`
}

// Correction is an appended amendment to a historique entry.
type Correction struct {
	At     time.Time `json:"at"`
	Author string    `json:"author"`
	Field  string    `json:"field"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to"`
	Note   string    `json:"note,omitempty"`
}

// SetStatus moves an active entry to a final status.
func (h *HistoriqueEntry) SetStatus(status HistoriqueStatus) error {
	if h.Status == status {
		return nil
	}
	if h.Status != HistoriqueActive {
		return fmt.Errorf("historique %s is %s and cannot become %s", h.ID, h.Status, status)
	}
	switch status {
	case HistoriqueCompleted, HistoriqueCancelled, HistoriqueError:
	default:
		return fmt.Errorf("invalid historique status %q", status)
	}
	h.Status = status
	return nil
}

// Identified reports whether the entry references a known person.
func (h *HistoriqueEntry) Identified() bool {
	return h.AssureID != "" && h.AssureID != UnknownAssure
}
