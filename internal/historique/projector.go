// Package historique projects events into the audit trail and maintains the
// append-only links from each entry to the records derived from its event.
package historique

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/lock"
	"github.com/opensource-finance/vigil/internal/metrics"
	"github.com/opensource-finance/vigil/internal/repository"
)

// ErrIdentityConflict is returned when an event already identified to one
// person is identified to another.
var ErrIdentityConflict = errors.New("event is already identified to another person")

// Projector derives exactly one HistoriqueEntry per event.
type Projector struct {
	repo       domain.Repository
	notifier   domain.Notifier
	thresholds *domain.Thresholds
	events     lock.Keyed
	now        func() time.Time
}

// NewProjector creates a projector. thresholds is the shared, read-only
// configuration also used by the alert synthesizer.
func NewProjector(repo domain.Repository, notifier domain.Notifier, thresholds *domain.Thresholds) *Projector {
	return &Projector{
		repo:       repo,
		notifier:   notifier,
		thresholds: thresholds,
		now:        time.Now,
	}
}

// Project creates the entry for eventID and marks the event processed.
// Re-projecting returns the existing entry with a skipped outcome. The check
// and the write are serialized per event; the store's unique event_id
// constraint covers concurrent writers on other nodes.
func (p *Projector) Project(ctx context.Context, eventID string, verdict *domain.AnalysisVerdict) (*domain.HistoriqueEntry, domain.Outcome, error) {
	unlock, err := p.events.Lock(ctx, eventID)
	if err != nil {
		return nil, domain.OutcomeFailed, err
	}
	defer unlock()

	event, err := p.repo.GetEvent(ctx, eventID)
	if err != nil {
		return nil, domain.OutcomeFailed, fmt.Errorf("load event %s: %w", eventID, err)
	}

	existing, err := p.repo.GetHistoriqueByEvent(ctx, eventID)
	switch {
	case err == nil:
		if err := p.markProcessed(ctx, event); err != nil {
			return nil, domain.OutcomeFailed, err
		}
		metrics.Projection(string(domain.OutcomeSkipped))
		return existing, domain.OutcomeSkipped, nil
	case !errors.Is(err, repository.ErrNotFound):
		return nil, domain.OutcomeFailed, fmt.Errorf("lookup historique for %s: %w", eventID, err)
	}

	entry := p.build(event, verdict)
	if err := p.repo.SaveHistorique(ctx, entry); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			metrics.Projection(string(domain.OutcomeFailed))
			return nil, domain.OutcomeFailed, fmt.Errorf("save historique for %s: %w", eventID, err)
		}
		// another node projected the event first
		existing, getErr := p.repo.GetHistoriqueByEvent(ctx, eventID)
		if getErr != nil {
			return nil, domain.OutcomeFailed, fmt.Errorf("reload historique for %s: %w", eventID, getErr)
		}
		if err := p.markProcessed(ctx, event); err != nil {
			return nil, domain.OutcomeFailed, err
		}
		metrics.Projection(string(domain.OutcomeSkipped))
		return existing, domain.OutcomeSkipped, nil
	}

	if err := p.markProcessed(ctx, event); err != nil {
		return nil, domain.OutcomeFailed, err
	}

	slog.Info("historique projected",
		"event_id", eventID,
		"historique_id", entry.ID,
		"category", entry.Category,
		"impact", entry.Impact,
	)
	metrics.Projection(string(domain.OutcomeSuccess))
	p.notifier.Notify(ctx, domain.Notification{
		Topic:    domain.TopicHistoriqueProjected,
		EntityID: entry.ID,
		EventID:  eventID,
		AssureID: entry.AssureID,
	})
	return entry, domain.OutcomeSuccess, nil
}

func (p *Projector) build(e *domain.Event, v *domain.AnalysisVerdict) *domain.HistoriqueEntry {
	c := Classify(e, v, *p.thresholds)
	now := p.now().UTC()

	assure := e.AssureID
	if assure == "" {
		assure = domain.UnknownAssure
	}

	var analysis *domain.AnalysisVerdict
	if v != nil {
		snapshot := *v
		analysis = &snapshot
	}

	return &domain.HistoriqueEntry{
		ID:          uuid.New().String(),
		EventID:     e.ID,
		AssureID:    assure,
		EventType:   e.Type,
		Category:    c.Category,
		Impact:      c.Impact,
		Title:       c.Title,
		Description: c.Description,
		Analysis:    analysis,
		RelatedEntities: domain.RelatedEntities{
			AlerteIDs:  []string{},
			DossierIDs: []string{},
			RisqueIDs:  []string{},
		},
		Status:    domain.HistoriqueActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// markProcessed sets processedAt once.
func (p *Projector) markProcessed(ctx context.Context, event *domain.Event) error {
	return repository.RetryOnConflict(ctx, func() error {
		if event.Processed() {
			return nil
		}
		at := p.now().UTC()
		event.ProcessedAt = &at
		err := p.repo.UpdateEvent(ctx, event)
		if errors.Is(err, repository.ErrConflict) {
			fresh, getErr := p.repo.GetEvent(ctx, event.ID)
			if getErr != nil {
				return getErr
			}
			*event = *fresh
			return err
		}
		if err != nil {
			event.ProcessedAt = nil
			return fmt.Errorf("mark event %s processed: %w", event.ID, err)
		}
		return nil
	})
}

// Identify links a person to an event that had none and reconciles the
// projected entry in place. Identifying again to the same person is a no-op.
// It returns the updated event and entry; the entry is nil when the event has
// not been projected yet.
func (p *Projector) Identify(ctx context.Context, eventID, assureID, actor string) (*domain.Event, *domain.HistoriqueEntry, error) {
	if assureID == "" || assureID == domain.UnknownAssure {
		return nil, nil, fmt.Errorf("%w: assureId is required", repository.ErrInvalidInput)
	}

	unlock, err := p.events.Lock(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	var event *domain.Event
	err = repository.RetryOnConflict(ctx, func() error {
		e, err := p.repo.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		event = e
		switch e.AssureID {
		case assureID:
			return nil
		case "":
			e.AssureID = assureID
			return p.repo.UpdateEvent(ctx, e)
		default:
			return fmt.Errorf("%w: event %s belongs to %s", ErrIdentityConflict, eventID, e.AssureID)
		}
	})
	if err != nil {
		return nil, nil, err
	}

	var entry *domain.HistoriqueEntry
	err = repository.RetryOnConflict(ctx, func() error {
		h, err := p.repo.GetHistoriqueByEvent(ctx, eventID)
		if errors.Is(err, repository.ErrNotFound) {
			entry = nil
			return nil
		}
		if err != nil {
			return err
		}
		entry = h
		if h.AssureID == assureID {
			return nil
		}
		now := p.now().UTC()
		h.Corrections = append(h.Corrections, domain.Correction{
			At:     now,
			Author: actor,
			Field:  "assureId",
			From:   h.AssureID,
			To:     assureID,
			Note:   "person identified",
		})
		h.AssureID = assureID
		h.UpdatedAt = now
		return p.repo.UpdateHistorique(ctx, h)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("reconcile historique of %s: %w", eventID, err)
	}

	slog.Info("event identified", "event_id", eventID, "assure_id", assureID, "actor", actor)
	if entry != nil {
		p.notifier.Notify(ctx, domain.Notification{
			Topic:    domain.TopicHistoriqueProjected,
			EntityID: entry.ID,
			EventID:  eventID,
			AssureID: assureID,
			Detail:   "identified",
		})
	}
	return event, entry, nil
}

// Link appends id to one of the entry's relatedEntities lists. Linking the
// same id twice is a no-op.
func (p *Projector) Link(ctx context.Context, historiqueID string, kind domain.RelatedKind, id string) error {
	return repository.RetryOnConflict(ctx, func() error {
		h, err := p.repo.GetHistorique(ctx, historiqueID)
		if err != nil {
			return err
		}
		added, err := h.RelatedEntities.Add(kind, id)
		if err != nil || !added {
			return err
		}
		h.UpdatedAt = p.now().UTC()
		return p.repo.UpdateHistorique(ctx, h)
	})
}

// Complete moves an active entry to a final status.
func (p *Projector) Complete(ctx context.Context, historiqueID string, status domain.HistoriqueStatus) error {
	return repository.RetryOnConflict(ctx, func() error {
		h, err := p.repo.GetHistorique(ctx, historiqueID)
		if err != nil {
			return err
		}
		if h.Status == status {
			return nil
		}
		if err := h.SetStatus(status); err != nil {
			return err
		}
		h.UpdatedAt = p.now().UTC()
		return p.repo.UpdateHistorique(ctx, h)
	})
}
