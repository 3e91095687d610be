package qualification

import (
	"context"
	"fmt"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/repository"
)

// Assign moves a new alert to assigned, or reassigns an assigned one.
func (g *Gate) Assign(ctx context.Context, alertID, assignee, team string, actor domain.Actor) (*domain.Alert, error) {
	if assignee == "" {
		return nil, fmt.Errorf("%w: assignee is required", repository.ErrInvalidInput)
	}
	return g.mutate(ctx, alertID, func(a *domain.Alert) error {
		if a.Status != domain.AlertNew && a.Status != domain.AlertAssigned {
			return fmt.Errorf("%w: cannot assign a %s alert", ErrInvalidTransition, a.Status)
		}
		a.Status = domain.AlertAssigned
		a.AssignedTo = assignee
		if team != "" {
			a.AssignedTeam = team
		}
		a.AddNote(g.now().UTC(), actor.ID, "assignment", "assigned to "+assignee)
		return nil
	})
}

// StartInvestigation moves an assigned alert to investigating.
func (g *Gate) StartInvestigation(ctx context.Context, alertID string, actor domain.Actor) (*domain.Alert, error) {
	return g.mutate(ctx, alertID, func(a *domain.Alert) error {
		if a.Status != domain.AlertAssigned {
			return fmt.Errorf("%w: cannot investigate a %s alert", ErrInvalidTransition, a.Status)
		}
		a.Status = domain.AlertInvestigating
		a.AddNote(g.now().UTC(), actor.ID, "investigation", "investigation started")
		return nil
	})
}

// Transfer hands an open alert to another person or team.
func (g *Gate) Transfer(ctx context.Context, alertID, toUser, toTeam, reason string, actor domain.Actor) (*domain.Alert, error) {
	if toUser == "" && toTeam == "" {
		return nil, fmt.Errorf("%w: transfer target is required", repository.ErrInvalidInput)
	}
	return g.mutate(ctx, alertID, func(a *domain.Alert) error {
		if a.Status.Terminal() {
			return fmt.Errorf("%w: cannot transfer a %s alert", ErrInvalidTransition, a.Status)
		}
		from := a.AssignedTo
		if from == "" {
			from = "unassigned"
		}
		if toUser != "" {
			a.AssignedTo = toUser
		}
		if toTeam != "" {
			a.AssignedTeam = toTeam
		}
		if a.Status == domain.AlertNew {
			a.Status = domain.AlertAssigned
		}
		a.AddNote(g.now().UTC(), actor.ID, "transfer", fmt.Sprintf("%s -> %s/%s: %s", from, a.AssignedTo, a.AssignedTeam, reason))
		return nil
	})
}

// Close ends an open alert without qualification.
func (g *Gate) Close(ctx context.Context, alertID, reason string, actor domain.Actor) (*domain.Alert, error) {
	return g.mutate(ctx, alertID, func(a *domain.Alert) error {
		if a.Status.Terminal() {
			return fmt.Errorf("%w: alert is already %s", ErrInvalidTransition, a.Status)
		}
		a.Status = domain.AlertClosed
		a.AddNote(g.now().UTC(), actor.ID, "closure", reason)
		return nil
	})
}

// Reopen puts a qualified or closed alert back under investigation. The
// qualification and impactsRisk are kept.
func (g *Gate) Reopen(ctx context.Context, alertID, note string, actor domain.Actor) (*domain.Alert, error) {
	return g.mutate(ctx, alertID, func(a *domain.Alert) error {
		if !a.Status.Terminal() {
			return fmt.Errorf("%w: cannot reopen a %s alert", ErrInvalidTransition, a.Status)
		}
		a.Status = domain.AlertInvestigating
		a.AddNote(g.now().UTC(), actor.ID, "reopen", note)
		return nil
	})
}

// mutate applies fn under the alert lock with a version check.
func (g *Gate) mutate(ctx context.Context, alertID string, fn func(*domain.Alert) error) (*domain.Alert, error) {
	unlock, err := g.alerts.Lock(ctx, alertID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var alert *domain.Alert
	err = repository.RetryOnConflict(ctx, func() error {
		a, err := g.repo.GetAlert(ctx, alertID)
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		a.UpdatedAt = g.now().UTC()
		if err := g.repo.UpdateAlert(ctx, a); err != nil {
			return err
		}
		alert = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.notifier.Notify(ctx, domain.Notification{
		Topic:    domain.TopicAlertUpdated,
		EntityID: alert.ID,
		EventID:  alert.EventID,
		Detail:   string(alert.Status),
	})
	return alert, nil
}
