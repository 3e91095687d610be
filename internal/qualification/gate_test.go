package qualification

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/notify"
	"github.com/opensource-finance/vigil/internal/repository"
	"github.com/opensource-finance/vigil/internal/risk"
)

var agent = domain.Actor{ID: "agent-1", Team: "fraude-nord", Role: domain.RoleGestionnaire}

func newTestRepo(t *testing.T) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "qualification-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

// seed stores an event and one critical alert owned by it.
func seed(t *testing.T, repo domain.Repository, id, assureID string) *domain.Alert {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	e := &domain.Event{
		ID:         "evt-" + id,
		Type:       domain.EventDocumentUpload,
		Source:     domain.SourceClient,
		Data:       map[string]any{domain.DataSinisterNumber: "SIN-" + id},
		AssureID:   assureID,
		OccurredAt: now,
		CreatedAt:  now,
	}
	if err := repo.SaveEvent(ctx, e); err != nil {
		t.Fatalf("SaveEvent failed: %v", err)
	}
	a := &domain.Alert{
		ID:           id,
		EventID:      e.ID,
		HistoriqueID: "hist-" + id,
		Severity:     domain.SeverityCritical,
		Score:        92,
		Status:       domain.AlertNew,
		Metadata:     domain.AlertMetadata{RuleID: "score-threshold"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := repo.SaveAlert(ctx, a); err != nil {
		t.Fatalf("SaveAlert failed: %v", err)
	}
	return a
}

type spyPort struct {
	calls atomic.Int32
}

func (s *spyPort) ConfirmFraud(ctx context.Context, assureID string, alert *domain.Alert, tracking string) (domain.RiskImpact, error) {
	s.calls.Add(1)
	return domain.RiskImpact{AlertID: alert.ID, AssureID: assureID, RisqueID: "r-" + assureID, Outcome: domain.OutcomeSuccess}, nil
}

func TestQualify(t *testing.T) {
	ctx := context.Background()

	t.Run("false positive leaves risk untouched", func(t *testing.T) {
		repo := newTestRepo(t)
		spy := &spyPort{}
		rec := notify.NewRecorder(8)
		g := NewGate(repo, spy, rec)
		seed(t, repo, "a1", "assure-1")

		res, err := g.Qualify(ctx, "a1", domain.QualificationFalsePositive, agent, "scan artefact")
		if err != nil {
			t.Fatalf("Qualify failed: %v", err)
		}
		if res.Outcome != domain.OutcomeSuccess || res.Risk != nil {
			t.Errorf("unexpected result: %+v", res)
		}
		if res.Alert.Status != domain.AlertQualified || res.Alert.ImpactsRisk {
			t.Errorf("unexpected alert state: status %s impactsRisk %v", res.Alert.Status, res.Alert.ImpactsRisk)
		}
		if spy.calls.Load() != 0 {
			t.Errorf("risk port must not be called, got %d calls", spy.calls.Load())
		}
		if topics := rec.Topics(); len(topics) != 1 || topics[0] != domain.TopicAlertQualified {
			t.Errorf("expected alert.qualified notification, got %v", topics)
		}
	})

	t.Run("requires investigation leaves risk untouched", func(t *testing.T) {
		repo := newTestRepo(t)
		spy := &spyPort{}
		g := NewGate(repo, spy, notify.NewRecorder(8))
		seed(t, repo, "a1", "assure-1")

		if _, err := g.Qualify(ctx, "a1", domain.QualificationRequiresInvestigation, agent, ""); err != nil {
			t.Fatalf("Qualify failed: %v", err)
		}
		if spy.calls.Load() != 0 {
			t.Errorf("risk port must not be called")
		}
	})

	t.Run("fraud confirmed updates the ledger", func(t *testing.T) {
		repo := newTestRepo(t)
		ledger := risk.NewLedger(repo, nil, notify.NewRecorder(8), time.Minute)
		g := NewGate(repo, ledger, notify.NewRecorder(8))
		seed(t, repo, "a1", "assure-1")

		res, err := g.Qualify(ctx, "a1", domain.QualificationFraudConfirmed, agent, "")
		if err != nil {
			t.Fatalf("Qualify failed: %v", err)
		}
		if res.Risk == nil || res.Risk.Outcome != domain.OutcomeSuccess {
			t.Fatalf("expected applied risk impact, got %+v", res.Risk)
		}
		if res.Risk.NewLevel.Rank() <= res.Risk.PreviousLevel.Rank() {
			t.Errorf("level must rise: %s -> %s", res.Risk.PreviousLevel, res.Risk.NewLevel)
		}

		stored, _ := repo.GetAlert(ctx, "a1")
		if !stored.ImpactsRisk {
			t.Error("impactsRisk must be true after confirmation")
		}
		r, _ := repo.GetRisque(ctx, "assure-1")
		if len(r.ScoreHistory) != 1 || r.ScoreHistory[0].AlertID != "a1" {
			t.Errorf("expected one history entry citing a1, got %+v", r.ScoreHistory)
		}
	})

	t.Run("second confirmation is a no-op", func(t *testing.T) {
		repo := newTestRepo(t)
		ledger := risk.NewLedger(repo, nil, notify.NewRecorder(8), time.Minute)
		g := NewGate(repo, ledger, notify.NewRecorder(8))
		seed(t, repo, "a1", "assure-1")

		if _, err := g.Qualify(ctx, "a1", domain.QualificationFraudConfirmed, agent, ""); err != nil {
			t.Fatalf("first Qualify failed: %v", err)
		}
		before, _ := repo.GetRisque(ctx, "assure-1")

		res, err := g.Qualify(ctx, "a1", domain.QualificationFraudConfirmed, agent, "")
		if err != nil {
			t.Fatalf("second Qualify failed: %v", err)
		}
		if res.Outcome != domain.OutcomeSkipped || res.Reason != domain.SkipAlreadyQualified {
			t.Errorf("expected skipped already_qualified, got %s %s", res.Outcome, res.Reason)
		}
		after, _ := repo.GetRisque(ctx, "assure-1")
		if len(after.ScoreHistory) != 1 || after.Level != before.Level {
			t.Errorf("risk escalated twice: %s -> %s, %d entries", before.Level, after.Level, len(after.ScoreHistory))
		}
	})

	t.Run("qualification cannot be overwritten", func(t *testing.T) {
		repo := newTestRepo(t)
		spy := &spyPort{}
		g := NewGate(repo, spy, notify.NewRecorder(8))
		seed(t, repo, "a1", "assure-1")

		if _, err := g.Qualify(ctx, "a1", domain.QualificationFalsePositive, agent, ""); err != nil {
			t.Fatalf("Qualify failed: %v", err)
		}
		res, err := g.Qualify(ctx, "a1", domain.QualificationFraudConfirmed, agent, "")
		if err != nil {
			t.Fatalf("Qualify failed: %v", err)
		}
		if res.Reason != domain.SkipAlreadyQualified || res.Alert.Metadata.Qualification != domain.QualificationFalsePositive {
			t.Errorf("qualification was overwritten: %+v", res.Alert.Metadata)
		}
		if spy.calls.Load() != 0 {
			t.Error("risk port must not be called")
		}
	})

	t.Run("unlinked person is reported", func(t *testing.T) {
		repo := newTestRepo(t)
		spy := &spyPort{}
		g := NewGate(repo, spy, notify.NewRecorder(8))
		a := seed(t, repo, "a1", "")

		// the denormalized copy on the alert is never trusted
		a.Metadata.AssureID = "assure-from-alert"
		if err := repo.UpdateAlert(ctx, a); err != nil {
			t.Fatalf("UpdateAlert failed: %v", err)
		}

		res, err := g.Qualify(ctx, "a1", domain.QualificationFraudConfirmed, agent, "")
		if err != nil {
			t.Fatalf("Qualify failed: %v", err)
		}
		if res.Risk == nil || res.Risk.Reason != domain.SkipUnlinkedPerson {
			t.Errorf("expected unlinked_person, got %+v", res.Risk)
		}
		if res.Alert.ImpactsRisk || spy.calls.Load() != 0 {
			t.Error("no risk update may happen without a person on the event")
		}
	})

	t.Run("reconcile after identification", func(t *testing.T) {
		repo := newTestRepo(t)
		spy := &spyPort{}
		g := NewGate(repo, spy, notify.NewRecorder(8))
		seed(t, repo, "a1", "")

		if _, err := g.Qualify(ctx, "a1", domain.QualificationFraudConfirmed, agent, ""); err != nil {
			t.Fatalf("Qualify failed: %v", err)
		}
		e, _ := repo.GetEvent(ctx, "evt-a1")
		e.AssureID = "assure-7"
		if err := repo.UpdateEvent(ctx, e); err != nil {
			t.Fatalf("UpdateEvent failed: %v", err)
		}

		impacts, err := g.ReconcileEvent(ctx, "evt-a1")
		if err != nil {
			t.Fatalf("ReconcileEvent failed: %v", err)
		}
		if len(impacts) != 1 || impacts[0].Outcome != domain.OutcomeSuccess {
			t.Fatalf("expected one applied impact, got %+v", impacts)
		}
		impacts, _ = g.ReconcileEvent(ctx, "evt-a1")
		if len(impacts) != 0 || spy.calls.Load() != 1 {
			t.Errorf("reconcile must be idempotent, got %d impacts and %d calls", len(impacts), spy.calls.Load())
		}
	})

	t.Run("reconcile after reopen and close", func(t *testing.T) {
		repo := newTestRepo(t)
		spy := &spyPort{}
		g := NewGate(repo, spy, notify.NewRecorder(8))
		seed(t, repo, "a1", "")
		seed(t, repo, "a2", "")

		for _, id := range []string{"a1", "a2"} {
			if _, err := g.Qualify(ctx, id, domain.QualificationFraudConfirmed, agent, ""); err != nil {
				t.Fatalf("Qualify %s failed: %v", id, err)
			}
			if _, err := g.Reopen(ctx, id, "more documents expected", agent); err != nil {
				t.Fatalf("Reopen %s failed: %v", id, err)
			}
		}
		if _, err := g.Close(ctx, "a2", "handled offline", agent); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		var impacts []domain.RiskImpact
		for _, id := range []string{"a1", "a2"} {
			e, _ := repo.GetEvent(ctx, "evt-"+id)
			e.AssureID = "assure-7"
			if err := repo.UpdateEvent(ctx, e); err != nil {
				t.Fatalf("UpdateEvent failed: %v", err)
			}
			got, err := g.ReconcileEvent(ctx, "evt-"+id)
			if err != nil {
				t.Fatalf("ReconcileEvent failed: %v", err)
			}
			impacts = append(impacts, got...)
		}
		if len(impacts) != 2 || spy.calls.Load() != 2 {
			t.Fatalf("expected both deferred updates applied, got %+v and %d calls", impacts, spy.calls.Load())
		}

		a1, _ := repo.GetAlert(ctx, "a1")
		if a1.Status != domain.AlertInvestigating || !a1.ImpactsRisk {
			t.Errorf("expected reopened alert to impact risk and stay investigating: %+v", a1)
		}
		a2, _ := repo.GetAlert(ctx, "a2")
		if a2.Status != domain.AlertClosed || !a2.ImpactsRisk {
			t.Errorf("expected closed alert to impact risk and stay closed: %+v", a2)
		}
	})

	t.Run("concurrent confirmations apply once", func(t *testing.T) {
		repo := newTestRepo(t)
		spy := &spyPort{}
		g := NewGate(repo, spy, notify.NewRecorder(32))
		seed(t, repo, "a1", "assure-1")

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := g.Qualify(ctx, "a1", domain.QualificationFraudConfirmed, agent, "")
				if err != nil {
					t.Errorf("Qualify failed: %v", err)
					return
				}
				if res.Outcome == domain.OutcomeSuccess {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if wins.Load() != 1 || spy.calls.Load() != 1 {
			t.Errorf("expected one winner and one risk call, got %d and %d", wins.Load(), spy.calls.Load())
		}
	})

	t.Run("invalid label", func(t *testing.T) {
		repo := newTestRepo(t)
		g := NewGate(repo, &spyPort{}, notify.NewRecorder(8))
		if _, err := g.Qualify(ctx, "a1", "maybe", agent, ""); !errors.Is(err, ErrInvalidQualification) {
			t.Errorf("expected ErrInvalidQualification, got %v", err)
		}
	})

	t.Run("missing alert", func(t *testing.T) {
		repo := newTestRepo(t)
		g := NewGate(repo, &spyPort{}, notify.NewRecorder(8))
		_, err := g.Qualify(ctx, "nope", domain.QualificationFalsePositive, agent, "")
		if !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestAlertActions(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	g := NewGate(repo, &spyPort{}, notify.NewRecorder(64))
	seed(t, repo, "a1", "assure-1")

	if _, err := g.StartInvestigation(ctx, "a1", agent); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for new alert, got %v", err)
	}

	a, err := g.Assign(ctx, "a1", "agent-2", "fraude-sud", agent)
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if a.Status != domain.AlertAssigned || a.AssignedTo != "agent-2" {
		t.Errorf("unexpected alert after assign: %+v", a)
	}

	a, err = g.StartInvestigation(ctx, "a1", agent)
	if err != nil {
		t.Fatalf("StartInvestigation failed: %v", err)
	}
	if a.Status != domain.AlertInvestigating {
		t.Errorf("expected investigating, got %s", a.Status)
	}

	a, err = g.Transfer(ctx, "a1", "agent-3", "fraude-est", "specialist needed", agent)
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if a.AssignedTeam != "fraude-est" || a.Status != domain.AlertInvestigating {
		t.Errorf("unexpected alert after transfer: %+v", a)
	}

	if _, err := g.Assign(ctx, "a1", "agent-4", "", agent); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for assign while investigating, got %v", err)
	}

	if _, err := g.Qualify(ctx, "a1", domain.QualificationFraudConfirmed, agent, ""); err != nil {
		t.Fatalf("Qualify failed: %v", err)
	}
	if _, err := g.Close(ctx, "a1", "done", agent); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition closing a qualified alert, got %v", err)
	}

	a, err = g.Reopen(ctx, "a1", "new evidence", agent)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	if a.Status != domain.AlertInvestigating || a.Metadata.Qualification != domain.QualificationFraudConfirmed || !a.ImpactsRisk {
		t.Errorf("reopen must keep qualification and impactsRisk: %+v", a)
	}

	a, err = g.Close(ctx, "a1", "duplicate", agent)
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if a.Status != domain.AlertClosed {
		t.Errorf("expected closed, got %s", a.Status)
	}
	if len(a.Notes) < 6 {
		t.Errorf("expected a note per action, got %d", len(a.Notes))
	}

	if _, err := g.Transfer(ctx, "a1", "", "", "", agent); !errors.Is(err, repository.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for empty transfer, got %v", err)
	}
}

func TestClosedAlertCannotBeQualified(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	g := NewGate(repo, &spyPort{}, notify.NewRecorder(8))
	seed(t, repo, "a1", "assure-1")

	if _, err := g.Close(ctx, "a1", "noise", agent); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := g.Qualify(ctx, "a1", domain.QualificationFalsePositive, agent, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestOnlyConfirmedAlertsReachRisk_PropertyBased(t *testing.T) {
	repo := newTestRepo(t)
	ledger := risk.NewLedger(repo, nil, notify.NewRecorder(1), time.Minute)
	g := NewGate(repo, ledger, notify.NewRecorder(1))
	ctx := context.Background()
	labels := []domain.Qualification{
		domain.QualificationFraudConfirmed,
		domain.QualificationFalsePositive,
		domain.QualificationRequiresInvestigation,
	}
	var run atomic.Int64

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("no history entry cites an unconfirmed alert", prop.ForAll(
		func(choices []int) bool {
			person := fmt.Sprintf("assure-%d", run.Add(1))
			confirmed := map[string]bool{}
			for i, c := range choices {
				id := fmt.Sprintf("%s-a%d", person, i)
				seed(t, repo, id, person)
				if _, err := g.Qualify(ctx, id, labels[c], agent, ""); err != nil {
					t.Logf("Qualify failed: %v", err)
					return false
				}
				confirmed[id] = labels[c] == domain.QualificationFraudConfirmed
			}

			r, err := repo.GetRisque(ctx, person)
			if errors.Is(err, repository.ErrNotFound) {
				for _, ok := range confirmed {
					if ok {
						return false
					}
				}
				return true
			}
			if err != nil {
				return false
			}
			count := 0
			for _, e := range r.ScoreHistory {
				if !confirmed[e.AlertID] {
					return false
				}
				count++
			}
			want := 0
			for _, ok := range confirmed {
				if ok {
					want++
				}
			}
			return count == want
		},
		gen.SliceOfN(4, gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}
