package risk

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/opensource-finance/vigil/internal/cache"
	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/notify"
	"github.com/opensource-finance/vigil/internal/repository"
)

func newTestLedger(t *testing.T) (*Ledger, *repository.SQLRepository, domain.Cache) {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "risk-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	c, err := cache.New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100, LocalTTL: time.Minute})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	return NewLedger(repo, c, notify.NewRecorder(64), time.Minute), repo, c
}

func confirmed(id string, sev domain.Severity, score float64) *domain.Alert {
	return &domain.Alert{
		ID:       id,
		EventID:  "evt-" + id,
		Severity: sev,
		Score:    score,
		Metadata: domain.AlertMetadata{
			Qualification: domain.QualificationFraudConfirmed,
			QualifiedBy:   "agent-1",
		},
	}
}

func TestCandidateLevel(t *testing.T) {
	tests := []struct {
		sev   domain.Severity
		score float64
		want  domain.RiskLevel
	}{
		{domain.SeverityCritical, 10, domain.RiskVeryHigh},
		{domain.SeverityHigh, 10, domain.RiskHigh},
		{domain.SeverityMedium, 81, domain.RiskHigh},
		{domain.SeverityMedium, 80, domain.RiskMedium},
		{domain.SeverityMedium, 61, domain.RiskMedium},
		{domain.SeverityMedium, 55, domain.RiskMedium},
		{domain.SeverityLow, 0, domain.RiskMedium},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%v", tt.sev, tt.score), func(t *testing.T) {
			if got := CandidateLevel(tt.sev, tt.score); got != tt.want {
				t.Errorf("CandidateLevel(%s, %v) = %s, want %s", tt.sev, tt.score, got, tt.want)
			}
		})
	}
}

func TestNextLevel(t *testing.T) {
	tests := []struct {
		current domain.RiskLevel
		sev     domain.Severity
		want    domain.RiskLevel
	}{
		{domain.RiskVeryLow, domain.SeverityMedium, domain.RiskMedium},
		{domain.RiskMedium, domain.SeverityMedium, domain.RiskHigh},
		{domain.RiskHigh, domain.SeverityCritical, domain.RiskVeryHigh},
		{domain.RiskVeryHigh, domain.SeverityMedium, domain.RiskCritical},
		{domain.RiskCritical, domain.SeverityCritical, domain.RiskCritical},
	}
	for _, tt := range tests {
		if got := NextLevel(tt.current, tt.sev, 50); got != tt.want {
			t.Errorf("NextLevel(%s, %s) = %s, want %s", tt.current, tt.sev, got, tt.want)
		}
	}
}

func TestConfirmFraud(t *testing.T) {
	ctx := context.Background()

	t.Run("creates and raises a profile", func(t *testing.T) {
		l, repo, _ := newTestLedger(t)
		impact, err := l.ConfirmFraud(ctx, "assure-1", confirmed("a1", domain.SeverityCritical, 92), "SIN-001")
		if err != nil {
			t.Fatalf("ConfirmFraud failed: %v", err)
		}
		if impact.Outcome != domain.OutcomeSuccess {
			t.Fatalf("expected success, got %+v", impact)
		}
		if impact.PreviousLevel != domain.RiskVeryLow || impact.NewLevel != domain.RiskVeryHigh {
			t.Errorf("unexpected levels: %s -> %s", impact.PreviousLevel, impact.NewLevel)
		}

		r, err := repo.GetRisque(ctx, "assure-1")
		if err != nil {
			t.Fatalf("GetRisque failed: %v", err)
		}
		if len(r.ScoreHistory) != 1 {
			t.Fatalf("expected 1 history entry, got %d", len(r.ScoreHistory))
		}
		reason := r.ScoreHistory[0].Reason
		if !strings.Contains(reason, "a1") || !strings.Contains(reason, "SIN-001") {
			t.Errorf("reason must cite alert and tracking number: %q", reason)
		}
		if r.Scoring.FinalScore != domain.RiskVeryHigh.Score() {
			t.Errorf("unexpected score %v", r.Scoring.FinalScore)
		}
	})

	t.Run("same alert twice is a no-op", func(t *testing.T) {
		l, repo, _ := newTestLedger(t)
		alert := confirmed("a1", domain.SeverityHigh, 88)
		if _, err := l.ConfirmFraud(ctx, "assure-1", alert, "T"); err != nil {
			t.Fatalf("first ConfirmFraud failed: %v", err)
		}
		impact, err := l.ConfirmFraud(ctx, "assure-1", alert, "T")
		if err != nil {
			t.Fatalf("second ConfirmFraud failed: %v", err)
		}
		if impact.Outcome != domain.OutcomeSkipped || impact.Reason != domain.SkipAlreadyApplied {
			t.Errorf("expected skipped already_applied, got %+v", impact)
		}
		r, _ := repo.GetRisque(ctx, "assure-1")
		if len(r.ScoreHistory) != 1 || r.Level != domain.RiskHigh {
			t.Errorf("profile moved twice: level %s, %d entries", r.Level, len(r.ScoreHistory))
		}
	})

	t.Run("concurrent confirmations of one alert apply once", func(t *testing.T) {
		l, repo, _ := newTestLedger(t)
		alert := confirmed("a1", domain.SeverityHigh, 88)
		var applied atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				impact, err := l.ConfirmFraud(ctx, "assure-1", alert, "T")
				if err != nil {
					t.Errorf("ConfirmFraud failed: %v", err)
					return
				}
				if impact.Outcome == domain.OutcomeSuccess {
					applied.Add(1)
				}
			}()
		}
		wg.Wait()
		if applied.Load() != 1 {
			t.Errorf("expected exactly one application, got %d", applied.Load())
		}
		r, _ := repo.GetRisque(ctx, "assure-1")
		if len(r.ScoreHistory) != 1 {
			t.Errorf("expected 1 history entry, got %d", len(r.ScoreHistory))
		}
	})

	t.Run("unconfirmed alert is refused", func(t *testing.T) {
		l, repo, _ := newTestLedger(t)
		alert := confirmed("a1", domain.SeverityCritical, 99)
		alert.Metadata.Qualification = domain.QualificationFalsePositive
		impact, err := l.ConfirmFraud(ctx, "assure-1", alert, "T")
		if err != nil {
			t.Fatalf("ConfirmFraud failed: %v", err)
		}
		if impact.Reason != domain.SkipNotConfirmed {
			t.Errorf("expected not_fraud_confirmed, got %+v", impact)
		}
		if _, err := repo.GetRisque(ctx, "assure-1"); err == nil {
			t.Error("no profile must be created for an unconfirmed alert")
		}
	})

	t.Run("unknown person is skipped", func(t *testing.T) {
		l, _, _ := newTestLedger(t)
		impact, err := l.ConfirmFraud(ctx, domain.UnknownAssure, confirmed("a1", domain.SeverityHigh, 80), "T")
		if err != nil {
			t.Fatalf("ConfirmFraud failed: %v", err)
		}
		if impact.Reason != domain.SkipUnlinkedPerson {
			t.Errorf("expected unlinked_person, got %+v", impact)
		}
	})
}

func TestGetProfile(t *testing.T) {
	ctx := context.Background()
	l, _, c := newTestLedger(t)

	p, err := l.GetProfile(ctx, "nobody")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if p.Level != domain.RiskVeryLow || p.Scoring.FinalScore != 0 || p.ID != "" {
		t.Errorf("expected unsaved very_low profile, got %+v", p)
	}

	if _, err := l.ConfirmFraud(ctx, "assure-1", confirmed("a1", domain.SeverityMedium, 60), "T"); err != nil {
		t.Fatalf("ConfirmFraud failed: %v", err)
	}
	p, err = l.GetProfile(ctx, "assure-1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if p.Level != domain.RiskMedium {
		t.Errorf("expected medium, got %s", p.Level)
	}
	if data, _ := c.Get(ctx, domain.CacheKeyRisque+"assure-1"); data == nil {
		t.Error("expected profile to be cached after read")
	}

	if _, err := l.ConfirmFraud(ctx, "assure-1", confirmed("a2", domain.SeverityMedium, 60), "T"); err != nil {
		t.Fatalf("ConfirmFraud failed: %v", err)
	}
	if data, _ := c.Get(ctx, domain.CacheKeyRisque+"assure-1"); data != nil {
		t.Error("expected cache invalidation after update")
	}
	p, _ = l.GetProfile(ctx, "assure-1")
	if p.Level != domain.RiskHigh || len(p.ScoreHistory) != 2 {
		t.Errorf("expected fresh profile after invalidation, got level %s with %d entries", p.Level, len(p.ScoreHistory))
	}
}

// pausingRepo parks the first GetRisque after its read until release closes.
type pausingRepo struct {
	domain.Repository
	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (r *pausingRepo) GetRisque(ctx context.Context, assureID string) (*domain.Risque, error) {
	profile, err := r.Repository.GetRisque(ctx, assureID)
	r.once.Do(func() {
		close(r.read)
		<-r.release
	})
	return profile, err
}

func TestGetProfileRacingConfirmation(t *testing.T) {
	ctx := context.Background()
	seed, repo, c := newTestLedger(t)
	if _, err := seed.ConfirmFraud(ctx, "assure-1", confirmed("a1", domain.SeverityMedium, 60), "T"); err != nil {
		t.Fatalf("ConfirmFraud failed: %v", err)
	}
	if err := c.Delete(ctx, domain.CacheKeyRisque+"assure-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	paused := &pausingRepo{Repository: repo, read: make(chan struct{}), release: make(chan struct{})}
	l := NewLedger(paused, c, notify.NewRecorder(64), time.Minute)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := l.GetProfile(ctx, "assure-1"); err != nil {
			t.Errorf("GetProfile failed: %v", err)
		}
	}()
	<-paused.read

	var impact domain.RiskImpact
	go func() {
		defer wg.Done()
		var err error
		impact, err = l.ConfirmFraud(ctx, "assure-1", confirmed("a2", domain.SeverityCritical, 90), "T")
		if err != nil {
			t.Errorf("ConfirmFraud failed: %v", err)
		}
	}()
	time.Sleep(50 * time.Millisecond)
	close(paused.release)
	wg.Wait()

	if impact.NewLevel != domain.RiskVeryHigh {
		t.Fatalf("expected confirmation to reach very_high, got %+v", impact)
	}
	p, err := l.GetProfile(ctx, "assure-1")
	if err != nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if p.Level != domain.RiskVeryHigh || len(p.ScoreHistory) != 2 {
		t.Errorf("stale profile served after confirmation: level %s with %d entries", p.Level, len(p.ScoreHistory))
	}
}

func TestScoreHistoryIsMonotonic_PropertyBased(t *testing.T) {
	l, repo, _ := newTestLedger(t)
	ctx := context.Background()
	severities := []domain.Severity{domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical}
	var run atomic.Int64

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("confirmations only append and never lower the level", prop.ForAll(
		func(draws []int) bool {
			person := fmt.Sprintf("assure-%d", run.Add(1))
			var previous []domain.ScoreEntry
			previousRank := -1
			previousScore := 0.0

			for i, d := range draws {
				alert := confirmed(fmt.Sprintf("%s-a%d", person, i), severities[d/100], float64(d%100))
				if _, err := l.ConfirmFraud(ctx, person, alert, "T"); err != nil {
					t.Logf("ConfirmFraud failed: %v", err)
					return false
				}
				r, err := repo.GetRisque(ctx, person)
				if err != nil {
					return false
				}
				if len(r.ScoreHistory) != len(previous)+1 {
					return false
				}
				for j := range previous {
					if r.ScoreHistory[j].AlertID != previous[j].AlertID || r.ScoreHistory[j].Score != previous[j].Score {
						return false
					}
				}
				if r.Level.Rank() <= previousRank && r.Level != domain.RiskCritical {
					return false
				}
				if r.Scoring.FinalScore < previousScore {
					return false
				}
				previous = r.ScoreHistory
				previousRank = r.Level.Rank()
				previousScore = r.Scoring.FinalScore
			}
			return true
		},
		gen.SliceOfN(6, gen.IntRange(0, 399)),
	))

	properties.TestingRun(t)
}
