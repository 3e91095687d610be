package workflow

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/vigil/internal/alerting"
	"github.com/opensource-finance/vigil/internal/cache"
	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/historique"
	"github.com/opensource-finance/vigil/internal/notify"
	"github.com/opensource-finance/vigil/internal/qualification"
	"github.com/opensource-finance/vigil/internal/repository"
	"github.com/opensource-finance/vigil/internal/risk"
	"github.com/opensource-finance/vigil/internal/rules"
	"github.com/opensource-finance/vigil/internal/scoring"
)

var agent = domain.Actor{ID: "agent-1", Team: "fraude-nord", Role: domain.RoleGestionnaire}

// fakeAnalyzer returns queued results in order, then repeats the last one.
type fakeAnalyzer struct {
	mu      sync.Mutex
	results []analysis
	calls   int
	block   bool
}

type analysis struct {
	verdict *domain.AnalysisVerdict
	err     error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, doc scoring.Document) (*domain.AnalysisVerdict, error) {
	f.mu.Lock()
	i := min(f.calls, len(f.results)-1)
	f.calls++
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", scoring.ErrTransient, ctx.Err())
	}
	r := f.results[i]
	if r.verdict != nil {
		v := *r.verdict
		return &v, nil
	}
	return nil, r.err
}

func scored(score float64) analysis {
	return analysis{verdict: &domain.AnalysisVerdict{DocumentID: "doc", Decision: domain.DecisionReview, RiskScore: score}}
}

// failingAlerts fails SaveAlert while fail is set.
type failingAlerts struct {
	domain.Repository
	fail bool
}

func (f *failingAlerts) SaveAlert(ctx context.Context, a *domain.Alert) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Repository.SaveAlert(ctx, a)
}

type harness struct {
	o        *Orchestrator
	repo     *failingAlerts
	analyzer *fakeAnalyzer
	rec      *notify.Recorder
}

func newHarness(t *testing.T, results ...analysis) *harness {
	t.Helper()
	sqlRepo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "workflow-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { sqlRepo.Close() })

	docs, err := cache.New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100, LocalTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	t.Cleanup(func() { docs.Close() })

	engine, err := rules.NewEngine(2)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if err := engine.ReloadRules(rules.BuiltinRules()); err != nil {
		t.Fatalf("failed to load rules: %v", err)
	}

	repo := &failingAlerts{Repository: sqlRepo}
	rec := notify.NewRecorder(256)
	thresholds := domain.DefaultThresholds()
	projector := historique.NewProjector(repo, rec, &thresholds)
	synth := alerting.NewSynthesizer(repo, projector, rec, &thresholds, domain.DefaultSLA(), engine)
	ledger := risk.NewLedger(repo, docs, rec, time.Minute)
	gate := qualification.NewGate(repo, ledger, rec)
	analyzer := &fakeAnalyzer{results: results}

	o := New(Deps{
		Repo:        repo,
		Documents:   docs,
		Analyzer:    analyzer,
		Projector:   projector,
		Synthesizer: synth,
		Gate:        gate,
		Notifier:    rec,
		Thresholds:  &thresholds,
	}, Options{ProjectionTimeout: 5 * time.Second, DocumentTTL: time.Hour})

	return &harness{o: o, repo: repo, analyzer: analyzer, rec: rec}
}

func upload(assureID string) DocumentRequest {
	return DocumentRequest{
		Filename:       "facture.pdf",
		ContentType:    "application/pdf",
		Data:           []byte("%PDF-1.7 test"),
		AssureID:       assureID,
		SinisterNumber: "SIN-2026-001",
	}
}

func hasTopic(topics []string, topic string) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

func TestProcessDocumentFraudulent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scored(0.92))

	res, err := h.o.ProcessDocument(ctx, upload("assure-1"))
	if err != nil {
		t.Fatalf("ProcessDocument failed: %v", err)
	}
	if res.Status != domain.ProcessingSuccess || res.Band != domain.BandFraudulent {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.AlertIDs) != 1 || res.HistoriqueID == "" {
		t.Fatalf("expected one alert and a historique, got %+v", res)
	}
	if len(res.RiskImpacts) != 0 {
		t.Errorf("processing must not touch risk, got %+v", res.RiskImpacts)
	}

	entry, _ := h.repo.GetHistorique(ctx, res.HistoriqueID)
	if entry.Category != historique.CategoryFraude {
		t.Errorf("expected category fraude, got %s", entry.Category)
	}
	if entry.Impact != domain.ImpactHigh && entry.Impact != domain.ImpactCritical {
		t.Errorf("expected high or critical impact, got %s", entry.Impact)
	}
	if entry.Status != domain.HistoriqueCompleted {
		t.Errorf("expected completed historique, got %s", entry.Status)
	}
	if len(entry.RelatedEntities.AlerteIDs) != 1 || entry.RelatedEntities.AlerteIDs[0] != res.AlertIDs[0] {
		t.Errorf("alert not linked into historique: %+v", entry.RelatedEntities)
	}

	alert, _ := h.repo.GetAlert(ctx, res.AlertIDs[0])
	if alert.Severity != domain.SeverityCritical || alert.Score < 91.99 || alert.Score > 92.01 || alert.ImpactsRisk {
		t.Errorf("unexpected alert: severity %s score %v impactsRisk %v", alert.Severity, alert.Score, alert.ImpactsRisk)
	}
	if alert.EventID != res.EventID || alert.HistoriqueID != res.HistoriqueID {
		t.Errorf("alert must reference its event and historique: %+v", alert)
	}

	event, _ := h.repo.GetEvent(ctx, res.EventID)
	if !event.Processed() {
		t.Error("event must be processed")
	}
	if data, _ := h.o.Documents.Get(ctx, domain.CacheKeyDocument+res.EventID); data != nil {
		t.Error("parked document must be dropped after success")
	}

	topics := h.rec.Topics()
	for _, want := range []string{domain.TopicEventRecorded, domain.TopicHistoriqueProjected, domain.TopicAlertCreated} {
		if !hasTopic(topics, want) {
			t.Errorf("missing %s notification in %v", want, topics)
		}
	}
	if _, err := h.repo.GetRisque(ctx, "assure-1"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("no risk profile may exist before qualification, got %v", err)
	}
}

func TestProcessDocumentSafe(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scored(0.3))

	res, err := h.o.ProcessDocument(ctx, upload(""))
	if err != nil {
		t.Fatalf("ProcessDocument failed: %v", err)
	}
	if res.Status != domain.ProcessingSuccess || res.Band != domain.BandSafe {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(res.AlertIDs) != 0 {
		t.Errorf("expected no alert, got %v", res.AlertIDs)
	}
	if res.HistoriqueID == "" {
		t.Fatal("historique must still be created")
	}
	last := res.Steps[len(res.Steps)-1]
	if last.Step != domain.StepAlert || last.Reason != domain.SkipBelowThreshold {
		t.Errorf("expected alert step skipped below_threshold, got %+v", last)
	}
	entry, _ := h.repo.GetHistorique(ctx, res.HistoriqueID)
	if entry.AssureID != domain.UnknownAssure {
		t.Errorf("expected placeholder person, got %q", entry.AssureID)
	}
}

func TestProcessDocumentSuspicious(t *testing.T) {
	h := newHarness(t, scored(0.6))
	res, err := h.o.ProcessDocument(context.Background(), upload("assure-1"))
	if err != nil {
		t.Fatalf("ProcessDocument failed: %v", err)
	}
	alert, _ := h.repo.GetAlert(context.Background(), res.AlertIDs[0])
	if alert.Severity != domain.SeverityMedium {
		t.Errorf("expected medium alert, got %s", alert.Severity)
	}
}

func TestQualifyScenarios(t *testing.T) {
	ctx := context.Background()

	t.Run("false positive", func(t *testing.T) {
		h := newHarness(t, scored(0.92))
		res, _ := h.o.ProcessDocument(ctx, upload("assure-1"))

		q, err := h.o.Qualify(ctx, res.AlertIDs[0], domain.QualificationFalsePositive, agent, "")
		if err != nil {
			t.Fatalf("Qualify failed: %v", err)
		}
		if q.Alert.Status != domain.AlertQualified || q.Alert.ImpactsRisk || q.RiskOutcome != RiskNone {
			t.Errorf("unexpected qualification: %+v", q)
		}
		if _, err := h.repo.GetRisque(ctx, "assure-1"); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("false positive must not touch risk, got %v", err)
		}
	})

	t.Run("fraud confirmed then confirmed again", func(t *testing.T) {
		h := newHarness(t, scored(0.92))
		res, _ := h.o.ProcessDocument(ctx, upload("assure-1"))
		alertID := res.AlertIDs[0]

		q, err := h.o.Qualify(ctx, alertID, domain.QualificationFraudConfirmed, agent, "forged")
		if err != nil {
			t.Fatalf("Qualify failed: %v", err)
		}
		if q.RiskOutcome != RiskUpdated || !q.Alert.ImpactsRisk {
			t.Fatalf("expected risk update, got %+v", q)
		}
		r, _ := h.repo.GetRisque(ctx, "assure-1")
		if r.Level.Rank() < domain.RiskLow.Rank() || len(r.ScoreHistory) != 1 || r.ScoreHistory[0].AlertID != alertID {
			t.Errorf("unexpected profile: %+v", r)
		}
		entry, _ := h.repo.GetHistorique(ctx, res.HistoriqueID)
		if len(entry.RelatedEntities.RisqueIDs) != 1 || entry.RelatedEntities.RisqueIDs[0] != r.ID {
			t.Errorf("risk profile not linked into historique: %+v", entry.RelatedEntities)
		}

		again, err := h.o.Qualify(ctx, alertID, domain.QualificationFraudConfirmed, agent, "")
		if err != nil {
			t.Fatalf("second Qualify failed: %v", err)
		}
		if again.Reason != domain.SkipAlreadyQualified || again.RiskOutcome != RiskNone {
			t.Errorf("expected no-op, got %+v", again)
		}
		after, _ := h.repo.GetRisque(ctx, "assure-1")
		if len(after.ScoreHistory) != 1 || after.Level != r.Level {
			t.Errorf("risk moved twice: %+v", after)
		}
	})

	t.Run("unlinked person then identified", func(t *testing.T) {
		h := newHarness(t, scored(0.92))
		res, _ := h.o.ProcessDocument(ctx, upload(""))

		q, err := h.o.Qualify(ctx, res.AlertIDs[0], domain.QualificationFraudConfirmed, agent, "")
		if err != nil {
			t.Fatalf("Qualify failed: %v", err)
		}
		if q.RiskOutcome != RiskUnlinkedPerson || q.Alert.ImpactsRisk {
			t.Fatalf("expected unlinked person, got %+v", q)
		}

		id, err := h.o.Identify(ctx, res.EventID, "assure-5", agent)
		if err != nil {
			t.Fatalf("Identify failed: %v", err)
		}
		if id.Historique == nil || id.Historique.ID != res.HistoriqueID || id.Historique.AssureID != "assure-5" {
			t.Errorf("historique not reconciled in place: %+v", id.Historique)
		}
		if len(id.RiskImpacts) != 1 || id.RiskImpacts[0].Outcome != domain.OutcomeSuccess {
			t.Fatalf("expected pending confirmation applied, got %+v", id.RiskImpacts)
		}
		alert, _ := h.repo.GetAlert(ctx, res.AlertIDs[0])
		if !alert.ImpactsRisk {
			t.Error("impactsRisk must flip once the person is known")
		}
	})
}

func TestProcessDocumentFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("classifier unavailable", func(t *testing.T) {
		h := newHarness(t, analysis{err: fmt.Errorf("%w: 503", scoring.ErrTransient)}, scored(0.92))

		res, err := h.o.ProcessDocument(ctx, upload("assure-1"))
		if !errors.Is(err, scoring.ErrTransient) {
			t.Fatalf("expected ErrTransient, got %v", err)
		}
		if res.Status != domain.ProcessingFailed || res.FailedStep != domain.StepAnalysis {
			t.Errorf("unexpected result: %+v", res)
		}
		event, err := h.repo.GetEvent(ctx, res.EventID)
		if err != nil || event.Processed() {
			t.Fatalf("event must stay recorded and unprocessed: %v", err)
		}
		if entries, _ := h.repo.ListHistoriques(ctx, domain.HistoriqueFilter{}); len(entries) != 0 {
			t.Error("no historique may exist after analysis failure")
		}
		if !hasTopic(h.rec.Topics(), domain.TopicEventPending) {
			t.Error("expected event.pending notification")
		}

		retried, err := h.o.Retry(ctx, res.EventID)
		if err != nil {
			t.Fatalf("Retry failed: %v", err)
		}
		if retried.Status != domain.ProcessingSuccess || len(retried.AlertIDs) != 1 {
			t.Errorf("unexpected retry result: %+v", retried)
		}
	})

	t.Run("classifier rejects", func(t *testing.T) {
		h := newHarness(t, analysis{err: fmt.Errorf("%w: 415", scoring.ErrRejected)})
		res, err := h.o.ProcessDocument(ctx, upload(""))
		if !errors.Is(err, scoring.ErrRejected) || res.Status != domain.ProcessingFailed {
			t.Fatalf("expected failed result, got %+v %v", res, err)
		}
		if _, err := h.o.Retry(ctx, res.EventID); !errors.Is(err, ErrDocumentUnavailable) {
			t.Errorf("rejected documents are not kept for retry, got %v", err)
		}
	})

	t.Run("malformed verdict", func(t *testing.T) {
		h := newHarness(t, analysis{verdict: &domain.AnalysisVerdict{Decision: "maybe", RiskScore: 0.9}})
		res, err := h.o.ProcessDocument(ctx, upload(""))
		if !errors.Is(err, domain.ErrInvalidVerdict) || res.FailedStep != domain.StepAnalysis {
			t.Fatalf("expected invalid verdict failure, got %+v %v", res, err)
		}
	})

	t.Run("caller gives up during analysis", func(t *testing.T) {
		h := newHarness(t, scored(0.92))
		h.analyzer.block = true

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		res, err := h.o.ProcessDocument(cctx, upload("assure-1"))
		if err != nil {
			t.Fatalf("abandon must not be an error, got %v", err)
		}
		if res.Status != domain.ProcessingPending {
			t.Errorf("expected pending, got %s", res.Status)
		}

		candidates, err := h.o.RetryCandidates(ctx, time.Now().Add(time.Second), 10)
		if err != nil || len(candidates) != 1 {
			t.Fatalf("expected one retry candidate, got %d (%v)", len(candidates), err)
		}

		h.analyzer.mu.Lock()
		h.analyzer.block = false
		h.analyzer.mu.Unlock()
		retried, err := h.o.Retry(ctx, res.EventID)
		if err != nil || retried.Status != domain.ProcessingSuccess {
			t.Fatalf("retry failed: %+v %v", retried, err)
		}
		candidates, _ = h.o.RetryCandidates(ctx, time.Now().Add(time.Second), 10)
		if len(candidates) != 0 {
			t.Errorf("expected no candidate after retry, got %d", len(candidates))
		}
	})

	t.Run("alert step fails", func(t *testing.T) {
		h := newHarness(t, scored(0.92))
		h.repo.fail = true

		res, err := h.o.ProcessDocument(ctx, upload("assure-1"))
		if err != nil {
			t.Fatalf("partial processing is reported in the result, got %v", err)
		}
		if res.Status != domain.ProcessingPartial || res.FailedStep != domain.StepAlert {
			t.Fatalf("expected partial result, got %+v", res)
		}
		entry, _ := h.repo.GetHistorique(ctx, res.HistoriqueID)
		if entry.Status != domain.HistoriqueActive {
			t.Errorf("historique must stay active, got %s", entry.Status)
		}

		h.repo.fail = false
		retried, err := h.o.Retry(ctx, res.EventID)
		if err != nil {
			t.Fatalf("Retry failed: %v", err)
		}
		if retried.Status != domain.ProcessingSuccess || len(retried.AlertIDs) != 1 || retried.HistoriqueID != res.HistoriqueID {
			t.Errorf("unexpected retry result: %+v", retried)
		}
		if h.analyzer.calls != 1 {
			t.Errorf("retry of a processed event must reuse the stored verdict, analyzer called %d times", h.analyzer.calls)
		}
		again, _ := h.o.Retry(ctx, res.EventID)
		if again.Steps[len(again.Steps)-1].Reason != domain.SkipAlreadySynthesized {
			t.Errorf("expected already_synthesized, got %+v", again.Steps)
		}
	})

	t.Run("empty document", func(t *testing.T) {
		h := newHarness(t, scored(0.1))
		if _, err := h.o.ProcessDocument(ctx, DocumentRequest{Filename: "x.pdf"}); !errors.Is(err, repository.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestRecordEvent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scored(0.1))

	res, err := h.o.RecordEvent(ctx, EventRequest{
		Type:     domain.EventDeclarationSinistre,
		Source:   domain.SourceExternalAPI,
		Data:     map[string]any{domain.DataSinisterNumber: "SIN-9", domain.DataAmount: 1200.0},
		AssureID: "assure-2",
	})
	if err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if res.Status != domain.ProcessingSuccess || len(res.AlertIDs) != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if h.analyzer.calls != 0 {
		t.Error("events without document are not analysed")
	}
	entry, _ := h.repo.GetHistorique(ctx, res.HistoriqueID)
	if entry.Category != historique.CategorySinistre {
		t.Errorf("expected sinistre, got %s", entry.Category)
	}

	if _, err := h.o.RecordEvent(ctx, EventRequest{Type: domain.EventPaiement, Source: "fax"}); !errors.Is(err, repository.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unknown source, got %v", err)
	}
}
