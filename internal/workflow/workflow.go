// Package workflow coordinates the processing of one event: analysis,
// historique projection and alert synthesis, then the later human
// qualification and its conditional risk feedback.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/vigil/internal/alerting"
	"github.com/opensource-finance/vigil/internal/cache"
	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/historique"
	"github.com/opensource-finance/vigil/internal/metrics"
	"github.com/opensource-finance/vigil/internal/qualification"
	"github.com/opensource-finance/vigil/internal/repository"
	"github.com/opensource-finance/vigil/internal/scoring"
)

// ErrDocumentUnavailable is returned when a pending document event can no
// longer be retried because its document expired from the store.
var ErrDocumentUnavailable = errors.New("document is no longer available for retry")

var tracer = otel.Tracer("vigil/workflow")

// Analyzer scores a document.
type Analyzer interface {
	Analyze(ctx context.Context, doc scoring.Document) (*domain.AnalysisVerdict, error)
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Repo        domain.Repository
	Documents   domain.Cache
	Analyzer    Analyzer
	Projector   *historique.Projector
	Synthesizer *alerting.Synthesizer
	Gate        *qualification.Gate
	Notifier    domain.Notifier
	Thresholds  *domain.Thresholds
}

// Options tune the orchestrator.
type Options struct {
	// ProjectionTimeout bounds the steps that run after analysis, which are
	// detached from the caller's cancellation.
	ProjectionTimeout time.Duration
	// DocumentTTL is how long an uploaded document stays available for retry.
	DocumentTTL time.Duration
}

// Orchestrator runs the workflow. It holds no per-event state.
type Orchestrator struct {
	Deps
	opts Options
	now  func() time.Time
}

// New creates an orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.ProjectionTimeout <= 0 {
		opts.ProjectionTimeout = 10 * time.Second
	}
	if opts.DocumentTTL <= 0 {
		opts.DocumentTTL = 24 * time.Hour
	}
	return &Orchestrator{Deps: deps, opts: opts, now: time.Now}
}

// DocumentRequest is one uploaded document to process.
type DocumentRequest struct {
	Filename       string
	ContentType    string
	Data           []byte
	AssureID       string
	SinisterNumber string
	Amount         *float64
	Source         domain.EventSource
	Hints          map[string]string
}

// EventRequest records an event that carries no document.
type EventRequest struct {
	Type       domain.EventType   `json:"type"`
	Source     domain.EventSource `json:"source"`
	Category   string             `json:"category,omitempty"`
	Priority   string             `json:"priority,omitempty"`
	Data       map[string]any     `json:"data,omitempty"`
	AssureID   string             `json:"assureId,omitempty"`
	OccurredAt time.Time          `json:"occurredAt,omitempty"`
}

// parkedDocument is the cached form of an uploaded document.
type parkedDocument struct {
	Filename    string            `json:"filename"`
	ContentType string            `json:"contentType"`
	Data        []byte            `json:"data"`
	Hints       map[string]string `json:"hints,omitempty"`
}

// ProcessDocument records an upload event, analyses the document, projects the
// historique entry and synthesizes an alert when the thresholds are crossed.
// The event stays recorded whatever fails afterwards. When the caller gives up
// during analysis the event is reported pending for a later retry.
func (o *Orchestrator) ProcessDocument(ctx context.Context, req DocumentRequest) (*domain.ProcessingResult, error) {
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: document is empty", repository.ErrInvalidInput)
	}

	source := req.Source
	if source == "" {
		source = domain.SourceClient
	}
	data := map[string]any{
		domain.DataDocumentID: uuid.New().String(),
		domain.DataFilename:   req.Filename,
	}
	if req.SinisterNumber != "" {
		data[domain.DataSinisterNumber] = req.SinisterNumber
	}
	if req.Amount != nil {
		data[domain.DataAmount] = *req.Amount
	}

	now := o.now().UTC()
	event := &domain.Event{
		ID:         uuid.New().String(),
		Type:       domain.EventDocumentUpload,
		Category:   "document",
		Priority:   "normal",
		Source:     source,
		Data:       data,
		AssureID:   req.AssureID,
		OccurredAt: now,
		CreatedAt:  now,
	}

	res := newResult(event.ID)
	if err := o.record(ctx, event); err != nil {
		res.Record(domain.StepRecordEvent, domain.OutcomeFailed, domain.SkipNone, err)
		return o.finish(res, domain.ProcessingFailed, domain.StepRecordEvent), err
	}
	res.Record(domain.StepRecordEvent, domain.OutcomeSuccess, domain.SkipNone, nil)

	doc := scoring.Document{
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Data:        req.Data,
		Hints:       req.Hints,
	}
	o.park(ctx, event.ID, doc)

	return o.run(ctx, event, &doc, nil, res)
}

// RecordEvent records an event without a document and projects it.
func (o *Orchestrator) RecordEvent(ctx context.Context, req EventRequest) (*domain.ProcessingResult, error) {
	now := o.now().UTC()
	occurred := req.OccurredAt
	if occurred.IsZero() {
		occurred = now
	}
	source := req.Source
	if source == "" {
		source = domain.SourceSystem
	}

	event := &domain.Event{
		ID:         uuid.New().String(),
		Type:       req.Type,
		Category:   req.Category,
		Priority:   req.Priority,
		Source:     source,
		Data:       req.Data,
		AssureID:   req.AssureID,
		OccurredAt: occurred.UTC(),
		CreatedAt:  now,
	}

	res := newResult(event.ID)
	if err := o.record(ctx, event); err != nil {
		res.Record(domain.StepRecordEvent, domain.OutcomeFailed, domain.SkipNone, err)
		return o.finish(res, domain.ProcessingFailed, domain.StepRecordEvent), err
	}
	res.Record(domain.StepRecordEvent, domain.OutcomeSuccess, domain.SkipNone, nil)

	return o.run(ctx, event, nil, nil, res)
}

// Retry runs the whole pipeline again for an event. Every step is
// idempotent: an existing historique entry or alert is reused.
func (o *Orchestrator) Retry(ctx context.Context, eventID string) (*domain.ProcessingResult, error) {
	event, err := o.Repo.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	res := newResult(event.ID)
	res.Record(domain.StepRecordEvent, domain.OutcomeSkipped, domain.SkipAlreadyProcessed, nil)

	if event.Processed() {
		entry, err := o.Repo.GetHistoriqueByEvent(ctx, eventID)
		if err != nil {
			return nil, fmt.Errorf("load historique of processed event %s: %w", eventID, err)
		}
		return o.run(ctx, event, nil, entry.Analysis, res)
	}

	if !hasDocument(event) {
		return o.run(ctx, event, nil, nil, res)
	}
	doc, err := o.parked(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, event, doc, nil, res)
}

// RetryCandidates lists unprocessed events created before the given time
// that can still be retried.
func (o *Orchestrator) RetryCandidates(ctx context.Context, before time.Time, limit int) ([]*domain.Event, error) {
	events, err := o.Repo.ListEvents(ctx, domain.EventFilter{OnlyPending: true, CreatedBefore: before, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := events[:0]
	for _, e := range events {
		if !hasDocument(e) {
			out = append(out, e)
			continue
		}
		if data, err := o.Documents.Get(ctx, domain.CacheKeyDocument+e.ID); err == nil && data != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// run executes analysis (unless a verdict is given), projection and
// synthesis, recording each step on res.
func (o *Orchestrator) run(ctx context.Context, event *domain.Event, doc *scoring.Document, verdict *domain.AnalysisVerdict, res *domain.ProcessingResult) (*domain.ProcessingResult, error) {
	ctx, span := tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", string(event.Type)),
	))
	defer span.End()

	if verdict == nil && doc != nil {
		v, err := o.analyze(ctx, event, *doc)
		if err != nil {
			res.Record(domain.StepAnalysis, domain.OutcomeFailed, domain.SkipNone, err)
			if ctx.Err() != nil {
				o.pending(ctx, event, "analysis abandoned")
				return o.finish(res, domain.ProcessingPending, domain.StepAnalysis), nil
			}
			if errors.Is(err, scoring.ErrTransient) {
				o.pending(ctx, event, "scoring unavailable")
			} else {
				o.drop(ctx, event.ID)
			}
			span.SetStatus(codes.Error, err.Error())
			return o.finish(res, domain.ProcessingFailed, domain.StepAnalysis), err
		}
		verdict = v
		res.Record(domain.StepAnalysis, domain.OutcomeSuccess, domain.SkipNone, nil)
		if doc.IsImage() {
			if verdict.Tampering != nil {
				res.Record(domain.StepTampering, domain.OutcomeSuccess, domain.SkipNone, nil)
			} else {
				res.Record(domain.StepTampering, domain.OutcomeSkipped, domain.SkipNone, nil)
			}
		}
	}
	if verdict != nil {
		res.Verdict = verdict
		res.Band = o.Thresholds.Band(verdict.ScorePercent())
	}

	// Once analysis is done the remaining steps complete even if the caller
	// is gone, so the event is never left half processed.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.ProjectionTimeout)
	defer cancel()

	entry, err := o.project(dctx, event, verdict, res)
	if err != nil {
		o.pending(dctx, event, "projection failed")
		span.SetStatus(codes.Error, err.Error())
		return o.finish(res, domain.ProcessingFailed, domain.StepHistorique), err
	}

	if verdict == nil {
		res.Record(domain.StepAlert, domain.OutcomeSkipped, domain.SkipNoVerdict, nil)
	} else if err := o.synthesize(dctx, event, entry, verdict, res); err != nil {
		slog.Warn("alert synthesis failed, event left partially processed",
			"event_id", event.ID,
			"historique_id", entry.ID,
			"error", err,
		)
		span.SetStatus(codes.Error, err.Error())
		return o.finish(res, domain.ProcessingPartial, domain.StepAlert), nil
	}

	if err := o.Projector.Complete(dctx, entry.ID, domain.HistoriqueCompleted); err != nil {
		slog.Warn("failed to complete historique", "historique_id", entry.ID, "error", err)
	}
	o.drop(dctx, event.ID)
	return o.finish(res, domain.ProcessingSuccess, ""), nil
}

func (o *Orchestrator) record(ctx context.Context, event *domain.Event) error {
	ctx, span := startStep(ctx, domain.StepRecordEvent, event.ID)
	defer span.End()

	if err := o.Repo.SaveEvent(ctx, event); err != nil {
		endStep(span, err)
		return fmt.Errorf("record event: %w", err)
	}
	metrics.EventRecorded(string(event.Type))
	o.Notifier.Notify(ctx, domain.Notification{
		Topic:    domain.TopicEventRecorded,
		EntityID: event.ID,
		EventID:  event.ID,
		AssureID: event.AssureID,
		Detail:   string(event.Type),
	})
	return nil
}

func (o *Orchestrator) analyze(ctx context.Context, event *domain.Event, doc scoring.Document) (*domain.AnalysisVerdict, error) {
	ctx, span := startStep(ctx, domain.StepAnalysis, event.ID)
	defer span.End()

	v, err := o.Analyzer.Analyze(ctx, doc)
	if err == nil {
		err = v.Validate()
	}
	if err != nil {
		endStep(span, err)
		slog.Error("document analysis failed",
			"event_id", event.ID,
			"filename", doc.Filename,
			"error", err,
		)
		return nil, err
	}
	return v, nil
}

func (o *Orchestrator) project(ctx context.Context, event *domain.Event, verdict *domain.AnalysisVerdict, res *domain.ProcessingResult) (*domain.HistoriqueEntry, error) {
	ctx, span := startStep(ctx, domain.StepHistorique, event.ID)
	defer span.End()

	entry, outcome, err := o.Projector.Project(ctx, event.ID, verdict)
	if err != nil {
		endStep(span, err)
		res.Record(domain.StepHistorique, domain.OutcomeFailed, domain.SkipNone, err)
		return nil, err
	}
	reason := domain.SkipNone
	if outcome == domain.OutcomeSkipped {
		reason = domain.SkipAlreadyProcessed
	}
	res.Record(domain.StepHistorique, outcome, reason, nil)
	res.HistoriqueID = entry.ID
	return entry, nil
}

func (o *Orchestrator) synthesize(ctx context.Context, event *domain.Event, entry *domain.HistoriqueEntry, verdict *domain.AnalysisVerdict, res *domain.ProcessingResult) error {
	ctx, span := startStep(ctx, domain.StepAlert, event.ID)
	defer span.End()

	syn, err := o.Synthesizer.Synthesize(ctx, event, entry, verdict)
	if syn != nil && syn.Alert != nil {
		res.AlertIDs = append(res.AlertIDs, syn.Alert.ID)
	}
	if err != nil {
		endStep(span, err)
		res.Record(domain.StepAlert, domain.OutcomeFailed, domain.SkipNone, err)
		return err
	}
	res.Record(domain.StepAlert, syn.Outcome, syn.Reason, nil)
	return nil
}

// pending announces that the event needs a retry.
func (o *Orchestrator) pending(ctx context.Context, event *domain.Event, reason string) {
	o.Notifier.Notify(context.WithoutCancel(ctx), domain.Notification{
		Topic:    domain.TopicEventPending,
		EntityID: event.ID,
		EventID:  event.ID,
		AssureID: event.AssureID,
		Detail:   reason,
	})
}

func (o *Orchestrator) park(ctx context.Context, eventID string, doc scoring.Document) {
	p := parkedDocument{Filename: doc.Filename, ContentType: doc.ContentType, Data: doc.Data, Hints: doc.Hints}
	if err := cache.SetJSON(ctx, o.Documents, domain.CacheKeyDocument+eventID, p, o.opts.DocumentTTL); err != nil {
		slog.Warn("failed to keep document for retry", "event_id", eventID, "error", err)
	}
}

func (o *Orchestrator) parked(ctx context.Context, eventID string) (*scoring.Document, error) {
	p, err := cache.GetJSON[parkedDocument](ctx, o.Documents, domain.CacheKeyDocument+eventID)
	if err != nil {
		return nil, fmt.Errorf("load document of %s: %w", eventID, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: event %s", ErrDocumentUnavailable, eventID)
	}
	return &scoring.Document{Filename: p.Filename, ContentType: p.ContentType, Data: p.Data, Hints: p.Hints}, nil
}

// drop forgets the parked document once it can no longer be useful.
func (o *Orchestrator) drop(ctx context.Context, eventID string) {
	if err := o.Documents.Delete(context.WithoutCancel(ctx), domain.CacheKeyDocument+eventID); err != nil {
		slog.Warn("failed to drop parked document", "event_id", eventID, "error", err)
	}
}

func (o *Orchestrator) finish(res *domain.ProcessingResult, status domain.ProcessingStatus, failedStep string) *domain.ProcessingResult {
	res.Status = status
	res.FailedStep = failedStep
	metrics.WorkflowResult(string(status))

	attrs := []any{
		"event_id", res.EventID,
		"status", status,
		"alerts", len(res.AlertIDs),
	}
	if failedStep != "" {
		attrs = append(attrs, "failed_step", failedStep)
	}
	slog.Info("workflow finished", attrs...)
	return res
}

func newResult(eventID string) *domain.ProcessingResult {
	return &domain.ProcessingResult{
		EventID:     eventID,
		AlertIDs:    []string{},
		RiskImpacts: []domain.RiskImpact{},
		Steps:       []domain.StepResult{},
	}
}

// hasDocument reports whether the event was created from an upload.
func hasDocument(e *domain.Event) bool {
	return e.DataString(domain.DataFilename) != "" && e.DataString(domain.DataDocumentID) != ""
}

func startStep(ctx context.Context, step, eventID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "workflow."+step, trace.WithAttributes(
		attribute.String("event.id", eventID),
	))
}

func endStep(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
