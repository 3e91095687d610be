// Package worker retries events whose processing was left pending.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/metrics"
	"github.com/opensource-finance/vigil/internal/notify"
	"github.com/opensource-finance/vigil/internal/workflow"
)

const (
	shutdownTimeout = 30 * time.Second

	// retryGroup is the bus group shared by the retry workers of every node.
	retryGroup = "vigil-retry-worker"
)

// Retrier re-runs the workflow of an event.
type Retrier interface {
	Retry(ctx context.Context, eventID string) (*domain.ProcessingResult, error)
	RetryCandidates(ctx context.Context, before time.Time, limit int) ([]*domain.Event, error)
}

// Worker consumes event.pending notifications and periodically sweeps the
// store for unprocessed events. Retries run on a bounded ants pool and at
// most once at a time per event.
type Worker struct {
	bus     domain.EventBus
	retrier Retrier
	cfg     domain.WorkerConfig
	pool    *ants.Pool

	mu       sync.Mutex
	inflight map[string]struct{}
	delayed  map[string]*time.Timer

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	now           func() time.Time
}

// NewWorker creates a worker and its pool.
func NewWorker(bus domain.EventBus, retrier Retrier, cfg domain.WorkerConfig) (*Worker, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}

	pool, err := ants.NewPool(cfg.PoolSize,
		ants.WithPanicHandler(func(p any) {
			slog.Error("retry worker panic recovered",
				"panic", p,
				"stack", string(debug.Stack()),
			)
		}),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create retry pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		retrier:  retrier,
		cfg:      cfg,
		pool:     pool,
		inflight: make(map[string]struct{}),
		delayed:  make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}, nil
}

// Start subscribes to pending notifications and starts the periodic sweep.
// When the bus supports groups, each notification reaches one node only.
func (w *Worker) Start() error {
	var (
		sub domain.Subscription
		err error
	)
	if gs, ok := w.bus.(domain.GroupSubscriber); ok {
		sub, err = gs.SubscribeGroup(w.ctx, domain.TopicEventPending, retryGroup, w.handleMessage)
	} else {
		sub, err = w.bus.Subscribe(w.ctx, domain.TopicEventPending, w.handleMessage)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicEventPending, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.wg.Add(1)
	go w.sweepLoop()

	slog.Info("retry worker started",
		"pool_size", w.cfg.PoolSize,
		"retry_interval", w.cfg.RetryInterval.String(),
		"retry_after", w.cfg.RetryAfter.String(),
	)
	return nil
}

// handleMessage schedules a delayed retry so that a failing dependency is
// not hammered.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	n, err := notify.Decode(msg)
	if err != nil {
		slog.Error("failed to parse pending notification",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if n.EventID == "" {
		return nil
	}
	w.schedule(n.EventID, w.cfg.RetryAfter)
	return nil
}

func (w *Worker) sweepLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("pending event sweep failed", "error", err)
			}
		}
	}
}

// Sweep schedules every retry candidate older than RetryAfter and returns
// how many were scheduled.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	before := w.now().Add(-w.cfg.RetryAfter)
	events, err := w.retrier.RetryCandidates(ctx, before, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	scheduled := 0
	for _, e := range events {
		if w.schedule(e.ID, 0) {
			scheduled++
		}
	}
	if scheduled > 0 {
		slog.Info("pending events scheduled for retry", "count", scheduled)
	}
	return scheduled, nil
}

// schedule submits a retry of eventID after delay unless one is already in
// flight. It reports whether a retry was scheduled.
func (w *Worker) schedule(eventID string, delay time.Duration) bool {
	w.mu.Lock()
	if _, busy := w.inflight[eventID]; busy || w.ctx.Err() != nil {
		w.mu.Unlock()
		return false
	}
	w.inflight[eventID] = struct{}{}
	if delay > 0 {
		w.delayed[eventID] = time.AfterFunc(delay, func() {
			w.mu.Lock()
			delete(w.delayed, eventID)
			w.mu.Unlock()
			w.submit(eventID)
		})
		w.mu.Unlock()
		return true
	}
	w.mu.Unlock()

	w.submit(eventID)
	return true
}

func (w *Worker) submit(eventID string) {
	if w.ctx.Err() != nil {
		w.done(eventID)
		return
	}
	err := w.pool.Submit(func() {
		defer w.done(eventID)
		w.retry(eventID)
	})
	if err != nil {
		w.done(eventID)
		slog.Warn("failed to submit retry", "event_id", eventID, "error", err)
	}
}

func (w *Worker) done(eventID string) {
	w.mu.Lock()
	delete(w.inflight, eventID)
	w.mu.Unlock()
}

func (w *Worker) retry(eventID string) {
	if w.ctx.Err() != nil {
		return
	}
	start := w.now()

	res, err := w.retrier.Retry(w.ctx, eventID)
	outcome := "error"
	switch {
	case errors.Is(err, workflow.ErrDocumentUnavailable):
		outcome = "unavailable"
	case res != nil:
		outcome = string(res.Status)
	}
	metrics.Retry(outcome)

	if err != nil {
		slog.Warn("event retry failed",
			"event_id", eventID,
			"outcome", outcome,
			"error", err,
		)
		return
	}
	slog.Info("event retried",
		"event_id", eventID,
		"status", res.Status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop cancels the sweep and the delayed retries, unsubscribes and waits for
// running retries.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	for eventID, timer := range w.delayed {
		if timer.Stop() {
			delete(w.inflight, eventID)
		}
	}
	clear(w.delayed)
	w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()
	if err := w.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		slog.Warn("retry pool shutdown timeout", "error", err)
	}

	slog.Info("retry worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Running           int      `json:"running"`
	Free              int      `json:"free"`
	Capacity          int      `json:"capacity"`
	InFlight          int      `json:"inFlight"`
	Delayed           int      `json:"delayed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	w.mu.Lock()
	inflight, delayed := len(w.inflight), len(w.delayed)
	w.mu.Unlock()

	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Running:           w.pool.Running(),
		Free:              w.pool.Free(),
		Capacity:          w.pool.Cap(),
		InFlight:          inflight,
		Delayed:           delayed,
	}
}
