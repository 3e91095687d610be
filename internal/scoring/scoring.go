// Package scoring adapts the external document-fraud classifier and the
// optional tampering detector into a normalized domain.AnalysisVerdict.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/vigil/internal/domain"
	"github.com/opensource-finance/vigil/internal/metrics"
)

var (
	// ErrTransient marks a retryable failure: unreachable service, timeout,
	// 5xx or 429.
	ErrTransient = errors.New("scoring service unavailable")

	// ErrRejected marks a non-retryable 4xx answer from a scoring service.
	ErrRejected = errors.New("scoring service rejected the document")

	// ErrMalformedVerdict marks a 2xx answer that is not a usable verdict.
	ErrMalformedVerdict = errors.New("malformed verdict")
)

const maxResponseBytes = 10 << 20

// Document is an uploaded file to analyze.
type Document struct {
	Filename    string
	ContentType string
	Data        []byte
	Hints       map[string]string // forwarded as form fields to the classifier
}

// IsImage reports whether the tampering detector applies to the document.
func (d Document) IsImage() bool {
	if strings.HasPrefix(d.ContentType, "image/") {
		return true
	}
	switch strings.ToLower(filepath.Ext(d.Filename)) {
	case ".jpg", ".jpeg", ".png", ".tif", ".tiff", ".webp", ".bmp":
		return true
	}
	return false
}

// Gateway calls the scoring services. It holds no state between calls.
type Gateway struct {
	cfg    domain.ScoringConfig
	client *http.Client
}

// New creates a gateway. A nil client uses a dedicated http.Client; per-call
// timeouts come from cfg.
func New(cfg domain.ScoringConfig, client *http.Client) *Gateway {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.TamperingQuality == 0 {
		cfg.TamperingQuality = 90
	}
	return &Gateway{cfg: cfg, client: client}
}

// Analyze runs the classifier and, for images, the tampering detector in
// parallel. A classifier failure is returned; a tampering failure is logged
// and the verdict proceeds without overlay.
func (g *Gateway) Analyze(ctx context.Context, doc Document) (*domain.AnalysisVerdict, error) {
	ctx, span := otel.Tracer("vigil/scoring").Start(ctx, "scoring.analyze")
	defer span.End()
	span.SetAttributes(
		attribute.String("document.filename", doc.Filename),
		attribute.Int("document.size", len(doc.Data)),
	)

	var verdict *domain.AnalysisVerdict
	var tampering *domain.TamperingResult

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		v, err := g.classify(egCtx, doc)
		if err != nil {
			return err
		}
		verdict = v
		return nil
	})
	if g.cfg.TamperingURL != "" && doc.IsImage() {
		eg.Go(func() error {
			t, err := g.detectTampering(egCtx, doc)
			if err != nil {
				slog.Warn("tampering detection failed, continuing without overlay",
					"filename", doc.Filename,
					"error", err,
				)
				return nil
			}
			tampering = t
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	verdict.Tampering = tampering
	span.SetAttributes(
		attribute.Float64("verdict.risk_score", verdict.RiskScore),
		attribute.String("verdict.decision", string(verdict.Decision)),
		attribute.Bool("verdict.tampered", verdict.Tampered()),
	)
	return verdict, nil
}

// classifierResponse is the wire format of the classifier. Pointers tell a
// missing field from a zero value.
type classifierResponse struct {
	Decision     string         `json:"decision"`
	RiskScore    *float64       `json:"risk_score"`
	Confidence   float64        `json:"confidence"`
	DocumentInfo map[string]any `json:"document_info"`
	DocumentID   string         `json:"document_id"`
	Findings     []string       `json:"findings"`
	Error        string         `json:"error"`
}

func (g *Gateway) classify(ctx context.Context, doc Document) (v *domain.AnalysisVerdict, err error) {
	start := time.Now()
	defer func() { metrics.ObserveGateway("classifier", start, err) }()

	if g.cfg.ClassifierTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.ClassifierTimeout)
		defer cancel()
	}

	fields := make(map[string]string, len(doc.Hints))
	for k, val := range doc.Hints {
		fields[k] = val
	}
	body, err := g.post(ctx, g.cfg.ClassifierURL, "file", doc, fields)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}

	var resp classifierResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("classifier: %w: %v", ErrMalformedVerdict, err)
	}
	if resp.RiskScore == nil {
		return nil, fmt.Errorf("classifier: %w: risk_score missing", ErrMalformedVerdict)
	}

	v = &domain.AnalysisVerdict{
		DocumentID:   resp.DocumentID,
		Decision:     domain.VerdictDecision(strings.ToLower(resp.Decision)),
		RiskScore:    *resp.RiskScore,
		Confidence:   resp.Confidence,
		DocumentInfo: resp.DocumentInfo,
		Findings:     resp.Findings,
		Error:        resp.Error,
	}
	if err := v.Validate(); err != nil {
		return nil, fmt.Errorf("classifier: %w: %v", ErrMalformedVerdict, err)
	}
	return v, nil
}

type tamperingResponse struct {
	Images []string `json:"images"`
}

func (g *Gateway) detectTampering(ctx context.Context, doc Document) (t *domain.TamperingResult, err error) {
	start := time.Now()
	defer func() { metrics.ObserveGateway("tampering", start, err) }()

	if g.cfg.TamperingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.TamperingTimeout)
		defer cancel()
	}

	body, err := g.post(ctx, g.cfg.TamperingURL, "image", doc, map[string]string{
		"quality": strconv.Itoa(g.cfg.TamperingQuality),
	})
	if err != nil {
		return nil, fmt.Errorf("tampering: %w", err)
	}

	var resp tamperingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("tampering: %w: %v", ErrMalformedVerdict, err)
	}
	if len(resp.Images) < 3 {
		return nil, fmt.Errorf("tampering: %w: expected at least 3 images, got %d", ErrMalformedVerdict, len(resp.Images))
	}
	return &domain.TamperingResult{Images: resp.Images, OverlayURL: resp.Images[2]}, nil
}

// post sends a multipart form with the document under fileField and returns
// the body of a 2xx response.
func (g *Gateway) post(ctx context.Context, url, fileField string, doc Document, fields map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(fileField, filepath.Base(doc.Filename))
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(doc.Data); err != nil {
		return nil, err
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, truncate(body, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
