package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/vigil/internal/metrics"
)

func TestCORSMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("NamedOrigin", func(t *testing.T) {
		h := CORSMiddleware([]string{"https://console.vigil.example/"})(ok)
		req := httptest.NewRequest(http.MethodGet, "/alerts", nil)
		req.Header.Set("Origin", "https://console.vigil.example")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://console.vigil.example" {
			t.Errorf("expected origin echoed, got %q", got)
		}
		if rr.Header().Get("Access-Control-Allow-Credentials") != "true" {
			t.Error("expected credentials allowed for a named origin")
		}
	})

	t.Run("ForeignOriginPreflight", func(t *testing.T) {
		h := CORSMiddleware([]string{"https://console.vigil.example"})(ok)
		req := httptest.NewRequest(http.MethodOptions, "/alerts", nil)
		req.Header.Set("Origin", "https://evil.example")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("foreign origin must not be allowed")
		}
	})

	t.Run("AnyOriginWhenUnconfigured", func(t *testing.T) {
		h := CORSMiddleware(nil)(ok)
		req := httptest.NewRequest(http.MethodOptions, "/alerts", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected 204 preflight, got %d", rr.Code)
		}
		if !strings.Contains(rr.Header().Get("Access-Control-Allow-Headers"), UserRoleHeader) {
			t.Error("expected identity headers to be allowed")
		}
	})

	t.Run("NoOriginNoHeader", func(t *testing.T) {
		rr := httptest.NewRecorder()
		CORSMiddleware(nil)(ok).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rr.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("expected no allow-origin without an Origin header")
		}
	})
}

func TestRouteMetrics(t *testing.T) {
	r := chi.NewRouter()
	r.Use(TracingMiddleware, LoggingMiddleware, MetricsMiddleware, RecoverMiddleware)
	r.Get("/widgets/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no widget"})
	})
	r.Get("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/widgets/"+id, nil))
	}

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 after panic, got %d", rr.Code)
	}
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Error("expected request id on a recovered response")
	}

	scrape := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := scrape.Body.String()

	if !strings.Contains(body, `vigil_http_request_duration_seconds_count{method="GET",route="/widgets/{id}",status="4xx"} 3`) {
		t.Error("expected the three requests under one route pattern")
	}
	if strings.Contains(body, `route="/widgets/a"`) {
		t.Error("raw paths must not be used as labels")
	}
	if !strings.Contains(body, `route="/boom",status="5xx"`) {
		t.Error("expected the recovered panic recorded as 5xx")
	}
}
