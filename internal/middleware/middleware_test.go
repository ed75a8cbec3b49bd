package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"key_gateway/internal/metrics"
	"key_gateway/internal/ratelimit"
)

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, error) { return false, nil }

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("success"))
	})
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	t.Run("generated when absent", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/get_key", nil))

		if len(seen) != 36 {
			t.Errorf("Expected a UUID request ID, got %q", seen)
		}
		if got := w.Header().Get(RequestIDHeader); got != seen {
			t.Errorf("Response header = %q, want %q", got, seen)
		}
	})

	t.Run("propagated when present", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/get_key", nil)
		req.Header.Set(RequestIDHeader, "abc-123")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if seen != "abc-123" {
			t.Errorf("Expected propagated request ID, got %q", seen)
		}
	})
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m := metrics.NewPrometheus()

	mux := http.NewServeMux()
	mux.Handle("GET /get_key", okHandler())
	handler := Chain(mux, RequestID(), AccessLog(zap.New(core), m))

	req := httptest.NewRequest(http.MethodGet, "/get_key", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	entries := logs.FilterMessage("http: request").All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 access log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusOK) {
		t.Errorf("status field = %v, want 200", fields["status"])
	}
	if fields["remote"] != "10.1.2.3" {
		t.Errorf("remote field = %v, want 10.1.2.3", fields["remote"])
	}
	if fields["request_id"] == "" {
		t.Error("request_id field is empty")
	}
}

func TestAccessLog_CapturesStatus(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	handler := AccessLog(zap.New(core), metrics.NewNoopMetrics())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/get_key", nil))

	if got := logs.All()[0].ContextMap()["status"]; got != int64(http.StatusServiceUnavailable) {
		t.Errorf("status field = %v, want 503", got)
	}
}

func TestRateLimit(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		handler := RateLimit(ratelimit.NewNoopLimiter(), zap.NewNop())(okHandler())
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/get_key", nil))

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		handler := RateLimit(denyAll{}, zap.NewNop())(okHandler())
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/get_key", nil))

		if w.Code != http.StatusTooManyRequests {
			t.Errorf("Expected status 429, got %d", w.Code)
		}
		if w.Header().Get("Retry-After") == "" {
			t.Error("Expected Retry-After header")
		}
	})

	t.Run("limiter error fails open", func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		handler := RateLimit(brokenLimiter{}, zap.New(core))(okHandler())
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/get_key", nil))

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
		if logs.Len() != 1 {
			t.Errorf("Expected 1 warning, got %d", logs.Len())
		}
	})

	t.Run("per client", func(t *testing.T) {
		handler := RateLimit(ratelimit.NewClientLimiter(0.001, 1), zap.NewNop())(okHandler())

		send := func(addr string) int {
			req := httptest.NewRequest(http.MethodGet, "/get_key", nil)
			req.RemoteAddr = addr
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			return w.Code
		}

		if code := send("10.0.0.1:1000"); code != http.StatusOK {
			t.Errorf("first request: got %d", code)
		}
		if code := send("10.0.0.1:2000"); code != http.StatusTooManyRequests {
			t.Errorf("second request from same host: got %d", code)
		}
		if code := send("10.0.0.2:1000"); code != http.StatusOK {
			t.Errorf("request from another host: got %d", code)
		}
	})
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	if got := ClientIP(req); got != "::1" {
		t.Errorf("ClientIP() = %q, want ::1", got)
	}

	req.RemoteAddr = "unix"
	if got := ClientIP(req); got != "unix" {
		t.Errorf("ClientIP() = %q, want unix", got)
	}
}
