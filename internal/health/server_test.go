package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestServer_Healthz(t *testing.T) {
	logger := slog.Default()
	s := NewServer(Config{Addr: ":0"}, logger)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.Status != "ok" {
		t.Errorf("expected status 'ok', got %q", resp.Status)
	}
}

func TestServer_Livez_NoChecks(t *testing.T) {
	logger := slog.Default()
	s := NewServer(Config{Addr: ":0"}, logger)

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	s.handleLivez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestServer_Livez_WithHealthyCheck(t *testing.T) {
	logger := slog.Default()
	s := NewServer(Config{Addr: ":0"}, logger)

	s.RegisterCheck("test", func(_ context.Context) error {
		return nil
	})

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	s.handleLivez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.Checks["test"] != "ok" {
		t.Errorf("expected check 'test' to be 'ok', got %q", resp.Checks["test"])
	}
}

func TestServer_Livez_WithUnhealthyCheck(t *testing.T) {
	logger := slog.Default()
	s := NewServer(Config{Addr: ":0"}, logger)

	s.RegisterCheck("failing", func(_ context.Context) error {
		return errors.New("connection refused")
	})

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	s.handleLivez(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got %q", resp.Status)
	}
}

func TestServer_Readyz_NotReady(t *testing.T) {
	logger := slog.Default()
	s := NewServer(Config{Addr: ":0"}, logger)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.Status != "not ready" {
		t.Errorf("expected status 'not ready', got %q", resp.Status)
	}
}

func TestServer_Readyz_Ready(t *testing.T) {
	logger := slog.Default()
	s := NewServer(Config{Addr: ":0"}, logger)
	s.SetReady(true)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestServer_Readyz_ReadyButUnhealthy(t *testing.T) {
	logger := slog.Default()
	s := NewServer(Config{Addr: ":0"}, logger)
	s.SetReady(true)

	s.RegisterCheck("failing", func(_ context.Context) error {
		return errors.New("worker 0 stalled")
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.handleReadyz(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}

	if resp.Status != "not ready" {
		t.Errorf("expected status 'not ready', got %q", resp.Status)
	}
}

func TestServer_Metrics(t *testing.T) {
	s := NewServer(Config{Addr: ":0"}, slog.Default())

	check := CachedCheck(func(_ context.Context) error { return nil }, time.Hour)
	if err := check(context.Background()); err != nil {
		t.Fatalf("unexpected check error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	s.server.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `h1relay_health_check_cache_total{result="miss"}`) {
		t.Errorf("expected relay metrics in exposition, got:\n%s", body)
	}
}

func TestServer_RoutesOnlyGET(t *testing.T) {
	s := NewServer(Config{Addr: ":0"}, slog.Default())

	for _, path := range []string{"/healthz", "/livez", "/readyz", "/metrics"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		w := httptest.NewRecorder()

		s.server.Handler.ServeHTTP(w, req)

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: expected status %d, got %d", path, http.StatusMethodNotAllowed, w.Code)
		}
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestWorkersCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		check := WorkersCheck(pingFunc(func(_ context.Context) error {
			return nil
		}))

		if err := check(context.Background()); err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	})

	t.Run("stalled worker", func(t *testing.T) {
		stalled := errors.New("worker 1: context deadline exceeded")
		check := WorkersCheck(pingFunc(func(_ context.Context) error {
			return stalled
		}))

		err := check(context.Background())
		if !errors.Is(err, stalled) {
			t.Errorf("expected wrapped ping error, got %v", err)
		}
	})
}

func TestCachedCheck(t *testing.T) {
	calls := 0
	check := CachedCheck(func(_ context.Context) error {
		calls++
		return errors.New("down")
	}, time.Hour)

	for range 3 {
		if err := check(context.Background()); err == nil {
			t.Fatal("expected cached error, got nil")
		}
	}
	if calls != 1 {
		t.Errorf("expected 1 underlying call, got %d", calls)
	}
}
