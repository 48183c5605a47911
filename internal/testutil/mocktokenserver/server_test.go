package mocktokenserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bihubihu/tokenserver-client/internal/metrics"
)

func TestNew(t *testing.T) {
	s := New()
	defer s.Close()

	if s.URL() == "" {
		t.Fatal("expected non-empty URL")
	}
	if !strings.HasSuffix(s.Endpoint(), TokenPath) {
		t.Errorf("Endpoint() = %q, want suffix %q", s.Endpoint(), TokenPath)
	}
	if s.Audience() != s.URL() {
		t.Errorf("Audience() = %q, want %q", s.Audience(), s.URL())
	}

	resp, err := http.Get(s.URL() + "/health")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestNewStandalone(t *testing.T) {
	s, err := NewStandalone("http://tokens.example.com:8080/")
	if err != nil {
		t.Fatalf("NewStandalone() error = %v", err)
	}
	if s.Audience() != "http://tokens.example.com:8080" {
		t.Errorf("Audience() = %q", s.Audience())
	}
	if s.Endpoint() != "http://tokens.example.com:8080"+TokenPath {
		t.Errorf("Endpoint() = %q", s.Endpoint())
	}

	assertion, err := s.Assertion("alice@example.com")
	if err != nil {
		t.Fatalf("Assertion() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, TokenPath, nil)
	req.Header.Set("Authorization", "BrowserID "+assertion)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var tok TokenResponse
	if err := json.NewDecoder(w.Body).Decode(&tok); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if tok.APIEndpoint != "http://tokens.example.com:8080/1.5/1" {
		t.Errorf("APIEndpoint = %q", tok.APIEndpoint)
	}
}

func TestNewStandalone_RelativeURL(t *testing.T) {
	if _, err := NewStandalone("/relative"); err == nil {
		t.Error("expected error for relative base URL")
	}
}

func TestCloseMethod(t *testing.T) {
	s := New()
	url := s.URL()
	s.Close()

	if _, err := http.Get(url + "/health"); err == nil {
		t.Error("expected error after Close")
	}
}

func TestClose_Standalone(t *testing.T) {
	s, err := NewStandalone("http://localhost:1")
	if err != nil {
		t.Fatalf("NewStandalone() error = %v", err)
	}
	// Nothing to close; must not panic.
	s.Close()
}

func TestUnknownRoute(t *testing.T) {
	s := New()
	defer s.Close()

	resp, err := http.Get(s.URL() + "/nope")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := metrics.InitServer(reg); err != nil {
		t.Fatalf("metrics.InitServer() error = %v", err)
	}

	s := New(WithMetrics(reg))
	defer s.Close()

	resp, err := http.Get(s.URL() + "/health")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(s.URL() + "/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "tokenserver_mock_requests_total") {
		t.Errorf("metrics output missing request counter:\n%s", body)
	}
}

func TestMetricsEndpoint_DisabledByDefault(t *testing.T) {
	s := New()
	defer s.Close()

	resp, err := http.Get(s.URL() + "/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
