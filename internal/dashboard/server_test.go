package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vigil/vigil/internal/config"
	"github.com/vigil/vigil/internal/event"
)

func newTestServer(authSecret string) *Server {
	cfg := config.DashboardConfig{
		Enabled:    true,
		Host:       "127.0.0.1",
		Port:       0,
		AuthSecret: authSecret,
	}
	return NewServer(cfg, &fakeState{}, prometheus.NewRegistry(), testLogger())
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(newTestServer("").Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestIndexPage(t *testing.T) {
	srv := httptest.NewServer(newTestServer("").Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Vigil") {
		t.Error("page does not mention Vigil")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := httptest.NewServer(newTestServer("").Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

// With no auth_secret the API is open.
func TestStatusWithoutAuth(t *testing.T) {
	srv := httptest.NewServer(newTestServer("").Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snap map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap["events_total"] != 7.0 {
		t.Errorf("snapshot = %v", snap)
	}
}

// With auth_secret set the API requires a bearer token, but the page, the
// stream, and the probes stay open.
func TestAuthGuardsOnlyAPI(t *testing.T) {
	srv := httptest.NewServer(newTestServer(testSecret).Router())
	defer srv.Close()

	get := func(path, token string) int {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := get("/api/v1/status", ""); got != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", got)
	}
	if got := get("/api/v1/alerts", ""); got != http.StatusUnauthorized {
		t.Errorf("unauthenticated alerts = %d, want 401", got)
	}
	if got := get("/api/v1/status", mintToken(t, testSecret, time.Hour)); got != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", got)
	}
	if got := get("/healthz", ""); got != http.StatusOK {
		t.Errorf("healthz = %d, want 200", got)
	}
	if got := get("/", ""); got != http.StatusOK {
		t.Errorf("index = %d, want 200", got)
	}
}

func TestAlertsEndpoint(t *testing.T) {
	s := newTestServer("")
	ev := event.New("network", "new_listener", map[string]any{"local_port": 4444})
	s.Broadcaster().PublishAlert(event.NewAlert("NET-SUSP", event.SeverityHigh, "t", "d", ev))

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/alerts")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Alerts []event.Alert `json:"alerts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Alerts) != 1 || body.Alerts[0].RuleID != "NET-SUSP" {
		t.Errorf("alerts = %+v", body.Alerts)
	}
}

// Start binds an ephemeral port; Shutdown closes clients and drains cleanly.
func TestStartShutdown(t *testing.T) {
	s := newTestServer("")
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	addr := s.Addr()
	if addr == "" {
		t.Fatal("no bound address")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("healthz over live listener: %v", err)
	}
	resp.Body.Close()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := s.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Error("listener still serving after shutdown")
	}
}

// A port that is already bound surfaces as a synchronous Start error.
func TestStartBindError(t *testing.T) {
	first := newTestServer("")
	if err := first.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer first.Shutdown(context.Background())

	_, portStr, _ := strings.Cut(first.Addr(), ":")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}

	second := NewServer(config.DashboardConfig{Host: "127.0.0.1", Port: port}, &fakeState{}, prometheus.NewRegistry(), testLogger())
	if err := second.Start(context.Background()); err == nil {
		second.Shutdown(context.Background())
		t.Fatal("expected bind error on occupied port")
	}
}
