package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lobber-dev/lobber/internal/config"
	"github.com/lobber-dev/lobber/internal/forwarder"
	"github.com/lobber-dev/lobber/internal/inspector"
	"github.com/lobber-dev/lobber/internal/logging"
	"github.com/lobber-dev/lobber/internal/metrics"
	"github.com/lobber-dev/lobber/internal/registry"
)

type fakeWriter struct{}

func (fakeWriter) Send([]byte) error { return nil }

func newTestServer(t *testing.T, cfg *config.GatewayConfig) (*Server, *registry.Registry, *inspector.Store) {
	t.Helper()
	logger, err := logging.New(logging.Config{Level: "error"})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	reg := registry.New(cfg.ChannelTunnelCap)
	insp := inspector.New(inspector.Config{})
	fwd := forwarder.New(reg, insp, m, logger, time.Second, cfg.MaxBodyBytes)

	s := New(Deps{
		Config:    cfg,
		Registry:  reg,
		Inspector: insp,
		Forwarder: fwd,
		Metrics:   m,
		PromReg:   promReg,
		Logger:    logger,
	})
	return s, reg, insp
}

func testConfig() *config.GatewayConfig {
	return &config.GatewayConfig{
		HTTPPort:           3000,
		PublicDomain:       "lobber.test",
		PublicScheme:       "http",
		MaxBodyBytes:       1 << 20,
		MaxStoredExchanges: 100,
		RateLimitRPS:       1000,
		RateLimitBurst:     1000,
		ChannelTunnelCap:   10,
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Status  string `json:"status"`
		Tunnels int    `json:"tunnels"`
		Uptime  int64  `json:"uptime"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("status field = %q, want %q", body.Status, "ok")
	}
	if body.Tunnels != 0 {
		t.Fatalf("tunnels = %d, want 0", body.Tunnels)
	}
	if body.Uptime < 0 {
		t.Fatalf("uptime = %d, want >= 0", body.Uptime)
	}
}

func TestApexBannerServesJSON(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Service      string `json:"service"`
		PublicDomain string `json:"publicDomain"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.PublicDomain != "lobber.test" {
		t.Fatalf("publicDomain = %q, want %q", body.PublicDomain, "lobber.test")
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty metrics body")
	}
}

func TestListTunnelsReturnsRegisteredTunnels(t *testing.T) {
	s, reg, _ := newTestServer(t, testConfig())

	tunnel, err := reg.Register("chan-1", fakeWriter{}, "", 8080)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tunnels", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Tunnels []struct {
			ID string `json:"id"`
		} `json:"tunnels"`
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Tunnels) != 1 || body.Tunnels[0].ID != tunnel.ID {
		t.Fatalf("unexpected tunnels payload: %+v", body)
	}
	if body.Count != 1 {
		t.Fatalf("count = %d, want 1", body.Count)
	}
}

func TestGetTunnelNotFound(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/tunnels/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestSubdomainHostRoutesToForwarderNotFound(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Host = "ghost.lobber.test"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d (tunnel not found)", rec.Code, http.StatusNotFound)
	}
}

func TestTwoLabelHostDoesNotMisrouteToOneLabelSubdomain(t *testing.T) {
	s, reg, _ := newTestServer(t, testConfig())

	if _, err := reg.Register("chan-1", fakeWriter{}, "ghost", 8080); err != nil {
		t.Fatalf("register: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tunnels", nil)
	req.Host = "ghost.evil.lobber.test"
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	// A two-label host must never match the registered "ghost" subdomain;
	// it should fall through to ordinary path routing and list the
	// tunnel normally rather than being diverted into the forwarder.
	if rec.Code != http.StatusOK {
		t.Fatalf("two-label host was routed into the forwarder (mis-route regression): status = %d", rec.Code)
	}
}

func TestCORSReflectsConfiguredOriginOnly(t *testing.T) {
	cfg := testConfig()
	cfg.DashboardOrigin = "https://dash.lobber.test"
	s, _, _ := newTestServer(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/api/tunnels", nil)
	req.Header.Set("Origin", "https://dash.lobber.test")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.lobber.test" {
		t.Fatalf("Access-Control-Allow-Origin = %q, want dashboard origin", got)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/tunnels", nil)
	req2.Header.Set("Origin", "https://evil.example.com")
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req2)

	if got := rec2.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Access-Control-Allow-Origin leaked to unapproved origin: %q", got)
	}
}

func TestRateLimiterRejectsBurstOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 1
	s, _, _ := newTestServer(t, cfg)

	first := httptest.NewRecorder()
	s.Handler().ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/health", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want %d", first.Code, http.StatusOK)
	}

	second := httptest.NewRecorder()
	s.Handler().ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/health", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want %d", second.Code, http.StatusTooManyRequests)
	}
}

func TestTrafficAndCurlRoutesReflectCapturedExchange(t *testing.T) {
	s, reg, insp := newTestServer(t, testConfig())
	tunnel, err := reg.Register("chan-1", fakeWriter{}, "ghost", 8080)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	insp.RecordRequest(&inspector.CapturedExchange{
		RequestID: "req-1",
		TunnelID:  tunnel.ID,
		Subdomain: tunnel.Subdomain,
		Method:    "GET",
		Path:      "/widgets",
		Headers:   http.Header{"Authorization": {"secret"}},
		StartedAt: time.Now(),
	})
	insp.RecordResponse("req-1", 200, http.Header{"Content-Type": {"application/json"}}, []byte(`{"ok":true}`), "")

	req := httptest.NewRequest(http.MethodGet, "/api/traffic/req-1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	curlReq := httptest.NewRequest(http.MethodGet, "/api/traffic/req-1/curl", nil)
	curlRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(curlRec, curlReq)
	if curlRec.Code != http.StatusOK {
		t.Fatalf("curl status = %d, want %d", curlRec.Code, http.StatusOK)
	}
	var curlBody struct {
		Curl string `json:"curl"`
	}
	if err := json.Unmarshal(curlRec.Body.Bytes(), &curlBody); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if want := "curl "; len(curlBody.Curl) < len(want) || curlBody.Curl[:len(want)] != want {
		t.Fatalf("curl command = %q, want prefix %q", curlBody.Curl, want)
	}
}

func TestStatsEndpointCountsActiveTunnels(t *testing.T) {
	s, reg, _ := newTestServer(t, testConfig())
	if _, err := reg.Register("chan-1", fakeWriter{}, "", 8080); err != nil {
		t.Fatalf("register: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var stats struct {
		ActiveTunnels int `json:"activeTunnels"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.ActiveTunnels != 1 {
		t.Fatalf("activeTunnels = %d, want 1", stats.ActiveTunnels)
	}
}
