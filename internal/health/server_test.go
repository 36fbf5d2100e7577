package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T, reg *Registry) *httptest.Server {
	t.Helper()
	srv := NewServer(0, reg, testLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding %s response: %v", url, err)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q", ct)
	}
	return resp.StatusCode, body
}

func TestServer_HealthEndpoint(t *testing.T) {
	reg := newTestRegistry(0)
	reg.Register("ok", passing)
	ts := newTestServer(t, reg)

	code, body := getJSON(t, ts.URL+"/health")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	if body["status"] != "healthy" || body["service"] != "dns" {
		t.Errorf("body = %v", body)
	}
}

func TestServer_HealthEndpointUnhealthy(t *testing.T) {
	reg := newTestRegistry(0)
	reg.Register("bad", failing)
	ts := newTestServer(t, reg)

	code, body := getJSON(t, ts.URL+"/health")
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", code)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("body = %v", body)
	}
}

func TestServer_ReadyEndpoint(t *testing.T) {
	reg := newTestRegistry(time.Hour)
	reg.Register("ok", passing)
	ts := newTestServer(t, reg)

	code, body := getJSON(t, ts.URL+"/ready")
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503 during settling period", code)
	}
	if body["status"] != "not_ready" {
		t.Errorf("body = %v", body)
	}

	reg.startedAt = time.Now().Add(-2 * time.Hour)
	code, body = getJSON(t, ts.URL+"/ready")
	if code != http.StatusOK || body["status"] != "ready" {
		t.Errorf("status = %d, body = %v", code, body)
	}
}

func TestServer_StatusEndpoint(t *testing.T) {
	reg := newTestRegistry(0)
	reg.Register("ok", passing)
	reg.Register("bad", failing)
	reg.SetStatusFunc(func() map[string]any {
		return map[string]any{"mode": "self-signed"}
	})
	ts := newTestServer(t, reg)

	code, body := getJSON(t, ts.URL+"/status")
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200 even when unhealthy", code)
	}
	if body["healthy"] != false {
		t.Errorf("healthy = %v", body["healthy"])
	}
	if body["mode"] != "self-signed" {
		t.Errorf("extra field missing: %v", body)
	}

	checks, ok := body["checks"].(map[string]any)
	if !ok {
		t.Fatalf("checks missing: %v", body)
	}
	bad, _ := checks["bad"].(map[string]any)
	if bad["status"] != "unhealthy" || bad["error"] == "" {
		t.Errorf("bad check = %v", bad)
	}
	good, _ := checks["ok"].(map[string]any)
	if _, present := good["error"]; present {
		t.Errorf("passing check should omit error field: %v", good)
	}
}

func TestServer_UnknownPath(t *testing.T) {
	reg := newTestRegistry(0)
	ts := newTestServer(t, reg)

	code, body := getJSON(t, ts.URL+"/nope")
	if code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
	if body["status"] != "error" {
		t.Errorf("body = %v", body)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	reg := newTestRegistry(0)
	ts := newTestServer(t, reg)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestServer_PanicRecovery(t *testing.T) {
	reg := newTestRegistry(0)
	reg.SetStatusFunc(func() map[string]any {
		panic("status hook exploded")
	})
	ts := newTestServer(t, reg)

	code, body := getJSON(t, ts.URL+"/status")
	if code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", code)
	}
	if body["status"] != "error" || !strings.Contains(body["error"].(string), "exploded") {
		t.Errorf("body = %v", body)
	}
}

func TestServer_StartStop(t *testing.T) {
	reg := newTestRegistry(0)
	reg.Register("ok", passing)

	srv := NewServer(18931, reg, testLogger())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Poll until the listener is up.
	deadline := time.Now().Add(5 * time.Second)
	var resp *http.Response
	var err error
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://127.0.0.1:18931/health")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := http.Get("http://127.0.0.1:18931/health"); err == nil {
		t.Error("server still answering after Stop")
	}
}
