package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"aegis/internal/config"
	"aegis/internal/gateway"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	// The local engine needs no network; chat degrades to ERROR stage,
	// which is fine for routing tests.
	cfg.LLM.Provider = "local"

	manager, err := gateway.NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(manager.Close)
	return New(cfg, manager)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestChatValidation(t *testing.T) {
	s := newTestServer(t)

	cases := []map[string]string{
		{},
		{"client_id": "acme"},
		{"message": "hello"},
	}
	for _, body := range cases {
		rec := do(t, s, http.MethodPost, "/v1/chat", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %v: status %d, want 400", body, rec.Code)
		}
	}
}

func TestChatReturnsDecision(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/chat", map[string]string{
		"client_id": "acme",
		"message":   "what is the capital of France",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var decision map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &decision); err != nil {
		t.Fatalf("response unparsable: %v", err)
	}
	for _, key := range []string{"allowed", "response", "risk_score", "block_reason", "latency_ms", "layer_1_safe", "layer_2_safe"} {
		if _, ok := decision[key]; !ok {
			t.Errorf("decision missing %q: %v", key, decision)
		}
	}
	// The stage is an internal record, not part of the response.
	if _, ok := decision["stage"]; ok {
		t.Error("stage leaked into the wire response")
	}
	// Local engine cannot generate, so the pipeline degrades to an error
	// decision even though both security layers passed.
	if decision["allowed"] != false {
		t.Errorf("allowed = %v, want false", decision["allowed"])
	}
	if decision["layer_1_safe"] != true {
		t.Errorf("layer_1_safe = %v, want true", decision["layer_1_safe"])
	}
}

func TestChatSetsRequestID(t *testing.T) {
	s := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/status", nil)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestFeedbackValidation(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/feedback", map[string]any{
		"client_id": "acme", "prompt": "p", "expected_label": "SHRUG", "correct": false,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad label: status %d, want 400", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/v1/feedback", map[string]any{
		"client_id":       "acme",
		"prompt":          "a missed attack",
		"expected_label":  "MALICIOUS",
		"actual_decision": "ALLOWED",
		"correct":         false,
	})
	if rec.Code != http.StatusAccepted {
		t.Errorf("false negative: status %d, want 202", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"trained"`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = do(t, s, http.MethodPost, "/v1/feedback", map[string]any{
		"client_id":       "acme",
		"prompt":          "a wrongly blocked prompt",
		"expected_label":  "BENIGN",
		"actual_decision": "BLOCKED",
		"correct":         false,
	})
	if rec.Code != http.StatusAccepted {
		t.Errorf("false positive: status %d, want 202", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"pruned"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestFeedbackCorrectPredictionIsNoOp(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/v1/feedback", map[string]any{
		"client_id":       "acme",
		"prompt":          "an attack we caught",
		"expected_label":  "MALICIOUS",
		"actual_decision": "BLOCKED",
		"correct":         true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"correct"`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	// No training must have been dispatched.
	p, err := s.manager.Get("acme")
	if err != nil {
		t.Fatal(err)
	}
	p.Drain()
	if got := p.Stats()["antibodies"].(int); got != 0 {
		t.Errorf("correct feedback trained %d antibodies", got)
	}
}

func TestResetRequiresClientID(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/reset", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	rec = do(t, s, http.MethodPost, "/api/reset", map[string]string{"client_id": "acme"})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestStatusAndStats(t *testing.T) {
	s := newTestServer(t)

	do(t, s, http.MethodPost, "/v1/chat", map[string]string{
		"client_id": "acme", "message": "hello",
	})

	rec := do(t, s, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", rec.Code)
	}
	var status map[string]any
	json.Unmarshal(rec.Body.Bytes(), &status)
	if status["status"] != "online" {
		t.Errorf("status = %v", status)
	}

	rec = do(t, s, http.MethodGet, "/api/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats endpoint = %d", rec.Code)
	}
	var stats map[string]any
	json.Unmarshal(rec.Body.Bytes(), &stats)
	tenants, ok := stats["tenants"].(map[string]any)
	if !ok {
		t.Fatalf("stats shape: %v", stats)
	}
	if _, ok := tenants["acme"]; !ok {
		t.Errorf("tenant acme missing from stats: %v", tenants)
	}
}

func TestMetricsExposed(t *testing.T) {
	s := newTestServer(t)

	do(t, s, http.MethodPost, "/v1/chat", map[string]string{
		"client_id": "acme", "message": "hello",
	})

	rec := do(t, s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics endpoint = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "aegis_decisions_total") {
		t.Error("decision counter missing from metrics output")
	}
}
