package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimiter_AllowWithinBudget(t *testing.T) {
	rl := NewRateLimiter(3)
	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d denied inside the budget", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("request over the budget was allowed")
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(1)
	if !rl.Allow("10.0.0.1") {
		t.Fatal("first client's first request denied")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("second client's first request denied after the first client used its budget")
	}
}

func TestRateLimiter_MiddlewareRejectsWithOpenAIShape(t *testing.T) {
	rl := NewRateLimiter(1)
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	first.RemoteAddr = "10.0.0.1:54321"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	second.RemoteAddr = "10.0.0.1:54322" // same host, different port
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, second)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("429 body is not valid JSON: %v", err)
	}
	if body.Error.Type != "rate_limit_error" {
		t.Errorf("error type = %q, want rate_limit_error", body.Error.Type)
	}
}
