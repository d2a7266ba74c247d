package qwen

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func deviceAuth(expiresIn int) *DeviceAuthorization {
	return &DeviceAuthorization{
		DeviceCode:              "dev-abc",
		UserCode:                "WXYZ-1234",
		VerificationURI:         "https://chat.qwen.ai/authorize",
		VerificationURIComplete: "https://chat.qwen.ai/authorize?user_code=WXYZ-1234",
		ExpiresIn:               expiresIn,
	}
}

// tokenScript replays one canned response per poll request and records the
// arrival time of each.
type tokenScript struct {
	mu        sync.Mutex
	responses []tokenScriptResponse
	arrivals  []time.Time
	forms     []map[string]string
}

type tokenScriptResponse struct {
	status int
	body   string
}

func (s *tokenScript) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		s.mu.Lock()
		s.arrivals = append(s.arrivals, time.Now())
		s.forms = append(s.forms, map[string]string{
			"grant_type":    r.PostForm.Get("grant_type"),
			"client_id":     r.PostForm.Get("client_id"),
			"device_code":   r.PostForm.Get("device_code"),
			"code_verifier": r.PostForm.Get("code_verifier"),
		})
		idx := len(s.arrivals) - 1
		s.mu.Unlock()

		resp := s.responses[len(s.responses)-1]
		if idx < len(s.responses) {
			resp = s.responses[idx]
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		w.Write([]byte(resp.body))
	}
}

func (s *tokenScript) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.arrivals)
}

func (s *tokenScript) arrival(i int) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arrivals[i]
}

func (s *tokenScript) form(i int) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forms[i]
}

const pendingBody = `{"error": "authorization_pending", "error_description": "waiting for user"}`
const slowDownBody = `{"error": "slow_down", "error_description": "polling too fast"}`
const successBody = `{
	"access_token": "access-new",
	"refresh_token": "refresh-new",
	"token_type": "Bearer",
	"resource_url": "https://dashscope.aliyuncs.com/compatible-mode",
	"expires_in": 3600
}`

func TestPoll_PendingThenSuccess(t *testing.T) {
	script := &tokenScript{responses: []tokenScriptResponse{
		{http.StatusBadRequest, pendingBody},
		{http.StatusBadRequest, pendingBody},
		{http.StatusOK, successBody},
	}}
	server := httptest.NewServer(script.handler(t))
	defer server.Close()

	flow := newTestFlow(t, server.URL, server.URL)
	pkce, err := GeneratePKCE()
	if err != nil {
		t.Fatalf("GeneratePKCE() error: %v", err)
	}

	start := time.Now()
	cred, err := flow.Poll(context.Background(), deviceAuth(900), pkce)
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}

	if got := script.requestCount(); got != 3 {
		t.Errorf("poll request count = %d, want 3", got)
	}
	// The first request only goes out after the initial interval has passed.
	if gap := script.arrival(0).Sub(start); gap < flow.pollInterval {
		t.Errorf("first poll fired after %s, want at least %s", gap, flow.pollInterval)
	}

	form := script.form(0)
	if form["grant_type"] != GrantTypeDeviceCode {
		t.Errorf("grant_type = %q, want %q", form["grant_type"], GrantTypeDeviceCode)
	}
	if form["client_id"] != ClientID {
		t.Errorf("client_id = %q, want %q", form["client_id"], ClientID)
	}
	if form["device_code"] != "dev-abc" {
		t.Errorf("device_code = %q, want dev-abc", form["device_code"])
	}
	if form["code_verifier"] != pkce.Verifier {
		t.Errorf("code_verifier = %q, want the generated verifier", form["code_verifier"])
	}

	if cred.AccessToken != "access-new" {
		t.Errorf("AccessToken = %q, want access-new", cred.AccessToken)
	}
	wantExpiry := time.Now().Add(3600 * time.Second).Unix()
	if cred.ExpiryDate < wantExpiry-5 || cred.ExpiryDate > wantExpiry+5 {
		t.Errorf("ExpiryDate = %d, want about %d", cred.ExpiryDate, wantExpiry)
	}

	// The credential must be on disk before Poll returns.
	if saved := flow.store.Load(); saved == nil || saved.AccessToken != "access-new" {
		t.Errorf("stored credential = %+v, want the polled one", saved)
	}
}

func TestPoll_DefaultResourceURL(t *testing.T) {
	script := &tokenScript{responses: []tokenScriptResponse{
		{http.StatusOK, `{"access_token": "a", "refresh_token": "r", "token_type": "Bearer", "expires_in": 3600}`},
	}}
	server := httptest.NewServer(script.handler(t))
	defer server.Close()

	flow := newTestFlow(t, server.URL, server.URL)
	pkce, _ := GeneratePKCE()
	cred, err := flow.Poll(context.Background(), deviceAuth(900), pkce)
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if cred.ResourceURL != DefaultResourceURL {
		t.Errorf("ResourceURL = %q, want %q", cred.ResourceURL, DefaultResourceURL)
	}
}

func TestPoll_SlowDownBacksOff(t *testing.T) {
	script := &tokenScript{responses: []tokenScriptResponse{
		{http.StatusTooManyRequests, slowDownBody},
		{http.StatusOK, successBody},
	}}
	server := httptest.NewServer(script.handler(t))
	defer server.Close()

	flow := newTestFlow(t, server.URL, server.URL)
	flow.pollInterval = 40 * time.Millisecond
	pkce, _ := GeneratePKCE()

	if _, err := flow.Poll(context.Background(), deviceAuth(900), pkce); err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if got := script.requestCount(); got != 2 {
		t.Fatalf("poll request count = %d, want 2", got)
	}

	// After one slow_down the wait grows to 1.5x the base interval.
	grown := time.Duration(float64(flow.pollInterval) * slowDownFactor)
	if gap := script.arrival(1).Sub(script.arrival(0)); gap < grown {
		t.Errorf("gap after slow_down = %s, want at least %s", gap, grown)
	}
}

func TestPoll_TerminalError(t *testing.T) {
	script := &tokenScript{responses: []tokenScriptResponse{
		{http.StatusBadRequest, `{"error": "access_denied", "error_description": "user denied the request"}`},
	}}
	server := httptest.NewServer(script.handler(t))
	defer server.Close()

	flow := newTestFlow(t, server.URL, server.URL)
	pkce, _ := GeneratePKCE()
	_, err := flow.Poll(context.Background(), deviceAuth(900), pkce)

	var oerr *OAuthError
	if !errors.As(err, &oerr) {
		t.Fatalf("Poll() error = %v, want *OAuthError", err)
	}
	if oerr.Code != "access_denied" {
		t.Errorf("Code = %q, want access_denied", oerr.Code)
	}
	if oerr.Description != "user denied the request" {
		t.Errorf("Description = %q", oerr.Description)
	}
	if cred := flow.store.Load(); cred != nil {
		t.Errorf("credential saved despite terminal error: %+v", cred)
	}
}

func TestPoll_WindowAlreadyClosed(t *testing.T) {
	script := &tokenScript{responses: []tokenScriptResponse{
		{http.StatusBadRequest, pendingBody},
	}}
	server := httptest.NewServer(script.handler(t))
	defer server.Close()

	flow := newTestFlow(t, server.URL, server.URL)
	pkce, _ := GeneratePKCE()
	_, err := flow.Poll(context.Background(), deviceAuth(0), pkce)

	var terr *OAuthTimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("Poll() error = %v, want *OAuthTimeoutError", err)
	}
	if got := script.requestCount(); got != 0 {
		t.Errorf("poll request count = %d for a closed window, want 0", got)
	}
}

func TestPoll_TimesOutWhilePending(t *testing.T) {
	script := &tokenScript{responses: []tokenScriptResponse{
		{http.StatusBadRequest, pendingBody},
	}}
	server := httptest.NewServer(script.handler(t))
	defer server.Close()

	flow := newTestFlow(t, server.URL, server.URL)
	flow.pollInterval = 300 * time.Millisecond
	pkce, _ := GeneratePKCE()

	_, err := flow.Poll(context.Background(), deviceAuth(1), pkce)
	var terr *OAuthTimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("Poll() error = %v, want *OAuthTimeoutError", err)
	}
	if got := script.requestCount(); got == 0 {
		t.Error("no poll requests before the window closed")
	}
}

func TestPoll_ContextCanceled(t *testing.T) {
	script := &tokenScript{responses: []tokenScriptResponse{
		{http.StatusBadRequest, pendingBody},
	}}
	server := httptest.NewServer(script.handler(t))
	defer server.Close()

	flow := newTestFlow(t, server.URL, server.URL)
	flow.pollInterval = time.Second
	pkce, _ := GeneratePKCE()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := flow.Poll(ctx, deviceAuth(900), pkce)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Poll() error = %v, want context.Canceled", err)
	}
}

func TestNextPollInterval(t *testing.T) {
	cases := []struct {
		cur  time.Duration
		want time.Duration
	}{
		{2 * time.Second, 3 * time.Second},
		{3 * time.Second, 4500 * time.Millisecond},
		{8 * time.Second, 10 * time.Second},
		{10 * time.Second, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := nextPollInterval(tc.cur); got != tc.want {
			t.Errorf("nextPollInterval(%s) = %s, want %s", tc.cur, got, tc.want)
		}
	}
}
