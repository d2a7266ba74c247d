// Package dashscope dispatches chat completion requests to the Qwen
// OpenAI-compatible endpoint, attaching the managed credential and retrying
// once behind a token repair when the upstream rejects it.
package dashscope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pysugar/qwen-code-proxy/internal/auth/credential"
	"github.com/pysugar/qwen-code-proxy/internal/auth/qwen"
	"github.com/pysugar/qwen-code-proxy/internal/util"
)

const (
	completionsPath = "/v1/chat/completions"
	userAgent       = "QwenCodeProxy/1.0.0"
)

// UpstreamHTTPError is a non-2xx upstream answer that survived the retry
// budget. Body carries the upstream's error document verbatim; RetryAfter
// is the upstream's throttle hint, 0 when absent.
type UpstreamHTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *UpstreamHTTPError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, util.TruncateLog(e.Body, util.DefaultLogMaxLen))
}

// TokenProvider hands out ready-to-use credentials and repairs rejected
// ones. It is satisfied by *token.Manager.
type TokenProvider interface {
	EnsureValid(ctx context.Context) (*credential.Credential, error)
	Refresh(ctx context.Context) (*credential.Credential, error)
	Reauthorize(ctx context.Context) (*credential.Credential, error)
}

// Provider issues authenticated requests against the chat completions
// endpoint.
type Provider struct {
	tokens TokenProvider

	// client carries the configured per-request deadline; streamClient has
	// none because a live stream's lifetime belongs to the caller's context.
	client       *http.Client
	streamClient *http.Client
}

func NewProvider(tokens TokenProvider, timeout time.Duration) *Provider {
	return &Provider{
		tokens:       tokens,
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

// ChatCompletion issues a non-streaming chat request and returns the raw
// completion document.
func (p *Provider) ChatCompletion(ctx context.Context, body []byte) (json.RawMessage, error) {
	resp, err := p.dispatch(ctx, body, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read completion response: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("upstream returned a malformed completion body")
	}
	return json.RawMessage(data), nil
}

// ChatCompletionStream issues a streaming chat request and returns the live
// response body. The caller owns the stream and must close it.
func (p *Provider) ChatCompletionStream(ctx context.Context, body []byte) (io.ReadCloser, error) {
	resp, err := p.dispatch(ctx, body, true)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// dispatch sends the request with a valid credential and applies the retry
// policy: an auth-shaped status buys exactly one refresh (escalating to a
// full device flow only if the refresh itself fails) and one resend. A
// failure on the resend is final.
func (p *Provider) dispatch(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	cred, err := p.tokens.EnsureValid(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := p.send(ctx, cred, body, stream)
	if err != nil {
		return nil, err
	}

	if isAuthStatus(resp.StatusCode) {
		drain(resp)
		log.Warnf("Upstream rejected the token with %d, refreshing and retrying", resp.StatusCode)
		cred, err = p.tokens.Refresh(ctx)
		if err != nil {
			log.Warnf("Reactive refresh failed (%v), re-running device authorization", err)
			cred, err = p.tokens.Reauthorize(ctx)
			if err != nil {
				return nil, err
			}
		}
		resp, err = p.send(ctx, cred, body, stream)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(resp.Body)
		return nil, &UpstreamHTTPError{
			Status:     resp.StatusCode,
			Body:       string(errBody),
			RetryAfter: parseRetryAfter(resp),
		}
	}
	return resp, nil
}

func (p *Provider) send(ctx context.Context, cred *credential.Credential, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(cred), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	if stream {
		return p.streamClient.Do(req)
	}
	return p.client.Do(req)
}

// isAuthStatus covers the codes the provider uses for rejected or revoked
// tokens; some auth failures come back as plain 400s.
func isAuthStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

// endpointURL builds the completions URL from the credential's resource URL,
// coercing scheme-less values to https.
func endpointURL(cred *credential.Credential) string {
	base := cred.ResourceURL
	if base == "" {
		base = qwen.DefaultResourceURL
	}
	if !strings.HasPrefix(base, "https://") && !strings.HasPrefix(base, "http://") {
		base = "https://" + base
	}
	return strings.TrimRight(base, "/") + completionsPath
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
