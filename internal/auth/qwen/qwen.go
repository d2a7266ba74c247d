// Package qwen implements the Qwen OAuth 2.0 device authorization flow:
// PKCE generation, device-code initiation, token polling and refresh-token
// exchange. Credentials are persisted through a credential.Store.
package qwen

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pysugar/qwen-code-proxy/internal/auth/credential"
)

const (
	// DeviceCodeEndpoint starts the device authorization flow.
	DeviceCodeEndpoint = "https://chat.qwen.ai/api/v1/oauth2/device/code"
	// TokenEndpoint exchanges device codes and refresh tokens for access tokens.
	TokenEndpoint = "https://chat.qwen.ai/api/v1/oauth2/token"
	// ClientID is the public OAuth client the Qwen CLI family shares.
	ClientID = "f0304373b74a44d2b584a3fb70ca9e56"
	// Scope lists the permissions requested during authorization.
	Scope = "openid profile email model.completion"

	// GrantTypeDeviceCode is the grant presented while polling for approval.
	GrantTypeDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"

	// DefaultResourceURL serves as the API base when a token response carries
	// no resource_url of its own.
	DefaultResourceURL = "https://dashscope.aliyuncs.com/compatible-mode"
)

// DeviceAuthorization is the device authorization endpoint's response.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
}

// tokenResponse is the token endpoint's success payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ResourceURL  string `json:"resource_url"`
	ExpiresIn    int    `json:"expires_in"`
}

// oauthErrorBody is the token endpoint's error payload.
type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Flow drives the device authorization flow against the Qwen identity
// provider. The endpoint fields exist so tests can point the flow at a local
// server; production code uses NewFlow's defaults.
type Flow struct {
	DeviceURL string
	TokenURL  string
	ClientID  string
	Scope     string

	store        *credential.Store
	httpClient   *http.Client
	pollInterval time.Duration
}

func NewFlow(store *credential.Store) *Flow {
	return &Flow{
		DeviceURL:    DeviceCodeEndpoint,
		TokenURL:     TokenEndpoint,
		ClientID:     ClientID,
		Scope:        Scope,
		store:        store,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: initialPollInterval,
	}
}

// postForm sends a URL-encoded POST and returns the status code and body.
func (f *Flow) postForm(ctx context.Context, endpoint string, form url.Values, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}
