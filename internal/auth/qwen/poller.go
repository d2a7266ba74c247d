package qwen

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pysugar/qwen-code-proxy/internal/auth/credential"
)

const (
	initialPollInterval = 2 * time.Second
	maxPollInterval     = 10 * time.Second
	slowDownFactor      = 1.5
)

// Poll exchanges the device code for a credential, waiting for the user to
// approve in the browser. It waits the current interval before every request,
// starting at 2s, and grows the interval by 1.5x (capped at 10s) each time
// the provider answers slow_down. Polling stops with an OAuthTimeoutError
// once the device code's expires_in window has passed, and with an OAuthError
// on any terminal rejection. The credential is persisted before it is
// returned.
func (f *Flow) Poll(ctx context.Context, auth *DeviceAuthorization, pkce *PKCEPair) (*credential.Credential, error) {
	form := url.Values{}
	form.Set("grant_type", GrantTypeDeviceCode)
	form.Set("client_id", f.ClientID)
	form.Set("device_code", auth.DeviceCode)
	form.Set("code_verifier", pkce.Verifier)

	window := time.Duration(auth.ExpiresIn) * time.Second
	start := time.Now()
	interval := f.pollInterval

	for time.Since(start) < window {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		status, body, err := f.postForm(ctx, f.TokenURL, form, nil)
		if err != nil {
			return nil, fmt.Errorf("token poll request: %w", err)
		}

		if status == http.StatusOK {
			return f.saveTokenResponse(body)
		}

		var oe oauthErrorBody
		if jerr := json.Unmarshal(body, &oe); jerr != nil || oe.Error == "" {
			return nil, &OAuthError{Code: strconv.Itoa(status), Description: string(body)}
		}
		switch oe.Error {
		case "authorization_pending":
			log.Debugf("Authorization pending, next poll in %s", interval)
		case "slow_down":
			interval = nextPollInterval(interval)
			log.Debugf("Provider asked to slow down, next poll in %s", interval)
		default:
			return nil, &OAuthError{Code: oe.Error, Description: oe.ErrorDescription}
		}
	}

	return nil, &OAuthTimeoutError{Window: window}
}

// nextPollInterval grows the interval by 1.5x after a slow_down answer,
// never past maxPollInterval.
func nextPollInterval(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * slowDownFactor)
	if next > maxPollInterval {
		next = maxPollInterval
	}
	return next
}

func (f *Flow) saveTokenResponse(body []byte) (*credential.Credential, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}

	cred := &credential.Credential{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ResourceURL:  tr.ResourceURL,
		ExpiryDate:   time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).Unix(),
	}
	if cred.ResourceURL == "" {
		cred.ResourceURL = DefaultResourceURL
	}
	if err := f.store.Save(cred); err != nil {
		return nil, err
	}

	log.Infof("Device authorization approved, access token valid for %ds", tr.ExpiresIn)
	return cred, nil
}
