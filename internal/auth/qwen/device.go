package qwen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Begin requests a device code and returns the authorization details together
// with the PKCE pair the token poll must present. Every call generates a
// fresh verifier; pairs are never reused across attempts.
func (f *Flow) Begin(ctx context.Context) (*DeviceAuthorization, *PKCEPair, error) {
	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, nil, err
	}

	form := url.Values{}
	form.Set("client_id", f.ClientID)
	form.Set("scope", f.Scope)
	form.Set("code_challenge", pkce.Challenge)
	form.Set("code_challenge_method", "S256")

	status, body, err := f.postForm(ctx, f.DeviceURL, form, map[string]string{
		"x-request-id": uuid.NewString(),
	})
	if err != nil {
		return nil, nil, &AuthInitiationError{Err: err}
	}
	if status != http.StatusOK {
		return nil, nil, &AuthInitiationError{Status: status, Body: string(body)}
	}

	var auth DeviceAuthorization
	if err := json.Unmarshal(body, &auth); err != nil {
		return nil, nil, &AuthInitiationError{Status: status, Err: err}
	}
	if auth.DeviceCode == "" {
		return nil, nil, &AuthInitiationError{Status: status, Body: "response is missing device_code"}
	}

	log.Debugf("Device authorization issued, user code %s, expires in %ds", auth.UserCode, auth.ExpiresIn)
	return &auth, pkce, nil
}
