package qwen

import (
	"fmt"
	"time"
)

// AuthInitiationError reports a failed device authorization request, either a
// transport failure or a non-200 answer from the device code endpoint.
type AuthInitiationError struct {
	Status int
	Body   string
	Err    error
}

func (e *AuthInitiationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device authorization failed: %v", e.Err)
	}
	return fmt.Sprintf("device authorization failed: status %d: %s", e.Status, e.Body)
}

func (e *AuthInitiationError) Unwrap() error { return e.Err }

// OAuthError is an explicit rejection from the token endpoint, such as
// access_denied or expired_token, that ends the polling loop.
type OAuthError struct {
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("oauth error %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("oauth error %s", e.Code)
}

// OAuthTimeoutError means the user did not approve the device authorization
// before the provider's window closed.
type OAuthTimeoutError struct {
	Window time.Duration
}

func (e *OAuthTimeoutError) Error() string {
	return fmt.Sprintf("device authorization not approved within %s", e.Window)
}

// NoCredentialError means there is no stored credential, or no refresh token,
// to exchange.
type NoCredentialError struct{}

func (e *NoCredentialError) Error() string { return "no credential available to refresh" }

// RefreshFailedError reports a refresh-token exchange that did not produce a
// new credential. Status and Body are set when the provider answered with a
// rejection; Err carries transport-level failures.
type RefreshFailedError struct {
	Status int
	Body   string
	Err    error
}

func (e *RefreshFailedError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token refresh rejected: status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *RefreshFailedError) Unwrap() error { return e.Err }
