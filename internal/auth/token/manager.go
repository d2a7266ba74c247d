// Package token manages the shared Qwen credential's lifecycle: deciding
// when to refresh, when to rerun the device flow, and serializing both so
// concurrent requests never race each other into duplicate token exchanges.
package token

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pysugar/qwen-code-proxy/internal/auth/credential"
	"github.com/pysugar/qwen-code-proxy/internal/auth/qwen"
)

// AuthFlow is the device authorization flow the manager drives. It is
// satisfied by *qwen.Flow.
type AuthFlow interface {
	Begin(ctx context.Context) (*qwen.DeviceAuthorization, *qwen.PKCEPair, error)
	Poll(ctx context.Context, auth *qwen.DeviceAuthorization, pkce *qwen.PKCEPair) (*credential.Credential, error)
	Refresh(ctx context.Context, cred *credential.Credential) (*credential.Credential, error)
}

// Notifier receives the verification URL when a device flow needs the user's
// approval. Implementations print the URL and usually try to open a browser.
type Notifier func(verificationURL string)

// Manager owns all credential mutation. A single mutex covers the check and
// the repair: requests that find the credential expired at the same time
// queue up here, and every one after the first sees the credential the
// winner obtained instead of starting another exchange.
type Manager struct {
	store  *credential.Store
	flow   AuthFlow
	notify Notifier

	mu sync.Mutex
}

func NewManager(store *credential.Store, flow AuthFlow, notify Notifier) *Manager {
	if notify == nil {
		notify = func(string) {}
	}
	return &Manager{store: store, flow: flow, notify: notify}
}

// EnsureValid returns a credential usable right now. An expired or missing
// credential is refreshed when a refresh token exists, and re-acquired
// through the device flow when there is nothing to refresh or the refresh
// is rejected.
func (m *Manager) EnsureValid(ctx context.Context) (*credential.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cred := m.store.Load()
	if !cred.Expired(time.Now()) {
		return cred, nil
	}

	next, err := m.flow.Refresh(ctx, cred)
	if err == nil {
		return next, nil
	}
	if !needsReauthorization(err) {
		return nil, err
	}

	log.Infof("Token refresh unavailable (%v), starting device authorization", err)
	return m.reauthorizeLocked(ctx)
}

// Refresh performs exactly one refresh of the stored credential, for callers
// reacting to an upstream authorization rejection. It never falls back to
// the device flow; that escalation belongs to the dispatcher's retry policy.
func (m *Manager) Refresh(ctx context.Context) (*credential.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flow.Refresh(ctx, m.store.Load())
}

// Reauthorize runs the full device flow: begin, hand the verification URL to
// the notifier, poll until the user approves.
func (m *Manager) Reauthorize(ctx context.Context) (*credential.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reauthorizeLocked(ctx)
}

func (m *Manager) reauthorizeLocked(ctx context.Context) (*credential.Credential, error) {
	auth, pkce, err := m.flow.Begin(ctx)
	if err != nil {
		return nil, err
	}
	m.notify(auth.VerificationURIComplete)
	return m.flow.Poll(ctx, auth, pkce)
}

// needsReauthorization reports whether a failed refresh should fall through
// to a fresh device flow. Rejected or impossible refreshes do; canceled
// contexts and unexpected failures surface to the caller instead.
func needsReauthorization(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var noCred *qwen.NoCredentialError
	var failed *qwen.RefreshFailedError
	return errors.As(err, &noCred) || errors.As(err, &failed)
}
