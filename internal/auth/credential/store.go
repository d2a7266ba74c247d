// Package credential owns the persisted Qwen OAuth credential file and its
// in-memory copy. All reads and writes go through a Store so the rest of the
// proxy never touches the file directly.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ExpirySkew is how long before the server-reported expiry a credential is
// already treated as expired, so requests in flight do not race the cutoff.
const ExpirySkew = 30 * time.Second

// Credential mirrors the JSON layout of ~/.qwen/oauth_creds.json.
type Credential struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ResourceURL  string `json:"resource_url,omitempty"`
	ExpiryDate   int64  `json:"expiry_date"`
}

// Expired reports whether the credential is unusable at now, applying
// ExpirySkew ahead of the server expiry. A nil credential or one without an
// access token is always expired.
func (c *Credential) Expired(now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return true
	}
	return c.ExpiryDate < now.Add(ExpirySkew).Unix()
}

// DefaultPath returns ~/.qwen/oauth_creds.json, the location the Qwen CLI
// family shares.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".qwen", "oauth_creds.json"), nil
}

// Store reads and writes the credential file and keeps a cached copy so the
// hot path never hits the disk.
type Store struct {
	path string

	mu     sync.Mutex
	cached *Credential
	loaded bool
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the credential file location.
func (s *Store) Path() string {
	return s.path
}

// Load returns the current credential, reading the file on first use. A
// missing file yields nil. An unreadable or corrupt file also yields nil so
// the next authentication runs the full device flow instead of surfacing a
// parse error to the user.
func (s *Store) Load() *Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() *Credential {
	if s.loaded {
		return s.cached
	}
	s.loaded = true

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("Credential file %s is unreadable, re-authentication required: %v", s.path, err)
		}
		return nil
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		log.Warnf("Credential file %s is corrupt, re-authentication required: %v", s.path, err)
		return nil
	}
	s.cached = &cred
	return s.cached
}

// Save writes cred to disk with owner-only permissions and replaces the
// cached copy. The write goes through a temp file and rename so a crash never
// leaves a half-written credential behind.
func (s *Store) Save(cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace credential file: %w", err)
	}
	s.cached = cred
	s.loaded = true
	return nil
}

// Delete removes the persisted credential and clears the cache. A missing
// file is not an error.
func (s *Store) Delete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cached = nil
	s.loaded = true
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	return nil
}
