// Package creds persists the signed-in user identity for the boxkite client.
//
// Credentials are stored as a small JSON file in the data directory and
// consumed by the API client as the caller identity for every mutation.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const fileName = "credentials.json"

// Credentials holds the signed-in identity.
type Credentials struct {
	UserID string `json:"user_id"`
	Token  string `json:"token"`
}

// FileStore reads and writes credentials under a data directory.
// It implements api.CredentialSource.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates a credential store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path() string {
	return filepath.Join(s.dir, fileName)
}

// Current returns the signed-in user id and token.
// ok is false when nobody is signed in.
func (s *FileStore) Current() (userID, token string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path())
	if err != nil {
		return "", "", false
	}

	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return "", "", false
	}
	if c.UserID == "" || c.Token == "" {
		return "", "", false
	}
	return c.UserID, c.Token, true
}

// Save stores the credentials, creating the data directory if needed.
// The file is written with owner-only permissions.
func (s *FileStore) Save(c Credentials) error {
	if c.UserID == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if c.Token == "" {
		return fmt.Errorf("token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	// Write-then-rename so a crash never leaves a truncated file.
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		return fmt.Errorf("failed to replace credentials: %w", err)
	}
	return nil
}

// Clear removes stored credentials. Clearing when signed out is a no-op.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	return nil
}
