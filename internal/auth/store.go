package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
)

// TokenFile keeps the cloud session on disk as a JSON encoded oauth2.Token,
// readable by the owner only. No file means no session.
type TokenFile struct {
	Path string

	// Refreshes from concurrent API calls save through the same file.
	mu sync.Mutex
}

func NewTokenFile(path string) *TokenFile {
	return &TokenFile{Path: path}
}

// SaveToken replaces the session file. The token is written next to it
// first and renamed into place, so a reader never sees half a token.
func (f *TokenFile) SaveToken(token *oauth2.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return fmt.Errorf("failed to create token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}

// LoadToken returns nil, nil when there is no session: the file is missing
// or holds neither an access nor a refresh token.
func (f *TokenFile) LoadToken() (*oauth2.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("token file %s is corrupt: %w", f.Path, err)
	}
	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, nil
	}
	return &token, nil
}

// DeleteToken ends the session. Deleting a missing file succeeds.
func (f *TokenFile) DeleteToken() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}
