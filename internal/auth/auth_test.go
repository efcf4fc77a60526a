package auth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// mockTokenStore is a mock implementation of TokenStore for testing.
type mockTokenStore struct {
	token       *oauth2.Token
	savedTokens []*oauth2.Token
	deleted     bool
}

func (m *mockTokenStore) SaveToken(token *oauth2.Token) error {
	m.savedTokens = append(m.savedTokens, token)
	m.token = token
	return nil
}

func (m *mockTokenStore) LoadToken() (*oauth2.Token, error) {
	return m.token, nil
}

func (m *mockTokenStore) DeleteToken() error {
	m.deleted = true
	m.token = nil
	return nil
}

func testOAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		Scopes:       []string{"https://www.googleapis.com/auth/calendar"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}
}

func TestFlow_RestoreWithToken(t *testing.T) {
	mockStore := &mockTokenStore{
		token: &oauth2.Token{
			AccessToken:  "test-access-token",
			RefreshToken: "test-refresh-token",
			Expiry:       time.Now().Add(1 * time.Hour),
			TokenType:    "Bearer",
		},
	}

	flow := NewFlow(testOAuthConfig(), mockStore, zerolog.Nop())
	client, err := flow.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore() returned an error: %v", err)
	}
	if client == nil {
		t.Fatal("Restore() returned nil client")
	}
}

func TestFlow_RestoreWithoutToken(t *testing.T) {
	flow := NewFlow(testOAuthConfig(), &mockTokenStore{}, zerolog.Nop())

	_, err := flow.Restore(context.Background())
	if !errors.Is(err, ErrNoToken) {
		t.Fatalf("Expected ErrNoToken, got %v", err)
	}
}

func TestFlow_AuthorizeUsesStoredToken(t *testing.T) {
	mockStore := &mockTokenStore{
		token: &oauth2.Token{AccessToken: "stored", Expiry: time.Now().Add(time.Hour)},
	}
	flow := NewFlow(testOAuthConfig(), mockStore, zerolog.Nop())

	if _, err := flow.Authorize(context.Background()); err != nil {
		t.Fatalf("Authorize() returned an error: %v", err)
	}
	if len(mockStore.savedTokens) != 0 {
		t.Errorf("Expected no new token to be saved, got %d", len(mockStore.savedTokens))
	}
}

func TestFlow_AuthorizeReplacesRejectedToken(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	defer tokenServer.Close()

	cfg := testOAuthConfig()
	cfg.Endpoint.TokenURL = tokenServer.URL
	mockStore := &mockTokenStore{
		token: &oauth2.Token{
			AccessToken:  "expired",
			RefreshToken: "revoked-refresh-token",
			Expiry:       time.Now().Add(-time.Hour),
		},
	}
	var prompt bytes.Buffer
	flow := NewFlow(cfg, mockStore, zerolog.Nop())
	flow.Prompt = &prompt
	flow.ListenAddr = "127.0.0.1:0"

	// Nobody completes the consent in the browser, so the flow runs into the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := flow.Authorize(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected the consent flow to wait for the user, got %v", err)
	}
	if !mockStore.deleted {
		t.Error("Expected the rejected token to be deleted")
	}
	if !strings.Contains(prompt.String(), "Please visit the following URL") {
		t.Errorf("Expected the consent URL to be shown, got %q", prompt.String())
	}
}

func TestFlow_AuthorizeKeepsTokenOnTransportError(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	cfg := testOAuthConfig()
	cfg.Endpoint.TokenURL = tokenServer.URL
	tokenServer.Close()

	mockStore := &mockTokenStore{
		token: &oauth2.Token{AccessToken: "expired", RefreshToken: "refresh", Expiry: time.Now().Add(-time.Hour)},
	}
	flow := NewFlow(cfg, mockStore, zerolog.Nop())
	flow.Prompt = io.Discard

	if _, err := flow.Authorize(context.Background()); err == nil {
		t.Fatal("Expected an error when the token endpoint is unreachable")
	}
	if mockStore.deleted {
		t.Error("Expected the token to be kept when the server could not be reached")
	}
}

func TestFlow_Revoke(t *testing.T) {
	mockStore := &mockTokenStore{token: &oauth2.Token{AccessToken: "x"}}
	flow := NewFlow(testOAuthConfig(), mockStore, zerolog.Nop())

	if err := flow.Revoke(); err != nil {
		t.Fatalf("Revoke() returned an error: %v", err)
	}
	if !mockStore.deleted {
		t.Error("Expected token to be deleted")
	}
}

func TestCallbackHandler(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantCode string
		wantErr  error
	}{
		{name: "code", query: "?state=s1&code=abc", wantCode: "abc"},
		{name: "access denied", query: "?error=access_denied", wantErr: ErrAccessDenied},
		{name: "state mismatch", query: "?state=other&code=abc", wantErr: errors.New("any")},
		{name: "missing code", query: "?state=s1", wantErr: errors.New("any")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codeCh := make(chan string, 1)
			errCh := make(chan error, 1)
			handler := callbackHandler("s1", codeCh, errCh)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+tt.query, nil))

			select {
			case code := <-codeCh:
				if tt.wantCode == "" {
					t.Fatalf("Unexpected code %q", code)
				}
				if code != tt.wantCode {
					t.Errorf("Expected code %q, got %q", tt.wantCode, code)
				}
			case err := <-errCh:
				if tt.wantErr == nil {
					t.Fatalf("Unexpected error %v", err)
				}
				if tt.wantErr == ErrAccessDenied && !errors.Is(err, ErrAccessDenied) {
					t.Errorf("Expected ErrAccessDenied, got %v", err)
				}
			default:
				t.Fatal("Handler produced neither a code nor an error")
			}
		})
	}
}

func TestTokenFile_SaveLoad(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "tokens", "token.json")
	file := NewTokenFile(tokenPath)

	token := &oauth2.Token{
		AccessToken:  "test-access-token",
		RefreshToken: "test-refresh-token",
		Expiry:       time.Now().Add(1 * time.Hour),
		TokenType:    "Bearer",
	}
	if err := file.SaveToken(token); err != nil {
		t.Fatalf("SaveToken() returned an error: %v", err)
	}

	info, err := os.Stat(tokenPath)
	if err != nil {
		t.Fatalf("Expected the token file to exist: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("Expected permissions 0600, got %o", perm)
	}
	entries, _ := os.ReadDir(filepath.Dir(tokenPath))
	if len(entries) != 1 {
		t.Errorf("Expected only the token file in its directory, got %d entries", len(entries))
	}

	loaded, err := file.LoadToken()
	if err != nil {
		t.Fatalf("LoadToken() returned an error: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadToken() returned nil token")
	}
	if loaded.AccessToken != token.AccessToken || loaded.RefreshToken != token.RefreshToken {
		t.Errorf("Expected %q/%q, got %q/%q", token.AccessToken, token.RefreshToken, loaded.AccessToken, loaded.RefreshToken)
	}
	if !loaded.Expiry.Equal(token.Expiry) {
		t.Errorf("Expected Expiry to be %v, got %v", token.Expiry, loaded.Expiry)
	}
}

func TestTokenFile_NoSession(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte(`{"token_type":"Bearer"}`), 0600); err != nil {
		t.Fatal(err)
	}

	for name, path := range map[string]string{
		"missing file": filepath.Join(dir, "nonexistent.json"),
		"no tokens":    empty,
	} {
		t.Run(name, func(t *testing.T) {
			token, err := NewTokenFile(path).LoadToken()
			if err != nil {
				t.Fatalf("LoadToken() returned an error: %v", err)
			}
			if token != nil {
				t.Errorf("Expected no token, got %v", token)
			}
		})
	}
}

func TestTokenFile_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	if err := os.WriteFile(path, []byte(`{"access_token":`), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewTokenFile(path).LoadToken(); err == nil {
		t.Error("Expected an error for a corrupt token file")
	}
}

func TestTokenFile_Delete(t *testing.T) {
	file := NewTokenFile(filepath.Join(t.TempDir(), "token.json"))

	if err := file.DeleteToken(); err != nil {
		t.Fatalf("DeleteToken() on missing file returned an error: %v", err)
	}
	if err := file.SaveToken(&oauth2.Token{AccessToken: "x"}); err != nil {
		t.Fatalf("SaveToken() returned an error: %v", err)
	}
	if err := file.DeleteToken(); err != nil {
		t.Fatalf("DeleteToken() returned an error: %v", err)
	}
	token, err := file.LoadToken()
	if err != nil || token != nil {
		t.Errorf("Expected no token after delete, got %v, %v", token, err)
	}
}
