// Package auth runs the OAuth 2.0 consent flow for the cloud calendar and
// keeps the resulting tokens on disk.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

var (
	// ErrNoToken is returned by Restore when no token has been stored yet.
	ErrNoToken = errors.New("no stored token")
	// ErrAccessDenied is returned when the user declines consent.
	ErrAccessDenied = errors.New("user denied access")
)

// callbackTimeout bounds how long Authorize waits for the browser redirect.
const callbackTimeout = 5 * time.Minute

// TokenStore is an interface for saving and loading OAuth tokens.
type TokenStore interface {
	SaveToken(token *oauth2.Token) error
	LoadToken() (*oauth2.Token, error)
	DeleteToken() error
}

// autoSaveTokenSource wraps an oauth2.TokenSource and automatically saves refreshed tokens.
type autoSaveTokenSource struct {
	source     oauth2.TokenSource
	tokenStore TokenStore
	lastToken  *oauth2.Token
}

// Token implements oauth2.TokenSource and saves the token if it was refreshed.
func (a *autoSaveTokenSource) Token() (*oauth2.Token, error) {
	token, err := a.source.Token()
	if err != nil {
		return nil, err
	}

	if a.lastToken == nil || a.lastToken.AccessToken != token.AccessToken {
		if err := a.tokenStore.SaveToken(token); err != nil {
			return nil, fmt.Errorf("failed to save refreshed token: %w", err)
		}
		a.lastToken = token
	}

	return token, nil
}

// Flow obtains authenticated HTTP clients for one OAuth account.
type Flow struct {
	Config *oauth2.Config
	Store  TokenStore
	// Prompt receives the instructions shown to the user. Defaults to os.Stdout.
	Prompt io.Writer
	// ListenAddr is tried first for the callback server; a random port is
	// used when it is taken.
	ListenAddr string

	log zerolog.Logger
}

// NewFlow creates a Flow for the given OAuth config and token store.
func NewFlow(cfg *oauth2.Config, store TokenStore, log zerolog.Logger) *Flow {
	return &Flow{
		Config:     cfg,
		Store:      store,
		Prompt:     os.Stdout,
		ListenAddr: "127.0.0.1:8080",
		log:        log.With().Str("component", "auth").Logger(),
	}
}

// Restore returns a client built from the stored token without any user
// interaction. It returns ErrNoToken if nothing is stored.
func (f *Flow) Restore(ctx context.Context) (*http.Client, error) {
	token, err := f.Store.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if token == nil {
		return nil, ErrNoToken
	}
	return f.client(ctx, token), nil
}

// Authorize returns a client for the stored token, or guides the user
// through the interactive consent flow when there is none. A stored token
// the server refuses to refresh is deleted and replaced through consent.
func (f *Flow) Authorize(ctx context.Context) (*http.Client, error) {
	stored, err := f.Store.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if stored != nil {
		token, err := f.Config.TokenSource(ctx, stored).Token()
		if err == nil {
			if token.AccessToken != stored.AccessToken {
				if err := f.Store.SaveToken(token); err != nil {
					return nil, fmt.Errorf("failed to save refreshed token: %w", err)
				}
			}
			return f.client(ctx, token), nil
		}

		var retrieveErr *oauth2.RetrieveError
		if !errors.As(err, &retrieveErr) {
			return nil, fmt.Errorf("failed to refresh token: %w", err)
		}
		f.log.Warn().Err(err).Msg("stored token was rejected, authorizing again")
		if err := f.Store.DeleteToken(); err != nil {
			return nil, err
		}
	}

	token, err := f.interactive(ctx)
	if err != nil {
		return nil, err
	}
	if err := f.Store.SaveToken(token); err != nil {
		return nil, fmt.Errorf("failed to save token: %w", err)
	}
	f.log.Info().Msg("authorization successful")

	return f.client(ctx, token), nil
}

// Revoke forgets the stored token.
func (f *Flow) Revoke() error {
	return f.Store.DeleteToken()
}

func (f *Flow) client(ctx context.Context, token *oauth2.Token) *http.Client {
	tokenSource := f.Config.TokenSource(ctx, token)

	autoSaveSource := &autoSaveTokenSource{
		source:     oauth2.ReuseTokenSource(token, tokenSource),
		tokenStore: f.Store,
		lastToken:  token,
	}

	return oauth2.NewClient(ctx, autoSaveSource)
}

func (f *Flow) interactive(ctx context.Context) (*oauth2.Token, error) {
	listener, err := f.listen()
	if err != nil {
		return nil, err
	}

	redirectURL := fmt.Sprintf("http://%s", listener.Addr().String())
	cfg := *f.Config
	cfg.RedirectURL = redirectURL

	state := fmt.Sprintf("hangout-%d", time.Now().UnixNano())
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	server := &http.Server{
		Handler:      callbackHandler(state, codeCh, errCh),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()
	defer server.Shutdown(context.Background())

	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	if redirectURL != "http://"+f.ListenAddr {
		fmt.Fprintf(f.Prompt, "Note: %s was unavailable. Make sure to add %s to your authorized redirect URIs in Google Cloud Console.\n", f.ListenAddr, redirectURL)
	}
	fmt.Fprintln(f.Prompt, "\nPlease visit the following URL to authorize the application:")
	fmt.Fprintln(f.Prompt, authURL)
	fmt.Fprintln(f.Prompt, "\nWaiting for authorization...")

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(callbackTimeout):
		return nil, fmt.Errorf("authorization timeout: no response received within %s", callbackTimeout)
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	return token, nil
}

func (f *Flow) listen() (net.Listener, error) {
	listener, err := net.Listen("tcp", f.ListenAddr)
	if err == nil {
		return listener, nil
	}
	listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to start local server: %w", err)
	}
	return listener, nil
}

// callbackHandler receives the OAuth redirect and forwards either the code or
// the failure.
func callbackHandler(state string, codeCh chan<- string, errCh chan<- error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		if errMsg := query.Get("error"); errMsg != "" {
			fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>Error: %s</p></body></html>", errMsg)
			if errMsg == "access_denied" {
				send(errCh, ErrAccessDenied)
			} else {
				send(errCh, fmt.Errorf("authorization error: %s", errMsg))
			}
			return
		}

		if query.Get("state") != state {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, "<html><body><h1>Invalid authorization state</h1></body></html>")
			send(errCh, errors.New("oauth state mismatch"))
			return
		}

		code := query.Get("code")
		if code == "" {
			fmt.Fprint(w, "<html><body><h1>No authorization code received</h1></body></html>")
			send(errCh, errors.New("no authorization code received"))
			return
		}

		fmt.Fprint(w, "<html><body><h1>Authorization successful!</h1><p>You can close this window.</p></body></html>")
		send(codeCh, code)
	})
}

// send never blocks; only the first callback matters.
func send[T any](ch chan<- T, v T) {
	select {
	case ch <- v:
	default:
	}
}
