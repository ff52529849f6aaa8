package gcal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ErrNoToken is returned when a user has no stored OAuth token.
var ErrNoToken = errors.New("gcal: no token for user")

// TokenStore keeps one OAuth token JSON file per user under Dir.
type TokenStore struct {
	Dir string
	mu  sync.Mutex
}

func (s *TokenStore) path(userID string) (string, error) {
	if userID == "" || strings.ContainsAny(userID, `/\`) || userID == "." || userID == ".." {
		return "", fmt.Errorf("gcal: invalid user id %q", userID)
	}
	return filepath.Join(s.Dir, userID+".json"), nil
}

func (s *TokenStore) Load(userID string) (*oauth2.Token, error) {
	p, err := s.path(userID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode token for %s: %w", userID, err)
	}
	return &tok, nil
}

// Save writes tok atomically with 0600 permissions.
func (s *TokenStore) Save(userID string, tok *oauth2.Token) error {
	p, err := s.path(userID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.Dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.Dir, ".token-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

// Delete removes the user's token. Missing files are not an error.
func (s *TokenStore) Delete(userID string) error {
	p, err := s.path(userID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// TokenSource returns a refreshing source for userID that writes refreshed
// tokens back to the store.
func (s *TokenStore) TokenSource(ctx context.Context, cfg *oauth2.Config, userID string) (oauth2.TokenSource, error) {
	tok, err := s.Load(userID)
	if err != nil {
		return nil, err
	}
	return &savingTokenSource{
		base:   oauth2.ReuseTokenSource(tok, cfg.TokenSource(ctx, tok)),
		store:  s,
		userID: userID,
		last:   tok.AccessToken,
	}, nil
}

type savingTokenSource struct {
	base   oauth2.TokenSource
	store  *TokenStore
	userID string

	mu   sync.Mutex
	last string
}

func (t *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := t.base.Token()
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if tok.AccessToken != t.last {
		t.last = tok.AccessToken
		// Refresh already succeeded; a failed write only costs a refresh later.
		_ = t.store.Save(t.userID, tok)
	}
	return tok, nil
}

// OAuthConfig builds the web-flow config for the calendar scope.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     google.Endpoint,
		Scopes:       []string{"https://www.googleapis.com/auth/calendar.readonly"},
	}
}
