// Package auth stores provider credentials in auth.json under the user data
// directory. Entries are either plain API keys or OAuth token sets; OAuth
// entries refresh through golang.org/x/oauth2 when expired. Providers
// consult this store before falling back to environment variables.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ErrNotFound is returned when no credential is stored for a provider.
var ErrNotFound = errors.New("auth: no credential for provider")

// Credential kinds.
const (
	TypeAPI   = "api"
	TypeOAuth = "oauth"
)

// Credential is one stored provider credential.
type Credential struct {
	Type string `json:"type"`

	// Key holds the API key for TypeAPI entries.
	Key string `json:"key,omitempty"`

	// OAuth token set for TypeOAuth entries.
	Access  string    `json:"access,omitempty"`
	Refresh string    `json:"refresh,omitempty"`
	Expires time.Time `json:"expires,omitempty"`

	// TokenURL is the endpoint used to refresh OAuth entries.
	TokenURL string `json:"tokenUrl,omitempty"`
	ClientID string `json:"clientId,omitempty"`
}

const fileName = "auth.json"

// Store reads and writes auth.json. Safe for concurrent use within a
// process; the file itself is replaced atomically.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a store writing auth.json under dataDir.
func NewStore(dataDir string) *Store {
	return &Store{path: filepath.Join(dataDir, fileName)}
}

func (s *Store) load() (map[string]Credential, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]Credential{}, nil
		}
		return nil, fmt.Errorf("auth: read %s: %w", s.path, err)
	}
	creds := map[string]Credential{}
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("auth: decode %s: %w", s.path, err)
	}
	return creds, nil
}

func (s *Store) save(creds map[string]Credential) error {
	raw, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("auth: create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".auth-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// Set stores a credential for provider.
func (s *Store) Set(provider string, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, err := s.load()
	if err != nil {
		return err
	}
	creds[provider] = cred
	return s.save(creds)
}

// Remove deletes the credential for provider. Removing a missing entry is
// not an error.
func (s *Store) Remove(provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, err := s.load()
	if err != nil {
		return err
	}
	delete(creds, provider)
	return s.save(creds)
}

// Get returns the stored credential for provider.
func (s *Store) Get(provider string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, err := s.load()
	if err != nil {
		return Credential{}, err
	}
	cred, ok := creds[provider]
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrNotFound, provider)
	}
	return cred, nil
}

// List returns the provider names with stored credentials, sorted.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	creds, err := s.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(creds))
	for name := range creds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// AccessKey resolves the credential for provider to a usable secret: the
// API key for api entries, a valid access token for oauth entries
// (refreshing and persisting the rotated token set when expired).
func (s *Store) AccessKey(ctx context.Context, provider string) (string, error) {
	cred, err := s.Get(provider)
	if err != nil {
		return "", err
	}
	switch cred.Type {
	case TypeAPI:
		return cred.Key, nil
	case TypeOAuth:
		if cred.Access != "" && time.Now().Before(cred.Expires.Add(-time.Minute)) {
			return cred.Access, nil
		}
		refreshed, err := s.refresh(ctx, provider, cred)
		if err != nil {
			return "", err
		}
		return refreshed.Access, nil
	default:
		return "", fmt.Errorf("auth: provider %s has unknown credential type %q", provider, cred.Type)
	}
}

func (s *Store) refresh(ctx context.Context, provider string, cred Credential) (Credential, error) {
	if cred.Refresh == "" || cred.TokenURL == "" {
		return Credential{}, fmt.Errorf("auth: provider %s oauth credential expired and not refreshable", provider)
	}
	conf := &oauth2.Config{
		ClientID: cred.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: cred.TokenURL},
	}
	src := conf.TokenSource(ctx, &oauth2.Token{
		AccessToken:  cred.Access,
		RefreshToken: cred.Refresh,
		Expiry:       cred.Expires,
	})
	tok, err := src.Token()
	if err != nil {
		return Credential{}, fmt.Errorf("auth: refresh %s: %w", provider, err)
	}

	cred.Access = tok.AccessToken
	if tok.RefreshToken != "" {
		cred.Refresh = tok.RefreshToken
	}
	cred.Expires = tok.Expiry
	if err := s.Set(provider, cred); err != nil {
		return Credential{}, err
	}
	return cred, nil
}
