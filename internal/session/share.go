package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ShareClient is the boundary to the external share service. The core only
// needs create and delete; rendering and sync belong to the service.
type ShareClient interface {
	Create(ctx context.Context, sessionID, secret string) (url string, err error)
	Delete(ctx context.Context, sessionID, secret string) error
}

// Share publishes the session through the share collaborator. The secret
// is minted here and stored on the session record.
func (s *Store) Share(ctx context.Context, sessionID string) (*ShareInfo, error) {
	if s.share == nil || s.policy == "disabled" {
		return nil, fmt.Errorf("session: sharing is disabled")
	}
	sess, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Share != nil {
		return sess.Share, nil
	}

	secret := uuid.NewString()
	url, err := s.share.Create(ctx, sessionID, secret)
	if err != nil {
		return nil, fmt.Errorf("session: share: %w", err)
	}
	info := &ShareInfo{URL: url, Secret: secret}
	if _, err := s.Update(ctx, sessionID, func(sess *Session) {
		sess.Share = info
	}); err != nil {
		return nil, err
	}
	return info, nil
}

// Unshare withdraws an active share.
func (s *Store) Unshare(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Share == nil {
		return sess, nil
	}
	if s.share != nil {
		if err := s.share.Delete(ctx, sessionID, sess.Share.Secret); err != nil {
			return nil, fmt.Errorf("session: unshare: %w", err)
		}
	}
	return s.Update(ctx, sessionID, func(sess *Session) {
		sess.Share = nil
	})
}

// HTTPShareClient talks to the share service over its REST surface.
type HTTPShareClient struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPShareClient builds a client for the share service at baseURL.
func NewHTTPShareClient(baseURL string) *HTTPShareClient {
	return &HTTPShareClient{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type sharePayload struct {
	SessionID string `json:"sessionID"`
	Secret    string `json:"secret"`
}

// Create registers the share and returns its public URL.
func (c *HTTPShareClient) Create(ctx context.Context, sessionID, secret string) (string, error) {
	body, _ := json.Marshal(sharePayload{SessionID: sessionID, Secret: secret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/share_create", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("share service returned %s", resp.Status)
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.URL, nil
}

// Delete withdraws the share.
func (c *HTTPShareClient) Delete(ctx context.Context, sessionID, secret string) error {
	body, _ := json.Marshal(sharePayload{SessionID: sessionID, Secret: secret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/share_delete", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("share service returned %s", resp.Status)
	}
	return nil
}
