// Package supabase implements identity.Provider on top of the Supabase Auth
// (GoTrue) admin API.
//
// Identity records are auth users whose e-mail is the deterministic lookup
// key. All calls use the service role key and never touch end-user sessions.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sakif/storefront/internal/identity"
)

const (
	defaultPerPage  = 100
	defaultMaxPages = 50
	defaultTimeout  = 10 * time.Second
)

// Config holds the admin API settings.
type Config struct {
	URL        string
	ServiceKey string

	// PerPage and MaxPages bound the user scan in FindIdentity.
	PerPage  int
	MaxPages int

	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is an identity.Provider backed by Supabase Auth.
type Client struct {
	authURL    string
	serviceKey string
	perPage    int
	maxPages   int
	http       *http.Client
}

var _ identity.Provider = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase: project URL is required")
	}
	if cfg.ServiceKey == "" {
		return nil, fmt.Errorf("supabase: service key is required")
	}
	base := strings.TrimRight(cfg.URL, "/")
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("supabase: invalid project URL: %w", err)
	}

	if cfg.PerPage <= 0 {
		cfg.PerPage = defaultPerPage
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = defaultMaxPages
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		authURL:    base + "/auth/v1",
		serviceKey: cfg.ServiceKey,
		perPage:    cfg.PerPage,
		maxPages:   cfg.MaxPages,
		http:       client,
	}, nil
}

type adminUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type createUserRequest struct {
	Email        string            `json:"email"`
	EmailConfirm bool              `json:"email_confirm"`
	UserMetadata identity.Metadata `json:"user_metadata"`
}

// apiError is the GoTrue error body. Older releases only send msg.
type apiError struct {
	Code      int    `json:"code"`
	ErrorCode string `json:"error_code"`
	Msg       string `json:"msg"`
	Message   string `json:"message"`
}

func (e apiError) text() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Message
}

// CreateIdentity creates a confirmed auth user for key. A user that already
// exists is reported as identity.ErrIdentityExists.
func (c *Client) CreateIdentity(ctx context.Context, key string, meta identity.Metadata) (string, error) {
	body, err := json.Marshal(createUserRequest{
		Email:        key,
		EmailConfirm: true,
		UserMetadata: meta,
	})
	if err != nil {
		return "", fmt.Errorf("supabase: marshal create request: %w", err)
	}

	respBody, status, err := c.do(ctx, http.MethodPost, c.authURL+"/admin/users", body)
	if err != nil {
		return "", err
	}
	if status >= 400 {
		if isAlreadyRegistered(respBody, status) {
			return "", identity.ErrIdentityExists
		}
		return "", parseError(respBody, status)
	}

	var user adminUser
	if err := json.Unmarshal(respBody, &user); err != nil {
		return "", fmt.Errorf("supabase: unmarshal created user: %w", err)
	}
	if user.ID == "" {
		return "", fmt.Errorf("supabase: created user has no id")
	}
	return user.ID, nil
}

// FindIdentity scans the admin user list for key. The scan stops at the
// first short page or after MaxPages pages.
func (c *Client) FindIdentity(ctx context.Context, key string) (string, error) {
	var ids []string
	seen := make(map[string]struct{})

	for page := 1; page <= c.maxPages; page++ {
		users, err := c.listUsers(ctx, page)
		if err != nil {
			return "", err
		}
		for _, u := range users {
			if !strings.EqualFold(u.Email, key) {
				continue
			}
			if _, dup := seen[u.ID]; dup {
				continue
			}
			seen[u.ID] = struct{}{}
			ids = append(ids, u.ID)
		}
		if len(users) < c.perPage {
			break
		}
	}

	switch len(ids) {
	case 0:
		return "", identity.ErrIdentityNotFound
	case 1:
		return ids[0], nil
	default:
		return "", &identity.ConflictError{Key: key, IDs: ids}
	}
}

func (c *Client) listUsers(ctx context.Context, page int) ([]adminUser, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(c.perPage))

	respBody, status, err := c.do(ctx, http.MethodGet, c.authURL+"/admin/users?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, parseError(respBody, status)
	}

	var result struct {
		Users []adminUser `json:"users"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("supabase: unmarshal user list: %w", err)
	}
	return result.Users, nil
}

func (c *Client) do(ctx context.Context, method, target string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("supabase: build request: %w", err)
	}
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("supabase: %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("supabase: read response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

func isAlreadyRegistered(body []byte, status int) bool {
	if status == http.StatusConflict {
		return true
	}
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil {
		return false
	}
	if e.ErrorCode == "email_exists" || e.ErrorCode == "user_already_exists" {
		return true
	}
	return strings.Contains(strings.ToLower(e.text()), "already been registered")
}

// StatusError is a non-2xx answer from the admin API.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("supabase: status %d: %s", e.Status, e.Message)
}

func parseError(body []byte, status int) error {
	var e apiError
	msg := http.StatusText(status)
	if err := json.Unmarshal(body, &e); err == nil && e.text() != "" {
		msg = e.text()
	}
	return &StatusError{Status: status, Message: msg}
}
