// Package client is a typed Go client for the NexLevel HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the server root, e.g. https://api.nexlevel.app
	BaseURL string
	// Token is an existing bearer token. Signup and Login replace it.
	Token      string
	HTTPClient *http.Client
	// MaxRetries bounds retries of idempotent requests on 503 responses.
	MaxRetries uint64
	RetryBase  time.Duration
}

// Client calls the API on behalf of one user.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
	retryBase  time.Duration

	mu    sync.RWMutex
	token string
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		token:      cfg.Token,
	}, nil
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Signup creates an account and keeps the issued token.
func (c *Client) Signup(ctx context.Context, req SignupRequest) (*TokenResponse, error) {
	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/signup", req, &resp, nil); err != nil {
		return nil, err
	}
	c.setToken(resp.Token)
	return &resp, nil
}

// Login exchanges credentials for a token and keeps it.
func (c *Client) Login(ctx context.Context, email, password string) (*TokenResponse, error) {
	var resp TokenResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/auth/login", LoginRequest{Email: email, Password: password}, &resp, nil); err != nil {
		return nil, err
	}
	c.setToken(resp.Token)
	return &resp, nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/api/v1/me", nil, &u, nil); err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateChallenge publishes a challenge definition.
func (c *Client) CreateChallenge(ctx context.Context, in ChallengeInput) (*Challenge, error) {
	var def Challenge
	if err := c.do(ctx, http.MethodPost, "/api/v1/challenges", in, &def, nil); err != nil {
		return nil, err
	}
	return &def, nil
}

// Challenge returns one definition.
func (c *Client) Challenge(ctx context.Context, id string) (*Challenge, error) {
	var def Challenge
	if err := c.do(ctx, http.MethodGet, "/api/v1/challenges/"+url.PathEscape(id), nil, &def, nil); err != nil {
		return nil, err
	}
	return &def, nil
}

// JoinChallenge starts a new instance of a definition, optionally inviting
// partners.
func (c *Client) JoinChallenge(ctx context.Context, challengeID string, req JoinChallengeRequest) (*Instance, error) {
	var inst Instance
	path := "/api/v1/challenges/" + url.PathEscape(challengeID) + "/join"
	if err := c.do(ctx, http.MethodPost, path, req, &inst, nil); err != nil {
		return nil, err
	}
	return &inst, nil
}

// AcceptInvitation joins an instance the caller was invited to.
func (c *Client) AcceptInvitation(ctx context.Context, instanceID string) (*Instance, error) {
	var inst Instance
	if err := c.do(ctx, http.MethodPost, instancePath(instanceID, "join"), nil, &inst, nil); err != nil {
		return nil, err
	}
	return &inst, nil
}

// MyChallenges lists the caller's active instances.
func (c *Client) MyChallenges(ctx context.Context) ([]InstanceView, error) {
	var resp struct {
		Instances []InstanceView `json:"instances"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/me/challenges", nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Instances, nil
}

// CheckIn records a task completion. The request carries an idempotency
// key and is retried on 503 with the same key, so a retried check-in is
// recorded at most once.
func (c *Client) CheckIn(ctx context.Context, instanceID string, req CheckInRequest) (*CheckInResponse, error) {
	return c.CheckInWithKey(ctx, instanceID, uuid.NewString(), req)
}

// CheckInWithKey is CheckIn with a caller-chosen idempotency key.
func (c *Client) CheckInWithKey(ctx context.Context, instanceID, key string, req CheckInRequest) (*CheckInResponse, error) {
	var resp CheckInResponse
	header := http.Header{}
	header.Set("Idempotency-Key", key)

	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		err := c.do(ctx, http.MethodPost, instancePath(instanceID, "check-ins"), req, &resp, header)
		var apiErr *Error
		if errors.As(err, &apiErr) && apiErr.Temporary() {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Exit leaves an instance. Exiting twice is not an error.
func (c *Client) Exit(ctx context.Context, instanceID, reason string) error {
	body := struct {
		Reason string `json:"reason,omitempty"`
	}{Reason: reason}
	return c.do(ctx, http.MethodPost, instancePath(instanceID, "exit"), body, nil, nil)
}

// Progress returns the caller's progress in an instance.
func (c *Client) Progress(ctx context.Context, instanceID string) (*Progress, error) {
	var p Progress
	if err := c.do(ctx, http.MethodGet, instancePath(instanceID, "progress"), nil, &p, nil); err != nil {
		return nil, err
	}
	return &p, nil
}

// Notifications returns the newest notifications of the caller.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool, limit int) (*NotificationList, error) {
	q := url.Values{}
	if unreadOnly {
		q.Set("unread_only", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/notifications"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list NotificationList
	if err := c.do(ctx, http.MethodGet, path, nil, &list, nil); err != nil {
		return nil, err
	}
	return &list, nil
}

// MarkRead marks one notification read.
func (c *Client) MarkRead(ctx context.Context, notificationID string) (*Notification, error) {
	var n Notification
	path := "/api/v1/notifications/" + url.PathEscape(notificationID) + "/read"
	if err := c.do(ctx, http.MethodPost, path, nil, &n, nil); err != nil {
		return nil, err
	}
	return &n, nil
}

// MarkAllRead marks every notification read and returns how many changed.
func (c *Client) MarkAllRead(ctx context.Context) (int, error) {
	var resp struct {
		Marked int `json:"marked"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/notifications/read-all", nil, &resp, nil); err != nil {
		return 0, err
	}
	return resp.Marked, nil
}

func instancePath(instanceID, action string) string {
	return "/api/v1/user-challenges/" + url.PathEscape(instanceID) + "/" + action
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.retryBase)
	b = retry.WithJitterPercent(20, b)
	return retry.WithMaxRetries(c.maxRetries, b)
}

// do sends an authenticated JSON request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any, header http.Header) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
