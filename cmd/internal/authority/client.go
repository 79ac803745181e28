package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultMaxRetries = 3
	retryBaseDelay    = 500 * time.Millisecond

	// Cap on response bodies; authority answers are small.
	maxResponseBytes = 1 << 20
)

// Config tunes the authority client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// Client talks to the remote session authority over HTTP.
type Client struct {
	baseURL    string
	hc         *http.Client
	log        *slog.Logger
	maxRetries int
}

// NewClient constructs an authority client. log may be nil.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/"),
		hc:         &http.Client{Timeout: timeout},
		log:        log,
		maxRetries: retries,
	}
}

// Login exchanges user credentials for a token pair and identity summary.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	var out loginResponse
	err := c.doJSON(ctx, http.MethodPost, "/auth/login", "", loginRequest{Username: username, Password: password}, &out)
	if err != nil {
		return LoginResult{}, err
	}
	if out.AccessToken == "" || out.RefreshToken == "" || out.User.ID == "" {
		return LoginResult{}, fmt.Errorf("%w: login missing tokens or user", ErrBadResponse)
	}
	return LoginResult{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		UserID:       out.User.ID,
		Username:     out.User.Username,
		Email:        out.User.Email,
		Role:         out.User.Role,
		Admin:        out.User.IsAdmin,
	}, nil
}

// Refresh exchanges the refresh credential for a new token pair.
//
// A missing refresh_token in the response is legal and means the old
// refresh credential stays valid.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	var out refreshResponse
	err := c.doJSON(ctx, http.MethodPost, "/auth/refresh", "", refreshRequest{RefreshToken: refreshToken}, &out)
	if err != nil {
		return TokenPair{}, err
	}
	if out.AccessToken == "" {
		return TokenPair{}, fmt.Errorf("%w: refresh missing access_token", ErrBadResponse)
	}
	return TokenPair{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}, nil
}

// Check queries the remaining lifetime of the access token.
func (c *Client) Check(ctx context.Context, accessToken string) (Validity, error) {
	var out checkResponse
	err := c.doJSON(ctx, http.MethodGet, "/auth/check", accessToken, nil, &out)
	if err != nil {
		return Validity{}, err
	}
	return Validity{Valid: out.Valid, TimeRemainingSeconds: out.TimeRemainingSeconds}, nil
}

// Logout invalidates the session server-side. Best effort for callers:
// local teardown proceeds regardless of the result.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.doJSON(ctx, http.MethodPost, "/auth/logout", accessToken, nil, nil)
}

// CurrentRole queries the authority's current view of the user's role and
// permission grants.
func (c *Client) CurrentRole(ctx context.Context, accessToken string) (RoleResult, error) {
	var out RoleResult
	err := c.doJSON(ctx, http.MethodGet, "/auth/whoami", accessToken, nil, &out)
	if err != nil {
		return RoleResult{}, err
	}
	return out, nil
}

// doJSON performs one JSON request with retry on transient failures.
//
// Delays grow as retryBaseDelay << attempt. Retrying a refresh with the
// same refresh credential is safe: the hazard is parallel refreshes, and
// serializing those is the session controller's job, not this client's.
func (c *Client) doJSON(ctx context.Context, method, path, bearer string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBaseDelay << (attempt - 1)):
			}
		}

		err := c.doOnce(ctx, method, path, bearer, body, out)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}

		lastErr = err
		c.log.Warn("authority.retry", "path", path, "attempt", attempt+1, "err", err)
	}
	return fmt.Errorf("retries exhausted: %w", lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path, bearer string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return &StatusError{Status: resp.StatusCode, Body: truncate(string(data), 256)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
