// Package main provides a CI-friendly smoke test for the session
// lifecycle against a live authority.
//
// It validates:
//   - login -> token pair + user summary
//   - validity check on the fresh access token
//   - refresh -> rotated access token still valid
//   - push channel handshake + first frame decodes
//   - whoami shape (six permission fields, raw record agreement)
//   - logout -> access token rejected afterwards
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "beacon/shared/contracts/monitor/v1"

	"github.com/coder/websocket"
)

const (
	pushSubprotocol = "beacon.monitor.v1"
	maxReadBytes    = 16 << 10
)

var permissionFields = [...]string{"create", "read", "write", "delete", "execute", "assign"}

func main() {
	var (
		baseURL   = flag.String("url", "http://127.0.0.1:8080", "Authority base URL")
		pushURL   = flag.String("push", "ws://127.0.0.1:8080/session/monitor", "Push endpoint URL")
		username  = flag.String("user", "smoke", "Username to log in with")
		password  = flag.String("pass", "smoke-password", "Password to log in with")
		waitFrame = flag.Duration("frame-wait", 3*time.Second, "How long to wait for a push frame (0 skips the wait)")
		timeout   = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validatePushURL(*pushURL); err != nil {
		fatalf("invalid -push: %v", err)
	}

	root := context.Background()
	hc := &http.Client{Timeout: *timeout}
	api := &authorityAPI{base: strings.TrimSuffix(*baseURL, "/"), hc: hc}

	access, refresh, userID := mustLogin(root, api, *username, *password, *timeout)
	if *verbose {
		fmt.Printf("login ok: user_id=%s\n", userID)
	}

	remaining := mustCheck(root, api, access, *timeout)
	if *verbose {
		fmt.Printf("check ok: time_remaining_seconds=%.1f\n", remaining)
	}

	access2 := mustRefresh(root, api, refresh, *timeout)
	if access2 == access {
		fatalf("refresh did not rotate the access token")
	}
	mustCheck(root, api, access2, *timeout)

	mustPushHandshake(root, *pushURL, access2, *waitFrame, *timeout, *verbose)

	mustWhoamiShape(root, api, access2, userID, *timeout)

	mustLogout(root, api, access2, *timeout)
	mustCheckRejected(root, api, access2, *timeout)

	fmt.Printf("OK: user_id=%s remaining_at_login=%.1fs\n", userID, remaining)
}

type authorityAPI struct {
	base string
	hc   *http.Client
}

func (a *authorityAPI) do(ctx context.Context, method, path, bearer string, in any, out any, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := a.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func mustLogin(ctx context.Context, api *authorityAPI, username, password string, timeout time.Duration) (access, refresh, userID string) {
	var out struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		User         struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	status, err := api.do(ctx, http.MethodPost, "/auth/login", "",
		map[string]string{"username": username, "password": password}, &out, timeout)
	if err != nil {
		fatalf("login: %v", err)
	}
	if status != http.StatusOK {
		fatalf("login: status=%d", status)
	}
	if out.AccessToken == "" || out.RefreshToken == "" || out.User.ID == "" {
		fatalf("login: incomplete response")
	}
	return out.AccessToken, out.RefreshToken, out.User.ID
}

func mustCheck(ctx context.Context, api *authorityAPI, access string, timeout time.Duration) float64 {
	var out struct {
		Valid                bool    `json:"valid"`
		TimeRemainingSeconds float64 `json:"time_remaining_seconds"`
	}
	status, err := api.do(ctx, http.MethodGet, "/auth/check", access, nil, &out, timeout)
	if err != nil {
		fatalf("check: %v", err)
	}
	if status != http.StatusOK {
		fatalf("check: status=%d", status)
	}
	if !out.Valid {
		fatalf("check: fresh token reported invalid")
	}
	if out.TimeRemainingSeconds <= 0 {
		fatalf("check: fresh token has no remaining lifetime (%.1f)", out.TimeRemainingSeconds)
	}
	return out.TimeRemainingSeconds
}

func mustCheckRejected(ctx context.Context, api *authorityAPI, access string, timeout time.Duration) {
	status, err := api.do(ctx, http.MethodGet, "/auth/check", access, nil, nil, timeout)
	if err != nil {
		fatalf("post-logout check: %v", err)
	}
	if status == http.StatusOK {
		fatalf("post-logout check: token still accepted")
	}
}

func mustRefresh(ctx context.Context, api *authorityAPI, refresh string, timeout time.Duration) string {
	var out struct {
		AccessToken string `json:"access_token"`
	}
	status, err := api.do(ctx, http.MethodPost, "/auth/refresh", "",
		map[string]string{"refresh_token": refresh}, &out, timeout)
	if err != nil {
		fatalf("refresh: %v", err)
	}
	if status != http.StatusOK {
		fatalf("refresh: status=%d", status)
	}
	if out.AccessToken == "" {
		fatalf("refresh: missing access_token")
	}
	return out.AccessToken
}

func mustLogout(ctx context.Context, api *authorityAPI, access string, timeout time.Duration) {
	status, err := api.do(ctx, http.MethodPost, "/auth/logout", access, nil, nil, timeout)
	if err != nil {
		fatalf("logout: %v", err)
	}
	if status != http.StatusOK {
		fatalf("logout: status=%d", status)
	}
}

func mustPushHandshake(parent context.Context, pushURL, access string, frameWait, timeout time.Duration, verbose bool) {
	u, err := url.Parse(pushURL)
	if err != nil {
		fatalf("parse push url: %v", err)
	}
	q := u.Query()
	q.Set("token", access)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{pushSubprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("push handshake: %v", err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxReadBytes)

	if frameWait <= 0 {
		return
	}

	readCtx, readCancel := context.WithTimeout(parent, frameWait)
	defer readCancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		// A quiet channel is legal: warnings only flow near expiry.
		if verbose {
			fmt.Printf("push: no frame within %s (%v)\n", frameWait, err)
		}
		return
	}

	frame, err := v1.DecodeFrame(data)
	if err != nil {
		fatalf("push frame does not decode: %v", err)
	}
	if verbose && frame.HasRemaining() {
		fmt.Printf("push frame: time_remaining_seconds=%.1f call_refresh=%v\n", frame.Remaining(), frame.CallRefresh)
	}
}

func mustWhoamiShape(ctx context.Context, api *authorityAPI, access, userID string, timeout time.Duration) {
	var out struct {
		Success     bool            `json:"success"`
		UserID      string          `json:"user_id"`
		Role        string          `json:"user_role"`
		Permissions map[string]bool `json:"permissions"`
		Raw         struct {
			ID     string `json:"id"`
			UserID string `json:"user_id"`
			Role   string `json:"role"`
		} `json:"raw_permission_data"`
	}
	status, err := api.do(ctx, http.MethodGet, "/auth/whoami", access, nil, &out, timeout)
	if err != nil {
		fatalf("whoami: %v", err)
	}
	if status != http.StatusOK {
		fatalf("whoami: status=%d", status)
	}
	if !out.Success {
		fatalf("whoami: success flag not set")
	}
	if out.UserID != userID {
		fatalf("whoami: user_id mismatch: got=%q want=%q", out.UserID, userID)
	}
	if len(out.Permissions) != len(permissionFields) {
		fatalf("whoami: permission field count: got=%d want=%d", len(out.Permissions), len(permissionFields))
	}
	for _, f := range permissionFields {
		if _, ok := out.Permissions[f]; !ok {
			fatalf("whoami: missing permission field %q", f)
		}
	}
	if out.Raw.ID == "" || out.Raw.UserID != out.UserID || out.Raw.Role != out.Role {
		fatalf("whoami: raw_permission_data disagrees with top-level answer")
	}
}

func validatePushURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
