// Package cti talks to the PBX computer-telephony API: token login, the
// extension and line-state listings, the call event stream and click-to-dial.
package cti

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sweeney/nfon-callmonitor/internal/phone"
	"github.com/sweeney/nfon-callmonitor/internal/presence"
)

const (
	// DefaultBaseURL is the public CTI endpoint.
	DefaultBaseURL = "https://providersupportdata.cloud-cfg.com"
	// DefaultRefreshInterval is how often RunTokenRefresh renews the tokens.
	DefaultRefreshInterval = 4 * time.Minute

	pathLogin      = "/v1/login"
	pathExtensions = "/v1/extensions/phone/data"
	pathStates     = "/v1/extensions/phone/states"
	pathCalls      = "/v1/extensions/phone/calls"

	// Tokens this close to expiry are renewed before use.
	expiryMargin = 30 * time.Second
)

// Extension is one configured phone extension.
type Extension struct {
	UUID   string `json:"uuid"`
	Number string `json:"extension_number"`
	Name   string `json:"name"`
}

// DialResult is the PBX answer to a click-to-dial request.
type DialResult struct {
	UUID  string `json:"uuid"`
	State string `json:"state"`
}

type tokenResponse struct {
	AccessToken  string `json:"access-token"`
	RefreshToken string `json:"refresh-token"`
}

// Options configures a Client.
type Options struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	Logger   *slog.Logger
	// Clock is used to judge token expiry. Defaults to time.Now.
	Clock func() time.Time
}

// Client is a PBX API client. It is safe for concurrent use.
type Client struct {
	baseURL  string
	username string
	password string
	api      *http.Client
	stream   *http.Client
	log      *slog.Logger
	clock    func() time.Time

	mu      sync.Mutex
	access  string
	refresh string
}

// NewClient creates a client. It does not log in.
func NewClient(opts Options) (*Client, error) {
	if opts.Username == "" || opts.Password == "" {
		return nil, ErrMissingCredentials
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		username: opts.Username,
		password: opts.Password,
		api:      &http.Client{Timeout: opts.Timeout},
		// The event stream stays open indefinitely; it is bounded by its context.
		stream: &http.Client{},
		log:    opts.Logger,
		clock:  opts.Clock,
	}, nil
}

// Account returns the customer account: the username part before "/".
func (c *Client) Account() string {
	account, _, _ := strings.Cut(c.username, "/")
	return account
}

// Login obtains a fresh token pair with username and password.
func (c *Client) Login(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"username": c.username, "password": c.password})
	if err != nil {
		return fmt.Errorf("encoding login: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pathLogin, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	var tok tokenResponse
	if err := c.doJSON(req, &tok); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	c.setTokens(tok)
	c.log.Info("logged in to CTI API", "account", c.Account())
	return nil
}

// Refresh renews the token pair with the refresh token. When that fails, or
// there is no refresh token yet, it falls back to a full Login.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.refresh
	c.mu.Unlock()
	if refresh == "" {
		return c.Login(ctx)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+pathLogin, nil)
	if err != nil {
		return fmt.Errorf("building refresh request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+refresh)

	var tok tokenResponse
	if err := c.doJSON(req, &tok); err != nil {
		c.log.Warn("token refresh failed, logging in again", "error", err)
		return c.Login(ctx)
	}
	c.setTokens(tok)
	c.log.Debug("tokens refreshed")
	return nil
}

// RunTokenRefresh calls Refresh every interval until ctx is done. Failures are logged.
func (c *Client) RunTokenRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.log.Error("token refresh failed", "error", err)
			}
		}
	}
}

// TokenExpiry reports the access token's exp claim. The signature is not
// verified; the PBX is the only party that checks it.
func (c *Client) TokenExpiry() (time.Time, bool) {
	c.mu.Lock()
	access := c.access
	c.mu.Unlock()
	return tokenExpiry(access)
}

func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Extensions lists the configured phone extensions.
func (c *Client) Extensions(ctx context.Context) ([]Extension, error) {
	var exts []Extension
	if err := c.getJSON(ctx, pathExtensions, &exts); err != nil {
		return nil, err
	}
	return exts, nil
}

// LineStates lists the current line and presence state of every extension.
func (c *Client) LineStates(ctx context.Context) ([]presence.LineState, error) {
	var states []presence.LineState
	if err := c.getJSON(ctx, pathStates, &states); err != nil {
		return nil, err
	}
	return states, nil
}

// OpenCallStream opens the call event stream. The caller must close the body.
func (c *Client) OpenCallStream(ctx context.Context) (io.ReadCloser, error) {
	req, err := c.authorized(ctx, http.MethodGet, pathCalls, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("opening call stream: %w", err)
	}
	if err := checkStatus(req, resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// InitiateCall asks the PBX to ring extension and then connect it to target.
func (c *Client) InitiateCall(ctx context.Context, extension, target string) (DialResult, error) {
	if extension == "" {
		return DialResult{}, fmt.Errorf("%w: extension is required", ErrInvalidTarget)
	}
	callee, ok := phone.DialString(target)
	if !ok {
		return DialResult{}, fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	payload, err := json.Marshal(map[string]string{
		"caller":         extension,
		"caller_context": c.Account(),
		"callee":         callee,
		"callee_context": "global",
		"extension":      extension,
	})
	if err != nil {
		return DialResult{}, fmt.Errorf("encoding dial request: %w", err)
	}

	req, err := c.authorized(ctx, http.MethodPost, pathCalls, bytes.NewReader(payload))
	if err != nil {
		return DialResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var res DialResult
	if err := c.doJSON(req, &res); err != nil {
		return DialResult{}, fmt.Errorf("initiating call: %w", err)
	}
	c.log.Info("call initiated", "extension", extension, "call_id", res.UUID)
	return res, nil
}

// CancelCall aborts a call started by InitiateCall.
func (c *Client) CancelCall(ctx context.Context, callID string) error {
	req, err := c.authorized(ctx, http.MethodDelete, pathCalls+"/"+callID, nil)
	if err != nil {
		return err
	}
	if err := c.doJSON(req, nil); err != nil {
		return fmt.Errorf("cancelling call: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.authorized(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.doJSON(req, out)
}

// authorized builds a request carrying the access token, renewing it first
// when it is about to expire.
func (c *Client) authorized(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	access := c.access
	c.mu.Unlock()

	if access == "" {
		return "", ErrNotAuthenticated
	}
	if exp, ok := tokenExpiry(access); ok && c.clock().Add(expiryMargin).After(exp) {
		if err := c.Refresh(ctx); err != nil {
			return "", err
		}
		c.mu.Lock()
		access = c.access
		c.mu.Unlock()
	}
	return access, nil
}

func (c *Client) setTokens(tok tokenResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.access = tok.AccessToken
	c.refresh = tok.RefreshToken
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.api.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(req, resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", req.URL.Path, err)
	}
	return nil
}

func checkStatus(req *http.Request, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		Method: req.Method,
		Path:   req.URL.Path,
		Code:   resp.StatusCode,
		Body:   strings.TrimSpace(string(body)),
	}
}
