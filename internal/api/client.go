// Package api is the authenticated HTTP client for the portal backend.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/marutha-support/portal/internal/guard"
	"github.com/marutha-support/portal/internal/session"
)

var (
	// ErrSessionExpired is returned for every 401 outside the credential
	// endpoints. By the time the caller sees it the session is already
	// cleared and the login navigation issued.
	ErrSessionExpired = errors.New("session expired")

	// ErrInvalidCredentials is returned when /login or /register answers 401.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// StatusError is a non-2xx, non-401 response.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("api: %d %s: %s", e.Code, http.StatusText(e.Code), e.Detail)
	}
	return fmt.Sprintf("api: %d %s", e.Code, http.StatusText(e.Code))
}

// credentialEndpoints answer 401 for bad passwords, which is not an expired
// session.
var credentialEndpoints = []string{"/login", "/token", "/register"}

// Options customise a single request.
type Options struct {
	Body      any
	Multipart *Multipart
	Headers   map[string]string
	Query     map[string]string
}

// Multipart is a form upload. When set, the client leaves Content-Type to
// the multipart writer.
type Multipart struct {
	Fields map[string]string
	Files  []File
}

type File struct {
	Param  string
	Name   string
	Reader io.Reader
}

// Client wraps resty with bearer auth and the global 401 policy.
type Client struct {
	http    *resty.Client
	session *session.Manager
	nav     guard.Navigator
	logger  *slog.Logger

	mu        sync.Mutex
	expired   bool
	expiredAt uint64 // session epoch the last expiry was handled for
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL string, sm *session.Manager, nav guard.Navigator, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if nav == nil {
		nav = guard.NavigatorFunc(func(string) {})
	}
	c := &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(30 * time.Second),
		session: sm,
		nav:     nav,
		logger:  logger,
	}
	c.http.OnAfterResponse(func(_ *resty.Client, resp *resty.Response) error {
		c.logger.Debug("api response",
			"method", resp.Request.Method,
			"url", resp.Request.URL,
			"status", resp.StatusCode(),
			"request_id", resp.Request.Header.Get("X-Request-ID"),
			"duration", resp.Time(),
		)
		return nil
	})
	return c
}

// BaseURL is the backend base the client resolves endpoints against.
func (c *Client) BaseURL() string {
	return c.http.BaseURL
}

// Session exposes the session manager the client authenticates with.
func (c *Client) Session() *session.Manager {
	return c.session
}

// Do issues a request to endpoint (relative to the base URL). Any 2xx
// response is returned as is; everything else is an error.
func (c *Client) Do(ctx context.Context, method, endpoint string, opts *Options) (*resty.Response, error) {
	if opts == nil {
		opts = &Options{}
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", uuid.NewString()).
		SetHeader("Accept", "application/json")

	credential := isCredentialEndpoint(endpoint)
	epoch := c.session.Epoch()
	if token := c.session.Token(); token != "" && !credential {
		req.SetAuthToken(token)
	}

	if opts.Multipart != nil {
		req.SetMultipartFormData(opts.Multipart.Fields)
		for _, f := range opts.Multipart.Files {
			req.SetFileReader(f.Param, f.Name, f.Reader)
		}
	} else {
		req.SetHeader("Content-Type", "application/json")
		if opts.Body != nil {
			req.SetBody(opts.Body)
		}
	}
	for k, v := range opts.Headers {
		req.SetHeader(k, v)
	}
	if len(opts.Query) > 0 {
		req.SetQueryParams(opts.Query)
	}

	resp, err := req.Execute(method, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized && credential:
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, detail(resp.Body()))
	case code == http.StatusUnauthorized:
		c.expire(endpoint, epoch)
		return nil, ErrSessionExpired
	case code < 200 || code > 299:
		return nil, &StatusError{Code: code, Detail: detail(resp.Body())}
	}
	return resp, nil
}

// expire clears the session and sends the user to login, once per session
// epoch no matter how many requests fail concurrently. A 401 for a request
// sent under an older login leaves the newer session alone.
func (c *Client) expire(endpoint string, epoch uint64) {
	c.mu.Lock()
	if epoch != c.session.Epoch() || (c.expired && c.expiredAt == epoch) {
		c.mu.Unlock()
		return
	}
	c.expired = true
	c.expiredAt = epoch
	c.mu.Unlock()

	if _, err := c.session.Clear(); err != nil {
		c.logger.Error("Failed to clear expired session", "error", err)
	}
	c.logger.Warn("Session expired, redirecting to login", "endpoint", endpoint)
	c.nav.Navigate(guard.LoginPage)
}

func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	return c.doJSON(ctx, http.MethodGet, endpoint, nil, out)
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, in, out any) error {
	resp, err := c.Do(ctx, method, endpoint, &Options{Body: in})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

func isCredentialEndpoint(endpoint string) bool {
	path := endpoint
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimRight(path, "/")
	for _, e := range credentialEndpoints {
		if path == e {
			return true
		}
	}
	return false
}

// detail extracts the server's error message. FastAPI-style bodies carry it
// in "detail"; anything else is returned trimmed.
func detail(body []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Detail) > 0 {
		var s string
		if json.Unmarshal(payload.Detail, &s) == nil {
			return s
		}
		return string(payload.Detail)
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}
