// Package github fetches user documents from the GitHub REST API. It is the
// origin behind the cache: every call spends upstream quota, so responses are
// classified precisely enough for the caller to decide what to cache and
// what to surface.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/aside/internal/circuitbreaker"
	"github.com/oriys/aside/internal/logging"
	"github.com/oriys/aside/internal/observability"
)

const (
	DefaultBaseURL   = "https://api.github.com"
	DefaultUserAgent = "aside"
	DefaultTimeout   = 10 * time.Second
	apiVersion       = "2022-11-28"
	maxBodyBytes     = 1 << 20
)

var (
	// ErrUserNotFound is returned when GitHub answers 404 for a login.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidLogin is returned for logins GitHub would never accept.
	ErrInvalidLogin = errors.New("invalid username")
)

// RateLimitError is returned when the upstream quota is exhausted.
type RateLimitError struct {
	Reset time.Time // zero when GitHub did not say
}

func (e *RateLimitError) Error() string {
	if e.Reset.IsZero() {
		return "github rate limit exceeded"
	}
	return fmt.Sprintf("github rate limit exceeded, resets at %s", e.Reset.UTC().Format(time.RFC3339))
}

// ErrRateLimited matches any *RateLimitError with errors.Is.
var ErrRateLimited = &RateLimitError{}

func (e *RateLimitError) Is(target error) bool {
	_, ok := target.(*RateLimitError)
	return ok
}

// StatusError is any other non-2xx answer.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("github: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("github: unexpected status %d: %s", e.StatusCode, e.Message)
}

// loginPattern: alphanumerics separated by single hyphens, no leading or
// trailing hyphen.
var loginPattern = regexp.MustCompile(`^[a-zA-Z0-9]+(-[a-zA-Z0-9]+)*$`)

// ValidLogin reports whether login is a syntactically valid GitHub login.
func ValidLogin(login string) bool {
	return len(login) <= 39 && loginPattern.MatchString(login)
}

// Config configures a Client.
type Config struct {
	BaseURL   string
	Token     string
	UserAgent string
	Timeout   time.Duration
	Breaker   circuitbreaker.Config
}

// Client talks to the users endpoint.
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// NewClient creates a client. The breaker is only installed when
// cfg.Breaker is enabled.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.Breaker.Enabled() {
		bc := cfg.Breaker
		if bc.IsFailure == nil {
			bc.IsFailure = IsOriginFailure
		}
		c.breaker = circuitbreaker.New("github", bc)
	}
	return c
}

// IsOriginFailure reports whether err means GitHub is unhealthy, as opposed
// to a definitive answer such as "no such user".
func IsOriginFailure(err error) bool {
	if err == nil || errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrInvalidLogin) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode < 500 {
		return false
	}
	return true
}

// FetchUser returns the raw JSON user document for login.
func (c *Client) FetchUser(ctx context.Context, login string) (json.RawMessage, error) {
	if !ValidLogin(login) {
		return nil, ErrInvalidLogin
	}

	ctx, span := observability.StartClientSpan(ctx, "github.FetchUser",
		observability.AttrLogin.String(login))
	defer span.End()

	var body json.RawMessage
	call := func() error {
		var err error
		body, err = c.fetchUser(ctx, login)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		if IsOriginFailure(err) {
			observability.SetSpanError(span, err)
		}
		return nil, err
	}
	observability.SetSpanOK(span)
	return body, nil
}

func (c *Client) fetchUser(ctx context.Context, login string) (json.RawMessage, error) {
	endpoint := c.baseURL + "/users/" + url.PathEscape(login)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	observability.InjectHTTP(ctx, req.Header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: request %s: %w", login, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("github: read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		if !json.Valid(data) {
			return nil, fmt.Errorf("github: invalid JSON for %s", login)
		}
		return json.RawMessage(data), nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUserNotFound
	case isRateLimited(resp):
		rl := &RateLimitError{Reset: rateLimitReset(resp.Header)}
		logging.FromContext(ctx).Warn("github rate limit exhausted", "login", login, "reset", rl.Reset)
		return nil, rl
	default:
		return nil, &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(data)}
	}
}

func isRateLimited(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0"
}

func rateLimitReset(h http.Header) time.Time {
	if v := h.Get("X-RateLimit-Reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Unix(sec, 0)
		}
	}
	if v := h.Get("Retry-After"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil {
			return time.Now().Add(time.Duration(sec) * time.Second)
		}
	}
	return time.Time{}
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		return payload.Message
	}
	return ""
}
