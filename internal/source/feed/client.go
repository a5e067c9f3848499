// Package feed implements the federated social network source: an XRPC
// client with a reusable session and the author-feed page adapter.
package feed

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

	"go.uber.org/zap"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

// DefaultBaseURL is the public PDS entryway.
const DefaultBaseURL = "https://bsky.social"

// MaxPageSize is the API ceiling for getAuthorFeed.
const MaxPageSize = 100

// Config controls the client.
type Config struct {
	BaseURL       string
	Handle        string
	AppPassword   string
	PageSize      int
	LoginAttempts int
	Timeout       time.Duration
}

// AuthorFeed is one getAuthorFeed response.
type AuthorFeed struct {
	Feed   []json.RawMessage `json:"feed"`
	Cursor string            `json:"cursor"`
}

type session struct {
	AccessJwt string `json:"accessJwt"`
	DID       string `json:"did"`
}

type xrpcError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var errSessionExpired = errors.New("session expired")

// Client is safe for concurrent use. The session is acquired on first use
// and reused until the server rejects it.
type Client struct {
	cfg    Config
	http   *http.Client
	policy *crawler.ExponentialRetryPolicy
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	session *session
}

// NewClient builds a Client. A nil httpClient uses one with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, policy *crawler.ExponentialRetryPolicy, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 || cfg.PageSize > MaxPageSize {
		cfg.PageSize = MaxPageSize
	}
	if cfg.LoginAttempts <= 0 {
		cfg.LoginAttempts = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if policy == nil {
		policy = crawler.NewExponentialRetryPolicy(cfg.LoginAttempts, time.Second, 30*time.Second)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		policy: policy,
		logger: logger.Named("feed_client"),
		now:    time.Now,
	}
}

// PageSize is the effective per-call item limit.
func (c *Client) PageSize() int {
	return c.cfg.PageSize
}

// AuthorFeed fetches one page of actor's feed, newest first. An empty cursor
// starts at the newest post.
func (c *Client) AuthorFeed(ctx context.Context, actor, cursor string) (AuthorFeed, error) {
	q := url.Values{}
	q.Set("actor", actor)
	q.Set("limit", strconv.Itoa(c.cfg.PageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.cfg.BaseURL + "/xrpc/app.bsky.feed.getAuthorFeed?" + q.Encode()

	var out AuthorFeed
	for renewed := false; ; renewed = true {
		token, err := c.accessToken(ctx)
		if err != nil {
			return AuthorFeed{}, err
		}
		err = c.do(ctx, http.MethodGet, endpoint, token, nil, &out)
		if errors.Is(err, errSessionExpired) && !renewed {
			c.Invalidate(token)
			continue
		}
		if err != nil {
			return AuthorFeed{}, fmt.Errorf("get author feed %s: %w", actor, err)
		}
		return out, nil
	}
}

// Invalidate drops the cached session if it still carries token.
func (c *Client) Invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil && c.session.AccessJwt == token {
		c.logger.Info("invalidating feed session")
		c.session = nil
	}
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return c.session.AccessJwt, nil
	}
	s, err := c.login(ctx)
	if err != nil {
		return "", err
	}
	c.session = s
	return s.AccessJwt, nil
}

func (c *Client) login(ctx context.Context) (*session, error) {
	if c.cfg.Handle == "" || c.cfg.AppPassword == "" {
		return nil, fmt.Errorf("feed credentials missing: %w", crawler.ErrConfigFatal)
	}
	body, err := json.Marshal(map[string]string{
		"identifier": c.cfg.Handle,
		"password":   c.cfg.AppPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal login: %w", err)
	}
	endpoint := c.cfg.BaseURL + "/xrpc/com.atproto.server.createSession"

	var (
		lastErr  error
		attempts int
	)
	for attempt := 0; ; attempt++ {
		attempts = attempt + 1
		var s session
		err := c.do(ctx, http.MethodPost, endpoint, "", body, &s)
		if err == nil && s.AccessJwt != "" {
			c.logger.Info("feed session created", zap.String("did", s.DID), zap.Int("attempt", attempt+1))
			return &s, nil
		}
		if err == nil {
			err = &crawler.PermanentError{Err: errors.New("session response without access token")}
		}
		if crawler.Classify(err) == crawler.ClassRateLimited {
			return nil, fmt.Errorf("create session: %w", err)
		}
		lastErr = err
		if rejectedRequest(err) || !c.policy.ShouldRetry(err, attempt) {
			break
		}
		delay := c.policy.Backoff(attempt)
		c.logger.Warn("feed login failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := crawler.Sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
	}
	if errors.Is(lastErr, context.Canceled) {
		return nil, fmt.Errorf("create session: %w", lastErr)
	}
	return nil, fmt.Errorf("create session after %d attempt(s): %w (%w)", attempts, crawler.ErrConfigFatal, lastErr)
}

// rejectedRequest reports a malformed login request, which no retry fixes.
func rejectedRequest(err error) bool {
	var perm *crawler.PermanentError
	return errors.As(err, &perm) && perm.StatusCode == http.StatusBadRequest
}

func (c *Client) do(ctx context.Context, method, endpoint, token string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return fmt.Errorf("feed request canceled: %w", ctx.Err())
		}
		return &crawler.TransientError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return &crawler.TransientError{Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		var xe xrpcError
		_ = json.Unmarshal(payload, &xe)
		if token != "" && (resp.StatusCode == http.StatusUnauthorized || xe.Error == "ExpiredToken" || xe.Error == "InvalidToken") {
			return errSessionExpired
		}
		retryAfter := crawler.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		return crawler.ClassifyStatus("feed", resp.StatusCode, retryAfter, nil)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return &crawler.PermanentError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
