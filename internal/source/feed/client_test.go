package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

type fakePDS struct {
	logins      atomic.Int32
	failLogins  int32
	loginStatus int
	feedCalls   atomic.Int32
	expireFirst bool
	feedStatus  int
	retryAfter  string
	lastAuth    atomic.Value
	lastQuery   atomic.Value
}

func (f *fakePDS) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/xrpc/com.atproto.server.createSession", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		n := f.logins.Add(1)
		if f.loginStatus != 0 {
			w.WriteHeader(f.loginStatus)
			_, _ = w.Write([]byte(`{"error":"InvalidRequest","message":"Invalid handle"}`))
			return
		}
		if n <= f.failLogins || body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"AuthenticationRequired","message":"Invalid identifier or password"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"accessJwt": "jwt-" + string(rune('0'+n)),
			"did":       "did:plc:me",
		})
	})
	mux.HandleFunc("/xrpc/app.bsky.feed.getAuthorFeed", func(w http.ResponseWriter, r *http.Request) {
		n := f.feedCalls.Add(1)
		f.lastAuth.Store(r.Header.Get("Authorization"))
		f.lastQuery.Store(r.URL.RawQuery)
		if f.expireFirst && n == 1 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"ExpiredToken","message":"Token has expired"}`))
			return
		}
		if f.feedStatus != 0 {
			if f.retryAfter != "" {
				w.Header().Set("Retry-After", f.retryAfter)
			}
			w.WriteHeader(f.feedStatus)
			return
		}
		_, _ = w.Write([]byte(`{"feed":[{"post":{"uri":"at://x/1"}}],"cursor":"next-1"}`))
	})
	return mux
}

func newTestClient(t *testing.T, pds *fakePDS, password string) *Client {
	t.Helper()
	srv := httptest.NewServer(pds.handler(t))
	t.Cleanup(srv.Close)
	policy := crawler.NewExponentialRetryPolicy(3, time.Millisecond, 2*time.Millisecond)
	return NewClient(Config{
		BaseURL:     srv.URL,
		Handle:      "me.bsky.social",
		AppPassword: password,
		PageSize:    25,
	}, srv.Client(), policy, nil)
}

func TestClientReusesSession(t *testing.T) {
	t.Parallel()

	pds := &fakePDS{}
	c := newTestClient(t, pds, "secret")

	resp, err := c.AuthorFeed(context.Background(), "alice.bsky.social", "")
	require.NoError(t, err)
	require.Equal(t, "next-1", resp.Cursor)
	require.Len(t, resp.Feed, 1)

	_, err = c.AuthorFeed(context.Background(), "alice.bsky.social", "next-1")
	require.NoError(t, err)

	require.EqualValues(t, 1, pds.logins.Load())
	require.Equal(t, "Bearer jwt-1", pds.lastAuth.Load())
	require.Equal(t, "actor=alice.bsky.social&cursor=next-1&limit=25", pds.lastQuery.Load())
}

func TestClientRetriesLogin(t *testing.T) {
	t.Parallel()

	pds := &fakePDS{failLogins: 2}
	c := newTestClient(t, pds, "secret")

	_, err := c.AuthorFeed(context.Background(), "alice.bsky.social", "")
	require.NoError(t, err)
	require.EqualValues(t, 3, pds.logins.Load())
	require.Equal(t, "Bearer jwt-3", pds.lastAuth.Load())
}

func TestClientLoginExhaustionIsFatal(t *testing.T) {
	t.Parallel()

	pds := &fakePDS{}
	c := newTestClient(t, pds, "wrong")

	_, err := c.AuthorFeed(context.Background(), "alice.bsky.social", "")
	require.ErrorIs(t, err, crawler.ErrConfigFatal)
	require.Equal(t, crawler.ClassConfigFatal, crawler.Classify(err))
	require.EqualValues(t, 3, pds.logins.Load())
	require.EqualValues(t, 0, pds.feedCalls.Load())
	require.ErrorContains(t, err, "after 3 attempt(s)")
}

func TestClientLoginRejectedRequestStopsEarly(t *testing.T) {
	t.Parallel()

	pds := &fakePDS{loginStatus: http.StatusBadRequest}
	c := newTestClient(t, pds, "secret")

	_, err := c.AuthorFeed(context.Background(), "alice.bsky.social", "")
	require.ErrorIs(t, err, crawler.ErrConfigFatal)
	require.ErrorContains(t, err, "after 1 attempt(s)")
	require.EqualValues(t, 1, pds.logins.Load())
}

func TestClientMissingCredentials(t *testing.T) {
	t.Parallel()

	pds := &fakePDS{}
	c := newTestClient(t, pds, "")

	_, err := c.AuthorFeed(context.Background(), "alice.bsky.social", "")
	require.ErrorIs(t, err, crawler.ErrConfigFatal)
	require.EqualValues(t, 0, pds.logins.Load())
}

func TestClientRenewsExpiredSession(t *testing.T) {
	t.Parallel()

	pds := &fakePDS{expireFirst: true}
	c := newTestClient(t, pds, "secret")

	_, err := c.AuthorFeed(context.Background(), "alice.bsky.social", "")
	require.NoError(t, err)
	require.EqualValues(t, 2, pds.logins.Load())
	require.EqualValues(t, 2, pds.feedCalls.Load())
	require.Equal(t, "Bearer jwt-2", pds.lastAuth.Load())
}

func TestClientRateLimited(t *testing.T) {
	t.Parallel()

	pds := &fakePDS{feedStatus: http.StatusTooManyRequests, retryAfter: "15"}
	c := newTestClient(t, pds, "secret")

	_, err := c.AuthorFeed(context.Background(), "alice.bsky.social", "")
	var rl *crawler.RateLimitedError
	require.True(t, errors.As(err, &rl))
	require.Equal(t, 15*time.Second, rl.RetryAfter)
	require.EqualValues(t, 1, pds.feedCalls.Load())
}

func TestClientServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	pds := &fakePDS{feedStatus: http.StatusServiceUnavailable}
	c := newTestClient(t, pds, "secret")

	_, err := c.AuthorFeed(context.Background(), "alice.bsky.social", "")
	require.Equal(t, crawler.ClassTransient, crawler.Classify(err))
}

func TestClientPageSizeClamped(t *testing.T) {
	t.Parallel()

	c := NewClient(Config{PageSize: 500}, nil, nil, nil)
	require.Equal(t, MaxPageSize, c.PageSize())
}
