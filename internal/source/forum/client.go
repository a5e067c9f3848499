// Package forum implements the imageboard source: a colly-backed JSON client
// for the board catalog and thread endpoints, plus the page adapter.
package forum

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/social-ingest/internal/crawler"
)

// DefaultBaseURL is the public read-only API host.
const DefaultBaseURL = "https://a.4cdn.org"

// Config controls the client.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
}

// CatalogThread is one thread entry in a board catalog.
type CatalogThread struct {
	No           int64 `json:"no"`
	LastModified int64 `json:"last_modified"`
	Replies      int   `json:"replies"`
}

type catalogPage struct {
	Page    int             `json:"page"`
	Threads []CatalogThread `json:"threads"`
}

type threadDoc struct {
	Posts []json.RawMessage `json:"posts"`
}

// Client fetches catalog and thread JSON.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
	now           func() time.Time
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewClient builds a Client. A nil transport uses a pooled default.
func NewClient(cfg Config, transport http.RoundTripper) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if transport == nil {
		transport = newHTTPTransport()
	}

	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Client{cfg: cfg, baseCollector: c, now: time.Now}
}

// Catalog lists live threads on board in catalog order.
func (c *Client) Catalog(ctx context.Context, board string) ([]CatalogThread, error) {
	body, err := c.get(ctx, c.cfg.BaseURL+"/"+board+"/catalog.json", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog %s: %w", board, err)
	}
	var pages []catalogPage
	if err := json.Unmarshal(body, &pages); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", board, &crawler.PermanentError{Err: err})
	}
	var threads []CatalogThread
	for _, page := range pages {
		threads = append(threads, page.Threads...)
	}
	return threads, nil
}

// Thread returns the raw posts of one thread. An archived or pruned thread
// returns crawler.ErrThreadGone.
func (c *Client) Thread(ctx context.Context, board string, no int64) ([]json.RawMessage, error) {
	url := c.cfg.BaseURL + "/" + board + "/thread/" + strconv.FormatInt(no, 10) + ".json"
	body, err := c.get(ctx, url, crawler.ErrThreadGone)
	if err != nil {
		return nil, fmt.Errorf("fetch thread %s/%d: %w", board, no, err)
	}
	var doc threadDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode thread %s/%d: %w", board, no, &crawler.PermanentError{Err: err})
	}
	return doc.Posts, nil
}

type result struct {
	body   []byte
	status int
	header http.Header
	err    error
}

func (c *Client) get(ctx context.Context, url string, notFound error) ([]byte, error) {
	var res result
	collector := c.baseCollector.Clone()
	c.configureCollectorHooks(collector, &res)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("forum fetch canceled: %w", ctx.Err())
	case err := <-done:
		if res.status >= http.StatusMultipleChoices {
			retryAfter := crawler.ParseRetryAfter(res.header.Get("Retry-After"), c.now())
			return nil, crawler.ClassifyStatus("forum", res.status, retryAfter, notFound)
		}
		if err == nil {
			err = res.err
		}
		if err != nil {
			return nil, &crawler.TransientError{Err: fmt.Errorf("colly visit failed: %w", err)}
		}
		return res.body, nil
	}
}

func (c *Client) configureCollectorHooks(hooks collectorHooks, res *result) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
	})
	hooks.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		res.body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		res.err = err
		if r == nil {
			return
		}
		res.status = r.StatusCode
		if r.Headers != nil {
			res.header = r.Headers.Clone()
		}
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
