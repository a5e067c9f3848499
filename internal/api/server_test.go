package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/social-ingest/internal/crawler"
	"github.com/JakeFAU/social-ingest/internal/planner"
	queueMemory "github.com/JakeFAU/social-ingest/internal/queue/memory"
	"github.com/JakeFAU/social-ingest/internal/storage/memory"
)

type fakeIDGen struct{ id string }

func (f fakeIDGen) NewID() (string, error) { return f.id, nil }

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, crawler.Task) error {
	return errors.New("broker unavailable")
}

var testTargets = []crawler.Target{
	{Platform: crawler.PlatformForum, Identifier: "g"},
	{Platform: crawler.PlatformFeed, Identifier: "alice.bsky.social"},
}

type harness struct {
	server  *Server
	cursors *memory.CursorStore
	queue   *queueMemory.Queue
}

func newHarness(t *testing.T, opts Options) harness {
	t.Helper()
	cursors := memory.NewCursorStore()
	q := queueMemory.NewQueue(4)
	t.Cleanup(q.Close)
	server := NewServer(testTargets, cursors, q, fakeIDGen{id: "emit-1"}, planner.Config{BackfillPages: 3}, opts, zap.NewNop())
	return harness{server: server, cursors: cursors, queue: q}
}

func serve(h harness, method, path string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})

	rec := serve(h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Options{})
	require.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/readyz").Code)

	down := newHarness(t, Options{Ready: func(context.Context) error { return errors.New("db unreachable") }})
	rec := serve(down, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "db unreachable")
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})

	serve(h, http.MethodGet, "/healthz")
	rec := serve(h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_ListTargetsShowsPhase(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})

	require.NoError(t, h.cursors.Save(context.Background(), crawler.CursorState{
		TargetID:     "forum:g",
		LastPosition: crawler.NewPosition(crawler.PlatformForum, `{"offset":0}`),
		BackfillDone: true,
		UpdatedAt:    time.Unix(1700000000, 0).UTC(),
	}))

	rec := serve(h, http.MethodGet, "/v1/targets")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Targets []targetView `json:"targets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Targets, 2)
	require.Equal(t, "forum:g", body.Targets[0].TargetID)
	require.Equal(t, planner.PhaseSteady, body.Targets[0].Phase)
	require.NotNil(t, body.Targets[0].Cursor)
	require.Equal(t, `{"offset":0}`, body.Targets[0].Cursor.LastPosition.Payload)
	require.Equal(t, planner.PhaseCold, body.Targets[1].Phase)
	require.Nil(t, body.Targets[1].Cursor)
}

func TestServer_GetTarget(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	require.NoError(t, h.cursors.Save(context.Background(), crawler.CursorState{TargetID: "feed:alice.bsky.social"}))

	rec := serve(h, http.MethodGet, "/v1/targets/bsky/alice.bsky.social")
	require.Equal(t, http.StatusOK, rec.Code)
	var v targetView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	require.Equal(t, planner.PhaseBackfill, v.Phase)

	require.Equal(t, http.StatusNotFound, serve(h, http.MethodGet, "/v1/targets/forum/pol").Code)
	require.Equal(t, http.StatusBadRequest, serve(h, http.MethodGet, "/v1/targets/myspace/tom").Code)
}

func TestServer_CrawlTargetEnqueuesTask(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})

	rec := serve(h, http.MethodPost, "/v1/targets/forum/g/crawl")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.JSONEq(t, `{"task_kind":"crawl_board","target_id":"forum:g","emission_id":"emit-1"}`, rec.Body.String())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, err := h.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.Task{Kind: crawler.TaskCrawlBoard, TargetID: "forum:g", EmissionID: "emit-1"}, item.Task)
}

func TestServer_CrawlTargetQueueFailure(t *testing.T) {
	t.Parallel()
	server := NewServer(testTargets, memory.NewCursorStore(), failingQueue{}, nil, planner.Config{}, Options{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/targets/feed/alice.bsky.social/crawl", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "broker unavailable")
}

func TestServer_ResetCursor(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{})
	ctx := context.Background()
	require.NoError(t, h.cursors.Save(ctx, crawler.CursorState{TargetID: "forum:g"}))

	rec := serve(h, http.MethodDelete, "/v1/targets/forum/g/cursor")
	require.Equal(t, http.StatusOK, rec.Code)
	_, found, err := h.cursors.Load(ctx, "forum:g")
	require.NoError(t, err)
	require.False(t, found)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Options{APIKey: "secret"})

	require.Equal(t, http.StatusForbidden, serve(h, http.MethodGet, "/v1/targets").Code)
	require.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/v1/targets", func(r *http.Request) {
		r.Header.Set("X-API-Key", "secret")
	}).Code)
	require.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/v1/targets?api_key=secret").Code)
	// Probes stay open.
	require.Equal(t, http.StatusOK, serve(h, http.MethodGet, "/healthz").Code)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()
	server := NewServer(testTargets, panicCursors{}, queueMemory.NewQueue(1), nil, planner.Config{}, Options{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/targets", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panicCursors struct{ crawler.CursorStore }

func (panicCursors) Load(context.Context, string) (crawler.CursorState, bool, error) {
	panic("boom")
}
