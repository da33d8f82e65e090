package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xmlfetch "github.com/eugener/xmlfetch/internal"
	"github.com/eugener/xmlfetch/internal/app"
	"github.com/eugener/xmlfetch/internal/auth"
	"github.com/eugener/xmlfetch/internal/cache"
	"github.com/eugener/xmlfetch/internal/channel"
	"github.com/eugener/xmlfetch/internal/channel/inproc"
	"github.com/eugener/xmlfetch/internal/fetcher"
	"github.com/eugener/xmlfetch/internal/ratelimit"
	"github.com/eugener/xmlfetch/internal/telemetry"
	"github.com/eugener/xmlfetch/internal/testutil"
)

const stopsXML = `<stops><stop id="1"/></stops>`

type storeRecorder struct{ store *testutil.FakeSnapshotStore }

func (r storeRecorder) Record(s xmlfetch.Snapshot) {
	r.store.InsertSnapshots(context.Background(), []xmlfetch.Snapshot{s})
}

// newFeedService builds a service over in-process fake workers, recording
// snapshots straight into the returned store.
func newFeedService(t *testing.T, w channel.Handler, mutate func(*app.Deps)) (*app.FeedService, *testutil.FakeSnapshotStore) {
	t.Helper()
	store := testutil.NewFakeSnapshotStore()
	deps := app.Deps{
		Feeds: []app.Feed{{Name: "stops", Params: fetcher.InitParams{URL: "https://transit.example.com/stops.xml"}}},
		NewChannel: func(string) (channel.Channel, error) {
			return inproc.New(w), nil
		},
		Store:    store,
		Recorder: storeRecorder{store},
	}
	if mutate != nil {
		mutate(&deps)
	}
	svc, err := app.NewFeedService(deps)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, store
}

func serve(h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var e apiError
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return e
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	h := New(Deps{})

	rec := serve(h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "ok" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "ok")
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		check ReadyChecker
		want  int
	}{
		{name: "no check", want: http.StatusOK},
		{name: "ready", check: func(context.Context) error { return nil }, want: http.StatusOK},
		{name: "not ready", check: func(context.Context) error { return errors.New("db locked") }, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(New(Deps{ReadyCheck: tt.check}), http.MethodGet, "/readyz", nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestFetchFeed(t *testing.T) {
	t.Parallel()
	svc, store := newFeedService(t, &testutil.FakeWorker{Body: stopsXML}, nil)
	h := New(Deps{Feeds: svc})

	rec := serve(h, http.MethodGet, "/v1/feeds/stops", map[string]string{"X-Request-Id": "req-42"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != stopsXML {
		t.Errorf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/xml") {
		t.Errorf("Content-Type = %q", ct)
	}
	wantTag := `"` + xmlfetch.ContentHash(stopsXML) + `"`
	if got := rec.Header().Get("ETag"); got != wantTag {
		t.Errorf("ETag = %q, want %q", got, wantTag)
	}
	if got := rec.Header().Get("X-Request-Id"); got != "req-42" {
		t.Errorf("X-Request-Id = %q", got)
	}
	if all := store.All(); len(all) != 1 || all[0].RequestID != "req-42" {
		t.Errorf("snapshots = %+v", all)
	}
}

func TestFetchFeedNotModified(t *testing.T) {
	t.Parallel()
	svc, _ := newFeedService(t, &testutil.FakeWorker{Body: stopsXML}, nil)
	h := New(Deps{Feeds: svc})

	tag := `"` + xmlfetch.ContentHash(stopsXML) + `"`
	rec := serve(h, http.MethodGet, "/v1/feeds/stops", map[string]string{"If-None-Match": tag})
	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
}

func TestFetchFeedCacheHeader(t *testing.T) {
	t.Parallel()
	w := &testutil.FakeWorker{Body: stopsXML}
	mem, err := cache.NewMemory(16)
	if err != nil {
		t.Fatal(err)
	}
	svc, _ := newFeedService(t, w, func(d *app.Deps) {
		d.Cache = mem
		d.DefaultTTL = time.Minute
	})
	h := New(Deps{Feeds: svc})

	if rec := serve(h, http.MethodGet, "/v1/feeds/stops", nil); rec.Header().Get("X-Cache") != "MISS" {
		t.Errorf("first X-Cache = %q, want MISS", rec.Header().Get("X-Cache"))
	}
	if rec := serve(h, http.MethodGet, "/v1/feeds/stops", nil); rec.Header().Get("X-Cache") != "HIT" {
		t.Errorf("second X-Cache = %q, want HIT", rec.Header().Get("X-Cache"))
	}
	if w.Fetches() != 1 {
		t.Errorf("fetches = %d, want 1", w.Fetches())
	}
}

func TestFetchFeedRemoteError(t *testing.T) {
	t.Parallel()
	w := &testutil.FakeWorker{FetchFn: func(context.Context) (string, error) {
		return "", &channel.Failure{Message: "upstream returned 503", Code: "upstream_status", Status: 503}
	}}
	svc, _ := newFeedService(t, w, nil)
	h := New(Deps{Feeds: svc})

	rec := serve(h, http.MethodGet, "/v1/feeds/stops", nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	e := decodeError(t, rec)
	if e.Error.Code != "upstream_status" || e.Error.Type != "upstream_error" {
		t.Errorf("error = %+v", e.Error)
	}
	if !strings.Contains(e.Error.Message, "upstream returned 503") {
		t.Errorf("message = %q", e.Error.Message)
	}
}

func TestFetchFeedUnknown(t *testing.T) {
	t.Parallel()
	svc, _ := newFeedService(t, &testutil.FakeWorker{Body: stopsXML}, nil)

	rec := serve(New(Deps{Feeds: svc}), http.MethodGet, "/v1/feeds/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if e := decodeError(t, rec); e.Error.Type != "not_found" {
		t.Errorf("type = %q", e.Error.Type)
	}
}

func TestFetchFeedRateLimited(t *testing.T) {
	t.Parallel()
	svc, _ := newFeedService(t, &testutil.FakeWorker{Body: stopsXML}, func(d *app.Deps) {
		d.Feeds[0].RateLimit = 1
	})
	h := New(Deps{Feeds: svc})

	if rec := serve(h, http.MethodGet, "/v1/feeds/stops", nil); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	rec := serve(h, http.MethodGet, "/v1/feeds/stops", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got == "" || got == "0" {
		t.Errorf("Retry-After = %q", got)
	}
}

func TestListFeeds(t *testing.T) {
	t.Parallel()
	svc, _ := newFeedService(t, &testutil.FakeWorker{Body: stopsXML}, nil)
	h := New(Deps{Feeds: svc})
	serve(h, http.MethodGet, "/v1/feeds/stops", nil)

	rec := serve(h, http.MethodGet, "/v1/feeds", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body feedList
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Data) != 1 || body.Data[0].Name != "stops" {
		t.Fatalf("feeds = %+v", body.Data)
	}
	if body.Data[0].Latest == nil || body.Data[0].Latest.Status != xmlfetch.SnapshotOK {
		t.Errorf("latest = %+v", body.Data[0].Latest)
	}
	if body.Data[0].Worker != "ready" {
		t.Errorf("worker = %q, want ready", body.Data[0].Worker)
	}
}

func TestListSnapshots(t *testing.T) {
	t.Parallel()
	svc, _ := newFeedService(t, &testutil.FakeWorker{Body: stopsXML}, nil)
	h := New(Deps{Feeds: svc})
	for range 3 {
		serve(h, http.MethodGet, "/v1/feeds/stops", nil)
	}

	tests := []struct {
		name   string
		target string
		status int
		count  int
	}{
		{name: "all", target: "/v1/feeds/stops/snapshots", status: http.StatusOK, count: 3},
		{name: "limit", target: "/v1/feeds/stops/snapshots?limit=2", status: http.StatusOK, count: 2},
		{name: "bad limit", target: "/v1/feeds/stops/snapshots?limit=-1", status: http.StatusBadRequest},
		{name: "unknown feed", target: "/v1/feeds/nope/snapshots", status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, http.MethodGet, tt.target, nil)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d; body = %s", rec.Code, tt.status, rec.Body.String())
			}
			if tt.status != http.StatusOK {
				return
			}
			var body struct {
				Feed string              `json:"feed"`
				Data []xmlfetch.Snapshot `json:"data"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatal(err)
			}
			if len(body.Data) != tt.count {
				t.Errorf("count = %d, want %d", len(body.Data), tt.count)
			}
		})
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	w := &testutil.FakeWorker{Body: stopsXML}
	svc, _ := newFeedService(t, w, nil)
	h := New(Deps{Feeds: svc})

	rec := serve(h, http.MethodPost, "/v1/refresh", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var res refreshResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Status != "ok" {
		t.Errorf("result = %+v", res)
	}
	if w.Fetches() != 1 {
		t.Errorf("fetches = %d, want 1", w.Fetches())
	}

	svc.Close()
	if rec := serve(h, http.MethodPost, "/v1/refresh", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("after close status = %d, want 503", rec.Code)
	}
}

func TestRefreshPartial(t *testing.T) {
	t.Parallel()
	w := &testutil.FakeWorker{FetchFn: func(context.Context) (string, error) {
		return "", &channel.Failure{Message: "malformed", Code: "malformed_xml"}
	}}
	svc, _ := newFeedService(t, w, nil)

	rec := serve(New(Deps{Feeds: svc}), http.MethodPost, "/v1/refresh", nil)
	var res refreshResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if rec.Code != http.StatusOK || res.Status != "partial" || !strings.Contains(res.Error, "malformed") {
		t.Errorf("status=%d result=%+v", rec.Code, res)
	}
}

// refreshStub is a FeedReader whose Refresh returns a fixed error.
type refreshStub struct {
	FeedReader
	err error
}

func (r refreshStub) Refresh(context.Context) error { return r.err }

func TestRefreshClosedFeedIsPartial(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{
			name:   "one connector closed",
			err:    errors.Join(fmt.Errorf("feed %q: %w", "stops", xmlfetch.ErrConnectorClosed)),
			status: http.StatusOK,
		},
		{name: "service closed", err: xmlfetch.ErrServiceClosed, status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve(New(Deps{Feeds: refreshStub{err: tt.err}}), http.MethodPost, "/v1/refresh", nil)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status != http.StatusOK {
				return
			}
			var res refreshResult
			json.Unmarshal(rec.Body.Bytes(), &res)
			if res.Status != "partial" {
				t.Errorf("result = %+v, want partial", res)
			}
		})
	}
}

func TestAuthentication(t *testing.T) {
	t.Parallel()
	svc, _ := newFeedService(t, &testutil.FakeWorker{Body: stopsXML}, nil)
	h := New(Deps{Feeds: svc, Auth: auth.NewAPIKeyAuth([]string{"k-secret"})})

	if rec := serve(h, http.MethodGet, "/v1/feeds/stops", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/v1/feeds/stops", map[string]string{"Authorization": "Bearer k-secret"}); rec.Code != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz: status = %d, want 200 without key", rec.Code)
	}
}

func TestErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("feed %q: %w", "x", xmlfetch.ErrNotFound), http.StatusNotFound},
		{xmlfetch.ErrBadRequest, http.StatusBadRequest},
		{xmlfetch.ErrUnauthorized, http.StatusUnauthorized},
		{&ratelimit.Error{Feed: "x"}, http.StatusTooManyRequests},
		{xmlfetch.ErrCircuitOpen, http.StatusServiceUnavailable},
		{fmt.Errorf("call: %w", xmlfetch.ErrChannelFault), http.StatusServiceUnavailable},
		{xmlfetch.ErrConnectorClosed, http.StatusServiceUnavailable},
		{&xmlfetch.RemoteError{Payload: json.RawMessage(`{"message":"x"}`)}, http.StatusBadGateway},
		{xmlfetch.ErrInitialization, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRecovery(t *testing.T) {
	t.Parallel()
	s := &server{}
	h := s.recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := serve(h, http.MethodGet, "/", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	svc, _ := newFeedService(t, &testutil.FakeWorker{Body: stopsXML}, nil)

	h := New(Deps{
		Feeds:          svc,
		Metrics:        metrics,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	if rec := serve(h, http.MethodGet, "/v1/feeds/stops", nil); rec.Code != http.StatusOK {
		t.Fatalf("fetch: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	rec := serve(h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"xmlfetch_requests_total", "xmlfetch_request_duration_seconds", `path="/v1/feeds/{name}"`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %s", want)
		}
	}
}
