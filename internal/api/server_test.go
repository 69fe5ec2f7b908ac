package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scanengine/internal/scan"
	"github.com/JakeFAU/scanengine/internal/submit"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []submit.Request
	result   submit.Result
	err      error
}

func (f *fakeSubmitter) Submit(_ context.Context, req submit.Request) (submit.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.result, f.err
}

func (f *fakeSubmitter) last() submit.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeStatus struct {
	snaps map[string]scan.Snapshot
	err   error
}

func (f *fakeStatus) GetStatus(_ context.Context, id string) (scan.Snapshot, error) {
	if f.err != nil {
		return scan.Snapshot{}, f.err
	}
	snap, ok := f.snaps[id]
	if !ok {
		return scan.Snapshot{}, fmt.Errorf("get status: %w", scan.ErrNotFound)
	}
	return snap, nil
}

func newTestServer(sub Submitter, st StatusReader, opts Options) *Server {
	return NewServer(sub, st, opts, zap.NewNop())
}

func do(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_SubmitURL_Accepted(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{result: submit.Result{ScanID: "s1", Slug: "abc"}}
	s := newTestServer(sub, &fakeStatus{}, Options{IdentityHeader: "X-API-Key"})

	for _, path := range []string{"/v2/scan", "/v2/scan/url"} {
		rec := do(t, s, http.MethodPost, path, `{"url":"example.com","force":true}`, map[string]string{"X-API-Key": "k1", "X-Request-ID": "req-42"})
		require.Equal(t, http.StatusAccepted, rec.Code, path)
		require.JSONEq(t, `{"scanId":"s1","slug":"abc"}`, rec.Body.String())
		require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

		got := sub.last()
		require.Equal(t, scan.TargetURL, got.TargetType)
		require.Equal(t, "example.com", got.Target)
		require.True(t, got.Force)
		require.Equal(t, "key:k1", got.Identity)
		require.Equal(t, "req-42", got.RequestID)
	}
}

func TestServer_SubmitURL_Deduped(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{result: submit.Result{ScanID: "s1", Slug: "abc", Deduped: true}}
	s := newTestServer(sub, &fakeStatus{}, Options{})

	rec := do(t, s, http.MethodPost, "/v2/scan/url", `{"url":"example.com"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"scanId":"s1","slug":"abc","deduped":true}`, rec.Body.String())
	require.True(t, strings.HasPrefix(sub.last().Identity, "ip:"))
}

func TestServer_SubmitAppAndAddress(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{result: submit.Result{ScanID: "s2", Slug: "def"}}
	s := newTestServer(sub, &fakeStatus{}, Options{})

	rec := do(t, s, http.MethodPost, "/v2/scan/app", `{"appId":"com.example.app"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, scan.TargetApp, sub.last().TargetType)
	require.Equal(t, "com.example.app", sub.last().Target)

	rec = do(t, s, http.MethodPost, "/v2/scan/address", `{"address":"0xabc","chain":"Ethereum"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	got := sub.last()
	require.Equal(t, scan.TargetAddress, got.TargetType)
	require.Equal(t, map[string]any{"chain": "ethereum"}, got.Meta)
}

func TestServer_SubmitValidation(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	s := newTestServer(sub, &fakeStatus{}, Options{})

	tests := []struct {
		name string
		path string
		body string
	}{
		{"invalid json", "/v2/scan/url", `{"url":`},
		{"missing url", "/v2/scan/url", `{}`},
		{"missing app id", "/v2/scan/app", `{"appId":"  "}`},
		{"missing address", "/v2/scan/address", `{"chain":"ethereum"}`},
	}
	for _, tc := range tests {
		rec := do(t, s, http.MethodPost, tc.path, tc.body, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, tc.name)
		require.Equal(t, scan.KindInvalidTarget, decodeBody(t, rec)["kind"], tc.name)
	}
	require.Empty(t, sub.requests)
}

func TestServer_SubmitBodyTooLarge(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeSubmitter{}, &fakeStatus{}, Options{})
	body := `{"url":"` + strings.Repeat("a", maxBodyBytes) + `"}`
	rec := do(t, s, http.MethodPost, "/v2/scan/url", body, nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestServer_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{fmt.Errorf("normalize: %w: bad scheme", scan.ErrInvalidTarget), http.StatusBadRequest, scan.KindInvalidTarget},
		{fmt.Errorf("admit: %w", scan.ErrQuotaExceeded), http.StatusTooManyRequests, scan.KindQuotaExceeded},
		{fmt.Errorf("enqueue: %w", scan.ErrQueueUnavailable), http.StatusServiceUnavailable, scan.KindQueueUnavailable},
		{fmt.Errorf("create: %w", scan.ErrStoreUnavailable), http.StatusServiceUnavailable, scan.KindStoreUnavailable},
		{fmt.Errorf("create: %w", scan.ErrSlugExhausted), http.StatusInternalServerError, scan.KindSlugExhausted},
		{errors.New("boom"), http.StatusInternalServerError, scan.KindInternal},
	}
	for _, tc := range tests {
		s := newTestServer(&fakeSubmitter{err: tc.err}, &fakeStatus{}, Options{})
		rec := do(t, s, http.MethodPost, "/v2/scan", `{"url":"example.com"}`, nil)
		require.Equal(t, tc.status, rec.Code, tc.kind)
		body := decodeBody(t, rec)
		require.Equal(t, tc.kind, body["kind"])
		require.NotEmpty(t, body["error"])
	}
}

func TestServer_GetStatus(t *testing.T) {
	t.Parallel()

	score := 82
	label := "Safe"
	slug := "abc"
	updated := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	st := &fakeStatus{snaps: map[string]scan.Snapshot{
		"done": {Status: scan.StatusDone, Progress: 100, Score: &score, Label: &label, Slug: &slug, UpdatedAt: updated},
		"busy": {Status: scan.StatusRunning, Progress: 40, UpdatedAt: updated},
	}}
	s := newTestServer(&fakeSubmitter{}, st, Options{})

	rec := do(t, s, http.MethodGet, "/v2/scan/done/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"done","progress":100,"score":82,"label":"Safe","slug":"abc","updatedAt":"2025-01-02T03:04:05Z"}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/v2/scan/busy/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"running","progress":40,"updatedAt":"2025-01-02T03:04:05Z"}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/v2/scan/nope/status", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, scan.KindNotFound, decodeBody(t, rec)["kind"])
}

func TestServer_GetStatus_InvalidIDShortCircuits(t *testing.T) {
	t.Parallel()

	st := &fakeStatus{err: errors.New("must not be called")}
	s := newTestServer(&fakeSubmitter{}, st, Options{ValidID: func(id string) bool { return id == "ok" }})
	rec := do(t, s, http.MethodGet, "/v2/scan/garbage/status", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetStatus_StoreUnavailable(t *testing.T) {
	t.Parallel()

	st := &fakeStatus{err: fmt.Errorf("find: %w", scan.ErrStoreUnavailable)}
	s := newTestServer(&fakeSubmitter{}, st, Options{})
	rec := do(t, s, http.MethodGet, "/v2/scan/x/status", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	healthy := newTestServer(&fakeSubmitter{}, &fakeStatus{}, Options{ReadyChecks: map[string]ReadyCheck{
		"store": func(context.Context) error { return nil },
	}})
	require.Equal(t, http.StatusOK, do(t, healthy, http.MethodGet, "/healthz", "", nil).Code)
	require.Equal(t, http.StatusOK, do(t, healthy, http.MethodGet, "/readyz", "", nil).Code)

	degraded := newTestServer(&fakeSubmitter{}, &fakeStatus{}, Options{ReadyChecks: map[string]ReadyCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	}})
	rec := do(t, degraded, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connection refused")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeSubmitter{}, &fakeStatus{}, Options{})
	do(t, s, http.MethodGet, "/healthz", "", nil)
	rec := do(t, s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

type panickingSubmitter struct{}

func (panickingSubmitter) Submit(context.Context, submit.Request) (submit.Result, error) {
	panic("kaboom")
}

func TestServer_RecoversPanics(t *testing.T) {
	t.Parallel()

	s := newTestServer(panickingSubmitter{}, &fakeStatus{}, Options{})
	rec := do(t, s, http.MethodPost, "/v2/scan", `{"url":"example.com"}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeSubmitter{}, &fakeStatus{}, Options{})

	rec := do(t, s, http.MethodGet, "/healthz", "", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "abc-123"})
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "has space"})
	require.NotEqual(t, "has space", rec.Header().Get("X-Request-ID"))
}

func TestRequestIDMiddleware_UsesInjectedGenerator(t *testing.T) {
	t.Parallel()

	s := newTestServer(&fakeSubmitter{}, &fakeStatus{}, Options{NewRequestID: func() string { return "req-fixed" }})

	rec := do(t, s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, "req-fixed", rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "caller-1"})
	require.Equal(t, "caller-1", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
