package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scanengine/internal/config"
	"github.com/JakeFAU/scanengine/internal/scan"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Worker.StepDelay = time.Millisecond
	cfg.Worker.Concurrency = 2
	return cfg
}

type submitted struct {
	ScanID  string `json:"scanId"`
	Slug    string `json:"slug"`
	Deduped bool   `json:"deduped"`
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getStatus(t *testing.T, h http.Handler, id string) scan.Snapshot {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/scan/"+id+"/status", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var snap scan.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	return snap
}

func TestBuild_MemoryEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := Build(ctx, memoryConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	require.NotNil(t, app.dispatch)
	h := app.Handler()

	rec := postJSON(t, h, "/v2/scan/url", `{"url":"Example.com/login/"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var first submitted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	require.NotEmpty(t, first.ScanID)
	require.NotEmpty(t, first.Slug)

	snap := getStatus(t, h, first.ScanID)
	require.Equal(t, scan.StatusQueued, snap.Status)
	require.Equal(t, 0, snap.Progress)

	go app.dispatch.Run(ctx)

	require.Eventually(t, func() bool {
		return getStatus(t, h, first.ScanID).Status == scan.StatusDone
	}, 5*time.Second, 10*time.Millisecond)

	done := getStatus(t, h, first.ScanID)
	require.Equal(t, 100, done.Progress)
	require.NotNil(t, done.Score)
	require.Equal(t, 82, *done.Score)
	require.NotNil(t, done.Label)
	require.Equal(t, "Safe", *done.Label)

	rec = postJSON(t, h, "/v2/scan", `{"url":"https://example.com/login"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var again submitted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &again))
	require.True(t, again.Deduped)
	require.Equal(t, first.ScanID, again.ScanID)

	rec = postJSON(t, h, "/v2/scan", `{"url":"https://example.com/login","force":true}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
}

func TestBuild_UnknownScanIs404(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Worker.Enabled = false

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	require.Nil(t, app.dispatch)

	for _, id := range []string{"not-a-uuid", "01890a5d-ac96-774b-bcce-b302099a8057"} {
		rec := httptest.NewRecorder()
		app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v2/scan/"+id+"/status", nil))
		require.Equal(t, http.StatusNotFound, rec.Code, id)
		require.Contains(t, rec.Body.String(), `"kind":"not_found"`)
	}
}

func TestBuild_QuotaPolicy(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Worker.Enabled = false
	cfg.Policy.Mode = "per_identity_quota"
	cfg.Policy.RPS = 0.001
	cfg.Policy.Burst = 1

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })
	h := app.Handler()

	send := func(target string) int {
		req := httptest.NewRequest(http.MethodPost, "/v2/scan/app", strings.NewReader(`{"appId":"`+target+`"}`))
		req.Header.Set(cfg.Auth.IdentityHeader, "key-1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusAccepted, send("com.example.one"))
	require.Equal(t, http.StatusTooManyRequests, send("com.example.two"))
}

func TestBuild_ReadyWithoutExternalDeps(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Worker.Enabled = false

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
