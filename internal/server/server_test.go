package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igcrawler/pkg/accounts"
	"igcrawler/pkg/config"
	"igcrawler/pkg/crawler"
	"igcrawler/pkg/instagram"
	"igcrawler/pkg/logger"
	"igcrawler/pkg/models"
	"igcrawler/pkg/storage"
)

type fakeCrawler struct {
	requests  []crawler.Request
	harvested [][]string
	result    *models.CrawlResult
	err       error
}

func (f *fakeCrawler) Crawl(ctx context.Context, req crawler.Request) (*models.CrawlResult, error) {
	f.requests = append(f.requests, req)
	if f.result != nil || f.err != nil {
		return f.result, f.err
	}
	res := &models.CrawlResult{
		ID:             "crawl-1",
		Success:        true,
		TargetUsername: req.Target,
		Followers: []instagram.Follower{
			{UserID: "1", Username: "one", CollectedBy: "alice"},
			{UserID: "2", Username: "two", CollectedBy: "bob"},
		},
		Timestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	res.Finalize(req.MaxCount)
	return res, nil
}

func (f *fakeCrawler) HarvestProfiles(ctx context.Context, usernames []string) (*models.HarvestResult, error) {
	f.harvested = append(f.harvested, usernames)
	res := &models.HarvestResult{ID: "h-1", Failed: map[string]string{}}
	for _, u := range usernames {
		res.Profiles = append(res.Profiles, instagram.Profile{Username: u, Followers: 10})
	}
	return res, nil
}

type testServer struct {
	srv     *Server
	pool    *accounts.Pool
	crawler *fakeCrawler
	out     string
}

func newTestServer(t *testing.T, usernames ...string) *testServer {
	t.Helper()
	dir := t.TempDir()

	opts := accounts.DefaultOptions()
	opts.CookieDir = dir
	pool, err := accounts.NewPool(accounts.NewStore(filepath.Join(dir, "accounts.json")), opts, logger.NewNopLogger())
	require.NoError(t, err)
	for _, u := range usernames {
		_, err := pool.Add(u, "secret-"+u, "")
		require.NoError(t, err)
	}

	out := filepath.Join(dir, "out")
	files, err := storage.NewManager(out, []string{"json"}, logger.NewNopLogger())
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Server.RequestsPerSecond = 0

	fc := &fakeCrawler{}
	return &testServer{
		srv:     New(pool, fc, cfg, logger.NewNopLogger(), WithFiles(files)),
		pool:    pool,
		crawler: fc,
		out:     out,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, ServiceName, body["service"])
}

func TestAddListRemoveAccounts(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/accounts/add", map[string]string{
		"username": "@alice", "password": "pw", "proxy": "http://p:1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["success"])

	rec = ts.do(t, http.MethodPost, "/api/accounts/add", map[string]string{"username": "alice", "password": "pw"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/accounts/add", map[string]string{"username": "bob"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/accounts/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Accounts []accounts.Account `json:"accounts"`
		Total    int                `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "alice", list.Accounts[0].Username)
	assert.Equal(t, accounts.MaskedPassword, list.Accounts[0].Password)

	rec = ts.do(t, http.MethodDelete, "/api/accounts/alice", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, ts.pool.Len())

	rec = ts.do(t, http.MethodDelete, "/api/accounts/alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAccountStatus(t *testing.T) {
	ts := newTestServer(t, "alice", "bob")
	ts.pool.Record("alice", true)

	rec := ts.do(t, http.MethodGet, "/api/accounts/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report accounts.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.TotalAccounts)
	assert.Equal(t, 1, report.AccountStates["alice"].RequestsMade)
}

func TestCrawlRequiresAccounts(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/followers/crawl", map[string]interface{}{"target_username": "target"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.crawler.requests)

	rec = ts.do(t, http.MethodPost, "/api/followers/crawl", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCrawlDefaultsAndSaves(t *testing.T) {
	ts := newTestServer(t, "alice")

	rec := ts.do(t, http.MethodPost, "/api/followers/crawl", map[string]interface{}{"target_username": "target"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, ts.crawler.requests, 1)
	assert.Equal(t, crawler.Request{Target: "target", MaxCount: 1000, UseRotation: true}, ts.crawler.requests[0])

	var resp struct {
		models.CrawlResult
		Files []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 2, resp.TotalCollected)
	assert.Equal(t, []string{"alice", "bob"}, resp.AccountsUsed)
	require.Len(t, resp.Files, 1)
	_, err := os.Stat(resp.Files[0])
	assert.NoError(t, err)

	rec = ts.do(t, http.MethodPost, "/api/followers/crawl", map[string]interface{}{
		"target_username": "target", "max_count": 1, "use_rotation": false,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, crawler.Request{Target: "target", MaxCount: 1}, ts.crawler.requests[1])
}

func TestCrawlErrorMapping(t *testing.T) {
	ts := newTestServer(t, "alice")

	ts.crawler.err = crawler.ErrUserNotFound
	ts.crawler.result = &models.CrawlResult{}
	rec := ts.do(t, http.MethodPost, "/api/followers/crawl", map[string]interface{}{"target_username": "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.crawler.err = crawler.ErrNoAccounts
	rec = ts.do(t, http.MethodPost, "/api/followers/crawl", map[string]interface{}{"target_username": "ghost"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.crawler.err = context.DeadlineExceeded
	ts.crawler.result = &models.CrawlResult{
		TargetUsername: "ghost",
		Followers:      []instagram.Follower{{UserID: "1", CollectedBy: "alice"}},
	}
	ts.crawler.result.Finalize(0)
	rec = ts.do(t, http.MethodPost, "/api/followers/crawl", map[string]interface{}{"target_username": "ghost"})
	assert.Equal(t, http.StatusPartialContent, rec.Code)
}

func TestHarvest(t *testing.T) {
	ts := newTestServer(t, "alice")

	rec := ts.do(t, http.MethodPost, "/api/profiles/harvest", map[string]interface{}{"usernames": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/profiles/harvest", map[string]interface{}{"usernames": []string{"a", "b"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		models.HarvestResult
		Files []string `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Profiles, 2)
	assert.Len(t, resp.Files, 1)
	assert.Equal(t, [][]string{{"a", "b"}}, ts.crawler.harvested)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/accounts/list", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.cfg.RequestsPerSecond = 1
	h := ts.srv.Handler()

	limited := 0
	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code == http.StatusTooManyRequests {
			limited++
		}
	}
	assert.Greater(t, limited, 0)
}
