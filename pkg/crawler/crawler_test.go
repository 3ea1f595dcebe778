package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igcrawler/pkg/accounts"
	"igcrawler/pkg/auth"
	"igcrawler/pkg/checkpoint"
	errs "igcrawler/pkg/errors"
	"igcrawler/pkg/instagram"
	"igcrawler/pkg/logger"
	"igcrawler/pkg/retry"
)

type pageCall struct {
	account string
	maxID   string
	count   int
}

type fakeAPI struct {
	mu sync.Mutex

	total      int
	profiles   map[string]*instagram.Profile
	profileErr error
	feed       []instagram.Post

	// pageErrs are returned by the first page requests, in order
	pageErrs   []error
	alwaysFail error

	profileCalls int
	feedCalls    int
	pages        []pageCall
}

func newFakeAPI(total int) *fakeAPI {
	return &fakeAPI{
		total: total,
		profiles: map[string]*instagram.Profile{
			"target": {UserID: "4242", Username: "target", Followers: total},
		},
	}
}

func (f *fakeAPI) FetchProfile(ctx context.Context, sess *auth.Session, proxy, username string) (*instagram.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileCalls++

	if f.profileErr != nil {
		return nil, f.profileErr
	}
	p, ok := f.profiles[username]
	if !ok {
		return nil, errs.New(errs.ErrorTypeNotFound, http.StatusNotFound, "user %s not found", username)
	}
	cp := *p
	cp.RecentPosts = append([]instagram.Post(nil), p.RecentPosts...)
	return &cp, nil
}

func (f *fakeAPI) FetchFollowersPage(ctx context.Context, sess *auth.Session, proxy, userID, maxID string, count int) (*instagram.FollowersPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, pageCall{account: sess.Username, maxID: maxID, count: count})

	if f.alwaysFail != nil {
		return nil, f.alwaysFail
	}
	if len(f.pageErrs) > 0 {
		err := f.pageErrs[0]
		f.pageErrs = f.pageErrs[1:]
		return nil, err
	}

	offset := 0
	if maxID != "" {
		offset, _ = strconv.Atoi(maxID)
	}
	n := count
	if offset+n > f.total {
		n = f.total - offset
	}

	page := &instagram.FollowersPage{Status: "ok"}
	for i := 0; i < n; i++ {
		id := offset + i + 1
		page.Users = append(page.Users, instagram.FriendshipUser{
			PK:       json.Number(strconv.Itoa(id)),
			Username: fmt.Sprintf("follower_%d", id),
		})
	}
	if offset+n < f.total {
		page.NextMaxID = strconv.Itoa(offset + n)
	}
	return page, nil
}

func (f *fakeAPI) FetchRecentPosts(ctx context.Context, sess *auth.Session, proxy, userID, username string, max int, delay time.Duration) ([]instagram.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedCalls++
	return f.feed, nil
}

func (f *fakeAPI) calls() []pageCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pageCall(nil), f.pages...)
}

type fakeSessions struct {
	mu          sync.Mutex
	invalidated []string
	fail        map[string]error
}

func (s *fakeSessions) Session(ctx context.Context, acc accounts.Account) (*auth.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail[acc.Username]; err != nil {
		return nil, err
	}
	return &auth.Session{Username: acc.Username, SessionID: "sid-" + acc.Username, CSRFToken: "csrf"}, nil
}

func (s *fakeSessions) Invalidate(username string) {
	s.mu.Lock()
	s.invalidated = append(s.invalidated, username)
	s.mu.Unlock()
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

const (
	requestDelay = time.Second
	switchDelay  = 7 * time.Second
)

type harness struct {
	pool     *accounts.Pool
	clock    *testClock
	api      *fakeAPI
	sessions *fakeSessions
	crawler  *Crawler
	log      *logger.TestLogger
	dir      string

	mu     sync.Mutex
	sleeps []time.Duration
}

func testOptions(dir string) Options {
	opts := DefaultOptions()
	opts.RequestDelay = retry.UniformJitter{Min: requestDelay, Max: requestDelay}
	opts.SwitchDelay = retry.UniformJitter{Min: switchDelay, Max: switchDelay}
	opts.Retry = &retry.Config{MaxAttempts: 3, Backoff: &retry.ConstantBackoff{}}
	opts.CheckpointDir = filepath.Join(dir, "checkpoints")
	return opts
}

func newHarness(t *testing.T, api *fakeAPI, usernames ...string) *harness {
	t.Helper()
	dir := t.TempDir()

	popts := accounts.DefaultOptions()
	popts.CookieDir = dir
	pool, err := accounts.NewPool(accounts.NewStore(filepath.Join(dir, "accounts.json")), popts, logger.NewNopLogger())
	require.NoError(t, err)

	clock := &testClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	pool.SetClock(clock.Now)

	for _, u := range usernames {
		_, err := pool.Add(u, "pw", "")
		require.NoError(t, err)
	}

	h := &harness{
		pool:     pool,
		clock:    clock,
		api:      api,
		sessions: &fakeSessions{},
		log:      logger.NewTestLogger(),
		dir:      dir,
	}
	h.crawler = h.build(testOptions(dir))
	return h
}

func (h *harness) build(opts Options) *Crawler {
	c := New(h.pool, h.api, h.sessions, nil, opts, h.log)
	c.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		h.clock.Advance(d)
		return ctx.Err()
	}
	c.newID = func() string { return "crawl-1" }
	return c
}

func (h *harness) countSleeps(d time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.sleeps {
		if s == d {
			n++
		}
	}
	return n
}

func TestCrawlRotatesAccountsAcrossPages(t *testing.T) {
	h := newHarness(t, newFakeAPI(120), "alice", "bob", "carol")

	result, err := h.crawler.Crawl(context.Background(), Request{Target: "@target", MaxCount: 120, UseRotation: true})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "crawl-1", result.ID)
	assert.Equal(t, "target", result.TargetUsername)
	assert.Equal(t, "4242", result.TargetUserID)
	assert.Equal(t, 120, result.TotalCollected)
	assert.Equal(t, 3, result.Requests)
	assert.Equal(t, []string{"alice", "bob", "carol"}, result.AccountsUsed)

	// alice resolved the profile, pages continue the round robin
	assert.Equal(t, []pageCall{
		{account: "bob", maxID: "", count: 50},
		{account: "carol", maxID: "50", count: 50},
		{account: "alice", maxID: "100", count: 20},
	}, h.api.calls())

	assert.Equal(t, "bob", result.Followers[0].CollectedBy)
	assert.Equal(t, "1", result.Followers[0].UserID)
	assert.Equal(t, h.clock.Now().Add(-2*requestDelay), result.Followers[0].CollectedAt)

	// no pause after the final page
	assert.Equal(t, 2, h.countSleeps(requestDelay))
}

func TestCrawlStopsAtMaxCount(t *testing.T) {
	h := newHarness(t, newFakeAPI(500), "alice")

	result, err := h.crawler.Crawl(context.Background(), Request{Target: "target", MaxCount: 75, UseRotation: true})
	require.NoError(t, err)

	assert.Equal(t, 75, result.TotalCollected)
	calls := h.api.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 25, calls[1].count)
}

func TestCrawlReportsProgress(t *testing.T) {
	h := newHarness(t, newFakeAPI(120), "alice", "bob")
	opts := testOptions(h.dir)
	var seen []Progress
	opts.OnProgress = func(p Progress) { seen = append(seen, p) }
	c := h.build(opts)

	_, err := c.Crawl(context.Background(), Request{Target: "target", MaxCount: 120, UseRotation: true})
	require.NoError(t, err)

	require.Len(t, seen, 3)
	assert.Equal(t, Progress{Target: "target", Account: "bob", Collected: 50, MaxCount: 120, Requests: 1, Page: 1}, seen[0])
	assert.Equal(t, 120, seen[2].Collected)
	assert.Equal(t, 3, seen[2].Page)
}

func TestCrawlStopsOnLastPage(t *testing.T) {
	h := newHarness(t, newFakeAPI(30), "alice")

	result, err := h.crawler.Crawl(context.Background(), Request{Target: "target", MaxCount: 1000, UseRotation: true})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 30, result.TotalCollected)
	assert.Len(t, h.api.calls(), 1)
}

func TestCrawlSingleAccountUsesFirst(t *testing.T) {
	h := newHarness(t, newFakeAPI(120), "zed", "alice")

	result, err := h.crawler.Crawl(context.Background(), Request{Target: "target", MaxCount: 120})
	require.NoError(t, err)

	assert.Equal(t, []string{"zed"}, result.AccountsUsed)
	for _, call := range h.api.calls() {
		assert.Equal(t, "zed", call.account)
	}
	assert.Equal(t, 0, h.pool.State("alice").RequestsMade)
}

func TestCrawlValidation(t *testing.T) {
	h := newHarness(t, newFakeAPI(10), "alice")

	result, err := h.crawler.Crawl(context.Background(), Request{Target: "not a user!"})
	assert.ErrorIs(t, err, ErrInvalidTarget)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)

	empty := newHarness(t, newFakeAPI(10))
	result, err = empty.crawler.Crawl(context.Background(), Request{Target: "target"})
	assert.ErrorIs(t, err, ErrNoAccounts)
	assert.False(t, result.Success)
	assert.Equal(t, []string{}, result.AccountsUsed)
}

func TestCrawlUserNotFound(t *testing.T) {
	h := newHarness(t, newFakeAPI(10), "alice")

	result, err := h.crawler.Crawl(context.Background(), Request{Target: "missing", UseRotation: true})
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.False(t, result.Success)
	assert.Equal(t, 1, h.api.profileCalls)
	assert.Empty(t, h.api.calls())
}

func TestCrawlResolveFailsWhenAllAccountsCooling(t *testing.T) {
	h := newHarness(t, newFakeAPI(10), "alice")
	h.pool.Cooldown("alice", time.Hour)

	_, err := h.crawler.Crawl(context.Background(), Request{Target: "target", UseRotation: true})
	assert.ErrorIs(t, err, ErrNoAccounts)
	assert.Equal(t, 0, h.api.profileCalls)
}

func TestCrawlResolveRetriesOnAnotherAccount(t *testing.T) {
	api := newFakeAPI(10)
	h := newHarness(t, api, "alice", "bob")
	h.sessions.fail = map[string]error{"alice": errors.New("login failed")}

	result, err := h.crawler.Crawl(context.Background(), Request{Target: "target", UseRotation: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, result.AccountsUsed)
	assert.Greater(t, h.pool.State("alice").Errors, 0)
}

func TestCrawlSwitchDelayEveryThreshold(t *testing.T) {
	h := newHarness(t, newFakeAPI(50), "alice", "bob", "carol")
	opts := testOptions(h.dir)
	opts.PageSize = 10
	opts.SwitchEvery = 2
	c := h.build(opts)

	result, err := c.Crawl(context.Background(), Request{Target: "target", MaxCount: 50, UseRotation: true})
	require.NoError(t, err)

	assert.Equal(t, 5, result.Requests)
	assert.Equal(t, 2, h.countSleeps(switchDelay))
	assert.Equal(t, 4, h.countSleeps(requestDelay))

	rotations := 0
	for _, m := range h.log.GetMessagesByLevel("INFO") {
		if m.Message == "Rotating account" {
			rotations++
		}
	}
	assert.Equal(t, 2, rotations)
}

func TestCrawlWaitsOutErrorCooldown(t *testing.T) {
	api := newFakeAPI(60)
	rateLimited := errs.FromStatus(http.StatusTooManyRequests)
	api.pageErrs = []error{rateLimited, rateLimited, rateLimited, rateLimited, rateLimited}
	h := newHarness(t, api, "alice")
	start := h.clock.Now()

	result, err := h.crawler.Crawl(context.Background(), Request{Target: "target", MaxCount: 60, UseRotation: true})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 60, result.TotalCollected)

	// 30 minute cooldown waited out in one-minute steps
	assert.Equal(t, 30, h.countSleeps(time.Minute))
	assert.False(t, h.clock.Now().Before(start.Add(30*time.Minute)))
	assert.Equal(t, 0, h.pool.State("alice").Errors)
}

func TestAcquireWaitsUntilCooldownEnds(t *testing.T) {
	h := newHarness(t, newFakeAPI(10), "alice")
	h.pool.Cooldown("alice", 20*time.Second)

	acc, sess, err := h.crawler.acquire(context.Background(), "", true)
	require.NoError(t, err)
	assert.Equal(t, "alice", acc.Username)
	assert.Equal(t, "alice", sess.Username)

	// shorter than the one-minute default wait
	assert.Equal(t, 1, h.countSleeps(20*time.Second))
	assert.Equal(t, 0, h.countSleeps(time.Minute))
}

func TestAcquireWithoutWait(t *testing.T) {
	h := newHarness(t, newFakeAPI(10), "alice")
	h.pool.Cooldown("alice", time.Hour)

	_, _, err := h.crawler.acquire(context.Background(), "", false)
	assert.ErrorIs(t, err, ErrNoAccounts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = h.crawler.acquire(ctx, "", true)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCrawlAuthErrorInvalidatesSession(t *testing.T) {
	api := newFakeAPI(20)
	api.pageErrs = []error{errs.FromStatus(http.StatusUnauthorized)}
	h := newHarness(t, api, "alice")

	result, err := h.crawler.Crawl(context.Background(), Request{Target: "target", MaxCount: 20, UseRotation: true})
	require.NoError(t, err)

	assert.Equal(t, 20, result.TotalCollected)
	assert.Equal(t, []string{"alice"}, h.sessions.invalidated)
	assert.Equal(t, 0, h.pool.State("alice").Errors)
}

func TestCrawlChallengeBenchesAccount(t *testing.T) {
	api := newFakeAPI(100)
	api.pageErrs = []error{errs.New(errs.ErrorTypeChallenge, http.StatusBadRequest, "challenge_required")}
	h := newHarness(t, api, "alice", "bob")

	result, err := h.crawler.Crawl(context.Background(), Request{Target: "target", MaxCount: 100, UseRotation: true})
	require.NoError(t, err)

	assert.Equal(t, 100, result.TotalCollected)
	assert.Equal(t, []string{"alice"}, result.AccountsUsed)
	assert.Equal(t, []string{"bob"}, h.sessions.invalidated)
	assert.False(t, h.pool.IsAvailable("bob"))
}

func TestCrawlAbortsAfterConsecutiveFailures(t *testing.T) {
	api := newFakeAPI(100)
	api.alwaysFail = errs.FromStatus(http.StatusInternalServerError)
	h := newHarness(t, api, "alice", "bob")
	opts := testOptions(h.dir)
	opts.MaxFailures = 3
	c := h.build(opts)

	result, err := c.Crawl(context.Background(), Request{Target: "target", MaxCount: 100, UseRotation: true})
	assert.ErrorIs(t, err, ErrTooManyFailures)
	assert.False(t, result.Success)
	assert.Equal(t, 0, result.TotalCollected)
	assert.Len(t, api.calls(), 3)
}

func TestCrawlResumeFromCheckpoint(t *testing.T) {
	api := newFakeAPI(120)
	h := newHarness(t, api, "alice", "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.crawler.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	partial, err := h.crawler.Crawl(ctx, Request{Target: "target", MaxCount: 120, UseRotation: true})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, partial.Success)
	assert.Equal(t, 50, partial.TotalCollected)
	assert.Equal(t, 1, partial.Requests)

	mgr, err := checkpoint.NewManagerIn(filepath.Join(h.dir, "checkpoints"), "target")
	require.NoError(t, err)
	require.True(t, mgr.Exists())

	resumer := h.build(testOptions(h.dir))
	result, err := resumer.Crawl(context.Background(), Request{Target: "target", MaxCount: 120, UseRotation: true, Resume: true})
	require.NoError(t, err)

	assert.True(t, result.Resumed)
	assert.Equal(t, 120, result.TotalCollected)
	assert.Equal(t, 3, result.Requests)
	assert.Equal(t, 1, api.profileCalls)

	calls := api.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "50", calls[1].maxID)
	assert.False(t, mgr.Exists())
}

func TestCrawlForceRestartIgnoresCheckpoint(t *testing.T) {
	api := newFakeAPI(20)
	h := newHarness(t, api, "alice")

	mgr, err := checkpoint.NewManagerIn(filepath.Join(h.dir, "checkpoints"), "target")
	require.NoError(t, err)
	cp, err := mgr.Create("target", "4242", 20)
	require.NoError(t, err)
	require.NoError(t, mgr.UpdateProgress(cp, "10", 1))

	result, err := h.crawler.Crawl(context.Background(), Request{Target: "target", MaxCount: 20, UseRotation: true, Resume: true, ForceRestart: true})
	require.NoError(t, err)

	assert.False(t, result.Resumed)
	assert.Equal(t, "", api.calls()[0].maxID)
	assert.Equal(t, 20, result.TotalCollected)
}

func TestCrawlDeduplicatesFollowers(t *testing.T) {
	api := newFakeAPI(10)
	h := newHarness(t, api, "alice")

	dup := &dupAPI{fakeAPI: api}
	c := New(h.pool, dup, h.sessions, nil, testOptions(h.dir), logger.NewNopLogger())
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	result, err := c.Crawl(context.Background(), Request{Target: "target", MaxCount: 100, UseRotation: true})
	require.NoError(t, err)
	assert.Equal(t, 10, result.TotalCollected)
}

// dupAPI serves the same page twice before the last one
type dupAPI struct {
	*fakeAPI
	served int
}

func (d *dupAPI) FetchFollowersPage(ctx context.Context, sess *auth.Session, proxy, userID, maxID string, count int) (*instagram.FollowersPage, error) {
	page, err := d.fakeAPI.FetchFollowersPage(ctx, sess, proxy, userID, "", count)
	if err != nil {
		return nil, err
	}
	d.served++
	if d.served < 3 {
		page.NextMaxID = "again"
	}
	return page, nil
}
