package instagram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igcrawler/pkg/auth"
	errs "igcrawler/pkg/errors"
	"igcrawler/pkg/logger"
)

const profileJSON = `{
	"data": {"user": {
		"id": "1234",
		"username": "target",
		"full_name": "Target User",
		"biography": "hello",
		"is_verified": true,
		"profile_pic_url_hd": "https://cdn/hd.jpg",
		"category_name": "Artist",
		"edge_followed_by": {"count": 1000},
		"edge_follow": {"count": 10},
		"edge_owner_to_timeline_media": {"count": 2, "edges": [
			{"node": {"id": "p1", "shortcode": "AAA", "edge_liked_by": {"count": 30}, "edge_media_to_comment": {"count": 2}}},
			{"node": {"id": "p2", "shortcode": "BBB", "edge_liked_by": {"count": 10}, "edge_media_to_comment": {"count": 0}}}
		]}
	}},
	"status": "ok"
}`

func testSession() *auth.Session {
	return &auth.Session{Username: "worker1", SessionID: "sid", CSRFToken: "tok"}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *logger.TestLogger) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := logger.NewTestLogger()
	c := NewClient(Options{BaseURL: srv.URL, Timeout: 2 * time.Second, UserAgents: []string{"test-agent"}}, log)
	return c, log
}

func TestFetchProfile(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ProfileEndpoint, r.URL.Path)
		assert.Equal(t, "target", r.URL.Query().Get("username"))
		assert.Equal(t, DefaultAppID, r.Header.Get("x-ig-app-id"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "csrftoken=tok; sessionid=sid", r.Header.Get("Cookie"))
		assert.Equal(t, "tok", r.Header.Get("x-csrftoken"))
		assert.Equal(t, "XMLHttpRequest", r.Header.Get("x-requested-with"))
		_, _ = w.Write([]byte(profileJSON))
	})

	p, err := c.FetchProfile(context.Background(), testSession(), "", "target")
	require.NoError(t, err)
	assert.Equal(t, "1234", p.UserID)
	assert.Equal(t, "Target User", p.FullName)
	assert.Equal(t, "hello", p.Biography)
	assert.True(t, p.IsVerified)
	assert.Equal(t, 1000, p.Followers)
	assert.Equal(t, 10, p.Following)
	assert.Equal(t, 2, p.Posts)
	assert.Equal(t, "https://cdn/hd.jpg", p.ProfilePicURL)
	require.Len(t, p.RecentPosts, 2)
	assert.Equal(t, 30, p.RecentPosts[0].LikeCount)

	p.ApplyEngagement()
	require.NotNil(t, p.EngagementRate)
	assert.InDelta(t, 2.1, *p.EngagementRate, 0.001)
}

func TestFetchProfileMissingUser(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": {"user": null}, "status": "ok"}`))
	})

	_, err := c.FetchProfile(context.Background(), testSession(), "", "ghost")
	assert.True(t, errs.Is(err, errs.ErrorTypeNotFound))
}

func TestFetchProfileRequiresLogin(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"requires_to_login": true}`))
	})

	_, err := c.FetchProfile(context.Background(), nil, "", "target")
	assert.True(t, errs.Is(err, errs.ErrorTypeAuth))
}

func TestFetchFollowersPage(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/friendships/1234/followers/", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "25", q.Get("count"))
		assert.Equal(t, SearchSurface, q.Get("search_surface"))
		assert.Equal(t, "cursor-1", q.Get("max_id"))
		_, _ = w.Write([]byte(`{
			"users": [
				{"pk": 11, "username": "a", "full_name": "A", "is_private": true},
				{"pk": "12", "username": "b", "is_verified": true, "follower_count": 5}
			],
			"next_max_id": "cursor-2",
			"status": "ok"
		}`))
	})

	page, err := c.FetchFollowersPage(context.Background(), testSession(), "", "1234", "cursor-1", 25)
	require.NoError(t, err)
	require.Len(t, page.Users, 2)
	assert.Equal(t, "cursor-2", page.NextMaxID)

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := page.Users[0].ToFollower("worker1", at)
	assert.Equal(t, "11", f.UserID)
	assert.True(t, f.IsPrivate)
	assert.Equal(t, "worker1", f.CollectedBy)
	assert.Equal(t, at, f.CollectedAt)
	assert.Equal(t, "12", page.Users[1].ToFollower("worker1", at).UserID)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   errs.ErrorType
	}{
		{http.StatusUnauthorized, "", errs.ErrorTypeAuth},
		{http.StatusForbidden, "", errs.ErrorTypeAuth},
		{http.StatusNotFound, "", errs.ErrorTypeNotFound},
		{http.StatusTooManyRequests, "", errs.ErrorTypeRateLimit},
		{http.StatusBadGateway, "", errs.ErrorTypeServerError},
		{http.StatusTeapot, "", errs.ErrorTypeUnknown},
		{http.StatusBadRequest, `{"message": "challenge_required"}`, errs.ErrorTypeChallenge},
		{http.StatusBadRequest, `{"message": "other"}`, errs.ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.FetchFollowersPage(context.Background(), testSession(), "", "1", "", 50)
			require.Error(t, err)
			assert.Equal(t, tt.want, errs.TypeOf(err))
		})
	}
}

func TestParseErrorLogsPreview(t *testing.T) {
	c, log := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 300)))
	})

	_, err := c.FetchFollowersPage(context.Background(), testSession(), "", "1", "", 50)
	assert.True(t, errs.Is(err, errs.ErrorTypeParsing))

	msgs := log.GetMessagesByLevel("ERROR")
	require.Len(t, msgs, 1)
	preview, _ := msgs[0].Field("body_preview").(string)
	assert.Len(t, preview, 203)
}

func TestNetworkError(t *testing.T) {
	c := NewClient(Options{BaseURL: "http://127.0.0.1:1", Timeout: time.Second}, logger.NewNopLogger())

	_, err := c.FetchFollowersPage(context.Background(), testSession(), "", "1", "", 50)
	assert.True(t, errs.Is(err, errs.ErrorTypeNetwork))
}

func TestCancelledContext(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchFollowersPage(ctx, testSession(), "", "1", "", 50)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvalidProxy(t *testing.T) {
	c := NewClient(Options{}, logger.NewNopLogger())
	_, err := c.FetchFollowersPage(context.Background(), testSession(), "::bad", "1", "", 50)
	assert.True(t, errs.Is(err, errs.ErrorTypeNetwork))
}

func TestProxyClientsAreCached(t *testing.T) {
	c := NewClient(Options{}, logger.NewNopLogger())

	a, err := c.httpClient("http://proxy-a:8080")
	require.NoError(t, err)
	b, err := c.httpClient("http://proxy-a:8080")
	require.NoError(t, err)
	direct, err := c.httpClient("")
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.NotSame(t, a, direct)
}

func TestFetchRecentPosts(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/feed/user/1234/", r.URL.Path)
		assert.Equal(t, "12", r.URL.Query().Get("count"))
		assert.Equal(t, UserProfileURL("target"), r.Header.Get("Referer"))

		atomic.AddInt32(&calls, 1)
		switch r.URL.Query().Get("max_id") {
		case "":
			_, _ = w.Write([]byte(`{"items": [
				{"id": "1", "code": "c1", "media_type": 1, "like_count": 5, "comment_count": 1,
				 "caption": {"text": "first"}, "image_versions2": {"candidates": [{"url": "https://img/1"}]}},
				{"id": "2", "code": "c2", "media_type": 2, "like_count": 7, "caption": null,
				 "video_versions": [{"url": "https://vid/2"}]}
			], "next_max_id": "next"}`))
		default:
			_, _ = w.Write([]byte(`{"items": [{"id": "3", "code": "c3", "like_count": 1}], "next_max_id": ""}`))
		}
	})

	posts, err := c.FetchRecentPosts(context.Background(), testSession(), "", "1234", "target", 100, 0)
	require.NoError(t, err)
	require.Len(t, posts, 3)
	assert.Equal(t, "first", posts[0].Caption)
	assert.Equal(t, "https://img/1", posts[0].MediaURL)
	assert.True(t, posts[1].IsReel)
	assert.Equal(t, "https://vid/2", posts[1].VideoURL)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))

	limited, err := c.FetchRecentPosts(context.Background(), testSession(), "", "1234", "target", 1, 0)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}
