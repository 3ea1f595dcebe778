package crawler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"igcrawler/pkg/instagram"
)

func harvestAPI() *fakeAPI {
	api := newFakeAPI(0)
	api.profiles["target"] = &instagram.Profile{UserID: "1", Username: "target", Followers: 1000}
	api.profiles["big"] = &instagram.Profile{
		UserID:    "2",
		Username:  "big",
		Followers: 2000000,
		RecentPosts: []instagram.Post{
			{ID: "p1", LikeCount: 90000, CommentCount: 10000},
		},
	}
	api.profiles["hidden"] = &instagram.Profile{UserID: "3", Username: "hidden", Followers: 50, IsPrivate: true}
	api.feed = []instagram.Post{
		{ID: "f1", LikeCount: 10},
		{ID: "f2", LikeCount: 20, CommentCount: 10},
	}
	return api
}

func TestHarvestProfiles(t *testing.T) {
	api := harvestAPI()
	h := newHarness(t, api, "alice", "bob", "carol")

	result, err := h.crawler.HarvestProfiles(context.Background(),
		[]string{"target", "missing", "@big", "target", "bad name!", "hidden"})
	require.NoError(t, err)

	require.Len(t, result.Profiles, 3)
	assert.Equal(t, "target", result.Profiles[0].Username)
	assert.Equal(t, "big", result.Profiles[1].Username)
	assert.Equal(t, "hidden", result.Profiles[2].Username)

	target := result.Profiles[0]
	require.NotNil(t, target.EngagementRate)
	assert.Equal(t, 2.0, *target.EngagementRate)
	assert.Len(t, target.RecentPosts, 2)

	big := result.Profiles[1]
	require.NotNil(t, big.EngagementRate)
	assert.Equal(t, 5.0, *big.EngagementRate)

	hidden := result.Profiles[2]
	require.NotNil(t, hidden.EngagementRate)
	assert.Equal(t, 0.0, *hidden.EngagementRate)

	// only the public profile without posts hits the feed
	assert.Equal(t, 1, api.feedCalls)

	require.Len(t, result.Failed, 2)
	assert.Contains(t, result.Failed["missing"], "not_found")
	assert.Equal(t, ErrInvalidTarget.Error(), result.Failed["bad name!"])
}

type countingLimiter struct {
	mu    sync.Mutex
	waits int
}

func (l *countingLimiter) Allow() bool { return true }
func (l *countingLimiter) Reset()      {}

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	l.waits++
	l.mu.Unlock()
	return ctx.Err()
}

func TestHarvestProfilesWaitsOncePerLookup(t *testing.T) {
	api := harvestAPI()
	h := newHarness(t, api, "alice", "bob")
	lim := &countingLimiter{}
	c := New(h.pool, api, h.sessions, lim, testOptions(h.dir), h.log)
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	result, err := c.HarvestProfiles(context.Background(), []string{"big", "hidden"})
	require.NoError(t, err)
	require.Len(t, result.Profiles, 2)

	assert.Equal(t, 2, api.profileCalls)
	assert.Equal(t, 0, api.feedCalls)
	assert.Equal(t, api.profileCalls, lim.waits)
}

func TestHarvestProfilesTruncatesPosts(t *testing.T) {
	api := harvestAPI()
	h := newHarness(t, api, "alice")
	opts := testOptions(h.dir)
	opts.MaxUserPosts = 1
	c := h.build(opts)

	result, err := c.HarvestProfiles(context.Background(), []string{"target"})
	require.NoError(t, err)
	require.Len(t, result.Profiles, 1)
	assert.Len(t, result.Profiles[0].RecentPosts, 1)
	assert.Equal(t, 1.0, *result.Profiles[0].EngagementRate)
}

func TestHarvestProfilesEdgeCases(t *testing.T) {
	empty := newHarness(t, harvestAPI())
	_, err := empty.crawler.HarvestProfiles(context.Background(), []string{"target"})
	assert.ErrorIs(t, err, ErrNoAccounts)

	h := newHarness(t, harvestAPI(), "alice")
	result, err := h.crawler.HarvestProfiles(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Profiles)
	assert.Empty(t, result.Failed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err = h.crawler.HarvestProfiles(ctx, []string{"target", "big"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, result.Failed, 2)
}
