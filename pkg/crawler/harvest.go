package crawler

import (
	"context"
	"sort"

	"igcrawler/internal/downloader"
	"igcrawler/pkg/instagram"
	"igcrawler/pkg/models"
)

// profileFetcher adapts the crawler to downloader.ProfileFetcher
type profileFetcher struct {
	c *Crawler
}

// FetchProfile looks up one profile on a rotated account and fills in its
// engagement figures. Public profiles without timeline posts fall back to
// the user feed.
func (f profileFetcher) FetchProfile(ctx context.Context, username string) (*instagram.Profile, string, error) {
	c := f.c
	var used string

	profile, err := c.resolveWith(ctx, username, "", &used)
	if err != nil {
		return nil, used, err
	}

	if len(profile.RecentPosts) == 0 && !profile.IsPrivate && c.opts.MaxUserPosts > 0 {
		if acc, sess, err := c.acquire(ctx, "", false); err == nil {
			posts, err := c.api.FetchRecentPosts(ctx, sess, acc.Proxy, profile.UserID, profile.Username, c.opts.MaxUserPosts, c.opts.FeedDelay)
			if err != nil {
				if ctx.Err() != nil {
					return nil, used, ctx.Err()
				}
				c.handleFailure(acc, err)
				c.logger.WithError(err).WithField("username", username).Debug("Feed fallback failed")
			} else {
				c.pool.Record(acc.Username, true)
				profile.RecentPosts = posts
			}
		}
	}
	if c.opts.MaxUserPosts > 0 && len(profile.RecentPosts) > c.opts.MaxUserPosts {
		profile.RecentPosts = profile.RecentPosts[:c.opts.MaxUserPosts]
	}

	profile.ApplyEngagement()
	return profile, used, nil
}

// HarvestProfiles fetches the profiles of usernames concurrently. Lookups
// that fail end up in Failed keyed by username; the rest keep input order.
func (c *Crawler) HarvestProfiles(ctx context.Context, usernames []string) (*models.HarvestResult, error) {
	result := &models.HarvestResult{
		ID:        c.newID(),
		Profiles:  []instagram.Profile{},
		Failed:    map[string]string{},
		Timestamp: c.pool.Now(),
	}

	var names []string
	seen := make(map[string]bool)
	for _, u := range usernames {
		name := instagram.SanitizeUsername(u)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if !instagram.IsValidUsername(name) {
			result.Failed[name] = ErrInvalidTarget.Error()
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return result, nil
	}
	if c.pool.Len() == 0 {
		return result, ErrNoAccounts
	}

	c.logger.InfoWithFields("Starting profile harvest", map[string]interface{}{
		"profiles": len(names),
		"workers":  c.opts.Workers,
	})

	// lookups are limited in resolveWith
	wp := downloader.NewWorkerPool(ctx, c.opts.Workers, profileFetcher{c: c}, nil, c.logger)
	wp.Start()

	go func() {
		defer wp.Stop()
		for i, name := range names {
			if err := wp.Submit(downloader.ProfileJob{Username: name, Index: i}); err != nil {
				return
			}
		}
	}()

	type indexed struct {
		index   int
		profile instagram.Profile
	}
	var collected []indexed
	done := make(map[string]bool, len(names))
	for r := range wp.Results() {
		done[r.Job.Username] = true
		if !r.Success {
			result.Failed[r.Job.Username] = r.Error.Error()
			continue
		}
		collected = append(collected, indexed{index: r.Job.Index, profile: *r.Profile})
	}

	sort.Slice(collected, func(i, j int) bool { return collected[i].index < collected[j].index })
	for _, p := range collected {
		result.Profiles = append(result.Profiles, p.profile)
	}

	if err := ctx.Err(); err != nil {
		for _, name := range names {
			if !done[name] {
				result.Failed[name] = err.Error()
			}
		}
		return result, err
	}

	c.logger.InfoWithFields("Profile harvest finished", map[string]interface{}{
		"profiles": len(result.Profiles),
		"failed":   len(result.Failed),
	})
	return result, nil
}
