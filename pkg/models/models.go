// Package models holds the result documents shared by the crawler, the file
// and SQL sinks and the HTTP API.
package models

import (
	"sort"
	"time"

	"igcrawler/pkg/instagram"
)

// CrawlResult is the outcome of one follower crawl
type CrawlResult struct {
	ID             string               `json:"id"`
	Success        bool                 `json:"success"`
	Error          string               `json:"error,omitempty"`
	TargetUsername string               `json:"target_username"`
	TargetUserID   string               `json:"target_user_id,omitempty"`
	TotalCollected int                  `json:"total_collected"`
	Followers      []instagram.Follower `json:"followers"`
	AccountsUsed   []string             `json:"accounts_used"`
	Requests       int                  `json:"requests"`
	Resumed        bool                 `json:"resumed,omitempty"`
	Timestamp      time.Time            `json:"timestamp"`
}

// Finalize truncates followers to maxCount and derives TotalCollected and
// AccountsUsed from them
func (r *CrawlResult) Finalize(maxCount int) {
	if maxCount > 0 && len(r.Followers) > maxCount {
		r.Followers = r.Followers[:maxCount]
	}
	r.TotalCollected = len(r.Followers)
	r.AccountsUsed = AccountsUsed(r.Followers)
}

// AccountsUsed returns the sorted set of collected_by values
func AccountsUsed(followers []instagram.Follower) []string {
	set := make(map[string]struct{})
	for _, f := range followers {
		if f.CollectedBy != "" {
			set[f.CollectedBy] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HarvestResult is the outcome of a profile harvest
type HarvestResult struct {
	ID        string              `json:"id"`
	Profiles  []instagram.Profile `json:"profiles"`
	Failed    map[string]string   `json:"failed,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}
