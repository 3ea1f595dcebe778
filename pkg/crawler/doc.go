// Package crawler collects the followers of an Instagram account by rotating
// requests across a pool of logged-in accounts.
//
// Each follower page is fetched with the next available account in
// round-robin order. Accounts that fail repeatedly or make too many requests
// are benched by the pool for a while; the crawler waits for one to come
// back when the whole pool is resting. Progress is checkpointed after every
// page so an interrupted crawl can resume from the last cursor.
//
// HarvestProfiles looks up many profiles concurrently on the same pool and
// computes their engagement rate.
package crawler
