// Package ratelimit provides the global request limiters shared by every
// account in the pool. Per-account pacing lives in the crawler.
package ratelimit
