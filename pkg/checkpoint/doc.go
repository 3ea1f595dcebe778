// Package checkpoint persists the progress of a follower crawl so an
// interrupted run can pick up at the last max_id cursor instead of starting
// over. Each target gets one JSON file, replaced atomically on every save.
package checkpoint
