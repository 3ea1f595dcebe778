// Package storage persists crawl output.
//
// Manager writes each run into its own timestamped directory under the
// configured output dir, as JSON (the full result document) and CSV
// (one row per follower or profile). Files are written to a temp name and
// renamed so readers never see partial output.
//
// SQLStore optionally mirrors the same data into SQLite (modernc.org/sqlite,
// no cgo) or PostgreSQL (lib/pq). Followers are upserted by (target,
// user_id), so repeated crawls of a target refresh rows instead of
// duplicating them.
package storage
