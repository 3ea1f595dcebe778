package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"igcrawler/pkg/instagram"
	"igcrawler/pkg/logger"
	"igcrawler/pkg/models"
)

// Supported SQL drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS crawls (
		id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		target_user_id TEXT,
		total_collected INTEGER NOT NULL,
		requests INTEGER NOT NULL,
		accounts_used TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS followers (
		target TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL,
		full_name TEXT,
		profile_pic_url TEXT,
		is_verified BOOLEAN NOT NULL DEFAULT FALSE,
		is_private BOOLEAN NOT NULL DEFAULT FALSE,
		follower_count INTEGER NOT NULL DEFAULT 0,
		collected_by TEXT,
		collected_at TIMESTAMP NOT NULL,
		crawl_id TEXT,
		PRIMARY KEY (target, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_followers_crawl ON followers (crawl_id)`,
	`CREATE TABLE IF NOT EXISTS profiles (
		username TEXT PRIMARY KEY,
		user_id TEXT,
		full_name TEXT,
		biography TEXT,
		is_verified BOOLEAN NOT NULL DEFAULT FALSE,
		is_private BOOLEAN NOT NULL DEFAULT FALSE,
		followers INTEGER NOT NULL DEFAULT 0,
		following INTEGER NOT NULL DEFAULT 0,
		posts INTEGER NOT NULL DEFAULT 0,
		profile_pic_url TEXT,
		category TEXT,
		engagement_rate DOUBLE PRECISION,
		updated_at TIMESTAMP NOT NULL
	)`,
}

// SQLStore mirrors crawl results into SQLite or PostgreSQL
type SQLStore struct {
	db     *sql.DB
	driver string
	logger logger.Logger
}

// OpenSQL opens and pings the database. driver is "sqlite" or "postgres".
func OpenSQL(ctx context.Context, driver, dsn string, log logger.Logger) (*SQLStore, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("storage dsn is required for driver %s", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// one writer at a time avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &SQLStore{db: db, driver: driver, logger: log.WithField("component", "sql_store")}, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind turns ? placeholders into $n for PostgreSQL
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Migrate creates the tables if they do not exist
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

// SaveResult records the crawl and upserts its followers keyed by target
// and user id
func (s *SQLStore) SaveResult(ctx context.Context, result *models.CrawlResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO crawls (id, target, target_user_id, total_collected, requests, accounts_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			total_collected = excluded.total_collected,
			requests = excluded.requests,
			accounts_used = excluded.accounts_used`),
		result.ID, result.TargetUsername, result.TargetUserID, result.TotalCollected,
		result.Requests, strings.Join(result.AccountsUsed, ","), result.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert crawl: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO followers (target, user_id, username, full_name, profile_pic_url,
			is_verified, is_private, follower_count, collected_by, collected_at, crawl_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (target, user_id) DO UPDATE SET
			username = excluded.username,
			full_name = excluded.full_name,
			profile_pic_url = excluded.profile_pic_url,
			is_verified = excluded.is_verified,
			is_private = excluded.is_private,
			follower_count = excluded.follower_count,
			collected_by = excluded.collected_by,
			collected_at = excluded.collected_at,
			crawl_id = excluded.crawl_id`))
	if err != nil {
		return fmt.Errorf("failed to prepare follower upsert: %w", err)
	}
	defer stmt.Close()

	for _, f := range result.Followers {
		if _, err := stmt.ExecContext(ctx,
			result.TargetUsername, f.UserID, f.Username, f.FullName, f.ProfilePicURL,
			f.IsVerified, f.IsPrivate, f.FollowerCount, f.CollectedBy, f.CollectedAt.UTC(), result.ID,
		); err != nil {
			return fmt.Errorf("failed to upsert follower %s: %w", f.Username, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}

	s.logger.InfoWithFields("Crawl stored", map[string]interface{}{
		"crawl_id":  result.ID,
		"target":    result.TargetUsername,
		"followers": len(result.Followers),
	})
	return nil
}

// FollowersOf returns every stored follower of target ordered by username
func (s *SQLStore) FollowersOf(ctx context.Context, target string) ([]instagram.Follower, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT user_id, username, full_name, profile_pic_url, is_verified, is_private,
			follower_count, collected_by, collected_at
		FROM followers WHERE target = ? ORDER BY username`), target)
	if err != nil {
		return nil, fmt.Errorf("failed to query followers: %w", err)
	}
	defer rows.Close()

	var out []instagram.Follower
	for rows.Next() {
		var (
			f                          instagram.Follower
			fullName, pic, collectedBy sql.NullString
		)
		if err := rows.Scan(&f.UserID, &f.Username, &fullName, &pic, &f.IsVerified, &f.IsPrivate,
			&f.FollowerCount, &collectedBy, &f.CollectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan follower: %w", err)
		}
		f.FullName = fullName.String
		f.ProfilePicURL = pic.String
		f.CollectedBy = collectedBy.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountCrawls returns how many crawls of target are stored
func (s *SQLStore) CountCrawls(ctx context.Context, target string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM crawls WHERE target = ?`), target).Scan(&n)
	return n, err
}

// SaveProfiles upserts harvested profiles keyed by username
func (s *SQLStore) SaveProfiles(ctx context.Context, profiles []instagram.Profile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO profiles (username, user_id, full_name, biography, is_verified, is_private,
			followers, following, posts, profile_pic_url, category, engagement_rate, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (username) DO UPDATE SET
			user_id = excluded.user_id,
			full_name = excluded.full_name,
			biography = excluded.biography,
			is_verified = excluded.is_verified,
			is_private = excluded.is_private,
			followers = excluded.followers,
			following = excluded.following,
			posts = excluded.posts,
			profile_pic_url = excluded.profile_pic_url,
			category = excluded.category,
			engagement_rate = excluded.engagement_rate,
			updated_at = excluded.updated_at`))
	if err != nil {
		return fmt.Errorf("failed to prepare profile upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, p := range profiles {
		var rate sql.NullFloat64
		if p.EngagementRate != nil {
			rate = sql.NullFloat64{Float64: *p.EngagementRate, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			p.Username, p.UserID, p.FullName, p.Biography, p.IsVerified, p.IsPrivate,
			p.Followers, p.Following, p.Posts, p.ProfilePicURL, p.Category, rate, now,
		); err != nil {
			return fmt.Errorf("failed to upsert profile %s: %w", p.Username, err)
		}
	}

	return tx.Commit()
}

// Profile loads one stored profile
func (s *SQLStore) Profile(ctx context.Context, username string) (*instagram.Profile, error) {
	var (
		p                                    instagram.Profile
		userID, fullName, bio, pic, category sql.NullString
		rate                                 sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT username, user_id, full_name, biography, is_verified, is_private, followers, following,
			posts, profile_pic_url, category, engagement_rate
		FROM profiles WHERE username = ?`), username).Scan(
		&p.Username, &userID, &fullName, &bio, &p.IsVerified, &p.IsPrivate, &p.Followers, &p.Following,
		&p.Posts, &pic, &category, &rate)
	if err != nil {
		return nil, err
	}

	p.UserID = userID.String
	p.FullName = fullName.String
	p.Biography = bio.String
	p.ProfilePicURL = pic.String
	p.Category = category.String
	if rate.Valid {
		v := rate.Float64
		p.EngagementRate = &v
	}
	return &p, nil
}
