package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"igcrawler/pkg/accounts"
	"igcrawler/pkg/auth"
	"igcrawler/pkg/checkpoint"
	"igcrawler/pkg/config"
	errs "igcrawler/pkg/errors"
	"igcrawler/pkg/instagram"
	"igcrawler/pkg/logger"
	"igcrawler/pkg/models"
	"igcrawler/pkg/ratelimit"
	"igcrawler/pkg/retry"
)

var (
	// ErrNoAccounts means the pool is empty or every account is unavailable
	// when the target has to be resolved
	ErrNoAccounts = errors.New("no available accounts")
	// ErrUserNotFound means the target profile or its id could not be found
	ErrUserNotFound = errors.New("target user not found")
	// ErrInvalidTarget means the target is not a valid Instagram username
	ErrInvalidTarget = errors.New("invalid target username")
	// ErrTooManyFailures aborts a crawl after too many failed requests in a row
	ErrTooManyFailures = errors.New("too many consecutive failures")
)

// API is the part of the Instagram client the crawler drives
type API interface {
	FetchProfile(ctx context.Context, sess *auth.Session, proxy, username string) (*instagram.Profile, error)
	FetchFollowersPage(ctx context.Context, sess *auth.Session, proxy, userID, maxID string, count int) (*instagram.FollowersPage, error)
	FetchRecentPosts(ctx context.Context, sess *auth.Session, proxy, userID, username string, max int, delay time.Duration) ([]instagram.Post, error)
}

// Sessions hands out and revokes account sessions
type Sessions interface {
	Session(ctx context.Context, acc accounts.Account) (*auth.Session, error)
	Invalidate(username string)
}

// Options tunes pacing and rotation
type Options struct {
	MaxCount        int
	PageSize        int
	SwitchEvery     int
	RequestDelay    retry.UniformJitter
	SwitchDelay     retry.UniformJitter
	UnavailableWait time.Duration
	// MaxFailures stops a crawl after this many failed page requests in a
	// row. 0 means never.
	MaxFailures  int
	Retry        *retry.Config
	Workers      int
	MaxUserPosts int
	FeedDelay    time.Duration
	// Checkpoints enables resumable crawls. CheckpointDir "" means the user
	// data directory.
	Checkpoints   bool
	CheckpointDir string
	// OnProgress is called after every collected page
	OnProgress func(Progress)
}

// Progress reports a crawl after one page
type Progress struct {
	Target    string
	Account   string
	Collected int
	MaxCount  int
	Requests  int
	Page      int
}

// DefaultOptions mirrors config.DefaultConfig
func DefaultOptions() Options {
	return OptionsFromConfig(config.DefaultConfig())
}

// OptionsFromConfig extracts crawler options from cfg
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxCount:        cfg.Crawl.MaxCount,
		PageSize:        cfg.Crawl.PageSize,
		SwitchEvery:     cfg.Rotation.SwitchEvery,
		RequestDelay:    retry.UniformJitter{Min: cfg.Pacing.MinDelay, Max: cfg.Pacing.MaxDelay},
		SwitchDelay:     retry.UniformJitter{Min: cfg.Pacing.SwitchMinDelay, Max: cfg.Pacing.SwitchMaxDelay},
		UnavailableWait: cfg.Pacing.UnavailableWait,
		MaxFailures:     100,
		Retry: &retry.Config{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Backoff: &retry.ExponentialBackoff{
				BaseDelay:    cfg.Retry.InitialBackoff,
				MaxDelay:     cfg.Retry.MaxBackoff,
				Multiplier:   cfg.Retry.Multiplier,
				JitterFactor: 0.2,
			},
		},
		Workers:      cfg.Crawl.Workers,
		MaxUserPosts: cfg.Crawl.MaxUserPosts,
		FeedDelay:    time.Second,
		Checkpoints:  true,
	}
}

// Request describes one follower crawl
type Request struct {
	Target      string `json:"target_username"`
	MaxCount    int    `json:"max_count"`
	UseRotation bool   `json:"use_rotation"`
	// Resume continues from a saved checkpoint when one exists
	Resume bool `json:"resume"`
	// ForceRestart discards any saved checkpoint first
	ForceRestart bool `json:"force_restart"`
}

// Crawler collects followers by rotating through the account pool
type Crawler struct {
	pool     *accounts.Pool
	api      API
	sessions Sessions
	limiter  ratelimit.Limiter
	opts     Options
	logger   logger.Logger

	sleep func(ctx context.Context, d time.Duration) error
	newID func() string
}

// New creates a crawler. limiter may be nil.
func New(pool *accounts.Pool, api API, sessions Sessions, limiter ratelimit.Limiter, opts Options, log logger.Logger) *Crawler {
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.PageSize <= 0 || opts.PageSize > instagram.MaxFollowersPage {
		opts.PageSize = instagram.MaxFollowersPage
	}
	if opts.SwitchEvery <= 0 {
		opts.SwitchEvery = 30
	}
	if opts.MaxCount <= 0 {
		opts.MaxCount = 1000
	}
	if opts.UnavailableWait <= 0 {
		opts.UnavailableWait = time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Retry == nil {
		opts.Retry = retry.DefaultConfig()
	}

	c := &Crawler{
		pool:     pool,
		api:      api,
		sessions: sessions,
		limiter:  limiter,
		opts:     opts,
		logger:   log.WithField("component", "crawler"),
		sleep:    retry.Wait,
		newID:    uuid.NewString,
	}

	retryCfg := *opts.Retry
	retryCfg.RetryIf = retryableLookup
	retryCfg.Logger = c.logger
	c.opts.Retry = &retryCfg
	return c
}

// retryableLookup retries lookups that another account or a later attempt
// might get through: network, rate limit, server, auth and challenge errors
func retryableLookup(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrNoAccounts) {
		return false
	}
	switch errs.TypeOf(err) {
	case errs.ErrorTypeNotFound, errs.ErrorTypeParsing:
		return false
	}
	return true
}

// acquire returns a usable account and its session. With wait set it
// blocks until an account leaves cooldown; otherwise it fails with
// ErrNoAccounts. pinned restricts the choice to one account.
func (c *Crawler) acquire(ctx context.Context, pinned string, wait bool) (accounts.Account, *auth.Session, error) {
	for {
		if err := ctx.Err(); err != nil {
			return accounts.Account{}, nil, err
		}

		var (
			acc accounts.Account
			ok  bool
		)
		if pinned != "" {
			if c.pool.IsAvailable(pinned) {
				acc, ok = c.pool.Get(pinned)
			}
		} else {
			acc, ok = c.pool.Select()
		}

		if !ok {
			if !wait {
				return accounts.Account{}, nil, ErrNoAccounts
			}
			d := c.opts.UnavailableWait
			if next, found := c.pool.NextAvailableAt(); found {
				if until := next.Sub(c.pool.Now()); until > 0 && until < d {
					d = until
				}
			}
			c.logger.WarnWithFields("No available accounts, waiting", map[string]interface{}{
				"wait_ms": d.Milliseconds(),
			})
			if err := c.sleep(ctx, d); err != nil {
				return accounts.Account{}, nil, err
			}
			continue
		}

		sess, err := c.sessions.Session(ctx, acc)
		if err != nil {
			if ctx.Err() != nil {
				return accounts.Account{}, nil, ctx.Err()
			}
			c.logger.WithError(err).WithField("account", acc.Username).Warn("Could not obtain session")
			c.pool.Record(acc.Username, false)
			continue
		}
		return acc, sess, nil
	}
}

// handleFailure books a failed request and reacts to its type
func (c *Crawler) handleFailure(acc accounts.Account, err error) {
	switch errs.TypeOf(err) {
	case errs.ErrorTypeAuth:
		c.sessions.Invalidate(acc.Username)
	case errs.ErrorTypeChallenge:
		c.sessions.Invalidate(acc.Username)
		c.pool.Cooldown(acc.Username, c.pool.Options().ErrorCooldown)
	}
	c.pool.Record(acc.Username, false)
}

// resolve looks up the target's user id with retries across accounts
func (c *Crawler) resolve(ctx context.Context, target, pinned string) (*instagram.Profile, error) {
	return c.resolveWith(ctx, target, pinned, nil)
}

// resolveWith is resolve that also reports the account of the last attempt
func (c *Crawler) resolveWith(ctx context.Context, target, pinned string, used *string) (*instagram.Profile, error) {
	return retry.DoWithResult(ctx, func(ctx context.Context) (*instagram.Profile, error) {
		acc, sess, err := c.acquire(ctx, pinned, false)
		if err != nil {
			return nil, err
		}
		if used != nil {
			*used = acc.Username
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		profile, err := c.api.FetchProfile(ctx, sess, acc.Proxy, target)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errs.Is(err, errs.ErrorTypeNotFound) {
				c.pool.Record(acc.Username, true)
			} else {
				c.handleFailure(acc, err)
			}
			return nil, err
		}
		c.pool.Record(acc.Username, true)
		return profile, nil
	}, c.opts.Retry)
}

// Crawl collects up to req.MaxCount followers of req.Target. On failure it
// returns the partial result alongside the error.
func (c *Crawler) Crawl(ctx context.Context, req Request) (*models.CrawlResult, error) {
	target := instagram.SanitizeUsername(req.Target)
	maxCount := req.MaxCount
	if maxCount <= 0 {
		maxCount = c.opts.MaxCount
	}

	result := &models.CrawlResult{
		ID:             c.newID(),
		TargetUsername: target,
		Followers:      []instagram.Follower{},
		AccountsUsed:   []string{},
		Timestamp:      c.pool.Now(),
	}
	fail := func(err error) (*models.CrawlResult, error) {
		result.Success = false
		result.Error = err.Error()
		return result, err
	}

	if !instagram.IsValidUsername(target) {
		return fail(fmt.Errorf("%w: %q", ErrInvalidTarget, req.Target))
	}
	if c.pool.Len() == 0 {
		return fail(ErrNoAccounts)
	}

	pinned := ""
	if !req.UseRotation {
		first, _ := c.pool.First()
		pinned = first.Username
	}

	log := c.logger.WithFields(map[string]interface{}{
		"target":    target,
		"max_count": maxCount,
		"rotation":  req.UseRotation,
		"crawl_id":  result.ID,
	})
	log.Info("Starting follower crawl")

	mgr, cp := c.openCheckpoint(target, req, log)
	if cp != nil {
		result.Resumed = true
	}

	if cp == nil || cp.TargetUserID == "" {
		profile, err := c.resolve(ctx, target, pinned)
		if err != nil {
			if errs.Is(err, errs.ErrorTypeNotFound) {
				return fail(fmt.Errorf("%w: %s", ErrUserNotFound, target))
			}
			return fail(err)
		}
		cp = c.newCheckpoint(mgr, target, profile.UserID, maxCount, log)
	}
	result.TargetUserID = cp.TargetUserID

	done := result.Resumed && cp.NextMaxID == "" && cp.LastProcessedPage > 0
	requests := cp.Requests
	lastSwitch := requests
	failures := 0

	for !done && len(cp.Followers) < maxCount {
		switched := false
		if requests > 0 && requests%c.opts.SwitchEvery == 0 && requests != lastSwitch {
			lastSwitch = requests
			switched = true
			if err := c.sleep(ctx, c.opts.SwitchDelay.Sample()); err != nil {
				return c.abort(result, cp, requests, err)
			}
		}

		acc, sess, err := c.acquire(ctx, pinned, true)
		if err != nil {
			return c.abort(result, cp, requests, err)
		}
		if switched {
			logger.LogRotation(log, target, acc.Username, requests)
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return c.abort(result, cp, requests, err)
			}
		}

		count := maxCount - len(cp.Followers)
		if count > c.opts.PageSize {
			count = c.opts.PageSize
		}

		page, err := c.api.FetchFollowersPage(ctx, sess, acc.Proxy, cp.TargetUserID, cp.NextMaxID, count)
		if err != nil {
			if ctx.Err() != nil {
				return c.abort(result, cp, requests, ctx.Err())
			}
			log.WithError(err).WithField("account", acc.Username).Warn("Follower page request failed")
			c.handleFailure(acc, err)

			failures++
			if c.opts.MaxFailures > 0 && failures >= c.opts.MaxFailures {
				return c.abort(result, cp, requests, fmt.Errorf("%w: last error: %v", ErrTooManyFailures, err))
			}
			continue
		}
		failures = 0

		now := c.pool.Now()
		batch := make([]instagram.Follower, 0, len(page.Users))
		for _, u := range page.Users {
			batch = append(batch, u.ToFollower(acc.Username, now))
		}
		added := cp.RecordFollowers(batch)

		requests++
		cp.Requests = requests
		c.pool.Record(acc.Username, true)
		c.saveProgress(mgr, cp, page.NextMaxID, log)

		log.DebugWithFields("Follower page collected", map[string]interface{}{
			"account": acc.Username,
			"users":   len(page.Users),
			"new":     added,
		})
		logger.LogCrawlProgress(log, target, len(cp.Followers), maxCount)
		if c.opts.OnProgress != nil {
			c.opts.OnProgress(Progress{
				Target:    target,
				Account:   acc.Username,
				Collected: len(cp.Followers),
				MaxCount:  maxCount,
				Requests:  requests,
				Page:      cp.LastProcessedPage,
			})
		}

		if page.NextMaxID == "" || len(page.Users) == 0 || len(cp.Followers) >= maxCount {
			break
		}

		if err := c.sleep(ctx, c.opts.RequestDelay.Sample()); err != nil {
			return c.abort(result, cp, requests, err)
		}
	}

	result.Followers = cp.Followers
	result.Requests = requests
	result.Success = true
	result.Finalize(maxCount)

	if mgr != nil {
		if err := mgr.Delete(); err != nil {
			log.WithError(err).Warn("Failed to delete checkpoint")
		}
	}

	log.InfoWithFields("Follower crawl finished", map[string]interface{}{
		"collected":     result.TotalCollected,
		"requests":      result.Requests,
		"accounts_used": result.AccountsUsed,
	})
	return result, nil
}

// abort fills result with what was collected so far. The checkpoint stays
// on disk for a later resume.
func (c *Crawler) abort(result *models.CrawlResult, cp *checkpoint.Checkpoint, requests int, err error) (*models.CrawlResult, error) {
	result.Followers = cp.Followers
	result.Requests = requests
	result.Finalize(0)
	result.Success = false
	result.Error = err.Error()

	c.logger.WithError(err).WithFields(map[string]interface{}{
		"target":    result.TargetUsername,
		"collected": result.TotalCollected,
	}).Warn("Follower crawl stopped early")
	return result, err
}

func (c *Crawler) openCheckpoint(target string, req Request, log logger.Logger) (*checkpoint.Manager, *checkpoint.Checkpoint) {
	if !c.opts.Checkpoints {
		return nil, nil
	}

	var (
		mgr *checkpoint.Manager
		err error
	)
	if c.opts.CheckpointDir != "" {
		mgr, err = checkpoint.NewManagerIn(c.opts.CheckpointDir, target)
	} else {
		mgr, err = checkpoint.NewManager(target)
	}
	if err != nil {
		log.WithError(err).Warn("Checkpoints disabled")
		return nil, nil
	}

	if req.ForceRestart {
		if err := mgr.Delete(); err != nil {
			log.WithError(err).Warn("Failed to discard checkpoint")
		}
		return mgr, nil
	}
	if !req.Resume {
		return mgr, nil
	}

	cp, err := mgr.Load()
	if err != nil {
		log.WithError(err).Warn("Ignoring unreadable checkpoint")
		return mgr, nil
	}
	if cp != nil {
		log.InfoWithFields("Resuming from checkpoint", map[string]interface{}{
			"collected":   len(cp.Followers),
			"next_max_id": cp.NextMaxID,
		})
	}
	return mgr, cp
}

func (c *Crawler) newCheckpoint(mgr *checkpoint.Manager, target, userID string, maxCount int, log logger.Logger) *checkpoint.Checkpoint {
	if mgr != nil {
		cp, err := mgr.Create(target, userID, maxCount)
		if err == nil {
			return cp
		}
		log.WithError(err).Warn("Failed to create checkpoint")
	}
	return &checkpoint.Checkpoint{Target: target, TargetUserID: userID, MaxCount: maxCount}
}

func (c *Crawler) saveProgress(mgr *checkpoint.Manager, cp *checkpoint.Checkpoint, nextMaxID string, log logger.Logger) {
	page := cp.LastProcessedPage + 1
	if mgr == nil {
		cp.NextMaxID = nextMaxID
		cp.LastProcessedPage = page
		return
	}
	if err := mgr.UpdateProgress(cp, nextMaxID, page); err != nil {
		log.WithError(err).Warn("Failed to save checkpoint")
	}
}
