// Package scheduler re-crawls a fixed list of targets on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"igcrawler/pkg/config"
	"igcrawler/pkg/crawler"
	"igcrawler/pkg/logger"
	"igcrawler/pkg/models"
	"igcrawler/pkg/storage"
)

// Crawler runs one follower crawl
type Crawler interface {
	Crawl(ctx context.Context, req crawler.Request) (*models.CrawlResult, error)
}

// Scheduler owns the cron runner
type Scheduler struct {
	cron        *cron.Cron
	crawler     Crawler
	files       *storage.Manager
	db          *storage.SQLStore
	spec        string
	targets     []string
	maxCount    int
	useRotation bool
	logger      logger.Logger

	mu      sync.Mutex
	ctx     context.Context
	started bool
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithFiles saves every result through m
func WithFiles(m *storage.Manager) Option {
	return func(s *Scheduler) { s.files = m }
}

// WithSQL also stores results in db
func WithSQL(db *storage.SQLStore) Option {
	return func(s *Scheduler) { s.db = db }
}

// New builds a scheduler from cfg.Schedule. Specs take a leading seconds
// field.
func New(c Crawler, cfg *config.Config, log logger.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = logger.GetLogger()
	}
	log = log.WithField("component", "scheduler")

	maxCount := cfg.Schedule.MaxCount
	if maxCount <= 0 {
		maxCount = cfg.Crawl.MaxCount
	}

	cl := cronLogger{log}
	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		crawler:     c,
		spec:        cfg.Schedule.Spec,
		targets:     append([]string(nil), cfg.Schedule.Targets...),
		maxCount:    maxCount,
		useRotation: cfg.Crawl.UseRotation,
		logger:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the crawl job and starts the cron runner. Jobs run with
// ctx and stop early when it is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("scheduler already started")
	}
	if len(s.targets) == 0 {
		return errors.New("no scheduled targets configured")
	}

	s.ctx = ctx
	if _, err := s.cron.AddFunc(s.spec, s.run); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.spec, err)
	}
	s.cron.Start()
	s.started = true

	s.logger.InfoWithFields("Scheduler started", map[string]interface{}{
		"spec":    s.spec,
		"targets": s.targets,
	})
	return nil
}

// Stop halts the runner and waits for a running job to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	if !started {
		return
	}
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) run() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.WithError(err).Warn("Scheduled crawl finished with errors")
	}
}

// RunOnce crawls every target in turn and saves the results. Failures of
// single targets are joined into the returned error.
func (s *Scheduler) RunOnce(ctx context.Context) ([]*models.CrawlResult, error) {
	var (
		results []*models.CrawlResult
		errs    []error
	)
	for _, target := range s.targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		result, err := s.crawler.Crawl(ctx, crawler.Request{
			Target:      target,
			MaxCount:    s.maxCount,
			UseRotation: s.useRotation,
			Resume:      true,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
		}
		if result == nil || result.TotalCollected == 0 {
			continue
		}

		s.save(ctx, result)
		results = append(results, result)
	}
	return results, errors.Join(errs...)
}

func (s *Scheduler) save(ctx context.Context, result *models.CrawlResult) {
	if s.files != nil {
		if _, err := s.files.SaveResult(result); err != nil {
			s.logger.WithError(err).Error("Failed to write scheduled result")
		}
	}
	if s.db != nil {
		if err := s.db.SaveResult(ctx, result); err != nil {
			s.logger.WithError(err).Error("Failed to store scheduled result")
		}
	}
}

// cronLogger feeds cron's key/value logging into the structured logger
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) fields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.DebugWithFields(msg, l.fields(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).ErrorWithFields(msg, l.fields(keysAndValues))
}
