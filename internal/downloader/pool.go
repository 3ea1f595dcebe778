// Package downloader runs profile lookups on a fixed set of workers that
// share one rate limiter.
package downloader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"igcrawler/pkg/instagram"
	"igcrawler/pkg/logger"
	"igcrawler/pkg/ratelimit"
)

// ProfileJob represents a single profile lookup
type ProfileJob struct {
	Username string
	Index    int
}

// ProfileResult represents the result of a profile job
type ProfileResult struct {
	Job      ProfileJob
	Profile  *instagram.Profile
	Account  string
	Success  bool
	Error    error
	Duration time.Duration
}

// ProfileFetcher fetches one profile and reports which account it used
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, username string) (*instagram.Profile, string, error)
}

// WorkerPool manages concurrent profile workers
type WorkerPool struct {
	numWorkers  int
	jobQueue    chan ProfileJob
	resultQueue chan ProfileResult
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	fetcher     ProfileFetcher
	rateLimiter ratelimit.Limiter
	logger      logger.Logger

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool creates a new worker pool. Cancelling ctx stops the workers
// after their current job.
func NewWorkerPool(
	ctx context.Context,
	numWorkers int,
	fetcher ProfileFetcher,
	rateLimiter ratelimit.Limiter,
	log logger.Logger,
) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	if log == nil {
		log = logger.GetLogger()
	}
	ctx, cancel := context.WithCancel(ctx)

	return &WorkerPool{
		numWorkers:  numWorkers,
		jobQueue:    make(chan ProfileJob, numWorkers*2), // Buffer size = 2x workers
		resultQueue: make(chan ProfileResult, numWorkers),
		ctx:         ctx,
		cancel:      cancel,
		fetcher:     fetcher,
		rateLimiter: rateLimiter,
		logger:      log.WithField("component", "worker_pool"),
	}
}

// Start initializes and starts all workers
func (wp *WorkerPool) Start() {
	wp.logger.InfoWithFields("Starting worker pool", map[string]interface{}{
		"num_workers": wp.numWorkers,
	})

	for i := 0; i < wp.numWorkers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop closes the queue, waits for the workers and closes Results. It is
// safe to call more than once.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	close(wp.jobQueue)
	wp.mu.Unlock()

	wp.logger.Info("Stopping worker pool...")
	wp.wg.Wait()
	close(wp.resultQueue)
	wp.cancel()
	wp.logger.Info("Worker pool stopped")
}

// Submit adds a new job to the queue
func (wp *WorkerPool) Submit(job ProfileJob) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return fmt.Errorf("worker pool is shutting down")
	}

	select {
	case wp.jobQueue <- job:
		wp.logger.DebugWithFields("Job submitted to queue", map[string]interface{}{
			"username": job.Username,
		})
		return nil
	case <-wp.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Results returns the result channel
func (wp *WorkerPool) Results() <-chan ProfileResult {
	return wp.resultQueue
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for job := range wp.jobQueue {
		// drain without work once cancelled so Stop can return
		if wp.ctx.Err() != nil {
			continue
		}

		result := wp.processJob(job, id)

		select {
		case wp.resultQueue <- result:
		case <-wp.ctx.Done():
		}
	}

	wp.logger.DebugWithFields("Worker stopping - job queue closed", map[string]interface{}{
		"worker_id": id,
	})
}

func (wp *WorkerPool) processJob(job ProfileJob, workerID int) ProfileResult {
	start := time.Now()
	result := ProfileResult{Job: job}

	if wp.rateLimiter != nil {
		if err := wp.rateLimiter.Wait(wp.ctx); err != nil {
			result.Error = err
			result.Duration = time.Since(start)
			return result
		}
	}

	profile, account, err := wp.fetcher.FetchProfile(wp.ctx, job.Username)
	result.Account = account
	result.Duration = time.Since(start)
	if err != nil {
		result.Error = fmt.Errorf("profile %s: %w", job.Username, err)
		wp.logger.WarnWithFields("Worker failed to fetch profile", map[string]interface{}{
			"worker_id": workerID,
			"username":  job.Username,
			"account":   account,
			"error":     err.Error(),
		})
		return result
	}

	result.Profile = profile
	result.Success = true

	wp.logger.DebugWithFields("Worker completed job successfully", map[string]interface{}{
		"worker_id":   workerID,
		"username":    job.Username,
		"account":     account,
		"duration_ms": result.Duration.Milliseconds(),
	})

	return result
}

// GetQueueSize returns the current number of jobs in the queue
func (wp *WorkerPool) GetQueueSize() int {
	return len(wp.jobQueue)
}

// GetActiveWorkers returns the number of workers
func (wp *WorkerPool) GetActiveWorkers() int {
	return wp.numWorkers
}
