// Package server exposes account management and crawling over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"igcrawler/pkg/accounts"
	"igcrawler/pkg/config"
	"igcrawler/pkg/crawler"
	"igcrawler/pkg/logger"
	"igcrawler/pkg/models"
	"igcrawler/pkg/storage"
)

// ServiceName is reported by the health endpoint
const ServiceName = "multi_account_follower_crawler"

// Crawler runs follower crawls and profile harvests
type Crawler interface {
	Crawl(ctx context.Context, req crawler.Request) (*models.CrawlResult, error)
	HarvestProfiles(ctx context.Context, usernames []string) (*models.HarvestResult, error)
}

// Server is the HTTP API
type Server struct {
	pool    *accounts.Pool
	crawler Crawler
	files   *storage.Manager
	db      *storage.SQLStore
	cfg     config.ServerConfig
	crawl   config.CrawlConfig
	logger  logger.Logger
}

// Option configures a Server
type Option func(*Server)

// WithFiles saves every result through m
func WithFiles(m *storage.Manager) Option {
	return func(s *Server) { s.files = m }
}

// WithSQL also stores results in db
func WithSQL(db *storage.SQLStore) Option {
	return func(s *Server) { s.db = db }
}

// New creates the API server
func New(pool *accounts.Pool, c Crawler, cfg *config.Config, log logger.Logger, opts ...Option) *Server {
	if log == nil {
		log = logger.GetLogger()
	}
	s := &Server{
		pool:    pool,
		crawler: c,
		cfg:     cfg.Server,
		crawl:   cfg.Crawl,
		logger:  log.WithField("component", "server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the route table without middleware
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/accounts/add", s.addAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts/list", s.listAccounts).Methods(http.MethodGet)
	api.HandleFunc("/accounts/status", s.accountStatus).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{username}", s.removeAccount).Methods(http.MethodDelete)
	api.HandleFunc("/followers/crawl", s.crawlFollowers).Methods(http.MethodPost)
	api.HandleFunc("/profiles/harvest", s.harvestProfiles).Methods(http.MethodPost)

	return r
}

// Handler wraps the router with rate limiting and CORS
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.Router()

	if s.cfg.RequestsPerSecond > 0 {
		lmt := tollbooth.NewLimiter(s.cfg.RequestsPerSecond, nil)
		lmt.SetMessage(`{"success":false,"error":"too many requests"}`)
		lmt.SetMessageContentType("application/json")
		h = tollbooth.LimitHandler(lmt, h)
	}

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(h)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.cfg.Addr).Info("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if r.URL.Path == "/health" {
			return
		}
		logger.LogRequest(s.logger, r.Method, r.URL.Path, "", rec.status, time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": ServiceName,
	})
}
