package main

import (
	"context"
	"fmt"

	"igcrawler/internal/secret"
	"igcrawler/pkg/accounts"
	"igcrawler/pkg/auth"
	"igcrawler/pkg/config"
	"igcrawler/pkg/crawler"
	"igcrawler/pkg/instagram"
	"igcrawler/pkg/logger"
	"igcrawler/pkg/ratelimit"
	"igcrawler/pkg/storage"
)

// app holds the components a command needs
type app struct {
	cfg      *config.Config
	log      logger.Logger
	pool     *accounts.Pool
	provider *auth.Provider
	crawler  *crawler.Crawler
	files    *storage.Manager
	db       *storage.SQLStore
}

// loadConfig merges the config file, environment and global flags, then
// initializes the global logger
func loadConfig(extra map[string]interface{}) (*config.Config, error) {
	flags := map[string]interface{}{
		"accounts-file": accountsFile,
		"log-level":     logLevel,
	}
	for k, v := range extra {
		flags[k] = v
	}

	cfg, err := config.Load(configFile, flags)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := logger.Initialize(&cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// openPool loads the account pool only
func openPool(cfg *config.Config, log logger.Logger) (*accounts.Pool, error) {
	var opts []accounts.StoreOption
	if cfg.Accounts.EncryptPasswords {
		dir, err := secret.ConfigDir()
		if err != nil {
			return nil, err
		}
		pass, err := secret.Passphrase(dir)
		if err != nil {
			return nil, err
		}
		opts = append(opts, accounts.WithPassphrase(pass))
	}

	pool, err := accounts.NewPool(accounts.NewStore(cfg.Accounts.File, opts...), accounts.OptionsFromConfig(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	return pool, nil
}

// newApp builds the full crawl stack. The SQL store is opened only when a
// driver is configured.
func newApp(ctx context.Context, cfg *config.Config, tune ...func(*crawler.Options)) (*app, error) {
	log := logger.GetLogger()

	pool, err := openPool(cfg, log)
	if err != nil {
		return nil, err
	}

	sessions, err := auth.NewManager(auth.ManagerOptions{
		CookieDir:  cfg.Accounts.CookieDir,
		UseKeyring: useKeyring,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session storage: %w", err)
	}
	provider := auth.NewProvider(sessions, auth.NewBrowserLogin(cfg.Accounts.Headless, log), log)

	pool.OnRemove(func(acc accounts.Account) { provider.Invalidate(acc.Username) })

	limiter, err := ratelimit.New(cfg.RateLimit.Algorithm, cfg.RateLimit.RequestsPerMinute)
	if err != nil {
		return nil, err
	}

	client := instagram.NewClient(instagram.OptionsFromConfig(cfg.HTTP), log)

	files, err := storage.NewManager(cfg.Crawl.OutputDir, cfg.Crawl.Formats, log)
	if err != nil {
		return nil, err
	}

	crawlOpts := crawler.OptionsFromConfig(cfg)
	for _, fn := range tune {
		fn(&crawlOpts)
	}

	a := &app{
		cfg:      cfg,
		log:      log,
		pool:     pool,
		provider: provider,
		crawler:  crawler.New(pool, client, provider, limiter, crawlOpts, log),
		files:    files,
	}

	if cfg.Storage.Driver != "" {
		db, err := storage.OpenSQL(ctx, cfg.Storage.Driver, cfg.Storage.DSN, log)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
		a.db = db
	}

	return a, nil
}

// Close flushes account state and closes the database
func (a *app) Close() {
	if err := a.pool.Flush(); err != nil {
		a.log.WithError(err).Warn("Failed to save account state")
	}
	if a.db != nil {
		a.db.Close()
	}
}
