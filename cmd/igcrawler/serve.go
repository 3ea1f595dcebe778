package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"igcrawler/internal/scheduler"
	"igcrawler/internal/server"
	"igcrawler/internal/watcher"
	"igcrawler/pkg/logger"
	"igcrawler/pkg/ui"
)

var (
	serveAddr     string
	serveSchedule bool
	noWatch       bool
	storageDriver string
	storageDSN    string
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API for managing accounts and starting crawls.

With --schedule (or schedule.enabled in the config file) the configured
targets are also crawled on a cron schedule. Edits to the accounts file
are picked up without a restart.`,
	Example: `  igcrawler serve --addr :8002
  igcrawler serve --schedule --storage-driver sqlite --storage-dsn crawls.db`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	serveCmd.Flags().BoolVar(&serveSchedule, "schedule", false, "run scheduled crawls")
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the accounts file on change")
	serveCmd.Flags().StringVar(&storageDriver, "storage-driver", "", "store results in sqlite or postgres")
	serveCmd.Flags().StringVar(&storageDSN, "storage-dsn", "", "database connection string")
}

func runServe(cmd *cobra.Command, args []string) error {
	// the server logs every request
	if !cmd.Flags().Changed("log-level") && !quiet {
		logLevel = "info"
	}

	cfg, err := loadConfig(map[string]interface{}{
		"addr":           serveAddr,
		"storage-driver": storageDriver,
		"storage-dsn":    storageDSN,
	})
	if err != nil {
		return err
	}
	if serveSchedule {
		cfg.Schedule.Enabled = true
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	log := logger.GetLogger()
	ui.PrintInfo("Listening", cfg.Server.Addr)
	ui.PrintInfo("Accounts", cfg.Accounts.File)

	srv := server.New(a.pool, a.crawler, cfg, log, server.WithFiles(a.files), server.WithSQL(a.db))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})

	if !noWatch {
		w := watcher.New(cfg.Accounts.File, a.pool, 0, log)
		if err := w.Start(ctx); err != nil {
			log.WithError(err).Warn("Account file watching disabled")
		} else {
			g.Go(func() error {
				<-ctx.Done()
				w.Stop()
				return nil
			})
		}
	}

	if cfg.Schedule.Enabled {
		sched := scheduler.New(a.crawler, cfg, log, scheduler.WithFiles(a.files), scheduler.WithSQL(a.db))
		if err := sched.Start(ctx); err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		ui.PrintInfo("Schedule", cfg.Schedule.Spec)
		g.Go(func() error {
			<-ctx.Done()
			sched.Stop()
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	ui.PrintSuccess("Server stopped")
	return nil
}
