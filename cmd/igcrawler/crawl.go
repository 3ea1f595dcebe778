package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"igcrawler/pkg/crawler"
	"igcrawler/pkg/models"
	"igcrawler/pkg/ui"
)

var (
	// Crawl command flags
	maxCount     int
	outputDir    string
	workers      int
	noRotation   bool
	resumeCrawl  bool
	forceRestart bool
)

// crawlCmd represents the crawl command
var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Collect followers or profile statistics",
}

var crawlFollowersCmd = &cobra.Command{
	Use:   "followers <username>",
	Short: "Collect the followers of a profile using the account pool",
	Long: `Collect the followers of a public profile, rotating through the accounts in
the pool.

Accounts that hit their error or request thresholds rest for a while and
the crawl continues on the others. Progress is checkpointed after every
page, so an interrupted crawl can be continued with --resume.`,
	Example: `  # Collect up to 1000 followers with rotation
  igcrawler crawl followers natgeo

  # Collect 5000 followers into a custom directory
  igcrawler crawl followers natgeo --max-count 5000 --output ./data

  # Use only the first account in the pool
  igcrawler crawl followers natgeo --no-rotation

  # Continue an interrupted crawl
  igcrawler crawl followers natgeo --resume`,
	Args: cobra.ExactArgs(1),
	RunE: runCrawlFollowers,
}

var crawlProfilesCmd = &cobra.Command{
	Use:     "profiles <username>...",
	Short:   "Fetch profile statistics and engagement rates",
	Example: `  igcrawler crawl profiles natgeo nasa --workers 2`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runCrawlProfiles,
}

func init() {
	rootCmd.AddCommand(crawlCmd)
	crawlCmd.AddCommand(crawlFollowersCmd, crawlProfilesCmd)

	crawlCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "output directory (default from config)")

	crawlFollowersCmd.Flags().IntVarP(&maxCount, "max-count", "n", 0, "maximum followers to collect (default from config)")
	crawlFollowersCmd.Flags().BoolVar(&noRotation, "no-rotation", false, "use only the first account in the pool")
	crawlFollowersCmd.Flags().BoolVar(&resumeCrawl, "resume", false, "resume from the last checkpoint")
	crawlFollowersCmd.Flags().BoolVar(&forceRestart, "force-restart", false, "discard any checkpoint and start over")

	crawlProfilesCmd.Flags().IntVarP(&workers, "workers", "w", 0, "concurrent profile lookups (default from config)")
}

func crawlFlags() map[string]interface{} {
	return map[string]interface{}{
		"output":    outputDir,
		"max-count": maxCount,
		"workers":   workers,
	}
}

func runCrawlFollowers(cmd *cobra.Command, args []string) error {
	if resumeCrawl && forceRestart {
		return errors.New("--resume and --force-restart cannot be used together")
	}

	cfg, err := loadConfig(crawlFlags())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	target := args[0]
	progress := ui.NewCrawlProgress(target, cfg.Crawl.MaxCount, verbose)

	a, err := newApp(ctx, cfg, func(o *crawler.Options) {
		o.OnProgress = func(p crawler.Progress) {
			progress.Update(p.Account, p.Collected, p.Requests)
		}
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.pool.Len() == 0 {
		return errors.New("no accounts in the pool, add one with 'igcrawler accounts add'")
	}

	ui.PrintInfo("Target", target)
	ui.PrintInfo("Accounts", fmt.Sprintf("%d", a.pool.Len()))

	notifier := ui.NewNotifier(notifications)
	result, err := a.crawler.Crawl(ctx, crawler.Request{
		Target:       target,
		MaxCount:     cfg.Crawl.MaxCount,
		UseRotation:  cfg.Crawl.UseRotation && !noRotation,
		Resume:       resumeCrawl,
		ForceRestart: forceRestart,
	})
	if result != nil {
		progress.Complete(result.TotalCollected)
		saveCrawl(ctx, a, result)
	}
	if err != nil {
		notifier.CrawlFailed(target, err)
		if errors.Is(err, context.Canceled) && result != nil && result.TotalCollected > 0 {
			ui.PrintWarning("Interrupted, continue with --resume")
		}
		return err
	}

	notifier.CrawlFinished(target, result.TotalCollected, result.AccountsUsed)
	return nil
}

func saveCrawl(ctx context.Context, a *app, result *models.CrawlResult) {
	if result.TotalCollected == 0 {
		return
	}

	paths, err := a.files.SaveResult(result)
	if err != nil {
		ui.PrintError("Failed to save results", err.Error())
	}
	for _, p := range paths {
		ui.PrintInfo("Saved", p)
	}

	if a.db != nil {
		// the caller's ctx may already be cancelled on interrupt
		if err := a.db.SaveResult(context.WithoutCancel(ctx), result); err != nil {
			ui.PrintError("Failed to store results", err.Error())
		}
	}
}

func runCrawlProfiles(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(crawlFlags())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.crawler.HarvestProfiles(ctx, args)
	if err != nil {
		return err
	}

	for _, p := range result.Profiles {
		engagement := "n/a"
		if p.EngagementRate != nil {
			engagement = fmt.Sprintf("%.2f%%", *p.EngagementRate)
		}
		fmt.Printf("  %-24s followers: %-10d engagement: %s\n",
			p.Username, p.Followers, engagement)
	}

	failed := make([]string, 0, len(result.Failed))
	for name := range result.Failed {
		failed = append(failed, name)
	}
	sort.Strings(failed)
	for _, name := range failed {
		ui.PrintWarning(fmt.Sprintf("%s: %s", name, result.Failed[name]))
	}

	if len(result.Profiles) > 0 {
		paths, err := a.files.SaveProfiles("profiles", result.Profiles)
		if err != nil {
			return fmt.Errorf("failed to save profiles: %w", err)
		}
		for _, p := range paths {
			ui.PrintInfo("Saved", p)
		}
		if a.db != nil {
			if err := a.db.SaveProfiles(ctx, result.Profiles); err != nil {
				ui.PrintError("Failed to store profiles", err.Error())
			}
		}
	}

	if len(result.Failed) > 0 && len(result.Profiles) == 0 {
		return errors.New("no profiles could be fetched")
	}
	return nil
}
