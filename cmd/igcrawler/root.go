package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"igcrawler/pkg/ui"
)

var (
	// Version information
	version   = "1.0.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile    string
	accountsFile  string
	logLevel      string
	noColor       bool
	notifications bool
	quiet         bool
	verbose       bool
	useKeyring    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "igcrawler",
	Short: "Collect Instagram followers by rotating through a pool of accounts",
	Long: `igcrawler collects the followers of an Instagram profile using several
logged-in accounts in turn, so no single account hits Instagram's limits.

Features:
  - Round-robin account rotation with automatic cooldowns
  - Randomized pacing between requests and account switches
  - Resumable crawls backed by checkpoints
  - JSON and CSV output, with optional SQLite or PostgreSQL storage
  - HTTP API and scheduled crawls via 'igcrawler serve'`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.SetNoColor(noColor)

		// Keep the terminal for progress unless logs were asked for
		if quiet || (!verbose && !cmd.Flags().Changed("log-level")) {
			logLevel = "error"
		}
		if quiet {
			ui.SetQuietMode(true)
		}

		if cmd.Name() != "version" && cmd.Name() != "help" && !quiet {
			ui.PrintBanner()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		ui.PrintError("Error", err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is $HOME/.igcrawler.yaml)")
	rootCmd.PersistentFlags().StringVar(&accountsFile, "accounts-file", "", "account pool file (default from config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVar(&notifications, "notifications", false, "enable desktop notifications")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "show logs alongside progress")
	rootCmd.PersistentFlags().BoolVar(&useKeyring, "keyring", false, "store sessions in the system keychain")

	rootCmd.SetVersionTemplate(`igcrawler {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
