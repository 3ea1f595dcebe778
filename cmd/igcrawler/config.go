package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"igcrawler/pkg/config"
	"igcrawler/pkg/ui"
)

var forceInit bool

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create, show and validate configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file with the default values",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration for errors",
	Args:  cobra.NoArgs,
	RunE:  runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd)

	configInitCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "overwrite an existing file")
}

const configHeader = `# igcrawler configuration
#
# Every value can also be set through environment variables prefixed with
# IGCRAWLER_, for example IGCRAWLER_MAX_COUNT or IGCRAWLER_STORAGE_DSN.
# Durations use Go syntax: 30s, 5m, 1h.

`

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := ".igcrawler.yaml"
	if len(args) == 1 {
		path = args[0]
	} else if configFile != "" {
		path = configFile
	}

	if _, err := os.Stat(path); err == nil && !forceInit {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	data, err := yaml.Marshal(config.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to format configuration: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, append([]byte(configHeader), data...), 0600); err != nil {
		return fmt.Errorf("failed to create configuration file: %w", err)
	}

	ui.PrintSuccess("Configuration file created: " + path)
	fmt.Println("\nNext steps:")
	fmt.Println("1. Add accounts with 'igcrawler accounts add <username>'")
	fmt.Println("2. Run 'igcrawler config validate' to check the configuration")
	fmt.Println("3. Start crawling with 'igcrawler crawl followers <username>'")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}

	display := *cfg
	if display.Storage.DSN != "" {
		display.Storage.DSN = maskDSN(display.Storage.DSN)
	}

	data, err := yaml.Marshal(&display)
	if err != nil {
		return fmt.Errorf("failed to format configuration: %w", err)
	}

	ui.PrintHighlight("Current Configuration")
	fmt.Println()
	fmt.Print(string(data))

	fmt.Println("\nConfiguration sources (in order of priority):")
	fmt.Println("1. Command line flags")
	fmt.Println("2. Environment variables (" + config.EnvPrefix + "*)")
	if configFile != "" {
		fmt.Printf("3. Configuration file: %s\n", configFile)
	} else {
		fmt.Println("3. Configuration file: (searched in default locations)")
	}
	fmt.Println("4. Default values")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}

	var warnings []string
	if _, err := os.Stat(cfg.Accounts.File); errors.Is(err, os.ErrNotExist) {
		warnings = append(warnings, "accounts file does not exist yet: "+cfg.Accounts.File)
	}
	if cfg.Schedule.Enabled && len(cfg.Schedule.Targets) == 0 {
		warnings = append(warnings, "scheduling is enabled but no targets are configured")
	}
	if cfg.Pacing.MinDelay < config.DefaultConfig().Pacing.MinDelay {
		warnings = append(warnings, "request delays below 1s make blocks more likely")
	}

	if len(warnings) > 0 {
		ui.PrintWarning("Configuration warnings:")
		for _, w := range warnings {
			fmt.Printf("  - %s\n", w)
		}
		fmt.Println()
	}

	ui.PrintSuccess("Configuration is valid")

	fmt.Println("\nConfiguration summary:")
	fmt.Printf("  Accounts file: %s\n", cfg.Accounts.File)
	fmt.Printf("  Output directory: %s\n", cfg.Crawl.OutputDir)
	fmt.Printf("  Max count: %d\n", cfg.Crawl.MaxCount)
	fmt.Printf("  Cooldowns: %s after %d errors, %s every %d requests\n",
		cfg.Rotation.ErrorCooldown, cfg.Rotation.ErrorThreshold,
		cfg.Rotation.VolumeCooldown, cfg.Rotation.RequestThreshold)
	fmt.Printf("  Rate limit: %d requests/minute\n", cfg.RateLimit.RequestsPerMinute)
	fmt.Printf("  Log level: %s\n", cfg.Logging.Level)
	return nil
}

// maskDSN hides everything but the first few characters
func maskDSN(dsn string) string {
	if len(dsn) <= 8 {
		return "***"
	}
	return dsn[:4] + "..." + dsn[len(dsn)-4:]
}
