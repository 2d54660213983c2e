package main

import (
  "fmt"
  "os"

  "github.com/spf13/cobra"
  "github.com/spf13/viper"

  "github.com/fmaass/telegram-files/internal/app"
  "github.com/fmaass/telegram-files/internal/config"
)

var (
  cfgFile string
  verbose bool
  rootCmd = &cobra.Command{
    Use:   "tgfiles",
    Short: "Automated media downloads for Telegram chats",
    Long: `tgfiles discovers media in the history of Telegram chats, queues it
for download and keeps a bounded number of transfers running per account.

Features:
  • Per-chat automations with filter rules and history cutoffs
  • Budgeted history discovery that resumes where it stopped
  • Daily download window and per-account concurrency limit
  • Manual batch downloads drained in fixed-size batches
  • Prometheus metrics and operator notifications`,
    Version:      "0.4.0",
    SilenceUsage: true,
  }
)

// Execute runs the root command
func Execute() error {
  return rootCmd.Execute()
}

func init() {
  cobra.OnInitialize(initConfig)

  // Global flags
  rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
    "config file (default is $HOME/.tgfiles/config.yaml)")
  rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
    "verbose output")

  // Bind flags to viper
  viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

  // Add commands
  rootCmd.AddCommand(initCmd)
  rootCmd.AddCommand(configCmd)
  rootCmd.AddCommand(serveCmd)
  rootCmd.AddCommand(runOnceCmd)
  rootCmd.AddCommand(automationCmd)
  rootCmd.AddCommand(settingsCmd)
  rootCmd.AddCommand(downloadCmd)
  rootCmd.AddCommand(statsCmd)

  // Enable shell completion
  rootCmd.CompletionOptions.DisableDefaultCmd = false
}

func initConfig() {
  if _, err := config.Load(cfgFile); err != nil {
    fmt.Fprintln(os.Stderr, "Invalid configuration:", err)
    os.Exit(1)
  }

  if verbose && viper.ConfigFileUsed() != "" {
    fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
  }
}

// openApp initializes the engine for a one-shot command. Logs below warn
// are dropped unless --verbose is set.
func openApp() (*app.App, error) {
  cfg, err := config.Load(cfgFile)
  if err != nil {
    return nil, err
  }

  if !verbose {
    cfg.Log.Level = "warn"
  } else {
    cfg.Log.Level = "debug"
    cfg.Log.Format = "pretty"
  }
  if cfg.Log.Output == "stdout" {
    cfg.Log.Output = "stderr"
  }

  application, err := app.New(app.WithConfig(cfg))
  if err != nil {
    return nil, fmt.Errorf("failed to create application: %w", err)
  }
  if err := application.Initialize(); err != nil {
    return nil, fmt.Errorf("failed to initialize application: %w", err)
  }
  return application, nil
}
