package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fmaass/telegram-files/internal/app"
	"github.com/fmaass/telegram-files/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download engine",
	Long: `Run the scheduler until interrupted.

The engine advances history discovery for every enabled automation, keeps
the per-account download limit filled inside the download window, queues
files posted to automated chats and drains manual batches. Prometheus
metrics and a health check are served on metrics.listen.`,
	Example: `  # Run with the configured replay source
  tgfiles serve

  # Run against a recorded chat history
  tgfiles serve --replay ~/recordings/channel.json

  # Serve metrics on all interfaces
  tgfiles serve --listen 0.0.0.0:9464`,
	RunE: runServe,
}

var (
	replayFile    string
	metricsListen string
	noMetrics     bool
)

func init() {
	serveCmd.Flags().StringVar(&replayFile, "replay", "",
		"Replay file used as the remote content source")
	serveCmd.Flags().StringVar(&metricsListen, "listen", "",
		"Address of the metrics and health endpoint")
	serveCmd.Flags().BoolVar(&noMetrics, "no-metrics", false,
		"Do not serve the metrics endpoint")

	viper.BindPFlag("remote.replay_file", serveCmd.Flags().Lookup("replay"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if metricsListen != "" {
		cfg.Metrics.Listen = metricsListen
	}
	if noMetrics {
		cfg.Metrics.Enabled = false
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	application, err := app.New(app.WithConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer application.Stop()

	if cfg.Metrics.Enabled {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s metrics on http://%s/metrics\n",
			color.CyanString("▶"), cfg.Metrics.Listen)
	}

	return application.Run(context.Background())
}

var runOnceCmd = &cobra.Command{
	Use:   "run-once",
	Short: "Run one discovery tick and one download tick",
	Long: `Load the automations, advance discovery once for each of them and top
up the download queue once, then exit. Transfers started by the download
tick keep running in the remote store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		application, err := openApp()
		if err != nil {
			return err
		}
		defer application.Stop()

		if err := application.RunOnce(cmd.Context()); err != nil {
			return err
		}

		stats, err := application.State().Files().Statistics(cmd.Context(), statsFilter{}.state())
		if err != nil {
			return err
		}
		fmt.Printf("%s %d files known, %d downloading, %d pending\n",
			color.GreenString("✓"), stats.Total, stats.Downloading, stats.Pending())
		return nil
	},
}
