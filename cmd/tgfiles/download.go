package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fmaass/telegram-files/internal/app"
	"github.com/fmaass/telegram-files/internal/batch"
	"github.com/fmaass/telegram-files/internal/events"
	"github.com/fmaass/telegram-files/pkg/progress"
)

var downloadCmd = &cobra.Command{
	Use:   "download <account> <chat> <message>...",
	Short: "Download the files of selected messages",
	Long: `Start downloads for a set of messages.

Files are started right away while the account has free download slots;
the rest is queued and started in batches once the previous batch has
finished. With --wait the command stays until every queued file was
started and no download of the account is left running.`,
	Example: `  # Download three messages of a chat and wait for them
  tgfiles download 1 -1001234 101 102 103 --wait

  # Submit a YAML list of {telegramId, chatId, messageId}
  tgfiles download --file selection.yaml --wait --output json`,
	RunE: runDownload,
}

var (
	downloadFile   string
	downloadWait   bool
	downloadOutput string
)

const drainPoll = time.Second

func init() {
	downloadCmd.Flags().StringVarP(&downloadFile, "file", "f", "",
		"YAML file with the requests")
	downloadCmd.Flags().BoolVarP(&downloadWait, "wait", "w", false,
		"Wait until every download finished")
	downloadCmd.Flags().StringVarP(&downloadOutput, "output", "o", "terminal",
		"Progress output: terminal, json or quiet")
}

func runDownload(cmd *cobra.Command, args []string) error {
	requests, err := downloadRequests(args)
	if err != nil {
		return err
	}

	application, err := openApp()
	if err != nil {
		return err
	}
	defer application.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	var tracker *progress.Tracker
	var reporter *progress.Reporter
	if downloadWait {
		accounts := make(map[int64]bool)
		for _, r := range requests {
			accounts[r.AccountID] = true
		}

		tracker = progress.NewTracker(len(requests))
		tracker.SetTotal(int64(len(requests)))
		unfollow := tracker.Follow(application.Bus(), func(fe events.FileEvent) bool {
			return accounts[fe.AccountID]
		})
		defer unfollow()
		tracker.Start()

		reporter = progress.NewReporter(tracker, progress.ReporterConfig{
			Format:  progress.ParseOutputFormat(downloadOutput),
			Output:  os.Stdout,
			ShowETA: true,
		})
	}

	summary, err := application.Submit(ctx, requests)
	if err != nil {
		return err
	}
	printSummary(summary)

	if !downloadWait {
		if summary.Queued > 0 {
			fmt.Println(color.YellowString("\nQueued files are only started while this process or 'tgfiles serve' runs."))
			fmt.Println("Use --wait to drain the queue now.")
		}
		return nil
	}

	reporter.Start()
	err = waitForDrain(ctx, application, summary)
	tracker.Stop()
	reporter.Stop()

	if err != nil {
		fmt.Println(color.YellowString("\n⚠ Interrupted, remaining downloads keep their state"))
		return nil
	}
	fmt.Println(color.GreenString("\n✅ Batch %s finished", summary.ID))
	return nil
}

// waitForDrain waits for the batch queue and then for the downloads of the
// submitted accounts.
func waitForDrain(ctx context.Context, application *app.App, summary *batch.Summary) error {
	if err := application.WaitBatches(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()

	for {
		busy := false
		for _, as := range summary.Accounts {
			n, err := application.Queue().DownloadingCount(ctx, as.AccountID)
			if err != nil {
				return err
			}
			if n > 0 {
				busy = true
				break
			}
		}
		if !busy {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func downloadRequests(args []string) ([]batch.Request, error) {
	if downloadFile != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("use either --file or positional arguments")
		}
		data, err := os.ReadFile(downloadFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read requests: %w", err)
		}
		var requests []batch.Request
		if err := yaml.Unmarshal(data, &requests); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", downloadFile, err)
		}
		if len(requests) == 0 {
			return nil, fmt.Errorf("%s contains no requests", downloadFile)
		}
		return requests, nil
	}

	if len(args) < 3 {
		return nil, fmt.Errorf("expected <account> <chat> <message>...")
	}
	acct, chat, err := parseChat(args[:2])
	if err != nil {
		return nil, err
	}

	requests := make([]batch.Request, 0, len(args)-2)
	for _, arg := range args[2:] {
		msg, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid message id: %s", arg)
		}
		requests = append(requests, batch.Request{AccountID: acct, ChatID: chat, MessageID: msg})
	}
	return requests, nil
}

func printSummary(summary *batch.Summary) {
	if downloadOutput == string(progress.OutputFormatJSON) {
		data, _ := json.Marshal(summary)
		fmt.Println(string(data))
		return
	}

	fmt.Printf("%s Batch %s\n", color.GreenString("▶"), color.CyanString(summary.ID))
	for _, as := range summary.Accounts {
		fmt.Printf("  Account %d: %d free slots, %s started, %s queued",
			as.AccountID, as.Surplus,
			color.GreenString("%d", as.Started),
			color.YellowString("%d", as.Queued))
		if as.Failed > 0 {
			fmt.Printf(", %s failed", color.RedString("%d", as.Failed))
		}
		fmt.Println()
	}
}
