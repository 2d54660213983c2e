package main

import (
  "fmt"
  "os"
  "time"

  "github.com/fatih/color"
  "github.com/jedib0t/go-pretty/v6/table"
  "github.com/jedib0t/go-pretty/v6/text"
  "github.com/spf13/cobra"

  "github.com/fmaass/telegram-files/internal/state"
  "github.com/fmaass/telegram-files/internal/util"
)

var statsCmd = &cobra.Command{
  Use:     "stats",
  Aliases: []string{"status"},
  Short:   "Show download statistics",
  Long: `Display file counts by download status, globally or for one account or
chat, and the busiest chats.`,
  Example: `  # Statistics of all accounts
  tgfiles stats

  # One chat, only files posted since the start of the year
  tgfiles stats --account 1 --chat -1001234 --since 2025-01-01

  # Per-chat breakdown
  tgfiles stats --chats`,
  RunE: runStats,
}

var (
  statsAccount int64
  statsChat    int64
  statsSince   string
  statsChats   bool
)

func init() {
  statsCmd.Flags().Int64Var(&statsAccount, "account", 0,
    "Only this account")
  statsCmd.Flags().Int64Var(&statsChat, "chat", 0,
    "Only this chat")
  statsCmd.Flags().StringVar(&statsSince, "since", "",
    "Only files posted on or after this date (YYYY-MM-DD)")
  statsCmd.Flags().BoolVarP(&statsChats, "chats", "c", false,
    "Show one line per chat")
}

type statsFilter struct {
  account int64
  chat    int64
  since   int64
}

func (f statsFilter) state() state.StatsFilter {
  return state.StatsFilter{AccountID: f.account, ChatID: f.chat, SinceDate: f.since}
}

func runStats(cmd *cobra.Command, args []string) error {
  filter := statsFilter{account: statsAccount, chat: statsChat}
  if statsSince != "" {
    since, err := time.ParseInLocation("2006-01-02", statsSince, time.Local)
    if err != nil {
      return fmt.Errorf("invalid --since date: %w", err)
    }
    filter.since = since.Unix()
  }

  application, err := openApp()
  if err != nil {
    return err
  }
  defer application.Stop()

  ctx := cmd.Context()
  files := application.State().Files()

  stats, err := files.Statistics(ctx, filter.state())
  if err != nil {
    return err
  }

  fmt.Println(color.CyanString("📊 tgfiles Statistics"))
  fmt.Println()
  showStatistics(stats)

  if !statsChats {
    return nil
  }

  summaries, err := files.ChatSummaries(ctx, filter.account)
  if err != nil {
    return err
  }
  fmt.Println()
  showChatSummaries(summaries)
  return nil
}

func showStatistics(stats *state.Statistics) {
  rows := []struct {
    label string
    value int64
    paint func(format string, a ...interface{}) string
  }{
    {"Total", stats.Total, fmt.Sprintf},
    {"Idle", stats.Idle, fmt.Sprintf},
    {"Downloading", stats.Downloading, color.CyanString},
    {"Paused", stats.Paused, color.YellowString},
    {"Completed", stats.Completed, color.GreenString},
    {"Error", stats.Error, color.RedString},
    {"Pending", stats.Pending(), color.YellowString},
  }
  for _, row := range rows {
    fmt.Printf("  %-12s: %s\n", row.label, row.paint("%d", row.value))
  }

  fmt.Println()
  fmt.Printf("  %-12s: %s / %s\n", "Size", util.FormatBytes(stats.CompletedSize), util.FormatBytes(stats.TotalSize))
  if stats.TotalSize > 0 {
    fmt.Printf("  %-12s: %.1f%%\n", "Done", float64(stats.CompletedSize)/float64(stats.TotalSize)*100)
  }
}

func showChatSummaries(summaries []*state.ChatSummary) {
  if len(summaries) == 0 {
    fmt.Println("No file records.")
    return
  }

  t := table.NewWriter()
  t.SetOutputMirror(os.Stdout)
  t.SetStyle(table.StyleLight)
  t.AppendHeader(table.Row{"Account", "Chat", "Files", "Idle", "Downloading", "Completed", "Failed", "Size"})
  t.SetColumnConfigs([]table.ColumnConfig{
    {Number: 3, Align: text.AlignRight},
    {Number: 4, Align: text.AlignRight},
    {Number: 5, Align: text.AlignRight},
    {Number: 6, Align: text.AlignRight},
    {Number: 7, Align: text.AlignRight},
    {Number: 8, Align: text.AlignRight},
  })

  var total int64
  for _, s := range summaries {
    failed := fmt.Sprintf("%d", s.Failed)
    if s.Failed > 0 {
      failed = color.RedString(failed)
    }
    t.AppendRow(table.Row{
      s.TelegramID,
      s.ChatID,
      s.Total,
      s.Idle,
      s.Downloading,
      s.Completed,
      failed,
      util.FormatBytes(s.TotalSize),
    })
    total += s.Total
  }
  t.AppendFooter(table.Row{"", "", total})

  t.Render()
  fmt.Printf("\nTotal: %d chats\n", len(summaries))
}
