package main

import (
  "encoding/json"
  "fmt"
  "os"
  "strconv"

  "github.com/fatih/color"
  "github.com/jedib0t/go-pretty/v6/table"
  "github.com/spf13/cobra"

  "github.com/fmaass/telegram-files/internal/scheduler"
  "github.com/fmaass/telegram-files/internal/state"
  "github.com/fmaass/telegram-files/internal/util"
)

var settingsCmd = &cobra.Command{
  Use:   "settings",
  Short: "Show and change engine settings",
  Long: `Show and change the settings stored next to the file records.

The download limit caps concurrent transfers per account. The download
window restricts automatic downloads to a daily period in local time; a
start after the end wraps past midnight.`,
  Example: `  # Show stored settings
  tgfiles settings

  # Allow 3 concurrent downloads per account
  tgfiles settings limit 3

  # Only download at night
  tgfiles settings window 22:00 06:00

  # Download at any time
  tgfiles settings window off`,
  RunE: runSettingsList,
}

var (
  settingsLimitCmd = &cobra.Command{
    Use:   "limit <n>",
    Short: "Set the per-account concurrent download limit",
    Args:  cobra.ExactArgs(1),
    RunE:  runSettingsLimit,
  }

  settingsWindowCmd = &cobra.Command{
    Use:   "window <start> <end> | off",
    Short: "Set the daily download window",
    Args:  cobra.RangeArgs(1, 2),
    RunE:  runSettingsWindow,
  }
)

func init() {
  settingsCmd.AddCommand(settingsLimitCmd)
  settingsCmd.AddCommand(settingsWindowCmd)
}

func runSettingsList(cmd *cobra.Command, args []string) error {
  application, err := openApp()
  if err != nil {
    return err
  }
  defer application.Stop()

  settings, err := application.State().Settings().All(cmd.Context())
  if err != nil {
    return err
  }

  t := table.NewWriter()
  t.SetOutputMirror(os.Stdout)
  t.SetStyle(table.StyleLight)
  t.AppendHeader(table.Row{"Key", "Value", "Updated"})
  t.SetColumnConfigs([]table.ColumnConfig{
    {Number: 2, WidthMax: 60},
  })

  for _, s := range settings {
    value := s.Value
    if s.Key == state.SettingAutomation {
      value = color.New(color.FgHiBlack).Sprint("(see 'tgfiles automation list')")
    }
    t.AppendRow(table.Row{s.Key, value, util.FormatMillis(s.UpdatedAt)})
  }
  t.Render()
  return nil
}

func runSettingsLimit(cmd *cobra.Command, args []string) error {
  limit, err := strconv.Atoi(args[0])
  if err != nil || limit < 1 {
    return fmt.Errorf("limit must be a positive number, got %q", args[0])
  }

  application, err := openApp()
  if err != nil {
    return err
  }
  defer application.Stop()

  if err := application.State().Settings().Put(cmd.Context(), state.SettingAutoDownloadLimit, strconv.Itoa(limit)); err != nil {
    return err
  }
  fmt.Printf(color.GreenString("✓ Download limit set to %d per account\n"), limit)
  return nil
}

func runSettingsWindow(cmd *cobra.Command, args []string) error {
  value := ""
  switch {
  case len(args) == 1 && args[0] == "off":
  case len(args) == 2:
    w, err := scheduler.NewTimeWindow(args[0], args[1])
    if err != nil {
      return err
    }
    data, err := json.Marshal(w)
    if err != nil {
      return err
    }
    value = string(data)
  default:
    return fmt.Errorf("expected <start> <end> or off")
  }

  application, err := openApp()
  if err != nil {
    return err
  }
  defer application.Stop()

  if err := application.State().Settings().Put(cmd.Context(), state.SettingTimeLimited, value); err != nil {
    return err
  }

  if value == "" {
    fmt.Println(color.GreenString("✓ Downloads run at any time"))
  } else {
    fmt.Printf(color.GreenString("✓ Downloads run between %s and %s\n"), args[0], args[1])
  }
  return nil
}
