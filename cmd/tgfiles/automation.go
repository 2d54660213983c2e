package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fmaass/telegram-files/internal/app"
	"github.com/fmaass/telegram-files/internal/automation"
	"github.com/fmaass/telegram-files/internal/remote"
)

var automationCmd = &cobra.Command{
	Use:     "automation",
	Aliases: []string{"auto"},
	Short:   "Manage per-chat automations",
	Long: `List, create and control the automations of the engine.

Changes are written to the settings store. A running 'tgfiles serve' picks
them up on its next settings poll.`,
	Example: `  # Show all automations
  tgfiles automation list

  # Download photos and videos from the whole history of a chat
  tgfiles automation add 1 -1001234 --history --types photo,video

  # Pause and resume an automation
  tgfiles automation stop 1 -1001234
  tgfiles automation start 1 -1001234

  # Back up and restore every automation
  tgfiles automation export automations.yaml
  tgfiles automation import automations.yaml`,
}

var (
	automationAddCmd = &cobra.Command{
		Use:   "add <account> <chat>",
		Short: "Create or replace the automation of a chat",
		Args:  cobra.ExactArgs(2),
		RunE:  runAutomationAdd,
	}

	automationListCmd = &cobra.Command{
		Use:   "list",
		Short: "List automations",
		Args:  cobra.NoArgs,
		RunE:  runAutomationList,
	}

	automationGetCmd = &cobra.Command{
		Use:   "get <account> <chat>",
		Short: "Show one automation as YAML",
		Args:  cobra.ExactArgs(2),
		RunE:  runAutomationGet,
	}

	automationStartCmd = &cobra.Command{
		Use:   "start <account> <chat>",
		Short: "Activate an automation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return controlAutomation(cmd.Context(), args, "started", func(ctx context.Context, r *automation.Registry, acct, chat int64) (*automation.Automation, error) {
				return r.Start(ctx, acct, chat)
			})
		},
	}

	automationStopCmd = &cobra.Command{
		Use:   "stop <account> <chat>",
		Short: "Stop an automation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return controlAutomation(cmd.Context(), args, "stopped", func(ctx context.Context, r *automation.Registry, acct, chat int64) (*automation.Automation, error) {
				return r.Stop(ctx, acct, chat)
			})
		},
	}

	automationSetStateCmd = &cobra.Command{
		Use:   "set-state <account> <chat> <0|1|2>",
		Short: "Set the control state (0 stopped, 1 idle, 2 active)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid state value: %s", args[2])
			}
			return controlAutomation(cmd.Context(), args[:2], "updated", func(ctx context.Context, r *automation.Registry, acct, chat int64) (*automation.Automation, error) {
				return r.SetState(ctx, acct, chat, v)
			})
		},
	}

	automationHealthCmd = &cobra.Command{
		Use:   "health <account> <chat>",
		Short: "Show state, phases and file counts of an automation",
		Args:  cobra.ExactArgs(2),
		RunE:  runAutomationHealth,
	}

	automationRemoveCmd = &cobra.Command{
		Use:   "remove <account> <chat>",
		Short: "Delete an automation",
		Args:  cobra.ExactArgs(2),
		RunE:  runAutomationRemove,
	}

	automationExportCmd = &cobra.Command{
		Use:   "export [file]",
		Short: "Write all automations as YAML",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runAutomationExport,
	}

	automationImportCmd = &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the automations with a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE:  runAutomationImport,
	}
)

var (
	addHistory     bool
	addComments    bool
	addOldestFirst bool
	addStopped     bool
	addQuery       string
	addFilter      string
	addSince       string
	addTypes       []string
	removeYes      bool
	importMerge    bool
)

func init() {
	automationCmd.AddCommand(automationAddCmd)
	automationCmd.AddCommand(automationListCmd)
	automationCmd.AddCommand(automationGetCmd)
	automationCmd.AddCommand(automationStartCmd)
	automationCmd.AddCommand(automationStopCmd)
	automationCmd.AddCommand(automationSetStateCmd)
	automationCmd.AddCommand(automationHealthCmd)
	automationCmd.AddCommand(automationRemoveCmd)
	automationCmd.AddCommand(automationExportCmd)
	automationCmd.AddCommand(automationImportCmd)

	automationAddCmd.Flags().BoolVar(&addHistory, "history", false,
		"Download files from the chat history")
	automationAddCmd.Flags().BoolVar(&addComments, "comments", false,
		"Also download files posted in comment threads")
	automationAddCmd.Flags().BoolVar(&addOldestFirst, "oldest-first", false,
		"Walk the history from the oldest message")
	automationAddCmd.Flags().BoolVar(&addStopped, "stopped", false,
		"Create the automation without enabling downloads")
	automationAddCmd.Flags().StringVar(&addQuery, "query", "",
		"Only files whose message matches this search query")
	automationAddCmd.Flags().StringVar(&addFilter, "filter", "",
		"Filter expression, e.g. 'size < 50*MB && ext in [\"mp4\"]'")
	automationAddCmd.Flags().StringVar(&addSince, "since", "",
		"Ignore messages before this date (YYYY-MM-DD)")
	automationAddCmd.Flags().StringSliceVar(&addTypes, "types", nil,
		"File types in scan order (photo, video, audio, file)")

	automationRemoveCmd.Flags().BoolVarP(&removeYes, "yes", "y", false,
		"Do not ask for confirmation")
	automationImportCmd.Flags().BoolVar(&importMerge, "merge", false,
		"Keep automations missing from the file")
}

// openRegistry initializes the engine and loads the stored automations.
func openRegistry(ctx context.Context) (*app.App, *automation.Registry, error) {
	application, err := openApp()
	if err != nil {
		return nil, nil, err
	}
	registry := application.Registry()
	if err := registry.Load(ctx); err != nil {
		application.Stop()
		return nil, nil, err
	}
	return application, registry, nil
}

func parseChat(args []string) (int64, int64, error) {
	acct, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid account id: %s", args[0])
	}
	chat, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid chat id: %s", args[1])
	}
	return acct, chat, nil
}

func runAutomationAdd(cmd *cobra.Command, args []string) error {
	acct, chat, err := parseChat(args)
	if err != nil {
		return err
	}

	rule := automation.Rule{
		Query:                addQuery,
		FilterExpr:           addFilter,
		DownloadHistory:      addHistory,
		DownloadCommentFiles: addComments,
		DownloadOldestFirst:  addOldestFirst,
	}
	for _, t := range addTypes {
		t = strings.ToLower(strings.TrimSpace(t))
		if !remote.IsFileType(t) {
			return fmt.Errorf("unknown file type: %s", t)
		}
		rule.FileTypes = append(rule.FileTypes, t)
	}
	if addSince != "" {
		since, err := time.ParseInLocation("2006-01-02", addSince, time.Local)
		if err != nil {
			return fmt.Errorf("invalid --since date: %w", err)
		}
		rule.HistorySince = since.Unix()
	}

	ctx := cmd.Context()
	application, registry, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer application.Stop()

	a := &automation.Automation{AccountID: acct, ChatID: chat}
	if existing, err := registry.Get(acct, chat); err == nil {
		a = existing
	}
	a.Download.Enabled = !addStopped
	a.Download.Rule = rule

	saved, err := registry.Put(ctx, a)
	if err != nil {
		return err
	}

	fmt.Printf(color.GreenString("✓ Automation %s saved (%s)\n"), saved.Key(), saved.State)
	return nil
}

func runAutomationList(cmd *cobra.Command, args []string) error {
	application, registry, err := openRegistry(cmd.Context())
	if err != nil {
		return err
	}
	defer application.Stop()

	autos := registry.List()
	if len(autos) == 0 {
		fmt.Println(color.YellowString("No automations configured."))
		fmt.Println("\nUse 'tgfiles automation add <account> <chat>' to create one")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Account", "Chat", "State", "Download", "History", "Types", "Cursor", "Phases"})

	for _, a := range autos {
		rule := a.Download.Rule
		cursor := "-"
		if a.Download.NextFileType != "" {
			cursor = fmt.Sprintf("%s@%d", a.Download.NextFileType, a.Download.NextFromMessageID)
		}
		t.AppendRow(table.Row{
			a.AccountID,
			a.ChatID,
			stateText(a.State),
			yesNo(a.Download.Enabled),
			yesNo(rule.DownloadHistory),
			strings.Join(rule.OrderedFileTypes(), ","),
			cursor,
			phaseText(a.Phases),
		})
	}

	t.Render()
	fmt.Printf("\nTotal: %d automations\n", len(autos))
	return nil
}

func runAutomationGet(cmd *cobra.Command, args []string) error {
	acct, chat, err := parseChat(args)
	if err != nil {
		return err
	}

	application, registry, err := openRegistry(cmd.Context())
	if err != nil {
		return err
	}
	defer application.Stop()

	a, err := registry.Get(acct, chat)
	if err != nil {
		return err
	}
	return writeYAML(os.Stdout, a)
}

func controlAutomation(ctx context.Context, args []string, verb string,
	fn func(ctx context.Context, r *automation.Registry, acct, chat int64) (*automation.Automation, error)) error {
	acct, chat, err := parseChat(args)
	if err != nil {
		return err
	}

	application, registry, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer application.Stop()

	a, err := fn(ctx, registry, acct, chat)
	if err != nil {
		return err
	}

	fmt.Printf("%s Automation %s %s, state %s\n",
		color.GreenString("✓"), a.Key(), verb, stateText(a.State))
	return nil
}

func runAutomationHealth(cmd *cobra.Command, args []string) error {
	acct, chat, err := parseChat(args)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	application, registry, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer application.Stop()

	h, err := registry.Health(ctx, acct, chat, application.State().Files())
	if err != nil {
		return err
	}

	fmt.Printf("%s Automation %s\n", color.GreenString("▶"), color.CyanString(automation.KeyOf(acct, chat)))
	fmt.Println(strings.Repeat("─", 50))
	rows := [][]string{
		{"State", stateText(h.State)},
		{"Running", yesNo(h.IsRunning)},
		{"Phases", phaseText(h.Phases)},
		{"Pending files", strconv.FormatInt(h.PendingFiles, 10)},
		{"Downloading", strconv.FormatInt(h.DownloadingFiles, 10)},
	}
	for _, row := range rows {
		fmt.Printf("%-15s: %s\n", row[0], row[1])
	}
	return nil
}

func runAutomationRemove(cmd *cobra.Command, args []string) error {
	acct, chat, err := parseChat(args)
	if err != nil {
		return err
	}

	if !removeYes {
		var confirm bool
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("Remove the automation of chat %d?", chat),
			Default: false,
		}
		if err := survey.AskOne(prompt, &confirm); err != nil {
			return err
		}
		if !confirm {
			return nil
		}
	}

	ctx := cmd.Context()
	application, registry, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer application.Stop()

	if err := registry.Remove(ctx, acct, chat); err != nil {
		return err
	}
	fmt.Println(color.GreenString("✓ Automation removed"))
	return nil
}

func runAutomationExport(cmd *cobra.Command, args []string) error {
	application, registry, err := openRegistry(cmd.Context())
	if err != nil {
		return err
	}
	defer application.Stop()

	records := &automation.Records{Automations: registry.List()}

	if len(args) == 0 {
		return writeYAML(os.Stdout, records)
	}

	f, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	if err := writeYAML(f, records); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, color.GreenString("✓ Exported %d automations to %s\n"), len(records.Automations), args[0])
	return nil
}

func runAutomationImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read import file: %w", err)
	}

	incoming := &automation.Records{}
	if err := yaml.Unmarshal(data, incoming); err != nil {
		return fmt.Errorf("failed to parse %s: %w", args[0], err)
	}

	ctx := cmd.Context()
	application, registry, err := openRegistry(ctx)
	if err != nil {
		return err
	}
	defer application.Stop()

	records := mergeRecords(registry.List(), incoming.Automations, importMerge)
	if err := registry.Apply(ctx, records); err != nil {
		return err
	}

	fmt.Printf(color.GreenString("✓ Imported %d automations (%d total)\n"),
		len(incoming.Automations), len(registry.List()))
	return nil
}

// mergeRecords builds the full automation list for an import. Without keep
// the imported list replaces the current one.
func mergeRecords(current, imported []*automation.Automation, keep bool) *automation.Records {
	if !keep {
		return &automation.Records{Automations: imported}
	}

	seen := make(map[string]bool, len(imported))
	for _, a := range imported {
		if a != nil {
			seen[a.Key()] = true
		}
	}

	out := append([]*automation.Automation(nil), imported...)
	for _, a := range current {
		if !seen[a.Key()] {
			out = append(out, a)
		}
	}
	return &automation.Records{Automations: out}
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	return enc.Close()
}

func stateText(s automation.ControlState) string {
	switch s {
	case automation.StateActive:
		return color.GreenString(s.String())
	case automation.StateIdle:
		return color.YellowString(s.String())
	default:
		return color.New(color.FgHiBlack).Sprint(s.String())
	}
}

func phaseText(p automation.Phases) string {
	names := p.Names()
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, "\n")
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
