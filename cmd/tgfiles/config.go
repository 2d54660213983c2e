package main

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fmaass/telegram-files/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change the engine configuration",
	Long: `Show or change the engine configuration file.

Values can also come from TGFILES_* environment variables or a .env file;
those override the file and are shown here with their effective value.
Automations and download limits live in the settings table, see
'tgfiles automation' and 'tgfiles settings'.`,
	Example: `  tgfiles config
  tgfiles config get scheduler
  tgfiles config set batch.size 20
  tgfiles config set accounts 1001,1002
  tgfiles config reset scheduler.scan_budget`,
	Run: func(cmd *cobra.Command, args []string) {
		printConfigTable()
	},
}

var (
	configForce bool
	configYes   bool
)

func init() {
	getCmd := &cobra.Command{
		Use:   "get [key|section]",
		Short: "Print one value, a section, or everything as key=value",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigGet,
	}
	setCmd := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a value and save the file",
		Args:  cobra.ExactArgs(2),
		RunE:  runConfigSet,
	}
	setCmd.Flags().BoolVar(&configForce, "force", false, "accept a key the engine does not know")

	resetCmd := &cobra.Command{
		Use:   "reset [key...]",
		Short: "Restore defaults for the given keys, or for the whole file",
		RunE:  runConfigReset,
	}
	resetCmd.Flags().BoolVarP(&configYes, "yes", "y", false, "do not ask for confirmation")

	editCmd := &cobra.Command{
		Use:   "edit",
		Short: "Open the config file in $EDITOR and validate it",
		RunE:  runConfigEdit,
	}

	configCmd.AddCommand(getCmd, setCmd, resetCmd, editCmd)
}

type configKey struct {
	Key  string
	Help string
}

var configGroups = []struct {
	Name string
	Keys []configKey
}{
	{"storage", []configKey{
		{"data_dir", "data directory"},
		{"database.path", "record database"},
		{"accounts", "managed accounts, empty for all"},
	}},
	{"scheduler", []configKey{
		{"scheduler.discovery_interval", "discovery tick (s)"},
		{"scheduler.download_interval", "download tick (s)"},
		{"scheduler.scan_budget", "discovery budget per chain (s)"},
		{"scheduler.default_limit", "downloads per account"},
		{"scheduler.sentinel_cache_size", "cached history cutoffs"},
		{"scheduler.sentinel_ttl", "cutoff cache ttl (s)"},
		{"scheduler.settings_poll", "settings poll (s), 0 disables"},
	}},
	{"batch", []configKey{
		{"batch.size", "files started per drain"},
		{"batch.interval", "drain interval (s)"},
	}},
	{"remote", []configKey{
		{"remote.rate_limit", "requests per second"},
		{"remote.burst", "request burst"},
		{"remote.max_retries", "retries on flood wait"},
		{"remote.request_timeout", "request timeout (s)"},
		{"remote.replay_file", "offline replay file"},
		{"download.track_downloaded", "mark finished files downloaded"},
	}},
	{"operations", []configKey{
		{"metrics.enabled", "serve /metrics and /healthz"},
		{"metrics.listen", "ops listen address"},
		{"notify.bot_token", "notification bot token"},
		{"notify.chat_id", "notification chat"},
		{"notify.thread_id", "notification topic"},
		{"log.level", "log level"},
		{"log.format", "json or console"},
		{"log.output", "stdout, stderr or file"},
		{"log.file", "log file path"},
	}},
}

var secretKeys = map[string]bool{"notify.bot_token": true}

func printConfigTable() {
	fmt.Printf("%s %s\n\n", color.CyanString("Config file:"), config.ConfigPath())

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Key", "Value", "Description"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, WidthMax: 40},
	})

	for i, group := range configGroups {
		if i > 0 {
			t.AppendSeparator()
		}
		for _, k := range group.Keys {
			t.AppendRow(table.Row{k.Key, displayValue(k.Key, viper.Get(k.Key)), k.Help})
		}
	}
	fmt.Println(t.Render())
}

func displayValue(key string, v interface{}) string {
	s := fmt.Sprint(v)
	switch {
	case isUnset(v):
		return color.HiBlackString("-")
	case secretKeys[key]:
		return maskSecret(s)
	}
	return s
}

func isUnset(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []int64:
		return len(x) == 0
	case []interface{}:
		return len(x) == 0
	}
	return false
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	flat := flattenMap("", viper.AllSettings())

	prefix := ""
	if len(args) == 1 {
		if v, ok := flat[args[0]]; ok {
			fmt.Println(v)
			return nil
		}
		prefix = args[0] + "."
	}

	keys := make([]string, 0, len(flat))
	for key := range flat {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("unknown configuration key or section %q", strings.TrimSuffix(prefix, "."))
	}

	sort.Strings(keys)
	for _, key := range keys {
		v := flat[key]
		if secretKeys[key] && !isUnset(v) {
			v = maskSecret(fmt.Sprint(v))
		}
		fmt.Printf("%s=%v\n", key, v)
	}
	return nil
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]

	if !isValidKey(key) && !configForce {
		msg := fmt.Sprintf("unknown configuration key %q", key)
		if s := suggestKeys(key); len(s) > 0 {
			msg += "; did you mean " + strings.Join(s, ", ") + "?"
		}
		return fmt.Errorf("%s (use --force to set it anyway)", msg)
	}

	value, err := convertValue(viper.Get(key), raw)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	previous := viper.Get(key)
	viper.Set(key, value)
	if _, err := config.LoadFromViper(viper.GetViper()); err != nil {
		viper.Set(key, previous)
		return err
	}
	if err := config.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Println(color.GreenString("✓ %s = %s", key, displayValue(key, value)))
	return nil
}

// convertValue parses raw into the type of the current value of the key.
func convertValue(current interface{}, raw string) (interface{}, error) {
	switch current.(type) {
	case bool:
		return strconv.ParseBool(raw)
	case int, int64:
		return strconv.Atoi(raw)
	case float64:
		return strconv.ParseFloat(raw, 64)
	case []int64, []interface{}:
		return parseIDList(raw)
	default:
		return raw, nil
	}
}

func parseIDList(raw string) ([]int64, error) {
	ids := []int64{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an id", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runConfigReset(cmd *cobra.Command, args []string) error {
	defaults := viper.New()
	config.SetViperDefaults(defaults)

	for _, key := range args {
		if !defaults.IsSet(key) {
			return fmt.Errorf("%q has no default", key)
		}
	}

	what := "the whole configuration file"
	if len(args) > 0 {
		what = strings.Join(args, ", ")
	}
	if !configYes {
		confirm := false
		if err := survey.AskOne(&survey.Confirm{Message: "Reset " + what + " to defaults?"}, &confirm); err != nil {
			return err
		}
		if !confirm {
			return nil
		}
	}

	if len(args) == 0 {
		if err := defaults.WriteConfigAs(config.ConfigPath()); err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}
	} else {
		for _, key := range args {
			viper.Set(key, defaults.Get(key))
		}
		if err := config.Save(); err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}
	}

	fmt.Println(color.GreenString("✓ Reset %s", what))
	return nil
}

func runConfigEdit(cmd *cobra.Command, args []string) error {
	path := config.ConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
		if runtime.GOOS == "windows" {
			editor = "notepad"
		}
	}

	for {
		ed := exec.Command(editor, path)
		ed.Stdin, ed.Stdout, ed.Stderr = os.Stdin, os.Stdout, os.Stderr
		if err := ed.Run(); err != nil {
			return fmt.Errorf("editor %s failed: %w", editor, err)
		}

		err := reloadConfigFile(path)
		if err == nil {
			fmt.Println(color.GreenString("✓ Configuration is valid"))
			return nil
		}

		fmt.Println(color.RedString("✗ %v", err))
		again := true
		if askErr := survey.AskOne(&survey.Confirm{Message: "Edit again?", Default: true}, &again); askErr != nil || !again {
			return err
		}
	}
}

func reloadConfigFile(path string) error {
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("cannot parse %s: %w", path, err)
	}
	_, err := config.LoadFromViper(viper.GetViper())
	return err
}

func maskSecret(s string) string {
	if len(s) <= 6 {
		return strings.Repeat("*", len(s))
	}
	return s[:3] + strings.Repeat("*", len(s)-6) + s[len(s)-3:]
}

func flattenMap(prefix string, m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range m {
		if prefix != "" {
			k = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			for nk, nv := range flattenMap(k, nested) {
				out[nk] = nv
			}
			continue
		}
		out[k] = v
	}
	return out
}

func isValidKey(key string) bool {
	for _, group := range configGroups {
		for _, k := range group.Keys {
			if k.Key == key {
				return true
			}
		}
	}
	return false
}

// suggestKeys returns known keys sharing the section or the last segment of key.
func suggestKeys(key string) []string {
	section, leaf := key, key
	if i := strings.IndexByte(key, '.'); i >= 0 {
		section = key[:i]
	}
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		leaf = key[i+1:]
	}

	var out []string
	for _, group := range configGroups {
		for _, k := range group.Keys {
			if strings.HasPrefix(k.Key, section+".") || strings.HasSuffix(k.Key, "."+leaf) {
				out = append(out, k.Key)
			}
		}
	}
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}
