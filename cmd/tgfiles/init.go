package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fmaass/telegram-files/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the tgfiles configuration",
	Long: `Initialize tgfiles by writing a configuration file and creating the
record database.

This command will ask for:
  1. The data directory and the remote source
  2. Download limits and batch size
  3. The metrics endpoint
  4. An optional Telegram bot for operator notifications`,
	Example: `  # Interactive setup
  tgfiles init

  # Non-interactive with defaults
  tgfiles init --defaults`,
	RunE: runInit,
}

var useDefaults bool

func init() {
	initCmd.Flags().BoolVar(&useDefaults, "defaults", false,
		"Write the default configuration without asking")
}

func runInit(cmd *cobra.Command, args []string) error {
	fmt.Println(color.CyanString("🚀 Welcome to tgfiles Setup"))
	fmt.Println()

	// Check if already initialized
	configPath := config.ConfigPath()
	if _, err := os.Stat(configPath); err == nil && !useDefaults {
		var overwrite bool
		prompt := &survey.Confirm{
			Message: "tgfiles is already configured. Reconfigure?",
			Default: false,
		}
		if err := survey.AskOne(prompt, &overwrite); err != nil {
			return err
		}
		if !overwrite {
			return nil
		}
	}

	if !useDefaults {
		if err := askSettings(); err != nil {
			return err
		}
	}

	// Save configuration
	fmt.Println(color.YellowString("\n💾 Saving Configuration"))

	if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := viper.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	fmt.Printf("Config file: %s\n", configPath)

	// Creating the engine creates the database
	application, err := openApp()
	if err != nil {
		return err
	}
	application.Stop()

	fmt.Println(color.GreenString("\n✅ tgfiles initialized successfully!"))
	fmt.Println("\nNext steps:")
	fmt.Println("  • Run 'tgfiles automation add <account> <chat> --history' to automate a chat")
	fmt.Println("  • Run 'tgfiles serve' to start downloading")
	fmt.Println("  • Run 'tgfiles config' to view/edit settings")

	return nil
}

func askSettings() error {
	fmt.Println(color.YellowString("⚙️  Step 1: Storage and Source"))

	var answers struct {
		DataDir      string
		ReplayFile   string
		DefaultLimit string
		BatchSize    string
		Metrics      bool
		Listen       string
		Notify       bool
	}

	questions := []*survey.Question{
		{
			Name: "DataDir",
			Prompt: &survey.Input{
				Message: "Data directory:",
				Default: viper.GetString("data_dir"),
			},
			Validate: survey.Required,
		},
		{
			Name: "ReplayFile",
			Prompt: &survey.Input{
				Message: "Replay file (empty for none):",
				Default: viper.GetString("remote.replay_file"),
				Suggest: func(toComplete string) []string {
					files, _ := filepath.Glob(toComplete + "*.json")
					return files
				},
			},
		},
		{
			Name: "DefaultLimit",
			Prompt: &survey.Input{
				Message: "Concurrent downloads per account:",
				Default: strconv.Itoa(viper.GetInt("scheduler.default_limit")),
			},
			Validate: positiveNumber,
		},
		{
			Name: "BatchSize",
			Prompt: &survey.Input{
				Message: "Manual download batch size:",
				Default: strconv.Itoa(viper.GetInt("batch.size")),
			},
			Validate: positiveNumber,
		},
		{
			Name: "Metrics",
			Prompt: &survey.Confirm{
				Message: "Serve Prometheus metrics?",
				Default: viper.GetBool("metrics.enabled"),
			},
		},
	}

	if err := survey.Ask(questions, &answers); err != nil {
		return err
	}

	if answers.Metrics {
		prompt := &survey.Input{
			Message: "Metrics listen address:",
			Default: viper.GetString("metrics.listen"),
		}
		if err := survey.AskOne(prompt, &answers.Listen); err != nil {
			return err
		}
	}

	// Validated above
	limit, _ := strconv.Atoi(answers.DefaultLimit)
	size, _ := strconv.Atoi(answers.BatchSize)

	viper.Set("data_dir", answers.DataDir)
	viper.Set("database.path", filepath.Join(answers.DataDir, "tgfiles.db"))
	viper.Set("log.file", filepath.Join(answers.DataDir, "logs", "tgfiles.log"))
	viper.Set("remote.replay_file", answers.ReplayFile)
	viper.Set("scheduler.default_limit", limit)
	viper.Set("batch.size", size)
	viper.Set("metrics.enabled", answers.Metrics)
	if answers.Listen != "" {
		viper.Set("metrics.listen", answers.Listen)
	}

	fmt.Println(color.YellowString("\n🔔 Step 2: Notifications"))
	notifyPrompt := &survey.Confirm{
		Message: "Send milestone notifications through a Telegram bot?",
		Default: viper.GetString("notify.bot_token") != "",
	}
	if err := survey.AskOne(notifyPrompt, &answers.Notify); err != nil {
		return err
	}
	if !answers.Notify {
		viper.Set("notify.bot_token", "")
		return nil
	}

	var bot struct {
		Token  string
		ChatID string
	}
	botQuestions := []*survey.Question{
		{
			Name:     "Token",
			Prompt:   &survey.Password{Message: "Bot token:"},
			Validate: survey.Required,
		},
		{
			Name:     "ChatID",
			Prompt:   &survey.Input{Message: "Chat id to notify:"},
			Validate: survey.Required,
		},
	}
	if err := survey.Ask(botQuestions, &bot); err != nil {
		return err
	}

	chatID, err := strconv.ParseInt(bot.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id: %w", err)
	}
	viper.Set("notify.bot_token", bot.Token)
	viper.Set("notify.chat_id", chatID)
	return nil
}

func positiveNumber(ans interface{}) error {
	s, _ := ans.(string)
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fmt.Errorf("enter a number greater than zero")
	}
	return nil
}
