package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/puresort/slackbot/cmd/slackbot/deploycmd"
	"github.com/puresort/slackbot/cmd/slackbot/servecmd"
	"github.com/puresort/slackbot/cmd/slackbot/socketcmd"
	"github.com/puresort/slackbot/integration"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "slackbot",
		Short:         "Slack bot that relays channel messages to an external agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			return initConfig(configPath)
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: ./slackbot.yaml).")

	cmd.AddCommand(socketcmd.New())
	cmd.AddCommand(servecmd.New())
	cmd.AddCommand(deploycmd.New())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func initConfig(configPath string) error {
	viper.SetEnvPrefix("slackbot")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	integration.ApplyDefaults()

	if strings.TrimSpace(configPath) != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", configPath, err)
		}
		return nil
	}

	viper.SetConfigName("slackbot")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.config/slackbot")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
