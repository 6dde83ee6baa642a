package integration

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvDev  = "dev"
	EnvProd = "prod"
)

// Config is the resolved runtime configuration shared by both hosts. All
// values come from viper (flags are merged by the commands before calling
// Load).
type Config struct {
	Environment string

	// AllowedChannel is the single channel display name whose messages are
	// forwarded to the agent.
	AllowedChannel string

	SlackAPIBaseURL string

	AgentURL            string
	AgentAssistant      string
	AgentRequestTimeout time.Duration

	// Secret ids used in prod; dev reads plain environment variables.
	SecretRegion            string
	BotTokenSecretName      string
	SigningSecretSecretName string
	AgentAPIKeySecretName   string
}

// ApplyDefaults registers viper defaults for every runtime key. Called once
// from the root command before any subcommand runs.
func ApplyDefaults() {
	viper.SetDefault("environment", EnvDev)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("slack.allowed_channel", "all-ai-tools-testing")
	viper.SetDefault("slack.api_base_url", "https://slack.com/api")
	viper.SetDefault("slack.process_before_response", false)

	viper.SetDefault("agent.url", "http://localhost:2024")
	viper.SetDefault("agent.assistant_id", "slack_agent")
	// No timeout by default: the upstream wait endpoint carries no deadline
	// of its own. Set agent.request_timeout to bound runs.
	viper.SetDefault("agent.request_timeout", time.Duration(0))

	viper.SetDefault("secrets.region", "us-east-1")

	viper.SetDefault("serve.listen", ":3000")
	viper.SetDefault("serve.verify_signatures", true)

	viper.SetDefault("socket.max_concurrency", 3)
}

// LoadConfig reads the runtime configuration from viper and validates it.
func LoadConfig() (Config, error) {
	env := strings.ToLower(strings.TrimSpace(viper.GetString("environment")))
	switch env {
	case EnvDev, EnvProd:
	case "":
		env = EnvDev
	default:
		return Config{}, fmt.Errorf("invalid environment %q (want dev or prod)", env)
	}

	cfg := Config{
		Environment:         env,
		AllowedChannel:      strings.TrimSpace(viper.GetString("slack.allowed_channel")),
		SlackAPIBaseURL:     strings.TrimSpace(viper.GetString("slack.api_base_url")),
		AgentURL:            strings.TrimSpace(viper.GetString("agent.url")),
		AgentAssistant:      strings.TrimSpace(viper.GetString("agent.assistant_id")),
		AgentRequestTimeout: viper.GetDuration("agent.request_timeout"),
		SecretRegion:        strings.TrimSpace(viper.GetString("secrets.region")),
	}
	if cfg.AllowedChannel == "" {
		return Config{}, fmt.Errorf("missing slack.allowed_channel")
	}
	if cfg.AgentURL == "" {
		return Config{}, fmt.Errorf("missing agent.url")
	}
	if cfg.AgentAssistant == "" {
		return Config{}, fmt.Errorf("missing agent.assistant_id")
	}

	if env == EnvProd {
		cfg.BotTokenSecretName = secretName("secrets.bot_token_name", env, "bot-token")
		cfg.SigningSecretSecretName = secretName("secrets.signing_secret_name", env, "signing-secret")
		cfg.AgentAPIKeySecretName = strings.TrimSpace(viper.GetString("secrets.agent_api_key_name"))
	} else {
		cfg.BotTokenSecretName = "SLACK_BOT_TOKEN"
		cfg.SigningSecretSecretName = "SLACK_SIGNING_SECRET"
		cfg.AgentAPIKeySecretName = strings.TrimSpace(viper.GetString("secrets.agent_api_key_name"))
	}
	return cfg, nil
}

func secretName(key, env, suffix string) string {
	if v := strings.TrimSpace(viper.GetString(key)); v != "" {
		return v
	}
	return env + "/slack-bot/" + suffix
}
