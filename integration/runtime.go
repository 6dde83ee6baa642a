// Package integration wires the runtime shared by both hosts: resolved
// credentials, the Slack Web API client, the agent client, and the event
// dispatcher. The hosts own traffic; this package owns construction order,
// in particular resolving every secret before any traffic is accepted.
package integration

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/puresort/slackbot/internal/agentclient"
	"github.com/puresort/slackbot/internal/dispatch"
	"github.com/puresort/slackbot/internal/secrets"
	"github.com/puresort/slackbot/internal/slackapi"
)

type Runtime struct {
	Config      Config
	Logger      *slog.Logger
	Credentials secrets.Credentials
	Slack       *slackapi.Client
	Agent       *agentclient.Client
	Dispatcher  *dispatch.Dispatcher
}

// Options carries host-specific inputs into wiring.
type Options struct {
	// AppToken is the Socket Mode app-level token (xapp-...). Only the
	// socket host needs one.
	AppToken string
}

// New builds the full runtime. Secret resolution failures are fatal here,
// before any host starts serving.
func New(ctx context.Context, logger *slog.Logger, opts Options) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	provider, err := secretProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := secrets.NewStore(provider, logger)
	creds, err := secrets.ResolveCredentials(ctx, store, secrets.Names{
		BotToken:      cfg.BotTokenSecretName,
		SigningSecret: cfg.SigningSecretSecretName,
		AgentAPIKey:   cfg.AgentAPIKeySecretName,
	})
	if err != nil {
		return nil, err
	}

	slackClient := slackapi.New(
		&http.Client{Timeout: 30 * time.Second},
		cfg.SlackAPIBaseURL,
		creds.BotToken,
		strings.TrimSpace(opts.AppToken),
	)

	agentClient, err := agentclient.New(agentclient.Options{
		BaseURL:        cfg.AgentURL,
		Assistant:      cfg.AgentAssistant,
		APIKey:         creds.AgentAPIKey,
		RequestTimeout: cfg.AgentRequestTimeout,
	})
	if err != nil {
		return nil, err
	}

	dispatcher, err := dispatch.New(dispatch.Options{
		AllowedChannel: cfg.AllowedChannel,
		Channels:       slackClient,
		Agent:          agentClient,
		Publisher:      slackClient,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	logger.Info("runtime_ready",
		"environment", cfg.Environment,
		"allowed_channel", cfg.AllowedChannel,
		"agent_url", cfg.AgentURL,
		"agent_assistant", cfg.AgentAssistant,
		"agent_request_timeout", cfg.AgentRequestTimeout.String(),
	)
	return &Runtime{
		Config:      cfg,
		Logger:      logger,
		Credentials: creds,
		Slack:       slackClient,
		Agent:       agentClient,
		Dispatcher:  dispatcher,
	}, nil
}

func secretProvider(ctx context.Context, cfg Config) (secrets.Provider, error) {
	if cfg.Environment == EnvProd {
		provider, err := secrets.NewAWSProvider(ctx, cfg.SecretRegion)
		if err != nil {
			return nil, fmt.Errorf("secrets manager provider: %w", err)
		}
		return provider, nil
	}
	return secrets.NewEnvProvider(), nil
}

// LoggerFromViper builds the process logger from log.level / log.format.
func LoggerFromViper() (*slog.Logger, error) {
	level := strings.ToLower(strings.TrimSpace(viper.GetString("log.level")))
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log.level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	format := strings.ToLower(strings.TrimSpace(viper.GetString("log.format")))
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log.format %q", format)
	}
}
