// Package socketcmd runs the development host: a long-lived Socket Mode
// connection. Every inbound frame is acknowledged immediately, decoupled
// from dispatch completion, and handed to the shared event dispatcher.
package socketcmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/puresort/slackbot/integration"
	"github.com/puresort/slackbot/internal/configutil"
	"github.com/puresort/slackbot/internal/healthcheck"
)

type socketEnvelope struct {
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Type       string          `json:"type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

const reconnectDelay = 2 * time.Second

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "socket",
		Short: "Run the bot over a Slack Socket Mode connection (dev)",
		RunE: func(cmd *cobra.Command, args []string) error {
			appToken := strings.TrimSpace(configutil.FlagOrViperString(cmd, "app-token", "slack.app_token"))
			if appToken == "" {
				return fmt.Errorf("missing slack.app_token (set via --app-token or SLACKBOT_SLACK_APP_TOKEN)")
			}

			logger, err := integration.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			rt, err := integration.New(cmd.Context(), logger, integration.Options{AppToken: appToken})
			if err != nil {
				return err
			}

			auth, err := rt.Slack.AuthTest(cmd.Context())
			if err != nil {
				return fmt.Errorf("slack auth.test: %w", err)
			}

			maxConc := configutil.FlagOrViperInt(cmd, "max-concurrency", "socket.max_concurrency")
			if maxConc <= 0 {
				maxConc = 3
			}
			sem := make(chan struct{}, maxConc)

			healthListen := healthcheck.NormalizeListen(configutil.FlagOrViperString(cmd, "health-listen", "health.listen"))
			if healthListen != "" {
				healthServer, err := healthcheck.StartServer(cmd.Context(), logger, healthListen, "socket")
				if err != nil {
					logger.Warn("socket_health_server_start_error", "addr", healthListen, "error", err.Error())
				} else {
					defer func() {
						shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
						_ = healthServer.Shutdown(shutdownCtx)
						cancel()
					}()
				}
			}

			logger.Info("socket_start",
				"bot_user_id", auth.UserID,
				"team", auth.Team,
				"allowed_channel", rt.Config.AllowedChannel,
				"max_concurrency", maxConc,
			)

			for {
				if cmd.Context().Err() != nil {
					logger.Info("socket_stop", "reason", "context_canceled")
					return nil
				}
				conn, err := rt.Slack.ConnectSocket(cmd.Context())
				if err != nil {
					if cmd.Context().Err() != nil {
						logger.Info("socket_stop", "reason", "context_canceled")
						return nil
					}
					logger.Warn("socket_connect_error", "error", err.Error())
					if err := sleepWithContext(cmd.Context(), reconnectDelay); err != nil {
						return nil
					}
					continue
				}
				logger.Info("socket_connected")

				readErr := consumeSocket(cmd.Context(), conn, func(envelope socketEnvelope) {
					if strings.TrimSpace(envelope.Type) != "events_api" || len(envelope.Payload) == 0 {
						return
					}
					// Duplicate deliveries (Slack retries at least once per
					// frame) dispatch independently; there is no dedup.
					payload := append([]byte(nil), envelope.Payload...)
					sem <- struct{}{}
					go func() {
						defer func() { <-sem }()
						outcome, err := rt.Dispatcher.Dispatch(context.Background(), payload)
						if err != nil {
							logger.Warn("socket_dispatch_error", "error", err.Error())
							return
						}
						logger.Debug("socket_dispatched", "status", string(outcome.Status), "reason", outcome.Reason)
					}()
				})
				_ = conn.Close()
				if readErr != nil && !errors.Is(readErr, context.Canceled) && !errors.Is(readErr, context.DeadlineExceeded) {
					logger.Warn("socket_read_error", "error", readErr.Error())
				}
			}
		},
	}

	cmd.Flags().String("app-token", "", "Slack app-level token for Socket Mode (xapp-...).")
	cmd.Flags().Int("max-concurrency", 3, "Max number of events dispatched concurrently.")
	cmd.Flags().String("health-listen", "", "Optional health endpoint listen address (e.g. 127.0.0.1:9090).")

	return cmd
}

// consumeSocket reads envelopes until the connection drops. Envelope acks go
// out before the handler runs so slow dispatches never delay acknowledgment.
func consumeSocket(ctx context.Context, conn *websocket.Conn, onEnvelope func(envelope socketEnvelope)) error {
	if conn == nil {
		return fmt.Errorf("websocket connection is nil")
	}
	for {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var envelope socketEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}
		if strings.TrimSpace(envelope.EnvelopeID) != "" {
			if err := conn.WriteJSON(map[string]string{"envelope_id": envelope.EnvelopeID}); err != nil {
				return err
			}
		}
		if onEnvelope != nil {
			onEnvelope(envelope)
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
