// Package servecmd runs the request/response host: an HTTP server exposing
// the Slack Events API webhook. In production it sits behind an API gateway
// in front of the container runtime; in development it is typically exposed
// through an HTTP tunnel.
package servecmd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/puresort/slackbot/integration"
	"github.com/puresort/slackbot/internal/configutil"
	"github.com/puresort/slackbot/internal/dispatch"
	"github.com/puresort/slackbot/internal/slacksig"
)

const maxBodyBytes = 1 << 20

type serveConfig struct {
	listen string
	// verifySignatures disables signing-secret checks only for local
	// testing; production keeps it on.
	verifySignatures bool
	// processBeforeResponse acknowledges event callbacks before dispatch
	// completes. Required behind a function-as-a-service gateway where the
	// platform retries any response slower than its budget.
	processBeforeResponse bool
}

type server struct {
	cfg        serveConfig
	dispatcher *dispatch.Dispatcher
	signingKey string
	logger     *slog.Logger
	now        func() time.Time
}

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Slack events webhook server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := integration.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			rt, err := integration.New(cmd.Context(), logger, integration.Options{})
			if err != nil {
				return err
			}

			cfg := loadServeConfig(cmd)
			srv := &server{
				cfg:        cfg,
				dispatcher: rt.Dispatcher,
				signingKey: rt.Credentials.SigningSecret,
				logger:     logger,
				now:        time.Now,
			}

			logger.Info("serve_start",
				"listen", cfg.listen,
				"verify_signatures", cfg.verifySignatures,
				"process_before_response", cfg.processBeforeResponse,
				"allowed_channel", rt.Config.AllowedChannel,
			)
			return srv.run(cmd.Context())
		},
	}

	cmd.Flags().String("listen", ":3000", "Webhook server listen address.")
	cmd.Flags().Bool("verify-signatures", true, "Verify Slack request signatures.")
	cmd.Flags().Bool("process-before-response", false, "Acknowledge event callbacks before dispatching (FaaS gateways).")

	return cmd
}

func loadServeConfig(cmd *cobra.Command) serveConfig {
	listen := strings.TrimSpace(configutil.FlagOrViperString(cmd, "listen", "serve.listen"))
	if listen == "" {
		listen = ":3000"
	}
	return serveConfig{
		listen:                listen,
		verifySignatures:      configutil.FlagOrViperBool(cmd, "verify-signatures", "serve.verify_signatures"),
		processBeforeResponse: configutil.FlagOrViperBool(cmd, "process-before-response", "slack.process_before_response"),
	}
}

func (s *server) run(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.cfg.listen,
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
		s.logger.Info("serve_stop", "reason", "context_canceled")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/slack/events", s.handleEvents)
	return mux
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if s.cfg.verifySignatures {
		err := slacksig.Verify(
			s.signingKey,
			r.Header.Get("X-Slack-Signature"),
			r.Header.Get("X-Slack-Request-Timestamp"),
			body,
			s.now(),
		)
		if err != nil {
			s.logger.Warn("serve_signature_rejected", "error", err.Error())
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	event, challenge, err := dispatch.ParseEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}

	if event.Type == "url_verification" {
		// The platform enforces a short response budget on verification;
		// echo synchronously and verbatim.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge))
		return
	}

	if event.Type == "event_callback" && s.cfg.processBeforeResponse {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		go func(raw []byte) {
			if _, err := s.dispatcher.Dispatch(context.Background(), raw); err != nil {
				s.logger.Warn("serve_dispatch_error", "error", err.Error())
			}
		}(body)
		return
	}

	outcome, err := s.dispatcher.Dispatch(r.Context(), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	// Agent failures were already converted into an apology reply; an
	// accepted event never surfaces as a 5xx, which would trigger
	// platform-side redelivery.
	status := outcome.Status
	if status == dispatch.StatusError {
		status = dispatch.StatusOK
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": string(status)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(msg)})
}
