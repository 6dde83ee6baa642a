// Package healthcheck serves a minimal liveness endpoint for long-lived
// hosts.
package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// NormalizeListen trims the configured listen address; an empty result
// disables the health server.
func NormalizeListen(raw string) string {
	return strings.TrimSpace(raw)
}

// StartServer starts an HTTP server answering GET /healthz. The caller owns
// shutdown.
func StartServer(ctx context.Context, logger *slog.Logger, listen, mode string) (*http.Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "mode": mode})
	})

	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("health_server_error", "addr", srv.Addr, "error", err.Error())
		}
	}()
	logger.Info("health_server_started", "addr", srv.Addr, "mode", mode)
	return srv, nil
}
