// Package server exposes the chatsync daemon's metrics and health
// endpoints over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/chatsync/chat"
)

const shutdownTimeout = 10 * time.Second

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	// Metrics serves /metrics. Nil leaves the route unregistered.
	Metrics http.Handler

	// Status reports the live connection status for /healthz.
	Status func() chat.ConnectionStatus

	Logger *slog.Logger
}

type healthResponse struct {
	State        string `json:"state"`
	Transport    string `json:"transport,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	Attempt      int    `json:"attempt,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

// NewMux builds the HTTP mux. /healthz answers 200 while events are
// flowing on either transport and 503 otherwise.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	mux.HandleFunc("GET /healthz", handleHealth(cfg))

	return mux
}

func handleHealth(cfg MuxConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var st chat.ConnectionStatus
		if cfg.Status != nil {
			st = cfg.Status()
		}

		code := http.StatusOK
		if !st.Online() {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)

		err := json.NewEncoder(w).Encode(healthResponse{
			State:        st.State.String(),
			Transport:    string(st.Mode),
			ConnectionID: st.ConnectionID,
			Attempt:      st.Attempt,
			LastError:    st.LastError,
		})
		if err != nil && cfg.Logger != nil {
			cfg.Logger.Debug("writing health response", slog.String("error", err.Error()))
		}
	}
}

// Run serves handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Run(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting status server", slog.String("listen", addr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down status server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server error: %w", err)
	}

	return nil
}
