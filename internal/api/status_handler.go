package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// StatusProvider assembles the JSON documents behind the status routes.
type StatusProvider interface {
	// Peers lists connected and negotiating peers.
	Peers(ctx context.Context) (any, error)
	// Stats reports encoder, loss and relay counters.
	Stats(ctx context.Context) (any, error)
}

const statusTimeout = 2 * time.Second

type StatusHandler struct {
	provider StatusProvider
	logger   *zap.Logger
}

func NewStatusHandler(provider StatusProvider, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{provider: provider, logger: logger}
}

// RegisterRoutes registers status API routes
func (h *StatusHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/peers", h.serve(h.provider.Peers))
	mux.HandleFunc("/api/stats", h.serve(h.provider.Stats))
}

func (h *StatusHandler) serve(get func(context.Context) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
		defer cancel()

		doc, err := get(ctx)
		if err != nil {
			h.logger.Warn("status unavailable", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, "Status unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			h.logger.Warn("failed to encode status", zap.Error(err))
		}
	}
}
