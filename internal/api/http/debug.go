// Package http serves the worker's operational endpoints: liveness and
// prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// healthy is the worker-wide liveness flag (1 = up).
var healthy atomic.Int32

// SetHealthy flips the /healthz verdict. The supervisor marks the worker
// healthy once it accepts work and unhealthy when shutdown begins.
func SetHealthy(up bool) {
	if up {
		healthy.Store(1)
	} else {
		healthy.Store(0)
	}
}

// NewRouter creates the debug router.
func NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", checkHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func checkHealth(w http.ResponseWriter, _ *http.Request) {
	status := "UP"
	code := http.StatusOK
	if healthy.Load() != 1 {
		status = "DOWN"
		code = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// Serve runs the debug listener until ctx is canceled. Failures are logged,
// never fatal: losing /metrics must not take down job execution.
func Serve(ctx context.Context, addr string, log zerolog.Logger) {
	server := &http.Server{
		Addr:         addr,
		Handler:      NewRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("debug server starting")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Stack().Err(err).Msg("debug server failed")
	}
}
