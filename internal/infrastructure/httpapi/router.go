package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/DavidABSiepmann/image-socket-sub001/internal/infrastructure/config"
	obs "github.com/DavidABSiepmann/image-socket-sub001/internal/infrastructure/observability"
	"github.com/DavidABSiepmann/image-socket-sub001/internal/usecase"
)

type Deps struct {
	Cfg      config.Config
	Logger   *zerolog.Logger
	Metrics  *obs.Metrics
	Bridge   *usecase.Bridge
	Diags    *usecase.Aggregator
	Monitor  *MonitorHub
	Registry *Registry
}

func NewRouterWithDeps(d *Deps) http.Handler {
	h := withCORS(d.Cfg, buildBaseMux(d))
	if d.Cfg.EnableH2C {
		// websocket upgrades are plain HTTP/1.1 requests and pass through
		h = h2c.NewHandler(h, &http2.Server{})
	}
	return h
}

// buildBaseMux constructs the mux with all routes, without wrappers.
func buildBaseMux(d *Deps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	mux.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"name":    "image-socket",
			"version": obs.Version,
			"commit":  obs.Commit,
			"time":    time.Now().UTC(),
		})
	})

	// Server lifecycle
	mux.HandleFunc("/api/server", d.handleServerStatus)
	mux.HandleFunc("/api/server/start", d.handleServerStart)
	mux.HandleFunc("/api/server/stop", d.handleServerStop)
	mux.HandleFunc("/api/server/reset", d.handleServerReset)

	// Client control
	mux.HandleFunc("/api/fps", d.handleFps)
	mux.HandleFunc("/api/quality", d.handleQuality)
	mux.HandleFunc("/api/active", d.handleActive)
	mux.HandleFunc("/api/active/frame", d.handleActiveFrame)
	mux.HandleFunc("/api/active/pause", d.handleActivePause)
	mux.HandleFunc("/api/active/resume", d.handleActiveResume)
	mux.HandleFunc("/api/clients", d.handleClients)

	mux.HandleFunc("/api/diagnostics", d.handleDiagnostics)

	// Events: websocket for display clients, SSE for everything else
	mux.HandleFunc("/api/monitor/ws", d.Monitor.HandleWS)
	mux.HandleFunc("/api/events", d.handleEventStream)

	return mux
}

func withCORS(cfg config.Config, h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", cfg.CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}
