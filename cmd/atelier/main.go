package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/atelier/artifact"
	"github.com/hazyhaar/atelier/engine"
	"github.com/hazyhaar/atelier/history"
	"github.com/hazyhaar/atelier/httpmw"
)

func main() {
	// Load .env file if present (ignore errors).
	_ = godotenv.Load()

	port := env("PORT", "8090")
	configPath := env("CONFIG", "")
	mcpTransport := env("MCP_TRANSPORT", "")
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	if v := env("GEN_BASE_URL", ""); v != "" {
		cfg.Client.BaseURL = v
	}
	if v := env("DB_PATH", ""); v != "" {
		cfg.DBPath = v
	}
	if cfg.Client.BaseURL == "" {
		slog.Error("GEN_BASE_URL (or client.base_url in config) is required")
		os.Exit(1)
	}

	eng, closeStore, err := engine.Open(cfg, nil)
	if err != nil {
		slog.Error("engine", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	// Optional MCP over stdio.
	if mcpTransport == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "atelier",
			Version: "0.1.0",
		}, nil)
		engine.RegisterMCP(mcpSrv, eng)
		slog.Info("MCP stdio starting")
		if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
			slog.Error("MCP stdio", "error", err)
			os.Exit(1)
		}
		return
	}

	// Router.
	r := chi.NewRouter()
	for _, mw := range httpmw.DefaultStack(16 << 20) {
		r.Use(mw)
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok", "version": engine.Version})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/baseline", func(w http.ResponseWriter, req *http.Request) {
			var br engine.BaselineRequest
			if err := decodeBody(req, &br); err != nil {
				writeJSON(w, 400, map[string]string{"error": err.Error()})
				return
			}
			res, err := eng.GenerateBaseline(req.Context(), &br)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 201, res)
		})

		r.Post("/modify", func(w http.ResponseWriter, req *http.Request) {
			var mr engine.ModifyRequest
			if err := decodeBody(req, &mr); err != nil {
				writeJSON(w, 400, map[string]string{"error": err.Error()})
				return
			}
			res, err := eng.Modify(req.Context(), &mr)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, res)
		})

		r.Get("/designs/{designID}/sheets/{sheetID}/history", func(w http.ResponseWriter, req *http.Request) {
			chain, err := eng.GetHistory(req.Context(),
				chi.URLParam(req, "designID"), chi.URLParam(req, "sheetID"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, map[string]any{"versions": chain})
		})

		r.Get("/designs/{designID}/sheets/{sheetID}/events", func(w http.ResponseWriter, req *http.Request) {
			events, err := eng.Events().Recent(req.Context(),
				chi.URLParam(req, "designID"), chi.URLParam(req, "sheetID"), 50)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, 200, map[string]any{"events": events})
		})

		r.Get("/versions/{versionID}/image", func(w http.ResponseWriter, req *http.Request) {
			data, err := eng.GetImage(req.Context(), chi.URLParam(req, "versionID"))
			if err != nil {
				writeError(w, err)
				return
			}
			w.Header().Set("Content-Type", "image/png")
			w.WriteHeader(200)
			w.Write(data)
		})
	})

	// HTTP server.
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Minute, // modification loops wait on renders
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func decodeBody(req *http.Request, v any) error {
	defer io.Copy(io.Discard, req.Body)
	return json.NewDecoder(req.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors to HTTP statuses. A rejected modification is
// not a server fault: it comes back 422 with the drift diagnostics.
func writeError(w http.ResponseWriter, err error) {
	var rejected *engine.RejectedError
	switch {
	case errors.As(err, &rejected):
		writeJSON(w, 422, map[string]any{
			"error":    "rejected",
			"summary":  rejected.Summary(),
			"attempts": rejected.Attempts,
			"report":   rejected.Decision.Report,
		})
	case errors.Is(err, engine.ErrBaselineExists):
		writeJSON(w, 409, map[string]string{"error": err.Error()})
	case errors.Is(err, artifact.ErrNotFound), errors.Is(err, history.ErrNotFound):
		writeJSON(w, 404, map[string]string{"error": err.Error()})
	case errors.Is(err, context.Canceled):
		writeJSON(w, 499, map[string]string{"error": "request cancelled"})
	default:
		writeJSON(w, 500, map[string]string{"error": err.Error()})
	}
}
