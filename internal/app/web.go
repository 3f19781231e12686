package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relabs-tech/transfer_arm/internal/arm"
	"github.com/relabs-tech/transfer_arm/internal/cycle"
	"github.com/relabs-tech/transfer_arm/internal/settings"
)

// NewWebHandler builds the HTTP surface: the dashboard websocket, a small
// JSON API, Prometheus metrics and the static dashboard files.
func NewWebHandler(a Arm, d *Dispatcher, dash *Dashboard, webRoot string, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "web")
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", dash.ServeWS)

	// JSON API endpoint: latest status
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, log, http.StatusOK, statusMessage(a.Snapshot()))
	})

	mux.HandleFunc("GET /api/config", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, log, http.StatusOK, configMessage(a.Settings()))
	})

	mux.HandleFunc("POST /api/command", func(w http.ResponseWriter, r *http.Request) {
		var cmd Command
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
		if err := dec.Decode(&cmd); err != nil {
			writeJSON(w, log, http.StatusBadRequest, logMessage("error", "invalid command body: %v", err))
			return
		}
		reply, err := d.Handle(r.Context(), cmd)
		if err != nil {
			writeJSON(w, log, httpStatus(err), logMessage("error", "%s", rejection(err)))
			return
		}
		writeJSON(w, log, http.StatusOK, reply)
	})

	mux.Handle("/metrics", promhttp.Handler())

	// Static files from the web root, if there is one
	if st, err := os.Stat(webRoot); err == nil && st.IsDir() {
		mux.Handle("/", http.FileServer(http.Dir(webRoot)))
	} else if webRoot != "" {
		log.Warn("web root not found, serving API only", "web_root", webRoot)
	}

	return mux
}

// RunWeb serves handler on port until ctx is done.
func RunWeb(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("web server shutdown error", "error", err)
		}
	}()

	logger.Info("web server listening", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, log *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("json encode error", "error", err)
	}
}

// httpStatus maps a command error to a response code.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, arm.ErrBusy), errors.Is(err, arm.ErrNotHomed):
		return http.StatusConflict
	case errors.Is(err, arm.ErrInvalidCommand),
		errors.Is(err, settings.ErrInvalid),
		errors.Is(err, cycle.ErrUnknownState),
		errors.Is(err, ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, arm.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
