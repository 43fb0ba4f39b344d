package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/tilezen/tileharvester/internal/config"
	"github.com/tilezen/tileharvester/internal/controller"
	"github.com/tilezen/tileharvester/internal/ledger"
	"github.com/tilezen/tileharvester/internal/reporter"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a reference HTTP front-end over the Controller API",
	Long: `serve exposes /download, /cancel-download, /pause-download,
/resume-download, /download-status, and a Server-Sent-Events /progress
stream backed by a single *controller.Controller instance held by the
handler, never a package-level singleton.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// downloadHandler owns the single active run's Controller, if any. A new
// /download request while one is active is rejected rather than silently
// replacing the running Controller.
type downloadHandler struct {
	mu   sync.Mutex
	ctrl *controller.Controller
	log  func(string)
}

func runServe(cmd *cobra.Command, args []string) error {
	h := &downloadHandler{log: func(s string) { logger.Info().Msg(s) }}

	mux := http.NewServeMux()
	mux.HandleFunc("/download", h.handleDownload)
	mux.HandleFunc("/cancel-download", h.handleCancel)
	mux.HandleFunc("/pause-download", h.handlePause)
	mux.HandleFunc("/resume-download", h.handleResume)
	mux.HandleFunc("/download-status", h.handleStatus)
	mux.HandleFunc("/progress", h.handleProgressSSE)

	addr := v.GetString("listen")
	server := &http.Server{
		Addr:         addr,
		Handler:      loggingMiddleware(mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	logger.Info().Str("addr", addr).Msg("serve: listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("request")
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *downloadHandler) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ctrl != nil && !isTerminal(h.ctrl.StateNow()) {
		http.Error(w, "a download is already in progress", http.StatusConflict)
		return
	}

	cfg, err := config.Load(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ldg, err := ledger.Open(cfg.LedgerPath, logger, cfg.SaveFormat, cfg.Scheme)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	p := buildProvider(cfg)
	s, err := buildSink(cfg, p)
	if err != nil {
		ldg.Close()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ctrl, err := controller.New(controller.Params{
		Provider: p,
		Sink:     s,
		Ledger:   ldg,
		Workers:  cfg.Workers,
		TMS:      cfg.TMS,
		ReportEvery: reporter.Callback(func(reporter.Snapshot) {
			// the /progress SSE handler polls Statistics directly rather
			// than subscribing here, so no forwarding is needed.
		}),
		Log: logger,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.ctrl = ctrl
	ctrl.EnqueueBBox(cfg.Bbox(), cfg.ZoomMin, cfg.ZoomMax)
	ctrl.Start(context.Background())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"run_id": ctrl.RunID()})
}

func (h *downloadHandler) active() (*controller.Controller, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ctrl, h.ctrl != nil
}

func (h *downloadHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.active()
	if !ok {
		http.Error(w, "no active download", http.StatusNotFound)
		return
	}
	if err := ctrl.Cancel(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *downloadHandler) handlePause(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.active()
	if !ok {
		http.Error(w, "no active download", http.StatusNotFound)
		return
	}
	if err := ctrl.Pause(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *downloadHandler) handleResume(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.active()
	if !ok {
		http.Error(w, "no active download", http.StatusNotFound)
		return
	}
	if err := ctrl.Resume(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *downloadHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.active()
	if !ok {
		http.Error(w, "no active download", http.StatusNotFound)
		return
	}
	stats := ctrl.Statistics()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleProgressSSE streams Statistics as Server-Sent Events until the run
// reaches a terminal state or the client disconnects.
func (h *downloadHandler) handleProgressSSE(w http.ResponseWriter, r *http.Request) {
	ctrl, ok := h.active()
	if !ok {
		http.Error(w, "no active download", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			stats := ctrl.Statistics()
			payload, _ := json.Marshal(stats)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			if isTerminal(stats.State) {
				return
			}
		}
	}
}
