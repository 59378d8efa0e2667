// Package server exposes health, metrics and read-only wallet state over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"liqguard/internal/feed"
	"liqguard/internal/monitor"
	"liqguard/internal/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Monitor is the wallet state the API reads.
type Monitor interface {
	Running() []string
	WalletStatus(ctx context.Context, address string) (monitor.WalletStatus, error)
	PortfolioSummary(ctx context.Context, address string) (monitor.Portfolio, error)
}

// FeedStatus reports the realtime connection.
type FeedStatus interface {
	Status() feed.Status
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server wraps an http.Server around the router.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// New builds the server. feedStatus may be nil when running poll-only.
func New(addr string, mon Monitor, feedStatus FeedStatus, logger zerolog.Logger) *Server {
	log := logger.With().Str("component", "http").Logger()
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           Routes(mon, feedStatus, log),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: log,
	}
}

// Routes registers every endpoint.
//
//	GET /healthz
//	GET /metrics
//	GET /api/wallets
//	GET /api/wallets/{address}/status
//	GET /api/wallets/{address}/portfolio
//	GET /api/feed/status
func Routes(mon Monitor, feedStatus FeedStatus, logger zerolog.Logger) *mux.Router {
	h := &handlers{monitor: mon, feed: feedStatus}

	router := mux.NewRouter()
	router.Use(recovery(logger), logging(logger))

	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/wallets", h.wallets).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{address}/status", h.walletStatus).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{address}/portfolio", h.portfolio).Methods(http.MethodGet)
	api.HandleFunc("/feed/status", h.feedStatus).Methods(http.MethodGet)
	return router
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("HTTP 服务已启动")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

type handlers struct {
	monitor Monitor
	feed    FeedStatus
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"wallets": len(h.monitor.Running()),
	})
}

func (h *handlers) wallets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"wallets": h.monitor.Running()})
}

func (h *handlers) walletStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.monitor.WalletStatus(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handlers) portfolio(w http.ResponseWriter, r *http.Request) {
	portfolio, err := h.monitor.PortfolioSummary(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

func (h *handlers) feedStatus(w http.ResponseWriter, r *http.Request) {
	if h.feed == nil {
		writeJSON(w, http.StatusOK, feed.Status{State: "disabled"})
		return
	}
	writeJSON(w, http.StatusOK, h.feed.Status())
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, storage.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
