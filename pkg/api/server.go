package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"ledger-saga/pkg/ledger"
	"ledger-saga/pkg/logging"
	"ledger-saga/pkg/metrics"
	"ledger-saga/pkg/recovery"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// StatsProvider reports recovery scanner activity.
type StatsProvider interface {
	Stats() recovery.Stats
}

// CircuitReporter reports the store circuit breaker state.
type CircuitReporter interface {
	CircuitState() metrics.CircuitState
}

// Server exposes read-only inspection endpoints. It never creates, advances
// or cancels transfers.
type Server struct {
	store    ledger.Store
	recovery StatsProvider
	router   *mux.Router
	server   *http.Server
	config   ServerConfig
	logger   *logging.Logger
	started  time.Time

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration

	// WriteTimeout for HTTP responses
	WriteTimeout time.Duration

	// RequestTimeout bounds store reads made by a handler
	RequestTimeout time.Duration

	// Registry, when set, is served on /metrics and receives HTTP metrics
	Registry *prometheus.Registry

	Logger *logging.Logger
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        ":8080",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// NewServer creates the API server. recoveryStats may be nil when no
// scanner runs in this process.
func NewServer(store ledger.Store, recoveryStats StatsProvider, config ServerConfig) (*Server, error) {
	if config.Logger == nil {
		config.Logger = logging.Global()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 5 * time.Second
	}

	s := &Server{
		store:    store,
		recovery: recoveryStats,
		config:   config,
		logger:   config.Logger.Named("api"),
		started:  time.Now(),
	}

	r := mux.NewRouter()

	if config.Registry != nil {
		s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"})
		s.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"})

		for _, c := range []prometheus.Collector{s.requests, s.latency} {
			if err := config.Registry.Register(c); err != nil {
				return nil, err
			}
		}
		r.Use(s.metricsMiddleware)
		r.Handle("/metrics", promhttp.HandlerFor(config.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/transactions/{id}", s.handleTransaction).Methods(http.MethodGet)
	r.HandleFunc("/accounts/{id}", s.handleAccount).Methods(http.MethodGet)
	r.HandleFunc("/recovery/stats", s.handleRecoveryStats).Methods(http.MethodGet)

	s.router = r
	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("API server listening", zap.String("address", s.config.Address))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "running",
		"store":     s.store.Name(),
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.started).String(),
	}
	if cr, ok := s.store.(CircuitReporter); ok {
		response["circuit_state"] = cr.CircuitState().String()
	}
	writeJSON(w, http.StatusOK, response)
}

type transactionResponse struct {
	ID           string          `json:"id"`
	Source       string          `json:"source"`
	Destination  string          `json:"destination"`
	Amount       decimal.Decimal `json:"amount"`
	State        ledger.State    `json:"state"`
	CanceledFrom ledger.State    `json:"canceled_from,omitempty"`
	Flag         string          `json:"flag,omitempty"`
	LastModified time.Time       `json:"last_modified"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		s.writeError(w, err, id)
		return
	}

	writeJSON(w, http.StatusOK, transactionResponse{
		ID:           txn.ID,
		Source:       txn.Source,
		Destination:  txn.Destination,
		Amount:       txn.Amount,
		State:        txn.State,
		CanceledFrom: txn.CanceledFrom,
		Flag:         txn.Flag,
		LastModified: txn.LastModified,
		CreatedAt:    txn.CreatedAt,
	})
}

type accountResponse struct {
	ID                   string          `json:"id"`
	Balance              decimal.Decimal `json:"balance"`
	PendingTransactions  []string        `json:"pending_transactions"`
	CanceledTransactions []string        `json:"canceled_transactions"`
	SettledTransactions  []string        `json:"settled_transactions"`
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		s.writeError(w, err, id)
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{
		ID:                   account.ID,
		Balance:              account.Balance,
		PendingTransactions:  nonNil(account.PendingTransactions),
		CanceledTransactions: nonNil(account.CanceledTransactions),
		SettledTransactions:  nonNil(account.SettledTransactions),
	})
}

func (s *Server) handleRecoveryStats(w http.ResponseWriter, r *http.Request) {
	if s.recovery == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"error": "recovery scanner is not running",
		})
		return
	}

	stats := s.recovery.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sweeps":     stats.Sweeps,
		"last_sweep": stats.LastSweep,
		"last_result": map[string]interface{}{
			"found":    stats.LastResult.Found,
			"resumed":  stats.LastResult.Resumed,
			"failed":   stats.LastResult.Failed,
			"flagged":  stats.LastResult.Flagged,
			"skipped":  stats.LastResult.Skipped,
			"dropped":  stats.LastResult.Dropped,
			"duration": stats.LastResult.Duration.String(),
		},
		"queue": map[string]interface{}{
			"depth":     stats.Queue.QueueDepth,
			"submitted": stats.Queue.Submitted,
			"dropped":   stats.Queue.Dropped,
			"failed":    stats.Queue.Failed,
		},
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error, id string) {
	status := http.StatusInternalServerError
	switch {
	case ledger.IsNotFound(err):
		status = http.StatusNotFound
	case ledger.IsRetryable(err), errors.Is(err, ledger.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("id", id), zap.Error(err))
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"id":    id,
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		srw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(srw, r)

		endpoint := endpointOf(r)
		s.requests.WithLabelValues(r.Method, endpoint, http.StatusText(srw.statusCode)).Inc()
		s.latency.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

// statusResponseWriter captures the status code
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// endpointOf returns the route template so ids do not explode label cardinality.
func endpointOf(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return r.URL.Path
	}
	tpl, err := route.GetPathTemplate()
	if err != nil {
		return r.URL.Path
	}
	return tpl
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
