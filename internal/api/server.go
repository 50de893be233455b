// internal/api/server.go
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deyno-dev/autobuysell/internal/bot"
	"github.com/deyno-dev/autobuysell/internal/monitor"
	"github.com/deyno-dev/autobuysell/internal/position"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Positions is the read side of the ledger.
type Positions interface {
	Accounts() []string
	SnapshotAll(account string) []position.Record
}

// Sweeps exposes the outcome of the last monitor pass.
type Sweeps interface {
	LastReport() (monitor.SweepReport, bool)
}

// Queue reports undelivered events; *events.Bus implements it.
type Queue interface {
	Pending() int
}

// Dispatcher runs operator commands; *bot.CommandBus implements it.
type Dispatcher interface {
	Send(ctx context.Context, cmd bot.TradingCommand) error
}

// Config holds the server's collaborators. Everything but Positions is
// optional; routes without their collaborator are not registered.
type Config struct {
	Addr      string
	Positions Positions
	Sweeps    Sweeps
	Events    Queue
	Commands  Dispatcher
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
	Now       func() time.Time
}

// Server is the status and control HTTP API.
type Server struct {
	positions Positions
	sweeps    Sweeps
	events    Queue
	commands  Dispatcher
	logger    *zap.Logger
	now       func() time.Time
	router    *mux.Router
	http      *http.Server
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		positions: cfg.Positions,
		sweeps:    cfg.Sweeps,
		events:    cfg.Events,
		commands:  cfg.Commands,
		logger:    cfg.Logger.Named("api"),
		now:       cfg.Now,
	}
	s.router = s.routes(cfg.Gatherer)
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

func (s *Server) routes(gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()
	router.Use(s.recovery)
	router.Use(s.logging)

	router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	router.HandleFunc("/positions", s.listPositions).Methods(http.MethodGet)
	router.HandleFunc("/positions/{account}", s.accountPositions).Methods(http.MethodGet)
	if s.commands != nil {
		router.HandleFunc("/positions", s.open).Methods(http.MethodPost)
		router.HandleFunc("/positions/{account}/{asset}", s.forget).Methods(http.MethodDelete)
		router.HandleFunc("/positions/{account}/{asset}/sell", s.sell).Methods(http.MethodPost)
	}
	if gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return router
}

// Handler returns the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API listening", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr))
	})
}

func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("Handler panic",
					zap.Any("panic", p),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"))
				s.respondWithError(w, http.StatusInternalServerError, "internal error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
