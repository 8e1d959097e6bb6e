// Package api exposes the masking service over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/datamask/internal/config"
	"github.com/raaihank/datamask/internal/logger"
	"github.com/raaihank/datamask/internal/service"
	"github.com/raaihank/datamask/internal/websocket"
)

// Enqueuer schedules asynchronous processing of a file
type Enqueuer interface {
	Enqueue(ctx context.Context, fileID int64, product string) (string, error)
}

// Server is the HTTP front end of the masking service
type Server struct {
	config  *config.Config
	logger  *logger.Logger
	service *service.Service
	queue   Enqueuer
	events  *websocket.Hub
	limiter *clientLimiter
	router  *mux.Router
	server  *http.Server
}

// New creates a server. queue may be nil, in which case asynchronous
// processing requests are rejected; events may be nil to disable the
// progress feed.
func New(cfg *config.Config, log *logger.Logger, svc *service.Service, queue Enqueuer, events *websocket.Hub) *Server {
	s := &Server{
		config:  cfg,
		logger:  log.WithComponent("api"),
		service: svc,
		queue:   queue,
		events:  events,
		router:  mux.NewRouter(),
	}
	if cfg.Server.RateLimit.Enabled {
		s.limiter = newClientLimiter(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.events != nil {
		// The upgrade needs the raw ResponseWriter, so no middleware here
		s.router.HandleFunc("/events", s.events.HandleWebSocket).Methods("GET")
	}

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.loggingMiddleware)
	api.Use(s.rateLimitMiddleware)

	api.HandleFunc("/products", s.handleListProducts).Methods("GET")
	api.HandleFunc("/files", s.handleListFiles).Methods("GET")
	api.HandleFunc("/files", s.handleUpload).Methods("POST")
	api.HandleFunc("/files/{id:[0-9]+}", s.handleGetFile).Methods("GET")
	api.HandleFunc("/files/{id:[0-9]+}/children", s.handleListChildren).Methods("GET")
	api.HandleFunc("/files/{id:[0-9]+}/content", s.handleContent).Methods("GET")
	api.HandleFunc("/files/{id:[0-9]+}/process", s.handleProcess).Methods("POST")
	api.HandleFunc("/mappings/export", s.handleExport).Methods("GET")
}

// Start serves HTTP until Stop is called
func (s *Server) Start() error {
	s.logger.Info("Starting datamask API server",
		zap.Int("port", s.config.Server.Port),
		zap.Bool("async_processing", s.queue != nil),
		zap.Bool("rate_limit", s.limiter != nil))

	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping datamask API server")
	return s.server.Shutdown(ctx)
}
