// Package web implements JSON API of the action server
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/actionsrv/app/model"
	"github.com/umputun/actionsrv/app/service"
	"github.com/umputun/actionsrv/app/store"
)

// Server represents the web server
type Server struct {
	store        *store.Store
	runner       Runner
	pool         PoolStats
	active       *service.ActiveRuns
	passwordHash string  // bcrypt hash for basic auth
	version      string
	runRate      float64 // run requests per second allowed from one client
	maxBody      int64
}

// Runner executes actions
type Runner interface {
	Run(ctx context.Context, action model.Action, inputs []byte, headers map[string]string) (model.Run, error)
}

// PoolStats reports worker pool occupancy
type PoolStats interface {
	RunningCount() int
	IdleCount() int
}

// Config holds server configuration
type Config struct {
	Store        *store.Store
	Runner       Runner
	Pool         PoolStats
	Active       *service.ActiveRuns // optional, runs in progress
	PasswordHash string              // bcrypt hash for basic auth (empty to disable)
	Version      string
	RunRate      float64 // run requests per second per client, 10 if not set
	MaxBodySize  int64   // max size of run request body, 1MB if not set
}

// New creates a new web server
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Runner == nil || cfg.Pool == nil {
		return nil, errors.New("web server initialization failed: store, runner and pool are required")
	}
	s := &Server{
		store:        cfg.Store,
		runner:       cfg.Runner,
		pool:         cfg.Pool,
		active:       cfg.Active,
		passwordHash: cfg.PasswordHash,
		version:      cfg.Version,
		runRate:      cfg.RunRate,
		maxBody:      cfg.MaxBodySize,
	}
	if s.active == nil {
		s.active = &service.ActiveRuns{}
	}
	if s.runRate <= 0 {
		s.runRate = 10
	}
	if s.maxBody <= 0 {
		s.maxBody = 1024 * 1024
	}
	return s, nil
}

// Run starts the web server, blocks until ctx is done
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
		// no WriteTimeout, run requests last as long as the action does
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("actionsrv", "umputun", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(s.maxBody),
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.passwordHash != "" {
		log.Printf("[INFO] authentication enabled for api")
		router.Use(s.authMiddleware)
	}

	runLimiter := tollbooth.NewLimiter(s.runRate, nil)
	runLimiter.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.HandleFunc("GET /pool", s.handlePool)
		api.HandleFunc("GET /actions", s.handleActions)
		api.HandleFunc("GET /runs", s.handleRuns)
		api.HandleFunc("GET /runs/{id}", s.handleRun)
		api.With(tollbooth.HTTPMiddleware(runLimiter)).HandleFunc("POST /actions/{package}/{action}/run", s.handleRunAction)
	})

	return router
}
