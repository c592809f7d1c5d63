package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// SyncService runs syncs on request
type SyncService interface {
	SyncAccount(ctx context.Context, req sync.SyncRequest) (sync.Result, error)
	Running() []sync.RunningSync
}

// StatusStore reads accounts and their stored sync state
type StatusStore interface {
	GetAccount(ctx context.Context, accountID string) (*sync.Account, error)
	GetSyncStatus(ctx context.Context, accountID string) (*sync.SyncStatus, error)
}

// Authenticator resolves the caller of a request
type Authenticator interface {
	UserFromRequest(r *http.Request) (*auth.User, error)
}

// Server is the HTTP trigger for syncs
type Server struct {
	syncs  SyncService
	status StatusStore
	authn  Authenticator
	logger *slog.Logger
	router *gin.Engine
}

// New creates the server. authn may be nil, in which case the userId in
// request bodies is trusted.
func New(syncs SyncService, status StatusStore, authn Authenticator, logger *slog.Logger) *Server {
	s := &Server{
		syncs:  syncs,
		status: status,
		authn:  authn,
		logger: logger.With("component", "http"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	if s.authn != nil {
		api.Use(authMiddleware(s.authn))
	}
	api.POST("/initial-sync", s.handleInitialSync)
	api.GET("/accounts/:id/sync", s.handleSyncStatus)
	api.GET("/syncs", s.handleRunning)

	return r
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
