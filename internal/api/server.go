// Package api exposes the service's HTTP surface: the webhook intake, a
// health probe, and static hosting for rendered diff images.
package api

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"github.com/assetdiffbot/internal/config"
	"github.com/assetdiffbot/internal/job"
)

// Enqueuer persists a job envelope into the durable queue.
type Enqueuer interface {
	Enqueue(env *job.Envelope) error
}

// FileLister fetches a pull request's changed-file list from the platform.
type FileLister interface {
	ListChangedFiles(ctx context.Context, installation int64, repo job.Repository, prNumber int) ([]job.FileChange, error)
}

// Server represents the API server
type Server struct {
	echo  *echo.Echo
	cfg   *config.Config
	queue Enqueuer
	files FileLister
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, queue Enqueuer, files FileLister) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Recover())

	server := &Server{
		echo:  e,
		cfg:   cfg,
		queue: queue,
		files: files,
	}

	// Setup routes
	server.setupRoutes()

	return server
}

// setupRoutes configures all API endpoints
func (s *Server) setupRoutes() {
	// Health check endpoint
	s.echo.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "healthy",
		})
	})

	s.echo.POST("/webhook", s.WebhookHandler)

	// Rendered diff images referenced from published reports.
	s.echo.Static("/images", s.cfg.OutputDir())
}

// Start begins the API server and blocks until an interrupt arrives.
func (s *Server) Start() error {
	go func() {
		if err := s.echo.Start(s.cfg.Server.Listen); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.echo.Shutdown(ctx)
}

// Handler exposes the underlying HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
