// Package api serves stored snapshot documents over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rewired-gh/marketmovers/internal/logger"
	"github.com/rewired-gh/marketmovers/internal/models"
	"github.com/rewired-gh/marketmovers/internal/period"
	"github.com/rewired-gh/marketmovers/internal/storage"
)

// SnapshotReader is the read side of the snapshot store.
type SnapshotReader interface {
	GetSnapshot(ctx context.Context, day time.Time, mode models.Mode, category models.Category) (*models.Snapshot, error)
	LatestSnapshot(ctx context.Context, mode models.Mode, category models.Category) (*models.Snapshot, error)
}

// Server is the snapshot read API.
type Server struct {
	router *gin.Engine
	srv    *http.Server
	store  SnapshotReader
}

// NewServer creates a server listening on addr.
func NewServer(addr string, store SnapshotReader) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{
		router: router,
		srv:    &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 10 * time.Second},
		store:  store,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/snapshots/:mode", s.getSnapshot)
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("API server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("%s %s -> %d in %v", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// getSnapshot serves GET /api/v1/snapshots/:mode?date=YYYY-MM-DD&category=c.
// Without date the most recent document is returned.
func (s *Server) getSnapshot(c *gin.Context) {
	mode, err := models.ParseMode(c.Param("mode"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var category models.Category
	if raw := c.Query("category"); raw != "" {
		category, err = models.ParseCategory(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	var snap *models.Snapshot
	if raw := c.Query("date"); raw != "" {
		day, parseErr := period.ParseDay(raw)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": parseErr.Error()})
			return
		}
		snap, err = s.store.GetSnapshot(c.Request.Context(), day, mode, category)
	} else {
		snap, err = s.store.LatestSnapshot(c.Request.Context(), mode, category)
	}

	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		return
	}
	if err != nil {
		logger.Error("Failed to read snapshot: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, snap)
}
