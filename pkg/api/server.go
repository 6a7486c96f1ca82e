// Package api is the HTTP request boundary: task submission, task and
// agent reads, budget status, force-start, health, and the WebSocket
// upgrade for the notification bus.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/swarmops/swarmd/pkg/budget"
	"github.com/swarmops/swarmd/pkg/events"
	"github.com/swarmops/swarmd/pkg/orchestrator"
	"github.com/swarmops/swarmd/pkg/store"
)

// Server owns the echo router and the underlying http.Server.
type Server struct {
	echo   *echo.Echo
	http   *http.Server
	logger *slog.Logger

	store  store.Store
	orch   *orchestrator.Orchestrator
	budget *budget.Guard
	hub    *events.Hub
}

// NewServer wires routes and middleware over the orchestrator.
func NewServer(st store.Store, orch *orchestrator.Orchestrator, bg *budget.Guard,
	hub *events.Hub, jwtSecret []byte, logger *slog.Logger) *Server {
	s := &Server{
		echo:   echo.New(),
		logger: logger.With("component", "api"),
		store:  st,
		orch:   orch,
		budget: bg,
		hub:    hub,
	}

	s.echo.Use(securityHeaders())

	// Liveness stays unauthenticated.
	s.echo.GET("/health", s.healthHandler)

	v1 := s.echo.Group("/api/v1", requireAuth(jwtSecret))
	v1.POST("/tasks", s.submitTasksHandler)
	v1.GET("/tasks", s.listTasksHandler)
	v1.GET("/tasks/:id", s.getTaskHandler)
	v1.POST("/tasks/:id/cancel", s.cancelTaskHandler)
	v1.GET("/agents", s.listAgentsHandler)
	v1.GET("/budget", s.budgetHandler)
	v1.POST("/execute/batch", s.executeBatchHandler)
	v1.POST("/execute/:taskId", s.executeTaskHandler)
	v1.GET("/ws", s.wsHandler)

	return s
}

// Start listens on addr and blocks until the listener closes.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
