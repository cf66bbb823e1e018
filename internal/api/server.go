// Package api serves the operational HTTP endpoints.
package api

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"

	"github.com/gmsas95/medassist/internal/metrics"
)

// Server exposes health and metrics over HTTP. The bot itself never
// listens; this is for operators only.
type Server struct {
	app    *fiber.App
	logger *zap.Logger
	addr   string
}

// New creates the status server.
func New(address string, port int, m *metrics.Metrics, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	return &Server{
		app:    app,
		logger: logger,
		addr:   fmt.Sprintf("%s:%d", address, port),
	}
}

// Listen blocks serving HTTP until Shutdown is called.
func (s *Server) Listen() error {
	s.logger.Info("status server listening", zap.String("addr", s.addr))
	return s.app.Listen(s.addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
