package api

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-monolith/mono"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/example/realtime-chat/modules/directory"
	"github.com/example/realtime-chat/modules/push"
)

// Module is the HTTP/WebSocket gateway. It registers connections, dispatches
// RPC frames to the directory, and delegates group membership to the router.
type Module struct {
	app       *fiber.App
	directory directory.Port
	registry  *push.Registry
	router    *push.Router
	port      string
}

// Compile-time interface checks.
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.DependentModule       = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates a new gateway module. The listen port is read from PORT
// (default 3000).
func NewModule() *Module {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3000"
	}
	return &Module{port: port}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "api"
}

// Dependencies returns the list of module dependencies.
func (m *Module) Dependencies() []string {
	return []string{"directory"}
}

// SetDependencyServiceContainer receives service containers from dependencies.
func (m *Module) SetDependencyServiceContainer(dependency string, container mono.ServiceContainer) {
	if dependency == "directory" {
		m.directory = directory.NewAdapter(container)
	}
}

// SetPush injects the connection registry and group router. Wired manually
// from main because they are not exposed via ServiceContainer.
func (m *Module) SetPush(registry *push.Registry, router *push.Router) {
	m.registry = registry
	m.router = router
}

// Start initializes the Fiber server.
func (m *Module) Start(_ context.Context) error {
	if m.directory == nil {
		return fmt.Errorf("directory adapter dependency not set")
	}
	if m.registry == nil || m.router == nil {
		return fmt.Errorf("push registry/router dependency not set")
	}

	m.app = fiber.New(fiber.Config{
		AppName:               "realtime-chat",
		DisableStartupMessage: true,
		ErrorHandler:          m.errorHandler,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          60 * time.Second,
		IdleTimeout:           120 * time.Second,
	})

	m.app.Use(recover.New())
	m.app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} ${method} ${path} ${latency}\n",
	}))

	m.registerRoutes()

	// Start server in goroutine with startup error detection
	errCh := make(chan error, 1)
	go func() {
		if err := m.app.Listen(":" + m.port); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway failed to start: %w", err)
	case <-time.After(100 * time.Millisecond):
	}

	log.Printf("[api] Gateway started on :%s", m.port)
	return nil
}

// Stop gracefully shuts down the server.
func (m *Module) Stop(ctx context.Context) error {
	if m.app == nil {
		return nil
	}
	log.Println("[api] Shutting down gateway...")
	if err := m.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("failed to shutdown gateway: %w", err)
	}
	return nil
}

// Health returns the health status.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: m.app != nil,
		Message: "operational",
		Details: map[string]any{
			"port":        m.port,
			"connections": m.registry.Count(),
		},
	}
}

// registerRoutes sets up HTTP and WebSocket routes.
func (m *Module) registerRoutes() {
	m.app.Get("/health", m.healthHandler)

	m.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	m.app.Get("/ws", websocket.New(m.handleWebSocket))

	api := m.app.Group("/api/v1")
	api.Get("/chats", m.listChats)
	api.Get("/chats/:id/history", m.getHistory)
}

// errorHandler handles HTTP errors globally.
func (m *Module) errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	log.Printf("[api] HTTP error: code=%d message=%s error=%v", code, message, err)
	return c.Status(code).JSON(ErrorResponse{Error: "http_error", Message: message})
}
