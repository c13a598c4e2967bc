// Package httpapi wires the HTTP transport (Gin) to the connection
// supervisor, repositories, and route handlers. It centralizes
// cross-cutting concerns: tracing, correlation IDs, logging, panic
// recovery, metrics, CORS, security headers, and rate limiting.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/openfish/sellerbot/internal/bus"
	"github.com/openfish/sellerbot/internal/config"
	"github.com/openfish/sellerbot/internal/http/handlers"
	"github.com/openfish/sellerbot/internal/http/middleware"
	"github.com/openfish/sellerbot/internal/platform"
)

// managerShim adapts *platform.Manager to the narrow interfaces the
// handlers consume, resolving the live connection per call so a
// reconnect between requests is transparent.
type managerShim struct {
	m *platform.Manager
}

// Start proxies Manager.Start.
func (s managerShim) Start(ctx context.Context, accountID string) error {
	return s.m.Start(ctx, accountID)
}

// Stop proxies Manager.Stop.
func (s managerShim) Stop(ctx context.Context, accountID string) error {
	return s.m.Stop(ctx, accountID)
}

// Restart proxies Manager.Restart.
func (s managerShim) Restart(ctx context.Context, accountID string) error {
	return s.m.Restart(ctx, accountID)
}

// Status proxies Manager.Status.
func (s managerShim) Status() map[string]platform.State { return s.m.Status() }

// ActiveCount proxies Manager.ActiveCount.
func (s managerShim) ActiveCount() int { return s.m.ActiveCount() }

// SendMessage resolves the account's live connection and sends through it.
func (s managerShim) SendMessage(ctx context.Context, accountID, chatID, peerID, text string) error {
	conn, err := s.m.Conn(accountID)
	if err != nil {
		return err
	}
	return conn.SendMessage(ctx, chatID, peerID, text)
}

// ConfirmShipment resolves the connection and confirms shipment.
func (s managerShim) ConfirmShipment(ctx context.Context, accountID, orderID string) error {
	conn, err := s.m.Conn(accountID)
	if err != nil {
		return err
	}
	return conn.ConfirmShipment(ctx, orderID)
}

// FreeShip resolves the connection and marks the order free-shipping.
func (s managerShim) FreeShip(ctx context.Context, accountID, bizOrderID, itemID, buyerID string) error {
	conn, err := s.m.Conn(accountID)
	if err != nil {
		return err
	}
	return conn.FreeShip(ctx, bizOrderID, itemID, buyerID)
}

// FetchOrderDetail resolves the connection and fetches the raw detail.
func (s managerShim) FetchOrderDetail(ctx context.Context, accountID, orderID string) (map[string]any, error) {
	conn, err := s.m.Conn(accountID)
	if err != nil {
		return nil, err
	}
	return conn.FetchOrderDetail(ctx, orderID)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given
// Gin engine.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured access logs
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Rate limiter (per IP)
//  8. CORS and security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, manager *platform.Manager, events *bus.Bus, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(1 << 20))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByIP())
	r.Use(rl.Handler())

	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		NoStore:      false,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	shim := managerShim{m: manager}
	h := handlers.New(db, shim, shim, events)

	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Accounts and their connections
		api.POST("/accounts", h.CreateAccount)
		api.GET("/accounts", h.ListAccounts)
		api.GET("/accounts/status", h.ConnectionStatus)
		api.PUT("/accounts/:id/cookies", h.UpdateAccountCookies)
		api.PUT("/accounts/:id/enabled", h.SetAccountEnabled)
		api.DELETE("/accounts/:id", h.DeleteAccount)
		api.POST("/accounts/:id/start", h.StartAccount)
		api.POST("/accounts/:id/stop", h.StopAccount)
		api.POST("/accounts/:id/restart", h.RestartAccount)

		// Live-connection operations
		api.POST("/accounts/:id/messages", h.SendMessage)
		api.POST("/accounts/:id/orders/:orderId/ship", h.ShipOrder)
		api.POST("/accounts/:id/orders/:orderId/freeship", h.FreeShipOrder)
		api.GET("/accounts/:id/orders/:orderId/detail", h.OrderDetail)

		// Orders and deliveries
		api.GET("/orders", h.ListOrders)
		api.GET("/orders/:orderId", h.GetOrder)
		api.GET("/orders/:orderId/execution", h.GetOrderExecution)
		api.GET("/deliveries", h.ListDeliveries)

		// Fulfillment rules and stock
		api.GET("/rules", h.ListRules)
		api.POST("/rules", h.CreateRule)
		api.PUT("/rules/:id", h.UpdateRule)
		api.DELETE("/rules/:id", h.DeleteRule)
		api.POST("/rules/:id/stock", h.AddStock)
		api.GET("/rules/:id/stock", h.StockStats)
		api.DELETE("/rules/:id/stock", h.ClearStock)

		// Workflows and executions
		api.GET("/workflows", h.ListWorkflows)
		api.POST("/workflows", h.CreateWorkflow)
		api.GET("/workflows/:id", h.GetWorkflow)
		api.PUT("/workflows/:id", h.UpdateWorkflow)
		api.DELETE("/workflows/:id", h.DeleteWorkflow)
		api.GET("/executions", h.ListExecutions)

		// Change-notification stream
		api.GET("/events/:topic", h.StreamEvents)
	}
}

// limitBody caps the request body size for all endpoints using
// http.MaxBytesReader. Requests exceeding the cap error on read.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
