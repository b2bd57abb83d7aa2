// Package http provides the HTTP server of the conductor.
package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	v1 "github.com/xiaot623/conductor/internal/transport/http/v1"
	"github.com/xiaot623/conductor/internal/transport/ws"
)

// NewServer creates and configures the HTTP server: the v1 control API,
// the WebSocket channel, health and, when metrics is non-nil, the
// Prometheus scrape endpoint.
func NewServer(engine v1.Engine, agents v1.AgentRegistry, health v1.Pinger, metrics http.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	v1.NewHandler(engine, agents, health).RegisterRoutes(e)
	e.GET("/v1/ws", ws.NewServer(engine, ws.DefaultOptions()).HandleWebSocket)
	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics))
	}

	return e
}
