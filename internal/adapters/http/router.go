// Package http serves the admin API of a running fleet.
package http

import (
	"github.com/gofiber/fiber/v2"
)

// NewApp sets up the routes. proxy may be nil to leave the dashboard unmounted.
func NewApp(handler *FleetHandler, proxy *ProxyHandler) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	api := app.Group("/api")
	v1 := api.Group("/v1")

	v1.Get("/fleet", handler.GetFleet)
	v1.Get("/fleet/circuits", handler.ListCircuits)
	v1.Post("/fleet/rotate", handler.Rotate)
	v1.Get("/fetch", handler.Fetch)
	v1.Get("/containers/:id/logs", handler.GetContainerLogs)

	if proxy != nil {
		app.All(DashboardPrefix, proxy.ProxyRequest)
		app.All(DashboardPrefix+"/*", proxy.ProxyRequest)
	}
	return app
}
