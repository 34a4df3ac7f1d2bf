package main

import (
	"net/http"

	"linguist-desk/internal/httpapi"
	"linguist-desk/internal/rbac"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	handlers    httpapi.Handlers
	authMW      gin.HandlerFunc
	deskLimiter *httpapi.Limiter
	authLimiter *httpapi.Limiter
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", httpapi.Health)

	v1 := r.Group("/v1")

	// Backend login proxy, public but rate limited per IP.
	d.handlers.RegisterAuth(v1.Group("/auth", httpapi.RateLimit(d.authLimiter)))

	v1.GET("/me", d.authMW, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id": c.GetString("user_id"),
			"role":    c.GetString("role"),
		})
	})

	desk := v1.Group("/desk")
	desk.Use(d.authMW)
	desk.Use(httpapi.RateLimit(d.deskLimiter))
	desk.Use(rbac.RequireAnyRole(rbac.RoleLinguist, rbac.RoleSupervisor))
	d.handlers.RegisterDesk(desk)
}
