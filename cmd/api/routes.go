package main

import (
	"context"
	"net/http"
	"time"

	"contact-center/internal/auth"
	"contact-center/internal/httpapi"
	"contact-center/pkg/logger"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	handlers httpapi.Handlers
	authMW   gin.HandlerFunc
	media    http.Handler
	metrics  http.Handler
	ready    func(context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if d.ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
			defer cancel()
			if err := d.ready(ctx); err != nil {
				logger.FromGin(c).Warn("readiness check failed", "err", err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.metrics != nil {
		r.GET("/metrics", gin.WrapH(d.metrics))
	}

	// Vendor webhooks authenticate by signature, not by token.
	d.handlers.RegisterWebhooks(r)
	if d.media != nil {
		r.GET("/media/twilio", gin.WrapH(d.media))
	}

	v1 := r.Group("/v1")
	v1.Use(d.authMW)
	v1.GET("/me", func(c *gin.Context) {
		id, _ := auth.IdentityFrom(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "role": id.Role, "teams": id.Teams})
	})
	d.handlers.RegisterV1(v1)
}
