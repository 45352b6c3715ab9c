package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/storyloom/core/internal/middleware"
	"github.com/storyloom/core/internal/modules/analysis"
	pkgredis "github.com/storyloom/core/internal/pkg/redis"
	"github.com/storyloom/core/internal/pkg/response"
)

func (a *App) registerRoutes(rc *pkgredis.Client) {
	r := a.router
	authMW := middleware.Auth(a.cfg.AdminToken)

	r.NoRoute(func(c *gin.Context) {
		response.NotFound(c, "")
	})
	r.NoMethod(func(c *gin.Context) {
		response.MethodNotAllowed(c)
	})

	appInfo := gin.H{
		"name":     "storyloom-core",
		"version":  "1.0.0",
		"homepage": "https://github.com/storyloom/core",
	}

	api := r.Group("/api/v1")
	api.Use(middleware.OptionalAuth(a.cfg.AdminToken))
	api.Use(middleware.RateLimit(rc.Raw()))

	api.GET("", func(c *gin.Context) { c.PureJSON(http.StatusOK, appInfo) })
	api.GET("/info", func(c *gin.Context) { c.PureJSON(http.StatusOK, appInfo) })
	api.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"data": "pong"}) })
	api.GET("/uptime", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"timestamp": time.Since(processStart).Milliseconds()})
	})

	// Cron job inspection (admin)
	api.GET("/jobs", authMW, func(c *gin.Context) {
		response.OK(c, a.sched.List())
	})
	api.POST("/jobs/:name/run", authMW, func(c *gin.Context) {
		if err := a.sched.Run(c.Request.Context(), c.Param("name")); err != nil {
			response.NotFound(c, err.Error())
			return
		}
		response.Accepted(c, gin.H{"name": c.Param("name")})
	})

	analysis.NewHandler(a.analysis).RegisterRoutes(api, authMW)
}

var processStart = time.Now()
