package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func SetupRoutes(router *gin.Engine, s *Services, wsHub *WebSocketHub) {
	router.Use(CORSMiddleware())

	router.GET("/health", Health)

	api := router.Group("/api")
	{
		devices := api.Group("/devices")
		{
			devices.GET("", func(c *gin.Context) {
				GetDevices(c, s)
			})
			devices.POST("", func(c *gin.Context) {
				AddDevice(c, s)
			})
			devices.GET("/:id", func(c *gin.Context) {
				GetDevice(c, s)
			})
			devices.PUT("/:id", func(c *gin.Context) {
				UpdateDevice(c, s)
			})
			devices.DELETE("/:id", func(c *gin.Context) {
				RemoveDevice(c, s)
			})
			devices.POST("/:id/probe", func(c *gin.Context) {
				ProbeDevice(c, s)
			})
			devices.POST("/:id/disconnect", func(c *gin.Context) {
				DisconnectDevice(c, s)
			})
			devices.GET("/:id/session", func(c *gin.Context) {
				GetSession(c, s)
			})
			devices.POST("/:id/exec", func(c *gin.Context) {
				ExecCommand(c, s)
			})
			devices.GET("/:id/status", func(c *gin.Context) {
				DeviceStatus(c, s)
			})
			devices.GET("/:id/logs", func(c *gin.Context) {
				DeviceLogs(c, s)
			})
			devices.GET("/:id/titles", func(c *gin.Context) {
				ListTitles(c, s)
			})
			devices.DELETE("/:id/titles/:game_id", func(c *gin.Context) {
				DeleteTitle(c, s)
			})
		}

		api.POST("/deployments", func(c *gin.Context) {
			SubmitDeployment(c, s)
		})

		jobs := api.Group("/jobs")
		{
			jobs.GET("", func(c *gin.Context) {
				GetJobs(c, s)
			})
			jobs.GET("/:id", func(c *gin.Context) {
				GetJob(c, s)
			})
			jobs.POST("/:id/cancel", func(c *gin.Context) {
				CancelJob(c, s)
			})
		}
	}

	router.GET("/ws", func(c *gin.Context) {
		HandleWebSocket(wsHub, c)
	})
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// RequestLogger logs each request through zerolog.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		if status >= 500 {
			event = log.Error()
		} else if status >= 400 {
			event = log.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}
