package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	jobHandler *JobHandler,
	messageHandler *MessageHandler,
	jwtSecret string,
) *Router {
	r := gin.New()
	r.Use(gin.Recovery())

	// Public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected
	auth := r.Group("/api")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.POST("/jobs", jobHandler.Create)
		auth.GET("/jobs", jobHandler.List)
		auth.GET("/jobs/:id", jobHandler.Get)
		auth.DELETE("/jobs/:id", jobHandler.Delete)
		auth.GET("/messages", messageHandler.List)
		auth.GET("/analytics", messageHandler.Analytics)
	}

	return &Router{Engine: r}
}

func (r *Router) Run(addr string) error {
	return r.Engine.Run(addr)
}
