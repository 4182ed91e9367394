package router

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/psds-microservice/escalation-service/api"
	"github.com/psds-microservice/escalation-service/internal/handler"
	"github.com/psds-microservice/helpy/paths"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

const pathMetrics = "/metrics"

type Handlers struct {
	Tickets     *handler.TicketHandler
	Escalations *handler.EscalationHandler
	Agents      *handler.AgentHandler
	Ready       http.HandlerFunc
	Metrics     http.Handler
}

func New(h Handlers) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())
	r.GET(paths.PathHealth, gin.WrapF(handler.Health))
	r.GET(paths.PathReady, gin.WrapF(h.Ready))
	if h.Metrics != nil {
		r.GET(pathMetrics, gin.WrapH(h.Metrics))
	}
	r.GET(paths.PathSwagger, func(c *gin.Context) { c.Redirect(http.StatusFound, paths.PathSwagger+"/") })
	r.GET(paths.PathSwagger+"/*any", func(c *gin.Context) {
		if strings.TrimPrefix(c.Param("any"), "/") == "openapi.json" {
			c.Data(http.StatusOK, "application/json", api.OpenAPISpec)
			return
		}
		if strings.TrimPrefix(c.Param("any"), "/") == "" {
			c.Request.URL.Path = paths.PathSwagger + "/index.html"
			c.Request.RequestURI = paths.PathSwagger + "/index.html"
		}
		ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL(paths.PathSwagger+"/openapi.json"))(c)
	})

	v1 := r.Group("/api/v1")
	{
		v1.POST("/escalations", h.Escalations.Escalate)

		v1.POST("/agents/:id/heartbeat", h.Agents.Heartbeat)
		v1.GET("/agents", h.Agents.List)

		v1.POST("/tickets", h.Tickets.Create)
		v1.GET("/tickets", h.Tickets.List)
		v1.GET("/tickets/:id", h.Tickets.Get)
		v1.GET("/tickets/:id/messages", h.Tickets.Messages)
		v1.POST("/tickets/:id/messages", h.Tickets.AppendMessage)
		v1.POST("/tickets/:id/claim", h.Tickets.Claim)
		v1.POST("/tickets/:id/unclaim", h.Tickets.Unclaim)
		v1.POST("/tickets/:id/resolve", h.Tickets.Resolve)
		v1.POST("/tickets/:id/transfer", h.Tickets.Transfer)
		v1.GET("/tickets/:id/transfer-candidates", h.Tickets.TransferCandidates)
		v1.GET("/tickets/:id/rating", h.Tickets.Rating)
		v1.POST("/tickets/:id/rating", h.Tickets.Rate)
	}

	return r
}

// requestLog пишет строку на запрос; health/ready/metrics только на debug.
func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		level := slog.LevelInfo
		switch c.FullPath() {
		case paths.PathHealth, paths.PathReady, pathMetrics:
			level = slog.LevelDebug
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(c.Request.Context(), level, "http: request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
