package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/avilov-dev/dmpilot/docs"
	"github.com/avilov-dev/dmpilot/pkg/metrics"
)

func NewHTTPServer(addr string, h *Handlers) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery(), Observability())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.POST("/campaigns", h.CreateCampaign)
	r.GET("/campaigns", h.ListCampaigns)
	r.GET("/campaigns/:id", h.GetCampaign)

	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)

	r.POST("/events", h.IngestEvent)

	r.GET("/docs", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", docs.CampaignSwaggerHTML)
	})
	r.GET("/docs/campaign-api/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", docs.CampaignOpenAPI)
	})

	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}
