package controllers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthChecker reports component health; "status" is "ok" when everything is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) map[string]interface{}
}

// HealthController handles health and metrics requests
type HealthController struct {
	checker HealthChecker
}

func NewHealthController(checker HealthChecker) *HealthController {
	return &HealthController{checker: checker}
}

// RegisterRoutes registers the public health routes
func (c *HealthController) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", c.Health)
	router.GET("/health/live", c.HealthLive)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (c *HealthController) HealthLive(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Health returns 503 when the broker or a configured store is unreachable
func (c *HealthController) Health(ctx *gin.Context) {
	report := c.checker.HealthCheck(ctx.Request.Context())
	status := http.StatusOK
	if report["status"] != "ok" {
		status = http.StatusServiceUnavailable
	}
	ctx.JSON(status, report)
}
