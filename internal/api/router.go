package api

import (
	"github.com/gin-gonic/gin"

	"github.com/confio/sponsor-gateway/internal/config"
	"github.com/confio/sponsor-gateway/internal/metrics"
)

// NewRouter builds the gateway engine: open probes and /metrics, token-gated
// and rate-limited /v1 and /admin groups.
func NewRouter(cfg config.ServerConfig, h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), metrics.Middleware())

	h.RegisterHealth(r)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	auth := TokenAuth(cfg.APIToken)
	limit := RateLimit(cfg.RateLimit, cfg.RateBurst)
	h.Register(r.Group("/v1", auth, limit))
	h.RegisterAdmin(r.Group("/admin", auth, limit))
	return r
}
