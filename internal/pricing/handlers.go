package pricing

import (
	"github.com/gin-gonic/gin"
	"github.com/kwanzapay/exchange-api/internal/types"
	"github.com/kwanzapay/exchange-api/pkg/response"
)

// GinHandlers contains HTTP handlers for operator pricing endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RunBatchHandler handles POST requests from the external scheduler to run
// one pricing batch immediately
func (h *GinHandlers) RunBatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.RunBatch()
		response.Handle(c, result, err)
	}
}

// GetConfigHandler handles GET requests for the pricing settings
func (h *GinHandlers) GetConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cfg, err := h.service.GetConfig()
		response.Handle(c, cfg, err)
	}
}

// UpdateConfigHandler handles PUT requests to change the pricing settings.
// Submitting batch_running=false also clears a flag left by a crashed run.
func (h *GinHandlers) UpdateConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var cfg types.PricingConfig
		if err := c.ShouldBindJSON(&cfg); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		updated, err := h.service.UpdateConfig(&cfg)
		response.Handle(c, updated, err)
	}
}
