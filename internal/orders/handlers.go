package orders

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kwanzapay/exchange-api/internal/auth"
	"github.com/kwanzapay/exchange-api/internal/ledger"
	"github.com/kwanzapay/exchange-api/internal/matching"
	"github.com/kwanzapay/exchange-api/pkg/response"
	"github.com/rs/zerolog/log"
)

// GinHandlers contains HTTP handlers for the order lifecycle and market data
// endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// PlaceOrderHandler handles POST requests to place new orders
// Requires a valid JWT token; the order owner comes from the token claims
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requireUserID(c)
		if userID == "" {
			return
		}

		var req PlaceOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.PlaceOrder(userID, req)
		if err != nil {
			handleOrderError(c, err)
			return
		}
		response.Success(c, result)
	}
}

// CancelOrderHandler handles DELETE requests to cancel resting orders
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requireUserID(c)
		if userID == "" {
			return
		}

		result, err := h.service.CancelOrder(userID, c.Param("order_id"))
		if err != nil {
			handleOrderError(c, err)
			return
		}
		response.Success(c, result)
	}
}

// GetOrderHandler handles GET requests for a single order snapshot
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshot, err := h.service.GetOrder(c.Param("order_id"))
		if err != nil {
			handleOrderError(c, err)
			return
		}
		response.Success(c, snapshot)
	}
}

// ListOrdersHandler handles GET requests for the authenticated user's
// orders, with status/side/pair filters and pagination
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requireUserID(c)
		if userID == "" {
			return
		}

		filter := ListOrdersFilter{
			Status:        c.Query("status"),
			Side:          c.Query("side"),
			BaseCurrency:  c.Query("base"),
			QuoteCurrency: c.Query("quote"),
			Page:          intQuery(c, "page", 1),
			PageSize:      intQuery(c, "page_size", defaultPageSize),
		}

		page, err := h.service.ListOrders(userID, filter)
		if err != nil {
			handleOrderError(c, err)
			return
		}
		response.Success(c, page)
	}
}

// ToggleDynamicPricingHandler handles POST requests to enable or disable
// dynamic pricing on the user's own sell limit order
// URL parameter: order_id
func (h *GinHandlers) ToggleDynamicPricingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := requireUserID(c)
		if userID == "" {
			return
		}

		var req struct {
			Enable bool `json:"enable"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.ToggleDynamicPricing(userID, c.Param("order_id"), req.Enable)
		if err != nil {
			handleOrderError(c, err)
			return
		}
		response.Success(c, result)
	}
}

// BestPricesHandler handles GET requests for the top of book of a pair
// Query parameters: base, quote
func (h *GinHandlers) BestPricesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.GetBestPrices(c.Query("base"), c.Query("quote"))
		if err != nil {
			handleOrderError(c, err)
			return
		}
		response.Success(c, result)
	}
}

// DepthHandler handles GET requests for aggregated order book depth
// Query parameters: base, quote, levels
func (h *GinHandlers) DepthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := h.service.GetOrderBookDepth(c.Query("base"), c.Query("quote"), intQuery(c, "levels", 10))
		if err != nil {
			handleOrderError(c, err)
			return
		}
		response.Success(c, result)
	}
}

// RecentTradesHandler handles GET requests for the latest trades of a pair
// Query parameters: base, quote, limit
func (h *GinHandlers) RecentTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trades, err := h.service.GetRecentTrades(c.Query("base"), c.Query("quote"), intQuery(c, "limit", 50))
		if err != nil {
			handleOrderError(c, err)
			return
		}
		response.Success(c, trades)
	}
}

// handleOrderError maps service errors onto the API error taxonomy.
// Settlement invariant violations are bugs: they are logged loudly and
// surface as internal errors.
func handleOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		response.ValidationFailed(c, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		response.InsufficientFunds(c, "insufficient available funds")
	case errors.Is(err, ledger.ErrWalletNotFound):
		response.ValidationFailed(c, "no wallet for the reservation currency")
	case errors.Is(err, matching.ErrNoLiquidity):
		response.NoLiquidity(c, "no liquidity available for market order")
	case errors.Is(err, ErrOrderNotFound):
		response.NotFound(c, "Order not found")
	case errors.Is(err, ErrNotOwner):
		response.Forbidden(c, "order belongs to another user")
	case errors.Is(err, ErrAlreadyTerminal):
		response.Conflict(c, "order is already in a terminal state")
	case errors.Is(err, ledger.ErrSettlementInvariant):
		log.Error().Err(err).Str("service", "orders").Msg("settlement invariant violation")
		response.InternalError(c, "settlement failed")
	default:
		response.Handle(c, nil, err)
	}
}

func requireUserID(c *gin.Context) string {
	claims, exists := c.Get("claims")
	if !exists {
		response.Unauthorized(c, "Missing authentication claims")
		return ""
	}
	userID := auth.GetUserID(claims)
	if userID == "" {
		response.Unauthorized(c, "Invalid user ID in token")
	}
	return userID
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	return value
}
