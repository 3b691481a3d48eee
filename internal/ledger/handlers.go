package ledger

import (
	"github.com/gin-gonic/gin"
	"github.com/kwanzapay/exchange-api/internal/auth"
	"github.com/kwanzapay/exchange-api/pkg/response"
	"github.com/shopspring/decimal"
)

// GinHandlers contains HTTP handlers for wallet endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListWalletsHandler handles GET requests for the authenticated user's
// wallet balances
func (h *GinHandlers) ListWalletsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, exists := c.Get("claims")
		if !exists {
			response.Unauthorized(c, "Missing authentication claims")
			return
		}
		userID := auth.GetUserID(claims)
		if userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			return
		}

		wallets, err := h.service.ListWallets(userID)
		response.Handle(c, wallets, err)
	}
}

// CreditWalletHandler handles POST requests on the provisioning boundary:
// account funding performed by the wallet app's deposit pipeline, exposed
// here for operators and the simulation.
func (h *GinHandlers) CreditWalletHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			UserID   string          `json:"user_id" binding:"required"`
			Currency string          `json:"currency" binding:"required"`
			Amount   decimal.Decimal `json:"amount" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		wallet, err := h.service.CreditWallet(req.UserID, req.Currency, req.Amount)
		if err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		response.Success(c, wallet)
	}
}
