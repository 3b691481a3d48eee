package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/kwanzapay/exchange-api/internal/auth"
	"github.com/kwanzapay/exchange-api/internal/database"
	"github.com/kwanzapay/exchange-api/internal/ledger"
	"github.com/kwanzapay/exchange-api/internal/matching"
	"github.com/kwanzapay/exchange-api/internal/orders"
	"github.com/kwanzapay/exchange-api/internal/pricing"
	"github.com/kwanzapay/exchange-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main initializes and runs the exchange API server with graceful shutdown
// support. It sets up the ledger, matching and pricing services, the
// database connection and the API routes.
func main() {
	// Initialize database
	db, err := database.NewDatabase(os.Getenv("DB_PATH"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "kwanzapay-secret-key"
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register demo credentials
	authService.RegisterAPICredentials(auth.DemoAPIKey, auth.DemoAPISecret)

	ledgerService := ledger.NewService(db)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)

	engine := matching.NewEngine(ledgerService, matching.DefaultFeeSchedule())

	orderService := orders.NewService(db, ledgerService, engine, orders.NewConservativeBestAskEstimator())
	orderHandlers := orders.NewGinHandlers(orderService)

	pricingService := pricing.NewService(db)
	pricingHandlers := pricing.NewGinHandlers(pricingService)

	// Create and start the dynamic pricing processor
	pricingProcessor := pricing.NewProcessor(pricingService)
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go pricingProcessor.Start(processorCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, jwtSecret, authHandlers, ledgerHandlers, orderHandlers, pricingHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Order and wallet routes: Protected by JWT authentication
// - Market routes: Public read-only book and trade data
// - Internal routes: Operator endpoints (pricing batch, provisioning)
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	orderHandlers *orders.GinHandlers,
	pricingHandlers *pricing.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orderRoutes := v1.Group("/orders")
		orderRoutes.Use(middleware.JWTAuth(jwtSecret))
		{
			orderRoutes.POST("", orderHandlers.PlaceOrderHandler())
			orderRoutes.GET("", orderHandlers.ListOrdersHandler())
			orderRoutes.GET("/:order_id", orderHandlers.GetOrderHandler())
			orderRoutes.DELETE("/:order_id", orderHandlers.CancelOrderHandler())
			orderRoutes.POST("/:order_id/dynamic-pricing", orderHandlers.ToggleDynamicPricingHandler())
		}

		// Wallet routes
		walletRoutes := v1.Group("/wallets")
		walletRoutes.Use(middleware.JWTAuth(jwtSecret))
		{
			walletRoutes.GET("", ledgerHandlers.ListWalletsHandler())
		}

		// Market data routes (read-only)
		marketRoutes := v1.Group("/market")
		{
			marketRoutes.GET("/best-prices", orderHandlers.BestPricesHandler())
			marketRoutes.GET("/depth", orderHandlers.DepthHandler())
			marketRoutes.GET("/trades", orderHandlers.RecentTradesHandler())
		}

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/pricing/run", pricingHandlers.RunBatchHandler())
			internal.GET("/pricing/config", pricingHandlers.GetConfigHandler())
			internal.PUT("/pricing/config", pricingHandlers.UpdateConfigHandler())
			internal.POST("/wallets/credit", ledgerHandlers.CreditWalletHandler())
		}
	}
}
