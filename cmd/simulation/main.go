package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kwanzapay/exchange-api/internal/auth"
	"github.com/kwanzapay/exchange-api/internal/database"
	"github.com/kwanzapay/exchange-api/internal/ledger"
	"github.com/kwanzapay/exchange-api/internal/matching"
	"github.com/kwanzapay/exchange-api/internal/orders"
	"github.com/kwanzapay/exchange-api/internal/pricing"
	"github.com/kwanzapay/exchange-api/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	minOrders     = 15
	maxOrders     = 150
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
	jwtSecret     = "kwanzapay-secret-key"
	simSecret     = "sim-secret"
)

// Reference EUR/AOA rate the simulated quotes scatter around
const midPrice = 1050

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the exchange API on
// behalf of one simulated user
type simulationClient struct {
	baseURL   string
	userID    string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and authenticates a client for one simulated user
func newSimulationClient(userID string, stats map[string]*routeStats) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		userID:  userID,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		stats: stats,
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    sc.userID,
		"api_secret": simSecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Data struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Data.Token, nil
}

// post sends an authenticated POST request and decodes the envelope data
func (sc *simulationClient) post(path, statKey string, payload, out interface{}) error {
	start := time.Now()
	defer func() {
		sc.stats[statKey].addDuration(time.Since(start))
	}()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest("POST", sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats[statKey].failures++
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats[statKey].failures++
		return fmt.Errorf("%s failed with status %d: %s", path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	envelope := struct {
		Data interface{} `json:"data"`
	}{Data: out}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	return nil
}

// creditWallet funds the simulated user's wallet through the provisioning endpoint
func (sc *simulationClient) creditWallet(currency string, amount int64) error {
	payload := map[string]interface{}{
		"user_id":  sc.userID,
		"currency": currency,
		"amount":   decimal.NewFromInt(amount),
	}
	return sc.post("/api/v1/internal/wallets/credit", "credit", payload, nil)
}

// placeOrder submits a new order to the API and returns its ID and status
func (sc *simulationClient) placeOrder(req orders.PlaceOrderRequest) (*orders.PlaceOrderResponse, error) {
	var result orders.PlaceOrderResponse
	if err := sc.post("/api/v1/orders", "place", req, &result); err != nil {
		return nil, err
	}
	if result.OrderID == "" {
		return nil, fmt.Errorf("no order ID in response")
	}
	return &result, nil
}

// runPricingBatch triggers one dynamic pricing batch run
func (sc *simulationClient) runPricingBatch() (*pricing.BatchResult, error) {
	var result pricing.BatchResult
	if err := sc.post("/api/v1/internal/pricing/run", "pricing", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func printPerformanceStats(stats map[string]*routeStats) {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, rs := range stats {
		min, max, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			rs.name,
			rs.totalCalls,
			rs.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// randomOrder builds a random EUR/AOA order. Prices scatter around the
// reference rate; one in five sell limit orders opts into dynamic pricing.
func randomOrder() orders.PlaceOrderRequest {
	req := orders.PlaceOrderRequest{
		BaseCurrency:  "EUR",
		QuoteCurrency: "AOA",
		Quantity:      decimal.NewFromInt(int64(rand.Intn(50) + 1)),
	}

	if rand.Intn(2) == 0 {
		req.Side = "buy"
	} else {
		req.Side = "sell"
	}

	// Mostly limit orders so the book builds depth for the market orders
	if rand.Intn(10) < 8 {
		req.Kind = "limit"
		price := decimal.NewFromInt(int64(midPrice + rand.Intn(100) - 50))
		req.Price = &price
		if req.Side == "sell" && rand.Intn(5) == 0 {
			req.DynamicEnabled = true
		}
	} else {
		req.Kind = "market"
	}

	return req
}

// main runs the exchange simulation
// It starts a local API server and simulates multiple concurrent traders
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	stats := map[string]*routeStats{
		"auth":    {name: "Authentication"},
		"credit":  {name: "Credit Wallet"},
		"place":   {name: "Place Order"},
		"pricing": {name: "Pricing Batch"},
	}

	// One authenticated client per simulated trader, each funded in both currencies
	clients := make([]*simulationClient, numWorkers)
	for i := range clients {
		userID := fmt.Sprintf("sim-user-%d", i)
		client, err := newSimulationClient(userID, stats)
		if err != nil {
			log.Fatal().Err(err).Str("user_id", userID).Msg("Failed to initialize simulation client")
		}
		if err := client.creditWallet("EUR", 10_000); err != nil {
			log.Fatal().Err(err).Str("user_id", userID).Msg("Failed to fund EUR wallet")
		}
		if err := client.creditWallet("AOA", 20_000_000); err != nil {
			log.Fatal().Err(err).Str("user_id", userID).Msg("Failed to fund AOA wallet")
		}
		clients[i] = client
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	simStats := struct {
		mu           sync.Mutex
		TotalOrders  int
		Placed       int
		Filled       int
		Resting      int
		Rejected     int
		FailedOrders int
		Sides        map[string]int
		Kinds        map[string]int
		StartTime    time.Time
	}{
		Sides:     make(map[string]int),
		Kinds:     make(map[string]int),
		StartTime: time.Now(),
	}

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := clients[workerID]
			for j := 0; j < targetOrders/numWorkers; j++ {
				req := randomOrder()

				result, err := client.placeOrder(req)

				simStats.mu.Lock()
				simStats.TotalOrders++
				simStats.Sides[req.Side]++
				simStats.Kinds[req.Kind]++
				if err != nil {
					// Market orders against a thin book are expected to bounce
					simStats.FailedOrders++
					simStats.mu.Unlock()
					log.Warn().Err(err).Int("worker_id", workerID).Msg("Order not accepted")
					continue
				}
				simStats.Placed++
				switch result.Status {
				case "filled":
					simStats.Filled++
				case "pending", "partially_filled":
					simStats.Resting++
				case "rejected":
					simStats.Rejected++
				}
				simStats.mu.Unlock()

				log.Info().
					Int("worker_id", workerID).
					Str("order_id", result.OrderID).
					Str("side", req.Side).
					Str("kind", req.Kind).
					Str("status", result.Status).
					Msg("Order placed")

				// Random sleep between orders
				time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	// Run one dynamic pricing batch across the standing sell orders
	batch, err := clients[0].runPricingBatch()
	if err != nil {
		log.Error().Err(err).Msg("Pricing batch failed")
	} else {
		log.Info().
			Int("processed", batch.Processed).
			Int("updated", batch.Updated).
			Int("unchanged", batch.Unchanged).
			Msg("Pricing batch completed")
	}

	// Print summary
	duration := time.Since(simStats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("EXCHANGE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
----------------
Total Orders:   %d
Accepted:       %d
Filled:         %d
Resting:        %d
Rejected:       %d
Failed:         %d
Duration:       %v

Side Distribution
-----------------
`, simStats.TotalOrders, simStats.Placed, simStats.Filled, simStats.Resting,
		simStats.Rejected, simStats.FailedOrders, duration.Round(time.Millisecond))

	for side, count := range simStats.Sides {
		barLength := int(float64(count) / float64(simStats.TotalOrders) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-6s: %s (%d)\n", side, bar, count)
	}

	fmt.Println("\nKind Distribution")
	fmt.Println("-----------------")
	for kind, count := range simStats.Kinds {
		barLength := int(float64(count) / float64(simStats.TotalOrders) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-6s: %s (%d)\n", kind, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	printPerformanceStats(stats)
}

// startServer initializes and starts the exchange API server
// Sets up all required services, handlers and routes
func startServer() error {
	// Initialize database
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	authService := auth.NewService(jwtSecret)
	for i := 0; i < numWorkers; i++ {
		authService.RegisterAPICredentials(fmt.Sprintf("sim-user-%d", i), simSecret)
	}

	ledgerService := ledger.NewService(db)
	engine := matching.NewEngine(ledgerService, matching.DefaultFeeSchedule())
	orderService := orders.NewService(db, ledgerService, engine, orders.NewConservativeBestAskEstimator())
	pricingService := pricing.NewService(db)

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)
	orderHandlers := orders.NewGinHandlers(orderService)
	pricingHandlers := pricing.NewGinHandlers(pricingService)

	// Setup routes
	setupRoutes(router, authHandlers, ledgerHandlers, orderHandlers, pricingHandlers)

	// Start the server
	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
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
		}

		// Wallet routes
		walletRoutes := v1.Group("/wallets")
		walletRoutes.Use(middleware.JWTAuth(jwtSecret))
		{
			walletRoutes.GET("", ledgerHandlers.ListWalletsHandler())
		}

		// Market data routes
		marketRoutes := v1.Group("/market")
		{
			marketRoutes.GET("/best-prices", orderHandlers.BestPricesHandler())
			marketRoutes.GET("/depth", orderHandlers.DepthHandler())
			marketRoutes.GET("/trades", orderHandlers.RecentTradesHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/pricing/run", pricingHandlers.RunBatchHandler())
			internal.POST("/wallets/credit", ledgerHandlers.CreditWalletHandler())
		}
	}
}
