package cmd

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ticketbox/config"
	"ticketbox/handlers"
	"ticketbox/internal/services/gateway"
	"ticketbox/internal/store"
	_ "ticketbox/migrations"
	"ticketbox/monitoring"
	"ticketbox/security"
	"ticketbox/services"
	"ticketbox/utils"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	pubnub "github.com/pubnub/go"
)

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg.RedisURL)
	defer redisClient.Close()

	// Initialize PubNub (optional; notifications are skipped without keys)
	var pn *pubnub.PubNub
	if cfg.PubNubPublishKey != "" && cfg.PubNubSubscribeKey != "" {
		pnConfig := pubnub.NewConfig()
		pnConfig.PublishKey = cfg.PubNubPublishKey
		pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
		pnConfig.SecretKey = cfg.PubNubSecretKey
		pn = pubnub.NewPubNub(pnConfig)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize gateway client
	gatewayClient := gateway.New(&gateway.Config{
		BaseURL:    cfg.GatewayBaseURL,
		MerchantID: cfg.GatewayMerchantID,
		Secret:     cfg.GatewaySecret,
		Currency:   cfg.GatewayCurrency,
	}, cfg.GatewayTimeout, cfg.GatewayMaxRetries)

	// Initialize stores and services
	stores := store.New(app)

	ledgerService := services.NewLedgerService(stores.Counters)
	ticketService := services.NewTicketService(stores.Tickets, cfg.QRSigningKey)
	notifierService := services.NewNotifierService(pn)
	orderService := services.NewOrderService(stores.Orders, ledgerService, ticketService, notifierService, cfg)
	paymentService := services.NewPaymentService(redisClient, gatewayClient, orderService, stores.Callbacks, cfg)
	checkInService := services.NewCheckInService(redisClient, ticketService, stores.Tickets, orderService, stores.Sessions, stores.CheckIns, cfg.ScanDebounceWindow)

	// Initialize handlers
	orderHandler := handlers.NewOrderHandler(app, orderService, ticketService)
	paymentHandler := handlers.NewPaymentHandler(app, paymentService)
	checkInHandler := handlers.NewCheckInHandler(app, checkInService)
	sessionHandler := handlers.NewSessionHandler(app, ledgerService)

	rateLimiter := security.NewRateLimiter(redisClient, cfg.ScanRateLimit)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	// Setup graceful shutdown
	go handleShutdown(cancel)

	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		if err := ledgerService.Load(ctx); err != nil {
			return err
		}
		if err := orderService.RestoreHolds(ctx); err != nil {
			return err
		}

		// Start background tasks
		go orderService.StartExpiryReaper(ctx)

		// Order endpoints
		e.Router.POST("/api/v1/orders", orderHandler.CreateOrder)
		e.Router.GET("/api/v1/orders/{orderId}", orderHandler.GetOrder)
		e.Router.POST("/api/v1/orders/{orderId}/confirm-free", orderHandler.ConfirmFree)
		e.Router.POST("/api/v1/orders/{orderId}/cancel", orderHandler.CancelOrder)
		e.Router.POST("/api/v1/orders/{orderId}/refund", orderHandler.RefundOrder)

		// Payment endpoints
		e.Router.GET("/api/v1/payment/create-url", paymentHandler.CreatePaymentURL)
		e.Router.GET("/api/v1/payment/callback", paymentHandler.Callback)
		e.Router.GET("/api/v1/payment/{orderId}/status", paymentHandler.CheckPaymentStatus)

		// Check-in endpoint
		e.Router.POST("/api/v1/checkin", checkInHandler.CheckIn).BindFunc(rateLimiter.ScanRateLimit())

		// Availability endpoint
		e.Router.GET("/api/v1/sessions/{sessionId}/availability", sessionHandler.GetAvailability)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{"status": "healthy"})
		})

		log.Println("Server routes registered")

		return e.Next()
	})

	// Expose Prometheus metrics on a separate port
	if cfg.EnableMetrics {
		monitoring.StartMetricsServer(cfg.MetricsPort, redisClient)
	}

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

// handleShutdown handles graceful shutdown
func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	slog.Info("shutdown signal received, stopping background tasks")
	cancel()

	// give in-flight transitions a moment to settle
	time.Sleep(500 * time.Millisecond)
}
