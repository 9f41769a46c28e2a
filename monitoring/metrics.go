package monitoring

import (
	"log"
	"net/http"

	"ticketbox/utils"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

var (
	reservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_reservations_total",
			Help: "Ledger reserve attempts by result",
		},
		[]string{"result"},
	)

	orders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orders_total",
			Help: "Order state transitions by resulting status",
		},
		[]string{"status"},
	)

	callbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_callbacks_total",
			Help: "Payment gateway callbacks by result",
		},
		[]string{"result"},
	)

	checkins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checkins_total",
			Help: "Check-in attempts by result",
		},
		[]string{"result"},
	)

	available = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ticket_inventory_available",
			Help: "Current available quantity per session and ticket type",
		},
		[]string{"session_id", "ticket_type_id"},
	)
)

// TrackReservation counts a ledger reserve attempt
func TrackReservation(result string) {
	reservations.WithLabelValues(result).Inc()
}

// TrackOrder counts an order transition
func TrackOrder(status string) {
	orders.WithLabelValues(status).Inc()
}

// TrackCallback counts a gateway callback
func TrackCallback(result string) {
	callbacks.WithLabelValues(result).Inc()
}

// TrackCheckIn counts a check-in attempt
func TrackCheckIn(result string) {
	checkins.WithLabelValues(result).Inc()
}

// SetAvailable updates the availability gauge for one counter
func SetAvailable(sessionID, ticketTypeID string, n int) {
	available.WithLabelValues(sessionID, ticketTypeID).Set(float64(n))
}

// StartMetricsServer exposes /metrics and /health on a separate port.
func StartMetricsServer(port string, redisClient *redis.Client) {
	e := echo.New()

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/health", func(c echo.Context) error {
		if err := utils.RedisHealthCheck(redisClient); err != nil {
			return c.JSON(503, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
		return c.JSON(200, map[string]string{"status": "healthy"})
	})

	srv := &http.Server{Addr: ":" + port, Handler: e}

	go func() {
		log.Printf("Metrics server listening on :%s", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server stopped: %v", err)
		}
	}()
}
