// Package api is the HTTP surface of the brokerage: order entry, fund
// transfers, algo execution, copy trading and recurring buys. Errors render
// as RFC 7807 problem documents.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	limiter "github.com/ulule/limiter/v3"
	ginlimiter "github.com/ulule/limiter/v3/drivers/middleware/gin"
	memory "github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/algo"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/copytrade"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/execution"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/ledger"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/orders"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/recurring"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/transfers"
)

// Server is the API server.
type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	ledger      *ledger.Service
	orders      *orders.Service
	engine      *execution.Engine
	transfers   *transfers.Service
	algo        *algo.Service
	copytrade   *copytrade.Propagator
	recurring   *recurring.Service
	validator   *validator.Validate
	rateLimiter gin.HandlerFunc

	// bg outlives individual requests; TWAP schedules started by a request
	// run against it.
	bg context.Context
}

// NewServer creates the API server with all services injected.
func NewServer(
	logger *zap.Logger,
	ledgerSvc *ledger.Service,
	ordersSvc *orders.Service,
	engine *execution.Engine,
	transfersSvc *transfers.Service,
	algoSvc *algo.Service,
	copytradeSvc *copytrade.Propagator,
	recurringSvc *recurring.Service,
) *Server {
	server := &Server{
		logger:    logger,
		ledger:    ledgerSvc,
		orders:    ordersSvc,
		engine:    engine,
		transfers: transfersSvc,
		algo:      algoSvc,
		copytrade: copytradeSvc,
		recurring: recurringSvc,
		validator: validator.New(),
		bg:        context.Background(),
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "Idempotency-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	store := memory.NewStore()
	rate, _ := limiter.NewRateFromFormatted("300-M")
	server.rateLimiter = ginlimiter.NewMiddleware(limiter.New(store, rate))

	server.router = router
	server.registerRoutes()
	return server
}

// Start runs the server on addr, blocking until it stops.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting API server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	v1.Use(s.rateLimiter)
	{
		accounts := v1.Group("/accounts")
		{
			accounts.POST("", s.createAccount)
			accounts.GET("/:id", s.getAccount)
			accounts.GET("/:id/positions", s.listPositions)
			accounts.GET("/:id/orders", s.listOrders)
			accounts.GET("/:id/transfers", s.listTransfers)
			accounts.GET("/:id/algos", s.listAlgoOrders)
			accounts.GET("/:id/schedules", s.listSchedules)
		}

		ordersGroup := v1.Group("/orders")
		{
			ordersGroup.POST("", s.submitOrder)
			ordersGroup.POST("/oco", s.submitOCO)
			ordersGroup.GET("/:id", s.getOrder)
			ordersGroup.DELETE("/:id", s.cancelOrder)
		}

		transfersGroup := v1.Group("/transfers")
		{
			transfersGroup.POST("/deposits", s.deposit)
			transfersGroup.POST("/withdrawals", s.withdraw)
			transfersGroup.GET("/:id", s.getTransfer)
		}

		destinations := v1.Group("/destinations")
		{
			destinations.POST("", s.addDestination)
			destinations.POST("/:id/approve", s.approveDestination)
			destinations.DELETE("/:id", s.disableDestination)
		}
		v1.GET("/users/:id/destinations", s.listDestinations)

		algos := v1.Group("/algos")
		{
			algos.POST("/twap", s.submitTwap)
			algos.GET("/:id", s.getAlgoOrder)
			algos.DELETE("/:id", s.cancelAlgoOrder)
		}

		subscriptions := v1.Group("/copytrade/subscriptions")
		{
			subscriptions.POST("", s.createSubscription)
			subscriptions.DELETE("/:id", s.deleteSubscription)
		}

		schedules := v1.Group("/schedules")
		{
			schedules.POST("", s.createSchedule)
			schedules.POST("/:id/pause", s.pauseSchedule)
			schedules.POST("/:id/resume", s.resumeSchedule)
		}
	}

	// Settlement webhook sits outside the rate-limited group; the
	// collaborator retries aggressively.
	s.router.POST("/webhooks/settlement", s.settlementWebhook)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}
