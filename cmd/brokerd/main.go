package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/zlqkhokhar1-creator/Brokerage-sub016/api"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/algo"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/clock"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/config"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/copytrade"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/database"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/events"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/execution"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/idempotency"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/ledger"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/marketdata"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/orders"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/recurring"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/internal/transfers"
	"github.com/zlqkhokhar1-creator/Brokerage-sub016/pkg/logger"
)

// sweepInterval drives the execution pass, order expiry and recurring buy
// sweeps.
const sweepInterval = 5 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.New(logLevel)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	cfg, err := config.Load()
	if err != nil {
		zapLogger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("failed to run migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	idemStore := idempotency.NewRedisStore(redisClient)

	// Local recorder fans events out to the copy-trade propagator; the Kafka
	// publisher carries them to external consumers.
	recorder := events.NewRecorder()
	kafkaPublisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, zapLogger)
	defer kafkaPublisher.Close()
	publisher := events.Fanout{recorder, kafkaPublisher}

	clk := clock.Real{}
	oracle := marketdata.NewHTTPOracle(cfg.Oracle.BaseURL, cfg.Oracle.Timeout, zapLogger)

	ledgerSvc := ledger.NewService(zapLogger, db)
	ordersSvc := orders.NewService(zapLogger, db, ledgerSvc, oracle, idemStore, publisher, clk, cfg.Transfer.IdempotencyWindow)

	feeMinimum, err := decimal.NewFromString(cfg.Fees.Minimum)
	if err != nil {
		zapLogger.Fatal("invalid fee minimum", zap.String("minimum", cfg.Fees.Minimum), zap.Error(err))
	}
	engine := execution.NewEngine(zapLogger, ordersSvc, oracle, publisher,
		execution.FeeSchedule{Bps: cfg.Fees.Bps, Minimum: feeMinimum})

	gateway := transfers.NewStubGateway()
	transfersSvc := transfers.NewService(zapLogger, db, ledgerSvc, gateway, idemStore, publisher, clk,
		cfg.Transfer.DestinationTimeLock, cfg.Transfer.SettlementTimeout, cfg.Transfer.IdempotencyWindow)

	algoSvc := algo.NewService(zapLogger, db, ordersSvc, clk)
	propagator := copytrade.NewPropagator(zapLogger, db, ordersSvc, clk)
	recurringSvc := recurring.NewService(zapLogger, db, ordersSvc, oracle, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go propagator.Start(ctx, recorder.Subscribe())
	go runSweeps(ctx, zapLogger, engine, ordersSvc, recurringSvc)

	server := api.NewServer(zapLogger, ledgerSvc, ordersSvc, engine, transfersSvc, algoSvc, propagator, recurringSvc)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.Server.Addr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		zapLogger.Fatal("server stopped", zap.Error(err))
	case sig := <-quit:
		zapLogger.Info("shutting down", zap.String("signal", sig.String()))
	}
}

// runSweeps drives the periodic work: trigger evaluation over working
// orders, time-in-force expiry and due recurring buys.
func runSweeps(ctx context.Context, logger *zap.Logger, engine *execution.Engine, ordersSvc *orders.Service, recurringSvc *recurring.Service) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.RunPass(ctx); err != nil {
				logger.Error("execution pass failed", zap.Error(err))
			}
			if _, err := ordersSvc.ExpireDue(ctx); err != nil {
				logger.Error("expiry sweep failed", zap.Error(err))
			}
			if _, err := recurringSvc.RunDue(ctx); err != nil {
				logger.Error("recurring sweep failed", zap.Error(err))
			}
		}
	}
}
