package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/terminal-bench/payrollengine/internal/meter"
	"github.com/terminal-bench/payrollengine/internal/nonce"
	"github.com/terminal-bench/payrollengine/internal/payroll"
	"github.com/terminal-bench/payrollengine/internal/rail"
	"github.com/terminal-bench/payrollengine/internal/server"
	"github.com/terminal-bench/payrollengine/internal/treasury"
	"github.com/terminal-bench/payrollengine/internal/x402"
	"github.com/terminal-bench/payrollengine/pkg/circuit"
	"github.com/terminal-bench/payrollengine/pkg/messaging"
)

func main() {
	logger, err := buildLogger(getEnv("ENVIRONMENT", "development"))
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	port := getEnv("PORT", "8080")
	environment := getEnv("ENVIRONMENT", "development")
	facilitatorURL := getEnv("FACILITATOR_URL", x402.MockFacilitatorURL)

	db, err := sql.Open("postgres", os.Getenv("DATABASE_URL"))
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	rdb := redis.NewClient(&redis.Options{Addr: getEnv("REDIS_URL", "localhost:6379")})

	var events messaging.Publisher = messaging.NoopPublisher{}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsClient, err := messaging.NewClient(messaging.Config{
			URL:            natsURL,
			Name:           "payrolld",
			ReconnectWait:  time.Second,
			MaxReconnects:  5,
			ConnectTimeout: 5 * time.Second,
		})
		if err != nil {
			logger.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()
		events = natsClient
	}

	breakers := circuit.NewGroup(circuit.Config{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
		HalfOpenMax: 3,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	meters := meter.NewRegistry([]meter.Meter{
		{
			ID:                server.PayrollMeter,
			Price:             getEnv("PAYROLL_METER_PRICE", "1"),
			Asset:             getEnv("PAYROLL_METER_ASSET", "USDC"),
			Network:           getEnv("PAYROLL_METER_NETWORK", "fuji"),
			PayTo:             os.Getenv("PAYROLL_METER_PAY_TO"),
			Description:       "Process a payroll run",
			MaxTimeoutSeconds: 60,
		},
	})

	policy := x402.BypassPolicy{
		Environment:    environment,
		FacilitatorURL: facilitatorURL,
		AllowDemo:      parseBool(os.Getenv("X402_ALLOW_DEMO")),
	}

	facilitator := x402.NewFacilitatorClient(facilitatorURL, 15*time.Second, breakers, logger)
	nonces := nonce.NewLedger(nonce.NewRedisStore(rdb))
	validator := x402.NewValidator(policy, meters, facilitator, nonces, logger)
	gate := x402.NewGate(meters, validator, logger)
	settler := x402.NewSettlementExecutor(meters, facilitator, policy.Enabled(), events, logger)

	chain := treasury.NewRPCGateway(
		getEnv("TREASURY_RPC_URL", "http://localhost:8545"),
		os.Getenv("TREASURY_ADDRESS"),
		30*time.Second,
		breakers,
		logger,
	)

	railClient := rail.NewClient(rail.Config{
		BaseURL:         os.Getenv("RAIL_URL"),
		APIKey:          os.Getenv("RAIL_API_KEY"),
		SourceAccountID: os.Getenv("RAIL_SOURCE_ACCOUNT"),
		CounterpartyID:  os.Getenv("RAIL_COUNTERPARTY"),
		Timeout:         30 * time.Second,
	}, breakers, logger)

	store := payroll.NewPostgresStore(db)
	guard := payroll.NewGuard(payroll.NewRedisLeaseStore(rdb), 24*time.Hour)
	pipeline := payroll.NewPipeline(store, chain, railClient, events, guard, logger)

	srv := server.New(server.Config{
		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
		RateLimitMax:    100,
		RateLimitWindow: time.Minute,
	}, meters, gate, settler, pipeline, store, logger)

	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("listening", zap.String("port", port), zap.Bool("demo_bypass", policy.Enabled()))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}

	db.Close()
	rdb.Close()
}

func buildLogger(environment string) (*zap.Logger, error) {
	if strings.EqualFold(environment, "production") {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}
