package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"stockfolio/internal/config"
	"stockfolio/internal/database"
	"stockfolio/internal/handlers"
	"stockfolio/internal/ledger"
	"stockfolio/internal/portfolio"
	"stockfolio/internal/service"
	"stockfolio/internal/valuation"
)

// store is everything the server needs from a persistence backend.
type store interface {
	ledger.HoldingStore
	portfolio.Store
	service.PriceStore
}

func main() {
	logger := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var st store
	switch cfg.Store {
	case config.StoreMemory:
		logger.Warn("using in-memory store; data is lost on exit")
		st = database.NewMemoryStore(cfg.LockTimeout)
	default:
		db, err := initDB(cfg.PostgresURL)
		if err != nil {
			logger.Fatalf("db connect failed: %v", err)
		}
		defer db.Close()
		st = database.New(db, logger, cfg.LockTimeout)
	}

	priceSvc := service.NewCleanPriceService(st, logger, cfg.PriceMaxAge, cfg.PriceSimulate)
	priceSvc.Start(ctx, cfg.PriceInterval)

	l := ledger.New(st, logger, ledger.WithMaxRetries(cfg.MaxRetries))
	coord := portfolio.NewCoordinator(st, logger, cfg.MaxRetries)
	h := handlers.NewHandler(l, coord, valuation.NewService(priceSvc, logger), logger)

	rg := gin.Default()
	h.Routes(rg, handlers.Auth([]byte(cfg.JWTSecret), logger), handlers.RateLimit(float64(cfg.RateLimitRPS), 2*cfg.RateLimitRPS))

	srv := &http.Server{Addr: fmt.Sprintf(":%s", cfg.Port), Handler: rg}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("shutdown: %v", err)
		}
	}()

	logger.Infof("server starting on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server stopped: %v", err)
	}
	<-stopped
}

func initDB(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	return db, nil
}
