package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/xtrntr/tokenexchange/internal/api"
	"github.com/xtrntr/tokenexchange/internal/auth"
	"github.com/xtrntr/tokenexchange/internal/config"
	"github.com/xtrntr/tokenexchange/internal/db"
	"github.com/xtrntr/tokenexchange/internal/events"
	"github.com/xtrntr/tokenexchange/internal/exchange"
	"github.com/xtrntr/tokenexchange/internal/fixedpoint"
	"github.com/xtrntr/tokenexchange/internal/metrics"
	"go.uber.org/zap"
)

// kafkaBuffer bounds how far the Kafka sink may lag before it drops events.
// Dropped events are counted; consumers see the gap in sequence numbers and
// can backfill from the journal.
const kafkaBuffer = 4096

// Main entry point: restores the exchange from the journal and serves HTTP
func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The journal, when configured, sees every transition before it is applied
	var (
		journal  exchange.Journal
		history  api.History
		database *db.DB
	)
	if cfg.DatabaseURL != "" {
		database, err = db.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer database.Close(context.Background())
		if err := database.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		journal, history = database, database
	} else {
		logger.Warn("DATABASE_URL not set; transactions will not survive a restart")
	}

	ex, err := exchange.New(exchange.Config{
		Address:     cfg.ExchangeAddress,
		TotalSupply: cfg.InitialSupply,
		Price:       cfg.InitialPrice,
		Journal:     journal,
	})
	if err != nil {
		logger.Fatal("Failed to create exchange", zap.Error(err))
	}
	if database != nil {
		if err := restore(ctx, ex, database, logger); err != nil {
			logger.Fatal("Failed to restore exchange", zap.Error(err))
		}
	}

	rec := metrics.NewRecorder(ex)
	ex.Subscribe(rec.Observe)

	hub := events.NewHub(logger.Named("events"))
	ex.Subscribe(hub.Publish)

	if len(cfg.KafkaBrokers) > 0 {
		publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger.Named("kafka"))
		defer publisher.Close()
		sub := hub.Subscribe(kafkaBuffer)
		rec.TrackDropped("kafka", sub.Dropped)
		go publisher.Run(ctx, sub)
		logger.Info("Publishing events to Kafka", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	authService := auth.NewAuthService(cfg.JWTSecret, cfg.OwnerPasswordHash)
	handler := api.NewHandler(ex, authService, hub, history, rec, logger.Named("api"))

	r := chi.NewRouter()

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", rec.Handler())
	r.Mount("/", handler.Routes())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Starting server",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("exchange", cfg.ExchangeAddress.Hex()),
		zap.String("price", fixedpoint.FormatUnits(ex.TokenPrice())),
		zap.Uint64("transactions", ex.TransactionCount()),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Server stopped")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// restore replays the journal and then applies the last price the owner set
func restore(ctx context.Context, ex *exchange.Exchange, database *db.DB, logger *zap.Logger) error {
	receipts, err := database.ListReceipts(ctx)
	if err != nil {
		return err
	}
	if err := ex.Restore(receipts); err != nil {
		return err
	}

	// SetPrice journals the price, so a fresh database gets the configured one
	price, ok, err := database.LoadPrice(ctx)
	if err != nil {
		return err
	}
	if !ok {
		price = ex.TokenPrice()
	}
	if err := ex.SetPrice(price); err != nil {
		return err
	}

	logger.Info("Restored exchange from journal",
		zap.Int("transactions", len(receipts)),
		zap.String("reserve", fixedpoint.FormatUnits(ex.ReserveBalance())),
	)
	return nil
}
