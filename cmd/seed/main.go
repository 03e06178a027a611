package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xtrntr/tokenexchange/internal/config"
	"github.com/xtrntr/tokenexchange/internal/db"
	"github.com/xtrntr/tokenexchange/internal/exchange"
	"github.com/xtrntr/tokenexchange/internal/fixedpoint"
	"github.com/xtrntr/tokenexchange/internal/models"
)

var (
	trader1 = common.HexToAddress("0x1000000000000000000000000000000000000001")
	trader2 = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

// Seed the journal with demo trades
func main() {
	ctx := context.Background()

	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL must be set")
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	if err := database.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	// First check if we already have transactions
	existing, err := database.ListReceipts(ctx)
	if err != nil {
		log.Fatalf("Failed to check transactions: %v", err)
	}
	if len(existing) > 0 {
		fmt.Printf("Journal already has %d transactions. No need to seed.\n", len(existing))
		os.Exit(0)
	}

	// Trades run through the engine, which journals each one, so the journal
	// replays cleanly on startup
	ex, err := exchange.New(exchange.Config{
		Address:     cfg.ExchangeAddress,
		TotalSupply: cfg.InitialSupply,
		Price:       cfg.InitialPrice,
		Journal:     database,
	})
	if err != nil {
		log.Fatalf("Failed to create exchange: %v", err)
	}

	trades := []struct {
		account models.AccountID
		kind    models.TxKind
		amount  string
	}{
		{trader1, models.Buy, "1"},
		{trader2, models.Buy, "0.25"},
		{trader1, models.Sell, "400"},
		{trader2, models.Buy, "0.1"},
		{trader2, models.Sell, "150"},
	}

	for _, tr := range trades {
		amount := fixedpoint.MustParseUnits(tr.amount)
		if tr.kind == models.Buy {
			_, err = ex.Buy(tr.account, amount)
		} else {
			_, err = ex.Sell(tr.account, amount)
		}
		if err != nil {
			log.Fatalf("Failed to %s %s for %s: %v", tr.kind, tr.amount, tr.account.Hex(), err)
		}
	}

	if err := ex.SetPrice(ex.TokenPrice()); err != nil {
		log.Fatalf("Failed to save price: %v", err)
	}

	fmt.Printf("Seeded %d transactions. Reserve: %s, trader1: %s tokens, trader2: %s tokens\n",
		ex.TransactionCount(),
		fixedpoint.FormatUnits(ex.ReserveBalance()),
		fixedpoint.FormatUnits(ex.BalanceOf(trader1)),
		fixedpoint.FormatUnits(ex.BalanceOf(trader2)),
	)
}
