// Package config reads server settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/joho/godotenv"
	"github.com/xtrntr/tokenexchange/internal/fixedpoint"
)

// DefaultExchangeAddress is used when EXCHANGE_ADDRESS is unset
const DefaultExchangeAddress = "0x000000000000000000000000000000000000e0e0"

// Config holds everything the server needs at startup
type Config struct {
	HTTPAddr          string
	Env               string
	DatabaseURL       string
	KafkaBrokers      []string
	KafkaTopic        string
	ExchangeAddress   common.Address
	InitialSupply     *uint256.Int
	InitialPrice      *uint256.Int
	JWTSecret         []byte
	OwnerPasswordHash string
}

// IsProduction reports whether APP_ENV selects production behaviour
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Load reads the given .env files (missing files are ignored) and then the
// process environment. Variables already set in the environment win.
func Load(files ...string) (*Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	cfg := &Config{
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		Env:               getenv("APP_ENV", "development"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		KafkaTopic:        os.Getenv("KAFKA_TOPIC"),
		OwnerPasswordHash: os.Getenv("OWNER_PASSWORD_HASH"),
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		for _, b := range strings.Split(brokers, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
			}
		}
	}

	addr := getenv("EXCHANGE_ADDRESS", DefaultExchangeAddress)
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("EXCHANGE_ADDRESS %q is not a hex address", addr)
	}
	cfg.ExchangeAddress = common.HexToAddress(addr)

	var err error
	cfg.InitialSupply, err = fixedpoint.ParseUnits(getenv("INITIAL_SUPPLY", "1000000"))
	if err != nil {
		return nil, fmt.Errorf("INITIAL_SUPPLY: %w", err)
	}
	if cfg.InitialSupply.IsZero() {
		return nil, errors.New("INITIAL_SUPPLY must be positive")
	}
	cfg.InitialPrice, err = fixedpoint.ParseUnits(getenv("INITIAL_PRICE", "0.001"))
	if err != nil {
		return nil, fmt.Errorf("INITIAL_PRICE: %w", err)
	}
	if cfg.InitialPrice.IsZero() {
		return nil, errors.New("INITIAL_PRICE must be positive")
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		if cfg.IsProduction() {
			return nil, errors.New("JWT_SECRET is required in production")
		}
		secret = "dev-secret-change-me"
	}
	cfg.JWTSecret = []byte(secret)

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
