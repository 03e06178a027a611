package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var keys = []string{
	"HTTP_ADDR", "APP_ENV", "DATABASE_URL", "KAFKA_BROKERS", "KAFKA_TOPIC",
	"EXCHANGE_ADDRESS", "INITIAL_SUPPLY", "INITIAL_PRICE", "JWT_SECRET", "OWNER_PASSWORD_HASH",
}

// clearEnv blanks every key for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "development", cfg.Env)
	assert.False(t, cfg.IsProduction())
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, common.HexToAddress(DefaultExchangeAddress), cfg.ExchangeAddress)
	assert.Equal(t, "1000000000000000000000000", cfg.InitialSupply.Dec())
	assert.Equal(t, "1000000000000000", cfg.InitialPrice.Dec())
	assert.NotEmpty(t, cfg.JWTSecret)
}

func TestLoad_FromEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("INITIAL_PRICE", "0.5")
	t.Setenv("EXCHANGE_ADDRESS", "0x3333333333333333333333333333333333333333")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "500000000000000000", cfg.InitialPrice.Dec())
	assert.Equal(t, common.HexToAddress("0x3333333333333333333333333333333333333333"), cfg.ExchangeAddress)
}

func TestLoad_DotEnvFile(t *testing.T) {
	clearEnv(t)
	// godotenv does not override variables that are already set, even empty
	// ones, so drop the blanks for the keys the file provides
	os.Unsetenv("INITIAL_SUPPLY")
	os.Unsetenv("JWT_SECRET")

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("INITIAL_SUPPLY=42\nJWT_SECRET=from-file\n"), 0o600))

	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "42000000000000000000", cfg.InitialSupply.Dec())
	assert.Equal(t, []byte("from-file"), cfg.JWTSecret)

	os.Unsetenv("INITIAL_SUPPLY")
	os.Unsetenv("JWT_SECRET")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "ZeroPrice", env: map[string]string{"INITIAL_PRICE": "0"}},
		{name: "NegativeSupply", env: map[string]string{"INITIAL_SUPPLY": "-1"}},
		{name: "ZeroSupply", env: map[string]string{"INITIAL_SUPPLY": "0"}},
		{name: "BadAddress", env: map[string]string{"EXCHANGE_ADDRESS": "not-an-address"}},
		{name: "ProductionWithoutSecret", env: map[string]string{"APP_ENV": "production"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
