package config

import (
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"RPC_URL", "CONTRACT_ADDRESS", "START_BLOCK", "DB_NAME",
		"INITIAL_BATCH_SIZE", "HTTP_ADDR", "LOG_LEVEL", "MAX_CONCURRENT", "MAX_RETRIES",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_RequiresRPCURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("CONTRACT_ADDRESS", "0x1111111111111111111111111111111111111111")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_RequiresValidContractAddress(t *testing.T) {
	clearEnv(t)
	t.Setenv("RPC_URL", "https://example.invalid/rpc")
	t.Setenv("CONTRACT_ADDRESS", "not-an-address")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("RPC_URL", "https://example.invalid/rpc")
	t.Setenv("CONTRACT_ADDRESS", "0x1111111111111111111111111111111111111111")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, defaultDBName, cfg.DBName)
	assert.Equal(t, defaultInitialBatchSize, cfg.InitialBatchSize)
	assert.Equal(t, defaultHTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, uint64(0), cfg.StartBlock)
}

func TestLoad_OverridesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("RPC_URL", "https://example.invalid/rpc")
	t.Setenv("CONTRACT_ADDRESS", "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	t.Setenv("START_BLOCK", "12345")
	t.Setenv("INITIAL_BATCH_SIZE", "500")
	t.Setenv("DB_NAME", "custom.db")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), cfg.StartBlock)
	assert.Equal(t, 500, cfg.InitialBatchSize)
	assert.Equal(t, "custom.db", cfg.DBName)
	assert.Equal(t, common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), cfg.ContractAddress)
}

func TestLoad_RejectsInvalidStartBlock(t *testing.T) {
	clearEnv(t)
	t.Setenv("RPC_URL", "https://example.invalid/rpc")
	t.Setenv("CONTRACT_ADDRESS", "0x1111111111111111111111111111111111111111")
	t.Setenv("START_BLOCK", "not-a-number")

	_, err := Load()
	require.Error(t, err)
}
