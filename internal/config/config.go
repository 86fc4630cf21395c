// Package config reads the process's environment-sourced configuration
// once at startup. There is no layered file/flag/env merging here —
// see DESIGN.md for why that surface isn't worth a dependency for five
// to nine scalar knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the fully validated set of settings the bootstrap needs to
// wire C1 through C9.
type Config struct {
	RPCURL           string
	ContractAddress  common.Address
	StartBlock       uint64
	DBName           string
	InitialBatchSize int
	HTTPAddr         string
	LogLevel         string
	MaxConcurrent    int
	MaxRetries       int
}

const (
	defaultDBName           = "indexer.db"
	defaultInitialBatchSize = 1000
	defaultHTTPAddr         = ":8080"
	defaultLogLevel         = "info"
)

// Load reads and validates configuration from the process environment.
func Load() (Config, error) {
	cfg := Config{
		DBName:           getEnv("DB_NAME", defaultDBName),
		InitialBatchSize: defaultInitialBatchSize,
		HTTPAddr:         getEnv("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:         getEnv("LOG_LEVEL", defaultLogLevel),
	}

	cfg.RPCURL = strings.TrimSpace(os.Getenv("RPC_URL"))
	if cfg.RPCURL == "" {
		return Config{}, fmt.Errorf("config: RPC_URL is required")
	}

	rawAddr := strings.TrimSpace(os.Getenv("CONTRACT_ADDRESS"))
	if rawAddr == "" {
		return Config{}, fmt.Errorf("config: CONTRACT_ADDRESS is required")
	}
	if !common.IsHexAddress(rawAddr) {
		return Config{}, fmt.Errorf("config: CONTRACT_ADDRESS %q is not a valid address", rawAddr)
	}
	cfg.ContractAddress = common.HexToAddress(strings.ToLower(rawAddr))

	if v := os.Getenv("START_BLOCK"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("config: START_BLOCK must be a non-negative integer: %w", err)
		}
		cfg.StartBlock = n
	}

	if v := os.Getenv("INITIAL_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("config: INITIAL_BATCH_SIZE must be a positive integer")
		}
		cfg.InitialBatchSize = n
	}

	if v := os.Getenv("MAX_CONCURRENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("config: MAX_CONCURRENT must be a positive integer")
		}
		cfg.MaxConcurrent = n
	}

	if v := os.Getenv("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("config: MAX_RETRIES must be a positive integer")
		}
		cfg.MaxRetries = n
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
