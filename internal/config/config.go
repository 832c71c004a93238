package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Ledger and FHE backends.
const (
	LedgerMemory   = "memory"
	LedgerPostgres = "postgres"
	LedgerRPC      = "rpc"

	FHEMock    = "mock"
	FHERelayer = "relayer"
)

// ConfigPathEnv names the optional YAML file read before env overrides.
const ConfigPathEnv = "FHEMARKET_CONFIG"

// Config contains all runtime settings for the task client.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	LogLevel         string        `yaml:"log_level"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`

	LedgerBackend   string `yaml:"ledger_backend"`
	RegistryAddress string `yaml:"registry_address"`
	DatabaseURL     string `yaml:"database_url"`

	RPCURL               string        `yaml:"rpc_url"`
	RPCTimeout           time.Duration `yaml:"rpc_timeout"`
	RPCRequestsPerSecond float64       `yaml:"rpc_requests_per_second"`
	RPCBurst             int           `yaml:"rpc_burst"`
	ReceiptTimeout       time.Duration `yaml:"receipt_timeout"`

	FHEBackend     string        `yaml:"fhe_backend"`
	FHEValueBits   int           `yaml:"fhe_value_bits"`
	RelayerURL     string        `yaml:"relayer_url"`
	RelayerAPIKey  string        `yaml:"relayer_api_key"`
	RelayerTimeout time.Duration `yaml:"relayer_timeout"`
	DevnetSecret   string        `yaml:"devnet_secret"`

	StatusSuccessTTL   time.Duration `yaml:"status_success_ttl"`
	StatusErrorTTL     time.Duration `yaml:"status_error_ttl"`
	RefreshConcurrency int           `yaml:"refresh_concurrency"`

	WalletAddress           string        `yaml:"wallet_address"`
	WalletInactivityTimeout time.Duration `yaml:"wallet_inactivity_timeout"`
}

// Defaults returns the settings used when neither file nor env set a value.
func Defaults() Config {
	return Config{
		BindAddr:                ":8080",
		ShutdownTimeout:         15 * time.Second,
		MetricsNamespace:        "fhemarket",
		LogLevel:                "info",
		LedgerBackend:           LedgerMemory,
		RegistryAddress:         "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		RPCTimeout:              30 * time.Second,
		RPCBurst:                10,
		ReceiptTimeout:          2 * time.Minute,
		FHEBackend:              FHEMock,
		FHEValueBits:            32,
		RelayerTimeout:          60 * time.Second,
		DevnetSecret:            "fhemarket-devnet",
		StatusSuccessTTL:        2 * time.Second,
		StatusErrorTTL:          3 * time.Second,
		RefreshConcurrency:      8,
		WalletInactivityTimeout: 0,
	}
}

// Load reads the YAML file named by FHEMARKET_CONFIG, if any, then
// environment variables, and validates the result.
func Load() (Config, error) {
	return LoadFile(stringsTrimSpace(ConfigPathEnv))
}

// LoadFile is Load with an explicit file path. An empty path skips the file.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.BindAddr = envOrDefault("APP_BIND_ADDR", c.BindAddr)
	c.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", c.MetricsNamespace)
	c.LogLevel = envOrDefault("APP_LOG_LEVEL", c.LogLevel)
	c.LedgerBackend = envOrDefault("LEDGER_BACKEND", c.LedgerBackend)
	c.RegistryAddress = envOrDefault("REGISTRY_ADDRESS", c.RegistryAddress)
	c.DatabaseURL = envOrDefault("DATABASE_URL", c.DatabaseURL)
	c.RPCURL = envOrDefault("LEDGER_RPC_URL", c.RPCURL)
	c.FHEBackend = envOrDefault("FHE_BACKEND", c.FHEBackend)
	c.RelayerURL = envOrDefault("RELAYER_URL", c.RelayerURL)
	c.RelayerAPIKey = envOrDefault("RELAYER_API_KEY", c.RelayerAPIKey)
	c.DevnetSecret = envOrDefault("DEVNET_SECRET", c.DevnetSecret)
	c.WalletAddress = envOrDefault("WALLET_ADDRESS", c.WalletAddress)

	var err error
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout},
		{"LEDGER_RPC_TIMEOUT", &c.RPCTimeout},
		{"LEDGER_RECEIPT_TIMEOUT", &c.ReceiptTimeout},
		{"RELAYER_TIMEOUT", &c.RelayerTimeout},
		{"STATUS_SUCCESS_TTL", &c.StatusSuccessTTL},
		{"STATUS_ERROR_TTL", &c.StatusErrorTTL},
		{"WALLET_INACTIVITY_TIMEOUT", &c.WalletInactivityTimeout},
	} {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return err
		}
	}
	if c.RPCBurst, err = intFromEnv("LEDGER_RPC_BURST", c.RPCBurst); err != nil {
		return err
	}
	if c.FHEValueBits, err = intFromEnv("FHE_VALUE_BITS", c.FHEValueBits); err != nil {
		return err
	}
	if c.RefreshConcurrency, err = intFromEnv("REFRESH_CONCURRENCY", c.RefreshConcurrency); err != nil {
		return err
	}
	if c.RPCRequestsPerSecond, err = floatFromEnv("LEDGER_RPC_RPS", c.RPCRequestsPerSecond); err != nil {
		return err
	}
	if c.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", c.AllowAnyOrigin); err != nil {
		return err
	}
	return nil
}

func (c *Config) normalize() {
	c.LedgerBackend = strings.ToLower(strings.TrimSpace(c.LedgerBackend))
	c.FHEBackend = strings.ToLower(strings.TrimSpace(c.FHEBackend))
	c.RegistryAddress = strings.TrimSpace(c.RegistryAddress)
	c.RPCURL = strings.TrimSpace(c.RPCURL)
	c.RelayerURL = strings.TrimSpace(c.RelayerURL)
	c.RelayerAPIKey = strings.TrimSpace(c.RelayerAPIKey)
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.WalletAddress = strings.TrimSpace(c.WalletAddress)
}

func (c Config) Validate() error {
	var errs []error
	switch c.LedgerBackend {
	case LedgerMemory:
	case LedgerPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres ledger"))
		}
	case LedgerRPC:
		if c.RPCURL == "" {
			errs = append(errs, errors.New("LEDGER_RPC_URL is required for the rpc ledger"))
		}
	default:
		errs = append(errs, fmt.Errorf("LEDGER_BACKEND %q is not one of memory, postgres, rpc", c.LedgerBackend))
	}
	switch c.FHEBackend {
	case FHEMock:
	case FHERelayer:
		if c.RelayerURL == "" {
			errs = append(errs, errors.New("RELAYER_URL is required for the relayer fhe backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("FHE_BACKEND %q is not one of mock, relayer", c.FHEBackend))
	}
	if !common.IsHexAddress(c.RegistryAddress) {
		errs = append(errs, fmt.Errorf("REGISTRY_ADDRESS %q is not a hex address", c.RegistryAddress))
	}
	if c.WalletAddress != "" && !common.IsHexAddress(c.WalletAddress) {
		errs = append(errs, fmt.Errorf("WALLET_ADDRESS %q is not a hex address", c.WalletAddress))
	}
	if c.FHEValueBits <= 0 || c.FHEValueBits > 64 {
		errs = append(errs, errors.New("FHE_VALUE_BITS must be in 1..64"))
	}
	if c.RefreshConcurrency <= 0 {
		errs = append(errs, errors.New("REFRESH_CONCURRENCY must be positive"))
	}
	if c.RPCRequestsPerSecond < 0 {
		errs = append(errs, errors.New("LEDGER_RPC_RPS must be >= 0"))
	}
	if c.StatusSuccessTTL <= 0 || c.StatusErrorTTL <= 0 {
		errs = append(errs, errors.New("status TTLs must be positive"))
	}
	if c.WalletInactivityTimeout != 0 && c.WalletInactivityTimeout < 5*time.Second {
		errs = append(errs, errors.New("WALLET_INACTIVITY_TIMEOUT must be 0 or at least 5s"))
	}
	return errors.Join(errs...)
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
