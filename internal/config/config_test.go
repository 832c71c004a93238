package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LedgerBackend != LedgerMemory {
		t.Fatalf("LedgerBackend = %q, want %q", cfg.LedgerBackend, LedgerMemory)
	}
	if cfg.FHEBackend != FHEMock {
		t.Fatalf("FHEBackend = %q, want %q", cfg.FHEBackend, FHEMock)
	}
	if cfg.StatusSuccessTTL != 2*time.Second || cfg.StatusErrorTTL != 3*time.Second {
		t.Fatalf("status TTLs = %v/%v, want 2s/3s", cfg.StatusSuccessTTL, cfg.StatusErrorTTL)
	}
	if cfg.FHEValueBits != 32 {
		t.Fatalf("FHEValueBits = %d, want 32", cfg.FHEValueBits)
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "fhemarket.yaml")
	body := strings.Join([]string{
		"bind_addr: \":9191\"",
		"ledger_backend: rpc",
		"rpc_url: http://127.0.0.1:8545",
		"rpc_requests_per_second: 5",
		"status_error_ttl: 5s",
		"refresh_concurrency: 3",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigPathEnv, path)
	t.Setenv("REFRESH_CONCURRENCY", "6")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9191")
	}
	if cfg.LedgerBackend != LedgerRPC || cfg.RPCURL != "http://127.0.0.1:8545" {
		t.Fatalf("ledger = %q %q, want rpc backend from file", cfg.LedgerBackend, cfg.RPCURL)
	}
	if cfg.RPCRequestsPerSecond != 5 {
		t.Fatalf("RPCRequestsPerSecond = %v, want 5", cfg.RPCRequestsPerSecond)
	}
	if cfg.StatusErrorTTL != 5*time.Second {
		t.Fatalf("StatusErrorTTL = %v, want 5s", cfg.StatusErrorTTL)
	}
	if cfg.RefreshConcurrency != 6 {
		t.Fatalf("RefreshConcurrency = %d, want env override 6", cfg.RefreshConcurrency)
	}
}

func TestLoadRejectsBackendWithoutEndpoint(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("LEDGER_BACKEND", "postgres")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("Load() error = %v, want DATABASE_URL requirement", err)
	}

	t.Setenv("LEDGER_BACKEND", "memory")
	t.Setenv("FHE_BACKEND", "Relayer")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "RELAYER_URL") {
		t.Fatalf("Load() error = %v, want RELAYER_URL requirement", err)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"LEDGER_BACKEND":            "ipfs",
		"REGISTRY_ADDRESS":          "0x1234",
		"FHE_VALUE_BITS":            "128",
		"APP_ALLOW_ANY_ORIGIN":      "maybe",
		"WALLET_INACTIVITY_TIMEOUT": "1s",
		"STATUS_ERROR_TTL":          "soon",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil, want error", key, value)
			}
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	setCoreEnvEmpty(t)
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("LoadFile() error = nil, want read error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		ConfigPathEnv,
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_ALLOW_ANY_ORIGIN",
		"LEDGER_BACKEND",
		"REGISTRY_ADDRESS",
		"DATABASE_URL",
		"LEDGER_RPC_URL",
		"LEDGER_RPC_TIMEOUT",
		"LEDGER_RPC_RPS",
		"LEDGER_RPC_BURST",
		"LEDGER_RECEIPT_TIMEOUT",
		"FHE_BACKEND",
		"FHE_VALUE_BITS",
		"RELAYER_URL",
		"RELAYER_API_KEY",
		"RELAYER_TIMEOUT",
		"DEVNET_SECRET",
		"STATUS_SUCCESS_TTL",
		"STATUS_ERROR_TTL",
		"REFRESH_CONCURRENCY",
		"WALLET_ADDRESS",
		"WALLET_INACTIVITY_TIMEOUT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
