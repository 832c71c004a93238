package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ent0n29/fhemarket/internal/config"
	"github.com/ent0n29/fhemarket/internal/decrypt"
	"github.com/ent0n29/fhemarket/internal/fhe"
	"github.com/ent0n29/fhemarket/internal/httpapi"
	"github.com/ent0n29/fhemarket/internal/ledger"
	"github.com/ent0n29/fhemarket/internal/logging"
	"github.com/ent0n29/fhemarket/internal/observability"
	"github.com/ent0n29/fhemarket/internal/relayer"
	"github.com/ent0n29/fhemarket/internal/status"
	"github.com/ent0n29/fhemarket/internal/taskruntime"
	"github.com/ent0n29/fhemarket/internal/wallet"
)

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Wallet  *wallet.Manager
	Runtime *taskruntime.Orchestrator
	Session *fhe.Session
	Ledger  ledger.Gateway
	Status  *status.Channel
	Metrics *observability.Metrics
	Log     zerolog.Logger

	// Cleanup should be called on shutdown to release external resources (DB pool, HTTP clients).
	Cleanup func() error
}

// Build wires the configured backends. A nil metrics argument disables
// Prometheus instruments, which one-shot commands use to avoid registering
// collectors they never serve.
func Build(ctx context.Context, cfg config.Config, metrics *observability.Metrics) (*BuildResult, error) {
	log := logging.New("fhemarket", cfg.LogLevel)

	engine, revealer, verifyProof, err := buildFHE(cfg)
	if err != nil {
		return nil, err
	}

	gateway, err := buildLedger(ctx, cfg, verifyProof, log)
	if err != nil {
		return nil, err
	}

	session := fhe.NewSession(engine, cfg.FHEValueBits, log.With().Str("component", "fhe").Logger())
	wallets := wallet.NewManager(cfg.WalletInactivityTimeout)
	statuses := status.NewChannel(status.Config{
		SuccessTTL: cfg.StatusSuccessTTL,
		ErrorTTL:   cfg.StatusErrorTTL,
	})
	runtime := taskruntime.New(taskruntime.Config{
		RefreshConcurrency: cfg.RefreshConcurrency,
		ValueBits:          cfg.FHEValueBits,
	}, taskruntime.Deps{
		Wallet:   wallets,
		Session:  session,
		Ledger:   gateway,
		Verifier: decrypt.NewCoordinator(revealer, log.With().Str("component", "decrypt").Logger()),
		Status:   statuses,
		Metrics:  metrics,
		Log:      log.With().Str("component", "taskruntime").Logger(),
	})

	api := httpapi.New(cfg, wallets, runtime, metrics, log.With().Str("component", "httpapi").Logger())

	cleanup := func() error {
		var errs []error
		if err := gateway.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ledger: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Wallet:  wallets,
		Runtime: runtime,
		Session: session,
		Ledger:  gateway,
		Status:  statuses,
		Metrics: metrics,
		Log:     log,
		Cleanup: cleanup,
	}, nil
}

// Start runs the background loops until ctx ends: wallet idle expiry and the
// orchestrator's reaction to wallet transitions. A configured wallet address
// is connected first, so Run picks it up as the initial connection.
func (b *BuildResult) Start(ctx context.Context) error {
	if b.Config.WalletAddress != "" {
		if _, err := b.Wallet.Connect(b.Config.WalletAddress); err != nil {
			return fmt.Errorf("connect configured wallet: %w", err)
		}
	}
	b.Wallet.StartJanitor(ctx, 5*time.Second)
	go b.Runtime.Run(ctx)
	return nil
}

func buildFHE(cfg config.Config) (fhe.Engine, decrypt.Revealer, ledger.ProofVerifier, error) {
	switch cfg.FHEBackend {
	case config.FHERelayer:
		client := relayer.NewClient(relayer.Config{
			URL:     cfg.RelayerURL,
			APIKey:  cfg.RelayerAPIKey,
			Timeout: cfg.RelayerTimeout,
		})
		return relayer.NewEngine(client), relayer.NewRevealer(client), nil, nil
	case config.FHEMock, "":
		dev := relayer.NewDevnet(cfg.DevnetSecret)
		return dev.Engine(), dev.Revealer(), dev.VerifyProof, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown fhe backend %q", cfg.FHEBackend)
	}
}

func buildLedger(ctx context.Context, cfg config.Config, verifyProof ledger.ProofVerifier, log zerolog.Logger) (ledger.Gateway, error) {
	switch cfg.LedgerBackend {
	case config.LedgerPostgres:
		reg, err := ledger.NewPostgresRegistry(ctx, cfg.DatabaseURL, cfg.RegistryAddress)
		if err != nil {
			return nil, fmt.Errorf("postgres ledger init failed: %w", err)
		}
		if verifyProof != nil {
			reg.SetProofVerifier(verifyProof)
		}
		return reg, nil
	case config.LedgerRPC:
		client, err := ledger.NewRPCClient(ledger.RPCConfig{
			URL:               cfg.RPCURL,
			Registry:          cfg.RegistryAddress,
			Timeout:           cfg.RPCTimeout,
			RequestsPerSecond: cfg.RPCRequestsPerSecond,
			Burst:             cfg.RPCBurst,
			ReceiptTimeout:    cfg.ReceiptTimeout,
		}, log.With().Str("component", "ledger_rpc").Logger())
		if err != nil {
			return nil, fmt.Errorf("rpc ledger init failed: %w", err)
		}
		return client, nil
	case config.LedgerMemory, "":
		reg := ledger.NewMemoryRegistry(cfg.RegistryAddress)
		if verifyProof != nil {
			reg.SetProofVerifier(verifyProof)
		}
		return reg, nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}
