package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/fhemarket/internal/config"
	"github.com/ent0n29/fhemarket/internal/ledger"
	"github.com/ent0n29/fhemarket/internal/taskruntime"
	"github.com/ent0n29/fhemarket/internal/tasks"
)

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.LogLevel = "error"
	return cfg
}

func TestBuildStartConnectsConfiguredWallet(t *testing.T) {
	cfg := testConfig()
	cfg.WalletAddress = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"

	built, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, built.Cleanup()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, built.Start(ctx))

	require.Eventually(t, func() bool {
		return built.Runtime.Snapshot().Phase == taskruntime.PhaseReady
	}, 5*time.Second, 10*time.Millisecond)

	st := built.Runtime.Snapshot()
	require.Equal(t, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", st.Address)
	require.Equal(t, cfg.RegistryAddress, st.ContractAddress)
}

func TestBuildMockBackendsRoundTrip(t *testing.T) {
	built, err := Build(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	defer built.Cleanup()

	ctx := context.Background()
	_, err = built.Wallet.Connect("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	require.NoError(t, err)
	require.NoError(t, built.Runtime.Bootstrap(ctx))
	require.NoError(t, built.Runtime.Load(ctx))

	built.Runtime.UpdateForm(tasks.Form{Name: "wired", ComputeValue: "77", Description: "wiring check"})
	created, err := built.Runtime.Create(ctx)
	require.NoError(t, err)

	res, err := built.Runtime.DecryptAndVerify(ctx, created.TaskID)
	require.NoError(t, err)
	require.Equal(t, int64(77), res.Value)
	require.Equal(t, taskruntime.OutcomeVerified, res.Outcome)
}

func TestBuildRPCBackendDoesNotDial(t *testing.T) {
	cfg := testConfig()
	cfg.LedgerBackend = config.LedgerRPC
	cfg.RPCURL = "http://127.0.0.1:1"

	built, err := Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer built.Cleanup()
	_, ok := built.Ledger.(*ledger.RPCClient)
	require.True(t, ok, "ledger = %T, want *ledger.RPCClient", built.Ledger)
}

func TestBuildRejectsUnknownBackends(t *testing.T) {
	cfg := testConfig()
	cfg.LedgerBackend = "ipfs"
	_, err := Build(context.Background(), cfg, nil)
	require.Error(t, err)

	cfg = testConfig()
	cfg.FHEBackend = "tfhe"
	_, err = Build(context.Background(), cfg, nil)
	require.Error(t, err)
}
