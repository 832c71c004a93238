package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/fhemarket/internal/decrypt"
)

// newTestPostgresRegistry connects to FHEMARKET_TEST_DATABASE_URL under a
// registry address unique to the test.
func newTestPostgresRegistry(t *testing.T) *PostgresRegistry {
	t.Helper()
	url := os.Getenv("FHEMARKET_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("FHEMARKET_TEST_DATABASE_URL not set")
	}
	registry := common.BytesToAddress(crypto.Keccak256([]byte(uuid.NewString()))).Hex()
	reg, err := NewPostgresRegistry(context.Background(), url, registry)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestPostgresRegistryRejectsUnprovenCleartext(t *testing.T) {
	reg := newTestPostgresRegistry(t)
	reg.SetProofVerifier(signedBy("0xhandle-t1"))

	w, err := reg.Writer(testSigner)
	require.NoError(t, err)
	submitTestTask(t, w, "t1")

	forged, err := decrypt.EncodeClearValues([]string{"0xhandle-t1"}, map[string]int64{"0xhandle-t1": 999})
	require.NoError(t, err)
	_, err = w.SubmitVerification(context.Background(), "t1", forged, []byte{0x01})
	require.ErrorIs(t, err, ErrReverted)

	got, err := reg.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.False(t, got.IsVerified)
	require.Zero(t, got.DecryptedValue)

	abi, err := decrypt.EncodeClearValues([]string{"0xhandle-t1"}, map[string]int64{"0xhandle-t1": 42})
	require.NoError(t, err)
	pending, err := w.SubmitVerification(context.Background(), "t1", abi, abi)
	require.NoError(t, err)
	_, err = pending.Wait(context.Background())
	require.NoError(t, err)

	got, err = reg.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, got.IsVerified)
	require.EqualValues(t, 42, got.DecryptedValue)

	_, err = w.SubmitVerification(context.Background(), "t1", abi, abi)
	require.ErrorIs(t, err, ErrAlreadyVerified)
	_, err = w.SubmitVerification(context.Background(), "missing", abi, abi)
	require.ErrorIs(t, err, ErrNotFound)
}
