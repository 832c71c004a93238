package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/fhemarket/internal/decrypt"
	"github.com/ent0n29/fhemarket/internal/tasks"
)

const (
	testRegistry = "0x5fbdb2315678afecb367f032d93f642f64180aa3"
	testSigner   = "0x70997970c51812dc3a010c7d01b50e0d17dc79c8"
)

func submitTestTask(t *testing.T, w Writer, id string) Receipt {
	t.Helper()
	pending, err := w.SubmitTask(context.Background(), SubmitTaskRequest{
		ID:              id,
		Name:            "job " + id,
		EncryptedHandle: "0xhandle-" + id,
		InputProof:      []byte{0x01},
		PublicValue1:    1,
		PublicValue2:    2,
		Description:     "desc",
	})
	require.NoError(t, err)
	receipt, err := pending.Wait(context.Background())
	require.NoError(t, err)
	return receipt
}

func TestMemoryRegistrySubmitAndRead(t *testing.T) {
	reg := NewMemoryRegistry(testRegistry)
	now := time.Unix(1_700_000_000, 0)
	reg.SetClock(func() time.Time { return now })

	w, err := reg.Writer(testSigner)
	require.NoError(t, err)
	require.Equal(t, "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", w.Signer())

	r1 := submitTestTask(t, w, "t1")
	r2 := submitTestTask(t, w, "t2")
	require.True(t, r1.Success)
	require.Less(t, r1.BlockNumber, r2.BlockNumber)
	require.NotEqual(t, r1.TxHash, r2.TxHash)

	ids, err := reg.ListTaskIDs(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"t1", "t2"}, ids)

	got, err := reg.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, "job t1", got.Name)
	require.Equal(t, w.Signer(), got.Creator)
	require.Equal(t, now.Unix(), got.Timestamp)
	require.False(t, got.IsVerified)

	handle, err := reg.GetEncryptedHandle(context.Background(), "t2")
	require.NoError(t, err)
	require.Equal(t, "0xhandle-t2", handle)
}

func TestMemoryRegistryRejectsDuplicateAndEmptyInput(t *testing.T) {
	reg := NewMemoryRegistry(testRegistry)
	w, err := reg.Writer(testSigner)
	require.NoError(t, err)
	submitTestTask(t, w, "t1")

	_, err = w.SubmitTask(context.Background(), SubmitTaskRequest{ID: "t1", EncryptedHandle: "h", InputProof: []byte{1}})
	require.ErrorIs(t, err, ErrReverted)

	_, err = w.SubmitTask(context.Background(), SubmitTaskRequest{ID: "t9"})
	require.ErrorIs(t, err, ErrReverted)

	_, err = reg.Writer("not-an-address")
	require.Error(t, err)
}

func TestMemoryRegistryGetUnknown(t *testing.T) {
	reg := NewMemoryRegistry(testRegistry)
	_, err := reg.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = reg.GetEncryptedHandle(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistryVerification(t *testing.T) {
	reg := NewMemoryRegistry(testRegistry)
	w, err := reg.Writer(testSigner)
	require.NoError(t, err)
	submitTestTask(t, w, "t1")

	abi, err := decrypt.EncodeClearValues([]string{"0xhandle-t1"}, map[string]int64{"0xhandle-t1": 42})
	require.NoError(t, err)

	_, err = w.SubmitVerification(context.Background(), "t1", abi, nil)
	require.ErrorIs(t, err, ErrReverted)

	pending, err := w.SubmitVerification(context.Background(), "t1", abi, []byte{0xaa})
	require.NoError(t, err)
	_, err = pending.Wait(context.Background())
	require.NoError(t, err)

	got, err := reg.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.True(t, got.IsVerified)
	require.EqualValues(t, 42, got.DecryptedValue)

	_, err = w.SubmitVerification(context.Background(), "t1", abi, []byte{0xaa})
	require.ErrorIs(t, err, ErrAlreadyVerified)

	_, err = w.SubmitVerification(context.Background(), "nope", abi, []byte{0xaa})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRegistryProofVerifier(t *testing.T) {
	reg := NewMemoryRegistry(testRegistry)
	var seenHandle string
	reg.SetProofVerifier(func(handle string, _, _ []byte) error {
		seenHandle = handle
		return errors.New("bad signature")
	})
	reg.Seed(tasks.Task{ID: "t1", EncryptedValueHandle: "0xh1", Timestamp: 1})

	w, err := reg.Writer(testSigner)
	require.NoError(t, err)
	abi, err := decrypt.EncodeClearValues([]string{"0xh1"}, map[string]int64{"0xh1": 7})
	require.NoError(t, err)

	_, err = w.SubmitVerification(context.Background(), "t1", abi, []byte{0x01})
	require.ErrorIs(t, err, ErrReverted)
	require.Equal(t, "0xh1", seenHandle)

	got, err := reg.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.False(t, got.IsVerified)
}

func TestMemoryRegistrySeedNormalizes(t *testing.T) {
	reg := NewMemoryRegistry("garbage")
	require.Equal(t, "0x0000000000000000000000000000000000000000", reg.Address())

	reg.Seed(tasks.Task{ID: "t1", DecryptedValue: 99})
	got, err := reg.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	require.Zero(t, got.DecryptedValue)
}

func TestMemoryRegistryCanceledContext(t *testing.T) {
	reg := NewMemoryRegistry(testRegistry)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := reg.ListTaskIDs(ctx)
	require.ErrorIs(t, err, ErrTransport)

	ok, err := reg.IsAvailable(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}
