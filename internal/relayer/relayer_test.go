package relayer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/fhemarket/internal/decrypt"
	"github.com/ent0n29/fhemarket/internal/fhe"
	"github.com/ent0n29/fhemarket/internal/logging"
)

const (
	contractAddr = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	userAddr     = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

func TestDevnetEncryptRevealVerify(t *testing.T) {
	dev := NewDevnet("test")
	sess := fhe.NewSession(dev.Engine(), fhe.DefaultValueBits, logging.Nop())
	require.NoError(t, sess.Initialize(context.Background()))

	ct, err := sess.Encrypt(context.Background(), contractAddr, userAddr, 42)
	require.NoError(t, err)
	require.NotEmpty(t, ct.Handle)
	require.NotEmpty(t, ct.Proof)
	require.Len(t, ct.Data, 32)

	other, err := sess.Encrypt(context.Background(), contractAddr, userAddr, 42)
	require.NoError(t, err)
	require.NotEqual(t, ct.Handle, other.Handle)

	rev, err := dev.Revealer().Reveal(context.Background(), []string{ct.Handle}, contractAddr)
	require.NoError(t, err)
	require.EqualValues(t, 42, rev.ClearValues[ct.Handle])
	require.NoError(t, dev.VerifyProof(ct.Handle, rev.AbiEncodedClearValues, rev.Proof))

	forged, err := decrypt.EncodeClearValues([]string{ct.Handle}, map[string]int64{ct.Handle: 43})
	require.NoError(t, err)
	require.ErrorIs(t, dev.VerifyProof(ct.Handle, forged, rev.Proof), ErrBadProof)
}

func TestDevnetRevealUnknownHandle(t *testing.T) {
	dev := NewDevnet("")
	_, err := dev.Revealer().Reveal(context.Background(), []string{"0xdead"}, contractAddr)
	require.ErrorIs(t, err, ErrUnknownHandle)
}

func TestDevnetRevealWrongContract(t *testing.T) {
	dev := NewDevnet("")
	ct, err := dev.Engine().Encrypt(context.Background(), fhe.Input{Contract: contractAddr, User: userAddr, Value: 1, Bits: 32})
	require.NoError(t, err)
	_, err = dev.Revealer().Reveal(context.Background(), []string{ct.Handle}, userAddr)
	require.Error(t, err)
}

func TestDevnetFailInit(t *testing.T) {
	dev := NewDevnet("")
	dev.FailInit(errors.New("key server down"))
	sess := fhe.NewSession(dev.Engine(), 0, logging.Nop())
	require.ErrorIs(t, sess.Initialize(context.Background()), fhe.ErrInitialization)
	require.Equal(t, fhe.StateUninitialized, sess.State())

	dev.FailInit(nil)
	require.NoError(t, sess.Initialize(context.Background()))
	require.True(t, sess.Ready())
}

func TestClientAgainstDevnetHandler(t *testing.T) {
	dev := NewDevnet("http")
	ts := httptest.NewServer(dev.Handler())
	defer ts.Close()

	client := NewClient(Config{URL: ts.URL + "/"})
	engine := NewEngine(client)
	sess := fhe.NewSession(engine, fhe.DefaultValueBits, logging.Nop())
	require.NoError(t, sess.Initialize(context.Background()))
	require.NotEmpty(t, engine.Key().PublicKeyURL)

	ct, err := sess.Encrypt(context.Background(), contractAddr, userAddr, 1234)
	require.NoError(t, err)

	rev, err := NewRevealer(client).Reveal(context.Background(), []string{ct.Handle}, contractAddr)
	require.NoError(t, err)
	require.EqualValues(t, 1234, rev.ClearValues[ct.Handle])
	require.NoError(t, dev.VerifyProof(ct.Handle, rev.AbiEncodedClearValues, rev.Proof))

	_, err = NewRevealer(client).Reveal(context.Background(), []string{"0xbeef"}, contractAddr)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.Code)
	require.False(t, statusErr.Retryable())
}

func TestClientSendsAPIKey(t *testing.T) {
	var gotKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := NewClient(Config{URL: ts.URL, APIKey: " secret "}).KeyURL(context.Background())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.True(t, statusErr.Retryable())
	require.Equal(t, "secret", gotKey)
}

func TestEngineInitRequiresKeyURL(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, KeyInfo{PublicKeyID: "k"})
	}))
	defer ts.Close()

	err := NewEngine(NewClient(Config{URL: ts.URL})).Init(context.Background())
	require.Error(t, err)
}

func TestParseClearValue(t *testing.T) {
	for in, want := range map[string]int64{"42": 42, " 7 ": 7, "0x2a": 42, "0X10": 16} {
		got, err := parseClearValue(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := parseClearValue("forty-two")
	require.Error(t, err)
}
