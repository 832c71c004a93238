package taskruntime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/fhemarket/internal/decrypt"
	"github.com/ent0n29/fhemarket/internal/fhe"
	"github.com/ent0n29/fhemarket/internal/ledger"
	"github.com/ent0n29/fhemarket/internal/logging"
	"github.com/ent0n29/fhemarket/internal/relayer"
	"github.com/ent0n29/fhemarket/internal/status"
	"github.com/ent0n29/fhemarket/internal/tasks"
	"github.com/ent0n29/fhemarket/internal/wallet"
)

const (
	registryAddr = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	userAddr     = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

// spyGateway counts ledger traffic and injects failures around a memory registry.
type spyGateway struct {
	*ledger.MemoryRegistry

	mu                   sync.Mutex
	listCalls            int
	getCalls             int
	submitTaskCalls      int
	submitVerifyCalls    int
	listErr              error
	getErr               map[string]error
	submitErr            error
	forceAlreadyVerified bool
	listGate             chan struct{}
	availGate            chan struct{}
	onGet                func(id string)
}

func (g *spyGateway) ListTaskIDs(ctx context.Context) ([]string, error) {
	g.mu.Lock()
	g.listCalls++
	gate, err := g.listGate, g.listErr
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return g.MemoryRegistry.ListTaskIDs(ctx)
}

func (g *spyGateway) GetTask(ctx context.Context, id string) (tasks.Task, error) {
	g.mu.Lock()
	g.getCalls++
	err, hook := g.getErr[id], g.onGet
	g.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	if err != nil {
		return tasks.Task{}, err
	}
	return g.MemoryRegistry.GetTask(ctx, id)
}

func (g *spyGateway) IsAvailable(ctx context.Context) (bool, error) {
	g.mu.Lock()
	gate := g.availGate
	g.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return g.MemoryRegistry.IsAvailable(ctx)
}

func (g *spyGateway) Writer(signer string) (ledger.Writer, error) {
	w, err := g.MemoryRegistry.Writer(signer)
	if err != nil {
		return nil, err
	}
	return &spyWriter{g: g, Writer: w}, nil
}

func (g *spyGateway) counts() (list, get, submitTask, submitVerify int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listCalls, g.getCalls, g.submitTaskCalls, g.submitVerifyCalls
}

func (g *spyGateway) set(fn func(g *spyGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

type spyWriter struct {
	ledger.Writer
	g *spyGateway
}

func (w *spyWriter) SubmitTask(ctx context.Context, req ledger.SubmitTaskRequest) (ledger.Pending, error) {
	w.g.mu.Lock()
	w.g.submitTaskCalls++
	err := w.g.submitErr
	w.g.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return w.Writer.SubmitTask(ctx, req)
}

func (w *spyWriter) SubmitVerification(ctx context.Context, id string, abi, proof []byte) (ledger.Pending, error) {
	w.g.mu.Lock()
	w.g.submitVerifyCalls++
	force := w.g.forceAlreadyVerified
	w.g.mu.Unlock()
	if force {
		return nil, ledger.ErrAlreadyVerified
	}
	return w.Writer.SubmitVerification(ctx, id, abi, proof)
}

// countingEngine wraps the devnet engine, optionally blocking or failing Init.
type countingEngine struct {
	fhe.Engine
	inits    atomic.Int32
	encrypts atomic.Int32

	mu      sync.Mutex
	initErr error
	gate    chan struct{}
}

func (e *countingEngine) Init(ctx context.Context) error {
	e.inits.Add(1)
	e.mu.Lock()
	gate, err := e.gate, e.initErr
	e.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}
	return e.Engine.Init(ctx)
}

func (e *countingEngine) Encrypt(ctx context.Context, in fhe.Input) (fhe.Ciphertext, error) {
	e.encrypts.Add(1)
	return e.Engine.Encrypt(ctx, in)
}

type harness struct {
	o       *Orchestrator
	gw      *spyGateway
	engine  *countingEngine
	session *fhe.Session
	wallet  *wallet.Manager
	status  *status.Channel
	dev     *relayer.Devnet
}

func newHarness(t *testing.T, statusCfg status.Config) *harness {
	t.Helper()
	dev := relayer.NewDevnet("taskruntime-test")
	reg := ledger.NewMemoryRegistry(registryAddr)
	reg.SetProofVerifier(dev.VerifyProof)
	gw := &spyGateway{MemoryRegistry: reg, getErr: make(map[string]error)}
	engine := &countingEngine{Engine: dev.Engine()}
	session := fhe.NewSession(engine, fhe.DefaultValueBits, logging.Nop())
	wm := wallet.NewManager(0)
	ch := status.NewChannel(statusCfg)

	o := New(Config{RefreshConcurrency: 4}, Deps{
		Wallet:   wm,
		Session:  session,
		Ledger:   gw,
		Verifier: decrypt.NewCoordinator(dev.Revealer(), logging.Nop()),
		Status:   ch,
		Log:      logging.Nop(),
	})
	return &harness{o: o, gw: gw, engine: engine, session: session, wallet: wm, status: ch, dev: dev}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	_, err := h.wallet.Connect(userAddr)
	require.NoError(t, err)
}

func (h *harness) ready(t *testing.T) {
	t.Helper()
	h.connect(t)
	require.NoError(t, h.o.Bootstrap(context.Background()))
	require.True(t, h.session.Ready())
}

// seedEncrypted stores an unverified task whose handle the devnet can reveal.
func (h *harness) seedEncrypted(t *testing.T, id string, value uint64) tasks.Task {
	t.Helper()
	ct, err := h.dev.Engine().Encrypt(context.Background(), fhe.Input{
		Contract: registryAddr,
		User:     userAddr,
		Value:    value,
		Bits:     fhe.DefaultValueBits,
	})
	require.NoError(t, err)
	task := tasks.Task{
		ID:                   id,
		Name:                 "job " + id,
		EncryptedValueHandle: ct.Handle,
		Description:          "seeded",
		Creator:              userAddr,
		Timestamp:            time.Now().Unix(),
	}
	h.gw.Seed(task)
	return task
}

func (h *harness) requireStatus(t *testing.T, kind status.Kind, message string) {
	t.Helper()
	st := h.status.Current()
	require.True(t, st.Visible, "status should be visible")
	require.Equal(t, kind, st.Kind)
	require.Equal(t, message, st.Message)
}
