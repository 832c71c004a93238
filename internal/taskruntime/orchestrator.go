// Package taskruntime drives the compute task lifecycle: encryption session
// bootstrap, ledger reconciliation, task creation and verified decryption.
//
// Every operation is single-flight. A call made while the same operation is
// in flight returns ErrBusy without side effects. Writes are awaited to
// finality and then reconciled through a full refresh; the task collection is
// never edited locally.
package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/fhemarket/internal/decrypt"
	"github.com/ent0n29/fhemarket/internal/fhe"
	"github.com/ent0n29/fhemarket/internal/ledger"
	"github.com/ent0n29/fhemarket/internal/observability"
	"github.com/ent0n29/fhemarket/internal/status"
	"github.com/ent0n29/fhemarket/internal/tasks"
	"github.com/ent0n29/fhemarket/internal/wallet"
)

var (
	ErrBusy         = errors.New("operation already in progress")
	ErrNotConnected = errors.New("wallet not connected")
	ErrInvalidForm  = errors.New("invalid task form")
	ErrTaskNotFound = errors.New("task not in collection")
	ErrNoSelection  = errors.New("no task selected")
	ErrUnavailable  = errors.New("registry reported unavailable")
)

// Encrypter is the encryption session as seen by the orchestrator.
type Encrypter interface {
	Initialize(ctx context.Context) error
	State() fhe.State
	Encrypt(ctx context.Context, contract, user string, value int64) (fhe.Ciphertext, error)
}

// Verifier runs the reveal/anchor decryption protocol.
type Verifier interface {
	VerifyDecryption(ctx context.Context, handles []string, contract string, submit decrypt.SubmitFunc) (decrypt.Result, error)
}

// WalletSource exposes the connected signer and its transitions.
type WalletSource interface {
	Current() wallet.Connection
	Subscribe() (<-chan wallet.Event, func())
}

type Config struct {
	RefreshConcurrency int
	ValueBits          int
	Now                func() time.Time
}

type Deps struct {
	Wallet   WalletSource
	Session  Encrypter
	Ledger   ledger.Gateway
	Verifier Verifier
	Status   *status.Channel
	Metrics  *observability.Metrics
	Log      zerolog.Logger
}

// Event carries a fresh snapshot after any observable change.
type Event struct {
	Reason string `json:"reason"`
	State  State  `json:"state"`
}

type Orchestrator struct {
	cfg      Config
	wallet   WalletSource
	session  Encrypter
	ledger   ledger.Gateway
	verifier Verifier
	status   *status.Channel
	metrics  *observability.Metrics
	log      zerolog.Logger

	creating      atomic.Bool
	decrypting    atomic.Bool
	checking      atomic.Bool
	bootstrapping atomic.Bool

	mu          sync.RWMutex
	collection  tasks.Collection
	form        tasks.Form
	selected    *Selection
	loading     bool
	contract    string
	available   *bool
	refreshedAt time.Time
	refreshDone chan struct{}

	subMu       sync.Mutex
	subscribers map[int]chan Event
	nextSubID   int
}

func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.RefreshConcurrency <= 0 {
		cfg.RefreshConcurrency = 8
	}
	if cfg.ValueBits <= 0 {
		cfg.ValueBits = fhe.DefaultValueBits
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Status == nil {
		deps.Status = status.NewChannel(status.Config{})
	}

	o := &Orchestrator{
		cfg:         cfg,
		wallet:      deps.Wallet,
		session:     deps.Session,
		ledger:      deps.Ledger,
		verifier:    deps.Verifier,
		status:      deps.Status,
		metrics:     deps.Metrics,
		log:         deps.Log,
		subscribers: make(map[int]chan Event),
	}
	o.status.SetHook(func(st status.Status) {
		if st.Visible {
			o.metrics.ObserveStatus(string(st.Kind))
		}
		o.publish("status")
	})
	return o
}

// MintTaskID returns a fresh client-side task id.
func MintTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return "task-" + uuid.NewString()
	}
	return "task-" + id.String()
}

// Run reacts to wallet transitions until ctx ends. A wallet that is already
// connected when Run starts is treated as a fresh connection.
//
// Events only signal that the connection may have changed. The connection
// applied to the view is read back from the wallet, so an event dropped while
// a previous one was being handled cannot leave the view behind.
func (o *Orchestrator) Run(ctx context.Context) {
	events, unsubscribe := o.wallet.Subscribe()
	defer unsubscribe()

	applied := ""
	o.syncWallet(ctx, wallet.Event{Kind: wallet.EventConnected}, &applied)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			o.syncWallet(ctx, evt, &applied)
		}
	}
}

// syncWallet applies the current wallet connection if it differs from the
// one identified by applied. evt is used as-is when it describes the current
// connection; otherwise an equivalent transition is derived from it.
func (o *Orchestrator) syncWallet(ctx context.Context, evt wallet.Event, applied *string) {
	conn := o.wallet.Current()
	current := ""
	if conn.Connected() {
		current = conn.ID
	}
	if current == *applied {
		return
	}
	*applied = current

	switch {
	case current == "":
		if evt.Kind != wallet.EventDisconnected && evt.Kind != wallet.EventExpired {
			evt = wallet.Event{Kind: wallet.EventDisconnected, Connection: conn}
		}
	case evt.Connection.ID != current:
		evt = wallet.Event{Kind: wallet.EventConnected, Connection: conn}
	}
	o.HandleWalletEvent(ctx, evt)
}

// HandleWalletEvent applies one wallet transition.
func (o *Orchestrator) HandleWalletEvent(ctx context.Context, evt wallet.Event) {
	o.metrics.ObserveWalletEvent(string(evt.Kind))
	switch evt.Kind {
	case wallet.EventConnected, wallet.EventAccountChanged:
		o.log.Info().Str("event", string(evt.Kind)).Str("address", evt.Connection.Address).Msg("wallet connected")
		o.resetView()
		o.publish("wallet")
		_ = o.Bootstrap(ctx)
		_ = o.Load(ctx)
	case wallet.EventDisconnected, wallet.EventExpired:
		o.log.Info().Str("event", string(evt.Kind)).Msg("wallet disconnected")
		o.resetView()
		o.publish("wallet")
	}
}

func (o *Orchestrator) resetView() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.collection = tasks.Collection{}
	o.form = tasks.Form{}
	o.selected = nil
	o.available = nil
	o.refreshedAt = time.Time{}
}

// Bootstrap initializes the encryption session when a wallet is connected
// and the session is neither ready nor initializing. Otherwise it is a no-op.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	if !o.wallet.Current().Connected() {
		return nil
	}
	if o.session.State() != fhe.StateUninitialized {
		return nil
	}
	if !o.bootstrapping.CompareAndSwap(false, true) {
		return nil
	}
	defer func() {
		o.bootstrapping.Store(false)
		o.publish("fhe")
	}()
	o.publish("fhe")

	start := time.Now()
	err := o.session.Initialize(ctx)
	o.metrics.ObserveStage(observability.StageInitialize, stageOutcome(err), time.Since(start))
	if err != nil {
		o.metrics.ObserveOperation("bootstrap", "error", time.Since(start))
		o.log.Error().Err(err).Msg("encryption session bootstrap failed")
		o.status.Error(MsgInitFailed)
		return err
	}
	o.metrics.ObserveOperation("bootstrap", "ok", time.Since(start))
	return nil
}

// Load is the connect-time load: it records the registry address and
// reconciles the collection, holding the loading phase until done.
func (o *Orchestrator) Load(ctx context.Context) error {
	if !o.wallet.Current().Connected() {
		return nil
	}
	o.mu.Lock()
	o.loading = true
	o.contract = o.ledger.Address()
	o.mu.Unlock()
	o.publish("loading")

	err := o.reconcile(ctx)

	o.mu.Lock()
	o.loading = false
	o.mu.Unlock()
	o.publish("loaded")
	return err
}

// contractAddress is the registry address used as the encryption context.
// Load records it; an operation that runs before any load records it first.
func (o *Orchestrator) contractAddress() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.contract == "" {
		o.contract = o.ledger.Address()
	}
	return o.contract
}

// Refresh rebuilds the collection from the ledger. Lookups that fail for a
// single id are logged and skipped. If the id listing fails or ctx ends
// before every lookup returned, the previous collection is kept and an error
// status is posted. Without a connected
// wallet Refresh does nothing.
func (o *Orchestrator) Refresh(ctx context.Context) error {
	if !o.wallet.Current().Connected() {
		return nil
	}

	o.mu.Lock()
	if o.refreshDone != nil {
		o.mu.Unlock()
		return ErrBusy
	}
	done := make(chan struct{})
	o.refreshDone = done
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.refreshDone = nil
		o.mu.Unlock()
		close(done)
		o.publish("refresh")
	}()
	o.publish("refreshing")

	start := time.Now()
	ids, err := o.ledger.ListTaskIDs(ctx)
	if err != nil {
		o.metrics.ObserveLedgerCall("listTaskIds", "error")
		o.metrics.ObserveStage(observability.StageRefresh, stageOutcome(err), time.Since(start))
		o.metrics.ObserveOperation("refresh", "error", time.Since(start))
		o.log.Error().Err(err).Msg("list task ids failed")
		o.status.Error(MsgLoadFailed)
		return err
	}
	o.metrics.ObserveLedgerCall("listTaskIds", "ok")

	found := make([]*tasks.Task, len(ids))
	var g errgroup.Group
	g.SetLimit(o.cfg.RefreshConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			t, err := o.ledger.GetTask(ctx, id)
			if err != nil {
				o.metrics.ObserveLedgerCall("getTask", "error")
				o.log.Warn().Err(err).Str("task_id", id).Msg("skipping task that failed to load")
				return nil
			}
			o.metrics.ObserveLedgerCall("getTask", "ok")
			found[i] = &t
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		o.metrics.ObserveStage(observability.StageRefresh, observability.OutcomeError, time.Since(start))
		o.metrics.ObserveOperation("refresh", "error", time.Since(start))
		o.log.Warn().Err(err).Msg("refresh interrupted")
		o.status.Error(MsgLoadFailed)
		return fmt.Errorf("refresh interrupted: %w", err)
	}

	list := make([]tasks.Task, 0, len(found))
	for _, t := range found {
		if t != nil {
			list = append(list, *t)
		}
	}
	collection := tasks.NewCollection(list)
	now := o.cfg.Now()
	stats := collection.Stats(now)

	o.mu.Lock()
	o.collection = collection
	o.refreshedAt = now
	if o.selected != nil {
		if t, ok := collection.Get(o.selected.TaskID); ok {
			o.selected.Task = t
		}
	}
	o.mu.Unlock()

	o.metrics.SetTaskCounts(stats.Total, stats.Verified, stats.Active)
	o.metrics.ObserveStage(observability.StageRefresh, observability.OutcomeOK, time.Since(start))
	o.metrics.ObserveOperation("refresh", "ok", time.Since(start))
	o.log.Debug().Int("listed", len(ids)).Int("loaded", collection.Len()).Msg("collection refreshed")
	return nil
}

// reconcile runs a refresh after a write. If one is already in flight it
// waits for it to finish and then refreshes again so the result reflects the
// write.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	for attempt := 0; attempt < 4; attempt++ {
		err := o.Refresh(ctx)
		if !errors.Is(err, ErrBusy) {
			return err
		}
		o.mu.RLock()
		done := o.refreshDone
		o.mu.RUnlock()
		if done == nil {
			continue
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ErrBusy
}

// CheckAvailability probes the registry. A false answer counts as failure.
func (o *Orchestrator) CheckAvailability(ctx context.Context) (bool, error) {
	if !o.checking.CompareAndSwap(false, true) {
		return false, ErrBusy
	}
	defer func() {
		o.checking.Store(false)
		o.publish("availability")
	}()
	o.publish("availability")

	start := time.Now()
	ok, err := o.ledger.IsAvailable(ctx)
	if err == nil && !ok {
		err = ErrUnavailable
	}
	o.mu.Lock()
	o.available = &ok
	o.mu.Unlock()

	if err != nil {
		o.metrics.ObserveLedgerCall("isAvailable", "error")
		o.metrics.ObserveOperation("availability", "error", time.Since(start))
		o.log.Warn().Err(err).Msg("availability check failed")
		o.status.Error(MsgAvailabilityFailed)
		return false, err
	}
	o.metrics.ObserveLedgerCall("isAvailable", "ok")
	o.metrics.ObserveOperation("availability", "ok", time.Since(start))
	o.status.Success(MsgAvailable)
	return true, nil
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() State {
	conn := o.wallet.Current()
	fheState := o.session.State()

	o.mu.RLock()
	collection := o.collection
	st := State{
		Connected:       conn.Connected(),
		ContractAddress: o.contract,
		FHE:             fheState,
		Form:            o.form,
		Selected:        cloneSelection(o.selected),
		RefreshedAt:     o.refreshedAt,
		Busy: Busy{
			Refreshing: o.refreshDone != nil,
		},
	}
	if o.available != nil {
		v := *o.available
		st.Available = &v
	}
	loading := o.loading
	o.mu.RUnlock()

	if st.Connected {
		st.Address = conn.Address
		st.ShortAddress = tasks.ShortAddress(conn.Address)
	}
	st.Phase = derivePhase(st.Connected, fheState, loading)
	st.Tasks = collection.List()
	st.Stats = collection.Stats(o.cfg.Now())
	st.Status = o.status.Current()
	st.Busy.Creating = o.creating.Load()
	st.Busy.Decrypting = o.decrypting.Load()
	st.Busy.Checking = o.checking.Load()
	st.Busy.Initializing = o.bootstrapping.Load() || fheState == fhe.StateInitializing
	return st
}

// Tasks returns the collection filtered by term, in discovery order.
func (o *Orchestrator) Tasks(term string) []tasks.Task {
	o.mu.RLock()
	collection := o.collection
	o.mu.RUnlock()
	return collection.Filter(term)
}

func (o *Orchestrator) Task(id string) (tasks.Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.collection.Get(id)
	if !ok {
		return tasks.Task{}, ErrTaskNotFound
	}
	return t, nil
}

func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	o.subMu.Lock()
	o.nextSubID++
	id := o.nextSubID
	o.subscribers[id] = ch
	o.subMu.Unlock()

	return ch, func() {
		o.subMu.Lock()
		defer o.subMu.Unlock()
		if c, ok := o.subscribers[id]; ok {
			delete(o.subscribers, id)
			close(c)
		}
	}
}

// stageOutcome labels a lifecycle stage sample by the error that ended it.
func stageOutcome(err error) string {
	switch {
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, ledger.ErrUserRejected):
		return "rejected"
	case errors.Is(err, ledger.ErrAlreadyVerified):
		return "already_verified"
	default:
		return observability.OutcomeError
	}
}

// publish must not be called with o.mu held.
func (o *Orchestrator) publish(reason string) {
	o.subMu.Lock()
	empty := len(o.subscribers) == 0
	o.subMu.Unlock()
	if empty {
		return
	}

	evt := Event{Reason: reason, State: o.Snapshot()}
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subscribers {
		select {
		case ch <- evt:
		default:
		}
	}
}
