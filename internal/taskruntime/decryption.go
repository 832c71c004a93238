package taskruntime

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/fhemarket/internal/ledger"
	"github.com/ent0n29/fhemarket/internal/observability"
)

// DecryptOutcome says how a decryption request was satisfied.
type DecryptOutcome string

const (
	// OutcomeStored: the ledger already held a verified value; nothing was written.
	OutcomeStored DecryptOutcome = "stored"
	// OutcomeVerified: the value was revealed and anchored by this call.
	OutcomeVerified DecryptOutcome = "verified"
	// OutcomeAlreadyVerified: another writer anchored the value first. No value is returned.
	OutcomeAlreadyVerified DecryptOutcome = "already_verified"
	// OutcomeLocal: the detail view already held a value from this process.
	OutcomeLocal DecryptOutcome = "local"
)

type Decryption struct {
	TaskID   string         `json:"task_id"`
	Outcome  DecryptOutcome `json:"outcome"`
	Value    int64          `json:"value"`
	HasValue bool           `json:"has_value"`
	TxHash   string         `json:"tx_hash,omitempty"`
}

// Select opens a task from the current collection in the detail view.
func (o *Orchestrator) Select(id string) (Selection, error) {
	o.mu.Lock()
	t, ok := o.collection.Get(id)
	if !ok {
		o.mu.Unlock()
		return Selection{}, ErrTaskNotFound
	}
	if o.selected == nil || o.selected.TaskID != id {
		o.selected = &Selection{TaskID: id, Task: t}
	}
	sel := *cloneSelection(o.selected)
	o.mu.Unlock()
	o.publish("selection")
	return sel, nil
}

func (o *Orchestrator) CloseDetail() {
	o.mu.Lock()
	o.selected = nil
	o.mu.Unlock()
	o.publish("selection")
}

// DecryptSelected decrypts the task in the detail view, reusing a value
// already obtained in this process.
func (o *Orchestrator) DecryptSelected(ctx context.Context) (Decryption, error) {
	o.mu.RLock()
	sel := cloneSelection(o.selected)
	o.mu.RUnlock()
	if sel == nil {
		return Decryption{}, ErrNoSelection
	}
	if sel.LocalValue != nil {
		return Decryption{TaskID: sel.TaskID, Outcome: OutcomeLocal, Value: *sel.LocalValue, HasValue: true}, nil
	}
	return o.DecryptAndVerify(ctx, sel.TaskID)
}

// DecryptAndVerify reveals a task's value and anchors it on the ledger. A
// task the ledger already reports as verified is answered from the ledger
// without any write. Losing the anchor race to another writer is not an
// error: the call reports OutcomeAlreadyVerified and reconciles once.
func (o *Orchestrator) DecryptAndVerify(ctx context.Context, id string) (Decryption, error) {
	if !o.decrypting.CompareAndSwap(false, true) {
		return Decryption{}, ErrBusy
	}
	defer func() {
		o.decrypting.Store(false)
		o.publish("decrypt")
	}()

	conn := o.wallet.Current()
	if !conn.Connected() {
		o.status.Error(MsgConnectWallet)
		return Decryption{}, ErrNotConnected
	}
	o.publish("decrypt")
	start := time.Now()

	task, err := o.ledger.GetTask(ctx, id)
	if err != nil {
		return Decryption{}, o.failDecrypt(id, start, err)
	}
	if task.IsVerified {
		o.status.Success(MsgStoredVerified)
		o.recordLocalValue(id, task.DecryptedValue)
		o.metrics.ObserveOperation("decrypt", "stored", time.Since(start))
		return Decryption{TaskID: id, Outcome: OutcomeStored, Value: task.DecryptedValue, HasValue: true}, nil
	}

	w, err := o.ledger.Writer(conn.Address)
	if err != nil {
		return Decryption{}, o.failDecrypt(id, start, err)
	}
	handle, err := o.ledger.GetEncryptedHandle(ctx, id)
	if err != nil {
		return Decryption{}, o.failDecrypt(id, start, err)
	}

	var (
		receipt  ledger.Receipt
		revealed bool
	)
	revealStart := time.Now()
	submit := func(ctx context.Context, abiEncodedClearValues, proof []byte) error {
		revealed = true
		o.metrics.ObserveStage(observability.StageReveal, observability.OutcomeOK, time.Since(revealStart))
		anchorStart := time.Now()
		pending, err := w.SubmitVerification(ctx, id, abiEncodedClearValues, proof)
		if err != nil {
			o.metrics.ObserveLedgerCall("verifyDecryption", "error")
			o.metrics.ObserveStage(observability.StageAnchor, stageOutcome(err), time.Since(anchorStart))
			return err
		}
		o.metrics.ObserveLedgerCall("verifyDecryption", "ok")
		o.status.Pending(MsgVerifying)
		receipt, err = pending.Wait(ctx)
		o.metrics.ObserveStage(observability.StageAnchor, stageOutcome(err), time.Since(anchorStart))
		return err
	}

	result, err := o.verifier.VerifyDecryption(ctx, []string{handle}, o.contractAddress(), submit)
	if err != nil && !revealed {
		o.metrics.ObserveStage(observability.StageReveal, observability.OutcomeError, time.Since(revealStart))
	}
	if errors.Is(err, ledger.ErrAlreadyVerified) {
		o.status.Success(MsgRaceVerified)
		o.metrics.ObserveOperation("decrypt", "already_verified", time.Since(start))
		o.log.Info().Str("task_id", id).Msg("task was verified by another writer")
		if err := o.reconcile(ctx); err != nil {
			o.log.Warn().Err(err).Msg("refresh after decrypt failed")
		}
		return Decryption{TaskID: id, Outcome: OutcomeAlreadyVerified}, nil
	}
	if err != nil {
		return Decryption{}, o.failDecrypt(id, start, err)
	}

	value := result.ClearValues[handle]
	if err := o.reconcile(ctx); err != nil {
		o.log.Warn().Err(err).Msg("refresh after decrypt failed")
	}
	o.status.Success(MsgDecrypted)
	o.recordLocalValue(id, value)
	o.metrics.ObserveOperation("decrypt", "ok", time.Since(start))
	o.log.Info().Str("task_id", id).Str("tx_hash", receipt.TxHash).Msg("decryption anchored")
	return Decryption{TaskID: id, Outcome: OutcomeVerified, Value: value, HasValue: true, TxHash: receipt.TxHash}, nil
}

func (o *Orchestrator) failDecrypt(id string, start time.Time, err error) error {
	o.status.Error(MsgDecryptionFailed + err.Error())
	o.metrics.ObserveOperation("decrypt", "error", time.Since(start))
	o.log.Error().Err(err).Str("task_id", id).Msg("decryption failed")
	return err
}

func (o *Orchestrator) recordLocalValue(id string, value int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.selected != nil && o.selected.TaskID == id {
		v := value
		o.selected.LocalValue = &v
	}
}
