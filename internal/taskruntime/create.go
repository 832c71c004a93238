package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/fhemarket/internal/ledger"
	"github.com/ent0n29/fhemarket/internal/observability"
	"github.com/ent0n29/fhemarket/internal/policy"
	"github.com/ent0n29/fhemarket/internal/tasks"
)

// Created describes a confirmed task creation.
type Created struct {
	TaskID      string `json:"task_id"`
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
}

func (o *Orchestrator) OpenForm() tasks.Form {
	o.mu.Lock()
	o.form.Open = true
	f := o.form
	o.mu.Unlock()
	o.publish("form")
	return f
}

// CloseForm hides the form and keeps the draft.
func (o *Orchestrator) CloseForm() tasks.Form {
	o.mu.Lock()
	o.form.Open = false
	f := o.form
	o.mu.Unlock()
	o.publish("form")
	return f
}

// UpdateForm replaces the draft fields. The compute value keeps digits only.
func (o *Orchestrator) UpdateForm(draft tasks.Form) tasks.Form {
	o.mu.Lock()
	o.form.Name = draft.Name
	o.form.ComputeValue = policy.SanitizeComputeValue(draft.ComputeValue)
	o.form.Description = draft.Description
	f := o.form
	o.mu.Unlock()
	o.publish("form")
	return f
}

// Create encrypts the draft value and registers a new task. Nothing is
// encrypted or submitted unless a wallet is connected and every required
// field is filled in.
func (o *Orchestrator) Create(ctx context.Context) (Created, error) {
	if !o.creating.CompareAndSwap(false, true) {
		return Created{}, ErrBusy
	}
	defer func() {
		o.creating.Store(false)
		o.publish("create")
	}()

	conn := o.wallet.Current()
	if !conn.Connected() {
		o.status.Error(MsgConnectWallet)
		return Created{}, ErrNotConnected
	}

	o.mu.RLock()
	form := policy.SanitizeForm(o.form)
	o.mu.RUnlock()
	decision, err := policy.DecideForm(form, o.cfg.ValueBits)
	if errors.Is(err, policy.ErrIncompleteForm) {
		o.status.Error(MsgFillRequired)
		return Created{}, fmt.Errorf("%w: %v", ErrInvalidForm, err)
	}
	if err != nil {
		o.status.Error(MsgSubmissionFailed + err.Error())
		return Created{}, fmt.Errorf("%w: %v", ErrInvalidForm, err)
	}

	o.publish("create")
	start := time.Now()
	o.status.Pending(MsgCreating)

	created, err := o.submitTask(ctx, conn.Address, form, decision.Value)
	if err != nil {
		outcome := "error"
		if errors.Is(err, ledger.ErrUserRejected) {
			outcome = "rejected"
			o.status.Error(MsgRejected)
		} else {
			o.status.Error(MsgSubmissionFailed + err.Error())
		}
		o.metrics.ObserveOperation("create", outcome, time.Since(start))
		o.log.Error().Err(err).Str("task_id", created.TaskID).Msg("task creation failed")
		return Created{}, err
	}

	o.status.Success(MsgCreated)
	o.metrics.ObserveOperation("create", "ok", time.Since(start))
	o.log.Info().
		Str("task_id", created.TaskID).
		Str("tx_hash", created.TxHash).
		Uint64("block", created.BlockNumber).
		Msg("task created")

	if err := o.reconcile(ctx); err != nil {
		o.log.Warn().Err(err).Msg("refresh after create failed")
	}

	o.mu.Lock()
	o.form = tasks.Form{}
	o.mu.Unlock()
	o.publish("form")
	return created, nil
}

func (o *Orchestrator) submitTask(ctx context.Context, signer string, form tasks.Form, value int64) (Created, error) {
	created := Created{TaskID: MintTaskID()}

	encryptStart := time.Now()
	ct, err := o.session.Encrypt(ctx, o.contractAddress(), signer, value)
	o.metrics.ObserveStage(observability.StageEncrypt, stageOutcome(err), time.Since(encryptStart))
	if err != nil {
		return created, err
	}

	w, err := o.ledger.Writer(signer)
	if err != nil {
		return created, err
	}
	submitStart := time.Now()
	pending, err := w.SubmitTask(ctx, ledger.SubmitTaskRequest{
		ID:              created.TaskID,
		Name:            form.Name,
		EncryptedHandle: ct.Handle,
		InputProof:      ct.Proof,
		Description:     form.Description,
	})
	o.metrics.ObserveStage(observability.StageSubmit, stageOutcome(err), time.Since(submitStart))
	if err != nil {
		o.metrics.ObserveLedgerCall("createTask", "error")
		return created, err
	}
	o.metrics.ObserveLedgerCall("createTask", "ok")

	o.status.Pending(MsgAwaitingConfirm)
	confirmStart := time.Now()
	receipt, err := pending.Wait(ctx)
	o.metrics.ObserveStage(observability.StageConfirm, stageOutcome(err), time.Since(confirmStart))
	if err != nil {
		return created, err
	}

	created.TxHash = receipt.TxHash
	created.BlockNumber = receipt.BlockNumber
	return created, nil
}
