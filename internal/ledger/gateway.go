// Package ledger reads and writes the on-chain compute task registry.
//
// Reads go through a Reader that needs no signer. Writes go through a Writer
// bound to one signer address; every write returns a Pending transaction that
// must be waited on before the change is considered durable.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/fhemarket/internal/decrypt"
	"github.com/ent0n29/fhemarket/internal/tasks"
)

var (
	ErrNotFound        = errors.New("task not found on ledger")
	ErrTransport       = errors.New("ledger transport error")
	ErrUserRejected    = errors.New("transaction rejected by signer")
	ErrAlreadyVerified = errors.New("task already verified")
	ErrReverted        = errors.New("transaction reverted")
)

// Reader is the read-only registry view.
type Reader interface {
	// Address is the registry contract address.
	Address() string
	ListTaskIDs(ctx context.Context) ([]string, error)
	GetTask(ctx context.Context, id string) (tasks.Task, error)
	GetEncryptedHandle(ctx context.Context, id string) (string, error)
	IsAvailable(ctx context.Context) (bool, error)
}

// Writer submits signed transactions for one signer.
type Writer interface {
	Signer() string
	SubmitTask(ctx context.Context, req SubmitTaskRequest) (Pending, error)
	SubmitVerification(ctx context.Context, id string, abiEncodedClearValues, proof []byte) (Pending, error)
}

// Gateway hands out the read view and per-signer writers.
type Gateway interface {
	Reader
	Writer(signer string) (Writer, error)
	Close() error
}

// SubmitTaskRequest carries a new task and its encrypted payload.
type SubmitTaskRequest struct {
	ID              string
	Name            string
	EncryptedHandle string
	InputProof      []byte
	PublicValue1    int64
	PublicValue2    int64
	Description     string
}

// Receipt is a finalized transaction.
type Receipt struct {
	TxHash      string `json:"tx_hash"`
	BlockNumber uint64 `json:"block_number"`
	Success     bool   `json:"success"`
}

// Pending is a submitted transaction awaiting finality.
type Pending interface {
	Hash() string
	Wait(ctx context.Context) (Receipt, error)
}

type confirmed struct {
	receipt Receipt
}

func (c confirmed) Hash() string { return c.receipt.TxHash }

func (c confirmed) Wait(ctx context.Context) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	return c.receipt, nil
}

// ProofVerifier checks a decryption proof against the handle it reveals.
type ProofVerifier func(handle string, abiEncodedClearValues, proof []byte) error

// checkAnchor validates a verification submission for the task holding
// handle and returns the cleartext to record. Every failure is a revert.
func checkAnchor(verify ProofVerifier, handle string, abiEncodedClearValues, proof []byte) (int64, error) {
	if len(proof) == 0 {
		return 0, fmt.Errorf("%w: empty decryption proof", ErrReverted)
	}
	if verify != nil {
		if err := verify(handle, abiEncodedClearValues, proof); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrReverted, err)
		}
	}
	values, err := decrypt.DecodeClearValues(abiEncodedClearValues, 1)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrReverted, err)
	}
	return values[0], nil
}
