// Package decrypt runs the two-phase reveal/anchor protocol that turns an
// encrypted handle into a ledger-verified cleartext.
//
// The reveal phase asks an external decryption service for candidate
// cleartexts and a proof. The anchor phase hands both to a caller-supplied
// SubmitFunc, which records them on the ledger. The coordinator never knows
// which task or contract method is being anchored, and it never retries the
// anchor on its own.
package decrypt

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var ErrReveal = errors.New("decryption reveal failed")

// Reveal is what a decryption service returns for a batch of handles.
type Reveal struct {
	ClearValues           map[string]int64
	AbiEncodedClearValues []byte
	Proof                 []byte
}

// Revealer obtains candidate cleartexts for handles owned by contract.
type Revealer interface {
	Reveal(ctx context.Context, handles []string, contract string) (Reveal, error)
}

// SubmitFunc anchors a reveal on the ledger.
type SubmitFunc func(ctx context.Context, abiEncodedClearValues, proof []byte) error

// Result is the anchored reveal.
type Result struct {
	ClearValues           map[string]int64
	AbiEncodedClearValues []byte
	Proof                 []byte
}

type Coordinator struct {
	revealer Revealer
	log      zerolog.Logger
}

func NewCoordinator(revealer Revealer, log zerolog.Logger) *Coordinator {
	return &Coordinator{revealer: revealer, log: log}
}

// VerifyDecryption reveals handles and anchors the result through submit.
// Reveal failures wrap ErrReveal; submit errors are returned wrapped so that
// errors.Is still sees their kind.
func (c *Coordinator) VerifyDecryption(ctx context.Context, handles []string, contract string, submit SubmitFunc) (Result, error) {
	if len(handles) == 0 {
		return Result{}, fmt.Errorf("%w: no handles", ErrReveal)
	}
	if submit == nil {
		return Result{}, errors.New("decrypt: submit callback is required")
	}

	rev, err := c.revealer.Reveal(ctx, handles, contract)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrReveal, err)
	}
	for _, h := range handles {
		if _, ok := rev.ClearValues[h]; !ok {
			return Result{}, fmt.Errorf("%w: missing clear value for handle %s", ErrReveal, h)
		}
	}
	if len(rev.Proof) == 0 {
		return Result{}, fmt.Errorf("%w: empty decryption proof", ErrReveal)
	}
	encoded := rev.AbiEncodedClearValues
	if len(encoded) == 0 {
		encoded, err = EncodeClearValues(handles, rev.ClearValues)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrReveal, err)
		}
	}

	res := Result{
		ClearValues:           rev.ClearValues,
		AbiEncodedClearValues: encoded,
		Proof:                 rev.Proof,
	}
	c.log.Debug().Int("handles", len(handles)).Msg("reveal complete, anchoring")

	if err := submit(ctx, encoded, rev.Proof); err != nil {
		return res, fmt.Errorf("anchor decryption: %w", err)
	}
	return res, nil
}
