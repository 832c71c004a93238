package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ent0n29/fhemarket/internal/tasks"
)

// MemoryRegistry is an in-process registry used for local runs and tests.
// Every transaction is final as soon as it is accepted.
type MemoryRegistry struct {
	mu       sync.RWMutex
	address  string
	order    []string
	records  map[string]*memoryRecord
	block    uint64
	now      func() time.Time
	verifier ProofVerifier
}

type memoryRecord struct {
	task  tasks.Task
	proof []byte
}

func NewMemoryRegistry(address string) *MemoryRegistry {
	if !common.IsHexAddress(address) {
		address = "0x0000000000000000000000000000000000000000"
	}
	return &MemoryRegistry{
		address: common.HexToAddress(address).Hex(),
		records: make(map[string]*memoryRecord),
		now:     time.Now,
	}
}

// SetProofVerifier installs the check run by SubmitVerification.
func (r *MemoryRegistry) SetProofVerifier(v ProofVerifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verifier = v
}

func (r *MemoryRegistry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now != nil {
		r.now = now
	}
}

func (r *MemoryRegistry) Address() string { return r.address }

func (r *MemoryRegistry) ListTaskIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out, nil
}

func (r *MemoryRegistry) GetTask(ctx context.Context, id string) (tasks.Task, error) {
	if err := ctx.Err(); err != nil {
		return tasks.Task{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return tasks.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.task, nil
}

func (r *MemoryRegistry) GetEncryptedHandle(ctx context.Context, id string) (string, error) {
	t, err := r.GetTask(ctx, id)
	if err != nil {
		return "", err
	}
	return t.EncryptedValueHandle, nil
}

func (r *MemoryRegistry) IsAvailable(ctx context.Context) (bool, error) {
	return ctx.Err() == nil, nil
}

func (r *MemoryRegistry) Writer(signer string) (Writer, error) {
	if !common.IsHexAddress(signer) {
		return nil, fmt.Errorf("invalid signer address %q", signer)
	}
	return &memoryWriter{reg: r, signer: common.HexToAddress(signer).Hex()}, nil
}

func (r *MemoryRegistry) Close() error { return nil }

// Seed inserts a task directly, bypassing transactions.
func (r *MemoryRegistry) Seed(t tasks.Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[t.ID]; !ok {
		r.order = append(r.order, t.ID)
	}
	r.records[t.ID] = &memoryRecord{task: t.Normalize()}
}

func (r *MemoryRegistry) nextReceiptLocked(method, id string) Receipt {
	r.block++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], r.block)
	hash := crypto.Keccak256([]byte(method), []byte(id), buf[:])
	return Receipt{TxHash: hexutil.Encode(hash), BlockNumber: r.block, Success: true}
}

type memoryWriter struct {
	reg    *MemoryRegistry
	signer string
}

func (w *memoryWriter) Signer() string { return w.signer }

func (w *memoryWriter) SubmitTask(ctx context.Context, req SubmitTaskRequest) (Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if strings.TrimSpace(req.ID) == "" {
		return nil, fmt.Errorf("%w: empty task id", ErrReverted)
	}
	if req.EncryptedHandle == "" || len(req.InputProof) == 0 {
		return nil, fmt.Errorf("%w: missing encrypted input", ErrReverted)
	}

	r := w.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[req.ID]; exists {
		return nil, fmt.Errorf("%w: task %s already exists", ErrReverted, req.ID)
	}
	r.order = append(r.order, req.ID)
	r.records[req.ID] = &memoryRecord{task: tasks.Task{
		ID:                   req.ID,
		Name:                 req.Name,
		EncryptedValueHandle: req.EncryptedHandle,
		PublicValue1:         req.PublicValue1,
		PublicValue2:         req.PublicValue2,
		Description:          req.Description,
		Creator:              w.signer,
		Timestamp:            r.now().Unix(),
	}}
	return confirmed{receipt: r.nextReceiptLocked("createTask", req.ID)}, nil
}

func (w *memoryWriter) SubmitVerification(ctx context.Context, id string, abiEncodedClearValues, proof []byte) (Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	r := w.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.task.IsVerified {
		return nil, ErrAlreadyVerified
	}
	value, err := checkAnchor(r.verifier, rec.task.EncryptedValueHandle, abiEncodedClearValues, proof)
	if err != nil {
		return nil, err
	}
	rec.task.IsVerified = true
	rec.task.DecryptedValue = value
	rec.proof = append([]byte(nil), proof...)
	return confirmed{receipt: r.nextReceiptLocked("verifyDecryption", id)}, nil
}
