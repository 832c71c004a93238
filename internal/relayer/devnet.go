package relayer

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ent0n29/fhemarket/internal/decrypt"
	"github.com/ent0n29/fhemarket/internal/fhe"
)

var (
	ErrUnknownHandle = errors.New("unknown ciphertext handle")
	ErrBadProof      = errors.New("decryption proof does not verify")
)

// Devnet is a deterministic stand-in for the relayer and its key management
// service. It keeps the plaintext of every handle it issues and signs reveals
// with a keccak MAC over its secret, so a ledger backend can check proofs.
// It provides no confidentiality.
type Devnet struct {
	mu      sync.Mutex
	secret  []byte
	nonce   uint64
	book    map[string]entry
	initErr error
}

type entry struct {
	contract string
	value    int64
}

func NewDevnet(secret string) *Devnet {
	if strings.TrimSpace(secret) == "" {
		secret = "fhemarket-devnet"
	}
	return &Devnet{
		secret: crypto.Keccak256([]byte(secret)),
		book:   make(map[string]entry),
	}
}

// FailInit makes engine initialization return err until cleared with nil.
func (d *Devnet) FailInit(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initErr = err
}

func (d *Devnet) Engine() fhe.Engine { return devnetEngine{d} }

func (d *Devnet) Revealer() decrypt.Revealer { return devnetRevealer{d} }

func (d *Devnet) keyInfo() KeyInfo {
	id := hexutil.Encode(crypto.Keccak256(d.secret, []byte("public-key"))[:16])
	return KeyInfo{
		PublicKeyID:  id,
		PublicKeyURL: "devnet://keys/" + id,
		CRSURL:       "devnet://crs/" + id,
	}
}

func (d *Devnet) encrypt(in fhe.Input) (fhe.Ciphertext, error) {
	if !common.IsHexAddress(in.Contract) || !common.IsHexAddress(in.User) {
		return fhe.Ciphertext{}, errors.New("contract and user must be hex addresses")
	}
	if in.Value > uint64(1<<63-1) {
		return fhe.Ciphertext{}, fmt.Errorf("value %d out of range", in.Value)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nonce++
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], d.nonce)
	binary.BigEndian.PutUint64(buf[8:], in.Value)

	contract := common.HexToAddress(in.Contract)
	user := common.HexToAddress(in.User)
	handleBytes := crypto.Keccak256(d.secret, contract.Bytes(), user.Bytes(), buf[:8])
	handle := hexutil.Encode(handleBytes)

	// XOR-masked value; only the book can open it.
	mask := crypto.Keccak256(d.secret, handleBytes)
	data := make([]byte, 32)
	copy(data, mask)
	for i := 0; i < 8; i++ {
		data[24+i] ^= buf[8+i]
	}
	proof := crypto.Keccak256(d.secret, handleBytes, contract.Bytes(), user.Bytes())

	d.book[handle] = entry{contract: contract.Hex(), value: int64(in.Value)}
	return fhe.Ciphertext{Handle: handle, Data: data, Proof: proof}, nil
}

func (d *Devnet) reveal(handles []string, contract string) (decrypt.Reveal, error) {
	if len(handles) == 0 {
		return decrypt.Reveal{}, errors.New("no handles")
	}
	d.mu.Lock()
	clear := make(map[string]int64, len(handles))
	for _, h := range handles {
		e, ok := d.book[strings.ToLower(h)]
		if !ok {
			d.mu.Unlock()
			return decrypt.Reveal{}, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
		}
		if common.IsHexAddress(contract) && !strings.EqualFold(e.contract, contract) {
			d.mu.Unlock()
			return decrypt.Reveal{}, fmt.Errorf("handle %s is not bound to %s", h, contract)
		}
		clear[h] = e.value
	}
	d.mu.Unlock()

	abi, err := decrypt.EncodeClearValues(handles, clear)
	if err != nil {
		return decrypt.Reveal{}, err
	}
	return decrypt.Reveal{
		ClearValues:           clear,
		AbiEncodedClearValues: abi,
		Proof:                 d.sign(handles, abi),
	}, nil
}

func (d *Devnet) sign(handles []string, abi []byte) []byte {
	parts := [][]byte{d.secret, abi}
	for _, h := range handles {
		parts = append(parts, []byte(strings.ToLower(h)))
	}
	return crypto.Keccak256(parts...)
}

// VerifyProof checks a single-handle reveal. It satisfies ledger.ProofVerifier.
func (d *Devnet) VerifyProof(handle string, abiEncodedClearValues, proof []byte) error {
	if !bytes.Equal(d.sign([]string{handle}, abiEncodedClearValues), proof) {
		return ErrBadProof
	}
	values, err := decrypt.DecodeClearValues(abiEncodedClearValues, 1)
	if err != nil {
		return err
	}
	d.mu.Lock()
	e, ok := d.book[strings.ToLower(handle)]
	d.mu.Unlock()
	if ok && e.value != values[0] {
		return fmt.Errorf("%w: value mismatch for %s", ErrBadProof, handle)
	}
	return nil
}

type devnetEngine struct{ d *Devnet }

func (e devnetEngine) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return e.d.initErr
}

func (e devnetEngine) Encrypt(ctx context.Context, in fhe.Input) (fhe.Ciphertext, error) {
	if err := ctx.Err(); err != nil {
		return fhe.Ciphertext{}, err
	}
	return e.d.encrypt(in)
}

type devnetRevealer struct{ d *Devnet }

func (r devnetRevealer) Reveal(ctx context.Context, handles []string, contract string) (decrypt.Reveal, error) {
	if err := ctx.Err(); err != nil {
		return decrypt.Reveal{}, err
	}
	return r.d.reveal(handles, contract)
}
