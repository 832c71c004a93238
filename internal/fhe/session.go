package fhe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	ErrInitialization = errors.New("fhe initialization failed")
	ErrEncryption     = errors.New("fhe encryption failed")
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
)

// DefaultValueBits matches the euint32 inputs accepted by the registry.
const DefaultValueBits = 32

// Ciphertext is an encrypted input plus the proof binding it to a
// (contract, user) pair.
type Ciphertext struct {
	Handle string `json:"handle"`
	Data   []byte `json:"data"`
	Proof  []byte `json:"proof"`
}

// Input is what an Engine encrypts.
type Input struct {
	Contract string
	User     string
	Value    uint64
	Bits     int
}

// Engine is the cryptographic backend. Session owns its lifecycle.
type Engine interface {
	Init(ctx context.Context) error
	Encrypt(ctx context.Context, in Input) (Ciphertext, error)
}

// Session drives an Engine through uninitialized -> initializing -> ready.
type Session struct {
	mu     sync.Mutex
	state  State
	engine Engine
	bits   int
	log    zerolog.Logger
}

func NewSession(engine Engine, valueBits int, log zerolog.Logger) *Session {
	if valueBits <= 0 || valueBits > 64 {
		valueBits = DefaultValueBits
	}
	return &Session{
		state:  StateUninitialized,
		engine: engine,
		bits:   valueBits,
		log:    log,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Ready() bool {
	return s.State() == StateReady
}

// Initialize starts the engine once. Calls made while initializing or ready
// return nil without touching the engine. A failed attempt leaves the session
// uninitialized so a later call can retry.
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUninitialized {
		s.mu.Unlock()
		return nil
	}
	s.state = StateInitializing
	s.mu.Unlock()

	s.log.Info().Msg("initializing fhe engine")
	err := s.engine.Init(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateUninitialized
		s.log.Error().Err(err).Msg("fhe engine initialization failed")
		return fmt.Errorf("%w: %v", ErrInitialization, err)
	}
	s.state = StateReady
	s.log.Info().Msg("fhe engine ready")
	return nil
}

// Encrypt encrypts value for contract on behalf of user.
func (s *Session) Encrypt(ctx context.Context, contract, user string, value int64) (Ciphertext, error) {
	if !s.Ready() {
		return Ciphertext{}, fmt.Errorf("%w: session is not ready", ErrEncryption)
	}
	if !common.IsHexAddress(contract) {
		return Ciphertext{}, fmt.Errorf("%w: invalid contract address %q", ErrEncryption, contract)
	}
	if !common.IsHexAddress(user) {
		return Ciphertext{}, fmt.Errorf("%w: invalid user address %q", ErrEncryption, user)
	}
	if value < 0 {
		return Ciphertext{}, fmt.Errorf("%w: value %d is negative", ErrEncryption, value)
	}
	if s.bits < 64 && uint64(value) >= uint64(1)<<uint(s.bits) {
		return Ciphertext{}, fmt.Errorf("%w: value %d exceeds %d-bit range", ErrEncryption, value, s.bits)
	}

	ct, err := s.engine.Encrypt(ctx, Input{
		Contract: common.HexToAddress(contract).Hex(),
		User:     common.HexToAddress(user).Hex(),
		Value:    uint64(value),
		Bits:     s.bits,
	})
	if err != nil {
		return Ciphertext{}, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	if ct.Handle == "" || len(ct.Proof) == 0 {
		return Ciphertext{}, fmt.Errorf("%w: engine returned an incomplete ciphertext", ErrEncryption)
	}
	return ct, nil
}
