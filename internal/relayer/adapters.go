package relayer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/fhemarket/internal/decrypt"
	"github.com/ent0n29/fhemarket/internal/fhe"
)

// Engine encrypts inputs through the relayer.
type Engine struct {
	client *Client
	key    KeyInfo
}

func NewEngine(client *Client) *Engine {
	return &Engine{client: client}
}

// Init fetches the network key location; without it no input can be built.
func (e *Engine) Init(ctx context.Context) error {
	key, err := e.client.KeyURL(ctx)
	if err != nil {
		return fmt.Errorf("fetch key url: %w", err)
	}
	if strings.TrimSpace(key.PublicKeyURL) == "" {
		return errors.New("relayer returned no public key url")
	}
	e.key = key
	return nil
}

func (e *Engine) Key() KeyInfo { return e.key }

func (e *Engine) Encrypt(ctx context.Context, in fhe.Input) (fhe.Ciphertext, error) {
	res, err := e.client.InputProof(ctx, InputProofRequest{
		ContractAddress: in.Contract,
		UserAddress:     in.User,
		Value:           in.Value,
		Bits:            in.Bits,
	})
	if err != nil {
		return fhe.Ciphertext{}, fmt.Errorf("input proof: %w", err)
	}
	if len(res.Handles) == 0 {
		return fhe.Ciphertext{}, errors.New("input proof returned no handles")
	}
	data, err := decodeHex("ciphertext", res.Ciphertext)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	proof, err := decodeHex("inputProof", res.InputProof)
	if err != nil {
		return fhe.Ciphertext{}, err
	}
	return fhe.Ciphertext{Handle: res.Handles[0], Data: data, Proof: proof}, nil
}

// Revealer performs public decryption through the relayer.
type Revealer struct {
	client *Client
}

func NewRevealer(client *Client) *Revealer {
	return &Revealer{client: client}
}

func (r *Revealer) Reveal(ctx context.Context, handles []string, contract string) (decrypt.Reveal, error) {
	res, err := r.client.PublicDecrypt(ctx, PublicDecryptRequest{
		Handles:         handles,
		ContractAddress: contract,
	})
	if err != nil {
		return decrypt.Reveal{}, fmt.Errorf("public decrypt: %w", err)
	}

	clear := make(map[string]int64, len(res.ClearValues))
	for h, raw := range res.ClearValues {
		v, err := parseClearValue(raw)
		if err != nil {
			return decrypt.Reveal{}, fmt.Errorf("clear value for %s: %w", h, err)
		}
		clear[h] = v
	}
	abi, err := decodeHex("abiEncodedClearValues", res.AbiEncodedClearValues)
	if err != nil {
		return decrypt.Reveal{}, err
	}
	proof, err := decodeHex("decryptionProof", res.DecryptionProof)
	if err != nil {
		return decrypt.Reveal{}, err
	}
	return decrypt.Reveal{ClearValues: clear, AbiEncodedClearValues: abi, Proof: proof}, nil
}
