package decrypt

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var uint256Type = mustType("uint256")

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

func uint256Args(n int) abi.Arguments {
	args := make(abi.Arguments, n)
	for i := range args {
		args[i] = abi.Argument{Type: uint256Type}
	}
	return args
}

// EncodeClearValues ABI-encodes the cleartexts of handles, in handle order, as
// consecutive uint256 words.
func EncodeClearValues(handles []string, clear map[string]int64) ([]byte, error) {
	vals := make([]interface{}, 0, len(handles))
	for _, h := range handles {
		v, ok := clear[h]
		if !ok {
			return nil, fmt.Errorf("no clear value for handle %s", h)
		}
		if v < 0 {
			return nil, fmt.Errorf("clear value for handle %s is negative", h)
		}
		vals = append(vals, big.NewInt(v))
	}
	out, err := uint256Args(len(handles)).Pack(vals...)
	if err != nil {
		return nil, fmt.Errorf("abi pack clear values: %w", err)
	}
	return out, nil
}

// DecodeClearValues reverses EncodeClearValues for n values.
func DecodeClearValues(data []byte, n int) ([]int64, error) {
	if n <= 0 {
		return nil, errors.New("decode clear values: n must be positive")
	}
	raw, err := uint256Args(n).Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("abi unpack clear values: %w", err)
	}
	out := make([]int64, 0, len(raw))
	for _, r := range raw {
		b, ok := r.(*big.Int)
		if !ok {
			return nil, fmt.Errorf("abi unpack clear values: unexpected %T", r)
		}
		if !b.IsInt64() {
			return nil, fmt.Errorf("clear value %s overflows int64", b.String())
		}
		out = append(out, b.Int64())
	}
	return out, nil
}
