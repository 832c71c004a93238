package reliability

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// RPCClass is the structured kind of a JSON-RPC error returned by a ledger node
// or wallet gateway.
type RPCClass string

const (
	RPCClassTransport       RPCClass = "transport"
	RPCClassUserRejected    RPCClass = "user_rejected"
	RPCClassNotFound        RPCClass = "not_found"
	RPCClassAlreadyVerified RPCClass = "already_verified"
	RPCClassReverted        RPCClass = "reverted"
)

const (
	rpcCodeUserRejected     = 4001
	rpcCodeResourceNotFound = -32001
	rpcCodeExecutionError   = 3
	rpcCodeServerReverted   = -32000
)

// AlreadyVerifiedSelector is the 4-byte selector of the registry's
// AlreadyVerified() custom error.
var AlreadyVerifiedSelector = ErrorSelector("AlreadyVerified()")

// ErrorSelector returns the 0x-prefixed 4-byte selector for a Solidity error
// signature.
func ErrorSelector(signature string) string {
	return hexutil.Encode(crypto.Keccak256([]byte(signature))[:4])
}

// ClassifyRPCError maps a JSON-RPC error code and its revert data to a class.
func ClassifyRPCError(code int, data string) RPCClass {
	switch code {
	case rpcCodeUserRejected:
		return RPCClassUserRejected
	case rpcCodeResourceNotFound:
		return RPCClassNotFound
	case rpcCodeExecutionError, rpcCodeServerReverted:
		if hasSelector(data, AlreadyVerifiedSelector) {
			return RPCClassAlreadyVerified
		}
		if code == rpcCodeExecutionError || data != "" {
			return RPCClassReverted
		}
		return RPCClassTransport
	default:
		return RPCClassTransport
	}
}

func hasSelector(data, selector string) bool {
	data = strings.ToLower(strings.TrimSpace(data))
	return len(data) >= len(selector) && data[:len(selector)] == selector
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
