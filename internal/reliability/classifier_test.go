package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(1, base, capDur); got != 200*time.Millisecond {
		t.Fatalf("attempt 1 = %v, want %v", got, 200*time.Millisecond)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestErrorSelector(t *testing.T) {
	// keccak256("Error(string)")[:4] is the well-known revert reason selector.
	if got := ErrorSelector("Error(string)"); got != "0x08c379a0" {
		t.Fatalf("ErrorSelector(Error(string)) = %q, want %q", got, "0x08c379a0")
	}
	if len(AlreadyVerifiedSelector) != 10 {
		t.Fatalf("AlreadyVerifiedSelector = %q, want 4-byte hex", AlreadyVerifiedSelector)
	}
}

func TestClassifyRPCError(t *testing.T) {
	cases := []struct {
		name string
		code int
		data string
		want RPCClass
	}{
		{"user rejected", 4001, "", RPCClassUserRejected},
		{"not found", -32001, "", RPCClassNotFound},
		{"already verified", 3, AlreadyVerifiedSelector, RPCClassAlreadyVerified},
		{"already verified upper hex", 3, "0x" + upperHex(AlreadyVerifiedSelector[2:]), RPCClassAlreadyVerified},
		{"other revert", 3, "0x08c379a0deadbeef", RPCClassReverted},
		{"server revert with data", -32000, "0x08c379a0", RPCClassReverted},
		{"server error no data", -32000, "", RPCClassTransport},
		{"internal", -32603, "", RPCClassTransport},
	}
	for _, tc := range cases {
		if got := ClassifyRPCError(tc.code, tc.data); got != tc.want {
			t.Fatalf("%s: ClassifyRPCError(%d, %q) = %q, want %q", tc.name, tc.code, tc.data, got, tc.want)
		}
	}
}

func upperHex(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c >= 'a' && c <= 'f' {
			out[i] = c - 'a' + 'A'
		}
	}
	return string(out)
}
