package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ent0n29/fhemarket/internal/tasks"
)

const (
	MaxNameLength        = 128
	MaxDescriptionLength = 1024
)

var ErrIncompleteForm = errors.New("form is missing required fields")

// SanitizeComputeValue keeps only ASCII digits.
func SanitizeComputeValue(in string) string {
	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SanitizeForm trims text fields and strips non-digits from the compute value.
func SanitizeForm(f tasks.Form) tasks.Form {
	f.Name = strings.TrimSpace(f.Name)
	f.Description = strings.TrimSpace(f.Description)
	f.ComputeValue = SanitizeComputeValue(f.ComputeValue)
	return f
}

// ParseComputeValue reads a digits-only value that must fit in bits.
func ParseComputeValue(s string, bits int) (int64, error) {
	if s == "" {
		return 0, ErrIncompleteForm
	}
	if bits <= 0 || bits > 63 {
		bits = 63
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v >= uint64(1)<<uint(bits) {
		return 0, fmt.Errorf("compute value %s exceeds %d-bit range", s, bits)
	}
	return int64(v), nil
}

// FormDecision is the outcome of checking a create form.
type FormDecision struct {
	Complete bool
	Value    int64
	Reason   string
}

// DecideForm checks a sanitized form. Incomplete forms report Complete=false
// with no further checks so callers can short-circuit before any I/O.
func DecideForm(f tasks.Form, bits int) (FormDecision, error) {
	if !f.Complete() {
		return FormDecision{Reason: "missing required fields"}, ErrIncompleteForm
	}
	if n := utf8.RuneCountInString(f.Name); n > MaxNameLength {
		return FormDecision{Complete: true, Reason: "name too long"}, fmt.Errorf("name is %d characters, max %d", n, MaxNameLength)
	}
	if n := utf8.RuneCountInString(f.Description); n > MaxDescriptionLength {
		return FormDecision{Complete: true, Reason: "description too long"}, fmt.Errorf("description is %d characters, max %d", n, MaxDescriptionLength)
	}
	v, err := ParseComputeValue(f.ComputeValue, bits)
	if err != nil {
		return FormDecision{Complete: true, Reason: "value out of range"}, err
	}
	return FormDecision{Complete: true, Value: v}, nil
}
