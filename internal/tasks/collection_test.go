package tasks

import (
	"testing"
	"time"
)

func TestNewCollectionKeepsDiscoveryOrderAndDedups(t *testing.T) {
	c := NewCollection([]Task{
		{ID: "b", Name: "second"},
		{ID: "a", Name: "first"},
		{ID: "b", Name: "duplicate"},
		{ID: "", Name: "no id"},
	})
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
	ids := c.IDs()
	if ids[0] != "b" || ids[1] != "a" {
		t.Fatalf("IDs() = %v, want [b a]", ids)
	}
	got, ok := c.Get("b")
	if !ok || got.Name != "second" {
		t.Fatalf("Get(b) = %+v, %v, want first occurrence", got, ok)
	}
}

func TestNewCollectionZeroesUnverifiedCleartext(t *testing.T) {
	c := NewCollection([]Task{
		{ID: "x", IsVerified: false, DecryptedValue: 99},
		{ID: "y", IsVerified: true, DecryptedValue: 42},
	})
	x, _ := c.Get("x")
	if x.DecryptedValue != 0 {
		t.Fatalf("unverified DecryptedValue = %d, want 0", x.DecryptedValue)
	}
	y, _ := c.Get("y")
	if y.DecryptedValue != 42 {
		t.Fatalf("verified DecryptedValue = %d, want 42", y.DecryptedValue)
	}
}

func TestCollectionFilter(t *testing.T) {
	c := NewCollection([]Task{
		{ID: "1", Name: "Matrix multiply", Description: "dense"},
		{ID: "2", Name: "Sort", Description: "merge SORT of matrix rows"},
		{ID: "3", Name: "Hash", Description: "sha"},
	})

	if got := c.Filter(""); len(got) != 3 {
		t.Fatalf("Filter(\"\") len = %d, want 3", len(got))
	}
	got := c.Filter("MATRIX")
	if len(got) != 2 || got[0].ID != "1" || got[1].ID != "2" {
		t.Fatalf("Filter(MATRIX) = %+v, want tasks 1 and 2", got)
	}
	if got := c.Filter("nothing"); len(got) != 0 {
		t.Fatalf("Filter(nothing) len = %d, want 0", len(got))
	}
}

func TestComputeStats(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	list := []Task{
		{ID: "fresh", Timestamp: now.Unix() - 60, IsVerified: true, DecryptedValue: 1},
		{ID: "edge", Timestamp: now.Unix() - 86400},
		{ID: "old", Timestamp: now.Unix() - 90000, IsVerified: true, DecryptedValue: 2},
	}
	st := ComputeStats(list, now)
	if st.Total != 3 {
		t.Fatalf("Total = %d, want 3", st.Total)
	}
	if st.Verified != 2 {
		t.Fatalf("Verified = %d, want 2", st.Verified)
	}
	if st.Active != 1 {
		t.Fatalf("Active = %d, want 1", st.Active)
	}
}

func TestShortAddress(t *testing.T) {
	addr := "0x1234567890abcdef1234567890abcdef12345678"
	if got := ShortAddress(addr); got != "0x1234...5678" {
		t.Fatalf("ShortAddress() = %q, want %q", got, "0x1234...5678")
	}
	if got := ShortAddress("0xabc"); got != "0xabc" {
		t.Fatalf("ShortAddress(short) = %q, want passthrough", got)
	}
}

func TestFormComplete(t *testing.T) {
	if (Form{Name: "n", ComputeValue: "1"}).Complete() {
		t.Fatalf("Complete() = true with empty description")
	}
	if !(Form{Name: "n", ComputeValue: "1", Description: "d"}).Complete() {
		t.Fatalf("Complete() = false with all fields")
	}
}
