package tasks

import "time"

// ActiveWindow is how long after creation a task counts as active.
const ActiveWindow = 24 * time.Hour

// Task is a compute task as recorded by the ledger registry.
type Task struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	EncryptedValueHandle string `json:"encrypted_value_handle"`
	PublicValue1         int64  `json:"public_value_1"`
	PublicValue2         int64  `json:"public_value_2"`
	Description          string `json:"description"`
	Creator              string `json:"creator"`
	Timestamp            int64  `json:"timestamp"`
	IsVerified           bool   `json:"is_verified"`
	DecryptedValue       int64  `json:"decrypted_value"`
}

// Normalize enforces the verified/cleartext invariant: an unverified task never
// carries a decrypted value.
func (t Task) Normalize() Task {
	if !t.IsVerified {
		t.DecryptedValue = 0
	}
	return t
}

// CreatedAt returns the ledger timestamp as a time.
func (t Task) CreatedAt() time.Time {
	return time.Unix(t.Timestamp, 0).UTC()
}

// Active reports whether the task was created within ActiveWindow of now.
func (t Task) Active(now time.Time) bool {
	return now.Unix()-t.Timestamp < int64(ActiveWindow/time.Second)
}

// Stats aggregates a task collection.
type Stats struct {
	Total    int `json:"total"`
	Verified int `json:"verified"`
	Active   int `json:"active"`
}

// ComputeStats recomputes aggregate counters over list.
func ComputeStats(list []Task, now time.Time) Stats {
	st := Stats{Total: len(list)}
	for _, t := range list {
		if t.IsVerified {
			st.Verified++
		}
		if t.Active(now) {
			st.Active++
		}
	}
	return st
}

// Form holds the task creation draft.
type Form struct {
	Open         bool   `json:"open"`
	Name         string `json:"name"`
	ComputeValue string `json:"compute_value"`
	Description  string `json:"description"`
}

// Complete reports whether every required field is filled in.
func (f Form) Complete() bool {
	return f.Name != "" && f.ComputeValue != "" && f.Description != ""
}
