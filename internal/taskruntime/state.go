package taskruntime

import (
	"time"

	"github.com/ent0n29/fhemarket/internal/fhe"
	"github.com/ent0n29/fhemarket/internal/status"
	"github.com/ent0n29/fhemarket/internal/tasks"
)

// Phase is the coarse screen the client is on.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseInitializing Phase = "initializing"
	PhaseLoading      Phase = "loading"
	PhaseReady        Phase = "ready"
)

// Busy mirrors the per-operation in-flight guards.
type Busy struct {
	Refreshing   bool `json:"refreshing"`
	Creating     bool `json:"creating"`
	Decrypting   bool `json:"decrypting"`
	Checking     bool `json:"checking_availability"`
	Initializing bool `json:"initializing"`
}

// Selection is the task opened in the detail view. LocalValue holds a
// cleartext obtained in this process; it is never persisted.
type Selection struct {
	TaskID     string     `json:"task_id"`
	Task       tasks.Task `json:"task"`
	LocalValue *int64     `json:"local_value,omitempty"`
}

// State is an immutable snapshot of the orchestrator.
type State struct {
	Phase           Phase         `json:"phase"`
	Connected       bool          `json:"connected"`
	Address         string        `json:"address,omitempty"`
	ShortAddress    string        `json:"short_address,omitempty"`
	ContractAddress string        `json:"contract_address,omitempty"`
	FHE             fhe.State     `json:"fhe_state"`
	Tasks           []tasks.Task  `json:"tasks"`
	Stats           tasks.Stats   `json:"stats"`
	Form            tasks.Form    `json:"form"`
	Selected        *Selection    `json:"selected,omitempty"`
	Status          status.Status `json:"status"`
	Busy            Busy          `json:"busy"`
	Available       *bool         `json:"available,omitempty"`
	RefreshedAt     time.Time     `json:"refreshed_at,omitempty"`
}

func derivePhase(connected bool, fheState fhe.State, loading bool) Phase {
	switch {
	case !connected:
		return PhaseDisconnected
	case fheState != fhe.StateReady:
		return PhaseInitializing
	case loading:
		return PhaseLoading
	default:
		return PhaseReady
	}
}

func cloneSelection(s *Selection) *Selection {
	if s == nil {
		return nil
	}
	c := *s
	if s.LocalValue != nil {
		v := *s.LocalValue
		c.LocalValue = &v
	}
	return &c
}
