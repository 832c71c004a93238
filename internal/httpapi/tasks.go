package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/fhemarket/internal/tasks"
)

type formRequest struct {
	Name         *string `json:"name"`
	ComputeValue *string `json:"compute_value"`
	Description  *string `json:"description"`
}

// apply overlays the fields present in the request onto the current draft.
func (req formRequest) apply(draft tasks.Form) tasks.Form {
	if req.Name != nil {
		draft.Name = *req.Name
	}
	if req.ComputeValue != nil {
		draft.ComputeValue = *req.ComputeValue
	}
	if req.Description != nil {
		draft.Description = *req.Description
	}
	return draft
}

func (req formRequest) empty() bool {
	return req.Name == nil && req.ComputeValue == nil && req.Description == nil
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	term := strings.TrimSpace(r.URL.Query().Get("q"))
	list := s.runtime.Tasks(term)
	respondJSON(w, http.StatusOK, map[string]any{
		"query": term,
		"count": len(list),
		"tasks": list,
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.wallet.Current().Connected() {
		respondRuntimeError(w, errNotConnected)
		return
	}
	if err := s.runtime.Refresh(context.WithoutCancel(r.Context())); err != nil {
		respondRuntimeError(w, err)
		return
	}
	st := s.runtime.Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"tasks":        st.Tasks,
		"stats":        st.Stats,
		"refreshed_at": st.RefreshedAt,
	})
}

func (s *Server) handleOpenForm(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.runtime.OpenForm())
}

func (s *Server) handleCloseForm(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.runtime.CloseForm())
}

func (s *Server) handleUpdateForm(w http.ResponseWriter, r *http.Request) {
	var req formRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	draft := req.apply(s.runtime.Snapshot().Form)
	respondJSON(w, http.StatusOK, s.runtime.UpdateForm(draft))
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req formRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if !req.empty() {
		s.runtime.UpdateForm(req.apply(s.runtime.Snapshot().Form))
	}

	// Once submitted, the write is awaited to finality even if the caller leaves.
	created, err := s.runtime.Create(context.WithoutCancel(r.Context()))
	if err != nil {
		respondRuntimeError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	task, err := s.runtime.Task(taskID)
	if err != nil {
		respondRuntimeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, task)
}

func (s *Server) handleSelectTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	sel, err := s.runtime.Select(taskID)
	if err != nil {
		respondRuntimeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sel)
}

func (s *Server) handleCloseDetail(w http.ResponseWriter, _ *http.Request) {
	s.runtime.CloseDetail()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDecryptTask(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	result, err := s.decrypt(context.WithoutCancel(r.Context()), taskID)
	if err != nil {
		respondRuntimeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
