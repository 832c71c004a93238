package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/fhemarket/internal/config"
	"github.com/ent0n29/fhemarket/internal/fhe"
	"github.com/ent0n29/fhemarket/internal/ledger"
	"github.com/ent0n29/fhemarket/internal/observability"
	"github.com/ent0n29/fhemarket/internal/taskruntime"
	"github.com/ent0n29/fhemarket/internal/wallet"
)

type Server struct {
	cfg      config.Config
	wallet   *wallet.Manager
	runtime  *taskruntime.Orchestrator
	metrics  *observability.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, wallets *wallet.Manager, runtime *taskruntime.Orchestrator, metrics *observability.Metrics, log zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		wallet:  wallets,
		runtime: runtime,
		metrics: metrics,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only drive the signer from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Group(func(r chi.Router) {
		r.Use(s.touchWallet)

		r.Post("/v1/wallet/connect", s.handleConnectWallet)
		r.Post("/v1/wallet/disconnect", s.handleDisconnectWallet)
		r.Get("/v1/state", s.handleState)
		r.Post("/v1/fhe/initialize", s.handleInitialize)
		r.Get("/v1/ledger/availability", s.handleAvailability)

		r.Get("/v1/tasks", s.handleListTasks)
		r.Post("/v1/tasks", s.handleCreateTask)
		r.Post("/v1/tasks/refresh", s.handleRefresh)
		r.Put("/v1/tasks/form", s.handleUpdateForm)
		r.Post("/v1/tasks/form/open", s.handleOpenForm)
		r.Post("/v1/tasks/form/close", s.handleCloseForm)
		r.Post("/v1/tasks/detail/close", s.handleCloseDetail)
		r.Get("/v1/tasks/{id}", s.handleGetTask)
		r.Post("/v1/tasks/{id}/select", s.handleSelectTask)
		r.Post("/v1/tasks/{id}/decrypt", s.handleDecryptTask)

		r.Get("/v1/events/ws", s.handleEventsWS)
	})

	return r
}

// touchWallet keeps the connected signer alive while the client is active.
func (s *Server) touchWallet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.wallet.Touch()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"ledger_backend": s.cfg.LedgerBackend,
		"fhe_backend":    s.cfg.FHEBackend,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	st := s.runtime.Snapshot()
	code := http.StatusOK
	status := "ready"
	if st.Connected && st.Phase != taskruntime.PhaseReady {
		code = http.StatusServiceUnavailable
		status = "starting"
	}
	respondJSON(w, code, map[string]any{
		"status":    status,
		"phase":     st.Phase,
		"fhe_state": st.FHE,
	})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.runtime.Snapshot())
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if !s.wallet.Current().Connected() {
		respondRuntimeError(w, taskruntime.ErrNotConnected)
		return
	}
	if err := s.runtime.Bootstrap(context.WithoutCancel(r.Context())); err != nil {
		respondRuntimeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"fhe_state": s.runtime.Snapshot().FHE})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	ok, err := s.runtime.CheckAvailability(r.Context())
	if err != nil && !errors.Is(err, taskruntime.ErrUnavailable) {
		respondRuntimeError(w, err)
		return
	}
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{"available": ok})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func respondRuntimeError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	respondError(w, status, code, err.Error())
}

// classifyError maps lifecycle errors to an HTTP status and a stable code.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, taskruntime.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, taskruntime.ErrNotConnected), errors.Is(err, wallet.ErrNotConnected):
		return http.StatusPreconditionFailed, "wallet_not_connected"
	case errors.Is(err, taskruntime.ErrInvalidForm):
		return http.StatusBadRequest, "invalid_form"
	case errors.Is(err, taskruntime.ErrNoSelection):
		return http.StatusBadRequest, "no_selection"
	case errors.Is(err, wallet.ErrInvalidAddress):
		return http.StatusBadRequest, "invalid_address"
	case errors.Is(err, taskruntime.ErrTaskNotFound), errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "task_not_found"
	case errors.Is(err, ledger.ErrUserRejected):
		return http.StatusForbidden, "user_rejected"
	case errors.Is(err, taskruntime.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, fhe.ErrInitialization), errors.Is(err, fhe.ErrEncryption):
		return http.StatusServiceUnavailable, "fhe_unavailable"
	case errors.Is(err, ledger.ErrReverted):
		return http.StatusBadGateway, "reverted"
	default:
		return http.StatusBadGateway, "upstream_error"
	}
}
