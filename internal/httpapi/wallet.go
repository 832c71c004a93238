package httpapi

import (
	"net/http"
	"strings"

	"github.com/ent0n29/fhemarket/internal/taskruntime"
)

var errNotConnected = taskruntime.ErrNotConnected

type connectWalletRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleConnectWallet(w http.ResponseWriter, r *http.Request) {
	var req connectWalletRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "address is required")
		return
	}
	conn, err := s.wallet.Connect(req.Address)
	if err != nil {
		respondRuntimeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conn)
}

func (s *Server) handleDisconnectWallet(w http.ResponseWriter, _ *http.Request) {
	conn, err := s.wallet.Disconnect()
	if err != nil {
		respondRuntimeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conn)
}
