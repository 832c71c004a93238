package relayer

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/fhemarket/internal/fhe"
)

// Handler serves the relayer HTTP API backed by the devnet, so a Client can
// be pointed at it.
func (d *Devnet) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/v1/keyurl", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.keyInfo())
	})
	r.Post("/v1/input-proof", d.handleInputProof)
	r.Post("/v1/public-decrypt", d.handlePublicDecrypt)
	return r
}

func (d *Devnet) handleInputProof(w http.ResponseWriter, r *http.Request) {
	var req InputProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ct, err := d.encrypt(fhe.Input{
		Contract: req.ContractAddress,
		User:     req.UserAddress,
		Value:    req.Value,
		Bits:     req.Bits,
	})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, InputProofResponse{
		Handles:    []string{ct.Handle},
		Ciphertext: hexutil.Encode(ct.Data),
		InputProof: hexutil.Encode(ct.Proof),
	})
}

func (d *Devnet) handlePublicDecrypt(w http.ResponseWriter, r *http.Request) {
	var req PublicDecryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	rev, err := d.reveal(req.Handles, req.ContractAddress)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, ErrUnknownHandle) {
			code = http.StatusNotFound
		}
		writeJSON(w, code, map[string]string{"error": err.Error()})
		return
	}
	clear := make(map[string]string, len(rev.ClearValues))
	for h, v := range rev.ClearValues {
		clear[h] = strconv.FormatInt(v, 10)
	}
	writeJSON(w, http.StatusOK, PublicDecryptResponse{
		ClearValues:           clear,
		AbiEncodedClearValues: hexutil.Encode(rev.AbiEncodedClearValues),
		DecryptionProof:       hexutil.Encode(rev.Proof),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
