package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ent0n29/fhemarket/internal/reliability"
	"github.com/ent0n29/fhemarket/internal/tasks"
)

// RPCConfig configures the JSON-RPC registry gateway client.
type RPCConfig struct {
	URL               string
	Registry          string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	ReceiptPollBase   time.Duration
	ReceiptPollCap    time.Duration
	ReceiptTimeout    time.Duration
}

// RPCClient talks to a registry gateway node over JSON-RPC 2.0. The node
// relays writes to the user's wallet for signing, so a declined signature
// surfaces as EIP-1193 error 4001.
type RPCClient struct {
	url            string
	registry       string
	client         *http.Client
	limiter        *rate.Limiter
	nextID         atomic.Uint64
	pollBase       time.Duration
	pollCap        time.Duration
	receiptTimeout time.Duration
	log            zerolog.Logger
}

func NewRPCClient(cfg RPCConfig, log zerolog.Logger) (*RPCClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("ledger rpc url is required")
	}
	if !common.IsHexAddress(cfg.Registry) {
		return nil, fmt.Errorf("invalid registry address %q", cfg.Registry)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.ReceiptPollBase <= 0 {
		cfg.ReceiptPollBase = 500 * time.Millisecond
	}
	if cfg.ReceiptPollCap <= 0 {
		cfg.ReceiptPollCap = 4 * time.Second
	}
	return &RPCClient{
		url:            strings.TrimSpace(cfg.URL),
		registry:       common.HexToAddress(cfg.Registry).Hex(),
		client:         &http.Client{Timeout: cfg.Timeout},
		limiter:        rate.NewLimiter(limit, cfg.Burst),
		pollBase:       cfg.ReceiptPollBase,
		pollCap:        cfg.ReceiptPollCap,
		receiptTimeout: cfg.ReceiptTimeout,
		log:            log,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcErrorBody   `json:"error"`
}

type rpcErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// RPCError is a JSON-RPC error reply. It unwraps to the ledger error kind
// chosen from its code and revert data.
type RPCError struct {
	Code    int
	Message string
	Data    string
	kind    error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (e *RPCError) Unwrap() error { return e.kind }

func newRPCError(body *rpcErrorBody) *RPCError {
	data := ""
	if len(body.Data) > 0 {
		var s string
		if err := json.Unmarshal(body.Data, &s); err == nil {
			data = s
		} else {
			data = string(body.Data)
		}
	}
	e := &RPCError{Code: body.Code, Message: body.Message, Data: data}
	switch reliability.ClassifyRPCError(body.Code, data) {
	case reliability.RPCClassUserRejected:
		e.kind = ErrUserRejected
	case reliability.RPCClassNotFound:
		e.kind = ErrNotFound
	case reliability.RPCClassAlreadyVerified:
		e.kind = ErrAlreadyVerified
	case reliability.RPCClassReverted:
		e.kind = ErrReverted
	default:
		e.kind = ErrTransport
	}
	return e
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %s rate limit wait: %v", ErrTransport, method, err)
	}
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransport, method, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		c.log.Warn().
			Str("method", method).
			Int("status", res.StatusCode).
			Bool("retryable", reliability.IsRetryableHTTPStatus(res.StatusCode)).
			Msg("ledger rpc http error")
		return fmt.Errorf("%w: %s http status %d: %s", ErrTransport, method, res.StatusCode, strings.TrimSpace(string(body)))
	}

	var envelope rpcResponse
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", ErrTransport, method, err)
	}
	if envelope.Error != nil {
		return newRPCError(envelope.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("%w: decode %s result: %v", ErrTransport, method, err)
	}
	return nil
}

func (c *RPCClient) Address() string { return c.registry }

func (c *RPCClient) ListTaskIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := c.call(ctx, "registry_getAllTaskIds", []any{c.registry}, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *RPCClient) GetTask(ctx context.Context, id string) (tasks.Task, error) {
	var raw *rpcTask
	if err := c.call(ctx, "registry_getTask", []any{c.registry, id}, &raw); err != nil {
		return tasks.Task{}, err
	}
	if raw == nil {
		return tasks.Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t := raw.toTask()
	if t.ID == "" {
		t.ID = id
	}
	return t.Normalize(), nil
}

func (c *RPCClient) GetEncryptedHandle(ctx context.Context, id string) (string, error) {
	var handle string
	if err := c.call(ctx, "registry_getEncryptedValue", []any{c.registry, id}, &handle); err != nil {
		return "", err
	}
	if handle == "" {
		return "", fmt.Errorf("%w: %s has no encrypted value", ErrNotFound, id)
	}
	return handle, nil
}

func (c *RPCClient) IsAvailable(ctx context.Context) (bool, error) {
	var ok bool
	if err := c.call(ctx, "registry_isAvailable", []any{c.registry}, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

func (c *RPCClient) Writer(signer string) (Writer, error) {
	if !common.IsHexAddress(signer) {
		return nil, fmt.Errorf("invalid signer address %q", signer)
	}
	return &rpcWriter{c: c, signer: common.HexToAddress(signer).Hex()}, nil
}

func (c *RPCClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

type rpcWriter struct {
	c      *RPCClient
	signer string
}

func (w *rpcWriter) Signer() string { return w.signer }

func (w *rpcWriter) SubmitTask(ctx context.Context, req SubmitTaskRequest) (Pending, error) {
	var hash string
	err := w.c.call(ctx, "registry_createTask", []any{map[string]any{
		"from":           w.signer,
		"registry":       w.c.registry,
		"id":             req.ID,
		"name":           req.Name,
		"encryptedValue": req.EncryptedHandle,
		"inputProof":     hexutil.Encode(req.InputProof),
		"publicValue1":   req.PublicValue1,
		"publicValue2":   req.PublicValue2,
		"description":    req.Description,
	}}, &hash)
	if err != nil {
		return nil, err
	}
	return &rpcPending{c: w.c, hash: hash}, nil
}

func (w *rpcWriter) SubmitVerification(ctx context.Context, id string, abiEncodedClearValues, proof []byte) (Pending, error) {
	var hash string
	err := w.c.call(ctx, "registry_verifyDecryption", []any{map[string]any{
		"from":                  w.signer,
		"registry":              w.c.registry,
		"id":                    id,
		"abiEncodedClearValues": hexutil.Encode(abiEncodedClearValues),
		"decryptionProof":       hexutil.Encode(proof),
	}}, &hash)
	if err != nil {
		return nil, err
	}
	return &rpcPending{c: w.c, hash: hash}, nil
}

type rpcReceipt struct {
	TransactionHash string   `json:"transactionHash"`
	BlockNumber     quantity `json:"blockNumber"`
	Status          quantity `json:"status"`
}

type rpcPending struct {
	c    *RPCClient
	hash string
}

func (p *rpcPending) Hash() string { return p.hash }

// Wait polls for the receipt with capped exponential backoff.
func (p *rpcPending) Wait(ctx context.Context) (Receipt, error) {
	if p.c.receiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.c.receiptTimeout)
		defer cancel()
	}
	for attempt := 0; ; attempt++ {
		var rc *rpcReceipt
		if err := p.c.call(ctx, "registry_getTransactionReceipt", []any{p.hash}, &rc); err != nil {
			return Receipt{}, err
		}
		if rc != nil {
			out := Receipt{
				TxHash:      p.hash,
				BlockNumber: uint64(rc.BlockNumber),
				Success:     rc.Status == 1,
			}
			if !out.Success {
				return out, fmt.Errorf("%w: %s", ErrReverted, p.hash)
			}
			return out, nil
		}

		wait := reliability.ExponentialBackoff(attempt, p.c.pollBase, p.c.pollCap)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Receipt{}, fmt.Errorf("%w: waiting for %s: %v", ErrTransport, p.hash, ctx.Err())
		case <-timer.C:
		}
	}
}

type rpcTask struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	EncryptedValue string   `json:"encryptedValue"`
	PublicValue1   quantity `json:"publicValue1"`
	PublicValue2   quantity `json:"publicValue2"`
	Description    string   `json:"description"`
	Creator        string   `json:"creator"`
	Timestamp      quantity `json:"timestamp"`
	IsVerified     bool     `json:"isVerified"`
	DecryptedValue quantity `json:"decryptedValue"`
}

func (r rpcTask) toTask() tasks.Task {
	creator := r.Creator
	if common.IsHexAddress(creator) {
		creator = common.HexToAddress(creator).Hex()
	}
	return tasks.Task{
		ID:                   r.ID,
		Name:                 r.Name,
		EncryptedValueHandle: r.EncryptedValue,
		PublicValue1:         int64(r.PublicValue1),
		PublicValue2:         int64(r.PublicValue2),
		Description:          r.Description,
		Creator:              creator,
		Timestamp:            int64(r.Timestamp),
		IsVerified:           r.IsVerified,
		DecryptedValue:       int64(r.DecryptedValue),
	}
}

// quantity decodes integers sent as JSON numbers, decimal strings or 0x hex.
// Values that do not fit collapse to zero, mirroring a lenient Number() cast.
type quantity int64

func (q *quantity) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		*q = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
	}
	if s == "" {
		*q = 0
		return nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		b, ok := new(big.Int).SetString(s[2:], 16)
		if !ok || !b.IsInt64() {
			*q = 0
			return nil
		}
		*q = quantity(b.Int64())
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*q = quantity(n)
		return nil
	}
	if b, ok := new(big.Int).SetString(s, 10); ok && b.IsInt64() {
		*q = quantity(b.Int64())
		return nil
	}
	*q = 0
	return nil
}
