// Package relayer talks to the FHE relayer that issues encrypted inputs and
// performs public decryptions, and provides a self-contained devnet stand-in.
package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"

	"github.com/ent0n29/fhemarket/internal/reliability"
)

// KeyInfo locates the network public key material.
type KeyInfo struct {
	PublicKeyID  string `json:"publicKeyId"`
	PublicKeyURL string `json:"publicKeyUrl"`
	CRSURL       string `json:"crsUrl"`
}

type InputProofRequest struct {
	ContractAddress string `json:"contractAddress"`
	UserAddress     string `json:"userAddress"`
	Value           uint64 `json:"value"`
	Bits            int    `json:"bits"`
}

type InputProofResponse struct {
	Handles    []string `json:"handles"`
	Ciphertext string   `json:"ciphertext"`
	InputProof string   `json:"inputProof"`
}

type PublicDecryptRequest struct {
	Handles         []string `json:"handles"`
	ContractAddress string   `json:"contractAddress"`
}

type PublicDecryptResponse struct {
	ClearValues           map[string]string `json:"clearValues"`
	AbiEncodedClearValues string            `json:"abiEncodedClearValues"`
	DecryptionProof       string            `json:"decryptionProof"`
}

// StatusError is a non-2xx relayer reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relayer http status %d: %s", e.Code, e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Code)
}

type Config struct {
	URL               string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
}

// Client is a JSON client for the relayer HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, 4),
	}
}

func (c *Client) KeyURL(ctx context.Context) (KeyInfo, error) {
	var out KeyInfo
	if err := c.do(ctx, http.MethodGet, "/v1/keyurl", nil, &out); err != nil {
		return KeyInfo{}, err
	}
	return out, nil
}

func (c *Client) InputProof(ctx context.Context, req InputProofRequest) (InputProofResponse, error) {
	var out InputProofResponse
	if err := c.do(ctx, http.MethodPost, "/v1/input-proof", req, &out); err != nil {
		return InputProofResponse{}, err
	}
	return out, nil
}

func (c *Client) PublicDecrypt(ctx context.Context, req PublicDecryptRequest) (PublicDecryptResponse, error) {
	var out PublicDecryptResponse
	if err := c.do(ctx, http.MethodPost, "/v1/public-decrypt", req, &out); err != nil {
		return PublicDecryptResponse{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("relayer rate limit wait: %w", err)
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("x-api-key", c.apiKey)
	}

	res, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeHex(field, s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	return b, nil
}

func parseClearValue(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseInt(s[2:], 16, 64)
	}
	return strconv.ParseInt(s, 10, 64)
}
