package bundle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Well-known relay tip accounts. The tip transfer picks one at random per
// bundle so tip flow does not concentrate on a single account.
var tipAccounts = []solana.PublicKey{
	solana.MustPublicKeyFromBase58("96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5"),
	solana.MustPublicKeyFromBase58("HFqU5x63VTqvQss8hp11i4wVV8bD44PvwucfZ2bU7gRe"),
	solana.MustPublicKeyFromBase58("Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY"),
	solana.MustPublicKeyFromBase58("ADaUMid9yfUytqMBgopwjb2DTLSokTSzL1zt6iGPaS49"),
	solana.MustPublicKeyFromBase58("DfXygSm4jCyNCybVYYK6DwvWqjKee8pbDmJGcLWNDXjh"),
	solana.MustPublicKeyFromBase58("ADuUkR4vqLUMWXxW9gh6D6L8pMSawimctcNZ5pGwDcEt"),
	solana.MustPublicKeyFromBase58("DttWaMuVvTiduZRnguLF7jNxTgiMBZ1hyAumKUiL2KRL"),
	solana.MustPublicKeyFromBase58("3AVi9Tg9Uo68tJfuvoKvqKNWKkC5wPdSSdeBnizKZ6jT"),
}

// RandomTipAccount returns one of the relay tip accounts.
func RandomTipAccount() solana.PublicKey {
	return tipAccounts[rand.Intn(len(tipAccounts))]
}

// RelayClient speaks the bundle relay's JSON-RPC surface over HTTPS:
// sendBundle and getBundleStatuses with base64-serialized transactions.
type RelayClient struct {
	endpoint string
	http     *http.Client
}

func NewRelayClient(endpoint string, timeout time.Duration) *RelayClient {
	return &RelayClient{
		endpoint: strings.TrimSpace(endpoint),
		http:     &http.Client{Timeout: timeout},
	}
}

type relayRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type relayResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *relayError     `json:"error"`
}

type relayError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *relayError) Error() string {
	return fmt.Sprintf("relay error %d: %s", e.Code, e.Message)
}

// BundleStatus is one entry of a getBundleStatuses response.
type BundleStatus struct {
	BundleID           string          `json:"bundle_id"`
	Transactions       []string        `json:"transactions"`
	Slot               uint64          `json:"slot"`
	ConfirmationStatus string          `json:"confirmation_status"`
	Err                json.RawMessage `json:"err"`
}

// Failed reports whether the relay recorded an execution error. The err field
// carries a Rust Result: success is {"Ok":null}, failure is {"Err":{...}}.
// Anything that is not the success encoding counts as failure.
func (s *BundleStatus) Failed() bool {
	if len(s.Err) == 0 {
		return false
	}
	var wrapper struct {
		Ok  json.RawMessage `json:"Ok"`
		Err json.RawMessage `json:"Err"`
	}
	if err := json.Unmarshal(s.Err, &wrapper); err != nil {
		return true
	}
	if len(wrapper.Err) != 0 && string(wrapper.Err) != "null" {
		return true
	}
	return len(wrapper.Ok) != 0 && string(wrapper.Ok) != "null"
}

func (s *BundleStatus) Landed() bool {
	return s.ConfirmationStatus == "confirmed" || s.ConfirmationStatus == "finalized"
}

// SendBundle submits signed transactions for atomic, ordered inclusion and
// returns the relay's bundle id.
func (c *RelayClient) SendBundle(ctx context.Context, txs []*solana.Transaction) (string, error) {
	encoded := make([]string, 0, len(txs))
	for _, tx := range txs {
		b64, err := tx.ToBase64()
		if err != nil {
			return "", fmt.Errorf("serialize bundle transaction: %w", err)
		}
		encoded = append(encoded, b64)
	}

	raw, err := c.call(ctx, "sendBundle", []any{encoded, map[string]string{"encoding": "base64"}})
	if err != nil {
		return "", err
	}

	var bundleID string
	if err := json.Unmarshal(raw, &bundleID); err != nil {
		return "", fmt.Errorf("decode sendBundle result: %w", err)
	}
	return bundleID, nil
}

// GetBundleStatuses fetches relay-side status for the given bundle ids.
func (c *RelayClient) GetBundleStatuses(ctx context.Context, bundleIDs []string) ([]BundleStatus, error) {
	raw, err := c.call(ctx, "getBundleStatuses", []any{bundleIDs})
	if err != nil {
		return nil, err
	}

	var result struct {
		Value []BundleStatus `json:"value"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode getBundleStatuses result: %w", err)
	}
	return result.Value, nil
}

func (c *RelayClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	body, err := json.Marshal(relayRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s: status=%d body=%s", method, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var decoded relayResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if decoded.Error != nil {
		return nil, decoded.Error
	}
	return decoded.Result, nil
}
