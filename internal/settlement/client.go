// Package settlement talks to the quorum verifier and escrow service.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agentmarket/negotiator/internal/market"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// ConsensusRequest asks Verifiers independent verifiers to vote on a deal;
// it passes when the approving share reaches Threshold.
type ConsensusRequest struct {
	DealID     string   `json:"dealId"`
	Ownership  bool     `json:"ownership"`
	Balance    float64  `json:"balance"`
	Signatures []string `json:"signatures"`
	Verifiers  int      `json:"verifiers,omitempty"`
	Threshold  float64  `json:"threshold,omitempty"`
}

type SettlementRequest struct {
	DealID        string  `json:"dealId"`
	BuyerAddress  string  `json:"buyerAddress"`
	SellerAddress string  `json:"sellerAddress"`
	AssetID       string  `json:"assetId"`
	Price         float64 `json:"price"`
}

type Receipt struct {
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: timeout,
		},
	}
}

// RunConsensus submits the deal evidence to the verifier quorum.
func (c *Client) RunConsensus(ctx context.Context, in ConsensusRequest) (market.ConsensusResult, error) {
	var out market.ConsensusResult
	if err := c.post(ctx, "/v1/consensus", "", in, &out); err != nil {
		return market.ConsensusResult{}, err
	}
	return out, nil
}

// ExecuteSettlement transfers asset and funds. The deal id doubles as the
// idempotency key so a retried job settles at most once.
func (c *Client) ExecuteSettlement(ctx context.Context, in SettlementRequest) (Receipt, error) {
	var out Receipt
	if err := c.post(ctx, "/v1/settlements", in.DealID, in, &out); err != nil {
		return Receipt{}, err
	}
	if out.TxHash == "" {
		return Receipt{}, fmt.Errorf("settlement for deal %s returned no transaction hash", in.DealID)
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg := "settlement service request failed"
		if body, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
			trimmed := strings.TrimSpace(string(body))
			if trimmed != "" {
				msg = fmt.Sprintf("%s: %s", msg, trimmed)
			}
		}
		return fmt.Errorf("%s (status %d)", msg, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
