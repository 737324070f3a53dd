// Package chain queries the asset registry for ownership and the ledger for
// spendable balances.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Client struct {
	RegistryURL string
	LedgerURL   string
	HTTP        *http.Client
}

type Ownership struct {
	Collection string `json:"collection"`
	TokenID    string `json:"token_id"`
	Owner      string `json:"owner"`
	Owned      bool   `json:"owned"`
}

type Balance struct {
	Address   string          `json:"address"`
	Denom     string          `json:"denom"`
	Available decimal.Decimal `json:"available"`
}

func New(registryURL, ledgerURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		RegistryURL: strings.TrimRight(registryURL, "/"),
		LedgerURL:   strings.TrimRight(ledgerURL, "/"),
		HTTP: &http.Client{
			Timeout: timeout,
		},
	}
}

// QueryOwnership reports whether address currently holds the token.
func (c *Client) QueryOwnership(ctx context.Context, collection, tokenID, address string) (bool, error) {
	path := fmt.Sprintf("/v1/assets/%s/%s/owner?address=%s",
		url.PathEscape(collection), url.PathEscape(tokenID), url.QueryEscape(address))
	var out Ownership
	if err := c.fetchJSON(ctx, c.RegistryURL+path, "registry", &out); err != nil {
		return false, err
	}
	if out.Owned {
		return true, nil
	}
	return out.Owner != "" && strings.EqualFold(out.Owner, address), nil
}

// QueryBalance returns the address's available funds.
func (c *Client) QueryBalance(ctx context.Context, address string) (float64, error) {
	var out Balance
	if err := c.fetchJSON(ctx, c.LedgerURL+"/v1/balances/"+url.PathEscape(address), "ledger", &out); err != nil {
		return 0, err
	}
	return out.Available.InexactFloat64(), nil
}

func (c *Client) fetchJSON(ctx context.Context, rawURL, service string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg := service + " request failed"
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
