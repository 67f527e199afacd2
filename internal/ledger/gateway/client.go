// Package gateway looks up fee breakdowns from the payment gateway.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrTransactionNotFound is returned when the gateway has no transaction for the payment.
	ErrTransactionNotFound = errors.New("gateway: transaction not found")
	// ErrUnavailable wraps transport failures and 5xx answers.
	ErrUnavailable = errors.New("gateway: unavailable")
)

// Fees is the gross/fee/net breakdown of one settled payment.
type Fees struct {
	Gross decimal.Decimal
	Fee   decimal.Decimal
	Net   decimal.Decimal
}

// Client calls the gateway's transaction API.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

// NewClient constructs a Client. Every request is bounded by timeout.
func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type transactionsResponse struct {
	Data []transaction `json:"data"`
}

type transaction struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	NetAmount decimal.Decimal `json:"net_amount"`
	Fee       transactionFee  `json:"fee"`
}

type transactionFee struct {
	GatewayFee     decimal.Decimal `json:"xendit_fee"`
	ValueAddedTax  decimal.Decimal `json:"value_added_tax"`
	WithholdingTax decimal.Decimal `json:"third_party_withholding_tax"`
}

// Fees returns the fee breakdown of paymentID.
func (c *Client) Fees(ctx context.Context, paymentID string) (Fees, error) {
	if paymentID == "" {
		return Fees{}, ErrTransactionNotFound
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/transactions?payment_id="+url.QueryEscape(paymentID))
	if err != nil {
		return Fees{}, err
	}
	var resp transactionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Fees{}, fmt.Errorf("gateway: parse transactions: %w", err)
	}
	if len(resp.Data) == 0 {
		return Fees{}, ErrTransactionNotFound
	}
	txn := resp.Data[0]
	fee := txn.Fee.GatewayFee.Add(txn.Fee.ValueAddedTax).Add(txn.Fee.WithholdingTax)
	net := txn.NetAmount
	if net.IsZero() {
		net = txn.Amount.Sub(fee)
	}
	return Fees{Gross: txn.Amount, Fee: fee, Net: net}, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.secretKey, "")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("gateway: read response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrTransactionNotFound
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("gateway: request failed: HTTP %d", resp.StatusCode)
	}
	return body, nil
}
