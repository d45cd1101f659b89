/*
erp.go - ERP integration client

PURPOSE:
  Registers settled money movements with the external ERP: refund cash-outs
  after approval and paid extensions after completion. Sends are idempotent
  on the ERP side, keyed by the request id, so a retry after a lost response
  is safe.

FAILURE HANDLING:
  The client only reports. Callers record failures (RefundRequest.ErpStatus)
  and never roll back a committed ledger mutation because of them.
*/
package erp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ErrDisabled is returned by Nop.
var ErrDisabled = errors.New("erp integration disabled")

// RefundEntry is the cash-out record for an approved refund.
type RefundEntry struct {
	RefundID     string          `json:"refund_id"`
	MappingID    string          `json:"mapping_id"`
	ConsultantID string          `json:"consultant_id"`
	ClientID     string          `json:"client_id"`
	Sessions     int             `json:"refund_sessions"`
	Amount       decimal.Decimal `json:"refund_amount"`
	Reason       string          `json:"reason"`
	ReasonCode   string          `json:"reason_code,omitempty"`
	ApprovedBy   string          `json:"approved_by"`
	ApprovedAt   time.Time       `json:"approved_at"`
}

// ExtensionEntry is the income record for a paid extension.
type ExtensionEntry struct {
	ExtensionID      string    `json:"extension_id"`
	MappingID        string    `json:"mapping_id"`
	ClientID         string    `json:"client_id"`
	Sessions         int       `json:"additional_sessions"`
	Amount           int64     `json:"amount"`
	PaymentMethod    string    `json:"payment_method"`
	PaymentReference string    `json:"payment_reference,omitempty"`
	CompletedAt      time.Time `json:"completed_at"`
}

// Receipt is the ERP answer to a send.
type Receipt struct {
	Reference string `json:"reference"`
	Message   string `json:"message,omitempty"`
}

type Client interface {
	SendRefund(ctx context.Context, e RefundEntry) (Receipt, error)
	SendExtensionPayment(ctx context.Context, e ExtensionEntry) (Receipt, error)
}

// Nop is used when no ERP is configured. Every send fails with ErrDisabled
// so refunds stay visibly unsent.
type Nop struct{}

func (Nop) SendRefund(context.Context, RefundEntry) (Receipt, error) {
	return Receipt{}, ErrDisabled
}

func (Nop) SendExtensionPayment(context.Context, ExtensionEntry) (Receipt, error) {
	return Receipt{}, ErrDisabled
}

// =============================================================================
// HTTP CLIENT
// =============================================================================

// HTTPClient posts JSON entries to the ERP REST API.
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	limiter    *rate.Limiter
}

// Options configures the HTTP client.
type Options struct {
	Timeout        time.Duration
	APIKey         string
	RateLimit      rate.Limit
	RateLimitBurst int
}

const (
	defaultTimeout        = 10 * time.Second
	defaultRateLimit      = 5
	defaultRateLimitBurst = 10
)

func NewHTTPClient(baseURL string, opts Options) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = defaultRateLimitBurst
	}
	return &HTTPClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     opts.APIKey,
		HTTPClient: &http.Client{Timeout: opts.Timeout},
		limiter:    rate.NewLimiter(opts.RateLimit, opts.RateLimitBurst),
	}
}

func (c *HTTPClient) SendRefund(ctx context.Context, e RefundEntry) (Receipt, error) {
	return c.post(ctx, "/refunds", e.RefundID, e)
}

func (c *HTTPClient) SendExtensionPayment(ctx context.Context, e ExtensionEntry) (Receipt, error) {
	return c.post(ctx, "/payments", e.ExtensionID, e)
}

// StatusError is a non-2xx ERP answer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("erp returned %d: %s", e.StatusCode, e.Body)
}

func (c *HTTPClient) post(ctx context.Context, path, key string, body any) (Receipt, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Receipt{}, fmt.Errorf("erp rate limit: %w", err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode erp entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("erp request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Receipt{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var r Receipt
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Receipt{}, fmt.Errorf("decode erp receipt: %w", err)
	}
	return r, nil
}
