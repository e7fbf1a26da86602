package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultInvoiceExpiry = 10 * time.Minute

// LNbits talks to an LNbits wallet over its REST API using an invoice key.
type LNbits struct {
	BaseURL string
	APIKey  string
	Expiry  time.Duration
	HTTP    *http.Client
	now     func() time.Time
}

func NewLNbits(baseURL, apiKey string, expiry time.Duration) *LNbits {
	if expiry <= 0 {
		expiry = defaultInvoiceExpiry
	}
	return &LNbits{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		APIKey:  strings.TrimSpace(apiKey),
		Expiry:  expiry,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		now:     time.Now,
	}
}

type lnbitsCreateRequest struct {
	Out    bool   `json:"out"`
	Amount int64  `json:"amount"`
	Memo   string `json:"memo"`
	Expiry int64  `json:"expiry,omitempty"`
}

type lnbitsCreateResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	Bolt11         string `json:"bolt11"`
}

type lnbitsStatusResponse struct {
	Paid    bool `json:"paid"`
	Details struct {
		Amount  int64  `json:"amount"`
		Status  string `json:"status"`
		Pending bool   `json:"pending"`
	} `json:"details"`
}

func (l *LNbits) CreateInvoice(ctx context.Context, amountSats int64, memo string) (Invoice, error) {
	if amountSats <= 0 {
		return Invoice{}, fmt.Errorf("lnbits: invoice amount must be positive, got %d", amountSats)
	}
	body, _ := json.Marshal(lnbitsCreateRequest{
		Out:    false,
		Amount: amountSats,
		Memo:   memo,
		Expiry: int64(l.Expiry / time.Second),
	})
	var out lnbitsCreateResponse
	if err := l.do(ctx, http.MethodPost, "/api/v1/payments", body, &out); err != nil {
		return Invoice{}, fmt.Errorf("lnbits create invoice: %w", err)
	}
	token := out.PaymentRequest
	if token == "" {
		token = out.Bolt11
	}
	if token == "" || out.PaymentHash == "" {
		return Invoice{}, fmt.Errorf("lnbits create invoice: response missing payment request or hash")
	}
	return Invoice{
		Token:     token,
		PaymentID: out.PaymentHash,
		ExpiresAt: l.now().Add(l.Expiry),
	}, nil
}

func (l *LNbits) CheckInvoice(ctx context.Context, inv Invoice) (InvoiceStatus, error) {
	if strings.TrimSpace(inv.PaymentID) == "" {
		return InvoiceStatus{Status: StatusError}, fmt.Errorf("lnbits: payment id is required")
	}
	var out lnbitsStatusResponse
	if err := l.do(ctx, http.MethodGet, "/api/v1/payments/"+inv.PaymentID, nil, &out); err != nil {
		return InvoiceStatus{Status: StatusError}, fmt.Errorf("lnbits check invoice: %w", err)
	}
	if out.Paid {
		return InvoiceStatus{Status: StatusPaid, AmountPaidMsats: abs(out.Details.Amount)}, nil
	}
	switch strings.ToLower(out.Details.Status) {
	case "failed", "expired":
		return InvoiceStatus{Status: StatusExpired}, nil
	}
	if !inv.ExpiresAt.IsZero() && l.now().After(inv.ExpiresAt) {
		return InvoiceStatus{Status: StatusExpired}, nil
	}
	return InvoiceStatus{Status: StatusPending}, nil
}

func (l *LNbits) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, l.BaseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", l.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := l.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrInvoiceNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
