// Package facilitator adapts to the external x402 payment facilitator: the
// untrusted-wire-format boundary is isolated here so a protocol upgrade is a
// local change, not a pipeline change. The adapter trusts the facilitator's
// responses; it never credits a balance itself.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"x402gateway/challenge"
)

// PaymentPayload is the decoded form of the client's base64-encoded X-Payment
// header, following the x402 "exact" scheme wire format.
type PaymentPayload struct {
	Payload struct {
		Signature     string `json:"signature"`
		Authorization struct {
			From        string `json:"from"`
			To          string `json:"to"`
			Value       string `json:"value"`
			ValidAfter  string `json:"validAfter"`
			ValidBefore string `json:"validBefore"`
			Nonce       string `json:"nonce"`
		} `json:"authorization"`
	} `json:"payload"`
	Accepted struct {
		Scheme  string `json:"scheme"`
		Network string `json:"network"`
	} `json:"accepted"`
}

// VerifyResult is returned by a successful Verify call.
type VerifyResult struct {
	Payer  string
	Amount string
}

// SettleResult is returned by a successful Settle call.
type SettleResult struct {
	SettlementID string
	Payer        string
	Amount       string
}

// Client is the minimal facilitator surface the pipeline requires.
type Client interface {
	Verify(ctx context.Context, payload PaymentPayload, requirements challenge.Requirements) (*VerifyResult, error)
	Settle(ctx context.Context, payload PaymentPayload, requirements challenge.Requirements) (*SettleResult, error)
}

// HTTPClient implements Client against the facilitator's /verify and /settle
// HTTP endpoints.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient constructs an HTTP facilitator client with a bounded timeout;
// the facilitator call has its own timeout independent of the upstream node's.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type verifyRequestBody struct {
	PaymentPayload      PaymentPayload         `json:"paymentPayload"`
	PaymentRequirements challenge.Requirements `json:"paymentRequirements"`
}

type verifyResponseBody struct {
	IsValid bool   `json:"isValid"`
	Payer   string `json:"payer"`
	Amount  string `json:"amount"`
	Reason  string `json:"invalidReason"`
}

type settleResponseBody struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Payer       string `json:"payer"`
	Amount      string `json:"amount"`
	Reason      string `json:"errorReason"`
}

func (c *HTTPClient) Verify(ctx context.Context, payload PaymentPayload, requirements challenge.Requirements) (*VerifyResult, error) {
	var resp verifyResponseBody
	if err := c.doRequest(ctx, "/verify", payload, requirements, &resp); err != nil {
		return nil, err
	}
	if !resp.IsValid {
		reason := resp.Reason
		if reason == "" {
			reason = "facilitator rejected payment"
		}
		return nil, fmt.Errorf("%s", reason)
	}
	return &VerifyResult{Payer: resp.Payer, Amount: resp.Amount}, nil
}

func (c *HTTPClient) Settle(ctx context.Context, payload PaymentPayload, requirements challenge.Requirements) (*SettleResult, error) {
	var resp settleResponseBody
	if err := c.doRequest(ctx, "/settle", payload, requirements, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		reason := resp.Reason
		if reason == "" {
			reason = "facilitator settlement failed"
		}
		return nil, fmt.Errorf("%s", reason)
	}
	return &SettleResult{SettlementID: resp.Transaction, Payer: resp.Payer, Amount: resp.Amount}, nil
}

func (c *HTTPClient) doRequest(ctx context.Context, path string, payload PaymentPayload, requirements challenge.Requirements, out interface{}) error {
	body := verifyRequestBody{PaymentPayload: payload, PaymentRequirements: requirements}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("facilitator %s failed: status=%d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// DecodePaymentPayload decodes the JSON payment payload carried in the
// X-Payment header; raw must already be base64-decoded.
func DecodePaymentPayload(raw []byte) (PaymentPayload, error) {
	var p PaymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return PaymentPayload{}, fmt.Errorf("decode payment payload: %w", err)
	}
	return p, nil
}
