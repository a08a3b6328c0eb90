package main

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"x402gateway/balance"
	"x402gateway/breaker"
	"x402gateway/challenge"
	gwcrypto "x402gateway/crypto"
	"x402gateway/facilitator"
	"x402gateway/forwarder"
	"x402gateway/replay"
	"x402gateway/signature"
)

type stubFacilitator struct {
	verifyFn func(ctx context.Context, payload facilitator.PaymentPayload, requirements challenge.Requirements) (*facilitator.VerifyResult, error)
	settleFn func(ctx context.Context, payload facilitator.PaymentPayload, requirements challenge.Requirements) (*facilitator.SettleResult, error)
}

func (s *stubFacilitator) Verify(ctx context.Context, payload facilitator.PaymentPayload, requirements challenge.Requirements) (*facilitator.VerifyResult, error) {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, payload, requirements)
	}
	return &facilitator.VerifyResult{}, nil
}

func (s *stubFacilitator) Settle(ctx context.Context, payload facilitator.PaymentPayload, requirements challenge.Requirements) (*facilitator.SettleResult, error) {
	if s.settleFn != nil {
		return s.settleFn(ctx, payload, requirements)
	}
	return &facilitator.SettleResult{}, nil
}

type testHarness struct {
	pipeline *Pipeline
	balances *balance.Store
	key      *gwcrypto.PrivateKey
	now      time.Time
	upstream *httptest.Server
}

func newTestHarness(t *testing.T, settler facilitator.Client, upstreamHandler http.HandlerFunc) *testHarness {
	t.Helper()
	dir := t.TempDir()
	store, err := balance.Open(dir + "/balances")
	if err != nil {
		t.Fatalf("open balance store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if upstreamHandler == nil {
		upstreamHandler = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"result":"ok"}`))
		}
	}
	upstream := httptest.NewServer(upstreamHandler)
	t.Cleanup(upstream.Close)

	key, err := gwcrypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	guard := replay.NewGuard(time.Minute, 0)
	cb := breaker.New(3, time.Second)
	fwd := forwarder.New(upstream.URL, time.Second)
	builder := challenge.NewBuilder("base-sepolia", "0xUSDC", "0xRecipient", "1000000", 60, "/relay")

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	pipeline := NewPipeline(store, guard, settler, fwd, cb, builder, 1, time.Minute, nil)
	pipeline.nowFn = func() time.Time { return now }

	return &testHarness{pipeline: pipeline, balances: store, key: key, now: now, upstream: upstream}
}

func (h *testHarness) signedRequest(t *testing.T, method, path string, body []byte) *http.Request {
	t.Helper()
	env := signature.Envelope{Method: method, Path: path, Timestamp: h.now.Unix(), Body: body}
	hash := signature.PersonalSignHash(env.Canonicalize())
	sig, err := ethcrypto.Sign(hash, h.key.PrivateKey)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(headerSignature, hex.EncodeToString(sig))
	req.Header.Set(headerTimestamp, strconv.FormatInt(h.now.Unix(), 10))
	return req
}

func TestColdRequestYieldsChallenge(t *testing.T) {
	h := newTestHarness(t, &stubFacilitator{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/relay", nil)

	outcome := h.pipeline.Handle(context.Background(), req, nil)
	if outcome.Status != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", outcome.Status)
	}
	if outcome.ChallengeBody == nil || outcome.ChallengeBody.Accepts[0].PayTo != "0xRecipient" {
		t.Fatalf("expected challenge body naming the recipient, got %+v", outcome.ChallengeBody)
	}
	if outcome.ChallengeBody.Accepts[0].MaxAmountRequired != "1000000" {
		t.Fatalf("expected top-up amount 1000000, got %s", outcome.ChallengeBody.Accepts[0].MaxAmountRequired)
	}
}

func TestExhaustedBalanceYieldsChallenge(t *testing.T) {
	h := newTestHarness(t, &stubFacilitator{}, nil)
	req := h.signedRequest(t, http.MethodPost, "/relay", []byte(`{}`))

	outcome := h.pipeline.Handle(context.Background(), req, []byte(`{}`))
	if outcome.Status != http.StatusPaymentRequired {
		t.Fatalf("expected 402 for a signed request against a zero balance, got %d", outcome.Status)
	}
}

func TestDepositThenCallDebitsAndForwards(t *testing.T) {
	settler := &stubFacilitator{
		settleFn: func(ctx context.Context, payload facilitator.PaymentPayload, requirements challenge.Requirements) (*facilitator.SettleResult, error) {
			return &facilitator.SettleResult{SettlementID: "tx1", Payer: "", Amount: "1000000"}, nil
		},
	}
	h := newTestHarness(t, settler, nil)
	addr := h.key.PubKey().Address()
	settler.settleFn = func(ctx context.Context, payload facilitator.PaymentPayload, requirements challenge.Requirements) (*facilitator.SettleResult, error) {
		return &facilitator.SettleResult{SettlementID: "tx1", Payer: addr.String(), Amount: "1000000"}, nil
	}

	body := []byte(`{"method":"eth_blockNumber"}`)
	req := h.signedRequest(t, http.MethodPost, "/relay", body)
	req.Header.Set(headerPayment, "e30=")

	outcome := h.pipeline.Handle(context.Background(), req, body)
	if outcome.Status != http.StatusOK {
		t.Fatalf("expected 200 after deposit and debit, got %d: %s", outcome.Status, outcome.Body)
	}
	bal, err := h.balances.Get(addr)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Cmp(uint256.NewInt(999_999)) != 0 {
		t.Fatalf("expected balance 999999 after deposit+debit, got %s", bal)
	}
}

func TestReplayedSignatureRejected(t *testing.T) {
	settler := &stubFacilitator{}
	h := newTestHarness(t, settler, nil)
	addr := h.key.PubKey().Address()
	if _, err := h.balances.Credit(addr, uint256.NewInt(10)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	body := []byte(`{}`)
	req1 := h.signedRequest(t, http.MethodPost, "/relay", body)
	first := h.pipeline.Handle(context.Background(), req1, body)
	if first.Status != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", first.Status)
	}

	req2 := h.signedRequest(t, http.MethodPost, "/relay", body)
	second := h.pipeline.Handle(context.Background(), req2, body)
	if second.Status != http.StatusUnauthorized {
		t.Fatalf("expected replayed signature to be rejected with 401, got %d", second.Status)
	}

	bal, _ := h.balances.Get(addr)
	if bal.Cmp(uint256.NewInt(9)) != 0 {
		t.Fatalf("expected exactly one debit across both attempts, got balance %s", bal)
	}
}

func TestUpstreamTransportFailureRefunds(t *testing.T) {
	h := newTestHarness(t, &stubFacilitator{}, nil)
	h.pipeline.forwarder = forwarder.New("http://127.0.0.1:1", 100*time.Millisecond)
	addr := h.key.PubKey().Address()
	if _, err := h.balances.Credit(addr, uint256.NewInt(5)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	body := []byte(`{}`)
	req := h.signedRequest(t, http.MethodPost, "/relay", body)
	outcome := h.pipeline.Handle(context.Background(), req, body)
	if outcome.Status != http.StatusBadGateway {
		t.Fatalf("expected 502 on upstream transport failure, got %d", outcome.Status)
	}

	bal, _ := h.balances.Get(addr)
	if bal.Cmp(uint256.NewInt(5)) != 0 {
		t.Fatalf("expected debit to be refunded after transport failure, got balance %s", bal)
	}
}

func TestForwardSurvivesClientDisconnect(t *testing.T) {
	h := newTestHarness(t, &stubFacilitator{}, nil)
	addr := h.key.PubKey().Address()
	if _, err := h.balances.Credit(addr, uint256.NewInt(5)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	body := []byte(`{}`)
	req := h.signedRequest(t, http.MethodPost, "/relay", body)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := h.pipeline.Handle(ctx, req, body)
	if outcome.Status != http.StatusOK {
		t.Fatalf("expected the upstream call to complete despite a cancelled inbound context, got %d: %s", outcome.Status, outcome.Body)
	}

	bal, _ := h.balances.Get(addr)
	if bal.Cmp(uint256.NewInt(4)) != 0 {
		t.Fatalf("expected the debit to stand when only the inbound request was cancelled, got balance %s", bal)
	}
}

func TestUpstreamHTTPErrorStatusIsNotRefunded(t *testing.T) {
	h := newTestHarness(t, &stubFacilitator{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	})
	addr := h.key.PubKey().Address()
	if _, err := h.balances.Credit(addr, uint256.NewInt(5)); err != nil {
		t.Fatalf("seed balance: %v", err)
	}

	body := []byte(`{}`)
	req := h.signedRequest(t, http.MethodPost, "/relay", body)
	outcome := h.pipeline.Handle(context.Background(), req, body)
	if outcome.Status != http.StatusInternalServerError {
		t.Fatalf("expected upstream 500 to pass through verbatim, got %d", outcome.Status)
	}

	bal, _ := h.balances.Get(addr)
	if bal.Cmp(uint256.NewInt(4)) != 0 {
		t.Fatalf("expected debit to stand on a delivered (if erroring) upstream response, got balance %s", bal)
	}
}

func TestDoubleSettleCreditsOnce(t *testing.T) {
	settler := &stubFacilitator{}
	h := newTestHarness(t, settler, nil)
	addr := h.key.PubKey().Address()
	settler.settleFn = func(ctx context.Context, payload facilitator.PaymentPayload, requirements challenge.Requirements) (*facilitator.SettleResult, error) {
		return &facilitator.SettleResult{SettlementID: "dup-tx", Payer: addr.String(), Amount: "1000000"}, nil
	}

	req1 := httptest.NewRequest(http.MethodPost, "/relay", nil)
	req1.Header.Set(headerPayment, "e30=")
	h.pipeline.Handle(context.Background(), req1, nil)

	req2 := httptest.NewRequest(http.MethodPost, "/relay", nil)
	req2.Header.Set(headerPayment, "e30=")
	h.pipeline.Handle(context.Background(), req2, nil)

	bal, err := h.balances.Get(addr)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if bal.Cmp(uint256.NewInt(1_000_000)) != 0 {
		t.Fatalf("expected exactly one credit across two identical settlements, got %s", bal)
	}
}
