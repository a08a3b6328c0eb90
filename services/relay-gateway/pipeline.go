package main

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"x402gateway/balance"
	"x402gateway/breaker"
	"x402gateway/challenge"
	gwcrypto "x402gateway/crypto"
	"x402gateway/errorkinds"
	"x402gateway/facilitator"
	"x402gateway/forwarder"
	"x402gateway/observability/logging"
	"x402gateway/replay"
	"x402gateway/signature"
)

const (
	headerSignature = "X-Signature"
	headerTimestamp = "X-Timestamp"
	headerPayment   = "X-Payment"
)

// Outcome is the terminal result of a single pipeline run. Exactly one of
// ChallengeBody or (Body, ContentType) is meaningful, selected by Status.
type Outcome struct {
	Status        int
	Body          []byte
	ContentType   string
	ErrorKind     error
	ChallengeBody *challenge.Body
}

// Pipeline implements the per-request authenticate/debit/forward/settle
// state machine. It owns no HTTP concerns beyond reading the already-buffered
// request body; Server translates Outcome into an http.ResponseWriter call.
type Pipeline struct {
	balances    *balance.Store
	replay      *replay.Guard
	facilitator facilitator.Client
	forwarder   *forwarder.Forwarder
	breaker     *breaker.Breaker
	challenges  *challenge.Builder

	price *uint256.Int
	skew  time.Duration

	logger *slog.Logger
	nowFn  func() time.Time
}

// NewPipeline wires the pipeline's collaborators. price is the fixed cost of
// a forwarded request in the token's base units.
func NewPipeline(balances *balance.Store, guard *replay.Guard, settler facilitator.Client, fwd *forwarder.Forwarder, cb *breaker.Breaker, challenges *challenge.Builder, price uint64, skew time.Duration, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		balances:    balances,
		replay:      guard,
		facilitator: settler,
		forwarder:   fwd,
		breaker:     cb,
		challenges:  challenges,
		price:       new(uint256.Int).SetUint64(price),
		skew:        skew,
		logger:      logger,
		nowFn:       time.Now,
	}
}

// Handle runs one request through the full state machine described in the
// relay endpoint's specification: SETTLING (if a payment header is present)
// then AUTHENTICATING -> DEBITING -> FORWARDING.
func (p *Pipeline) Handle(ctx context.Context, r *http.Request, body []byte) *Outcome {
	now := p.nowFn().UTC()

	if paymentHeader := strings.TrimSpace(r.Header.Get(headerPayment)); paymentHeader != "" {
		if outcome := p.settle(ctx, paymentHeader); outcome != nil {
			return outcome
		}
		// Settled (or idempotently skipped); fall through to AUTHENTICATING
		// on the same request, per the combined pay+request rule.
	}

	addr, outcome := p.authenticate(r, body, now)
	if outcome != nil {
		return outcome
	}

	ok, err := p.balances.TryDebit(addr, p.price)
	if err != nil {
		p.logger.Error("balance debit failed", "component", "pipeline", "error", err)
		return p.internalError(err)
	}
	if !ok {
		return p.challengeWithKind(errorkinds.ErrInsufficientBalance, "insufficient balance")
	}

	return p.forward(r, body, addr)
}

func (p *Pipeline) authenticate(r *http.Request, body []byte, now time.Time) (gwcrypto.Address, *Outcome) {
	sigHeader := strings.TrimSpace(r.Header.Get(headerSignature))
	tsHeader := strings.TrimSpace(r.Header.Get(headerTimestamp))
	if sigHeader == "" || tsHeader == "" {
		return gwcrypto.Address{}, p.challengeWithKind(errorkinds.ErrNoAuth, "missing signature headers")
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return gwcrypto.Address{}, p.unauthorized(errorkinds.ErrBadSignature, "malformed timestamp")
	}
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(sigHeader, "0x"))
	if err != nil {
		return gwcrypto.Address{}, p.unauthorized(errorkinds.ErrBadSignature, "malformed signature encoding")
	}

	env := signature.Envelope{
		Method:    r.Method,
		Path:      canonicalRequestPath(r),
		Timestamp: ts,
		Body:      body,
	}
	addr, err := signature.Verify(env, sigBytes, now, p.skew)
	if err != nil {
		return gwcrypto.Address{}, p.unauthorized(err, err.Error())
	}

	digest := hex.EncodeToString(sigBytes)
	if p.replay.Observe(digest, now) {
		return gwcrypto.Address{}, p.unauthorized(errorkinds.ErrReplay, "signature already used")
	}

	return addr, nil
}

func (p *Pipeline) forward(r *http.Request, body []byte, addr gwcrypto.Address) *Outcome {
	now := p.nowFn().UTC()
	if err := p.breaker.Allow(now); err != nil {
		p.refund(addr, "breaker open")
		return p.upstreamUnavailable(err)
	}

	// Detached from the inbound request context: once a request has been
	// debited, a client disconnecting must not cancel the upstream call out
	// from under it. The forwarder's own client timeout still bounds it.
	resp, err := p.forwarder.Forward(context.Background(), body, r.Header.Get("Content-Type"))
	if err != nil {
		p.breaker.RecordFailure(now)
		p.refund(addr, "transport failure")
		return p.upstreamUnavailable(err)
	}
	p.breaker.RecordSuccess()
	return &Outcome{Status: resp.StatusCode, Body: resp.Body, ContentType: resp.ContentType}
}

func (p *Pipeline) refund(addr gwcrypto.Address, reason string) {
	if _, err := p.balances.Credit(addr, p.price); err != nil {
		p.logger.Error("refund failed", "component", "pipeline", "address", addr.String(), "reason", reason, "error", err)
	}
}

// settle consumes an X-Payment header: decodes it, verifies and settles it
// against the facilitator, and credits the balance store exactly once per
// settlement identifier. Returns a non-nil Outcome only when the request
// must terminate here (decode failure, verification rejection, settlement
// failure, an unparseable payer or amount from the facilitator, or a failed
// credit write); a nil return means the caller should proceed to
// AUTHENTICATING.
func (p *Pipeline) settle(ctx context.Context, encoded string) *Outcome {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return p.challengeWithKind(errorkinds.ErrPaymentInvalid, "malformed payment payload encoding")
	}
	payload, err := facilitator.DecodePaymentPayload(raw)
	if err != nil {
		return p.challengeWithKind(errorkinds.ErrPaymentInvalid, err.Error())
	}
	p.logger.Debug("processing payment settlement", "component", "pipeline",
		logging.MaskField("signature", payload.Payload.Signature))

	requirements := p.challenges.Requirements()

	if _, err := p.facilitator.Verify(ctx, payload, requirements); err != nil {
		return p.challengeWithKind(errorkinds.ErrPaymentInvalid, err.Error())
	}

	settled, err := p.facilitator.Settle(ctx, payload, requirements)
	if err != nil {
		return p.challengeWithKind(errorkinds.ErrPaymentSettleFailed, err.Error())
	}

	payer, err := gwcrypto.DecodeAddress(settled.Payer)
	if err != nil {
		p.logger.Error("facilitator returned unparseable payer", "component", "pipeline", "payer", settled.Payer, "error", err)
		return p.internalError(err)
	}
	amount, err := uint256.FromDecimal(settled.Amount)
	if err != nil {
		p.logger.Error("facilitator returned unparseable amount", "component", "pipeline", "amount", settled.Amount)
		return p.internalError(fmt.Errorf("unparseable settlement amount %q", settled.Amount))
	}

	applied, _, err := p.balances.CreditSettlement(payer, amount, settled.SettlementID)
	if err != nil {
		p.logger.Error("settlement credit failed", "component", "pipeline", "settlement_id", settled.SettlementID, "error", err)
		return p.internalError(err)
	}
	if !applied {
		p.logger.Info("settlement already credited, skipping", "component", "pipeline", "settlement_id", settled.SettlementID)
	}
	return nil
}

func (p *Pipeline) challengeOutcome(reason string) *Outcome {
	body := p.challenges.Build(reason)
	return &Outcome{Status: http.StatusPaymentRequired, ChallengeBody: &body}
}

func (p *Pipeline) challengeWithKind(kind error, reason string) *Outcome {
	outcome := p.challengeOutcome(reason)
	outcome.ErrorKind = kind
	return outcome
}

func (p *Pipeline) unauthorized(kind error, reason string) *Outcome {
	return &Outcome{Status: http.StatusUnauthorized, ErrorKind: kind, Body: []byte(reason)}
}

func (p *Pipeline) upstreamUnavailable(err error) *Outcome {
	return &Outcome{Status: http.StatusBadGateway, ErrorKind: errorkinds.ErrUpstreamUnavailable, Body: []byte(err.Error())}
}

func (p *Pipeline) internalError(err error) *Outcome {
	return &Outcome{Status: http.StatusInternalServerError, ErrorKind: errorkinds.ErrInternal, Body: []byte(err.Error())}
}

func canonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		parts := strings.Split(r.URL.RawQuery, "&")
		sort.Strings(parts)
		path += "?" + strings.Join(parts, "&")
	}
	return path
}
