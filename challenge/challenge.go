// Package challenge builds the x402 discovery body returned on every 402
// response: the accepted payment terms a client must satisfy to proceed.
package challenge

import (
	"strings"

	"github.com/google/uuid"
)

// Scheme is the x402 payment scheme this gateway accepts. Only "exact" is
// supported; multi-scheme negotiation is out of scope.
const Scheme = "exact"

// Requirements describes one accepted way to pay, following the x402
// discovery schema's accepts[] entries.
type Requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description,omitempty"`
	MaxTimeoutSeconds int64  `json:"maxTimeoutSeconds"`
}

// Body is the full 402 response payload.
type Body struct {
	Error   string         `json:"error"`
	Accepts []Requirements `json:"accepts"`
}

// Builder constructs 402 challenges from the gateway's fixed configuration.
type Builder struct {
	network           string
	asset             string
	recipient         string
	topUpBaseUnits    string
	maxTimeoutSeconds int64
	resourcePrefix    string
}

// NewBuilder builds a Builder. topUpBaseUnits is the fixed top-up amount in
// the token's smallest base unit, already formatted as a decimal string.
func NewBuilder(network, asset, recipient, topUpBaseUnits string, maxTimeoutSeconds int64, resourcePrefix string) *Builder {
	if maxTimeoutSeconds <= 0 {
		maxTimeoutSeconds = 60
	}
	return &Builder{
		network:           network,
		asset:             asset,
		recipient:         recipient,
		topUpBaseUnits:    topUpBaseUnits,
		maxTimeoutSeconds: maxTimeoutSeconds,
		resourcePrefix:    strings.TrimSuffix(resourcePrefix, "/"),
	}
}

// Requirements returns the terms a settlement must satisfy, independent of
// any particular 402 response. Verify and Settle calls present these
// alongside a client's payment payload; only Build attaches a fresh
// resource nonce per challenge.
func (b *Builder) Requirements() Requirements {
	return Requirements{
		Scheme:            Scheme,
		Network:           b.network,
		Asset:             b.asset,
		PayTo:             b.recipient,
		MaxAmountRequired: b.topUpBaseUnits,
		Resource:          b.resourcePrefix,
		MaxTimeoutSeconds: b.maxTimeoutSeconds,
	}
}

// Build emits a 402 body. reason, when non-empty, surfaces why payment is
// being requested again (e.g. a facilitator rejection) rather than a generic
// "payment required" string.
func (b *Builder) Build(reason string) Body {
	if reason == "" {
		reason = "payment required"
	}
	reqs := b.Requirements()
	reqs.Resource = b.resourcePrefix + "/" + uuid.NewString()
	return Body{
		Error:   reason,
		Accepts: []Requirements{reqs},
	}
}
