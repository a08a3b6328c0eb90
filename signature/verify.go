// Package signature verifies the ECDSA envelope signature carried on every
// relay request, recovering the signer's EVM address. The canonical message
// form here must stay byte-for-byte identical to what client implementations
// sign; change it in exactly this one place.
package signature

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	gwcrypto "x402gateway/crypto"
	"x402gateway/errorkinds"
)

// SignatureLength is the expected size of the hex-decoded client signature.
const SignatureLength = 65

// Envelope captures the fields the client signed over.
type Envelope struct {
	Method    string
	Path      string
	Timestamp int64
	Body      []byte
}

// Canonicalize reproduces the exact byte sequence the client signed: method,
// path-and-query, timestamp as decimal ASCII, and body, joined by newlines.
// This ordering is normative and shared between client and server.
func (e Envelope) Canonicalize() []byte {
	parts := []string{
		strings.ToUpper(e.Method),
		e.Path,
		strconv.FormatInt(e.Timestamp, 10),
	}
	msg := strings.Join(parts, "\n") + "\n"
	return append([]byte(msg), e.Body...)
}

// PersonalSignHash applies the Ethereum personal-sign prefix to the
// canonical message and keccak-256 hashes the result.
func PersonalSignHash(message []byte) []byte {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefixed), message)
}

// Verify checks the timestamp skew and recovers the signing address from sig.
// now is the server's current time; window is the allowed skew in either
// direction. sig must be the 65-byte [R || S || V] signature.
func Verify(env Envelope, sig []byte, now time.Time, window time.Duration) (gwcrypto.Address, error) {
	skew := now.Sub(time.Unix(env.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if window > 0 && skew > window {
		return gwcrypto.Address{}, errorkinds.ErrStaleOrFuture
	}
	if len(sig) != SignatureLength {
		return gwcrypto.Address{}, errorkinds.ErrBadSignature
	}
	normalized, err := normalizeRecoveryID(sig)
	if err != nil {
		return gwcrypto.Address{}, errorkinds.ErrBadSignature
	}
	hash := PersonalSignHash(env.Canonicalize())
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return gwcrypto.Address{}, errorkinds.ErrBadSignature
	}
	return gwcrypto.NewAddress(crypto.PubkeyToAddress(*pub).Bytes()), nil
}

// normalizeRecoveryID returns a copy of sig with the trailing recovery byte
// shifted into go-ethereum's expected {0,1} range; clients following the
// Ethereum personal-sign convention commonly send {27,28}.
func normalizeRecoveryID(sig []byte) ([]byte, error) {
	out := make([]byte, len(sig))
	copy(out, sig)
	switch out[64] {
	case 0, 1:
	case 27, 28:
		out[64] -= 27
	default:
		return nil, fmt.Errorf("unexpected recovery id %d", sig[64])
	}
	return out, nil
}
