package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Address is a 20-byte EVM-compatible account address.
type Address [20]byte

// NewAddress wraps a 20-byte slice as an Address. Panics on the wrong length,
// mirroring the source's fixed-width address constructor.
func NewAddress(b []byte) Address {
	if len(b) != 20 {
		panic("address must be 20 bytes long")
	}
	var a Address
	copy(a[:], b)
	return a
}

// String renders the address as a 0x-prefixed lowercase hex string.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Bytes returns the raw 20-byte address.
func (a Address) Bytes() []byte {
	return a[:]
}

// IsZero reports whether the address is the all-zero value.
func (a Address) IsZero() bool {
	return a == Address{}
}

// DecodeAddress parses a 0x-prefixed (or bare) 40-hex-character address.
func DecodeAddress(addrStr string) (Address, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(addrStr), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return Address{}, fmt.Errorf("invalid hex address: %w", err)
	}
	if len(decoded) != 20 {
		return Address{}, fmt.Errorf("address must decode to 20 bytes, got %d", len(decoded))
	}
	return NewAddress(decoded), nil
}

// --- Key management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

func (k *PublicKey) Address() Address {
	return NewAddress(crypto.PubkeyToAddress(*k.PublicKey).Bytes())
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
