// Package balance implements the durable, crash-safe account balance ledger.
// It owns two reserved key namespaces in an embedded ordered KV: "b:" for
// account balances and "s:" for settlement-idempotency markers. A third
// namespace, "v:", is reserved for a future schema version tag and is never
// written by v1.
package balance

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"

	gwcrypto "x402gateway/crypto"
)

const (
	balancePrefix    = "b:"
	settlementPrefix = "s:"
)

var settlementMarker = []byte{1}

// Store is the durable, concurrency-safe balance and settlement ledger.
type Store struct {
	db *leveldb.DB

	keyMu   sync.Mutex
	keyLock map[string]*sync.Mutex
}

// Open opens (or creates) the LevelDB database at path.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("balance: store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("balance: resolve store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("balance: open store: %w", err)
	}
	return &Store{db: db, keyLock: make(map[string]*sync.Mutex)}, nil
}

// Close releases the underlying LevelDB resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the current balance for addr, or zero if never credited.
func (s *Store) Get(addr gwcrypto.Address) (*uint256.Int, error) {
	lock := s.lockFor(addr)
	lock.Lock()
	defer lock.Unlock()
	return s.getLocked(addr)
}

func (s *Store) getLocked(addr gwcrypto.Address) (*uint256.Int, error) {
	raw, err := s.db.Get(balanceKey(addr), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return uint256.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("balance: read balance: %w", err)
	}
	return new(uint256.Int).SetBytes(raw), nil
}

// TryDebit atomically subtracts amount from addr's balance if sufficient
// funds are present, returning true on success. On insufficient funds it
// leaves the balance unchanged and returns false.
func (s *Store) TryDebit(addr gwcrypto.Address, amount *uint256.Int) (bool, error) {
	lock := s.lockFor(addr)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.getLocked(addr)
	if err != nil {
		return false, err
	}
	if current.Lt(amount) {
		return false, nil
	}
	next := new(uint256.Int).Sub(current, amount)
	if err := s.db.Put(balanceKey(addr), encodeBalance(next), nil); err != nil {
		return false, fmt.Errorf("balance: write debit: %w", err)
	}
	return true, nil
}

// Credit atomically adds amount to addr's balance, saturating at the maximum
// representable base-unit count rather than wrapping on overflow. Overflow
// here signals a fatal bug, not a valid accounting event.
func (s *Store) Credit(addr gwcrypto.Address, amount *uint256.Int) (*uint256.Int, error) {
	lock := s.lockFor(addr)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.getLocked(addr)
	if err != nil {
		return nil, err
	}
	sum, overflow := new(uint256.Int).AddOverflow(current, amount)
	if overflow {
		sum = new(uint256.Int).SetAllOne()
	}
	if err := s.db.Put(balanceKey(addr), encodeBalance(sum), nil); err != nil {
		return nil, fmt.Errorf("balance: write credit: %w", err)
	}
	return sum, nil
}

// HasSettlement reports whether settlementID has already been credited.
func (s *Store) HasSettlement(settlementID string) (bool, error) {
	_, err := s.db.Get(settlementKey(settlementID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("balance: read settlement marker: %w", err)
	}
	return true, nil
}

// CreditSettlement credits amount to payer exactly once per settlementID:
// if the identifier has already been recorded, it is a no-op and applied is
// false. Otherwise the marker and the balance update are written together so
// crash recovery never double-credits and never loses a credit.
func (s *Store) CreditSettlement(payer gwcrypto.Address, amount *uint256.Int, settlementID string) (applied bool, newBalance *uint256.Int, err error) {
	lock := s.lockFor(payer)
	lock.Lock()
	defer lock.Unlock()

	marker := settlementKey(settlementID)
	if _, err := s.db.Get(marker, nil); err == nil {
		current, readErr := s.getLocked(payer)
		if readErr != nil {
			return false, nil, readErr
		}
		return false, current, nil
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return false, nil, fmt.Errorf("balance: read settlement marker: %w", err)
	}

	current, err := s.getLocked(payer)
	if err != nil {
		return false, nil, err
	}
	sum, overflow := new(uint256.Int).AddOverflow(current, amount)
	if overflow {
		sum = new(uint256.Int).SetAllOne()
	}

	batch := new(leveldb.Batch)
	batch.Put(balanceKey(payer), encodeBalance(sum))
	batch.Put(marker, settlementMarker)
	if err := s.db.Write(batch, nil); err != nil {
		return false, nil, fmt.Errorf("balance: write settlement credit: %w", err)
	}
	return true, sum, nil
}

func (s *Store) lockFor(addr gwcrypto.Address) *sync.Mutex {
	key := addr.String()
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	lock, ok := s.keyLock[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.keyLock[key] = lock
	return lock
}

func balanceKey(addr gwcrypto.Address) []byte {
	return []byte(balancePrefix + addr.String())
}

func settlementKey(settlementID string) []byte {
	return []byte(settlementPrefix + settlementID)
}

func encodeBalance(v *uint256.Int) []byte {
	b := v.Bytes32()
	return b[:]
}
