// Package state persists the protocol's authoritative records over a
// key-value database. Keys are keccak-derived from typed prefixes and values
// are RLP encoded. All mutation happens through a Txn, a copy-on-write
// overlay that flushes to the database only on Commit, so a failed operation
// leaves no partial writes behind.
package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/arcadexyz/arcade-protocol-sub003/storage"
)

var (
	ErrInsufficientBalance = errors.New("state: insufficient balance")
	ErrNotCollateralOwner  = errors.New("state: transfer from non-owner")
	ErrNoteExists          = errors.New("state: note already minted")
	ErrNoteNotFound        = errors.New("state: note not found")
)

// Store wraps the backing database and hands out transactions. Operations
// against the protocol state are serialised through the store mutex.
type Store struct {
	mu sync.Mutex
	db storage.Database
}

// NewStore constructs a store over the supplied database.
func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// Begin opens a transaction whose reads see the database plus its own
// pending writes. The caller must either Commit or drop the transaction.
func (s *Store) Begin() *Txn {
	return &Txn{
		db:      s.db,
		writes:  make(map[string][]byte),
		deletes: make(map[string]bool),
	}
}

// Update runs fn inside a transaction under the store lock and commits its
// writes if fn succeeds. Any error from fn discards the transaction.
func (s *Store) Update(fn func(*Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn := s.Begin()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// View runs fn against a read-only transaction under the store lock.
func (s *Store) View(fn func(*Txn) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.Begin())
}

// Txn is a copy-on-write overlay over the database. Reads consult pending
// writes first, then the database; writes stay in memory until Commit.
type Txn struct {
	db      storage.Database
	writes  map[string][]byte
	deletes map[string]bool
}

func (t *Txn) getRaw(key []byte) ([]byte, error) {
	k := string(key)
	if t.deletes[k] {
		return nil, storage.ErrNotFound
	}
	if v, ok := t.writes[k]; ok {
		out := make([]byte, len(v))
		copy(out, v)
		return out, nil
	}
	return t.db.Get(key)
}

func (t *Txn) hasRaw(key []byte) (bool, error) {
	k := string(key)
	if t.deletes[k] {
		return false, nil
	}
	if _, ok := t.writes[k]; ok {
		return true, nil
	}
	return t.db.Has(key)
}

func (t *Txn) putRaw(key, value []byte) {
	k := string(key)
	delete(t.deletes, k)
	v := make([]byte, len(value))
	copy(v, value)
	t.writes[k] = v
}

func (t *Txn) deleteRaw(key []byte) {
	k := string(key)
	delete(t.writes, k)
	t.deletes[k] = true
}

// Commit flushes the pending writes and deletions to the database.
func (t *Txn) Commit() error {
	for k := range t.deletes {
		if err := t.db.Delete([]byte(k)); err != nil {
			return fmt.Errorf("state: commit delete: %w", err)
		}
	}
	for k, v := range t.writes {
		if err := t.db.Put([]byte(k), v); err != nil {
			return fmt.Errorf("state: commit put: %w", err)
		}
	}
	t.writes = make(map[string][]byte)
	t.deletes = make(map[string]bool)
	return nil
}

func derivedKey(prefix string, parts ...[]byte) []byte {
	buf := []byte(prefix)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return ethcrypto.Keccak256(buf)
}

func u64be(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}
