package state

import (
	"errors"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"workescrow/storage"
)

// Manager persists escrow contracts and ledger accounts in a key-value store.
// Keys are keccak256 hashes of a typed prefix and the record identifier.
type Manager struct {
	db storage.Database
	mu sync.Mutex
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

func hashedKey(prefix []byte, id []byte) []byte {
	buf := make([]byte, len(prefix)+len(id))
	copy(buf, prefix)
	copy(buf[len(prefix):], id)
	return ethcrypto.Keccak256(buf)
}

// load decodes the record stored under key into out. It reports false when
// the key is absent.
func (m *Manager) load(key []byte, out interface{}) (bool, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func encodeEntry(key []byte, value interface{}) (storage.Entry, error) {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return storage.Entry{}, err
	}
	return storage.Entry{Key: key, Value: encoded}, nil
}
