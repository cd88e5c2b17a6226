package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	BackendMemory  = "memory"
	BackendLevelDB = "leveldb"
	BackendBolt    = "bolt"
)

// Open returns the database backend selected by name, rooted at dataDir.
func Open(backend, dataDir string) (Database, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendLevelDB:
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, err
		}
		return NewLevelDB(filepath.Join(dataDir, "state"))
	case BackendBolt:
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, err
		}
		return NewBoltDB(filepath.Join(dataDir, "state.bolt"))
	case BackendMemory:
		return NewMemDB(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}
