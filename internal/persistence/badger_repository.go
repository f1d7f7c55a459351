package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"perp-grid-engine/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const stateKeyPrefix = "grid_state:"

// badgerRepository is the BadgerDB implementation of the StateRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
// An empty dbPath opens an in-memory database.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	// Badger 自带日志太吵, 错误仍通过返回值暴露
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dbPath, err)
	}
	return &badgerRepository{db: db}, nil
}

func stateKey(symbol string) []byte {
	return []byte(stateKeyPrefix + symbol)
}

// SaveState marshals the snapshot into JSON under the symbol's key.
func (r *badgerRepository) SaveState(state *models.GridState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal grid state: %w", err)
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey(state.Symbol), data)
	})
}

// LoadState returns (nil, nil) when the symbol has no snapshot yet.
func (r *badgerRepository) LoadState(symbol string) (*models.GridState, error) {
	var state models.GridState

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey(symbol))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("state value is empty in database")
			}
			return json.Unmarshal(val, &state)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load grid state %s: %w", symbol, err)
	}

	// 旧快照可能缺少新增的映射字段
	state.EnsureMaps()
	state.SortLevels()
	return &state, nil
}

func (r *badgerRepository) DeleteState(symbol string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(stateKey(symbol))
	})
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
