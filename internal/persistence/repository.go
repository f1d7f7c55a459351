package persistence

import (
	"sync"

	"perp-grid-engine/internal/models"
)

// StateRepository defines the interface for grid state persistence.
// A snapshot carries levels, the drawdown record and applied event versions,
// so a restart resumes exactly-once application where it stopped.
type StateRepository interface {
	// SaveState atomically replaces the snapshot for state.Symbol.
	SaveState(state *models.GridState) error

	// LoadState loads the snapshot for symbol.
	// If no state is found, it returns (nil, nil).
	LoadState(symbol string) (*models.GridState, error)

	// DeleteState removes the snapshot for symbol.
	DeleteState(symbol string) error

	// Close gracefully closes the connection to the database.
	Close() error
}

// MemoryRepository keeps snapshots in process memory. Used for dry runs and tests.
type MemoryRepository struct {
	mu     sync.Mutex
	states map[string]*models.GridState
	saves  int
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{states: make(map[string]*models.GridState)}
}

func (r *MemoryRepository) SaveState(state *models.GridState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.Symbol] = state.Clone()
	r.saves++
	return nil
}

func (r *MemoryRepository) LoadState(symbol string) (*models.GridState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[symbol]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (r *MemoryRepository) DeleteState(symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, symbol)
	return nil
}

// Saves returns how many snapshots were written.
func (r *MemoryRepository) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func (r *MemoryRepository) Close() error { return nil }
