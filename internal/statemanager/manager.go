package statemanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"perp-grid-engine/internal/models"
	"perp-grid-engine/internal/persistence"

	"go.uber.org/zap"
)

// ErrStopped is returned for commands submitted after Stop.
var ErrStopped = errors.New("state manager stopped")

// Command mutates the grid state on the state manager's goroutine.
// It must not block: exchange calls happen outside and are fed back as new commands.
type Command struct {
	Name  string
	Apply func(st *models.GridState) error
	// readOnly commands skip the snapshot write.
	readOnly bool
	done     chan error
}

// StateManager is the single writer of the grid state.
// All mutations are processed serially; snapshots are persisted asynchronously.
type StateManager struct {
	state           *models.GridState
	repo            persistence.StateRepository
	commandChannel  chan *Command
	persistenceChan chan *models.GridState
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *zap.Logger
}

// NewStateManager creates a new StateManager. repo may be nil.
func NewStateManager(initialState *models.GridState, repo persistence.StateRepository, cfg models.EngineConfig, logger *zap.Logger) *StateManager {
	commandBuffer := cfg.CommandBuffer
	if commandBuffer <= 0 {
		commandBuffer = 1024
	}
	persistBuffer := cfg.PersistBuffer
	if persistBuffer <= 0 {
		persistBuffer = 128
	}
	initialState.EnsureMaps()
	return &StateManager{
		state:           initialState,
		repo:            repo,
		commandChannel:  make(chan *Command, commandBuffer),
		persistenceChan: make(chan *models.GridState, persistBuffer),
		stopChan:        make(chan struct{}),
		logger:          logger,
	}
}

// Start begins the command processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.commandLoop()
	go sm.persistenceLoop()
	sm.logger.Info("StateManager started")
}

// Stop shuts both loops down and writes a final snapshot.
// Commands still queued are discarded.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		if sm.repo != nil {
			if err := sm.repo.SaveState(sm.state.Clone()); err != nil {
				sm.logger.Error("CRITICAL: failed to save final state", zap.Error(err))
			}
		}
		sm.logger.Info("StateManager stopped")
	})
}

func (sm *StateManager) stopped() bool {
	select {
	case <-sm.stopChan:
		return true
	default:
		return false
	}
}

// Dispatch enqueues fn without waiting for it to run. It blocks only while the
// queue is full and reports false once the manager is stopped.
func (sm *StateManager) Dispatch(name string, fn func(st *models.GridState)) bool {
	cmd := &Command{Name: name, Apply: func(st *models.GridState) error {
		fn(st)
		return nil
	}}
	return sm.enqueue(context.Background(), cmd) == nil
}

// Do runs fn on the command loop and waits for its result.
func (sm *StateManager) Do(ctx context.Context, name string, fn func(st *models.GridState) error) error {
	return sm.submit(ctx, &Command{Name: name, Apply: fn})
}

// View runs fn on the command loop without persisting afterwards.
// fn must not modify the state.
func (sm *StateManager) View(ctx context.Context, fn func(st *models.GridState)) error {
	return sm.submit(ctx, &Command{Name: "view", readOnly: true, Apply: func(st *models.GridState) error {
		fn(st)
		return nil
	}})
}

// Snapshot returns a deep copy of the current state for safe, concurrent reading.
func (sm *StateManager) Snapshot(ctx context.Context) (*models.GridState, error) {
	var out *models.GridState
	err := sm.View(ctx, func(st *models.GridState) { out = st.Clone() })
	return out, err
}

func (sm *StateManager) submit(ctx context.Context, cmd *Command) error {
	cmd.done = make(chan error, 1)
	if err := sm.enqueue(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-sm.stopChan:
		// the command may still have run; its result is lost
		select {
		case err := <-cmd.done:
			return err
		default:
			return ErrStopped
		}
	}
}

func (sm *StateManager) enqueue(ctx context.Context, cmd *Command) error {
	if sm.stopped() {
		return ErrStopped
	}
	select {
	case sm.commandChannel <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-sm.stopChan:
		return ErrStopped
	}
}

// commandLoop is the core processing loop that handles all commands serially.
func (sm *StateManager) commandLoop() {
	defer sm.wg.Done()
	for {
		select {
		case cmd := <-sm.commandChannel:
			sm.processCommand(cmd)
		case <-sm.stopChan:
			return
		}
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case stateToSave := <-sm.persistenceChan:
			if sm.repo != nil {
				if err := sm.repo.SaveState(stateToSave); err != nil {
					sm.logger.Error("CRITICAL: failed to save state", zap.Error(err))
				}
			}
		case <-sm.stopChan:
			return
		}
	}
}

// processCommand applies one command. A panicking command is logged and the loop keeps running.
func (sm *StateManager) processCommand(cmd *Command) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("command %s panicked: %v", cmd.Name, r)
				sm.logger.Error("command panicked", zap.String("command", cmd.Name), zap.Any("panic", r), zap.Stack("stack"))
			}
		}()
		err = cmd.Apply(sm.state)
	}()
	if cmd.done != nil {
		cmd.done <- err
	}
	if cmd.readOnly {
		return
	}

	sm.state.LastUpdateTime = time.Now()

	// After processing, send a deep copy of the new state to the persistence channel.
	select {
	case sm.persistenceChan <- sm.state.Clone():
	default:
		sm.logger.Warn("persistence queue full, snapshot skipped", zap.String("command", cmd.Name))
	}
}
