package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/skylarkhq/mailsync-infra/internal/logging"
	"github.com/skylarkhq/mailsync-infra/internal/store"
)

// ManagerConfig holds the knobs shared by all runners a Manager starts.
type ManagerConfig struct {
	Interval      time.Duration
	PushTopic     string
	RenewalMargin time.Duration
}

// runnerHandle identifies one started runner. The goroutine's exit cleanup
// compares handle identity before removing its map entry, so a stop/start
// pair racing against a winding-down runner cannot unregister the
// replacement runner.
type runnerHandle struct {
	cancel context.CancelFunc
}

// Manager owns the background runners, one per watched account. Runners for
// different accounts are fully independent; the manager only serializes
// start/stop bookkeeping.
type Manager struct {
	engine *Engine
	store  *store.Store
	cfg    ManagerConfig

	runners      map[string]*runnerHandle
	runnersMutex sync.RWMutex
}

// NewManager creates a runner manager.
func NewManager(engine *Engine, st *store.Store, cfg ManagerConfig) *Manager {
	return &Manager{
		engine:  engine,
		store:   st,
		cfg:     cfg,
		runners: make(map[string]*runnerHandle),
	}
}

// StartWatch starts a background runner for an account.
func (m *Manager) StartWatch(ctx context.Context, accountID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if _, exists := m.runners[accountID]; exists {
		return fmt.Errorf("sync already running for account %s", accountID)
	}

	runner := &Runner{
		Engine:        m.engine,
		Store:         m.store,
		AccountID:     accountID,
		Interval:      m.cfg.Interval,
		PushTopic:     m.cfg.PushTopic,
		RenewalMargin: m.cfg.RenewalMargin,
	}

	runnerCtx, cancel := context.WithCancel(ctx)
	handle := &runnerHandle{cancel: cancel}
	m.runners[accountID] = handle

	log := logging.For("manager")
	go func() {
		log.WithField("account_id", accountID).Info("watch start")
		runner.Run(runnerCtx)

		m.runnersMutex.Lock()
		if m.runners[accountID] == handle {
			delete(m.runners, accountID)
		}
		m.runnersMutex.Unlock()
		log.WithField("account_id", accountID).Info("watch stop")
	}()

	return nil
}

// StopWatch stops the runner for an account.
func (m *Manager) StopWatch(accountID string) error {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	handle, exists := m.runners[accountID]
	if !exists {
		return fmt.Errorf("no sync running for account %s", accountID)
	}

	handle.cancel()
	delete(m.runners, accountID)
	return nil
}

// IsRunning reports whether an account has an active runner.
func (m *Manager) IsRunning(accountID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[accountID]
	return exists
}

// StopAll cancels every runner.
func (m *Manager) StopAll() {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	for _, handle := range m.runners {
		handle.cancel()
	}
	m.runners = make(map[string]*runnerHandle)
}

// RunningAccounts lists the accounts with active runners.
func (m *Manager) RunningAccounts() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	var accounts []string
	for accountID := range m.runners {
		accounts = append(accounts, accountID)
	}
	return accounts
}
