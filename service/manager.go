package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/sigil/core"
	"github.com/layer-3/sigil/logging"
	"github.com/layer-3/sigil/ports"
)

// Manager tracks the lifecycle state of each owner's session key and serializes the
// operations that move it between states
type Manager struct {
	vault     *Vault
	validator *Validator
	policy    core.PolicySet
	logger    logging.Logger

	mu     sync.Mutex
	states map[common.Address]core.KeyState
}

// NewManager creates a manager issuing keys for policy
func NewManager(vault *Vault, validator *Validator, policy core.PolicySet, logger logging.Logger) *Manager {
	return &Manager{
		vault:     vault,
		validator: validator,
		policy:    policy,
		logger:    logger,
		states:    make(map[common.Address]core.KeyState),
	}
}

// State returns the last known state of owner's session key
func (m *Manager) State(owner common.Address) core.KeyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(owner)
}

func (m *Manager) stateLocked(owner common.Address) core.KeyState {
	if s, ok := m.states[owner]; ok {
		return s
	}
	return core.KeyAbsent
}

// transition moves owner to state to. The caller must hold m.mu.
func (m *Manager) transition(owner common.Address, to core.KeyState) error {
	from := m.stateLocked(owner)
	if from != to && !core.CanTransition(from, to) {
		return fmt.Errorf("%w: %s to %s", core.ErrInvalidTransition, from, to)
	}
	m.set(owner, from, to)
	return nil
}

func (m *Manager) set(owner common.Address, from, to core.KeyState) {
	if to == core.KeyAbsent {
		delete(m.states, owner)
	} else {
		m.states[owner] = to
	}
	if from != to {
		m.logger.WithFields(logging.Fields{
			"owner": owner.Hex(),
			"from":  string(from),
			"to":    string(to),
		}).Debug("Session key state changed")
	}
}

// Load validates owner's stored session key and records the resulting state. While a
// create or revoke is in flight the state is left to that operation.
func (m *Manager) Load(ctx context.Context, owner common.Address) (*Validation, error) {
	result, err := m.validator.Load(ctx, owner)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.stateLocked(owner)
	switch from {
	case core.KeyCreating, core.KeyRevoking:
		return result, nil
	}
	if err := m.transition(owner, result.State); err != nil {
		// The record changed under another process; what is stored wins
		m.set(owner, from, result.State)
	}
	return result, nil
}

// Create registers a new session key for the owner. It fails with core.ErrCreateInProgress
// while another Create for the same owner is pending, and with core.ErrInvalidTransition
// when a usable key already exists.
func (m *Manager) Create(ctx context.Context, owner ports.Transactor) (*core.StoredSessionKey, error) {
	account := owner.From()

	if m.State(account) == core.KeyCreating {
		return nil, core.ErrCreateInProgress
	}
	// The cached state may predate a revocation or expiry on chain
	if _, err := m.Load(ctx, account); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.stateLocked(account) == core.KeyCreating {
		m.mu.Unlock()
		return nil, core.ErrCreateInProgress
	}
	if err := m.transition(account, core.KeyCreating); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	key, err := m.vault.Create(ctx, owner, m.policy)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		_ = m.transition(account, core.KeyAbsent)
		return nil, err
	}
	if err := m.transition(account, core.KeyActive); err != nil {
		return nil, err
	}
	return key, nil
}

// Revoke revokes owner's active session key on chain and removes it locally
func (m *Manager) Revoke(ctx context.Context, owner ports.Transactor) error {
	account := owner.From()

	result, err := m.Load(ctx, account)
	if err != nil {
		return err
	}
	if result.Key == nil {
		return core.ErrNoActiveSessionKey
	}

	m.mu.Lock()
	if err := m.transition(account, core.KeyRevoking); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	revokeErr := m.vault.Revoke(ctx, owner, result.Key)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.transition(account, core.KeyAbsent); err != nil {
		return err
	}
	return revokeErr
}
