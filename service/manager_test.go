package service

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/layer-3/sigil/core"
	"github.com/layer-3/sigil/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(f *vaultFixture) *Manager {
	return NewManager(f.vault, f.validator, testPolicy(), logging.Discard())
}

func TestManager_CreateAndRevoke(t *testing.T) {
	f := newVaultFixture(t, core.StatusActive)
	m := newTestManager(f)
	ctx := context.Background()

	assert.Equal(t, core.KeyAbsent, m.State(testOwner))

	key, err := m.Create(ctx, f.owner)
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, core.KeyActive, m.State(testOwner))

	_, err = m.Create(ctx, f.owner)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
	assert.Equal(t, core.KeyActive, m.State(testOwner))
	assert.Equal(t, 1, f.owner.sent())

	require.NoError(t, m.Revoke(ctx, f.owner))
	assert.Equal(t, core.KeyAbsent, m.State(testOwner))

	err = m.Revoke(ctx, f.owner)
	assert.ErrorIs(t, err, core.ErrNoActiveSessionKey)
}

func TestManager_CreateAfterKeyClosedOnChain(t *testing.T) {
	f := newVaultFixture(t, core.StatusActive)
	m := newTestManager(f)
	ctx := context.Background()

	first, err := m.Create(ctx, f.owner)
	require.NoError(t, err)
	require.Equal(t, core.KeyActive, m.State(testOwner))

	// Revoked from another client while this process still caches Active
	f.registry.setStatus(first.Hash, core.StatusClosed)

	second, err := m.Create(ctx, f.owner)
	require.NoError(t, err)
	assert.NotEqual(t, first.Hash, second.Hash)
	assert.Equal(t, core.KeyActive, m.State(testOwner))
	assert.Equal(t, 2, f.owner.sent())
}

func TestManager_ConcurrentCreate(t *testing.T) {
	f := newVaultFixture(t, core.StatusActive)
	m := newTestManager(f)
	ctx := context.Background()

	f.owner.block = make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := m.Create(ctx, f.owner)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return m.State(testOwner) == core.KeyCreating
	}, time.Second, time.Millisecond)

	_, err := m.Create(ctx, f.owner)
	assert.ErrorIs(t, err, core.ErrCreateInProgress)

	close(f.owner.block)
	require.NoError(t, <-done)
	assert.Equal(t, core.KeyActive, m.State(testOwner))
	assert.Equal(t, 1, f.owner.sent())
}

func TestManager_FailedCreate(t *testing.T) {
	f := newVaultFixture(t, core.StatusActive)
	m := newTestManager(f)
	f.owner.err = errors.New("insufficient funds")

	_, err := m.Create(context.Background(), f.owner)
	assert.ErrorIs(t, err, core.ErrDelegationNotCreated)
	assert.Equal(t, core.KeyAbsent, m.State(testOwner))

	f.owner.err = nil
	_, err = m.Create(context.Background(), f.owner)
	assert.NoError(t, err, "a failed create can be retried")
}

func TestManager_RevokeFailureStillPurges(t *testing.T) {
	f := newVaultFixture(t, core.StatusActive)
	m := newTestManager(f)
	ctx := context.Background()

	_, err := m.Create(ctx, f.owner)
	require.NoError(t, err)

	f.waiter.err = core.ErrInclusionTimeout
	err = m.Revoke(ctx, f.owner)
	assert.ErrorIs(t, err, core.ErrRevocationFailed)
	assert.Equal(t, core.KeyAbsent, m.State(testOwner))
}

func TestManager_LoadTracksStoredState(t *testing.T) {
	f := newVaultFixture(t, core.StatusActive)
	m := newTestManager(f)
	ctx := context.Background()

	_, err := m.Create(ctx, f.owner)
	require.NoError(t, err)

	// Another deployment rolled out a new policy
	stale := testPolicy()
	stale.CallPolicies[0].MaxValuePerUse = big.NewInt(1)
	f.validator.cfg.Policy = stale

	result, err := m.Load(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, core.KeyPolicyStale, result.State)
	assert.Equal(t, core.KeyPolicyStale, m.State(testOwner))

	result, err = m.Load(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, core.KeyAbsent, result.State)
	assert.Equal(t, core.KeyAbsent, m.State(testOwner))
}

func TestManager_LoadDiscoversExistingKey(t *testing.T) {
	f := newVaultFixture(t, core.StatusActive)
	ctx := context.Background()
	_, err := f.vault.Create(ctx, f.owner, testPolicy())
	require.NoError(t, err)

	m := newTestManager(f)
	result, err := m.Load(ctx, testOwner)
	require.NoError(t, err)
	assert.Equal(t, core.KeyActive, result.State)
	assert.Equal(t, core.KeyActive, m.State(testOwner))
}
