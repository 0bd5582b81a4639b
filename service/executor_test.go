package service

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/sigil/core"
	"github.com/layer-3/sigil/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type executorFixture struct {
	*vaultFixture
	signers  *fakeFactory
	waiter   *fakeWaiter
	metrics  *Metrics
	executor *Executor
	key      *core.StoredSessionKey
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	f := &executorFixture{
		vaultFixture: newVaultFixture(t, core.StatusActive),
		signers:      &fakeFactory{},
		waiter:       &fakeWaiter{},
		metrics:      NewMetrics(prometheus.NewRegistry()),
	}

	key, err := f.vault.Create(context.Background(), f.owner, testPolicy())
	require.NoError(t, err)
	f.key = key

	m := NewManager(f.vault, f.validator, testPolicy(), logging.Discard())
	f.executor = NewExecutor(m, f.registry, f.signers, f.waiter, f.metrics, logging.Discard())
	return f
}

func TestExecutor_Submit(t *testing.T) {
	f := newExecutorFixture(t)
	args := common.LeftPadBytes(big.NewInt(10).Bytes(), 32)

	hash, err := f.executor.Submit(context.Background(), testOwner, testTarget, transferSel, args, big.NewInt(100))
	require.NoError(t, err)
	assert.NotEqual(t, common.Hash{}, hash)

	require.NotNil(t, f.signers.last)
	assert.Equal(t, f.key.Delegation.Signer, crypto.PubkeyToAddress(f.signers.key.PublicKey), "signed by the session key")
	require.Equal(t, 1, f.signers.last.sent())

	sent := f.signers.last
	assert.Equal(t, testOwner, sent.tos[0], "sent to the owner account")
	assert.Nil(t, sent.values[0], "value is paid by the owner account")

	want, err := f.registry.ExecuteCalldata(f.key.Delegation, f.key.Hash, testTarget, append(transferSel[:], args...), big.NewInt(100))
	require.NoError(t, err)
	data := sent.calls[0]
	assert.Equal(t, want, data)
	assert.True(t, bytes.Contains(data, f.key.Hash.Bytes()), "carries the delegation hash")
	require.Len(t, f.waiter.mined, 1)
	assert.Equal(t, hash, f.waiter.mined[0].Hash())

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.transactions.WithLabelValues("ok")))
}

func TestExecutor_PolicyViolation(t *testing.T) {
	tests := []struct {
		name     string
		target   common.Address
		selector [4]byte
		value    *big.Int
	}{
		{"unknown target", common.HexToAddress("0x4444444444444444444444444444444444444444"), transferSel, nil},
		{"unknown selector", testTarget, [4]byte{0x09, 0x5e, 0xa7, 0xb3}, nil},
		{"value above per-use cap", testTarget, transferSel, big.NewInt(1001)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newExecutorFixture(t)
			_, err := f.executor.Submit(context.Background(), testOwner, tt.target, tt.selector, nil, tt.value)
			assert.ErrorIs(t, err, core.ErrPolicyViolation)
			assert.Nil(t, f.signers.last, "nothing is signed")
		})
	}
}

func TestExecutor_NoActiveKey(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.vault.Purge(context.Background(), testOwner))

	_, err := f.executor.Submit(context.Background(), testOwner, testTarget, transferSel, nil, nil)
	assert.ErrorIs(t, err, core.ErrNoActiveSessionKey)
}

func TestExecutor_Reverted(t *testing.T) {
	f := newExecutorFixture(t)
	f.waiter.reverted = true
	f.waiter.reason = "ERC20: transfer amount exceeds balance"

	hash, err := f.executor.Submit(context.Background(), testOwner, testTarget, transferSel, nil, nil)
	assert.ErrorIs(t, err, core.ErrTransactionFailed)
	var txErr *core.TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "ERC20: transfer amount exceeds balance", txErr.Reason)
	assert.Equal(t, hash.Hex(), txErr.TxHash)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.transactions.WithLabelValues(string(core.KindTransaction))))
}

func TestExecutor_NoTransaction(t *testing.T) {
	f := newExecutorFixture(t)
	f.signers.nilTx = true

	_, err := f.executor.Submit(context.Background(), testOwner, testTarget, transferSel, nil, nil)
	assert.ErrorIs(t, err, core.ErrTransactionFailed)
	assert.Empty(t, f.waiter.mined)
}

func TestExecutor_InclusionTimeout(t *testing.T) {
	f := newExecutorFixture(t)
	f.waiter.err = core.ErrInclusionTimeout

	hash, err := f.executor.Submit(context.Background(), testOwner, testTarget, transferSel, nil, nil)
	assert.ErrorIs(t, err, core.ErrInclusionTimeout)
	assert.NotEqual(t, common.Hash{}, hash, "the sent transaction is still reported")
}
