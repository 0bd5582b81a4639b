package service

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/sigil/core"
	"github.com/layer-3/sigil/logging"
	"github.com/layer-3/sigil/ports"
)

// Executor submits calls made on behalf of an owner account with its session key.
// Submissions are never retried.
type Executor struct {
	manager  *Manager
	registry ports.DelegationRegistry
	signers ports.TransactorFactory
	waiter  ports.ReceiptWaiter
	metrics *Metrics
	logger  logging.Logger
}

// NewExecutor creates an executor that re-validates keys through manager
func NewExecutor(
	manager *Manager,
	registry ports.DelegationRegistry,
	signers ports.TransactorFactory,
	waiter ports.ReceiptWaiter,
	metrics *Metrics,
	logger logging.Logger,
) *Executor {
	return &Executor{
		manager:  manager,
		registry: registry,
		signers:  signers,
		waiter:   waiter,
		metrics:  metrics,
		logger:   logger,
	}
}

// Submit has the owner account call selector on target with the ABI-encoded args and
// value, authorized by the owner's session key, and waits for inclusion. The value is
// paid by the owner account.
func (e *Executor) Submit(ctx context.Context, owner, target common.Address, selector [4]byte, args []byte, value *big.Int) (hash common.Hash, err error) {
	defer func() { e.metrics.transaction(err) }()

	result, err := e.manager.Load(ctx, owner)
	if err != nil {
		return common.Hash{}, err
	}
	if result.Key == nil {
		return common.Hash{}, fmt.Errorf("%w: session key is %s", core.ErrNoActiveSessionKey, result.State)
	}
	key := result.Key

	if !key.Delegation.Permits(target, selector, value) {
		return common.Hash{}, fmt.Errorf("%w: %s on %s", core.ErrPolicyViolation, common.Bytes2Hex(selector[:]), target.Hex())
	}

	signer, err := crypto.ToECDSA(key.PrivateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: invalid session key: %v", core.ErrDecryptionFailed, err)
	}
	transactor := e.signers.ForKey(signer)

	data := make([]byte, 0, len(selector)+len(args))
	data = append(data, selector[:]...)
	data = append(data, args...)

	calldata, err := e.registry.ExecuteCalldata(key.Delegation, key.Hash, target, data, value)
	if err != nil {
		return common.Hash{}, err
	}

	tx, err := transactor.Transact(ctx, owner, calldata, nil)
	if err != nil {
		return common.Hash{}, err
	}
	if tx == nil {
		return common.Hash{}, fmt.Errorf("%w: no transaction was returned", core.ErrTransactionFailed)
	}

	log := e.logger.WithFields(logging.Fields{
		"owner":  owner.Hex(),
		"target": target.Hex(),
		"hash":   key.Hash.Hex(),
		"tx":     tx.Hash().Hex(),
		"value":  core.FormatEther(value),
	})
	log.Info("Delegated transaction sent")

	receipt, err := e.waiter.WaitMined(ctx, tx)
	if err != nil {
		return tx.Hash(), err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := e.waiter.RevertReason(ctx, transactor.From(), tx, receipt.BlockNumber)
		log.WithField("reason", reason).Warn("Delegated transaction reverted")
		return tx.Hash(), &core.TransactionError{
			TxHash: tx.Hash().Hex(),
			Reason: reason,
			Err:    core.ErrTransactionFailed,
		}
	}

	return tx.Hash(), nil
}
