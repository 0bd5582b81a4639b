// Package chain adapts an Ethereum JSON-RPC endpoint to the ports the session-key
// services depend on: transaction signing, inclusion waits, revert decoding and the
// session-key registry contract.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/layer-3/sigil/core"
	"github.com/layer-3/sigil/ports"
	"github.com/layer-3/sigil/retry"
)

const (
	// DefaultWaitTimeout bounds how long a transaction may take to be included
	DefaultWaitTimeout = 10 * time.Second

	// DefaultPollInterval is the receipt polling period
	DefaultPollInterval = 250 * time.Millisecond

	genericRevertReason = "transaction reverted without a reason"
)

// Backend implements ports.TransactorFactory and ports.ReceiptWaiter
type Backend struct {
	client       ports.ChainClient
	chainID      *big.Int
	reads        retry.Config
	waitTimeout  time.Duration
	pollInterval time.Duration
}

var (
	_ ports.TransactorFactory = (*Backend)(nil)
	_ ports.ReceiptWaiter     = (*Backend)(nil)
)

// Option configures a Backend
type Option func(*Backend)

// WithWait overrides the inclusion timeout and polling interval
func WithWait(timeout, poll time.Duration) Option {
	return func(b *Backend) {
		if timeout > 0 {
			b.waitTimeout = timeout
		}
		if poll > 0 {
			b.pollInterval = poll
		}
	}
}

// WithReadRetry overrides the retry policy of read-only calls
func WithReadRetry(cfg retry.Config) Option {
	return func(b *Backend) {
		b.reads = cfg
	}
}

// NewBackend creates a backend for the chain identified by chainID
func NewBackend(client ports.ChainClient, chainID int64, opts ...Option) *Backend {
	b := &Backend{
		client:       client,
		chainID:      big.NewInt(chainID),
		reads:        retry.DefaultReadConfig(),
		waitTimeout:  DefaultWaitTimeout,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial connects to rpcURL and checks that it serves the expected chain
func Dial(ctx context.Context, rpcURL string, expectedChainID int64) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read chain id: %w", err)
	}
	if chainID.Int64() != expectedChainID {
		client.Close()
		return nil, &core.ConfigError{
			Field:  "chain_id",
			Reason: fmt.Sprintf("is %d but the rpc endpoint serves chain %s", expectedChainID, chainID),
		}
	}

	return client, nil
}

// ForKey returns a Transactor signing with key
func (b *Backend) ForKey(key *ecdsa.PrivateKey) ports.Transactor {
	return &KeyTransactor{backend: b, key: key}
}

// WaitMined polls for the receipt of tx until it is included or the wait timeout passes
func (b *Backend) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, b.waitTimeout)
	defer cancel()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := b.client.TransactionReceipt(waitCtx, tx.Hash())
		if err == nil && receipt != nil {
			return receipt, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s", core.ErrInclusionTimeout, tx.Hash().Hex())
		case <-ticker.C:
		}
	}
}

// RevertReason re-simulates tx at block and decodes the revert reason.
// It never fails: when simulation gives nothing useful a generic reason is returned.
func (b *Backend) RevertReason(ctx context.Context, from common.Address, tx *types.Transaction, block *big.Int) string {
	msg := ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}

	_, err := b.client.CallContract(ctx, msg, block)
	if err == nil {
		return genericRevertReason
	}
	return DecodeRevert(err)
}

// KeyTransactor signs EIP-1559 transactions with a single key
type KeyTransactor struct {
	backend *Backend
	key     *ecdsa.PrivateKey
}

// From returns the signing address
func (t *KeyTransactor) From() common.Address {
	return crypto.PubkeyToAddress(t.key.PublicKey)
}

// Transact estimates, signs and broadcasts a call. Fee and nonce lookups are retried;
// the broadcast itself is not.
func (t *KeyTransactor) Transact(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Transaction, error) {
	b := t.backend
	from := t.From()
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := retry.Do(ctx, retry.NewReadPolicy[uint64](b.reads), func() (uint64, error) {
		return b.client.PendingNonceAt(ctx, from)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}

	tip, err := retry.Do(ctx, retry.NewReadPolicy[*big.Int](b.reads), func() (*big.Int, error) {
		return b.client.SuggestGasTipCap(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to suggest tip: %w", err)
	}

	head, err := retry.Do(ctx, retry.NewReadPolicy[*types.Header](b.reads), func() (*types.Header, error) {
		return b.client.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := retry.Do(ctx, retry.NewReadPolicy[uint64](b.reads), func() (uint64, error) {
		gas, err := b.client.EstimateGas(ctx, ethereum.CallMsg{
			From:      from,
			To:        &to,
			GasFeeCap: feeCap,
			GasTipCap: tip,
			Value:     value,
			Data:      data,
		})
		if err != nil && IsRevert(err) {
			return 0, retry.Permanent(err)
		}
		return gas, err
	})
	if err != nil {
		if IsRevert(err) {
			return nil, &core.TransactionError{Reason: DecodeRevert(err), Err: core.ErrTransactionFailed}
		}
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas * 12 / 10,
		To:        &to,
		Value:     value,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(b.chainID), t.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := b.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}

	return signed, nil
}

// IsRevert reports whether err is an execution revert reported by the node
func IsRevert(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}

// DecodeRevert extracts a human-readable reason from a revert error
func DecodeRevert(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if hexData, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(hexData); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason
				}
			}
		}
	}

	const marker = "execution reverted: "
	if i := strings.Index(err.Error(), marker); i >= 0 {
		if reason := strings.TrimSpace(err.Error()[i+len(marker):]); reason != "" {
			return reason
		}
	}

	return genericRevertReason
}
