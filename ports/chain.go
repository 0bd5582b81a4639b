package ports

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/layer-3/sigil/core"
)

// ChainClient is the subset of an Ethereum RPC client the service depends on.
// *ethclient.Client satisfies it.
type ChainClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Transactor signs and broadcasts transactions from a single account
type Transactor interface {
	From() common.Address
	Transact(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Transaction, error)
}

// TransactorFactory builds a Transactor for a raw private key
type TransactorFactory interface {
	ForKey(key *ecdsa.PrivateKey) Transactor
}

// ReceiptWaiter waits for inclusion and explains failures
type ReceiptWaiter interface {
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	RevertReason(ctx context.Context, from common.Address, tx *types.Transaction, block *big.Int) string
}

// DelegationRegistry encodes calls to, and reads from, the session-key registry contract
type DelegationRegistry interface {
	Address() common.Address
	Hash(d core.Delegation) (common.Hash, error)
	CreateCalldata(d core.Delegation) ([]byte, error)
	RevokeCalldata(hash common.Hash) ([]byte, error)
	// ExecuteCalldata encodes the owner account call that runs data on target under d
	ExecuteCalldata(d core.Delegation, hash common.Hash, target common.Address, data []byte, value *big.Int) ([]byte, error)
	Status(ctx context.Context, account common.Address, hash common.Hash) (core.DelegationStatus, error)
}
