package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/sigil/core"
	"github.com/layer-3/sigil/ports"
	"github.com/layer-3/sigil/retry"
)

const usageLimitComponents = `[{"name":"limitType","type":"uint8"},{"name":"limit","type":"uint256"},{"name":"period","type":"uint256"}]`

const sessionComponents = `[
  {"name":"signer","type":"address"},
  {"name":"expiresAt","type":"uint256"},
  {"name":"feeLimit","type":"tuple","components":` + usageLimitComponents + `},
  {"name":"callPolicies","type":"tuple[]","components":[
   {"name":"target","type":"address"},
   {"name":"selector","type":"bytes4"},
   {"name":"maxValuePerUse","type":"uint256"},
   {"name":"valueLimit","type":"tuple","components":` + usageLimitComponents + `},
   {"name":"constraints","type":"tuple[]","components":[
    {"name":"condition","type":"uint8"},
    {"name":"index","type":"uint64"},
    {"name":"refValue","type":"bytes32"},
    {"name":"limit","type":"tuple","components":` + usageLimitComponents + `}]}]},
  {"name":"transferPolicies","type":"tuple[]","components":[
   {"name":"target","type":"address"},
   {"name":"maxValuePerUse","type":"uint256"},
   {"name":"valueLimit","type":"tuple","components":` + usageLimitComponents + `}]}]`

// RegistryABI is the session-key validator interface the registry adapter speaks
var RegistryABI = `[
{"type":"function","name":"createSession","stateMutability":"nonpayable","outputs":[],
 "inputs":[{"name":"sessionSpec","type":"tuple","components":` + sessionComponents + `}]},
{"type":"function","name":"revokeKey","stateMutability":"nonpayable","outputs":[],
 "inputs":[{"name":"sessionHash","type":"bytes32"}]},
{"type":"function","name":"sessionStatus","stateMutability":"view",
 "inputs":[{"name":"account","type":"address"},{"name":"sessionHash","type":"bytes32"}],
 "outputs":[{"name":"","type":"uint8"}]}
]`

// AccountABI is the owner account entry point for calls made with a session key. The
// account checks that the sender is the session signer and applies the session's limits
// before forwarding the call.
var AccountABI = `[
{"type":"function","name":"executeSession","stateMutability":"nonpayable","outputs":[{"name":"","type":"bytes"}],
 "inputs":[
  {"name":"sessionHash","type":"bytes32"},
  {"name":"sessionSpec","type":"tuple","components":` + sessionComponents + `},
  {"name":"target","type":"address"},
  {"name":"value","type":"uint256"},
  {"name":"data","type":"bytes"}]}
]`

var (
	registryABI = mustParseABI(RegistryABI)
	accountABI  = mustParseABI(AccountABI)
)

// ABI mirrors of the core delegation types. Field names follow the tuple component names.
type usageLimit struct {
	LimitType uint8
	Limit     *big.Int
	Period    *big.Int
}

type constraint struct {
	Condition uint8
	Index     uint64
	RefValue  [32]byte
	Limit     usageLimit
}

type callSpec struct {
	Target         common.Address
	Selector       [4]byte
	MaxValuePerUse *big.Int
	ValueLimit     usageLimit
	Constraints    []constraint
}

type transferSpec struct {
	Target         common.Address
	MaxValuePerUse *big.Int
	ValueLimit     usageLimit
}

type sessionSpec struct {
	Signer           common.Address
	ExpiresAt        *big.Int
	FeeLimit         usageLimit
	CallPolicies     []callSpec
	TransferPolicies []transferSpec
}

// Registry implements ports.DelegationRegistry against a deployed session-key validator
type Registry struct {
	address common.Address
	caller  ContractCaller
}

var _ ports.DelegationRegistry = (*Registry)(nil)

// ContractCaller performs read-only contract calls
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// NewRegistry binds the registry at address
func NewRegistry(address common.Address, caller ContractCaller) *Registry {
	return &Registry{
		address: address,
		caller:  caller,
	}
}

// Address returns the registry contract address
func (r *Registry) Address() common.Address {
	return r.address
}

// Hash returns keccak256(abi.encode(session)), the on-chain identity of a delegation
func (r *Registry) Hash(d core.Delegation) (common.Hash, error) {
	encoded, err := registryABI.Methods["createSession"].Inputs.Pack(toSessionSpec(d))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode session: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

// CreateCalldata encodes createSession(session)
func (r *Registry) CreateCalldata(d core.Delegation) ([]byte, error) {
	data, err := registryABI.Pack("createSession", toSessionSpec(d))
	if err != nil {
		return nil, fmt.Errorf("failed to pack createSession: %w", err)
	}
	return data, nil
}

// RevokeCalldata encodes revokeKey(hash)
func (r *Registry) RevokeCalldata(hash common.Hash) ([]byte, error) {
	data, err := registryABI.Pack("revokeKey", [32]byte(hash))
	if err != nil {
		return nil, fmt.Errorf("failed to pack revokeKey: %w", err)
	}
	return data, nil
}

// ExecuteCalldata encodes executeSession on the owner account, running data on target
// with value under the delegation identified by hash
func (r *Registry) ExecuteCalldata(d core.Delegation, hash common.Hash, target common.Address, data []byte, value *big.Int) ([]byte, error) {
	packed, err := accountABI.Pack("executeSession", [32]byte(hash), toSessionSpec(d), target, orZero(value), data)
	if err != nil {
		return nil, fmt.Errorf("failed to pack executeSession: %w", err)
	}
	return packed, nil
}

// Status reads the delegation status at the latest block. Reverts are returned as
// permanent errors so callers do not retry them.
func (r *Registry) Status(ctx context.Context, account common.Address, hash common.Hash) (core.DelegationStatus, error) {
	data, err := registryABI.Pack("sessionStatus", account, [32]byte(hash))
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("failed to pack sessionStatus: %w", err))
	}

	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: data}, nil)
	if err != nil {
		if IsRevert(err) {
			return 0, retry.Permanent(fmt.Errorf("sessionStatus reverted: %w", err))
		}
		return 0, fmt.Errorf("sessionStatus call failed: %w", err)
	}

	values, err := registryABI.Unpack("sessionStatus", out)
	if err != nil || len(values) != 1 {
		return 0, retry.Permanent(fmt.Errorf("failed to decode sessionStatus: %v", err))
	}
	status, ok := values[0].(uint8)
	if !ok || status > uint8(core.StatusExpired) {
		return 0, retry.Permanent(fmt.Errorf("unexpected session status %v", values[0]))
	}

	return core.DelegationStatus(status), nil
}

func toSessionSpec(d core.Delegation) sessionSpec {
	session := sessionSpec{
		Signer:           d.Signer,
		ExpiresAt:        big.NewInt(d.ExpiresAt.Unix()),
		FeeLimit:         toUsageLimit(d.FeeLimit),
		CallPolicies:     make([]callSpec, 0, len(d.CallPolicies)),
		TransferPolicies: make([]transferSpec, 0, len(d.TransferPolicies)),
	}
	for _, p := range d.CallPolicies {
		cs := callSpec{
			Target:         p.Target,
			Selector:       p.Selector,
			MaxValuePerUse: orZero(p.MaxValuePerUse),
			ValueLimit:     toUsageLimit(p.ValueLimit),
			Constraints:    make([]constraint, 0, len(p.Constraints)),
		}
		for _, c := range p.Constraints {
			cs.Constraints = append(cs.Constraints, constraint{
				Condition: uint8(c.Condition),
				Index:     c.Index,
				RefValue:  c.RefValue,
				Limit:     toUsageLimit(c.Limit),
			})
		}
		session.CallPolicies = append(session.CallPolicies, cs)
	}
	for _, p := range d.TransferPolicies {
		session.TransferPolicies = append(session.TransferPolicies, transferSpec{
			Target:         p.Target,
			MaxValuePerUse: orZero(p.MaxValuePerUse),
			ValueLimit:     toUsageLimit(p.ValueLimit),
		})
	}
	return session
}

func toUsageLimit(l core.UsageLimit) usageLimit {
	return usageLimit{
		LimitType: uint8(l.LimitType),
		Limit:     orZero(l.Limit),
		Period:    orZero(l.Period),
	}
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
