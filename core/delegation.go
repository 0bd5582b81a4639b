package core

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DelegationStatus mirrors the on-chain session status enum
type DelegationStatus uint8

const (
	StatusNotInitialized DelegationStatus = iota
	StatusActive
	StatusClosed
	StatusExpired
)

func (s DelegationStatus) String() string {
	switch s {
	case StatusNotInitialized:
		return "NotInitialized"
	case StatusActive:
		return "Active"
	case StatusClosed:
		return "Closed"
	case StatusExpired:
		return "Expired"
	default:
		return "Unknown"
	}
}

// LimitType selects how a UsageLimit is enforced on chain
type LimitType uint8

const (
	LimitUnlimited LimitType = iota
	LimitLifetime
	LimitAllowance
)

// ConditionType is the comparison a call constraint applies to a calldata word
type ConditionType uint8

const (
	ConditionUnconstrained ConditionType = iota
	ConditionEqual
	ConditionGreater
	ConditionLess
	ConditionGreaterOrEqual
	ConditionLessOrEqual
	ConditionNotEqual
)

// UsageLimit bounds a value over the lifetime of a delegation or per period
type UsageLimit struct {
	LimitType LimitType
	Limit     *big.Int
	Period    *big.Int
}

// Constraint restricts one 32-byte argument word of a permitted call
type Constraint struct {
	Condition ConditionType
	Index     uint64
	RefValue  [32]byte
	Limit     UsageLimit
}

// CallPolicy permits calling Selector on Target within the given value limits
type CallPolicy struct {
	Target         common.Address
	Selector       [4]byte
	MaxValuePerUse *big.Int
	ValueLimit     UsageLimit
	Constraints    []Constraint
}

// TransferPolicy permits plain value transfers to Target
type TransferPolicy struct {
	Target         common.Address
	MaxValuePerUse *big.Int
	ValueLimit     UsageLimit
}

// Delegation is the on-chain authorization of an ephemeral signer.
// It is addressed by the hash of its content and never mutated.
type Delegation struct {
	Signer           common.Address
	ExpiresAt        time.Time
	FeeLimit         UsageLimit
	CallPolicies     []CallPolicy
	TransferPolicies []TransferPolicy
}

// StoredSessionKey is a delegation together with the ephemeral signer's secret
type StoredSessionKey struct {
	Owner      common.Address
	Hash       common.Hash
	Delegation Delegation
	PrivateKey []byte
	CreatedAt  time.Time
}

// Expired reports whether the delegation's own expiry has passed
func (k *StoredSessionKey) Expired(now time.Time) bool {
	return !k.Delegation.ExpiresAt.After(now)
}

// Permits reports whether the delegation allows calling selector on target with value
func (d Delegation) Permits(target common.Address, selector [4]byte, value *big.Int) bool {
	if value == nil {
		value = new(big.Int)
	}
	for _, p := range d.CallPolicies {
		if p.Target != target || p.Selector != selector {
			continue
		}
		return value.Cmp(normalize(p.MaxValuePerUse)) <= 0
	}
	return false
}

// EqualCallPolicies compares two policy lists element by element, in order.
// Absent numeric values compare equal to zero.
func EqualCallPolicies(a, b []CallPolicy) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !equalCallPolicy(a[i], b[i]) {
			return false
		}
	}
	return true
}

func equalCallPolicy(a, b CallPolicy) bool {
	if a.Target != b.Target || a.Selector != b.Selector {
		return false
	}
	if !equalBig(a.MaxValuePerUse, b.MaxValuePerUse) || !equalLimit(a.ValueLimit, b.ValueLimit) {
		return false
	}
	if len(a.Constraints) != len(b.Constraints) {
		return false
	}
	for i := range a.Constraints {
		ca, cb := a.Constraints[i], b.Constraints[i]
		if ca.Condition != cb.Condition || ca.Index != cb.Index || ca.RefValue != cb.RefValue {
			return false
		}
		if !equalLimit(ca.Limit, cb.Limit) {
			return false
		}
	}
	return true
}

func equalLimit(a, b UsageLimit) bool {
	return a.LimitType == b.LimitType && equalBig(a.Limit, b.Limit) && equalBig(a.Period, b.Period)
}

func equalBig(a, b *big.Int) bool {
	return normalize(a).Cmp(normalize(b)) == 0
}

func normalize(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
