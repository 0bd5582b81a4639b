package core

import "time"

// PolicySet is the session-key policy currently configured by the application
type PolicySet struct {
	ExpiresIn        time.Duration
	FeeLimit         UsageLimit
	CallPolicies     []CallPolicy
	TransferPolicies []TransferPolicy
}

// KeyState is the lifecycle state of an identity's session key
type KeyState string

const (
	KeyAbsent       KeyState = "absent"
	KeyCreating     KeyState = "creating"
	KeyActive       KeyState = "active"
	KeyPolicyStale  KeyState = "policy_stale"
	KeyChainInvalid KeyState = "chain_invalid"
	KeyRevoking     KeyState = "revoking"
)

var keyTransitions = map[KeyState][]KeyState{
	KeyAbsent:       {KeyCreating, KeyActive, KeyPolicyStale, KeyChainInvalid},
	KeyCreating:     {KeyActive, KeyAbsent},
	KeyActive:       {KeyActive, KeyPolicyStale, KeyChainInvalid, KeyRevoking, KeyAbsent},
	KeyPolicyStale:  {KeyAbsent, KeyCreating},
	KeyChainInvalid: {KeyAbsent, KeyCreating},
	KeyRevoking:     {KeyAbsent},
}

// CanTransition reports whether the lifecycle allows moving from one state to another
func CanTransition(from, to KeyState) bool {
	for _, s := range keyTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
