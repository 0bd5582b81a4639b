package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/layer-3/sigil/core"
	"gopkg.in/yaml.v3"
)

// PolicyFile is the YAML form of the session-key policy set
type PolicyFile struct {
	ExpiresIn        string                 `yaml:"expires_in" validate:"required"`
	FeeLimit         LimitConfig            `yaml:"fee_limit"`
	CallPolicies     []CallPolicyConfig     `yaml:"call_policies" validate:"dive"`
	TransferPolicies []TransferPolicyConfig `yaml:"transfer_policies" validate:"dive"`
}

// LimitConfig is a usage limit. Amounts are base-10 wei strings.
type LimitConfig struct {
	Type   string `yaml:"type" validate:"omitempty,oneof=unlimited lifetime allowance"`
	Limit  string `yaml:"limit" validate:"omitempty,numeric"`
	Period string `yaml:"period" validate:"omitempty,numeric"`
}

// CallPolicyConfig permits one function on one contract.
// Selector is either 0x-prefixed 4-byte hex or a function signature such as "transfer(address,uint256)".
type CallPolicyConfig struct {
	Target         string             `yaml:"target" validate:"required,eth_addr"`
	Selector       string             `yaml:"selector" validate:"required"`
	MaxValuePerUse string             `yaml:"max_value_per_use" validate:"omitempty,numeric"`
	ValueLimit     LimitConfig        `yaml:"value_limit"`
	Constraints    []ConstraintConfig `yaml:"constraints" validate:"dive"`
}

// ConstraintConfig restricts one argument word of a permitted call
type ConstraintConfig struct {
	Condition string      `yaml:"condition" validate:"required,oneof=unconstrained equal greater less greater_or_equal less_or_equal not_equal"`
	Index     uint64      `yaml:"index"`
	RefValue  string      `yaml:"ref_value"`
	Limit     LimitConfig `yaml:"limit"`
}

// TransferPolicyConfig permits value transfers to one address
type TransferPolicyConfig struct {
	Target         string      `yaml:"target" validate:"required,eth_addr"`
	MaxValuePerUse string      `yaml:"max_value_per_use" validate:"omitempty,numeric"`
	ValueLimit     LimitConfig `yaml:"value_limit"`
}

var limitTypes = map[string]core.LimitType{
	"":          core.LimitUnlimited,
	"unlimited": core.LimitUnlimited,
	"lifetime":  core.LimitLifetime,
	"allowance": core.LimitAllowance,
}

var conditions = map[string]core.ConditionType{
	"unconstrained":    core.ConditionUnconstrained,
	"equal":            core.ConditionEqual,
	"greater":          core.ConditionGreater,
	"less":             core.ConditionLess,
	"greater_or_equal": core.ConditionGreaterOrEqual,
	"less_or_equal":    core.ConditionLessOrEqual,
	"not_equal":        core.ConditionNotEqual,
}

// LoadPolicy reads and converts a policy YAML file
func LoadPolicy(path string) (*core.PolicySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy converts policy YAML into a core.PolicySet
func ParsePolicy(data []byte) (*core.PolicySet, error) {
	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	v := validator.New()
	if err := v.Struct(&file); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", formatValidationErrors(err))
	}

	return file.PolicySet()
}

// PolicySet converts the validated file into domain types
func (f *PolicyFile) PolicySet() (*core.PolicySet, error) {
	expiresIn, err := time.ParseDuration(f.ExpiresIn)
	if err != nil || expiresIn <= 0 {
		return nil, fmt.Errorf("invalid policy: expires_in %q must be a positive duration", f.ExpiresIn)
	}

	set := &core.PolicySet{ExpiresIn: expiresIn}
	if set.FeeLimit, err = f.FeeLimit.limit(); err != nil {
		return nil, fmt.Errorf("invalid policy: fee_limit: %w", err)
	}

	for i, p := range f.CallPolicies {
		policy, err := p.callPolicy()
		if err != nil {
			return nil, fmt.Errorf("invalid policy: call_policies[%d]: %w", i, err)
		}
		set.CallPolicies = append(set.CallPolicies, policy)
	}

	for i, p := range f.TransferPolicies {
		maxValue, err := core.ParseUint(p.MaxValuePerUse)
		if err != nil {
			return nil, fmt.Errorf("invalid policy: transfer_policies[%d]: %w", i, err)
		}
		limit, err := p.ValueLimit.limit()
		if err != nil {
			return nil, fmt.Errorf("invalid policy: transfer_policies[%d]: %w", i, err)
		}
		set.TransferPolicies = append(set.TransferPolicies, core.TransferPolicy{
			Target:         common.HexToAddress(p.Target),
			MaxValuePerUse: maxValue,
			ValueLimit:     limit,
		})
	}

	return set, nil
}

func (p CallPolicyConfig) callPolicy() (core.CallPolicy, error) {
	selector, err := ParseSelector(p.Selector)
	if err != nil {
		return core.CallPolicy{}, err
	}
	maxValue, err := core.ParseUint(p.MaxValuePerUse)
	if err != nil {
		return core.CallPolicy{}, err
	}
	limit, err := p.ValueLimit.limit()
	if err != nil {
		return core.CallPolicy{}, err
	}

	policy := core.CallPolicy{
		Target:         common.HexToAddress(p.Target),
		Selector:       selector,
		MaxValuePerUse: maxValue,
		ValueLimit:     limit,
	}
	for j, c := range p.Constraints {
		ref, err := parseWord(c.RefValue)
		if err != nil {
			return core.CallPolicy{}, fmt.Errorf("constraints[%d]: %w", j, err)
		}
		climit, err := c.Limit.limit()
		if err != nil {
			return core.CallPolicy{}, fmt.Errorf("constraints[%d]: %w", j, err)
		}
		policy.Constraints = append(policy.Constraints, core.Constraint{
			Condition: conditions[c.Condition],
			Index:     c.Index,
			RefValue:  ref,
			Limit:     climit,
		})
	}
	return policy, nil
}

func (l LimitConfig) limit() (core.UsageLimit, error) {
	limitType, ok := limitTypes[l.Type]
	if !ok {
		return core.UsageLimit{}, fmt.Errorf("unknown limit type %q", l.Type)
	}
	amount, err := core.ParseUint(l.Limit)
	if err != nil {
		return core.UsageLimit{}, err
	}
	period, err := core.ParseUint(l.Period)
	if err != nil {
		return core.UsageLimit{}, err
	}
	if limitType == core.LimitAllowance && period.Sign() == 0 {
		return core.UsageLimit{}, fmt.Errorf("allowance limit needs a period")
	}
	return core.UsageLimit{LimitType: limitType, Limit: amount, Period: period}, nil
}

// ParseSelector accepts 0x-prefixed 4-byte hex or a canonical function signature
func ParseSelector(s string) ([4]byte, error) {
	var selector [4]byte
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		raw, err := hexutil.Decode(s)
		if err != nil || len(raw) != 4 {
			return selector, fmt.Errorf("selector %q must be 4 bytes of hex", s)
		}
		copy(selector[:], raw)
		return selector, nil
	}

	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.HasSuffix(s, ")") || strings.ContainsAny(s, " \t") {
		return selector, fmt.Errorf("selector %q is neither hex nor a function signature", s)
	}
	copy(selector[:], crypto.Keccak256([]byte(s))[:4])
	return selector, nil
}

// parseWord left-pads 0x-prefixed hex to a 32-byte calldata word
func parseWord(s string) ([32]byte, error) {
	var word [32]byte
	if s == "" {
		return word, nil
	}
	raw, err := hexutil.Decode(s)
	if err != nil || len(raw) > 32 {
		return word, fmt.Errorf("ref_value %q must be at most 32 bytes of hex", s)
	}
	copy(word[:], common.LeftPadBytes(raw, 32))
	return word, nil
}
