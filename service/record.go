package service

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/layer-3/sigil/core"
)

// Stored session keys are JSON with every big integer as a base-10 string and every
// byte string as 0x-prefixed hex, sealed with AES-256-GCM under the owner's key.

type limitRecord struct {
	LimitType uint8  `json:"limitType"`
	Limit     string `json:"limit"`
	Period    string `json:"period"`
}

type constraintRecord struct {
	Condition uint8       `json:"condition"`
	Index     string      `json:"index"`
	RefValue  string      `json:"refValue"`
	Limit     limitRecord `json:"limit"`
}

type callPolicyRecord struct {
	Target         string             `json:"target"`
	Selector       string             `json:"selector"`
	MaxValuePerUse string             `json:"maxValuePerUse"`
	ValueLimit     limitRecord        `json:"valueLimit"`
	Constraints    []constraintRecord `json:"constraints"`
}

type transferPolicyRecord struct {
	Target         string      `json:"target"`
	MaxValuePerUse string      `json:"maxValuePerUse"`
	ValueLimit     limitRecord `json:"valueLimit"`
}

type delegationRecord struct {
	Signer           string                 `json:"signer"`
	ExpiresAt        int64                  `json:"expiresAt"`
	FeeLimit         limitRecord            `json:"feeLimit"`
	CallPolicies     []callPolicyRecord     `json:"callPolicies"`
	TransferPolicies []transferPolicyRecord `json:"transferPolicies"`
}

type sessionKeyRecord struct {
	Owner      string           `json:"owner"`
	Hash       string           `json:"hash"`
	PrivateKey string           `json:"privateKey"`
	CreatedAt  int64            `json:"createdAt"`
	Delegation delegationRecord `json:"delegation"`
}

// sealedRecord is the stored envelope; KeyID names the encryption key it was sealed with
type sealedRecord struct {
	Version int    `json:"v"`
	KeyID   string `json:"kid"`
	Data    string `json:"data"`
}

// encryptionKey is the per-identity symmetric key as stored
type encryptionKey struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

func marshalSessionKey(k *core.StoredSessionKey) ([]byte, error) {
	rec := sessionKeyRecord{
		Owner:      k.Owner.Hex(),
		Hash:       k.Hash.Hex(),
		PrivateKey: hexutil.Encode(k.PrivateKey),
		CreatedAt:  k.CreatedAt.Unix(),
		Delegation: delegationRecord{
			Signer:           k.Delegation.Signer.Hex(),
			ExpiresAt:        k.Delegation.ExpiresAt.Unix(),
			FeeLimit:         toLimitRecord(k.Delegation.FeeLimit),
			CallPolicies:     make([]callPolicyRecord, 0, len(k.Delegation.CallPolicies)),
			TransferPolicies: make([]transferPolicyRecord, 0, len(k.Delegation.TransferPolicies)),
		},
	}

	for _, p := range k.Delegation.CallPolicies {
		cp := callPolicyRecord{
			Target:         p.Target.Hex(),
			Selector:       hexutil.Encode(p.Selector[:]),
			MaxValuePerUse: core.FormatUint(p.MaxValuePerUse),
			ValueLimit:     toLimitRecord(p.ValueLimit),
			Constraints:    make([]constraintRecord, 0, len(p.Constraints)),
		}
		for _, c := range p.Constraints {
			cp.Constraints = append(cp.Constraints, constraintRecord{
				Condition: uint8(c.Condition),
				Index:     strconv.FormatUint(c.Index, 10),
				RefValue:  hexutil.Encode(c.RefValue[:]),
				Limit:     toLimitRecord(c.Limit),
			})
		}
		rec.Delegation.CallPolicies = append(rec.Delegation.CallPolicies, cp)
	}

	for _, p := range k.Delegation.TransferPolicies {
		rec.Delegation.TransferPolicies = append(rec.Delegation.TransferPolicies, transferPolicyRecord{
			Target:         p.Target.Hex(),
			MaxValuePerUse: core.FormatUint(p.MaxValuePerUse),
			ValueLimit:     toLimitRecord(p.ValueLimit),
		})
	}

	return json.Marshal(rec)
}

func unmarshalSessionKey(data []byte) (*core.StoredSessionKey, error) {
	var rec sessionKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}

	for _, addr := range []string{rec.Owner, rec.Delegation.Signer} {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid address %q", addr)
		}
	}
	hash, err := hexutil.Decode(rec.Hash)
	if err != nil || len(hash) != common.HashLength {
		return nil, fmt.Errorf("invalid hash %q", rec.Hash)
	}
	privateKey, err := hexutil.Decode(rec.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	feeLimit, err := fromLimitRecord(rec.Delegation.FeeLimit)
	if err != nil {
		return nil, err
	}

	k := &core.StoredSessionKey{
		Owner:      common.HexToAddress(rec.Owner),
		Hash:       common.BytesToHash(hash),
		PrivateKey: privateKey,
		CreatedAt:  time.Unix(rec.CreatedAt, 0).UTC(),
		Delegation: core.Delegation{
			Signer:    common.HexToAddress(rec.Delegation.Signer),
			ExpiresAt: time.Unix(rec.Delegation.ExpiresAt, 0).UTC(),
			FeeLimit:  feeLimit,
		},
	}

	for _, cp := range rec.Delegation.CallPolicies {
		policy, err := fromCallPolicyRecord(cp)
		if err != nil {
			return nil, err
		}
		k.Delegation.CallPolicies = append(k.Delegation.CallPolicies, policy)
	}

	for _, tp := range rec.Delegation.TransferPolicies {
		if !common.IsHexAddress(tp.Target) {
			return nil, fmt.Errorf("invalid transfer target %q", tp.Target)
		}
		maxValue, err := core.ParseUint(tp.MaxValuePerUse)
		if err != nil {
			return nil, err
		}
		limit, err := fromLimitRecord(tp.ValueLimit)
		if err != nil {
			return nil, err
		}
		k.Delegation.TransferPolicies = append(k.Delegation.TransferPolicies, core.TransferPolicy{
			Target:         common.HexToAddress(tp.Target),
			MaxValuePerUse: maxValue,
			ValueLimit:     limit,
		})
	}

	return k, nil
}

func fromCallPolicyRecord(cp callPolicyRecord) (core.CallPolicy, error) {
	if !common.IsHexAddress(cp.Target) {
		return core.CallPolicy{}, fmt.Errorf("invalid call target %q", cp.Target)
	}
	selector, err := hexutil.Decode(cp.Selector)
	if err != nil || len(selector) != 4 {
		return core.CallPolicy{}, fmt.Errorf("invalid selector %q", cp.Selector)
	}
	maxValue, err := core.ParseUint(cp.MaxValuePerUse)
	if err != nil {
		return core.CallPolicy{}, err
	}
	limit, err := fromLimitRecord(cp.ValueLimit)
	if err != nil {
		return core.CallPolicy{}, err
	}

	policy := core.CallPolicy{
		Target:         common.HexToAddress(cp.Target),
		MaxValuePerUse: maxValue,
		ValueLimit:     limit,
	}
	copy(policy.Selector[:], selector)

	for _, c := range cp.Constraints {
		index, err := strconv.ParseUint(c.Index, 10, 64)
		if err != nil {
			return core.CallPolicy{}, fmt.Errorf("invalid constraint index %q", c.Index)
		}
		ref, err := hexutil.Decode(c.RefValue)
		if err != nil || len(ref) != 32 {
			return core.CallPolicy{}, fmt.Errorf("invalid constraint value %q", c.RefValue)
		}
		climit, err := fromLimitRecord(c.Limit)
		if err != nil {
			return core.CallPolicy{}, err
		}
		constraint := core.Constraint{
			Condition: core.ConditionType(c.Condition),
			Index:     index,
			Limit:     climit,
		}
		copy(constraint.RefValue[:], ref)
		policy.Constraints = append(policy.Constraints, constraint)
	}

	return policy, nil
}

func toLimitRecord(l core.UsageLimit) limitRecord {
	return limitRecord{
		LimitType: uint8(l.LimitType),
		Limit:     core.FormatUint(l.Limit),
		Period:    core.FormatUint(l.Period),
	}
}

func fromLimitRecord(r limitRecord) (core.UsageLimit, error) {
	limit, err := core.ParseUint(r.Limit)
	if err != nil {
		return core.UsageLimit{}, err
	}
	period, err := core.ParseUint(r.Period)
	if err != nil {
		return core.UsageLimit{}, err
	}
	return core.UsageLimit{LimitType: core.LimitType(r.LimitType), Limit: limit, Period: period}, nil
}

// seal encrypts plaintext with a fresh nonce. additional binds the ciphertext to its storage key.
func seal(random io.Reader, key, plaintext, additional []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(random, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, additional)), nil
}

func open(key []byte, sealed string, additional []byte) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return gcm.Open(nil, data[:gcm.NonceSize()], data[gcm.NonceSize():], additional)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
