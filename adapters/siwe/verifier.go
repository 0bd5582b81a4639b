package siwe

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/sigil/core"
	"github.com/layer-3/sigil/ports"
)

const erc1271ABI = `[{"type":"function","name":"isValidSignature","stateMutability":"view",
"inputs":[{"name":"hash","type":"bytes32"},{"name":"signature","type":"bytes"}],
"outputs":[{"name":"magicValue","type":"bytes4"}]}]`

// erc1271MagicValue is bytes4(keccak256("isValidSignature(bytes32,bytes)"))
var erc1271MagicValue = []byte{0x16, 0x26, 0xba, 0x7e}

var erc1271 = mustParseABI(erc1271ABI)

// ContractCaller performs read-only contract calls
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Verifier implements ports.MessageVerifier for EIP-4361 messages signed either by
// an externally owned account or by an EIP-1271 contract wallet
type Verifier struct {
	caller ContractCaller
	now    func() time.Time
}

var _ ports.MessageVerifier = (*Verifier)(nil)

// NewVerifier creates a verifier. caller may be nil, in which case contract
// wallet signatures are always rejected.
func NewVerifier(caller ContractCaller) *Verifier {
	return &Verifier{
		caller: caller,
		now:    time.Now,
	}
}

// Verify validates the message claims in a fixed order and then its signature
func (v *Verifier) Verify(ctx context.Context, req ports.VerifyRequest) (*core.Identity, error) {
	msg, err := ParseMessage(req.Message)
	if err != nil {
		return nil, err
	}

	if msg.ChainID != req.ExpectedChainID {
		return nil, fmt.Errorf("%w: message chain %d, expected %d", core.ErrChainMismatch, msg.ChainID, req.ExpectedChainID)
	}

	if !strings.EqualFold(msg.Domain, req.ExpectedDomain) {
		return nil, fmt.Errorf("%w: message domain %q, expected %q", core.ErrDomainMismatch, msg.Domain, req.ExpectedDomain)
	}

	now := v.now()
	if msg.ExpirationTime != nil && !msg.ExpirationTime.After(now) {
		return nil, core.ErrMessageExpired
	}
	if msg.NotBefore != nil && msg.NotBefore.After(now) {
		return nil, core.ErrMessageNotYetValid
	}

	if req.ExpectedNonce == "" || msg.Nonce != req.ExpectedNonce {
		return nil, core.ErrNonceInvalid
	}

	if err := v.verifySignature(ctx, msg.Address, []byte(req.Message), req.Signature); err != nil {
		return nil, err
	}

	return &core.Identity{
		Address:        msg.Address,
		ChainID:        msg.ChainID,
		ExpirationTime: msg.ExpirationTime,
	}, nil
}

func (v *Verifier) verifySignature(ctx context.Context, address common.Address, message, signature []byte) error {
	hash := accounts.TextHash(message)

	if recovered, err := recoverAddress(hash, signature); err == nil && recovered == address {
		return nil
	}

	// Fall back to asking the account itself, which is how contract wallets sign
	if v.caller == nil {
		return core.ErrSignatureInvalid
	}
	if err := v.verifyContractSignature(ctx, address, hash, signature); err != nil {
		return fmt.Errorf("%w: %v", core.ErrSignatureInvalid, err)
	}

	return nil
}

func (v *Verifier) verifyContractSignature(ctx context.Context, address common.Address, hash, signature []byte) error {
	var digest [32]byte
	copy(digest[:], hash)

	data, err := erc1271.Pack("isValidSignature", digest, signature)
	if err != nil {
		return fmt.Errorf("failed to pack isValidSignature: %w", err)
	}

	out, err := v.caller.CallContract(ctx, ethereum.CallMsg{To: &address, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("isValidSignature call failed: %w", err)
	}
	if len(out) < 4 || !bytes.Equal(out[:4], erc1271MagicValue) {
		return fmt.Errorf("contract rejected signature")
	}

	return nil
}

// recoverAddress recovers the signer of an EIP-191 hash from a 65-byte R|S|V signature
func recoverAddress(hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(signature))
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	// Wallets commonly return V as 27/28
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, err
	}

	return crypto.PubkeyToAddress(*pub), nil
}

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
