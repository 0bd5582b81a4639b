package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/sigil/core"
	"github.com/layer-3/sigil/logging"
	"github.com/layer-3/sigil/ports"
	"github.com/layer-3/sigil/retry"
)

// Validation is the outcome of loading a session key
type Validation struct {
	// Key is set only when State is core.KeyActive
	Key    *core.StoredSessionKey
	State  core.KeyState
	Status core.DelegationStatus
}

// ValidatorConfig configures a Validator
type ValidatorConfig struct {
	Policy core.PolicySet

	// Permissive accepts delegations the registry reports as NotInitialized. It is
	// meant for test chains whose registry does not index every delegation.
	Permissive bool

	Reads retry.Config
}

// Validator loads a stored session key and checks it against the configured policy
// and its on-chain status, purging keys that are no longer usable
type Validator struct {
	vault    *Vault
	registry ports.DelegationRegistry
	logger   logging.Logger
	cfg      ValidatorConfig
	now      func() time.Time
}

// NewValidator creates a validator
func NewValidator(vault *Vault, registry ports.DelegationRegistry, logger logging.Logger, cfg ValidatorConfig) *Validator {
	return &Validator{
		vault:    vault,
		registry: registry,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Load returns the usable session key of owner. Absent, undecryptable, stale and
// inactive keys all yield a nil Key; only an unreachable registry is an error.
func (v *Validator) Load(ctx context.Context, owner common.Address) (*Validation, error) {
	log := v.logger.WithField("owner", owner.Hex())

	key, err := v.vault.Read(ctx, owner)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return &Validation{State: core.KeyAbsent}, nil
	case errors.Is(err, core.ErrDecryptionFailed):
		// Left in place: the next successful Create overwrites it
		log.WithError(err).Warn("Stored session key is unreadable, treating it as absent")
		return &Validation{State: core.KeyAbsent}, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read session key: %w", err)
	}

	if !core.EqualCallPolicies(key.Delegation.CallPolicies, v.cfg.Policy.CallPolicies) {
		log.WithField("hash", key.Hash.Hex()).Info("Session key policy is stale, purging")
		if err := v.vault.Purge(ctx, owner); err != nil {
			return nil, err
		}
		return &Validation{State: core.KeyPolicyStale}, nil
	}

	if key.Expired(v.now()) {
		log.WithField("hash", key.Hash.Hex()).Info("Session key expired, purging")
		if err := v.vault.Purge(ctx, owner); err != nil {
			return nil, err
		}
		return &Validation{State: core.KeyChainInvalid, Status: core.StatusExpired}, nil
	}

	status, err := retry.Do(ctx, retry.NewReadPolicy[core.DelegationStatus](v.cfg.Reads), func() (core.DelegationStatus, error) {
		return v.registry.Status(ctx, owner, key.Hash)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrStatusUnavailable, err)
	}

	if status == core.StatusActive || (status == core.StatusNotInitialized && v.cfg.Permissive) {
		return &Validation{Key: key, State: core.KeyActive, Status: status}, nil
	}

	log.WithFields(logging.Fields{
		"hash":   key.Hash.Hex(),
		"status": status.String(),
	}).Info("Session key is not active on chain, purging")
	if err := v.vault.Purge(ctx, owner); err != nil {
		return nil, err
	}
	return &Validation{State: core.KeyChainInvalid, Status: status}, nil
}
