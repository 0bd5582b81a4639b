package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/layer-3/sigil/core"
	"github.com/layer-3/sigil/logging"
	"github.com/layer-3/sigil/ports"
)

const (
	recordVersion    = 1
	encryptionKeyLen = 32
)

// Vault creates, stores and revokes delegated session keys
type Vault struct {
	store    ports.Store
	registry ports.DelegationRegistry
	waiter   ports.ReceiptWaiter
	eventPub ports.EventPublisher
	metrics  *Metrics
	logger   logging.Logger

	environment string
	now         func() time.Time
	random      io.Reader
}

// NewVault creates a vault whose records are namespaced by environment
func NewVault(
	store ports.Store,
	registry ports.DelegationRegistry,
	waiter ports.ReceiptWaiter,
	eventPub ports.EventPublisher,
	metrics *Metrics,
	logger logging.Logger,
	environment string,
) *Vault {
	return &Vault{
		store:       store,
		registry:    registry,
		waiter:      waiter,
		eventPub:    eventPub,
		metrics:     metrics,
		logger:      logger,
		environment: environment,
		now:         time.Now,
		random:      rand.Reader,
	}
}

func (v *Vault) recordKey(owner common.Address) string {
	return fmt.Sprintf("sigil:%s:session-key:%s", v.environment, strings.ToLower(owner.Hex()))
}

func (v *Vault) encryptionKeyKey(owner common.Address) string {
	return fmt.Sprintf("sigil:%s:session-key-encryption:%s", v.environment, strings.ToLower(owner.Hex()))
}

func (v *Vault) revocationKey(owner common.Address) string {
	return fmt.Sprintf("sigil:%s:session-key-revocation:%s", v.environment, strings.ToLower(owner.Hex()))
}

// Create registers a new ephemeral signer on chain for policy and, once the
// registration is confirmed, stores it encrypted. Nothing is stored otherwise.
func (v *Vault) Create(ctx context.Context, owner ports.Transactor, policy core.PolicySet) (key *core.StoredSessionKey, err error) {
	defer func() { v.metrics.sessionKeyOp("create", err) }()

	signer, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session key: %w", err)
	}

	now := v.now().UTC().Truncate(time.Second)
	delegation := core.Delegation{
		Signer:           crypto.PubkeyToAddress(signer.PublicKey),
		ExpiresAt:        now.Add(policy.ExpiresIn),
		FeeLimit:         policy.FeeLimit,
		CallPolicies:     policy.CallPolicies,
		TransferPolicies: policy.TransferPolicies,
	}

	// Resolved before registering so a delegation is never left on chain without a record
	encKey, fresh, err := v.resolveEncryptionKey(ctx, owner.From())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrDelegationNotCreated, err)
	}

	hash, err := v.registry.Hash(delegation)
	if err != nil {
		return nil, err
	}
	data, err := v.registry.CreateCalldata(delegation)
	if err != nil {
		return nil, err
	}

	tx, err := owner.Transact(ctx, v.registry.Address(), data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrDelegationNotCreated, err)
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: no transaction was returned", core.ErrDelegationNotCreated)
	}
	if err := v.confirm(ctx, owner.From(), tx); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrDelegationNotCreated, err)
	}

	key = &core.StoredSessionKey{
		Owner:      owner.From(),
		Hash:       hash,
		Delegation: delegation,
		PrivateKey: crypto.FromECDSA(signer),
		CreatedAt:  now,
	}
	if err := v.writeSealed(ctx, key, encKey, fresh); err != nil {
		v.logger.WithError(err).WithField("owner", key.Owner.Hex()).
			Error("Delegation registered on chain but could not be stored")
		return nil, err
	}

	v.publish(ctx, key.Owner, hash, ports.SessionKeyCreated)
	v.logger.WithFields(logging.Fields{
		"owner":      key.Owner.Hex(),
		"hash":       hash.Hex(),
		"signer":     delegation.Signer.Hex(),
		"expires_at": delegation.ExpiresAt,
		"tx":         tx.Hash().Hex(),
	}).Info("Session key created")

	return key, nil
}

// confirm waits for tx and turns a failed receipt into a TransactionError
func (v *Vault) confirm(ctx context.Context, from common.Address, tx *types.Transaction) error {
	receipt, err := v.waiter.WaitMined(ctx, tx)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &core.TransactionError{
			TxHash: tx.Hash().Hex(),
			Reason: v.waiter.RevertReason(ctx, from, tx, receipt.BlockNumber),
			Err:    core.ErrTransactionFailed,
		}
	}
	return nil
}

// Revoke submits an on-chain revocation of key and purges the local record whatever the
// outcome. A revocation that did not confirm is remembered for Reconcile.
func (v *Vault) Revoke(ctx context.Context, owner ports.Transactor, key *core.StoredSessionKey) (err error) {
	defer func() { v.metrics.sessionKeyOp("revoke", err) }()

	revokeErr := v.revokeOnChain(ctx, owner, key.Hash)

	if err := v.Purge(ctx, key.Owner); err != nil {
		v.logger.WithError(err).WithField("owner", key.Owner.Hex()).Error("Failed to purge session key")
		if revokeErr == nil {
			return err
		}
	}

	if revokeErr != nil {
		if err := v.addPendingRevocation(ctx, key.Owner, key.Hash); err != nil {
			v.logger.WithError(err).WithField("owner", key.Owner.Hex()).Error("Failed to record pending revocation")
		}
		v.publish(ctx, key.Owner, key.Hash, ports.SessionKeyPending)
		return fmt.Errorf("%w: %w", core.ErrRevocationFailed, revokeErr)
	}

	v.publish(ctx, key.Owner, key.Hash, ports.SessionKeyRevoked)
	return nil
}

func (v *Vault) revokeOnChain(ctx context.Context, owner ports.Transactor, hash common.Hash) error {
	data, err := v.registry.RevokeCalldata(hash)
	if err != nil {
		return err
	}
	tx, err := owner.Transact(ctx, v.registry.Address(), data, nil)
	if err != nil {
		return err
	}
	if tx == nil {
		return errors.New("no transaction was returned")
	}
	return v.confirm(ctx, owner.From(), tx)
}

// Read returns the decrypted session key of owner. A missing record is core.ErrNotFound;
// a record that cannot be decrypted or decoded is core.ErrDecryptionFailed.
func (v *Vault) Read(ctx context.Context, owner common.Address) (*core.StoredSessionKey, error) {
	raw, err := v.store.Get(ctx, v.recordKey(owner))
	if err != nil {
		return nil, err
	}

	var envelope sealedRecord
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil || envelope.Version != recordVersion {
		return nil, fmt.Errorf("%w: unreadable record", core.ErrDecryptionFailed)
	}

	encKey, err := v.readEncryptionKey(ctx, owner)
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("%w: encryption key is missing", core.ErrDecryptionFailed)
	}
	if err != nil {
		return nil, err
	}
	if encKey.ID != envelope.KeyID {
		return nil, fmt.Errorf("%w: record sealed with key %s", core.ErrDecryptionFailed, envelope.KeyID)
	}

	plaintext, err := v.openRecord(owner, encKey, envelope)
	if err != nil {
		return nil, err
	}

	key, err := unmarshalSessionKey(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDecryptionFailed, err)
	}
	return key, nil
}

// Purge deletes the stored session key of owner. The encryption key is kept.
func (v *Vault) Purge(ctx context.Context, owner common.Address) error {
	if err := v.store.Delete(ctx, v.recordKey(owner)); err != nil {
		return fmt.Errorf("failed to delete session key: %w", err)
	}
	v.publish(ctx, owner, common.Hash{}, ports.SessionKeyPurged)
	return nil
}

// RotateKey replaces owner's encryption key and re-encrypts the stored record under
// it. The new key and the re-encrypted record are written together.
func (v *Vault) RotateKey(ctx context.Context, owner common.Address) (err error) {
	defer func() { v.metrics.sessionKeyOp("rotate", err) }()

	current, err := v.readEncryptionKey(ctx, owner)
	if err != nil {
		return err
	}

	next, err := v.newEncryptionKey()
	if err != nil {
		return err
	}
	entries := map[string]string{}

	key, err := v.Read(ctx, owner)
	switch {
	case err == nil:
		sealed, err := v.sealRecord(owner, next, key)
		if err != nil {
			return err
		}
		entries[v.recordKey(owner)] = sealed
	case errors.Is(err, core.ErrNotFound):
	default:
		return fmt.Errorf("failed to read record for rotation: %w", err)
	}

	encoded, err := json.Marshal(next)
	if err != nil {
		return err
	}
	entries[v.encryptionKeyKey(owner)] = string(encoded)

	if err := v.store.SetAll(ctx, entries); err != nil {
		return fmt.Errorf("failed to store rotated key: %w", err)
	}

	hash := common.Hash{}
	if key != nil {
		hash = key.Hash
	}
	v.publish(ctx, owner, hash, ports.SessionKeyRotated)
	v.logger.WithFields(logging.Fields{
		"owner":    owner.Hex(),
		"previous": current.ID,
		"current":  next.ID,
	}).Info("Encryption key rotated")

	return nil
}

// PendingRevocations lists delegations of owner whose revocation has not been confirmed
func (v *Vault) PendingRevocations(ctx context.Context, owner common.Address) ([]common.Hash, error) {
	raw, err := v.store.Get(ctx, v.revocationKey(owner))
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var encoded []string
	if err := json.Unmarshal([]byte(raw), &encoded); err != nil {
		return nil, fmt.Errorf("invalid pending revocations: %w", err)
	}
	hashes := make([]common.Hash, 0, len(encoded))
	for _, h := range encoded {
		hashes = append(hashes, common.HexToHash(h))
	}
	return hashes, nil
}

// Reconcile retries the pending revocations of owner. Delegations the registry no
// longer reports as active are dropped without a transaction. It returns how many
// pending revocations were resolved.
func (v *Vault) Reconcile(ctx context.Context, owner ports.Transactor) (resolved int, err error) {
	defer func() { v.metrics.sessionKeyOp("reconcile", err) }()

	account := owner.From()
	pending, err := v.PendingRevocations(ctx, account)
	if err != nil {
		return 0, err
	}

	var remaining []common.Hash
	var errs []error
	for _, hash := range pending {
		status, err := v.registry.Status(ctx, account, hash)
		if err != nil {
			remaining = append(remaining, hash)
			errs = append(errs, fmt.Errorf("status of %s: %w", hash.Hex(), err))
			continue
		}
		if status == core.StatusActive {
			if err := v.revokeOnChain(ctx, owner, hash); err != nil {
				remaining = append(remaining, hash)
				errs = append(errs, fmt.Errorf("revoke %s: %w", hash.Hex(), err))
				continue
			}
		}
		resolved++
		v.publish(ctx, account, hash, ports.SessionKeyRevoked)
	}

	if err := v.setPendingRevocations(ctx, account, remaining); err != nil {
		return resolved, err
	}
	if len(errs) > 0 {
		return resolved, fmt.Errorf("%w: %w", core.ErrRevocationFailed, errors.Join(errs...))
	}
	return resolved, nil
}

func (v *Vault) addPendingRevocation(ctx context.Context, owner common.Address, hash common.Hash) error {
	pending, err := v.PendingRevocations(ctx, owner)
	if err != nil {
		return err
	}
	for _, h := range pending {
		if h == hash {
			return nil
		}
	}
	return v.setPendingRevocations(ctx, owner, append(pending, hash))
}

func (v *Vault) setPendingRevocations(ctx context.Context, owner common.Address, hashes []common.Hash) error {
	if len(hashes) == 0 {
		return v.store.Delete(ctx, v.revocationKey(owner))
	}
	encoded := make([]string, 0, len(hashes))
	for _, h := range hashes {
		encoded = append(encoded, h.Hex())
	}
	data, err := json.Marshal(encoded)
	if err != nil {
		return err
	}
	return v.store.Set(ctx, v.revocationKey(owner), string(data), 0)
}

// write seals key under the owner's encryption key, creating that key if needed, and
// stores everything in one write
func (v *Vault) write(ctx context.Context, key *core.StoredSessionKey) error {
	encKey, fresh, err := v.resolveEncryptionKey(ctx, key.Owner)
	if err != nil {
		return err
	}
	return v.writeSealed(ctx, key, encKey, fresh)
}

// resolveEncryptionKey returns the owner's encryption key. A missing or unreadable key
// is replaced by a fresh one, reported by fresh, that is only stored by writeSealed.
// Records sealed under an unreadable key could not be opened anyway.
func (v *Vault) resolveEncryptionKey(ctx context.Context, owner common.Address) (encKey *encryptionKey, fresh bool, err error) {
	encKey, err = v.readEncryptionKey(ctx, owner)
	switch {
	case err == nil:
		return encKey, false, nil
	case errors.Is(err, core.ErrDecryptionFailed):
		v.logger.WithError(err).WithField("owner", owner.Hex()).Warn("Stored encryption key is unreadable, replacing it")
	case !errors.Is(err, core.ErrNotFound):
		return nil, false, fmt.Errorf("failed to read encryption key: %w", err)
	}

	if encKey, err = v.newEncryptionKey(); err != nil {
		return nil, false, err
	}
	return encKey, true, nil
}

func (v *Vault) writeSealed(ctx context.Context, key *core.StoredSessionKey, encKey *encryptionKey, fresh bool) error {
	entries := map[string]string{}
	if fresh {
		encoded, err := json.Marshal(encKey)
		if err != nil {
			return err
		}
		entries[v.encryptionKeyKey(key.Owner)] = string(encoded)
	}

	sealed, err := v.sealRecord(key.Owner, encKey, key)
	if err != nil {
		return err
	}
	entries[v.recordKey(key.Owner)] = sealed

	if err := v.store.SetAll(ctx, entries); err != nil {
		return fmt.Errorf("failed to store session key: %w", err)
	}
	return nil
}

func (v *Vault) sealRecord(owner common.Address, encKey *encryptionKey, key *core.StoredSessionKey) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(encKey.Key)
	if err != nil {
		return "", fmt.Errorf("invalid encryption key: %w", err)
	}
	plaintext, err := marshalSessionKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to encode session key: %w", err)
	}
	data, err := seal(v.random, secret, plaintext, []byte(v.recordKey(owner)))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt session key: %w", err)
	}

	envelope, err := json.Marshal(sealedRecord{Version: recordVersion, KeyID: encKey.ID, Data: data})
	if err != nil {
		return "", err
	}
	return string(envelope), nil
}

func (v *Vault) openRecord(owner common.Address, encKey *encryptionKey, envelope sealedRecord) ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(encKey.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid encryption key", core.ErrDecryptionFailed)
	}
	plaintext, err := open(secret, envelope.Data, []byte(v.recordKey(owner)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func (v *Vault) readEncryptionKey(ctx context.Context, owner common.Address) (*encryptionKey, error) {
	raw, err := v.store.Get(ctx, v.encryptionKeyKey(owner))
	if err != nil {
		return nil, err
	}
	var key encryptionKey
	if err := json.Unmarshal([]byte(raw), &key); err != nil || key.ID == "" {
		return nil, fmt.Errorf("%w: unreadable encryption key", core.ErrDecryptionFailed)
	}
	if secret, err := base64.StdEncoding.DecodeString(key.Key); err != nil || len(secret) != encryptionKeyLen {
		return nil, fmt.Errorf("%w: malformed encryption key %s", core.ErrDecryptionFailed, key.ID)
	}
	return &key, nil
}

func (v *Vault) newEncryptionKey() (*encryptionKey, error) {
	secret := make([]byte, encryptionKeyLen)
	if _, err := io.ReadFull(v.random, secret); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return &encryptionKey{
		ID:  uuid.New().String(),
		Key: base64.StdEncoding.EncodeToString(secret),
	}, nil
}

func (v *Vault) publish(ctx context.Context, owner common.Address, hash common.Hash, event string) {
	if err := v.eventPub.PublishSessionKey(ctx, owner.Hex(), hash.Hex(), event); err != nil {
		v.logger.WithError(err).WithField("event", event).Warn("Failed to publish session key event")
	}
}
