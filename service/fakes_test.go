package service

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/sigil/adapters/store"
	"github.com/layer-3/sigil/core"
	"github.com/layer-3/sigil/logging"
	"github.com/layer-3/sigil/ports"
	"github.com/layer-3/sigil/retry"
)

var (
	testOwner    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testRegistry = common.HexToAddress("0x5555555555555555555555555555555555555555")
	testTarget   = common.HexToAddress("0x3333333333333333333333333333333333333333")
	transferSel  = [4]byte{0xa9, 0x05, 0x9c, 0xbb}
)

func fastReads() retry.Config {
	return retry.Config{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRetries: 2}
}

func testPolicy() core.PolicySet {
	huge, _ := new(big.Int).SetString("123456789012345678901234567890123456789", 10)
	return core.PolicySet{
		ExpiresIn: time.Hour,
		FeeLimit:  core.UsageLimit{LimitType: core.LimitLifetime, Limit: huge},
		CallPolicies: []core.CallPolicy{{
			Target:         testTarget,
			Selector:       transferSel,
			MaxValuePerUse: big.NewInt(1000),
			ValueLimit:     core.UsageLimit{LimitType: core.LimitAllowance, Limit: huge, Period: big.NewInt(86400)},
			Constraints: []core.Constraint{{
				Condition: core.ConditionLessOrEqual,
				Index:     1,
				RefValue:  [32]byte{30: 0x27, 31: 0x10},
			}},
		}},
		TransferPolicies: []core.TransferPolicy{{
			Target:         testTarget,
			MaxValuePerUse: big.NewInt(5),
		}},
	}
}

// memoryJar is a SessionJar holding the session in memory
type memoryJar struct {
	session   core.AuthSession
	saves     int
	destroyed bool
	saveErr   error
}

func (j *memoryJar) Load() *core.AuthSession {
	s := j.session
	return &s
}

func (j *memoryJar) Save(session *core.AuthSession) error {
	if j.saveErr != nil {
		return j.saveErr
	}
	j.saves++
	j.session = *session
	return nil
}

func (j *memoryJar) Destroy() {
	j.destroyed = true
	j.session = core.AuthSession{}
}

type sessionKeyEvent struct {
	owner, hash, event string
}

type recordingPublisher struct {
	mu        sync.Mutex
	logouts   []string
	keyEvents []sessionKeyEvent
	err       error
}

func (p *recordingPublisher) PublishLogout(ctx context.Context, address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logouts = append(p.logouts, address)
	return p.err
}

func (p *recordingPublisher) PublishSessionKey(ctx context.Context, owner, hash, event string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keyEvents = append(p.keyEvents, sessionKeyEvent{owner, hash, event})
	return p.err
}

func (p *recordingPublisher) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.keyEvents))
	for _, e := range p.keyEvents {
		names = append(names, e.event)
	}
	return names
}

// fakeRegistry hashes the signer and expiry, and reports statuses from a table
type fakeRegistry struct {
	mu            sync.Mutex
	statuses      map[common.Hash]core.DelegationStatus
	defaultStatus core.DelegationStatus
	statusErrs    []error
	statusCalls   int
}

func newFakeRegistry(status core.DelegationStatus) *fakeRegistry {
	return &fakeRegistry{statuses: map[common.Hash]core.DelegationStatus{}, defaultStatus: status}
}

func (r *fakeRegistry) Address() common.Address { return testRegistry }

func (r *fakeRegistry) Hash(d core.Delegation) (common.Hash, error) {
	return crypto.Keccak256Hash(d.Signer.Bytes(), big.NewInt(d.ExpiresAt.Unix()).Bytes()), nil
}

func (r *fakeRegistry) CreateCalldata(d core.Delegation) ([]byte, error) {
	return append([]byte("create"), d.Signer.Bytes()...), nil
}

func (r *fakeRegistry) RevokeCalldata(hash common.Hash) ([]byte, error) {
	return append([]byte("revoke"), hash.Bytes()...), nil
}

// ExecuteCalldata encodes "execute" | hash | target | value | data
func (r *fakeRegistry) ExecuteCalldata(d core.Delegation, hash common.Hash, target common.Address, data []byte, value *big.Int) ([]byte, error) {
	if value == nil {
		value = new(big.Int)
	}
	out := append([]byte("execute"), hash.Bytes()...)
	out = append(out, target.Bytes()...)
	out = append(out, common.BigToHash(value).Bytes()...)
	return append(out, data...), nil
}

func (r *fakeRegistry) Status(ctx context.Context, account common.Address, hash common.Hash) (core.DelegationStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusCalls++
	if len(r.statusErrs) > 0 {
		err := r.statusErrs[0]
		r.statusErrs = r.statusErrs[1:]
		return 0, err
	}
	if s, ok := r.statuses[hash]; ok {
		return s, nil
	}
	return r.defaultStatus, nil
}

func (r *fakeRegistry) setStatus(hash common.Hash, status core.DelegationStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[hash] = status
}

// fakeTransactor records calls and returns unsigned transactions
type fakeTransactor struct {
	mu     sync.Mutex
	from   common.Address
	err    error
	nilTx  bool
	calls  [][]byte
	tos    []common.Address
	values []*big.Int
	block  chan struct{}
}

func (t *fakeTransactor) From() common.Address { return t.from }

func (t *fakeTransactor) Transact(ctx context.Context, to common.Address, data []byte, value *big.Int) (*types.Transaction, error) {
	if t.block != nil {
		<-t.block
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	t.calls = append(t.calls, data)
	t.tos = append(t.tos, to)
	t.values = append(t.values, value)
	if t.nilTx {
		return nil, nil
	}
	return types.NewTx(&types.LegacyTx{
		Nonce: uint64(len(t.calls)),
		To:    &to,
		Value: value,
		Data:  data,
	}), nil
}

func (t *fakeTransactor) sent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

type fakeFactory struct {
	last  *fakeTransactor
	key   *ecdsa.PrivateKey
	nilTx bool
}

func (f *fakeFactory) ForKey(key *ecdsa.PrivateKey) ports.Transactor {
	f.key = key
	f.last = &fakeTransactor{from: crypto.PubkeyToAddress(key.PublicKey), nilTx: f.nilTx}
	return f.last
}

// fakeWaiter confirms every transaction unless told otherwise
type fakeWaiter struct {
	err      error
	reverted bool
	reason   string
	mined    []*types.Transaction
}

func (w *fakeWaiter) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if w.err != nil {
		return nil, w.err
	}
	w.mined = append(w.mined, tx)
	status := types.ReceiptStatusSuccessful
	if w.reverted {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status, TxHash: tx.Hash(), BlockNumber: big.NewInt(42)}, nil
}

func (w *fakeWaiter) RevertReason(ctx context.Context, from common.Address, tx *types.Transaction, block *big.Int) string {
	return w.reason
}

type vaultFixture struct {
	store     ports.Store
	registry  *fakeRegistry
	waiter    *fakeWaiter
	events    *recordingPublisher
	owner     *fakeTransactor
	vault     *Vault
	validator *Validator
}

func newVaultFixture(t *testing.T, status core.DelegationStatus) *vaultFixture {
	t.Helper()
	f := &vaultFixture{
		store:    store.NewMemoryStore(),
		registry: newFakeRegistry(status),
		waiter:   &fakeWaiter{},
		events:   &recordingPublisher{},
		owner:    &fakeTransactor{from: testOwner},
	}
	f.vault = NewVault(f.store, f.registry, f.waiter, f.events, nil, logging.Discard(), "test")
	f.validator = NewValidator(f.vault, f.registry, logging.Discard(), ValidatorConfig{
		Policy: testPolicy(),
		Reads:  fastReads(),
	})
	return f
}

var errRPC = errors.New("503 service unavailable")

// failingStore fails every read with errRPC
type failingStore struct {
	ports.Store
}

func (failingStore) Get(ctx context.Context, key string) (string, error) {
	return "", errRPC
}
