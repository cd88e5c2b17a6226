package escrow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"workescrow/core/events"
	"workescrow/core/types"
)

const testAsset = "USDC"

var errInjected = errors.New("injected ledger fault")

type memState struct {
	contracts map[[32]byte]*Contract
	puts      int
}

func newMemState() *memState {
	return &memState{contracts: make(map[[32]byte]*Contract)}
}

func (m *memState) ContractPut(c *Contract) error {
	sanitized, err := SanitizeContract(c)
	if err != nil {
		return err
	}
	m.contracts[sanitized.Key] = sanitized
	m.puts++
	return nil
}

func (m *memState) ContractGet(key [32]byte) (*Contract, bool, error) {
	c, ok := m.contracts[key]
	if !ok {
		return nil, false, nil
	}
	return c.Clone(), true, nil
}

// memLedger mirrors the persistent ledger semantics and can fail the n-th
// transfer call.
type memLedger struct {
	accounts map[[20]byte]*types.LedgerAccount
	applied  map[[32]byte]TransferRequest
	calls    int
	failAt   int
}

func newMemLedger() *memLedger {
	return &memLedger{
		accounts: make(map[[20]byte]*types.LedgerAccount),
		applied:  make(map[[32]byte]TransferRequest),
	}
}

func (l *memLedger) Account(_ context.Context, addr [20]byte) (*types.LedgerAccount, bool, error) {
	acc, ok := l.accounts[addr]
	if !ok {
		return nil, false, nil
	}
	return acc.Clone(), true, nil
}

func (l *memLedger) Provision(_ context.Context, account types.LedgerAccount) error {
	if existing, ok := l.accounts[account.Address]; ok {
		if existing.Owner != account.Owner || existing.Asset != account.Asset {
			return fmt.Errorf("account conflict")
		}
		return nil
	}
	account.Balance = 0
	l.accounts[account.Address] = &account
	return nil
}

func (l *memLedger) Transfer(_ context.Context, req TransferRequest) error {
	l.calls++
	if l.failAt != 0 && l.calls == l.failAt {
		return errInjected
	}
	if done, err := l.journaled(req); err != nil || done {
		return err
	}
	from, ok := l.accounts[req.From]
	if !ok {
		return fmt.Errorf("missing source")
	}
	to, ok := l.accounts[req.To]
	if !ok {
		return fmt.Errorf("missing destination")
	}
	if !req.Authority.Valid() || from.Owner != req.Authority.Address() {
		return fmt.Errorf("authority mismatch")
	}
	if from.Asset != req.Asset || to.Asset != req.Asset {
		return fmt.Errorf("asset mismatch")
	}
	if from.Balance < req.Amount {
		return fmt.Errorf("insufficient balance")
	}
	from.Balance -= req.Amount
	to.Balance += req.Amount
	l.applied[req.IdempotencyKey] = req
	return nil
}

func (l *memLedger) TransferApplied(_ context.Context, req TransferRequest) (bool, error) {
	return l.journaled(req)
}

func (l *memLedger) journaled(req TransferRequest) (bool, error) {
	prev, ok := l.applied[req.IdempotencyKey]
	if !ok {
		return false, nil
	}
	if !req.SameTerms(prev.From, prev.To, prev.Asset, prev.Amount) {
		return false, ErrTransferConflict
	}
	return true, nil
}

func (l *memLedger) balance(addr [20]byte) uint64 {
	if acc, ok := l.accounts[addr]; ok {
		return acc.Balance
	}
	return 0
}

func (l *memLedger) total() uint64 {
	var sum uint64
	for _, acc := range l.accounts {
		sum += acc.Balance
	}
	return sum
}

type recordingEmitter struct {
	events []*types.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	if e, ok := evt.(interface{ Event() *types.Event }); ok {
		r.events = append(r.events, e.Event())
	}
}

func (r *recordingEmitter) eventTypes() []string {
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Type)
	}
	return out
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

type fixture struct {
	engine   *Engine
	state    *memState
	ledger   *memLedger
	emitter  *recordingEmitter
	pauses   *pauseSwitch
	employer [20]byte
	worker   [20]byte
	admin1   [20]byte
	admin2   [20]byte
	treasury [20]byte
	outsider [20]byte
}

type pauseSwitch struct{ paused bool }

func (p *pauseSwitch) IsPaused(module string) bool { return p.paused && module == moduleName }

func newFixture(t *testing.T, params Params, funding uint64) *fixture {
	t.Helper()
	f := &fixture{
		state:    newMemState(),
		ledger:   newMemLedger(),
		emitter:  &recordingEmitter{},
		pauses:   &pauseSwitch{},
		employer: newTestAddress(0x11),
		worker:   newTestAddress(0x22),
		admin1:   newTestAddress(0x33),
		admin2:   newTestAddress(0x44),
		treasury: newTestAddress(0x55),
		outsider: newTestAddress(0x66),
	}
	engine := NewEngine()
	engine.SetState(f.state)
	engine.SetLedger(f.ledger)
	engine.SetEmitter(f.emitter)
	engine.SetPauses(f.pauses)
	engine.SetFeeDestination(f.treasury)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	if err := engine.SetParams(params); err != nil {
		t.Fatalf("set params: %v", err)
	}
	f.engine = engine
	for _, owner := range [][20]byte{f.employer, f.worker, f.admin1, f.admin2, f.treasury, f.outsider} {
		f.provision(t, owner)
	}
	f.ledger.accounts[f.account(f.employer)].Balance = funding
	return f
}

func (f *fixture) account(owner [20]byte) [20]byte {
	return AssociatedAccount(owner, testAsset)
}

func (f *fixture) provision(t *testing.T, owner [20]byte) {
	t.Helper()
	err := f.ledger.Provision(context.Background(), types.LedgerAccount{
		Address: f.account(owner),
		Owner:   owner,
		Asset:   testAsset,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
}

func (f *fixture) initParams(amount uint64, feeBps uint16) InitializeParams {
	return InitializeParams{
		Initializer: f.employer,
		Worker:      f.worker,
		Admin1:      f.admin1,
		Admin2:      f.admin2,
		ContractID:  7,
		Amount:      amount,
		FeeBps:      feeBps,
		Asset:       testAsset,
	}
}

func (f *fixture) initialize(t *testing.T, amount uint64, feeBps uint16) *Contract {
	t.Helper()
	c, err := f.engine.Initialize(context.Background(), f.employer, f.initParams(amount, feeBps))
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return c
}

// accepted returns a contract that the worker has accepted.
func (f *fixture) accepted(t *testing.T, amount uint64, feeBps uint16) *Contract {
	t.Helper()
	c := f.initialize(t, amount, feeBps)
	if _, err := f.engine.WorkerAccept(context.Background(), c.Key, f.worker); err != nil {
		t.Fatalf("accept: %v", err)
	}
	return c
}

// disputed returns a contract in dispute with the supplied admin votes cast.
func (f *fixture) disputed(t *testing.T, amount uint64, feeBps uint16, votes ...bool) *Contract {
	t.Helper()
	c := f.accepted(t, amount, feeBps)
	ctx := context.Background()
	if _, err := f.engine.OpenDispute(ctx, c.Key, f.worker); err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	admins := [][20]byte{f.admin1, f.admin2}
	for i, forWorker := range votes {
		if _, err := f.engine.AdminVote(ctx, c.Key, admins[i], forWorker); err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
	}
	return c
}

func requireErrIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
