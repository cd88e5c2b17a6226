package escrow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"workescrow/core/events"
	"workescrow/core/types"
	nativecommon "workescrow/native/common"
	"workescrow/observability/metrics"
)

const moduleName = "escrow"

// Transfer plan names. They scope leg idempotency keys and identify an
// interrupted settlement on the contract.
const (
	planInitialize     = "initialize"
	planRelease        = "release"
	planDisputeRelease = "dispute_release"
	planRefund         = "refund"
)

// settlementPlan returns the payout plan op executes, or "" for operations
// that move no value out of the vault.
func settlementPlan(op Operation) string {
	switch op {
	case OpReleaseIfBothApproved:
		return planRelease
	case OpReleaseToWorker:
		return planDisputeRelease
	case OpRefundToEmployer:
		return planRefund
	default:
		return ""
	}
}

var errNilState = errors.New("escrow engine: state not configured")

type engineState interface {
	ContractPut(*Contract) error
	ContractGet(key [32]byte) (*Contract, bool, error)
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Params captures the deployment policy of the engine.
type Params struct {
	Policy        FeePolicy
	DisputeFeeBps uint16
	RefundEnabled bool
}

// DefaultParams returns the fee-at-release policy with refunds enabled.
func DefaultParams() Params {
	return Params{Policy: ChargeAtRelease, DisputeFeeBps: DefaultDisputeFeeBps, RefundEnabled: true}
}

// Validate ensures the parameters are internally consistent.
func (p Params) Validate() error {
	if !p.Policy.Valid() {
		return fmt.Errorf("escrow: unknown fee policy %d", p.Policy)
	}
	if p.DisputeFeeBps > BpsDenominator {
		return fmt.Errorf("escrow: dispute fee bps out of range: %d", p.DisputeFeeBps)
	}
	return nil
}

// InitializeParams describes a new contract. FeeDestination defaults to the
// engine's configured destination and FundingAccount to the initializer's
// associated account for the asset.
type InitializeParams struct {
	Initializer    [20]byte
	Worker         [20]byte
	Admin1         [20]byte
	Admin2         [20]byte
	ContractID     uint64
	Amount         uint64
	FeeBps         uint16
	Asset          string
	FeeDestination [20]byte
	FundingAccount [20]byte
}

// Engine is the escrow state machine. Every operation validates fully before
// touching the ledger and persists the contract only after all transfer legs
// succeed.
type Engine struct {
	state          engineState
	orch           orchestrator
	emitter        events.Emitter
	pauses         nativecommon.PauseView
	logger         *slog.Logger
	telemetry      *metrics.EscrowMetrics
	params         Params
	feeDestination [20]byte
	nowFn          func() int64
	locks          keyLocks
}

// NewEngine creates an escrow engine with a no-op emitter and the default
// parameters.
func NewEngine() *Engine {
	return &Engine{
		emitter:   events.NoopEmitter{},
		logger:    slog.Default(),
		telemetry: metrics.Escrow(),
		params:    DefaultParams(),
		nowFn:     func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the contract store used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger configures the value-transfer collaborator.
func (e *Engine) SetLedger(ledger Ledger) { e.orch.ledger = ledger }

// SetPauses wires the module pause switch.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetFeeDestination configures the default fee destination used when a
// contract does not name one.
func (e *Engine) SetFeeDestination(addr [20]byte) { e.feeDestination = addr }

// SetParams replaces the deployment policy. Existing contracts keep the policy
// recorded at their creation.
func (e *Engine) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.params = p
	return nil
}

// Params returns the active deployment policy.
func (e *Engine) Params() Params { return e.params }

// SetLogger overrides the structured logger. Passing nil restores the default.
func (e *Engine) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	e.logger = logger
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) log() *slog.Logger {
	if e.logger == nil {
		return slog.Default()
	}
	return e.logger
}

// Contract returns a snapshot of the stored contract.
func (e *Engine) Contract(key [32]byte) (*Contract, error) {
	c, err := e.loadContract(key)
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

func (e *Engine) loadContract(key [32]byte) (*Contract, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	c, ok, err := e.state.ContractGet(key)
	if err != nil {
		return nil, err
	}
	if !ok || c == nil {
		return nil, ErrContractNotFound
	}
	return c, nil
}

func (e *Engine) storeContract(c *Contract) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.ContractPut(c)
}

func (e *Engine) guardPaused() error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return withCause(ErrModulePaused, err, "%s", moduleName)
	}
	return nil
}

func (e *Engine) observe(op Operation, key [32]byte, start time.Time, err error) {
	if e == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = CodeOf(err)
	}
	e.telemetry.ObserveOperation(op.String(), outcome, time.Since(start))
	if err != nil {
		e.log().Debug("escrow operation rejected",
			slog.String("component", moduleName),
			slog.String("operation", op.String()),
			slog.String("key", hex.EncodeToString(key[:])),
			slog.String("reason", outcome),
			slog.String("error", err.Error()))
	}
}

// step mutates a working copy of the contract and returns the events to emit
// once the copy has been persisted.
type step func(ctx context.Context, c *Contract) ([]*types.Event, error)

// apply runs op against the stored contract. The shared guards run in a fixed
// order: finalization, pause, deployment policy, caller role, pending
// settlement. The working copy is only persisted when every guard and every
// transfer succeeded; a settlement interrupted after moving value is recorded
// on the stored contract instead.
func (e *Engine) apply(ctx context.Context, op Operation, key [32]byte, caller [20]byte, fn step) (out *Contract, err error) {
	start := time.Now()
	defer func() { e.observe(op, key, start, err) }()
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	unlock := e.locks.lock(key)
	defer unlock()

	stored, err := e.loadContract(key)
	if err != nil {
		return nil, err
	}
	if stored.Finalized {
		return nil, withDetail(ErrAlreadyFinalized, "%s", op)
	}
	if err := e.guardPaused(); err != nil {
		return nil, err
	}
	if op == OpRefundToEmployer && !e.params.RefundEnabled {
		return nil, ErrRefundDisabled
	}
	if err := Authorize(op, caller, stored); err != nil {
		return nil, err
	}
	if stored.Settling != "" && stored.Settling != settlementPlan(op) {
		return nil, withDetail(ErrSettlementPending, "%s interrupted, %s blocked", stored.Settling, op)
	}
	working := stored.Clone()
	evts, err := fn(ctx, working)
	if err != nil {
		if working.Settling != stored.Settling {
			e.markSettling(stored, working.Settling)
		}
		return nil, err
	}
	working.UpdatedAt = e.now()
	if err := e.storeContract(working); err != nil {
		return nil, err
	}
	if working.Finalized {
		e.telemetry.ContractFinalized()
	}
	for _, evt := range evts {
		e.emit(evt)
	}
	e.log().Info("escrow transition",
		slog.String("component", moduleName),
		slog.String("operation", op.String()),
		slog.String("key", hex.EncodeToString(key[:])),
		slog.String("status", working.Status.String()))
	return working.Clone(), nil
}

// markSettling records plan as the interrupted settlement of the stored
// contract. Status and approvals are left untouched.
func (e *Engine) markSettling(stored *Contract, plan string) {
	marked := stored.Clone()
	marked.Settling = plan
	marked.UpdatedAt = e.now()
	if err := e.storeContract(marked); err != nil {
		e.log().Error("escrow settlement marker not persisted",
			slog.String("component", moduleName),
			slog.String("plan", plan),
			slog.String("key", hex.EncodeToString(stored.Key[:])),
			slog.String("error", err.Error()))
		return
	}
	e.log().Warn("escrow contract locked to interrupted settlement",
		slog.String("component", moduleName),
		slog.String("plan", plan),
		slog.String("key", hex.EncodeToString(stored.Key[:])))
}

func requireStatus(c *Contract, op Operation, want Status) error {
	if c.Status != want {
		return withDetail(ErrBadStatus, "%s requires %s, contract is %s", op, want, c.Status)
	}
	return nil
}

// settle executes plan. When a leg fails after earlier legs moved value, c
// is marked as settling plan so only the same operation can resume it.
func (e *Engine) settle(ctx context.Context, c *Contract, plan *transferPlan) error {
	if err := e.orch.settle(ctx, plan); err != nil {
		if errors.Is(err, ErrLegFailed) {
			e.telemetry.IncLegFailure(plan.name)
			if c != nil && e.orch.started(ctx, plan) {
				c.Settling = plan.name
			}
			e.log().Warn("escrow settlement interrupted",
				slog.String("component", moduleName),
				slog.String("plan", plan.name),
				slog.String("key", hex.EncodeToString(plan.contract[:])),
				slog.String("error", err.Error()))
		}
		return err
	}
	for _, leg := range plan.legs {
		if leg.amount > 0 {
			e.telemetry.ObservePayout(plan.name, leg.label, leg.amount)
		}
	}
	return nil
}

func finalize(c *Contract, status Status) {
	resolved := status == StatusReleased
	c.Status = status
	c.Finalized = true
	c.Settling = ""
	c.ResolvedForWorker = &resolved
}

// Initialize creates a contract, provisions its vault and funds it from the
// initializer. Under ChargeAtInit the fee is sent to the fee destination in
// the same plan and the vault only holds the net amount.
func (e *Engine) Initialize(ctx context.Context, caller [20]byte, p InitializeParams) (out *Contract, err error) {
	key := ContractKey(p.Initializer, p.Worker, p.ContractID)
	start := time.Now()
	defer func() { e.observe(OpInitialize, key, start, err) }()
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.orch.ledger == nil {
		return nil, errNilLedger
	}

	unlock := e.locks.lock(key)
	defer unlock()
	existing, ok, err := e.state.ContractGet(key)
	if err != nil {
		return nil, err
	}
	if ok && existing != nil {
		if existing.Finalized {
			return nil, withDetail(ErrAlreadyFinalized, "%s", OpInitialize)
		}
		return nil, ErrContractExists
	}
	if err := e.guardPaused(); err != nil {
		return nil, err
	}
	if p.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	if p.FeeBps > BpsDenominator {
		return nil, ErrInvalidFeeBps
	}
	asset, err := NormalizeAsset(p.Asset)
	if err != nil {
		return nil, err
	}
	if err := validateParties(p); err != nil {
		return nil, err
	}
	feeDestination := p.FeeDestination
	if isZero(feeDestination) {
		feeDestination = e.feeDestination
	}
	if isZero(feeDestination) {
		return nil, withDetail(ErrInvalidFeeDestination, "no fee destination configured")
	}
	draft := &Contract{Initializer: p.Initializer}
	if err := Authorize(OpInitialize, caller, draft); err != nil {
		return nil, err
	}

	fee, toVault, err := FundingSplit(e.params.Policy, p.Amount, p.FeeBps)
	if err != nil {
		return nil, err
	}
	if toVault == 0 {
		return nil, withDetail(ErrInvalidAmount, "nothing left for the vault after fees")
	}
	funding := p.FundingAccount
	if isZero(funding) {
		funding = AssociatedAccount(p.Initializer, asset)
	}
	feeAccount := AssociatedAccount(feeDestination, asset)
	if err := e.checkFeeDestination(ctx, feeAccount, feeDestination, asset); err != nil {
		return nil, err
	}
	vault, vaultBump := VaultAddress(key)
	authority := AuthorityAddress(key)

	plan := &transferPlan{
		contract:  key,
		name:      planInitialize,
		asset:     asset,
		authority: partyAuthority(caller),
		legs: []transferLeg{
			{label: "fee", from: funding, to: feeAccount, fromOwner: p.Initializer, toOwner: feeDestination, amount: fee},
			{label: "vault", from: funding, to: vault, fromOwner: p.Initializer, toOwner: authority, amount: toVault},
		},
	}
	if err := e.checkFunding(ctx, plan); err != nil {
		return nil, err
	}
	if err := e.orch.ledger.Provision(ctx, types.LedgerAccount{Address: vault, Owner: authority, Asset: asset}); err != nil {
		return nil, fmt.Errorf("escrow: provision vault: %w", err)
	}
	if err := e.settle(ctx, nil, plan); err != nil {
		return nil, err
	}

	now := e.now()
	c := &Contract{
		Key:            key,
		ContractID:     p.ContractID,
		Initializer:    p.Initializer,
		Worker:         p.Worker,
		Admin1:         p.Admin1,
		Admin2:         p.Admin2,
		Vault:          vault,
		Asset:          asset,
		Amount:         toVault,
		FeeBps:         p.FeeBps,
		FeeDestination: feeDestination,
		Policy:         e.params.Policy,
		DisputeFeeBps:  e.params.DisputeFeeBps,
		Status:         StatusInitialized,
		Bump:           key[0],
		VaultBump:      vaultBump,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.storeContract(c); err != nil {
		return nil, err
	}
	e.telemetry.ContractOpened()
	e.emit(NewInitializedEvent(c, fee))
	e.log().Info("escrow initialized",
		slog.String("component", moduleName),
		slog.String("key", hex.EncodeToString(key[:])),
		slog.Uint64("amount", toVault),
		slog.Uint64("fee", fee),
		slog.String("policy", c.Policy.String()))
	return c.Clone(), nil
}

func validateParties(p InitializeParams) error {
	parties := [][20]byte{p.Initializer, p.Worker, p.Admin1, p.Admin2}
	for i, a := range parties {
		if isZero(a) {
			return withDetail(ErrInvalidParty, "party %d is empty", i)
		}
		for _, b := range parties[:i] {
			if a == b {
				return withDetail(ErrInvalidParty, "parties must be distinct")
			}
		}
	}
	return nil
}

// checkFeeDestination rejects contracts whose fee destination cannot receive
// the escrow asset, even when no fee is charged at creation.
func (e *Engine) checkFeeDestination(ctx context.Context, account, owner [20]byte, asset string) error {
	acc, ok, err := e.orch.ledger.Account(ctx, account)
	if err != nil {
		return err
	}
	if !ok || acc == nil {
		return withDetail(ErrInvalidFeeDestination, "fee account not provisioned")
	}
	if acc.Asset != asset {
		return withDetail(ErrInvalidFeeDestination, "fee account holds %s", acc.Asset)
	}
	if acc.Owner != owner {
		return withDetail(ErrInvalidFeeDestination, "fee account owner mismatch")
	}
	return nil
}

// checkFunding validates the initializer's funding account before the vault
// is provisioned so a rejected call leaves no trace on the ledger. Legs already
// committed by an interrupted attempt do not count towards the requirement.
func (e *Engine) checkFunding(ctx context.Context, plan *transferPlan) error {
	src := plan.legs[0].from
	var gross uint64
	for i, leg := range plan.legs {
		applied, err := e.orch.applied(ctx, plan, i)
		if err != nil {
			return err
		}
		if !applied {
			gross += leg.amount
		}
	}
	acc, ok, err := e.orch.ledger.Account(ctx, src)
	if err != nil {
		return err
	}
	if !ok || acc == nil {
		return withDetail(ErrAccountMissing, "funding account %x", src)
	}
	if acc.Asset != plan.asset {
		return withDetail(ErrAssetMismatch, "funding account holds %s", acc.Asset)
	}
	if acc.Owner != plan.legs[0].fromOwner {
		return withDetail(ErrOwnerMismatch, "funding account not owned by initializer")
	}
	if acc.Balance < gross {
		return withDetail(ErrInsufficientFunds, "funding needs %d, account holds %d", gross, acc.Balance)
	}
	return nil
}

// WorkerAccept moves an initialized contract to accepted.
func (e *Engine) WorkerAccept(ctx context.Context, key [32]byte, caller [20]byte) (*Contract, error) {
	return e.apply(ctx, OpWorkerAccept, key, caller, func(_ context.Context, c *Contract) ([]*types.Event, error) {
		if err := requireStatus(c, OpWorkerAccept, StatusInitialized); err != nil {
			return nil, err
		}
		c.Status = StatusAccepted
		return []*types.Event{NewAcceptedEvent(c)}, nil
	})
}

// EmployerApproveCompletion records the initializer's approval. Repeated
// approvals succeed without changing anything.
func (e *Engine) EmployerApproveCompletion(ctx context.Context, key [32]byte, caller [20]byte) (*Contract, error) {
	return e.apply(ctx, OpEmployerApproveCompletion, key, caller, func(_ context.Context, c *Contract) ([]*types.Event, error) {
		if err := requireStatus(c, OpEmployerApproveCompletion, StatusAccepted); err != nil {
			return nil, err
		}
		c.EmployerApproved = true
		return []*types.Event{NewApprovedEvent(c, "employer")}, nil
	})
}

// WorkerApproveCompletion records the worker's approval. Repeated approvals
// succeed without changing anything.
func (e *Engine) WorkerApproveCompletion(ctx context.Context, key [32]byte, caller [20]byte) (*Contract, error) {
	return e.apply(ctx, OpWorkerApproveCompletion, key, caller, func(_ context.Context, c *Contract) ([]*types.Event, error) {
		if err := requireStatus(c, OpWorkerApproveCompletion, StatusAccepted); err != nil {
			return nil, err
		}
		c.WorkerApproved = true
		return []*types.Event{NewApprovedEvent(c, "worker")}, nil
	})
}

// ReleaseIfBothApproved pays out an accepted contract once both parties have
// approved completion. Anyone may submit it.
func (e *Engine) ReleaseIfBothApproved(ctx context.Context, key [32]byte, caller [20]byte) (*Contract, error) {
	return e.apply(ctx, OpReleaseIfBothApproved, key, caller, func(ctx context.Context, c *Contract) ([]*types.Event, error) {
		if err := requireStatus(c, OpReleaseIfBothApproved, StatusAccepted); err != nil {
			return nil, err
		}
		if !c.EmployerApproved || !c.WorkerApproved {
			return nil, ErrNotBothApproved
		}
		payouts, err := releasePayouts(c)
		if err != nil {
			return nil, err
		}
		plan, err := payoutPlan(c, planRelease, payouts)
		if err != nil {
			return nil, err
		}
		if err := e.settle(ctx, c, plan); err != nil {
			return nil, err
		}
		finalize(c, StatusReleased)
		return []*types.Event{NewReleasedEvent(c, payouts)}, nil
	})
}

// OpenDispute moves an accepted contract into arbitration. Only one dispute
// cycle is available per contract.
func (e *Engine) OpenDispute(ctx context.Context, key [32]byte, caller [20]byte) (*Contract, error) {
	return e.apply(ctx, OpOpenDispute, key, caller, func(_ context.Context, c *Contract) ([]*types.Event, error) {
		if err := requireStatus(c, OpOpenDispute, StatusAccepted); err != nil {
			return nil, err
		}
		if c.DisputeCycles > 0 {
			return nil, ErrDisputeExhausted
		}
		c.Status = StatusDispute
		c.DisputeCycles++
		Votes(c).Reset()
		return []*types.Event{NewDisputedEvent(c, caller)}, nil
	})
}

// AdminVote records one admin's ruling for the current dispute cycle.
func (e *Engine) AdminVote(ctx context.Context, key [32]byte, caller [20]byte, voteForWorker bool) (*Contract, error) {
	return e.apply(ctx, OpAdminVote, key, caller, func(_ context.Context, c *Contract) ([]*types.Event, error) {
		if err := requireStatus(c, OpAdminVote, StatusDispute); err != nil {
			return nil, err
		}
		if err := Votes(c).Record(caller, voteForWorker); err != nil {
			return nil, err
		}
		return []*types.Event{NewVotedEvent(c, caller, voteForWorker)}, nil
	})
}

// ReleaseToWorker settles a dispute the admins decided for the worker.
func (e *Engine) ReleaseToWorker(ctx context.Context, key [32]byte, caller [20]byte) (*Contract, error) {
	return e.apply(ctx, OpReleaseToWorker, key, caller, func(ctx context.Context, c *Contract) ([]*types.Event, error) {
		if err := requireStatus(c, OpReleaseToWorker, StatusDispute); err != nil {
			return nil, err
		}
		votes := Votes(c)
		if !votes.BothVoted() {
			return nil, ErrNotEnoughVotes
		}
		switch votes.Outcome() {
		case OutcomeWorker:
		case OutcomeTie:
			return nil, withDetail(ErrNotEnoughVotes, "votes tied")
		default:
			return nil, ErrVoteNotForWorker
		}
		payouts, err := disputeReleasePayouts(c)
		if err != nil {
			return nil, err
		}
		plan, err := payoutPlan(c, planDisputeRelease, payouts)
		if err != nil {
			return nil, err
		}
		if err := e.settle(ctx, c, plan); err != nil {
			return nil, err
		}
		finalize(c, StatusReleased)
		return []*types.Event{NewReleasedEvent(c, payouts)}, nil
	})
}

// RefundToEmployer returns the whole vault to the initializer after the
// admins decided for the employer. Deployments may disable it.
func (e *Engine) RefundToEmployer(ctx context.Context, key [32]byte, caller [20]byte) (*Contract, error) {
	return e.apply(ctx, OpRefundToEmployer, key, caller, func(ctx context.Context, c *Contract) ([]*types.Event, error) {
		if err := requireStatus(c, OpRefundToEmployer, StatusDispute); err != nil {
			return nil, err
		}
		votes := Votes(c)
		if !votes.BothVoted() {
			return nil, ErrNotEnoughVotes
		}
		switch votes.Outcome() {
		case OutcomeEmployer:
		case OutcomeTie:
			return nil, withDetail(ErrNotEnoughVotes, "votes tied")
		default:
			return nil, ErrVoteNotForEmployer
		}
		payouts := refundPayouts(c)
		plan, err := payoutPlan(c, planRefund, payouts)
		if err != nil {
			return nil, err
		}
		if err := e.settle(ctx, c, plan); err != nil {
			return nil, err
		}
		finalize(c, StatusRefunded)
		return []*types.Event{NewRefundedEvent(c, payouts)}, nil
	})
}

// keyLocks serialises operations per contract key. Entries are dropped once
// no caller holds or waits on them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[[32]byte]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func (k *keyLocks) lock(key [32]byte) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[[32]byte]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()
	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
