package escrow

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"workescrow/core/types"
)

func TestMutualReleaseChargesFeeAtRelease(t *testing.T) {
	f := newFixture(t, DefaultParams(), 1_000_000)
	ctx := context.Background()
	c := f.initialize(t, 1_000_000, 500)

	if got := f.ledger.balance(c.Vault); got != 1_000_000 {
		t.Fatalf("vault balance: got %d want 1000000", got)
	}
	if got := f.ledger.balance(f.account(f.treasury)); got != 0 {
		t.Fatalf("treasury charged at init: %d", got)
	}
	if c.Status != StatusInitialized || c.Finalized {
		t.Fatalf("unexpected initial state: %s finalized=%v", c.Status, c.Finalized)
	}
	if c.Policy != ChargeAtRelease || c.CreatedAt != 1_700_000_000 {
		t.Fatalf("unexpected recorded terms: %+v", c)
	}

	if _, err := f.engine.WorkerAccept(ctx, c.Key, f.worker); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.engine.EmployerApproveCompletion(ctx, c.Key, f.employer); err != nil {
		t.Fatalf("employer approve: %v", err)
	}
	if _, err := f.engine.WorkerApproveCompletion(ctx, c.Key, f.worker); err != nil {
		t.Fatalf("worker approve: %v", err)
	}
	released, err := f.engine.ReleaseIfBothApproved(ctx, c.Key, f.outsider)
	if err != nil {
		t.Fatalf("release: %v", err)
	}

	if released.Status != StatusReleased || !released.Finalized {
		t.Fatalf("expected finalized release, got %s", released.Status)
	}
	if released.ResolvedForWorker == nil || !*released.ResolvedForWorker {
		t.Fatalf("expected resolution for worker")
	}
	if got := f.ledger.balance(f.account(f.worker)); got != 950_000 {
		t.Fatalf("worker payout: got %d want 950000", got)
	}
	if got := f.ledger.balance(f.account(f.treasury)); got != 50_000 {
		t.Fatalf("fee payout: got %d want 50000", got)
	}
	if got := f.ledger.balance(c.Vault); got != 0 {
		t.Fatalf("vault not drained: %d", got)
	}
	if got := f.ledger.total(); got != 1_000_000 {
		t.Fatalf("value not conserved: %d", got)
	}

	want := []string{
		EventTypeEscrowInitialized,
		EventTypeEscrowAccepted,
		EventTypeEscrowApproved,
		EventTypeEscrowApproved,
		EventTypeEscrowReleased,
	}
	if got := f.emitter.eventTypes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events: got %v want %v", got, want)
	}
	last := f.emitter.events[len(f.emitter.events)-1]
	if last.Attributes["payout.worker"] != "950000" || last.Attributes["payout.fee"] != "50000" {
		t.Fatalf("unexpected release payload: %v", last.Attributes)
	}
}

func TestDisputeReleaseSplitsSurchargeUnderChargeAtInit(t *testing.T) {
	params := Params{Policy: ChargeAtInit, DisputeFeeBps: DefaultDisputeFeeBps, RefundEnabled: true}
	f := newFixture(t, params, 1_250_000)
	c := f.disputed(t, 1_250_000, 2000, true, true)

	if c.Amount != 1_000_000 {
		t.Fatalf("vault amount: got %d want 1000000", c.Amount)
	}
	if got := f.ledger.balance(f.account(f.treasury)); got != 250_000 {
		t.Fatalf("init fee: got %d want 250000", got)
	}

	out, err := f.engine.ReleaseToWorker(context.Background(), c.Key, f.admin1)
	if err != nil {
		t.Fatalf("release to worker: %v", err)
	}
	if out.Status != StatusReleased || !out.Finalized || !*out.ResolvedForWorker {
		t.Fatalf("unexpected final state: %+v", out)
	}
	checks := map[string]struct {
		addr [20]byte
		want uint64
	}{
		"admin1": {f.account(f.admin1), 75_000},
		"admin2": {f.account(f.admin2), 75_000},
		"worker": {f.account(f.worker), 850_000},
		"vault":  {c.Vault, 0},
	}
	for name, tc := range checks {
		if got := f.ledger.balance(tc.addr); got != tc.want {
			t.Fatalf("%s balance: got %d want %d", name, got, tc.want)
		}
	}
	if got := f.ledger.total(); got != 1_250_000 {
		t.Fatalf("value not conserved: %d", got)
	}
}

func TestRefundReturnsVaultToEmployer(t *testing.T) {
	f := newFixture(t, DefaultParams(), 1_000_000)
	c := f.disputed(t, 1_000_000, 500, false, false)

	out, err := f.engine.RefundToEmployer(context.Background(), c.Key, f.admin2)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if out.Status != StatusRefunded || !out.Finalized {
		t.Fatalf("expected refunded, got %s", out.Status)
	}
	if out.ResolvedForWorker == nil || *out.ResolvedForWorker {
		t.Fatalf("expected resolution for employer")
	}
	if got := f.ledger.balance(f.account(f.employer)); got != 1_000_000 {
		t.Fatalf("employer balance: got %d", got)
	}
	if got := f.ledger.balance(f.account(f.treasury)); got != 0 {
		t.Fatalf("refund charged a fee: %d", got)
	}
}

func TestRefundDisabledByPolicy(t *testing.T) {
	params := DefaultParams()
	params.RefundEnabled = false
	f := newFixture(t, params, 1_000_000)
	c := f.disputed(t, 1_000_000, 500, false, false)

	_, err := f.engine.RefundToEmployer(context.Background(), c.Key, f.admin1)
	requireErrIs(t, err, ErrRefundDisabled)
	if KindOf(err) != KindPolicy {
		t.Fatalf("expected policy kind, got %s", KindOf(err))
	}
	stored, err := f.engine.Contract(c.Key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Status != StatusDispute || stored.Finalized {
		t.Fatalf("refund mutated contract: %s", stored.Status)
	}
}

func TestFinalizedContractRejectsEveryOperation(t *testing.T) {
	f := newFixture(t, DefaultParams(), 1_000_000)
	c := f.disputed(t, 1_000_000, 500, false, false)
	ctx := context.Background()
	if _, err := f.engine.RefundToEmployer(ctx, c.Key, f.admin1); err != nil {
		t.Fatalf("refund: %v", err)
	}
	puts := f.state.puts

	calls := map[Operation]func() error{
		OpInitialize: func() error {
			_, err := f.engine.Initialize(ctx, f.employer, f.initParams(1_000_000, 500))
			return err
		},
		OpWorkerAccept: func() error {
			_, err := f.engine.WorkerAccept(ctx, c.Key, f.worker)
			return err
		},
		OpEmployerApproveCompletion: func() error {
			_, err := f.engine.EmployerApproveCompletion(ctx, c.Key, f.employer)
			return err
		},
		OpWorkerApproveCompletion: func() error {
			_, err := f.engine.WorkerApproveCompletion(ctx, c.Key, f.worker)
			return err
		},
		OpReleaseIfBothApproved: func() error {
			_, err := f.engine.ReleaseIfBothApproved(ctx, c.Key, f.outsider)
			return err
		},
		OpOpenDispute: func() error {
			_, err := f.engine.OpenDispute(ctx, c.Key, f.employer)
			return err
		},
		OpAdminVote: func() error {
			_, err := f.engine.AdminVote(ctx, c.Key, f.admin1, true)
			return err
		},
		OpReleaseToWorker: func() error {
			_, err := f.engine.ReleaseToWorker(ctx, c.Key, f.admin1)
			return err
		},
		OpRefundToEmployer: func() error {
			_, err := f.engine.RefundToEmployer(ctx, c.Key, f.admin2)
			return err
		},
	}
	for _, paused := range []bool{false, true} {
		f.pauses.paused = paused
		for _, op := range Operations() {
			call, ok := calls[op]
			if !ok {
				t.Fatalf("missing call for %s", op)
			}
			if err := call(); !errors.Is(err, ErrAlreadyFinalized) {
				t.Fatalf("%s (paused=%v): expected already finalized, got %v", op, paused, err)
			}
		}
	}
	if f.state.puts != puts {
		t.Fatalf("finalized contract was rewritten")
	}
}

func TestUnauthorizedCallersRejected(t *testing.T) {
	f := newFixture(t, DefaultParams(), 1_000_000)
	ctx := context.Background()
	c := f.initialize(t, 1_000_000, 500)

	_, err := f.engine.Initialize(ctx, f.outsider, f.initParams(1_000_000, 500))
	requireErrIs(t, err, ErrUnauthorized)

	cases := []struct {
		name string
		call func() error
	}{
		{"employer accepts", func() error { _, err := f.engine.WorkerAccept(ctx, c.Key, f.employer); return err }},
		{"worker approves as employer", func() error {
			_, err := f.engine.EmployerApproveCompletion(ctx, c.Key, f.worker)
			return err
		}},
		{"employer approves as worker", func() error {
			_, err := f.engine.WorkerApproveCompletion(ctx, c.Key, f.employer)
			return err
		}},
		{"admin opens dispute", func() error { _, err := f.engine.OpenDispute(ctx, c.Key, f.admin1); return err }},
		{"worker votes", func() error { _, err := f.engine.AdminVote(ctx, c.Key, f.worker, true); return err }},
		{"employer resolves", func() error { _, err := f.engine.ReleaseToWorker(ctx, c.Key, f.employer); return err }},
		{"outsider refunds", func() error { _, err := f.engine.RefundToEmployer(ctx, c.Key, f.outsider); return err }},
	}
	for _, tc := range cases {
		err := tc.call()
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%s: expected unauthorized, got %v", tc.name, err)
		}
		if KindOf(err) != KindAuthorization {
			t.Fatalf("%s: unexpected kind %s", tc.name, KindOf(err))
		}
	}
}

func TestApprovalsAreIdempotent(t *testing.T) {
	f := newFixture(t, DefaultParams(), 1_000_000)
	ctx := context.Background()
	c := f.accepted(t, 1_000_000, 0)

	for i := 0; i < 2; i++ {
		out, err := f.engine.EmployerApproveCompletion(ctx, c.Key, f.employer)
		if err != nil {
			t.Fatalf("approve %d: %v", i, err)
		}
		if !out.EmployerApproved || out.WorkerApproved {
			t.Fatalf("unexpected approvals: %+v", out)
		}
	}
	_, err := f.engine.ReleaseIfBothApproved(ctx, c.Key, f.employer)
	requireErrIs(t, err, ErrNotBothApproved)
	if f.ledger.balance(c.Vault) != 1_000_000 {
		t.Fatalf("release moved funds without both approvals")
	}
}

func TestOperationsRequireStatus(t *testing.T) {
	f := newFixture(t, DefaultParams(), 1_000_000)
	ctx := context.Background()
	c := f.initialize(t, 1_000_000, 500)

	_, err := f.engine.ReleaseIfBothApproved(ctx, c.Key, f.outsider)
	requireErrIs(t, err, ErrBadStatus)
	_, err = f.engine.OpenDispute(ctx, c.Key, f.employer)
	requireErrIs(t, err, ErrBadStatus)
	_, err = f.engine.EmployerApproveCompletion(ctx, c.Key, f.employer)
	requireErrIs(t, err, ErrBadStatus)

	if _, err := f.engine.WorkerAccept(ctx, c.Key, f.worker); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_, err = f.engine.WorkerAccept(ctx, c.Key, f.worker)
	requireErrIs(t, err, ErrBadStatus)
	_, err = f.engine.AdminVote(ctx, c.Key, f.admin1, true)
	requireErrIs(t, err, ErrBadStatus)

	if _, err := f.engine.OpenDispute(ctx, c.Key, f.employer); err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	_, err = f.engine.OpenDispute(ctx, c.Key, f.worker)
	requireErrIs(t, err, ErrBadStatus)
	_, err = f.engine.WorkerApproveCompletion(ctx, c.Key, f.worker)
	requireErrIs(t, err, ErrBadStatus)
}

func TestDisputeCycleUsedOnce(t *testing.T) {
	f := newFixture(t, DefaultParams(), 1_000_000)
	c := f.accepted(t, 1_000_000, 500)
	stored := f.state.contracts[c.Key]
	stored.DisputeCycles = 1

	_, err := f.engine.OpenDispute(context.Background(), c.Key, f.worker)
	requireErrIs(t, err, ErrDisputeExhausted)
}

func TestAdminVotesOncePerCycle(t *testing.T) {
	f := newFixture(t, DefaultParams(), 1_000_000)
	c := f.disputed(t, 1_000_000, 500, true)

	_, err := f.engine.AdminVote(context.Background(), c.Key, f.admin1, false)
	requireErrIs(t, err, ErrAlreadyVoted)
	stored, err := f.engine.Contract(c.Key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.VotesForWorker != 1 || stored.VotesForEmployer != 0 {
		t.Fatalf("tally changed: %d/%d", stored.VotesForWorker, stored.VotesForEmployer)
	}
}

func TestResolutionNeedsBothVotes(t *testing.T) {
	f := newFixture(t, DefaultParams(), 1_000_000)
	c := f.disputed(t, 1_000_000, 500, true)

	_, err := f.engine.ReleaseToWorker(context.Background(), c.Key, f.admin1)
	requireErrIs(t, err, ErrNotEnoughVotes)
}

func TestTiedVotesDeadlock(t *testing.T) {
	f := newFixture(t, DefaultParams(), 1_000_000)
	ctx := context.Background()
	c := f.disputed(t, 1_000_000, 500, true, false)

	_, err := f.engine.ReleaseToWorker(ctx, c.Key, f.admin1)
	requireErrIs(t, err, ErrNotEnoughVotes)
	_, err = f.engine.RefundToEmployer(ctx, c.Key, f.admin2)
	requireErrIs(t, err, ErrNotEnoughVotes)
	if CodeOf(err) != "not_enough_votes" {
		t.Fatalf("unexpected code %q", CodeOf(err))
	}
	if f.ledger.balance(c.Vault) != 1_000_000 {
		t.Fatalf("tied dispute moved funds")
	}
}

func TestResolutionMustMatchVotes(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, DefaultParams(), 1_000_000)
	c := f.disputed(t, 1_000_000, 500, true, true)
	_, err := f.engine.RefundToEmployer(ctx, c.Key, f.admin1)
	requireErrIs(t, err, ErrVoteNotForEmployer)

	f = newFixture(t, DefaultParams(), 1_000_000)
	c = f.disputed(t, 1_000_000, 500, false, false)
	_, err = f.engine.ReleaseToWorker(ctx, c.Key, f.admin1)
	requireErrIs(t, err, ErrVoteNotForWorker)
}

func TestInitializeValidation(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		mutate func(f *fixture, p *InitializeParams)
		want   error
	}{
		{"zero amount", func(_ *fixture, p *InitializeParams) { p.Amount = 0 }, ErrInvalidAmount},
		{"fee bps out of range", func(_ *fixture, p *InitializeParams) { p.FeeBps = BpsDenominator + 1 }, ErrInvalidFeeBps},
		{"blank asset", func(_ *fixture, p *InitializeParams) { p.Asset = "  " }, ErrAssetMismatch},
		{"missing worker", func(_ *fixture, p *InitializeParams) { p.Worker = [20]byte{} }, ErrInvalidParty},
		{"admin is worker", func(f *fixture, p *InitializeParams) { p.Admin1 = f.worker }, ErrInvalidParty},
		{"same admins", func(f *fixture, p *InitializeParams) { p.Admin2 = f.admin1 }, ErrInvalidParty},
		{"underfunded", func(_ *fixture, p *InitializeParams) { p.Amount = 1_000_001 }, ErrInsufficientFunds},
		{"fee destination without account", func(_ *fixture, p *InitializeParams) {
			p.FeeDestination = newTestAddress(0x77)
		}, ErrInvalidFeeDestination},
		{"funding account missing", func(_ *fixture, p *InitializeParams) {
			p.FundingAccount = newTestAddress(0x78)
		}, ErrAccountMissing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, DefaultParams(), 1_000_000)
			before := len(f.ledger.accounts)
			p := f.initParams(1_000_000, 500)
			tc.mutate(f, &p)
			_, err := f.engine.Initialize(ctx, f.employer, p)
			requireErrIs(t, err, tc.want)
			if len(f.ledger.accounts) != before {
				t.Fatalf("rejected initialize provisioned accounts")
			}
			if len(f.state.contracts) != 0 {
				t.Fatalf("rejected initialize stored a contract")
			}
			if f.ledger.balance(f.account(f.employer)) != 1_000_000 {
				t.Fatalf("rejected initialize moved funds")
			}
		})
	}
}

func TestInitializeRejectsForeignAssetFunding(t *testing.T) {
	f := newFixture(t, DefaultParams(), 1_000_000)
	other := newTestAddress(0x79)
	if err := f.ledger.Provision(context.Background(), types.LedgerAccount{Address: other, Owner: f.employer, Asset: "EURC"}); err != nil {
		t.Fatalf("provision: %v", err)
	}
	f.ledger.accounts[other].Balance = 5_000_000
	p := f.initParams(1_000_000, 500)
	p.FundingAccount = other

	_, err := f.engine.Initialize(context.Background(), f.employer, p)
	requireErrIs(t, err, ErrAssetMismatch)
}

func TestInitializeRejectsDuplicateKey(t *testing.T) {
	f := newFixture(t, DefaultParams(), 2_000_000)
	f.initialize(t, 1_000_000, 500)

	_, err := f.engine.Initialize(context.Background(), f.employer, f.initParams(1_000_000, 500))
	requireErrIs(t, err, ErrContractExists)

	p := f.initParams(1_000_000, 500)
	p.ContractID = 8
	if _, err := f.engine.Initialize(context.Background(), f.employer, p); err != nil {
		t.Fatalf("second contract for the same pair: %v", err)
	}
}

func TestInitializeRejectsFullFeeUnderChargeAtInit(t *testing.T) {
	params := Params{Policy: ChargeAtInit, DisputeFeeBps: DefaultDisputeFeeBps, RefundEnabled: true}
	f := newFixture(t, params, 1_000_000)

	_, err := f.engine.Initialize(context.Background(), f.employer, f.initParams(1_000_000, BpsDenominator))
	requireErrIs(t, err, ErrInvalidAmount)
}

func TestPausedModuleRejectsOperations(t *testing.T) {
	f := newFixture(t, DefaultParams(), 2_000_000)
	c := f.initialize(t, 1_000_000, 500)
	f.pauses.paused = true

	_, err := f.engine.WorkerAccept(context.Background(), c.Key, f.worker)
	requireErrIs(t, err, ErrModulePaused)
	p := f.initParams(1_000_000, 500)
	p.ContractID = 9
	_, err = f.engine.Initialize(context.Background(), f.employer, p)
	requireErrIs(t, err, ErrModulePaused)
}

func TestUnknownContract(t *testing.T) {
	f := newFixture(t, DefaultParams(), 0)
	_, err := f.engine.WorkerAccept(context.Background(), [32]byte{1}, f.worker)
	requireErrIs(t, err, ErrContractNotFound)
	if KindOf(err) != KindNotFound {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
}

func TestPolicyCapturedAtCreation(t *testing.T) {
	f := newFixture(t, DefaultParams(), 1_000_000)
	ctx := context.Background()
	c := f.accepted(t, 1_000_000, 500)
	if err := f.engine.SetParams(Params{Policy: ChargeAtInit, DisputeFeeBps: 3000, RefundEnabled: true}); err != nil {
		t.Fatalf("set params: %v", err)
	}
	if _, err := f.engine.EmployerApproveCompletion(ctx, c.Key, f.employer); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.engine.WorkerApproveCompletion(ctx, c.Key, f.worker); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.engine.ReleaseIfBothApproved(ctx, c.Key, f.worker); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := f.ledger.balance(f.account(f.treasury)); got != 50_000 {
		t.Fatalf("fee under recorded policy: got %d want 50000", got)
	}
}

func TestInterruptedSettlementResumes(t *testing.T) {
	params := Params{Policy: ChargeAtInit, DisputeFeeBps: DefaultDisputeFeeBps, RefundEnabled: true}
	f := newFixture(t, params, 1_250_000)
	ctx := context.Background()
	c := f.disputed(t, 1_250_000, 2000, true, true)

	f.ledger.failAt = f.ledger.calls + 2
	_, err := f.engine.ReleaseToWorker(ctx, c.Key, f.admin2)
	requireErrIs(t, err, ErrLegFailed)
	if !errors.Is(err, errInjected) {
		t.Fatalf("cause not preserved: %v", err)
	}
	if KindOf(err) != KindTransfer {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
	stored, err := f.engine.Contract(c.Key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Status != StatusDispute || stored.Finalized {
		t.Fatalf("interrupted settlement persisted: %s", stored.Status)
	}
	if got := f.ledger.balance(f.account(f.admin1)); got != 75_000 {
		t.Fatalf("first leg not applied: %d", got)
	}

	f.ledger.failAt = 0
	out, err := f.engine.ReleaseToWorker(ctx, c.Key, f.admin2)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !out.Finalized {
		t.Fatalf("resume did not finalize")
	}
	if got := f.ledger.balance(f.account(f.admin1)); got != 75_000 {
		t.Fatalf("first leg paid twice: %d", got)
	}
	if got := f.ledger.balance(f.account(f.admin2)); got != 75_000 {
		t.Fatalf("admin2: %d", got)
	}
	if got := f.ledger.balance(f.account(f.worker)); got != 850_000 {
		t.Fatalf("worker: %d", got)
	}
}

func TestInterruptedInitializeResumes(t *testing.T) {
	params := Params{Policy: ChargeAtInit, DisputeFeeBps: DefaultDisputeFeeBps, RefundEnabled: true}
	f := newFixture(t, params, 1_250_000)
	ctx := context.Background()
	f.ledger.failAt = 2

	_, err := f.engine.Initialize(ctx, f.employer, f.initParams(1_250_000, 2000))
	requireErrIs(t, err, ErrLegFailed)
	if len(f.state.contracts) != 0 {
		t.Fatalf("interrupted initialize stored a contract")
	}

	f.ledger.failAt = 0
	c := f.initialize(t, 1_250_000, 2000)
	if got := f.ledger.balance(f.account(f.treasury)); got != 250_000 {
		t.Fatalf("fee charged twice: %d", got)
	}
	if got := f.ledger.balance(c.Vault); got != 1_000_000 {
		t.Fatalf("vault: %d", got)
	}
	if got := f.ledger.balance(f.account(f.employer)); got != 0 {
		t.Fatalf("employer: %d", got)
	}
}

func TestContractSnapshotsAreIndependent(t *testing.T) {
	f := newFixture(t, DefaultParams(), 1_000_000)
	c := f.initialize(t, 1_000_000, 500)
	c.Status = StatusReleased

	stored, err := f.engine.Contract(c.Key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Status != StatusInitialized {
		t.Fatalf("snapshot aliased stored contract")
	}
	if stored.Key != ContractKey(f.employer, f.worker, 7) {
		t.Fatalf("unexpected key")
	}
	vault, bump := VaultAddress(stored.Key)
	if stored.Vault != vault || stored.VaultBump != bump || stored.Bump != stored.Key[0] {
		t.Fatalf("derivation by-products not recorded")
	}
}

func TestReinitializingFinalizedKeyIgnoresArguments(t *testing.T) {
	f := newFixture(t, DefaultParams(), 1_000_000)
	ctx := context.Background()
	c := f.disputed(t, 1_000_000, 500, false, false)
	if _, err := f.engine.RefundToEmployer(ctx, c.Key, f.admin1); err != nil {
		t.Fatalf("refund: %v", err)
	}

	zeroAmount := f.initParams(0, 500)
	badFee := f.initParams(1_000_000, BpsDenominator+1)
	badFee.Asset = " "
	for _, p := range []InitializeParams{zeroAmount, badFee} {
		_, err := f.engine.Initialize(ctx, f.outsider, p)
		requireErrIs(t, err, ErrAlreadyFinalized)
	}
}

func TestInterruptedReleaseLocksContractToRelease(t *testing.T) {
	f := newFixture(t, DefaultParams(), 1_000_000)
	ctx := context.Background()
	c := f.accepted(t, 1_000_000, 500)
	if _, err := f.engine.EmployerApproveCompletion(ctx, c.Key, f.employer); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.engine.WorkerApproveCompletion(ctx, c.Key, f.worker); err != nil {
		t.Fatalf("approve: %v", err)
	}

	f.ledger.failAt = f.ledger.calls + 2
	_, err := f.engine.ReleaseIfBothApproved(ctx, c.Key, f.outsider)
	requireErrIs(t, err, ErrLegFailed)
	stored, err := f.engine.Contract(c.Key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Status != StatusAccepted || stored.Finalized || stored.Settling != planRelease {
		t.Fatalf("unexpected stored contract: status=%s settling=%q", stored.Status, stored.Settling)
	}
	if got := f.ledger.balance(c.Vault); got != 950_000 {
		t.Fatalf("vault after partial payout: %d", got)
	}

	f.ledger.failAt = 0
	for _, caller := range [][20]byte{f.employer, f.worker} {
		_, err := f.engine.OpenDispute(ctx, c.Key, caller)
		requireErrIs(t, err, ErrSettlementPending)
	}
	_, err = f.engine.EmployerApproveCompletion(ctx, c.Key, f.employer)
	requireErrIs(t, err, ErrSettlementPending)

	out, err := f.engine.ReleaseIfBothApproved(ctx, c.Key, f.outsider)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !out.Finalized || out.Status != StatusReleased || out.Settling != "" {
		t.Fatalf("resume did not finalize cleanly: %+v", out)
	}
	if got := f.ledger.balance(f.account(f.treasury)); got != 50_000 {
		t.Fatalf("treasury: %d", got)
	}
	if got := f.ledger.balance(f.account(f.worker)); got != 950_000 {
		t.Fatalf("worker: %d", got)
	}
	if got := f.ledger.balance(c.Vault); got != 0 {
		t.Fatalf("vault stranded: %d", got)
	}
}

func TestFailedReleaseWithoutPaymentLeavesContractOpen(t *testing.T) {
	f := newFixture(t, DefaultParams(), 1_000_000)
	ctx := context.Background()
	c := f.accepted(t, 1_000_000, 500)
	if _, err := f.engine.EmployerApproveCompletion(ctx, c.Key, f.employer); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := f.engine.WorkerApproveCompletion(ctx, c.Key, f.worker); err != nil {
		t.Fatalf("approve: %v", err)
	}

	f.ledger.failAt = f.ledger.calls + 1
	_, err := f.engine.ReleaseIfBothApproved(ctx, c.Key, f.outsider)
	requireErrIs(t, err, ErrLegFailed)
	f.ledger.failAt = 0

	stored, err := f.engine.Contract(c.Key)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if stored.Settling != "" {
		t.Fatalf("contract locked without any payout: %q", stored.Settling)
	}
	if _, err := f.engine.OpenDispute(ctx, c.Key, f.worker); err != nil {
		t.Fatalf("open dispute: %v", err)
	}
}

func TestRetriedInitializeMustKeepTerms(t *testing.T) {
	params := Params{Policy: ChargeAtInit, DisputeFeeBps: DefaultDisputeFeeBps, RefundEnabled: true}
	f := newFixture(t, params, 1_000_000)
	ctx := context.Background()
	f.ledger.failAt = 2

	_, err := f.engine.Initialize(ctx, f.employer, f.initParams(1_000_000, 2000))
	requireErrIs(t, err, ErrLegFailed)
	f.ledger.failAt = 0
	if got := f.ledger.balance(f.account(f.treasury)); got != 200_000 {
		t.Fatalf("fee leg: %d", got)
	}

	for _, p := range []InitializeParams{f.initParams(500_000, 0), f.initParams(1_000_000, 1000)} {
		_, err = f.engine.Initialize(ctx, f.employer, p)
		requireErrIs(t, err, ErrTransferConflict)
		if KindOf(err) != KindState {
			t.Fatalf("unexpected kind %s", KindOf(err))
		}
	}
	if len(f.state.contracts) != 0 {
		t.Fatalf("conflicting retry stored a contract")
	}
	if got := f.ledger.balance(f.account(f.employer)); got != 800_000 {
		t.Fatalf("employer debited by conflicting retry: %d", got)
	}

	c := f.initialize(t, 1_000_000, 2000)
	if c.Amount != 800_000 || c.FeeBps != 2000 {
		t.Fatalf("unexpected terms: amount=%d feeBps=%d", c.Amount, c.FeeBps)
	}
	if got := f.ledger.balance(f.account(f.treasury)); got != 200_000 {
		t.Fatalf("treasury: %d", got)
	}
	if got := f.ledger.balance(c.Vault); got != 800_000 {
		t.Fatalf("vault: %d", got)
	}
}

func TestKeyLocksDropIdleEntries(t *testing.T) {
	var locks keyLocks
	key := [32]byte{1}
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock(key)
			counter++
			unlock()
		}()
	}
	wg.Wait()
	if counter != 16 {
		t.Fatalf("lost updates: %d", counter)
	}
	if n := locks.size(); n != 0 {
		t.Fatalf("idle lock entries retained: %d", n)
	}

	f := newFixture(t, DefaultParams(), 1_000_000)
	f.accepted(t, 1_000_000, 500)
	if n := f.engine.locks.size(); n != 0 {
		t.Fatalf("engine retained %d lock entries", n)
	}
}
