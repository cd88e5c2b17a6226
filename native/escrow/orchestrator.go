package escrow

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"workescrow/core/types"
)

var errNilLedger = errors.New("escrow engine: ledger not configured")

type authorityKind uint8

const (
	authorityNone authorityKind = iota
	authorityParty
	authorityCustody
)

// Authority is the capability presented to the ledger when moving value. It
// can only be minted inside this package: a party authority after the caller
// identity has been verified, and a custody authority derived from a contract
// key. Ledgers must refuse debits whose source owner differs from Address.
type Authority struct {
	kind    authorityKind
	address [20]byte
}

func partyAuthority(addr [20]byte) Authority {
	return Authority{kind: authorityParty, address: addr}
}

func custodyAuthority(key [32]byte) Authority {
	return Authority{kind: authorityCustody, address: AuthorityAddress(key)}
}

// Address returns the identity the authority acts for.
func (a Authority) Address() [20]byte { return a.address }

// Custodial reports whether the authority is a contract custody authority.
func (a Authority) Custodial() bool { return a.kind == authorityCustody }

// Valid reports whether the authority was minted by the engine.
func (a Authority) Valid() bool { return a.kind != authorityNone && !isZero(a.address) }

// TransferRequest is a single value movement submitted to the ledger.
// IdempotencyKey is stable for a given contract, plan and leg so a
// resubmitted settlement never pays a leg twice.
type TransferRequest struct {
	IdempotencyKey [32]byte
	From           [20]byte
	To             [20]byte
	Asset          string
	Amount         uint64
	Authority      Authority
}

// SameTerms reports whether req moves the same value between the same
// accounts as the supplied journal record.
func (r TransferRequest) SameTerms(from, to [20]byte, asset string, amount uint64) bool {
	return r.From == from && r.To == to && r.Asset == asset && r.Amount == amount
}

// Ledger is the value-transfer collaborator. Each Transfer call is assumed
// to be individually atomic. TransferApplied reports whether req's
// idempotency key has been committed and must fail with ErrTransferConflict
// when the committed leg carries different terms.
type Ledger interface {
	Account(ctx context.Context, addr [20]byte) (*types.LedgerAccount, bool, error)
	Provision(ctx context.Context, account types.LedgerAccount) error
	Transfer(ctx context.Context, req TransferRequest) error
	TransferApplied(ctx context.Context, req TransferRequest) (bool, error)
}

type transferLeg struct {
	label     string
	from      [20]byte
	to        [20]byte
	fromOwner [20]byte
	toOwner   [20]byte
	amount    uint64
}

type transferPlan struct {
	contract  [32]byte
	name      string
	asset     string
	authority Authority
	legs      []transferLeg
}

func (p *transferPlan) legKey(index int) [32]byte {
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(index))
	var key [32]byte
	copy(key[:], ethcrypto.Keccak256([]byte("leg"), p.contract[:], []byte(p.name), idx[:]))
	return key
}

func (p *transferPlan) request(index int) TransferRequest {
	leg := p.legs[index]
	return TransferRequest{
		IdempotencyKey: p.legKey(index),
		From:           leg.from,
		To:             leg.to,
		Asset:          p.asset,
		Amount:         leg.amount,
		Authority:      p.authority,
	}
}

// payoutPlan builds a vault-sourced plan paying each payout into the
// recipient's associated account under the contract's custody authority.
func payoutPlan(c *Contract, name string, payouts []Payout) (*transferPlan, error) {
	total, ok := sumPayouts(payouts)
	if !ok || total != c.Amount {
		return nil, withDetail(ErrMath, "%s payouts total %d, vault holds %d", name, total, c.Amount)
	}
	authority := custodyAuthority(c.Key)
	plan := &transferPlan{contract: c.Key, name: name, asset: c.Asset, authority: authority}
	for _, p := range payouts {
		plan.legs = append(plan.legs, transferLeg{
			label:     p.Label,
			from:      c.Vault,
			to:        AssociatedAccount(p.Recipient, c.Asset),
			fromOwner: authority.Address(),
			toOwner:   p.Recipient,
			amount:    p.Amount,
		})
	}
	return plan, nil
}

type orchestrator struct {
	ledger Ledger
}

// settle validates every leg before executing any of them.
func (o *orchestrator) settle(ctx context.Context, plan *transferPlan) error {
	pending, err := o.validate(ctx, plan)
	if err != nil {
		return err
	}
	return o.execute(ctx, plan, pending)
}

// validate checks the authority, every referenced account and the source
// balances. It returns which legs still need to be executed; legs already
// recorded by the ledger under their idempotency key are skipped.
func (o *orchestrator) validate(ctx context.Context, plan *transferPlan) ([]bool, error) {
	if o == nil || o.ledger == nil {
		return nil, errNilLedger
	}
	if plan == nil {
		return nil, fmt.Errorf("escrow: nil transfer plan")
	}
	if !plan.authority.Valid() {
		return nil, withDetail(ErrUnauthorized, "%s: transfer authority not minted", plan.name)
	}
	pending := make([]bool, len(plan.legs))
	debits := make(map[[20]byte]uint64)
	accounts := make(map[[20]byte]*types.LedgerAccount)
	for i, leg := range plan.legs {
		src, err := o.checkAccount(ctx, accounts, leg.from, leg.fromOwner, plan.asset)
		if err != nil {
			return nil, err
		}
		if _, err := o.checkAccount(ctx, accounts, leg.to, leg.toOwner, plan.asset); err != nil {
			return nil, err
		}
		if src.Owner != plan.authority.Address() {
			return nil, withDetail(ErrOwnerMismatch, "%s leg %s: authority does not own source", plan.name, leg.label)
		}
		applied, err := o.applied(ctx, plan, i)
		if err != nil {
			return nil, err
		}
		if applied || leg.amount == 0 {
			continue
		}
		pending[i] = true
		next := debits[leg.from] + leg.amount
		if next < debits[leg.from] {
			return nil, withDetail(ErrMath, "%s debit overflow", plan.name)
		}
		debits[leg.from] = next
	}
	for addr, total := range debits {
		if accounts[addr].Balance < total {
			return nil, withDetail(ErrInsufficientFunds, "%s needs %d, account holds %d", plan.name, total, accounts[addr].Balance)
		}
	}
	return pending, nil
}

// applied checks the ledger journal for leg index of plan. Zero-amount legs
// are checked too so a retry cannot drop a leg an earlier attempt paid.
func (o *orchestrator) applied(ctx context.Context, plan *transferPlan, index int) (bool, error) {
	applied, err := o.ledger.TransferApplied(ctx, plan.request(index))
	if err != nil {
		if errors.Is(err, ErrTransferConflict) {
			return false, withCause(ErrTransferConflict, err, "%s leg %s", plan.name, plan.legs[index].label)
		}
		return false, err
	}
	return applied, nil
}

// started reports whether any value-moving leg of plan has been committed.
// Lookup failures count as started so callers err towards blocking.
func (o *orchestrator) started(ctx context.Context, plan *transferPlan) bool {
	for i, leg := range plan.legs {
		if leg.amount == 0 {
			continue
		}
		applied, err := o.applied(ctx, plan, i)
		if err != nil || applied {
			return true
		}
	}
	return false
}

func (o *orchestrator) checkAccount(ctx context.Context, cache map[[20]byte]*types.LedgerAccount, addr, owner [20]byte, asset string) (*types.LedgerAccount, error) {
	if acc, ok := cache[addr]; ok {
		if acc.Owner != owner {
			return nil, withDetail(ErrOwnerMismatch, "account %x", addr)
		}
		return acc, nil
	}
	acc, ok, err := o.ledger.Account(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !ok || acc == nil {
		return nil, withDetail(ErrAccountMissing, "account %x", addr)
	}
	if acc.Asset != asset {
		return nil, withDetail(ErrAssetMismatch, "account %x holds %s", addr, acc.Asset)
	}
	if acc.Owner != owner {
		return nil, withDetail(ErrOwnerMismatch, "account %x", addr)
	}
	cache[addr] = acc
	return acc, nil
}

func (o *orchestrator) execute(ctx context.Context, plan *transferPlan, pending []bool) error {
	for i, leg := range plan.legs {
		if !pending[i] {
			continue
		}
		if err := o.ledger.Transfer(ctx, plan.request(i)); err != nil {
			return withCause(ErrLegFailed, err, "%s leg %d (%s)", plan.name, i, leg.label)
		}
	}
	return nil
}
