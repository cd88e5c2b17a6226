package state

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"workescrow/core/types"
	"workescrow/native/escrow"
	"workescrow/storage"
)

var (
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrAccountConflict     = errors.New("ledger: account already provisioned with different terms")
	ErrLedgerAssetMismatch = errors.New("ledger: asset mismatch")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrAuthorityMismatch   = errors.New("ledger: authority does not own source account")
	ErrBalanceOverflow     = errors.New("ledger: balance overflow")
)

type storedAccount struct {
	Address [20]byte
	Owner   [20]byte
	Asset   string
	Balance uint64
}

type storedTransfer struct {
	From   [20]byte
	To     [20]byte
	Asset  string
	Amount uint64
}

func accountStorageKey(addr [20]byte) []byte {
	return hashedKey(accountPrefix, addr[:])
}

func journalStorageKey(key [32]byte) []byte {
	return hashedKey(journalPrefix, key[:])
}

func (s *storedAccount) toAccount() *types.LedgerAccount {
	return &types.LedgerAccount{Address: s.Address, Owner: s.Owner, Asset: s.Asset, Balance: s.Balance}
}

func (m *Manager) loadAccount(addr [20]byte) (*storedAccount, bool, error) {
	stored := new(storedAccount)
	ok, err := m.load(accountStorageKey(addr), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored, true, nil
}

// Account returns the ledger account at addr.
func (m *Manager) Account(_ context.Context, addr [20]byte) (*types.LedgerAccount, bool, error) {
	stored, ok, err := m.loadAccount(addr)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.toAccount(), true, nil
}

// Provision creates an empty account. Provisioning an existing account with
// the same owner and asset is a no-op so derived vault addresses can be
// re-provisioned safely.
func (m *Manager) Provision(_ context.Context, account types.LedgerAccount) error {
	asset := strings.TrimSpace(account.Asset)
	if asset == "" {
		return fmt.Errorf("ledger: asset required")
	}
	if account.Address == ([20]byte{}) || account.Owner == ([20]byte{}) {
		return fmt.Errorf("ledger: address and owner required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok, err := m.loadAccount(account.Address)
	if err != nil {
		return err
	}
	if ok {
		if existing.Owner != account.Owner || existing.Asset != asset {
			return ErrAccountConflict
		}
		return nil
	}
	entry, err := encodeEntry(accountStorageKey(account.Address), &storedAccount{
		Address: account.Address,
		Owner:   account.Owner,
		Asset:   asset,
	})
	if err != nil {
		return err
	}
	return m.db.Put(entry.Key, entry.Value)
}

// Deposit credits an account from outside the ledger, standing in for the
// external on-ramp that funds party accounts.
func (m *Manager) Deposit(_ context.Context, addr [20]byte, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok, err := m.loadAccount(addr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAccountNotFound
	}
	next := acc.Balance + amount
	if next < acc.Balance {
		return ErrBalanceOverflow
	}
	acc.Balance = next
	entry, err := encodeEntry(accountStorageKey(addr), acc)
	if err != nil {
		return err
	}
	return m.db.Put(entry.Key, entry.Value)
}

// TransferApplied reports whether req's idempotency key has already been
// committed. A journal record with different terms is a conflict.
func (m *Manager) TransferApplied(_ context.Context, req escrow.TransferRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.journaled(req)
}

func (m *Manager) journaled(req escrow.TransferRequest) (bool, error) {
	record := new(storedTransfer)
	ok, err := m.load(journalStorageKey(req.IdempotencyKey), record)
	if err != nil || !ok {
		return false, err
	}
	if !req.SameTerms(record.From, record.To, record.Asset, record.Amount) {
		return false, fmt.Errorf("%w: journal holds %d from %x to %x", escrow.ErrTransferConflict, record.Amount, record.From, record.To)
	}
	return true, nil
}

// Transfer moves value between two accounts of the same asset. The debit,
// credit and journal record are written in a single batch. Resubmitting a
// committed idempotency key with the same terms succeeds without moving value
// again; different terms are rejected with escrow.ErrTransferConflict.
func (m *Manager) Transfer(ctx context.Context, req escrow.TransferRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !req.Authority.Valid() {
		return ErrAuthorityMismatch
	}
	if req.From == req.To {
		return fmt.Errorf("ledger: source and destination are the same account")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	journalKey := journalStorageKey(req.IdempotencyKey)
	done, err := m.journaled(req)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	from, ok, err := m.loadAccount(req.From)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %x", ErrAccountNotFound, req.From)
	}
	to, ok, err := m.loadAccount(req.To)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %x", ErrAccountNotFound, req.To)
	}
	if from.Asset != req.Asset || to.Asset != req.Asset {
		return ErrLedgerAssetMismatch
	}
	if from.Owner != req.Authority.Address() {
		return ErrAuthorityMismatch
	}
	if from.Balance < req.Amount {
		return ErrInsufficientBalance
	}
	credited := to.Balance + req.Amount
	if credited < to.Balance {
		return ErrBalanceOverflow
	}
	from.Balance -= req.Amount
	to.Balance = credited

	entries := make([]storage.Entry, 0, 3)
	for _, rec := range []struct {
		key   []byte
		value interface{}
	}{
		{accountStorageKey(from.Address), from},
		{accountStorageKey(to.Address), to},
		{journalKey, &storedTransfer{From: req.From, To: req.To, Asset: req.Asset, Amount: req.Amount}},
	} {
		entry, err := encodeEntry(rec.key, rec.value)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
	}
	return m.db.PutBatch(entries)
}
