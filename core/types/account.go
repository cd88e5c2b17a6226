package types

// LedgerAccount is a single-asset value account held by the ledger. Custody
// vaults are ordinary accounts whose owner is the derived authority of the
// escrow contract that created them.
type LedgerAccount struct {
	Address [20]byte `json:"address"`
	Owner   [20]byte `json:"owner"`
	Asset   string   `json:"asset"`
	Balance uint64   `json:"balance"`
}

// Clone returns a copy of the account so callers can mutate it freely.
func (a *LedgerAccount) Clone() *LedgerAccount {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}
