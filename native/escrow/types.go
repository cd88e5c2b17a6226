package escrow

import (
	"encoding/binary"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"workescrow/crypto"
)

// Status represents the lifecycle states of an escrow contract. Values only
// ever move forward along the transition graph.
type Status uint8

const (
	StatusInitialized Status = iota
	StatusAccepted
	StatusDispute
	StatusReleased
	StatusRefunded
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusInitialized, StatusAccepted, StatusDispute, StatusReleased, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status finalises the contract.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusAccepted:
		return "accepted"
	case StatusDispute:
		return "dispute"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Contract captures the custody terms and runtime state of a single escrow
// between an initializer and a worker. Contracts are keyed by the keccak256
// hash of both parties and the caller-supplied contract identifier so the same
// pair can hold several open escrows at once.
type Contract struct {
	Key        [32]byte
	ContractID uint64

	Initializer [20]byte
	Worker      [20]byte
	Admin1      [20]byte
	Admin2      [20]byte

	Vault          [20]byte
	Asset          string
	Amount         uint64
	FeeBps         uint16
	FeeDestination [20]byte
	Policy         FeePolicy
	DisputeFeeBps  uint16

	Status            Status
	Finalized         bool
	ResolvedForWorker *bool

	EmployerApproved bool
	WorkerApproved   bool

	Admin1Voted      bool
	Admin2Voted      bool
	VotesForWorker   uint8
	VotesForEmployer uint8
	DisputeCycles    uint8

	// Settling names a payout plan that was interrupted after moving value.
	// Only the operation owning that plan may run until it completes.
	Settling string

	// Bump and VaultBump are derivation by-products kept only so the
	// authority and vault addresses can be re-derived and checked.
	Bump      uint8
	VaultBump uint8

	CreatedAt int64
	UpdatedAt int64
}

// Clone returns a deep copy of the contract so callers can safely mutate the
// copy without affecting the stored instance.
func (c *Contract) Clone() *Contract {
	if c == nil {
		return nil
	}
	clone := *c
	if c.ResolvedForWorker != nil {
		resolved := *c.ResolvedForWorker
		clone.ResolvedForWorker = &resolved
	}
	return &clone
}

// NormalizeAsset trims the supplied asset identifier and rejects empty values.
// Asset identifiers are opaque and compared byte for byte after trimming.
func NormalizeAsset(asset string) (string, error) {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return "", withDetail(ErrAssetMismatch, "asset identifier required")
	}
	return trimmed, nil
}

// SanitizeContract validates a stored contract definition and its invariants,
// returning a cloned instance. The function does not mutate the original.
func SanitizeContract(c *Contract) (*Contract, error) {
	if c == nil {
		return nil, fmt.Errorf("nil contract")
	}
	clone := c.Clone()
	asset, err := NormalizeAsset(clone.Asset)
	if err != nil {
		return nil, err
	}
	clone.Asset = asset
	if clone.FeeBps > BpsDenominator || clone.DisputeFeeBps > BpsDenominator {
		return nil, ErrInvalidFeeBps
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid contract status: %d", clone.Status)
	}
	if !clone.Policy.Valid() {
		return nil, fmt.Errorf("invalid fee policy: %d", clone.Policy)
	}
	if clone.Finalized != clone.Status.Terminal() {
		return nil, fmt.Errorf("finalized flag inconsistent with status %s", clone.Status)
	}
	if clone.Finalized && clone.Settling != "" {
		return nil, fmt.Errorf("finalized contract still settling %s", clone.Settling)
	}
	if !clone.Finalized && clone.ResolvedForWorker != nil {
		return nil, fmt.Errorf("resolution recorded on open contract")
	}
	if clone.Finalized {
		if clone.ResolvedForWorker == nil || *clone.ResolvedForWorker != (clone.Status == StatusReleased) {
			return nil, fmt.Errorf("resolution inconsistent with status %s", clone.Status)
		}
	}
	if int(clone.VotesForWorker)+int(clone.VotesForEmployer) > 2 {
		return nil, fmt.Errorf("vote tally exceeds admin count")
	}
	return clone, nil
}

// ContractKey derives the persisted record key for the supplied parties and
// contract identifier. The identifier is encoded little-endian.
func ContractKey(initializer, worker [20]byte, contractID uint64) [32]byte {
	var idLE [8]byte
	binary.LittleEndian.PutUint64(idLE[:], contractID)
	var key [32]byte
	copy(key[:], ethcrypto.Keccak256([]byte("escrow"), initializer[:], worker[:], idLE[:]))
	return key
}

// AuthorityAddress is the custody authority of a contract: the only identity
// allowed to debit its vault.
func AuthorityAddress(key [32]byte) [20]byte {
	addr, _ := crypto.DeriveAddress([]byte("authority"), key[:])
	return addr
}

// VaultAddress derives the custody account for a contract key along with the
// derivation bump.
func VaultAddress(key [32]byte) ([20]byte, uint8) {
	return crypto.DeriveAddress([]byte("vault"), key[:])
}

// AssociatedAccount derives the ledger account a party uses to hold the given
// asset.
func AssociatedAccount(owner [20]byte, asset string) [20]byte {
	addr, _ := crypto.DeriveAddress([]byte("account"), owner[:], []byte(asset))
	return addr
}

func isZero(addr [20]byte) bool { return addr == [20]byte{} }
