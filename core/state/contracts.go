package state

import (
	"fmt"

	"workescrow/native/escrow"
)

const (
	resolutionOpen uint8 = iota
	resolutionWorker
	resolutionEmployer
)

type storedContract struct {
	Key              [32]byte
	ContractID       uint64
	Initializer      [20]byte
	Worker           [20]byte
	Admin1           [20]byte
	Admin2           [20]byte
	Vault            [20]byte
	Asset            string
	Amount           uint64
	FeeBps           uint16
	FeeDestination   [20]byte
	Policy           uint8
	DisputeFeeBps    uint16
	Status           uint8
	Finalized        bool
	Resolution       uint8
	EmployerApproved bool
	WorkerApproved   bool
	Admin1Voted      bool
	Admin2Voted      bool
	VotesForWorker   uint8
	VotesForEmployer uint8
	DisputeCycles    uint8
	Bump             uint8
	VaultBump        uint8
	CreatedAt        uint64
	UpdatedAt        uint64
	Settling         string `rlp:"optional"`
}

func contractStorageKey(key [32]byte) []byte {
	return hashedKey(contractPrefix, key[:])
}

func newStoredContract(c *escrow.Contract) *storedContract {
	resolution := resolutionOpen
	if c.ResolvedForWorker != nil {
		if *c.ResolvedForWorker {
			resolution = resolutionWorker
		} else {
			resolution = resolutionEmployer
		}
	}
	return &storedContract{
		Key:              c.Key,
		ContractID:       c.ContractID,
		Initializer:      c.Initializer,
		Worker:           c.Worker,
		Admin1:           c.Admin1,
		Admin2:           c.Admin2,
		Vault:            c.Vault,
		Asset:            c.Asset,
		Amount:           c.Amount,
		FeeBps:           c.FeeBps,
		FeeDestination:   c.FeeDestination,
		Policy:           uint8(c.Policy),
		DisputeFeeBps:    c.DisputeFeeBps,
		Status:           uint8(c.Status),
		Finalized:        c.Finalized,
		Resolution:       resolution,
		EmployerApproved: c.EmployerApproved,
		WorkerApproved:   c.WorkerApproved,
		Admin1Voted:      c.Admin1Voted,
		Admin2Voted:      c.Admin2Voted,
		VotesForWorker:   c.VotesForWorker,
		VotesForEmployer: c.VotesForEmployer,
		DisputeCycles:    c.DisputeCycles,
		Bump:             c.Bump,
		VaultBump:        c.VaultBump,
		CreatedAt:        uint64(c.CreatedAt),
		UpdatedAt:        uint64(c.UpdatedAt),
		Settling:         c.Settling,
	}
}

func (s *storedContract) toContract() (*escrow.Contract, error) {
	if s == nil {
		return nil, fmt.Errorf("escrow: nil storage record")
	}
	out := &escrow.Contract{
		Key:              s.Key,
		ContractID:       s.ContractID,
		Initializer:      s.Initializer,
		Worker:           s.Worker,
		Admin1:           s.Admin1,
		Admin2:           s.Admin2,
		Vault:            s.Vault,
		Asset:            s.Asset,
		Amount:           s.Amount,
		FeeBps:           s.FeeBps,
		FeeDestination:   s.FeeDestination,
		Policy:           escrow.FeePolicy(s.Policy),
		DisputeFeeBps:    s.DisputeFeeBps,
		Status:           escrow.Status(s.Status),
		Finalized:        s.Finalized,
		EmployerApproved: s.EmployerApproved,
		WorkerApproved:   s.WorkerApproved,
		Admin1Voted:      s.Admin1Voted,
		Admin2Voted:      s.Admin2Voted,
		VotesForWorker:   s.VotesForWorker,
		VotesForEmployer: s.VotesForEmployer,
		DisputeCycles:    s.DisputeCycles,
		Bump:             s.Bump,
		VaultBump:        s.VaultBump,
		CreatedAt:        int64(s.CreatedAt),
		UpdatedAt:        int64(s.UpdatedAt),
		Settling:         s.Settling,
	}
	switch s.Resolution {
	case resolutionOpen:
	case resolutionWorker, resolutionEmployer:
		resolved := s.Resolution == resolutionWorker
		out.ResolvedForWorker = &resolved
	default:
		return nil, fmt.Errorf("escrow: unknown resolution %d", s.Resolution)
	}
	return escrow.SanitizeContract(out)
}

// ContractPut validates and persists the contract.
func (m *Manager) ContractPut(c *escrow.Contract) error {
	if c == nil {
		return fmt.Errorf("escrow: nil contract")
	}
	sanitized, err := escrow.SanitizeContract(c)
	if err != nil {
		return err
	}
	entry, err := encodeEntry(contractStorageKey(sanitized.Key), newStoredContract(sanitized))
	if err != nil {
		return err
	}
	return m.db.Put(entry.Key, entry.Value)
}

// ContractGet loads the contract stored under key.
func (m *Manager) ContractGet(key [32]byte) (*escrow.Contract, bool, error) {
	stored := new(storedContract)
	ok, err := m.load(contractStorageKey(key), stored)
	if err != nil || !ok {
		return nil, false, err
	}
	c, err := stored.toContract()
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}
