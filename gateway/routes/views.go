package routes

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"workescrow/core/types"
	"workescrow/crypto"
	"workescrow/native/escrow"
)

// ContractView is the JSON representation of an escrow contract. Amounts are
// decimal strings so clients never lose u64 precision.
type ContractView struct {
	Key               string `json:"key"`
	ContractID        string `json:"contractId"`
	Initializer       string `json:"initializer"`
	Worker            string `json:"worker"`
	Admin1            string `json:"admin1"`
	Admin2            string `json:"admin2"`
	Vault             string `json:"vault"`
	Asset             string `json:"asset"`
	Amount            string `json:"amount"`
	FeeBps            uint16 `json:"feeBps"`
	FeeDestination    string `json:"feeDestination"`
	Policy            string `json:"policy"`
	DisputeFeeBps     uint16 `json:"disputeFeeBps"`
	Status            string `json:"status"`
	Finalized         bool   `json:"finalized"`
	ResolvedForWorker *bool  `json:"resolvedForWorker,omitempty"`
	EmployerApproved  bool   `json:"employerApproved"`
	WorkerApproved    bool   `json:"workerApproved"`
	Admin1Voted       bool   `json:"admin1Voted"`
	Admin2Voted       bool   `json:"admin2Voted"`
	VotesForWorker    uint8  `json:"votesForWorker"`
	VotesForEmployer  uint8  `json:"votesForEmployer"`
	DisputeCycles     uint8  `json:"disputeCycles"`
	Settling          string `json:"settling,omitempty"`
	CreatedAt         int64  `json:"createdAt"`
	UpdatedAt         int64  `json:"updatedAt"`
}

func newContractView(c *escrow.Contract) ContractView {
	return ContractView{
		Key:               hex.EncodeToString(c.Key[:]),
		ContractID:        strconv.FormatUint(c.ContractID, 10),
		Initializer:       crypto.FormatParty(c.Initializer),
		Worker:            crypto.FormatParty(c.Worker),
		Admin1:            crypto.FormatParty(c.Admin1),
		Admin2:            crypto.FormatParty(c.Admin2),
		Vault:             crypto.NewAddress(crypto.VaultPrefix, c.Vault[:]).String(),
		Asset:             c.Asset,
		Amount:            strconv.FormatUint(c.Amount, 10),
		FeeBps:            c.FeeBps,
		FeeDestination:    crypto.FormatParty(c.FeeDestination),
		Policy:            c.Policy.String(),
		DisputeFeeBps:     c.DisputeFeeBps,
		Status:            c.Status.String(),
		Finalized:         c.Finalized,
		ResolvedForWorker: c.ResolvedForWorker,
		EmployerApproved:  c.EmployerApproved,
		WorkerApproved:    c.WorkerApproved,
		Admin1Voted:       c.Admin1Voted,
		Admin2Voted:       c.Admin2Voted,
		VotesForWorker:    c.VotesForWorker,
		VotesForEmployer:  c.VotesForEmployer,
		DisputeCycles:     c.DisputeCycles,
		Settling:          c.Settling,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

// AccountView is the JSON representation of a ledger account.
type AccountView struct {
	Address string `json:"address"`
	Owner   string `json:"owner"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
}

func newAccountView(acc *types.LedgerAccount) AccountView {
	return AccountView{
		Address: crypto.NewAddress(crypto.VaultPrefix, acc.Address[:]).String(),
		Owner:   crypto.FormatParty(acc.Owner),
		Asset:   acc.Asset,
		Balance: strconv.FormatUint(acc.Balance, 10),
	}
}

func parseContractKey(raw string) ([32]byte, error) {
	var key [32]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != len(key) {
		return key, fmt.Errorf("contract key must be 32 hex encoded bytes")
	}
	copy(key[:], decoded)
	return key, nil
}

func parseAmount(field, raw string) (uint64, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a base-10 unsigned integer", field)
	}
	return value, nil
}

func parseParty(field, raw string) ([20]byte, error) {
	addr, err := crypto.ParseParty(strings.TrimSpace(raw))
	if err != nil {
		return [20]byte{}, fmt.Errorf("%s: %w", field, err)
	}
	return addr, nil
}

func parseOptionalParty(field, raw string) ([20]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return [20]byte{}, nil
	}
	return parseParty(field, raw)
}

func hexKey(key [32]byte) string { return hex.EncodeToString(key[:]) }
