package escrow

import (
	"encoding/hex"
	"strconv"

	"workescrow/core/types"
	"workescrow/crypto"
)

const (
	EventTypeEscrowInitialized = "escrow.initialized"
	EventTypeEscrowAccepted    = "escrow.accepted"
	EventTypeEscrowApproved    = "escrow.approved"
	EventTypeEscrowReleased    = "escrow.released"
	EventTypeEscrowDisputed    = "escrow.disputed"
	EventTypeEscrowVoted       = "escrow.voted"
	EventTypeEscrowRefunded    = "escrow.refunded"
)

// NewInitializedEvent returns the canonical event payload for a newly funded
// contract.
func NewInitializedEvent(c *Contract, fee uint64) *types.Event {
	evt := newContractEvent(EventTypeEscrowInitialized, c)
	evt.Attributes["initFee"] = strconv.FormatUint(fee, 10)
	return evt
}

// NewAcceptedEvent is emitted when the worker accepts the contract.
func NewAcceptedEvent(c *Contract) *types.Event { return newContractEvent(EventTypeEscrowAccepted, c) }

// NewApprovedEvent is emitted for every completion approval, including
// repeated ones.
func NewApprovedEvent(c *Contract, party string) *types.Event {
	evt := newContractEvent(EventTypeEscrowApproved, c)
	evt.Attributes["party"] = party
	return evt
}

// NewDisputedEvent is emitted when either counterparty opens a dispute.
func NewDisputedEvent(c *Contract, opener [20]byte) *types.Event {
	evt := newContractEvent(EventTypeEscrowDisputed, c)
	evt.Attributes["openedBy"] = crypto.FormatParty(opener)
	return evt
}

// NewVotedEvent is emitted for each admin vote.
func NewVotedEvent(c *Contract, admin [20]byte, forWorker bool) *types.Event {
	evt := newContractEvent(EventTypeEscrowVoted, c)
	evt.Attributes["admin"] = crypto.FormatParty(admin)
	evt.Attributes["forWorker"] = strconv.FormatBool(forWorker)
	evt.Attributes["votesForWorker"] = strconv.FormatUint(uint64(c.VotesForWorker), 10)
	evt.Attributes["votesForEmployer"] = strconv.FormatUint(uint64(c.VotesForEmployer), 10)
	return evt
}

// NewReleasedEvent is emitted when funds leave the vault in favour of the
// worker.
func NewReleasedEvent(c *Contract, payouts []Payout) *types.Event {
	evt := newContractEvent(EventTypeEscrowReleased, c)
	addPayouts(evt, payouts)
	return evt
}

// NewRefundedEvent is emitted when the vault is returned to the initializer.
func NewRefundedEvent(c *Contract, payouts []Payout) *types.Event {
	evt := newContractEvent(EventTypeEscrowRefunded, c)
	addPayouts(evt, payouts)
	return evt
}

func addPayouts(evt *types.Event, payouts []Payout) {
	for _, p := range payouts {
		evt.Attributes["payout."+p.Label] = strconv.FormatUint(p.Amount, 10)
	}
}

func newContractEvent(eventType string, c *Contract) *types.Event {
	attrs := make(map[string]string)
	if c == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["key"] = hex.EncodeToString(c.Key[:])
	attrs["contractId"] = strconv.FormatUint(c.ContractID, 10)
	attrs["initializer"] = crypto.FormatParty(c.Initializer)
	attrs["worker"] = crypto.FormatParty(c.Worker)
	attrs["asset"] = c.Asset
	attrs["amount"] = strconv.FormatUint(c.Amount, 10)
	attrs["feeBps"] = strconv.FormatUint(uint64(c.FeeBps), 10)
	attrs["policy"] = c.Policy.String()
	attrs["status"] = c.Status.String()
	if c.ResolvedForWorker != nil {
		attrs["resolvedForWorker"] = strconv.FormatBool(*c.ResolvedForWorker)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
