package escrow

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// BpsDenominator is the number of basis points in one whole.
const BpsDenominator = 10_000

// DefaultDisputeFeeBps is the surcharge applied to the vault when arbitration
// releases funds under the ChargeAtInit policy.
const DefaultDisputeFeeBps uint16 = 1500

// FeePolicy selects when the contract fee is taken. A deployment picks one
// policy and every contract records it at creation.
type FeePolicy uint8

const (
	// ChargeAtRelease keeps the gross deposit in the vault and applies the
	// fee on every payout path.
	ChargeAtRelease FeePolicy = iota
	// ChargeAtInit takes the fee from the deposit up front; dispute payouts
	// then apply the dispute surcharge split between the admins.
	ChargeAtInit
)

// Valid reports whether the policy value is known.
func (p FeePolicy) Valid() bool {
	return p == ChargeAtRelease || p == ChargeAtInit
}

func (p FeePolicy) String() string {
	switch p {
	case ChargeAtRelease:
		return "charge_at_release"
	case ChargeAtInit:
		return "charge_at_init"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParseFeePolicy maps configuration strings onto a policy.
func ParseFeePolicy(raw string) (FeePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "charge_at_release", "release":
		return ChargeAtRelease, nil
	case "charge_at_init", "init":
		return ChargeAtInit, nil
	default:
		return 0, fmt.Errorf("unknown fee policy %q", raw)
	}
}

// ComputeFee returns floor(amount*bps/10000) and the remaining net amount. The
// product is formed in 256 bits so the full u64 range never overflows.
func ComputeFee(amount uint64, bps uint16) (fee, net uint64, err error) {
	if bps > BpsDenominator {
		return 0, 0, ErrInvalidFeeBps
	}
	product := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(uint64(bps)))
	product.Div(product, uint256.NewInt(BpsDenominator))
	if !product.IsUint64() {
		return 0, 0, withDetail(ErrMath, "fee exceeds u64")
	}
	fee = product.Uint64()
	net, ok := checkedSub(amount, fee)
	if !ok {
		return 0, 0, withDetail(ErrMath, "fee %d exceeds amount %d", fee, amount)
	}
	return fee, net, nil
}

// DisputeSplit describes how an arbitrated release divides the vault.
type DisputeSplit struct {
	Surcharge   uint64
	ToEachAdmin uint64
	ToWorker    uint64
}

// SplitDispute applies the dispute surcharge to amount and splits it evenly
// between the two admins. Any odd unit left by the halving accrues to the
// worker.
func SplitDispute(amount uint64, surchargeBps uint16) (DisputeSplit, error) {
	surcharge, _, err := ComputeFee(amount, surchargeBps)
	if err != nil {
		return DisputeSplit{}, err
	}
	toEach := surcharge / 2
	worker, ok := checkedSub(amount, toEach)
	if ok {
		worker, ok = checkedSub(worker, toEach)
	}
	if !ok {
		return DisputeSplit{}, withDetail(ErrMath, "dispute split underflow")
	}
	return DisputeSplit{Surcharge: surcharge, ToEachAdmin: toEach, ToWorker: worker}, nil
}

// FundingSplit returns the fee taken at creation and the amount deposited into
// the vault for the supplied policy.
func FundingSplit(policy FeePolicy, amount uint64, feeBps uint16) (fee, toVault uint64, err error) {
	switch policy {
	case ChargeAtInit:
		return ComputeFee(amount, feeBps)
	case ChargeAtRelease:
		if feeBps > BpsDenominator {
			return 0, 0, ErrInvalidFeeBps
		}
		return 0, amount, nil
	default:
		return 0, 0, fmt.Errorf("unknown fee policy %d", policy)
	}
}

// Payout is a single recipient share of a settlement.
type Payout struct {
	Label     string
	Recipient [20]byte
	Amount    uint64
}

// releasePayouts computes the payouts for a mutual release. Fee legs come
// first and the worker principal last.
func releasePayouts(c *Contract) ([]Payout, error) {
	switch c.Policy {
	case ChargeAtInit:
		return []Payout{{Label: "worker", Recipient: c.Worker, Amount: c.Amount}}, nil
	case ChargeAtRelease:
		fee, net, err := ComputeFee(c.Amount, c.FeeBps)
		if err != nil {
			return nil, err
		}
		return []Payout{
			{Label: "fee", Recipient: c.FeeDestination, Amount: fee},
			{Label: "worker", Recipient: c.Worker, Amount: net},
		}, nil
	default:
		return nil, fmt.Errorf("unknown fee policy %d", c.Policy)
	}
}

// disputeReleasePayouts computes the payouts when the admins rule for the
// worker.
func disputeReleasePayouts(c *Contract) ([]Payout, error) {
	switch c.Policy {
	case ChargeAtInit:
		split, err := SplitDispute(c.Amount, c.DisputeFeeBps)
		if err != nil {
			return nil, err
		}
		return []Payout{
			{Label: "admin1", Recipient: c.Admin1, Amount: split.ToEachAdmin},
			{Label: "admin2", Recipient: c.Admin2, Amount: split.ToEachAdmin},
			{Label: "worker", Recipient: c.Worker, Amount: split.ToWorker},
		}, nil
	case ChargeAtRelease:
		return releasePayouts(c)
	default:
		return nil, fmt.Errorf("unknown fee policy %d", c.Policy)
	}
}

// refundPayouts returns the whole vault to the initializer.
func refundPayouts(c *Contract) []Payout {
	return []Payout{{Label: "initializer", Recipient: c.Initializer, Amount: c.Amount}}
}

func sumPayouts(payouts []Payout) (uint64, bool) {
	var total uint64
	for _, p := range payouts {
		next := total + p.Amount
		if next < total {
			return 0, false
		}
		total = next
	}
	return total, true
}

func checkedSub(a, b uint64) (uint64, bool) {
	if b > a {
		return 0, false
	}
	return a - b, true
}
