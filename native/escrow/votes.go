package escrow

// VoteOutcome is the result of a dispute cycle tally.
type VoteOutcome uint8

const (
	OutcomePending VoteOutcome = iota
	OutcomeWorker
	OutcomeEmployer
	OutcomeTie
)

func (o VoteOutcome) String() string {
	switch o {
	case OutcomeWorker:
		return "worker"
	case OutcomeEmployer:
		return "employer"
	case OutcomeTie:
		return "tie"
	default:
		return "pending"
	}
}

// VotingLedger tracks admin votes for the current dispute cycle. It operates
// directly on the contract fields so the tally persists with the contract.
type VotingLedger struct {
	c *Contract
}

// Votes returns the voting ledger view of c.
func Votes(c *Contract) VotingLedger { return VotingLedger{c: c} }

// Reset clears all vote bookkeeping at the start of a dispute cycle.
func (v VotingLedger) Reset() {
	v.c.Admin1Voted = false
	v.c.Admin2Voted = false
	v.c.VotesForWorker = 0
	v.c.VotesForEmployer = 0
}

// Record stores one vote from caller. Each admin votes at most once per cycle.
func (v VotingLedger) Record(caller [20]byte, forWorker bool) error {
	switch {
	case caller == v.c.Admin1:
		if v.c.Admin1Voted {
			return withDetail(ErrAlreadyVoted, "admin1")
		}
		v.c.Admin1Voted = true
	case caller == v.c.Admin2:
		if v.c.Admin2Voted {
			return withDetail(ErrAlreadyVoted, "admin2")
		}
		v.c.Admin2Voted = true
	default:
		return withDetail(ErrUnauthorized, "%s", OpAdminVote)
	}
	if forWorker {
		v.c.VotesForWorker++
	} else {
		v.c.VotesForEmployer++
	}
	return nil
}

// BothVoted reports whether both admins have cast their vote.
func (v VotingLedger) BothVoted() bool {
	return v.c.Admin1Voted && v.c.Admin2Voted
}

// Outcome returns the strict-majority result of the cycle. Ties resolve to
// neither side.
func (v VotingLedger) Outcome() VoteOutcome {
	if !v.BothVoted() {
		return OutcomePending
	}
	switch {
	case v.c.VotesForWorker > v.c.VotesForEmployer:
		return OutcomeWorker
	case v.c.VotesForEmployer > v.c.VotesForWorker:
		return OutcomeEmployer
	default:
		return OutcomeTie
	}
}
