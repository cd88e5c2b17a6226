package state

var (
	contractPrefix = []byte("escrow/contract/")
	accountPrefix  = []byte("ledger/account/")
	journalPrefix  = []byte("ledger/journal/")
)
