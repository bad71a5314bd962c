package transfer

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tokencollector/collector-backend/internal/cctp"
	"github.com/tokencollector/collector-backend/internal/journal"
)

type State string

const (
	StateIdle               State = "idle"
	StateApproving          State = "approving" // legacy two-transaction flow; never entered
	StateBurning            State = "burning"
	StateWaitingAttestation State = "waiting-attestation"
	StateMinting            State = "minting"
	StateCompleted          State = "completed"
	StateError              State = "error"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// InFlight reports whether a transfer is currently driving chains.
func (s State) InFlight() bool {
	switch s {
	case StateApproving, StateBurning, StateWaitingAttestation, StateMinting:
		return true
	}
	return false
}

// BurnRecord is created once per source chain after its burn landed.
type BurnRecord struct {
	SourceChainID   uint64      `json:"sourceChainId"`
	Amount          *big.Int    `json:"-"`
	TransactionHash common.Hash `json:"transactionHash"`
}

func (b BurnRecord) toJournal() journal.Burn {
	return journal.Burn{
		SourceChainID:   b.SourceChainID,
		Amount:          b.Amount.String(),
		TransactionHash: b.TransactionHash.Hex(),
	}
}

func burnFromJournal(b journal.Burn) (BurnRecord, bool) {
	amount, ok := new(big.Int).SetString(b.Amount, 10)
	if !ok {
		return BurnRecord{}, false
	}
	return BurnRecord{
		SourceChainID:   b.SourceChainID,
		Amount:          amount,
		TransactionHash: common.HexToHash(b.TransactionHash),
	}, true
}

type BurnView struct {
	SourceChainID   uint64 `json:"sourceChainId"`
	Amount          string `json:"amount"`
	TransactionHash string `json:"transactionHash"`
}

// Snapshot is a point-in-time copy of the orchestrator state, also used as
// the payload of published state events.
type Snapshot struct {
	RequestID    string     `json:"requestId,omitempty"`
	State        State      `json:"state"`
	Burns        []BurnView `json:"burns"`
	Attestations int        `json:"attestations"`
	MintTxHash   string     `json:"mintTxHash,omitempty"`
	Error        string     `json:"error,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func burnViews(burns []BurnRecord) []BurnView {
	out := make([]BurnView, 0, len(burns))
	for _, b := range burns {
		out = append(out, BurnView{
			SourceChainID:   b.SourceChainID,
			Amount:          cctp.FormatAmount(b.Amount),
			TransactionHash: b.TransactionHash.Hex(),
		})
	}
	return out
}
