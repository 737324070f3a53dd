package market

import "time"

type DealStatus string

const (
	DealLocked    DealStatus = "locked"
	DealVerifying DealStatus = "verifying"
	DealCompleted DealStatus = "completed"
	DealFailed    DealStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s DealStatus) Terminal() bool {
	return s == DealCompleted || s == DealFailed
}

var dealTransitions = map[DealStatus][]DealStatus{
	DealLocked:    {DealVerifying, DealFailed},
	DealVerifying: {DealCompleted, DealFailed},
}

// CanTransition reports whether a deal may move from s to next. Deals only
// move forward; terminal states accept nothing.
func (s DealStatus) CanTransition(next DealStatus) bool {
	for _, allowed := range dealTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Predecessors lists the statuses from which next is reachable.
func Predecessors(next DealStatus) []DealStatus {
	var out []DealStatus
	for from, targets := range dealTransitions {
		for _, to := range targets {
			if to == next {
				out = append(out, from)
			}
		}
	}
	return out
}

// VerifierVote is one verifier's ballot in a consensus round.
type VerifierVote struct {
	VerifierID string `json:"verifierId"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
}

type ConsensusResult struct {
	Approved      bool           `json:"approved"`
	VerifierCount int            `json:"verifierCount"`
	ApprovalCount int            `json:"approvalCount"`
	Threshold     float64        `json:"threshold"`
	Votes         []VerifierVote `json:"perVerifierResults"`
}

// ApprovalRatio is the fraction of verifiers that approved.
func (c ConsensusResult) ApprovalRatio() float64 {
	if c.VerifierCount <= 0 {
		return 0
	}
	return float64(c.ApprovalCount) / float64(c.VerifierCount)
}

type Deal struct {
	ID            string           `json:"id"`
	RoomID        string           `json:"roomId"`
	BuyerAgentID  string           `json:"buyerAgentId"`
	SellerAgentID string           `json:"sellerAgentId"`
	AssetID       string           `json:"assetId"`
	Price         float64          `json:"price"`
	Status        DealStatus       `json:"status"`
	FailureReason string           `json:"failureReason,omitempty"`
	Consensus     *ConsensusResult `json:"consensus,omitempty"`
	TxHash        string           `json:"txHash,omitempty"`
	BlockNumber   uint64           `json:"blockNumber,omitempty"`
	LockedAt      time.Time        `json:"lockedAt"`
	VerifiedAt    *time.Time       `json:"verifiedAt,omitempty"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
}
