package broadcast

import "agentmarket/negotiator/internal/market"

type EventType string

const (
	AgentJoined   EventType = "agent_joined"
	AgentLeft     EventType = "agent_left"
	AgentMessage  EventType = "agent_message"
	RoomStats     EventType = "room_stats"
	DealLocked    EventType = "deal_locked"
	DealVerifying EventType = "deal_verifying"
	DealCompleted EventType = "deal_completed"
	MessageBatch  EventType = "message_batch"
)

// Batchable reports whether events of this type go through the per-room
// queue. Everything else is delivered immediately.
func (t EventType) Batchable() bool {
	return t == AgentMessage || t == RoomStats
}

// Event is the envelope written to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	RoomID    string    `json:"roomId"`
	Data      any       `json:"data"`
	Timestamp int64     `json:"timestamp"`
}

type AgentJoinedPayload struct {
	Agent market.Agent `json:"agent"`
}

type AgentLeftPayload struct {
	AgentID string `json:"agentId"`
	Reason  string `json:"reason"`
}

type AgentMessagePayload struct {
	Agent          market.Agent     `json:"agent"`
	Message        market.Message   `json:"message"`
	PriceMentioned *float64         `json:"priceMentioned,omitempty"`
	Intent         market.Intent    `json:"intent"`
	Sentiment      market.Sentiment `json:"sentiment"`
}

type DealLockedPayload struct {
	DealID      string       `json:"dealId"`
	BuyerAgent  market.Agent `json:"buyerAgent"`
	SellerAgent market.Agent `json:"sellerAgent"`
	Price       float64      `json:"price"`
}

// DealVerifyingPayload reports pipeline progress. Status is "in_progress"
// while a stage runs and "failed" on the terminal failure broadcast.
// Progress only grows within one Attempt; a retry starts again from the
// first stage with the next attempt number.
type DealVerifyingPayload struct {
	DealID    string                  `json:"dealId"`
	Stage     string                  `json:"stage"`
	Progress  int                     `json:"progress"`
	Attempt   int                     `json:"attempt"`
	Message   string                  `json:"message"`
	Status    string                  `json:"status"`
	Consensus *market.ConsensusResult `json:"consensus,omitempty"`
}

type DealCompletedPayload struct {
	DealID      string       `json:"dealId"`
	Buyer       market.Agent `json:"buyer"`
	Seller      market.Agent `json:"seller"`
	Asset       market.Asset `json:"asset"`
	Price       float64      `json:"price"`
	TxHash      string       `json:"txHash"`
	BlockNumber uint64       `json:"blockNumber"`
}

type MessageBatchPayload struct {
	RoomID         string  `json:"roomId"`
	Messages       []Event `json:"messages"`
	BatchTimestamp int64   `json:"batchTimestamp"`
}
