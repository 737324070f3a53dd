// Package marketstate tracks, per room, the asking price of every seller
// and the bid of every buyer so the floor and top bid can be read in
// O(log n).
package marketstate

import (
	"context"

	"agentmarket/negotiator/internal/market"
)

type Side string

const (
	Asks Side = "asks"
	Bids Side = "bids"
)

// SideOf returns the side an agent of role quotes on: sellers ask, buyers bid.
func SideOf(role market.Role) Side {
	if role == market.RoleSeller {
		return Asks
	}
	return Bids
}

// Entry is one agent's price on one side of a room.
type Entry struct {
	AgentID string  `json:"agentId"`
	Price   float64 `json:"price"`
}

// Store is the per-room best-ask / best-bid tracker. Each agent holds at
// most one price per side. All methods are atomic with respect to other
// callers on the same room and side.
type Store interface {
	Upsert(ctx context.Context, room string, side Side, agentID string, price float64) error
	Remove(ctx context.Context, room string, side Side, agentID string) error
	// Min returns the lowest ask in the room.
	Min(ctx context.Context, room string) (Entry, bool, error)
	// Max returns the highest bid in the room.
	Max(ctx context.Context, room string) (Entry, bool, error)
	// TopN returns the best n entries: asks ascending, bids descending.
	TopN(ctx context.Context, room string, side Side, n int) ([]Entry, error)
	BatchUpsert(ctx context.Context, room string, side Side, entries []Entry) error
	Count(ctx context.Context, room string, side Side) (int, error)
	// Clear drops both sides of a room.
	Clear(ctx context.Context, room string) error
}

// RemoveAgent drops an agent from both sides of a room.
func RemoveAgent(ctx context.Context, s Store, room, agentID string) error {
	if err := s.Remove(ctx, room, Asks, agentID); err != nil {
		return err
	}
	return s.Remove(ctx, room, Bids, agentID)
}
