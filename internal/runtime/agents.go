package runtime

import (
	"context"
	"strings"

	errorsmod "cosmossdk.io/errors"
	"github.com/google/uuid"

	"agentmarket/negotiator/internal/broadcast"
	"agentmarket/negotiator/internal/market"
	"agentmarket/negotiator/internal/marketstate"
	"agentmarket/negotiator/internal/strategy"
)

// SpawnRequest describes a new agent. Sellers name the token they hold;
// the room id doubles as the token's collection.
type SpawnRequest struct {
	RoomID        string  `json:"roomId"`
	Name          string  `json:"name"`
	Role          string  `json:"role"`
	Strategy      string  `json:"strategy"`
	Style         string  `json:"communicationStyle"`
	MinPrice      float64 `json:"minPrice"`
	MaxPrice      float64 `json:"maxPrice"`
	StartingPrice float64 `json:"startingPrice"`
	OwnerID       string  `json:"ownerId"`
	TokenID       string  `json:"tokenId,omitempty"`
	AssetName     string  `json:"assetName,omitempty"`
}

// SpawnAgent validates the mandate, creates the agent's wallet and record,
// puts its price into Market State and lets the room react to the arrival.
func (r *Runner) SpawnAgent(ctx context.Context, req SpawnRequest) (market.Agent, error) {
	roomID := strings.TrimSpace(req.RoomID)
	if roomID == "" {
		return market.Agent{}, errorsmod.Wrap(market.ErrInvalidMandate, "room is required")
	}
	role, err := market.ParseRole(req.Role)
	if err != nil {
		return market.Agent{}, errorsmod.Wrap(market.ErrInvalidMandate, err.Error())
	}

	id := uuid.NewString()
	a := market.Agent{
		ID:       id,
		RoomID:   roomID,
		Name:     strings.TrimSpace(req.Name),
		Role:     role,
		Strategy: market.ParseStrategy(req.Strategy),
		Style:    strings.TrimSpace(req.Style),
		Mandate: market.Mandate{
			MinPrice:      req.MinPrice,
			MaxPrice:      req.MaxPrice,
			StartingPrice: strategy.Round2(req.StartingPrice),
			CurrentPrice:  strategy.Round2(req.StartingPrice),
		},
		Status:  market.AgentActive,
		OwnerID: strings.TrimSpace(req.OwnerID),
	}
	if a.Name == "" {
		a.Name = string(role) + "-" + id[:8]
	}
	tokenID := strings.TrimSpace(req.TokenID)
	if role == market.RoleSeller && tokenID != "" {
		a.AssetID = uuid.NewString()
	}
	if err := a.Validate(); err != nil {
		return market.Agent{}, err
	}

	if _, err := r.Records.EnsureRoom(ctx, roomID); err != nil {
		return market.Agent{}, err
	}
	if role == market.RoleSeller {
		asset, err := r.Records.CreateAsset(ctx, market.Asset{
			ID:         a.AssetID,
			Collection: roomID,
			TokenID:    tokenID,
			Name:       strings.TrimSpace(req.AssetName),
		})
		if err != nil {
			return market.Agent{}, err
		}
		a.AssetID = asset.ID
	}

	key, _, err := r.Wallets.Ensure(a.ID)
	if err != nil {
		return market.Agent{}, errorsmod.Wrapf(err, "wallet for agent %s", a.ID)
	}
	a.Address = key.Address

	a, err = r.Records.CreateAgent(ctx, a)
	if err != nil {
		_ = r.Wallets.Remove(id)
		return market.Agent{}, err
	}
	if err := r.State.Upsert(ctx, roomID, marketstate.SideOf(role), a.ID, a.Mandate.CurrentPrice); err != nil {
		r.Log.Warnw("market state upsert failed, next sweep will repair", "agent", a.ID, "error", err)
	}
	r.Log.Infow("agent spawned", "agent", a.ID, "room", roomID, "role", role, "strategy", a.Strategy, "price", a.Mandate.CurrentPrice)
	r.Pub.Publish(roomID, broadcast.AgentJoined, broadcast.AgentJoinedPayload{Agent: a})

	if _, err := r.Trigger(ctx, Trigger{RoomID: roomID, Kind: strategy.TriggerAgentJoined, SourceAgentID: a.ID}); err != nil {
		r.Log.Warnw("agent_joined trigger failed", "room", roomID, "error", err)
	}
	return a, nil
}

// DeleteAgent retires an agent that is still active or negotiating.
// Locked and completed agents return ErrInvalidState.
func (r *Runner) DeleteAgent(ctx context.Context, agentID string) error {
	a, err := r.Records.DeleteAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if err := marketstate.RemoveAgent(ctx, r.State, a.RoomID, a.ID); err != nil {
		r.Log.Warnw("market state remove failed", "agent", a.ID, "error", err)
	}
	if err := r.Wallets.Remove(a.ID); err != nil {
		r.Log.Warnw("wallet remove failed", "agent", a.ID, "error", err)
	}
	r.Log.Infow("agent deleted", "agent", a.ID, "room", a.RoomID)
	r.Pub.Publish(a.RoomID, broadcast.AgentLeft, broadcast.AgentLeftPayload{AgentID: a.ID, Reason: "deleted"})
	return nil
}
