package runtime

import (
	"context"
	"errors"

	"agentmarket/negotiator/internal/llm"
	"agentmarket/negotiator/internal/market"
	"agentmarket/negotiator/internal/marketstate"
	"agentmarket/negotiator/internal/metrics"
	"agentmarket/negotiator/internal/strategy"
)

// Trigger is something that happened in a room. Price and Text are set
// when the trigger is a message.
type Trigger struct {
	RoomID        string
	Kind          strategy.TriggerKind
	SourceAgentID string
	Text          string
	Price         *float64
}

type genJob struct {
	AgentID string
	RoomID  string
	Trigger Trigger
	Hint    llm.Hint
	Stats   market.RoomStats
}

// Trigger lets every tradable agent of the room other than the source
// decide whether to act. Responding agents may reprice, and each gets a
// generation job carrying the message it should send. It returns the
// number of jobs queued.
func (r *Runner) Trigger(ctx context.Context, t Trigger) (int, error) {
	agents, err := r.Records.ListTradableAgents(ctx, t.RoomID)
	if err != nil {
		return 0, err
	}
	stats, err := r.RoomStats(ctx, t.RoomID)
	if err != nil {
		return 0, err
	}
	mc := marketContext(stats)

	var sourceRole market.Role
	for _, a := range agents {
		if a.ID == t.SourceAgentID {
			sourceRole = a.Role
		}
	}

	queued := 0
	for _, a := range agents {
		if a.ID == t.SourceAgentID || !r.Engine.ShouldRespond(a, mc, t.Kind) {
			continue
		}
		if next, ok := strategy.CalculatePriceAdjustment(a, mc); ok {
			if err := r.reprice(ctx, &a, next); err != nil {
				if !errors.Is(err, market.ErrInvalidState) {
					r.Log.Warnw("price update failed", "agent", a.ID, "error", err)
				}
				continue
			}
		}
		fromCounterparty := sourceRole != "" && sourceRole == a.Role.Opposite()
		job := genJob{
			AgentID: a.ID,
			RoomID:  t.RoomID,
			Trigger: t,
			Hint:    decideHint(a, t.Price, fromCounterparty),
			Stats:   stats,
		}
		if r.enqueue(job) {
			queued++
		}
	}
	return queued, nil
}

func (r *Runner) reprice(ctx context.Context, a *market.Agent, price float64) error {
	if err := r.Records.UpdatePrice(ctx, a.ID, price); err != nil {
		return err
	}
	if err := r.State.Upsert(ctx, a.RoomID, marketstate.SideOf(a.Role), a.ID, price); err != nil {
		r.Log.Warnw("market state upsert failed", "agent", a.ID, "error", err)
	}
	r.Log.Debugw("agent repriced", "agent", a.ID, "from", a.Mandate.CurrentPrice, "to", price)
	a.Mandate.CurrentPrice = price
	a.Status = market.AgentNegotiating
	return nil
}

func (r *Runner) enqueue(job genJob) bool {
	select {
	case r.jobs <- job:
		return true
	default:
		metrics.Generations.WithLabelValues("dropped").Inc()
		r.Log.Warnw("generation queue full, dropping turn", "agent", job.AgentID, "room", job.RoomID)
		return false
	}
}

// decideHint picks what the agent should say. A price quoted by the other
// side is accepted when it is inside the mandate and no worse than the
// agent's own price, and countered otherwise. Without such a price the
// agent restates its current price.
func decideHint(a market.Agent, offered *float64, fromCounterparty bool) llm.Hint {
	current := a.Mandate.CurrentPrice
	if offered == nil || !fromCounterparty {
		return llm.Hint{Action: llm.ActionOffer, Price: current}
	}
	price := strategy.Round2(*offered)
	acceptable := strategy.ValidateOfferAcceptance(a, price).Accept
	if acceptable && noWorse(a.Role, price, current) {
		return llm.Hint{Action: llm.ActionAccept, Price: price}
	}
	counter := strategy.GenerateCounterOffer(a, price)
	if acceptable && counter == price {
		return llm.Hint{Action: llm.ActionAccept, Price: price}
	}
	return llm.Hint{Action: llm.ActionCounter, Price: counter}
}

func noWorse(role market.Role, offered, current float64) bool {
	current = strategy.Round2(current)
	if role == market.RoleSeller {
		return offered >= current
	}
	return offered <= current
}
