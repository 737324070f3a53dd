package llm

import (
	"fmt"
	"strings"

	"agentmarket/negotiator/internal/market"
)

// Turn is everything an agent knows when it is asked to speak.
type Turn struct {
	Agent       market.Agent
	Asset       string
	Stats       market.RoomStats
	Trigger     string
	TriggerText string
	Recent      []market.Message
	Hint        Hint
}

// BuildPrompt renders a turn as a system persona plus the room situation.
func BuildPrompt(t Turn) Prompt {
	a := t.Agent
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are %s, a %s %s in a marketplace negotiation.", a.Name, a.Strategy, a.Role)
	if a.Style != "" {
		fmt.Fprintf(&sys, " Your communication style is %s.", a.Style)
	}
	sys.WriteString(" Reply with one short chat message. Always write prices as plain numbers.")
	switch a.Role {
	case market.RoleSeller:
		fmt.Fprintf(&sys, " Never go below %.2f.", a.Mandate.Floor())
	case market.RoleBuyer:
		if a.Mandate.MaxPrice > 0 {
			fmt.Fprintf(&sys, " Never pay more than %.2f.", a.Mandate.MaxPrice)
		}
	}

	var user strings.Builder
	if t.Asset != "" {
		fmt.Fprintf(&user, "Item: %s\n", t.Asset)
	}
	fmt.Fprintf(&user, "Your current price: %.2f\n", a.Mandate.CurrentPrice)
	fmt.Fprintf(&user, "Room: floor %s, top bid %s, %d buyers, %d sellers\n",
		optional(t.Stats.Floor), optional(t.Stats.TopBid), t.Stats.ActiveBuyers, t.Stats.ActiveSellers)
	if len(t.Recent) > 0 {
		user.WriteString("Recent messages:\n")
		for i := len(t.Recent) - 1; i >= 0; i-- {
			m := t.Recent[i]
			fmt.Fprintf(&user, "- %s: %s\n", m.Role, m.Content)
		}
	}
	if t.TriggerText != "" {
		fmt.Fprintf(&user, "You are reacting to: %q\n", t.TriggerText)
	} else if t.Trigger != "" {
		fmt.Fprintf(&user, "You are reacting to: %s\n", t.Trigger)
	}
	switch t.Hint.Action {
	case ActionAccept:
		fmt.Fprintf(&user, "Accept the deal at %.2f.", t.Hint.Price)
	case ActionCounter:
		fmt.Fprintf(&user, "Counter with %.2f.", t.Hint.Price)
	case ActionOffer:
		fmt.Fprintf(&user, "Make an offer at %.2f.", t.Hint.Price)
	case ActionReject:
		user.WriteString("Decline politely.")
	default:
		user.WriteString("Comment on the market without naming a price.")
	}
	return Prompt{System: sys.String(), User: user.String(), Hint: t.Hint}
}

func optional(v *float64) string {
	if v == nil {
		return "none"
	}
	return fmt.Sprintf("%.2f", *v)
}
